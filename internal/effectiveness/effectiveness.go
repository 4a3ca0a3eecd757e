// Package effectiveness is EffectivenessMonitor (§4.9): the periodic
// sweep that measures whether an applied Adaptation actually helped,
// labels it, and automatically reverses anything that turned out
// harmful — grounded in the teacher's circuit-breaker trip/reset pair
// (internal/circuit), generalized from "reopen on repeated failure" to
// "roll back on a harmful post-metric delta."
package effectiveness

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/paperbot/engine/internal/domain"
	"github.com/paperbot/engine/internal/health"
	"github.com/paperbot/engine/internal/knowledge"
	"github.com/paperbot/engine/internal/logging"
	"github.com/paperbot/engine/internal/metrics"
)

// KnowledgeStore is the subset of internal/knowledge.KnowledgeStore
// EffectivenessMonitor needs.
type KnowledgeStore interface {
	PendingAdaptations(ctx context.Context, minAge time.Duration) ([]domain.Adaptation, error)
	GetCoinScore(ctx context.Context, symbol string) (*domain.CoinScore, error)
	GetPattern(ctx context.Context, patternID string) (*domain.Pattern, error)
	SetCoinStatus(ctx context.Context, symbol string, status domain.CoinStatus, reason *string) error
	SetPatternActive(ctx context.Context, patternID string, active bool) error
	SetRuleActive(ctx context.Context, ruleID string, active bool) error
	FinalizeAdaptation(ctx context.Context, id string, postMetrics map[string]interface{}, effectiveness domain.Effectiveness) error
	RecordRollback(ctx context.Context, id string, reason string) error
	AddAdaptation(ctx context.Context, a domain.Adaptation) error
}

var _ KnowledgeStore = (*knowledge.KnowledgeStore)(nil)

// Config holds the minimum evidence the sweep requires before it will
// measure a pending adaptation, per §4.9.
type Config struct {
	MinNewTrades int           // "after >= 10 new trades on the target"
	MaxAge       time.Duration // "or >= 24h elapsed"
}

// DefaultConfig matches §4.9's stated thresholds.
func DefaultConfig() Config {
	return Config{MinNewTrades: 10, MaxAge: 24 * time.Hour}
}

// Monitor is EffectivenessMonitor.
type Monitor struct {
	cfg     Config
	store   KnowledgeStore
	log     *logging.Logger
	tracker *health.Tracker

	mu        sync.Mutex
	scheduled map[string]bool // adaptation IDs passed to Schedule; Sweep removes an ID once measured
}

// New constructs an EffectivenessMonitor.
func New(cfg Config, store KnowledgeStore) *Monitor {
	if cfg.MaxAge <= 0 {
		cfg = DefaultConfig()
	}
	return &Monitor{
		cfg:       cfg,
		store:     store,
		log:       logging.WithComponent("effectiveness"),
		tracker:   health.NewTracker("effectiveness"),
		scheduled: make(map[string]bool),
	}
}

// Schedule implements adaptation.EffectivenessScheduler: it only records
// the adaptation ID. Sweep considers every pending adaptation on each
// pass whether or not it was scheduled, so Schedule does not change when
// an adaptation is measured; all gating (trade count / age) is in Sweep.
func (m *Monitor) Schedule(adaptationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduled[adaptationID] = true
}

// Sweep runs one pass over every pending adaptation, per Orchestrator's
// 5-minute timer (§4.10).
func (m *Monitor) Sweep(ctx context.Context) error {
	pending, err := m.store.PendingAdaptations(ctx, 0)
	if err != nil {
		m.tracker.RecordError(health.StatusDegraded)
		return health.Wrap(health.KindTransientIO, fmt.Errorf("effectiveness pending_adaptations: %w", err))
	}

	for _, a := range pending {
		if err := m.measure(ctx, a); err != nil {
			m.log.WithError(err).Warn("failed to measure adaptation effectiveness", "adaptation_id", a.ID)
		}
	}
	m.tracker.Touch()
	return nil
}

func (m *Monitor) measure(ctx context.Context, a domain.Adaptation) error {
	post, newTrades, ok := m.postMetrics(ctx, a)
	if !ok {
		return nil // target row vanished; nothing to measure yet
	}

	ready := time.Since(a.Ts) >= m.cfg.MaxAge || newTrades >= m.cfg.MinNewTrades
	if !ready {
		return nil
	}

	effectiveness := classify(a.PreMetrics, post)
	if err := m.store.FinalizeAdaptation(ctx, a.ID, post, effectiveness); err != nil {
		return health.Wrap(health.KindTransientIO, fmt.Errorf("finalize_adaptation: %w", err))
	}
	metrics.EffectivenessLabelsTotal.WithLabelValues(string(effectiveness)).Inc()

	m.mu.Lock()
	delete(m.scheduled, a.ID)
	m.mu.Unlock()

	if effectiveness == domain.EffectivenessHarmful {
		return m.rollback(ctx, a)
	}
	return nil
}

// postMetrics recomputes the same metric shape adaptation.preMetrics
// captured, plus how many new trades have landed on the target since.
// Rule-creation targets (time/regime rules) have no trade-bearing row to
// re-read, so they report zero new trades and rely on MaxAge alone.
func (m *Monitor) postMetrics(ctx context.Context, a domain.Adaptation) (map[string]interface{}, int, bool) {
	switch a.Action {
	case domain.ActionBlacklist, domain.ActionUnblacklist, domain.ActionFavor, domain.ActionReduce, domain.ActionRollback:
		score, err := m.store.GetCoinScore(ctx, a.Target)
		if err != nil || score == nil {
			return nil, 0, false
		}
		preTrades := intFromMetrics(a.PreMetrics, "trades")
		return map[string]interface{}{
			"win_rate":  score.WinRate.String(),
			"total_pnl": score.TotalPnL.String(),
			"trades":    score.Trades,
			"status":    string(score.Status),
		}, score.Trades - preTrades, true
	case domain.ActionDeactivatePattern, domain.ActionActivatePattern:
		p, err := m.store.GetPattern(ctx, a.Target)
		if err != nil || p == nil {
			return nil, 0, false
		}
		preUsed := intFromMetrics(a.PreMetrics, "times_used")
		return map[string]interface{}{
			"confidence": p.Confidence.String(),
			"times_used": p.TimesUsed,
			"active":     p.Active,
			"win_rate":   patternWinRate(p).String(),
			"total_pnl":  p.TotalPnL.String(),
		}, p.TimesUsed - preUsed, true
	default:
		return map[string]interface{}{}, 0, true
	}
}

func patternWinRate(p *domain.Pattern) decimal.Decimal {
	total := p.Wins + p.Losses
	if total == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(p.Wins)).Div(decimal.NewFromInt(int64(total)))
}

func intFromMetrics(m map[string]interface{}, key string) int {
	v, ok := m[key]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}

// classify implements §4.9's effectiveness label table off the
// pre/post win_rate and pnl deltas.
func classify(pre, post map[string]interface{}) domain.Effectiveness {
	preWR := decimalFromMetrics(pre, "win_rate")
	postWR := decimalFromMetrics(post, "win_rate")
	prePnL := decimalFromMetrics(pre, "total_pnl")
	postPnL := decimalFromMetrics(post, "total_pnl")

	deltaWR := postWR.Sub(preWR) // fraction, e.g. 0.05 == 5pp
	deltaPnL := postPnL.Sub(prePnL)

	fivePP := decimal.NewFromFloat(0.05)
	twoPP := decimal.NewFromFloat(0.02)
	tenPP := decimal.NewFromFloat(0.10)

	var relDeltaPnL decimal.Decimal
	if !prePnL.IsZero() {
		relDeltaPnL = deltaPnL.Div(prePnL.Abs())
	} else if !deltaPnL.IsZero() {
		relDeltaPnL = decimal.NewFromFloat(1) // any movement off a zero base is a full-scale change
	}

	switch {
	case deltaWR.GreaterThan(fivePP) && deltaPnL.IsPositive():
		return domain.EffectivenessHighlyEffective
	case deltaWR.LessThan(tenPP.Neg()) || relDeltaPnL.LessThan(tenPP.Neg()):
		return domain.EffectivenessHarmful
	case deltaWR.Abs().LessThanOrEqual(twoPP) && relDeltaPnL.Abs().LessThanOrEqual(tenPP):
		return domain.EffectivenessNeutral
	case deltaWR.IsPositive() || deltaPnL.IsPositive():
		return domain.EffectivenessEffective
	case deltaWR.IsNegative() || deltaPnL.IsNegative():
		return domain.EffectivenessIneffective
	default:
		return domain.EffectivenessNeutral
	}
}

func decimalFromMetrics(m map[string]interface{}, key string) decimal.Decimal {
	v, ok := m[key]
	if !ok {
		return decimal.Zero
	}
	s, ok := v.(string)
	if !ok {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// rollback implements §4.9's automatic-reversal policy for a harmful
// adaptation: reverse the original mutation and append a ROLLBACK row.
func (m *Monitor) rollback(ctx context.Context, a domain.Adaptation) error {
	if err := m.reverse(ctx, a); err != nil {
		return health.Wrap(health.KindTransientIO, fmt.Errorf("effectiveness reverse: %w", err))
	}

	reason := fmt.Sprintf("adaptation %s labeled harmful, reversing", a.ID)
	if err := m.store.RecordRollback(ctx, a.ID, reason); err != nil {
		return health.Wrap(health.KindTransientIO, fmt.Errorf("record_rollback: %w", err))
	}

	rollback := domain.Adaptation{
		ID:            uuid.NewString(),
		Ts:            time.Now(),
		Action:        domain.ActionRollback,
		Target:        a.ID,
		Description:   reason,
		PreMetrics:    a.PostMetrics,
		Confidence:    decimal.NewFromInt(1),
		AutoApplied:   true,
		Effectiveness: domain.EffectivenessPending,
	}
	if err := m.store.AddAdaptation(ctx, rollback); err != nil {
		return health.Wrap(health.KindTransientIO, fmt.Errorf("add_rollback_adaptation: %w", err))
	}

	metrics.AdaptationsRolledBackTotal.Inc()
	m.log.Warn("adaptation reversed as harmful", "adaptation_id", a.ID, "action", string(a.Action), "target", a.Target)
	return nil
}

// reverse undoes the original mutation per its action.
func (m *Monitor) reverse(ctx context.Context, a domain.Adaptation) error {
	switch a.Action {
	case domain.ActionBlacklist:
		return m.store.SetCoinStatus(ctx, a.Target, domain.StatusNormal, nil)
	case domain.ActionReduce:
		return m.store.SetCoinStatus(ctx, a.Target, domain.StatusNormal, nil)
	case domain.ActionFavor:
		return m.store.SetCoinStatus(ctx, a.Target, domain.StatusNormal, nil)
	case domain.ActionUnblacklist:
		reason := "rollback of harmful unblacklist"
		return m.store.SetCoinStatus(ctx, a.Target, domain.StatusBlacklisted, &reason)
	case domain.ActionDeactivatePattern:
		return m.store.SetPatternActive(ctx, a.Target, true)
	case domain.ActionActivatePattern:
		return m.store.SetPatternActive(ctx, a.Target, false)
	case domain.ActionCreateTimeRule, domain.ActionCreateRegimeRule:
		return m.store.SetRuleActive(ctx, a.Target, false)
	default:
		return fmt.Errorf("no reversal defined for action %q", a.Action)
	}
}

// Health reports the monitor's current status.
func (m *Monitor) Health() health.Health {
	return m.tracker.Snapshot(nil)
}
