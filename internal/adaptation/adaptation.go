// Package adaptation is AdaptationEngine (§4.8): it turns the Insights
// ReflectionEngine produces into guarded KnowledgeStore mutations — a
// per-action rule table (min_confidence, min_trades, cooldown) stands
// between a plausible-sounding LLM suggestion and an actual change to
// trading behavior, grounded in the teacher's guarded-mutation style in
// internal/circuit (trip conditions gate a state change) generalized
// from "stop trading after losses" to "stop acting on an insight that
// doesn't clear its bar."
package adaptation

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/paperbot/engine/internal/domain"
	"github.com/paperbot/engine/internal/health"
	"github.com/paperbot/engine/internal/knowledge"
	"github.com/paperbot/engine/internal/logging"
	"github.com/paperbot/engine/internal/metrics"
	"github.com/paperbot/engine/internal/reflection"
	"github.com/paperbot/engine/internal/sniper"
)

// KnowledgeStore is the subset of internal/knowledge.KnowledgeStore
// AdaptationEngine mutates and reads.
type KnowledgeStore interface {
	GetCoinScore(ctx context.Context, symbol string) (*domain.CoinScore, error)
	SetCoinStatus(ctx context.Context, symbol string, status domain.CoinStatus, reason *string) error
	GetPattern(ctx context.Context, patternID string) (*domain.Pattern, error)
	SetPatternActive(ctx context.Context, patternID string, active bool) error
	AddRegimeRule(ctx context.Context, rule domain.RegimeRule) error
	AddAdaptation(ctx context.Context, a domain.Adaptation) error
	GetAdaptationsForTarget(ctx context.Context, target string) ([]domain.Adaptation, error)
}

var _ KnowledgeStore = (*knowledge.KnowledgeStore)(nil)

// AccountSource lets AdaptationEngine fold current balance/exposure into
// an adaptation's pre_metrics snapshot. *sniper.Sniper satisfies it.
type AccountSource interface {
	Snapshot() sniper.Snapshot
}

var _ AccountSource = (*sniper.Sniper)(nil)

// EffectivenessScheduler is how AdaptationEngine hands off step 6 ("schedule
// an EffectivenessMonitor measurement"); internal/effectiveness.Monitor
// implements this. A nil scheduler changes nothing: the periodic sweep in
// internal/effectiveness picks up every pending adaptation on its own.
type EffectivenessScheduler interface {
	Schedule(adaptationID string)
}

// Rule is one row of §4.8's guard table.
type Rule struct {
	MinConfidence decimal.Decimal
	MinTrades     int
	Cooldown      time.Duration
}

// Config is the full per-action guard table plus defaults.
type Config struct {
	Rules map[domain.AdaptationAction]Rule
}

// DefaultConfig matches §4.8's table exactly.
func DefaultConfig() Config {
	day := 24 * time.Hour
	return Config{Rules: map[domain.AdaptationAction]Rule{
		domain.ActionBlacklist:         {MinConfidence: decimal.NewFromFloat(0.85), MinTrades: 5, Cooldown: day},
		domain.ActionFavor:             {MinConfidence: decimal.NewFromFloat(0.80), MinTrades: 5, Cooldown: day},
		domain.ActionReduce:            {MinConfidence: decimal.NewFromFloat(0.60), MinTrades: 5, Cooldown: day},
		domain.ActionDeactivatePattern: {MinConfidence: decimal.NewFromFloat(0.85), MinTrades: 5, Cooldown: day},
		domain.ActionCreateTimeRule:    {MinConfidence: decimal.NewFromFloat(0.75), MinTrades: 10, Cooldown: day},
		domain.ActionCreateRegimeRule:  {MinConfidence: decimal.NewFromFloat(0.75), MinTrades: 10, Cooldown: day},
	}}
}

// Engine is AdaptationEngine.
type Engine struct {
	cfg       Config
	store     KnowledgeStore
	account   AccountSource
	scheduler EffectivenessScheduler
	log       *logging.Logger
	tracker   *health.Tracker
}

var _ reflection.AdaptationHandler = (*Engine)(nil)

// New constructs an AdaptationEngine. account/scheduler may be nil;
// pre_metrics then omits the account snapshot and no measurement gets
// actively scheduled (the periodic sweep still finds the pending row).
func New(cfg Config, store KnowledgeStore, account AccountSource, scheduler EffectivenessScheduler) *Engine {
	if cfg.Rules == nil {
		cfg = DefaultConfig()
	}
	return &Engine{
		cfg:       cfg,
		store:     store,
		account:   account,
		scheduler: scheduler,
		log:       logging.WithComponent("adaptation"),
		tracker:   health.NewTracker("adaptation"),
	}
}

// ApplyInsights implements reflection.AdaptationHandler: §4.7 step 6.
func (e *Engine) ApplyInsights(ctx context.Context, insights []domain.Insight) error {
	for _, ins := range insights {
		if err := e.apply(ctx, ins); err != nil {
			e.log.WithError(err).Warn("failed to apply insight", "title", ins.Title)
		}
	}
	e.tracker.Touch()
	return nil
}

// apply implements the §4.8 per-insight algorithm.
func (e *Engine) apply(ctx context.Context, ins domain.Insight) error {
	rule, ok := e.cfg.Rules[ins.SuggestedAction]
	if !ok {
		metrics.AdaptationsRejectedTotal.WithLabelValues("unknown_action").Inc()
		e.log.Info("skipping insight with unrecognized suggested_action", "action", string(ins.SuggestedAction))
		return nil
	}

	// Step 1: guard on confidence/evidence trades.
	if ins.EvidenceTrades < rule.MinTrades || ins.Confidence.LessThan(rule.MinConfidence) {
		metrics.AdaptationsRejectedTotal.WithLabelValues("below_threshold").Inc()
		e.log.Info("insight below adaptation threshold, skipping",
			"action", string(ins.SuggestedAction), "confidence", ins.Confidence.String(),
			"evidence_trades", ins.EvidenceTrades, "min_trades", rule.MinTrades)
		return nil
	}

	target, err := e.resolveTarget(ctx, ins)
	if err != nil {
		return err
	}
	if target == "" {
		metrics.AdaptationsRejectedTotal.WithLabelValues("unresolvable_target").Inc()
		e.log.Info("insight lacked enough structure to resolve a target, skipping", "action", string(ins.SuggestedAction))
		return nil
	}

	reasonHash := hashReason(ins.Description)

	// Step 2: cooldown / idempotency.
	existing, err := e.store.GetAdaptationsForTarget(ctx, target)
	if err != nil {
		return health.Wrap(health.KindTransientIO, fmt.Errorf("adaptation cooldown check: %w", err))
	}
	for _, a := range existing {
		if a.Action != ins.SuggestedAction {
			continue
		}
		if time.Since(a.Ts) < rule.Cooldown && hashReason(a.Description) == reasonHash {
			metrics.AdaptationsRejectedTotal.WithLabelValues("cooldown").Inc()
			e.log.Info("duplicate adaptation within cooldown window, skipping", "target", target, "action", string(ins.SuggestedAction))
			return nil
		}
	}

	// Step 3: pre_metrics snapshot.
	preMetrics, err := e.preMetrics(ctx, ins.SuggestedAction, target)
	if err != nil {
		return err
	}

	// Step 4: mutate.
	if err := e.mutate(ctx, ins, target); err != nil {
		return health.Wrap(health.KindTransientIO, fmt.Errorf("adaptation mutate: %w", err))
	}

	// Step 5: append Adaptation row.
	adaptationID := uuid.NewString()
	adaptation := domain.Adaptation{
		ID:            adaptationID,
		Ts:            time.Now(),
		Action:        ins.SuggestedAction,
		Target:        target,
		Description:   ins.Description,
		PreMetrics:    preMetrics,
		Confidence:    ins.Confidence,
		AutoApplied:   true,
		Effectiveness: domain.EffectivenessPending,
	}
	if err := e.store.AddAdaptation(ctx, adaptation); err != nil {
		return health.Wrap(health.KindTransientIO, fmt.Errorf("adaptation persist: %w", err))
	}
	metrics.AdaptationsAppliedTotal.WithLabelValues(string(ins.SuggestedAction)).Inc()

	// Step 6: schedule effectiveness measurement.
	if e.scheduler != nil {
		e.scheduler.Schedule(adaptationID)
	}
	return nil
}

// resolveTarget picks the entity this insight acts on: a symbol for
// coin-status actions, a pattern_id for pattern actions, or a freshly
// minted rule ID for the two rule-creation actions (there is no
// pre-existing target to cool down against, so the rule's own ID
// becomes the target of record).
func (e *Engine) resolveTarget(ctx context.Context, ins domain.Insight) (string, error) {
	switch ins.SuggestedAction {
	case domain.ActionBlacklist, domain.ActionUnblacklist, domain.ActionFavor, domain.ActionReduce:
		if ins.EvidenceSymbol != nil {
			return *ins.EvidenceSymbol, nil
		}
		return "", nil
	case domain.ActionDeactivatePattern, domain.ActionActivatePattern:
		if ins.EvidencePattern != nil {
			return *ins.EvidencePattern, nil
		}
		return "", nil
	case domain.ActionCreateTimeRule:
		return uuid.NewString(), nil
	case domain.ActionCreateRegimeRule:
		if !hasRegimeSignal(ins.Title + " " + ins.Description) {
			return "", nil
		}
		return uuid.NewString(), nil
	default:
		return "", nil
	}
}

// preMetrics captures §4.8 step 3's snapshot. Action-specific: coin/pattern
// actions snapshot the relevant row; rule-creation actions snapshot the
// account only, since there is no existing row to compare against.
func (e *Engine) preMetrics(ctx context.Context, action domain.AdaptationAction, target string) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	switch action {
	case domain.ActionBlacklist, domain.ActionUnblacklist, domain.ActionFavor, domain.ActionReduce:
		score, err := e.store.GetCoinScore(ctx, target)
		if err != nil {
			return nil, health.Wrap(health.KindTransientIO, fmt.Errorf("pre_metrics coin_score: %w", err))
		}
		if score != nil {
			out["win_rate"] = score.WinRate.String()
			out["total_pnl"] = score.TotalPnL.String()
			out["trades"] = score.Trades
			out["status"] = string(score.Status)
		}
	case domain.ActionDeactivatePattern, domain.ActionActivatePattern:
		p, err := e.store.GetPattern(ctx, target)
		if err != nil {
			return nil, health.Wrap(health.KindTransientIO, fmt.Errorf("pre_metrics pattern: %w", err))
		}
		if p != nil {
			out["confidence"] = p.Confidence.String()
			out["times_used"] = p.TimesUsed
			out["active"] = p.Active
			// win_rate/total_pnl use the same keys as the coin-score case so
			// effectiveness.classify can compare deltas uniformly regardless
			// of which kind of target an adaptation acted on.
			out["win_rate"] = patternWinRate(p).String()
			out["total_pnl"] = p.TotalPnL.String()
		}
	}
	if e.account != nil {
		snap := e.account.Snapshot()
		out["account_balance"] = snap.Account.Balance.String()
		out["open_positions"] = len(snap.Positions)
	}
	return out, nil
}

func patternWinRate(p *domain.Pattern) decimal.Decimal {
	total := p.Wins + p.Losses
	if total == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(p.Wins)).Div(decimal.NewFromInt(int64(total)))
}

// mutate applies the KnowledgeStore mutation for each action (§4.8 step 4).
func (e *Engine) mutate(ctx context.Context, ins domain.Insight, target string) error {
	switch ins.SuggestedAction {
	case domain.ActionBlacklist:
		reason := ins.Description
		return e.store.SetCoinStatus(ctx, target, domain.StatusBlacklisted, &reason)
	case domain.ActionUnblacklist:
		return e.store.SetCoinStatus(ctx, target, domain.StatusNormal, nil)
	case domain.ActionFavor:
		return e.store.SetCoinStatus(ctx, target, domain.StatusFavored, nil)
	case domain.ActionReduce:
		reason := ins.Description
		return e.store.SetCoinStatus(ctx, target, domain.StatusReduced, &reason)
	case domain.ActionDeactivatePattern:
		return e.store.SetPatternActive(ctx, target, false)
	case domain.ActionActivatePattern:
		return e.store.SetPatternActive(ctx, target, true)
	case domain.ActionCreateTimeRule:
		return e.store.AddRegimeRule(ctx, buildTimeRule(target, ins))
	case domain.ActionCreateRegimeRule:
		return e.store.AddRegimeRule(ctx, buildRegimeRule(target, ins))
	default:
		return fmt.Errorf("unhandled adaptation action %q", ins.SuggestedAction)
	}
}

// buildTimeRule turns an hour-bucketed insight into a RegimeRule gated on
// MarketState.HourOfDay. A "problem" insight suppresses trading in that
// hour outright; anything else just shrinks size.
func buildTimeRule(ruleID string, ins domain.Insight) domain.RegimeRule {
	hour := 0
	if ins.EvidenceHours != nil {
		hour = *ins.EvidenceHours
	}
	action := domain.RegimeReduceSize
	if ins.Category == "problem" {
		action = domain.RegimeNoTrade
	}
	return domain.RegimeRule{
		RuleID:      ruleID,
		Description: ins.Description,
		Predicate:   func(ms domain.MarketState) bool { return ms.HourOfDay == hour },
		Action:      action,
		Active:      true,
		CreatedAt:   time.Now(),
	}
}

// buildRegimeRule builds a predicate from keywords in the insight's
// title/description, since Insight carries no structured regime evidence
// field (§6.2's evidence shape is trades/win_rate/pnl/pattern/symbol/hours
// only). Callers that cannot resolve a predicate return a rule that never
// fires rather than guessing — resolveTarget's caller treats an insight
// with no usable regime signal as unresolvable.
func buildRegimeRule(ruleID string, ins domain.Insight) domain.RegimeRule {
	text := ins.Title + " " + ins.Description
	predicate := regimePredicateFromText(text)
	action := domain.RegimeReduceSize
	if ins.Category == "problem" {
		action = domain.RegimeNoTrade
	}
	return domain.RegimeRule{
		RuleID:      ruleID,
		Description: ins.Description,
		Predicate:   predicate,
		Action:      action,
		Active:      true,
		CreatedAt:   time.Now(),
	}
}

// hasRegimeSignal reports whether text contains any keyword
// regimePredicateFromText knows how to turn into a predicate clause.
func hasRegimeSignal(text string) bool {
	lower := strings.ToLower(text)
	for _, n := range []string{"weekend", "uptrend", "bull", "downtrend", "bear", "sideways", "choppy", "range"} {
		if strings.Contains(lower, n) {
			return true
		}
	}
	return false
}

func regimePredicateFromText(text string) func(domain.MarketState) bool {
	lower := strings.ToLower(text)
	containsAny := func(needles ...string) bool {
		for _, n := range needles {
			if strings.Contains(lower, n) {
				return true
			}
		}
		return false
	}
	wantWeekend := containsAny("weekend")
	wantUp := containsAny("uptrend", "bull")
	wantDown := containsAny("downtrend", "bear")
	wantSideways := containsAny("sideways", "choppy", "range")

	return func(ms domain.MarketState) bool {
		if wantWeekend && !ms.IsWeekend {
			return false
		}
		if wantUp && ms.BTCTrend != domain.TrendImproving {
			return false
		}
		if wantDown && ms.BTCTrend != domain.TrendDeclining {
			return false
		}
		if wantSideways && ms.BTCTrend != domain.TrendStable {
			return false
		}
		return wantWeekend || wantUp || wantDown || wantSideways
	}
}

// hashReason implements the reason-hash half of (action, target,
// reason-hash) idempotency — no dedicated column exists (§6.3 pins the
// adaptations schema), so it is recomputed from the description text on
// every check rather than stored.
func hashReason(description string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(description))
	return h.Sum32()
}

// Health reports the adaptation engine's current status.
func (e *Engine) Health() health.Health {
	return e.tracker.Snapshot(nil)
}
