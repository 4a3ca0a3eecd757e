// Package quickupdate is QuickUpdate (§4.6): the pure-arithmetic, no-LLM
// update Sniper's background worker runs after every closed trade. It
// recomputes the symbol's CoinScore and (if the trade used one) the
// Pattern's Bayesian-shrunk confidence, applies the status-transition
// thresholds, and notifies ReflectionEngine — grounded in the teacher's
// position-closing accounting in internal/orders/position_tracker.go,
// generalized from realized-PnL bookkeeping to the learning loop's
// running aggregates.
package quickupdate

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/paperbot/engine/internal/domain"
	"github.com/paperbot/engine/internal/health"
	"github.com/paperbot/engine/internal/knowledge"
	"github.com/paperbot/engine/internal/logging"
	"github.com/paperbot/engine/internal/sniper"
)

// KnowledgeStore is the subset of internal/knowledge.KnowledgeStore's
// surface QuickUpdate needs.
type KnowledgeStore interface {
	GetCoinScore(ctx context.Context, symbol string) (*domain.CoinScore, error)
	UpsertCoinScore(ctx context.Context, s domain.CoinScore) error
	SetCoinStatus(ctx context.Context, symbol string, status domain.CoinStatus, reason *string) error
	GetPattern(ctx context.Context, patternID string) (*domain.Pattern, error)
	UpdatePatternStats(ctx context.Context, patternID string, winRate, confidence decimal.Decimal, tradeCount, wins, losses int, totalPnL decimal.Decimal) error
}

var _ KnowledgeStore = (*knowledge.KnowledgeStore)(nil)

// ReflectionNotifier is ReflectionEngine's on_trade_closed hook (§4.6
// step 4); QuickUpdate never waits on it, matching §5's "reflection runs
// asynchronously".
type ReflectionNotifier interface {
	OnTradeClosed()
}

// Config holds the thresholds and Bayesian shrinkage constant §4.6 uses.
type Config struct {
	MinTradesForAdaptation int
	BlacklistWinRate       decimal.Decimal
	ReducedWinRate         decimal.Decimal
	FavoredWinRate         decimal.Decimal
	PatternShrinkageAlpha  decimal.Decimal
}

// QuickUpdate is the per-trade learning-loop update, called once per
// closed position off Sniper's hot path.
type QuickUpdate struct {
	cfg      Config
	store    KnowledgeStore
	notifier ReflectionNotifier
	log      *logging.Logger
	tracker  *health.Tracker
}

var _ sniper.QuickUpdater = (*QuickUpdate)(nil)

// New constructs a QuickUpdate. notifier is fixed here (there is no
// setter); a nil notifier just skips step 4 silently.
func New(cfg Config, store KnowledgeStore, notifier ReflectionNotifier) *QuickUpdate {
	if cfg.MinTradesForAdaptation <= 0 {
		cfg.MinTradesForAdaptation = 5
	}
	return &QuickUpdate{
		cfg:      cfg,
		store:    store,
		notifier: notifier,
		log:      logging.WithComponent("quickupdate"),
		tracker:  health.NewTracker("quickupdate"),
	}
}

// OnTradeClosed implements sniper.QuickUpdater: it is the one call site
// Sniper's background worker makes after every closed trade.
func (q *QuickUpdate) OnTradeClosed(ctx context.Context, symbol string, won bool, pnlUSD decimal.Decimal, patternID *string) error {
	if err := q.updateCoinScore(ctx, symbol, won, pnlUSD); err != nil {
		q.tracker.RecordError(health.StatusDegraded)
		return err
	}
	if patternID != nil {
		if err := q.updatePattern(ctx, *patternID, won, pnlUSD); err != nil {
			q.tracker.RecordError(health.StatusDegraded)
			return err
		}
	}
	q.tracker.Touch()
	if q.notifier != nil {
		q.notifier.OnTradeClosed()
	}
	return nil
}

// updateCoinScore implements §4.6 steps 1 and 3: recompute the running
// aggregate, then apply the status-transition thresholds.
func (q *QuickUpdate) updateCoinScore(ctx context.Context, symbol string, won bool, pnlUSD decimal.Decimal) error {
	existing, err := q.store.GetCoinScore(ctx, symbol)
	if err != nil {
		return health.Wrap(health.KindTransientIO, fmt.Errorf("quickupdate get_coin_score: %w", err))
	}
	var s domain.CoinScore
	if existing != nil {
		s = *existing
	} else {
		s = domain.CoinScore{Symbol: symbol, Status: domain.StatusNormal}
	}

	prevWins, prevLosses := s.Wins, s.Losses
	s.Trades++
	if won {
		s.Wins++
		s.AvgWinner = weightedAvg(s.AvgWinner, prevWins, pnlUSD)
	} else {
		s.Losses++
		s.AvgLoser = weightedAvg(s.AvgLoser, prevLosses, pnlUSD)
	}
	s.TotalPnL = s.TotalPnL.Add(pnlUSD)
	s.WinRate = decimal.NewFromInt(int64(s.Wins)).Div(decimal.NewFromInt(int64(s.Trades)))
	s.AvgPnL = s.TotalPnL.Div(decimal.NewFromInt(int64(s.Trades)))

	newStatus, reason := q.classify(s)
	s.Status = newStatus
	s.BlacklistReason = reason

	if err := q.store.UpsertCoinScore(ctx, s); err != nil {
		return health.Wrap(health.KindTransientIO, fmt.Errorf("quickupdate upsert_coin_score: %w", err))
	}
	if existing == nil || existing.Status != newStatus {
		if err := q.store.SetCoinStatus(ctx, symbol, newStatus, reason); err != nil {
			return health.Wrap(health.KindTransientIO, fmt.Errorf("quickupdate set_coin_status: %w", err))
		}
	}
	return nil
}

// classify applies §4.6 step 3's composite predicate. The same predicate
// governs both promotion into FAVORED and demotion out of it, so a
// symbol cannot stay FAVORED purely on trade-count inertia once its
// win_rate drops or its total P&L turns negative.
func (q *QuickUpdate) classify(s domain.CoinScore) (domain.CoinStatus, *string) {
	if s.Trades < q.cfg.MinTradesForAdaptation {
		return domain.StatusNormal, nil
	}
	switch {
	case s.WinRate.LessThan(q.cfg.BlacklistWinRate) && s.TotalPnL.IsNegative():
		reason := "win_rate below blacklist threshold with negative total pnl"
		return domain.StatusBlacklisted, &reason
	case s.WinRate.LessThan(q.cfg.ReducedWinRate):
		reason := "win_rate below reduced threshold"
		return domain.StatusReduced, &reason
	case s.WinRate.GreaterThan(q.cfg.FavoredWinRate) && s.TotalPnL.IsPositive():
		return domain.StatusFavored, nil
	default:
		return domain.StatusNormal, nil
	}
}

// updatePattern implements §4.6 step 2: Bayesian shrinkage toward 0.5
// with pseudo-count α, confidence = (wins + α) / (trades + 2α).
func (q *QuickUpdate) updatePattern(ctx context.Context, patternID string, won bool, pnlUSD decimal.Decimal) error {
	p, err := q.store.GetPattern(ctx, patternID)
	if err != nil {
		return health.Wrap(health.KindTransientIO, fmt.Errorf("quickupdate get_pattern: %w", err))
	}
	if p == nil {
		q.log.Warn("quick_update referenced unknown pattern", "pattern_id", patternID)
		return nil
	}

	wins, losses := p.Wins, p.Losses
	if won {
		wins++
	} else {
		losses++
	}
	trades := wins + losses
	totalPnL := p.TotalPnL.Add(pnlUSD)

	alpha := q.cfg.PatternShrinkageAlpha
	confidence := decimal.NewFromInt(int64(wins)).Add(alpha).
		Div(decimal.NewFromInt(int64(trades)).Add(alpha.Mul(decimal.NewFromInt(2))))
	winRate := decimal.Zero
	if trades > 0 {
		winRate = decimal.NewFromInt(int64(wins)).Div(decimal.NewFromInt(int64(trades)))
	}

	if err := q.store.UpdatePatternStats(ctx, patternID, winRate, confidence, trades, wins, losses, totalPnL); err != nil {
		return health.Wrap(health.KindTransientIO, fmt.Errorf("quickupdate update_pattern_stats: %w", err))
	}
	return nil
}

// weightedAvg folds pnl into a running average over n prior samples.
func weightedAvg(prevAvg decimal.Decimal, n int, pnl decimal.Decimal) decimal.Decimal {
	if n == 0 {
		return pnl
	}
	total := prevAvg.Mul(decimal.NewFromInt(int64(n))).Add(pnl)
	return total.Div(decimal.NewFromInt(int64(n + 1)))
}

// Health reports QuickUpdate's current status.
func (q *QuickUpdate) Health() health.Health {
	return q.tracker.Snapshot(nil)
}
