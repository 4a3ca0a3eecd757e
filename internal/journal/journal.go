// Package journal is the append-only trade log (§4.4): record_entry,
// record_exit, enrich_post_exit, query, backed by internal/database's
// JournalRepository.
package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paperbot/engine/internal/database"
	"github.com/paperbot/engine/internal/domain"
	"github.com/paperbot/engine/internal/events"
	"github.com/paperbot/engine/internal/health"
	"github.com/paperbot/engine/internal/logging"
	"github.com/paperbot/engine/internal/metrics"
)

// Repository is the persistence surface Journal needs from
// internal/database. *database.JournalRepository satisfies it; tests use
// a mock.
type Repository interface {
	RecordEntry(ctx context.Context, e domain.JournalEntry) error
	RecordExit(ctx context.Context, tradeID string, exitPrice decimal.Decimal, exitTs time.Time, reason domain.ExitReason, pnlUSD, pnlPct decimal.Decimal, durationMs int64) error
	EnrichPostExit(ctx context.Context, tradeID string, plus1m, plus5m, plus15m *decimal.Decimal) error
	Query(ctx context.Context, f database.QueryFilter) ([]domain.JournalEntry, error)
	OpenTradeIDsNeedingEnrichment(ctx context.Context, minAge time.Duration, limit int) ([]string, error)
}

var _ Repository = (*database.JournalRepository)(nil)

// Journal is the append-only log Sniper writes through on every
// entry/exit and QuickUpdate/ReflectionEngine read from.
type Journal struct {
	repo    Repository
	bus     *events.EventBus
	log     *logging.Logger
	tracker *health.Tracker
}

func New(repo Repository, bus *events.EventBus) *Journal {
	return &Journal{
		repo:    repo,
		bus:     bus,
		log:     logging.WithComponent("journal"),
		tracker: health.NewTracker("journal"),
	}
}

// EntryContext carries the derived fields Sniper computes when a
// condition fires, beyond the position itself.
type EntryContext struct {
	StrategyID string
	PatternID  *string
	Regime     string
}

// RecordEntry appends a new open entry for a just-opened position.
func (j *Journal) RecordEntry(ctx context.Context, pos domain.Position, entryCtx EntryContext) error {
	now := pos.EntryTs
	entry := domain.JournalEntry{
		ID:         pos.ID,
		Symbol:     pos.Symbol,
		Direction:  pos.Direction,
		SizeUSD:    pos.SizeUSD,
		StrategyID: entryCtx.StrategyID,
		PatternID:  entryCtx.PatternID,
		Regime:     entryCtx.Regime,
		HourOfDay:  now.Hour(),
		DayOfWeek:  now.Weekday(),
		EntryPrice: pos.EntryPrice,
		EntryTs:    now,
	}
	if err := j.repo.RecordEntry(ctx, entry); err != nil {
		j.tracker.RecordError(health.StatusDegraded)
		metrics.JournalWriteFailuresTotal.Inc()
		return health.Wrap(health.KindTransientIO, fmt.Errorf("record_entry: %w", err))
	}
	j.tracker.Touch()
	j.bus.Publish(events.Event{
		Type: events.EventPositionOpened,
		Data: map[string]interface{}{
			"trade_id": pos.ID, "symbol": pos.Symbol, "direction": string(pos.Direction),
		},
	})
	return nil
}

// RecordExit completes the matching open entry. entry_ts <= exit_ts is
// enforced here: a violation means a clock or unit bug upstream and is
// fatal rather than silently producing a negative duration (§4.4, §9).
func (j *Journal) RecordExit(ctx context.Context, tradeID string, entryTs time.Time, exitPrice decimal.Decimal, exitTs time.Time, reason domain.ExitReason, pnlUSD, pnlPct decimal.Decimal) error {
	if exitTs.Before(entryTs) {
		err := fmt.Errorf("record_exit: exit_ts %s precedes entry_ts %s for trade %s", exitTs, entryTs, tradeID)
		j.tracker.RecordError(health.StatusFailed)
		return health.Wrap(health.KindFatal, err)
	}
	durationMs := exitTs.Sub(entryTs).Milliseconds()

	if err := j.repo.RecordExit(ctx, tradeID, exitPrice, exitTs, reason, pnlUSD, pnlPct, durationMs); err != nil {
		j.tracker.RecordError(health.StatusDegraded)
		metrics.JournalWriteFailuresTotal.Inc()
		return health.Wrap(health.KindTransientIO, fmt.Errorf("record_exit: %w", err))
	}
	j.tracker.Touch()
	metrics.RecordPositionClosed(string(reason))
	j.bus.Publish(events.Event{
		Type: events.EventPositionClosed,
		Data: map[string]interface{}{
			"trade_id": tradeID, "reason": string(reason), "pnl_usd": pnlUSD.String(),
		},
	})
	return nil
}

// EnrichPostExit stores the sampled +1m/+5m/+15m prices for a closed
// trade. Best-effort: a failure here degrades nothing else.
func (j *Journal) EnrichPostExit(ctx context.Context, tradeID string, plus1m, plus5m, plus15m *decimal.Decimal) error {
	if err := j.repo.EnrichPostExit(ctx, tradeID, plus1m, plus5m, plus15m); err != nil {
		j.tracker.RecordError(health.StatusDegraded)
		return health.Wrap(health.KindTransientIO, fmt.Errorf("enrich_post_exit: %w", err))
	}
	j.tracker.Touch()
	return nil
}

// Query returns entries matching the filter.
func (j *Journal) Query(ctx context.Context, f database.QueryFilter) ([]domain.JournalEntry, error) {
	entries, err := j.repo.Query(ctx, f)
	if err != nil {
		j.tracker.RecordError(health.StatusDegraded)
		return nil, health.Wrap(health.KindTransientIO, fmt.Errorf("query: %w", err))
	}
	j.tracker.Touch()
	return entries, nil
}

// PendingEnrichment returns trade_ids ready for the post-exit sampling
// sweep: closed at least minAge ago, not yet fully enriched.
func (j *Journal) PendingEnrichment(ctx context.Context, minAge time.Duration, limit int) ([]string, error) {
	ids, err := j.repo.OpenTradeIDsNeedingEnrichment(ctx, minAge, limit)
	if err != nil {
		return nil, health.Wrap(health.KindTransientIO, fmt.Errorf("pending_enrichment: %w", err))
	}
	return ids, nil
}

// Health reports the journal's current status.
func (j *Journal) Health() health.Health {
	return j.tracker.Snapshot(nil)
}
