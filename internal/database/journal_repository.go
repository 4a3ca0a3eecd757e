package database

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paperbot/engine/internal/domain"
)

// JournalRepository persists the append-only journal table backing
// Journal.record_entry/record_exit/enrich_post_exit/query (§4.4).
type JournalRepository struct {
	db *DB
}

func NewJournalRepository(db *DB) *JournalRepository {
	return &JournalRepository{db: db}
}

// RecordEntry inserts a new open journal row. e.ID is the trade's own id
// and doubles as the row surrogate key; e.ConditionID (the originating
// TradeCondition) is not persisted — the schema tracks only the trade.
func (r *JournalRepository) RecordEntry(ctx context.Context, e domain.JournalEntry) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO journal (
			id, trade_id, symbol, direction, size_usd, strategy_id, pattern_id,
			market_regime, hour_of_day, day_of_week, entry_price, entry_ts
		) VALUES ($1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.Symbol, e.Direction, e.SizeUSD, e.StrategyID, e.PatternID,
		e.Regime, e.HourOfDay, int(e.DayOfWeek), e.EntryPrice, e.EntryTs)
	if err != nil {
		return fmt.Errorf("journal record_entry: %w", err)
	}
	return nil
}

// RecordExit completes a journal row with exit fields and derived PnL.
func (r *JournalRepository) RecordExit(ctx context.Context, tradeID string, exitPrice decimal.Decimal, exitTs time.Time, reason domain.ExitReason, pnlUSD, pnlPct decimal.Decimal, durationMs int64) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE journal SET
			exit_price = $2, exit_ts = $3, exit_reason = $4,
			pnl_usd = $5, pnl_pct = $6, duration_ms = $7
		WHERE trade_id = $1`,
		tradeID, exitPrice, exitTs, reason, pnlUSD, pnlPct, durationMs)
	if err != nil {
		return fmt.Errorf("journal record_exit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("journal record_exit: no open entry for trade_id %s", tradeID)
	}
	return nil
}

// EnrichPostExit sets the at-most-once post-exit price snapshots.
func (r *JournalRepository) EnrichPostExit(ctx context.Context, tradeID string, plus1m, plus5m, plus15m *decimal.Decimal) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE journal SET
			price_plus_1m = COALESCE(price_plus_1m, $2),
			price_plus_5m = COALESCE(price_plus_5m, $3),
			price_plus_15m = COALESCE(price_plus_15m, $4)
		WHERE trade_id = $1`,
		tradeID, plus1m, plus5m, plus15m)
	if err != nil {
		return fmt.Errorf("journal enrich_post_exit: %w", err)
	}
	return nil
}

// QueryFilter narrows Query's result set; zero-value fields are ignored.
type QueryFilter struct {
	Symbol     string
	PatternID  string
	OpenOnly   bool
	ClosedOnly bool
	Since      time.Time
	Limit      int
}

// Query returns journal entries matching the filter, most recent first.
func (r *JournalRepository) Query(ctx context.Context, f QueryFilter) ([]domain.JournalEntry, error) {
	where := "WHERE 1=1"
	args := []interface{}{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Symbol != "" {
		where += " AND symbol = " + arg(f.Symbol)
	}
	if f.PatternID != "" {
		where += " AND pattern_id = " + arg(f.PatternID)
	}
	if f.OpenOnly {
		where += " AND exit_ts IS NULL"
	}
	if f.ClosedOnly {
		where += " AND exit_ts IS NOT NULL"
	}
	if !f.Since.IsZero() {
		where += " AND entry_ts >= " + arg(f.Since)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 500
	}

	query := fmt.Sprintf(`
		SELECT trade_id, symbol, direction, size_usd, strategy_id, pattern_id,
			market_regime, hour_of_day, day_of_week, entry_price, entry_ts,
			exit_price, exit_ts, exit_reason, pnl_usd, pnl_pct, duration_ms,
			price_plus_1m, price_plus_5m, price_plus_15m
		FROM journal %s ORDER BY entry_ts DESC LIMIT %s`, where, arg(limit))

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("journal query: %w", err)
	}
	defer rows.Close()

	var out []domain.JournalEntry
	for rows.Next() {
		var e domain.JournalEntry
		var dow int
		if err := rows.Scan(
			&e.ID, &e.Symbol, &e.Direction, &e.SizeUSD, &e.StrategyID, &e.PatternID,
			&e.Regime, &e.HourOfDay, &dow, &e.EntryPrice, &e.EntryTs,
			&e.ExitPrice, &e.ExitTs, &e.ExitReason, &e.PnLUSD, &e.PnLPct, &e.DurationMs,
			&e.PostExit1m, &e.PostExit5m, &e.PostExit15m,
		); err != nil {
			return nil, fmt.Errorf("journal query scan: %w", err)
		}
		e.DayOfWeek = time.Weekday(dow)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal query rows: %w", err)
	}
	return out, nil
}

// OpenTradeIDsNeedingEnrichment returns trade_ids whose exit happened at
// least minAge ago but have not yet received a post-exit snapshot,
// bounding QuickUpdate/ReflectionEngine's enrichment sweep (§4.4).
func (r *JournalRepository) OpenTradeIDsNeedingEnrichment(ctx context.Context, minAge time.Duration, limit int) ([]string, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT trade_id FROM journal
		WHERE exit_ts IS NOT NULL
			AND exit_ts <= $1
			AND price_plus_15m IS NULL
		ORDER BY exit_ts ASC
		LIMIT $2`, time.Now().Add(-minAge), limit)
	if err != nil {
		return nil, fmt.Errorf("journal enrichment candidates: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("journal enrichment candidates scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
