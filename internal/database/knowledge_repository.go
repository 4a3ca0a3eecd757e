package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/paperbot/engine/internal/domain"
)

// KnowledgeRepository persists the learning-loop tables KnowledgeStore
// owns: coin_scores, patterns, regime_rules, reflections, insights,
// adaptations, active_conditions, runtime_state (§4.5, §6.3).
type KnowledgeRepository struct {
	db *DB
}

func NewKnowledgeRepository(db *DB) *KnowledgeRepository {
	return &KnowledgeRepository{db: db}
}

// --- coin_scores ---

// UpsertCoinScore writes a symbol's recomputed aggregate, overwriting any
// existing row (KnowledgeStore recomputes the whole row on every trade
// close rather than incrementally updating columns).
func (r *KnowledgeRepository) UpsertCoinScore(ctx context.Context, s domain.CoinScore) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO coin_scores (symbol, status, win_rate, trade_count, wins, losses, total_pnl_usd, avg_pnl_usd, avg_winner_usd, avg_loser_usd, trend, last_status_reason, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now())
		ON CONFLICT (symbol) DO UPDATE SET
			status = EXCLUDED.status,
			win_rate = EXCLUDED.win_rate,
			trade_count = EXCLUDED.trade_count,
			wins = EXCLUDED.wins,
			losses = EXCLUDED.losses,
			total_pnl_usd = EXCLUDED.total_pnl_usd,
			avg_pnl_usd = EXCLUDED.avg_pnl_usd,
			avg_winner_usd = EXCLUDED.avg_winner_usd,
			avg_loser_usd = EXCLUDED.avg_loser_usd,
			trend = EXCLUDED.trend,
			last_status_reason = EXCLUDED.last_status_reason,
			updated_at = now()`,
		s.Symbol, s.Status, s.WinRate, s.Trades, s.Wins, s.Losses, s.TotalPnL, s.AvgPnL, s.AvgWinner, s.AvgLoser, s.Trend, s.BlacklistReason)
	if err != nil {
		return fmt.Errorf("upsert_coin_score: %w", err)
	}
	return nil
}

// SetCoinStatus gates a symbol's admission/sizing without touching its
// performance aggregates (§4.3 coin_modifier, §4.9 adaptation actions).
func (r *KnowledgeRepository) SetCoinStatus(ctx context.Context, symbol string, status domain.CoinStatus, reason *string) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO coin_scores (symbol, status, last_status_reason, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (symbol) DO UPDATE SET
			status = EXCLUDED.status,
			last_status_reason = EXCLUDED.last_status_reason,
			updated_at = now()`,
		symbol, status, reason)
	if err != nil {
		return fmt.Errorf("set_coin_status: %w", err)
	}
	return nil
}

// CoinScore returns one symbol's aggregate, or nil if it has no rows yet.
const coinScoreColumns = `symbol, status, win_rate, trade_count, wins, losses, total_pnl_usd, avg_pnl_usd, avg_winner_usd, avg_loser_usd, trend, last_status_reason, updated_at`

func scanCoinScore(row interface {
	Scan(dest ...interface{}) error
}) (domain.CoinScore, error) {
	var s domain.CoinScore
	err := row.Scan(&s.Symbol, &s.Status, &s.WinRate, &s.Trades, &s.Wins, &s.Losses, &s.TotalPnL, &s.AvgPnL, &s.AvgWinner, &s.AvgLoser, &s.Trend, &s.BlacklistReason, &s.LastUpdated)
	return s, err
}

func (r *KnowledgeRepository) CoinScore(ctx context.Context, symbol string) (*domain.CoinScore, error) {
	s, err := scanCoinScore(r.db.Pool.QueryRow(ctx, `SELECT `+coinScoreColumns+` FROM coin_scores WHERE symbol = $1`, symbol))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get_coin_score: %w", err)
	}
	return &s, nil
}

// CoinScoresByStatus returns every symbol currently in the given status,
// backing get_blacklist/get_favored.
func (r *KnowledgeRepository) CoinScoresByStatus(ctx context.Context, status domain.CoinStatus) ([]domain.CoinScore, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT `+coinScoreColumns+` FROM coin_scores WHERE status = $1`, status)
	if err != nil {
		return nil, fmt.Errorf("coin_scores_by_status: %w", err)
	}
	defer rows.Close()

	var out []domain.CoinScore
	for rows.Next() {
		s, err := scanCoinScore(rows)
		if err != nil {
			return nil, fmt.Errorf("coin_scores_by_status scan: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// AllCoinScores returns every symbol's aggregate, backing get_all_coin_scores.
func (r *KnowledgeRepository) AllCoinScores(ctx context.Context) ([]domain.CoinScore, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT `+coinScoreColumns+` FROM coin_scores ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("get_all_coin_scores: %w", err)
	}
	defer rows.Close()

	var out []domain.CoinScore
	for rows.Next() {
		s, err := scanCoinScore(rows)
		if err != nil {
			return nil, fmt.Errorf("get_all_coin_scores scan: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// --- patterns ---

func (r *KnowledgeRepository) AddPattern(ctx context.Context, p domain.Pattern) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO patterns (id, name, description, active, confidence, win_rate, trade_count, wins, losses, total_pnl_usd, created_at, updated_at, last_used_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), now(), $11)`,
		p.PatternID, p.PatternID, p.Description, p.Active, p.Confidence, decimal.Zero, p.TimesUsed, p.Wins, p.Losses, p.TotalPnL, p.LastUsedAt)
	if err != nil {
		return fmt.Errorf("add_pattern: %w", err)
	}
	return nil
}

func (r *KnowledgeRepository) SetPatternActive(ctx context.Context, patternID string, active bool) error {
	tag, err := r.db.Pool.Exec(ctx, `UPDATE patterns SET active = $2, updated_at = now() WHERE id = $1`, patternID, active)
	if err != nil {
		return fmt.Errorf("set_pattern_active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set_pattern_active: no pattern %s", patternID)
	}
	return nil
}

// UpdatePatternStats writes the given win_rate, confidence and trade_count
// plus the wins/losses/total_pnl for a pattern. It computes nothing
// itself: the caller (QuickUpdate) supplies the Bayesian-shrinkage
// confidence (§4.6).
func (r *KnowledgeRepository) UpdatePatternStats(ctx context.Context, patternID string, winRate, confidence decimal.Decimal, tradeCount, wins, losses int, totalPnL decimal.Decimal) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE patterns SET win_rate = $2, confidence = $3, trade_count = $4, wins = $5, losses = $6, total_pnl_usd = $7, last_used_at = now(), updated_at = now()
		WHERE id = $1`, patternID, winRate, confidence, tradeCount, wins, losses, totalPnL)
	if err != nil {
		return fmt.Errorf("update_pattern_stats: %w", err)
	}
	return nil
}

const patternColumns = `id, description, active, confidence, win_rate, trade_count, wins, losses, total_pnl_usd, created_at, last_used_at`

func scanPattern(row interface {
	Scan(dest ...interface{}) error
}) (domain.Pattern, error) {
	var p domain.Pattern
	var winRate decimal.Decimal
	err := row.Scan(&p.PatternID, &p.Description, &p.Active, &p.Confidence, &winRate, &p.TimesUsed, &p.Wins, &p.Losses, &p.TotalPnL, &p.CreatedAt, &p.LastUsedAt)
	return p, err
}

func (r *KnowledgeRepository) ActivePatterns(ctx context.Context) ([]domain.Pattern, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT `+patternColumns+` FROM patterns WHERE active = true`)
	if err != nil {
		return nil, fmt.Errorf("active_patterns: %w", err)
	}
	defer rows.Close()

	var out []domain.Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, fmt.Errorf("active_patterns scan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Pattern returns one pattern by id, or nil if it doesn't exist —
// QuickUpdate's step 2 needs this single-row lookup before it can apply
// the Bayesian shrinkage update.
func (r *KnowledgeRepository) Pattern(ctx context.Context, patternID string) (*domain.Pattern, error) {
	p, err := scanPattern(r.db.Pool.QueryRow(ctx, `SELECT `+patternColumns+` FROM patterns WHERE id = $1`, patternID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get_pattern: %w", err)
	}
	return &p, nil
}

// --- regime_rules ---

func (r *KnowledgeRepository) AddRegimeRule(ctx context.Context, rule domain.RegimeRule) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO regime_rules (id, name, description, action, active, created_at)
		VALUES ($1, $2, $3, $4, $5, now())`,
		rule.RuleID, rule.RuleID, rule.Description, rule.Action, rule.Active)
	if err != nil {
		return fmt.Errorf("add_regime_rule: %w", err)
	}
	return nil
}

func (r *KnowledgeRepository) SetRuleActive(ctx context.Context, ruleID string, active bool) error {
	tag, err := r.db.Pool.Exec(ctx, `UPDATE regime_rules SET active = $2 WHERE id = $1`, ruleID, active)
	if err != nil {
		return fmt.Errorf("set_rule_active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set_rule_active: no rule %s", ruleID)
	}
	return nil
}

func (r *KnowledgeRepository) ActiveRegimeRules(ctx context.Context) ([]domain.RegimeRule, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, description, action, active, created_at FROM regime_rules WHERE active = true`)
	if err != nil {
		return nil, fmt.Errorf("active_regime_rules: %w", err)
	}
	defer rows.Close()

	var out []domain.RegimeRule
	for rows.Next() {
		var rule domain.RegimeRule
		if err := rows.Scan(&rule.RuleID, &rule.Description, &rule.Action, &rule.Active, &rule.CreatedAt); err != nil {
			return nil, fmt.Errorf("active_regime_rules scan: %w", err)
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

// --- reflections / insights ---

func (r *KnowledgeRepository) AddReflection(ctx context.Context, ref domain.Reflection) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("add_reflection begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO reflections (id, window_trades, window_start, window_end, summary, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ref.ID, len(ref.Insights), ref.WindowFrom, ref.WindowTo, ref.Summary, ref.Ts)
	if err != nil {
		return fmt.Errorf("add_reflection: %w", err)
	}

	for _, ins := range ref.Insights {
		_, err = tx.Exec(ctx, `
			INSERT INTO insights (id, reflection_id, category, target, description, confidence, suggested_action, created_at)
			VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, now())`,
			ref.ID, ins.Category, ins.SuggestedTarget, ins.Description, ins.Confidence, ins.SuggestedAction)
		if err != nil {
			return fmt.Errorf("add_reflection insight: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("add_reflection commit: %w", err)
	}
	return nil
}

// --- adaptations ---

func (r *KnowledgeRepository) AddAdaptation(ctx context.Context, a domain.Adaptation) error {
	preMetrics, err := json.Marshal(a.PreMetrics)
	if err != nil {
		return fmt.Errorf("add_adaptation marshal pre_metrics: %w", err)
	}
	_, err = r.db.Pool.Exec(ctx, `
		INSERT INTO adaptations (id, ts, insight_id, action, target, description, pre_metrics, confidence, auto_applied)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.Ts, a.InsightID, a.Action, a.Target, a.Description, preMetrics, a.Confidence, a.AutoApplied)
	if err != nil {
		return fmt.Errorf("add_adaptation: %w", err)
	}
	return nil
}

// FinalizeAdaptation writes EffectivenessMonitor's post-hoc label (§4.9).
func (r *KnowledgeRepository) FinalizeAdaptation(ctx context.Context, id string, postMetrics map[string]interface{}, effectiveness domain.Effectiveness) error {
	post, err := json.Marshal(postMetrics)
	if err != nil {
		return fmt.Errorf("finalize_adaptation marshal post_metrics: %w", err)
	}
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE adaptations SET post_metrics = $2, effectiveness = $3, measured_at = now()
		WHERE id = $1`, id, post, effectiveness)
	if err != nil {
		return fmt.Errorf("finalize_adaptation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finalize_adaptation: no adaptation %s", id)
	}
	return nil
}

// RecordRollback marks an adaptation reversed by EffectivenessMonitor.
func (r *KnowledgeRepository) RecordRollback(ctx context.Context, id string, reason string) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE adaptations SET rolled_back = true, rollback_reason = $2 WHERE id = $1`, id, reason)
	if err != nil {
		return fmt.Errorf("record_rollback: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("record_rollback: no adaptation %s", id)
	}
	return nil
}

// PendingAdaptations returns applied adaptations still awaiting an
// effectiveness label older than minAge, bounding EffectivenessMonitor's
// sweep window.
func (r *KnowledgeRepository) PendingAdaptations(ctx context.Context, minAge time.Duration) ([]domain.Adaptation, error) {
	return r.queryAdaptations(ctx, `
		SELECT id, ts, insight_id, action, target, description, pre_metrics, confidence, auto_applied, rolled_back
		FROM adaptations
		WHERE effectiveness = 'pending' AND ts <= $1`, time.Now().Add(-minAge))
}

// RecentAdaptations returns adaptations applied within the trailing
// window, backing get_recent_adaptations(window).
func (r *KnowledgeRepository) RecentAdaptations(ctx context.Context, window time.Duration) ([]domain.Adaptation, error) {
	return r.queryAdaptations(ctx, `
		SELECT id, ts, insight_id, action, target, description, pre_metrics, confidence, auto_applied, rolled_back
		FROM adaptations WHERE ts >= $1 ORDER BY ts DESC`, time.Now().Add(-window))
}

// AdaptationsForTarget returns every adaptation ever applied to target,
// backing get_adaptations_for_target(target) — used by AdaptationEngine's
// idempotency/cooldown guard (§4.8).
func (r *KnowledgeRepository) AdaptationsForTarget(ctx context.Context, target string) ([]domain.Adaptation, error) {
	return r.queryAdaptations(ctx, `
		SELECT id, ts, insight_id, action, target, description, pre_metrics, confidence, auto_applied, rolled_back
		FROM adaptations WHERE target = $1 ORDER BY ts DESC`, target)
}

func (r *KnowledgeRepository) queryAdaptations(ctx context.Context, query string, arg interface{}) ([]domain.Adaptation, error) {
	rows, err := r.db.Pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("query adaptations: %w", err)
	}
	defer rows.Close()

	var out []domain.Adaptation
	for rows.Next() {
		var a domain.Adaptation
		var pre []byte
		if err := rows.Scan(&a.ID, &a.Ts, &a.InsightID, &a.Action, &a.Target, &a.Description, &pre, &a.Confidence, &a.AutoApplied, &a.RolledBack); err != nil {
			return nil, fmt.Errorf("query adaptations scan: %w", err)
		}
		if len(pre) > 0 {
			if err := json.Unmarshal(pre, &a.PreMetrics); err != nil {
				return nil, fmt.Errorf("query adaptations unmarshal pre_metrics: %w", err)
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- active_conditions (ephemeral snapshot, §6.3) ---

// SaveActiveConditions rewrites the snapshot wholesale inside a
// transaction, matching the save_state contract in §4.10.
func (r *KnowledgeRepository) SaveActiveConditions(ctx context.Context, conditions []domain.TradeCondition) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("save_active_conditions begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM active_conditions`); err != nil {
		return fmt.Errorf("save_active_conditions delete: %w", err)
	}
	for _, c := range conditions {
		_, err := tx.Exec(ctx, `
			INSERT INTO active_conditions (
				id, symbol, direction, trigger_price, trigger_rel, stop_loss_pct,
				take_profit_pct, size_usd, strategy_id, pattern_id, reasoning,
				created_at, valid_until
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			c.ID, c.Symbol, c.Direction, c.TriggerPrice, c.TriggerRel, c.StopLossPct,
			c.TakeProfitPct, c.SizeUSD, c.StrategyID, c.PatternID, c.Reasoning,
			c.CreatedAt, c.ValidUntil)
		if err != nil {
			return fmt.Errorf("save_active_conditions insert: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("save_active_conditions commit: %w", err)
	}
	return nil
}

// LoadActiveConditions restores the snapshot on restart (§4.10 restore_state).
func (r *KnowledgeRepository) LoadActiveConditions(ctx context.Context) ([]domain.TradeCondition, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, symbol, direction, trigger_price, trigger_rel, stop_loss_pct,
			take_profit_pct, size_usd, strategy_id, pattern_id, reasoning,
			created_at, valid_until
		FROM active_conditions`)
	if err != nil {
		return nil, fmt.Errorf("load_active_conditions: %w", err)
	}
	defer rows.Close()

	var out []domain.TradeCondition
	for rows.Next() {
		var c domain.TradeCondition
		if err := rows.Scan(&c.ID, &c.Symbol, &c.Direction, &c.TriggerPrice, &c.TriggerRel, &c.StopLossPct,
			&c.TakeProfitPct, &c.SizeUSD, &c.StrategyID, &c.PatternID, &c.Reasoning,
			&c.CreatedAt, &c.ValidUntil); err != nil {
			return nil, fmt.Errorf("load_active_conditions scan: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- runtime_state (key/value, §4.10) ---

func (r *KnowledgeRepository) SaveRuntimeState(ctx context.Context, key string, value interface{}) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("save_runtime_state marshal: %w", err)
	}
	_, err = r.db.Pool.Exec(ctx, `
		INSERT INTO runtime_state (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, encoded)
	if err != nil {
		return fmt.Errorf("save_runtime_state: %w", err)
	}
	return nil
}

func (r *KnowledgeRepository) GetRuntimeState(ctx context.Context, key string, dest interface{}) (bool, error) {
	var raw []byte
	err := r.db.Pool.QueryRow(ctx, `SELECT value FROM runtime_state WHERE key = $1`, key).Scan(&raw)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get_runtime_state: %w", err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("get_runtime_state unmarshal: %w", err)
	}
	return true, nil
}
