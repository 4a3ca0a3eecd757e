// Package database is the pgx-backed persistence layer for
// KnowledgeStore and Journal (§6.3's authoritative schema), grounded in
// the teacher's internal/database/db.go connection-pool setup and
// forward-only migration idiom.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/paperbot/engine/internal/logging"
)

// SchemaVersion is the version this build expects. KnowledgeStore's
// startup check (I8) compares this against schema_version's stored row
// and refuses to start on mismatch (§6.5 exit code 2).
const SchemaVersion = 1

// DB wraps the PostgreSQL connection pool backing every repository.
type DB struct {
	Pool *pgxpool.Pool
	log  *logging.Logger
}

// Config holds pool construction parameters, assembled from
// config.DatabaseConfig by the orchestrator.
type Config struct {
	DSN      string
	MaxConns int32
	MinConns int32
}

// Connect opens the pool and verifies connectivity. DSN may be either a
// libpq keyword/value string or a URL (postgres://...); pgx accepts both.
func Connect(ctx context.Context, cfg Config) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(connectCtx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log := logging.WithComponent("database")
	log.Info("connected to database")

	return &DB{Pool: pool, log: log}, nil
}

// Close releases all pooled connections.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.log.Info("database connection closed")
	}
}

// HealthCheck pings the pool.
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// migrations is forward-only: each statement must be safe to re-run
// (IF NOT EXISTS / IF EXISTS), matching the teacher's migration style.
// Every table named in §6.3 is created here; no other tables exist.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	// Columns beyond symbol/status/win_rate/trade_count mirror §4.6 step 1's
	// recomputed aggregate (wins/losses, avg_pnl, avg_winner, avg_loser,
	// trend) so QuickUpdate persists the whole row it computes, not a subset.
	`CREATE TABLE IF NOT EXISTS coin_scores (
		symbol VARCHAR(20) PRIMARY KEY,
		status VARCHAR(20) NOT NULL DEFAULT 'normal',
		win_rate DECIMAL(6, 4) NOT NULL DEFAULT 0,
		trade_count INTEGER NOT NULL DEFAULT 0,
		wins INTEGER NOT NULL DEFAULT 0,
		losses INTEGER NOT NULL DEFAULT 0,
		total_pnl_usd DECIMAL(20, 8) NOT NULL DEFAULT 0,
		avg_pnl_usd DECIMAL(20, 8) NOT NULL DEFAULT 0,
		avg_winner_usd DECIMAL(20, 8) NOT NULL DEFAULT 0,
		avg_loser_usd DECIMAL(20, 8) NOT NULL DEFAULT 0,
		trend VARCHAR(10) NOT NULL DEFAULT 'flat',
		last_status_reason TEXT,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	// wins/losses/total_pnl_usd back the Bayesian shrinkage in §4.6 step 2;
	// last_used_at backs Strategist's recency weighting (§4.3).
	`CREATE TABLE IF NOT EXISTS patterns (
		id UUID PRIMARY KEY,
		name VARCHAR(100) NOT NULL,
		description TEXT,
		active BOOLEAN NOT NULL DEFAULT true,
		confidence DECIMAL(5, 4) NOT NULL DEFAULT 0.5,
		win_rate DECIMAL(6, 4) NOT NULL DEFAULT 0,
		trade_count INTEGER NOT NULL DEFAULT 0,
		wins INTEGER NOT NULL DEFAULT 0,
		losses INTEGER NOT NULL DEFAULT 0,
		total_pnl_usd DECIMAL(20, 8) NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_used_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_patterns_active ON patterns(active)`,

	`CREATE TABLE IF NOT EXISTS regime_rules (
		id UUID PRIMARY KEY,
		name VARCHAR(100) NOT NULL,
		description TEXT,
		action VARCHAR(30) NOT NULL,
		active BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_regime_rules_active ON regime_rules(active)`,

	`CREATE TABLE IF NOT EXISTS reflections (
		id UUID PRIMARY KEY,
		window_trades INTEGER NOT NULL,
		window_start TIMESTAMPTZ NOT NULL,
		window_end TIMESTAMPTZ NOT NULL,
		summary TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	// reflection_id/insight_id below are logical references only; §4.5
	// requires cascades to happen in application code, not ON DELETE.
	`CREATE TABLE IF NOT EXISTS insights (
		id UUID PRIMARY KEY,
		reflection_id UUID NOT NULL,
		category VARCHAR(50) NOT NULL,
		target VARCHAR(100),
		description TEXT NOT NULL,
		confidence DECIMAL(5, 4) NOT NULL,
		suggested_action VARCHAR(30),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_insights_reflection ON insights(reflection_id)`,

	// adaptations carries exactly the columns read in §4.8-4.9, no more.
	`CREATE TABLE IF NOT EXISTS adaptations (
		id UUID PRIMARY KEY,
		ts TIMESTAMPTZ NOT NULL DEFAULT now(),
		insight_id UUID,
		action VARCHAR(30) NOT NULL,
		target VARCHAR(100) NOT NULL,
		description TEXT,
		pre_metrics JSONB NOT NULL,
		confidence DECIMAL(5, 4) NOT NULL,
		auto_applied BOOLEAN NOT NULL DEFAULT true,
		post_metrics JSONB,
		effectiveness VARCHAR(20) NOT NULL DEFAULT 'pending',
		measured_at TIMESTAMPTZ,
		rolled_back BOOLEAN NOT NULL DEFAULT false,
		rollback_reason TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_adaptations_target ON adaptations(target)`,
	`CREATE INDEX IF NOT EXISTS idx_adaptations_effectiveness ON adaptations(effectiveness)`,

	`CREATE TABLE IF NOT EXISTS journal (
		id UUID PRIMARY KEY,
		trade_id UUID NOT NULL UNIQUE,
		symbol VARCHAR(20) NOT NULL,
		direction VARCHAR(5) NOT NULL,
		size_usd DECIMAL(20, 8) NOT NULL,
		strategy_id VARCHAR(100),
		pattern_id UUID,
		market_regime VARCHAR(30),
		hour_of_day SMALLINT,
		day_of_week SMALLINT,
		entry_price DECIMAL(20, 8) NOT NULL,
		entry_ts TIMESTAMPTZ NOT NULL,
		exit_price DECIMAL(20, 8),
		exit_ts TIMESTAMPTZ,
		exit_reason VARCHAR(20),
		pnl_usd DECIMAL(20, 8),
		pnl_pct DECIMAL(10, 4),
		duration_ms BIGINT,
		price_plus_1m DECIMAL(20, 8),
		price_plus_5m DECIMAL(20, 8),
		price_plus_15m DECIMAL(20, 8),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_journal_symbol ON journal(symbol)`,
	`CREATE INDEX IF NOT EXISTS idx_journal_entry_ts ON journal(entry_ts)`,
	`CREATE INDEX IF NOT EXISTS idx_journal_exit_ts ON journal(exit_ts)`,
	`CREATE INDEX IF NOT EXISTS idx_journal_pattern ON journal(pattern_id)`,

	// active_conditions is an ephemeral snapshot rewritten wholesale on
	// each Sniper save_state, not an append log.
	`CREATE TABLE IF NOT EXISTS active_conditions (
		id UUID PRIMARY KEY,
		symbol VARCHAR(20) NOT NULL,
		direction VARCHAR(5) NOT NULL,
		trigger_price DECIMAL(20, 8) NOT NULL,
		trigger_rel VARCHAR(10) NOT NULL,
		stop_loss_pct DECIMAL(10, 6) NOT NULL,
		take_profit_pct DECIMAL(10, 6) NOT NULL,
		size_usd DECIMAL(20, 8) NOT NULL,
		strategy_id VARCHAR(100),
		pattern_id UUID,
		reasoning TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		valid_until TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_active_conditions_symbol ON active_conditions(symbol)`,

	`CREATE TABLE IF NOT EXISTS runtime_state (
		key VARCHAR(100) PRIMARY KEY,
		value JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// Migrate applies every not-yet-applied migration in order and records
// SchemaVersion once complete. Statements are idempotent so re-running
// against an up-to-date database is a no-op.
func (db *DB) Migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := db.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	_, err := db.Pool.Exec(ctx,
		`INSERT INTO schema_version (version) VALUES ($1) ON CONFLICT (version) DO NOTHING`,
		SchemaVersion)
	if err != nil {
		return fmt.Errorf("recording schema_version failed: %w", err)
	}

	db.log.Info("migrations applied", "schema_version", SchemaVersion)
	return nil
}

// CheckSchemaVersion enforces I8: the running binary's SchemaVersion
// must match the highest version row in schema_version. A mismatch is
// a fatal startup error (§6.5 exit code 2).
func (db *DB) CheckSchemaVersion(ctx context.Context) error {
	var stored int
	err := db.Pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&stored)
	if err != nil {
		return fmt.Errorf("reading schema_version: %w", err)
	}
	if stored != SchemaVersion {
		return fmt.Errorf("schema version mismatch: database has %d, binary expects %d", stored, SchemaVersion)
	}
	return nil
}
