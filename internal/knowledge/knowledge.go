// Package knowledge is KnowledgeStore (§4.5): the single-transaction
// mutation surface and query surface over the learning-loop tables, with
// a startup schema-version check (I8) and an optional Redis read-through
// cache in front of the hot reads (get_coin_score/get_blacklist/
// get_favored).
package knowledge

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
)

// Repository is the persistence surface KnowledgeStore needs from
// internal/database. *database.KnowledgeRepository satisfies it.
type Repository interface {
	UpsertCoinScore(ctx context.Context, s domain.CoinScore) error
	SetCoinStatus(ctx context.Context, symbol string, status domain.CoinStatus, reason *string) error
	CoinScore(ctx context.Context, symbol string) (*domain.CoinScore, error)
	CoinScoresByStatus(ctx context.Context, status domain.CoinStatus) ([]domain.CoinScore, error)
	AllCoinScores(ctx context.Context) ([]domain.CoinScore, error)

	AddPattern(ctx context.Context, p domain.Pattern) error
	SetPatternActive(ctx context.Context, patternID string, active bool) error
	UpdatePatternStats(ctx context.Context, patternID string, winRate, confidence decimal.Decimal, tradeCount, wins, losses int, totalPnL decimal.Decimal) error
	ActivePatterns(ctx context.Context) ([]domain.Pattern, error)
	Pattern(ctx context.Context, patternID string) (*domain.Pattern, error)

	AddRegimeRule(ctx context.Context, rule domain.RegimeRule) error
	SetRuleActive(ctx context.Context, ruleID string, active bool) error
	ActiveRegimeRules(ctx context.Context) ([]domain.RegimeRule, error)

	AddReflection(ctx context.Context, ref domain.Reflection) error

	AddAdaptation(ctx context.Context, a domain.Adaptation) error
	FinalizeAdaptation(ctx context.Context, id string, postMetrics map[string]interface{}, effectiveness domain.Effectiveness) error
	RecordRollback(ctx context.Context, id string, reason string) error
	PendingAdaptations(ctx context.Context, minAge time.Duration) ([]domain.Adaptation, error)
	RecentAdaptations(ctx context.Context, window time.Duration) ([]domain.Adaptation, error)
	AdaptationsForTarget(ctx context.Context, target string) ([]domain.Adaptation, error)

	SaveActiveConditions(ctx context.Context, conditions []domain.TradeCondition) error
	LoadActiveConditions(ctx context.Context) ([]domain.TradeCondition, error)

	SaveRuntimeState(ctx context.Context, key string, value interface{}) error
	GetRuntimeState(ctx context.Context, key string, dest interface{}) (bool, error)
}

var _ Repository = (*database.KnowledgeRepository)(nil)

// HotCache is the narrow read-through surface KnowledgeStore consults
// before the repository, populated by internal/database.Cache. A nil
// HotCache (Redis disabled) means KnowledgeStore reads the repository
// directly every time.
type HotCache interface {
	GetCoinScore(ctx context.Context, symbol string) (*domain.CoinScore, error)
	GetBlacklist(ctx context.Context) ([]domain.CoinScore, error)
	GetFavored(ctx context.Context) ([]domain.CoinScore, error)
	InvalidateCoinScore(ctx context.Context, symbol string)
}

var _ HotCache = (*database.Cache)(nil)

// KnowledgeStore is the learning loop's single source of truth.
type KnowledgeStore struct {
	repo    Repository
	cache   HotCache // may be nil
	bus     *events.EventBus
	log     *logging.Logger
	tracker *health.Tracker
}

// New constructs a KnowledgeStore. cache may be nil to bypass Redis.
func New(repo Repository, cache HotCache, bus *events.EventBus) *KnowledgeStore {
	return &KnowledgeStore{
		repo:    repo,
		cache:   cache,
		bus:     bus,
		log:     logging.WithComponent("knowledge"),
		tracker: health.NewTracker("knowledge"),
	}
}

// CheckSchemaVersion enforces I8 at startup; db is the pool-level check
// (separate from Repository since it reads schema_version directly).
func CheckSchemaVersion(ctx context.Context, db *database.DB) error {
	if err := db.CheckSchemaVersion(ctx); err != nil {
		return health.Wrap(health.KindFatal, err)
	}
	return nil
}

// --- coin_scores ---

func (k *KnowledgeStore) UpsertCoinScore(ctx context.Context, s domain.CoinScore) error {
	if err := k.repo.UpsertCoinScore(ctx, s); err != nil {
		k.tracker.RecordError(health.StatusDegraded)
		return health.Wrap(health.KindTransientIO, fmt.Errorf("upsert_coin_score: %w", err))
	}
	k.tracker.Touch()
	if k.cache != nil {
		k.cache.InvalidateCoinScore(ctx, s.Symbol)
	}
	return nil
}

// SetCoinStatus applies an admission/sizing gate change and publishes
// a COIN_STATUS_CHANGED event for the operator/observability surface.
func (k *KnowledgeStore) SetCoinStatus(ctx context.Context, symbol string, status domain.CoinStatus, reason *string) error {
	if err := k.repo.SetCoinStatus(ctx, symbol, status, reason); err != nil {
		k.tracker.RecordError(health.StatusDegraded)
		return health.Wrap(health.KindTransientIO, fmt.Errorf("set_coin_status: %w", err))
	}
	k.tracker.Touch()
	if k.cache != nil {
		k.cache.InvalidateCoinScore(ctx, symbol)
	}
	k.bus.Publish(events.Event{
		Type: events.EventCoinStatusChanged,
		Data: map[string]interface{}{"symbol": symbol, "status": string(status)},
	})
	return nil
}

func (k *KnowledgeStore) GetCoinScore(ctx context.Context, symbol string) (*domain.CoinScore, error) {
	if k.cache != nil {
		s, err := k.cache.GetCoinScore(ctx, symbol)
		if err == nil {
			return s, nil
		}
		k.log.WithError(err).Warn("cache get_coin_score failed, falling back to repository")
	}
	s, err := k.repo.CoinScore(ctx, symbol)
	if err != nil {
		return nil, health.Wrap(health.KindTransientIO, fmt.Errorf("get_coin_score: %w", err))
	}
	return s, nil
}

func (k *KnowledgeStore) GetAllCoinScores(ctx context.Context) ([]domain.CoinScore, error) {
	scores, err := k.repo.AllCoinScores(ctx)
	if err != nil {
		return nil, health.Wrap(health.KindTransientIO, fmt.Errorf("get_all_coin_scores: %w", err))
	}
	return scores, nil
}

func (k *KnowledgeStore) GetBlacklist(ctx context.Context) ([]domain.CoinScore, error) {
	if k.cache != nil {
		scores, err := k.cache.GetBlacklist(ctx)
		if err == nil {
			return scores, nil
		}
		k.log.WithError(err).Warn("cache get_blacklist failed, falling back to repository")
	}
	scores, err := k.repo.CoinScoresByStatus(ctx, domain.StatusBlacklisted)
	if err != nil {
		return nil, health.Wrap(health.KindTransientIO, fmt.Errorf("get_blacklist: %w", err))
	}
	return scores, nil
}

func (k *KnowledgeStore) GetFavored(ctx context.Context) ([]domain.CoinScore, error) {
	if k.cache != nil {
		scores, err := k.cache.GetFavored(ctx)
		if err == nil {
			return scores, nil
		}
		k.log.WithError(err).Warn("cache get_favored failed, falling back to repository")
	}
	scores, err := k.repo.CoinScoresByStatus(ctx, domain.StatusFavored)
	if err != nil {
		return nil, health.Wrap(health.KindTransientIO, fmt.Errorf("get_favored: %w", err))
	}
	return scores, nil
}

// --- patterns ---

func (k *KnowledgeStore) AddPattern(ctx context.Context, p domain.Pattern) error {
	if err := k.repo.AddPattern(ctx, p); err != nil {
		return health.Wrap(health.KindTransientIO, fmt.Errorf("add_pattern: %w", err))
	}
	k.tracker.Touch()
	return nil
}

func (k *KnowledgeStore) SetPatternActive(ctx context.Context, patternID string, active bool) error {
	if err := k.repo.SetPatternActive(ctx, patternID, active); err != nil {
		return health.Wrap(health.KindTransientIO, fmt.Errorf("set_pattern_active: %w", err))
	}
	k.tracker.Touch()
	return nil
}

func (k *KnowledgeStore) UpdatePatternStats(ctx context.Context, patternID string, winRate, confidence decimal.Decimal, tradeCount, wins, losses int, totalPnL decimal.Decimal) error {
	if err := k.repo.UpdatePatternStats(ctx, patternID, winRate, confidence, tradeCount, wins, losses, totalPnL); err != nil {
		return health.Wrap(health.KindTransientIO, fmt.Errorf("update_pattern_stats: %w", err))
	}
	k.tracker.Touch()
	return nil
}

func (k *KnowledgeStore) GetActivePatterns(ctx context.Context) ([]domain.Pattern, error) {
	patterns, err := k.repo.ActivePatterns(ctx)
	if err != nil {
		return nil, health.Wrap(health.KindTransientIO, fmt.Errorf("get_active_patterns: %w", err))
	}
	return patterns, nil
}

// GetPattern returns nil without error if patternID has no row yet.
func (k *KnowledgeStore) GetPattern(ctx context.Context, patternID string) (*domain.Pattern, error) {
	p, err := k.repo.Pattern(ctx, patternID)
	if err != nil {
		return nil, health.Wrap(health.KindTransientIO, fmt.Errorf("get_pattern: %w", err))
	}
	return p, nil
}

// --- regime_rules ---

func (k *KnowledgeStore) AddRegimeRule(ctx context.Context, rule domain.RegimeRule) error {
	if err := k.repo.AddRegimeRule(ctx, rule); err != nil {
		return health.Wrap(health.KindTransientIO, fmt.Errorf("add_regime_rule: %w", err))
	}
	k.tracker.Touch()
	return nil
}

func (k *KnowledgeStore) SetRuleActive(ctx context.Context, ruleID string, active bool) error {
	if err := k.repo.SetRuleActive(ctx, ruleID, active); err != nil {
		return health.Wrap(health.KindTransientIO, fmt.Errorf("set_rule_active: %w", err))
	}
	k.tracker.Touch()
	return nil
}

func (k *KnowledgeStore) GetActiveRules(ctx context.Context) ([]domain.RegimeRule, error) {
	rules, err := k.repo.ActiveRegimeRules(ctx)
	if err != nil {
		return nil, health.Wrap(health.KindTransientIO, fmt.Errorf("get_active_rules: %w", err))
	}
	return rules, nil
}

// --- reflections ---

func (k *KnowledgeStore) AddReflection(ctx context.Context, ref domain.Reflection) error {
	if err := k.repo.AddReflection(ctx, ref); err != nil {
		return health.Wrap(health.KindTransientIO, fmt.Errorf("add_reflection: %w", err))
	}
	k.tracker.Touch()
	k.bus.Publish(events.Event{
		Type: events.EventReflectionCompleted,
		Data: map[string]interface{}{"reflection_id": ref.ID, "insights": len(ref.Insights)},
	})
	return nil
}

// --- adaptations ---

func (k *KnowledgeStore) AddAdaptation(ctx context.Context, a domain.Adaptation) error {
	if err := k.repo.AddAdaptation(ctx, a); err != nil {
		return health.Wrap(health.KindTransientIO, fmt.Errorf("add_adaptation: %w", err))
	}
	k.tracker.Touch()
	k.bus.Publish(events.Event{
		Type: events.EventAdaptationApplied,
		Data: map[string]interface{}{"adaptation_id": a.ID, "action": string(a.Action), "target": a.Target},
	})
	return nil
}

func (k *KnowledgeStore) FinalizeAdaptation(ctx context.Context, id string, postMetrics map[string]interface{}, effectiveness domain.Effectiveness) error {
	if err := k.repo.FinalizeAdaptation(ctx, id, postMetrics, effectiveness); err != nil {
		return health.Wrap(health.KindTransientIO, fmt.Errorf("finalize_adaptation: %w", err))
	}
	k.tracker.Touch()
	return nil
}

func (k *KnowledgeStore) RecordRollback(ctx context.Context, id string, reason string) error {
	if err := k.repo.RecordRollback(ctx, id, reason); err != nil {
		return health.Wrap(health.KindTransientIO, fmt.Errorf("record_rollback: %w", err))
	}
	k.tracker.Touch()
	k.bus.Publish(events.Event{
		Type: events.EventAdaptationRolledBack,
		Data: map[string]interface{}{"adaptation_id": id, "reason": reason},
	})
	return nil
}

func (k *KnowledgeStore) PendingAdaptations(ctx context.Context, minAge time.Duration) ([]domain.Adaptation, error) {
	out, err := k.repo.PendingAdaptations(ctx, minAge)
	if err != nil {
		return nil, health.Wrap(health.KindTransientIO, fmt.Errorf("pending_adaptations: %w", err))
	}
	return out, nil
}

func (k *KnowledgeStore) GetRecentAdaptations(ctx context.Context, window time.Duration) ([]domain.Adaptation, error) {
	out, err := k.repo.RecentAdaptations(ctx, window)
	if err != nil {
		return nil, health.Wrap(health.KindTransientIO, fmt.Errorf("get_recent_adaptations: %w", err))
	}
	return out, nil
}

func (k *KnowledgeStore) GetAdaptationsForTarget(ctx context.Context, target string) ([]domain.Adaptation, error) {
	out, err := k.repo.AdaptationsForTarget(ctx, target)
	if err != nil {
		return nil, health.Wrap(health.KindTransientIO, fmt.Errorf("get_adaptations_for_target: %w", err))
	}
	return out, nil
}

// --- runtime state (Orchestrator's save_state/load_state, §4.10) ---

func (k *KnowledgeStore) SaveActiveConditions(ctx context.Context, conditions []domain.TradeCondition) error {
	if err := k.repo.SaveActiveConditions(ctx, conditions); err != nil {
		return health.Wrap(health.KindTransientIO, fmt.Errorf("save_active_conditions: %w", err))
	}
	return nil
}

func (k *KnowledgeStore) LoadActiveConditions(ctx context.Context) ([]domain.TradeCondition, error) {
	out, err := k.repo.LoadActiveConditions(ctx)
	if err != nil {
		return nil, health.Wrap(health.KindTransientIO, fmt.Errorf("load_active_conditions: %w", err))
	}
	return out, nil
}

func (k *KnowledgeStore) SaveRuntimeState(ctx context.Context, key string, value interface{}) error {
	if err := k.repo.SaveRuntimeState(ctx, key, value); err != nil {
		return health.Wrap(health.KindTransientIO, fmt.Errorf("save_runtime_state: %w", err))
	}
	return nil
}

func (k *KnowledgeStore) GetRuntimeState(ctx context.Context, key string, dest interface{}) (bool, error) {
	found, err := k.repo.GetRuntimeState(ctx, key, dest)
	if err != nil {
		return false, health.Wrap(health.KindTransientIO, fmt.Errorf("get_runtime_state: %w", err))
	}
	return found, nil
}

// IsBlacklisted is Sniper's double-check before admitting a trade (I6):
// an unknown symbol (no coin_scores row yet) is never blacklisted.
func (k *KnowledgeStore) IsBlacklisted(ctx context.Context, symbol string) (bool, error) {
	s, err := k.GetCoinScore(ctx, symbol)
	if err != nil {
		return false, err
	}
	if s == nil {
		return false, nil
	}
	return s.Status == domain.StatusBlacklisted, nil
}

// Health reports KnowledgeStore's current status.
func (k *KnowledgeStore) Health() health.Health {
	return k.tracker.Snapshot(nil)
}
