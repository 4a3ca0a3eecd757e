package knowledge

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paperbot/engine/internal/domain"
)

var errMockRepo = errors.New("mock repo error")

// mockRepo is an in-memory stand-in for *database.KnowledgeRepository.
type mockRepo struct {
	scores      map[string]domain.CoinScore
	patterns    map[string]domain.Pattern
	rules       map[string]domain.RegimeRule
	adaptations map[string]domain.Adaptation
	runtime     map[string][]byte
	failNext    bool
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		scores:      make(map[string]domain.CoinScore),
		patterns:    make(map[string]domain.Pattern),
		rules:       make(map[string]domain.RegimeRule),
		adaptations: make(map[string]domain.Adaptation),
		runtime:     make(map[string][]byte),
	}
}

func (m *mockRepo) err() error {
	if m.failNext {
		m.failNext = false
		return errMockRepo
	}
	return nil
}

func (m *mockRepo) UpsertCoinScore(ctx context.Context, s domain.CoinScore) error {
	if err := m.err(); err != nil {
		return err
	}
	m.scores[s.Symbol] = s
	return nil
}

func (m *mockRepo) SetCoinStatus(ctx context.Context, symbol string, status domain.CoinStatus, reason *string) error {
	if err := m.err(); err != nil {
		return err
	}
	s := m.scores[symbol]
	s.Symbol = symbol
	s.Status = status
	s.BlacklistReason = reason
	m.scores[symbol] = s
	return nil
}

func (m *mockRepo) CoinScore(ctx context.Context, symbol string) (*domain.CoinScore, error) {
	if err := m.err(); err != nil {
		return nil, err
	}
	s, ok := m.scores[symbol]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *mockRepo) CoinScoresByStatus(ctx context.Context, status domain.CoinStatus) ([]domain.CoinScore, error) {
	var out []domain.CoinScore
	for _, s := range m.scores {
		if s.Status == status {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *mockRepo) AllCoinScores(ctx context.Context) ([]domain.CoinScore, error) {
	var out []domain.CoinScore
	for _, s := range m.scores {
		out = append(out, s)
	}
	return out, nil
}

func (m *mockRepo) AddPattern(ctx context.Context, p domain.Pattern) error {
	m.patterns[p.PatternID] = p
	return nil
}

func (m *mockRepo) SetPatternActive(ctx context.Context, patternID string, active bool) error {
	p := m.patterns[patternID]
	p.Active = active
	m.patterns[patternID] = p
	return nil
}

func (m *mockRepo) UpdatePatternStats(ctx context.Context, patternID string, winRate, confidence decimal.Decimal, tradeCount, wins, losses int, totalPnL decimal.Decimal) error {
	p := m.patterns[patternID]
	p.Confidence = confidence
	p.TimesUsed = tradeCount
	p.Wins = wins
	p.Losses = losses
	p.TotalPnL = totalPnL
	m.patterns[patternID] = p
	return nil
}

func (m *mockRepo) ActivePatterns(ctx context.Context) ([]domain.Pattern, error) {
	var out []domain.Pattern
	for _, p := range m.patterns {
		if p.Active {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *mockRepo) Pattern(ctx context.Context, patternID string) (*domain.Pattern, error) {
	p, ok := m.patterns[patternID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *mockRepo) AddRegimeRule(ctx context.Context, rule domain.RegimeRule) error {
	m.rules[rule.RuleID] = rule
	return nil
}

func (m *mockRepo) SetRuleActive(ctx context.Context, ruleID string, active bool) error {
	rule := m.rules[ruleID]
	rule.Active = active
	m.rules[ruleID] = rule
	return nil
}

func (m *mockRepo) ActiveRegimeRules(ctx context.Context) ([]domain.RegimeRule, error) {
	var out []domain.RegimeRule
	for _, rule := range m.rules {
		if rule.Active {
			out = append(out, rule)
		}
	}
	return out, nil
}

func (m *mockRepo) AddReflection(ctx context.Context, ref domain.Reflection) error { return nil }

func (m *mockRepo) AddAdaptation(ctx context.Context, a domain.Adaptation) error {
	m.adaptations[a.ID] = a
	return nil
}

func (m *mockRepo) FinalizeAdaptation(ctx context.Context, id string, postMetrics map[string]interface{}, effectiveness domain.Effectiveness) error {
	a := m.adaptations[id]
	a.PostMetrics = postMetrics
	a.Effectiveness = effectiveness
	m.adaptations[id] = a
	return nil
}

func (m *mockRepo) RecordRollback(ctx context.Context, id string, reason string) error {
	a := m.adaptations[id]
	a.RolledBack = true
	a.RollbackReason = &reason
	m.adaptations[id] = a
	return nil
}

func (m *mockRepo) PendingAdaptations(ctx context.Context, minAge time.Duration) ([]domain.Adaptation, error) {
	var out []domain.Adaptation
	for _, a := range m.adaptations {
		if a.Effectiveness == domain.EffectivenessPending {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *mockRepo) RecentAdaptations(ctx context.Context, window time.Duration) ([]domain.Adaptation, error) {
	var out []domain.Adaptation
	for _, a := range m.adaptations {
		out = append(out, a)
	}
	return out, nil
}

func (m *mockRepo) AdaptationsForTarget(ctx context.Context, target string) ([]domain.Adaptation, error) {
	var out []domain.Adaptation
	for _, a := range m.adaptations {
		if a.Target == target {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *mockRepo) SaveActiveConditions(ctx context.Context, conditions []domain.TradeCondition) error {
	return nil
}

func (m *mockRepo) LoadActiveConditions(ctx context.Context) ([]domain.TradeCondition, error) {
	return nil, nil
}

func (m *mockRepo) SaveRuntimeState(ctx context.Context, key string, value interface{}) error {
	return nil
}

func (m *mockRepo) GetRuntimeState(ctx context.Context, key string, dest interface{}) (bool, error) {
	_, ok := m.runtime[key]
	return ok, nil
}

var _ Repository = (*mockRepo)(nil)

// mockCache is a HotCache that always misses (KnowledgeStore returns the
// nil miss as-is, without reading the repository), and optionally fails
// to exercise the warn-and-fallback branch in KnowledgeStore.
type mockCache struct {
	shouldErr bool
	invalidated []string
}

func (c *mockCache) GetCoinScore(ctx context.Context, symbol string) (*domain.CoinScore, error) {
	if c.shouldErr {
		return nil, errMockRepo
	}
	return nil, nil
}

func (c *mockCache) GetBlacklist(ctx context.Context) ([]domain.CoinScore, error) {
	if c.shouldErr {
		return nil, errMockRepo
	}
	return nil, nil
}

func (c *mockCache) GetFavored(ctx context.Context) ([]domain.CoinScore, error) {
	if c.shouldErr {
		return nil, errMockRepo
	}
	return nil, nil
}

func (c *mockCache) InvalidateCoinScore(ctx context.Context, symbol string) {
	c.invalidated = append(c.invalidated, symbol)
}

var _ HotCache = (*mockCache)(nil)
