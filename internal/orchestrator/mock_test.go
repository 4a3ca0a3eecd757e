package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paperbot/engine/internal/database"
	"github.com/paperbot/engine/internal/domain"
)

// fakeKnowledgeRepo is an in-memory stand-in for *database.KnowledgeRepository,
// just enough of internal/knowledge.Repository to build a real
// *knowledge.KnowledgeStore for these tests without a database.
type fakeKnowledgeRepo struct {
	scores      map[string]domain.CoinScore
	patterns    map[string]domain.Pattern
	rules       map[string]domain.RegimeRule
	adaptations map[string]domain.Adaptation
	runtime     map[string][]byte
}

func newFakeKnowledgeRepo() *fakeKnowledgeRepo {
	return &fakeKnowledgeRepo{
		scores:      make(map[string]domain.CoinScore),
		patterns:    make(map[string]domain.Pattern),
		rules:       make(map[string]domain.RegimeRule),
		adaptations: make(map[string]domain.Adaptation),
		runtime:     make(map[string][]byte),
	}
}

func (m *fakeKnowledgeRepo) UpsertCoinScore(ctx context.Context, s domain.CoinScore) error {
	m.scores[s.Symbol] = s
	return nil
}

func (m *fakeKnowledgeRepo) SetCoinStatus(ctx context.Context, symbol string, status domain.CoinStatus, reason *string) error {
	s := m.scores[symbol]
	s.Symbol = symbol
	s.Status = status
	s.BlacklistReason = reason
	m.scores[symbol] = s
	return nil
}

func (m *fakeKnowledgeRepo) CoinScore(ctx context.Context, symbol string) (*domain.CoinScore, error) {
	s, ok := m.scores[symbol]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *fakeKnowledgeRepo) CoinScoresByStatus(ctx context.Context, status domain.CoinStatus) ([]domain.CoinScore, error) {
	var out []domain.CoinScore
	for _, s := range m.scores {
		if s.Status == status {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *fakeKnowledgeRepo) AllCoinScores(ctx context.Context) ([]domain.CoinScore, error) {
	var out []domain.CoinScore
	for _, s := range m.scores {
		out = append(out, s)
	}
	return out, nil
}

func (m *fakeKnowledgeRepo) AddPattern(ctx context.Context, p domain.Pattern) error {
	m.patterns[p.PatternID] = p
	return nil
}

func (m *fakeKnowledgeRepo) SetPatternActive(ctx context.Context, patternID string, active bool) error {
	p := m.patterns[patternID]
	p.Active = active
	m.patterns[patternID] = p
	return nil
}

func (m *fakeKnowledgeRepo) UpdatePatternStats(ctx context.Context, patternID string, winRate, confidence decimal.Decimal, tradeCount, wins, losses int, totalPnL decimal.Decimal) error {
	p := m.patterns[patternID]
	p.Confidence = confidence
	p.TimesUsed = tradeCount
	p.Wins = wins
	p.Losses = losses
	p.TotalPnL = totalPnL
	m.patterns[patternID] = p
	return nil
}

func (m *fakeKnowledgeRepo) ActivePatterns(ctx context.Context) ([]domain.Pattern, error) {
	var out []domain.Pattern
	for _, p := range m.patterns {
		if p.Active {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *fakeKnowledgeRepo) Pattern(ctx context.Context, patternID string) (*domain.Pattern, error) {
	p, ok := m.patterns[patternID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *fakeKnowledgeRepo) AddRegimeRule(ctx context.Context, rule domain.RegimeRule) error {
	m.rules[rule.RuleID] = rule
	return nil
}

func (m *fakeKnowledgeRepo) SetRuleActive(ctx context.Context, ruleID string, active bool) error {
	rule := m.rules[ruleID]
	rule.Active = active
	m.rules[ruleID] = rule
	return nil
}

func (m *fakeKnowledgeRepo) ActiveRegimeRules(ctx context.Context) ([]domain.RegimeRule, error) {
	var out []domain.RegimeRule
	for _, rule := range m.rules {
		if rule.Active {
			out = append(out, rule)
		}
	}
	return out, nil
}

func (m *fakeKnowledgeRepo) AddReflection(ctx context.Context, ref domain.Reflection) error { return nil }

func (m *fakeKnowledgeRepo) AddAdaptation(ctx context.Context, a domain.Adaptation) error {
	m.adaptations[a.ID] = a
	return nil
}

func (m *fakeKnowledgeRepo) FinalizeAdaptation(ctx context.Context, id string, postMetrics map[string]interface{}, effectiveness domain.Effectiveness) error {
	a := m.adaptations[id]
	a.PostMetrics = postMetrics
	a.Effectiveness = effectiveness
	m.adaptations[id] = a
	return nil
}

func (m *fakeKnowledgeRepo) RecordRollback(ctx context.Context, id string, reason string) error {
	a := m.adaptations[id]
	a.RolledBack = true
	a.RollbackReason = &reason
	m.adaptations[id] = a
	return nil
}

func (m *fakeKnowledgeRepo) PendingAdaptations(ctx context.Context, minAge time.Duration) ([]domain.Adaptation, error) {
	var out []domain.Adaptation
	for _, a := range m.adaptations {
		if a.Effectiveness == domain.EffectivenessPending {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *fakeKnowledgeRepo) RecentAdaptations(ctx context.Context, window time.Duration) ([]domain.Adaptation, error) {
	var out []domain.Adaptation
	for _, a := range m.adaptations {
		out = append(out, a)
	}
	return out, nil
}

func (m *fakeKnowledgeRepo) AdaptationsForTarget(ctx context.Context, target string) ([]domain.Adaptation, error) {
	var out []domain.Adaptation
	for _, a := range m.adaptations {
		if a.Target == target {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *fakeKnowledgeRepo) SaveActiveConditions(ctx context.Context, conditions []domain.TradeCondition) error {
	return nil
}

func (m *fakeKnowledgeRepo) LoadActiveConditions(ctx context.Context) ([]domain.TradeCondition, error) {
	return nil, nil
}

func (m *fakeKnowledgeRepo) SaveRuntimeState(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.runtime[key] = data
	return nil
}

func (m *fakeKnowledgeRepo) GetRuntimeState(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, ok := m.runtime[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(data, dest)
}

// fakeJournalRepo is an in-memory stand-in for *database.JournalRepository.
type fakeJournalRepo struct {
	entries map[string]domain.JournalEntry
}

func newFakeJournalRepo() *fakeJournalRepo {
	return &fakeJournalRepo{entries: make(map[string]domain.JournalEntry)}
}

func (f *fakeJournalRepo) RecordEntry(ctx context.Context, e domain.JournalEntry) error {
	f.entries[e.ID] = e
	return nil
}

func (f *fakeJournalRepo) RecordExit(ctx context.Context, tradeID string, exitPrice decimal.Decimal, exitTs time.Time, reason domain.ExitReason, pnlUSD, pnlPct decimal.Decimal, durationMs int64) error {
	e := f.entries[tradeID]
	e.ExitPrice = &exitPrice
	f.entries[tradeID] = e
	return nil
}

func (f *fakeJournalRepo) EnrichPostExit(ctx context.Context, tradeID string, plus1m, plus5m, plus15m *decimal.Decimal) error {
	return nil
}

func (f *fakeJournalRepo) Query(ctx context.Context, filter database.QueryFilter) ([]domain.JournalEntry, error) {
	var out []domain.JournalEntry
	for _, e := range f.entries {
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeJournalRepo) OpenTradeIDsNeedingEnrichment(ctx context.Context, minAge time.Duration, limit int) ([]string, error) {
	return nil, nil
}
