package effectiveness

import (
	"context"
	"time"

	"github.com/paperbot/engine/internal/domain"
)

type mockStore struct {
	adaptations []domain.Adaptation
	scores      map[string]domain.CoinScore
	patterns    map[string]domain.Pattern
	ruleActive  map[string]bool
}

var _ KnowledgeStore = (*mockStore)(nil)

func newMockStore() *mockStore {
	return &mockStore{
		scores:     make(map[string]domain.CoinScore),
		patterns:   make(map[string]domain.Pattern),
		ruleActive: make(map[string]bool),
	}
}

func (m *mockStore) PendingAdaptations(ctx context.Context, minAge time.Duration) ([]domain.Adaptation, error) {
	var out []domain.Adaptation
	for _, a := range m.adaptations {
		if a.Effectiveness == domain.EffectivenessPending && time.Since(a.Ts) >= minAge {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *mockStore) GetCoinScore(ctx context.Context, symbol string) (*domain.CoinScore, error) {
	s, ok := m.scores[symbol]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *mockStore) GetPattern(ctx context.Context, patternID string) (*domain.Pattern, error) {
	p, ok := m.patterns[patternID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *mockStore) SetCoinStatus(ctx context.Context, symbol string, status domain.CoinStatus, reason *string) error {
	s := m.scores[symbol]
	s.Symbol = symbol
	s.Status = status
	m.scores[symbol] = s
	return nil
}

func (m *mockStore) SetPatternActive(ctx context.Context, patternID string, active bool) error {
	p := m.patterns[patternID]
	p.PatternID = patternID
	p.Active = active
	m.patterns[patternID] = p
	return nil
}

func (m *mockStore) SetRuleActive(ctx context.Context, ruleID string, active bool) error {
	m.ruleActive[ruleID] = active
	return nil
}

func (m *mockStore) FinalizeAdaptation(ctx context.Context, id string, postMetrics map[string]interface{}, effectiveness domain.Effectiveness) error {
	for i, a := range m.adaptations {
		if a.ID == id {
			m.adaptations[i].PostMetrics = postMetrics
			m.adaptations[i].Effectiveness = effectiveness
		}
	}
	return nil
}

func (m *mockStore) RecordRollback(ctx context.Context, id string, reason string) error {
	for i, a := range m.adaptations {
		if a.ID == id {
			m.adaptations[i].RolledBack = true
			m.adaptations[i].RollbackReason = &reason
		}
	}
	return nil
}

func (m *mockStore) AddAdaptation(ctx context.Context, a domain.Adaptation) error {
	m.adaptations = append(m.adaptations, a)
	return nil
}
