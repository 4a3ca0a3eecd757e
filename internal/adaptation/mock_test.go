package adaptation

import (
	"context"

	"github.com/paperbot/engine/internal/domain"
	"github.com/paperbot/engine/internal/sniper"
)

type mockStore struct {
	scores      map[string]domain.CoinScore
	patterns    map[string]domain.Pattern
	rules       []domain.RegimeRule
	adaptations []domain.Adaptation
}

var _ KnowledgeStore = (*mockStore)(nil)

func newMockStore() *mockStore {
	return &mockStore{
		scores:   make(map[string]domain.CoinScore),
		patterns: make(map[string]domain.Pattern),
	}
}

func (m *mockStore) GetCoinScore(ctx context.Context, symbol string) (*domain.CoinScore, error) {
	s, ok := m.scores[symbol]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *mockStore) SetCoinStatus(ctx context.Context, symbol string, status domain.CoinStatus, reason *string) error {
	s := m.scores[symbol]
	s.Symbol = symbol
	s.Status = status
	s.BlacklistReason = reason
	m.scores[symbol] = s
	return nil
}

func (m *mockStore) GetPattern(ctx context.Context, patternID string) (*domain.Pattern, error) {
	p, ok := m.patterns[patternID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *mockStore) SetPatternActive(ctx context.Context, patternID string, active bool) error {
	p := m.patterns[patternID]
	p.PatternID = patternID
	p.Active = active
	m.patterns[patternID] = p
	return nil
}

func (m *mockStore) AddRegimeRule(ctx context.Context, rule domain.RegimeRule) error {
	m.rules = append(m.rules, rule)
	return nil
}

func (m *mockStore) AddAdaptation(ctx context.Context, a domain.Adaptation) error {
	m.adaptations = append(m.adaptations, a)
	return nil
}

func (m *mockStore) GetAdaptationsForTarget(ctx context.Context, target string) ([]domain.Adaptation, error) {
	var out []domain.Adaptation
	for _, a := range m.adaptations {
		if a.Target == target {
			out = append(out, a)
		}
	}
	return out, nil
}

type mockAccount struct {
	snap sniper.Snapshot
}

var _ AccountSource = (*mockAccount)(nil)

func (m *mockAccount) Snapshot() sniper.Snapshot { return m.snap }

type mockScheduler struct {
	scheduled []string
}

var _ EffectivenessScheduler = (*mockScheduler)(nil)

func (m *mockScheduler) Schedule(adaptationID string) {
	m.scheduled = append(m.scheduled, adaptationID)
}
