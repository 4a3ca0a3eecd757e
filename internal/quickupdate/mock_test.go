package quickupdate

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/paperbot/engine/internal/domain"
)

type mockStore struct {
	scores       map[string]domain.CoinScore
	patterns     map[string]domain.Pattern
	statusCalls  int
	statusReason *string
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

func (m *mockStore) UpsertCoinScore(ctx context.Context, s domain.CoinScore) error {
	m.scores[s.Symbol] = s
	return nil
}

func (m *mockStore) SetCoinStatus(ctx context.Context, symbol string, status domain.CoinStatus, reason *string) error {
	m.statusCalls++
	m.statusReason = reason
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

func (m *mockStore) UpdatePatternStats(ctx context.Context, patternID string, winRate, confidence decimal.Decimal, tradeCount, wins, losses int, totalPnL decimal.Decimal) error {
	p := m.patterns[patternID]
	p.PatternID = patternID
	p.Confidence = confidence
	p.TimesUsed = tradeCount
	p.Wins = wins
	p.Losses = losses
	p.TotalPnL = totalPnL
	m.patterns[patternID] = p
	return nil
}

type mockNotifier struct {
	calls int
}

func (n *mockNotifier) OnTradeClosed() { n.calls++ }
