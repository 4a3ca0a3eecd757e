package strategist

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/paperbot/engine/internal/domain"
	"github.com/paperbot/engine/internal/sniper"
)

type mockStore struct {
	scores    map[string]domain.CoinScore
	patterns  []domain.Pattern
	rules     []domain.RegimeRule
	blacklist []string
}

var _ KnowledgeStore = (*mockStore)(nil)

func newMockStore() *mockStore {
	return &mockStore{scores: make(map[string]domain.CoinScore)}
}

func (m *mockStore) GetAllCoinScores(ctx context.Context) ([]domain.CoinScore, error) {
	var out []domain.CoinScore
	for _, s := range m.scores {
		out = append(out, s)
	}
	return out, nil
}

func (m *mockStore) GetBlacklist(ctx context.Context) ([]domain.CoinScore, error) {
	var out []domain.CoinScore
	for _, s := range m.scores {
		if s.Status == domain.StatusBlacklisted {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *mockStore) GetFavored(ctx context.Context) ([]domain.CoinScore, error) {
	var out []domain.CoinScore
	for _, s := range m.scores {
		if s.Status == domain.StatusFavored {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *mockStore) GetActivePatterns(ctx context.Context) ([]domain.Pattern, error) {
	var out []domain.Pattern
	for _, p := range m.patterns {
		if p.Active {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *mockStore) GetActiveRules(ctx context.Context) ([]domain.RegimeRule, error) {
	return m.rules, nil
}

func (m *mockStore) IsBlacklisted(ctx context.Context, symbol string) (bool, error) {
	s, ok := m.scores[symbol]
	return ok && s.Status == domain.StatusBlacklisted, nil
}

type mockPrices struct {
	ticks map[string]domain.Tick
}

var _ PriceSource = (*mockPrices)(nil)

func newMockPrices() *mockPrices {
	return &mockPrices{ticks: make(map[string]domain.Tick)}
}

func (m *mockPrices) set(symbol string, price float64) {
	m.ticks[symbol] = domain.Tick{Symbol: symbol, Price: decimal.NewFromFloat(price)}
}

func (m *mockPrices) Latest(symbol string) (domain.Tick, bool) {
	t, ok := m.ticks[symbol]
	return t, ok
}

type mockAccount struct {
	snap      sniper.Snapshot
	installed []domain.TradeCondition
}

var _ AccountSource = (*mockAccount)(nil)

func (m *mockAccount) Snapshot() sniper.Snapshot { return m.snap }

func (m *mockAccount) InstallConditions(conds []domain.TradeCondition) {
	m.installed = append(m.installed, conds...)
}

type mockChat struct {
	response string
	err      error
	calls    int
}

func (m *mockChat) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	m.calls++
	return m.response, m.err
}
