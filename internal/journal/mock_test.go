package journal

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paperbot/engine/internal/database"
	"github.com/paperbot/engine/internal/domain"
)

var assertErr = errors.New("mock repo error")

// mockRepo is an in-memory stand-in for *database.JournalRepository.
type mockRepo struct {
	entries map[string]domain.JournalEntry
	failNext bool
}

func newMockRepo() *mockRepo {
	return &mockRepo{entries: make(map[string]domain.JournalEntry)}
}

func (m *mockRepo) RecordEntry(ctx context.Context, e domain.JournalEntry) error {
	if m.failNext {
		m.failNext = false
		return assertErr
	}
	m.entries[e.ID] = e
	return nil
}

func (m *mockRepo) RecordExit(ctx context.Context, tradeID string, exitPrice decimal.Decimal, exitTs time.Time, reason domain.ExitReason, pnlUSD, pnlPct decimal.Decimal, durationMs int64) error {
	if m.failNext {
		m.failNext = false
		return assertErr
	}
	e, ok := m.entries[tradeID]
	if !ok {
		return assertErr
	}
	e.ExitPrice = &exitPrice
	e.ExitTs = &exitTs
	e.ExitReason = &reason
	e.PnLUSD = &pnlUSD
	e.PnLPct = &pnlPct
	e.DurationMs = &durationMs
	m.entries[tradeID] = e
	return nil
}

func (m *mockRepo) EnrichPostExit(ctx context.Context, tradeID string, plus1m, plus5m, plus15m *decimal.Decimal) error {
	e, ok := m.entries[tradeID]
	if !ok {
		return assertErr
	}
	e.PostExit1m, e.PostExit5m, e.PostExit15m = plus1m, plus5m, plus15m
	m.entries[tradeID] = e
	return nil
}

func (m *mockRepo) Query(ctx context.Context, f database.QueryFilter) ([]domain.JournalEntry, error) {
	var out []domain.JournalEntry
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out, nil
}

func (m *mockRepo) OpenTradeIDsNeedingEnrichment(ctx context.Context, minAge time.Duration, limit int) ([]string, error) {
	var ids []string
	for id, e := range m.entries {
		if e.ExitTs != nil && e.PostExit15m == nil {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

var _ Repository = (*mockRepo)(nil)
