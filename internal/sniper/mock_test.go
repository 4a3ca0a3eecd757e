package sniper

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paperbot/engine/internal/domain"
	"github.com/paperbot/engine/internal/journal"
)

var errMockJournal = errors.New("mock journal error")

type mockJournal struct {
	mu       sync.Mutex
	entries  []domain.Position
	exits    []string
	failNext bool
}

var _ JournalWriter = (*mockJournal)(nil)

func (m *mockJournal) RecordEntry(ctx context.Context, pos domain.Position, entryCtx journal.EntryContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext {
		m.failNext = false
		return errMockJournal
	}
	m.entries = append(m.entries, pos)
	return nil
}

func (m *mockJournal) RecordExit(ctx context.Context, tradeID string, entryTs time.Time, exitPrice decimal.Decimal, exitTs time.Time, reason domain.ExitReason, pnlUSD, pnlPct decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exits = append(m.exits, tradeID)
	return nil
}

func (m *mockJournal) entryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *mockJournal) exitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.exits)
}

type mockQuickUpdate struct {
	mu    sync.Mutex
	calls int
}

var _ QuickUpdater = (*mockQuickUpdate)(nil)

func (m *mockQuickUpdate) OnTradeClosed(ctx context.Context, symbol string, won bool, pnlUSD decimal.Decimal, patternID *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return nil
}

func (m *mockQuickUpdate) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
