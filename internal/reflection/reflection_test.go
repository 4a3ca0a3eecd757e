package reflection

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperbot/engine/internal/chatclient"
	"github.com/paperbot/engine/internal/domain"
)

func testConfig() Config {
	return Config{
		Period:       time.Hour,
		MinTrades:    10,
		FirstRunMin:  5,
		WindowHours:  24,
		WindowTrades: 100,
		Timeout:      time.Second,
	}
}

func closedEntry(symbol string, won bool, pnl float64, reason domain.ExitReason) domain.JournalEntry {
	p := decimal.NewFromFloat(pnl)
	exitTs := time.Now()
	r := reason
	return domain.JournalEntry{
		ID:         "trade-" + symbol,
		Symbol:     symbol,
		Direction:  domain.Long,
		EntryPrice: decimal.NewFromInt(100),
		EntryTs:    exitTs.Add(-time.Minute),
		ExitPrice:  &p,
		ExitTs:     &exitTs,
		ExitReason: &r,
		PnLUSD:     &p,
		HourOfDay:  exitTs.Hour(),
		DayOfWeek:  exitTs.Weekday(),
	}
}

func TestShouldReflectFirstRunRequiresMinTrades(t *testing.T) {
	e := New(testConfig(), &mockJournal{}, &mockStore{}, chatclient.NewMock("{}"), nil)
	now := time.Now()

	assert.False(t, e.ShouldReflect(now))
	for i := 0; i < 4; i++ {
		e.OnTradeClosed()
	}
	assert.False(t, e.ShouldReflect(now))
	e.OnTradeClosed()
	assert.True(t, e.ShouldReflect(now))
}

func TestShouldReflectTimeBasedAfterFirstRun(t *testing.T) {
	e := New(testConfig(), &mockJournal{}, &mockStore{}, chatclient.NewMock("{}"), nil)
	now := time.Now()
	for i := 0; i < 5; i++ {
		e.OnTradeClosed()
	}
	require.NoError(t, e.reflect(context.Background(), now))

	assert.False(t, e.ShouldReflect(now.Add(time.Minute)))
	assert.True(t, e.ShouldReflect(now.Add(2*time.Hour)))
}

func TestShouldReflectTradeCountBasedAfterFirstRun(t *testing.T) {
	e := New(testConfig(), &mockJournal{}, &mockStore{}, chatclient.NewMock("{}"), nil)
	now := time.Now()
	for i := 0; i < 5; i++ {
		e.OnTradeClosed()
	}
	require.NoError(t, e.reflect(context.Background(), now))

	for i := 0; i < 9; i++ {
		e.OnTradeClosed()
	}
	assert.False(t, e.ShouldReflect(now.Add(time.Minute)))
	e.OnTradeClosed()
	assert.True(t, e.ShouldReflect(now.Add(time.Minute)))
}

const validReflectionResponse = `{
  "summary": "BTCUSDT is performing well, DOGEUSDT is struggling during the 03:00 hour.",
  "insights": [
    {
      "type": "coin_performance",
      "category": "problem",
      "title": "DOGEUSDT losing streak",
      "description": "DOGEUSDT has a low win rate this window.",
      "evidence": {"trades": 8, "win_rate": 0.2, "pnl": -70, "symbol": "DOGEUSDT"},
      "suggested_action": "BLACKLIST",
      "confidence": 0.9
    },
    {
      "type": "malformed",
      "category": "problem",
      "title": "",
      "suggested_action": "BLACKLIST",
      "confidence": 0.9
    },
    {
      "type": "unknown_action",
      "category": "observation",
      "title": "weird action",
      "suggested_action": "DO_A_BARREL_ROLL",
      "confidence": 0.5
    }
  ]
}`

func TestReflectParsesInsightsDropsMalformedAndResetsCounter(t *testing.T) {
	j := &mockJournal{entries: []domain.JournalEntry{
		closedEntry("BTCUSDT", true, 20, domain.ExitTakeProfit),
		closedEntry("DOGEUSDT", false, -10, domain.ExitStopLoss),
	}}
	store := &mockStore{}
	adapt := &mockAdaptation{}
	chat := chatclient.NewMock(validReflectionResponse)
	e := New(testConfig(), j, store, chat, adapt)

	for i := 0; i < 5; i++ {
		e.OnTradeClosed()
	}
	require.NoError(t, e.MaybeReflect(context.Background(), time.Now()))

	require.Len(t, store.reflections, 1)
	ref := store.reflections[0]
	require.Len(t, ref.Insights, 1, "the two malformed insights must be dropped")
	assert.Equal(t, "DOGEUSDT losing streak", ref.Insights[0].Title)
	assert.Equal(t, domain.ActionBlacklist, ref.Insights[0].SuggestedAction)
	assert.Equal(t, "DOGEUSDT", ref.Insights[0].SuggestedTarget)

	require.Len(t, adapt.calls, 1)
	assert.Equal(t, 0, int(e.tradesSince))
}

func TestReflectWithUnparsableResponseStillPersistsFallback(t *testing.T) {
	j := &mockJournal{entries: []domain.JournalEntry{closedEntry("BTCUSDT", true, 5, domain.ExitTakeProfit)}}
	store := &mockStore{}
	chat := chatclient.NewMock("not json at all")
	e := New(testConfig(), j, store, chat, nil)

	for i := 0; i < 5; i++ {
		e.OnTradeClosed()
	}
	require.NoError(t, e.MaybeReflect(context.Background(), time.Now()))

	require.Len(t, store.reflections, 1)
	assert.Empty(t, store.reflections[0].Insights)
}

func TestConcurrentReflectionsCoalesce(t *testing.T) {
	e := New(testConfig(), &mockJournal{}, &mockStore{}, chatclient.NewMock("{}"), nil)
	for i := 0; i < 5; i++ {
		e.OnTradeClosed()
	}

	// Simulate a cycle already in flight by claiming the running flag
	// directly, the same guard MaybeReflect uses internally.
	require.True(t, compareAndSwapRunning(e))
	err := e.MaybeReflect(context.Background(), time.Now())
	require.NoError(t, err)
	// Since running was held, reflect() must not have executed: the
	// trade counter should remain unreset.
	assert.Equal(t, int32(5), e.tradesSince)
}

// compareAndSwapRunning mirrors the CAS reflection.go's MaybeReflect uses,
// so the coalescing test can simulate an in-flight cycle without a real
// goroutine race.
func compareAndSwapRunning(e *Engine) bool {
	var mu sync.Mutex
	mu.Lock()
	defer mu.Unlock()
	if e.running == 0 {
		e.running = 1
		return true
	}
	return false
}
