package quickupdate

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperbot/engine/internal/domain"
)

func testConfig() Config {
	return Config{
		MinTradesForAdaptation: 5,
		BlacklistWinRate:       decimal.NewFromFloat(0.30),
		ReducedWinRate:         decimal.NewFromFloat(0.45),
		FavoredWinRate:         decimal.NewFromFloat(0.60),
		PatternShrinkageAlpha:  decimal.NewFromInt(5),
	}
}

func TestBelowMinTradesStaysNormal(t *testing.T) {
	store := newMockStore()
	q := New(testConfig(), store, nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, q.OnTradeClosed(ctx, "DOGEUSDT", false, decimal.NewFromInt(-10), nil))
	}
	s := store.scores["DOGEUSDT"]
	assert.Equal(t, domain.StatusNormal, s.Status)
	assert.Equal(t, 4, s.Trades)
}

func TestBlacklistsOnPoorWinRateAndNegativePnL(t *testing.T) {
	store := newMockStore()
	q := New(testConfig(), store, nil)
	ctx := context.Background()

	// 2 wins of +5, 8 losses of -10: win_rate 0.2, total_pnl -70.
	for i := 0; i < 2; i++ {
		require.NoError(t, q.OnTradeClosed(ctx, "DOGEUSDT", true, decimal.NewFromInt(5), nil))
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, q.OnTradeClosed(ctx, "DOGEUSDT", false, decimal.NewFromInt(-10), nil))
	}

	s := store.scores["DOGEUSDT"]
	assert.Equal(t, domain.StatusBlacklisted, s.Status)
	assert.True(t, store.statusCalls >= 1)
	require.NotNil(t, s.BlacklistReason)
}

func TestFavorsOnStrongWinRateAndPositivePnL(t *testing.T) {
	store := newMockStore()
	q := New(testConfig(), store, nil)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		require.NoError(t, q.OnTradeClosed(ctx, "BTCUSDT", true, decimal.NewFromInt(20), nil))
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, q.OnTradeClosed(ctx, "BTCUSDT", false, decimal.NewFromInt(-5), nil))
	}

	s := store.scores["BTCUSDT"]
	assert.Equal(t, domain.StatusFavored, s.Status)
}

func TestDemotesFromFavoredSymmetrically(t *testing.T) {
	store := newMockStore()
	store.scores["ETHUSDT"] = domain.CoinScore{
		Symbol: "ETHUSDT", Status: domain.StatusFavored,
		Trades: 8, Wins: 6, Losses: 2,
		WinRate: decimal.NewFromFloat(0.75), TotalPnL: decimal.NewFromInt(100),
	}
	q := New(testConfig(), store, nil)
	ctx := context.Background()

	// A string of losses should demote it even though trade count stays high.
	for i := 0; i < 6; i++ {
		require.NoError(t, q.OnTradeClosed(ctx, "ETHUSDT", false, decimal.NewFromInt(-20), nil))
	}

	s := store.scores["ETHUSDT"]
	assert.NotEqual(t, domain.StatusFavored, s.Status)
}

func TestPatternConfidenceShrinksTowardHalfWithFewTrades(t *testing.T) {
	store := newMockStore()
	store.patterns["p1"] = domain.Pattern{PatternID: "p1", Active: true}
	q := New(testConfig(), store, nil)
	ctx := context.Background()

	patternID := "p1"
	require.NoError(t, q.OnTradeClosed(ctx, "BTCUSDT", true, decimal.NewFromInt(10), &patternID))

	p := store.patterns["p1"]
	// confidence = (1+5)/(1+10) = 6/11 ≈ 0.545, pulled toward 0.5 not 1.0.
	assert.True(t, p.Confidence.LessThan(decimal.NewFromFloat(0.6)))
	assert.True(t, p.Confidence.GreaterThan(decimal.NewFromFloat(0.5)))
}

func TestUnknownPatternIsIgnoredNotFatal(t *testing.T) {
	store := newMockStore()
	q := New(testConfig(), store, nil)
	ctx := context.Background()

	missing := "does-not-exist"
	err := q.OnTradeClosed(ctx, "BTCUSDT", true, decimal.NewFromInt(10), &missing)
	require.NoError(t, err)
}

func TestNotifiesReflectionEngineOnEveryClose(t *testing.T) {
	store := newMockStore()
	notifier := &mockNotifier{}
	q := New(testConfig(), store, notifier)
	ctx := context.Background()

	require.NoError(t, q.OnTradeClosed(ctx, "BTCUSDT", true, decimal.NewFromInt(10), nil))
	assert.Equal(t, 1, notifier.calls)
}
