package strategist

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperbot/engine/internal/domain"
	"github.com/paperbot/engine/internal/sniper"
)

func baseSnapshot(balance, inPositions float64) sniper.Snapshot {
	return sniper.Snapshot{
		Account: domain.AccountState{
			Balance:     decimal.NewFromFloat(balance),
			Available:   decimal.NewFromFloat(balance - inPositions),
			InPositions: decimal.NewFromFloat(inPositions),
		},
	}
}

func newTestStrategist(store *mockStore, prices *mockPrices, account *mockAccount, chat *mockChat) *Strategist {
	return New(DefaultConfig(), store, prices, account, chat)
}

func TestValidProposalInstalledWithBaseSizing(t *testing.T) {
	store := newMockStore()
	store.scores["BTCUSDT"] = domain.CoinScore{Symbol: "BTCUSDT", Status: domain.StatusNormal, Trades: 20, WinRate: decimal.NewFromFloat(0.55)}
	prices := newMockPrices()
	prices.set("BTCUSDT", 50000)
	account := &mockAccount{snap: baseSnapshot(10000, 0)}
	chat := &mockChat{response: `[{"symbol":"BTCUSDT","direction":"LONG","trigger_price":50500,"trigger_rel":"ABOVE","stop_loss_pct":0.02,"take_profit_pct":0.04,"base_size_usd":20,"reasoning":"breakout","valid_for_seconds":120}]`}

	s := newTestStrategist(store, prices, account, chat)
	require.NoError(t, s.Run(context.Background(), time.Now(), domain.MarketState{}))

	require.Len(t, account.installed, 1)
	cond := account.installed[0]
	assert.Equal(t, "BTCUSDT", cond.Symbol)
	assert.Equal(t, domain.Long, cond.Direction)
	assert.True(t, cond.SizeUSD.Equal(decimal.NewFromInt(20)))
}

func TestUnknownSymbolRejected(t *testing.T) {
	store := newMockStore()
	prices := newMockPrices()
	account := &mockAccount{snap: baseSnapshot(10000, 0)}
	chat := &mockChat{response: `[{"symbol":"NOPEUSDT","direction":"LONG","trigger_price":1,"trigger_rel":"ABOVE","stop_loss_pct":0.02,"take_profit_pct":0.04,"base_size_usd":20,"valid_for_seconds":120}]`}

	s := newTestStrategist(store, prices, account, chat)
	require.NoError(t, s.Run(context.Background(), time.Now(), domain.MarketState{}))

	assert.Empty(t, account.installed)
}

func TestBlacklistedSymbolRejected(t *testing.T) {
	store := newMockStore()
	store.scores["DOGEUSDT"] = domain.CoinScore{Symbol: "DOGEUSDT", Status: domain.StatusBlacklisted}
	prices := newMockPrices()
	prices.set("DOGEUSDT", 0.1)
	account := &mockAccount{snap: baseSnapshot(10000, 0)}
	chat := &mockChat{response: `[{"symbol":"DOGEUSDT","direction":"LONG","trigger_price":0.101,"trigger_rel":"ABOVE","stop_loss_pct":0.02,"take_profit_pct":0.04,"base_size_usd":20,"valid_for_seconds":120}]`}

	s := newTestStrategist(store, prices, account, chat)
	require.NoError(t, s.Run(context.Background(), time.Now(), domain.MarketState{}))

	assert.Empty(t, account.installed)
}

func TestStopPctOutOfBoundsRejected(t *testing.T) {
	store := newMockStore()
	store.scores["BTCUSDT"] = domain.CoinScore{Symbol: "BTCUSDT", Status: domain.StatusNormal}
	prices := newMockPrices()
	prices.set("BTCUSDT", 50000)
	account := &mockAccount{snap: baseSnapshot(10000, 0)}
	chat := &mockChat{response: `[{"symbol":"BTCUSDT","direction":"LONG","trigger_price":50500,"trigger_rel":"ABOVE","stop_loss_pct":0.5,"take_profit_pct":0.04,"base_size_usd":20,"valid_for_seconds":120}]`}

	s := newTestStrategist(store, prices, account, chat)
	require.NoError(t, s.Run(context.Background(), time.Now(), domain.MarketState{}))

	assert.Empty(t, account.installed)
}

func TestTriggerTooFarFromSpotRejected(t *testing.T) {
	store := newMockStore()
	store.scores["BTCUSDT"] = domain.CoinScore{Symbol: "BTCUSDT", Status: domain.StatusNormal}
	prices := newMockPrices()
	prices.set("BTCUSDT", 50000)
	account := &mockAccount{snap: baseSnapshot(10000, 0)}
	chat := &mockChat{response: `[{"symbol":"BTCUSDT","direction":"LONG","trigger_price":60000,"trigger_rel":"ABOVE","stop_loss_pct":0.02,"take_profit_pct":0.04,"base_size_usd":20,"valid_for_seconds":120}]`}

	s := newTestStrategist(store, prices, account, chat)
	require.NoError(t, s.Run(context.Background(), time.Now(), domain.MarketState{}))

	assert.Empty(t, account.installed)
}

func TestValidForSecondsClampedToBounds(t *testing.T) {
	store := newMockStore()
	store.scores["BTCUSDT"] = domain.CoinScore{Symbol: "BTCUSDT", Status: domain.StatusNormal}
	prices := newMockPrices()
	prices.set("BTCUSDT", 50000)
	account := &mockAccount{snap: baseSnapshot(10000, 0)}
	chat := &mockChat{response: `[{"symbol":"BTCUSDT","direction":"LONG","trigger_price":50500,"trigger_rel":"ABOVE","stop_loss_pct":0.02,"take_profit_pct":0.04,"base_size_usd":20,"valid_for_seconds":5}]`}

	now := time.Now()
	s := newTestStrategist(store, prices, account, chat)
	require.NoError(t, s.Run(context.Background(), now, domain.MarketState{}))

	require.Len(t, account.installed, 1)
	validFor := account.installed[0].ValidUntil.Sub(now)
	assert.Equal(t, 30*time.Second, validFor)
}

func TestFavoredCoinGetsLargerSize(t *testing.T) {
	store := newMockStore()
	store.scores["ETHUSDT"] = domain.CoinScore{Symbol: "ETHUSDT", Status: domain.StatusFavored}
	prices := newMockPrices()
	prices.set("ETHUSDT", 3000)
	account := &mockAccount{snap: baseSnapshot(10000, 0)}
	chat := &mockChat{response: `[{"symbol":"ETHUSDT","direction":"LONG","trigger_price":3030,"trigger_rel":"ABOVE","stop_loss_pct":0.02,"take_profit_pct":0.04,"base_size_usd":20,"valid_for_seconds":120}]`}

	s := newTestStrategist(store, prices, account, chat)
	require.NoError(t, s.Run(context.Background(), time.Now(), domain.MarketState{}))

	require.Len(t, account.installed, 1)
	assert.True(t, account.installed[0].SizeUSD.Equal(decimal.NewFromInt(30)))
}

func TestSizeClampedByRemainingExposure(t *testing.T) {
	store := newMockStore()
	store.scores["ETHUSDT"] = domain.CoinScore{Symbol: "ETHUSDT", Status: domain.StatusFavored}
	prices := newMockPrices()
	prices.set("ETHUSDT", 3000)
	// balance 1000, max_exposure_pct 0.10 => remaining exposure room is 100,
	// already 95 in positions => only 5 USD left, below MinSizeUSD => dropped.
	account := &mockAccount{snap: baseSnapshot(1000, 95)}
	chat := &mockChat{response: `[{"symbol":"ETHUSDT","direction":"LONG","trigger_price":3030,"trigger_rel":"ABOVE","stop_loss_pct":0.02,"take_profit_pct":0.04,"base_size_usd":20,"valid_for_seconds":120}]`}

	s := newTestStrategist(store, prices, account, chat)
	require.NoError(t, s.Run(context.Background(), time.Now(), domain.MarketState{}))

	assert.Empty(t, account.installed)
}

func TestRegimeNoTradeGateSuppressesAllConditions(t *testing.T) {
	store := newMockStore()
	store.scores["BTCUSDT"] = domain.CoinScore{Symbol: "BTCUSDT", Status: domain.StatusNormal}
	store.rules = []domain.RegimeRule{{
		RuleID: "r1", Active: true, Action: domain.RegimeNoTrade,
		Predicate: func(ms domain.MarketState) bool { return ms.IsWeekend },
	}}
	prices := newMockPrices()
	prices.set("BTCUSDT", 50000)
	account := &mockAccount{snap: baseSnapshot(10000, 0)}
	chat := &mockChat{response: `[{"symbol":"BTCUSDT","direction":"LONG","trigger_price":50500,"trigger_rel":"ABOVE","stop_loss_pct":0.02,"take_profit_pct":0.04,"base_size_usd":20,"valid_for_seconds":120}]`}

	s := newTestStrategist(store, prices, account, chat)
	require.NoError(t, s.Run(context.Background(), time.Now(), domain.MarketState{IsWeekend: true}))

	assert.Empty(t, account.installed)
	assert.Equal(t, 0, chat.calls)
}

func TestRegimeReduceSizeHalvesSizing(t *testing.T) {
	store := newMockStore()
	store.scores["BTCUSDT"] = domain.CoinScore{Symbol: "BTCUSDT", Status: domain.StatusNormal}
	store.rules = []domain.RegimeRule{{
		RuleID: "r1", Active: true, Action: domain.RegimeReduceSize,
		Predicate: func(ms domain.MarketState) bool { return ms.IsWeekend },
	}}
	prices := newMockPrices()
	prices.set("BTCUSDT", 50000)
	account := &mockAccount{snap: baseSnapshot(10000, 0)}
	chat := &mockChat{response: `[{"symbol":"BTCUSDT","direction":"LONG","trigger_price":50500,"trigger_rel":"ABOVE","stop_loss_pct":0.02,"take_profit_pct":0.04,"base_size_usd":20,"valid_for_seconds":120}]`}

	s := newTestStrategist(store, prices, account, chat)
	require.NoError(t, s.Run(context.Background(), time.Now(), domain.MarketState{IsWeekend: true}))

	require.Len(t, account.installed, 1)
	// raw size (20 base x 0.5 regime_modifier) = 10, below MinSizeUSD (20),
	// clamped up to the floor since the 100-USD ceiling can accommodate it.
	assert.True(t, account.installed[0].SizeUSD.Equal(decimal.NewFromInt(20)))
}

func TestMalformedJSONResponseYieldsNoInstalls(t *testing.T) {
	store := newMockStore()
	store.scores["BTCUSDT"] = domain.CoinScore{Symbol: "BTCUSDT", Status: domain.StatusNormal}
	prices := newMockPrices()
	prices.set("BTCUSDT", 50000)
	account := &mockAccount{snap: baseSnapshot(10000, 0)}
	chat := &mockChat{response: "not json at all"}

	s := newTestStrategist(store, prices, account, chat)
	require.NoError(t, s.Run(context.Background(), time.Now(), domain.MarketState{}))

	assert.Empty(t, account.installed)
}

func TestHealthDegradesAfterStalePeriod(t *testing.T) {
	store := newMockStore()
	account := &mockAccount{snap: baseSnapshot(10000, 0)}
	cfg := DefaultConfig()
	cfg.Period = 10 * time.Millisecond
	s := New(cfg, store, newMockPrices(), account, &mockChat{response: "[]"})

	require.NoError(t, s.Run(context.Background(), time.Now(), domain.MarketState{}))
	time.Sleep(30 * time.Millisecond)

	h := s.Health()
	assert.Equal(t, "degraded", string(h.Status))
}
