package sniper

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperbot/engine/internal/domain"
	"github.com/paperbot/engine/internal/events"
)

func newTestSniper(cfg Config, balance decimal.Decimal, blacklist []string) (*Sniper, *mockJournal, *mockQuickUpdate, *events.EventBus) {
	bus := events.NewEventBus()
	jr := &mockJournal{}
	qu := &mockQuickUpdate{}
	s := New(cfg, balance, jr, qu, bus, blacklist)
	s.Start()
	return s, jr, qu, bus
}

func defaultCfg() Config {
	return Config{MaxPositions: 10, MaxPerSymbol: 1, MaxExposurePct: decimal.NewFromFloat(0.5)}
}

func longCondition(symbol string, trigger float64) domain.TradeCondition {
	return domain.TradeCondition{
		ID:            symbol + "-cond",
		Symbol:        symbol,
		Direction:     domain.Long,
		TriggerPrice:  decimal.NewFromFloat(trigger),
		TriggerRel:    domain.Above,
		StopLossPct:   decimal.NewFromFloat(0.02),
		TakeProfitPct: decimal.NewFromFloat(0.05),
		SizeUSD:       decimal.NewFromInt(1000),
		StrategyID:    "strat-1",
		ValidUntil:    time.Now().Add(time.Hour),
	}
}

func drain(t *testing.T, s *Sniper) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}

func TestTriggerThenTakeProfit(t *testing.T) {
	s, jr, qu, _ := newTestSniper(defaultCfg(), decimal.NewFromInt(10000), nil)

	s.InstallConditions([]domain.TradeCondition{longCondition("BTCUSDT", 50000)})

	now := time.Now()
	s.OnTick("BTCUSDT", decimal.NewFromInt(50000), now) // triggers entry
	snap := s.Snapshot()
	require.Len(t, snap.Positions, 1)
	assert.True(t, snap.Positions[0].EntryPrice.Equal(decimal.NewFromInt(50000)))

	// target = 50000 * 1.05 = 52500
	s.OnTick("BTCUSDT", decimal.NewFromInt(52500), now.Add(time.Minute))

	snap = s.Snapshot()
	assert.Len(t, snap.Positions, 0)

	drain(t, s)
	assert.Equal(t, 1, jr.entryCount())
	assert.Equal(t, 1, jr.exitCount())
	assert.Equal(t, 1, qu.callCount())
}

func TestStopLossHitClosesPosition(t *testing.T) {
	s, jr, _, _ := newTestSniper(defaultCfg(), decimal.NewFromInt(10000), nil)

	c := longCondition("ETHUSDT", 2000)
	// Symmetric 10% bands around the 2000 entry.
	c.StopLossPct = decimal.NewFromFloat(0.1)
	c.TakeProfitPct = decimal.NewFromFloat(0.1)
	s.InstallConditions([]domain.TradeCondition{c})

	now := time.Now()
	s.OnTick("ETHUSDT", decimal.NewFromInt(2000), now)
	require.Len(t, s.Snapshot().Positions, 1)

	// stop = 1800, target = 2200. A tick at or below 1800 hits the stop;
	// craft a price that would satisfy neither boundary exclusively isn't
	// possible for one price, so this exercises the stop branch directly,
	// matching §4.2's pessimistic-execution rule (stop checked first).
	s.OnTick("ETHUSDT", decimal.NewFromInt(1800), now.Add(time.Minute))

	snap := s.Snapshot()
	require.Len(t, snap.Positions, 0)

	drain(t, s)
	require.Equal(t, 1, jr.exitCount())
}

func TestAdmissionRejectsSecondPositionSameSymbol(t *testing.T) {
	s, _, _, _ := newTestSniper(defaultCfg(), decimal.NewFromInt(10000), nil)

	s.InstallConditions([]domain.TradeCondition{longCondition("BTCUSDT", 100)})
	now := time.Now()
	s.OnTick("BTCUSDT", decimal.NewFromInt(100), now)
	require.Len(t, s.Snapshot().Positions, 1)

	// Re-install a second condition for the same symbol once the first is
	// consumed; admitLocked must still refuse it because a position is open.
	s.InstallConditions([]domain.TradeCondition{longCondition("BTCUSDT", 100)})
	s.OnTick("BTCUSDT", decimal.NewFromInt(100), now.Add(time.Second))

	assert.Len(t, s.Snapshot().Positions, 1)
}

func TestAdmissionRejectsOverExposure(t *testing.T) {
	cfg := defaultCfg()
	cfg.MaxExposurePct = decimal.NewFromFloat(0.05) // cap = 500 on a 10k balance
	s, _, _, _ := newTestSniper(cfg, decimal.NewFromInt(10000), nil)

	c := longCondition("BTCUSDT", 100)
	c.SizeUSD = decimal.NewFromInt(1000) // exceeds the cap alone
	s.InstallConditions([]domain.TradeCondition{c})

	s.OnTick("BTCUSDT", decimal.NewFromInt(100), time.Now())

	assert.Len(t, s.Snapshot().Positions, 0)
}

func TestBlacklistedSymbolNeverAdmitted(t *testing.T) {
	s, _, _, bus := newTestSniper(defaultCfg(), decimal.NewFromInt(10000), []string{"DOGEUSDT"})

	s.InstallConditions([]domain.TradeCondition{longCondition("DOGEUSDT", 1)})
	s.OnTick("DOGEUSDT", decimal.NewFromInt(1), time.Now())
	assert.Len(t, s.Snapshot().Positions, 0)

	// Un-blacklisting via the event bus should let a later tick admit it.
	// EventBus fans out on its own goroutine per subscriber, so poll
	// briefly for onCoinStatusChanged to apply rather than assuming it
	// has landed the instant Publish returns.
	bus.Publish(events.Event{
		Type: events.EventCoinStatusChanged,
		Data: map[string]interface{}{"symbol": "DOGEUSDT", "status": string(domain.StatusNormal)},
	})
	require.Eventually(t, func() bool {
		s.InstallConditions([]domain.TradeCondition{longCondition("DOGEUSDT", 1)})
		s.OnTick("DOGEUSDT", decimal.NewFromInt(1), time.Now())
		return len(s.Snapshot().Positions) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestExpiredConditionIsPurgedNotTriggered(t *testing.T) {
	s, _, _, _ := newTestSniper(defaultCfg(), decimal.NewFromInt(10000), nil)

	c := longCondition("BTCUSDT", 100)
	c.ValidUntil = time.Now().Add(-time.Minute) // already expired
	s.InstallConditions([]domain.TradeCondition{c})

	// InstallConditions itself drops expired conditions before they're
	// ever stored, so the symbol has no active conditions at all.
	s.OnTick("BTCUSDT", decimal.NewFromInt(100), time.Now())
	assert.Len(t, s.Snapshot().Positions, 0)
	assert.Len(t, s.Snapshot().Conditions, 0)
}

func TestSaveLoadStateDropsExpiredCondition(t *testing.T) {
	s, _, _, _ := newTestSniper(defaultCfg(), decimal.NewFromInt(10000), nil)

	live := longCondition("BTCUSDT", 100)
	s.InstallConditions([]domain.TradeCondition{live})
	positions, conditions := s.SaveState()
	require.Len(t, conditions, 1)
	require.Len(t, positions, 0)

	expired := longCondition("ETHUSDT", 100)
	expired.ValidUntil = time.Now().Add(-time.Hour)
	conditions = append(conditions, expired)

	s2, _, _, _ := newTestSniper(defaultCfg(), decimal.NewFromInt(10000), nil)
	s2.LoadState(positions, conditions)

	snap := s2.Snapshot()
	require.Len(t, snap.Conditions, 1)
	assert.Equal(t, "BTCUSDT", snap.Conditions[0].Symbol)
}
