package pricebus

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperbot/engine/internal/domain"
)

func tick(symbol string, price int64, ts int64) domain.Tick {
	return domain.Tick{Symbol: symbol, Price: decimal.NewFromInt(price), TsMs: ts}
}

func TestPublishUpdatesLatest(t *testing.T) {
	b := New()
	b.Publish(tick("BTCUSDT", 50000, domain.MinTimestampMs+1))

	got, ok := b.Latest("BTCUSDT")
	require.True(t, ok)
	assert.True(t, got.Price.Equal(decimal.NewFromInt(50000)))
}

func TestPublishDropsExactDuplicate(t *testing.T) {
	b := New()
	var count int
	b.Subscribe(func(symbol string, price domain.Tick) { count++ })

	ts := domain.MinTimestampMs + 1
	b.Publish(tick("BTCUSDT", 50000, ts))
	b.Publish(tick("BTCUSDT", 50000, ts))

	assert.Equal(t, 1, count)
}

func TestPublishFansOutInOrder(t *testing.T) {
	b := New()
	var seen []int64
	b.Subscribe(func(symbol string, price domain.Tick) { seen = append(seen, price.Price.IntPart()) })

	ts := domain.MinTimestampMs
	b.Publish(tick("ETHUSDT", 4000, ts+1))
	b.Publish(tick("ETHUSDT", 4010, ts+2))
	b.Publish(tick("ETHUSDT", 4020, ts+3))

	require.Equal(t, []int64{4000, 4010, 4020}, seen)
}

func TestRunDropsInvalidTimestamp(t *testing.T) {
	b := New()
	var count int
	b.Subscribe(func(symbol string, price domain.Tick) { count++ })

	ch := make(chan domain.Tick, 2)
	ch <- domain.Tick{Symbol: "BTCUSDT", Price: decimal.NewFromInt(1), TsMs: 123} // too small, invalid
	ch <- tick("BTCUSDT", 2, domain.MinTimestampMs+1)
	close(ch)

	done := make(chan struct{})
	b.Run(ch, done)

	assert.Equal(t, 1, count)
}
