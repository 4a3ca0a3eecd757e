package pricesource

import (
	"context"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paperbot/engine/internal/domain"
)

// MockSource is a simulated feed for development and tests, grounded in
// the teacher's MockClient random-walk price generator
// (internal/binance/mock_client.go). It emits one tick per symbol every
// tickInterval with a small random walk applied to each symbol's last
// price.
type MockSource struct {
	prices       map[string]decimal.Decimal
	tickInterval time.Duration
	rng          *rand.Rand
}

var _ PriceSource = (*MockSource)(nil)

// NewMockSource seeds a simulated feed with starting prices per symbol.
func NewMockSource(startPrices map[string]decimal.Decimal, tickInterval time.Duration) *MockSource {
	prices := make(map[string]decimal.Decimal, len(startPrices))
	for symbol, price := range startPrices {
		prices[symbol] = price
	}
	if tickInterval <= 0 {
		tickInterval = time.Second
	}
	return &MockSource{
		prices:       prices,
		tickInterval: tickInterval,
		rng:          rand.New(rand.NewSource(1)),
	}
}

func (m *MockSource) Stream(ctx context.Context, symbols []string) (<-chan domain.Tick, error) {
	out := make(chan domain.Tick, 256)
	go m.run(ctx, symbols, out)
	return out, nil
}

func (m *MockSource) run(ctx context.Context, symbols []string, out chan<- domain.Tick) {
	defer close(out)

	ticker := time.NewTicker(m.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, symbol := range symbols {
				price, ok := m.prices[symbol]
				if !ok {
					continue
				}
				// random walk: -0.5% to +0.5%
				changeBp := m.rng.Intn(101) - 50
				change := decimal.NewFromInt(int64(changeBp)).Div(decimal.NewFromInt(10000))
				price = price.Mul(decimal.NewFromInt(1).Add(change))
				m.prices[symbol] = price

				tick := domain.Tick{
					Symbol: symbol,
					Price:  price,
					TsMs:   now.UnixMilli(),
				}
				select {
				case out <- tick:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// DefaultStartPrices mirrors the teacher's mock-client seed basket so
// manual runs and tests see realistic-looking symbols out of the box.
func DefaultStartPrices() map[string]decimal.Decimal {
	raw := map[string]string{
		"BTCUSDT":  "104500.00",
		"ETHUSDT":  "3900.00",
		"BNBUSDT":  "710.00",
		"SOLUSDT":  "220.00",
		"XRPUSDT":  "2.35",
		"ADAUSDT":  "1.05",
		"DOGEUSDT": "0.40",
		"AVAXUSDT": "50.00",
		"DOTUSDT":  "9.50",
		"LINKUSDT": "28.00",
	}
	out := make(map[string]decimal.Decimal, len(raw))
	for symbol, s := range raw {
		out[symbol] = decimal.RequireFromString(s)
	}
	return out
}
