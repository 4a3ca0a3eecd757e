// Package pricebus is PriceBus (§4.1): the latest-tick cache and
// synchronous fan-out sitting between PriceSource and Sniper. Grounded
// in the teacher's mutex-guarded in-memory tracker idiom
// (internal/orders/position_tracker.go), generalized from a position map
// to a per-symbol latest-tick map with subscriber callbacks instead of a
// repository.
package pricebus

import (
	"sync"

	"github.com/paperbot/engine/internal/domain"
	"github.com/paperbot/engine/internal/logging"
	"github.com/paperbot/engine/internal/metrics"
)

// Subscriber receives every tick PriceBus publishes, in arrival order
// per symbol. It must not block — Publish calls it synchronously on the
// publisher's goroutine (§5: "tick hot path is effectively
// single-threaded per symbol").
type Subscriber func(symbol string, price domain.Tick)

// PriceBus holds the latest tick per symbol and fans it out synchronously.
type PriceBus struct {
	mu          sync.RWMutex
	latest      map[string]domain.Tick
	subscribers []Subscriber
	log         *logging.Logger
}

// New constructs an empty PriceBus.
func New() *PriceBus {
	return &PriceBus{
		latest: make(map[string]domain.Tick),
		log:    logging.WithComponent("pricebus"),
	}
}

// Subscribe registers a callback invoked on every Publish. Subscriptions
// are fixed at wiring time (Orchestrator); there is no Unsubscribe
// because the single consumer here is Sniper.
func (b *PriceBus) Subscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, sub)
}

// Publish records tick as the latest for its symbol and fans it out
// synchronously. Duplicate ticks (identical price and ts to the current
// latest) are dropped before reaching subscribers, per §4.1.
func (b *PriceBus) Publish(tick domain.Tick) {
	b.mu.Lock()
	if prev, ok := b.latest[tick.Symbol]; ok && prev.TsMs == tick.TsMs && prev.Price.Equal(tick.Price) {
		b.mu.Unlock()
		return
	}
	b.latest[tick.Symbol] = tick
	subs := b.subscribers
	b.mu.Unlock()

	metrics.TicksProcessedTotal.WithLabelValues(tick.Symbol).Inc()
	for _, sub := range subs {
		sub(tick.Symbol, tick)
	}
}

// Latest returns the most recent tick for symbol, if any has arrived.
func (b *PriceBus) Latest(symbol string) (domain.Tick, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.latest[symbol]
	return t, ok
}

// Run consumes ticks from the ticks channel until done is closed or ticks
// closes, publishing each one. Orchestrator wires PriceSource.Stream's
// output channel through this.
func (b *PriceBus) Run(ticks <-chan domain.Tick, done <-chan struct{}) {
	for {
		select {
		case t, ok := <-ticks:
			if !ok {
				return
			}
			if !domain.ValidTimestampMs(t.TsMs) {
				b.log.Warn("dropping tick with invalid timestamp", "symbol", t.Symbol, "ts_ms", t.TsMs)
				continue
			}
			b.Publish(t)
		case <-done:
			return
		}
	}
}
