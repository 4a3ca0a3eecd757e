// Package pricesource defines the PriceSource boundary (§3 Non-goals:
// "the raw WebSocket client to the exchange, treated as a PriceSource
// interface yielding ticks... reconnect logic of the feed are assumed
// provided"). It is kept thin by design: everything downstream
// (PriceBus, Sniper) only ever sees domain.Tick values on a channel.
package pricesource

import (
	"context"

	"github.com/paperbot/engine/internal/domain"
)

// PriceSource streams ticks for a fixed set of symbols until ctx is
// canceled. Reconnect/backoff is the source's own responsibility; a
// caller only ever observes the channel close when ctx is done or the
// source gives up for good.
type PriceSource interface {
	// Stream returns a channel of ticks for symbols. The channel is
	// closed when ctx is canceled or the source exhausts its retries.
	Stream(ctx context.Context, symbols []string) (<-chan domain.Tick, error)
}
