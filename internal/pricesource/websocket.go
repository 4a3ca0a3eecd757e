package pricesource

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/paperbot/engine/internal/domain"
	"github.com/paperbot/engine/internal/logging"
)

// WebsocketSource is the reference PriceSource adapter, grounded in the
// teacher's UserDataStream connect/readLoop pair (internal/binance/
// user_data_stream.go): dial, read until the connection drops, then
// reconnect. Retry backoff there was a fixed sleep; here it's
// exponential via cenkalti/backoff so a flapping feed doesn't hammer
// the exchange.
type WebsocketSource struct {
	baseURL string // e.g. "wss://stream.binance.com:9443"
	log     *logging.Logger
}

var _ PriceSource = (*WebsocketSource)(nil)

// NewWebsocketSource builds a source that dials baseURL's combined
// miniTicker stream for the requested symbols.
func NewWebsocketSource(baseURL string) *WebsocketSource {
	return &WebsocketSource{
		baseURL: baseURL,
		log:     logging.WithComponent("pricesource"),
	}
}

type miniTickerEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Close     string `json:"c"`
}

func (w *WebsocketSource) Stream(ctx context.Context, symbols []string) (<-chan domain.Tick, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("pricesource: no symbols requested")
	}

	out := make(chan domain.Tick, 256)
	go w.run(ctx, symbols, out)
	return out, nil
}

func (w *WebsocketSource) run(ctx context.Context, symbols []string, out chan<- domain.Tick) {
	defer close(out)

	streams := make([]string, len(symbols))
	for i, s := range symbols {
		streams[i] = strings.ToLower(s) + "@miniTicker"
	}
	wsURL := w.baseURL + "/stream?streams=" + url.QueryEscape(strings.Join(streams, "/"))

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // retry forever; ctx cancellation is the only stop condition

	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			wait := bo.NextBackOff()
			w.log.WithError(err).Warn("price feed dial failed, retrying", "wait", wait.String())
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
				continue
			}
		}

		bo.Reset()
		w.log.Info("price feed connected")
		w.readLoop(ctx, conn, out)

		if ctx.Err() != nil {
			return
		}
		w.log.Warn("price feed connection lost, reconnecting")
	}
}

func (w *WebsocketSource) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- domain.Tick) {
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		conn.Close()
		close(done)
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			<-done
			return
		}

		var envelope struct {
			Data miniTickerEvent `json:"data"`
		}
		if err := json.Unmarshal(message, &envelope); err != nil {
			w.log.WithError(err).Warn("malformed price feed message")
			continue
		}

		price, err := decimal.NewFromString(envelope.Data.Close)
		if err != nil || !price.IsPositive() {
			continue
		}

		tick := domain.Tick{
			Symbol: envelope.Data.Symbol,
			Price:  price,
			TsMs:   envelope.Data.EventTime,
		}
		if !domain.ValidTimestampMs(tick.TsMs) {
			continue
		}

		select {
		case out <- tick:
		case <-ctx.Done():
			return
		}
	}
}
