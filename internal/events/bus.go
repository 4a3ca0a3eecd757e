// Package events is the async, fan-out notification bus used for
// system-wide observability events (entries, exits, adaptations,
// health). It is deliberately NOT used on the tick hot path — PriceBus
// (internal/pricebus) is the synchronous, ordered delivery mechanism the
// spec requires there; this bus is for everything downstream of it.
package events

import (
	"sync"
	"time"
)

// EventType represents the kinds of events subsystems publish for
// observability and the operator command surface.
type EventType string

const (
	EventConditionInstalled EventType = "CONDITION_INSTALLED"
	EventConditionExpired   EventType = "CONDITION_EXPIRED"
	EventConditionDropped   EventType = "CONDITION_DROPPED"
	EventPositionOpened     EventType = "POSITION_OPENED"
	EventPositionClosed     EventType = "POSITION_CLOSED"
	EventPriceUpdate        EventType = "PRICE_UPDATE"
	EventAdaptationApplied  EventType = "ADAPTATION_APPLIED"
	EventAdaptationRolledBack EventType = "ADAPTATION_ROLLED_BACK"
	EventReflectionCompleted EventType = "REFLECTION_COMPLETED"
	EventCoinStatusChanged  EventType = "COIN_STATUS_CHANGED"
	EventCircuitBreakerUpdate EventType = "CIRCUIT_BREAKER_UPDATE"
	EventHealthChanged      EventType = "HEALTH_CHANGED"
	EventError              EventType = "ERROR"
)

// Event is a single notification carried on the bus.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber handles one event. It must not block for long — Publish
// fans out to subscribers on goroutines and does not wait for them.
type Subscriber func(Event)

// EventBus is a simple pub/sub fan-out used for observability events.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewEventBus creates an empty EventBus.
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for one event type.
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for every event type.
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish fans out event to all matching subscribers, each on its own
// goroutine so a slow subscriber cannot stall the publisher.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}
	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishPositionOpened publishes a position-opened notification.
func (eb *EventBus) PublishPositionOpened(symbol string, direction string, entryPrice, sizeUSD float64) {
	eb.Publish(Event{
		Type: EventPositionOpened,
		Data: map[string]interface{}{
			"symbol":      symbol,
			"direction":   direction,
			"entry_price": entryPrice,
			"size_usd":    sizeUSD,
		},
	})
}

// PublishPositionClosed publishes a position-closed notification.
func (eb *EventBus) PublishPositionClosed(symbol, reason string, entryPrice, exitPrice, pnlUSD float64) {
	eb.Publish(Event{
		Type: EventPositionClosed,
		Data: map[string]interface{}{
			"symbol":      symbol,
			"reason":      reason,
			"entry_price": entryPrice,
			"exit_price":  exitPrice,
			"pnl_usd":     pnlUSD,
		},
	})
}

// PublishPriceUpdate publishes a latest-tick notification.
func (eb *EventBus) PublishPriceUpdate(symbol string, price float64) {
	eb.Publish(Event{
		Type: EventPriceUpdate,
		Data: map[string]interface{}{
			"symbol": symbol,
			"price":  price,
		},
	})
}

// PublishAdaptationApplied publishes a notification after AdaptationEngine
// mutates the knowledge store.
func (eb *EventBus) PublishAdaptationApplied(id, action, target string, confidence float64) {
	eb.Publish(Event{
		Type: EventAdaptationApplied,
		Data: map[string]interface{}{
			"id":         id,
			"action":     action,
			"target":     target,
			"confidence": confidence,
		},
	})
}

// PublishAdaptationRolledBack publishes a notification after
// EffectivenessMonitor reverses a harmful adaptation.
func (eb *EventBus) PublishAdaptationRolledBack(id, reason string) {
	eb.Publish(Event{
		Type: EventAdaptationRolledBack,
		Data: map[string]interface{}{
			"id":     id,
			"reason": reason,
		},
	})
}

// PublishCoinStatusChanged publishes a CoinScore status transition.
func (eb *EventBus) PublishCoinStatusChanged(symbol, from, to, reason string) {
	eb.Publish(Event{
		Type: EventCoinStatusChanged,
		Data: map[string]interface{}{
			"symbol": symbol,
			"from":   from,
			"to":     to,
			"reason": reason,
		},
	})
}

// PublishError publishes a generic error notification.
func (eb *EventBus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{Type: EventError, Data: data})
}

// ----------------------------------------------------------------------
// Package-level broadcast callbacks.
//
// These let a package notify the operator-command API (internal/api) of
// state changes without importing it directly, avoiding the import cycle
// the teacher's equivalent mechanism (internal/events' Epic-12 broadcast
// callbacks) was built to avoid between its database and api packages.
// There is no per-user fan-out here — this is a single-operator system —
// so each callback takes just the payload. Only internal/circuit calls a
// Broadcast function (BroadcastCircuitBreaker), and no package registers
// a callback through the Set* functions, so each broadcast finds no
// callback and does nothing.
// ----------------------------------------------------------------------

// BroadcastFunc is a callback invoked with an event payload.
type BroadcastFunc func(data interface{})

var (
	broadcastHealthChanged    BroadcastFunc
	broadcastAdaptationEvent  BroadcastFunc
	broadcastCircuitBreaker   BroadcastFunc
)

// SetBroadcastHealthChanged sets the callback BroadcastHealthChanged
// invokes for health transitions.
func SetBroadcastHealthChanged(fn BroadcastFunc) { broadcastHealthChanged = fn }

// SetBroadcastAdaptationEvent sets the callback for adaptation/rollback
// notifications.
func SetBroadcastAdaptationEvent(fn BroadcastFunc) { broadcastAdaptationEvent = fn }

// SetBroadcastCircuitBreaker sets the callback for circuit-breaker state
// transitions (every circuit.Breaker, Strategist's and ReflectionEngine's).
func SetBroadcastCircuitBreaker(fn BroadcastFunc) { broadcastCircuitBreaker = fn }

// BroadcastHealthChanged invokes the registered health-change callback,
// if any client has registered one.
func BroadcastHealthChanged(data interface{}) {
	if broadcastHealthChanged != nil {
		go broadcastHealthChanged(data)
	}
}

// BroadcastAdaptationEvent invokes the registered adaptation callback.
func BroadcastAdaptationEvent(data interface{}) {
	if broadcastAdaptationEvent != nil {
		go broadcastAdaptationEvent(data)
	}
}

// BroadcastCircuitBreaker invokes the registered circuit-breaker callback.
func BroadcastCircuitBreaker(data interface{}) {
	if broadcastCircuitBreaker != nil {
		go broadcastCircuitBreaker(data)
	}
}
