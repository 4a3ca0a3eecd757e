// Package circuit implements the generation circuit breaker Strategist
// uses to stop calling the LLM after repeated failures (§4.3: "open for
// 60s after 3 consecutive failures; half-open attempts one probe before
// closing"). The state machine is the teacher's loss-based trading
// breaker (internal/circuit/breaker.go), generalized from PnL-driven
// trips to failure-count-driven trips.
package circuit

import (
	"fmt"
	"sync"
	"time"

	"github.com/paperbot/engine/internal/events"
)

// BreakerState is the circuit breaker's current mode.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"    // calls pass through
	StateOpen     BreakerState = "open"      // calls are rejected
	StateHalfOpen BreakerState = "half_open" // one probe call is allowed
)

// Config holds the breaker's trip thresholds.
type Config struct {
	Enabled              bool
	MaxConsecutiveFailures int           // trip after this many failures in a row
	CooldownPeriod       time.Duration // how long StateOpen lasts before probing
}

// DefaultConfig matches §4.3's generation breaker defaults.
func DefaultConfig() *Config {
	return &Config{
		Enabled:                true,
		MaxConsecutiveFailures: 3,
		CooldownPeriod:         60 * time.Second,
	}
}

// Breaker guards a single periodic external call (Strategist's LLM
// generation, reused identically for ReflectionEngine's LLM call).
type Breaker struct {
	config              *Config
	state               BreakerState
	consecutiveFailures int
	lastTripTime        time.Time
	tripReason          string
	halfOpenProbeInFlight bool
	mu                  sync.Mutex
	onTrip              func(reason string)
	onReset             func()
	name                string // identifies which component this breaker guards, for broadcasts
}

// New creates a Breaker in the closed state.
func New(name string, config *Config) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	return &Breaker{
		config: config,
		state:  StateClosed,
		name:   name,
	}
}

// OnTrip registers a callback invoked (on its own goroutine) when the
// breaker opens.
func (b *Breaker) OnTrip(handler func(reason string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTrip = handler
}

// OnReset registers a callback invoked when the breaker closes again.
func (b *Breaker) OnReset(handler func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onReset = handler
}

// Allow reports whether a call may proceed right now. In StateOpen it
// transitions to StateHalfOpen once the cooldown has elapsed and permits
// exactly one probe call through; further calls are rejected until that
// probe reports its outcome via RecordResult.
func (b *Breaker) Allow() (bool, string) {
	if !b.config.Enabled {
		return true, ""
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		elapsed := time.Since(b.lastTripTime)
		if elapsed < b.config.CooldownPeriod {
			remaining := b.config.CooldownPeriod - elapsed
			return false, fmt.Sprintf("circuit open, cooldown remaining %v (reason: %s)",
				remaining.Round(time.Second), b.tripReason)
		}
		b.state = StateHalfOpen
		b.halfOpenProbeInFlight = true
		return true, ""
	case StateHalfOpen:
		if b.halfOpenProbeInFlight {
			return false, "probe already in flight"
		}
		b.halfOpenProbeInFlight = true
		return true, ""
	default:
		return true, ""
	}
}

// RecordResult reports the outcome of a call previously admitted by
// Allow. A success in StateHalfOpen closes the breaker; a failure there
// (or MaxConsecutiveFailures failures in StateClosed) (re-)opens it.
func (b *Breaker) RecordResult(success bool) {
	if !b.config.Enabled {
		return
	}

	b.mu.Lock()

	if b.state == StateHalfOpen {
		b.halfOpenProbeInFlight = false
		if success {
			b.state = StateClosed
			b.consecutiveFailures = 0
			b.tripReason = ""
			onReset := b.onReset
			b.mu.Unlock()
			if onReset != nil {
				go onReset()
			}
			events.BroadcastCircuitBreaker(map[string]interface{}{
				"breaker": b.name, "state": string(StateClosed), "action": "recovered",
			})
			return
		}
		b.trip(fmt.Sprintf("probe failed"))
		b.mu.Unlock()
		return
	}

	if success {
		b.consecutiveFailures = 0
		b.mu.Unlock()
		return
	}

	b.consecutiveFailures++
	if b.consecutiveFailures >= b.config.MaxConsecutiveFailures {
		b.trip(fmt.Sprintf("consecutive failures: %d", b.consecutiveFailures))
	}
	b.mu.Unlock()
}

// trip opens the breaker. Caller must hold b.mu.
func (b *Breaker) trip(reason string) {
	b.state = StateOpen
	b.lastTripTime = time.Now()
	b.tripReason = reason
	b.halfOpenProbeInFlight = false

	onTrip := b.onTrip
	if onTrip != nil {
		go onTrip(reason)
	}
	events.BroadcastCircuitBreaker(map[string]interface{}{
		"breaker":              b.name,
		"state":                string(StateOpen),
		"action":               "tripped",
		"reason":               reason,
		"consecutive_failures": b.consecutiveFailures,
		"last_trip_time":       b.lastTripTime,
	})
}

// ForceReset manually closes the breaker (operator `resume` after a
// config fix, for example).
func (b *Breaker) ForceReset() {
	b.mu.Lock()
	b.state = StateClosed
	b.consecutiveFailures = 0
	b.tripReason = ""
	b.halfOpenProbeInFlight = false
	onReset := b.onReset
	b.mu.Unlock()

	if onReset != nil {
		go onReset()
	}
}

// State returns the breaker's current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot suitable for the health/metrics endpoint.
func (b *Breaker) Stats() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]interface{}{
		"state":                string(b.state),
		"consecutive_failures": b.consecutiveFailures,
		"trip_reason":          b.tripReason,
		"last_trip_time":       b.lastTripTime,
	}
}
