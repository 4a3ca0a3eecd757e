// Package metrics exposes the Prometheus counters and gauges the
// engine's components update, grounded in the teacher pack's
// prometheus wiring (poorman-SynapseStrike/SynapseStrike/metrics/
// metrics.go): a custom registry, promauto-registered vectors, and
// small update helpers per concern rather than call sites touching
// prometheus types directly. This is a single paper-trading engine, not
// a multi-tenant platform, so label sets drop trader_id/exchange and
// key instead on symbol/component/action per §6.4 ("metrics: counts +
// gauges as listed per component").
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Registry is the custom registry this engine's /metrics endpoint serves.
	Registry = prometheus.NewRegistry()

	mu sync.Mutex

	// ---- PriceBus / Sniper (tick hot path) ----

	TicksProcessedTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{Namespace: "paperbot", Subsystem: "pricebus", Name: "ticks_total", Help: "Ticks delivered to Sniper"},
		[]string{"symbol"},
	)

	TickProcessingSeconds = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "paperbot", Subsystem: "sniper", Name: "tick_processing_seconds",
			Help:    "on_tick processing latency",
			Buckets: []float64{.00005, .0001, .0002, .0005, .001, .002, .005},
		},
		[]string{"symbol"},
	)

	ConditionsActive = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{Namespace: "paperbot", Subsystem: "sniper", Name: "conditions_active", Help: "Installed trade conditions awaiting trigger"},
	)

	PositionsOpen = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{Namespace: "paperbot", Subsystem: "sniper", Name: "positions_open", Help: "Currently open positions"},
	)

	PositionsClosedTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{Namespace: "paperbot", Subsystem: "sniper", Name: "positions_closed_total", Help: "Closed positions by exit reason"},
		[]string{"reason"}, // STOP_LOSS, TAKE_PROFIT, MANUAL, SHUTDOWN
	)

	AccountBalance = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{Namespace: "paperbot", Subsystem: "account", Name: "balance_usd", Help: "Current paper balance"},
	)

	AccountExposurePct = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{Namespace: "paperbot", Subsystem: "account", Name: "exposure_pct", Help: "Sum(size_usd)/balance"},
	)

	// ---- Journal ----

	JournalQueueDepth = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{Namespace: "paperbot", Subsystem: "journal", Name: "queue_depth", Help: "Pending journal writes"},
	)

	JournalWriteFailuresTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{Namespace: "paperbot", Subsystem: "journal", Name: "write_failures_total", Help: "Failed journal append attempts"},
	)

	// ---- Strategist ----

	StrategistCyclesTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{Namespace: "paperbot", Subsystem: "strategist", Name: "cycles_total", Help: "Strategist cycles by outcome"},
		[]string{"outcome"}, // ok, store_error, gated_no_trade, llm_error, validation_rejected
	)

	StrategistCycleSeconds = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "paperbot", Subsystem: "strategist", Name: "cycle_seconds",
			Help:    "Full Strategist cycle duration including the LLM call",
			Buckets: []float64{1, 2, 5, 10, 15, 20, 25},
		},
	)

	StrategistConditionsProposed = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{Namespace: "paperbot", Subsystem: "strategist", Name: "conditions_proposed_total", Help: "Conditions proposed by the LLM before validation"},
	)

	StrategistConditionsInstalled = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{Namespace: "paperbot", Subsystem: "strategist", Name: "conditions_installed_total", Help: "Conditions that passed validation and were installed"},
	)

	// ---- ReflectionEngine / AdaptationEngine / EffectivenessMonitor ----

	ReflectionCyclesTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{Namespace: "paperbot", Subsystem: "reflection", Name: "cycles_total", Help: "Reflection cycles by outcome"},
		[]string{"outcome"},
	)

	AdaptationsAppliedTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{Namespace: "paperbot", Subsystem: "adaptation", Name: "applied_total", Help: "Adaptations applied by action"},
		[]string{"action"},
	)

	AdaptationsRejectedTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{Namespace: "paperbot", Subsystem: "adaptation", Name: "rejected_total", Help: "Adaptations rejected by guard reason"},
		[]string{"reason"}, // unknown_action, below_threshold, unresolvable_target, cooldown
	)

	AdaptationsRolledBackTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{Namespace: "paperbot", Subsystem: "effectiveness", Name: "rolled_back_total", Help: "Adaptations reversed as harmful"},
	)

	EffectivenessLabelsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{Namespace: "paperbot", Subsystem: "effectiveness", Name: "labels_total", Help: "Adaptations labeled by effectiveness"},
		[]string{"effectiveness"},
	)

	// ---- ChatClient ----

	ChatCallDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "paperbot", Subsystem: "chatclient", Name: "call_duration_seconds",
			Help:    "LLM call latency by caller",
			Buckets: []float64{.5, 1, 2, 5, 10, 20, 30, 45, 60},
		},
		[]string{"caller"}, // strategist
	)

	ChatCallsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{Namespace: "paperbot", Subsystem: "chatclient", Name: "calls_total", Help: "LLM calls by caller and outcome"},
		[]string{"caller", "outcome"}, // ok, timeout, error
	)

	// ---- Circuit breaker ----

	CircuitBreakerState = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "paperbot", Subsystem: "circuit", Name: "state", Help: "0=closed 1=half_open 2=open"},
		[]string{"breaker"},
	)

	// ---- Database ----

	DatabaseQueryDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "paperbot", Subsystem: "database", Name: "query_duration_seconds",
			Help:    "Query latency by operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	CacheHitsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{Namespace: "paperbot", Subsystem: "cache", Name: "hits_total", Help: "Redis read-through cache outcomes"},
		[]string{"key_kind", "outcome"}, // hit, miss
	)
)

// Init registers the Go runtime/process collectors alongside the
// custom metrics above, matching the teacher's Init() idiom.
func Init() {
	Registry.MustRegister(prometheus.NewGoCollector())
	Registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
}

// RecordTick updates the pricebus/sniper counters for one tick.
func RecordTick(symbol string, processingSeconds float64) {
	TicksProcessedTotal.WithLabelValues(symbol).Inc()
	TickProcessingSeconds.WithLabelValues(symbol).Observe(processingSeconds)
}

// RecordPositionClosed updates position-close counters.
func RecordPositionClosed(reason string) {
	PositionsClosedTotal.WithLabelValues(reason).Inc()
}

// SetAccountSnapshot updates the account-level gauges; guarded by mu so
// the two related Set calls are applied together. Sniper calls it on
// each position close.
func SetAccountSnapshot(balance, exposurePct float64) {
	mu.Lock()
	defer mu.Unlock()
	AccountBalance.Set(balance)
	AccountExposurePct.Set(exposurePct)
}

// RecordChatCall updates chatclient latency/outcome metrics.
func RecordChatCall(caller, outcome string, durationSeconds float64) {
	ChatCallDuration.WithLabelValues(caller).Observe(durationSeconds)
	ChatCallsTotal.WithLabelValues(caller, outcome).Inc()
}

// SetCircuitBreakerState records a breaker's numeric state for alerting.
func SetCircuitBreakerState(breaker string, state int) {
	CircuitBreakerState.WithLabelValues(breaker).Set(float64(state))
}
