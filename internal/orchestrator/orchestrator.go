// Package orchestrator owns the engine's full lifecycle (§4.10):
// startup (validate, reconstruct state), wiring every subsystem's
// outputs into the next one's inputs, the timer subsystem driving the
// periodic cycles (Strategist, reflection, effectiveness sweeps,
// condition expiry, runtime-state flush, health reporting), and a
// bounded shutdown. Grounded in the teacher's internal/autopilot
// orchestration loop and its use of github.com/robfig/cron/v3 for timer
// scheduling, generalized from Binance order-polling cadences to this
// engine's learning-loop cadences.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"github.com/paperbot/engine/config"
	"github.com/paperbot/engine/internal/adaptation"
	"github.com/paperbot/engine/internal/chatclient"
	"github.com/paperbot/engine/internal/database"
	"github.com/paperbot/engine/internal/domain"
	"github.com/paperbot/engine/internal/effectiveness"
	"github.com/paperbot/engine/internal/events"
	"github.com/paperbot/engine/internal/health"
	"github.com/paperbot/engine/internal/journal"
	"github.com/paperbot/engine/internal/knowledge"
	"github.com/paperbot/engine/internal/logging"
	"github.com/paperbot/engine/internal/pricebus"
	"github.com/paperbot/engine/internal/pricesource"
	"github.com/paperbot/engine/internal/quickupdate"
	"github.com/paperbot/engine/internal/reflection"
	"github.com/paperbot/engine/internal/sniper"
	"github.com/paperbot/engine/internal/strategist"
)

const runtimeStateKey = "engine"

// Engine bundles every constructed subsystem so Orchestrator can wire,
// run and stop them as a unit. Constructed once at startup by
// cmd/paperbot's main and handed to New.
type Engine struct {
	DB           *database.DB
	Cache        *database.Cache
	Knowledge    *knowledge.KnowledgeStore
	Journal      *journal.Journal
	Bus          *events.EventBus
	PriceBus     *pricebus.PriceBus
	PriceSource  pricesource.PriceSource
	Sniper       *sniper.Sniper
	QuickUpdate  *quickupdate.QuickUpdate
	Reflection   *reflection.Engine
	Adaptation   *adaptation.Engine
	Effectiveness *effectiveness.Monitor
	Strategist   *strategist.Strategist
	ChatClient   chatclient.ChatClient
}

// Orchestrator is the engine's lifecycle owner. It holds no business
// logic of its own — every decision lives in the subsystem it calls.
type Orchestrator struct {
	cfg    *config.Config
	eng    *Engine
	log    *logging.Logger
	cron   *cron.Cron
	mu     sync.Mutex
	paused bool

	cancelStream context.CancelFunc
	streamDone   chan struct{}
}

// New constructs an Orchestrator over an already-assembled Engine.
func New(cfg *config.Config, eng *Engine) *Orchestrator {
	return &Orchestrator{
		cfg:  cfg,
		eng:  eng,
		log:  logging.WithComponent("orchestrator"),
		cron: cron.New(cron.WithSeconds()),
	}
}

// Startup validates the stored schema, reconstructs runtime state, and
// primes Sniper/ReflectionEngine with whatever survived the last
// shutdown (§4.10 Startup). It does not start the price stream or
// timers — call Run for that.
func (o *Orchestrator) Startup(ctx context.Context) error {
	if err := o.eng.DB.CheckSchemaVersion(ctx); err != nil {
		return health.Wrap(health.KindInvariantViolation, fmt.Errorf("schema check: %w", err))
	}

	var state domain.RuntimeState
	found, err := o.eng.Knowledge.GetRuntimeState(ctx, runtimeStateKey, &state)
	if err != nil {
		return health.Wrap(health.KindTransientIO, fmt.Errorf("load runtime_state: %w", err))
	}

	conditions, err := o.eng.Knowledge.LoadActiveConditions(ctx)
	if err != nil {
		return health.Wrap(health.KindTransientIO, fmt.Errorf("load active_conditions: %w", err))
	}

	var openPositions []domain.Position
	if found {
		openPositions = state.OpenPositionsSnapshot
		o.mu.Lock()
		o.paused = state.Paused
		o.mu.Unlock()
	}
	o.eng.Sniper.LoadState(openPositions, conditions)

	o.log.Info("startup complete",
		"conditions_restored", len(conditions),
		"positions_restored", len(openPositions),
		"paused", found && state.Paused,
	)
	return nil
}

// Run wires every subsystem together, starts Sniper's worker, the price
// stream, and the cron-driven timers, and blocks until ctx is canceled.
// Shutdown then has up to cfg.Server.ShutdownTimeout seconds to unwind
// cleanly (§5); subsystems that don't are abandoned.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.wire()
	o.eng.Sniper.Start()

	streamCtx, cancel := cancelFromConfig(ctx)
	o.cancelStream = cancel
	o.streamDone = make(chan struct{})

	symbols := make([]string, 0, len(o.cfg.Symbols.SymbolMap))
	for _, ticker := range o.cfg.Symbols.SymbolMap {
		symbols = append(symbols, ticker)
	}
	go o.pumpPriceStream(streamCtx, symbols)

	o.scheduleTimers()
	o.cron.Start()

	<-ctx.Done()
	return o.shutdown()
}

func cancelFromConfig(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithCancel(ctx)
}

// wire subscribes Sniper.OnTick to PriceBus (PriceSource -> PriceBus ->
// Sniper). The other links (Sniper -> Journal + QuickUpdate, QuickUpdate
// -> ReflectionEngine, ReflectionEngine -> AdaptationEngine ->
// KnowledgeStore) are constructor dependencies, not set up here.
func (o *Orchestrator) wire() {
	o.eng.PriceBus.Subscribe(func(symbol string, tick domain.Tick) {
		o.eng.Sniper.OnTick(symbol, tick.Price, time.UnixMilli(tick.TsMs))
	})
}

// pumpPriceStream feeds PriceSource ticks into PriceBus until ctx is
// canceled, matching Sniper's tick hot path expectation of ordered,
// serialized delivery (§5).
func (o *Orchestrator) pumpPriceStream(ctx context.Context, symbols []string) {
	defer close(o.streamDone)

	ticks, err := o.eng.PriceSource.Stream(ctx, symbols)
	if err != nil {
		o.log.WithError(err).Error("price stream failed to start")
		return
	}
	o.eng.PriceBus.Run(ticks, ctx.Done())
}

// scheduleTimers installs every periodic job named in §4.10's Timers
// table.
func (o *Orchestrator) scheduleTimers() {
	period := o.cfg.Strategist.PeriodSeconds
	if period <= 0 {
		period = 180
	}
	o.mustAddJob(fmt.Sprintf("@every %ds", period), o.runStrategistCycle)
	o.mustAddJob("@every 10s", o.flushRuntimeState)
	o.mustAddJob("@every 5m", o.sweepEffectiveness)
	o.mustAddJob("@every 30s", o.sweepExpiredConditions)
	o.mustAddJob("@every 30s", o.reportHealth)
	o.mustAddJob("@every 1m", o.maybeReflect)
	o.mustAddJob("@every 1m", o.enrichPostExit)
}

func (o *Orchestrator) mustAddJob(spec string, job func()) {
	if _, err := o.cron.AddFunc(spec, job); err != nil {
		o.log.WithError(err).Fatal("invalid cron spec", "spec", spec)
	}
}

func (o *Orchestrator) isPaused() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.paused
}

// runStrategistCycle is Strategist's 3-minute timer (§4.10, §4.3). A
// paused engine still runs QuickUpdate/reflection/effectiveness (those
// react to trades already in flight), it just stops proposing new ones.
func (o *Orchestrator) runStrategistCycle() {
	if o.isPaused() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.Strategist.Timeout+5*time.Second)
	defer cancel()

	market := o.currentMarketState()
	if err := o.eng.Strategist.Run(ctx, time.Now(), market); err != nil {
		o.log.WithError(err).Warn("strategist cycle failed")
	}
}

// currentMarketState builds the RegimeRule predicate input off the
// account's reference symbol (BTC) and wall-clock time.
func (o *Orchestrator) currentMarketState() domain.MarketState {
	now := time.Now()
	ms := domain.MarketState{
		HourOfDay: now.Hour(),
		DayOfWeek: now.Weekday(),
		IsWeekend: now.Weekday() == time.Saturday || now.Weekday() == time.Sunday,
	}

	btcSymbol, ok := o.cfg.Symbols.SymbolMap["BTC"]
	if !ok {
		return ms
	}
	tick, ok := o.eng.PriceBus.Latest(btcSymbol)
	if !ok || tick.Change24h == nil {
		return ms
	}
	ms.BTCChange24h = *tick.Change24h
	switch {
	case tick.Change24h.GreaterThan(decimal.NewFromFloat(0.02)):
		ms.BTCTrend = domain.TrendImproving
	case tick.Change24h.LessThan(decimal.NewFromFloat(-0.02)):
		ms.BTCTrend = domain.TrendDeclining
	default:
		ms.BTCTrend = domain.TrendStable
	}
	return ms
}

// maybeReflect lets ReflectionEngine decide for itself whether
// should_reflect() is true this tick (§4.7).
func (o *Orchestrator) maybeReflect() {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.Reflection.Timeout+5*time.Second)
	defer cancel()
	if err := o.eng.Reflection.MaybeReflect(ctx, time.Now()); err != nil {
		o.log.WithError(err).Warn("reflection cycle failed")
	}
}

// sweepEffectiveness is EffectivenessMonitor's 5-minute pass (§4.9,
// §4.10).
func (o *Orchestrator) sweepEffectiveness() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := o.eng.Effectiveness.Sweep(ctx); err != nil {
		o.log.WithError(err).Warn("effectiveness sweep failed")
	}
}

// sweepExpiredConditions is the 30-second condition-expiry sweep
// (§4.10); it catches conditions on symbols that stopped ticking.
func (o *Orchestrator) sweepExpiredConditions() {
	o.eng.Sniper.SweepExpiredConditions(time.Now())
}

// enrichPostExit polls for trades old enough to sample +1m/+5m/+15m
// post-exit prices for (§4.4) and logs how many are pending. It samples
// no prices and writes nothing back: Journal.PendingEnrichment returns
// trade IDs only, without each trade's symbol or exit time.
func (o *Orchestrator) enrichPostExit() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ids, err := o.eng.Journal.PendingEnrichment(ctx, time.Minute, 50)
	if err != nil {
		o.log.WithError(err).Warn("pending enrichment query failed")
		return
	}
	if len(ids) > 0 {
		o.log.Debug("post-exit enrichment pending", "count", len(ids))
	}
}

// flushRuntimeState persists the 10-second RuntimeState snapshot
// (§4.10, §8 restart-determinism property).
func (o *Orchestrator) flushRuntimeState() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	snap := o.eng.Sniper.Snapshot()
	state := domain.RuntimeState{
		LastReflectionTs:         time.Now(),
		OpenPositionsSnapshot:    snap.Positions,
		ActiveConditionsSnapshot: snap.Conditions,
		Balance:                  snap.Account.Balance,
		Paused:                   o.isPaused(),
	}

	if err := o.eng.Knowledge.SaveRuntimeState(ctx, runtimeStateKey, state); err != nil {
		o.log.WithError(err).Warn("runtime_state flush failed")
	}
	if err := o.eng.Knowledge.SaveActiveConditions(ctx, snap.Conditions); err != nil {
		o.log.WithError(err).Warn("active_conditions flush failed")
	}
}

// reportHealth aggregates every component's health into the single
// overall value §4.10/§7 define as "the worst."
func (o *Orchestrator) reportHealth() {
	statuses := []health.Status{
		o.eng.Sniper.Health().Status,
		o.eng.Strategist.Health().Status,
		o.eng.Reflection.Health().Status,
		o.eng.Adaptation.Health().Status,
		o.eng.Effectiveness.Health().Status,
		o.eng.Knowledge.Health().Status,
	}
	overall := health.Worst(statuses...)
	o.eng.Bus.Publish(events.Event{
		Type: events.EventHealthChanged,
		Data: map[string]interface{}{"overall": string(overall)},
	})
	if overall == health.StatusFailed {
		o.log.Warn("overall health failed")
	}
}

// Pause stops Strategist from proposing new conditions without tearing
// down any other subsystem (§6.5 operator command).
func (o *Orchestrator) Pause() {
	o.mu.Lock()
	o.paused = true
	o.mu.Unlock()
	o.log.Info("engine paused")
}

// Resume reverses Pause.
func (o *Orchestrator) Resume() {
	o.mu.Lock()
	o.paused = false
	o.mu.Unlock()
	o.log.Info("engine resumed")
}

// Paused reports the current pause state for the operator API's status
// endpoint.
func (o *Orchestrator) Paused() bool {
	return o.isPaused()
}

// TriggerReflection forces an out-of-cadence reflection cycle (§6.5).
func (o *Orchestrator) TriggerReflection(ctx context.Context) error {
	return o.eng.Reflection.MaybeReflect(ctx, time.Now())
}

// shutdown cancels the price stream, stops Sniper's journal worker and
// flushes final state within §5's 5-second unwind budget. Open positions
// are not closed: they stay open and are kept in the runtime-state
// snapshot that Startup restores from.
func (o *Orchestrator) shutdown() error {
	o.log.Info("shutdown starting")
	ctx, cancel := context.WithTimeout(context.Background(), o.shutdownBudget())
	defer cancel()

	if o.cancelStream != nil {
		o.cancelStream()
	}
	select {
	case <-o.streamDone:
	case <-ctx.Done():
		o.log.Warn("price stream did not unwind within shutdown budget; abandoning")
	}

	stopCtx := o.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}

	o.eng.Sniper.Stop(ctx)
	o.flushRuntimeState()

	o.log.Info("shutdown complete")
	return nil
}

func (o *Orchestrator) shutdownBudget() time.Duration {
	if o.cfg.Server.ShutdownTimeout <= 0 {
		return 5 * time.Second
	}
	return time.Duration(o.cfg.Server.ShutdownTimeout) * time.Second
}
