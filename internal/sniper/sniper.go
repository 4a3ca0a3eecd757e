// Package sniper is Sniper (§4.2): the hot path. On each tick it decides
// whether any active condition for that symbol fires, marks open
// positions, and resolves stop/target exits — constant-time per symbol,
// no I/O, no LLM. Journal/QuickUpdate work triggered by an exit is
// handed to a dedicated background worker so on_tick never suspends,
// grounded in the teacher's mutex-guarded in-memory tracker idiom
// (internal/orders/position_tracker.go) generalized from a position
// repository to Sniper's condition+position state machine.
package sniper

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/paperbot/engine/internal/domain"
	"github.com/paperbot/engine/internal/events"
	"github.com/paperbot/engine/internal/health"
	"github.com/paperbot/engine/internal/journal"
	"github.com/paperbot/engine/internal/logging"
	"github.com/paperbot/engine/internal/metrics"
)

// JournalWriter is the subset of internal/journal.Journal's surface
// Sniper's background worker needs.
type JournalWriter interface {
	RecordEntry(ctx context.Context, pos domain.Position, entryCtx journal.EntryContext) error
	RecordExit(ctx context.Context, tradeID string, entryTs time.Time, exitPrice decimal.Decimal, exitTs time.Time, reason domain.ExitReason, pnlUSD, pnlPct decimal.Decimal) error
}

var _ JournalWriter = (*journal.Journal)(nil)

// QuickUpdater is QuickUpdate's surface, called once per closed trade
// (§4.6), off the hot path.
type QuickUpdater interface {
	OnTradeClosed(ctx context.Context, symbol string, won bool, pnlUSD decimal.Decimal, patternID *string) error
}

// Config holds the admission limits Sniper enforces (§6.1).
type Config struct {
	MaxPositions    int
	MaxPerSymbol    int
	MaxExposurePct  decimal.Decimal
	JournalQueueCap int // capacity of each journal queue; a job that finds its queue full is dropped and logged
}

// exitJob is the unit of work handed to the background worker on a
// position close, preserving tick → journal-append → quick-update order
// per symbol via a single serial consumer.
type exitJob struct {
	pos        domain.Position
	reason     domain.ExitReason
	exitPrice  decimal.Decimal
	exitTs     time.Time
	pnlUSD     decimal.Decimal
	pnlPct     decimal.Decimal
	patternID  *string
	strategyID string
}

type entryJob struct {
	pos domain.Position
	ctx journal.EntryContext
}

// Sniper owns the authoritative in-memory AccountState and open
// positions while the engine runs; everything else reads a Snapshot.
type Sniper struct {
	cfg Config

	mu         sync.Mutex
	conditions map[string][]domain.TradeCondition // by symbol
	positions  map[string]domain.Position         // by symbol (I4: one per symbol)
	account    domain.AccountState

	journalWriter JournalWriter
	quickUpdate   QuickUpdater
	bus           *events.EventBus
	log           *logging.Logger
	tracker       *health.Tracker

	blacklisted map[string]bool // local cache kept current via EventCoinStatusChanged

	entryQueue chan entryJob
	exitQueue  chan exitJob
	closeOnce  sync.Once
	stopCh     chan struct{}
	doneCh     chan struct{}
}

// New constructs a Sniper with the given starting balance. Start must be
// called once wiring completes to launch the background journal worker.
// initialBlacklist seeds the local blacklist cache (from
// KnowledgeStore.GetBlacklist at startup); afterwards the cache tracks
// EventCoinStatusChanged on bus so the hot path's I6 double-check never
// performs I/O.
func New(cfg Config, initialBalance decimal.Decimal, journalWriter JournalWriter, quickUpdate QuickUpdater, bus *events.EventBus, initialBlacklist []string) *Sniper {
	if cfg.JournalQueueCap <= 0 {
		cfg.JournalQueueCap = 10_000
	}
	blacklisted := make(map[string]bool, len(initialBlacklist))
	for _, sym := range initialBlacklist {
		blacklisted[sym] = true
	}
	s := &Sniper{
		cfg:        cfg,
		conditions: make(map[string][]domain.TradeCondition),
		positions:  make(map[string]domain.Position),
		account: domain.AccountState{
			Balance:     initialBalance,
			Available:   initialBalance,
			LastUpdated: time.Now(),
		},
		journalWriter: journalWriter,
		quickUpdate:   quickUpdate,
		bus:           bus,
		log:           logging.WithComponent("sniper"),
		tracker:       health.NewTracker("sniper"),
		blacklisted:   blacklisted,
		entryQueue:    make(chan entryJob, cfg.JournalQueueCap),
		exitQueue:     make(chan exitJob, cfg.JournalQueueCap),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	bus.Subscribe(events.EventCoinStatusChanged, s.onCoinStatusChanged)
	return s
}

// onCoinStatusChanged keeps the hot path's blacklist cache current
// without any I/O in OnTick (§5's no-suspension contract for on_tick).
func (s *Sniper) onCoinStatusChanged(e events.Event) {
	symbol, _ := e.Data["symbol"].(string)
	status, _ := e.Data["status"].(string)
	if symbol == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == string(domain.StatusBlacklisted) {
		s.blacklisted[symbol] = true
	} else {
		delete(s.blacklisted, symbol)
	}
}

// Start launches the background journal/quick-update worker. Call once.
func (s *Sniper) Start() {
	go s.worker()
}

// Stop signals the worker to drain and exit, waiting up to the caller's
// context deadline.
func (s *Sniper) Stop(ctx context.Context) {
	s.closeOnce.Do(func() { close(s.stopCh) })
	select {
	case <-s.doneCh:
	case <-ctx.Done():
		s.log.Warn("sniper worker did not drain before shutdown deadline")
	}
}

func (s *Sniper) worker() {
	defer close(s.doneCh)
	for {
		select {
		case job := <-s.entryQueue:
			s.processEntry(job)
		case job := <-s.exitQueue:
			s.processExit(job)
		case <-s.stopCh:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case job := <-s.entryQueue:
					s.processEntry(job)
				case job := <-s.exitQueue:
					s.processExit(job)
				default:
					return
				}
			}
		}
	}
}

func (s *Sniper) processEntry(job entryJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.journalWriter.RecordEntry(ctx, job.pos, job.ctx); err != nil {
		s.tracker.RecordError(health.StatusDegraded)
		metrics.JournalWriteFailuresTotal.Inc()
		s.log.WithError(err).Error("journal record_entry failed", "trade_id", job.pos.ID)
		return
	}
	s.tracker.Touch()
}

func (s *Sniper) processExit(job exitJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.journalWriter.RecordExit(ctx, job.pos.ID, job.pos.EntryTs, job.exitPrice, job.exitTs, job.reason, job.pnlUSD, job.pnlPct); err != nil {
		s.tracker.RecordError(health.StatusDegraded)
		metrics.JournalWriteFailuresTotal.Inc()
		s.log.WithError(err).Error("journal record_exit failed", "trade_id", job.pos.ID)
		return
	}
	if err := s.quickUpdate.OnTradeClosed(ctx, job.pos.Symbol, job.pnlUSD.IsPositive(), job.pnlUSD, job.patternID); err != nil {
		s.tracker.RecordError(health.StatusDegraded)
		s.log.WithError(err).Error("quick_update on_trade_closed failed", "trade_id", job.pos.ID)
	}
	s.tracker.Touch()
}

// InstallConditions atomically replaces the active set for every symbol
// present in conds; it does not remove conditions for symbols absent
// from conds (the caller — Strategist — supplies only the symbols it
// just re-evaluated, per §4.2). Expired conditions are filtered out.
func (s *Sniper) InstallConditions(conds []domain.TradeCondition) {
	now := time.Now()
	bySymbol := make(map[string][]domain.TradeCondition)
	for _, c := range conds {
		if c.Expired(now) {
			continue
		}
		bySymbol[c.Symbol] = append(bySymbol[c.Symbol], c)
	}

	s.mu.Lock()
	for symbol, list := range bySymbol {
		s.conditions[symbol] = list
	}
	s.mu.Unlock()

	for symbol := range bySymbol {
		s.bus.Publish(events.Event{
			Type: events.EventConditionInstalled,
			Data: map[string]interface{}{"symbol": symbol, "count": len(bySymbol[symbol])},
		})
	}
}

// OnTick is Sniper's hot-path entry point: constant-time in the number
// of conditions/positions for this symbol, no I/O, no suspension (§4.2,
// §5). It purges expired conditions lazily, checks triggers, marks the
// open position if any, and resolves stop/target exits.
func (s *Sniper) OnTick(symbol string, price decimal.Decimal, ts time.Time) {
	start := time.Now()
	defer func() {
		metrics.TickProcessingSeconds.WithLabelValues(symbol).Observe(time.Since(start).Seconds())
	}()

	s.mu.Lock()

	s.purgeExpiredLocked(symbol, ts)

	if pos, ok := s.positions[symbol]; ok {
		s.resolveExitLocked(symbol, pos, price, ts)
	} else {
		s.tryTriggerLocked(symbol, price, ts)
	}

	s.mu.Unlock()
}

// purgeExpiredLocked drops conditions past valid_until for symbol.
// Caller must hold s.mu.
func (s *Sniper) purgeExpiredLocked(symbol string, now time.Time) {
	list := s.conditions[symbol]
	if len(list) == 0 {
		return
	}
	kept := list[:0]
	for _, c := range list {
		if !c.Expired(now) {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		delete(s.conditions, symbol)
	} else {
		s.conditions[symbol] = kept
	}
}

// tryTriggerLocked checks every active condition for symbol against
// price and admits the first one that fires and passes all guards.
// Caller must hold s.mu.
func (s *Sniper) tryTriggerLocked(symbol string, price decimal.Decimal, now time.Time) {
	list := s.conditions[symbol]
	for i, c := range list {
		if !c.Fires(price) {
			continue
		}
		if s.admitLocked(c, price, now) {
			s.conditions[symbol] = append(append([]domain.TradeCondition{}, list[:i]...), list[i+1:]...)
			return
		}
		// Rejected: leave condition in place until expiry (§4.2).
	}
}

// admitLocked enforces I4 (no existing position), I5 (exposure cap), the
// position-count cap, and I6 (blacklist double-check), then opens the
// position and enqueues the journal entry. Caller must hold s.mu.
//
// Strategist already excludes blacklisted symbols when it proposes
// conditions, but a coin can be blacklisted after install_conditions and
// before the triggering tick arrives; I6 requires catching that window.
// Querying KnowledgeStore here would violate §5's no-I/O-in-on_tick
// contract, so admitLocked checks s.blacklisted instead — a local cache
// seeded at construction and kept current by onCoinStatusChanged.
func (s *Sniper) admitLocked(c domain.TradeCondition, price decimal.Decimal, now time.Time) bool {
	if s.blacklisted[c.Symbol] {
		return false // I6
	}
	if _, exists := s.positions[c.Symbol]; exists {
		return false // I4
	}
	if len(s.positions) >= s.cfg.MaxPositions {
		return false
	}

	resultingExposure := s.totalExposureLocked().Add(c.SizeUSD)
	cap := s.cfg.MaxExposurePct.Mul(s.account.Balance)
	if resultingExposure.GreaterThan(cap) {
		return false // I5
	}

	stop, target := stopAndTarget(c, price)
	pos := domain.Position{
		ID:            uuid.NewString(),
		ConditionID:   c.ID,
		Symbol:        c.Symbol,
		Direction:     c.Direction,
		SizeUSD:       c.SizeUSD,
		EntryPrice:    price,
		EntryTs:       now,
		StopPrice:     stop,
		TargetPrice:   target,
		CurrentPrice:  price,
		UnrealizedPnL: decimal.Zero,
	}
	s.positions[c.Symbol] = pos
	s.account.Available = s.account.Available.Sub(c.SizeUSD)
	s.account.InPositions = s.account.InPositions.Add(c.SizeUSD)
	s.account.LastUpdated = now

	select {
	case s.entryQueue <- entryJob{pos: pos, ctx: journal.EntryContext{StrategyID: c.StrategyID, PatternID: c.PatternID}}:
	default:
		s.tracker.RecordError(health.StatusDegraded)
		s.log.Error("journal entry queue full, dropping enqueue", "trade_id", pos.ID)
	}

	s.bus.Publish(events.Event{
		Type: events.EventPositionOpened,
		Data: map[string]interface{}{"symbol": pos.Symbol, "direction": string(pos.Direction), "entry_price": pos.EntryPrice.String()},
	})
	return true
}

// resolveExitLocked checks the open position in symbol against price and
// closes it on a stop or target hit; stop wins on a simultaneous hit
// (§4.2, pessimistic execution). Caller must hold s.mu.
func (s *Sniper) resolveExitLocked(symbol string, pos domain.Position, price decimal.Decimal, now time.Time) {
	pos.Mark(price)

	var reason domain.ExitReason
	switch {
	case pos.StopTriggered(price):
		reason = domain.ExitStopLoss
	case pos.TargetTriggered(price):
		reason = domain.ExitTakeProfit
	default:
		s.positions[symbol] = pos // persist the mark-to-market update
		return
	}

	s.closePositionLocked(pos, price, reason, now)
}

// closePositionLocked finalizes pos at price for reason, updating
// AccountState and enqueueing the journal/quick-update work. Caller must
// hold s.mu.
func (s *Sniper) closePositionLocked(pos domain.Position, exitPrice decimal.Decimal, reason domain.ExitReason, now time.Time) {
	pnlUSD := pos.PnL(exitPrice)
	pnlPct := decimal.Zero
	if !pos.SizeUSD.IsZero() {
		pnlPct = pnlUSD.Div(pos.SizeUSD)
	}

	delete(s.positions, pos.Symbol)
	s.account.Available = s.account.Available.Add(pos.SizeUSD).Add(pnlUSD)
	s.account.InPositions = s.account.InPositions.Sub(pos.SizeUSD)
	s.account.Balance = s.account.Balance.Add(pnlUSD)
	s.account.TotalPnL = s.account.TotalPnL.Add(pnlUSD)
	s.account.DailyPnL = s.account.DailyPnL.Add(pnlUSD)
	s.account.TradeCountToday++
	s.account.LastUpdated = now

	metrics.RecordPositionClosed(string(reason))
	metrics.SetAccountSnapshot(toFloat(s.account.Balance), exposurePct(s.account, s.cfg))

	select {
	case s.exitQueue <- exitJob{pos: pos, reason: reason, exitPrice: exitPrice, exitTs: now, pnlUSD: pnlUSD, pnlPct: pnlPct}:
	default:
		s.tracker.RecordError(health.StatusDegraded)
		s.log.Error("journal exit queue full, dropping enqueue", "trade_id", pos.ID)
	}

	s.bus.Publish(events.Event{
		Type: events.EventPositionClosed,
		Data: map[string]interface{}{"symbol": pos.Symbol, "reason": string(reason), "pnl_usd": pnlUSD.String()},
	})
}

func (s *Sniper) totalExposureLocked() decimal.Decimal {
	total := decimal.Zero
	for _, p := range s.positions {
		total = total.Add(p.SizeUSD)
	}
	return total
}

// stopAndTarget computes the stop/target prices off entryPrice, the
// actual fill price for the triggering tick — not c.TriggerPrice, which
// can differ from the fill when price gaps past the trigger (§4.2: "stop
// = entry × (1 − stop_pct)", entry being the realized fill).
func stopAndTarget(c domain.TradeCondition, entryPrice decimal.Decimal) (stop, target decimal.Decimal) {
	one := decimal.NewFromInt(1)
	if c.Direction == domain.Long {
		stop = entryPrice.Mul(one.Sub(c.StopLossPct))
		target = entryPrice.Mul(one.Add(c.TakeProfitPct))
	} else {
		stop = entryPrice.Mul(one.Add(c.StopLossPct))
		target = entryPrice.Mul(one.Sub(c.TakeProfitPct))
	}
	return stop, target
}

func exposurePct(acc domain.AccountState, cfg Config) float64 {
	if acc.Balance.IsZero() {
		return 0
	}
	return toFloat(acc.InPositions.Div(acc.Balance))
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// Snapshot is Sniper's point-in-time read surface for everything else
// (Strategist's context, the operator API); it copies state rather than
// exposing the live maps (§5: "other readers get a copy via snapshot()").
type Snapshot struct {
	Account    domain.AccountState
	Positions  []domain.Position
	Conditions []domain.TradeCondition
}

func (s *Sniper) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{Account: s.account}
	for _, p := range s.positions {
		snap.Positions = append(snap.Positions, p)
	}
	for _, list := range s.conditions {
		snap.Conditions = append(snap.Conditions, list...)
	}
	return snap
}

// SaveState returns the open positions and active conditions from the
// current Snapshot. On restart, Orchestrator restores open positions from
// RuntimeState.OpenPositionsSnapshot, which its runtime-state flush writes.
func (s *Sniper) SaveState() (positions []domain.Position, conditions []domain.TradeCondition) {
	snap := s.Snapshot()
	return snap.Positions, snap.Conditions
}

// LoadState restores conditions and positions after a restart, dropping
// any condition whose valid_until has already passed (§4.2, §8 scenario
// 6: "1 expired condition dropped").
func (s *Sniper) LoadState(positions []domain.Position, conditions []domain.TradeCondition) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conditions = make(map[string][]domain.TradeCondition)
	for _, c := range conditions {
		if c.Expired(now) {
			continue
		}
		s.conditions[c.Symbol] = append(s.conditions[c.Symbol], c)
	}

	s.positions = make(map[string]domain.Position)
	inPositions := decimal.Zero
	for _, p := range positions {
		s.positions[p.Symbol] = p
		inPositions = inPositions.Add(p.SizeUSD)
	}
	s.account.InPositions = inPositions
	s.account.Available = s.account.Balance.Sub(inPositions)
}

// SweepExpiredConditions purges expired conditions across every symbol,
// not just the one a tick just arrived for. OnTick's purge only reaches
// symbols that are actively ticking; a symbol that goes quiet (price feed
// gap, delisted pair) would otherwise keep a stale condition around
// forever. Orchestrator calls this on its own 30s timer (§4.10).
func (s *Sniper) SweepExpiredConditions(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for symbol := range s.conditions {
		s.purgeExpiredLocked(symbol, now)
	}
}

// Health reports Sniper's current status.
func (s *Sniper) Health() health.Health {
	s.mu.Lock()
	positions := len(s.positions)
	conditions := 0
	for _, list := range s.conditions {
		conditions += len(list)
	}
	s.mu.Unlock()

	metrics.PositionsOpen.Set(float64(positions))
	metrics.ConditionsActive.Set(float64(conditions))

	return s.tracker.Snapshot(map[string]interface{}{
		"positions_open":    positions,
		"conditions_active": conditions,
	})
}
