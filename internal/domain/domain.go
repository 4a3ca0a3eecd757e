// Package domain holds the value types shared by every subsystem: the
// condition/position/journal/knowledge-store records described by the
// engine's data model. Nothing in this package talks to a database, a
// price feed or an LLM — it is pure data plus the small amount of
// arithmetic (PnL, exposure) that every consumer needs identically.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of a trade.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// TriggerRel is the comparison a TradeCondition's trigger uses against the
// live price.
type TriggerRel string

const (
	Above TriggerRel = "ABOVE"
	Below TriggerRel = "BELOW"
)

// ExitReason is why a Position was closed.
type ExitReason string

const (
	ExitStopLoss   ExitReason = "STOP_LOSS"
	ExitTakeProfit ExitReason = "TAKE_PROFIT"
	ExitManual     ExitReason = "MANUAL"
	ExitShutdown   ExitReason = "SHUTDOWN"
)

// CoinStatus gates sizing and admission for a symbol (§4.3 coin_modifier).
type CoinStatus string

const (
	StatusUnknown     CoinStatus = "UNKNOWN"
	StatusBlacklisted CoinStatus = "BLACKLISTED"
	StatusReduced     CoinStatus = "REDUCED"
	StatusNormal      CoinStatus = "NORMAL"
	StatusFavored     CoinStatus = "FAVORED"
)

// Trend is the direction a CoinScore's recent performance is moving.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDeclining Trend = "declining"
)

// RegimeAction is what a RegimeRule does when its predicate matches.
type RegimeAction string

const (
	RegimeNoTrade    RegimeAction = "NO_TRADE"
	RegimeReduceSize RegimeAction = "REDUCE_SIZE"
)

// AdaptationAction enumerates the mutations AdaptationEngine can apply.
type AdaptationAction string

const (
	ActionBlacklist          AdaptationAction = "BLACKLIST"
	ActionUnblacklist        AdaptationAction = "UNBLACKLIST"
	ActionFavor              AdaptationAction = "FAVOR"
	ActionReduce             AdaptationAction = "REDUCE"
	ActionDeactivatePattern  AdaptationAction = "DEACTIVATE_PATTERN"
	ActionActivatePattern    AdaptationAction = "ACTIVATE_PATTERN"
	ActionCreateTimeRule     AdaptationAction = "CREATE_TIME_RULE"
	ActionCreateRegimeRule   AdaptationAction = "CREATE_REGIME_RULE"
	ActionRollback           AdaptationAction = "ROLLBACK"
)

// Effectiveness is the post-hoc label EffectivenessMonitor assigns.
type Effectiveness string

const (
	EffectivenessPending         Effectiveness = "pending"
	EffectivenessHighlyEffective Effectiveness = "highly_effective"
	EffectivenessEffective       Effectiveness = "effective"
	EffectivenessNeutral         Effectiveness = "neutral"
	EffectivenessIneffective     Effectiveness = "ineffective"
	EffectivenessHarmful         Effectiveness = "harmful"
)

// MinTimestampMs / MaxTimestampMs bound the valid range for ingress
// timestamps (spec §9 open question on the 1969-12-31 corruption): any
// millisecond epoch outside this window is rejected rather than silently
// accepted as seconds.
const (
	MinTimestampMs int64 = 2_000_000_000_000
	MaxTimestampMs int64 = 9_999_999_999_999
)

// ValidTimestampMs reports whether ms is a plausible millisecond epoch.
func ValidTimestampMs(ms int64) bool {
	return ms >= MinTimestampMs && ms <= MaxTimestampMs
}

// Tick is one atomic price observation from the feed.
type Tick struct {
	Symbol     string
	Price      decimal.Decimal
	TsMs       int64
	Change24h  *decimal.Decimal
}

// TradeCondition is Strategist's immutable entry template. Once consumed
// (triggered) or expired it is garbage; nothing mutates it in place.
type TradeCondition struct {
	ID            string
	Symbol        string
	Direction     Direction
	TriggerPrice  decimal.Decimal
	TriggerRel    TriggerRel
	StopLossPct   decimal.Decimal
	TakeProfitPct decimal.Decimal
	SizeUSD       decimal.Decimal
	StrategyID    string
	PatternID     *string
	Reasoning     string
	CreatedAt     time.Time
	ValidUntil    time.Time
}

// Expired reports whether the condition is past its validity window at t.
func (c TradeCondition) Expired(t time.Time) bool {
	return t.After(c.ValidUntil)
}

// Fires reports whether price crosses this condition's trigger, per the
// inclusive boundary rule in §4.2 ("LONG/ABOVE fires on price ==
// trigger_price").
func (c TradeCondition) Fires(price decimal.Decimal) bool {
	switch c.TriggerRel {
	case Above:
		return price.GreaterThanOrEqual(c.TriggerPrice)
	case Below:
		return price.LessThanOrEqual(c.TriggerPrice)
	default:
		return false
	}
}

// Position is an open (or just-closed) trade, owned exclusively by Sniper
// while open.
type Position struct {
	ID            string
	ConditionID   string
	Symbol        string
	Direction     Direction
	SizeUSD       decimal.Decimal
	EntryPrice    decimal.Decimal
	EntryTs       time.Time
	StopPrice     decimal.Decimal
	TargetPrice   decimal.Decimal
	CurrentPrice  decimal.Decimal
	UnrealizedPnL decimal.Decimal
}

// StopTriggered reports whether price has hit this position's stop.
func (p Position) StopTriggered(price decimal.Decimal) bool {
	if p.Direction == Long {
		return price.LessThanOrEqual(p.StopPrice)
	}
	return price.GreaterThanOrEqual(p.StopPrice)
}

// TargetTriggered reports whether price has hit this position's target.
func (p Position) TargetTriggered(price decimal.Decimal) bool {
	if p.Direction == Long {
		return price.GreaterThanOrEqual(p.TargetPrice)
	}
	return price.LessThanOrEqual(p.TargetPrice)
}

// PnL computes realized PnL in USD at the given exit price, per §4.2:
// pnl_usd = (exit - entry) * (size_usd / entry) * signed(direction).
func (p Position) PnL(exitPrice decimal.Decimal) decimal.Decimal {
	delta := exitPrice.Sub(p.EntryPrice)
	notionalUnits := p.SizeUSD.Div(p.EntryPrice)
	pnl := delta.Mul(notionalUnits)
	if p.Direction == Short {
		pnl = pnl.Neg()
	}
	return pnl
}

// Mark updates the position's mark-to-market fields for the hot path.
// Lock-free by contract: callers (Sniper) must already own exclusive
// access to this Position for the duration of the tick.
func (p *Position) Mark(price decimal.Decimal) {
	p.CurrentPrice = price
	p.UnrealizedPnL = p.PnL(price)
}

// JournalEntry is an append-only record of one trade, written on entry
// and completed on exit (§4.4). PostExit1m/PostExit5m/PostExit15m hold
// post-exit prices once recorded; the orchestrator's periodic enrichment
// poll does not sample or set them.
type JournalEntry struct {
	ID         string
	ConditionID string
	Symbol     string
	Direction  Direction
	SizeUSD    decimal.Decimal
	StrategyID string
	PatternID  *string
	Regime     string
	HourOfDay  int
	DayOfWeek  time.Weekday

	EntryPrice decimal.Decimal
	EntryTs    time.Time

	ExitPrice  *decimal.Decimal
	ExitTs     *time.Time
	ExitReason *ExitReason

	PnLUSD     *decimal.Decimal
	PnLPct     *decimal.Decimal
	DurationMs *int64

	PostExit1m  *decimal.Decimal
	PostExit5m  *decimal.Decimal
	PostExit15m *decimal.Decimal
}

// Open reports whether this entry has not yet been closed.
func (j JournalEntry) Open() bool {
	return j.ExitTs == nil
}

// Won reports whether the closed trade was profitable.
func (j JournalEntry) Won() bool {
	return j.PnLUSD != nil && j.PnLUSD.IsPositive()
}

// CoinScore is the per-symbol performance aggregate that gates Strategist
// sizing and admission (I2: trades = wins + losses).
type CoinScore struct {
	Symbol          string
	Trades          int
	Wins            int
	Losses          int
	TotalPnL        decimal.Decimal
	AvgPnL          decimal.Decimal
	WinRate         decimal.Decimal
	AvgWinner       decimal.Decimal
	AvgLoser        decimal.Decimal
	Trend           Trend
	Status          CoinStatus
	BlacklistReason *string
	LastUpdated     time.Time
}

// CoinModifier implements the §4.3 sizing table for a coin's status.
func (c CoinScore) CoinModifier() decimal.Decimal {
	switch c.Status {
	case StatusBlacklisted:
		return decimal.Zero
	case StatusReduced:
		return decimal.NewFromFloat(0.5)
	case StatusFavored:
		return decimal.NewFromFloat(1.5)
	default: // NORMAL, UNKNOWN
		return decimal.NewFromFloat(1.0)
	}
}

// Pattern is a named entry/exit template whose confidence is built from
// observed outcomes via Bayesian shrinkage (§4.6).
type Pattern struct {
	PatternID       string
	Description     string
	EntryConditions []byte // opaque JSON
	ExitConditions  []byte
	TimesUsed       int
	Wins            int
	Losses          int
	TotalPnL        decimal.Decimal
	Confidence      decimal.Decimal
	Active          bool
	CreatedAt       time.Time
	LastUsedAt      *time.Time
}

// PatternModifier maps confidence in [0,1] onto [0.75, 1.25] linearly, per
// §4.3's pattern_modifier.
func PatternModifier(confidence decimal.Decimal) decimal.Decimal {
	lo := decimal.NewFromFloat(0.75)
	span := decimal.NewFromFloat(0.50)
	return lo.Add(confidence.Mul(span))
}

// MarketState is the predicate input for RegimeRule evaluation.
type MarketState struct {
	BTCTrend    Trend
	BTCChange24h decimal.Decimal
	HourOfDay   int
	DayOfWeek   time.Weekday
	IsWeekend   bool
}

// RegimeRule suppresses or shrinks new trades when its predicate matches
// current market state (§3).
type RegimeRule struct {
	RuleID         string
	Description    string
	Predicate      func(MarketState) bool `json:"-"`
	Action         RegimeAction
	TimesTriggered int
	EstimatedSaves decimal.Decimal
	Active         bool
	CreatedAt      time.Time
}

// Adaptation is an append-only mutation record; its pre/post-hoc fields
// are updated in place exactly once (§3).
type Adaptation struct {
	ID             string
	Ts             time.Time
	InsightID      *string
	Action         AdaptationAction
	Target         string
	Description    string
	PreMetrics     map[string]interface{}
	Confidence     decimal.Decimal
	AutoApplied    bool
	PostMetrics    map[string]interface{}
	Effectiveness  Effectiveness
	MeasuredAt     *time.Time
	RolledBack     bool
	RollbackReason *string
}

// RuntimeState is the periodically-flushed/restored snapshot Orchestrator
// owns (§3, §4.10).
type RuntimeState struct {
	LastReflectionTs        time.Time
	TradesSinceReflection   int
	OpenPositionsSnapshot   []Position
	ActiveConditionsSnapshot []TradeCondition
	Balance                 decimal.Decimal
	Paused                  bool
}

// AccountState is Sniper-owned, KnowledgeStore-persisted authoritative
// balance bookkeeping (I3: balance = available + in_positions).
type AccountState struct {
	Balance        decimal.Decimal
	Available      decimal.Decimal
	InPositions    decimal.Decimal
	TotalPnL       decimal.Decimal
	DailyPnL       decimal.Decimal
	TradeCountToday int
	LastUpdated    time.Time
}

// Reconciled reports whether the account state satisfies I3.
func (a AccountState) Reconciled() bool {
	return a.Balance.Equal(a.Available.Add(a.InPositions))
}

// Insight is a structured observation emitted by the reflection LLM pass
// (§6.2 reflection response contract).
type Insight struct {
	Type            string
	Category        string // "problem" | "opportunity" | "observation"
	Title           string
	Description     string
	EvidenceTrades  int
	EvidenceWinRate *decimal.Decimal
	EvidencePnL     *decimal.Decimal
	EvidencePattern *string
	EvidenceSymbol  *string
	EvidenceHours   *int
	SuggestedAction AdaptationAction
	SuggestedTarget string
	Confidence      decimal.Decimal
}

// Reflection is a persisted record of one ReflectionEngine cycle (§4.7
// step 5).
type Reflection struct {
	ID         string
	Ts         time.Time
	WindowFrom time.Time
	WindowTo   time.Time
	Summary    string
	Insights   []Insight
	DurationMs int64
}
