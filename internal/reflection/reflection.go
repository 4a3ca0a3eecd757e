// Package reflection is ReflectionEngine (§4.7): the periodic, LLM-backed
// pass that turns a window of closed trades into structured Insights.
// Unlike Strategist's per-cycle condition proposals, reflection looks
// backward over realized outcomes with no LLM for the aggregation step
// itself — the LLM only receives the aggregates and free-text summary
// prompt, grounded in the teacher's internal/ai/llm/analyzer.go
// request/response shape and markdown-fence stripping.
package reflection

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"github.com/paperbot/engine/internal/chatclient"
	"github.com/paperbot/engine/internal/circuit"
	"github.com/paperbot/engine/internal/database"
	"github.com/paperbot/engine/internal/domain"
	"github.com/paperbot/engine/internal/health"
	"github.com/paperbot/engine/internal/journal"
	"github.com/paperbot/engine/internal/knowledge"
	"github.com/paperbot/engine/internal/logging"
	"github.com/paperbot/engine/internal/metrics"
)

// JournalReader is the subset of internal/journal.Journal reflection
// needs to fetch its trade window.
type JournalReader interface {
	Query(ctx context.Context, f database.QueryFilter) ([]domain.JournalEntry, error)
}

var _ JournalReader = (*journal.Journal)(nil)

// KnowledgeStore is the subset of internal/knowledge.KnowledgeStore
// reflection needs: persisting its own row, and reading GetActivePatterns/
// AllCoinScores isn't required for the aggregate step (it works off the
// journal window alone), only AddReflection.
type KnowledgeStore interface {
	AddReflection(ctx context.Context, ref domain.Reflection) error
}

var _ KnowledgeStore = (*knowledge.KnowledgeStore)(nil)

// AdaptationHandler receives the insights a completed reflection cycle
// produced (§4.7 step 6). internal/adaptation.AdaptationEngine implements
// this.
type AdaptationHandler interface {
	ApplyInsights(ctx context.Context, insights []domain.Insight) error
}

// TradeCounter is how Sniper/QuickUpdate notify reflection that a trade
// closed, incrementing trades_since_reflection (§4.7 trigger).
type TradeCounter interface {
	OnTradeClosed()
}

// Config drives should_reflect() and the window/timeout the LLM call
// respects.
type Config struct {
	Period       time.Duration // §6.1 reflection_period_h, as a duration
	MinTrades    int           // §6.1 reflection_min_trades, the alt trigger
	FirstRunMin  int           // first-ever cycle requires at least this many trades
	WindowHours  int           // §4.7 step 1: "last 24h"
	WindowTrades int           // §4.7 step 1: "or last 100 trades, whichever is smaller"
	Timeout      time.Duration // §5: hard 60s cap on the LLM call
}

// DefaultConfig matches §4.7/§6.1's stated defaults.
func DefaultConfig() Config {
	return Config{
		Period:       time.Hour,
		MinTrades:    10,
		FirstRunMin:  5,
		WindowHours:  24,
		WindowTrades: 100,
		Timeout:      60 * time.Second,
	}
}

// Engine is ReflectionEngine. It owns no clock of its own — Orchestrator
// calls MaybeReflect on its own timer/event ticks, and Engine decides
// whether should_reflect() is actually true.
type Engine struct {
	cfg     Config
	journal JournalReader
	store   KnowledgeStore
	chat    chatclient.ChatClient
	breaker *circuit.Breaker
	handler AdaptationHandler
	log     *logging.Logger
	tracker *health.Tracker

	lastReflection time.Time
	firstRunDone   bool
	tradesSince    int32 // atomic; incremented by OnTradeClosed
	running        int32 // atomic; 1 while a cycle is in flight
}

var _ TradeCounter = (*Engine)(nil)

// New constructs a ReflectionEngine. handler may be nil during early
// wiring; a nil handler just means step 6 is skipped (insights are still
// computed and persisted, just not acted on).
func New(cfg Config, journalReader JournalReader, store KnowledgeStore, chat chatclient.ChatClient, handler AdaptationHandler) *Engine {
	if cfg.Period <= 0 {
		cfg = DefaultConfig()
	}
	breaker := circuit.New("reflection", &circuit.Config{
		Enabled:                true,
		MaxConsecutiveFailures: 3,
		CooldownPeriod:         60 * time.Second,
	})
	return &Engine{
		cfg:     cfg,
		journal: journalReader,
		store:   store,
		chat:    chat,
		breaker: breaker,
		handler: handler,
		log:     logging.WithComponent("reflection"),
		tracker: health.NewTracker("reflection"),
	}
}

// OnTradeClosed implements TradeCounter: QuickUpdate calls this after
// every closed trade, regardless of whether reflection fires this tick.
func (e *Engine) OnTradeClosed() {
	atomic.AddInt32(&e.tradesSince, 1)
}

// ShouldReflect implements §4.7's trigger: time-based OR trade-count
// based, with a first-run minimum of FirstRunMin trades.
func (e *Engine) ShouldReflect(now time.Time) bool {
	trades := int(atomic.LoadInt32(&e.tradesSince))
	if !e.firstRunDone {
		return trades >= e.cfg.FirstRunMin
	}
	if now.Sub(e.lastReflection) >= e.cfg.Period {
		return true
	}
	return trades >= e.cfg.MinTrades
}

// MaybeReflect runs a reflection cycle if ShouldReflect is true and no
// cycle is already running. A trigger that arrives while one is in
// flight is coalesced (dropped, not queued) — the next periodic check
// will re-evaluate after the in-flight cycle resets trades_since_reflection.
func (e *Engine) MaybeReflect(ctx context.Context, now time.Time) error {
	if !e.ShouldReflect(now) {
		return nil
	}
	if !atomic.CompareAndSwapInt32(&e.running, 0, 1) {
		e.log.Info("reflection cycle already in flight, coalescing trigger")
		return nil
	}
	defer atomic.StoreInt32(&e.running, 0)

	return e.reflect(ctx, now)
}

// reflect is the 7-step cycle from §4.7.
func (e *Engine) reflect(ctx context.Context, now time.Time) error {
	start := now
	windowFrom := earliestWindowStart(now, e.cfg.WindowHours)

	// Step 1: fetch trades in window.
	entries, err := e.journal.Query(ctx, database.QueryFilter{
		ClosedOnly: true,
		Since:      windowFrom,
		Limit:      e.cfg.WindowTrades,
	})
	if err != nil {
		e.tracker.RecordError(health.StatusDegraded)
		metrics.ReflectionCyclesTotal.WithLabelValues("query_error").Inc()
		return health.Wrap(health.KindTransientIO, fmt.Errorf("reflection query: %w", err))
	}

	// Step 2: aggregates, no LLM.
	agg := computeAggregates(entries)

	// Step 3: build prompt, call ChatClient under the circuit breaker.
	systemPrompt, userPrompt := buildPrompt(windowFrom, now, agg)
	raw, err := e.callChat(ctx, systemPrompt, userPrompt)
	if err != nil {
		e.tracker.RecordError(health.StatusDegraded)
		metrics.ReflectionCyclesTotal.WithLabelValues("llm_error").Inc()
		e.log.WithError(err).Warn("reflection llm call failed")
		return health.Wrap(health.KindTransientIO, fmt.Errorf("reflection chat: %w", err))
	}

	// Step 4: parse strict JSON, dropping malformed insights.
	summary, insights := parseResponse(raw, e.log)

	// Step 5: persist the Reflection row.
	durationMs := time.Since(start).Milliseconds()
	ref := domain.Reflection{
		ID:         uuid.NewString(),
		Ts:         now,
		WindowFrom: windowFrom,
		WindowTo:   now,
		Summary:    summary,
		Insights:   insights,
		DurationMs: durationMs,
	}
	if err := e.store.AddReflection(ctx, ref); err != nil {
		e.tracker.RecordError(health.StatusDegraded)
		return health.Wrap(health.KindTransientIO, fmt.Errorf("reflection persist: %w", err))
	}

	// Step 6: hand insights to AdaptationEngine.
	if e.handler != nil && len(insights) > 0 {
		if err := e.handler.ApplyInsights(ctx, insights); err != nil {
			e.log.WithError(err).Warn("adaptation engine failed to apply insights")
		}
	}

	// Step 7: reset trades_since_reflection.
	atomic.StoreInt32(&e.tradesSince, 0)
	e.lastReflection = now
	e.firstRunDone = true

	e.tracker.Touch()
	metrics.ReflectionCyclesTotal.WithLabelValues("ok").Inc()
	e.log.Info("reflection cycle complete", "trades", len(entries), "insights", len(insights), "duration_ms", durationMs)
	return nil
}

// callChat wraps the ChatClient call with e.breaker exactly as Strategist
// guards its own LLM call (§5: hard 60s timeout).
func (e *Engine) callChat(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	allowed, reason := e.breaker.Allow()
	if !allowed {
		return "", fmt.Errorf("reflection circuit open: %s", reason)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	resp, err := e.chat.Complete(callCtx, systemPrompt, userPrompt)
	e.breaker.RecordResult(err == nil)
	return resp, err
}

// earliestWindowStart returns now minus windowHours (24 when windowHours
// is not positive) — Query's Since filter combines with Limit (§4.7 step 1: "whichever is
// smaller").
func earliestWindowStart(now time.Time, windowHours int) time.Time {
	if windowHours <= 0 {
		windowHours = 24
	}
	return now.Add(-time.Duration(windowHours) * time.Hour)
}

// Health reports the reflection engine's current status.
func (e *Engine) Health() health.Health {
	return e.tracker.Snapshot(map[string]interface{}{
		"trades_since_reflection": atomic.LoadInt32(&e.tradesSince),
		"breaker_state":           string(e.breaker.State()),
	})
}

// --- aggregation (§4.7 step 2) ---

// symbolAgg is the per-symbol aggregate window reflection feeds the LLM.
type symbolAgg struct {
	Symbol  string
	Trades  int
	Wins    int
	WinRate float64
	PnL     float64
	Trend   string
}

type patternAgg struct {
	PatternID string
	Trades    int
	Wins      int
	WinRate   float64
	PnL       float64
}

type bucketAgg struct {
	Key     string
	Trades  int
	Wins    int
	WinRate float64
}

type regimeAgg struct {
	Regime  string
	Trades  int
	Wins    int
	WinRate float64
}

type exitAgg struct {
	StopCount             int
	TargetCount           int
	ProfitableWithin5mOfStop int
}

type aggregates struct {
	TotalTrades int
	TotalWins   int
	TotalPnL    decimal.Decimal
	BySymbol    []symbolAgg
	ByPattern   []patternAgg
	ByHour      []bucketAgg
	ByDayOfWeek []bucketAgg
	ByRegime    []regimeAgg
	Exit        exitAgg
}

func computeAggregates(entries []domain.JournalEntry) aggregates {
	var agg aggregates
	bySymbol := map[string]*symbolAgg{}
	symbolSeries := map[string][]float64{}
	byPattern := map[string]*patternAgg{}
	byHour := map[int]*bucketAgg{}
	byDOW := map[time.Weekday]*bucketAgg{}
	byRegime := map[string]*regimeAgg{}

	for _, e := range entries {
		if e.Open() || e.PnLUSD == nil {
			continue
		}
		agg.TotalTrades++
		won := e.Won()
		if won {
			agg.TotalWins++
		}
		agg.TotalPnL = agg.TotalPnL.Add(*e.PnLUSD)

		sa := bySymbol[e.Symbol]
		if sa == nil {
			sa = &symbolAgg{Symbol: e.Symbol}
			bySymbol[e.Symbol] = sa
		}
		sa.Trades++
		if won {
			sa.Wins++
		}
		pnlF, _ := e.PnLUSD.Float64()
		sa.PnL += pnlF
		winInd := 0.0
		if won {
			winInd = 1.0
		}
		symbolSeries[e.Symbol] = append(symbolSeries[e.Symbol], winInd)

		if e.PatternID != nil {
			pa := byPattern[*e.PatternID]
			if pa == nil {
				pa = &patternAgg{PatternID: *e.PatternID}
				byPattern[*e.PatternID] = pa
			}
			pa.Trades++
			if won {
				pa.Wins++
			}
			pa.PnL += pnlF
		}

		ha := byHour[e.HourOfDay]
		if ha == nil {
			ha = &bucketAgg{Key: fmt.Sprintf("%02d:00", e.HourOfDay)}
			byHour[e.HourOfDay] = ha
		}
		ha.Trades++
		if won {
			ha.Wins++
		}

		da := byDOW[e.DayOfWeek]
		if da == nil {
			da = &bucketAgg{Key: e.DayOfWeek.String()}
			byDOW[e.DayOfWeek] = da
		}
		da.Trades++
		if won {
			da.Wins++
		}

		if e.Regime != "" {
			ra := byRegime[e.Regime]
			if ra == nil {
				ra = &regimeAgg{Regime: e.Regime}
				byRegime[e.Regime] = ra
			}
			ra.Trades++
			if won {
				ra.Wins++
			}
		}

		if e.ExitReason != nil {
			switch *e.ExitReason {
			case domain.ExitStopLoss:
				agg.Exit.StopCount++
				if e.PostExit5m != nil && e.PostExit5m.IsPositive() {
					agg.Exit.ProfitableWithin5mOfStop++
				}
			case domain.ExitTakeProfit:
				agg.Exit.TargetCount++
			}
		}
	}

	for _, sa := range bySymbol {
		sa.WinRate = safeRatio(sa.Wins, sa.Trades)
		sa.Trend = trendLabel(symbolSeries[sa.Symbol])
		agg.BySymbol = append(agg.BySymbol, *sa)
	}
	sort.Slice(agg.BySymbol, func(i, j int) bool { return agg.BySymbol[i].Symbol < agg.BySymbol[j].Symbol })

	for _, pa := range byPattern {
		pa.WinRate = safeRatio(pa.Wins, pa.Trades)
		agg.ByPattern = append(agg.ByPattern, *pa)
	}
	sort.Slice(agg.ByPattern, func(i, j int) bool { return agg.ByPattern[i].PatternID < agg.ByPattern[j].PatternID })

	for _, ha := range byHour {
		ha.WinRate = safeRatio(ha.Wins, ha.Trades)
		agg.ByHour = append(agg.ByHour, *ha)
	}
	sort.Slice(agg.ByHour, func(i, j int) bool { return agg.ByHour[i].Key < agg.ByHour[j].Key })

	for _, da := range byDOW {
		da.WinRate = safeRatio(da.Wins, da.Trades)
		agg.ByDayOfWeek = append(agg.ByDayOfWeek, *da)
	}
	sort.Slice(agg.ByDayOfWeek, func(i, j int) bool { return agg.ByDayOfWeek[i].Key < agg.ByDayOfWeek[j].Key })

	for _, ra := range byRegime {
		ra.WinRate = safeRatio(ra.Wins, ra.Trades)
		agg.ByRegime = append(agg.ByRegime, *ra)
	}
	sort.Slice(agg.ByRegime, func(i, j int) bool { return agg.ByRegime[i].Regime < agg.ByRegime[j].Regime })

	return agg
}

func safeRatio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

// trendLabel fits a simple linear regression of win-indicator over trade
// order (gonum.org/v1/gonum/stat) and buckets the slope into
// improving/stable/declining, matching domain.Trend's three values.
func trendLabel(series []float64) string {
	if len(series) < 4 {
		return string(domain.TrendStable)
	}
	xs := make([]float64, len(series))
	for i := range xs {
		xs[i] = float64(i)
	}
	_, slope := stat.LinearRegression(xs, series, nil, false)
	switch {
	case slope > 0.01:
		return string(domain.TrendImproving)
	case slope < -0.01:
		return string(domain.TrendDeclining)
	default:
		return string(domain.TrendStable)
	}
}

// --- prompt building (§6.2) ---

func buildPrompt(from, to time.Time, agg aggregates) (system, user string) {
	system = "You are the reflection module of an autonomous paper-trading " +
		"engine. You review a window of already-closed trades and surface " +
		"actionable insights. Respond with JSON only, matching exactly: " +
		`{"summary": string, "insights": [{"type": string, ` +
		`"category": "problem"|"opportunity"|"observation", "title": string, ` +
		`"description": string, "evidence": {"trades": int, "win_rate": number, ` +
		`"pnl": number, "pattern_id": string, "symbol": string, "hours": int}, ` +
		`"suggested_action": string, "confidence": number}]}. ` +
		"No prose outside the JSON object, no markdown code fences."

	body, _ := json.MarshalIndent(agg, "", "  ")
	user = fmt.Sprintf(
		"Window: %s to %s\nTotal trades: %d, wins: %d, total pnl: %s\n\nAggregates:\n%s",
		from.Format(time.RFC3339), to.Format(time.RFC3339),
		agg.TotalTrades, agg.TotalWins, agg.TotalPnL.StringFixed(2), string(body),
	)
	return system, user
}

// --- response parsing (§4.7 step 4, §6.2) ---

type rawInsight struct {
	Type        string `json:"type"`
	Category    string `json:"category"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Evidence    struct {
		Trades    int      `json:"trades"`
		WinRate   *float64 `json:"win_rate"`
		PnL       *float64 `json:"pnl"`
		PatternID *string  `json:"pattern_id"`
		Symbol    *string  `json:"symbol"`
		Hours     *int     `json:"hours"`
	} `json:"evidence"`
	SuggestedAction string  `json:"suggested_action"`
	Confidence      float64 `json:"confidence"`
}

type rawResponse struct {
	Summary  string       `json:"summary"`
	Insights []rawInsight `json:"insights"`
}

// parseResponse implements §4.7 step 4: parse strict JSON, drop malformed
// insights, keep the rest. A completely unparsable response yields a
// fallback summary and no insights rather than failing the whole cycle —
// a malformed LLM reply shouldn't block persisting that the cycle ran.
func parseResponse(raw string, log *logging.Logger) (string, []domain.Insight) {
	var resp rawResponse
	if err := json.Unmarshal([]byte(chatclient.StripJSONFences(raw)), &resp); err != nil {
		log.Warn("reflection response was not valid JSON", "error", err.Error())
		return "reflection response was malformed and could not be parsed", nil
	}

	insights := make([]domain.Insight, 0, len(resp.Insights))
	for _, ri := range resp.Insights {
		insight, ok := toInsight(ri)
		if !ok {
			log.Warn("dropping malformed insight", "title", ri.Title)
			continue
		}
		insights = append(insights, insight)
	}
	return resp.Summary, insights
}

func toInsight(ri rawInsight) (domain.Insight, bool) {
	if ri.Title == "" || ri.Category == "" {
		return domain.Insight{}, false
	}
	action, ok := parseAction(ri.SuggestedAction)
	if !ok {
		return domain.Insight{}, false
	}
	ins := domain.Insight{
		Type:            ri.Type,
		Category:        ri.Category,
		Title:           ri.Title,
		Description:     ri.Description,
		EvidenceTrades:  ri.Evidence.Trades,
		EvidencePattern: ri.Evidence.PatternID,
		EvidenceSymbol:  ri.Evidence.Symbol,
		EvidenceHours:   ri.Evidence.Hours,
		SuggestedAction: action,
		Confidence:      decimal.NewFromFloat(clamp01(ri.Confidence)),
	}
	ins.SuggestedTarget = suggestedTarget(action, ri.Evidence.Symbol, ri.Evidence.PatternID)
	if ri.Evidence.WinRate != nil {
		wr := decimal.NewFromFloat(*ri.Evidence.WinRate)
		ins.EvidenceWinRate = &wr
	}
	if ri.Evidence.PnL != nil {
		pnl := decimal.NewFromFloat(*ri.Evidence.PnL)
		ins.EvidencePnL = &pnl
	}
	return ins, true
}

func suggestedTarget(action domain.AdaptationAction, symbol, patternID *string) string {
	switch action {
	case domain.ActionDeactivatePattern, domain.ActionActivatePattern:
		if patternID != nil {
			return *patternID
		}
	default:
		if symbol != nil {
			return *symbol
		}
	}
	return ""
}

func parseAction(s string) (domain.AdaptationAction, bool) {
	switch s {
	case string(domain.ActionBlacklist), string(domain.ActionUnblacklist),
		string(domain.ActionFavor), string(domain.ActionReduce),
		string(domain.ActionDeactivatePattern), string(domain.ActionActivatePattern),
		string(domain.ActionCreateTimeRule), string(domain.ActionCreateRegimeRule):
		return domain.AdaptationAction(s), true
	default:
		return "", false
	}
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
