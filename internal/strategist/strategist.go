// Package strategist is Strategist (§4.3): the periodic cycle that asks
// the LLM for new trade conditions, validates and sizes whatever comes
// back, and installs the survivors on Sniper. Grounded in the teacher's
// internal/ai/llm/analyzer.go request/response shape (prompt assembly,
// markdown-fence stripping, strict JSON decoding) generalized from
// single-symbol market analysis to a multi-symbol batch of proposed
// entries, and in internal/autopilot/strategy_evaluator.go for the
// regime-gate-before-prompting idea.
package strategist

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paperbot/engine/internal/chatclient"
	"github.com/paperbot/engine/internal/circuit"
	"github.com/paperbot/engine/internal/domain"
	"github.com/paperbot/engine/internal/health"
	"github.com/paperbot/engine/internal/knowledge"
	"github.com/paperbot/engine/internal/logging"
	"github.com/paperbot/engine/internal/metrics"
	"github.com/paperbot/engine/internal/pricebus"
	"github.com/paperbot/engine/internal/sniper"
)

// KnowledgeStore is the subset of internal/knowledge.KnowledgeStore
// Strategist needs to build its prompt context.
type KnowledgeStore interface {
	GetAllCoinScores(ctx context.Context) ([]domain.CoinScore, error)
	GetBlacklist(ctx context.Context) ([]domain.CoinScore, error)
	GetFavored(ctx context.Context) ([]domain.CoinScore, error)
	GetActivePatterns(ctx context.Context) ([]domain.Pattern, error)
	GetActiveRules(ctx context.Context) ([]domain.RegimeRule, error)
	IsBlacklisted(ctx context.Context, symbol string) (bool, error)
}

var _ KnowledgeStore = (*knowledge.KnowledgeStore)(nil)

// PriceSource is the subset of internal/pricebus.PriceBus Strategist
// reads current prices from.
type PriceSource interface {
	Latest(symbol string) (domain.Tick, bool)
}

var _ PriceSource = (*pricebus.PriceBus)(nil)

// AccountSource is the subset of internal/sniper.Sniper Strategist reads
// account/position context from and installs conditions on.
type AccountSource interface {
	Snapshot() sniper.Snapshot
	InstallConditions(conds []domain.TradeCondition)
}

var _ AccountSource = (*sniper.Sniper)(nil)

// Config holds Strategist's tunables, assembled from config.StrategistConfig,
// config.AccountConfig and config.BoundsConfig.
type Config struct {
	Period    time.Duration
	Timeout   time.Duration
	MaxK      int // cap on proposed conditions considered per cycle
	BaseSizeUSD,
	MinSizeUSD,
	MaxSizeUSD decimal.Decimal
	MaxExposurePct decimal.Decimal
	MaxPerSymbol   int
	SLMin, SLMax   decimal.Decimal
	TPMin, TPMax   decimal.Decimal
	MaxTriggerDistancePct decimal.Decimal // reject if trigger_price is further than this from spot
	MinValidFor, MaxValidFor time.Duration
	TopPatterns int
}

// DefaultConfig matches §4.3/§6.1's stated defaults.
func DefaultConfig() Config {
	return Config{
		Period:                180 * time.Second,
		Timeout:               20 * time.Second,
		MaxK:                  10,
		BaseSizeUSD:           decimal.NewFromInt(20),
		MinSizeUSD:            decimal.NewFromInt(20),
		MaxSizeUSD:            decimal.NewFromInt(100),
		MaxExposurePct:        decimal.NewFromFloat(0.10),
		MaxPerSymbol:          1,
		SLMin:                 decimal.NewFromFloat(0.002),
		SLMax:                 decimal.NewFromFloat(0.10),
		TPMin:                 decimal.NewFromFloat(0.002),
		TPMax:                 decimal.NewFromFloat(0.10),
		MaxTriggerDistancePct: decimal.NewFromFloat(0.10),
		MinValidFor:           30 * time.Second,
		MaxValidFor:           15 * time.Minute,
		TopPatterns:           5,
	}
}

// Strategist is the periodic condition-proposal cycle.
type Strategist struct {
	cfg     Config
	store   KnowledgeStore
	prices  PriceSource
	account AccountSource
	chat    chatclient.ChatClient
	breaker *circuit.Breaker
	log     *logging.Logger
	tracker *health.Tracker

	lastSuccess        atomic.Value // time.Time
	consecutiveFailures int32
}

// New constructs a Strategist.
func New(cfg Config, store KnowledgeStore, prices PriceSource, account AccountSource, chat chatclient.ChatClient) *Strategist {
	if cfg.Period <= 0 {
		cfg = DefaultConfig()
	}
	s := &Strategist{
		cfg:     cfg,
		store:   store,
		prices:  prices,
		account: account,
		chat:    chat,
		log:     logging.WithComponent("strategist"),
		tracker: health.NewTracker("strategist"),
		breaker: circuit.New("strategist", &circuit.Config{Enabled: true, MaxConsecutiveFailures: 3, CooldownPeriod: 60 * time.Second}),
	}
	s.lastSuccess.Store(time.Time{})
	return s
}

// Run executes one Strategist cycle: build context, evaluate the regime
// gate, call the LLM, validate/size the response, install survivors.
func (s *Strategist) Run(ctx context.Context, now time.Time, market domain.MarketState) error {
	cycleStart := time.Now()
	outcome := "ok"
	defer func() {
		metrics.StrategistCycleSeconds.Observe(time.Since(cycleStart).Seconds())
		metrics.StrategistCyclesTotal.WithLabelValues(outcome).Inc()
	}()

	snap := s.account.Snapshot()

	rules, err := s.store.GetActiveRules(ctx)
	if err != nil {
		outcome = "store_error"
		s.tracker.RecordError(health.StatusDegraded)
		return health.Wrap(health.KindTransientIO, fmt.Errorf("strategist get_active_rules: %w", err))
	}

	gate := evaluateGate(rules, market)
	if gate.noTrade {
		outcome = "gated_no_trade"
		s.log.Info("regime gate suppressed all conditions this cycle", "rule_id", gate.suppressor)
		s.tracker.Touch()
		return nil
	}

	promptCtx, err := s.buildContext(ctx, now, snap, rules)
	if err != nil {
		outcome = "store_error"
		s.tracker.RecordError(health.StatusDegraded)
		return health.Wrap(health.KindTransientIO, fmt.Errorf("strategist build_context: %w", err))
	}

	systemPrompt, userPrompt := buildPrompt(promptCtx)
	raw, err := s.callChat(ctx, systemPrompt, userPrompt)
	if err != nil {
		outcome = "llm_error"
		s.recordFailure()
		return nil // a failed cycle is not fatal; next tick retries
	}
	s.recordSuccess(now)

	proposals := parseProposals(raw, s.log)
	metrics.StrategistConditionsProposed.Add(float64(len(proposals)))
	if len(proposals) > s.cfg.MaxK {
		s.log.Info("truncating proposed conditions to MaxK", "proposed", len(proposals), "max_k", s.cfg.MaxK)
		proposals = proposals[:s.cfg.MaxK]
	}

	var installed []domain.TradeCondition
	for _, p := range proposals {
		cond, ok := s.validateAndSize(ctx, p, promptCtx, snap, gate, now)
		if !ok {
			continue
		}
		installed = append(installed, cond)
	}

	if len(installed) == 0 {
		if len(proposals) > 0 {
			outcome = "validation_rejected"
		}
		s.tracker.Touch()
		return nil
	}

	s.account.InstallConditions(installed)
	metrics.StrategistConditionsInstalled.Add(float64(len(installed)))
	s.tracker.Touch()
	return nil
}

func (s *Strategist) callChat(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	allow, reason := s.breaker.Allow()
	if !allow {
		s.log.Info("strategist circuit breaker open, skipping cycle", "reason", reason)
		return "", fmt.Errorf("circuit open: %s", reason)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	start := time.Now()
	raw, err := s.chat.Complete(callCtx, systemPrompt, userPrompt)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if err == chatclient.ErrTimeout {
			outcome = "timeout"
		}
	}
	metrics.RecordChatCall("strategist", outcome, time.Since(start).Seconds())
	s.breaker.RecordResult(err == nil)
	return raw, err
}

func (s *Strategist) recordFailure() {
	n := atomic.AddInt32(&s.consecutiveFailures, 1)
	if n >= 5 {
		s.tracker.RecordError(health.StatusFailed)
	} else {
		s.tracker.RecordError(health.StatusDegraded)
	}
}

func (s *Strategist) recordSuccess(now time.Time) {
	atomic.StoreInt32(&s.consecutiveFailures, 0)
	s.lastSuccess.Store(now)
	s.tracker.SetStatus(health.StatusHealthy)
}

// Health reports Strategist's status per §4.3: degraded if the last
// success is older than 2x the period, failed after 5 consecutive errors.
func (s *Strategist) Health() health.Health {
	last, _ := s.lastSuccess.Load().(time.Time)
	extra := map[string]interface{}{"breaker_state": string(s.breaker.State())}
	if !last.IsZero() {
		extra["last_success_age_s"] = time.Since(last).Seconds()
		if time.Since(last) > 2*s.cfg.Period {
			s.tracker.SetStatus(health.StatusDegraded)
		}
	}
	return s.tracker.Snapshot(extra)
}

// --- regime gate ---

type gateResult struct {
	noTrade        bool
	suppressor     string
	regimeModifier decimal.Decimal // 0.5 if a REDUCE_SIZE rule is active, else 1.0
}

// evaluateGate implements §4.3's "before prompting, evaluate all active
// RegimeRules against current market state" step. NO_TRADE wins outright;
// otherwise any active REDUCE_SIZE rule halves sizing for the cycle.
func evaluateGate(rules []domain.RegimeRule, market domain.MarketState) gateResult {
	result := gateResult{regimeModifier: decimal.NewFromInt(1)}
	for _, r := range rules {
		if !r.Active || r.Predicate == nil || !r.Predicate(market) {
			continue
		}
		switch r.Action {
		case domain.RegimeNoTrade:
			result.noTrade = true
			result.suppressor = r.RuleID
			return result
		case domain.RegimeReduceSize:
			result.regimeModifier = decimal.NewFromFloat(0.5)
		}
	}
	return result
}

// --- prompt context ---

type promptContext struct {
	now         time.Time
	prices      []priceEntry
	scores      map[string]domain.CoinScore
	favored     []string
	avoid       map[string]bool // BLACKLISTED symbols only; low-win-rate coins are not added
	rules       []domain.RegimeRule
	patterns    []domain.Pattern
	account     sniper.Snapshot
}

type priceEntry struct {
	Symbol    string
	Price     decimal.Decimal
	Change24h *decimal.Decimal
}

func (s *Strategist) buildContext(ctx context.Context, now time.Time, snap sniper.Snapshot, rules []domain.RegimeRule) (promptContext, error) {
	scoresList, err := s.store.GetAllCoinScores(ctx)
	if err != nil {
		return promptContext{}, fmt.Errorf("get_all_coin_scores: %w", err)
	}
	scores := make(map[string]domain.CoinScore, len(scoresList))
	for _, sc := range scoresList {
		scores[sc.Symbol] = sc
	}

	blacklist, err := s.store.GetBlacklist(ctx)
	if err != nil {
		return promptContext{}, fmt.Errorf("get_blacklist: %w", err)
	}
	favoredScores, err := s.store.GetFavored(ctx)
	if err != nil {
		return promptContext{}, fmt.Errorf("get_favored: %w", err)
	}
	patterns, err := s.store.GetActivePatterns(ctx)
	if err != nil {
		return promptContext{}, fmt.Errorf("get_active_patterns: %w", err)
	}
	sort.Slice(patterns, func(i, j int) bool { return patterns[i].Confidence.GreaterThan(patterns[j].Confidence) })
	if len(patterns) > s.cfg.TopPatterns {
		patterns = patterns[:s.cfg.TopPatterns]
	}

	avoid := make(map[string]bool, len(blacklist))
	for _, sc := range blacklist {
		avoid[sc.Symbol] = true
	}
	favored := make([]string, 0, len(favoredScores))
	for _, sc := range favoredScores {
		favored = append(favored, sc.Symbol)
	}

	var prices []priceEntry
	for symbol := range scores {
		if tick, ok := s.prices.Latest(symbol); ok {
			prices = append(prices, priceEntry{Symbol: symbol, Price: tick.Price, Change24h: tick.Change24h})
		}
	}
	sort.Slice(prices, func(i, j int) bool { return prices[i].Symbol < prices[j].Symbol })

	return promptContext{
		now: now, prices: prices, scores: scores, favored: favored,
		avoid: avoid, rules: rules, patterns: patterns, account: snap,
	}, nil
}

// buildPrompt renders the six §4.3 prompt inputs, in order, into a
// system/user prompt pair per §6.2's protocol.
func buildPrompt(c promptContext) (system, user string) {
	system = "You are Strategist, the trade-condition generator for an autonomous paper-trading engine. " +
		"Given market context, propose up to a handful of new trade conditions as a strict JSON array. " +
		"Respond with JSON only, no markdown fences, no commentary. Each item must have exactly these fields: " +
		`{"symbol","direction"("LONG"|"SHORT"),"trigger_price","trigger_rel"("ABOVE"|"BELOW"),` +
		`"stop_loss_pct","take_profit_pct","base_size_usd","pattern_id"(optional),"reasoning","valid_for_seconds"}. ` +
		"An empty array is a valid response if nothing looks worth proposing."

	var b strings.Builder
	fmt.Fprintf(&b, "Generated at %s.\n\n", c.now.UTC().Format(time.RFC3339))

	b.WriteString("## Prices (symbol, price, 24h change)\n")
	for _, p := range c.prices {
		if p.Change24h != nil {
			fmt.Fprintf(&b, "%s %s %s%%\n", p.Symbol, p.Price.String(), p.Change24h.String())
		} else {
			fmt.Fprintf(&b, "%s %s n/a\n", p.Symbol, p.Price.String())
		}
	}

	b.WriteString("\n## Per-symbol performance (status, trades, win_rate, total_pnl, trend)\n")
	for _, p := range c.prices {
		sc, ok := c.scores[p.Symbol]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "%s %s trades=%d win_rate=%s total_pnl=%s trend=%s\n",
			sc.Symbol, sc.Status, sc.Trades, sc.WinRate.String(), sc.TotalPnL.String(), sc.Trend)
	}

	fmt.Fprintf(&b, "\n## Favor list\n%s\n", strings.Join(c.favored, ", "))
	var avoidList []string
	for sym := range c.avoid {
		avoidList = append(avoidList, sym)
	}
	sort.Strings(avoidList)
	fmt.Fprintf(&b, "## Avoid list\n%s\n", strings.Join(avoidList, ", "))

	b.WriteString("\n## Active regime rules\n")
	for _, r := range c.rules {
		if !r.Active {
			continue
		}
		fmt.Fprintf(&b, "%s: %s -> %s\n", r.RuleID, r.Description, r.Action)
	}

	b.WriteString("\n## Top winning patterns\n")
	for _, p := range c.patterns {
		fmt.Fprintf(&b, "%s confidence=%s times_used=%d %s\n", p.PatternID, p.Confidence.String(), p.TimesUsed, p.Description)
	}

	fmt.Fprintf(&b, "\n## Account\nbalance=%s available=%s in_positions=%s open_positions=%d\n",
		c.account.Account.Balance.String(), c.account.Account.Available.String(),
		c.account.Account.InPositions.String(), len(c.account.Positions))

	return system, b.String()
}

// --- response parsing ---

type rawCondition struct {
	Symbol          string  `json:"symbol"`
	Direction       string  `json:"direction"`
	TriggerPrice    float64 `json:"trigger_price"`
	TriggerRel      string  `json:"trigger_rel"`
	StopLossPct     float64 `json:"stop_loss_pct"`
	TakeProfitPct   float64 `json:"take_profit_pct"`
	BaseSizeUSD     float64 `json:"base_size_usd"`
	PatternID       *string `json:"pattern_id"`
	Reasoning       string  `json:"reasoning"`
	ValidForSeconds float64 `json:"valid_for_seconds"`
}

// parseProposals decodes the LLM's JSON array, dropping the whole batch
// only on unparsable JSON — individual malformed items are handled later
// by validateAndSize, except for items missing symbol/direction entirely,
// which are not worth carrying into validation at all.
func parseProposals(raw string, log *logging.Logger) []rawCondition {
	stripped := chatclient.StripJSONFences(raw)
	var items []rawCondition
	if err := json.Unmarshal([]byte(stripped), &items); err != nil {
		log.WithError(err).Warn("strategist response was not valid JSON, treating as empty proposal set")
		return nil
	}
	out := items[:0]
	for _, it := range items {
		if it.Symbol == "" || it.Direction == "" {
			continue
		}
		out = append(out, it)
	}
	return out
}

// --- validation + sizing ---

func (s *Strategist) validateAndSize(ctx context.Context, p rawCondition, c promptContext, snap sniper.Snapshot, gate gateResult, now time.Time) (domain.TradeCondition, bool) {
	score, known := c.scores[p.Symbol]
	if !known {
		s.log.Info("rejecting proposed condition: unknown symbol", "symbol", p.Symbol)
		return domain.TradeCondition{}, false
	}
	if score.Status == domain.StatusBlacklisted || c.avoid[p.Symbol] {
		s.log.Info("rejecting proposed condition: blacklisted symbol", "symbol", p.Symbol)
		return domain.TradeCondition{}, false
	}

	var direction domain.Direction
	switch p.Direction {
	case string(domain.Long):
		direction = domain.Long
	case string(domain.Short):
		direction = domain.Short
	default:
		s.log.Info("rejecting proposed condition: invalid direction", "symbol", p.Symbol, "direction", p.Direction)
		return domain.TradeCondition{}, false
	}

	var triggerRel domain.TriggerRel
	switch p.TriggerRel {
	case string(domain.Above):
		triggerRel = domain.Above
	case string(domain.Below):
		triggerRel = domain.Below
	default:
		s.log.Info("rejecting proposed condition: invalid trigger_rel", "symbol", p.Symbol, "trigger_rel", p.TriggerRel)
		return domain.TradeCondition{}, false
	}

	stopPct := decimal.NewFromFloat(p.StopLossPct)
	if stopPct.LessThan(s.cfg.SLMin) || stopPct.GreaterThan(s.cfg.SLMax) {
		s.log.Info("rejecting proposed condition: stop_loss_pct out of bounds", "symbol", p.Symbol, "stop_loss_pct", p.StopLossPct)
		return domain.TradeCondition{}, false
	}
	takePct := decimal.NewFromFloat(p.TakeProfitPct)
	if takePct.LessThan(s.cfg.TPMin) || takePct.GreaterThan(s.cfg.TPMax) {
		s.log.Info("rejecting proposed condition: take_profit_pct out of bounds", "symbol", p.Symbol, "take_profit_pct", p.TakeProfitPct)
		return domain.TradeCondition{}, false
	}

	triggerPrice := decimal.NewFromFloat(p.TriggerPrice)
	tick, ok := s.prices.Latest(p.Symbol)
	if !ok {
		s.log.Info("rejecting proposed condition: no live price for symbol", "symbol", p.Symbol)
		return domain.TradeCondition{}, false
	}
	if !withinDistance(triggerPrice, tick.Price, s.cfg.MaxTriggerDistancePct) {
		s.log.Info("rejecting proposed condition: trigger_price too far from spot", "symbol", p.Symbol, "trigger_price", p.TriggerPrice, "spot", tick.Price.String())
		return domain.TradeCondition{}, false
	}

	validFor := clampDuration(time.Duration(p.ValidForSeconds*float64(time.Second)), s.cfg.MinValidFor, s.cfg.MaxValidFor)

	size := s.computeSize(p, score, c, gate, snap)
	if size.IsZero() {
		s.log.Info("dropping proposed condition: final size is zero", "symbol", p.Symbol)
		return domain.TradeCondition{}, false
	}

	return domain.TradeCondition{
		ID:            fmt.Sprintf("cond-%s-%d", p.Symbol, now.UnixNano()),
		Symbol:        p.Symbol,
		Direction:     direction,
		TriggerPrice:  triggerPrice,
		TriggerRel:    triggerRel,
		StopLossPct:   stopPct,
		TakeProfitPct: takePct,
		SizeUSD:       size,
		StrategyID:    "strategist",
		PatternID:     p.PatternID,
		Reasoning:     p.Reasoning,
		CreatedAt:     now,
		ValidUntil:    now.Add(validFor),
	}, true
}

func withinDistance(trigger, spot, maxPct decimal.Decimal) bool {
	if spot.IsZero() {
		return false
	}
	diff := trigger.Sub(spot).Div(spot).Abs()
	return diff.LessThanOrEqual(maxPct)
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

// computeSize implements §4.3's sizing formula and clamp.
func (s *Strategist) computeSize(p rawCondition, score domain.CoinScore, c promptContext, gate gateResult, snap sniper.Snapshot) decimal.Decimal {
	base := decimal.NewFromFloat(p.BaseSizeUSD)
	if base.IsZero() || base.IsNegative() {
		base = s.cfg.BaseSizeUSD
	}

	patternModifier := decimal.NewFromInt(1)
	if p.PatternID != nil {
		for _, pat := range c.patterns {
			if pat.PatternID == *p.PatternID {
				patternModifier = domain.PatternModifier(pat.Confidence)
				break
			}
		}
	}

	raw := base.Mul(score.CoinModifier()).Mul(patternModifier).Mul(gate.regimeModifier)
	if raw.IsZero() || raw.IsNegative() {
		return decimal.Zero
	}

	maxExposureRemaining := c.account.Account.Balance.Mul(s.cfg.MaxExposurePct).Sub(c.account.Account.InPositions)
	if maxExposureRemaining.IsNegative() {
		maxExposureRemaining = decimal.Zero
	}

	maxPositionPerCoin := s.cfg.MaxSizeUSD
	openForSymbol := 0
	for _, pos := range snap.Positions {
		if pos.Symbol == p.Symbol {
			openForSymbol++
		}
	}
	if openForSymbol >= s.cfg.MaxPerSymbol {
		maxPositionPerCoin = decimal.Zero
	}

	ceiling := s.cfg.MaxSizeUSD
	if maxExposureRemaining.LessThan(ceiling) {
		ceiling = maxExposureRemaining
	}
	if maxPositionPerCoin.LessThan(ceiling) {
		ceiling = maxPositionPerCoin
	}
	if ceiling.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}

	size := raw
	if size.GreaterThan(ceiling) {
		size = ceiling
	}
	if size.LessThan(s.cfg.MinSizeUSD) {
		// §4.3: final_size is clamped to [MinSize, ...] — a raw size below
		// the floor is raised to it, unless the ceiling itself can't
		// accommodate the floor, in which case there is no valid size.
		if ceiling.LessThan(s.cfg.MinSizeUSD) {
			return decimal.Zero
		}
		size = s.cfg.MinSizeUSD
	}
	return size
}
