package adaptation

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperbot/engine/internal/domain"
)

func strPtr(s string) *string { return &s }

func blacklistInsight(symbol string, confidence float64, trades int) domain.Insight {
	return domain.Insight{
		Type:            "coin_performance",
		Category:        "problem",
		Title:           "bad symbol",
		Description:     "win rate collapsed",
		EvidenceTrades:  trades,
		EvidenceSymbol:  strPtr(symbol),
		SuggestedAction: domain.ActionBlacklist,
		SuggestedTarget: symbol,
		Confidence:      decimal.NewFromFloat(confidence),
	}
}

func TestAppliesBlacklistWhenThresholdsClear(t *testing.T) {
	store := newMockStore()
	scheduler := &mockScheduler{}
	e := New(DefaultConfig(), store, nil, scheduler)

	require.NoError(t, e.ApplyInsights(context.Background(), []domain.Insight{blacklistInsight("DOGEUSDT", 0.9, 8)}))

	s := store.scores["DOGEUSDT"]
	assert.Equal(t, domain.StatusBlacklisted, s.Status)
	require.Len(t, store.adaptations, 1)
	assert.Equal(t, domain.EffectivenessPending, store.adaptations[0].Effectiveness)
	require.Len(t, scheduler.scheduled, 1)
}

func TestRejectsBelowConfidenceThreshold(t *testing.T) {
	store := newMockStore()
	e := New(DefaultConfig(), store, nil, nil)

	require.NoError(t, e.ApplyInsights(context.Background(), []domain.Insight{blacklistInsight("DOGEUSDT", 0.5, 8)}))

	assert.Empty(t, store.adaptations)
	_, ok := store.scores["DOGEUSDT"]
	assert.False(t, ok)
}

func TestRejectsBelowMinTrades(t *testing.T) {
	store := newMockStore()
	e := New(DefaultConfig(), store, nil, nil)

	require.NoError(t, e.ApplyInsights(context.Background(), []domain.Insight{blacklistInsight("DOGEUSDT", 0.9, 2)}))

	assert.Empty(t, store.adaptations)
}

func TestCooldownSuppressesDuplicateWithinWindow(t *testing.T) {
	store := newMockStore()
	e := New(DefaultConfig(), store, nil, nil)
	ctx := context.Background()
	insight := blacklistInsight("DOGEUSDT", 0.9, 8)

	require.NoError(t, e.ApplyInsights(ctx, []domain.Insight{insight}))
	require.Len(t, store.adaptations, 1)

	// Same insight (same description => same reason hash) fired again
	// immediately must be a no-op.
	require.NoError(t, e.ApplyInsights(ctx, []domain.Insight{insight}))
	assert.Len(t, store.adaptations, 1)
}

func TestDifferentReasonBypassesCooldown(t *testing.T) {
	store := newMockStore()
	e := New(DefaultConfig(), store, nil, nil)
	ctx := context.Background()

	first := blacklistInsight("DOGEUSDT", 0.9, 8)
	second := blacklistInsight("DOGEUSDT", 0.9, 8)
	second.Description = "a completely different reason this time"

	require.NoError(t, e.ApplyInsights(ctx, []domain.Insight{first}))
	require.NoError(t, e.ApplyInsights(ctx, []domain.Insight{second}))
	assert.Len(t, store.adaptations, 2)
}

func TestDeactivatesPatternByPatternID(t *testing.T) {
	store := newMockStore()
	store.patterns["p1"] = domain.Pattern{PatternID: "p1", Active: true}
	e := New(DefaultConfig(), store, nil, nil)

	ins := domain.Insight{
		Category:        "problem",
		Title:           "pattern underperforming",
		Description:     "pattern p1 has a poor recent win rate",
		EvidenceTrades:  6,
		EvidencePattern: strPtr("p1"),
		SuggestedAction: domain.ActionDeactivatePattern,
		Confidence:      decimal.NewFromFloat(0.9),
	}
	require.NoError(t, e.ApplyInsights(context.Background(), []domain.Insight{ins}))

	assert.False(t, store.patterns["p1"].Active)
}

func TestCreateTimeRuleBuildsHourPredicate(t *testing.T) {
	store := newMockStore()
	e := New(DefaultConfig(), store, nil, nil)
	hour := 3

	ins := domain.Insight{
		Category:        "problem",
		Title:           "bad hour",
		Description:     "03:00 hour loses money consistently",
		EvidenceTrades:  12,
		EvidenceHours:   &hour,
		SuggestedAction: domain.ActionCreateTimeRule,
		Confidence:      decimal.NewFromFloat(0.8),
	}
	require.NoError(t, e.ApplyInsights(context.Background(), []domain.Insight{ins}))

	require.Len(t, store.rules, 1)
	rule := store.rules[0]
	assert.Equal(t, domain.RegimeNoTrade, rule.Action)
	assert.True(t, rule.Predicate(domain.MarketState{HourOfDay: 3}))
	assert.False(t, rule.Predicate(domain.MarketState{HourOfDay: 4}))
}

func TestCreateRegimeRuleSkippedWithoutKeyword(t *testing.T) {
	store := newMockStore()
	e := New(DefaultConfig(), store, nil, nil)

	ins := domain.Insight{
		Category:        "observation",
		Title:           "no regime signal here",
		Description:     "trades look fine overall",
		EvidenceTrades:  12,
		SuggestedAction: domain.ActionCreateRegimeRule,
		Confidence:      decimal.NewFromFloat(0.8),
	}
	require.NoError(t, e.ApplyInsights(context.Background(), []domain.Insight{ins}))

	assert.Empty(t, store.rules)
	assert.Empty(t, store.adaptations)
}

func TestCreateRegimeRuleMatchesWeekendKeyword(t *testing.T) {
	store := newMockStore()
	e := New(DefaultConfig(), store, nil, nil)

	ins := domain.Insight{
		Category:        "observation",
		Title:           "weekend underperformance",
		Description:     "trades placed on the weekend lose more often",
		EvidenceTrades:  12,
		SuggestedAction: domain.ActionCreateRegimeRule,
		Confidence:      decimal.NewFromFloat(0.8),
	}
	require.NoError(t, e.ApplyInsights(context.Background(), []domain.Insight{ins}))

	require.Len(t, store.rules, 1)
	assert.True(t, store.rules[0].Predicate(domain.MarketState{IsWeekend: true}))
	assert.False(t, store.rules[0].Predicate(domain.MarketState{IsWeekend: false}))
}
