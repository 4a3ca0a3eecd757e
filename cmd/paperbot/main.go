// Command paperbot is the engine's entrypoint: load config, construct
// every subsystem, hand them to Orchestrator, start the operator API,
// and block until SIGINT/SIGTERM — grounded in the teacher's main.go
// construction order (config -> logging -> event bus -> subsystems ->
// signal wait -> graceful shutdown), narrowed from its many trading
// subsystems down to this engine's four.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paperbot/engine/config"
	"github.com/paperbot/engine/internal/adaptation"
	"github.com/paperbot/engine/internal/api"
	"github.com/paperbot/engine/internal/auth"
	"github.com/paperbot/engine/internal/chatclient"
	"github.com/paperbot/engine/internal/database"
	"github.com/paperbot/engine/internal/effectiveness"
	"github.com/paperbot/engine/internal/events"
	"github.com/paperbot/engine/internal/journal"
	"github.com/paperbot/engine/internal/knowledge"
	"github.com/paperbot/engine/internal/logging"
	"github.com/paperbot/engine/internal/orchestrator"
	"github.com/paperbot/engine/internal/pricebus"
	"github.com/paperbot/engine/internal/pricesource"
	"github.com/paperbot/engine/internal/quickupdate"
	"github.com/paperbot/engine/internal/reflection"
	"github.com/paperbot/engine/internal/sniper"
	"github.com/paperbot/engine/internal/strategist"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// §6.5 exit code 1: config error.
		logging.WithComponent("main").WithError(err).Error("failed to load configuration")
		os.Exit(1)
	}

	logger := logging.New(&logging.Config{
		Level:       cfg.Logging.Level,
		Output:      cfg.Logging.Output,
		JSONFormat:  cfg.Logging.JSONFormat,
		IncludeFile: cfg.Logging.IncludeFile,
		Component:   "main",
	})
	logging.SetDefault(logger)
	logger.Info("configuration loaded", "tradeable_symbols", len(cfg.Symbols.TradeableSymbols))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := events.NewEventBus()

	db, err := database.Connect(ctx, database.Config{
		DSN: cfg.Database.DSN, MaxConns: int32(cfg.Database.MaxConns), MinConns: int32(cfg.Database.MinConns),
	})
	if err != nil {
		logger.WithError(err).Error("failed to connect to database")
		os.Exit(3)
	}
	defer db.Close()

	if err := db.CheckSchemaVersion(ctx); err != nil {
		// §6.5 exit code 2: schema mismatch.
		logger.WithError(err).Error("schema version mismatch")
		os.Exit(2)
	}

	knowledgeRepo := database.NewKnowledgeRepository(db)
	journalRepo := database.NewJournalRepository(db)

	var cache *database.Cache
	if cfg.Redis.Enabled {
		cache = database.NewCache(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.TTL, knowledgeRepo)
	}

	store := knowledge.New(knowledgeRepo, cache, bus)
	j := journal.New(journalRepo, bus)

	chat := chatclient.New(&chatclient.Config{
		Provider:    chatclient.Provider(cfg.ChatClient.Provider),
		Endpoint:    cfg.ChatClient.Endpoint,
		Model:       cfg.ChatClient.Model,
		APIKey:      cfg.ChatClient.APIKey,
		MaxTokens:   cfg.ChatClient.MaxTokens,
		Temperature: cfg.ChatClient.Temperature,
	}, &http.Client{Timeout: 90 * time.Second})

	blacklist, err := store.GetBlacklist(ctx)
	if err != nil {
		logger.WithError(err).Error("failed to load initial blacklist")
		os.Exit(3)
	}
	initialBlacklist := make([]string, 0, len(blacklist))
	for _, s := range blacklist {
		initialBlacklist = append(initialBlacklist, s.Symbol)
	}

	sniperCfg := sniper.Config{
		MaxPositions:   cfg.Account.MaxPositions,
		MaxPerSymbol:   cfg.Account.MaxPerSymbol,
		MaxExposurePct: decimalFromFloat(cfg.Account.MaxExposurePct),
	}

	// effectivenessMonitor and adaptationEngine have no dependency on
	// Sniper, so they're built first and handed down the chain —
	// reflectionEngine needs adaptationEngine as its AdaptationHandler,
	// and QuickUpdate needs reflectionEngine as its ReflectionNotifier,
	// before Sniper (which owns QuickUpdate) can be constructed.
	effectivenessMonitor := effectiveness.New(effectiveness.DefaultConfig(), store)
	adaptationEngine := adaptation.New(adaptation.DefaultConfig(), store, nil, effectivenessMonitor)

	reflectionEngine := reflection.New(reflection.Config{
		Period:      time.Duration(cfg.Reflection.PeriodHours) * time.Hour,
		MinTrades:   cfg.Reflection.MinTrades,
		Timeout:     cfg.Reflection.Timeout,
		WindowHours: 24, WindowTrades: 100, FirstRunMin: 5,
	}, j, store, chat, adaptationEngine)

	qu := quickupdate.New(quickupdate.Config{
		MinTradesForAdaptation: cfg.Knowledge.MinTradesForAdaptation,
		BlacklistWinRate:       decimalFromFloat(cfg.Knowledge.BlacklistWinRate),
		ReducedWinRate:         decimalFromFloat(cfg.Knowledge.ReducedWinRate),
		FavoredWinRate:         decimalFromFloat(cfg.Knowledge.FavoredWinRate),
		PatternShrinkageAlpha:  decimalFromFloat(cfg.Knowledge.PatternShrinkageAlpha),
	}, store, reflectionEngine)

	sn := sniper.New(sniperCfg, decimalFromFloat(cfg.Account.InitialBalance), j, qu, bus, initialBlacklist)

	strategistCfg := strategist.DefaultConfig()
	strategistCfg.Period = time.Duration(cfg.Strategist.PeriodSeconds) * time.Second
	strategistCfg.Timeout = cfg.Strategist.Timeout
	strategistCfg.MinSizeUSD = decimalFromFloat(cfg.Account.MinSizeUSD)
	strategistCfg.MaxSizeUSD = decimalFromFloat(cfg.Account.MaxSizeUSD)
	strategistCfg.MaxExposurePct = decimalFromFloat(cfg.Account.MaxExposurePct)
	strategistCfg.MaxPerSymbol = cfg.Account.MaxPerSymbol
	strategistCfg.SLMin = decimalFromFloat(cfg.Bounds.StopLossMin)
	strategistCfg.SLMax = decimalFromFloat(cfg.Bounds.StopLossMax)
	strategistCfg.TPMin = decimalFromFloat(cfg.Bounds.TakeProfitMin)
	strategistCfg.TPMax = decimalFromFloat(cfg.Bounds.TakeProfitMax)

	bus2 := pricebus.New()
	strategistEngine := strategist.New(strategistCfg, store, bus2, sn, chat)

	src := pricesource.NewWebsocketSource(cfg.PriceSource.BaseURL)

	eng := &orchestrator.Engine{
		DB: db, Cache: cache, Knowledge: store, Journal: j, Bus: bus,
		PriceBus: bus2, PriceSource: src, Sniper: sn, QuickUpdate: qu,
		Reflection: reflectionEngine, Adaptation: adaptationEngine,
		Effectiveness: effectivenessMonitor, Strategist: strategistEngine, ChatClient: chat,
	}
	orch := orchestrator.New(cfg, eng)

	if err := orch.Startup(ctx); err != nil {
		logger.WithError(err).Error("startup failed")
		os.Exit(3)
	}

	var jwtManager *auth.JWTManager
	if cfg.Auth.Enabled {
		jwtManager = auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.TokenLifetime)
	}
	apiServer := api.New(cfg.Server, cfg.Auth, jwtManager, orch, store, bus, []api.HealthReporter{
		sn, strategistEngine, reflectionEngine, adaptationEngine, effectivenessMonitor, store,
	})

	go func() {
		if err := apiServer.Run(ctx); err != nil {
			logger.WithError(err).Warn("api server stopped with error")
		}
	}()

	logger.Info("paperbot engine started")
	if err := orch.Run(ctx); err != nil {
		logger.WithError(err).Error("orchestrator run failed")
		os.Exit(3)
	}

	logger.Info("paperbot engine stopped cleanly")
}

func decimalFromFloat(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}
