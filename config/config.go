// Package config is the single source of truth for engine settings
// (§6.1): one Config struct assembled the way the teacher's config.Load
// does it — a JSON file first, then environment overrides — with I1
// (tradeable_symbols must equal symbol_map's keys) enforced at load
// time as a fatal error, matching §6.5's exit code 1 for config errors.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the engine's full runtime configuration.
type Config struct {
	Symbols    SymbolConfig    `json:"symbols"`
	Account    AccountConfig   `json:"account"`
	Strategist StrategistConfig `json:"strategist"`
	Reflection ReflectionConfig `json:"reflection"`
	Knowledge  KnowledgeConfig  `json:"knowledge"`
	Bounds     BoundsConfig     `json:"bounds"`
	ChatClient ChatClientConfig `json:"chat_client"`
	Database   DatabaseConfig   `json:"database"`
	Redis      RedisConfig      `json:"redis"`
	Logging    LoggingConfig    `json:"logging"`
	Server     ServerConfig     `json:"server"`
	Auth       AuthConfig       `json:"auth"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker"`
	PriceSource PriceSourceConfig `json:"price_source"`
}

// PriceSourceConfig points at the exchange feed PriceSource streams
// ticks from; §3's Non-goals assume the feed's own reconnect/backoff,
// this is just where to dial.
type PriceSourceConfig struct {
	BaseURL string `json:"base_url"`
}

// SymbolConfig is §6.1's tradeable_symbols + symbol_map pair. I1
// requires len(TradeableSymbols) == len(SymbolMap) and every tradeable
// symbol to have a SymbolMap entry.
type SymbolConfig struct {
	TradeableSymbols []string          `json:"tradeable_symbols"`
	SymbolMap        map[string]string `json:"symbol_map"` // canonical -> exchange ticker, e.g. BTC -> BTCUSDT
}

// AccountConfig holds the paper account's starting state and exposure caps.
type AccountConfig struct {
	InitialBalance float64 `json:"initial_balance"`
	MaxPositions   int     `json:"max_positions"`
	MaxPerSymbol   int     `json:"max_per_symbol"`
	MaxExposurePct float64 `json:"max_exposure_pct"`
	MinSizeUSD     float64 `json:"min_size_usd"`
	MaxSizeUSD     float64 `json:"max_size_usd"`
}

// StrategistConfig drives the periodic condition-proposal cycle.
type StrategistConfig struct {
	PeriodSeconds int           `json:"strategist_period_s"`
	Timeout       time.Duration `json:"timeout"` // hard cap on the LLM call (§5: 20s)
}

// ReflectionConfig drives the periodic adaptation-proposal cycle.
type ReflectionConfig struct {
	PeriodHours int           `json:"reflection_period_h"`
	MinTrades   int           `json:"reflection_min_trades"`
	Timeout     time.Duration `json:"timeout"` // hard cap on the LLM call (§5: 60s)
}

// KnowledgeConfig holds the win-rate thresholds that drive CoinScore and
// Pattern status transitions.
type KnowledgeConfig struct {
	MinTradesForAdaptation int     `json:"min_trades_for_adaptation"`
	BlacklistWinRate       float64 `json:"blacklist_wr"`
	ReducedWinRate         float64 `json:"reduced_wr"`
	FavoredWinRate         float64 `json:"favored_wr"`
	PatternShrinkageAlpha  float64 `json:"pattern_shrinkage_alpha"` // §4.6 step 2: confidence = (wins+α)/(trades+2α)
}

// BoundsConfig holds the stop-loss/take-profit validation bounds a
// proposed TradeCondition must fall within.
type BoundsConfig struct {
	StopLossMin   float64 `json:"sl_min"`
	StopLossMax   float64 `json:"sl_max"`
	TakeProfitMin float64 `json:"tp_min"`
	TakeProfitMax float64 `json:"tp_max"`
}

// ChatClientConfig configures the LLM collaborator (§6.4).
type ChatClientConfig struct {
	Provider    string  `json:"provider"` // "claude", "openai", "deepseek"
	Endpoint    string  `json:"llm_endpoint"`
	Model       string  `json:"llm_model"`
	APIKey      string  `json:"api_key"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
}

// DatabaseConfig configures the pgx connection pool backing
// KnowledgeStore and Journal (§6.3).
type DatabaseConfig struct {
	DSN             string `json:"dsn"` // also satisfies db_path for sqlite-style local dev DSNs
	MaxConns        int    `json:"max_conns"`
	MinConns        int    `json:"min_conns"`
	MigrationsPath  string `json:"migrations_path"`
}

// RedisConfig configures the read-through cache in front of
// get_coin_score/get_blacklist/get_favored.
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	TTL      time.Duration `json:"ttl"`
}

// LoggingConfig configures internal/logging.
type LoggingConfig struct {
	Level       string `json:"level"`
	Output      string `json:"output"`
	JSONFormat  bool   `json:"json_format"`
	IncludeFile bool   `json:"include_file"`
}

// ServerConfig configures the operator-command HTTP API (§6.5).
type ServerConfig struct {
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"`
	ReadTimeout     int    `json:"read_timeout"`
	WriteTimeout    int    `json:"write_timeout"`
	ShutdownTimeout int    `json:"shutdown_timeout"`
}

// AuthConfig gates the operator-command API behind a bearer JWT.
type AuthConfig struct {
	Enabled           bool   `json:"enabled"`
	JWTSecret         string `json:"jwt_secret"`
	AdminUser         string `json:"admin_user"`
	AdminPasswordHash string `json:"admin_password_hash"` // bcrypt hash, see internal/auth.HashPassword
	TokenLifetime     time.Duration `json:"token_lifetime"`
}

// CircuitBreakerConfig configures the LLM-generation breaker shared by
// Strategist and ReflectionEngine (§4.3).
type CircuitBreakerConfig struct {
	Enabled                bool          `json:"enabled"`
	MaxConsecutiveFailures int           `json:"max_consecutive_failures"`
	CooldownPeriod         time.Duration `json:"cooldown_period"`
}

// Load assembles Config from config.json (if present) then environment
// overrides, and validates I1. A validation failure is returned as an
// error; callers exit(1) per §6.5.
func Load() (*Config, error) {
	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = defaults()
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate enforces I1: tradeable_symbols must equal symbol_map's key set.
func (c *Config) Validate() error {
	if len(c.Symbols.TradeableSymbols) == 0 {
		return fmt.Errorf("tradeable_symbols must not be empty")
	}
	if len(c.Symbols.TradeableSymbols) != len(c.Symbols.SymbolMap) {
		return fmt.Errorf("I1 violation: %d tradeable_symbols but %d symbol_map entries",
			len(c.Symbols.TradeableSymbols), len(c.Symbols.SymbolMap))
	}
	for _, sym := range c.Symbols.TradeableSymbols {
		if _, ok := c.Symbols.SymbolMap[sym]; !ok {
			return fmt.Errorf("I1 violation: tradeable symbol %q has no symbol_map entry", sym)
		}
	}
	if c.Account.MaxPositions <= 0 {
		return fmt.Errorf("max_positions must be positive")
	}
	if c.Account.MinSizeUSD <= 0 || c.Account.MaxSizeUSD < c.Account.MinSizeUSD {
		return fmt.Errorf("invalid min/max size_usd bounds")
	}
	if c.Bounds.StopLossMin <= 0 || c.Bounds.StopLossMax <= c.Bounds.StopLossMin {
		return fmt.Errorf("invalid stop-loss bounds")
	}
	if c.Bounds.TakeProfitMin <= 0 || c.Bounds.TakeProfitMax <= c.Bounds.TakeProfitMin {
		return fmt.Errorf("invalid take-profit bounds")
	}
	return nil
}

func defaults() *Config {
	symbolMap := map[string]string{
		"BTC": "BTCUSDT", "ETH": "ETHUSDT", "BNB": "BNBUSDT", "SOL": "SOLUSDT",
		"XRP": "XRPUSDT", "ADA": "ADAUSDT", "DOGE": "DOGEUSDT", "AVAX": "AVAXUSDT",
		"DOT": "DOTUSDT", "LINK": "LINKUSDT", "UNI": "UNIUSDT", "ATOM": "ATOMUSDT",
		"LTC": "LTCUSDT", "ETC": "ETCUSDT", "XLM": "XLMUSDT", "NEAR": "NEARUSDT",
		"APT": "APTUSDT", "ARB": "ARBUSDT", "OP": "OPUSDT", "MATIC": "MATICUSDT",
	}
	tradeable := make([]string, 0, len(symbolMap))
	for sym := range symbolMap {
		tradeable = append(tradeable, sym)
	}

	return &Config{
		Symbols: SymbolConfig{TradeableSymbols: tradeable, SymbolMap: symbolMap},
		Account: AccountConfig{
			InitialBalance: 10000,
			MaxPositions:   5,
			MaxPerSymbol:   1,
			MaxExposurePct: 0.10,
			MinSizeUSD:     20,
			MaxSizeUSD:     100,
		},
		Strategist: StrategistConfig{PeriodSeconds: 180, Timeout: 20 * time.Second},
		Reflection: ReflectionConfig{PeriodHours: 1, MinTrades: 10, Timeout: 60 * time.Second},
		Knowledge: KnowledgeConfig{
			MinTradesForAdaptation: 5,
			BlacklistWinRate:       0.30,
			ReducedWinRate:         0.45,
			FavoredWinRate:         0.60,
			PatternShrinkageAlpha:  5,
		},
		Bounds: BoundsConfig{
			StopLossMin: 0.002, StopLossMax: 0.10,
			TakeProfitMin: 0.002, TakeProfitMax: 0.10,
		},
		ChatClient: ChatClientConfig{
			Provider: "claude", Model: "claude-sonnet-4-20250514",
			MaxTokens: 1536, Temperature: 0.3,
		},
		Database: DatabaseConfig{DSN: "data/store.db", MaxConns: 10, MinConns: 2},
		PriceSource: PriceSourceConfig{BaseURL: "wss://stream.binance.com:9443"},
		Logging:  LoggingConfig{Level: "INFO", Output: "stdout", JSONFormat: true},
		Server: ServerConfig{
			Port: 8080, Host: "0.0.0.0", AllowedOrigins: "*",
			ReadTimeout: 30, WriteTimeout: 30, ShutdownTimeout: 10,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled: true, MaxConsecutiveFailures: 3, CooldownPeriod: 60 * time.Second,
		},
		Auth: AuthConfig{
			Enabled: true, AdminUser: "admin", TokenLifetime: 12 * time.Hour,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	cfg.ChatClient.Provider = getEnvOrDefault("CHAT_PROVIDER", cfg.ChatClient.Provider)
	cfg.ChatClient.Endpoint = getEnvOrDefault("CHAT_ENDPOINT", cfg.ChatClient.Endpoint)
	cfg.ChatClient.Model = getEnvOrDefault("CHAT_MODEL", cfg.ChatClient.Model)
	cfg.ChatClient.APIKey = getEnvOrDefault("CHAT_API_KEY", cfg.ChatClient.APIKey)

	cfg.Database.DSN = getEnvOrDefault("DATABASE_DSN", cfg.Database.DSN)
	cfg.Database.MaxConns = getEnvIntOrDefault("DATABASE_MAX_CONNS", cfg.Database.MaxConns)

	cfg.Redis.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.Redis.Enabled)
	cfg.Redis.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.Redis.Address)
	cfg.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.Redis.Password)

	cfg.Logging.Level = getEnvOrDefault("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Output = getEnvOrDefault("LOG_OUTPUT", cfg.Logging.Output)
	cfg.Logging.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.Logging.JSONFormat)
	cfg.Logging.IncludeFile = getEnvBoolOrDefault("LOG_INCLUDE_FILE", cfg.Logging.IncludeFile)

	cfg.Server.Port = getEnvIntOrDefault("SERVER_PORT", cfg.Server.Port)
	cfg.Server.Host = getEnvOrDefault("SERVER_HOST", cfg.Server.Host)
	cfg.Server.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", cfg.Server.AllowedOrigins)

	cfg.Auth.Enabled = getEnvBoolOrDefault("AUTH_ENABLED", cfg.Auth.Enabled)
	cfg.Auth.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.Auth.JWTSecret)

	cfg.CircuitBreaker.Enabled = getEnvBoolOrDefault("CIRCUIT_BREAKER_ENABLED", cfg.CircuitBreaker.Enabled)
	cfg.CircuitBreaker.MaxConsecutiveFailures = getEnvIntOrDefault("CIRCUIT_MAX_CONSECUTIVE_FAILURES", cfg.CircuitBreaker.MaxConsecutiveFailures)
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	cfg := defaults()
	if err := json.Unmarshal(file, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// GenerateSampleConfig writes a starter config.json for operator onboarding.
func GenerateSampleConfig(filename string) error {
	data, err := json.MarshalIndent(defaults(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true"
	}
	return defaultValue
}
