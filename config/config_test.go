package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateSymbolInvariant(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "defaults are valid",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "tradeable symbol missing from symbol_map",
			mutate: func(c *Config) {
				c.Symbols.TradeableSymbols = append(c.Symbols.TradeableSymbols, "SHIB")
			},
			wantErr: true,
		},
		{
			name: "symbol_map has extra entry not in tradeable_symbols",
			mutate: func(c *Config) {
				c.Symbols.SymbolMap["SHIB"] = "SHIBUSDT"
			},
			wantErr: true,
		},
		{
			name: "empty tradeable_symbols",
			mutate: func(c *Config) {
				c.Symbols.TradeableSymbols = nil
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateSizeAndBoundsGuards(t *testing.T) {
	cfg := defaults()
	cfg.Account.MaxSizeUSD = cfg.Account.MinSizeUSD - 1
	assert.Error(t, cfg.Validate())

	cfg = defaults()
	cfg.Bounds.StopLossMax = cfg.Bounds.StopLossMin
	assert.Error(t, cfg.Validate())
}

func TestGetEnvBoolOrDefault(t *testing.T) {
	assert.True(t, getEnvBoolOrDefault("NONEXISTENT_ENV_KEY_XYZ", true))
	assert.False(t, getEnvBoolOrDefault("NONEXISTENT_ENV_KEY_XYZ", false))
}
