package config

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	Wallet  WalletConfig
	Redis   RedisConfig
	Pricing PricingConfig
	Polling PollingConfig
	Server  ServerConfig
}

type WalletConfig struct {
	APIURL      string `mapstructure:"api_url"`
	APIKey      string `mapstructure:"api_key"`
	RequesterID string `mapstructure:"requester_id"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

// PricingConfig carries the fee constants as strings so they round-trip
// through env vars without float truncation. The defaults are observed
// network constants, not derived from fee estimation.
type PricingConfig struct {
	DefaultCushion  float64 `mapstructure:"default_cushion"`
	FundingOverhead string  `mapstructure:"funding_overhead"`
	RefundFeeBuffer string  `mapstructure:"refund_fee_buffer"`
}

type PollingConfig struct {
	IntervalSec int64 `mapstructure:"interval_sec"`
	MaxAttempts int   `mapstructure:"max_attempts"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("pricing.default_cushion", 0.15)
	v.SetDefault("pricing.funding_overhead", "10")
	v.SetDefault("pricing.refund_fee_buffer", "0.01")
	v.SetDefault("polling.interval_sec", 30)
	v.SetDefault("polling.max_attempts", 20)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"wallet.api_url":            "WALLET_API_URL",
		"wallet.api_key":            "WALLET_API_KEY",
		"wallet.requester_id":       "REQUESTER_ID",
		"redis.addr":                "REDIS_ADDR",
		"redis.password":            "REDIS_PASSWORD",
		"pricing.default_cushion":   "DEFAULT_CUSHION",
		"pricing.funding_overhead":  "FUNDING_OVERHEAD",
		"pricing.refund_fee_buffer": "REFUND_FEE_BUFFER",
		"polling.interval_sec":      "POLL_INTERVAL_SEC",
		"polling.max_attempts":      "POLL_MAX_ATTEMPTS",
		"server.port":               "PORT",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	type req struct {
		val  string
		name string
	}
	for _, r := range []req{
		{c.Wallet.APIURL, "WALLET_API_URL"},
		{c.Wallet.RequesterID, "REQUESTER_ID"},
	} {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	if c.Pricing.DefaultCushion < 0 || c.Pricing.DefaultCushion > 1 {
		return fmt.Errorf("DEFAULT_CUSHION must be in [0,1], got %v", c.Pricing.DefaultCushion)
	}
	for _, r := range []req{
		{c.Pricing.FundingOverhead, "FUNDING_OVERHEAD"},
		{c.Pricing.RefundFeeBuffer, "REFUND_FEE_BUFFER"},
	} {
		if _, err := decimal.NewFromString(r.val); err != nil {
			return fmt.Errorf("invalid %s: %w", r.name, err)
		}
	}
	if c.Polling.IntervalSec <= 0 {
		return fmt.Errorf("POLL_INTERVAL_SEC must be positive")
	}
	if c.Polling.MaxAttempts <= 0 {
		return fmt.Errorf("POLL_MAX_ATTEMPTS must be positive")
	}
	return nil
}

// FundingOverhead returns the fixed per-purchase transaction overhead.
func (c *Config) FundingOverhead() decimal.Decimal {
	d, _ := decimal.NewFromString(c.Pricing.FundingOverhead)
	return d
}

// RefundFeeBuffer returns the dust/fee margin retained on refunds.
func (c *Config) RefundFeeBuffer() decimal.Decimal {
	d, _ := decimal.NewFromString(c.Pricing.RefundFeeBuffer)
	return d
}
