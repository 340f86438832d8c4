package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ksred/klear-exec/internal/positions"
	"github.com/ksred/klear-exec/internal/rules"
	"github.com/ksred/klear-exec/internal/trading"
	"github.com/ksred/klear-exec/internal/venue"
	"github.com/ksred/klear-exec/pkg/middleware"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config represents application configuration
type Config struct {
	App       AppConfig               `yaml:"app"`
	Log       LogConfig               `yaml:"log"`
	Server    ServerConfig            `yaml:"server"`
	Database  DatabaseConfig          `yaml:"database"`
	Execution ExecutionConfig         `yaml:"execution"`
	Venue     VenueConfig             `yaml:"venue"`
	Symbols   map[string]SymbolConfig `yaml:"symbols"`
}

// AppConfig represents application settings
type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Debug       bool   `yaml:"debug"`
}

// LogConfig represents logging settings
type LogConfig struct {
	Level string `yaml:"level"`
}

// ServerConfig represents HTTP API settings
type ServerConfig struct {
	Port            string            `yaml:"port"`
	ShutdownTimeout time.Duration     `yaml:"shutdown_timeout"`
	JWTSecret       string            `yaml:"jwt_secret"`
	TokenTTL        time.Duration     `yaml:"token_ttl"`
	Clients         []ClientConfig    `yaml:"clients"`
	RateLimits      middleware.Limits `yaml:"-"`
	RateLimitConfig RateLimitConfig   `yaml:"rate_limits"`
}

// ClientConfig is one API client allowed to request tokens
type ClientConfig struct {
	APIKey      string   `yaml:"api_key"`
	APISecret   string   `yaml:"api_secret"`
	Permissions []string `yaml:"permissions"`
}

// RateLimitConfig sets requests per minute per client and endpoint group
type RateLimitConfig struct {
	AuthPerMinute      float64 `yaml:"auth_per_minute"`
	OrdersPerMinute    float64 `yaml:"orders_per_minute"`
	PositionsPerMinute float64 `yaml:"positions_per_minute"`
	Burst              int     `yaml:"burst"`
}

// DatabaseConfig selects the ledger store
type DatabaseConfig struct {
	Driver       string `yaml:"driver"` // sqlite or postgres
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// ExecutionConfig holds the submission settings. Decimals are strings so
// they never pass through float64.
type ExecutionConfig struct {
	Mode                 string        `yaml:"mode"` // paper or live
	BucketMs             int64         `yaml:"bucket_ms"`
	ReservationTTL       time.Duration `yaml:"reservation_ttl"`
	BuySafetyMargin      string        `yaml:"buy_safety_margin"`
	MaxNotional          string        `yaml:"max_notional"`
	VenueTimeout         time.Duration `yaml:"venue_timeout"`
	PurgeInterval        time.Duration `yaml:"purge_interval"`
	RulesRefreshInterval time.Duration `yaml:"rules_refresh_interval"`
	SyncInterval         time.Duration `yaml:"sync_interval"`
}

// VenueConfig selects and configures the venue adapter
type VenueConfig struct {
	Kind       string        `yaml:"kind"` // paper or kucoin
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	APISecret  string        `yaml:"api_secret"`
	Passphrase string        `yaml:"passphrase"`
	Timeout    time.Duration `yaml:"timeout"`
	Paper      PaperConfig   `yaml:"paper"`
}

// PaperConfig configures the simulated venue
type PaperConfig struct {
	FeeRate     string            `yaml:"fee_rate"`
	Slippage    string            `yaml:"slippage"`
	SuccessRate float64           `yaml:"success_rate"`
	MinLatency  time.Duration     `yaml:"min_latency"`
	MaxLatency  time.Duration     `yaml:"max_latency"`
	Balances    map[string]string `yaml:"balances"`
}

// SymbolConfig seeds the rule book before the first venue refresh
type SymbolConfig struct {
	PriceIncrement    string `yaml:"price_increment"`
	QuantityIncrement string `yaml:"quantity_increment"`
	MinNotional       string `yaml:"min_notional"`
	MinQuantity       string `yaml:"min_quantity"`
	MaxQuantity       string `yaml:"max_quantity"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		App: AppConfig{Name: "klear-exec", Environment: "development"},
		Log: LogConfig{Level: "info"},
		Server: ServerConfig{
			Port:            "8080",
			ShutdownTimeout: 5 * time.Second,
			TokenTTL:        24 * time.Hour,
			RateLimitConfig: RateLimitConfig(middleware.DefaultLimits),
		},
		Database: DatabaseConfig{Driver: "sqlite", DSN: "exec.db"},
		Execution: ExecutionConfig{
			Mode:            "paper",
			BucketMs:        5000,
			ReservationTTL:  30 * time.Second,
			BuySafetyMargin: "0.98",
			VenueTimeout:    10 * time.Second,
			PurgeInterval:   time.Minute,
			SyncInterval:    30 * time.Second,
		},
		Venue: VenueConfig{
			Kind: "paper",
			Paper: PaperConfig{
				FeeRate:     "0.001",
				SuccessRate: 1,
				Balances:    map[string]string{"USDT": "10000"},
			},
		},
	}
}

// Load loads configuration from YAML file with env overrides
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.loadEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func envBool(v string) bool {
	return v == "true" || v == "1"
}

// loadEnvOverrides overrides config with environment variables
func (c *Config) loadEnvOverrides() {
	if v := os.Getenv("ENV"); v != "" {
		c.App.Environment = v
	}
	if v := os.Getenv("DEBUG"); v != "" {
		c.App.Debug = envBool(v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}

	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Server.JWTSecret = v
	}

	if v := os.Getenv("DATABASE_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}

	if v := os.Getenv("EXECUTION_MODE"); v != "" {
		c.Execution.Mode = v
	}
	if v := os.Getenv("EXECUTION_BUCKET_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Execution.BucketMs = n
		}
	}
	if v := os.Getenv("EXECUTION_MAX_NOTIONAL"); v != "" {
		c.Execution.MaxNotional = v
	}

	if v := os.Getenv("VENUE_KIND"); v != "" {
		c.Venue.Kind = v
	}
	if v := os.Getenv("KUCOIN_API_KEY"); v != "" {
		c.Venue.APIKey = v
	}
	if v := os.Getenv("KUCOIN_API_SECRET"); v != "" {
		c.Venue.APISecret = v
	}
	if v := os.Getenv("KUCOIN_API_PASSPHRASE"); v != "" {
		c.Venue.Passphrase = v
	}
}

// validate validates configuration and fills derived fields
func (c *Config) validate() error {
	if c.Server.JWTSecret == "" {
		return fmt.Errorf("server.jwt_secret is required")
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 5 * time.Second
	}
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	c.Server.RateLimits = middleware.Limits(c.Server.RateLimitConfig)

	switch strings.ToLower(c.Database.Driver) {
	case "sqlite", "postgres":
		c.Database.Driver = strings.ToLower(c.Database.Driver)
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	if _, ok := positions.ParseMode(c.Execution.Mode); !ok {
		return fmt.Errorf("execution.mode must be paper or live, got %q", c.Execution.Mode)
	}
	if c.Execution.ReservationTTL <= 0 {
		return fmt.Errorf("execution.reservation_ttl must be positive")
	}
	if _, err := c.TradingConfig(); err != nil {
		return err
	}

	switch strings.ToLower(c.Venue.Kind) {
	case "paper":
		if _, err := c.PaperVenueConfig(); err != nil {
			return err
		}
	case "kucoin":
		if c.Venue.APIKey == "" || c.Venue.APISecret == "" || c.Venue.Passphrase == "" {
			return fmt.Errorf("venue.api_key, venue.api_secret and venue.passphrase are required for kucoin")
		}
	default:
		return fmt.Errorf("venue.kind must be paper or kucoin, got %q", c.Venue.Kind)
	}
	c.Venue.Kind = strings.ToLower(c.Venue.Kind)

	// live positions only make sense against a live venue
	if mode, _ := positions.ParseMode(c.Execution.Mode); mode == positions.ModeLive && c.Venue.Kind == "paper" {
		return fmt.Errorf("execution.mode live requires a live venue")
	}

	if _, err := c.SymbolRules(); err != nil {
		return err
	}
	return nil
}

// optionalDecimal parses s, treating "" as zero
func optionalDecimal(field, s string) (decimal.Decimal, error) {
	if strings.TrimSpace(s) == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", field, err)
	}
	return d, nil
}

// PositionMode returns the configured position mode
func (c *Config) PositionMode() positions.Mode {
	mode, _ := positions.ParseMode(c.Execution.Mode)
	return mode
}

// TradingConfig converts the execution section for the trading service
func (c *Config) TradingConfig() (trading.Config, error) {
	margin, err := optionalDecimal("execution.buy_safety_margin", c.Execution.BuySafetyMargin)
	if err != nil {
		return trading.Config{}, err
	}
	if !margin.IsPositive() || margin.GreaterThan(decimal.NewFromInt(1)) {
		return trading.Config{}, fmt.Errorf("execution.buy_safety_margin must be within (0, 1]")
	}
	maxNotional, err := optionalDecimal("execution.max_notional", c.Execution.MaxNotional)
	if err != nil {
		return trading.Config{}, err
	}
	if maxNotional.IsNegative() {
		return trading.Config{}, fmt.Errorf("execution.max_notional must not be negative")
	}
	if c.Execution.ReservationTTL <= trading.MinReservationTTL(c.Execution.VenueTimeout) {
		return trading.Config{}, fmt.Errorf("execution.reservation_ttl must exceed twice execution.venue_timeout")
	}

	return trading.Config{
		BucketWidth:     time.Duration(c.Execution.BucketMs) * time.Millisecond,
		ReservationTTL:  c.Execution.ReservationTTL,
		BuySafetyMargin: margin,
		MaxNotional:     maxNotional,
		VenueTimeout:    c.Execution.VenueTimeout,
	}, nil
}

// SymbolRules converts the seeded symbols for the rule book
func (c *Config) SymbolRules() (map[string]rules.InstrumentRules, error) {
	out := make(map[string]rules.InstrumentRules, len(c.Symbols))
	for symbol, s := range c.Symbols {
		var r rules.InstrumentRules
		fields := []struct {
			name string
			raw  string
			dst  *decimal.Decimal
		}{
			{"price_increment", s.PriceIncrement, &r.PriceIncrement},
			{"quantity_increment", s.QuantityIncrement, &r.QuantityIncrement},
			{"min_notional", s.MinNotional, &r.MinNotional},
			{"min_quantity", s.MinQuantity, &r.MinQuantity},
			{"max_quantity", s.MaxQuantity, &r.MaxQuantity},
		}
		for _, f := range fields {
			v, err := optionalDecimal("symbols."+symbol+"."+f.name, f.raw)
			if err != nil {
				return nil, err
			}
			*f.dst = v
		}
		if err := r.Check(); err != nil {
			return nil, fmt.Errorf("symbols.%s: %w", symbol, err)
		}
		out[strings.ToUpper(symbol)] = r
	}
	return out, nil
}

// PaperVenueConfig converts the paper section for the paper venue
func (c *Config) PaperVenueConfig() (venue.PaperConfig, error) {
	p := c.Venue.Paper
	fee, err := optionalDecimal("venue.paper.fee_rate", p.FeeRate)
	if err != nil {
		return venue.PaperConfig{}, err
	}
	slippage, err := optionalDecimal("venue.paper.slippage", p.Slippage)
	if err != nil {
		return venue.PaperConfig{}, err
	}
	balances := make(map[string]decimal.Decimal, len(p.Balances))
	for asset, raw := range p.Balances {
		v, err := optionalDecimal("venue.paper.balances."+asset, raw)
		if err != nil {
			return venue.PaperConfig{}, err
		}
		balances[strings.ToUpper(asset)] = v
	}
	symbolRules, err := c.SymbolRules()
	if err != nil {
		return venue.PaperConfig{}, err
	}

	return venue.PaperConfig{
		MinLatency:  p.MinLatency,
		MaxLatency:  p.MaxLatency,
		SuccessRate: p.SuccessRate,
		FeeRate:     fee,
		Slippage:    slippage,
		Balances:    balances,
		Rules:       symbolRules,
	}, nil
}

// KuCoinVenueConfig converts the venue section for the KuCoin client
func (c *Config) KuCoinVenueConfig() venue.KuCoinConfig {
	return venue.KuCoinConfig{
		BaseURL:    c.Venue.BaseURL,
		APIKey:     c.Venue.APIKey,
		APISecret:  c.Venue.APISecret,
		Passphrase: c.Venue.Passphrase,
		Timeout:    c.Venue.Timeout,
	}
}
