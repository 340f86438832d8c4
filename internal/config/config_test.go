package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ksred/klear-exec/internal/positions"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
app:
  name: exec-test
  environment: test
server:
  port: "9090"
  jwt_secret: file-secret
  clients:
    - api_key: bot
      api_secret: bot-secret
      permissions: [trade]
  rate_limits:
    auth_per_minute: 5
    orders_per_minute: 50
    positions_per_minute: 500
database:
  driver: sqlite
  dsn: ledger.db
execution:
  mode: paper
  bucket_ms: 200
  reservation_ttl: 45s
  buy_safety_margin: "0.95"
  max_notional: "250"
  venue_timeout: 3s
venue:
  kind: paper
  paper:
    fee_rate: "0.002"
    success_rate: 0.9
    balances:
      usdt: "500"
symbols:
  btc-usdt:
    price_increment: "0.01"
    quantity_increment: "0.0001"
    min_notional: "5"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFromFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "exec-test", cfg.App.Name)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 24*time.Hour, cfg.Server.TokenTTL, "default kept when the file omits it")
	assert.Equal(t, float64(50), cfg.Server.RateLimits.OrdersPerMinute)
	require.Len(t, cfg.Server.Clients, 1)
	assert.Equal(t, []string{"trade"}, cfg.Server.Clients[0].Permissions)
	assert.Equal(t, positions.ModePaper, cfg.PositionMode())

	tc, err := cfg.TradingConfig()
	require.NoError(t, err)
	assert.Equal(t, 200*time.Millisecond, tc.BucketWidth)
	assert.Equal(t, 45*time.Second, tc.ReservationTTL)
	assert.Equal(t, 3*time.Second, tc.VenueTimeout)
	assert.True(t, tc.BuySafetyMargin.Equal(decimal.RequireFromString("0.95")))
	assert.True(t, tc.MaxNotional.Equal(decimal.NewFromInt(250)))

	symbolRules, err := cfg.SymbolRules()
	require.NoError(t, err)
	btc, ok := symbolRules["BTC-USDT"]
	require.True(t, ok, "symbols are upper-cased")
	assert.True(t, btc.QuantityIncrement.Equal(decimal.RequireFromString("0.0001")))
	assert.True(t, btc.MaxQuantity.IsZero())

	paper, err := cfg.PaperVenueConfig()
	require.NoError(t, err)
	assert.True(t, paper.FeeRate.Equal(decimal.RequireFromString("0.002")))
	assert.True(t, paper.Balances["USDT"].Equal(decimal.NewFromInt(500)))
	assert.Contains(t, paper.Rules, "BTC-USDT")
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "7000")
	t.Setenv("JWT_SECRET", "env-secret")
	t.Setenv("DATABASE_DSN", "other.db")
	t.Setenv("EXECUTION_BUCKET_MS", "1000")
	t.Setenv("DEBUG", "true")

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "7000", cfg.Server.Port)
	assert.Equal(t, "env-secret", cfg.Server.JWTSecret)
	assert.Equal(t, "other.db", cfg.Database.DSN)
	assert.Equal(t, int64(1000), cfg.Execution.BucketMs)
	assert.True(t, cfg.App.Debug)
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "paper", cfg.Venue.Kind)
	assert.Equal(t, 30*time.Second, cfg.Execution.SyncInterval)

	tc, err := cfg.TradingConfig()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, tc.BucketWidth)
	assert.True(t, tc.MaxNotional.IsZero())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing jwt secret", func(c *Config) { c.Server.JWTSecret = "" }, "jwt_secret"},
		{"bad driver", func(c *Config) { c.Database.Driver = "mysql" }, "database.driver"},
		{"bad mode", func(c *Config) { c.Execution.Mode = "demo" }, "execution.mode"},
		{"margin above one", func(c *Config) { c.Execution.BuySafetyMargin = "1.5" }, "buy_safety_margin"},
		{"margin not a number", func(c *Config) { c.Execution.BuySafetyMargin = "abc" }, "buy_safety_margin"},
		{"negative max notional", func(c *Config) { c.Execution.MaxNotional = "-1" }, "max_notional"},
		{"zero ttl", func(c *Config) { c.Execution.ReservationTTL = 0 }, "reservation_ttl"},
		{"ttl within venue calls", func(c *Config) {
			c.Execution.ReservationTTL = 15 * time.Second
			c.Execution.VenueTimeout = 10 * time.Second
		}, "twice execution.venue_timeout"},
		{"ttl within default venue timeout", func(c *Config) {
			c.Execution.ReservationTTL = 20 * time.Second
			c.Execution.VenueTimeout = 0
		}, "twice execution.venue_timeout"},
		{"kucoin without keys", func(c *Config) { c.Venue.Kind = "kucoin" }, "kucoin"},
		{"live on paper venue", func(c *Config) { c.Execution.Mode = "live" }, "live venue"},
		{"unknown venue", func(c *Config) { c.Venue.Kind = "binance" }, "venue.kind"},
		{
			"inconsistent symbol limits",
			func(c *Config) {
				c.Symbols = map[string]SymbolConfig{"X-USDT": {MinQuantity: "5", MaxQuantity: "1"}}
			},
			"symbols.X-USDT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Server.JWTSecret = "secret"
			tt.mutate(cfg)

			err := cfg.validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestKuCoinVenueConfig(t *testing.T) {
	cfg := Default()
	cfg.Server.JWTSecret = "secret"
	cfg.Venue.Kind = "KuCoin"
	cfg.Venue.APIKey = "k"
	cfg.Venue.APISecret = "s"
	cfg.Venue.Passphrase = "p"
	cfg.Execution.Mode = "live"
	require.NoError(t, cfg.validate())

	assert.Equal(t, "kucoin", cfg.Venue.Kind)
	assert.Equal(t, positions.ModeLive, cfg.PositionMode())
	kc := cfg.KuCoinVenueConfig()
	assert.Equal(t, "k", kc.APIKey)
	assert.Equal(t, "p", kc.Passphrase)
}
