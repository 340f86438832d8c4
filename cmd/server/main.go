package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/klear-exec/internal/auth"
	"github.com/ksred/klear-exec/internal/config"
	"github.com/ksred/klear-exec/internal/database"
	"github.com/ksred/klear-exec/internal/fingerprint"
	"github.com/ksred/klear-exec/internal/ledger"
	"github.com/ksred/klear-exec/internal/logging"
	"github.com/ksred/klear-exec/internal/positions"
	"github.com/ksred/klear-exec/internal/rules"
	"github.com/ksred/klear-exec/internal/trading"
	"github.com/ksred/klear-exec/internal/venue"
	"github.com/ksred/klear-exec/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// main loads configuration, wires the execution core and serves the API
// until SIGINT or SIGTERM
func main() {
	configPath := flag.String("config", "", "path to config file (env only when empty)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load config")
	}

	logging.Setup(logging.Options{
		Environment: cfg.App.Environment,
		Level:       cfg.Log.Level,
		Debug:       cfg.App.Debug,
	})

	// Initialize database
	db, err := database.NewDatabase(cfg.Database, cfg.App.Debug)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Rule book seeded from config, refreshed from live venues
	book := rules.NewBook()
	seed, err := cfg.SymbolRules()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Invalid symbol rules")
	}
	if err := book.SetRules(seed); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to seed symbol rules")
	}

	v, err := newVenue(cfg)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize venue")
	}

	tradingCfg, err := cfg.TradingConfig()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Invalid execution config")
	}

	store := ledger.NewStore(db)
	positionLedger := positions.NewLedger(db, cfg.PositionMode(), book)
	tradingService := trading.NewService(tradingCfg, book, fingerprint.NewGenerator(), store, positionLedger, v)
	tradingHandlers := trading.NewGinHandlers(tradingService)

	if cfg.Venue.Kind != "paper" {
		if n, err := tradingService.RefreshRules(ctx); err != nil {
			zlog.Warn().Err(err).Msg("Initial symbol rules refresh failed, using seeded rules")
		} else {
			zlog.Info().Int("symbols", n).Msg("Symbol rules loaded from venue")
		}
		if cfg.Execution.RulesRefreshInterval > 0 {
			go refreshRules(ctx, tradingService, cfg.Execution.RulesRefreshInterval)
		}
	}

	report, err := tradingService.Scan(ctx)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to scan ledger")
	}
	zlog.Info().
		Str("mode", string(report.Mode)).
		Int("open_positions", report.OpenPositions).
		Int("known_symbols", report.KnownSymbols).
		Interface("ledger_states", report.LedgerStates).
		Msg("Execution core ready")

	// Background maintenance
	janitor := ledger.NewJanitor(store, tradingService.ReservationTTL(), cfg.Execution.PurgeInterval)
	go janitor.Start(ctx)

	if cfg.Execution.SyncInterval > 0 {
		go tradingService.StartSync(ctx, cfg.Execution.SyncInterval)
	}

	limiter := middleware.NewRateLimiter(cfg.Server.RateLimits)
	go limiter.Cleanup(ctx)

	authService := auth.NewService(cfg.Server.JWTSecret, cfg.Server.TokenTTL)
	authHandlers := auth.NewGinHandlers(authService)
	for _, client := range cfg.Server.Clients {
		authService.RegisterAPICredentials(client.APIKey, client.APISecret, client.Permissions...)
	}

	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()

	setupRoutes(router, cfg.Server.JWTSecret, limiter, authHandlers, tradingHandlers)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	go func() {
		zlog.Info().Str("port", cfg.Server.Port).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// newVenue builds the configured venue adapter
func newVenue(cfg *config.Config) (venue.Venue, error) {
	if cfg.Venue.Kind == "kucoin" {
		return venue.NewKuCoin(cfg.KuCoinVenueConfig()), nil
	}
	paperCfg, err := cfg.PaperVenueConfig()
	if err != nil {
		return nil, err
	}
	return venue.NewPaper(paperCfg), nil
}

// refreshRules reloads symbol rules from the venue until ctx is done
func refreshRules(ctx context.Context, svc *trading.Service, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := svc.RefreshRules(ctx)
			if err != nil {
				zlog.Error().Err(err).Str("component", "rules_refresher").Msg("Failed to refresh symbol rules")
				continue
			}
			zlog.Debug().Int("symbols", n).Str("component", "rules_refresher").Msg("Symbol rules refreshed")
		}
	}
}

// setupRoutes configures all API endpoints and their handlers:
// - Auth routes: public token issuance, rate limited by IP
// - Order and position routes: JWT authentication, rate limited by client
// - Internal routes: tokens carrying the internal permission
func setupRoutes(
	router *gin.Engine,
	jwtSecret string,
	limiter *middleware.RateLimiter,
	authHandlers *auth.GinHandlers,
	tradingHandlers *trading.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		authRoutes := v1.Group("/auth")
		authRoutes.Use(limiter.Handler())
		{
			authRoutes.POST("/token", authHandlers.GenerateTokenHandler())
		}

		orders := v1.Group("/orders")
		orders.Use(middleware.JWTAuth(jwtSecret), limiter.Handler())
		{
			orders.POST("", tradingHandlers.SubmitOrderHandler())
			orders.GET("", tradingHandlers.ListOrdersHandler())
			orders.GET("/:fingerprint", tradingHandlers.GetOrderHandler())
		}

		positionRoutes := v1.Group("/positions")
		positionRoutes.Use(middleware.JWTAuth(jwtSecret), limiter.Handler())
		{
			positionRoutes.GET("", tradingHandlers.ListPositionsHandler())
			positionRoutes.GET("/:symbol", tradingHandlers.GetPositionHandler())
			positionRoutes.PUT("/:symbol/stops", tradingHandlers.SetStopsHandler())
		}

		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(jwtSecret))
		{
			internal.PUT("/rules", tradingHandlers.ReplaceRulesHandler())
			internal.POST("/rules/refresh", tradingHandlers.RefreshRulesHandler())
			internal.POST("/ledger/purge", tradingHandlers.PurgeHandler())
			internal.POST("/orders/sync", tradingHandlers.SyncOrdersHandler())
			internal.GET("/report", tradingHandlers.ReportHandler())
		}
	}
}
