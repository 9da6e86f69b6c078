package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/ordersync-api/internal/auth"
	"github.com/ksred/ordersync-api/internal/database"
	"github.com/ksred/ordersync-api/internal/eventstore"
	"github.com/ksred/ordersync-api/internal/feed"
	"github.com/ksred/ordersync-api/internal/reconcile"
	"github.com/ksred/ordersync-api/internal/replication"
	"github.com/ksred/ordersync-api/internal/trading"
	"github.com/ksred/ordersync-api/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures logging from the environment: pretty console output
// outside production, debug level when DEBUG=true.
func init() {
	godotenv.Load()

	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

func main() {
	dbPath := envOr("DB_PATH", "ordersync.db")
	db, err := database.NewDatabase(dbPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	store := eventstore.New()

	// Broker connection. The simulated broker stands in for a live session.
	broker := feed.NewSimulatedBroker()
	defer broker.Close()

	// Replicator drains the change log into the durable store.
	workerID := envOr("REPLICATOR_WORKER_ID", "replicator-1")
	replicator, err := replication.NewReplicator(store, db, workerID)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize replicator")
	}

	backgroundCtx, backgroundCancel := context.WithCancel(context.Background())
	defer backgroundCancel()
	go replicator.Start(backgroundCtx)

	// Reconciler and trackers converge the store with the broker.
	reconciler := reconcile.NewReconciler(store, broker)
	if err := reconciler.Start(backgroundCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to start reconciler")
	}
	defer reconciler.Stop()

	executions := reconcile.NewExecutionTracker(store, broker)
	executions.Start()
	defer executions.Stop()

	positions := reconcile.NewPositionTracker(store, broker)
	if err := positions.Start(backgroundCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to start position tracker")
	}
	defer positions.Stop()

	// Services and handlers.
	authService := auth.NewService(envOr("JWT_SECRET", "ordersync-secret-key"))
	authService.RegisterAPICredentials(
		envOr("API_KEY", "test-api-key"),
		envOr("API_SECRET", "test-api-secret"),
	)
	authHandlers := auth.NewGinHandlers(authService)

	tradingService := trading.NewService(store, broker)
	tradingHandlers := trading.NewGinHandlers(tradingService, reconciler)

	router := gin.Default()
	router.Use(middleware.RequestID())
	router.Use(middleware.NewRateLimiter().RateLimit())
	setupRoutes(router, authService.Secret(), authHandlers, tradingHandlers)

	srv := &http.Server{
		Addr:    ":" + envOr("PORT", "8080"),
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	// Stop the background loops and wait for the replicator's loop to exit
	// before flushing: only one drain may run at a time.
	backgroundCancel()
	replicator.Wait()
	for {
		applied, err := replicator.DrainOnce()
		if err != nil {
			zlog.Error().Err(err).Msg("final drain failed")
			break
		}
		if applied == 0 {
			break
		}
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures the API surface:
//   - Auth routes: public token issuance
//   - Order, position and account routes: JWT protected
//   - Internal routes: operational endpoints such as forced resync
func setupRoutes(
	router *gin.Engine,
	jwtSecret []byte,
	authHandlers *auth.GinHandlers,
	tradingHandlers *trading.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		authRoutes := v1.Group("/auth")
		{
			authRoutes.POST("/token", authHandlers.GenerateTokenHandler())
		}

		orders := v1.Group("/orders")
		orders.Use(middleware.JWTAuth(jwtSecret))
		{
			orders.POST("", tradingHandlers.PlaceOrderHandler())
			orders.GET("", tradingHandlers.ListOrdersHandler())
			orders.GET("/:order_id", tradingHandlers.GetOrderHandler())
			orders.GET("/:order_id/fills", tradingHandlers.ListFillsHandler())
			orders.DELETE("/:order_id", tradingHandlers.CancelOrderHandler())
		}

		positions := v1.Group("/positions")
		positions.Use(middleware.JWTAuth(jwtSecret))
		{
			positions.GET("", tradingHandlers.PositionsHandler())
		}

		account := v1.Group("/account")
		account.Use(middleware.JWTAuth(jwtSecret))
		{
			account.GET("", tradingHandlers.AccountValuesHandler())
		}

		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(jwtSecret))
		{
			internal.POST("/resync", tradingHandlers.ResyncHandler())
			internal.GET("/logs", tradingHandlers.LogsHandler())
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
