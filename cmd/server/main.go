package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/remit-api/internal/auth"
	"github.com/ksred/remit-api/internal/database"
	"github.com/ksred/remit-api/internal/ledger"
	"github.com/ksred/remit-api/internal/pipeline"
	"github.com/ksred/remit-api/internal/wallet"
	"github.com/ksred/remit-api/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings.
// In development mode, it enables pretty printing with timestamps.
// Debug logging can be enabled via DEBUG environment variable.
func init() {
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

// main initializes and runs the wallet API server with graceful shutdown
// support. The settlement reconcilers run inside the wallet service, one per
// authenticated user, armed only while that user has pending settlements.
func main() {
	db, err := database.NewDatabase()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	router := gin.Default()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = "remit-secret-key"
	}

	authService := auth.NewService(jwtSecret)
	authHandlers := auth.NewGinHandlers(authService)
	// Register test credentials
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret)

	ledgerDB := ledger.NewDatabase(db)
	settlementPipeline := pipeline.New(ledgerDB)

	walletService := wallet.NewService(db, ledgerDB, settlementPipeline)
	walletHandlers := wallet.NewGinHandlers(walletService)

	serviceCtx, serviceCancel := context.WithCancel(context.Background())
	defer serviceCancel()
	walletService.Start(serviceCtx)

	router.Use(middleware.RateLimit())

	setupRoutes(router, authService, authHandlers, walletHandlers)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	walletService.Stop()

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers:
// - Auth routes: public token exchange
// - Wallet/settlement routes: protected by JWT authentication
// - Internal routes: operational endpoints (balance seeding, admin clears)
func setupRoutes(
	router *gin.Engine,
	authService *auth.Service,
	authHandlers *auth.GinHandlers,
	walletHandlers *wallet.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		wallets := v1.Group("/wallets")
		wallets.Use(middleware.JWTAuth(authService))
		{
			wallets.GET("/:currency/balance", walletHandlers.GetBalanceHandler())
		}

		conversions := v1.Group("/conversions")
		conversions.Use(middleware.JWTAuth(authService))
		{
			conversions.POST("", walletHandlers.CreateConversionHandler())
		}

		settlements := v1.Group("/settlements")
		settlements.Use(middleware.JWTAuth(authService))
		{
			settlements.GET("", walletHandlers.ListSettlementsHandler())
			settlements.DELETE("/:settlement_id", walletHandlers.RemoveSettlementHandler())
		}

		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(authService))
		{
			internal.POST("/balances/seed", walletHandlers.SeedBalancesHandler())
			internal.POST("/settlements/clear/:currency", walletHandlers.ClearCurrencyHandler())
		}
	}
}
