package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/agentdeck/agentdeck-api/internal/config"
	"github.com/agentdeck/agentdeck-api/internal/domain/agent"
	"github.com/agentdeck/agentdeck-api/internal/domain/auth"
	"github.com/agentdeck/agentdeck-api/internal/domain/execution"
	"github.com/agentdeck/agentdeck-api/internal/domain/ledger"
	"github.com/agentdeck/agentdeck-api/internal/domain/payment"
	"github.com/agentdeck/agentdeck-api/internal/domain/trial"
	"github.com/agentdeck/agentdeck-api/internal/domain/user"
	"github.com/agentdeck/agentdeck-api/internal/middleware"
	"github.com/agentdeck/agentdeck-api/internal/pkg/database"
	"github.com/agentdeck/agentdeck-api/internal/pkg/executor"
	"github.com/agentdeck/agentdeck-api/internal/pkg/jwt"
	"github.com/agentdeck/agentdeck-api/internal/pkg/logger"
	pkgresponse "github.com/agentdeck/agentdeck-api/internal/pkg/response"
)

func main() {
	cfg := config.Load()
	logger.Init(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env})

	log.Info().
		Str("env", cfg.Env).
		Str("port", cfg.Port).
		Msg("Starting AgentDeck API")

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer database.ClosePostgres(db)

	redis, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer database.CloseRedis(redis)

	jwtService := jwt.NewService(cfg.JWTSecret, cfg.JWTAccessTTL, cfg.JWTRefreshTTL)
	executorClient := executor.NewClient(cfg.ExecutorBaseURL, cfg.ExecutorToken, cfg.ExecutorTimeout)

	// ---------- Repositories ----------
	userRepo := user.NewRepository(db)
	sessionRepo := auth.NewSessionRepository(db)
	ledgerRepo := ledger.NewRepository(db)
	trialRepo := trial.NewRepository(db)
	agentRepo := agent.NewPostgresRepository(db)
	executionRepo := execution.NewPostgresRepository(db, ledgerRepo)

	// ---------- Services ----------
	ledgerService := ledger.NewService(ledgerRepo, redis)
	trialService := trial.NewService(trialRepo, cfg.TrialQuota, cfg.TrialWindow)
	agentService := agent.NewService(agentRepo)
	authService := auth.NewService(userRepo, sessionRepo, jwtService, ledgerService, trialService, int64(cfg.SignupGrant))
	executionService := execution.NewService(executionRepo, agentService, trialService, executorClient, ledgerService, cfg.TrialRefundOnFailure)
	paymentService := payment.NewService(ledgerService)

	// ---------- Handlers ----------
	authHandler := auth.NewHandler(authService)
	agentHandler := agent.NewHandler(agentService)
	ledgerHandler := ledger.NewHandler(ledgerService)
	executionHandler := execution.NewHandler(executionService)
	paymentHandler := payment.NewHandler(paymentService, cfg.PaymentWebhookSecret)

	authMiddleware := middleware.Auth(jwtService)
	optionalAuthMiddleware := middleware.OptionalAuth(jwtService)

	// ---------- Background ----------
	sweeperCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	sweeper := execution.NewSweeper(executionRepo, ledgerService, cfg.SweeperInterval, cfg.ReservationTimeout)
	go sweeper.Run(sweeperCtx)
	go cleanupSessions(sweeperCtx, sessionRepo)

	// ---------- Router ----------
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recover)
	r.Use(middleware.CORSHandler(cfg.AllowedOrigins))
	r.Use(middleware.Identity)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		pkgresponse.OK(w, map[string]string{
			"status":  "ok",
			"version": "1.0.0",
		})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/auth", authHandler.Routes(authMiddleware))
		r.Mount("/agents", agentHandler.Routes())
		r.Mount("/credits", ledgerHandler.Routes(authMiddleware))
		r.Mount("/", executionHandler.Routes(optionalAuthMiddleware, authMiddleware))
	})

	r.Mount("/webhooks", paymentHandler.Routes())

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.ExecutorTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	stopSweeper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	log.Info().Msg("Server stopped")
}

// cleanupSessions purges expired session rows hourly. Expired sessions
// are already unusable; this just keeps the table from growing forever.
func cleanupSessions(ctx context.Context, sessions auth.SessionRepository) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := sessions.DeleteExpired(ctx, time.Now().Add(-24*time.Hour))
			if err != nil {
				log.Error().Err(err).Msg("Session cleanup failed")
				continue
			}
			if deleted > 0 {
				log.Info().Int64("deleted", deleted).Msg("Expired sessions purged")
			}
		}
	}
}
