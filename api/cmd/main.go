package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/liam-jons/buildappswith-reconciler/internal/audit"
	"github.com/liam-jons/buildappswith-reconciler/internal/config"
	"github.com/liam-jons/buildappswith-reconciler/internal/domain"
	"github.com/liam-jons/buildappswith-reconciler/internal/infrastructure/postgres"
	"github.com/liam-jons/buildappswith-reconciler/internal/infrastructure/redis"
	"github.com/liam-jons/buildappswith-reconciler/internal/normalize"
	"github.com/liam-jons/buildappswith-reconciler/internal/pkg/logger"
	"github.com/liam-jons/buildappswith-reconciler/internal/security"
	"github.com/liam-jons/buildappswith-reconciler/internal/service"
	"github.com/liam-jons/buildappswith-reconciler/internal/sweeper"
	"github.com/liam-jons/buildappswith-reconciler/internal/transport/rest"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		_ = os.Setenv("LOG_LEVEL", cfg.LogLevel)
	}
	if cfg.LogFormat != "" {
		_ = os.Setenv("LOG_FORMAT", cfg.LogFormat)
	}

	logger.Init()
	log := logger.Logger.With().
		Str("service", "booking-reconciler").
		Str("env", cfg.AppEnv).
		Logger()

	// Root ctx with signal cancellation
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Postgres ----
	dbPool, err := pgxpool.New(rootCtx, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres pool create failed")
	}
	defer dbPool.Close()

	{
		pingCtx, cancel := context.WithTimeout(rootCtx, 5*time.Second)
		defer cancel()

		if err := dbPool.Ping(pingCtx); err != nil {
			log.Fatal().Err(err).Msg("postgres ping failed")
		}
		log.Info().Msg("postgres connected")
	}

	repo := postgres.New(dbPool)

	// ---- Redis ----
	cache := redis.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)

	{
		pingCtx, cancel := context.WithTimeout(rootCtx, 2*time.Second)
		defer cancel()

		// Best-effort ping; the cache degrades gracefully when unreachable
		if err := cache.Client.Ping(pingCtx).Err(); err != nil {
			log.Warn().Err(err).Msg("redis ping failed (continuing)")
		} else {
			log.Info().Msg("redis connected")
		}
	}

	// ---- Webhook verifiers ----
	verifiers := map[domain.Source]security.WebhookVerifier{
		domain.SourceScheduling: security.NewSchedulingVerifier(security.Secrets{
			Current:  cfg.SchedulingSecret,
			Previous: cfg.SchedulingSecretPrev,
		}, cfg.SignatureTolerance),
		domain.SourcePayment: security.NewPaymentVerifier(security.Secrets{
			Current:  cfg.PaymentSecret,
			Previous: cfg.PaymentSecretPrev,
		}, cfg.SignatureTolerance),
	}

	// ---- Application service ----
	auditLog := audit.New(logger.Logger)
	svc := service.New(repo, cache, verifiers, normalize.Registry(), auditLog, cfg.CacheBookingTTL)
	h := rest.NewHandler(svc)

	// ---- JWT verifier ----
	verifier := security.NewHS256Verifier(cfg.JWTSecret)

	// ---- Router ----
	httpHandler := rest.NewRouter(rest.RouterDeps{
		Cache:            cache,
		Handler:          h,
		Verifier:         verifier,
		JWTIssuer:        cfg.JWTIssuer,
		RateLimitEnabled: cfg.RLEnabled,
		RateLimit:        cfg.RLLimit,
		RateLimitWindow:  cfg.RLWindow,
	})

	// ---- Sweeper ----
	if cfg.SweeperEnabled {
		sw := sweeper.New(repo, svc, auditLog, sweeper.Config{
			Interval:          cfg.SweepInterval,
			BookingTTL:        cfg.BookingTTL,
			RefundReviewAfter: cfg.RefundReviewAfter,
			SettleDelay:       cfg.SettleDelay,
			ReservationTTL:    cfg.LedgerReservationTTL,
		})
		sw.Start(rootCtx)
		log.Info().Dur("interval", cfg.SweepInterval).Msg("sweeper started")
	}

	// ---- Outbox worker (outbound side-effect messages) ----
	if cfg.OutboxEnabled {
		repo.StartOutboxWorker(rootCtx, cfg.RabbitURL, cfg.RabbitExchange)
		log.Info().Msg("outbox worker started")
	}

	// ---- Ledger retention ----
	repo.StartLedgerCleanup(rootCtx, cfg.LedgerRetention)

	// ---- HTTP server ----
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      20 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Port).Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-rootCtx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("http server crashed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Info().Msg("shutdown complete")
}
