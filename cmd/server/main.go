package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tally/internal/platform/config"
	"tally/internal/platform/httpserver"
	"tally/internal/platform/logger"
	platmetrics "tally/internal/platform/metrics"
	pgplatform "tally/internal/platform/postgres"
	redisplatform "tally/internal/platform/redis"
	"tally/internal/platform/secrets"
	"tally/internal/platform/token"
	"tally/internal/referral/auditor"
	"tally/internal/referral/handler"
	refmetrics "tally/internal/referral/metrics"
	"tally/internal/referral/ports"
	"tally/internal/referral/service"
	"tally/internal/referral/statscache"
	"tally/internal/referral/store"
	codestore "tally/internal/referral/store/code"
	edgestore "tally/internal/referral/store/edge"
	userstore "tally/internal/referral/store/user"
	id "tally/pkg/domain"
	"tally/pkg/platform/audit"
	"tally/pkg/platform/audit/publisher"
	kafkasink "tally/pkg/platform/audit/sink/kafka"
	auditmem "tally/pkg/platform/audit/store/memory"
	auditpg "tally/pkg/platform/audit/store/postgres"
)

// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. Business logic lives in the internal referral
// packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New()
	if err := run(cfg, log); err != nil {
		log.Error("server exited", "error", err.Error())
		os.Exit(1)
	}
}

func run(cfg config.Server, log *slog.Logger) error {
	ctx := context.Background()

	var (
		stores     ports.Stores
		storeTx    ports.StoreTx
		auditStore audit.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := pgplatform.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := pgplatform.Migrate(db); err != nil {
			return err
		}
		stores = ports.Stores{
			Users: userstore.NewPostgres(db),
			Codes: codestore.NewPostgres(db),
			Edges: edgestore.NewPostgres(db),
		}
		storeTx = newPostgresTx(db, stores)
		auditStore = auditpg.New(db)
		log.Info("using postgres stores")
	} else {
		stores = ports.Stores{
			Users: userstore.New(),
			Codes: codestore.New(),
			Edges: edgestore.New(),
		}
		storeTx = service.NewShardedTx(stores)
		auditStore = auditmem.NewInMemoryStore()
		log.Warn("DATABASE_URL not set, using in-memory stores")
	}

	if len(cfg.Kafka.Brokers) > 0 {
		sink, err := kafkasink.New(ctx, cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			return fmt.Errorf("connect audit sink: %w", err)
		}
		defer sink.Close()
		tee := audit.NewTee(auditStore, sink)
		tee.OnSinkFail = func(err error) {
			log.Warn("audit sink append failed", "error", err.Error())
		}
		auditStore = tee
		log.Info("audit events mirrored to kafka", "brokers", cfg.Kafka.Brokers)
	}
	pub := publisher.NewPublisher(auditStore, publisher.WithAsyncBuffer(1024))
	defer pub.Close()

	refM := refmetrics.New()
	httpM := platmetrics.New()

	var cache ports.StatsCache
	redisClient, err := redisplatform.New(cfg.Redis)
	if err != nil {
		log.Warn("redis unavailable, stats cache disabled", "error", err.Error())
	} else if redisClient != nil {
		defer redisClient.Close()
		cache = statscache.New(redisClient.Client, cfg.Redis.StatsTTL)
		log.Info("stats cache enabled")
	}

	svcOpts := []service.Option{
		service.WithLogger(log),
		service.WithMetrics(refM),
		service.WithAuditPublisher(pub),
		service.WithStatsDepth(cfg.StatsDepth),
	}
	if cache != nil {
		svcOpts = append(svcOpts, service.WithStatsCache(cache))
	}
	svc, err := service.New(storeTx, stores, svcOpts...)
	if err != nil {
		return err
	}

	aud, err := auditor.New(storeTx, stores, svc,
		auditor.WithLogger(log),
		auditor.WithMetrics(refM),
		auditor.WithAuditPublisher(pub),
		auditor.WithConcurrency(cfg.AuditorConcurrency),
	)
	if err != nil {
		return err
	}

	if cfg.OperatorID != "" {
		operatorID, err := id.ParseUserID(cfg.OperatorID)
		if err != nil {
			return fmt.Errorf("OPERATOR_USER_ID: %w", err)
		}
		if err := store.SeedOperator(ctx, stores.Users, pub, log, operatorID); err != nil {
			return fmt.Errorf("seed operator: %w", err)
		}
	}

	adminToken := cfg.AdminToken
	if adminToken == "" {
		generated, err := secrets.Generate()
		if err != nil {
			return err
		}
		adminToken = generated
		log.Warn("ADMIN_TOKEN not set, generated a one-time token", "token", generated)
	}
	adminHash, err := secrets.Hash(adminToken)
	if err != nil {
		return err
	}

	router := chi.NewRouter()
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if redisClient != nil {
			if err := redisClient.Health(r.Context()); err != nil {
				http.Error(w, "degraded", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Handle("/metrics", promhttp.Handler())

	h := handler.New(svc, aud, log, httpM, token.NewValidator(cfg.JWTSigningKey), adminHash)
	h.Register(router)

	srv := httpserver.New(cfg.Addr, router)

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting tally server", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-quit:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	log.Info("server stopped")
	return nil
}
