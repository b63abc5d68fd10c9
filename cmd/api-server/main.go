package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hackgods/appointment-ledger/internal/api"
	"github.com/hackgods/appointment-ledger/internal/appointment"
	"github.com/hackgods/appointment-ledger/internal/config"
	"github.com/hackgods/appointment-ledger/internal/db"
	"github.com/hackgods/appointment-ledger/internal/idempotency"
	"github.com/hackgods/appointment-ledger/internal/logging"
	"github.com/hackgods/appointment-ledger/internal/mode"
	"github.com/hackgods/appointment-ledger/internal/offline"
	redisclient "github.com/hackgods/appointment-ledger/internal/redis"
	"github.com/hackgods/appointment-ledger/internal/tracing"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config load error: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		os.Stderr.WriteString("logger init error: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("api-server starting up",
		zap.String("env", cfg.Env),
		zap.String("http_port", cfg.HTTPPort),
		zap.String("lock_backend", cfg.LockBackend),
		zap.String("version", version),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(rootCtx, "api-server", cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Fatal("tracing init error", zap.Error(err))
	}

	if cfg.MigrateOnStart {
		if err := db.Migrate(cfg.PostgresDSN, logger); err != nil {
			logger.Fatal("migration error", zap.Error(err))
		}
	}

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, cfg.PostgresPool())
	cancelPg()
	if err != nil {
		logger.Fatal("postgres connection error", zap.Error(err))
	}
	defer pgPool.Close()
	logger.Info("connected to Postgres")

	probes := []mode.Probe{mode.PingProbe("postgres", pgPool, mode.CheckFailed)}

	var locker offline.Locker
	if cfg.LockBackend == "redis" {
		rdb, err := redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
		if err != nil {
			logger.Fatal("redis connection error", zap.Error(err))
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Warn("error closing redis", zap.Error(err))
			}
		}()
		logger.Info("connected to Redis", zap.String("addr", cfg.RedisAddr))

		locker = redisclient.NewKeyLocker(rdb, "reconcile", cfg.ReconcileLockTTL)
		probes = append(probes, mode.PingProbe("redis", redisclient.Pinger{Client: rdb}, mode.CheckDegraded))
	} else {
		locker = offline.NewLocalLocker(cfg.ReconcileLockTTL)
	}

	store := appointment.NewPgStore(pgPool)
	gate := mode.NewGate()
	svc := appointment.NewService(store, idempotency.NewLedger(cfg.IdempotencyTTL), gate, logger.Named("engine"))
	reconciler := offline.NewReconciler(svc, locker, logger.Named("reconciler"))

	probes = append(probes,
		mode.EventLogProbe(store),
		mode.QueueProcessorProbe(reconciler, cfg.ReconcileStuckAfter),
	)
	prober := mode.NewProber(gate, cfg.ProbeInterval, logger.Named("mode"), probes...)
	go prober.Run(rootCtx)

	router := api.NewRouter(api.RouterConfig{
		Service:    svc,
		Reconciler: reconciler,
		Gate:       gate,
		Logger:     logger,
		Env:        cfg.Env,
		Version:    version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("http server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown error", zap.Error(err))
	}

	logger.Info("api-server stopped")
}
