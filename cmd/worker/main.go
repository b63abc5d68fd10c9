package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hackgods/appointment-ledger/internal/appointment"
	"github.com/hackgods/appointment-ledger/internal/config"
	"github.com/hackgods/appointment-ledger/internal/db"
	"github.com/hackgods/appointment-ledger/internal/events"
	"github.com/hackgods/appointment-ledger/internal/logging"
	"github.com/hackgods/appointment-ledger/internal/metrics"
	"github.com/hackgods/appointment-ledger/internal/tracing"
)

const relayName = "kafka"

type worker struct {
	store  *appointment.PgStore
	relay  *events.Relay
	logger *zap.Logger
}

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

	logger.Info("worker starting up",
		zap.String("env", cfg.Env),
		zap.Duration("interval", cfg.WorkerInterval),
		zap.Strings("kafka_brokers", cfg.KafkaBrokers),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(rootCtx, "worker", cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Fatal("tracing init error", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Warn("tracing shutdown error", zap.Error(err))
		}
	}()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, cfg.PostgresPool())
	cancelPg()
	if err != nil {
		logger.Fatal("postgres connection error", zap.Error(err))
	}
	defer pgPool.Close()
	logger.Info("connected to Postgres")

	w := &worker{store: appointment.NewPgStore(pgPool), logger: logger}

	if len(cfg.KafkaBrokers) > 0 {
		producer := events.NewProducer(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		defer func() {
			if err := producer.Close(); err != nil {
				logger.Warn("error closing kafka producer", zap.Error(err))
			}
		}()
		w.relay = events.NewRelay(w.store, producer, relayName, cfg.RelayBatchSize, logger.Named("relay"))
	} else {
		logger.Info("KAFKA_BROKERS not set, event relay disabled")
	}

	// Run once at startup
	w.runOnce(rootCtx)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			logger.Info("shutdown signal received, stopping worker")
			return
		case <-ticker.C:
			w.runOnce(rootCtx)
		}
	}
}

func (w *worker) runOnce(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()

	purged, err := w.store.PurgeExpiredIdempotency(runCtx, time.Now().UTC())
	if err != nil {
		w.logger.Error("idempotency purge error", zap.Error(err))
	} else {
		metrics.IdempotencyPurged.Add(float64(purged))
	}

	relayed := 0
	if w.relay != nil {
		relayed, err = w.relay.Drain(runCtx)
		if err != nil {
			w.logger.Error("event relay error", zap.Error(err), zap.Int("published", relayed))
		}
	}

	w.logger.Info("worker run complete",
		zap.Int64("idempotency_purged", purged),
		zap.Int("events_relayed", relayed),
		zap.Duration("took", time.Since(start)),
	)
}
