package main

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/appointment-ledger/internal/appointment"
	"github.com/hackgods/appointment-ledger/internal/config"
	"github.com/hackgods/appointment-ledger/internal/db"
	"github.com/hackgods/appointment-ledger/internal/idempotency"
	"github.com/hackgods/appointment-ledger/internal/logging"
	"github.com/hackgods/appointment-ledger/internal/mode"
)

var services = []string{
	"Dermatology consult",
	"Cardiology follow-up",
	"General checkup",
	"Orthopedic review",
	"Physiotherapy",
	"Dental cleaning",
	"Eye exam",
	"Vaccination",
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

	count := 500
	if v := os.Getenv("SEED_APPOINTMENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			count = n
		}
	}

	logger.Info("seed starting", zap.Int("appointments", count))

	if err := db.Migrate(cfg.PostgresDSN, logger); err != nil {
		logger.Fatal("migration error", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, cfg.PostgresPool())
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer pool.Close()

	gofakeit.Seed(time.Now().UnixNano())

	svc := appointment.NewService(appointment.NewPgStore(pool), idempotency.NewLedger(cfg.IdempotencyTTL),
		mode.NewGate(), logger.Named("engine"))

	if err := seedAppointments(context.Background(), svc, logger, count); err != nil {
		logger.Fatal("seed appointments", zap.Error(err))
	}

	logger.Info("seed complete")
}

// seedAppointments books count appointments and then moves, cancels or
// annotates some of them so every event type shows up in the log.
func seedAppointments(ctx context.Context, svc *appointment.Service, logger *zap.Logger, count int) error {
	day := time.Now().UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)

	var rescheduled, cancelled, annotated int
	for i := 0; i < count; i++ {
		start := day.
			Add(time.Duration(gofakeit.Number(0, 29)) * 24 * time.Hour).
			Add(time.Duration(gofakeit.Number(8, 17)) * time.Hour)

		res, err := svc.CreateAppointment(ctx, uuid.NewString(), appointment.CreateInput{
			Client:   gofakeit.Name(),
			Service:  services[gofakeit.Number(0, len(services)-1)],
			StartsAt: start,
			EndsAt:   start.Add(time.Duration(gofakeit.Number(1, 4)) * 15 * time.Minute),
		})
		if err != nil {
			return err
		}
		a := res.Appointment

		switch gofakeit.Number(0, 9) {
		case 0, 1:
			shift := time.Duration(gofakeit.Number(1, 48)) * time.Hour
			w := appointment.Window{StartsAt: a.StartsAt.Add(shift), EndsAt: a.EndsAt.Add(shift)}
			reason := "client requested a new time"
			if _, err := svc.RescheduleAppointment(ctx, uuid.NewString(), a.ID, a.Version, w, &reason); err != nil {
				return err
			}
			rescheduled++
		case 2:
			if _, err := svc.CancelAppointment(ctx, uuid.NewString(), a.ID, a.Version, nil); err != nil {
				return err
			}
			cancelled++
		case 3:
			if _, err := svc.UpdateNotes(ctx, uuid.NewString(), a.ID, a.Version, gofakeit.Sentence(8), nil); err != nil {
				return err
			}
			annotated++
		}

		if (i+1)%100 == 0 {
			logger.Info("appointments seeded", zap.Int("done", i+1), zap.Int("total", count))
		}
	}

	logger.Info("appointments seeded",
		zap.Int("created", count),
		zap.Int("rescheduled", rescheduled),
		zap.Int("cancelled", cancelled),
		zap.Int("annotated", annotated),
	)
	return nil
}
