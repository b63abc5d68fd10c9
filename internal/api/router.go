package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hackgods/appointment-ledger/internal/metrics"
)

type RouterConfig struct {
	Service    Engine
	Reconciler Reconciler
	Gate       ModeReader
	Logger     *zap.Logger
	Env        string
	Version    string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Apply middleware
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(ActorMiddleware)

	// Health endpoints
	health := NewHealthHandler(cfg.Gate, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	r.Get("/system/mode", modeHandler(cfg.Gate))
	r.Handle("/metrics", metrics.Handler())

	svc := cfg.Service

	// Appointment endpoints
	r.Post("/appointments", createAppointmentHandler(svc))
	r.Route("/appointments/{id}", func(r chi.Router) {
		r.Get("/", getAppointmentHandler(svc))
		r.Get("/events", listEventsHandler(svc))
		r.Post("/reschedule", rescheduleHandler(svc))
		r.Post("/cancel", versionedHandler(svc.CancelAppointment))
		r.Post("/uncancel", versionedHandler(svc.UncancelAppointment))
		r.Put("/notes", updateNotesHandler(svc))
		r.Post("/delete", versionedHandler(svc.DeleteAppointment))
		r.Post("/restore", versionedHandler(svc.RestoreAppointment))
		r.Post("/events/{eventID}/undo", undoEventHandler(svc))
	})

	// Offline queue reconciliation
	r.Post("/sync", syncHandler(cfg.Reconciler))

	return r
}
