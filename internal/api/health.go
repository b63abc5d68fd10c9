package api

import (
	"net/http"
	"time"

	"github.com/hackgods/appointment-ledger/internal/mode"
)

type ModeReader interface {
	Current() mode.Snapshot
}

type HealthHandler struct {
	gate    ModeReader
	env     string
	version string
}

func NewHealthHandler(gate ModeReader, env, version string) *HealthHandler {
	return &HealthHandler{
		gate:    gate,
		env:     env,
		version: version,
	}
}

type LivenessResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Env     string `json:"env,omitempty"`
}

type ReadinessResponse struct {
	Status       string            `json:"status"`
	Mode         mode.Mode         `json:"mode"`
	Version      string            `json:"version,omitempty"`
	Env          string            `json:"env,omitempty"`
	ProbedAt     time.Time         `json:"probed_at"`
	Dependencies map[string]string `json:"dependencies"`
}

func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	resp := LivenessResponse{
		Status:  "ok",
		Version: h.version,
		Env:     h.env,
	}
	writeJSON(w, http.StatusOK, resp)
}

// Readiness reports the last probe snapshot. It never probes inline, so it
// agrees with what the write path sees.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	snap := h.gate.Current()

	deps := make(map[string]string, len(snap.Checks))
	for _, c := range snap.Checks {
		deps[c.Name] = string(c.Status)
	}

	status := "ok"
	httpStatus := http.StatusOK
	switch snap.Mode {
	case mode.Degraded:
		status = "degraded"
	case mode.Unsafe:
		status = "error"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, ReadinessResponse{
		Status:       status,
		Mode:         snap.Mode,
		Version:      h.version,
		Env:          h.env,
		ProbedAt:     snap.ProbedAt,
		Dependencies: deps,
	})
}
