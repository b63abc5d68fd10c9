package cli

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hackgods/appointment-ledger/internal/api"
	"github.com/hackgods/appointment-ledger/internal/appointment"
	"github.com/hackgods/appointment-ledger/internal/idempotency"
	"github.com/hackgods/appointment-ledger/internal/mode"
	"github.com/hackgods/appointment-ledger/internal/offline"
)

type harness struct {
	t      *testing.T
	server *httptest.Server
	queue  string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gate := mode.NewGate()
	svc := appointment.NewService(appointment.NewMemoryStore(), idempotency.NewLedger(time.Hour), gate, zap.NewNop())
	rec := offline.NewReconciler(svc, offline.NewLocalLocker(0), zap.NewNop())

	srv := httptest.NewServer(api.NewRouter(api.RouterConfig{
		Service: svc, Reconciler: rec, Gate: gate, Logger: zap.NewNop(),
	}))
	t.Cleanup(srv.Close)

	return &harness{t: t, server: srv, queue: filepath.Join(t.TempDir(), "queue.json")}
}

func (h *harness) run(args ...string) (string, error) {
	h.t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--server", h.server.URL, "--queue", h.queue, "--device", "laptop"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestEnqueueAndSync(t *testing.T) {
	h := newHarness(t)

	_, err := h.run("enqueue", "create", "--local-id", "hold",
		"--client", "Ada", "--service", "checkup",
		"--starts-at", "2026-05-01T09:00:00Z", "--ends-at", "2026-05-01T10:00:00Z")
	require.NoError(t, err)

	_, err = h.run("enqueue", "reschedule", "--local-id", "move", "--depends-on", "hold",
		"--expected-version", "1",
		"--starts-at", "2026-05-01T11:00:00Z", "--ends-at", "2026-05-01T12:00:00Z")
	require.NoError(t, err)

	out, err := h.run("queue", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "after hold")

	out, err = h.run("--format", "json", "sync")
	require.NoError(t, err)

	var report offline.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.Len(t, report.Confirmed, 2)
	moved := report.Confirmed[1].Appointment
	assert.Equal(t, 2, moved.Version)

	out, err = h.run("sync")
	require.NoError(t, err)
	assert.Equal(t, "nothing to sync\n", out)

	out, err = h.run("events", moved.ID.String())
	require.NoError(t, err)
	assert.Contains(t, out, "rescheduled")
	assert.Equal(t, 3, len(strings.Split(strings.TrimSpace(out), "\n")))
}

func TestConflictReapply(t *testing.T) {
	h := newHarness(t)

	_, err := h.run("enqueue", "create", "--local-id", "hold",
		"--client", "Ada", "--service", "checkup",
		"--starts-at", "2026-05-01T09:00:00Z", "--ends-at", "2026-05-01T10:00:00Z")
	require.NoError(t, err)
	out, err := h.run("--format", "json", "sync")
	require.NoError(t, err)
	var report offline.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	id := report.Confirmed[0].Appointment.ID.String()

	// two offline edits against the same version
	_, err = h.run("enqueue", "reschedule", "--local-id", "r1", "--appointment", id, "--expected-version", "1",
		"--starts-at", "2026-05-02T09:00:00Z", "--ends-at", "2026-05-02T10:00:00Z")
	require.NoError(t, err)
	_, err = h.run("enqueue", "cancel", "--local-id", "c1", "--appointment", id, "--expected-version", "1")
	require.NoError(t, err)

	// the confirmed hold is reported again alongside the new items
	out, err = h.run("sync")
	require.NoError(t, err)
	assert.Contains(t, out, "confirmed=2 conflict=1 failed=0")

	_, err = h.run("queue", "reapply", "r1")
	assert.ErrorIs(t, err, offline.ErrNotInConflict)

	out, err = h.run("queue", "reapply", "c1")
	require.NoError(t, err)
	assert.Equal(t, "requeued c1 at version 2\n", out)

	out, err = h.run("sync")
	require.NoError(t, err)
	assert.Contains(t, out, "confirmed=3 conflict=0 failed=0")

	_, err = h.run("queue", "discard", "r1")
	require.NoError(t, err)
	out, err = h.run("--format", "json", "queue", "list")
	require.NoError(t, err)
	var items []offline.QueueItem
	require.NoError(t, json.Unmarshal([]byte(out), &items))
	assert.Len(t, items, 2)
}

func TestSyncTransportFailure(t *testing.T) {
	h := newHarness(t)
	_, err := h.run("enqueue", "cancel", "--appointment", "6f1d2c1e-0b5a-4c57-9a67-0d3f1f3c9a10", "--expected-version", "1")
	require.NoError(t, err)

	h.server.Close()
	_, err = h.run("sync")
	require.Error(t, err)

	q, err := offline.OpenQueue(h.queue)
	require.NoError(t, err)
	items := q.Items()
	require.Len(t, items, 1)
	assert.Equal(t, offline.StatusFailed, items[0].Status)
	assert.Equal(t, "transport_failed", items[0].LastError.Code)
}

func TestMode(t *testing.T) {
	h := newHarness(t)
	out, err := h.run("mode")
	require.NoError(t, err)
	assert.Equal(t, "mode: online\n", out)

	_, err = h.run("--format", "yaml", "mode")
	assert.Error(t, err)
}

func TestEnqueueFlagRules(t *testing.T) {
	h := newHarness(t)

	_, err := h.run("enqueue", "cancel", "--expected-version", "1")
	assert.Error(t, err, "needs --appointment or --depends-on")

	_, err = h.run("enqueue", "undo", "--appointment", "6f1d2c1e-0b5a-4c57-9a67-0d3f1f3c9a10", "--expected-version", "2")
	assert.Error(t, err, "needs --event")

	_, err = h.run("enqueue", "cancel", "--appointment", "not-a-uuid", "--expected-version", "1")
	assert.Error(t, err)
}
