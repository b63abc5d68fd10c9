package mode

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		checks []Status
		want   Mode
	}{
		{"no checks", nil, Online},
		{"all online", []Status{CheckOnline, CheckOnline}, Online},
		{"one degraded", []Status{CheckOnline, CheckDegraded}, Degraded},
		{"failed wins", []Status{CheckDegraded, CheckFailed, CheckOnline}, Unsafe},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checks := make([]Check, len(tt.checks))
			for i, s := range tt.checks {
				checks[i] = Check{Name: string(rune('a' + i)), Status: s}
			}
			assert.Equal(t, tt.want, Classify(checks))
		})
	}
}

func TestGateStartsOnline(t *testing.T) {
	g := NewGate()
	snap := g.Current()
	assert.Equal(t, Online, snap.Mode)
	assert.Empty(t, snap.Checks)
}

func TestGatePublishIsolatesCallerSlice(t *testing.T) {
	g := NewGate()
	checks := []Check{{Name: "redis", Status: CheckDegraded}, {Name: "postgres", Status: CheckOnline}}
	snap := g.Publish(checks, time.Now())

	checks[0].Status = CheckFailed
	assert.Equal(t, Degraded, g.Current().Mode)
	assert.Equal(t, "postgres", snap.Checks[0].Name)
	require.Len(t, snap.Failing(), 1)
	assert.Equal(t, "redis", snap.Failing()[0].Name)
}

func TestGateConcurrentReaders(t *testing.T) {
	g := NewGate()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				snap := g.Current()
				// a snapshot is never half updated
				assert.Equal(t, Classify(snap.Checks), snap.Mode)
			}
		}()
	}
	for j := 0; j < 200; j++ {
		status := CheckOnline
		if j%2 == 0 {
			status = CheckFailed
		}
		g.Publish([]Check{{Name: "postgres", Status: status}}, time.Now())
	}
	wg.Wait()
}

type pinger struct{ err error }

func (p pinger) Ping(ctx context.Context) error { return p.err }

type verifier struct {
	broken []uuid.UUID
	err    error
}

func (v verifier) VerifyEventLog(ctx context.Context) ([]uuid.UUID, error) { return v.broken, v.err }

type queueHealth struct {
	age     time.Duration
	running bool
}

func (q queueHealth) OldestRunning() (time.Duration, bool) { return q.age, q.running }

func TestProbes(t *testing.T) {
	ctx := context.Background()
	down := errors.New("connection refused")

	assert.Equal(t, CheckOnline, PingProbe("postgres", pinger{}, CheckFailed).Check(ctx).Status)
	assert.Equal(t, CheckFailed, PingProbe("postgres", pinger{err: down}, CheckFailed).Check(ctx).Status)
	assert.Equal(t, CheckDegraded, PingProbe("redis", pinger{err: down}, CheckDegraded).Check(ctx).Status)
	assert.Equal(t, CheckDegraded, PingProbe("redis", nil, CheckDegraded).Check(ctx).Status)

	assert.Equal(t, CheckOnline, EventLogProbe(verifier{}).Check(ctx).Status)
	assert.Equal(t, CheckFailed, EventLogProbe(verifier{broken: []uuid.UUID{uuid.New()}}).Check(ctx).Status)
	assert.Equal(t, CheckDegraded, EventLogProbe(verifier{err: down}).Check(ctx).Status)

	assert.Equal(t, CheckOnline, QueueProcessorProbe(queueHealth{}, time.Minute).Check(ctx).Status)
	assert.Equal(t, CheckOnline, QueueProcessorProbe(queueHealth{age: time.Second, running: true}, time.Minute).Check(ctx).Status)
	assert.Equal(t, CheckDegraded, QueueProcessorProbe(queueHealth{age: time.Hour, running: true}, time.Minute).Check(ctx).Status)
}

func TestProberRunOnce(t *testing.T) {
	g := NewGate()
	p := NewProber(g, time.Second, zap.NewNop(),
		PingProbe("postgres", pinger{}, CheckFailed),
		PingProbe("redis", pinger{err: errors.New("timeout")}, CheckDegraded),
		EventLogProbe(verifier{}),
	)

	snap := p.RunOnce(context.Background())
	assert.Equal(t, Degraded, snap.Mode)
	require.Len(t, snap.Checks, 3)
	assert.Equal(t, []string{"event_log", "postgres", "redis"},
		[]string{snap.Checks[0].Name, snap.Checks[1].Name, snap.Checks[2].Name})
	assert.Equal(t, snap.Mode, g.Current().Mode)
}
