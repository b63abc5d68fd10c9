package mode

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Probe is one named health check.
type Probe interface {
	Name() string
	Check(ctx context.Context) Check
}

// ProbeFunc adapts a function into a Probe.
type ProbeFunc struct {
	ProbeName string
	Fn        func(ctx context.Context) (Status, string)
}

func (p ProbeFunc) Name() string { return p.ProbeName }

func (p ProbeFunc) Check(ctx context.Context) Check {
	start := time.Now()
	status, msg := p.Fn(ctx)
	return Check{
		Name:      p.ProbeName,
		Status:    status,
		Message:   msg,
		Latency:   time.Since(start).String(),
		CheckedAt: time.Now().UTC(),
	}
}

// Prober runs all probes and publishes the result to the gate. It is the
// gate's only writer.
type Prober struct {
	gate     *Gate
	probes   []Probe
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
}

func NewProber(gate *Gate, interval time.Duration, logger *zap.Logger, probes ...Probe) *Prober {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Prober{
		gate:     gate,
		probes:   probes,
		interval: interval,
		timeout:  interval,
		logger:   logger,
	}
}

// RunOnce probes every check concurrently and publishes one snapshot.
func (p *Prober) RunOnce(ctx context.Context) Snapshot {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	checks := make([]Check, len(p.probes))
	var wg sync.WaitGroup
	for i, probe := range p.probes {
		wg.Add(1)
		go func(i int, probe Probe) {
			defer wg.Done()
			checks[i] = probe.Check(ctx)
		}(i, probe)
	}
	wg.Wait()

	prev := p.gate.Current()
	snap := p.gate.Publish(checks, time.Now().UTC())
	if snap.Mode != prev.Mode {
		p.logger.Warn("system mode changed",
			zap.String("from", string(prev.Mode)),
			zap.String("to", string(snap.Mode)),
			zap.Any("failing", snap.Failing()),
		)
	}
	return snap
}

// Run probes immediately and then on every tick until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	p.RunOnce(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// Pinger is anything with a context-aware Ping, such as a pgx pool or the
// appointment store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingProbe reports onFailure when Ping fails.
func PingProbe(name string, p Pinger, onFailure Status) Probe {
	return ProbeFunc{
		ProbeName: name,
		Fn: func(ctx context.Context) (Status, string) {
			if p == nil {
				return onFailure, name + " not configured"
			}
			if err := p.Ping(ctx); err != nil {
				return onFailure, err.Error()
			}
			return CheckOnline, ""
		},
	}
}

// EventLogVerifier lists appointments whose snapshot version and event log
// have drifted apart.
type EventLogVerifier interface {
	VerifyEventLog(ctx context.Context) ([]uuid.UUID, error)
}

// EventLogProbe is failed when the snapshot and event log disagree and
// degraded when the verification itself cannot run.
func EventLogProbe(v EventLogVerifier) Probe {
	return ProbeFunc{
		ProbeName: "event_log",
		Fn: func(ctx context.Context) (Status, string) {
			broken, err := v.VerifyEventLog(ctx)
			if err != nil {
				return CheckDegraded, fmt.Sprintf("integrity check did not run: %v", err)
			}
			if len(broken) > 0 {
				ids := make([]string, 0, len(broken))
				for _, id := range broken {
					ids = append(ids, id.String())
				}
				return CheckFailed, "snapshot/event mismatch: " + strings.Join(ids, ",")
			}
			return CheckOnline, ""
		},
	}
}

// QueueHealth reports how long the oldest running reconcile pass has been going.
type QueueHealth interface {
	OldestRunning() (time.Duration, bool)
}

// QueueProcessorProbe is degraded when a reconcile pass exceeds stuckAfter.
func QueueProcessorProbe(q QueueHealth, stuckAfter time.Duration) Probe {
	return ProbeFunc{
		ProbeName: "queue_processor",
		Fn: func(ctx context.Context) (Status, string) {
			age, running := q.OldestRunning()
			if running && age > stuckAfter {
				return CheckDegraded, fmt.Sprintf("reconcile pass running for %s", age.Round(time.Second))
			}
			return CheckOnline, ""
		},
	}
}
