// Package mode classifies subsystem health into the system mode that gates
// every write.
package mode

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/hackgods/appointment-ledger/internal/metrics"
)

// Status is the result of one health check.
type Status string

const (
	CheckOnline   Status = "online"
	CheckDegraded Status = "degraded"
	CheckFailed   Status = "failed"
)

// Mode is the aggregate classification.
type Mode string

const (
	Online   Mode = "online"
	Degraded Mode = "degraded"
	Unsafe   Mode = "unsafe"
)

type Check struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Latency   string    `json:"latency,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Snapshot is an immutable view of the last completed probe.
type Snapshot struct {
	Mode     Mode      `json:"mode"`
	Checks   []Check   `json:"checks"`
	ProbedAt time.Time `json:"probed_at"`
}

// Classify aggregates checks: any failed is unsafe, else any degraded is
// degraded, else online. No checks is online.
func Classify(checks []Check) Mode {
	hasDegraded := false

	for _, c := range checks {
		switch c.Status {
		case CheckFailed:
			return Unsafe
		case CheckDegraded:
			hasDegraded = true
		}
	}

	if hasDegraded {
		return Degraded
	}
	return Online
}

// Failing returns the checks that are not online.
func (s Snapshot) Failing() []Check {
	var out []Check
	for _, c := range s.Checks {
		if c.Status != CheckOnline {
			out = append(out, c)
		}
	}
	return out
}

// Gate owns the current snapshot. Publish has a single writer (the prober);
// Current is safe from any goroutine and never observes a partial update.
type Gate struct {
	current atomic.Pointer[Snapshot]
}

func NewGate() *Gate {
	g := &Gate{}
	g.current.Store(&Snapshot{Mode: Online, Checks: []Check{}})
	return g
}

func (g *Gate) Current() Snapshot {
	return *g.current.Load()
}

// Publish replaces the snapshot with one computed from checks.
func (g *Gate) Publish(checks []Check, at time.Time) Snapshot {
	cp := make([]Check, len(checks))
	copy(cp, checks)
	sort.Slice(cp, func(i, j int) bool { return cp[i].Name < cp[j].Name })

	snap := &Snapshot{
		Mode:     Classify(cp),
		Checks:   cp,
		ProbedAt: at,
	}
	g.current.Store(snap)

	metrics.SystemMode.Set(modeValue(snap.Mode))
	for _, c := range cp {
		metrics.CheckStatus.WithLabelValues(c.Name).Set(statusValue(c.Status))
	}
	return *snap
}

func modeValue(m Mode) float64 {
	switch m {
	case Degraded:
		return 1
	case Unsafe:
		return 2
	}
	return 0
}

func statusValue(s Status) float64 {
	switch s {
	case CheckDegraded:
		return 1
	case CheckFailed:
		return 2
	}
	return 0
}
