package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"

	"github.com/hackgods/appointment-ledger/internal/api"
)

// SimConfig drives a contention run: every round, Writers goroutines race to
// reschedule the same appointment from the same expected version.
type SimConfig struct {
	APIBaseURL   string
	Appointments int
	Rounds       int
	Writers      int
	Timeout      time.Duration
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)

	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[percentileIndex(len(latencies), 50)]
	p95 = latencies[percentileIndex(len(latencies), 95)]

	return avg, min, max, p50, p95
}

func percentileIndex(n, p int) int {
	idx := n * p / 100
	if idx >= n {
		idx = n - 1
	}
	return idx
}

type Metrics struct {
	Create     OperationMetrics
	Reschedule OperationMetrics
	Replay     OperationMetrics
}

// Violations are outcomes the engine must never produce.
type Violations struct {
	mu       sync.Mutex
	messages []string
}

func (v *Violations) Add(format string, args ...any) {
	v.mu.Lock()
	v.messages = append(v.messages, fmt.Sprintf(format, args...))
	v.mu.Unlock()
}

type Simulator struct {
	config     SimConfig
	client     *api.Client
	metrics    Metrics
	violations Violations
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("simulator starting")

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	log.Printf("config: appointments=%d rounds=%d writers=%d", cfg.Appointments, cfg.Rounds, cfg.Writers)

	sim := &Simulator{
		config: cfg,
		client: api.NewClient(cfg.APIBaseURL, cfg.Timeout),
	}

	ctx := context.Background()
	ids, err := sim.createAppointments(ctx)
	if err != nil {
		log.Fatalf("create appointments: %v", err)
	}

	sim.Run(ctx, ids)
	sim.PrintReport()

	if len(sim.violations.messages) > 0 {
		os.Exit(1)
	}
}

func loadConfig() SimConfig {
	return SimConfig{
		APIBaseURL:   getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Appointments: getInt("SIM_APPOINTMENTS", 20),
		Rounds:       getInt("SIM_ROUNDS", 10),
		Writers:      getInt("SIM_WRITERS", 8),
		Timeout:      getDuration("SIM_TIMEOUT", 10*time.Second),
	}
}

func validateConfig(cfg SimConfig) error {
	if cfg.Appointments <= 0 {
		return fmt.Errorf("SIM_APPOINTMENTS must be > 0")
	}
	if cfg.Rounds <= 0 {
		return fmt.Errorf("SIM_ROUNDS must be > 0")
	}
	if cfg.Writers < 2 {
		return fmt.Errorf("SIM_WRITERS must be >= 2 to produce contention")
	}
	return nil
}

func (s *Simulator) createAppointments(ctx context.Context) ([]uuid.UUID, error) {
	base := time.Now().UTC().Truncate(time.Hour).Add(48 * time.Hour)

	ids := make([]uuid.UUID, 0, s.config.Appointments)
	for i := 0; i < s.config.Appointments; i++ {
		start := base.Add(time.Duration(i) * time.Hour)

		t0 := time.Now()
		resp, err := s.client.Create(ctx, uuid.NewString(), api.CreateAppointmentRequest{
			Client:   gofakeit.Name(),
			Service:  "simulated visit",
			StartsAt: start,
			EndsAt:   start.Add(30 * time.Minute),
		})
		s.metrics.Create.Record(time.Since(t0), err == nil, false)
		if err != nil {
			return nil, err
		}
		ids = append(ids, resp.Appointment.ID)
	}

	log.Printf("created %d appointments", len(ids))
	return ids, nil
}

// Run races all writers on every appointment, one round at a time.
func (s *Simulator) Run(ctx context.Context, ids []uuid.UUID) {
	log.Printf("starting %d contention rounds over %d appointments", s.config.Rounds, len(ids))

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			version := 1
			for round := 0; round < s.config.Rounds; round++ {
				next, ok := s.round(ctx, id, version, round)
				if !ok {
					return
				}
				version = next
			}
		}(id)
	}

	wg.Wait()
	log.Println("simulation complete")
}

type attempt struct {
	key  string
	resp *api.MutationResponse
	err  error
}

// round returns the version after the round, or false when the appointment
// should not be raced further.
func (s *Simulator) round(ctx context.Context, id uuid.UUID, version, round int) (int, bool) {
	attempts := make([]attempt, s.config.Writers)
	start := make(chan struct{})

	var wg sync.WaitGroup
	for w := 0; w < s.config.Writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			shift := time.Duration(w+1) * 15 * time.Minute
			req := api.RescheduleRequest{
				ExpectedVersion: version,
				StartsAt:        time.Now().UTC().Add(72*time.Hour + shift).Truncate(time.Minute),
			}
			req.EndsAt = req.StartsAt.Add(30 * time.Minute)

			key := uuid.NewString()
			<-start
			t0 := time.Now()
			resp, err := s.client.Reschedule(ctx, key, id, req)
			s.metrics.Reschedule.Record(time.Since(t0), err == nil, isConflict(err))
			attempts[w] = attempt{key: key, resp: resp, err: err}
		}(w)
	}
	close(start)
	wg.Wait()

	var winners []attempt
	for _, a := range attempts {
		switch {
		case a.err == nil:
			winners = append(winners, a)
		case isConflict(a.err):
		default:
			s.violations.Add("appointment %s round %d: unexpected error: %v", id, round, a.err)
		}
	}

	if len(winners) != 1 {
		s.violations.Add("appointment %s round %d: expected exactly one winner, got %d", id, round, len(winners))
		return 0, false
	}
	won := winners[0]
	if won.resp.Appointment.Version != version+1 {
		s.violations.Add("appointment %s round %d: version %d, want %d", id, round, won.resp.Appointment.Version, version+1)
	}

	s.replay(ctx, id, version, won)
	return won.resp.Appointment.Version, true
}

// replay retries the winning request and expects the original event back.
func (s *Simulator) replay(ctx context.Context, id uuid.UUID, version int, won attempt) {
	req := api.RescheduleRequest{
		ExpectedVersion: version,
		StartsAt:        won.resp.Appointment.StartsAt,
		EndsAt:          won.resp.Appointment.EndsAt,
	}

	t0 := time.Now()
	resp, err := s.client.Reschedule(ctx, won.key, id, req)
	ok := err == nil && resp.Event.ID == won.resp.Event.ID
	s.metrics.Replay.Record(time.Since(t0), ok, false)
	if !ok {
		s.violations.Add("appointment %s: replay of key %s did not return event %s (err=%v)", id, won.key, won.resp.Event.ID, err)
	}
}

func isConflict(err error) bool {
	var se *api.StatusError
	return errors.As(err, &se) && se.Body.Error == "version_conflict"
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + repeat("=", 80))
	fmt.Println("CONTENTION REPORT")
	fmt.Println(repeat("=", 80))
	fmt.Printf("Appointments: %d\n", s.config.Appointments)
	fmt.Printf("Rounds: %d\n", s.config.Rounds)
	fmt.Printf("Writers per round: %d\n", s.config.Writers)
	fmt.Println()

	printOperationReport("Create", &s.metrics.Create)
	printOperationReport("Reschedule", &s.metrics.Reschedule)
	printOperationReport("Replay", &s.metrics.Replay)

	if len(s.violations.messages) == 0 {
		fmt.Println("Violations: none")
		return
	}
	fmt.Printf("Violations: %d\n", len(s.violations.messages))
	for _, m := range s.violations.messages {
		fmt.Printf("  - %s\n", m)
	}
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	errCount := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if errCount > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", errCount, float64(errCount)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

// Helper functions

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func repeat(s string, n int) string {
	return strings.Repeat(s, n)
}
