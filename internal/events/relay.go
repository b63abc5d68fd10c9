package events

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hackgods/appointment-ledger/internal/appointment"
	"github.com/hackgods/appointment-ledger/internal/metrics"
)

// CursorStore is the part of the appointment store the relay reads from.
type CursorStore interface {
	ListEventsAfter(ctx context.Context, seq int64, limit int) ([]appointment.Event, error)
	GetRelayCursor(ctx context.Context, name string) (int64, error)
	SaveRelayCursor(ctx context.Context, name string, seq int64) error
}

// DefaultSettle is how long a seq gap may stay open before the relay
// treats the missing seqs as rolled back.
const DefaultSettle = 10 * time.Second

// Relay publishes events past its cursor and then advances the cursor.
// Delivery is at least once: a crash between publish and save republishes
// the batch. The cursor never moves past a gap younger than settle, so an
// event whose transaction commits late is still relayed.
type Relay struct {
	store     CursorStore
	publisher Publisher
	name      string
	batchSize int
	settle    time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

func NewRelay(store CursorStore, publisher Publisher, name string, batchSize int, logger *zap.Logger) *Relay {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Relay{
		store:     store,
		publisher: publisher,
		name:      name,
		batchSize: batchSize,
		settle:    DefaultSettle,
		now:       time.Now,
		logger:    logger,
	}
}

// WithSettle overrides DefaultSettle.
func (r *Relay) WithSettle(d time.Duration) *Relay {
	r.settle = d
	return r
}

// settled returns the prefix of batch that is safe to publish. Batch is
// ordered by seq. An event after a gap is held back, along with everything
// behind it, until it is older than settle.
func (r *Relay) settled(cursor int64, batch []appointment.Event) []appointment.Event {
	next := cursor + 1
	for i, ev := range batch {
		if ev.Seq != next && r.now().Sub(ev.CreatedAt) < r.settle {
			r.logger.Debug("holding back events behind seq gap",
				zap.String("relay", r.name),
				zap.Int64("missing_from", next),
				zap.Int64("seq", ev.Seq),
			)
			return batch[:i]
		}
		next = ev.Seq + 1
	}
	return batch
}

// Drain publishes batches until no events remain or a gap holds the rest
// back, and returns how many were sent.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := r.RunOnce(ctx)
		total += n
		if err != nil || n < r.batchSize {
			return total, err
		}
	}
}

// RunOnce publishes at most one batch.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	cursor, err := r.store.GetRelayCursor(ctx, r.name)
	if err != nil {
		return 0, fmt.Errorf("load relay cursor: %w", err)
	}

	batch, err := r.store.ListEventsAfter(ctx, cursor, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list events after %d: %w", cursor, err)
	}
	batch = r.settled(cursor, batch)
	if len(batch) == 0 {
		return 0, nil
	}

	if err := r.publisher.Publish(ctx, batch); err != nil {
		metrics.RelayEventsPublished.WithLabelValues("error").Add(float64(len(batch)))
		return 0, fmt.Errorf("publish batch: %w", err)
	}
	metrics.RelayEventsPublished.WithLabelValues("ok").Add(float64(len(batch)))

	last := batch[len(batch)-1].Seq
	if err := r.store.SaveRelayCursor(ctx, r.name, last); err != nil {
		return len(batch), fmt.Errorf("save relay cursor: %w", err)
	}

	r.logger.Debug("relayed events",
		zap.String("relay", r.name),
		zap.Int("count", len(batch)),
		zap.Int64("cursor", last),
	)
	return len(batch), nil
}
