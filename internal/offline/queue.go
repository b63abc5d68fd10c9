package offline

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrItemNotFound  = errors.New("queue item not found")
	ErrItemSyncing   = errors.New("queue item is being synced")
	ErrNotInConflict = errors.New("queue item is not in conflict")
)

// Queue is the client-held durable list of intents, stored as one JSON file.
// Every change is written before the call returns.
type Queue struct {
	path string
	now  func() time.Time

	mu    sync.Mutex
	items []QueueItem
}

// OpenQueue loads the queue at path. A missing file is an empty queue.
func OpenQueue(path string) (*Queue, error) {
	q := &Queue{path: path, now: func() time.Time { return time.Now().UTC() }}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return q, nil
		}
		return nil, fmt.Errorf("read queue file: %w", err)
	}
	if len(data) == 0 {
		return q, nil
	}
	if err := json.Unmarshal(data, &q.items); err != nil {
		return nil, fmt.Errorf("decode queue file %s: %w", path, err)
	}
	return q, nil
}

// Items returns a copy of all items in creation order.
func (q *Queue) Items() []QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]QueueItem, len(q.items))
	copy(out, q.items)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Get returns the item with localID.
func (q *Queue) Get(localID string) (QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.index(localID)
	if i < 0 {
		return QueueItem{}, ErrItemNotFound
	}
	return q.items[i], nil
}

// Enqueue appends item as queued. Missing local id, idempotency key and
// creation time are filled in.
func (q *Queue) Enqueue(item QueueItem) (QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if item.LocalID == "" {
		item.LocalID = uuid.NewString()
	}
	if q.index(item.LocalID) >= 0 {
		return QueueItem{}, fmt.Errorf("local id %q already queued", item.LocalID)
	}
	if item.IdempotencyKey == "" {
		item.IdempotencyKey = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = q.now()
	}
	item.Status = StatusQueued
	item.RetryCount = 0
	item.LastError = nil

	q.items = append(q.items, item)
	if err := q.save(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return QueueItem{}, err
	}
	return item, nil
}

// MarkSyncing moves every eligible item to syncing and returns them in order.
func (q *Queue) MarkSyncing() ([]QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	prev := q.snapshot()
	var out []QueueItem
	for i := range q.items {
		if q.items[i].Status.eligible() {
			q.items[i].Status = StatusSyncing
			out = append(out, q.items[i])
		}
	}
	if err := q.save(); err != nil {
		q.items = prev
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ApplyReport writes the server's classification back onto the items.
// Confirmed items keep the authoritative snapshot.
func (q *Queue) ApplyReport(r Report) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	prev := q.snapshot()
	for _, it := range r.Items() {
		if i := q.index(it.LocalID); i >= 0 {
			q.items[i] = it
		}
	}
	return q.commit(prev)
}

// MarkTransportFailure fails every syncing item after the pass could not
// reach the server.
func (q *Queue) MarkTransportFailure(cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	prev := q.snapshot()
	for i := range q.items {
		if q.items[i].Status == StatusSyncing {
			q.items[i].Status = StatusFailed
			q.items[i].RetryCount++
			q.items[i].LastError = &ItemError{Code: "transport_failed", Message: cause.Error(), Retryable: true}
		}
	}
	return q.commit(prev)
}

// Discard removes an item on explicit user request.
func (q *Queue) Discard(localID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.index(localID)
	if i < 0 {
		return ErrItemNotFound
	}
	if q.items[i].Status == StatusSyncing {
		return ErrItemSyncing
	}

	prev := q.snapshot()
	q.items = append(q.items[:i:i], q.items[i+1:]...)
	return q.commit(prev)
}

// Reapply re-queues a conflicted item against the refreshed version. The
// idempotency key is kept.
func (q *Queue) Reapply(localID string, expectedVersion int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.index(localID)
	if i < 0 {
		return ErrItemNotFound
	}
	if q.items[i].Status != StatusConflict {
		return ErrNotInConflict
	}
	if expectedVersion < 1 {
		return fmt.Errorf("expected version must be >= 1, got %d", expectedVersion)
	}

	prev := q.snapshot()
	q.items[i].Status = StatusQueued
	q.items[i].ExpectedVersion = expectedVersion
	q.items[i].LastError = nil
	return q.commit(prev)
}

func (q *Queue) index(localID string) int {
	for i := range q.items {
		if q.items[i].LocalID == localID {
			return i
		}
	}
	return -1
}

func (q *Queue) snapshot() []QueueItem {
	prev := make([]QueueItem, len(q.items))
	copy(prev, q.items)
	return prev
}

// commit saves the current items, restoring prev if the write fails so memory
// never runs ahead of the file.
func (q *Queue) commit(prev []QueueItem) error {
	if err := q.save(); err != nil {
		q.items = prev
		return err
	}
	return nil
}

// save replaces the file atomically.
func (q *Queue) save() error {
	data, err := json.MarshalIndent(q.items, "", "  ")
	if err != nil {
		return fmt.Errorf("encode queue: %w", err)
	}

	dir := filepath.Dir(q.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create queue dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".queue-*.json")
	if err != nil {
		return fmt.Errorf("create temp queue file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write queue file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync queue file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close queue file: %w", err)
	}
	if err := os.Rename(tmp.Name(), q.path); err != nil {
		return fmt.Errorf("replace queue file: %w", err)
	}
	return nil
}
