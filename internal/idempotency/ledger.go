// Package idempotency binds client supplied keys to the first result they
// produced, scoped per operation identity.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrKeyReused means the key is bound to a different payload fingerprint.
	ErrKeyReused = errors.New("idempotency key already used with a different payload")
	// ErrMissingKey is returned when a mutation arrives without a key.
	ErrMissingKey = errors.New("idempotency key is required")
)

type Record struct {
	Key                string
	OperationIdentity  string
	PayloadFingerprint string
	StoredResult       []byte
	CreatedAt          time.Time
	ExpiresAt          time.Time
}

func (r *Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// Backend is the transactional storage the ledger reads and writes through.
// Get returns nil, nil when no record exists. Put must fail with an error
// wrapping ErrConflict if a live record for (key, operation) already exists.
type Backend interface {
	GetIdempotency(ctx context.Context, key, operation string) (*Record, error)
	PutIdempotency(ctx context.Context, rec Record) error
}

// ErrConflict is returned by Backend.Put when another writer bound the key first.
var ErrConflict = errors.New("idempotency record already exists")

type Ledger struct {
	ttl time.Duration
}

func NewLedger(ttl time.Duration) *Ledger {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Ledger{ttl: ttl}
}

func (l *Ledger) TTL() time.Duration { return l.ttl }

// Resolve returns the stored result for (key, operation) when the fingerprint
// matches, nil when there is no live record, and ErrKeyReused on mismatch.
func (l *Ledger) Resolve(ctx context.Context, b Backend, key, operation, fingerprint string, now time.Time) ([]byte, error) {
	if key == "" {
		return nil, ErrMissingKey
	}
	rec, err := b.GetIdempotency(ctx, key, operation)
	if err != nil {
		return nil, fmt.Errorf("load idempotency record: %w", err)
	}
	if rec == nil || rec.Expired(now) {
		return nil, nil
	}
	if rec.PayloadFingerprint != fingerprint {
		return nil, ErrKeyReused
	}
	return rec.StoredResult, nil
}

// Store binds the key to result. An expired record for the same key is
// replaced; a live one is never overwritten.
func (l *Ledger) Store(ctx context.Context, b Backend, key, operation, fingerprint string, result []byte, now time.Time) error {
	rec := Record{
		Key:                key,
		OperationIdentity:  operation,
		PayloadFingerprint: fingerprint,
		StoredResult:       result,
		CreatedAt:          now,
		ExpiresAt:          now.Add(l.ttl),
	}
	if err := b.PutIdempotency(ctx, rec); err != nil {
		return fmt.Errorf("store idempotency record: %w", err)
	}
	return nil
}

// Fingerprint hashes the canonical JSON form of the request fields that
// determine its effect. Map keys are sorted by encoding/json.
func Fingerprint(fields map[string]any) (string, error) {
	data, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("fingerprint payload: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// OperationIdentity scopes a key to an operation and the resource it acts on.
func OperationIdentity(operation, resource string) string {
	if resource == "" {
		return operation
	}
	return operation + ":" + resource
}
