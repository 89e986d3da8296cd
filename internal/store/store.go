package store

import (
	"context"
	"errors"
	"time"
)

// Record is the per-instance idle counter we persist between invocations.
// InstanceID is unique; one record exists per monitored instance.
// LastUpdated is refreshed on every write and kept in UTC. It is for
// observability only and never drives decisions.
type Record struct {
	InstanceID  string    `json:"instance_id"`
	IdleCount   int       `json:"idle_count"`
	LastUpdated time.Time `json:"last_updated"`
}

var (
	// ErrNotFound is returned by Get when no record exists for the instance.
	ErrNotFound = errors.New("store: record not found")
	// ErrConflict is returned by CompareAndSwap when the stored value no longer
	// matches the value the caller read.
	ErrConflict = errors.New("store: conditional write conflict")
)

// Store is a minimal persistence interface for the idle counter.
//
// Put is an unconditional upsert. CompareAndSwap writes next only when the
// stored record still matches prev; a nil prev means the record must not exist
// yet. Implementations refresh LastUpdated on every successful write.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Get(ctx context.Context, instanceID string) (Record, error)
	Put(ctx context.Context, rec Record) error
	CompareAndSwap(ctx context.Context, instanceID string, prev *Record, next int) error
	Close() error
}

// IdleCount returns the stored idle count for the instance, treating a
// missing record as a cold start (0).
func IdleCount(ctx context.Context, st Store, instanceID string) (int, error) {
	rec, err := st.Get(ctx, instanceID)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return rec.IdleCount, nil
}

// Lookup is like Get but reports a missing record as (nil, nil) so callers can
// pass the result straight to CompareAndSwap.
func Lookup(ctx context.Context, st Store, instanceID string) (*Record, error) {
	rec, err := st.Get(ctx, instanceID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Now returns the write timestamp used by the backends.
var Now = func() time.Time { return time.Now().UTC() }
