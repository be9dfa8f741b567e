package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	tlerrors "github.com/mirkobrombin/go-tenantlock/v1/errors"
)

// Outcome is the result of Store.Create.
type Outcome int

const (
	// Created means the caller inserted the record and now holds the lock.
	Created Outcome = iota + 1
	// AlreadyExists means a record for the key was already present.
	AlreadyExists
)

func (o Outcome) String() string {
	switch o {
	case Created:
		return "created"
	case AlreadyExists:
		return "already_exists"
	default:
		return "unknown"
	}
}

// Record is the persisted form of a held lock. Records are never updated in
// place: CreatedAt and UpdatedAt are equal for the lifetime of the row.
type Record struct {
	Key       string    `json:"key"`
	Holder    string    `json:"holder"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Age returns how long the record has existed at now.
func (r Record) Age(now time.Time) time.Duration {
	return now.Sub(r.CreatedAt)
}

// Store is the shared durable state behind a Handle. Every method must be
// atomic with respect to every other worker using the same backend.
//
// Backend failures must satisfy errors.Is(err, errors.ErrStorageUnavailable).
type Store interface {
	// Create inserts a record for key held by holder if none exists. A caller
	// losing a concurrent insert observes AlreadyExists, never an error.
	Create(ctx context.Context, key, holder string) (Outcome, error)
	// Get returns the record for key. The boolean reports whether it exists.
	Get(ctx context.Context, key string) (Record, bool, error)
	// Steal deletes the record for key whatever its age or holder and reports
	// whether a record was removed.
	Steal(ctx context.Context, key string) (bool, error)
	// Release deletes the record for key if holder holds it and reports
	// whether a record was removed.
	Release(ctx context.Context, key, holder string) (bool, error)
	// FindStale returns the records created more than olderThan ago, oldest first.
	FindStale(ctx context.Context, olderThan time.Duration) ([]Record, error)
}

// storeErr classifies a backend error: deadline expiry becomes ErrTimeout,
// everything else wraps ErrStorageUnavailable.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, tlerrors.ErrTimeout)
	}
	return tlerrors.Storage(op, err)
}

// checkCtx fails fast when ctx is already done, before any round trip.
func checkCtx(op string, ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%s: %w", op, tlerrors.ErrTimeout)
		}
		return err
	}
	return nil
}
