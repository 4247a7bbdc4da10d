package store

import (
	"context"
	"time"

	"github.com/rendis/drip/pkg/schema"
)

// RunStore persists runs and arbitrates ownership through leases.
// All implementations must be safe for concurrent use.
type RunStore interface {
	// PutRun inserts or replaces a run.
	PutRun(ctx context.Context, run *schema.Run) error
	// GetRun returns a NOT_FOUND error for unknown ids.
	GetRun(ctx context.Context, id string) (*schema.Run, error)
	DeleteRun(ctx context.Context, id string) error
	// ListDue returns waiting runs with wake_at <= until, earliest first.
	ListDue(ctx context.Context, until time.Time, limit int) ([]*schema.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*schema.Run, error)

	// TryAcquireLease takes the lease on a run id for owner. It returns false
	// when another owner holds an unexpired lease. Re-acquiring an own lease
	// extends it.
	TryAcquireLease(ctx context.Context, id, owner string, ttl time.Duration) (bool, error)
	// RenewLease extends a held lease. It returns false when owner no longer holds it.
	RenewLease(ctx context.Context, id, owner string, ttl time.Duration) (bool, error)
	// ReleaseLease drops the lease if owner holds it.
	ReleaseLease(ctx context.Context, id, owner string) error

	Close() error
}

// EventStore is the append-only per-run event log.
type EventStore interface {
	// AppendEvent assigns the next per-run sequence and a timestamp if unset.
	AppendEvent(ctx context.Context, event *Event) error
	// GetEvents returns events for runID with sequence > since, in order.
	GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)
}

// SecretStore persists encrypted secret blobs for the vault.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}
