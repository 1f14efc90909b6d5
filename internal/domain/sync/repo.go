package sync

import (
	"context"

	"github.com/google/uuid"
)

// RunRepository persists sync runs. Implementations return ErrRunNotFound for
// missing ids.
type RunRepository interface {
	Create(ctx context.Context, run *SyncRun) error
	GetByID(ctx context.Context, id uuid.UUID) (*SyncRun, error)
	Update(ctx context.Context, run *SyncRun) error

	// UpdateProgress persists the run's counters without touching its
	// status or timestamps, so a concurrent cancellation is never
	// overwritten by in-flight progress.
	UpdateProgress(ctx context.Context, run *SyncRun) error

	ListByConnection(ctx context.Context, connectionID uuid.UUID, limit, offset int) ([]*SyncRun, int, error)

	// ActiveRun returns the newest non-terminal run for the connection, or
	// nil when there is none.
	ActiveRun(ctx context.Context, connectionID uuid.UUID) (*SyncRun, error)
}

// ResourceRepository persists synced resources keyed by
// (connection_id, resource_type, external_id).
type ResourceRepository interface {
	// Upsert inserts the resource or replaces the row with the same
	// composite key. Reports whether a new row was created.
	Upsert(ctx context.Context, res *SyncedResource) (bool, error)
	GetByKey(ctx context.Context, connectionID uuid.UUID, resourceType, externalID string) (*SyncedResource, error)
	ListByConnection(ctx context.Context, connectionID uuid.UUID, resourceType string, limit, offset int) ([]*SyncedResource, int, error)
	CountByConnection(ctx context.Context, connectionID uuid.UUID) (int, error)
}
