package bulkexport

import (
	"context"

	"github.com/google/uuid"
)

// JobRepository persists export jobs. Implementations return ErrJobNotFound
// for missing ids.
type JobRepository interface {
	Create(ctx context.Context, job *Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*Job, error)
	Update(ctx context.Context, job *Job) error
	ListByConnection(ctx context.Context, connectionID uuid.UUID, limit, offset int) ([]*Job, int, error)
}
