package connection

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository persists connections. Implementations return ErrNotFound for
// missing ids.
type Repository interface {
	Create(ctx context.Context, c *Connection) error
	GetByID(ctx context.Context, id uuid.UUID) (*Connection, error)
	Update(ctx context.Context, c *Connection) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, limit, offset int) ([]*Connection, int, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Connection, int, error)

	// ListDueForSync returns active auto-sync connections whose next_sync_at
	// is at or before now, oldest first.
	ListDueForSync(ctx context.Context, now time.Time, limit int) ([]*Connection, error)
}
