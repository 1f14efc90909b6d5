package connection

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryRepo is a map-backed Repository used in tests and local
// development.
type InMemoryRepo struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*Connection
}

func NewInMemoryRepo() *InMemoryRepo {
	return &InMemoryRepo{items: make(map[uuid.UUID]*Connection)}
}

func (r *InMemoryRepo) Create(ctx context.Context, c *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.ID = uuid.New()
	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now
	cp := *c
	r.items[c.ID] = &cp
	return nil
}

func (r *InMemoryRepo) GetByID(ctx context.Context, id uuid.UUID) (*Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *InMemoryRepo) Update(ctx context.Context, c *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[c.ID]; !ok {
		return ErrNotFound
	}
	c.UpdatedAt = time.Now()
	cp := *c
	r.items[c.ID] = &cp
	return nil
}

func (r *InMemoryRepo) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[id]; !ok {
		return ErrNotFound
	}
	delete(r.items, id)
	return nil
}

func (r *InMemoryRepo) List(ctx context.Context, limit, offset int) ([]*Connection, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := make([]*Connection, 0, len(r.items))
	for _, c := range r.items {
		cp := *c
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (r *InMemoryRepo) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Connection, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var all []*Connection
	for _, c := range r.items {
		if c.UserID == userID {
			cp := *c
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (r *InMemoryRepo) ListDueForSync(ctx context.Context, now time.Time, limit int) ([]*Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var due []*Connection
	for _, c := range r.items {
		if c.Status == StatusActive && c.AutoSync && c.NextSyncAt != nil && !c.NextSyncAt.After(now) {
			cp := *c
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextSyncAt.Before(*due[j].NextSyncAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}
