package bulkexport

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryJobRepo is a map-backed JobRepository for tests and local
// development.
type InMemoryJobRepo struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*Job
}

func NewInMemoryJobRepo() *InMemoryJobRepo {
	return &InMemoryJobRepo{items: make(map[uuid.UUID]*Job)}
}

func (r *InMemoryJobRepo) Create(ctx context.Context, j *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j.ID = uuid.New()
	now := time.Now()
	j.CreatedAt = now
	j.UpdatedAt = now
	cp := *j
	r.items[j.ID] = &cp
	return nil
}

func (r *InMemoryJobRepo) GetByID(ctx context.Context, id uuid.UUID) (*Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.items[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (r *InMemoryJobRepo) Update(ctx context.Context, j *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[j.ID]; !ok {
		return ErrJobNotFound
	}
	j.UpdatedAt = time.Now()
	cp := *j
	r.items[j.ID] = &cp
	return nil
}

func (r *InMemoryJobRepo) ListByConnection(ctx context.Context, connectionID uuid.UUID, limit, offset int) ([]*Job, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var all []*Job
	for _, j := range r.items {
		if j.ConnectionID == connectionID {
			cp := *j
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
