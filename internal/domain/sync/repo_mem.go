package sync

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryRunRepo is a map-backed RunRepository for tests and local
// development.
type InMemoryRunRepo struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*SyncRun
}

func NewInMemoryRunRepo() *InMemoryRunRepo {
	return &InMemoryRunRepo{items: make(map[uuid.UUID]*SyncRun)}
}

func (r *InMemoryRunRepo) Create(ctx context.Context, run *SyncRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run.ID = uuid.New()
	cp := *run
	r.items[run.ID] = &cp
	return nil
}

func (r *InMemoryRunRepo) GetByID(ctx context.Context, id uuid.UUID) (*SyncRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.items[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	cp := *run
	return &cp, nil
}

func (r *InMemoryRunRepo) Update(ctx context.Context, run *SyncRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[run.ID]; !ok {
		return ErrRunNotFound
	}
	cp := *run
	r.items[run.ID] = &cp
	return nil
}

func (r *InMemoryRunRepo) UpdateProgress(ctx context.Context, run *SyncRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.items[run.ID]
	if !ok {
		return ErrRunNotFound
	}
	stored.ResourcesQueried = run.ResourcesQueried
	stored.ResourcesCreated = run.ResourcesCreated
	stored.ResourcesUpdated = run.ResourcesUpdated
	stored.ResourcesSkipped = run.ResourcesSkipped
	stored.ResourcesFailed = run.ResourcesFailed
	stored.ConflictsDetected = run.ConflictsDetected
	stored.DocumentsDownloaded = run.DocumentsDownloaded
	stored.BytesDownloaded = run.BytesDownloaded
	return nil
}

func (r *InMemoryRunRepo) ListByConnection(ctx context.Context, connectionID uuid.UUID, limit, offset int) ([]*SyncRun, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var all []*SyncRun
	for _, run := range r.items {
		if run.ConnectionID == connectionID {
			cp := *run
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].QueuedAt.After(all[j].QueuedAt) })
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

func (r *InMemoryRunRepo) ActiveRun(ctx context.Context, connectionID uuid.UUID) (*SyncRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var newest *SyncRun
	for _, run := range r.items {
		if run.ConnectionID != connectionID || run.Terminal() {
			continue
		}
		if newest == nil || run.QueuedAt.After(newest.QueuedAt) {
			cp := *run
			newest = &cp
		}
	}
	return newest, nil
}

// InMemoryResourceRepo honors the same composite-key upsert invariant as the
// Postgres implementation.
type InMemoryResourceRepo struct {
	mu    sync.RWMutex
	items map[resourceKey]*SyncedResource
}

type resourceKey struct {
	connectionID uuid.UUID
	resourceType string
	externalID   string
}

func NewInMemoryResourceRepo() *InMemoryResourceRepo {
	return &InMemoryResourceRepo{items: make(map[resourceKey]*SyncedResource)}
}

func (r *InMemoryResourceRepo) Upsert(ctx context.Context, res *SyncedResource) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := resourceKey{res.ConnectionID, res.ResourceType, res.ExternalID}
	now := time.Now()
	existing, ok := r.items[key]
	if ok {
		res.ID = existing.ID
		res.CreatedAt = existing.CreatedAt
	} else {
		if res.ID == uuid.Nil {
			res.ID = uuid.New()
		}
		res.CreatedAt = now
	}
	res.UpdatedAt = now
	cp := *res
	r.items[key] = &cp
	return !ok, nil
}

func (r *InMemoryResourceRepo) GetByKey(ctx context.Context, connectionID uuid.UUID, resourceType, externalID string) (*SyncedResource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.items[resourceKey{connectionID, resourceType, externalID}]
	if !ok {
		return nil, ErrResourceNotFound
	}
	cp := *res
	return &cp, nil
}

func (r *InMemoryResourceRepo) ListByConnection(ctx context.Context, connectionID uuid.UUID, resourceType string, limit, offset int) ([]*SyncedResource, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var all []*SyncedResource
	for key, res := range r.items {
		if key.connectionID != connectionID {
			continue
		}
		if resourceType != "" && key.resourceType != resourceType {
			continue
		}
		cp := *res
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool {
		di, dj := all[i].EffectiveDate, all[j].EffectiveDate
		switch {
		case di != nil && dj != nil:
			return di.After(*dj)
		case di != nil:
			return true
		case dj != nil:
			return false
		}
		return all[i].UpdatedAt.After(all[j].UpdatedAt)
	})
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

func (r *InMemoryResourceRepo) CountByConnection(ctx context.Context, connectionID uuid.UUID) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var total int
	for key := range r.items {
		if key.connectionID == connectionID {
			total++
		}
	}
	return total, nil
}
