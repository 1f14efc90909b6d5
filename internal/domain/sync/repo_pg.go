package sync

import (
	"context"
	"errors"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vitalsync/vitalsync/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// =========== SyncRun Repository ===========

type runRepoPG struct{ pool *pgxpool.Pool }

func NewRunRepoPG(pool *pgxpool.Pool) RunRepository { return &runRepoPG{pool: pool} }

func (r *runRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const runCols = `id, connection_id, mode, status,
	resources_queried, resources_created, resources_updated, resources_skipped,
	resources_failed, conflicts_detected, documents_downloaded, bytes_downloaded,
	queued_at, started_at, completed_at, duration_ms, error`

func (r *runRepoPG) scan(row pgx.Row) (*SyncRun, error) {
	var run SyncRun
	err := row.Scan(&run.ID, &run.ConnectionID, &run.Mode, &run.Status,
		&run.ResourcesQueried, &run.ResourcesCreated, &run.ResourcesUpdated, &run.ResourcesSkipped,
		&run.ResourcesFailed, &run.ConflictsDetected, &run.DocumentsDownloaded, &run.BytesDownloaded,
		&run.QueuedAt, &run.StartedAt, &run.CompletedAt, &run.DurationMS, &run.Error)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return &run, err
}

func (r *runRepoPG) Create(ctx context.Context, run *SyncRun) error {
	run.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO sync_run (id, connection_id, mode, status, queued_at)
		VALUES ($1,$2,$3,$4,$5)`,
		run.ID, run.ConnectionID, run.Mode, run.Status, run.QueuedAt)
	return err
}

func (r *runRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*SyncRun, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx, `SELECT `+runCols+` FROM sync_run WHERE id = $1`, id))
}

func (r *runRepoPG) Update(ctx context.Context, run *SyncRun) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE sync_run SET status=$2,
			resources_queried=$3, resources_created=$4, resources_updated=$5,
			resources_skipped=$6, resources_failed=$7, conflicts_detected=$8,
			documents_downloaded=$9, bytes_downloaded=$10,
			started_at=$11, completed_at=$12, duration_ms=$13, error=$14
		WHERE id = $1`,
		run.ID, run.Status,
		run.ResourcesQueried, run.ResourcesCreated, run.ResourcesUpdated,
		run.ResourcesSkipped, run.ResourcesFailed, run.ConflictsDetected,
		run.DocumentsDownloaded, run.BytesDownloaded,
		run.StartedAt, run.CompletedAt, run.DurationMS, run.Error)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (r *runRepoPG) UpdateProgress(ctx context.Context, run *SyncRun) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE sync_run SET
			resources_queried=$2, resources_created=$3, resources_updated=$4,
			resources_skipped=$5, resources_failed=$6, conflicts_detected=$7,
			documents_downloaded=$8, bytes_downloaded=$9
		WHERE id = $1`,
		run.ID,
		run.ResourcesQueried, run.ResourcesCreated, run.ResourcesUpdated,
		run.ResourcesSkipped, run.ResourcesFailed, run.ConflictsDetected,
		run.DocumentsDownloaded, run.BytesDownloaded)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (r *runRepoPG) ListByConnection(ctx context.Context, connectionID uuid.UUID, limit, offset int) ([]*SyncRun, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM sync_run WHERE connection_id = $1`, connectionID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+runCols+` FROM sync_run WHERE connection_id = $1 ORDER BY queued_at DESC LIMIT $2 OFFSET $3`, connectionID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*SyncRun
	for rows.Next() {
		run, err := r.scan(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, run)
	}
	return items, total, nil
}

func (r *runRepoPG) ActiveRun(ctx context.Context, connectionID uuid.UUID) (*SyncRun, error) {
	run, err := r.scan(r.conn(ctx).QueryRow(ctx, `
		SELECT `+runCols+` FROM sync_run
		WHERE connection_id = $1 AND status IN ($2, $3)
		ORDER BY queued_at DESC LIMIT 1`,
		connectionID, RunStatusQueued, RunStatusSyncing))
	if errors.Is(err, ErrRunNotFound) {
		return nil, nil
	}
	return run, err
}

// =========== SyncedResource Repository ===========

type resourceRepoPG struct{ pool *pgxpool.Pool }

func NewResourceRepoPG(pool *pgxpool.Pool) ResourceRepository { return &resourceRepoPG{pool: pool} }

func (r *resourceRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const resourceCols = `id, connection_id, resource_type, external_id, raw, hash,
	title, category, status, effective_date, created_at, updated_at`

func (r *resourceRepoPG) scan(row pgx.Row) (*SyncedResource, error) {
	var res SyncedResource
	err := row.Scan(&res.ID, &res.ConnectionID, &res.ResourceType, &res.ExternalID, &res.Raw, &res.Hash,
		&res.Title, &res.Category, &res.Status, &res.EffectiveDate, &res.CreatedAt, &res.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrResourceNotFound
	}
	return &res, err
}

func (r *resourceRepoPG) Upsert(ctx context.Context, res *SyncedResource) (bool, error) {
	if res.ID == uuid.Nil {
		res.ID = uuid.New()
	}
	var created bool
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO synced_resource (id, connection_id, resource_type, external_id,
			raw, hash, title, category, status, effective_date)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (connection_id, resource_type, external_id) DO UPDATE SET
			raw = EXCLUDED.raw, hash = EXCLUDED.hash,
			title = EXCLUDED.title, category = EXCLUDED.category,
			status = EXCLUDED.status, effective_date = EXCLUDED.effective_date,
			updated_at = NOW()
		RETURNING (xmax = 0)`,
		res.ID, res.ConnectionID, res.ResourceType, res.ExternalID,
		res.Raw, res.Hash, res.Title, res.Category, res.Status, res.EffectiveDate).Scan(&created)
	return created, err
}

func (r *resourceRepoPG) GetByKey(ctx context.Context, connectionID uuid.UUID, resourceType, externalID string) (*SyncedResource, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx, `
		SELECT `+resourceCols+` FROM synced_resource
		WHERE connection_id = $1 AND resource_type = $2 AND external_id = $3`,
		connectionID, resourceType, externalID))
}

func (r *resourceRepoPG) ListByConnection(ctx context.Context, connectionID uuid.UUID, resourceType string, limit, offset int) ([]*SyncedResource, int, error) {
	where := `WHERE connection_id = $1`
	args := []interface{}{connectionID}
	if resourceType != "" {
		where += ` AND resource_type = $2`
		args = append(args, resourceType)
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM synced_resource `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	n := len(args)
	query := `SELECT ` + resourceCols + ` FROM synced_resource ` + where +
		` ORDER BY effective_date DESC NULLS LAST, updated_at DESC` +
		` LIMIT $` + strconv.Itoa(n+1) + ` OFFSET $` + strconv.Itoa(n+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*SyncedResource
	for rows.Next() {
		res, err := r.scan(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, res)
	}
	return items, total, nil
}

func (r *resourceRepoPG) CountByConnection(ctx context.Context, connectionID uuid.UUID) (int, error) {
	var total int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM synced_resource WHERE connection_id = $1`, connectionID).Scan(&total)
	return total, err
}
