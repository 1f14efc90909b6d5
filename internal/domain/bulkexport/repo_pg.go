package bulkexport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

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

type jobRepoPG struct{ pool *pgxpool.Pool }

func NewJobRepoPG(pool *pgxpool.Pool) JobRepository { return &jobRepoPG{pool: pool} }

func (r *jobRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const jobCols = `id, connection_id, scope, group_id, resource_types, since,
	kickoff_url, status_url, retry_after_secs, status, output_files, error,
	resources_processed, bytes_processed, created_at, updated_at, completed_at`

func (r *jobRepoPG) scan(row pgx.Row) (*Job, error) {
	var j Job
	var outputs []byte
	err := row.Scan(&j.ID, &j.ConnectionID, &j.Scope, &j.GroupID, &j.ResourceTypes, &j.Since,
		&j.KickoffURL, &j.StatusURL, &j.RetryAfterSecs, &j.Status, &outputs, &j.Error,
		&j.ResourcesProcessed, &j.BytesProcessed, &j.CreatedAt, &j.UpdatedAt, &j.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(outputs) > 0 {
		if err := json.Unmarshal(outputs, &j.OutputFiles); err != nil {
			return nil, fmt.Errorf("decoding output files: %w", err)
		}
	}
	return &j, nil
}

func marshalOutputs(files []OutputFile) ([]byte, error) {
	if len(files) == 0 {
		return []byte(`[]`), nil
	}
	return json.Marshal(files)
}

func (r *jobRepoPG) Create(ctx context.Context, j *Job) error {
	j.ID = uuid.New()
	outputs, err := marshalOutputs(j.OutputFiles)
	if err != nil {
		return err
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO bulk_export_job (id, connection_id, scope, group_id, resource_types, since,
			kickoff_url, status_url, retry_after_secs, status, output_files, error,
			resources_processed, bytes_processed)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		j.ID, j.ConnectionID, j.Scope, j.GroupID, j.ResourceTypes, j.Since,
		j.KickoffURL, j.StatusURL, j.RetryAfterSecs, j.Status, outputs, j.Error,
		j.ResourcesProcessed, j.BytesProcessed)
	return err
}

func (r *jobRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Job, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx, `SELECT `+jobCols+` FROM bulk_export_job WHERE id = $1`, id))
}

func (r *jobRepoPG) Update(ctx context.Context, j *Job) error {
	outputs, err := marshalOutputs(j.OutputFiles)
	if err != nil {
		return err
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE bulk_export_job SET status_url=$2, retry_after_secs=$3, status=$4,
			output_files=$5, error=$6, resources_processed=$7, bytes_processed=$8,
			completed_at=$9, updated_at=NOW()
		WHERE id = $1`,
		j.ID, j.StatusURL, j.RetryAfterSecs, j.Status,
		outputs, j.Error, j.ResourcesProcessed, j.BytesProcessed, j.CompletedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (r *jobRepoPG) ListByConnection(ctx context.Context, connectionID uuid.UUID, limit, offset int) ([]*Job, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM bulk_export_job WHERE connection_id = $1`, connectionID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+jobCols+` FROM bulk_export_job WHERE connection_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, connectionID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Job
	for rows.Next() {
		j, err := r.scan(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, j)
	}
	return items, total, nil
}
