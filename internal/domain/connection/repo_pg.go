package connection

import (
	"context"
	"errors"
	"time"

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

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const connectionCols = `id, user_id, provider_id, patient_id, base_url, status,
	auto_sync, sync_interval_hours,
	access_token_enc, refresh_token_enc, token_expires_at, scopes,
	last_sync_at, next_sync_at, last_error, created_at, updated_at`

func (r *repoPG) scan(row pgx.Row) (*Connection, error) {
	var c Connection
	err := row.Scan(&c.ID, &c.UserID, &c.ProviderID, &c.PatientID, &c.BaseURL, &c.Status,
		&c.AutoSync, &c.SyncIntervalHours,
		&c.AccessTokenEnc, &c.RefreshTokenEnc, &c.TokenExpiresAt, &c.Scopes,
		&c.LastSyncAt, &c.NextSyncAt, &c.LastError, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &c, err
}

func (r *repoPG) Create(ctx context.Context, c *Connection) error {
	c.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO connection (id, user_id, provider_id, patient_id, base_url, status,
			auto_sync, sync_interval_hours,
			access_token_enc, refresh_token_enc, token_expires_at, scopes,
			last_sync_at, next_sync_at, last_error)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		c.ID, c.UserID, c.ProviderID, c.PatientID, c.BaseURL, c.Status,
		c.AutoSync, c.SyncIntervalHours,
		c.AccessTokenEnc, c.RefreshTokenEnc, c.TokenExpiresAt, c.Scopes,
		c.LastSyncAt, c.NextSyncAt, c.LastError)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Connection, error) {
	return r.scan(r.conn(ctx).QueryRow(ctx, `SELECT `+connectionCols+` FROM connection WHERE id = $1`, id))
}

func (r *repoPG) Update(ctx context.Context, c *Connection) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE connection SET patient_id=$2, status=$3,
			auto_sync=$4, sync_interval_hours=$5,
			access_token_enc=$6, refresh_token_enc=$7, token_expires_at=$8, scopes=$9,
			last_sync_at=$10, next_sync_at=$11, last_error=$12, updated_at=NOW()
		WHERE id = $1`,
		c.ID, c.PatientID, c.Status,
		c.AutoSync, c.SyncIntervalHours,
		c.AccessTokenEnc, c.RefreshTokenEnc, c.TokenExpiresAt, c.Scopes,
		c.LastSyncAt, c.NextSyncAt, c.LastError)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM connection WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) List(ctx context.Context, limit, offset int) ([]*Connection, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM connection`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+connectionCols+` FROM connection ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Connection
	for rows.Next() {
		c, err := r.scan(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, c)
	}
	return items, total, nil
}

func (r *repoPG) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Connection, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM connection WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+connectionCols+` FROM connection WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Connection
	for rows.Next() {
		c, err := r.scan(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, c)
	}
	return items, total, nil
}

func (r *repoPG) ListDueForSync(ctx context.Context, now time.Time, limit int) ([]*Connection, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+connectionCols+` FROM connection
		WHERE status = $1 AND auto_sync AND next_sync_at IS NOT NULL AND next_sync_at <= $2
		ORDER BY next_sync_at ASC LIMIT $3`,
		StatusActive, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Connection
	for rows.Next() {
		c, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, nil
}
