package report

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgRepository stores reports in PostgreSQL, with analysis data as JSONB.
type PgRepository struct {
	pool *pgxpool.Pool
}

// NewPgRepository connects to connString and creates the table if needed.
func NewPgRepository(ctx context.Context, connString string) (*PgRepository, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	config.MaxConns = 10
	config.MinConns = 1
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	r := &PgRepository{pool: pool}
	if err := r.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return r, nil
}

func (r *PgRepository) migrate(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS saved_analyses (
			id             TEXT PRIMARY KEY,
			user_id        TEXT NOT NULL,
			job_id         TEXT NOT NULL DEFAULT '',
			property_title TEXT NOT NULL DEFAULT '',
			property_input TEXT NOT NULL,
			analysis_data  JSONB NOT NULL,
			created_at     TIMESTAMPTZ NOT NULL,
			updated_at     TIMESTAMPTZ NOT NULL,
			UNIQUE (user_id, property_input)
		);
		CREATE INDEX IF NOT EXISTS idx_saved_analyses_user_created ON saved_analyses(user_id, created_at DESC);
	`)
	return err
}

func (r *PgRepository) Save(ctx context.Context, rep *Report) (*Report, error) {
	out := *rep
	now := time.Now().UTC()
	if out.CreatedAt.IsZero() {
		out.CreatedAt = now
	}
	out.UpdatedAt = now

	// pgx encodes map[string]any as JSON for JSONB columns.
	err := r.pool.QueryRow(ctx, `
		INSERT INTO saved_analyses
			(id, user_id, job_id, property_title, property_input, analysis_data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, property_input) DO UPDATE
		SET job_id = EXCLUDED.job_id,
		    property_title = EXCLUDED.property_title,
		    analysis_data = EXCLUDED.analysis_data,
		    updated_at = EXCLUDED.updated_at
		RETURNING id, created_at
	`, out.ID, out.Owner, out.JobID, out.PropertyTitle, out.PropertyInput, out.Data,
		out.CreatedAt, out.UpdatedAt).Scan(&out.ID, &out.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to save analysis: %w", err)
	}
	return &out, nil
}

func (r *PgRepository) Get(ctx context.Context, id, owner string) (*Report, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, user_id, job_id, property_title, property_input, analysis_data, created_at, updated_at
		FROM saved_analyses WHERE id = $1 AND user_id = $2
	`, id, owner)

	rep := &Report{}
	err := row.Scan(&rep.ID, &rep.Owner, &rep.JobID, &rep.PropertyTitle, &rep.PropertyInput,
		&rep.Data, &rep.CreatedAt, &rep.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get analysis %s: %w", id, err)
	}
	return rep, nil
}

func (r *PgRepository) List(ctx context.Context, owner string, limit, offset int) ([]*Report, int, error) {
	limit, offset = normalizePage(limit, offset)

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM saved_analyses WHERE user_id = $1`, owner).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count analyses: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, job_id, property_title, property_input, analysis_data, created_at, updated_at
		FROM saved_analyses
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, owner, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list analyses: %w", err)
	}
	defer rows.Close()

	reports := []*Report{}
	for rows.Next() {
		rep := &Report{}
		if err := rows.Scan(&rep.ID, &rep.Owner, &rep.JobID, &rep.PropertyTitle, &rep.PropertyInput,
			&rep.Data, &rep.CreatedAt, &rep.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan analysis: %w", err)
		}
		reports = append(reports, rep)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate analyses: %w", err)
	}
	return reports, total, nil
}

func (r *PgRepository) Delete(ctx context.Context, id, owner string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM saved_analyses WHERE id = $1 AND user_id = $2`, id, owner)
	if err != nil {
		return false, fmt.Errorf("failed to delete analysis %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PgRepository) DeleteByOwner(ctx context.Context, owner string) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM saved_analyses WHERE user_id = $1`, owner)
	if err != nil {
		return 0, fmt.Errorf("failed to delete analyses of %s: %w", owner, err)
	}
	return tag.RowsAffected(), nil
}

// Close closes the connection pool.
func (r *PgRepository) Close() error {
	r.pool.Close()
	return nil
}
