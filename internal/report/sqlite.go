package report

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteRepository is a SQLite-backed implementation of Repository.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository opens (or creates) the SQLite database at dbPath and runs migrations.
func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	// WAL mode for better concurrent read performance.
	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	r := &SQLiteRepository{db: db}
	if err = r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return r, nil
}

func (r *SQLiteRepository) migrate() error {
	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS saved_analyses (
			id             TEXT PRIMARY KEY,
			user_id        TEXT NOT NULL,
			job_id         TEXT NOT NULL DEFAULT '',
			property_title TEXT NOT NULL DEFAULT '',
			property_input TEXT NOT NULL,
			analysis_data  TEXT NOT NULL,
			created_at     DATETIME NOT NULL,
			updated_at     DATETIME NOT NULL,
			UNIQUE (user_id, property_input)
		);
		CREATE INDEX IF NOT EXISTS idx_saved_analyses_user_created ON saved_analyses(user_id, created_at);
	`)
	return err
}

// Save inserts the report, or replaces the data of the owner's existing
// report for the same property input and returns that one.
func (r *SQLiteRepository) Save(ctx context.Context, rep *Report) (*Report, error) {
	data, err := json.Marshal(rep.Data)
	if err != nil {
		return nil, fmt.Errorf("encode analysis data: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	out := *rep
	now := time.Now().UTC()
	out.UpdatedAt = now

	var existingID string
	var createdAt time.Time
	err = tx.QueryRowContext(ctx, `
		SELECT id, created_at FROM saved_analyses WHERE user_id = ? AND property_input = ?
	`, rep.Owner, rep.PropertyInput).Scan(&existingID, &createdAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if out.CreatedAt.IsZero() {
			out.CreatedAt = now
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO saved_analyses
				(id, user_id, job_id, property_title, property_input, analysis_data, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, out.ID, out.Owner, out.JobID, out.PropertyTitle, out.PropertyInput, string(data),
			out.CreatedAt.UTC(), out.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("insert analysis: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("look up analysis: %w", err)
	default:
		out.ID = existingID
		out.CreatedAt = createdAt
		_, err = tx.ExecContext(ctx, `
			UPDATE saved_analyses SET job_id = ?, property_title = ?, analysis_data = ?, updated_at = ?
			WHERE id = ?
		`, out.JobID, out.PropertyTitle, string(data), out.UpdatedAt, existingID)
		if err != nil {
			return nil, fmt.Errorf("update analysis %s: %w", existingID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit save: %w", err)
	}
	return &out, nil
}

func (r *SQLiteRepository) Get(ctx context.Context, id, owner string) (*Report, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, job_id, property_title, property_input, analysis_data, created_at, updated_at
		FROM saved_analyses WHERE id = ? AND user_id = ?
	`, id, owner)

	rep, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get analysis %s: %w", id, err)
	}
	return rep, nil
}

// List returns the owner's reports ordered by created_at DESC with pagination, and the total count.
func (r *SQLiteRepository) List(ctx context.Context, owner string, limit, offset int) ([]*Report, int, error) {
	limit, offset = normalizePage(limit, offset)

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM saved_analyses WHERE user_id = ?`, owner).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count analyses: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, job_id, property_title, property_input, analysis_data, created_at, updated_at
		FROM saved_analyses
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, owner, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list analyses: %w", err)
	}
	defer rows.Close()

	reports := []*Report{}
	for rows.Next() {
		rep, err := scanReport(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan analysis: %w", err)
		}
		reports = append(reports, rep)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate analyses: %w", err)
	}
	return reports, total, nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, id, owner string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM saved_analyses WHERE id = ? AND user_id = ?`, id, owner)
	if err != nil {
		return false, fmt.Errorf("delete analysis %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete analysis %s: %w", id, err)
	}
	return n > 0, nil
}

func (r *SQLiteRepository) DeleteByOwner(ctx context.Context, owner string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM saved_analyses WHERE user_id = ?`, owner)
	if err != nil {
		return 0, fmt.Errorf("delete analyses of %s: %w", owner, err)
	}
	return res.RowsAffected()
}

// Close closes the underlying database connection.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReport(s scanner) (*Report, error) {
	rep := &Report{}
	var data string
	if err := s.Scan(&rep.ID, &rep.Owner, &rep.JobID, &rep.PropertyTitle, &rep.PropertyInput,
		&data, &rep.CreatedAt, &rep.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(data), &rep.Data); err != nil {
		return nil, fmt.Errorf("decode analysis data: %w", err)
	}
	return rep, nil
}
