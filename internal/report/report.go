// Package report persists completed analyses that a user chose to keep.
package report

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/listingiq/listingiq/internal/job"
)

// ErrNotCompleted is returned when saving a job that has not finished successfully.
var ErrNotCompleted = errors.New("only completed analyses can be saved")

// Report is a saved analysis. One report exists per owner and property input;
// saving the same property again replaces the earlier data.
type Report struct {
	ID            string         `json:"id"`
	Owner         string         `json:"user_id"`
	JobID         string         `json:"job_id"`
	PropertyTitle string         `json:"property_title"`
	PropertyInput string         `json:"property_input"`
	Data          map[string]any `json:"analysis_data"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Repository stores reports. Get returns (nil, nil) when the report does not
// exist or belongs to someone else.
type Repository interface {
	Save(ctx context.Context, r *Report) (*Report, error)
	Get(ctx context.Context, id, owner string) (*Report, error)
	List(ctx context.Context, owner string, limit, offset int) ([]*Report, int, error)
	Delete(ctx context.Context, id, owner string) (bool, error)
	DeleteByOwner(ctx context.Context, owner string) (int64, error)
	Close() error
}

// FromJob builds a report from a completed job snapshot.
func FromJob(j *job.Job) (*Report, error) {
	if j.Status != job.StatusCompleted {
		return nil, ErrNotCompleted
	}
	data := maps.Clone(j.Results)
	if data == nil {
		data = map[string]any{}
	}
	data["generated_at"] = j.UpdatedAt.UTC().Format(time.RFC3339)
	now := time.Now().UTC()
	return &Report{
		ID:            uuid.NewString(),
		Owner:         j.Owner,
		JobID:         j.ID,
		PropertyTitle: j.Input.Title,
		PropertyInput: j.Input.Address,
		Data:          data,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// AutoSave returns an observer that saves the job once it completes.
// Other snapshots are ignored.
func AutoSave(repo Repository) func(context.Context, *job.Job) error {
	return func(ctx context.Context, j *job.Job) error {
		if j.Status != job.StatusCompleted {
			return nil
		}
		r, err := FromJob(j)
		if err != nil {
			return err
		}
		saved, err := repo.Save(ctx, r)
		if err != nil {
			return err
		}
		slog.Info("analysis saved", "job_id", j.ID, "report_id", saved.ID)
		return nil
	}
}

func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
