package repository

import (
	"context"
	"time"

	"github.com/user/listing-ingest/internal/entity"
)

// ScheduleRepository defines persistence for recurring queries.
type ScheduleRepository interface {
	Create(ctx context.Context, entry *entity.ScheduleEntry) error
	Get(ctx context.Context, id string) (*entity.ScheduleEntry, error)
	List(ctx context.Context) ([]*entity.ScheduleEntry, error)
	// FindByJob returns the entry linked to a job, or ErrNotFound.
	FindByJob(ctx context.Context, jobID string) (*entity.ScheduleEntry, error)
	// CountByStatus returns how many entries are in the status.
	CountByStatus(ctx context.Context, status entity.ScheduleStatus) (int, error)
	// OldestPending returns the pending entry created first, or ErrNotFound.
	OldestPending(ctx context.Context) (*entity.ScheduleEntry, error)
	// Transition changes the status (and optionally the linked job) only if the
	// entry is currently in from. jobID nil keeps the current link. It returns
	// ErrInvalidTransition when the entry was not in from.
	Transition(ctx context.Context, id string, from, to entity.ScheduleStatus, jobID *string, lastError string, now time.Time) error
}
