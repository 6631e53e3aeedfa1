package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/user/listing-ingest/internal/entity"
	"github.com/user/listing-ingest/internal/repository"
)

const scheduleColumns = `id, name, query, cron_spec, status, job_id, last_error, created_at, updated_at, completed_at`

// ScheduleRepoImpl provides a concrete implementation for the ScheduleRepository interface using PostgreSQL.
type ScheduleRepoImpl struct {
	db *pgxpool.Pool
}

// NewScheduleRepo creates a new instance of ScheduleRepoImpl.
func NewScheduleRepo(db *pgxpool.Pool) *ScheduleRepoImpl {
	return &ScheduleRepoImpl{db: db}
}

// Create inserts a new schedule entry.
func (r *ScheduleRepoImpl) Create(ctx context.Context, entry *entity.ScheduleEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Status == "" {
		entry.Status = entity.SchedulePending
	}
	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = entry.CreatedAt
	}
	queryJSON, err := json.Marshal(entry.Query)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO schedule_entries (id, name, query, cron_spec, status, job_id, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);
	`
	_, err = r.db.Exec(ctx, query,
		entry.ID, entry.Name, queryJSON, entry.CronSpec, string(entry.Status),
		entry.JobID, entry.LastError, entry.CreatedAt, entry.UpdatedAt)
	return err
}

// Get retrieves a schedule entry by ID.
func (r *ScheduleRepoImpl) Get(ctx context.Context, id string) (*entity.ScheduleEntry, error) {
	return scanSchedule(r.db.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM schedule_entries WHERE id = $1;`, id))
}

// List retrieves all schedule entries, oldest first.
func (r *ScheduleRepoImpl) List(ctx context.Context) ([]*entity.ScheduleEntry, error) {
	rows, err := r.db.Query(ctx, `SELECT `+scheduleColumns+` FROM schedule_entries ORDER BY created_at ASC, id ASC;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*entity.ScheduleEntry
	for rows.Next() {
		entry, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// FindByJob retrieves the entry linked to a job.
func (r *ScheduleRepoImpl) FindByJob(ctx context.Context, jobID string) (*entity.ScheduleEntry, error) {
	return scanSchedule(r.db.QueryRow(ctx,
		`SELECT `+scheduleColumns+` FROM schedule_entries WHERE job_id = $1 LIMIT 1;`, jobID))
}

// CountByStatus counts entries in a status.
func (r *ScheduleRepoImpl) CountByStatus(ctx context.Context, status entity.ScheduleStatus) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM schedule_entries WHERE status = $1;`, string(status)).Scan(&n)
	return n, err
}

// OldestPending retrieves the pending entry created first.
func (r *ScheduleRepoImpl) OldestPending(ctx context.Context) (*entity.ScheduleEntry, error) {
	return scanSchedule(r.db.QueryRow(ctx, `
		SELECT `+scheduleColumns+` FROM schedule_entries
		WHERE status = 'pending'
		ORDER BY created_at ASC, id ASC
		LIMIT 1;
	`))
}

// Transition changes the status only if the entry is currently in from.
func (r *ScheduleRepoImpl) Transition(
	ctx context.Context,
	id string,
	from, to entity.ScheduleStatus,
	jobID *string,
	lastError string,
	now time.Time,
) error {
	completedAt := "completed_at"
	switch to {
	case entity.ScheduleCompleted:
		completedAt = "$5"
	case entity.SchedulePending, entity.ScheduleImporting:
		completedAt = "NULL"
	}

	query := `
		UPDATE schedule_entries
		SET status = $3, job_id = COALESCE($4, job_id), last_error = $6, updated_at = $5,
		    completed_at = ` + completedAt + `
		WHERE id = $1 AND status = $2;
	`
	tag, err := r.db.Exec(ctx, query, id, string(from), string(to), jobID, now, lastError)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		entry, err := r.Get(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: schedule %s is %s, not %s", repository.ErrInvalidTransition, id, entry.Status, from)
	}
	return nil
}

func scanSchedule(row pgx.Row) (*entity.ScheduleEntry, error) {
	var (
		entry     entity.ScheduleEntry
		status    string
		queryJSON []byte
	)
	err := row.Scan(
		&entry.ID,
		&entry.Name,
		&queryJSON,
		&entry.CronSpec,
		&status,
		&entry.JobID,
		&entry.LastError,
		&entry.CreatedAt,
		&entry.UpdatedAt,
		&entry.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	entry.Status = entity.ScheduleStatus(status)
	if err := json.Unmarshal(queryJSON, &entry.Query); err != nil {
		return nil, err
	}
	return &entry, nil
}
