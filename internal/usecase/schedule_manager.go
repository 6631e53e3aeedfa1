package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/user/listing-ingest/internal/entity"
	"github.com/user/listing-ingest/internal/repository"
)

// ErrInvalidCronSpec is returned when a schedule's cron expression does not parse.
var ErrInvalidCronSpec = errors.New("invalid cron spec")

// ScheduleManager runs saved queries one at a time and links each to its import job.
type ScheduleManager interface {
	Create(ctx context.Context, name string, query entity.QueryDefinition, cronSpec string) (*entity.ScheduleEntry, error)
	Get(ctx context.Context, id string) (*entity.ScheduleEntry, error)
	List(ctx context.Context) ([]*entity.ScheduleEntry, error)
	// StartNext moves the oldest pending entry to importing and returns its job.
	// It returns nil when an entry is already importing or none is pending.
	StartNext(ctx context.Context) (*entity.ImportJob, error)
	// Retry re-arms a failed entry with a fresh pending job.
	Retry(ctx context.Context, id string) (*entity.ScheduleEntry, error)
	// Rearm moves a completed entry back to pending for its next run.
	Rearm(ctx context.Context, id string) (*entity.ScheduleEntry, error)
	// JobStarted marks the linked entry importing when its job begins planning.
	JobStarted(ctx context.Context, job *entity.ImportJob) error
	// JobFinished propagates a terminal job status to its linked entry.
	JobFinished(ctx context.Context, job *entity.ImportJob) error
}

type scheduleManager struct {
	schedules repository.ScheduleRepository
	jobs      repository.ImportJobRepository
	chunkSize int
	logger    *zap.Logger
	now       func() time.Time
}

// NewScheduleManager creates a schedule manager. clock may be nil.
func NewScheduleManager(
	schedules repository.ScheduleRepository,
	jobs repository.ImportJobRepository,
	chunkSize int,
	clock func() time.Time,
	logger *zap.Logger,
) ScheduleManager {
	if clock == nil {
		clock = time.Now
	}
	return &scheduleManager{
		schedules: schedules,
		jobs:      jobs,
		chunkSize: chunkSize,
		logger:    logger,
		now:       clock,
	}
}

func (m *scheduleManager) Create(ctx context.Context, name string, query entity.QueryDefinition, cronSpec string) (*entity.ScheduleEntry, error) {
	if err := query.Validate(); err != nil {
		return nil, err
	}
	cronSpec = strings.TrimSpace(cronSpec)
	if cronSpec != "" {
		if _, err := cron.ParseStandard(cronSpec); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCronSpec, err)
		}
	}
	now := m.now().UTC()
	entry := &entity.ScheduleEntry{
		ID:        uuid.NewString(),
		Name:      strings.TrimSpace(name),
		Query:     query,
		CronSpec:  cronSpec,
		Status:    entity.SchedulePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.schedules.Create(ctx, entry); err != nil {
		return nil, fmt.Errorf("create schedule: %w", err)
	}
	m.logger.Info("schedule created", zap.String("schedule_id", entry.ID), zap.String("name", entry.Name))
	return entry, nil
}

func (m *scheduleManager) Get(ctx context.Context, id string) (*entity.ScheduleEntry, error) {
	return m.schedules.Get(ctx, id)
}

func (m *scheduleManager) List(ctx context.Context) ([]*entity.ScheduleEntry, error) {
	return m.schedules.List(ctx)
}

func (m *scheduleManager) StartNext(ctx context.Context) (*entity.ImportJob, error) {
	importing, err := m.schedules.CountByStatus(ctx, entity.ScheduleImporting)
	if err != nil {
		return nil, fmt.Errorf("count importing schedules: %w", err)
	}
	if importing > 0 {
		return nil, nil
	}

	entry, err := m.schedules.OldestPending(ctx)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find pending schedule: %w", err)
	}

	var job *entity.ImportJob
	if entry.JobID != nil {
		linked, err := m.jobs.Get(ctx, *entry.JobID)
		if err == nil && linked.Status == entity.JobPending {
			job = linked
		}
	}
	created := false
	if job == nil {
		job = newImportJob(entry.Query, &entry.ID, m.chunkSize, m.now())
		if err := m.jobs.Create(ctx, job); err != nil {
			return nil, fmt.Errorf("create job for schedule %s: %w", entry.ID, err)
		}
		created = true
	}

	err = m.schedules.Transition(ctx, entry.ID, entity.SchedulePending, entity.ScheduleImporting, &job.ID, "", m.now().UTC())
	if errors.Is(err, repository.ErrInvalidTransition) {
		// Another caller started this entry first.
		if created {
			_ = m.jobs.Finish(ctx, job.ID, []entity.JobStatus{entity.JobPending}, entity.JobCancelled,
				"superseded by a concurrent schedule start", m.now().UTC())
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("start schedule %s: %w", entry.ID, err)
	}

	m.logger.Info("schedule started",
		zap.String("schedule_id", entry.ID),
		zap.String("job_id", job.ID),
	)
	return job, nil
}

func (m *scheduleManager) Retry(ctx context.Context, id string) (*entity.ScheduleEntry, error) {
	entry, err := m.schedules.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry.Status != entity.ScheduleFailed {
		return nil, fmt.Errorf("%w: schedule %s is %s, only failed schedules can be retried",
			repository.ErrInvalidTransition, id, entry.Status)
	}

	job := newImportJob(entry.Query, &entry.ID, m.chunkSize, m.now())
	if err := m.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create retry job: %w", err)
	}
	if err := m.schedules.Transition(ctx, id, entity.ScheduleFailed, entity.SchedulePending, &job.ID, "", m.now().UTC()); err != nil {
		_ = m.jobs.Finish(ctx, job.ID, []entity.JobStatus{entity.JobPending}, entity.JobCancelled,
			"schedule retry lost a concurrent update", m.now().UTC())
		return nil, err
	}
	m.logger.Info("schedule re-armed after failure", zap.String("schedule_id", id), zap.String("job_id", job.ID))
	return m.schedules.Get(ctx, id)
}

func (m *scheduleManager) Rearm(ctx context.Context, id string) (*entity.ScheduleEntry, error) {
	if err := m.schedules.Transition(ctx, id, entity.ScheduleCompleted, entity.SchedulePending, nil, "", m.now().UTC()); err != nil {
		return nil, err
	}
	m.logger.Info("schedule re-armed", zap.String("schedule_id", id))
	return m.schedules.Get(ctx, id)
}

func (m *scheduleManager) JobStarted(ctx context.Context, job *entity.ImportJob) error {
	if job.ScheduleID == nil {
		return nil
	}
	err := m.schedules.Transition(ctx, *job.ScheduleID, entity.SchedulePending, entity.ScheduleImporting, &job.ID, "", m.now().UTC())
	if errors.Is(err, repository.ErrInvalidTransition) {
		return nil
	}
	return err
}

func (m *scheduleManager) JobFinished(ctx context.Context, job *entity.ImportJob) error {
	if job.ScheduleID == nil || !job.Status.IsTerminal() {
		return nil
	}
	entry, err := m.schedules.Get(ctx, *job.ScheduleID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if entry.JobID == nil || *entry.JobID != job.ID {
		// A newer job owns the entry.
		return nil
	}
	if entry.Status != entity.ScheduleImporting && entry.Status != entity.SchedulePending {
		return nil
	}

	to := entity.ScheduleCompleted
	lastError := ""
	switch job.Status {
	case entity.JobFailed:
		to = entity.ScheduleFailed
		lastError = job.ErrorMessage
	case entity.JobCancelled:
		to = entity.ScheduleFailed
		lastError = "import cancelled"
	}

	err = m.schedules.Transition(ctx, entry.ID, entry.Status, to, nil, lastError, m.now().UTC())
	if errors.Is(err, repository.ErrInvalidTransition) {
		return nil
	}
	if err != nil {
		return err
	}
	m.logger.Info("schedule finished",
		zap.String("schedule_id", entry.ID),
		zap.String("job_id", job.ID),
		zap.String("status", string(to)),
	)
	return nil
}

func newImportJob(query entity.QueryDefinition, scheduleID *string, chunkSize int, now time.Time) *entity.ImportJob {
	return &entity.ImportJob{
		ID:         uuid.NewString(),
		ScheduleID: scheduleID,
		Query:      query,
		Status:     entity.JobPending,
		ChunkSize:  chunkSize,
		CreatedAt:  now.UTC(),
	}
}
