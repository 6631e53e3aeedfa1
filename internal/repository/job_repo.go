package repository

import (
	"context"
	"time"

	"github.com/user/listing-ingest/internal/entity"
)

// ImportPlan is everything written atomically at the end of planning.
type ImportPlan struct {
	Chunks     [][]entity.ItemRef
	ChunkSize  int
	TotalItems int
	Split      entity.SplitSummary
	// Message is stored on the job, e.g. "no matches" for an empty plan.
	Message string
}

// ImportJobRepository defines persistence for import jobs and their chunk plans.
// Every state change is a conditional update so concurrent callers cannot
// overwrite each other.
type ImportJobRepository interface {
	// Create inserts a new pending job. The ID is generated when empty.
	Create(ctx context.Context, job *entity.ImportJob) error
	// Get returns a job or ErrNotFound.
	Get(ctx context.Context, id string) (*entity.ImportJob, error)
	// List returns the most recent jobs first.
	List(ctx context.Context, limit int) ([]*entity.ImportJob, error)
	// ClaimPlanning moves a pending job, or a planning job whose planning started
	// before staleBefore and has no plan, to planning. It reports whether this
	// caller won the claim.
	ClaimPlanning(ctx context.Context, id string, now, staleBefore time.Time) (bool, error)
	// SavePlan sets total_chunks, writes the chunk rows and moves the job to
	// running (or completed when there are no chunks) in one transaction.
	// It returns ErrPlanAlreadySet when total_chunks is already set and
	// ErrInvalidTransition when the job is no longer planning.
	SavePlan(ctx context.Context, id string, plan ImportPlan, now time.Time) error
	// MarkDispatched records when pending chunks were last handed to a dispatcher.
	MarkDispatched(ctx context.Context, id string, now time.Time) error
	// Finish moves a job from one of the from statuses to a terminal status.
	// It returns ErrInvalidTransition when the job was not in any from status.
	Finish(ctx context.Context, id string, from []entity.JobStatus, to entity.JobStatus, errMsg string, now time.Time) error
	// CompleteIfDone moves a running job whose chunks all have outcomes to completed.
	CompleteIfDone(ctx context.Context, id string, now time.Time) (bool, error)

	// ClaimChunk marks a chunk running if it is pending, or running with a claim
	// older than staleBefore. It returns the chunk and whether it was claimed.
	ClaimChunk(ctx context.Context, jobID string, index int, now, staleBefore time.Time) (*entity.ImportChunk, bool, error)
	// RecordChunkOutcome stores the outcome of a running chunk and increments the
	// job's completed or failed counter in the same transaction. It reports false
	// when the chunk was not running, in which case nothing is counted.
	RecordChunkOutcome(ctx context.Context, jobID string, index int, outcome entity.ChunkOutcome) (bool, error)
	// UnfinishedChunks returns indexes of chunks that are pending, or running with
	// a claim older than staleBefore.
	UnfinishedChunks(ctx context.Context, jobID string, staleBefore time.Time) ([]int, error)
	// GetChunk returns one chunk of the plan.
	GetChunk(ctx context.Context, jobID string, index int) (*entity.ImportChunk, error)
}
