package entity

import (
	"math"
	"time"
)

// JobStatus is the state of an ImportJob.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobPlanning  JobStatus = "planning"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether no further transition may leave the status.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobPlanning, JobRunning, JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is allowed by the job lifecycle.
func CanTransition(from, to JobStatus) bool {
	if from.IsTerminal() {
		return false
	}
	switch to {
	case JobPlanning:
		// planning -> planning is a re-claim after an expired lease
		return from == JobPending || from == JobPlanning
	case JobRunning:
		return from == JobPlanning
	case JobCompleted:
		return from == JobPlanning || from == JobRunning
	case JobFailed, JobCancelled:
		return true
	}
	return false
}

// AllowedSources filters from down to the statuses that may move to to.
func AllowedSources(from []JobStatus, to JobStatus) []JobStatus {
	out := make([]JobStatus, 0, len(from))
	for _, s := range from {
		if CanTransition(s, to) {
			out = append(out, s)
		}
	}
	return out
}

// ImportJob is the persisted state of one import.
type ImportJob struct {
	ID                string
	ScheduleID        *string
	Query             QueryDefinition
	Status            JobStatus
	TotalChunks       *int
	CompletedChunks   int
	FailedChunks      int
	ChunkSize         int
	TotalItems        int
	Split             *SplitSummary
	Message           string
	ErrorMessage      string
	CreatedAt         time.Time
	StartedAt         *time.Time
	PlanningStartedAt *time.Time
	LastDispatchAt    *time.Time
	FinishedAt        *time.Time
}

// Processed is the number of chunks with a recorded outcome.
func (j *ImportJob) Processed() int {
	return j.CompletedChunks + j.FailedChunks
}

// Total returns total_chunks, or 0 while it is unknown.
func (j *ImportJob) Total() int {
	if j.TotalChunks == nil {
		return 0
	}
	return *j.TotalChunks
}

// Percent is processed/total as a percentage rounded to one decimal.
func (j *ImportJob) Percent() float64 {
	total := j.Total()
	if total == 0 {
		if j.Status == JobCompleted {
			return 100
		}
		return 0
	}
	return math.Round(float64(j.Processed())/float64(total)*1000) / 10
}

// Done reports whether every planned chunk has an outcome.
func (j *ImportJob) Done() bool {
	return j.TotalChunks != nil && j.Processed() >= *j.TotalChunks
}

// JobProgress is the status view of an ImportJob returned to pollers.
type JobProgress struct {
	JobID        string        `json:"job_id"`
	ScheduleID   *string       `json:"schedule_id,omitempty"`
	Status       JobStatus     `json:"status"`
	Percent      float64       `json:"percent"`
	Processed    int           `json:"processed"`
	Total        int           `json:"total"`
	Completed    int           `json:"completed"`
	Failed       int           `json:"failed"`
	TotalItems   int           `json:"total_items"`
	Split        *SplitSummary `json:"split,omitempty"`
	Message      string        `json:"message,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	FinishedAt   *time.Time    `json:"finished_at,omitempty"`
}

// Progress builds the status view of the job.
func (j *ImportJob) Progress() JobProgress {
	return JobProgress{
		JobID:        j.ID,
		ScheduleID:   j.ScheduleID,
		Status:       j.Status,
		Percent:      j.Percent(),
		Processed:    j.Processed(),
		Total:        j.Total(),
		Completed:    j.CompletedChunks,
		Failed:       j.FailedChunks,
		TotalItems:   j.TotalItems,
		Split:        j.Split,
		Message:      j.Message,
		ErrorMessage: j.ErrorMessage,
		CreatedAt:    j.CreatedAt,
		StartedAt:    j.StartedAt,
		FinishedAt:   j.FinishedAt,
	}
}

// ChunkStatus is the state of one planned chunk.
type ChunkStatus string

const (
	ChunkPending   ChunkStatus = "pending"
	ChunkRunning   ChunkStatus = "running"
	ChunkCompleted ChunkStatus = "completed"
	ChunkFailed    ChunkStatus = "failed"
)

// ImportChunk is one persisted batch of the chunk plan.
type ImportChunk struct {
	JobID          string
	Index          int
	Items          []ItemRef
	Status         ChunkStatus
	Attempts       int
	ClaimedAt      *time.Time
	ItemsSucceeded int
	ItemsFailed    int
	FastMode       bool
	Error          string
}

// ChunkOutcome is what a chunk run reports back.
type ChunkOutcome struct {
	Status         ChunkStatus
	ItemsSucceeded int
	ItemsFailed    int
	FastMode       bool
	Error          string
}

// ChunkTask addresses one chunk of one job for dispatch.
type ChunkTask struct {
	JobID      string `json:"job_id"`
	ChunkIndex int    `json:"chunk_index"`
}

// SplitIntoChunks cuts items into consecutive chunks of at most size items.
func SplitIntoChunks(items []ItemRef, size int) [][]ItemRef {
	if size <= 0 {
		size = 1
	}
	chunks := make([][]ItemRef, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[start:end])
	}
	return chunks
}
