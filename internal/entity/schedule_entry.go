package entity

import "time"

// ScheduleStatus is the state of a ScheduleEntry.
type ScheduleStatus string

const (
	SchedulePending   ScheduleStatus = "pending"
	ScheduleImporting ScheduleStatus = "importing"
	ScheduleCompleted ScheduleStatus = "completed"
	ScheduleFailed    ScheduleStatus = "failed"
)

// ScheduleEntry is a recurring query. It owns at most one active import job.
type ScheduleEntry struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Query       QueryDefinition `json:"query_definition"`
	CronSpec    string          `json:"cron_spec,omitempty"`
	Status      ScheduleStatus  `json:"status"`
	JobID       *string         `json:"job_id,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}
