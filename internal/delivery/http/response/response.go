package response

import "github.com/user/listing-ingest/internal/entity"

type SubmitImportResponse struct {
	JobID  string           `json:"job_id"`
	Status entity.JobStatus `json:"status"`
}

type ImportListResponse struct {
	Jobs []entity.JobProgress `json:"jobs"`
}

type ScheduleListResponse struct {
	Schedules []*entity.ScheduleEntry `json:"schedules"`
}

// StartNextResponse reports the job started for the oldest pending schedule.
// Started is false when a schedule is already importing or none is pending.
type StartNextResponse struct {
	Started bool   `json:"started"`
	JobID   string `json:"job_id,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
