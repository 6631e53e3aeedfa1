package request

import "github.com/user/listing-ingest/internal/entity"

type SubmitImportRequest struct {
	QueryDefinition entity.QueryDefinition `json:"query_definition"`
}

type CreateScheduleRequest struct {
	Name            string                 `json:"name"`
	QueryDefinition entity.QueryDefinition `json:"query_definition"`
	// CronSpec is optional; entries without one run once until retried.
	CronSpec string `json:"cron_spec"`
}
