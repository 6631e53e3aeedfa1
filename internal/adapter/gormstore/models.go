package gormstore

import (
	"encoding/json"
	"time"

	"github.com/user/listing-ingest/internal/entity"
)

type importJobModel struct {
	ID                string  `gorm:"primaryKey;size:36"`
	ScheduleID        *string `gorm:"index;size:36"`
	Query             string  `gorm:"type:text;not null"`
	Status            string  `gorm:"index;size:16;not null"`
	TotalChunks       *int
	CompletedChunks   int `gorm:"not null;default:0"`
	FailedChunks      int `gorm:"not null;default:0"`
	ChunkSize         int `gorm:"not null;default:0"`
	TotalItems        int `gorm:"not null;default:0"`
	Split             *string `gorm:"type:text"`
	Message           string
	ErrorMessage      string
	CreatedAt         time.Time `gorm:"index"`
	StartedAt         *time.Time
	PlanningStartedAt *time.Time
	LastDispatchAt    *time.Time
	FinishedAt        *time.Time
}

func (importJobModel) TableName() string { return "import_jobs" }

type importChunkModel struct {
	JobID          string `gorm:"primaryKey;size:36"`
	ChunkIndex     int    `gorm:"primaryKey"`
	Items          string `gorm:"type:text;not null"`
	Status         string `gorm:"index;size:16;not null"`
	Attempts       int    `gorm:"not null;default:0"`
	ClaimedAt      *time.Time
	ItemsSucceeded int
	ItemsFailed    int
	FastMode       bool
	Error          string
}

func (importChunkModel) TableName() string { return "import_chunks" }

type scheduleEntryModel struct {
	ID          string `gorm:"primaryKey;size:36"`
	Name        string
	Query       string  `gorm:"type:text;not null"`
	CronSpec    string  `gorm:"size:64"`
	Status      string  `gorm:"index;size:16;not null"`
	JobID       *string `gorm:"index;size:36"`
	LastError   string
	CreatedAt   time.Time `gorm:"index"`
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

func (scheduleEntryModel) TableName() string { return "schedule_entries" }

type detailRecordModel struct {
	ItemKey     string `gorm:"primaryKey;size:80"`
	ItemID      string `gorm:"index"`
	URL         string
	Title       string
	Price       int64
	Description string
	Attributes  string `gorm:"type:text"`
	History     string `gorm:"type:text"`
	FastMode    bool
	FetchedAt   time.Time
}

func (detailRecordModel) TableName() string { return "detail_records" }

func jobFromEntity(j *entity.ImportJob) (*importJobModel, error) {
	query, err := json.Marshal(j.Query)
	if err != nil {
		return nil, err
	}
	m := &importJobModel{
		ID:                j.ID,
		ScheduleID:        j.ScheduleID,
		Query:             string(query),
		Status:            string(j.Status),
		TotalChunks:       j.TotalChunks,
		CompletedChunks:   j.CompletedChunks,
		FailedChunks:      j.FailedChunks,
		ChunkSize:         j.ChunkSize,
		TotalItems:        j.TotalItems,
		Message:           j.Message,
		ErrorMessage:      j.ErrorMessage,
		CreatedAt:         j.CreatedAt,
		StartedAt:         j.StartedAt,
		PlanningStartedAt: j.PlanningStartedAt,
		LastDispatchAt:    j.LastDispatchAt,
		FinishedAt:        j.FinishedAt,
	}
	if j.Split != nil {
		s, err := json.Marshal(j.Split)
		if err != nil {
			return nil, err
		}
		str := string(s)
		m.Split = &str
	}
	return m, nil
}

func (m *importJobModel) toEntity() (*entity.ImportJob, error) {
	j := &entity.ImportJob{
		ID:                m.ID,
		ScheduleID:        m.ScheduleID,
		Status:            entity.JobStatus(m.Status),
		TotalChunks:       m.TotalChunks,
		CompletedChunks:   m.CompletedChunks,
		FailedChunks:      m.FailedChunks,
		ChunkSize:         m.ChunkSize,
		TotalItems:        m.TotalItems,
		Message:           m.Message,
		ErrorMessage:      m.ErrorMessage,
		CreatedAt:         m.CreatedAt,
		StartedAt:         m.StartedAt,
		PlanningStartedAt: m.PlanningStartedAt,
		LastDispatchAt:    m.LastDispatchAt,
		FinishedAt:        m.FinishedAt,
	}
	if err := json.Unmarshal([]byte(m.Query), &j.Query); err != nil {
		return nil, err
	}
	if m.Split != nil && *m.Split != "" {
		j.Split = &entity.SplitSummary{}
		if err := json.Unmarshal([]byte(*m.Split), j.Split); err != nil {
			return nil, err
		}
	}
	return j, nil
}

func (m *importChunkModel) toEntity() (*entity.ImportChunk, error) {
	c := &entity.ImportChunk{
		JobID:          m.JobID,
		Index:          m.ChunkIndex,
		Status:         entity.ChunkStatus(m.Status),
		Attempts:       m.Attempts,
		ClaimedAt:      m.ClaimedAt,
		ItemsSucceeded: m.ItemsSucceeded,
		ItemsFailed:    m.ItemsFailed,
		FastMode:       m.FastMode,
		Error:          m.Error,
	}
	if err := json.Unmarshal([]byte(m.Items), &c.Items); err != nil {
		return nil, err
	}
	return c, nil
}

func scheduleFromEntity(e *entity.ScheduleEntry) (*scheduleEntryModel, error) {
	query, err := json.Marshal(e.Query)
	if err != nil {
		return nil, err
	}
	return &scheduleEntryModel{
		ID:          e.ID,
		Name:        e.Name,
		Query:       string(query),
		CronSpec:    e.CronSpec,
		Status:      string(e.Status),
		JobID:       e.JobID,
		LastError:   e.LastError,
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
		CompletedAt: e.CompletedAt,
	}, nil
}

func (m *scheduleEntryModel) toEntity() (*entity.ScheduleEntry, error) {
	e := &entity.ScheduleEntry{
		ID:          m.ID,
		Name:        m.Name,
		CronSpec:    m.CronSpec,
		Status:      entity.ScheduleStatus(m.Status),
		JobID:       m.JobID,
		LastError:   m.LastError,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
		CompletedAt: m.CompletedAt,
	}
	if err := json.Unmarshal([]byte(m.Query), &e.Query); err != nil {
		return nil, err
	}
	return e, nil
}

func detailFromEntity(r entity.DetailRecord) (detailRecordModel, error) {
	attrs, err := json.Marshal(r.Attributes)
	if err != nil {
		return detailRecordModel{}, err
	}
	history, err := json.Marshal(r.History)
	if err != nil {
		return detailRecordModel{}, err
	}
	return detailRecordModel{
		ItemKey:     r.ItemKey,
		ItemID:      r.ItemID,
		URL:         r.URL,
		Title:       r.Title,
		Price:       r.Price,
		Description: r.Description,
		Attributes:  string(attrs),
		History:     string(history),
		FastMode:    r.FastMode,
		FetchedAt:   r.FetchedAt,
	}, nil
}

func (m *detailRecordModel) toEntity() (entity.DetailRecord, error) {
	r := entity.DetailRecord{
		ItemKey:     m.ItemKey,
		ItemID:      m.ItemID,
		URL:         m.URL,
		Title:       m.Title,
		Price:       m.Price,
		Description: m.Description,
		FastMode:    m.FastMode,
		FetchedAt:   m.FetchedAt,
	}
	if m.Attributes != "" {
		if err := json.Unmarshal([]byte(m.Attributes), &r.Attributes); err != nil {
			return r, err
		}
	}
	if m.History != "" {
		if err := json.Unmarshal([]byte(m.History), &r.History); err != nil {
			return r, err
		}
	}
	return r, nil
}
