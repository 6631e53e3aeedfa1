package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/user/listing-ingest/internal/repository"
	"github.com/user/listing-ingest/internal/usecase"
)

type cronEntry struct {
	id   cron.EntryID
	spec string
}

// CronScheduler re-arms completed schedules when their cron expression fires
// and starts the next pending one.
type CronScheduler struct {
	schedules usecase.ScheduleManager
	reload    time.Duration
	logger    *zap.Logger

	cron   *cron.Cron
	parser cron.Parser

	mu      sync.Mutex
	entries map[string]cronEntry

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewCronScheduler creates a scheduler that re-reads schedules every reload.
func NewCronScheduler(schedules usecase.ScheduleManager, reload time.Duration, logger *zap.Logger) *CronScheduler {
	if reload <= 0 {
		reload = time.Minute
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.Recover(cron.VerbosePrintfLogger(zap.NewStdLog(logger)))),
	)
	return &CronScheduler{
		schedules: schedules,
		reload:    reload,
		logger:    logger,
		cron:      c,
		parser:    parser,
		entries:   make(map[string]cronEntry),
	}
}

func (s *CronScheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	if err := s.Reload(s.ctx); err != nil {
		s.cancel()
		s.cancel = nil
		return err
	}
	s.cron.Start()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.reload)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				if err := s.Reload(s.ctx); err != nil {
					s.logger.Error("failed to reload schedules", zap.Error(err))
				}
			}
		}
	}()
	s.logger.Info("cron scheduler started", zap.Int("entries", s.Len()))
	return nil
}

// Stop halts firing and waits for running triggers.
func (s *CronScheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	<-s.cron.Stop().Done()
	s.logger.Info("cron scheduler stopped")
}

// Reload registers new or changed cron specs and drops removed ones.
func (s *CronScheduler) Reload(ctx context.Context) error {
	entries, err := s.schedules.List(ctx)
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		if entry.CronSpec == "" {
			continue
		}
		seen[entry.ID] = struct{}{}
		if cur, ok := s.entries[entry.ID]; ok {
			if cur.spec == entry.CronSpec {
				continue
			}
			s.cron.Remove(cur.id)
			delete(s.entries, entry.ID)
		}

		scheduleID := entry.ID
		entryID, err := s.cron.AddFunc(entry.CronSpec, func() {
			s.trigger(s.runContext(), scheduleID)
		})
		if err != nil {
			s.logger.Error("failed to register schedule",
				zap.String("schedule_id", entry.ID),
				zap.String("cron_spec", entry.CronSpec),
				zap.Error(err),
			)
			continue
		}
		s.entries[entry.ID] = cronEntry{id: entryID, spec: entry.CronSpec}

		if sched, err := s.parser.Parse(entry.CronSpec); err == nil {
			s.logger.Debug("schedule registered",
				zap.String("schedule_id", entry.ID),
				zap.String("cron_spec", entry.CronSpec),
				zap.Time("next_run", sched.Next(time.Now())),
			)
		}
	}

	for id, cur := range s.entries {
		if _, ok := seen[id]; !ok {
			s.cron.Remove(cur.id)
			delete(s.entries, id)
		}
	}
	return nil
}

// Len returns how many schedules are registered.
func (s *CronScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *CronScheduler) runContext() context.Context {
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}

// trigger re-arms a completed schedule and starts whichever entry is next.
// A schedule still importing or failed is left alone.
func (s *CronScheduler) trigger(ctx context.Context, scheduleID string) {
	log := s.logger.With(zap.String("schedule_id", scheduleID))

	_, err := s.schedules.Rearm(ctx, scheduleID)
	switch {
	case err == nil:
		log.Info("cron re-armed schedule")
	case errors.Is(err, repository.ErrInvalidTransition):
		log.Debug("schedule not completed, nothing to re-arm")
	case errors.Is(err, repository.ErrNotFound):
		log.Warn("cron fired for deleted schedule")
		return
	default:
		log.Error("failed to re-arm schedule", zap.Error(err))
		return
	}

	job, err := s.schedules.StartNext(ctx)
	if err != nil {
		log.Error("failed to start next schedule", zap.Error(err))
		return
	}
	if job != nil {
		log.Info("scheduled import started", zap.String("job_id", job.ID))
	}
}
