// Package importer fires recurring course imports from cron-scheduled
// entries in the journal.
package importer

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/sijadev/chunkflow/internal/domain"
	"github.com/sijadev/chunkflow/internal/journal"
)

// RunFunc executes one import for a due schedule: chunk the source, submit
// the chunks, record the run.
type RunFunc func(ctx context.Context, sched domain.ImportSchedule) error

type Service struct {
	repo     journal.Repository
	run      RunFunc
	log      zerolog.Logger
	stop     chan struct{}
	interval time.Duration
}

func NewService(repo journal.Repository, run RunFunc, checkInterval time.Duration, log zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		run:      run,
		log:      log,
		stop:     make(chan struct{}),
		interval: checkInterval,
	}
}

// Start polls for due schedules until the context is done or Stop is called.
func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", s.interval).Msg("import schedule service started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.processDueSchedules(ctx, now)
		}
	}
}

func (s *Service) Stop() {
	close(s.stop)
}

func (s *Service) processDueSchedules(ctx context.Context, now time.Time) {
	schedules, err := s.repo.GetDueSchedules(ctx, now)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to get due import schedules")
		return
	}

	for _, sched := range schedules {
		if err := s.processSchedule(ctx, sched, now); err != nil {
			s.log.Error().Err(err).Str("schedule_id", sched.ID).Msg("failed to process import schedule")
		}
	}
}

func (s *Service) processSchedule(ctx context.Context, sched domain.ImportSchedule, now time.Time) error {
	cronSchedule, err := cron.ParseStandard(sched.CronExpr)
	if err != nil {
		s.log.Error().Err(err).Str("cron_expr", sched.CronExpr).Msg("invalid cron expression")
		return err
	}

	// Advance the schedule before running so a slow import cannot fire twice.
	nextRun := cronSchedule.Next(now)
	if err := s.repo.UpdateScheduleLastRun(ctx, sched.ID, now, nextRun); err != nil {
		return err
	}

	if err := s.run(ctx, sched); err != nil {
		s.log.Error().Err(err).
			Str("schedule_id", sched.ID).
			Str("schedule_name", sched.Name).
			Msg("scheduled import failed")
		return err
	}

	s.log.Info().
		Str("schedule_id", sched.ID).
		Str("schedule_name", sched.Name).
		Str("course_id", sched.CourseID).
		Time("next_run", nextRun).
		Msg("scheduled import completed")

	return nil
}

// ValidateCronExpression validates a cron expression.
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression.
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return cronSchedule.Next(from), nil
}
