package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"scanweld/internal/domain"
	"scanweld/internal/queue"
)

// runDeadlineListener is the production routine feeding the queue:
// it polls for enabled schedules whose deadline has elapsed and pushes
// their payload back onto the queue.
func (s *Scheduler) runDeadlineListener(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.pushDueSchedules(ctx, now.UTC())
		}
	}
}

func (s *Scheduler) pushDueSchedules(ctx context.Context, now time.Time) {
	due, err := s.store.DueSchedules(ctx, s.id, now)
	if err != nil {
		s.log.Error().Err(err).Msg("list due schedules failed")
		return
	}

	for _, sch := range due {
		item := &domain.PrioritizedItem{
			ID:             uuid.New(),
			SchedulerID:    s.id,
			Priority:       sch.Priority,
			Hash:           sch.Hash,
			Data:           sch.Data,
			CronExpression: sch.CronExpression,
		}

		_, err := s.Push(ctx, item)
		switch {
		case err == nil:
			s.log.Debug().Str("schedule_id", sch.ID.String()).Msg("due schedule re-submitted")
		case queue.IsConflict(err):
			// Previous submission still on the queue; advance the
			// deadline anyway so the schedule does not fire every tick.
			s.log.Debug().Str("schedule_id", sch.ID.String()).Msg("due schedule still queued")
		case errors.Is(err, queue.ErrQueueFull):
			// Leave the deadline as is and retry on the next tick.
			s.log.Debug().Str("schedule_id", sch.ID.String()).Msg("queue full, schedule deferred")
			continue
		case errors.Is(err, queue.ErrNotAllowed):
			return
		default:
			s.log.Error().Err(err).Str("schedule_id", sch.ID.String()).Msg("re-submit schedule failed")
			continue
		}

		if err := s.advanceSchedule(ctx, sch, now); err != nil {
			s.log.Error().Err(err).Str("schedule_id", sch.ID.String()).Msg("advance schedule failed")
		}
	}
}

// advanceSchedule moves a fired schedule to its next deadline. A
// one-shot schedule is disabled after firing; a malformed cron
// expression self-disables.
func (s *Scheduler) advanceSchedule(ctx context.Context, sch *domain.Schedule, now time.Time) error {
	if sch.CronExpression == "" {
		sch.DeadlineAt = nil
		sch.Enabled = false
		return s.store.UpdateSchedule(ctx, sch)
	}

	next, err := NextRunTime(sch.CronExpression, now)
	if err != nil {
		sch.Enabled = false
		s.log.Warn().Err(err).Str("schedule_id", sch.ID.String()).Msg("malformed cron expression, disabling schedule")
		return s.store.UpdateSchedule(ctx, sch)
	}
	sch.DeadlineAt = &next
	return s.store.UpdateSchedule(ctx, sch)
}
