package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"scanweld/internal/domain"
	"scanweld/internal/metrics"
	"scanweld/internal/queue"
	"scanweld/internal/storage"
)

// Store is the persistence the scheduler depends on, implemented by
// storage.Store.
type Store interface {
	UpsertTask(ctx context.Context, t *domain.Task) error
	UpdateTaskStatus(ctx context.Context, id uuid.UUID, to domain.TaskStatus) (*domain.Task, error)
	GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error)
	ListTasks(ctx context.Context, f domain.TaskFilter) ([]*domain.Task, error)
	CreateSchedule(ctx context.Context, sch *domain.Schedule) error
	GetSchedule(ctx context.Context, id uuid.UUID) (*domain.Schedule, error)
	GetScheduleByHash(ctx context.Context, schedulerID, hash string) (*domain.Schedule, error)
	UpdateSchedule(ctx context.Context, sch *domain.Schedule) error
	DueSchedules(ctx context.Context, schedulerID string, now time.Time) ([]*domain.Schedule, error)
	UpsertScheduler(ctx context.Context, info domain.SchedulerInfo) error
	PutBlob(ctx context.Context, data []byte) (string, error)
}

type Config struct {
	ID                   string
	ItemType             string
	MaxSize              int
	AllowReplace         bool
	AllowUpdates         bool
	AllowPriorityUpdates bool

	// PollInterval is the cadence of the deadline listener.
	PollInterval time.Duration
	// StopTimeout bounds how long Disable waits for listener routines.
	StopTimeout time.Duration
}

// Scheduler binds one priority queue, one persistence context and the
// background deadline listener to a scheduler identity, one per
// organization.
type Scheduler struct {
	id       string
	itemType string
	queue    *queue.PriorityQueue
	store    Store
	log      zerolog.Logger
	metrics  *metrics.Metrics

	pollInterval time.Duration
	stopTimeout  time.Duration

	mu      sync.Mutex
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
}

func New(cfg Config, store Store, log zerolog.Logger, m *metrics.Metrics) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	q := queue.New(queue.Config{
		ID:                   cfg.ID,
		MaxSize:              cfg.MaxSize,
		ItemType:             cfg.ItemType,
		AllowReplace:         cfg.AllowReplace,
		AllowUpdates:         cfg.AllowUpdates,
		AllowPriorityUpdates: cfg.AllowPriorityUpdates,
	})
	return &Scheduler{
		id:           cfg.ID,
		itemType:     cfg.ItemType,
		queue:        q,
		store:        store,
		log:          log.With().Str("scheduler_id", cfg.ID).Logger(),
		metrics:      m,
		pollInterval: cfg.PollInterval,
		stopTimeout:  cfg.StopTimeout,
	}
}

func (s *Scheduler) ID() string { return s.id }

// Queue exposes the underlying priority queue for descriptor patches
// and diagnostics.
func (s *Scheduler) Queue() *queue.PriorityQueue { return s.queue }

func (s *Scheduler) Info() domain.SchedulerInfo { return s.queue.Info() }

// Push admits an item to the queue and persists its task as QUEUED,
// creating a schedule for the item's hash when none exists yet. When
// persistence fails the in-memory admission is rolled back so the
// queue never drifts from what is durably recorded.
func (s *Scheduler) Push(ctx context.Context, item *domain.PrioritizedItem) (*domain.Task, error) {
	if item == nil {
		return nil, queue.ErrInvalidItemType
	}
	item.SchedulerID = s.id
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.CronExpression != "" {
		if err := ValidateCronExpression(item.CronExpression); err != nil {
			return nil, fmt.Errorf("invalid cron expression: %w", err)
		}
	}

	admitted, err := s.queue.Push(item)
	if err != nil {
		if queue.IsConflict(err) && s.metrics != nil {
			s.metrics.ConflictsTotal.WithLabelValues(s.id).Inc()
		}
		return nil, err
	}

	task, err := s.persistPush(ctx, item)
	if err != nil {
		// Only undo what this push placed on the queue; an idempotent
		// resubmission must leave the earlier admission alone.
		if admitted {
			s.queue.Remove(item.Hash)
		}
		s.log.Error().Err(err).Str("hash", item.Hash).Msg("push rollback, persistence failed")
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.PushesTotal.WithLabelValues(s.id).Inc()
		s.metrics.QueueSize.WithLabelValues(s.id).Set(float64(s.queue.QSize()))
	}
	s.log.Debug().Str("task_id", task.ID.String()).Int("priority", item.Priority).Msg("item pushed")
	return task, nil
}

func (s *Scheduler) persistPush(ctx context.Context, item *domain.PrioritizedItem) (*domain.Task, error) {
	if _, err := s.store.PutBlob(ctx, item.Data); err != nil {
		return nil, fmt.Errorf("archive payload: %w", err)
	}

	sch, err := s.store.GetScheduleByHash(ctx, s.id, item.Hash)
	if errors.Is(err, storage.ErrNotFound) {
		sch = &domain.Schedule{
			ID:             uuid.New(),
			SchedulerID:    s.id,
			Hash:           item.Hash,
			Data:           item.Data,
			Priority:       item.Priority,
			Enabled:        true,
			CronExpression: item.CronExpression,
		}
		if sch.CronExpression != "" {
			next, err := NextRunTime(sch.CronExpression, time.Now().UTC())
			if err != nil {
				return nil, fmt.Errorf("invalid cron expression: %w", err)
			}
			sch.DeadlineAt = &next
		}
		if err := s.store.CreateSchedule(ctx, sch); err != nil {
			return nil, fmt.Errorf("create schedule: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("lookup schedule: %w", err)
	}

	task := &domain.Task{
		ID:          item.ID,
		SchedulerID: s.id,
		Type:        s.itemType,
		ScheduleID:  sch.ID,
		Priority:    item.Priority,
		Hash:        item.Hash,
		Data:        item.Data,
		Status:      domain.StatusQueued,
	}
	if err := s.store.UpsertTask(ctx, task); err != nil {
		return nil, fmt.Errorf("persist task: %w", err)
	}
	return task, nil
}

// Pop hands the highest-priority live item matching the filters to a
// consumer and marks its task DISPATCHED. An empty queue returns
// (nil, nil).
func (s *Scheduler) Pop(ctx context.Context, filters ...domain.FieldFilter) (*domain.Task, error) {
	item, err := s.queue.Pop(filters...)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, nil
	}

	task, err := s.store.UpdateTaskStatus(ctx, item.ID, domain.StatusDispatched)
	if err != nil {
		// Put the item back so it is not lost while storage still says
		// QUEUED.
		if _, qerr := s.queue.Push(item); qerr != nil {
			s.log.Error().Err(qerr).Str("task_id", item.ID.String()).Msg("pop rollback re-insert failed")
		}
		s.log.Error().Err(err).Str("task_id", item.ID.String()).Msg("mark dispatched failed")
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.PopsTotal.WithLabelValues(s.id).Inc()
		s.metrics.QueueSize.WithLabelValues(s.id).Set(float64(s.queue.QSize()))
	}
	return task, nil
}

// SignalHandlerTask reacts to a task reaching a terminal status. For
// COMPLETED and FAILED tasks whose schedule carries a cron expression
// the next deadline is computed from now. A malformed cron expression
// disables the schedule instead of propagating; the deadline stays
// untouched. Anything else is a strict no-op.
func (s *Scheduler) SignalHandlerTask(ctx context.Context, task *domain.Task) error {
	if task == nil {
		return nil
	}
	if task.Status != domain.StatusCompleted && task.Status != domain.StatusFailed {
		return nil
	}
	if task.ScheduleID == uuid.Nil {
		return nil
	}

	sch, err := s.store.GetSchedule(ctx, task.ScheduleID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if sch.CronExpression == "" {
		return nil
	}

	next, err := NextRunTime(sch.CronExpression, time.Now().UTC())
	if err != nil {
		sch.Enabled = false
		s.log.Warn().Err(err).Str("schedule_id", sch.ID.String()).
			Str("cron_expression", sch.CronExpression).Msg("malformed cron expression, disabling schedule")
		return s.store.UpdateSchedule(ctx, sch)
	}

	sch.DeadlineAt = &next
	if err := s.store.UpdateSchedule(ctx, sch); err != nil {
		return err
	}
	s.log.Debug().Str("schedule_id", sch.ID.String()).Time("deadline_at", next).Msg("schedule deadline advanced")
	return nil
}

// Start registers the descriptor and launches the listener routines.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()
	if err := s.store.UpsertScheduler(ctx, s.Info()); err != nil {
		return err
	}
	s.startListeners(ctx)
	s.log.Info().Dur("poll_interval", s.pollInterval).Msg("scheduler started")
	return nil
}

func (s *Scheduler) startListeners(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	lctx, cancel := context.WithCancel(ctx)
	wg := &sync.WaitGroup{}
	s.cancel = cancel
	s.wg = wg

	wg.Add(1)
	go s.runDeadlineListener(lctx, wg)
}

// stopListeners cancels the listener routines and joins them, bounded
// by the stop timeout.
func (s *Scheduler) stopListeners() {
	s.mu.Lock()
	cancel, wg := s.cancel, s.wg
	s.cancel, s.wg = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if !waitTimeout(wg, s.stopTimeout) {
		s.log.Warn().Dur("timeout", s.stopTimeout).Msg("listener routines did not stop in time")
	}
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

// Disable freezes the queue, stops all listener routines, drains the
// remaining live items and cancels their tasks. No in-flight push can
// land after the drain begins.
func (s *Scheduler) Disable(ctx context.Context) error {
	s.queue.Disable()
	s.stopListeners()

	items := s.queue.Drain()
	for _, item := range items {
		if _, err := s.store.UpdateTaskStatus(ctx, item.ID, domain.StatusCancelled); err != nil {
			s.log.Error().Err(err).Str("task_id", item.ID.String()).Msg("cancel drained task failed")
			continue
		}
		if s.metrics != nil {
			s.metrics.CancelledTotal.WithLabelValues(s.id).Inc()
		}
	}

	// A push that admitted before the flag flip may persist its task
	// after the drain. Sweep anything still QUEUED in storage so no
	// task survives as queued while absent from the queue.
	queued, err := s.store.ListTasks(ctx, domain.TaskFilter{
		SchedulerID: s.id,
		Statuses:    []domain.TaskStatus{domain.StatusQueued},
	})
	if err != nil {
		s.log.Error().Err(err).Msg("list queued tasks for drain sweep failed")
	}
	for _, task := range queued {
		if _, err := s.store.UpdateTaskStatus(ctx, task.ID, domain.StatusCancelled); err != nil {
			s.log.Error().Err(err).Str("task_id", task.ID.String()).Msg("cancel straggler task failed")
			continue
		}
		if s.metrics != nil {
			s.metrics.CancelledTotal.WithLabelValues(s.id).Inc()
		}
	}

	if s.metrics != nil {
		s.metrics.QueueSize.WithLabelValues(s.id).Set(0)
	}
	s.log.Info().Int("cancelled", len(items)+len(queued)).Msg("scheduler disabled")
	return s.store.UpsertScheduler(ctx, s.Info())
}

// Enable re-opens the queue and restarts the listener routines with a
// fresh context. Previously cancelled tasks are not requeued.
func (s *Scheduler) Enable(ctx context.Context) error {
	s.queue.Enable()

	s.mu.Lock()
	base := s.baseCtx
	s.mu.Unlock()
	if base == nil {
		base = ctx
	}
	s.startListeners(base)
	s.log.Info().Msg("scheduler enabled")
	return s.store.UpsertScheduler(ctx, s.Info())
}

func (s *Scheduler) IsEnabled() bool { return s.queue.Enabled() }

// Stop terminates the listener routines without cancelling queued
// tasks. Used at process shutdown.
func (s *Scheduler) Stop() {
	s.stopListeners()
	s.log.Info().Msg("scheduler stopped")
}
