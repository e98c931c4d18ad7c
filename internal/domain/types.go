package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskStatus tracks a task through its lifecycle. Statuses only move
// forward, except for cancelled which is reachable from every
// non-terminal status.
type TaskStatus string

const (
	// Task has been created but not yet queued.
	StatusPending TaskStatus = "pending"
	// Task has been pushed onto the queue and is ready to be picked up.
	StatusQueued TaskStatus = "queued"
	// Task has been picked up by a worker.
	StatusDispatched TaskStatus = "dispatched"
	// The worker has reported the task as running.
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

var statusOrder = map[TaskStatus]int{
	StatusPending:    0,
	StatusQueued:     1,
	StatusDispatched: 2,
	StatusRunning:    3,
	StatusCompleted:  4,
	StatusFailed:     4,
	StatusCancelled:  4,
}

func ParseTaskStatus(s string) (TaskStatus, error) {
	st := TaskStatus(s)
	if _, ok := statusOrder[st]; !ok {
		return "", fmt.Errorf("invalid task status %q", s)
	}
	return st, nil
}

func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	if s.Terminal() || s == next {
		return false
	}
	if next == StatusCancelled {
		return true
	}
	cur, ok := statusOrder[s]
	if !ok {
		return false
	}
	nxt, ok := statusOrder[next]
	if !ok {
		return false
	}
	return nxt > cur
}

// PrioritizedItem is a unit of work submitted by a producer. Hash is a
// content fingerprint of Data used for deduplication; a lower Priority
// value is scheduled sooner.
type PrioritizedItem struct {
	ID          uuid.UUID       `json:"id"`
	SchedulerID string          `json:"scheduler_id"`
	Priority    int             `json:"priority"`
	Hash        string          `json:"hash"`
	Data        json.RawMessage `json:"data"`

	// CronExpression, when set, asks the scheduler to re-submit this
	// payload on the given cadence after the task finishes.
	CronExpression string `json:"cron_expression,omitempty"`
}

// EnsureHash fills in Hash from the payload if the producer did not
// supply one.
func (p *PrioritizedItem) EnsureHash() {
	if p.Hash == "" {
		p.Hash = HashData(p.Data)
	}
}

const TaskEventStatusChange = "status_change"

// TaskEvent is an append-only log entry recording a status transition.
type TaskEvent struct {
	ID        uuid.UUID  `json:"id"`
	TaskID    uuid.UUID  `json:"task_id"`
	Type      string     `json:"event_type"`
	From      TaskStatus `json:"from_status"`
	To        TaskStatus `json:"to_status"`
	Timestamp time.Time  `json:"timestamp"`
}

// Task is the durable record of one admitted item's lifecycle.
type Task struct {
	ID          uuid.UUID       `json:"id"`
	SchedulerID string          `json:"scheduler_id"`
	Type        string          `json:"type"`
	ScheduleID  uuid.UUID       `json:"schedule_id,omitempty"`
	Priority    int             `json:"priority"`
	Hash        string          `json:"hash"`
	Data        json.RawMessage `json:"data"`
	Status      TaskStatus      `json:"status"`
	Events      []TaskEvent     `json:"events,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ModifiedAt  time.Time       `json:"modified_at"`
}

// Queued returns how long the task waited on the queue: first QUEUED
// event to first DISPATCHED event.
func (t *Task) Queued() (time.Duration, bool) {
	start, ok1 := t.firstEvent(StatusQueued)
	end, ok2 := t.firstEvent(StatusDispatched)
	if !ok1 || !ok2 {
		return 0, false
	}
	return end.Sub(start), true
}

// Runtime returns how long the task ran: first DISPATCHED event to the
// last COMPLETED or FAILED event.
func (t *Task) Runtime() (time.Duration, bool) {
	start, ok1 := t.firstEvent(StatusDispatched)
	end, ok2 := t.lastEvent(StatusCompleted, StatusFailed)
	if !ok1 || !ok2 {
		return 0, false
	}
	return end.Sub(start), true
}

// Duration returns the full wall time: first QUEUED event to the last
// COMPLETED or FAILED event.
func (t *Task) Duration() (time.Duration, bool) {
	start, ok1 := t.firstEvent(StatusQueued)
	end, ok2 := t.lastEvent(StatusCompleted, StatusFailed)
	if !ok1 || !ok2 {
		return 0, false
	}
	return end.Sub(start), true
}

func (t *Task) firstEvent(to TaskStatus) (time.Time, bool) {
	for _, ev := range t.Events {
		if ev.Type == TaskEventStatusChange && ev.To == to {
			return ev.Timestamp, true
		}
	}
	return time.Time{}, false
}

func (t *Task) lastEvent(to ...TaskStatus) (time.Time, bool) {
	for i := len(t.Events) - 1; i >= 0; i-- {
		ev := t.Events[i]
		if ev.Type != TaskEventStatusChange {
			continue
		}
		for _, s := range to {
			if ev.To == s {
				return ev.Timestamp, true
			}
		}
	}
	return time.Time{}, false
}

// Schedule is recurring-submission intent: re-submit Data when
// DeadlineAt elapses, then recompute the deadline from CronExpression.
// A schedule without a cron expression is one-shot.
type Schedule struct {
	ID             uuid.UUID       `json:"id"`
	SchedulerID    string          `json:"scheduler_id"`
	Hash           string          `json:"hash,omitempty"`
	Data           json.RawMessage `json:"data"`
	Priority       int             `json:"priority"`
	Enabled        bool            `json:"enabled"`
	CronExpression string          `json:"cron_expression,omitempty"`
	DeadlineAt     *time.Time      `json:"deadline_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	ModifiedAt     time.Time       `json:"modified_at"`
}

// SchedulerInfo is the runtime descriptor of one queue instance, one
// per organization.
type SchedulerInfo struct {
	ID                   string    `json:"id"`
	Enabled              bool      `json:"enabled"`
	Size                 int       `json:"size"`
	MaxSize              int       `json:"maxsize"`
	ItemType             string    `json:"item_type"`
	AllowReplace         bool      `json:"allow_replace"`
	AllowUpdates         bool      `json:"allow_updates"`
	AllowPriorityUpdates bool      `json:"allow_priority_updates"`
	LastActivity         time.Time `json:"last_activity"`
}

// StatusCounts aggregates tasks per status for one scheduler.
type StatusCounts map[TaskStatus]int
