package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"scanweld/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Stored times use a fixed-width layout so that lexicographic
// comparison in SQL matches chronological order.
const timeLayout = "2006-01-02 15:04:05.000000000"

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t.UTC(), nil
}

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  scheduler_id TEXT NOT NULL,
  type TEXT NOT NULL,
  schedule_id TEXT,
  priority INTEGER NOT NULL DEFAULT 0,
  hash TEXT NOT NULL,
  data BLOB NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('pending','queued','dispatched','running','completed','failed','cancelled')) DEFAULT 'pending',
  created_at TEXT NOT NULL,
  modified_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_hash ON tasks(hash, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_tasks_scheduler ON tasks(scheduler_id, status);
CREATE TABLE IF NOT EXISTS task_events (
  id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL,
  event_type TEXT NOT NULL,
  from_status TEXT NOT NULL,
  to_status TEXT NOT NULL,
  timestamp TEXT NOT NULL,
  FOREIGN KEY(task_id) REFERENCES tasks(id)
);
CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, timestamp);
CREATE TABLE IF NOT EXISTS schedules (
  id TEXT PRIMARY KEY,
  scheduler_id TEXT NOT NULL,
  hash TEXT NOT NULL,
  data BLOB NOT NULL,
  priority INTEGER NOT NULL DEFAULT 0,
  enabled INTEGER NOT NULL DEFAULT 1,
  cron_expression TEXT,
  deadline_at TEXT,
  created_at TEXT NOT NULL,
  modified_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_schedules_hash ON schedules(scheduler_id, hash);
CREATE INDEX IF NOT EXISTS idx_schedules_deadline ON schedules(enabled, deadline_at);
CREATE TABLE IF NOT EXISTS schedulers (
  id TEXT PRIMARY KEY,
  enabled INTEGER NOT NULL DEFAULT 1,
  maxsize INTEGER NOT NULL DEFAULT 0,
  item_type TEXT NOT NULL DEFAULT '',
  allow_replace INTEGER NOT NULL DEFAULT 0,
  allow_updates INTEGER NOT NULL DEFAULT 0,
  allow_priority_updates INTEGER NOT NULL DEFAULT 0,
  last_activity TEXT
);
CREATE TABLE IF NOT EXISTS blobs (
  digest TEXT PRIMARY KEY,
  data BLOB NOT NULL,
  created_at TEXT NOT NULL
);
`
	_, err := db.Exec(schema)
	return err
}

// Store is the sqlite-backed persistence for tasks, task events,
// schedules and scheduler descriptors.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store { return &Store{db: db} }

// UpsertTask creates a task record, or refreshes the payload and
// priority of an existing one. A newly created task gets an initial
// status-change event appended.
func (s *Store) UpsertTask(ctx context.Context, t *domain.Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	var existing string
	err = tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id=?`, t.ID.String()).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		t.ModifiedAt = now
		var scheduleID any
		if t.ScheduleID != uuid.Nil {
			scheduleID = t.ScheduleID.String()
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO tasks (id,scheduler_id,type,schedule_id,priority,hash,data,status,created_at,modified_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
			t.ID.String(), t.SchedulerID, t.Type, scheduleID, t.Priority, t.Hash, []byte(t.Data),
			string(t.Status), fmtTime(t.CreatedAt), fmtTime(t.ModifiedAt))
		if err != nil {
			return err
		}
		if err := insertEvent(ctx, tx, t.ID, domain.StatusPending, t.Status, now); err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		t.ModifiedAt = now
		_, err = tx.ExecContext(ctx, `
UPDATE tasks SET priority=?, data=?, modified_at=? WHERE id=?`,
			t.Priority, []byte(t.Data), fmtTime(now), t.ID.String())
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertEvent(ctx context.Context, tx *sql.Tx, taskID uuid.UUID, from, to domain.TaskStatus, ts time.Time) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO task_events (id,task_id,event_type,from_status,to_status,timestamp)
VALUES (?,?,?,?,?,?)`,
		uuid.NewString(), taskID.String(), domain.TaskEventStatusChange,
		string(from), string(to), fmtTime(ts))
	return err
}

// UpdateTaskStatus advances a task through the state machine and
// appends the matching event in the same transaction.
func (s *Store) UpdateTaskStatus(ctx context.Context, id uuid.UUID, to domain.TaskStatus) (*domain.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var cur string
	err = tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id=?`, id.String()).Scan(&cur)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	from := domain.TaskStatus(cur)
	if !from.CanTransitionTo(to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, modified_at=? WHERE id=?`,
		string(to), fmtTime(now), id.String()); err != nil {
		return nil, err
	}
	if err := insertEvent(ctx, tx, id, from, to, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetTask(ctx, id)
}

func (s *Store) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id,scheduler_id,type,schedule_id,priority,hash,data,status,created_at,modified_at
FROM tasks WHERE id=?`, id.String())
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	events, err := s.taskEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	t.Events = events
	return t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var t domain.Task
	var id, status, createdAt, modifiedAt string
	var scheduleID sql.NullString
	var data []byte
	if err := row.Scan(&id, &t.SchedulerID, &t.Type, &scheduleID, &t.Priority, &t.Hash,
		&data, &status, &createdAt, &modifiedAt); err != nil {
		return nil, err
	}
	var err error
	if t.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if scheduleID.Valid {
		if t.ScheduleID, err = uuid.Parse(scheduleID.String); err != nil {
			return nil, err
		}
	}
	t.Data = data
	t.Status = domain.TaskStatus(status)
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if t.ModifiedAt, err = parseTime(modifiedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) taskEvents(ctx context.Context, taskID uuid.UUID) ([]domain.TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id,task_id,event_type,from_status,to_status,timestamp
FROM task_events WHERE task_id=? ORDER BY timestamp`, taskID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.TaskEvent
	for rows.Next() {
		var ev domain.TaskEvent
		var id, tid, from, to, ts string
		if err := rows.Scan(&id, &tid, &ev.Type, &from, &to, &ts); err != nil {
			return nil, err
		}
		if ev.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		if ev.TaskID, err = uuid.Parse(tid); err != nil {
			return nil, err
		}
		ev.From = domain.TaskStatus(from)
		ev.To = domain.TaskStatus(to)
		if ev.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ListTasks returns tasks matching the filter, newest first. Payload
// sub-field filters are applied after the SQL-side filters.
func (s *Store) ListTasks(ctx context.Context, f domain.TaskFilter) ([]*domain.Task, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	where := []string{"1=1"}
	var args []any
	if f.SchedulerID != "" {
		where = append(where, "scheduler_id=?")
		args = append(args, f.SchedulerID)
	}
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			ph[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(ph, ",")+")")
	}
	if f.Hash != "" {
		where = append(where, "hash=?")
		args = append(args, f.Hash)
	}
	if f.MinCreatedAt != nil {
		where = append(where, "created_at >= ?")
		args = append(args, fmtTime(*f.MinCreatedAt))
	}
	if f.MaxCreatedAt != nil {
		where = append(where, "created_at <= ?")
		args = append(args, fmtTime(*f.MaxCreatedAt))
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id,scheduler_id,type,schedule_id,priority,hash,data,status,created_at,modified_at
FROM tasks WHERE `+strings.Join(where, " AND ")+` ORDER BY created_at DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		ok := true
		for _, ff := range f.Fields {
			if !ff.Match(t.Data) {
				ok = false
				break
			}
		}
		if ok {
			tasks = append(tasks, t)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return paginate(tasks, f.Offset, f.Limit), nil
}

func paginate[T any](xs []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(xs) {
			return nil
		}
		xs = xs[offset:]
	}
	if limit > 0 && limit < len(xs) {
		xs = xs[:limit]
	}
	return xs
}

func (s *Store) TaskStatusCounts(ctx context.Context, schedulerID string) (domain.StatusCounts, error) {
	query := `SELECT status, COUNT(*) FROM tasks`
	var args []any
	if schedulerID != "" {
		query += ` WHERE scheduler_id=?`
		args = append(args, schedulerID)
	}
	query += ` GROUP BY status`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(domain.StatusCounts)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.TaskStatus(status)] = n
	}
	return counts, rows.Err()
}

func (s *Store) CreateSchedule(ctx context.Context, sch *domain.Schedule) error {
	if sch.ID == uuid.Nil {
		sch.ID = uuid.New()
	}
	now := time.Now().UTC()
	if sch.CreatedAt.IsZero() {
		sch.CreatedAt = now
	}
	sch.ModifiedAt = now

	var cron any
	if sch.CronExpression != "" {
		cron = sch.CronExpression
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO schedules (id,scheduler_id,hash,data,priority,enabled,cron_expression,deadline_at,created_at,modified_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		sch.ID.String(), sch.SchedulerID, sch.Hash, []byte(sch.Data), sch.Priority, sch.Enabled,
		cron, fmtTimePtr(sch.DeadlineAt), fmtTime(sch.CreatedAt), fmtTime(sch.ModifiedAt))
	return err
}

func (s *Store) GetSchedule(ctx context.Context, id uuid.UUID) (*domain.Schedule, error) {
	row := s.db.QueryRowContext(ctx, scheduleSelect+` WHERE id=?`, id.String())
	sch, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return sch, err
}

// GetScheduleByHash returns the most recent schedule for a content
// hash within one scheduler.
func (s *Store) GetScheduleByHash(ctx context.Context, schedulerID, hash string) (*domain.Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		scheduleSelect+` WHERE scheduler_id=? AND hash=? ORDER BY created_at DESC LIMIT 1`,
		schedulerID, hash)
	sch, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("schedule hash %s: %w", hash, ErrNotFound)
	}
	return sch, err
}

const scheduleSelect = `
SELECT id,scheduler_id,hash,data,priority,enabled,cron_expression,deadline_at,created_at,modified_at
FROM schedules`

func scanSchedule(row rowScanner) (*domain.Schedule, error) {
	var sch domain.Schedule
	var id, createdAt, modifiedAt string
	var cron, deadline sql.NullString
	var data []byte
	if err := row.Scan(&id, &sch.SchedulerID, &sch.Hash, &data, &sch.Priority, &sch.Enabled,
		&cron, &deadline, &createdAt, &modifiedAt); err != nil {
		return nil, err
	}
	var err error
	if sch.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	sch.Data = data
	if cron.Valid {
		sch.CronExpression = cron.String
	}
	if deadline.Valid {
		t, err := parseTime(deadline.String)
		if err != nil {
			return nil, err
		}
		sch.DeadlineAt = &t
	}
	if sch.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if sch.ModifiedAt, err = parseTime(modifiedAt); err != nil {
		return nil, err
	}
	return &sch, nil
}

func (s *Store) UpdateSchedule(ctx context.Context, sch *domain.Schedule) error {
	sch.ModifiedAt = time.Now().UTC()
	var cron any
	if sch.CronExpression != "" {
		cron = sch.CronExpression
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE schedules SET data=?, priority=?, enabled=?, cron_expression=?, deadline_at=?, modified_at=?
WHERE id=?`,
		[]byte(sch.Data), sch.Priority, sch.Enabled, cron, fmtTimePtr(sch.DeadlineAt),
		fmtTime(sch.ModifiedAt), sch.ID.String())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("schedule %s: %w", sch.ID, ErrNotFound)
	}
	return nil
}

func (s *Store) ListSchedules(ctx context.Context, f domain.ScheduleFilter) ([]*domain.Schedule, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	where := []string{"1=1"}
	var args []any
	if f.SchedulerID != "" {
		where = append(where, "scheduler_id=?")
		args = append(args, f.SchedulerID)
	}
	if f.Enabled != nil {
		where = append(where, "enabled=?")
		args = append(args, *f.Enabled)
	}
	if f.Hash != "" {
		where = append(where, "hash=?")
		args = append(args, f.Hash)
	}
	if f.MinCreatedAt != nil {
		where = append(where, "created_at >= ?")
		args = append(args, fmtTime(*f.MinCreatedAt))
	}
	if f.MaxCreatedAt != nil {
		where = append(where, "created_at <= ?")
		args = append(args, fmtTime(*f.MaxCreatedAt))
	}
	if f.MinDeadlineAt != nil {
		where = append(where, "deadline_at >= ?")
		args = append(args, fmtTime(*f.MinDeadlineAt))
	}
	if f.MaxDeadlineAt != nil {
		where = append(where, "deadline_at <= ?")
		args = append(args, fmtTime(*f.MaxDeadlineAt))
	}

	rows, err := s.db.QueryContext(ctx,
		scheduleSelect+` WHERE `+strings.Join(where, " AND ")+` ORDER BY created_at DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []*domain.Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, sch)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return paginate(schedules, f.Offset, f.Limit), nil
}

// DueSchedules returns enabled schedules whose deadline has elapsed,
// oldest deadline first.
func (s *Store) DueSchedules(ctx context.Context, schedulerID string, now time.Time) ([]*domain.Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		scheduleSelect+` WHERE scheduler_id=? AND enabled=1 AND deadline_at IS NOT NULL AND deadline_at <= ?
ORDER BY deadline_at`, schedulerID, fmtTime(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []*domain.Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, sch)
	}
	return schedules, rows.Err()
}

func (s *Store) UpsertScheduler(ctx context.Context, info domain.SchedulerInfo) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO schedulers (id,enabled,maxsize,item_type,allow_replace,allow_updates,allow_priority_updates,last_activity)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  enabled=excluded.enabled,
  maxsize=excluded.maxsize,
  item_type=excluded.item_type,
  allow_replace=excluded.allow_replace,
  allow_updates=excluded.allow_updates,
  allow_priority_updates=excluded.allow_priority_updates,
  last_activity=excluded.last_activity`,
		info.ID, info.Enabled, info.MaxSize, info.ItemType,
		info.AllowReplace, info.AllowUpdates, info.AllowPriorityUpdates,
		fmtTime(info.LastActivity))
	return err
}

func (s *Store) GetScheduler(ctx context.Context, id string) (*domain.SchedulerInfo, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id,enabled,maxsize,item_type,allow_replace,allow_updates,allow_priority_updates,last_activity
FROM schedulers WHERE id=?`, id)
	var info domain.SchedulerInfo
	var lastActivity sql.NullString
	err := row.Scan(&info.ID, &info.Enabled, &info.MaxSize, &info.ItemType,
		&info.AllowReplace, &info.AllowUpdates, &info.AllowPriorityUpdates, &lastActivity)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("scheduler %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if lastActivity.Valid {
		if info.LastActivity, err = parseTime(lastActivity.String); err != nil {
			return nil, err
		}
	}
	return &info, nil
}
