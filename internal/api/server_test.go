package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"scanweld/internal/domain"
	"scanweld/internal/metrics"
	"scanweld/internal/scheduler"
	"scanweld/internal/storage"
)

type testAPI struct {
	handler http.Handler
	store   *storage.Store
	sched   *scheduler.Scheduler
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, storage.EnsureSchema(db))
	store := storage.NewStore(db)

	m := metrics.New(prometheus.NewRegistry())
	sched := scheduler.New(scheduler.Config{
		ID:       "org-1",
		ItemType: "scan",
		MaxSize:  10,
	}, store, zerolog.Nop(), m)

	registry := scheduler.NewRegistry()
	registry.Add(sched)

	return &testAPI{
		handler: NewServer(registry, store, nil),
		store:   store,
		sched:   sched,
	}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestHealth(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPush(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/queues/org-1/push", map[string]any{
		"priority": 1,
		"data":     map[string]any{"name": "a"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	task := decode[domain.Task](t, rec)
	assert.NotEqual(t, uuid.Nil, task.ID)
	assert.NotEmpty(t, task.Hash)
	assert.Equal(t, domain.StatusQueued, task.Status)
	assert.Equal(t, "org-1", task.SchedulerID)
}

func TestPushErrors(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/queues/nope/push", map[string]any{"priority": 1, "data": map[string]any{}})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do(t, http.MethodPost, "/queues/org-1/push", map[string]any{"priority": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/queues/org-1/push", bytes.NewBufferString("not json"))
	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	rec = a.do(t, http.MethodPost, "/queues/org-1/push", map[string]any{
		"priority":        1,
		"data":            map[string]any{"name": "a"},
		"cron_expression": "garbage",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPushConflict(t *testing.T) {
	a := newTestAPI(t)

	body := map[string]any{"priority": 1, "data": map[string]any{"name": "a"}}
	rec := a.do(t, http.MethodPost, "/queues/org-1/push", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = a.do(t, http.MethodPost, "/queues/org-1/push", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t,
		"Item already on queue, we're not allowed to replace the item that is already on the queue.",
		resp.Error)
}

func TestPushFull(t *testing.T) {
	a := newTestAPI(t)
	a.sched.Queue().SetMaxSize(1)

	rec := a.do(t, http.MethodPost, "/queues/org-1/push", map[string]any{"priority": 1, "data": map[string]any{"n": 1}})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = a.do(t, http.MethodPost, "/queues/org-1/push", map[string]any{"priority": 1, "data": map[string]any{"n": 2}})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestPushDisabled(t *testing.T) {
	a := newTestAPI(t)
	require.NoError(t, a.sched.Disable(context.Background()))

	rec := a.do(t, http.MethodPost, "/queues/org-1/push", map[string]any{"priority": 1, "data": map[string]any{"n": 1}})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPop(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/queues/org-1/push", map[string]any{"priority": 1, "data": map[string]any{"name": "a"}})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = a.do(t, http.MethodPost, "/queues/org-1/pop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	task := decode[domain.Task](t, rec)
	assert.Equal(t, domain.StatusDispatched, task.Status)

	rec = a.do(t, http.MethodPost, "/queues/org-1/pop", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestPopWithFilters(t *testing.T) {
	a := newTestAPI(t)

	for _, kind := range []string{"x", "y"} {
		rec := a.do(t, http.MethodPost, "/queues/org-1/push", map[string]any{
			"priority": 1,
			"data":     map[string]any{"kind": kind},
		})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := a.do(t, http.MethodPost, "/queues/org-1/pop", map[string]any{
		"filters": []map[string]any{{"field": "kind", "operator": "eq", "value": "y"}},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	task := decode[domain.Task](t, rec)
	assert.JSONEq(t, `{"kind":"y"}`, string(task.Data))

	rec = a.do(t, http.MethodPost, "/queues/org-1/pop", map[string]any{
		"filters": []map[string]any{{"field": "kind", "operator": "between", "value": "y"}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetTask(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/queues/org-1/push", map[string]any{"priority": 1, "data": map[string]any{"name": "a"}})
	require.Equal(t, http.StatusCreated, rec.Code)
	pushed := decode[domain.Task](t, rec)

	rec = a.do(t, http.MethodGet, "/tasks/"+pushed.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	task := decode[domain.Task](t, rec)
	assert.Equal(t, pushed.ID, task.ID)
	assert.NotEmpty(t, task.Events)

	rec = a.do(t, http.MethodGet, "/tasks/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do(t, http.MethodGet, "/tasks/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPatchTask(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/queues/org-1/push", map[string]any{"priority": 1, "data": map[string]any{"name": "a"}})
	require.Equal(t, http.StatusCreated, rec.Code)
	pushed := decode[domain.Task](t, rec)
	path := "/tasks/" + pushed.ID.String()

	rec = a.do(t, http.MethodPatch, path, map[string]any{"status": "dispatched"})
	require.Equal(t, http.StatusOK, rec.Code)
	task := decode[domain.Task](t, rec)
	assert.Equal(t, domain.StatusDispatched, task.Status)

	// Backwards is a conflict.
	rec = a.do(t, http.MethodPatch, path, map[string]any{"status": "queued"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = a.do(t, http.MethodPatch, path, map[string]any{"status": "botched"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodPatch, path, map[string]any{"nonsense": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "no data to patch", decode[ErrorResponse](t, rec).Error)

	rec = a.do(t, http.MethodPatch, "/tasks/"+uuid.NewString(), map[string]any{"status": "running"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPatchTaskTerminalAdvancesSchedule(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/queues/org-1/push", map[string]any{
		"priority":        1,
		"data":            map[string]any{"name": "a"},
		"cron_expression": "*/10 * * * *",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	pushed := decode[domain.Task](t, rec)

	before, err := a.store.GetSchedule(context.Background(), pushed.ScheduleID)
	require.NoError(t, err)
	require.NotNil(t, before.DeadlineAt)

	rec = a.do(t, http.MethodPatch, "/tasks/"+pushed.ID.String(), map[string]any{"status": "completed"})
	require.Equal(t, http.StatusOK, rec.Code)

	after, err := a.store.GetSchedule(context.Background(), pushed.ScheduleID)
	require.NoError(t, err)
	require.NotNil(t, after.DeadlineAt)
	assert.True(t, after.DeadlineAt.After(time.Now().UTC()))
}

func TestListTasks(t *testing.T) {
	a := newTestAPI(t)

	for i := 0; i < 3; i++ {
		rec := a.do(t, http.MethodPost, "/queues/org-1/push", map[string]any{
			"priority": 1,
			"data":     map[string]any{"n": i},
		})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := a.do(t, http.MethodGet, "/tasks?scheduler_id=org-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[listResponse[*domain.Task]](t, rec)
	assert.Equal(t, 3, resp.Count)

	rec = a.do(t, http.MethodGet, "/tasks?status=queued&limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decode[listResponse[*domain.Task]](t, rec)
	assert.Equal(t, 2, resp.Count)

	rec = a.do(t, http.MethodGet, "/tasks?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	min := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
	max := time.Now().UTC().Format(time.RFC3339)
	rec = a.do(t, http.MethodGet, fmt.Sprintf("/tasks?min_created_at=%s&max_created_at=%s", min, max), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodGet, "/tasks?min_created_at=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTaskStats(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/queues/org-1/push", map[string]any{"priority": 1, "data": map[string]any{"name": "a"}})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = a.do(t, http.MethodGet, "/tasks/stats?scheduler_id=org-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[map[domain.TaskStatus]int](t, rec)
	assert.Equal(t, 1, stats[domain.StatusQueued])
	// Statuses with no tasks are reported as zero, not omitted.
	assert.Contains(t, stats, domain.StatusCompleted)
	assert.Equal(t, 0, stats[domain.StatusCompleted])
}

func TestSchedulers(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodGet, "/schedulers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	infos := decode[[]domain.SchedulerInfo](t, rec)
	require.Len(t, infos, 1)
	assert.Equal(t, "org-1", infos[0].ID)

	rec = a.do(t, http.MethodGet, "/schedulers/org-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(t, http.MethodGet, "/schedulers/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPatchScheduler(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPatch, "/schedulers/org-1", map[string]any{"maxsize": 42, "allow_replace": true})
	require.Equal(t, http.StatusOK, rec.Code)
	info := decode[domain.SchedulerInfo](t, rec)
	assert.Equal(t, 42, info.MaxSize)
	assert.True(t, info.AllowReplace)

	rec = a.do(t, http.MethodPatch, "/schedulers/org-1", map[string]any{"enabled": false})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, a.sched.IsEnabled())

	rec = a.do(t, http.MethodPatch, "/schedulers/org-1", map[string]any{"enabled": true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, a.sched.IsEnabled())

	rec = a.do(t, http.MethodPatch, "/schedulers/org-1", map[string]any{"item_type": "other"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodPatch, "/schedulers/org-1", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "no data to patch", decode[ErrorResponse](t, rec).Error)
}

func TestPatchSchedulerRejectedPatchAppliesNothing(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/queues/org-1/push", map[string]any{"priority": 1, "data": map[string]any{"name": "a"}})
	require.Equal(t, http.StatusCreated, rec.Code)
	pushed := decode[domain.Task](t, rec)

	// Map iteration order varies, so repeat: the unknown field must
	// reject the patch before any valid field takes effect.
	for i := 0; i < 25; i++ {
		rec = a.do(t, http.MethodPatch, "/schedulers/org-1", map[string]any{
			"enabled": false,
			"maxsize": 1,
			"bogus":   true,
		})
		require.Equal(t, http.StatusBadRequest, rec.Code)
	}

	assert.True(t, a.sched.IsEnabled())
	assert.Equal(t, 10, a.sched.Info().MaxSize)
	assert.Equal(t, 1, a.sched.Queue().QSize())

	got, err := a.store.GetTask(context.Background(), pushed.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, got.Status)
}

func TestListTasksNumericFieldFilter(t *testing.T) {
	a := newTestAPI(t)

	for i := 1; i <= 3; i++ {
		rec := a.do(t, http.MethodPost, "/queues/org-1/push", map[string]any{
			"priority": 1,
			"data":     map[string]any{"depth": i},
		})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := a.do(t, http.MethodGet, "/tasks?filter_field=depth&filter_operator=eq&filter_value=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[listResponse[*domain.Task]](t, rec)
	require.Equal(t, 1, resp.Count)
	assert.JSONEq(t, `{"depth":2}`, string(resp.Results[0].Data))

	rec = a.do(t, http.MethodGet, "/tasks?filter_field=depth&filter_operator=gt&filter_value=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decode[listResponse[*domain.Task]](t, rec)
	assert.Equal(t, 2, resp.Count)
}

func TestSchedules(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/schedules", map[string]any{
		"scheduler_id":    "org-1",
		"data":            map[string]any{"name": "a"},
		"priority":        2,
		"cron_expression": "0 * * * *",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[domain.Schedule](t, rec)
	assert.True(t, created.Enabled)
	assert.NotEmpty(t, created.Hash)
	require.NotNil(t, created.DeadlineAt)
	assert.True(t, created.DeadlineAt.After(time.Now().UTC()))

	rec = a.do(t, http.MethodGet, "/schedules/"+created.ID.String(), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(t, http.MethodGet, "/schedules?scheduler_id=org-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[listResponse[*domain.Schedule]](t, rec)
	assert.Equal(t, 1, list.Count)

	rec = a.do(t, http.MethodGet, "/schedules/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateScheduleErrors(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/schedules", map[string]any{
		"data": map[string]any{"name": "a"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodPost, "/schedules", map[string]any{
		"scheduler_id": "nope",
		"data":         map[string]any{"name": "a"},
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do(t, http.MethodPost, "/schedules", map[string]any{
		"scheduler_id":    "org-1",
		"data":            map[string]any{"name": "a"},
		"cron_expression": "garbage",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPatchSchedule(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, http.MethodPost, "/schedules", map[string]any{
		"scheduler_id": "org-1",
		"data":         map[string]any{"name": "a"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[domain.Schedule](t, rec)
	path := "/schedules/" + created.ID.String()

	rec = a.do(t, http.MethodPatch, path, map[string]any{"cron_expression": "0 0 * * *"})
	require.Equal(t, http.StatusOK, rec.Code)
	patched := decode[domain.Schedule](t, rec)
	assert.Equal(t, "0 0 * * *", patched.CronExpression)
	require.NotNil(t, patched.DeadlineAt)

	rec = a.do(t, http.MethodPatch, path, map[string]any{"enabled": false})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[domain.Schedule](t, rec).Enabled)

	rec = a.do(t, http.MethodPatch, path, map[string]any{"cron_expression": "garbage"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodPatch, path, map[string]any{"bogus": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodPatch, path, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "no data to patch", decode[ErrorResponse](t, rec).Error)
}
