package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"scanweld/internal/domain"
	"scanweld/internal/queue"
	"scanweld/internal/scheduler"
	"scanweld/internal/storage"
)

type Server struct {
	r        *chi.Mux
	registry *scheduler.Registry
	store    *storage.Store
}

func NewServer(registry *scheduler.Registry, store *storage.Store, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)

	s := &Server{r: r, registry: registry, store: store}

	r.Get("/health", s.health)
	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Get("/schedulers", s.listSchedulers)
	r.Get("/schedulers/{id}", s.getScheduler)
	r.Patch("/schedulers/{id}", s.patchScheduler)

	r.Get("/queues", s.listQueues)
	r.Get("/queues/{id}", s.getQueue)
	r.Post("/queues/{id}/push", s.push)
	r.Post("/queues/{id}/pop", s.pop)

	r.Get("/tasks", s.listTasks)
	r.Get("/tasks/stats", s.taskStats)
	r.Get("/tasks/{id}", s.getTask)
	r.Patch("/tasks/{id}", s.patchTask)

	r.Get("/schedules", s.listSchedules)
	r.Post("/schedules", s.createSchedule)
	r.Get("/schedules/{id}", s.getSchedule)
	r.Patch("/schedules/{id}", s.patchSchedule)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- schedulers ---

func (s *Server) listSchedulers(w http.ResponseWriter, r *http.Request) {
	scheds := s.registry.List()
	infos := make([]domain.SchedulerInfo, 0, len(scheds))
	for _, sch := range scheds {
		infos = append(infos, sch.Info())
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) getScheduler(w http.ResponseWriter, r *http.Request) {
	sched, ok := s.registry.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "scheduler not found")
		return
	}
	writeJSON(w, http.StatusOK, sched.Info())
}

func (s *Server) patchScheduler(w http.ResponseWriter, r *http.Request) {
	sched, ok := s.registry.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "scheduler not found")
		return
	}

	var patch map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(patch) == 0 {
		writeError(w, http.StatusBadRequest, "no data to patch")
		return
	}

	// Validate the whole patch before touching live state, so a body
	// mixing valid and invalid fields applies nothing.
	var staged struct {
		enabled              *bool
		maxsize              *int
		allowReplace         *bool
		allowUpdates         *bool
		allowPriorityUpdates *bool
	}
	for field, raw := range patch {
		switch field {
		case "enabled":
			var v bool
			if err := json.Unmarshal(raw, &v); err != nil {
				writeError(w, http.StatusBadRequest, "enabled must be a boolean")
				return
			}
			staged.enabled = &v
		case "maxsize":
			var v int
			if err := json.Unmarshal(raw, &v); err != nil || v < 0 {
				writeError(w, http.StatusBadRequest, "maxsize must be a non-negative integer")
				return
			}
			staged.maxsize = &v
		case "allow_replace", "allow_updates", "allow_priority_updates":
			var v bool
			if err := json.Unmarshal(raw, &v); err != nil {
				writeError(w, http.StatusBadRequest, field+" must be a boolean")
				return
			}
			switch field {
			case "allow_replace":
				staged.allowReplace = &v
			case "allow_updates":
				staged.allowUpdates = &v
			case "allow_priority_updates":
				staged.allowPriorityUpdates = &v
			}
		default:
			writeError(w, http.StatusBadRequest, "unknown field: "+field)
			return
		}
	}

	q := sched.Queue()
	if staged.maxsize != nil {
		q.SetMaxSize(*staged.maxsize)
	}
	if staged.allowReplace != nil {
		q.SetAllowReplace(*staged.allowReplace)
	}
	if staged.allowUpdates != nil {
		q.SetAllowUpdates(*staged.allowUpdates)
	}
	if staged.allowPriorityUpdates != nil {
		q.SetAllowPriorityUpdates(*staged.allowPriorityUpdates)
	}
	if staged.enabled != nil {
		var err error
		if *staged.enabled {
			err = sched.Enable(r.Context())
		} else {
			err = sched.Disable(r.Context())
		}
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
	}

	if err := s.store.UpsertScheduler(r.Context(), sched.Info()); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sched.Info())
}

// --- queues ---

func (s *Server) listQueues(w http.ResponseWriter, r *http.Request) {
	s.listSchedulers(w, r)
}

func (s *Server) getQueue(w http.ResponseWriter, r *http.Request) {
	sched, ok := s.registry.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "queue not found")
		return
	}
	writeJSON(w, http.StatusOK, sched.Info())
}

type pushRequest struct {
	ID             uuid.UUID       `json:"id"`
	Priority       int             `json:"priority"`
	Hash           string          `json:"hash"`
	Data           json.RawMessage `json:"data"`
	CronExpression string          `json:"cron_expression"`
}

func (s *Server) push(w http.ResponseWriter, r *http.Request) {
	sched, ok := s.registry.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "queue not found")
		return
	}

	var req pushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Data) == 0 {
		writeError(w, http.StatusBadRequest, "data is required")
		return
	}
	if req.CronExpression != "" {
		if err := scheduler.ValidateCronExpression(req.CronExpression); err != nil {
			writeError(w, http.StatusBadRequest, "invalid cron expression: "+err.Error())
			return
		}
	}

	item := &domain.PrioritizedItem{
		ID:             req.ID,
		Priority:       req.Priority,
		Hash:           req.Hash,
		Data:           req.Data,
		CronExpression: req.CronExpression,
	}
	task, err := sched.Push(r.Context(), item)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

type popRequest struct {
	Filters []domain.FieldFilter `json:"filters"`
}

func (s *Server) pop(w http.ResponseWriter, r *http.Request) {
	sched, ok := s.registry.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "queue not found")
		return
	}

	var req popRequest
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		for _, f := range req.Filters {
			if err := f.Validate(); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
		}
	}

	task, err := sched.Pop(r.Context(), req.Filters...)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if task == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// --- tasks ---

type listResponse[T any] struct {
	Count   int `json:"count"`
	Results []T `json:"results"`
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	f := domain.TaskFilter{
		SchedulerID: r.URL.Query().Get("scheduler_id"),
		Hash:        r.URL.Query().Get("hash"),
	}
	if status := r.URL.Query().Get("status"); status != "" {
		for _, part := range strings.Split(status, ",") {
			st, err := domain.ParseTaskStatus(part)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	var err error
	if f.MinCreatedAt, err = timeParam(r, "min_created_at"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if f.MaxCreatedAt, err = timeParam(r, "max_created_at"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if field := r.URL.Query().Get("filter_field"); field != "" {
		f.Fields = append(f.Fields, domain.FieldFilter{
			Field:    field,
			Operator: domain.Operator(r.URL.Query().Get("filter_operator")),
			Value:    coerceQueryValue(r.URL.Query().Get("filter_value")),
		})
	}
	f.Limit, f.Offset = pageParams(r)

	tasks, err := s.store.ListTasks(r.Context(), f)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[*domain.Task]{Count: len(tasks), Results: tasks})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed task id")
		return
	}
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) patchTask(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed task id")
		return
	}

	var patch map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	raw, ok := patch["status"]
	if !ok {
		writeError(w, http.StatusBadRequest, "no data to patch")
		return
	}

	var statusStr string
	if err := json.Unmarshal(raw, &statusStr); err != nil {
		writeError(w, http.StatusBadRequest, "status must be a string")
		return
	}
	status, err := domain.ParseTaskStatus(statusStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	task, err := s.store.UpdateTaskStatus(r.Context(), id, status)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	// A terminal report drives the schedule forward.
	if task.Status.Terminal() {
		if sched, ok := s.registry.Get(task.SchedulerID); ok {
			if err := sched.SignalHandlerTask(r.Context(), task); err != nil {
				log.Error().Err(err).Str("task_id", task.ID.String()).Msg("signal handler failed")
			}
		}
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) taskStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.TaskStatusCounts(r.Context(), r.URL.Query().Get("scheduler_id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	// Report every status, including the ones with no tasks.
	all := []domain.TaskStatus{
		domain.StatusPending, domain.StatusQueued, domain.StatusDispatched,
		domain.StatusRunning, domain.StatusCompleted, domain.StatusFailed,
		domain.StatusCancelled,
	}
	stats := make(map[domain.TaskStatus]int, len(all))
	for _, st := range all {
		stats[st] = counts[st]
	}
	writeJSON(w, http.StatusOK, stats)
}

// --- schedules ---

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	f := domain.ScheduleFilter{
		SchedulerID: r.URL.Query().Get("scheduler_id"),
		Hash:        r.URL.Query().Get("hash"),
	}
	if enabled := r.URL.Query().Get("enabled"); enabled != "" {
		v, err := strconv.ParseBool(enabled)
		if err != nil {
			writeError(w, http.StatusBadRequest, "enabled must be a boolean")
			return
		}
		f.Enabled = &v
	}
	var err error
	if f.MinCreatedAt, err = timeParam(r, "min_created_at"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if f.MaxCreatedAt, err = timeParam(r, "max_created_at"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if f.MinDeadlineAt, err = timeParam(r, "min_deadline_at"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if f.MaxDeadlineAt, err = timeParam(r, "max_deadline_at"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	f.Limit, f.Offset = pageParams(r)

	schedules, err := s.store.ListSchedules(r.Context(), f)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[*domain.Schedule]{Count: len(schedules), Results: schedules})
}

type createScheduleRequest struct {
	SchedulerID    string          `json:"scheduler_id"`
	Data           json.RawMessage `json:"data"`
	Priority       int             `json:"priority"`
	Enabled        *bool           `json:"enabled"`
	CronExpression string          `json:"cron_expression"`
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.SchedulerID == "" {
		writeError(w, http.StatusBadRequest, "scheduler_id is required")
		return
	}
	if _, ok := s.registry.Get(req.SchedulerID); !ok {
		writeError(w, http.StatusNotFound, "scheduler not found")
		return
	}
	if len(req.Data) == 0 {
		writeError(w, http.StatusBadRequest, "data is required")
		return
	}

	sch := &domain.Schedule{
		SchedulerID:    req.SchedulerID,
		Hash:           domain.HashData(req.Data),
		Data:           req.Data,
		Priority:       req.Priority,
		Enabled:        true,
		CronExpression: req.CronExpression,
	}
	if req.Enabled != nil {
		sch.Enabled = *req.Enabled
	}
	if req.CronExpression != "" {
		next, err := scheduler.NextRunTime(req.CronExpression, time.Now().UTC())
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid cron expression: "+err.Error())
			return
		}
		sch.DeadlineAt = &next
	}

	if err := s.store.CreateSchedule(r.Context(), sch); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sch)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed schedule id")
		return
	}
	sch, err := s.store.GetSchedule(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sch)
}

func (s *Server) patchSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed schedule id")
		return
	}
	sch, err := s.store.GetSchedule(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	var patch map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(patch) == 0 {
		writeError(w, http.StatusBadRequest, "no data to patch")
		return
	}

	for field, raw := range patch {
		switch field {
		case "enabled":
			if err := json.Unmarshal(raw, &sch.Enabled); err != nil {
				writeError(w, http.StatusBadRequest, "enabled must be a boolean")
				return
			}
		case "priority":
			if err := json.Unmarshal(raw, &sch.Priority); err != nil {
				writeError(w, http.StatusBadRequest, "priority must be an integer")
				return
			}
		case "data":
			var data json.RawMessage
			if err := json.Unmarshal(raw, &data); err != nil || len(data) == 0 {
				writeError(w, http.StatusBadRequest, "data must be a JSON value")
				return
			}
			sch.Data = data
			sch.Hash = domain.HashData(data)
		case "cron_expression":
			var expr string
			if err := json.Unmarshal(raw, &expr); err != nil {
				writeError(w, http.StatusBadRequest, "cron_expression must be a string")
				return
			}
			if expr != "" {
				next, err := scheduler.NextRunTime(expr, time.Now().UTC())
				if err != nil {
					writeError(w, http.StatusBadRequest, "invalid cron expression: "+err.Error())
					return
				}
				sch.DeadlineAt = &next
			} else {
				sch.DeadlineAt = nil
			}
			sch.CronExpression = expr
		default:
			writeError(w, http.StatusBadRequest, "unknown field: "+field)
			return
		}
	}

	if err := s.store.UpdateSchedule(r.Context(), sch); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sch)
}

// --- helpers ---

type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case queue.IsConflict(err):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, storage.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, queue.ErrQueueFull):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, queue.ErrNotAllowed):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, queue.ErrInvalidItemType), errors.Is(err, domain.ErrInvalidRange):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		log.Error().Err(err).Msg("internal error")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func timeParam(r *http.Request, name string) (*time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, errors.New(name + " must be an RFC 3339 timestamp")
	}
	t = t.UTC()
	return &t, nil
}

// coerceQueryValue interprets a query-string filter value the way a
// JSON body would: numbers and booleans compare against numeric and
// boolean payload fields, anything else stays a string.
func coerceQueryValue(s string) any {
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return n
	}
	if s == "true" || s == "false" {
		return s == "true"
	}
	return s
}

func pageParams(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if limit < 0 {
		limit = 0
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, ErrorResponse{Error: msg})
}
