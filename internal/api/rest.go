package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/go-task-mesh/task-mesh/internal/statestore"
	"github.com/go-task-mesh/task-mesh/internal/telemetry"
	"github.com/go-task-mesh/task-mesh/internal/wire"
)

var restTracer = otel.Tracer("github.com/go-task-mesh/task-mesh/internal/api")

// TaskIDAllocator hands out unique IDs for tasks submitted directly
// through the API (as opposed to synthetic tasks, which come out of
// internal/generator's own counter). The offset keeps the two ranges
// from ever colliding.
type TaskIDAllocator struct {
	next atomic.Uint32
}

const apiTaskIDOffset uint32 = 1 << 31

// NewTaskIDAllocator constructs an allocator whose first Next() call
// returns apiTaskIDOffset+1.
func NewTaskIDAllocator() *TaskIDAllocator {
	return &TaskIDAllocator{}
}

// Next returns the next API-assigned task ID.
func (a *TaskIDAllocator) Next() uint32 {
	return apiTaskIDOffset + a.next.Add(1)
}

// REST handles HTTP requests for direct task submission and status
// polling.
type REST struct {
	pool   taskSink
	store  statestore.Store
	mgr    sessionLookup
	ids    *TaskIDAllocator
	logger *slog.Logger
}

// NewREST constructs a REST handler. pool and mgr are typically
// *pool.Pool and *session.Manager respectively.
func NewREST(pool taskSink, store statestore.Store, mgr sessionLookup, ids *TaskIDAllocator, logger *slog.Logger) *REST {
	return &REST{pool: pool, store: store, mgr: mgr, ids: ids, logger: logger}
}

// SubmitTaskRESTRequest is the JSON body for POST /api/v1/tasks.
type SubmitTaskRESTRequest struct {
	SkillID uint32 `json:"skill_id"`
	Payload []byte `json:"payload"`
}

// SubmitTaskRESTResponse is the 202 response body.
type SubmitTaskRESTResponse struct {
	TaskID uint32 `json:"task_id"`
}

// SubmitTask handles POST /api/v1/tasks.
func (h *REST) SubmitTask(w http.ResponseWriter, r *http.Request) {
	_, span := restTracer.Start(r.Context(), "api.submit_task")
	defer span.End()

	var req SubmitTaskRESTRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SkillID == 0 {
		writeError(w, http.StatusBadRequest, "field 'skill_id' is required")
		return
	}

	taskID := h.ids.Next()
	span.SetAttributes(
		attribute.Int64("task.id", int64(taskID)),
		attribute.Int64("task.skill_id", int64(req.SkillID)),
	)

	h.pool.AddTask(wire.Task{TaskID: taskID, SkillID: req.SkillID, Payload: req.Payload})
	telemetry.APITasksSubmitted.WithLabelValues("rest").Inc()

	h.logger.Info("task submitted via api",
		slog.Uint64("task_id", uint64(taskID)),
		slog.Uint64("skill_id", uint64(req.SkillID)))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(SubmitTaskRESTResponse{TaskID: taskID})
}

// TaskStatusResponse is the GET /api/v1/tasks/{id} response body.
type TaskStatusResponse struct {
	TaskID      uint32  `json:"task_id"`
	SkillID     uint32  `json:"skill_id"`
	SessionID   uint32  `json:"session_id"`
	Succeeded   bool    `json:"succeeded"`
	RoundtripMS float64 `json:"roundtrip_ms"`
	Error       string  `json:"error,omitempty"`
}

// GetTaskStatus handles GET /api/v1/tasks/{id}.
func (h *REST) GetTaskStatus(w http.ResponseWriter, r *http.Request) {
	ctx, span := restTracer.Start(r.Context(), "api.get_task_status")
	defer span.End()

	taskID, err := parseUint32Param(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "task id must be a positive integer")
		return
	}

	outcome, err := h.store.GetTaskOutcome(ctx, taskID)
	if err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "statestore lookup failed")
		h.logger.Error("failed to read task outcome", slog.Uint64("task_id", uint64(taskID)), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to retrieve task")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(TaskStatusResponse{
		TaskID:      outcome.TaskID,
		SkillID:     outcome.SkillID,
		SessionID:   outcome.SessionID,
		Succeeded:   outcome.Succeeded,
		RoundtripMS: outcome.RoundtripMS,
		Error:       outcome.Error,
	})
}

// SessionStatusResponse is the GET /api/v1/sessions/{id} response body.
type SessionStatusResponse struct {
	SessionID      uint32  `json:"session_id"`
	State          string  `json:"state"`
	TasksSent      uint64  `json:"tasks_sent"`
	TasksCompleted uint64  `json:"tasks_completed"`
	TasksFailed    uint64  `json:"tasks_failed"`
	SuccessRate    float64 `json:"success_rate"`
}

// GetSessionStatus handles GET /api/v1/sessions/{id}.
func (h *REST) GetSessionStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID, err := parseUint32Param(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "session id must be a positive integer")
		return
	}

	snap, err := h.store.GetSessionSnapshot(ctx, sessionID)
	if err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		h.logger.Error("failed to read session snapshot", slog.Uint64("session_id", uint64(sessionID)), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to retrieve session")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(SessionStatusResponse{
		SessionID:      snap.SessionID,
		State:          snap.State,
		TasksSent:      snap.TasksSent,
		TasksCompleted: snap.TasksCompleted,
		TasksFailed:    snap.TasksFailed,
		SuccessRate:    snap.SuccessRate,
	})
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// Readyz handles GET /readyz — reports ready once a session manager is
// attached; a statestore outage degrades status
// polling only, so it is not part of readiness.
func (h *REST) Readyz(w http.ResponseWriter, _ *http.Request) {
	if h.mgr == nil {
		writeError(w, http.StatusServiceUnavailable, "session manager not attached")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

func parseUint32Param(r *http.Request, name string) (uint32, error) {
	v, err := strconv.ParseUint(chi.URLParam(r, name), 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
