// Package api exposes the admin HTTP interface: enqueue, inspect, and cancel
// tasks, and read queue backlog. Workers never go through this surface; they
// talk to the task store directly.
package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pressline/taskq/internal/dashboard"
	"github.com/pressline/taskq/internal/httputil"
	"github.com/pressline/taskq/internal/queue"
	"github.com/pressline/taskq/internal/task"
)

// Store is the slice of the task store the admin API reads and cancels
// through.
type Store interface {
	GetTask(ctx context.Context, id int64) (*task.Task, error)
	ListAttempts(ctx context.Context, taskID int64) ([]*task.Attempt, error)
	Cancel(ctx context.Context, id int64) (bool, error)
	QueuedCount(ctx context.Context, queue string) (int64, error)
}

// Enqueuer creates tasks on behalf of API clients.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName string, payload map[string]any, opts queue.Options) (*task.Task, error)
}

type API struct {
	store    Store
	enqueuer Enqueuer
	mux      *http.ServeMux
}

type CreateTaskRequest struct {
	Queue       string         `json:"queue"`
	Payload     map[string]any `json:"payload"`
	Priority    *int           `json:"priority"`
	ScheduleIn  *int           `json:"schedule_in"`
	MaxAttempts *int           `json:"max_attempts"`
}

func NewAPI(store Store, enqueuer Enqueuer, dash *dashboard.Dashboard) *API {
	api := &API{
		store:    store,
		enqueuer: enqueuer,
		mux:      http.NewServeMux(),
	}

	api.setupRoutes(dash)
	return api
}

func (a *API) setupRoutes(dash *dashboard.Dashboard) {
	a.mux.HandleFunc("/api/tasks", a.handleTasks)
	a.mux.HandleFunc("/api/tasks/", a.handleTaskByID)
	a.mux.HandleFunc("/api/queues/", a.handleQueueDepth)

	if dash != nil {
		a.mux.HandleFunc("/api/dashboard/stats", dash.GetStats)
		a.mux.HandleFunc("/api/dashboard/recent", dash.GetRecentTasks)
	}
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

func (a *API) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.WriteJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	a.createTask(w, r)
}

func (a *API) createTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteJSONError(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	if req.Queue == "" {
		httputil.WriteJSONError(w, "queue is required", http.StatusBadRequest)
		return
	}

	opts := queue.Options{}
	if req.Priority != nil {
		opts.Priority = *req.Priority
	}
	if req.ScheduleIn != nil {
		opts.ScheduledFor = time.Now().Add(time.Duration(*req.ScheduleIn) * time.Second)
	}
	if req.MaxAttempts != nil {
		opts.MaxAttempts = *req.MaxAttempts
	}

	created, err := a.enqueuer.Enqueue(r.Context(), req.Queue, req.Payload, opts)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, created)
}

// handleTaskByID routes /api/tasks/{id}, /api/tasks/{id}/attempts and
// /api/tasks/{id}/cancel.
func (a *API) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	idPart, action, _ := strings.Cut(rest, "/")

	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		httputil.WriteJSONError(w, "invalid task id", http.StatusBadRequest)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		a.getTask(w, r, id)
	case action == "attempts" && r.Method == http.MethodGet:
		a.listAttempts(w, r, id)
	case action == "cancel" && r.Method == http.MethodPost:
		a.cancelTask(w, r, id)
	default:
		httputil.WriteJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *API) getTask(w http.ResponseWriter, r *http.Request, id int64) {
	t, err := a.store.GetTask(r.Context(), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			httputil.WriteJSONError(w, "task not found", http.StatusNotFound)
			return
		}
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, t)
}

func (a *API) listAttempts(w http.ResponseWriter, r *http.Request, id int64) {
	attempts, err := a.store.ListAttempts(r.Context(), id)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if attempts == nil {
		attempts = []*task.Attempt{}
	}

	httputil.WriteJSON(w, http.StatusOK, attempts)
}

func (a *API) cancelTask(w http.ResponseWriter, r *http.Request, id int64) {
	cancelled, err := a.store.Cancel(r.Context(), id)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !cancelled {
		httputil.WriteJSONError(w, "task is not cancellable", http.StatusConflict)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{"id": id, "status": task.StatusCancelled})
}

// handleQueueDepth serves /api/queues/{name}/depth.
func (a *API) handleQueueDepth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/queues/")
	name, action, _ := strings.Cut(rest, "/")
	if name == "" || action != "depth" {
		httputil.WriteJSONError(w, "not found", http.StatusNotFound)
		return
	}

	depth, err := a.store.QueuedCount(r.Context(), name)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{"queue": name, "depth": depth})
}
