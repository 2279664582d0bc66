package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/minhtuancn/server-monitor-sub002/internal/middleware"
	"github.com/minhtuancn/server-monitor-sub002/internal/taskqueue"
)

type submitTaskRequest struct {
	ServerID       uint   `json:"server_id"`
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	StoreOutput    bool   `json:"store_output"`
}

// SubmitTask enqueues one remote command. The response returns as soon as
// the task row is queued; execution happens on the worker pool.
// POST /api/v1/tasks
func SubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.ServerID == 0 || req.Command == "" {
		writeError(w, http.StatusBadRequest, "server_id and command are required")
		return
	}

	actor := middleware.GetActor(r)
	taskID, err := Queue.Submit(req.ServerID, req.Command, req.TimeoutSeconds, req.StoreOutput, actor.Name)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to submit task")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

// GetTask returns one task record.
// GET /api/v1/tasks/{id}
func GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := Queue.Get(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, taskqueue.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "Task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to load task")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// ListTasks returns task records, newest first.
// GET /api/v1/tasks?server_id=&actor=&status=&limit=&offset=
func ListTasks(w http.ResponseWriter, r *http.Request) {
	opts := taskqueue.ListOptions{
		Actor:  r.URL.Query().Get("actor"),
		Status: r.URL.Query().Get("status"),
	}
	if v := r.URL.Query().Get("server_id"); v != "" {
		if id, err := strconv.Atoi(v); err == nil && id > 0 {
			opts.ServerID = uint(id)
		}
	}
	opts.Limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	opts.Offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))

	tasks, err := Queue.List(opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list tasks")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks})
}

// CancelTask cancels a queued or running task. The response carries the
// task status after the request took effect; cancelling a finished task
// reports its existing status.
// POST /api/v1/tasks/{id}/cancel
func CancelTask(w http.ResponseWriter, r *http.Request) {
	actor := middleware.GetActor(r)
	status, err := Queue.Cancel(chi.URLParam(r, "id"), actor.Name)
	if err != nil {
		if errors.Is(err, taskqueue.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "Task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to cancel task")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}
