// README: Task handlers: requester lifecycle plus runner accept/decline/complete.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"hatid/internal/http/middleware"
	"hatid/internal/modules/task"
	"hatid/internal/types"
)

type TaskHandler struct {
	task *task.Service
}

func NewTaskHandler(svc *task.Service) *TaskHandler {
	return &TaskHandler{task: svc}
}

type createTaskReq struct {
	Kind     string `json:"kind"`
	Category string `json:"category"`
	Detail   string `json:"detail"`
}

func (h *TaskHandler) Create(c *gin.Context) {
	uid := middleware.CallerUID(c)
	if uid == "" {
		writeError(c, http.StatusUnauthorized, "unauthenticated")
		return
	}
	var req createTaskReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	id, err := h.task.Create(c.Request.Context(), task.CreateCommand{
		RequesterID: types.ID(uid),
		Kind:        task.Kind(req.Kind),
		Category:    req.Category,
		Detail:      req.Detail,
	})
	if err != nil {
		writeTaskError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, gin.H{"task_id": id, "status": task.StatusOpen})
}

func (h *TaskHandler) Get(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		writeError(c, http.StatusBadRequest, "missing task id")
		return
	}
	t, err := h.task.Get(c.Request.Context(), types.ID(id))
	if err != nil {
		writeTaskError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, taskView(t))
}

func (h *TaskHandler) Cancel(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		writeError(c, http.StatusBadRequest, "missing task id")
		return
	}
	err := h.task.Cancel(c.Request.Context(), task.CancelCommand{
		TaskID:      types.ID(id),
		RequesterID: types.ID(middleware.CallerUID(c)),
		Reason:      "user_cancel",
	})
	if err != nil {
		writeTaskError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": task.StatusCancelled})
}

func (h *TaskHandler) Accept(c *gin.Context) {
	h.runnerAction(c, func(taskID, runnerID types.ID) error {
		return h.task.Accept(c.Request.Context(), task.AcceptCommand{TaskID: taskID, RunnerID: runnerID})
	}, task.StatusAssigned)
}

func (h *TaskHandler) Decline(c *gin.Context) {
	h.runnerAction(c, func(taskID, runnerID types.ID) error {
		return h.task.Decline(c.Request.Context(), task.DeclineCommand{TaskID: taskID, RunnerID: runnerID})
	}, task.StatusOpen)
}

func (h *TaskHandler) Complete(c *gin.Context) {
	h.runnerAction(c, func(taskID, runnerID types.ID) error {
		return h.task.Complete(c.Request.Context(), task.CompleteCommand{TaskID: taskID, RunnerID: runnerID})
	}, task.StatusCompleted)
}

func (h *TaskHandler) runnerAction(c *gin.Context, fn func(taskID, runnerID types.ID) error, ok task.Status) {
	id := c.Param("id")
	if id == "" {
		writeError(c, http.StatusBadRequest, "missing task id")
		return
	}
	if middleware.CallerRole(c) != "runner" {
		writeError(c, http.StatusForbidden, "forbidden: runner role required")
		return
	}
	if err := fn(types.ID(id), types.ID(middleware.CallerUID(c))); err != nil {
		writeTaskError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": ok})
}

func taskView(t *task.Task) gin.H {
	v := gin.H{
		"task_id":    t.ID,
		"kind":       t.Kind,
		"category":   t.Category,
		"detail":     t.Detail,
		"status":     t.Status,
		"created_at": t.CreatedAt,
	}
	if t.NotifiedRunnerID != nil {
		v["notified_runner_id"] = *t.NotifiedRunnerID
		v["notified_at"] = *t.NotifiedAt
	}
	if t.AssignedRunnerID != nil {
		v["assigned_runner_id"] = *t.AssignedRunnerID
	}
	return v
}
