package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"opsboard/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// TaskHandler exposes the task lifecycle: reads, status transitions,
// retries, checklist progress and assignment operations.
type TaskHandler struct {
	queue       *services.TaskQueue
	assignments *services.AssignmentService
	feed        *services.QueueFeedHub
	logger      *logrus.Logger
}

func NewTaskHandler(queue *services.TaskQueue, assignments *services.AssignmentService, feed *services.QueueFeedHub, logger *logrus.Logger) *TaskHandler {
	return &TaskHandler{
		queue:       queue,
		assignments: assignments,
		feed:        feed,
		logger:      logger,
	}
}

func parseTaskID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid task ID",
			Message: "ID must be a valid number",
		})
		return 0, false
	}
	return uint(id), true
}

// taskErrorStatus maps service sentinels onto HTTP statuses.
func taskErrorStatus(err error) int {
	switch {
	case errors.Is(err, services.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrUnknownAssignee):
		return http.StatusUnprocessableEntity
	case errors.Is(err, services.ErrInvalidStateTransition),
		errors.Is(err, services.ErrRetryExhausted):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// GetTask returns a task with its checklist, history and assignment trail.
func (h *TaskHandler) GetTask(c *gin.Context) {
	id, ok := parseTaskID(c)
	if !ok {
		return
	}

	task, err := h.queue.GetTask(c.Request.Context(), id)
	if err != nil {
		c.JSON(taskErrorStatus(err), ErrorResponse{
			Error:   "Task not found",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, task)
}

// DequeueBatch returns the next workable slice of the org queue.
func (h *TaskHandler) DequeueBatch(c *gin.Context) {
	orgID := c.Query("org_id")
	if orgID == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request",
			Message: "org_id is required",
		})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))

	tasks, err := h.queue.DequeueBatch(c.Request.Context(), orgID, limit)
	if err != nil {
		h.logger.Errorf("Failed to dequeue batch: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to dequeue batch",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, tasks)
}

type transitionRequest struct {
	Status  string `json:"status" binding:"required"`
	ActorID string `json:"actor_id" binding:"required"`
	Error   string `json:"error"`
}

// Transition moves a task through its state machine.
func (h *TaskHandler) Transition(c *gin.Context) {
	id, ok := parseTaskID(c)
	if !ok {
		return
	}

	var req transitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	if err := h.queue.Transition(c.Request.Context(), id, req.Status, req.ActorID, req.Error); err != nil {
		c.JSON(taskErrorStatus(err), ErrorResponse{
			Error:   "Failed to transition task",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Message: "transitioned"})
}

type retryRequest struct {
	ActorID string `json:"actor_id" binding:"required"`
}

// Retry re-queues a failed task if retry budget remains.
func (h *TaskHandler) Retry(c *gin.Context) {
	id, ok := parseTaskID(c)
	if !ok {
		return
	}

	var req retryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	if err := h.queue.Retry(c.Request.Context(), id, req.ActorID); err != nil {
		c.JSON(taskErrorStatus(err), ErrorResponse{
			Error:   "Failed to retry task",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Message: "requeued"})
}

type assignRequest struct {
	AssigneeID string `json:"assignee_id" binding:"required"`
	ActorID    string `json:"actor_id" binding:"required"`
	Reason     string `json:"reason"`
}

// Assign sets the assignee on a task.
func (h *TaskHandler) Assign(c *gin.Context) {
	h.applyAssignment(c, h.assignments.Assign)
}

// Reassign moves the task to a new assignee.
func (h *TaskHandler) Reassign(c *gin.Context) {
	h.applyAssignment(c, h.assignments.Reassign)
}

// TakeUp lets a person claim the task and start work on it.
func (h *TaskHandler) TakeUp(c *gin.Context) {
	h.applyAssignment(c, h.assignments.TakeUp)
}

func (h *TaskHandler) applyAssignment(c *gin.Context, op func(ctx context.Context, taskID uint, assigneeID, actorID, reason string) error) {
	id, ok := parseTaskID(c)
	if !ok {
		return
	}

	var req assignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	if err := op(c.Request.Context(), id, req.AssigneeID, req.ActorID, req.Reason); err != nil {
		c.JSON(taskErrorStatus(err), ErrorResponse{
			Error:   "Failed to update assignment",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Message: "assigned"})
}

type bulkAssignRequest struct {
	TaskIDs    []uint `json:"task_ids" binding:"required"`
	AssigneeID string `json:"assignee_id" binding:"required"`
	ActorID    string `json:"actor_id" binding:"required"`
	Reason     string `json:"reason"`
}

// BulkAssign applies an assignment to many tasks with per-id failures.
func (h *TaskHandler) BulkAssign(c *gin.Context) {
	var req bulkAssignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	result, err := h.assignments.BulkAssign(c.Request.Context(), req.TaskIDs, req.AssigneeID, req.ActorID, req.Reason)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Failed to bulk assign",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, result)
}

// CompleteChecklistItem marks one checklist item done.
func (h *TaskHandler) CompleteChecklistItem(c *gin.Context) {
	id, ok := parseTaskID(c)
	if !ok {
		return
	}
	itemID, err := strconv.ParseUint(c.Param("itemId"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid item ID",
			Message: "ID must be a valid number",
		})
		return
	}

	var req retryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	if err := h.queue.CompleteChecklistItem(c.Request.Context(), id, uint(itemID), req.ActorID); err != nil {
		c.JSON(taskErrorStatus(err), ErrorResponse{
			Error:   "Failed to complete checklist item",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Message: "completed"})
}

// Feed upgrades to the websocket queue feed.
func (h *TaskHandler) Feed(c *gin.Context) {
	h.feed.HandleWebSocket(c)
}

// RegisterTaskRoutes wires task lifecycle routes.
func RegisterTaskRoutes(r *gin.RouterGroup, handler *TaskHandler) {
	tasks := r.Group("/tasks")
	{
		tasks.GET("/feed", handler.Feed)
		tasks.GET("/dequeue", handler.DequeueBatch)
		tasks.POST("/bulk-assign", handler.BulkAssign)
		tasks.GET("/:id", handler.GetTask)
		tasks.POST("/:id/transition", handler.Transition)
		tasks.POST("/:id/retry", handler.Retry)
		tasks.POST("/:id/assign", handler.Assign)
		tasks.POST("/:id/reassign", handler.Reassign)
		tasks.POST("/:id/takeup", handler.TakeUp)
		tasks.POST("/:id/checklist/:itemId/complete", handler.CompleteChecklistItem)
	}
}
