package handlers

import (
	"net/http"

	"opsboard/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// EventHandler is the event intake surface: source modules POST business
// events here and the engine turns matches into queued tasks.
type EventHandler struct {
	engine *services.EngineService
	logger *logrus.Logger
}

func NewEventHandler(engine *services.EngineService, logger *logrus.Logger) *EventHandler {
	return &EventHandler{engine: engine, logger: logger}
}

// SubmitEvent accepts a business event and returns the ids of tasks it
// produced. An event matching no rules succeeds with an empty list.
func (h *EventHandler) SubmitEvent(c *gin.Context) {
	var req services.SubmitEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	taskIDs, err := h.engine.SubmitEvent(c.Request.Context(), &req)
	if err != nil {
		h.logger.Errorf("Failed to process event: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to process event",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusAccepted, SuccessResponse{
		Message: "event processed",
		Data:    gin.H{"task_ids": taskIDs, "created": len(taskIDs)},
	})
}

// GetQueueSlice reads the org queue in priority order.
func (h *EventHandler) GetQueueSlice(c *gin.Context) {
	orgID := c.Query("org_id")
	if orgID == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request",
			Message: "org_id is required",
		})
		return
	}

	var req services.QueueSliceRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid query",
			Message: err.Error(),
		})
		return
	}

	tasks, err := h.engine.GetQueueSlice(c.Request.Context(), orgID, &req)
	if err != nil {
		h.logger.Errorf("Failed to read queue: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to read queue",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, tasks)
}

// GetQueueStats returns aggregate queue counts for an org.
func (h *EventHandler) GetQueueStats(c *gin.Context) {
	orgID := c.Query("org_id")
	if orgID == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request",
			Message: "org_id is required",
		})
		return
	}

	stats, err := h.engine.GetQueueStats(c.Request.Context(), orgID)
	if err != nil {
		h.logger.Errorf("Failed to get queue stats: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to get queue stats",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, stats)
}

// RegisterEventRoutes wires event intake and queue reads.
func RegisterEventRoutes(r *gin.RouterGroup, handler *EventHandler) {
	r.POST("/events", handler.SubmitEvent)
	queue := r.Group("/queue")
	{
		queue.GET("", handler.GetQueueSlice)
		queue.GET("/stats", handler.GetQueueStats)
	}
}
