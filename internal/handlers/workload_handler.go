package handlers

import (
	"net/http"
	"strings"

	"opsboard/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// WorkloadHandler reads per-person workload and suggests assignees.
type WorkloadHandler struct {
	workload    *services.WorkloadService
	assignments *services.AssignmentService
	logger      *logrus.Logger
}

func NewWorkloadHandler(workload *services.WorkloadService, assignments *services.AssignmentService, logger *logrus.Logger) *WorkloadHandler {
	return &WorkloadHandler{workload: workload, assignments: assignments, logger: logger}
}

func splitIDsParam(raw string) []string {
	var ids []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			ids = append(ids, trimmed)
		}
	}
	return ids
}

// GetWorkload returns workload snapshots for a comma separated id list.
func (h *WorkloadHandler) GetWorkload(c *gin.Context) {
	ids := splitIDsParam(c.Query("ids"))
	if len(ids) == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request",
			Message: "ids is required",
		})
		return
	}

	snapshots, err := h.workload.Snapshot(c.Request.Context(), ids)
	if err != nil {
		h.logger.Errorf("Failed to compute workload: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to compute workload",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, snapshots)
}

// SuggestAssignee returns the least-utilized candidate. Advisory only.
func (h *WorkloadHandler) SuggestAssignee(c *gin.Context) {
	ids := splitIDsParam(c.Query("ids"))
	if len(ids) == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request",
			Message: "ids is required",
		})
		return
	}

	assigneeID, snapshot, err := h.assignments.SuggestAssignee(c.Request.Context(), ids)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
			Error:   "Failed to suggest assignee",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"assignee_id": assigneeID,
		"workload":    snapshot,
	})
}

// RegisterWorkloadRoutes wires workload reads.
func RegisterWorkloadRoutes(r *gin.RouterGroup, handler *WorkloadHandler) {
	workload := r.Group("/workload")
	{
		workload.GET("", handler.GetWorkload)
		workload.GET("/suggest", handler.SuggestAssignee)
	}
}
