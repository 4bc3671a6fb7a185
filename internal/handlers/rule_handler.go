package handlers

import (
	"errors"
	"net/http"

	"opsboard/internal/services"

	"github.com/gin-gonic/gin"
)

// RuleHandler manages detection rules. Rule writes reload the in-memory
// catalog, so matching always runs against a consistent snapshot.
type RuleHandler struct {
	engine *services.RuleEngine
}

func NewRuleHandler(engine *services.RuleEngine) *RuleHandler {
	return &RuleHandler{engine: engine}
}

// ListRules returns every stored rule, enabled or not.
func (h *RuleHandler) ListRules(c *gin.Context) {
	rules, err := h.engine.ListRules(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list rules", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, rules)
}

// CreateRule validates and stores a rule, then reloads the catalog.
func (h *RuleHandler) CreateRule(c *gin.Context) {
	var req services.DetectionRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	rule, err := h.engine.CreateRule(c.Request.Context(), &req)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Failed to create rule", Message: err.Error()})
		return
	}

	c.JSON(http.StatusCreated, rule)
}

type ruleEnableRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// SetEnabled toggles a rule without deleting its history.
func (h *RuleHandler) SetEnabled(c *gin.Context) {
	var req ruleEnableRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	if err := h.engine.SetRuleEnabled(c.Request.Context(), c.Param("id"), *req.Enabled); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, services.ErrRuleNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, ErrorResponse{Error: "Failed to update rule", Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Message: "updated"})
}

// DeleteRule removes a rule and reloads the catalog.
func (h *RuleHandler) DeleteRule(c *gin.Context) {
	if err := h.engine.DeleteRule(c.Request.Context(), c.Param("id")); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, services.ErrRuleNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, ErrorResponse{Error: "Failed to delete rule", Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Message: "deleted"})
}

// RegisterRuleRoutes wires rule management.
func RegisterRuleRoutes(r *gin.RouterGroup, handler *RuleHandler) {
	rules := r.Group("/rules")
	{
		rules.GET("", handler.ListRules)
		rules.POST("", handler.CreateRule)
		rules.PUT(":id/enabled", handler.SetEnabled)
		rules.DELETE(":id", handler.DeleteRule)
	}
}
