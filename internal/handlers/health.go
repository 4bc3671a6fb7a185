package handlers

import (
	"net/http"
	"time"

	"opsboard/internal/metrics"
	"opsboard/internal/services"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// HealthHandler serves liveness, readiness and counter snapshots.
type HealthHandler struct {
	db   *gorm.DB
	feed *services.QueueFeedHub
}

func NewHealthHandler(db *gorm.DB, feed *services.QueueFeedHub) *HealthHandler {
	return &HealthHandler{db: db, feed: feed}
}

func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   "1.0.0",
	})
}

// Ready checks the database connection before reporting ready.
func (h *HealthHandler) Ready(c *gin.Context) {
	if h.db != nil {
		sqlDB, err := h.db.DB()
		if err == nil {
			err = sqlDB.Ping()
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "not ready",
				"error":  err.Error(),
			})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// Metrics exposes engine counters and subscriber counts.
func (h *HealthHandler) Metrics(c *gin.Context) {
	rlTotal, rlByPrefix := metrics.RateLimitSnapshot()
	payload := gin.H{
		"engine": metrics.EngineSnapshot(),
		"rate_limit": gin.H{
			"total":     rlTotal,
			"by_prefix": rlByPrefix,
		},
	}
	if h.feed != nil {
		payload["feed_clients"] = h.feed.GetClientCount()
	}
	c.JSON(http.StatusOK, payload)
}

// RegisterHealthRoutes wires health and metrics on the root router. The
// metrics route is configurable; empty falls back to /metrics.
func RegisterHealthRoutes(r *gin.Engine, handler *HealthHandler, metricsPath string) {
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	r.GET("/health", handler.Health)
	r.GET("/ready", handler.Ready)
	r.GET(metricsPath, handler.Metrics)
}
