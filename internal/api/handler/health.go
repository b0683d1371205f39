package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ReachabilityReporter reports whether the vision endpoint can be reached.
type ReachabilityReporter interface {
	Reachable() bool
	Target() string
}

// HealthHandler handles health check endpoints
type HealthHandler struct {
	reachability ReachabilityReporter
	model        string
}

// NewHealthHandler creates a new health handler. reachability may be nil.
func NewHealthHandler(reachability ReachabilityReporter, model string) *HealthHandler {
	return &HealthHandler{reachability: reachability, model: model}
}

// Health returns the health status of the service
func (h *HealthHandler) Health(c *gin.Context) {
	resp := gin.H{
		"status": "ok",
		"model":  h.model,
	}
	if h.reachability != nil {
		resp["vision_target"] = h.reachability.Target()
		resp["vision_reachable"] = h.reachability.Reachable()
	}
	c.JSON(http.StatusOK, resp)
}
