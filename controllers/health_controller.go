package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yashrajoria/marketplace-payments/services"
)

type HealthController struct {
	health *services.HealthService
}

func NewHealthController(health *services.HealthService) *HealthController {
	return &HealthController{health: health}
}

// Health answers 503 whenever any component is degraded.
func (hc *HealthController) Health(c *gin.Context) {
	report := hc.health.Check(c.Request.Context())
	status := http.StatusOK
	if report.Status != services.HealthHealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}
