// internal/handler/health_handler.go
package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"sensorhub/internal/config"
	"sensorhub/internal/link"
	"sensorhub/internal/metric"
	"sensorhub/internal/utils"
	"sensorhub/internal/watchdog"
)

// HubInfo is the part of the hub service health reporting needs
type HubInfo interface {
	SessionID() string
	Firmware() uint32
}

// SupervisorStatus reports the watchdog state
type SupervisorStatus interface {
	Status() watchdog.Status
}

// HealthHandler handles health check requests
type HealthHandler struct {
	hub        HubInfo
	supervisor SupervisorStatus
	counters   *metric.Counters
	config     *config.Config
	startedAt  time.Time
	logger     *utils.ServiceLogger
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(hub HubInfo, supervisor SupervisorStatus, counters *metric.Counters, config *config.Config, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		hub:        hub,
		supervisor: supervisor,
		counters:   counters,
		config:     config,
		startedAt:  time.Now(),
		logger:     utils.NewServiceLogger(logger, "health-handler"),
	}
}

// RegisterRoutes registers health check routes
func (h *HealthHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/health", h.HealthCheck)
	router.GET("/live", h.LivenessCheck)
}

// HealthCheck reports the link state as seen by the watchdog.
// Anything but a healthy link answers 503.
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	status := h.supervisor.Status()

	health := &HealthResponse{
		Status:    healthStatus(status.State),
		Timestamp: time.Now(),
		Service:   h.config.App.Name,
		Version:   h.config.App.Version,
		Uptime:    time.Since(h.startedAt).Truncate(time.Second).String(),
		Session:   h.hub.SessionID(),
		Firmware:  fmt.Sprintf("0x%08x", h.hub.Firmware()),
		Watchdog:  status,
		Counters:  h.counters.Snapshot(),
	}

	statusCode := http.StatusOK
	if status.State != watchdog.Healthy.String() {
		statusCode = http.StatusServiceUnavailable
		h.logger.Warn("Health check degraded",
			zap.String("state", status.State),
			zap.String("reason", status.Reason),
		)
	}

	c.JSON(statusCode, health)
}

// LivenessCheck answers as long as the process serves HTTP
func (h *HealthHandler) LivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"timestamp": time.Now(),
	})
}

// GetCounters returns the operational counters
func (h *HealthHandler) GetCounters(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Counters retrieved successfully", h.counters.Snapshot())
}

// GetSerialPorts lists the serial ports the OS reports, to help fill in
// transport.link.serial
func (h *HealthHandler) GetSerialPorts(c *gin.Context) {
	ports, err := link.ListSerialPorts()
	if err != nil {
		h.logger.Error("Failed to list serial ports", zap.Error(err))
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to list serial ports", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Serial ports retrieved successfully", ports)
}

func healthStatus(state string) string {
	switch state {
	case watchdog.Healthy.String():
		return "healthy"
	case watchdog.Suspect.String():
		return "degraded"
	case watchdog.Recovering.String():
		return "recovering"
	}
	return "unknown"
}

// HealthResponse represents health check response
type HealthResponse struct {
	Status    string          `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
	Service   string          `json:"service"`
	Version   string          `json:"version"`
	Uptime    string          `json:"uptime"`
	Session   string          `json:"session"`
	Firmware  string          `json:"firmware"`
	Watchdog  watchdog.Status `json:"watchdog"`
	Counters  metric.Snapshot `json:"counters"`
}
