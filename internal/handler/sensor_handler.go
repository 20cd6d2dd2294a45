// internal/handler/sensor_handler.go
package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"sensorhub/internal/engine"
	"sensorhub/internal/sensor"
	"sensorhub/internal/service"
	"sensorhub/internal/utils"
)

// SensorController is the sensor surface of the hub service
type SensorController interface {
	EnableSensor(ctx context.Context, t sensor.Type, delay time.Duration) error
	ChangeDelay(ctx context.Context, t sensor.Type, delay time.Duration) error
	DisableSensor(ctx context.Context, t sensor.Type) error
	Flush(ctx context.Context, t sensor.Type) error
	Sensors() []service.SensorState
}

// SensorHandler handles sensor-related HTTP requests
type SensorHandler struct {
	hub    SensorController
	logger *utils.ServiceLogger
}

// DelayRequest carries a sampling delay, e.g. "20ms"
type DelayRequest struct {
	Delay string `json:"delay"`
}

// NewSensorHandler creates a new sensor handler
func NewSensorHandler(hub SensorController, logger *zap.Logger) *SensorHandler {
	return &SensorHandler{
		hub:    hub,
		logger: utils.NewServiceLogger(logger, "sensor-handler"),
	}
}

// RegisterRoutes registers sensor routes
func (h *SensorHandler) RegisterRoutes(router *gin.RouterGroup) {
	sensors := router.Group("/sensors")
	{
		sensors.GET("", h.ListSensors)

		sensorRoutes := sensors.Group("/:type")
		{
			sensorRoutes.POST("/enable", h.EnableSensor)
			sensorRoutes.PUT("/delay", h.ChangeDelay)
			sensorRoutes.POST("/disable", h.DisableSensor)
			sensorRoutes.POST("/flush", h.FlushSensor)
		}
	}
}

// ListSensors lists every sensor type with its state
func (h *SensorHandler) ListSensors(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Sensors retrieved successfully", h.hub.Sensors())
}

// EnableSensor switches a sensor on
func (h *SensorHandler) EnableSensor(c *gin.Context) {
	t, delay, ok := h.parseDelayRequest(c, true)
	if !ok {
		return
	}
	if err := h.hub.EnableSensor(c.Request.Context(), t, delay); err != nil {
		h.fail(c, "Failed to enable sensor", t, err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Sensor enabled", gin.H{"sensor": t.String(), "delay": delay.String()})
}

// ChangeDelay changes the sampling delay of an enabled sensor
func (h *SensorHandler) ChangeDelay(c *gin.Context) {
	t, delay, ok := h.parseDelayRequest(c, false)
	if !ok {
		return
	}
	if err := h.hub.ChangeDelay(c.Request.Context(), t, delay); err != nil {
		h.fail(c, "Failed to change sensor delay", t, err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Sensor delay changed", gin.H{"sensor": t.String(), "delay": delay.String()})
}

// DisableSensor switches a sensor off
func (h *SensorHandler) DisableSensor(c *gin.Context) {
	t, ok := h.parseType(c)
	if !ok {
		return
	}
	if err := h.hub.DisableSensor(c.Request.Context(), t); err != nil {
		h.fail(c, "Failed to disable sensor", t, err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Sensor disabled", gin.H{"sensor": t.String()})
}

// FlushSensor asks the hub to deliver buffered samples now
func (h *SensorHandler) FlushSensor(c *gin.Context) {
	t, ok := h.parseType(c)
	if !ok {
		return
	}
	if err := h.hub.Flush(c.Request.Context(), t); err != nil {
		h.fail(c, "Failed to flush sensor", t, err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Sensor flushed", gin.H{"sensor": t.String()})
}

func (h *SensorHandler) parseType(c *gin.Context) (sensor.Type, bool) {
	t, err := sensor.ParseType(c.Param("type"))
	if err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid sensor type", err)
		return 0, false
	}
	return t, true
}

// parseDelayRequest reads the sensor type and the body delay. An empty body
// is accepted for enable, where on-change sensors need no delay.
func (h *SensorHandler) parseDelayRequest(c *gin.Context, optional bool) (sensor.Type, time.Duration, bool) {
	t, ok := h.parseType(c)
	if !ok {
		return 0, 0, false
	}

	var req DelayRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
			return 0, 0, false
		}
	}
	if req.Delay == "" {
		if optional {
			return t, 0, true
		}
		utils.ErrorResponse(c, http.StatusBadRequest, "Delay is required", nil)
		return 0, 0, false
	}

	delay, err := time.ParseDuration(req.Delay)
	if err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid delay", err)
		return 0, 0, false
	}
	return t, delay, true
}

func (h *SensorHandler) fail(c *gin.Context, message string, t sensor.Type, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, zap.Stringer("sensor", t), zap.Error(err))
	}
	utils.ErrorResponse(c, status, message, err)
}

func statusForError(err error) int {
	var nack *engine.NackError
	switch {
	case errors.Is(err, service.ErrInvalidSensor), errors.Is(err, service.ErrInvalidDelay):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNotEnabled):
		return http.StatusConflict
	case errors.Is(err, engine.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &nack):
		return http.StatusBadGateway
	case errors.Is(err, engine.ErrClosed), errors.Is(err, engine.ErrNoTarget), errors.Is(err, engine.ErrTransport):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
