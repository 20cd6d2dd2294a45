// internal/routes/routes.go
package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"sensorhub/internal/config"
	"sensorhub/internal/handler"
	"sensorhub/internal/metric"
	"sensorhub/internal/middleware"
	"sensorhub/internal/utils"
)

// Hub is what the diagnostics API needs from the hub service
type Hub interface {
	handler.HubInfo
	handler.SensorController
}

// Router holds all dependencies for routing
type Router struct {
	config     *config.Config
	logger     *zap.Logger
	hub        Hub
	supervisor handler.SupervisorStatus
	counters   *metric.Counters
	bus        *handler.EventBus
	gatherer   prometheus.Gatherer
}

// NewRouter creates a new router instance
func NewRouter(
	config *config.Config,
	logger *zap.Logger,
	hub Hub,
	supervisor handler.SupervisorStatus,
	counters *metric.Counters,
	bus *handler.EventBus,
	gatherer prometheus.Gatherer,
) *Router {
	return &Router{
		config:     config,
		logger:     logger,
		hub:        hub,
		supervisor: supervisor,
		counters:   counters,
		bus:        bus,
		gatherer:   gatherer,
	}
}

// SetupRouter creates and configures the Gin router
func (r *Router) SetupRouter() *gin.Engine {
	if r.config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	r.addMiddleware(router)
	r.addRoutes(router)
	return router
}

// addMiddleware adds middleware to the router
func (r *Router) addMiddleware(router *gin.Engine) {
	router.Use(middleware.RecoveryMiddleware(r.logger))
	router.Use(middleware.RequestIDMiddleware())

	serviceLogger := utils.NewServiceLogger(r.logger, "http-server")
	router.Use(middleware.LoggingMiddleware(serviceLogger))

	router.Use(middleware.CORSMiddleware(&r.config.Server))

	r.logger.Debug("Middleware configured")
}

// addRoutes sets up all application routes
func (r *Router) addRoutes(router *gin.Engine) {
	healthHandler := handler.NewHealthHandler(r.hub, r.supervisor, r.counters, r.config, r.logger)
	sensorHandler := handler.NewSensorHandler(r.hub, r.logger)
	streamHandler := handler.NewStreamHandler(r.bus, r.config.Server.AllowedOrigins, r.logger)

	healthHandler.RegisterRoutes(router.Group(""))

	if r.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})))
	}

	apiV1 := router.Group("/api/v1")
	apiV1.GET("/counters", healthHandler.GetCounters)
	apiV1.GET("/ports", healthHandler.GetSerialPorts)
	sensorHandler.RegisterRoutes(apiV1)
	streamHandler.RegisterRoutes(apiV1)

	r.logger.Debug("All routes configured successfully")
}
