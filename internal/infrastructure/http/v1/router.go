package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"pharmstock/internal/domain/stock"
	"pharmstock/internal/infrastructure/http/v1/handlers"
	"pharmstock/internal/infrastructure/http/v1/middleware"
	"pharmstock/pkg/logger"
)

// RouterConfig holds router dependencies.
type RouterConfig struct {
	// Service is the stock engine.
	Service *stock.Service

	// Logger for request logging
	Logger *logger.Logger

	// JWTValidator for token validation
	JWTValidator middleware.JWTValidator

	// Metrics records HTTP requests; nil disables it.
	Metrics middleware.HTTPRecorder

	// MetricsHandler serves /metrics; nil leaves the route out.
	MetricsHandler http.Handler

	// IdempotencyStore enables X-Idempotency-Key handling when set.
	IdempotencyStore middleware.IdempotencyStore

	// HealthChecks run on /health/ready.
	HealthChecks map[string]handlers.HealthCheck

	// Debug switches gin to debug mode.
	Debug bool
}

// NewRouter creates and configures the Gin router.
func NewRouter(cfg RouterConfig) *gin.Engine {
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Global middleware (order matters!)
	router.Use(middleware.Recovery())
	router.Use(middleware.Trace())
	router.Use(middleware.Logger(cfg.Logger))
	if cfg.Metrics != nil {
		router.Use(middleware.Metrics(cfg.Metrics))
	}
	router.Use(middleware.ErrorHandler())

	healthHandler := handlers.NewHealthHandler(cfg.HealthChecks)
	health := router.Group("/health")
	{
		health.GET("/live", healthHandler.Live)
		health.GET("/ready", healthHandler.Ready)
	}
	if cfg.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(cfg.MetricsHandler))
	}

	v1 := router.Group("/api/v1")
	{
		protected := v1.Group("")
		protected.Use(middleware.Auth(cfg.JWTValidator)) // 1. Validate JWT
		protected.Use(middleware.Tenant())               // 2. Header tenant must match the token
		protected.Use(middleware.UserContext())          // 3. Resolve access scope for the engine

		if cfg.IdempotencyStore != nil {
			protected.Use(middleware.Idempotency(cfg.IdempotencyStore))
		}

		stockHandler := handlers.NewStockHandler(handlers.NewBaseHandler(), cfg.Service)
		registerRoutes(protected.Group("/pharmacies/:pharmacyId/stock"), stockRoutes(stockHandler))
	}

	return router
}
