// Package router assembles the gin engine: the middleware chain, the probes
// and the versioned API groups.
package router

import (
	"net/http"

	"github.com/erp/ledger/internal/infrastructure/logger"
	"github.com/erp/ledger/internal/infrastructure/telemetry"
	"github.com/erp/ledger/internal/interfaces/http/dto"
	"github.com/erp/ledger/internal/interfaces/http/handler"
	"github.com/erp/ledger/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RouteRegistrar defines the interface for registering routes
type RouteRegistrar interface {
	RegisterRoutes(rg *gin.RouterGroup)
}

var probePaths = []string{"/health", "/ready"}

// EngineConfig selects the middleware installed on the engine
type EngineConfig struct {
	ServiceName   string
	Logger        *zap.Logger
	Tracing       bool
	MeterProvider *telemetry.MeterProvider
	Profiling     bool
	BodyLimit     int64
}

// NewEngine builds a gin engine with recovery, request logging, tracing,
// metrics, profiling labels and a body limit, in that order.
func NewEngine(cfg EngineConfig) *gin.Engine {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.BodyLimit <= 0 {
		cfg.BodyLimit = middleware.DefaultBodyLimit
	}
	middleware.SetupValidator()

	engine := gin.New()
	engine.Use(
		logger.Recovery(cfg.Logger, internalError),
		middleware.Tracing(middleware.TracingConfig{ServiceName: cfg.ServiceName, Enabled: cfg.Tracing}),
		logger.GinMiddleware(cfg.Logger, logger.WithQuietRoutes(probePaths...)),
		middleware.SpanAttributes(),
		middleware.HTTPMetrics(cfg.MeterProvider, probePaths...),
		middleware.Profiling(middleware.ProfilingConfig{Enabled: cfg.Profiling, SkipPaths: probePaths}),
		middleware.BodyLimit(cfg.BodyLimit),
	)
	return engine
}

func internalError(c *gin.Context) {
	middleware.SetErrorCode(c, dto.ErrCodeInternal)
	c.JSON(http.StatusInternalServerError, dto.NewErrorResponseWithRequestID(
		dto.ErrCodeInternal, "internal server error", logger.GetRequestID(c.Request.Context()),
	))
}

// Router manages HTTP route registration
type Router struct {
	engine     *gin.Engine
	apiVersion string
	health     *handler.HealthHandler
	registrars []RouteRegistrar
}

// RouterOption is a functional option for Router configuration
type RouterOption func(*Router)

// WithAPIVersion sets the API version prefix (e.g., "v1", "v2")
func WithAPIVersion(version string) RouterOption {
	return func(r *Router) {
		r.apiVersion = version
	}
}

// WithHealth serves /health and /ready outside the versioned API
func WithHealth(h *handler.HealthHandler) RouterOption {
	return func(r *Router) {
		r.health = h
	}
}

// NewRouter creates a new Router instance
func NewRouter(engine *gin.Engine, opts ...RouterOption) *Router {
	r := &Router{
		engine:     engine,
		apiVersion: "v1",
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a RouteRegistrar to be registered later
func (r *Router) Register(registrar RouteRegistrar) *Router {
	r.registrars = append(r.registrars, registrar)
	return r
}

// Setup registers all routes with the engine
func (r *Router) Setup() {
	if r.health != nil {
		r.engine.GET("/health", r.health.Health)
		r.engine.GET("/ready", r.health.Ready)
	}

	api := r.engine.Group("/api/" + r.apiVersion)
	for _, registrar := range r.registrars {
		registrar.RegisterRoutes(api)
	}
}
