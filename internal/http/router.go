package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/yungbote/bisect-dispatcher/internal/http/handlers"
	httpMW "github.com/yungbote/bisect-dispatcher/internal/http/middleware"
	"github.com/yungbote/bisect-dispatcher/internal/observability"
	"github.com/yungbote/bisect-dispatcher/internal/platform/logger"
)

// RouterConfig wires the handlers onto gin routes. Every field is a
// concrete collaborator built once at process start by the instance that
// owns the job store, stream bus, and worker pool.
type RouterConfig struct {
	Log            *logger.Logger
	Metrics        *observability.Metrics
	AuthMiddleware *httpMW.AuthMiddleware

	HealthHandler *httpH.HealthHandler
	JobHandler    *httpH.JobHandler
	StreamHandler *httpH.StreamHandler
	SubmitHandler *httpH.SubmitHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("bisect-dispatcher"))
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.CORS())
	if cfg.Log != nil {
		r.Use(httpMW.RequestLogger(cfg.Log))
	}
	if cfg.Metrics != nil {
		r.Use(httpMW.Metrics(cfg.Metrics))
	}

	if cfg.HealthHandler != nil {
		r.GET("/healthz", cfg.HealthHandler.HealthCheck)
	}

	api := r.Group("/api")

	if cfg.SubmitHandler != nil {
		group := api.Group("/")
		if cfg.AuthMiddleware != nil {
			group.Use(cfg.AuthMiddleware.RequireAuth())
		}
		group.POST("/jobs", cfg.SubmitHandler.SubmitJob)
	}

	protected := api.Group("/")
	if cfg.AuthMiddleware != nil {
		protected.Use(cfg.AuthMiddleware.RequireAuth())
	}

	if cfg.JobHandler != nil {
		protected.GET("/jobs/:id", cfg.JobHandler.GetJob)
		protected.POST("/jobs/:id/cancel", cfg.JobHandler.CancelJob)
		protected.POST("/jobs/:id/retry", cfg.JobHandler.RetryJob)
	}

	if cfg.StreamHandler != nil {
		protected.GET("/jobs/:id/stream", cfg.StreamHandler.StreamJob)
	}

	return r
}
