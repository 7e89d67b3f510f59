// Package app wires together the job store, stream bus, worker pool, HTTP
// router, and background control loops into one running process, the way
// cmd/server's main assembles and tears it down.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	httphandlers "github.com/yungbote/bisect-dispatcher/internal/http/handlers"
	httpmw "github.com/yungbote/bisect-dispatcher/internal/http/middleware"
	bdhttp "github.com/yungbote/bisect-dispatcher/internal/http"

	"github.com/yungbote/bisect-dispatcher/internal/data/db"
	"github.com/yungbote/bisect-dispatcher/internal/data/repos"
	"github.com/yungbote/bisect-dispatcher/internal/jobs/cloneurl"
	"github.com/yungbote/bisect-dispatcher/internal/jobs/events"
	"github.com/yungbote/bisect-dispatcher/internal/jobs/stream"
	"github.com/yungbote/bisect-dispatcher/internal/jobs/worker"
	"github.com/yungbote/bisect-dispatcher/internal/observability"
	"github.com/yungbote/bisect-dispatcher/internal/platform/envutil"
	"github.com/yungbote/bisect-dispatcher/internal/platform/logger"
	"github.com/yungbote/bisect-dispatcher/internal/submit"
	"github.com/yungbote/bisect-dispatcher/internal/utils"
)

// Instance owns every long-lived collaborator for one dispatcher process:
// the database handle, the in-process stream bus, the job store, the
// worker pool, and the control loops that move jobs between them. Exactly
// one Instance exists per process.
type Instance struct {
	Log    *logger.Logger
	DB     *gorm.DB
	Router *gin.Engine

	jobs     repos.JobRepo
	bus      *stream.Bus
	pool     *worker.Pool
	events   events.Publisher
	metrics  *observability.Metrics
	workerID string

	pollInterval    time.Duration
	heartbeatPeriod time.Duration
	recoveryPeriod  time.Duration
	staleThreshold  time.Duration

	wake chan struct{}

	otelShutdown func(context.Context) error
	cancel       context.CancelFunc
}

// New assembles an Instance: logger, config, database, repositories,
// worker pool, HTTP router. It does not start any background goroutine or
// bind a network listener; call Start for that.
func New() (*Instance, error) {
	logMode := utils.GetEnv("LOG_MODE", "development", nil)
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	pg, err := db.NewPostgresService(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	if err := pg.AutoMigrate(); err != nil {
		log.Sync()
		return nil, fmt.Errorf("postgres automigrate: %w", err)
	}
	theDB := pg.DB()

	jobRepo := repos.NewJobRepo(theDB, log)
	bus := stream.NewBus()

	workerID := utils.GetEnv("WORKER_ID", "", log)
	if workerID == "" {
		workerID = uuid.NewString()
	}

	maxConcurrent := envutil.Int("MAX_CONCURRENT_JOBS", 4)
	bisectTimeoutSeconds := envutil.Int("BISECT_TIMEOUT_S", 0)
	cleanupGrace := envutil.DurationSeconds("STREAM_GRACE_SECONDS", 300)

	var clones cloneurl.Provider = cloneurl.DevProvider{BaseURL: utils.GetEnv("CLONE_BASE_URL", "", log)}

	pool := worker.NewPool(log, jobRepo, bus, clones, workerID, maxConcurrent, bisectTimeoutSeconds, cleanupGrace)

	eventPublisher, err := events.NewRedisPublisher(log)
	if err != nil {
		log.Info("event publisher disabled", "reason", err)
		eventPublisher = events.NoopPublisher()
	}
	pool.SetEvents(eventPublisher)

	var metrics *observability.Metrics
	if observability.Enabled() {
		metrics = observability.Init(log)
		pool.SetMetrics(metrics)
	}

	authSecret := utils.GetEnv("AUTH_JWT_SECRET", "dev-secret-change-me", log)
	authMW := httpmw.NewAuthMiddleware(log, authSecret)

	// The wake channel is shared between the submission/retry handlers and
	// the pickup loop, so it must exist before either side is built.
	wake := make(chan struct{}, 1)
	wakeFn := func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	}

	jobHandler := httphandlers.NewJobHandler(jobRepo, wakeFn)
	streamHandler := httphandlers.NewStreamHandler(log, jobRepo, bus)
	submitHandler := httphandlers.NewSubmitHandler(submit.Default{}, jobRepo, wakeFn)
	healthHandler := httphandlers.NewHealthHandler()

	router := bdhttp.NewRouter(bdhttp.RouterConfig{
		Log:            log,
		Metrics:        metrics,
		AuthMiddleware: authMW,
		HealthHandler:  healthHandler,
		JobHandler:     jobHandler,
		StreamHandler:  streamHandler,
		SubmitHandler:  submitHandler,
	})

	inst := &Instance{
		Log:             log,
		DB:              theDB,
		Router:          router,
		jobs:            jobRepo,
		bus:             bus,
		pool:            pool,
		events:          eventPublisher,
		metrics:         metrics,
		workerID:        workerID,
		pollInterval:    envutil.DurationSeconds("JOB_POLL_INTERVAL_S", 2),
		heartbeatPeriod: envutil.DurationSeconds("HEARTBEAT_INTERVAL_S", 60),
		recoveryPeriod:  envutil.DurationSeconds("RECOVERY_SCAN_INTERVAL_S", 30),
		staleThreshold:  envutil.DurationSeconds("STALE_JOB_THRESHOLD_S", 300),
		wake:            wake,
	}

	return inst, nil
}

// Start launches the control loops and the OTel SDK; it never blocks.
func (a *Instance) Start() {
	if a == nil || a.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.otelShutdown = observability.InitOTel(ctx, a.Log, observability.OtelConfig{
		ServiceName: "bisect-dispatcher",
		Environment: utils.GetEnv("ENVIRONMENT", "development", a.Log),
	})

	if a.metrics != nil {
		a.metrics.StartServer(ctx, a.Log, utils.GetEnv("METRICS_ADDR", ":9090", a.Log))
		a.metrics.StartPostgresCollector(ctx, a.Log, a.DB)
		a.metrics.StartJobQueueCollector(ctx, a.Log, a.DB)
	}

	a.runLoops(ctx)
}

// Run binds the HTTP server; it blocks until the listener fails.
func (a *Instance) Run(addr string) error {
	if a == nil || a.Router == nil {
		return fmt.Errorf("instance not initialized")
	}
	return a.Router.Run(addr)
}

// Close stops the control loops, drains the worker pool's in-flight jobs
// back to PENDING, and flushes the logger.
func (a *Instance) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	a.pool.Shutdown(shutdownCtx)

	if a.events != nil {
		_ = a.events.Close()
	}
	if a.otelShutdown != nil {
		_ = a.otelShutdown(shutdownCtx)
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
