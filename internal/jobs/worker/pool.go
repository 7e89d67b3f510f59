/*
Package worker is the execution engine for claimed bisect jobs.

High-level responsibilities:
  - Accept claimed jobs from the pickup loop, bounded to MAX_CONCURRENT_JOBS
    in flight at once (internal/platform/envutil.Int reads the knob).
  - Resolve a clone URL, run the bisect executor, and persist the outcome.
  - Mirror lifecycle into the stream bus so subscribers see live progress.
  - On shutdown, stop accepting work and release any still-RUNNING jobs it
    owns back to PENDING so another instance can pick them up.

The pool is infrastructure; it knows nothing about git plumbing (that is
internal/jobs/bisect) or credential exchange (internal/jobs/cloneurl). It
only sequences them and keeps the job row and the stream bus consistent.
*/
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/yungbote/bisect-dispatcher/internal/data/repos"
	domain "github.com/yungbote/bisect-dispatcher/internal/domain/jobs"
	"github.com/yungbote/bisect-dispatcher/internal/jobs/bisect"
	"github.com/yungbote/bisect-dispatcher/internal/jobs/cloneurl"
	"github.com/yungbote/bisect-dispatcher/internal/jobs/events"
	"github.com/yungbote/bisect-dispatcher/internal/jobs/stream"
	"github.com/yungbote/bisect-dispatcher/internal/observability"
	"github.com/yungbote/bisect-dispatcher/internal/platform/dbctx"
	"github.com/yungbote/bisect-dispatcher/internal/platform/logger"
)

// Pool bounds how many bisect runs execute concurrently within one
// instance and owns their lifecycle from claim to terminal outcome.
type Pool struct {
	log           *logger.Logger
	repo          repos.JobRepo
	bus           *stream.Bus
	clones        cloneurl.Provider
	sem           *semaphore.Weighted
	maxConcurrent int64
	workerID      string
	timeout       int           // BISECT_TIMEOUT_S, 0 = disabled
	cleanupGrace  time.Duration // delay before a terminal job's stream buffer is dropped
	metrics       *observability.Metrics
	events        events.Publisher

	mu      sync.Mutex
	running map[uint]context.CancelFunc
	wg      sync.WaitGroup

	shuttingDown bool
}

func NewPool(baseLog *logger.Logger, repo repos.JobRepo, bus *stream.Bus, clones cloneurl.Provider, workerID string, maxConcurrent int, bisectTimeoutSeconds int, cleanupGrace time.Duration) *Pool {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Pool{
		log:           baseLog.With("component", "WorkerPool"),
		repo:          repo,
		bus:           bus,
		clones:        clones,
		sem:           semaphore.NewWeighted(int64(maxConcurrent)),
		maxConcurrent: int64(maxConcurrent),
		workerID:      workerID,
		timeout:       bisectTimeoutSeconds,
		cleanupGrace:  cleanupGrace,
		events:        events.NoopPublisher(),
		running:       map[uint]context.CancelFunc{},
	}
}

// SetMetrics wires in an optional metrics sink; nil (the zero value) is
// valid and every instrumentation call below guards against it.
func (p *Pool) SetMetrics(m *observability.Metrics) {
	p.metrics = m
}

// SetEvents wires in the advisory event publisher; defaults to a no-op so
// callers that never configure a broker don't need a nil check.
func (p *Pool) SetEvents(pub events.Publisher) {
	if pub == nil {
		pub = events.NoopPublisher()
	}
	p.events = pub
}

// Capacity reports how many additional jobs the pool can accept right now,
// for the pickup loop to size its next claim burst. semaphore.Weighted does
// not expose its remaining weight, so this tracks in-flight count directly
// against the configured max instead of querying sem.
func (p *Pool) Capacity() int {
	p.mu.Lock()
	inFlight := len(p.running)
	p.mu.Unlock()
	free := int(p.maxConcurrent) - inFlight
	if free < 0 {
		free = 0
	}
	return free
}

// Submit hands a freshly claimed job to the pool. It blocks until a
// concurrency slot is free or ctx is cancelled, then runs the job in its
// own goroutine and returns immediately.
func (p *Pool) Submit(ctx context.Context, job *domain.Job) error {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return errors.New("worker pool is shutting down")
	}
	p.mu.Unlock()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.running[job.ID] = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		defer func() {
			p.mu.Lock()
			delete(p.running, job.ID)
			p.mu.Unlock()
		}()
		defer func() {
			if r := recover(); r != nil {
				p.log.Error("panic while executing job", "job_id", job.ID, "panic", r)
				p.metrics.IncWorkerError()
				outcome := domain.Outcome{Status: domain.StatusFailed, ErrorMessage: fmt.Sprintf("panic: %v", r)}
				if err := p.repo.Complete(dbctx.Context{Ctx: context.Background()}, job.ID, outcome); err != nil {
					p.log.Error("failed to persist panic outcome", "job_id", job.ID, "error", err)
				}
				p.bus.Publish(job.ID, stream.MessageStatus, string(domain.StatusFailed))
				p.bus.MarkComplete(job.ID)
				p.scheduleCleanup(job.ID)
			}
		}()
		p.execute(jobCtx, job)
	}()
	return nil
}

// Heartbeat touches the heartbeat of every job this pool currently owns.
// Called by the instance's heartbeat loop on a short-lived session.
func (p *Pool) Heartbeat(ctx context.Context, db dbctx.Context) {
	p.mu.Lock()
	ids := make([]uint, 0, len(p.running))
	for id := range p.running {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		if err := p.repo.Heartbeat(db, id); err != nil {
			p.log.Warn("heartbeat failed", "job_id", id, "error", err)
		}
	}
}

// Shutdown refuses new work, cancels every in-flight execution, waits for
// their goroutines to unwind, and releases any job this pool still owns
// back to PENDING so another instance can recover it. A job already at
// domain.MaxJobAttempts is not released; it stays RUNNING until the
// recovery scan finds it stale and marks it FAILED.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	p.shuttingDown = true
	handles := make([]context.CancelFunc, 0, len(p.running))
	ids := make([]uint, 0, len(p.running))
	for id, cancel := range p.running {
		handles = append(handles, cancel)
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, cancel := range handles {
		cancel()
	}
	p.wg.Wait()

	for _, id := range ids {
		if err := p.repo.Release(dbctx.Context{Ctx: ctx}, id); err != nil {
			p.log.Error("failed to release owned job on shutdown", "job_id", id, "error", err)
		}
	}
}

func (p *Pool) execute(ctx context.Context, job *domain.Job) {
	log := p.log.With("job_id", job.ID, "repo", job.RepoOwner+"/"+job.RepoName)

	cloneURL, err := p.clones.CloneURLFor(ctx, job.RepoOwner, job.RepoName, job.InstallationRef)
	if err != nil {
		p.failClone(ctx, job, err)
		return
	}

	p.bus.Publish(job.ID, stream.MessageStatus, string(domain.StatusRunning))
	p.publishEvent(job, domain.StatusRunning)

	onLine := func(line string) {
		p.bus.Publish(job.ID, stream.MessageLog, line)
	}

	started := time.Now()
	result := bisect.Run(ctx, bisect.Request{
		CloneURL:    cloneURL,
		GoodSHA:     job.GoodSHA,
		BadSHA:      job.BadSHA,
		TestCommand: job.TestCommand,
		Timeout:     durationSeconds(p.timeout),
	}, onLine)

	// A run interrupted by Shutdown stays RUNNING so that Shutdown's Release
	// can hand it back to PENDING; completing it as CANCELLED here would
	// turn that Release into a no-op.
	p.mu.Lock()
	releasing := p.shuttingDown && result.Cancelled
	p.mu.Unlock()
	if releasing {
		return
	}

	outcome := outcomeFor(result)
	if p.metrics != nil {
		p.metrics.ObserveBisect(outcome.Status, time.Since(started))
		if outcome.Status != domain.StatusSuccess {
			p.metrics.IncWorkerError()
		}
	}

	if err := p.repo.Complete(dbctx.Context{Ctx: context.Background()}, job.ID, outcome); err != nil {
		log.Error("failed to persist job outcome", "error", err)
	}
	p.bus.Publish(job.ID, stream.MessageStatus, string(outcome.Status))
	p.bus.MarkComplete(job.ID)
	p.publishEvent(job, outcome.Status)
	p.scheduleCleanup(job.ID)
}

// publishEvent mirrors a status transition to the advisory event publisher
// on its own goroutine: a slow or unreachable broker must never stall a
// bisect run or delay the next claim.
func (p *Pool) publishEvent(job *domain.Job, status domain.Status) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.events.Publish(ctx, events.Event{
			JobID:     job.ID,
			Status:    status,
			RepoOwner: job.RepoOwner,
			RepoName:  job.RepoName,
			Timestamp: time.Now(),
		})
	}()
}

// scheduleCleanup drops the job's stream buffer once every subscriber has
// had a chance to observe the terminal status.
func (p *Pool) scheduleCleanup(jobID uint) {
	time.AfterFunc(p.cleanupGrace, func() {
		p.bus.Cleanup(jobID)
	})
}

// failClone handles a clone-url resolution failure: TRANSIENT is retried by
// returning the job to PENDING (releasing the lease without marking it
// terminal); everything else is terminal FAILED.
func (p *Pool) failClone(ctx context.Context, job *domain.Job, resolveErr error) {
	if errors.Is(resolveErr, cloneurl.ErrTransient) && job.AttemptCount < domain.MaxJobAttempts {
		if err := p.repo.Release(dbctx.Context{Ctx: ctx}, job.ID); err != nil {
			p.log.Error("failed to release job after transient clone-url error", "job_id", job.ID, "error", err)
		}
		return
	}
	outcome := domain.Outcome{
		Status:       domain.StatusFailed,
		ErrorMessage: fmt.Sprintf("clone: %v", resolveErr),
	}
	if err := p.repo.Complete(dbctx.Context{Ctx: ctx}, job.ID, outcome); err != nil {
		p.log.Error("failed to persist clone failure outcome", "job_id", job.ID, "error", err)
	}
	p.bus.Publish(job.ID, stream.MessageStatus, string(domain.StatusFailed))
	p.bus.MarkComplete(job.ID)
	p.publishEvent(job, domain.StatusFailed)
	p.scheduleCleanup(job.ID)
}

func durationSeconds(seconds int) time.Duration {
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func outcomeFor(result bisect.Result) domain.Outcome {
	if result.Success {
		return domain.Outcome{
			Status:         domain.StatusSuccess,
			CulpritSHA:     result.CulpritSHA,
			CulpritMessage: result.CulpritMessage,
			OutputLog:      result.OutputLog,
		}
	}
	status := domain.StatusFailed
	switch {
	case result.TimedOut:
		status = domain.StatusTimeout
	case result.Cancelled:
		status = domain.StatusCancelled
	}
	return domain.Outcome{
		Status:       status,
		ErrorMessage: result.Error,
		OutputLog:    result.OutputLog,
	}
}
