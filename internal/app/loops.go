package app

import (
	"context"
	"time"

	domain "github.com/yungbote/bisect-dispatcher/internal/domain/jobs"
	"github.com/yungbote/bisect-dispatcher/internal/platform/dbctx"
)

// runLoops starts the three cooperative background loops, each respecting
// ctx as the shared shutdown signal.
func (a *Instance) runLoops(ctx context.Context) {
	go a.heartbeatLoop(ctx)
	go a.pickupLoop(ctx)
	go a.recoveryLoop(ctx)
}

// heartbeatLoop touches every job this instance owns often enough that the
// recovery loop's stale threshold never fires on live work.
func (a *Instance) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.heartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.pool.Heartbeat(ctx, dbctx.Context{Ctx: ctx})
		}
	}
}

// pickupLoop claims up to the pool's free capacity every poll interval, or
// sooner if a wake signal arrives from the submission/retry endpoints.
func (a *Instance) pickupLoop(ctx context.Context) {
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()
	for {
		a.drainClaimable(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-a.wake:
		}
	}
}

// drainClaimable runs one claim burst sized to the pool's remaining
// capacity and hands every claimed job straight to the pool.
func (a *Instance) drainClaimable(ctx context.Context) {
	free := a.pool.Capacity()
	if free <= 0 {
		return
	}
	claimed, err := a.jobs.ClaimNext(dbctx.Context{Ctx: ctx}, a.workerID, free)
	if err != nil {
		a.Log.Error("claim_next failed", "error", err)
		return
	}
	if a.metrics != nil {
		for _, job := range claimed {
			a.metrics.ObserveClaim(time.Since(job.CreatedAt))
		}
	}
	a.submitAll(ctx, claimed)
}

// recoveryLoop periodically resets RUNNING jobs whose heartbeat has gone
// silent for longer than the stale threshold back to PENDING (or FAILED if
// they have exhausted their attempts), then hands the recovered ones back
// into the pickup path immediately rather than waiting for the next burst.
func (a *Instance) recoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(a.recoveryPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		free := a.pool.Capacity()
		if free <= 0 {
			continue
		}
		recovered, err := a.jobs.ClaimStale(dbctx.Context{Ctx: ctx}, a.workerID, a.staleThreshold, free)
		if err != nil {
			a.Log.Error("claim_stale failed", "error", err)
			continue
		}
		if len(recovered) > 0 {
			a.Log.Warn("recovered stale jobs", "count", len(recovered))
			a.Wake()
		}
	}
}

// submitAll hands a freshly claimed batch to the pool, logging but not
// retrying a Submit failure: the job stays RUNNING and the recovery loop
// will eventually reclaim it if this instance never picks it back up.
func (a *Instance) submitAll(ctx context.Context, jobs []*domain.Job) {
	for _, job := range jobs {
		if err := a.pool.Submit(ctx, job); err != nil {
			a.Log.Error("failed to submit claimed job to pool", "job_id", job.ID, "error", err)
		}
	}
}

// Wake delivers a coalesced, level-triggered nudge to the pickup loop; it
// never blocks, and multiple signals before the loop wakes collapse into one.
func (a *Instance) Wake() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}
