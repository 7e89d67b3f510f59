package jobs

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	domain "github.com/yungbote/bisect-dispatcher/internal/domain/jobs"
	"github.com/yungbote/bisect-dispatcher/internal/platform/dbctx"
	"github.com/yungbote/bisect-dispatcher/internal/platform/logger"
)

/*
Repo is the durable job queue: a relational table with atomic
claim-with-lease, heartbeat, and recovery operations. Every operation takes
a dbctx.Context so callers can supply an ambient transaction or fall back
to the pooled handle.
*/
type Repo interface {
	Insert(dbc dbctx.Context, req InsertRequest) (*domain.Job, error)
	ClaimNext(dbc dbctx.Context, workerID string, limit int) ([]*domain.Job, error)
	Heartbeat(dbc dbctx.Context, id uint) error
	Complete(dbc dbctx.Context, id uint, outcome domain.Outcome) error
	ClaimStale(dbc dbctx.Context, workerID string, threshold time.Duration, limit int) ([]*domain.Job, error)
	Cancel(dbc dbctx.Context, id uint, actor string) (domain.Status, error)
	GetByID(dbc dbctx.Context, id uint) (*domain.Job, error)
	Retry(dbc dbctx.Context, id uint) (*domain.Job, error)
	Release(dbc dbctx.Context, id uint) error
}

// InsertRequest is the subset of Job fields a caller supplies at submission
// time; the store fills in id/status/attempt_count/created_at.
type InsertRequest struct {
	InstallationRef int64
	RepoOwner       string
	RepoName        string
	GoodSHA         string
	BadSHA          string
	TestCommand     string
	RunnerImageTag  string
	RequestedBy     string
}

type repo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRepo(db *gorm.DB, baseLog *logger.Logger) Repo {
	return &repo{db: db, log: baseLog.With("repo", "JobRepo")}
}

func (r *repo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

// Insert creates a PENDING job with attempt_count=0.
func (r *repo) Insert(dbc dbctx.Context, req InsertRequest) (*domain.Job, error) {
	job := &domain.Job{
		InstallationRef: req.InstallationRef,
		RepoOwner:       req.RepoOwner,
		RepoName:        req.RepoName,
		GoodSHA:         req.GoodSHA,
		BadSHA:          req.BadSHA,
		TestCommand:     req.TestCommand,
		RunnerImageTag:  req.RunnerImageTag,
		RequestedBy:     req.RequestedBy,
		Status:          domain.StatusPending,
		AttemptCount:    0,
	}
	if err := r.tx(dbc).WithContext(dbc.Ctx).Create(job).Error; err != nil {
		return nil, err
	}
	return job, nil
}

/*
ClaimNext atomically selects up to limit PENDING jobs in FIFO order by
(created_at, id), skipping rows locked by another transaction, marks them
RUNNING, and stamps worker_id/started_at/heartbeat_at. This skip-locked
claim protocol stays race-free across N worker instances sharing one
database.
*/
func (r *repo) ClaimNext(dbc dbctx.Context, workerID string, limit int) ([]*domain.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := time.Now()
	var claimed []*domain.Job
	err := r.tx(dbc).WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		var candidates []*domain.Job
		err := txx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ?", domain.StatusPending).
			Order("created_at ASC, id ASC").
			Limit(limit).
			Find(&candidates).Error
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			return nil
		}
		ids := make([]uint, len(candidates))
		for i, c := range candidates {
			ids[i] = c.ID
		}
		if err := txx.Model(&domain.Job{}).
			Where("id IN ?", ids).
			Updates(map[string]interface{}{
				"status":        domain.StatusRunning,
				"worker_id":     workerID,
				"started_at":    now,
				"heartbeat_at":  now,
				"attempt_count": gorm.Expr("attempt_count + 1"),
				"updated_at":    now,
			}).Error; err != nil {
			return err
		}
		for _, c := range candidates {
			c.Status = domain.StatusRunning
			c.WorkerID = workerID
			c.StartedAt = &now
			c.HeartbeatAt = &now
			c.AttemptCount++
		}
		claimed = candidates
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Heartbeat sets heartbeat_at=now iff status=RUNNING. Idempotent: calling
// it on a job that has already transitioned out of RUNNING is a no-op.
func (r *repo) Heartbeat(dbc dbctx.Context, id uint) error {
	now := time.Now()
	return r.tx(dbc).WithContext(dbc.Ctx).
		Model(&domain.Job{}).
		Where("id = ? AND status = ?", id, domain.StatusRunning).
		Updates(map[string]interface{}{
			"heartbeat_at": now,
			"updated_at":   now,
		}).Error
}

// Complete sets the final status, completed_at, and outcome fields, and
// clears the lease. Only meaningful when the job is still RUNNING; a job
// that was concurrently cancelled keeps its CANCELLED status.
func (r *repo) Complete(dbc dbctx.Context, id uint, outcome domain.Outcome) error {
	now := time.Now()
	return r.tx(dbc).WithContext(dbc.Ctx).
		Model(&domain.Job{}).
		Where("id = ? AND status = ?", id, domain.StatusRunning).
		Updates(map[string]interface{}{
			"status":          outcome.Status,
			"worker_id":       "",
			"heartbeat_at":    nil,
			"completed_at":    now,
			"culprit_sha":     outcome.CulpritSHA,
			"culprit_message": outcome.CulpritMessage,
			"error_message":   outcome.ErrorMessage,
			"output_log":      outcome.OutputLog,
			"updated_at":      now,
		}).Error
}

/*
ClaimStale atomically selects up to limit RUNNING jobs whose heartbeat is
older than threshold and whose attempt_count is still below
domain.MaxJobAttempts, using the same skip-locked discipline as ClaimNext,
resets them to PENDING with the lease cleared, and returns them so the
caller can immediately hand them back to the pickup path. Jobs that have
exhausted their attempts are instead marked FAILED, never re-queued.
*/
func (r *repo) ClaimStale(dbc dbctx.Context, workerID string, threshold time.Duration, limit int) ([]*domain.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := time.Now()
	cutoff := now.Add(-threshold)
	var reset []*domain.Job
	err := r.tx(dbc).WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		var candidates []*domain.Job
		err := txx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND heartbeat_at IS NOT NULL AND heartbeat_at < ?", domain.StatusRunning, cutoff).
			Order("created_at ASC, id ASC").
			Limit(limit).
			Find(&candidates).Error
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			return nil
		}

		var retryable, exhausted []uint
		for _, c := range candidates {
			if c.AttemptCount < domain.MaxJobAttempts {
				retryable = append(retryable, c.ID)
			} else {
				exhausted = append(exhausted, c.ID)
			}
		}

		if len(retryable) > 0 {
			if err := txx.Model(&domain.Job{}).
				Where("id IN ?", retryable).
				Updates(map[string]interface{}{
					"status":       domain.StatusPending,
					"worker_id":    "",
					"heartbeat_at": nil,
					"started_at":   nil,
					"updated_at":   now,
				}).Error; err != nil {
				return err
			}
		}
		if len(exhausted) > 0 {
			if err := txx.Model(&domain.Job{}).
				Where("id IN ?", exhausted).
				Updates(map[string]interface{}{
					"status":        domain.StatusFailed,
					"worker_id":     "",
					"heartbeat_at":  nil,
					"completed_at":  now,
					"error_message": "max attempts exhausted while stale",
					"updated_at":    now,
				}).Error; err != nil {
				return err
			}
		}

		for _, c := range candidates {
			if c.AttemptCount < domain.MaxJobAttempts {
				c.Status = domain.StatusPending
				c.WorkerID = ""
				c.HeartbeatAt = nil
				c.StartedAt = nil
				reset = append(reset, c)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reset, nil
}

/*
Cancel transitions a PENDING or RUNNING job to CANCELLED and records the
actor in error_message. Terminal jobs are immutable, so cancel fails for
them (the caller surfaces this as the "already terminal" HTTP error).
*/
func (r *repo) Cancel(dbc dbctx.Context, id uint, actor string) (domain.Status, error) {
	var job domain.Job
	if err := r.tx(dbc).WithContext(dbc.Ctx).First(&job, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	if job.Status.Terminal() {
		return job.Status, ErrAlreadyTerminal
	}
	now := time.Now()
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Model(&domain.Job{}).
		Where("id = ? AND status = ?", id, job.Status).
		Updates(map[string]interface{}{
			"status":        domain.StatusCancelled,
			"worker_id":     "",
			"heartbeat_at":  nil,
			"completed_at":  now,
			"error_message": "cancelled by " + actor,
			"updated_at":    now,
		}).Error
	if err != nil {
		return "", err
	}
	return job.Status, nil
}

/*
Retry clones a FAILED or CANCELLED job's request fields into a brand new
PENDING row with attempt_count=0. The original row is left untouched; its
lease and outcome are never carried forward.
*/
func (r *repo) Retry(dbc dbctx.Context, id uint) (*domain.Job, error) {
	original, err := r.GetByID(dbc, id)
	if err != nil {
		return nil, err
	}
	if !original.Status.Terminal() || original.Status == domain.StatusSuccess || original.Status == domain.StatusTimeout {
		return nil, ErrNotRetriable
	}
	return r.Insert(dbc, InsertRequest{
		InstallationRef: original.InstallationRef,
		RepoOwner:       original.RepoOwner,
		RepoName:        original.RepoName,
		GoodSHA:         original.GoodSHA,
		BadSHA:          original.BadSHA,
		TestCommand:     original.TestCommand,
		RunnerImageTag:  original.RunnerImageTag,
		RequestedBy:     original.RequestedBy,
	})
}

/*
Release hands a RUNNING job back to PENDING with the lease cleared, without
touching attempt_count (the claim that started this lease already counted
the attempt). Used by the worker pool's graceful shutdown path so another
instance can pick the job back up instead of waiting out the full stale
threshold. A job whose attempt_count has reached domain.MaxJobAttempts is
left RUNNING, so it is never re-queued; the recovery scan marks it FAILED
once its heartbeat goes stale.
*/
func (r *repo) Release(dbc dbctx.Context, id uint) error {
	now := time.Now()
	return r.tx(dbc).WithContext(dbc.Ctx).
		Model(&domain.Job{}).
		Where("id = ? AND status = ? AND attempt_count < ?", id, domain.StatusRunning, domain.MaxJobAttempts).
		Updates(map[string]interface{}{
			"status":       domain.StatusPending,
			"worker_id":    "",
			"heartbeat_at": nil,
			"started_at":   nil,
			"updated_at":   now,
		}).Error
}

func (r *repo) GetByID(dbc dbctx.Context, id uint) (*domain.Job, error) {
	var job domain.Job
	if err := r.tx(dbc).WithContext(dbc.Ctx).First(&job, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

var (
	ErrNotFound        = errors.New("job not found")
	ErrAlreadyTerminal = errors.New("job already in a terminal state")
	ErrNotRetriable    = errors.New("only failed or cancelled jobs are retriable")
)
