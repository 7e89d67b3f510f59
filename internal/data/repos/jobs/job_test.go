package jobs_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	domain "github.com/yungbote/bisect-dispatcher/internal/domain/jobs"
	repojobs "github.com/yungbote/bisect-dispatcher/internal/data/repos/jobs"
	"github.com/yungbote/bisect-dispatcher/internal/platform/dbctx"
)

// fakeRepo is an in-memory stand-in for repojobs.Repo used to exercise the
// claim/heartbeat/cancel state machine without a live PostgreSQL instance.
// The real Repo's SQL is PostgreSQL-specific (SKIP LOCKED), so its
// concurrency properties are validated against this fake, which enforces
// the same invariants with a mutex instead of row locks.
type fakeRepo struct {
	mu     sync.Mutex
	nextID uint
	jobs   map[uint]*domain.Job
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{jobs: map[uint]*domain.Job{}}
}

func (f *fakeRepo) Insert(_ dbctx.Context, req repojobs.InsertRequest) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	job := &domain.Job{
		ID:              f.nextID,
		InstallationRef: req.InstallationRef,
		RepoOwner:       req.RepoOwner,
		RepoName:        req.RepoName,
		GoodSHA:         req.GoodSHA,
		BadSHA:          req.BadSHA,
		TestCommand:     req.TestCommand,
		Status:          domain.StatusPending,
		CreatedAt:       time.Now(),
	}
	f.jobs[job.ID] = job
	return job, nil
}

func (f *fakeRepo) ClaimNext(_ dbctx.Context, workerID string, limit int) ([]*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var claimed []*domain.Job
	for _, j := range f.sortedByCreation() {
		if len(claimed) >= limit {
			break
		}
		if j.Status != domain.StatusPending {
			continue
		}
		now := time.Now()
		j.Status = domain.StatusRunning
		j.WorkerID = workerID
		j.StartedAt = &now
		j.HeartbeatAt = &now
		j.AttemptCount++
		claimed = append(claimed, j)
	}
	return claimed, nil
}

func (f *fakeRepo) Heartbeat(_ dbctx.Context, id uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.Status != domain.StatusRunning {
		return nil
	}
	now := time.Now()
	j.HeartbeatAt = &now
	return nil
}

func (f *fakeRepo) Complete(_ dbctx.Context, id uint, outcome domain.Outcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.Status != domain.StatusRunning {
		return nil
	}
	now := time.Now()
	j.Status = outcome.Status
	j.WorkerID = ""
	j.HeartbeatAt = nil
	j.CompletedAt = &now
	j.CulpritSHA = outcome.CulpritSHA
	j.CulpritMessage = outcome.CulpritMessage
	j.ErrorMessage = outcome.ErrorMessage
	j.OutputLog = outcome.OutputLog
	return nil
}

func (f *fakeRepo) ClaimStale(_ dbctx.Context, _ string, threshold time.Duration, limit int) ([]*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	var reset []*domain.Job
	for _, j := range f.sortedByCreation() {
		if len(reset) >= limit {
			break
		}
		if j.Status != domain.StatusRunning || j.HeartbeatAt == nil {
			continue
		}
		if now.Sub(*j.HeartbeatAt) < threshold {
			continue
		}
		if j.AttemptCount >= domain.MaxJobAttempts {
			j.Status = domain.StatusFailed
			j.WorkerID = ""
			j.HeartbeatAt = nil
			j.ErrorMessage = "max attempts exhausted while stale"
			continue
		}
		j.Status = domain.StatusPending
		j.WorkerID = ""
		j.HeartbeatAt = nil
		j.StartedAt = nil
		reset = append(reset, j)
	}
	return reset, nil
}

func (f *fakeRepo) Cancel(_ dbctx.Context, id uint, actor string) (domain.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return "", repojobs.ErrNotFound
	}
	if j.Status.Terminal() {
		return j.Status, repojobs.ErrAlreadyTerminal
	}
	prev := j.Status
	j.Status = domain.StatusCancelled
	j.WorkerID = ""
	j.HeartbeatAt = nil
	j.ErrorMessage = "cancelled by " + actor
	return prev, nil
}

func (f *fakeRepo) GetByID(_ dbctx.Context, id uint) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, repojobs.ErrNotFound
	}
	return j, nil
}

func (f *fakeRepo) Retry(dbc dbctx.Context, id uint) (*domain.Job, error) {
	f.mu.Lock()
	j, ok := f.jobs[id]
	f.mu.Unlock()
	if !ok {
		return nil, repojobs.ErrNotFound
	}
	if !j.Status.Terminal() || j.Status == domain.StatusSuccess || j.Status == domain.StatusTimeout {
		return nil, repojobs.ErrNotRetriable
	}
	return f.Insert(dbc, repojobs.InsertRequest{
		InstallationRef: j.InstallationRef,
		RepoOwner:       j.RepoOwner,
		RepoName:        j.RepoName,
		GoodSHA:         j.GoodSHA,
		BadSHA:          j.BadSHA,
		TestCommand:     j.TestCommand,
		RunnerImageTag:  j.RunnerImageTag,
		RequestedBy:     j.RequestedBy,
	})
}

func (f *fakeRepo) Release(_ dbctx.Context, id uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || j.Status != domain.StatusRunning || j.AttemptCount >= domain.MaxJobAttempts {
		return nil
	}
	j.Status = domain.StatusPending
	j.WorkerID = ""
	j.HeartbeatAt = nil
	j.StartedAt = nil
	return nil
}

func (f *fakeRepo) sortedByCreation() []*domain.Job {
	out := make([]*domain.Job, 0, len(f.jobs))
	for i := uint(1); i <= f.nextID; i++ {
		if j, ok := f.jobs[i]; ok {
			out = append(out, j)
		}
	}
	return out
}

var _ repojobs.Repo = (*fakeRepo)(nil)

func TestClaimNextIsFIFOAndExclusive(t *testing.T) {
	r := newFakeRepo()
	dbc := dbctx.Context{}
	for i := 0; i < 3; i++ {
		if _, err := r.Insert(dbc, repojobs.InsertRequest{RepoOwner: "o", RepoName: "r"}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	first, err := r.ClaimNext(dbc, "worker-1", 2)
	if err != nil || len(first) != 2 {
		t.Fatalf("expected 2 claimed, got %d err=%v", len(first), err)
	}
	for _, j := range first {
		if j.Status != domain.StatusRunning || j.WorkerID != "worker-1" {
			t.Fatalf("job %d not claimed correctly: %+v", j.ID, j)
		}
	}

	second, err := r.ClaimNext(dbc, "worker-2", 2)
	if err != nil || len(second) != 1 {
		t.Fatalf("expected 1 remaining job, got %d err=%v", len(second), err)
	}
	if second[0].ID == first[0].ID || second[0].ID == first[1].ID {
		t.Fatalf("worker-2 re-claimed an already-claimed job")
	}
}

func TestHeartbeatNoOpWhenNotRunning(t *testing.T) {
	r := newFakeRepo()
	dbc := dbctx.Context{}
	job, _ := r.Insert(dbc, repojobs.InsertRequest{RepoOwner: "o", RepoName: "r"})
	if err := r.Heartbeat(dbc, job.ID); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	got, _ := r.GetByID(dbc, job.ID)
	if got.HeartbeatAt != nil {
		t.Fatalf("heartbeat should be a no-op on a PENDING job")
	}
}

func TestClaimStaleResetsUnderMaxAttemptsAndFailsAtLimit(t *testing.T) {
	r := newFakeRepo()
	dbc := dbctx.Context{}
	job, _ := r.Insert(dbc, repojobs.InsertRequest{RepoOwner: "o", RepoName: "r"})
	claimed, _ := r.ClaimNext(dbc, "worker-1", 1)
	if len(claimed) != 1 {
		t.Fatalf("setup: expected claim")
	}
	stale := time.Now().Add(-10 * time.Minute)
	r.jobs[job.ID].HeartbeatAt = &stale
	r.jobs[job.ID].AttemptCount = domain.MaxJobAttempts - 1

	reset, err := r.ClaimStale(dbc, "recovery", 5*time.Minute, 10)
	if err != nil || len(reset) != 1 {
		t.Fatalf("expected one job reset to PENDING, got %d err=%v", len(reset), err)
	}
	if reset[0].Status != domain.StatusPending {
		t.Fatalf("expected PENDING, got %s", reset[0].Status)
	}

	// Simulate another stale cycle at the attempt ceiling: must fail, not requeue.
	claimed2, _ := r.ClaimNext(dbc, "worker-2", 1)
	r.jobs[claimed2[0].ID].HeartbeatAt = &stale
	r.jobs[claimed2[0].ID].AttemptCount = domain.MaxJobAttempts

	reset2, err := r.ClaimStale(dbc, "recovery", 5*time.Minute, 10)
	if err != nil {
		t.Fatalf("claim stale: %v", err)
	}
	if len(reset2) != 0 {
		t.Fatalf("job at MaxJobAttempts must not be requeued")
	}
	got, _ := r.GetByID(dbc, job.ID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("expected FAILED after exhausting attempts, got %s", got.Status)
	}
}

func TestCancelFailsOnTerminalJob(t *testing.T) {
	r := newFakeRepo()
	dbc := dbctx.Context{}
	job, _ := r.Insert(dbc, repojobs.InsertRequest{RepoOwner: "o", RepoName: "r"})
	r.jobs[job.ID].Status = domain.StatusSuccess

	if _, err := r.Cancel(dbc, job.ID, "alice"); err != repojobs.ErrAlreadyTerminal {
		t.Fatalf("expected ErrAlreadyTerminal, got %v", err)
	}
}

func TestCancelRecordsActor(t *testing.T) {
	r := newFakeRepo()
	dbc := dbctx.Context{}
	job, _ := r.Insert(dbc, repojobs.InsertRequest{RepoOwner: "o", RepoName: "r"})

	prev, err := r.Cancel(dbc, job.ID, "alice")
	if err != nil || prev != domain.StatusPending {
		t.Fatalf("expected previous status PENDING, got %s err=%v", prev, err)
	}
	got, _ := r.GetByID(dbc, job.ID)
	if got.Status != domain.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", got.Status)
	}
}

func TestRetryRejectsNonTerminalAndClonesFields(t *testing.T) {
	r := newFakeRepo()
	dbc := dbctx.Context{}
	job, _ := r.Insert(dbc, repojobs.InsertRequest{RepoOwner: "o", RepoName: "r", GoodSHA: "aaa", BadSHA: "bbb", TestCommand: "make test"})

	if _, err := r.Retry(dbc, job.ID); err != repojobs.ErrNotRetriable {
		t.Fatalf("expected ErrNotRetriable for a PENDING job, got %v", err)
	}

	r.jobs[job.ID].Status = domain.StatusFailed
	retried, err := r.Retry(dbc, job.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.ID == job.ID {
		t.Fatalf("retry must create a new job, not mutate the original")
	}
	if retried.Status != domain.StatusPending || retried.AttemptCount != 0 {
		t.Fatalf("retried job must start PENDING with attempt_count=0, got %+v", retried)
	}
	if retried.GoodSHA != "aaa" || retried.BadSHA != "bbb" || retried.TestCommand != "make test" {
		t.Fatalf("retry must clone request fields, got %+v", retried)
	}
}

// TestClaimNextPartitionsAcrossConcurrentWorkers seeds N pending jobs and
// has K workers call ClaimNext concurrently; the union of what they claim
// must be a disjoint partition of at most N jobs, regardless of goroutine
// scheduling.
func TestClaimNextPartitionsAcrossConcurrentWorkers(t *testing.T) {
	const numJobs = 50
	const numWorkers = 8
	const perWorkerLimit = 5

	r := newFakeRepo()
	dbc := dbctx.Context{}
	for i := 0; i < numJobs; i++ {
		if _, err := r.Insert(dbc, repojobs.InsertRequest{RepoOwner: "o", RepoName: "r"}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	var wg sync.WaitGroup
	results := make([][]*domain.Job, numWorkers)
	for w := 0; w < numWorkers; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			workerID := fmt.Sprintf("worker-%d", w)
			claimed, err := r.ClaimNext(dbc, workerID, perWorkerLimit)
			if err != nil {
				t.Errorf("worker %d: claim_next: %v", w, err)
				return
			}
			results[w] = claimed
		}()
	}
	wg.Wait()

	seen := map[uint]string{}
	total := 0
	for w, claimed := range results {
		workerID := fmt.Sprintf("worker-%d", w)
		for _, j := range claimed {
			if owner, ok := seen[j.ID]; ok {
				t.Fatalf("job %d claimed by both %s and %s", j.ID, owner, workerID)
			}
			seen[j.ID] = workerID
			if j.WorkerID != workerID {
				t.Fatalf("job %d has worker_id %q, expected %q", j.ID, j.WorkerID, workerID)
			}
			if j.Status != domain.StatusRunning {
				t.Fatalf("job %d not marked RUNNING: %+v", j.ID, j)
			}
			total++
		}
	}
	if total > numJobs {
		t.Fatalf("claimed %d jobs but only %d exist", total, numJobs)
	}
	if total != numWorkers*perWorkerLimit {
		t.Fatalf("expected exactly %d jobs claimed (workers*limit <= available), got %d", numWorkers*perWorkerLimit, total)
	}
}
