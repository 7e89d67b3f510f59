package worker

import (
	"testing"
	"time"

	domain "github.com/yungbote/bisect-dispatcher/internal/domain/jobs"
	"github.com/yungbote/bisect-dispatcher/internal/jobs/bisect"
	"github.com/yungbote/bisect-dispatcher/internal/platform/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("failed to build test logger: %v", err)
	}
	return log
}

func TestOutcomeForSuccess(t *testing.T) {
	result := bisect.Result{Success: true, CulpritSHA: "abc123", CulpritMessage: "broke it", OutputLog: "log"}
	outcome := outcomeFor(result)
	if outcome.Status != domain.StatusSuccess || outcome.CulpritSHA != "abc123" {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
}

func TestOutcomeForTimeout(t *testing.T) {
	result := bisect.Result{Success: false, TimedOut: true, Error: "deadline exceeded"}
	outcome := outcomeFor(result)
	if outcome.Status != domain.StatusTimeout {
		t.Fatalf("expected timeout status, got %s", outcome.Status)
	}
}

func TestOutcomeForCancelled(t *testing.T) {
	result := bisect.Result{Success: false, Cancelled: true, Error: "context canceled"}
	outcome := outcomeFor(result)
	if outcome.Status != domain.StatusCancelled {
		t.Fatalf("expected cancelled status, got %s", outcome.Status)
	}
}

func TestOutcomeForPlainFailure(t *testing.T) {
	result := bisect.Result{Success: false, Error: "bisect did not find a culprit commit"}
	outcome := outcomeFor(result)
	if outcome.Status != domain.StatusFailed {
		t.Fatalf("expected failed status, got %s", outcome.Status)
	}
}

func TestDurationSecondsZeroMeansDisabled(t *testing.T) {
	if got := durationSeconds(0); got != 0 {
		t.Fatalf("expected 0, got %v", got)
	}
	if got := durationSeconds(-5); got != 0 {
		t.Fatalf("expected 0 for negative input, got %v", got)
	}
	if got := durationSeconds(30); got != 30*time.Second {
		t.Fatalf("expected 30s, got %v", got)
	}
}

func TestPoolCapacityTracksInFlightJobs(t *testing.T) {
	p := NewPool(testLogger(t), nil, nil, nil, "worker-1", 2, 0, time.Minute)
	if got := p.Capacity(); got != 2 {
		t.Fatalf("expected full capacity before any claim, got %d", got)
	}
	p.running[1] = func() {}
	if got := p.Capacity(); got != 1 {
		t.Fatalf("expected capacity to drop to 1 with one job running, got %d", got)
	}
}
