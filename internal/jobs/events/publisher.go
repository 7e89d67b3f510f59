// Package events is the non-authoritative job-lifecycle mirror: a
// best-effort fan-out of status transitions to an external subscriber (e.g.
// a dashboard or a notification worker), sitting entirely outside the
// correctness path. The job store and stream bus never read anything back
// from it.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	domain "github.com/yungbote/bisect-dispatcher/internal/domain/jobs"
	"github.com/yungbote/bisect-dispatcher/internal/platform/logger"
)

// Event is the payload mirrored to the external channel on every job state
// transition the worker pool observes.
type Event struct {
	JobID     uint          `json:"job_id"`
	Status    domain.Status `json:"status"`
	RepoOwner string        `json:"repo_owner"`
	RepoName  string        `json:"repo_name"`
	Timestamp time.Time     `json:"timestamp"`
}

// Publisher is the external collaborator contract; a deployment with no
// broker configured gets NoopPublisher instead, so the control loops never
// have to special-case a missing dependency.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

type noopPublisher struct{}

// NoopPublisher discards every event. Used when REDIS_ADDR is unset, since
// this mirror is advisory and its absence must never block job processing.
func NoopPublisher() Publisher { return noopPublisher{} }

func (noopPublisher) Publish(context.Context, Event) error { return nil }
func (noopPublisher) Close() error                         { return nil }

type redisPublisher struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
}

// NewRedisPublisher dials the broker named by REDIS_ADDR and publishes
// events as JSON on REDIS_CHANNEL (default "bisect-jobs"). Returns an error
// when REDIS_ADDR is unset or the initial ping fails. Once running, Publish
// logs a failure and returns it to the caller.
func NewRedisPublisher(baseLog *logger.Logger) (Publisher, error) {
	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	channel := strings.TrimSpace(os.Getenv("REDIS_CHANNEL"))
	if channel == "" {
		channel = "bisect-jobs"
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &redisPublisher{
		log:     baseLog.With("component", "EventPublisher"),
		rdb:     rdb,
		channel: channel,
	}, nil
}

func (p *redisPublisher) Publish(ctx context.Context, evt Event) error {
	raw, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if err := p.rdb.Publish(ctx, p.channel, raw).Err(); err != nil {
		p.log.Warn("failed to publish job event", "job_id", evt.JobID, "error", err)
		return err
	}
	return nil
}

func (p *redisPublisher) Close() error {
	return p.rdb.Close()
}
