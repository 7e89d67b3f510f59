package jobs

import "time"

/*
Job is the central entity of the dispatcher: a single git-bisect request,
its lease while a worker owns it, and its terminal outcome.

Lease invariants (enforced by the job store, not by GORM):
  - status=RUNNING implies WorkerID != "" && HeartbeatAt != nil && StartedAt != nil
  - any other status implies WorkerID == "" && HeartbeatAt == nil
  - AttemptCount only increases; once it reaches MaxJobAttempts the job is
    never returned to PENDING again
*/
type Job struct {
	ID uint `gorm:"primaryKey" json:"id"`

	// Request
	InstallationRef int64  `gorm:"column:installation_ref;not null" json:"installation_ref"`
	RepoOwner       string `gorm:"column:repo_owner;size:256;not null" json:"repo_owner"`
	RepoName        string `gorm:"column:repo_name;size:256;not null" json:"repo_name"`
	GoodSHA         string `gorm:"column:good_sha;size:40;not null" json:"good_sha"`
	BadSHA          string `gorm:"column:bad_sha;size:40;not null" json:"bad_sha"`
	TestCommand     string `gorm:"column:test_command;type:text;not null" json:"test_command"`
	RunnerImageTag  string `gorm:"column:runner_image_tag;size:256" json:"runner_image_tag,omitempty"`
	RequestedBy     string `gorm:"column:requested_by;size:256" json:"requested_by,omitempty"`

	// State
	Status Status `gorm:"column:status;size:16;not null;index" json:"status"`

	// Lease
	WorkerID    string     `gorm:"column:worker_id;size:128" json:"worker_id,omitempty"`
	HeartbeatAt *time.Time `gorm:"column:heartbeat_at" json:"heartbeat_at,omitempty"`
	AttemptCount int       `gorm:"column:attempt_count;not null;default:0" json:"attempt_count"`

	// Timestamps
	CreatedAt   time.Time  `gorm:"column:created_at;index" json:"created_at"`
	StartedAt   *time.Time `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `gorm:"column:updated_at" json:"updated_at"`

	// Outcome
	CulpritSHA     string `gorm:"column:culprit_sha;size:40" json:"culprit_sha,omitempty"`
	CulpritMessage string `gorm:"column:culprit_message;type:text" json:"culprit_message,omitempty"`
	ErrorMessage   string `gorm:"column:error_message;type:text" json:"error_message,omitempty"`
	OutputLog      string `gorm:"column:output_log;type:text" json:"output_log,omitempty"`
}

func (Job) TableName() string { return "jobs" }

// Status is the Job state machine.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is one of the terminal states in the job
// state machine; terminal jobs are immutable except for advisory fields.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	default:
		return false
	}
}

// MaxJobAttempts is the ceiling on Job.AttemptCount; once reached, a
// stale/failed job is classified terminally instead of returned to PENDING.
const MaxJobAttempts = 3

// Outcome is what the bisect executor and worker pool hand back to the job
// store's complete() operation.
type Outcome struct {
	Status         Status
	CulpritSHA     string
	CulpritMessage string
	ErrorMessage   string
	OutputLog      string
}
