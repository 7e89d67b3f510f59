package repos

import (
	"github.com/yungbote/bisect-dispatcher/internal/data/repos/jobs"
	"github.com/yungbote/bisect-dispatcher/internal/platform/logger"
	"gorm.io/gorm"
)

// JobRepo re-exports the job store so callers depend on this package's
// stable surface rather than reaching into internal/data/repos/jobs
// directly, matching this codebase's existing repos-aggregator convention.
type JobRepo = jobs.Repo

func NewJobRepo(db *gorm.DB, log *logger.Logger) JobRepo {
	return jobs.NewRepo(db, log)
}
