package handlers

import (
	"errors"
	"fmt"

	"net/http"

	"github.com/gin-gonic/gin"

	repojobs "github.com/yungbote/bisect-dispatcher/internal/data/repos/jobs"
	domain "github.com/yungbote/bisect-dispatcher/internal/domain/jobs"
	"github.com/yungbote/bisect-dispatcher/internal/http/middleware"
	"github.com/yungbote/bisect-dispatcher/internal/http/response"
	"github.com/yungbote/bisect-dispatcher/internal/platform/apierr"
)

// mapJobErr translates the Job Store's sentinel errors into the typed,
// status-carrying error every handler in this package responds with, so the
// status/code mapping lives in one place instead of a switch per handler.
func mapJobErr(err error) *apierr.Error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repojobs.ErrNotFound):
		return apierr.New(http.StatusNotFound, "not_found", err)
	case errors.Is(err, repojobs.ErrAlreadyTerminal):
		return apierr.New(http.StatusBadRequest, "already_terminal", err)
	case errors.Is(err, repojobs.ErrNotRetriable):
		return apierr.New(http.StatusBadRequest, "not_retriable", err)
	default:
		return apierr.New(http.StatusInternalServerError, "internal", err)
	}
}

// authorizeJob checks the authenticated caller's installation scope against
// the job's, writing a 403 and returning false on mismatch. It stands in for
// a real external authorizer: this module only has the bearer token's
// installation_ref claim to go on, not an actual entitlements check.
func authorizeJob(c *gin.Context, job *domain.Job) bool {
	if middleware.InstallationRef(c) != job.InstallationRef {
		response.RespondAPIErr(c, apierr.New(http.StatusForbidden, "not_authorized", fmt.Errorf("caller is not authorized for job %d", job.ID)))
		return false
	}
	return true
}
