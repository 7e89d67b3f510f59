package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/bisect-dispatcher/internal/data/repos"
	"github.com/yungbote/bisect-dispatcher/internal/http/middleware"
	"github.com/yungbote/bisect-dispatcher/internal/http/response"
	"github.com/yungbote/bisect-dispatcher/internal/platform/dbctx"
)

// JobHandler exposes the job detail, cancel, and retry endpoints. It never
// resolves clone URLs or touches the stream bus; that is the worker pool's
// and the stream handler's job respectively.
type JobHandler struct {
	jobs repos.JobRepo
	wake func()
}

func NewJobHandler(jobs repos.JobRepo, wake func()) *JobHandler {
	return &JobHandler{jobs: jobs, wake: wake}
}

func parseJobID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_id", err)
		return 0, false
	}
	return uint(id), true
}

func (h *JobHandler) GetJob(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}
	job, err := h.jobs.GetByID(dbctx.Context{Ctx: c.Request.Context()}, id)
	if err != nil {
		response.RespondAPIErr(c, mapJobErr(err))
		return
	}
	if !authorizeJob(c, job) {
		return
	}
	response.RespondOK(c, job)
}

func (h *JobHandler) CancelJob(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	job, err := h.jobs.GetByID(dbc, id)
	if err != nil {
		response.RespondAPIErr(c, mapJobErr(err))
		return
	}
	if !authorizeJob(c, job) {
		return
	}
	actor := middleware.Actor(c)
	prev, err := h.jobs.Cancel(dbc, id, actor)
	if err != nil {
		response.RespondAPIErr(c, mapJobErr(err))
		return
	}
	response.RespondOK(c, gin.H{
		"id":              id,
		"previous_status": prev,
		"status":          "cancelled",
	})
}

func (h *JobHandler) RetryJob(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}
	dbc := dbctx.Context{Ctx: c.Request.Context()}
	existing, err := h.jobs.GetByID(dbc, id)
	if err != nil {
		response.RespondAPIErr(c, mapJobErr(err))
		return
	}
	if !authorizeJob(c, existing) {
		return
	}
	job, err := h.jobs.Retry(dbc, id)
	if err != nil {
		response.RespondAPIErr(c, mapJobErr(err))
		return
	}
	if h.wake != nil {
		h.wake()
	}
	response.RespondOK(c, job)
}
