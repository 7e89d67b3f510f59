package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/bisect-dispatcher/internal/data/repos"
	repojobs "github.com/yungbote/bisect-dispatcher/internal/data/repos/jobs"
	"github.com/yungbote/bisect-dispatcher/internal/http/middleware"
	"github.com/yungbote/bisect-dispatcher/internal/http/response"
	"github.com/yungbote/bisect-dispatcher/internal/platform/apierr"
	"github.com/yungbote/bisect-dispatcher/internal/platform/dbctx"
	"github.com/yungbote/bisect-dispatcher/internal/submit"
)

/*
SubmitHandler is the submission endpoint: validate, insert a PENDING row,
and nudge the pickup loop so it doesn't have to wait out its poll interval.
It never clones the repository or runs bisect itself — that is the worker
pool's job once the row is claimed.
*/
type SubmitHandler struct {
	validator submit.Validator
	jobs      repos.JobRepo
	wake      func()
}

func NewSubmitHandler(validator submit.Validator, jobs repos.JobRepo, wake func()) *SubmitHandler {
	return &SubmitHandler{validator: validator, jobs: jobs, wake: wake}
}

type submitBody struct {
	Owner           string `json:"owner"`
	Repo            string `json:"repo"`
	GoodSHA         string `json:"good_sha"`
	BadSHA          string `json:"bad_sha"`
	TestCommand     string `json:"test_command"`
	InstallationRef int64  `json:"installation_ref"`
	RunnerImageTag  string `json:"runner_image_tag"`
}

func (h *SubmitHandler) SubmitJob(c *gin.Context) {
	var body submitBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.RespondAPIErr(c, apierr.New(http.StatusBadRequest, "malformed_body", err))
		return
	}

	req := submit.Request{
		Owner:           body.Owner,
		Repo:            body.Repo,
		GoodSHA:         body.GoodSHA,
		BadSHA:          body.BadSHA,
		TestCommand:     body.TestCommand,
		InstallationRef: body.InstallationRef,
		RunnerImageTag:  body.RunnerImageTag,
	}
	if req.InstallationRef == 0 {
		req.InstallationRef = middleware.InstallationRef(c)
	}
	if err := h.validator.Validate(req); err != nil {
		response.RespondAPIErr(c, apierr.New(http.StatusBadRequest, "invalid_request", err))
		return
	}

	job, err := h.jobs.Insert(dbctx.Context{Ctx: c.Request.Context()}, repojobs.InsertRequest{
		InstallationRef: req.InstallationRef,
		RepoOwner:       req.Owner,
		RepoName:        req.Repo,
		GoodSHA:         req.GoodSHA,
		BadSHA:          req.BadSHA,
		TestCommand:     req.TestCommand,
		RunnerImageTag:  req.RunnerImageTag,
		RequestedBy:     middleware.Actor(c),
	})
	if err != nil {
		response.RespondAPIErr(c, apierr.New(http.StatusInternalServerError, "internal", err))
		return
	}

	if h.wake != nil {
		h.wake()
	}
	response.RespondOK(c, job)
}
