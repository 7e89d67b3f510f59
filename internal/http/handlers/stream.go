package handlers

import (
	"bufio"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/bisect-dispatcher/internal/data/repos"
	domain "github.com/yungbote/bisect-dispatcher/internal/domain/jobs"
	"github.com/yungbote/bisect-dispatcher/internal/http/response"
	"github.com/yungbote/bisect-dispatcher/internal/jobs/stream"
	"github.com/yungbote/bisect-dispatcher/internal/platform/dbctx"
	"github.com/yungbote/bisect-dispatcher/internal/platform/logger"
)

// StreamHandler is the SSE adapter: it translates a job's stream.Bus
// subscription, or a terminal job's persisted output_log, into a
// Server-Sent-Events byte stream for one HTTP client.
type StreamHandler struct {
	log  *logger.Logger
	jobs repos.JobRepo
	bus  *stream.Bus
}

func NewStreamHandler(baseLog *logger.Logger, jobs repos.JobRepo, bus *stream.Bus) *StreamHandler {
	return &StreamHandler{log: baseLog.With("component", "StreamHandler"), jobs: jobs, bus: bus}
}

func writeFrame(w *bufio.Writer, event, data string) error {
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err
		}
	}
	for _, line := range strings.Split(data, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
			return err
		}
	}
	_, err := w.WriteString("\n")
	return err
}

func writeComment(w *bufio.Writer, comment string) error {
	_, err := fmt.Fprintf(w, ": %s\n\n", comment)
	return err
}

func (h *StreamHandler) StreamJob(c *gin.Context) {
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

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		response.RespondError(c, http.StatusInternalServerError, "streaming_unsupported", fmt.Errorf("response writer does not support flushing"))
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	w := bufio.NewWriter(c.Writer)
	if err := writeFrame(w, "status", string(job.Status)); err != nil {
		return
	}
	w.Flush()
	flusher.Flush()

	if job.Status.Terminal() {
		h.replayTerminal(c, w, flusher, job)
		return
	}

	h.tail(c, w, flusher, id)
}

// replayTerminal streams a completed job's persisted transcript line-by-line
// instead of subscribing to the bus, which has likely already been cleaned
// up for a job that finished a while ago.
func (h *StreamHandler) replayTerminal(c *gin.Context, w *bufio.Writer, flusher http.Flusher, job *domain.Job) {
	for _, line := range strings.Split(job.OutputLog, "\n") {
		if err := writeFrame(w, "log", line); err != nil {
			return
		}
	}
	writeFrame(w, "complete", string(job.Status))
	w.Flush()
	flusher.Flush()
}

// tail subscribes to the live bus and forwards messages until the job goes
// terminal and the buffer drains, or the client disconnects.
func (h *StreamHandler) tail(c *gin.Context, w *bufio.Writer, flusher http.Flusher, jobID uint) {
	cursor := h.bus.Subscribe(jobID, 0)
	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, ok := cursor.Next()
		if !ok {
			writeFrame(w, "complete", "stream closed")
			w.Flush()
			flusher.Flush()
			return
		}

		var err error
		if msg.Type == stream.MessageKeepalive {
			err = writeComment(w, "keepalive")
		} else {
			err = writeFrame(w, string(msg.Type), msg.Content)
		}
		if err != nil {
			return
		}
		w.Flush()
		flusher.Flush()
	}
}
