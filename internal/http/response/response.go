package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/bisect-dispatcher/internal/platform/apierr"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ErrorEnvelope struct {
	Error     APIError `json:"error"`
	TraceID   string   `json:"trace_id,omitempty"`
	RequestID string   `json:"request_id,omitempty"`
}

func RespondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	traceID := c.GetString("trace_id")
	requestID := c.GetString("request_id")
	c.JSON(status, ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    code,
		},
		TraceID:   traceID,
		RequestID: requestID,
	})
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

// RespondAPIErr unwraps a typed apierr.Error and responds with its status
// and code, falling back to a 500 if the handler didn't bother mapping a
// sentinel (a nil *apierr.Error is treated as an unexpected failure).
func RespondAPIErr(c *gin.Context, err *apierr.Error) {
	if err == nil {
		RespondError(c, http.StatusInternalServerError, "internal", nil)
		return
	}
	RespondError(c, err.Status, err.Code, err)
}
