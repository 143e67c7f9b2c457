package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"ipresence/internal/apperr"
	"ipresence/internal/httpmiddleware"
)

type successBody struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Data      any    `json:"data"`
	Timestamp string `json:"timestamp"`
}

type errorBody struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	Code      int    `json:"code"`
	Timestamp string `json:"timestamp"`
}

func (h *Handler) stamp() string {
	return h.now().In(h.loc).Format(time.RFC3339)
}

func (h *Handler) ok(c *gin.Context, status int, data any) {
	c.JSON(status, successBody{Success: true, Message: "Success", Data: data, Timestamp: h.stamp()})
}

func (h *Handler) fail(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, errorBody{Success: false, Error: msg, Code: status, Timestamp: h.stamp()})
}

// failErr maps err's kind onto a status. Causes of 5xx responses only reach
// the log.
func (h *Handler) failErr(c *gin.Context, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).
			Str("request_id", httpmiddleware.GetRequestID(c)).
			Str("action", c.Query("action")).
			Msg("request failed")
	}
	h.fail(c, status, apperr.Message(err))
}

func statusOf(err error) int {
	switch apperr.KindOf(err) {
	case apperr.InvalidInput:
		return http.StatusBadRequest
	case apperr.NotFound, apperr.UpstreamUnavailable:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
