package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/joseph-ayodele/docparse/internal/common"
	"github.com/joseph-ayodele/docparse/internal/jobs"
	"github.com/joseph-ayodele/docparse/internal/queue"
)

type errorResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RequestID  string `json:"requestId,omitempty"`
	StatusCode int    `json:"statusCode"`
}

// HTTPStatus maps an error to the response status.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, common.ErrInvalidInput), errors.Is(err, common.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, common.ErrAuth), errors.Is(err, common.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, common.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobs.ErrNotReady), errors.Is(err, jobs.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, common.ErrStorage), errors.Is(err, common.ErrFetch):
		return http.StatusBadGateway
	case errors.Is(err, common.ErrDispatch), errors.Is(err, queue.ErrQueueUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) abort(c *gin.Context, err error) {
	status := HTTPStatus(err)
	resp := errorResponse{
		Error:      common.ErrorCode(err),
		Message:    "An unexpected error occurred",
		RequestID:  common.RequestIDFromContext(c.Request.Context()),
		StatusCode: status,
	}
	var appErr *common.AppError
	if errors.As(err, &appErr) {
		resp.Message = appErr.Message
	}
	if status >= 500 {
		s.logger.Error("http.request.failed", "path", c.FullPath(), "request_id", resp.RequestID, "error", err)
	}
	c.AbortWithStatusJSON(status, resp)
}

func badRequest(message string) error {
	return common.NewValidationError(message)
}
