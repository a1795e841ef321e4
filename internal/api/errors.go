package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mattjoyce/fleetwarden/internal/execution"
	"github.com/mattjoyce/fleetwarden/internal/pluginerr"
	"github.com/mattjoyce/fleetwarden/internal/queue"
)

// StatusForCode maps a taxonomy code onto an HTTP status.
func StatusForCode(code pluginerr.Code) int {
	switch code {
	case pluginerr.CodeNotFound, pluginerr.CodeInventoryNotFound, pluginerr.CodeTaskNotFound:
		return http.StatusNotFound
	case pluginerr.CodeTaskParameter, pluginerr.CodeQuery:
		return http.StatusBadRequest
	case pluginerr.CodeAuthentication:
		return http.StatusForbidden
	case pluginerr.CodeTimeout:
		return http.StatusGatewayTimeout
	case pluginerr.CodeConnection, pluginerr.CodeNodeUnreachable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// statusForServiceError maps execution service and queue errors.
func statusForServiceError(err error) int {
	switch {
	case errors.Is(err, execution.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, execution.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, execution.ErrNotCancelable):
		return http.StatusConflict
	case errors.Is(err, queue.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, queue.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}

// writeServiceError writes err from the execution service. Unexpected errors
// are logged and hidden behind a generic message.
func (s *Server) writeServiceError(w http.ResponseWriter, err error, executionID string) {
	status := statusForServiceError(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("execution service failed", "error", err, "execution_id", executionID)
		msg = "internal error"
	}
	respondJSON(w, status, ErrorResponse{Error: msg, ExecutionID: executionID})
}
