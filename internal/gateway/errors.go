package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"agoramesh/internal/auth"
	"agoramesh/internal/metrics"
	"agoramesh/internal/nodeproxy"
	"agoramesh/internal/task"
	"agoramesh/internal/worker"
	"agoramesh/pkg/logging"
)

// errorBody is the JSON error shape used on every non-2xx response.
type errorBody struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Error("HttpFront", err, "Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string, details map[string]interface{}) {
	writeJSON(w, status, errorBody{Code: code, Message: message, Details: details})
}

// errorCode returns the stable code string for a domain error, for
// surfaces that carry errors without an HTTP status (WebSocket frames).
func errorCode(err error) string {
	var (
		authErr    *auth.Error
		verr       *task.ValidationError
		qerr       *task.QuotaError
		notFound   *task.ErrTaskNotFound
		notOwner   *task.ErrNotOwner
		conflict   *task.ErrCancelTerminal
		duplicate  *task.ErrDuplicateTask
		npNotFound *nodeproxy.ErrNotFound
		upstream   *nodeproxy.ErrUpstream
	)
	switch {
	case errors.As(err, &authErr):
		return string(authErr.Code)
	case errors.As(err, &verr):
		return "ValidationError"
	case errors.As(err, &qerr):
		return "QuotaExceeded"
	case errors.As(err, &notFound), errors.As(err, &npNotFound):
		return "NotFound"
	case errors.As(err, &notOwner):
		return "Forbidden"
	case errors.As(err, &conflict), errors.As(err, &duplicate):
		return "Conflict"
	case errors.As(err, &upstream):
		return "UpstreamError"
	case errors.Is(err, worker.ErrQueueFull):
		return "QueueFull"
	case errors.Is(err, worker.ErrShuttingDown):
		return "ShutdownInProgress"
	default:
		return "InternalError"
	}
}

// writeDomainError maps typed domain errors onto HTTP status codes and
// the JSON error shape.
func writeDomainError(w http.ResponseWriter, err error) {
	var (
		authErr    *auth.Error
		verr       *task.ValidationError
		qerr       *task.QuotaError
		notFound   *task.ErrTaskNotFound
		notOwner   *task.ErrNotOwner
		conflict   *task.ErrCancelTerminal
		duplicate  *task.ErrDuplicateTask
		forbidden  *worker.ErrCommandForbidden
		badDID     *nodeproxy.ErrInvalidDID
		npNotFound *nodeproxy.ErrNotFound
		upstream   *nodeproxy.ErrUpstream
	)

	switch {
	case errors.As(err, &authErr):
		metrics.AuthFailures.WithLabelValues(string(authErr.Code)).Inc()
		writeError(w, http.StatusUnauthorized, string(authErr.Code), authErr.Message, nil)
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, "ValidationError", verr.Error(), nil)
	case errors.As(err, &qerr):
		metrics.QuotaDenials.Inc()
		writeError(w, http.StatusTooManyRequests, "QuotaExceeded",
			"daily task quota exhausted; authenticate with a DID or upgrade to a paid scheme for higher limits",
			map[string]interface{}{
				"dailyLimit": qerr.Denial.DailyLimit,
				"usedToday":  qerr.Denial.UsedToday,
				"resetAt":    qerr.Denial.ResetAt.UTC().Format(time.RFC3339),
				"tier":       qerr.Denial.Tier.String(),
			})
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, "NotFound", err.Error(), nil)
	case errors.As(err, &npNotFound):
		writeError(w, http.StatusNotFound, "NotFound", err.Error(), nil)
	case errors.As(err, &notOwner):
		writeError(w, http.StatusForbidden, "Forbidden", err.Error(), nil)
	case errors.As(err, &conflict):
		writeError(w, http.StatusConflict, "Conflict", err.Error(), nil)
	case errors.As(err, &duplicate):
		writeError(w, http.StatusConflict, "Conflict", err.Error(), nil)
	case errors.As(err, &forbidden):
		writeError(w, http.StatusBadRequest, "ValidationError", err.Error(), nil)
	case errors.As(err, &badDID):
		writeError(w, http.StatusBadRequest, "ValidationError", err.Error(), nil)
	case errors.As(err, &upstream):
		writeError(w, http.StatusBadGateway, "UpstreamError", "discovery node request failed",
			map[string]interface{}{"upstreamStatus": upstream.Status})
	case errors.Is(err, worker.ErrQueueFull):
		// Retry-After hints one worker slot's expected turnaround.
		w.Header().Set("Retry-After", strconv.Itoa(60))
		writeError(w, http.StatusServiceUnavailable, "QueueFull", "all worker slots busy, retry later", nil)
	case errors.Is(err, worker.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, "ShutdownInProgress", "server is shutting down", nil)
	default:
		logging.Error("HttpFront", err, "Unhandled error")
		writeError(w, http.StatusInternalServerError, "InternalError", "internal server error", nil)
	}
}
