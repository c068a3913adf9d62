package api

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/xraph/docflow"
)

// Problem is the JSON error body.
type Problem struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Limit      string `json:"limit,omitempty"`
	Requested  int64  `json:"requested,omitempty"`
	Allowed    int64  `json:"allowed,omitempty"`
	RetryAfter int    `json:"retry_after_seconds,omitempty"`
}

type errorResponse struct {
	Error Problem `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: Problem{Code: code, Message: msg}})
}

// writeError maps the error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	var (
		resErr  *docflow.ResourceLimitError
		rateErr *docflow.RateLimitError
	)

	switch {
	case errors.As(err, &resErr):
		status := http.StatusUnprocessableEntity
		if resErr.Limit == docflow.LimitFileSize {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, errorResponse{Error: Problem{
			Code:      "resource_limit",
			Message:   err.Error(),
			Limit:     resErr.Limit,
			Requested: resErr.Requested,
			Allowed:   resErr.Allowed,
		}})

	case errors.As(err, &rateErr):
		secs := int(math.Ceil(rateErr.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: Problem{
			Code:       "rate_limited",
			Message:    err.Error(),
			RetryAfter: secs,
		}})

	case errors.Is(err, docflow.ErrInvalidInput):
		writeProblem(w, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, docflow.ErrJobNotFound):
		writeProblem(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, docflow.ErrNotOwner):
		writeProblem(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, docflow.ErrNotCancelable):
		writeProblem(w, http.StatusConflict, "not_cancelable", err.Error())
	case errors.Is(err, docflow.ErrSystem):
		writeProblem(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	default:
		writeProblem(w, http.StatusInternalServerError, "internal", err.Error())
	}
}
