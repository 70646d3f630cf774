// Package transport contains the HTTP router, middleware chain, and all
// request handlers for the lab workflow API.
package transport

import (
	"errors"
	"net/http"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/pitabwire/labflow/internal/observability"
	"github.com/pitabwire/labflow/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:        http.StatusBadRequest,
	model.ErrNotFound:          http.StatusNotFound,
	model.ErrConflict:          http.StatusConflict,
	model.ErrValidationError:   http.StatusUnprocessableEntity,
	model.ErrInvalidTransition: http.StatusUnprocessableEntity,
	model.ErrRateLimited:       http.StatusTooManyRequests,
	model.ErrInternalError:     http.StatusInternalServerError,
	model.ErrFormAlreadyOpen:   http.StatusConflict,
	model.ErrNoActiveForm:      http.StatusConflict,
	model.ErrStageMismatch:     http.StatusUnprocessableEntity,
	model.ErrUnknownStage:      http.StatusBadRequest,
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes err as a JSON error envelope with the matching HTTP
// status code. Errors that do not wrap an *ErrorEnvelope are logged and
// answered with a generic 500.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var env *model.ErrorEnvelope
	if !errors.As(err, &env) {
		observability.RequestLogger(r.Context(), zap.NewNop()).Error("unhandled error", zap.Error(err))
		env = model.NewInternalError()
	}

	status := statusForCode[env.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}

	out := *env
	if out.TraceID == "" {
		out.TraceID = observability.TraceIDFromContext(r.Context())
	}

	type errorResponse struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	WriteJSON(w, status, errorResponse{Error: &out})
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, r *http.Request, msg string) {
	WriteError(w, r, model.NewNotFoundError(msg))
}
