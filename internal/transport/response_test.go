package transport

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"

	"github.com/pitabwire/labflow/model"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusOK, map[string]string{"hello": "world"})

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if xct := w.Header().Get("X-Content-Type-Options"); xct != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", xct)
	}

	var body map[string]string
	_ = json.NewDecoder(w.Body).Decode(&body)
	if body["hello"] != "world" {
		t.Errorf("body = %v", body)
	}
}

func TestWriteError_envelope(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, httptest.NewRequest("GET", "/", nil), model.NewNotFoundError("record not found"))

	if w.Code != 404 {
		t.Errorf("status = %d, want 404", w.Code)
	}

	var resp struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	_ = json.NewDecoder(w.Body).Decode(&resp)
	if resp.Error.Code != "NOT_FOUND" {
		t.Errorf("code = %q, want NOT_FOUND", resp.Error.Code)
	}
}

func TestWriteError_wrappedEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	err := fmt.Errorf("update record: %w", model.NewConflictError("version changed"))
	WriteError(w, httptest.NewRequest("PUT", "/", nil), err)

	if w.Code != 409 {
		t.Errorf("status = %d, want 409", w.Code)
	}
}

func TestWriteError_non_envelope(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, httptest.NewRequest("GET", "/", nil), fmt.Errorf("connection reset"))

	if w.Code != 500 {
		t.Errorf("status = %d, want 500 for non-envelope error", w.Code)
	}
	var resp struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	_ = json.NewDecoder(w.Body).Decode(&resp)
	if resp.Error.Message == "connection reset" {
		t.Error("internal error message leaked to the client")
	}
}

func TestWriteError_statusMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{model.NewBadRequestError("x"), 400},
		{model.NewUnknownStageError("Shipped"), 400},
		{model.NewConflictError("x"), 409},
		{model.NewFormAlreadyOpenError(model.StageProcessed, "rec-1"), 409},
		{model.NewNoActiveFormError(), 409},
		{model.NewValidationError(nil), 422},
		{model.NewInvalidTransitionError("x"), 422},
		{model.NewStageMismatchError(model.StageProcessed, model.StageReviewed), 422},
		{model.NewRateLimitedError(), 429},
		{model.NewInternalError(), 500},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		WriteError(w, httptest.NewRequest("GET", "/", nil), tt.err)
		if w.Code != tt.want {
			t.Errorf("%v: status = %d, want %d", tt.err, w.Code, tt.want)
		}
	}
}

func TestWriteError_doesNotMutateEnvelope(t *testing.T) {
	env := model.NewNotFoundError("gone")
	WriteError(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil), env)
	if env.TraceID != "" {
		t.Errorf("TraceID = %q, want the shared envelope untouched", env.TraceID)
	}
}
