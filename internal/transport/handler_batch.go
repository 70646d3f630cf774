package transport

import (
	"fmt"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/pitabwire/labflow/internal/batch"
	"github.com/pitabwire/labflow/model"
)

// BatchAdvanceRequest selects a cohort and the stage to set it to. Exactly
// one of Action and Target names the stage. Versions, when given, pins the
// version the client saw for each id.
type BatchAdvanceRequest struct {
	Action   string         `json:"action"`
	Target   string         `json:"target"`
	IDs      []string       `json:"ids"`
	Versions map[string]int `json:"versions,omitempty"`
}

func (h *handlers) batchAdvance(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	var req BatchAdvanceRequest
	if err := json.Unmarshal(body, &req); err != nil {
		WriteError(w, r, model.NewBadRequestError("invalid JSON body"))
		return
	}

	target, err := resolveTarget(req)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	// Step 1: Load the cohort. Unknown and repeated ids fail the request.
	seen := make(map[string]bool, len(req.IDs))
	records := make([]model.TestRecord, 0, len(req.IDs))
	for _, id := range req.IDs {
		if seen[id] {
			WriteError(w, r, model.NewBadRequestError(fmt.Sprintf("record %q is selected twice", id)))
			return
		}
		seen[id] = true

		rec, err := h.store.Get(r.Context(), id)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		if v, ok := req.Versions[id]; ok {
			rec.Version = v
		}
		records = append(records, rec)
	}

	// Step 2: Advance in one store call.
	result, err := h.operator.Advance(r.Context(), records, target,
		r.Header.Get(HeaderIdempotencyKey), batch.PinVersions(req.Versions))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

func resolveTarget(req BatchAdvanceRequest) (model.Stage, error) {
	switch {
	case req.Action != "" && req.Target != "":
		return "", model.NewBadRequestError("give either action or target, not both")
	case req.Action != "":
		action, ok := batch.LookupAction(req.Action)
		if !ok {
			return "", model.NewBadRequestError(fmt.Sprintf("unknown batch action %q", req.Action))
		}
		return action.Target, nil
	case req.Target != "":
		return model.ParseStage(req.Target)
	default:
		return "", model.NewBadRequestError("action or target is required")
	}
}

func (h *handlers) actions(w http.ResponseWriter, _ *http.Request) {
	actions := batch.Actions()
	out := make([]model.ActionDescriptor, len(actions))
	for i, a := range actions {
		out[i] = model.ActionDescriptor{ID: a.ID, Label: a.Label, Target: a.Target}
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"actions": out,
		"policy":  h.operator.Policy(),
	})
}
