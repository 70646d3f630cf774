package transport

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/labflow/internal/forms"
	"github.com/pitabwire/labflow/internal/observability"
	"github.com/pitabwire/labflow/internal/worklist"
	"github.com/pitabwire/labflow/model"
)

const maxBodyBytes = 1 << 20

// ListResponse is the work list view: the filtered, sorted records plus the
// per-stage counts of the whole set.
type ListResponse struct {
	Records []model.TestRecord `json:"records"`
	Total   int                `json:"total"`
	Counts  []model.StageCount `json:"counts"`
	Query   worklist.Query     `json:"query"`
}

func (h *handlers) listTests(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	records, err := h.store.List(r.Context())
	if err != nil {
		WriteError(w, r, fmt.Errorf("list test records: %w", err))
		return
	}

	counts := worklist.CountByStage(records)
	if h.metrics != nil {
		for _, c := range counts {
			h.metrics.SetRecordsByStage(string(c.Stage), float64(c.Count))
		}
	}

	visible := worklist.Apply(records, q)
	if visible == nil {
		visible = []model.TestRecord{}
	}
	WriteJSON(w, http.StatusOK, ListResponse{
		Records: visible,
		Total:   len(records),
		Counts:  counts,
		Query:   q,
	})
}

// parseQuery reads status, test_type, q, sort and dir. A sort key without a
// direction sorts ascending.
func parseQuery(r *http.Request) (worklist.Query, error) {
	v := r.URL.Query()
	q := worklist.Query{
		TestType: v.Get("test_type"),
		Search:   v.Get("q"),
	}

	if status := v.Get("status"); status != "" && !strings.EqualFold(status, worklist.All) {
		st, err := model.ParseStage(status)
		if err != nil {
			return worklist.Query{}, err
		}
		q.Status = string(st)
	}

	key, err := worklist.ParseSortKey(v.Get("sort"))
	if err != nil {
		return worklist.Query{}, err
	}
	dir, err := worklist.ParseSortDirection(v.Get("dir"))
	if err != nil {
		return worklist.Query{}, err
	}
	if key != worklist.SortNone && dir == worklist.SortUnsorted {
		dir = worklist.SortAsc
	}
	if key == worklist.SortNone {
		dir = worklist.SortUnsorted
	}
	q.SortKey, q.SortDir = key, dir
	return q, nil
}

func (h *handlers) createTest(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	p, err := forms.Decode(model.FirstStage(), body)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	d := h.dispatcher()
	if _, err := d.Open(nil, model.FirstStage()); err != nil {
		WriteError(w, r, err)
		return
	}
	rec, err := d.Submit(r.Context(), p)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	w.Header().Set("Location", "/lab/tests/"+rec.ID)
	WriteJSON(w, http.StatusCreated, rec)
}

func (h *handlers) getTest(w http.ResponseWriter, r *http.Request) {
	rec, err := h.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, rec)
}

func (h *handlers) editTest(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	var rec model.TestRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		WriteError(w, r, model.NewBadRequestError("invalid JSON body"))
		return
	}
	rec.ID = chi.URLParam(r, "id")

	saved, err := h.dispatcher().Edit(r.Context(), rec)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, saved)
}

func (h *handlers) history(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.store.Get(r.Context(), id); err != nil {
		WriteError(w, r, err)
		return
	}
	events, err := h.store.GetEvents(r.Context(), id)
	if err != nil {
		WriteError(w, r, fmt.Errorf("get stage history: %w", err))
		return
	}
	if events == nil {
		events = []model.StageEvent{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (h *handlers) getForm(w http.ResponseWriter, r *http.Request) {
	stage, err := model.ParseStage(chi.URLParam(r, "stage"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	rec, err := h.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, r, err)
		return
	}

	d := h.dispatcher()
	form, err := d.Open(&rec, stage)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	defer d.Close()

	var opts forms.Options
	if h.catalog != nil {
		opts = h.catalog
	}
	WriteJSON(w, http.StatusOK, form.Descriptor(opts))
}

// submitStage submits one stage form for a record. An If-Match header
// carrying the record version the client last saw turns a stale submit into
// a CONFLICT instead of overwriting newer data.
func (h *handlers) submitStage(w http.ResponseWriter, r *http.Request) {
	stage, err := model.ParseStage(chi.URLParam(r, "stage"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	p, err := forms.Decode(stage, body)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	rec, err := h.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if err := checkIfMatch(r, rec); err != nil {
		WriteError(w, r, err)
		return
	}

	d := h.dispatcher()
	if _, err := d.Open(&rec, stage); err != nil {
		WriteError(w, r, err)
		return
	}
	saved, err := d.Submit(r.Context(), p)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, saved)
}

func checkIfMatch(r *http.Request, rec model.TestRecord) error {
	raw := strings.Trim(r.Header.Get("If-Match"), `" `)
	if raw == "" {
		return nil
	}
	version, err := strconv.Atoi(raw)
	if err != nil {
		return model.NewBadRequestError(fmt.Sprintf("If-Match %q is not a record version", raw))
	}
	if version != rec.Version {
		return model.NewConflictError(
			fmt.Sprintf("record %q is at version %d, not %d", rec.ID, rec.Version, version),
		)
	}
	return nil
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, model.NewBadRequestError("request body could not be read")
	}
	logBody(r, body)
	return body, nil
}

// logBody writes the request body at debug level with patient identifiers
// redacted.
func logBody(r *http.Request, body []byte) {
	logger := observability.RequestLogger(r.Context(), zap.NewNop())
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		return
	}
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return
	}
	logger.Debug("request body",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Any("body", observability.RedactBody(fields, nil)),
	)
}
