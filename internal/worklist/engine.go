package worklist

import (
	"context"
	"fmt"
	"sort"

	"github.com/pitabwire/labflow/internal/batch"
	"github.com/pitabwire/labflow/internal/workflow"
	"github.com/pitabwire/labflow/model"
)

// Engine owns one work list view: the record set loaded from the store, the
// filter and sort state and the selection. It is driven by one view's events
// and is not safe for concurrent use.
type Engine struct {
	store    workflow.TestRecordStore
	operator *batch.Operator

	records  []model.TestRecord
	query    Query
	selected map[string]struct{}
}

// NewEngine creates an empty Engine. Call Refresh to load records.
func NewEngine(store workflow.TestRecordStore, operator *batch.Operator) *Engine {
	return &Engine{
		store:    store,
		operator: operator,
		selected: make(map[string]struct{}),
	}
}

// Refresh replaces the record set with a fresh read from the store. On
// failure the previous set is kept.
func (e *Engine) Refresh(ctx context.Context) error {
	records, err := e.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list test records: %w", err)
	}
	e.records = records
	e.prune()
	return nil
}

// Records returns every loaded record in insertion order.
func (e *Engine) Records() []model.TestRecord {
	out := make([]model.TestRecord, len(e.records))
	copy(out, e.records)
	return out
}

// Visible returns the filtered, sorted view.
func (e *Engine) Visible() []model.TestRecord {
	return Apply(e.records, e.query)
}

// Query returns the current filter and sort state.
func (e *Engine) Query() Query { return e.query }

// SetStatusFilter filters by stage; "all" or "" clears the filter.
func (e *Engine) SetStatusFilter(status string) error {
	if isAll(status) {
		e.query.Status = All
	} else {
		st, err := model.ParseStage(status)
		if err != nil {
			return err
		}
		e.query.Status = string(st)
	}
	e.prune()
	return nil
}

// SetTestTypeFilter filters by exact test type; "all" or "" clears it.
func (e *Engine) SetTestTypeFilter(testType string) {
	if isAll(testType) {
		testType = All
	}
	e.query.TestType = testType
	e.prune()
}

// SetSearch sets the free-text search term.
func (e *Engine) SetSearch(term string) {
	e.query.Search = term
	e.prune()
}

// ClickSort cycles the sort on key: ascending, descending, then cleared.
func (e *Engine) ClickSort(key SortKey) error {
	if _, err := ParseSortKey(string(key)); err != nil {
		return err
	}
	e.query.SortKey, e.query.SortDir = NextSort(e.query.SortKey, e.query.SortDir, key)
	return nil
}

// Toggle flips the selection of a visible record and reports whether it is
// now selected. IDs outside the current view are ignored.
func (e *Engine) Toggle(id string) bool {
	if _, ok := e.selected[id]; ok {
		delete(e.selected, id)
		return false
	}
	if !e.isVisible(id) {
		return false
	}
	e.selected[id] = struct{}{}
	return true
}

// SelectAll selects every record in the current view, and only those.
func (e *Engine) SelectAll() {
	e.selected = make(map[string]struct{})
	for _, rec := range e.Visible() {
		e.selected[rec.ID] = struct{}{}
	}
}

// Clear empties the selection.
func (e *Engine) Clear() {
	e.selected = make(map[string]struct{})
}

// IsSelected reports whether id is selected.
func (e *Engine) IsSelected(id string) bool {
	_, ok := e.selected[id]
	return ok
}

// Selected returns the selected IDs in view order.
func (e *Engine) Selected() []string {
	recs := e.SelectedRecords()
	ids := make([]string, len(recs))
	for i, rec := range recs {
		ids[i] = rec.ID
	}
	return ids
}

// SelectedRecords returns the selected records in view order.
func (e *Engine) SelectedRecords() []model.TestRecord {
	var out []model.TestRecord
	for _, rec := range e.Visible() {
		if _, ok := e.selected[rec.ID]; ok {
			out = append(out, rec)
		}
	}
	return out
}

// BatchAdvance moves every selected record to target through the batch
// operator. On success the selection is cleared and the list refreshed; a
// refresh failure is returned alongside the successful result. On failure
// the selection and the loaded records are left as they were.
func (e *Engine) BatchAdvance(ctx context.Context, target model.Stage, idempotencyKey string) (workflow.BatchResult, error) {
	result, err := e.operator.Advance(ctx, e.SelectedRecords(), target, idempotencyKey)
	if err != nil {
		return workflow.BatchResult{}, err
	}
	e.Clear()
	if err := e.Refresh(ctx); err != nil {
		return result, err
	}
	return result, nil
}

// Counts returns how many loaded records sit in each stage, ignoring filters.
func (e *Engine) Counts() []model.StageCount {
	return CountByStage(e.records)
}

// TestTypes returns the distinct test types of the loaded records, sorted.
func (e *Engine) TestTypes() []string {
	seen := make(map[string]bool)
	var out []string
	for _, rec := range e.records {
		if rec.TestType != "" && !seen[rec.TestType] {
			seen[rec.TestType] = true
			out = append(out, rec.TestType)
		}
	}
	sort.Strings(out)
	return out
}

func (e *Engine) isVisible(id string) bool {
	for _, rec := range e.records {
		if rec.ID == id {
			return e.query.Matches(rec)
		}
	}
	return false
}

// prune drops selected IDs that are no longer visible, so a batch never
// acts on records hidden by the current filters.
func (e *Engine) prune() {
	for id := range e.selected {
		if !e.isVisible(id) {
			delete(e.selected, id)
		}
	}
}
