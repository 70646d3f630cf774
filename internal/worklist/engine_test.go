package worklist

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/labflow/internal/batch"
	"github.com/pitabwire/labflow/internal/workflow"
	"github.com/pitabwire/labflow/model"
)

type flakyStore struct {
	*workflow.MemoryStore
	failBatch error
	failList  error
}

func (s *flakyStore) BatchUpdate(ctx context.Context, recs []model.TestRecord, action string) (workflow.BatchResult, error) {
	if s.failBatch != nil {
		return workflow.BatchResult{}, s.failBatch
	}
	return s.MemoryStore.BatchUpdate(ctx, recs, action)
}

func (s *flakyStore) List(ctx context.Context) ([]model.TestRecord, error) {
	if s.failList != nil {
		return nil, s.failList
	}
	return s.MemoryStore.List(ctx)
}

func newEngine(t *testing.T, records ...model.TestRecord) (*Engine, *flakyStore) {
	t.Helper()
	store := &flakyStore{MemoryStore: workflow.NewMemoryStore()}
	for _, r := range records {
		_, err := store.Create(context.Background(), r)
		require.NoError(t, err)
	}
	e := NewEngine(store, batch.NewOperator(store))
	require.NoError(t, e.Refresh(context.Background()))
	return e, store
}

func TestEngine_fiveRecordBatchScenario(t *testing.T) {
	e, store := newEngine(t,
		rec("1", "A", "CBC", "", model.StageRequested),
		rec("2", "B", "CBC", "", model.StageRequested),
		rec("3", "C", "CBC", "", model.StageSampleCollected),
		rec("4", "D", "CBC", "", model.StageProcessed),
		rec("5", "E", "CBC", "", model.StageReviewed),
	)

	require.NoError(t, e.SetStatusFilter("Requested"))
	assert.Len(t, e.Visible(), 2)

	e.SelectAll()
	assert.Len(t, e.Selected(), 2)

	res, err := e.BatchAdvance(context.Background(), model.StageSampleCollected, "")
	require.NoError(t, err)
	assert.Equal(t, workflow.BatchResult{Success: true, Count: 2}, res)
	assert.Empty(t, e.Selected())

	for _, id := range []string{"1", "2"} {
		got, err := store.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, model.StageSampleCollected, got.Status)
	}
	// Refreshed: the Requested view is now empty.
	assert.Empty(t, e.Visible())
	untouched, _ := store.Get(context.Background(), "4")
	assert.Equal(t, model.StageProcessed, untouched.Status)
}

func TestEngine_batchFailureKeepsSelectionAndStatuses(t *testing.T) {
	e, store := newEngine(t,
		rec("1", "A", "CBC", "", model.StageRequested),
		rec("2", "B", "CBC", "", model.StageRequested),
	)
	e.SelectAll()
	store.failBatch = errors.New("503 from records service")

	_, err := e.BatchAdvance(context.Background(), model.StageProcessed, "")
	require.Error(t, err)
	assert.Equal(t, []string{"1", "2"}, e.Selected())
	for _, r := range e.Records() {
		assert.Equal(t, model.StageRequested, r.Status)
	}
}

func TestEngine_batchSucceedsButRefreshFails(t *testing.T) {
	e, store := newEngine(t, rec("1", "A", "CBC", "", model.StageRequested))
	e.SelectAll()
	store.failList = errors.New("list down")

	res, err := e.BatchAdvance(context.Background(), model.StageSampleCollected, "")
	require.Error(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, e.Selected())
}

func TestEngine_retriedBatchAfterRefreshIsReplayed(t *testing.T) {
	store := &flakyStore{MemoryStore: workflow.NewMemoryStore()}
	_, err := store.Create(context.Background(), rec("1", "A", "CBC", "", model.StageRequested))
	require.NoError(t, err)
	e := NewEngine(store, batch.NewOperator(store,
		batch.WithIdempotencyStore(batch.NewMemoryIdempotencyStore(), 0)))
	require.NoError(t, e.Refresh(context.Background()))

	e.SelectAll()
	first, err := e.BatchAdvance(context.Background(), model.StageSampleCollected, "retry-1")
	require.NoError(t, err)

	// Reselect the refreshed record, now one version ahead, and retry.
	e.SelectAll()
	second, err := e.BatchAdvance(context.Background(), model.StageSampleCollected, "retry-1")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	got, err := store.Get(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
}

func TestEngine_selectAllOnlyVisible(t *testing.T) {
	e, _ := newEngine(t,
		rec("1", "John Smith", "CBC", "", model.StageRequested),
		rec("2", "Jane Doe", "CBC", "", model.StageRequested),
	)
	e.SetSearch("smith")
	e.SelectAll()
	assert.Equal(t, []string{"1"}, e.Selected())
}

func TestEngine_filterChangePrunesSelection(t *testing.T) {
	e, _ := newEngine(t,
		rec("1", "A", "CBC", "", model.StageRequested),
		rec("2", "B", "Lipid Panel", "", model.StageRequested),
	)
	e.SelectAll()
	require.Len(t, e.Selected(), 2)

	e.SetTestTypeFilter("CBC")
	assert.Equal(t, []string{"1"}, e.Selected())
	assert.False(t, e.IsSelected("2"))

	// Widening the filter does not resurrect pruned ids.
	e.SetTestTypeFilter("all")
	assert.Equal(t, []string{"1"}, e.Selected())
}

func TestEngine_toggle(t *testing.T) {
	e, _ := newEngine(t,
		rec("1", "A", "CBC", "", model.StageRequested),
		rec("2", "B", "CBC", "", model.StageProcessed),
	)
	assert.True(t, e.Toggle("1"))
	assert.True(t, e.IsSelected("1"))
	assert.False(t, e.Toggle("1"))
	assert.False(t, e.IsSelected("1"))

	require.NoError(t, e.SetStatusFilter("Requested"))
	assert.False(t, e.Toggle("2"), "hidden rows cannot be selected")
	assert.False(t, e.Toggle("missing"))

	e.Toggle("1")
	e.Clear()
	assert.Empty(t, e.Selected())
}

func TestEngine_threeClicksRestoreOrder(t *testing.T) {
	e, _ := newEngine(t,
		rec("1", "Carl", "CBC", "", model.StageRequested),
		rec("2", "Alice", "CBC", "", model.StageRequested),
		rec("3", "Bob", "CBC", "", model.StageRequested),
	)
	original := ids(e.Visible())

	require.NoError(t, e.ClickSort(SortPatientName))
	assert.Equal(t, []string{"2", "3", "1"}, ids(e.Visible()))
	require.NoError(t, e.ClickSort(SortPatientName))
	assert.Equal(t, []string{"1", "3", "2"}, ids(e.Visible()))
	require.NoError(t, e.ClickSort(SortPatientName))
	assert.Equal(t, original, ids(e.Visible()))
	assert.Equal(t, SortUnsorted, e.Query().SortDir)
}

func TestEngine_clickSortUnknownKey(t *testing.T) {
	e, _ := newEngine(t)
	assert.Error(t, e.ClickSort("ssn"))
}

func TestEngine_setStatusFilterUnknown(t *testing.T) {
	e, _ := newEngine(t)
	err := e.SetStatusFilter("Archived")
	assert.True(t, model.IsCode(err, model.ErrUnknownStage))
}

func TestEngine_refreshFailureKeepsRecords(t *testing.T) {
	e, store := newEngine(t, rec("1", "A", "CBC", "", model.StageRequested))
	store.failList = errors.New("timeout")
	require.Error(t, e.Refresh(context.Background()))
	assert.Len(t, e.Records(), 1)
}

func TestEngine_countsAndTestTypes(t *testing.T) {
	e, _ := newEngine(t,
		rec("1", "A", "Urinalysis", "", model.StageRequested),
		rec("2", "B", "CBC", "", model.StageRequested),
		rec("3", "C", "CBC", "", model.StageReviewed),
	)
	require.NoError(t, e.SetStatusFilter("Reviewed"))

	counts := e.Counts()
	assert.Equal(t, 2, counts[0].Count, "counts ignore filters")
	assert.Equal(t, 1, counts[3].Count)
	assert.Equal(t, []string{"CBC", "Urinalysis"}, e.TestTypes())
}
