package workflow

import (
	"context"

	"github.com/pitabwire/labflow/model"
)

// TestRecordStore persists lab test records and their stage history. It is
// the only collaborator the workflow core talks to for persistence.
type TestRecordStore interface {
	// List returns every record in insertion order.
	List(ctx context.Context) ([]model.TestRecord, error)

	// Get retrieves a record by ID. Returns NOT_FOUND if it doesn't exist.
	Get(ctx context.Context, id string) (model.TestRecord, error)

	// Create persists a new record. The store assigns ID, Version and
	// timestamps when they are empty.
	Create(ctx context.Context, record model.TestRecord) (model.TestRecord, error)

	// Update persists a modified record with optimistic locking. The version
	// must match the stored version. Returns CONFLICT if it has changed.
	Update(ctx context.Context, record model.TestRecord) (model.TestRecord, error)

	// BatchUpdate persists every record in one all-or-nothing operation.
	// Each record is version-checked; a single mismatch or missing record
	// aborts the whole batch. action is the label of the chosen batch action,
	// e.g. "Mark as Processed", kept for auditing.
	BatchUpdate(ctx context.Context, records []model.TestRecord, action string) (BatchResult, error)

	// AppendEvent adds an event to a record's stage history.
	AppendEvent(ctx context.Context, event model.StageEvent) error

	// GetEvents retrieves a record's stage history ordered by timestamp.
	GetEvents(ctx context.Context, recordID string) ([]model.StageEvent, error)
}

// BatchResult reports the outcome of a BatchUpdate.
type BatchResult struct {
	Success bool `json:"success"`
	Count   int  `json:"count"`
}
