package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/labflow/model"
)

// MemoryStore is an in-memory TestRecordStore for tests and single-instance
// deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	order   []string                      // record IDs in insertion order
	records map[string]model.TestRecord   // key: record ID
	events  map[string][]model.StageEvent // key: record ID
	now     func() time.Time
}

// NewMemoryStore creates a new in-memory record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]model.TestRecord),
		events:  make(map[string][]model.StageEvent),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// List returns copies of all records in insertion order.
func (s *MemoryStore) List(_ context.Context) ([]model.TestRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.TestRecord, 0, len(s.order))
	for _, id := range s.order {
		result = append(result, s.records[id].Clone())
	}
	return result, nil
}

// Get retrieves a record by ID.
func (s *MemoryStore) Get(_ context.Context, id string) (model.TestRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.records[id]
	if !exists {
		return model.TestRecord{}, model.NewNotFoundError(
			fmt.Sprintf("test record %q not found", id),
		)
	}
	return rec.Clone(), nil
}

// Create persists a new record.
func (s *MemoryStore) Create(_ context.Context, rec model.TestRecord) (model.TestRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if _, exists := s.records[rec.ID]; exists {
		return model.TestRecord{}, model.NewConflictError(
			fmt.Sprintf("test record %q already exists", rec.ID),
		)
	}
	if rec.Status == "" {
		rec.Status = model.FirstStage()
	}
	now := s.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	rec.Version = 1

	rec = rec.Clone()
	s.records[rec.ID] = rec
	s.order = append(s.order, rec.ID)
	return rec.Clone(), nil
}

// Update persists a modified record with optimistic locking.
func (s *MemoryStore) Update(_ context.Context, rec model.TestRecord) (model.TestRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.checkVersion(rec)
	if err != nil {
		return model.TestRecord{}, err
	}

	rec = s.bump(existing, rec)
	s.records[rec.ID] = rec
	return rec.Clone(), nil
}

// BatchUpdate version-checks every record before writing any of them.
func (s *MemoryStore) BatchUpdate(_ context.Context, recs []model.TestRecord, _ string) (BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := make([]model.TestRecord, len(recs))
	seen := make(map[string]bool, len(recs))
	for i, rec := range recs {
		if seen[rec.ID] {
			return BatchResult{}, model.NewBadRequestError(
				fmt.Sprintf("test record %q appears twice in batch", rec.ID),
			)
		}
		seen[rec.ID] = true

		cur, err := s.checkVersion(rec)
		if err != nil {
			return BatchResult{}, err
		}
		existing[i] = cur
	}

	for i, rec := range recs {
		s.records[rec.ID] = s.bump(existing[i], rec)
	}
	return BatchResult{Success: true, Count: len(recs)}, nil
}

// AppendEvent adds an event to a record's stage history.
func (s *MemoryStore) AppendEvent(_ context.Context, event model.StageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events[event.RecordID] = append(s.events[event.RecordID], event)
	return nil
}

// GetEvents retrieves a record's history, ordered by timestamp.
func (s *MemoryStore) GetEvents(_ context.Context, recordID string) ([]model.StageEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.records[recordID]; !exists {
		return nil, model.NewNotFoundError(
			fmt.Sprintf("test record %q not found", recordID),
		)
	}

	events := s.events[recordID]
	result := make([]model.StageEvent, len(events))
	copy(result, events)
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

// Len returns the total number of records. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// checkVersion must be called with s.mu held.
func (s *MemoryStore) checkVersion(rec model.TestRecord) (model.TestRecord, error) {
	existing, exists := s.records[rec.ID]
	if !exists {
		return model.TestRecord{}, model.NewNotFoundError(
			fmt.Sprintf("test record %q not found", rec.ID),
		)
	}
	if existing.Version != rec.Version {
		return model.TestRecord{}, model.NewConflictError(
			fmt.Sprintf("test record %q version conflict (expected %d, got %d)", rec.ID, rec.Version, existing.Version),
		)
	}
	return existing, nil
}

// bump carries over the immutable fields of existing and advances the version.
func (s *MemoryStore) bump(existing, rec model.TestRecord) model.TestRecord {
	rec = rec.Clone()
	rec.CreatedAt = existing.CreatedAt
	rec.Version = existing.Version + 1
	rec.UpdatedAt = s.now()
	return rec
}
