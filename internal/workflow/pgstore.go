package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/labflow/model"
)

// PgStore is a PostgreSQL-backed TestRecordStore using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL record store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// recordPayload is the JSONB column holding every stage's fields.
type recordPayload struct {
	model.RequestDetails
	model.SampleCollection
	model.LabProcessing
	model.ResultsReview
	model.ResultsCommunication
	model.DoctorReview
	model.PatientConsultation
}

func payloadOf(rec model.TestRecord) recordPayload {
	return recordPayload{
		RequestDetails:       rec.RequestDetails,
		SampleCollection:     rec.SampleCollection,
		LabProcessing:        rec.LabProcessing,
		ResultsReview:        rec.ResultsReview,
		ResultsCommunication: rec.ResultsCommunication,
		DoctorReview:         rec.DoctorReview,
		PatientConsultation:  rec.PatientConsultation,
	}
}

func (p recordPayload) applyTo(rec *model.TestRecord) {
	rec.RequestDetails = p.RequestDetails
	rec.SampleCollection = p.SampleCollection
	rec.LabProcessing = p.LabProcessing
	rec.ResultsReview = p.ResultsReview
	rec.ResultsCommunication = p.ResultsCommunication
	rec.DoctorReview = p.DoctorReview
	rec.PatientConsultation = p.PatientConsultation
}

const selectRecord = `
	SELECT id, status, version, facility_id, payload, created_at, updated_at
	FROM lab_test_records`

// List returns every record ordered by insertion.
func (s *PgStore) List(ctx context.Context) ([]model.TestRecord, error) {
	rows, err := s.pool.Query(ctx, selectRecord+` ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("query test records: %w", err)
	}
	defer rows.Close()

	var records []model.TestRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Get retrieves a record by ID.
func (s *PgStore) Get(ctx context.Context, id string) (model.TestRecord, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx, selectRecord+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.TestRecord{}, model.NewNotFoundError(
			fmt.Sprintf("test record %q not found", id),
		)
	}
	return rec, err
}

// Create inserts a new record.
func (s *PgStore) Create(ctx context.Context, rec model.TestRecord) (model.TestRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Status == "" {
		rec.Status = model.FirstStage()
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	rec.Version = 1

	payload, err := json.Marshal(payloadOf(rec))
	if err != nil {
		return model.TestRecord{}, fmt.Errorf("marshal payload: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO lab_test_records (
			id, status, version, facility_id, patient_name, test_type,
			payload, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, string(rec.Status), rec.Version, rec.FacilityID, rec.PatientName, rec.TestType,
		payload, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return model.TestRecord{}, insertError(err, rec.ID)
	}
	return rec, nil
}

// uniqueViolation is the PostgreSQL SQLSTATE for a duplicate key.
const uniqueViolation = "23505"

func insertError(err error, id string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return model.NewConflictError(fmt.Sprintf("test record %q already exists", id))
	}
	return fmt.Errorf("insert test record: %w", err)
}

// Update persists a modified record with optimistic locking.
func (s *PgStore) Update(ctx context.Context, rec model.TestRecord) (model.TestRecord, error) {
	return updateRecord(ctx, s.pool, rec)
}

// BatchUpdate writes every record inside one transaction. Any version
// mismatch rolls the whole batch back.
func (s *PgStore) BatchUpdate(ctx context.Context, recs []model.TestRecord, action string) (BatchResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return BatchResult{}, fmt.Errorf("begin batch %q: %w", action, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	seen := make(map[string]bool, len(recs))
	for _, rec := range recs {
		if seen[rec.ID] {
			return BatchResult{}, model.NewBadRequestError(
				fmt.Sprintf("test record %q appears twice in batch", rec.ID),
			)
		}
		seen[rec.ID] = true
	}

	for _, rec := range recs {
		if _, err := updateRecord(ctx, tx, rec); err != nil {
			return BatchResult{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return BatchResult{}, fmt.Errorf("commit batch %q: %w", action, err)
	}
	return BatchResult{Success: true, Count: len(recs)}, nil
}

// AppendEvent adds an event to a record's stage history.
func (s *PgStore) AppendEvent(ctx context.Context, event model.StageEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO lab_test_events (
			id, record_id, action, from_stage, to_stage, actor_id, comment, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.ID, event.RecordID, event.Action, string(event.From), string(event.To),
		event.ActorID, event.Comment, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert stage event: %w", err)
	}
	return nil
}

// GetEvents retrieves a record's stage history.
func (s *PgStore) GetEvents(ctx context.Context, recordID string) ([]model.StageEvent, error) {
	if _, err := s.Get(ctx, recordID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, record_id, action, from_stage, to_stage, actor_id, comment, created_at
		FROM lab_test_events
		WHERE record_id = $1
		ORDER BY created_at ASC`,
		recordID,
	)
	if err != nil {
		return nil, fmt.Errorf("query stage events: %w", err)
	}
	defer rows.Close()

	var events []model.StageEvent
	for rows.Next() {
		var evt model.StageEvent
		var from, to string
		if err := rows.Scan(
			&evt.ID, &evt.RecordID, &evt.Action, &from, &to,
			&evt.ActorID, &evt.Comment, &evt.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan stage event: %w", err)
		}
		evt.From, evt.To = model.Stage(from), model.Stage(to)
		events = append(events, evt)
	}
	return events, rows.Err()
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func updateRecord(ctx context.Context, db dbExecer, rec model.TestRecord) (model.TestRecord, error) {
	payload, err := json.Marshal(payloadOf(rec))
	if err != nil {
		return model.TestRecord{}, fmt.Errorf("marshal payload: %w", err)
	}

	now := time.Now().UTC()
	var createdAt time.Time
	err = db.QueryRow(ctx, `
		UPDATE lab_test_records SET
			status = $1,
			version = $2,
			facility_id = $3,
			patient_name = $4,
			test_type = $5,
			payload = $6,
			updated_at = $7
		WHERE id = $8 AND version = $9
		RETURNING created_at`,
		string(rec.Status), rec.Version+1, rec.FacilityID, rec.PatientName, rec.TestType,
		payload, now, rec.ID, rec.Version,
	).Scan(&createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.TestRecord{}, staleOrMissing(ctx, db, rec)
	}
	if err != nil {
		return model.TestRecord{}, fmt.Errorf("update test record: %w", err)
	}

	rec = rec.Clone()
	rec.Version++
	rec.UpdatedAt = now
	rec.CreatedAt = createdAt
	return rec, nil
}

// staleOrMissing explains an UPDATE that matched no row: the record is either
// gone (NOT_FOUND) or at another version (CONFLICT).
func staleOrMissing(ctx context.Context, db dbExecer, rec model.TestRecord) error {
	var current int
	err := db.QueryRow(ctx, `SELECT version FROM lab_test_records WHERE id = $1`, rec.ID).Scan(&current)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return model.NewNotFoundError(fmt.Sprintf("test record %q not found", rec.ID))
	case err != nil:
		return fmt.Errorf("read test record version: %w", err)
	default:
		return model.NewConflictError(
			fmt.Sprintf("test record %q version conflict (expected %d, got %d)", rec.ID, rec.Version, current),
		)
	}
}

// dbExecer is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbExecer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func scanRecord(row pgx.Row) (model.TestRecord, error) {
	var rec model.TestRecord
	var status string
	var payload []byte
	if err := row.Scan(
		&rec.ID, &status, &rec.Version, &rec.FacilityID, &payload,
		&rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.TestRecord{}, err
		}
		return model.TestRecord{}, fmt.Errorf("scan test record: %w", err)
	}
	rec.Status = model.Stage(status)

	var p recordPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return model.TestRecord{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	p.applyTo(&rec)
	return rec, nil
}
