package batch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/labflow/internal/observability"
	"github.com/pitabwire/labflow/internal/workflow"
	"github.com/pitabwire/labflow/model"
)

// Policy decides which prior stages a batch may move records from.
type Policy string

const (
	// PolicyUnconditional sets every selected record to the target, whatever
	// its current stage.
	PolicyUnconditional Policy = "unconditional"
	// PolicyAdjacent only accepts records already at the target or at the
	// stage immediately before it.
	PolicyAdjacent Policy = "adjacent"
)

// ParsePolicy resolves a configured policy name; "" is unconditional.
func ParsePolicy(name string) (Policy, error) {
	switch Policy(strings.ToLower(name)) {
	case "", PolicyUnconditional:
		return PolicyUnconditional, nil
	case PolicyAdjacent:
		return PolicyAdjacent, nil
	default:
		return "", fmt.Errorf("unknown batch policy %q (supported: unconditional, adjacent)", name)
	}
}

const defaultIdempotencyTTL = 24 * time.Hour

// Action is one entry of the fixed batch action menu.
type Action struct {
	ID     string      `json:"id"`
	Label  string      `json:"label"`
	Target model.Stage `json:"target"`
}

// Actions returns the batch action menu: one entry per stage after the
// first, in processing order.
func Actions() []Action {
	stages := model.Stages()
	out := make([]Action, 0, len(stages)-1)
	for _, st := range stages[1:] {
		out = append(out, ActionFor(st))
	}
	return out
}

// ActionFor returns the menu entry targeting stage.
func ActionFor(stage model.Stage) Action {
	return Action{
		ID:     "mark_" + strings.ReplaceAll(strings.ToLower(string(stage)), " ", "_"),
		Label:  "Mark as " + string(stage),
		Target: stage,
	}
}

// LookupAction resolves a menu entry by ID.
func LookupAction(id string) (Action, bool) {
	for _, a := range Actions() {
		if a.ID == id {
			return a, true
		}
	}
	return Action{}, false
}

// Operator sets a cohort of records to one target stage in a single store
// call.
type Operator struct {
	store       workflow.TestRecordStore
	policy      Policy
	idempotency IdempotencyStore
	ttl         time.Duration
	observers   []workflow.StageObserver
}

// OperatorOption configures optional dependencies.
type OperatorOption func(*Operator)

// WithPolicy sets the stage policy.
func WithPolicy(p Policy) OperatorOption {
	return func(o *Operator) { o.policy = p }
}

// WithIdempotencyStore sets the idempotency store and the TTL of its
// entries. A zero ttl keeps the default of 24h.
func WithIdempotencyStore(store IdempotencyStore, ttl time.Duration) OperatorOption {
	return func(o *Operator) {
		o.idempotency = store
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithObserver adds a stage observer.
func WithObserver(obs workflow.StageObserver) OperatorOption {
	return func(o *Operator) { o.observers = append(o.observers, obs) }
}

// NewOperator creates an Operator over store.
func NewOperator(store workflow.TestRecordStore, opts ...OperatorOption) *Operator {
	o := &Operator{
		store:  store,
		policy: PolicyUnconditional,
		ttl:    defaultIdempotencyTTL,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Policy returns the configured policy.
func (o *Operator) Policy() Policy { return o.policy }

// AdvanceOption configures a single Advance call.
type AdvanceOption func(*advanceParams)

type advanceParams struct {
	pinned map[string]int
}

// PinVersions marks the versions the caller supplied for some records. Pinned
// versions are part of the idempotency fingerprint; versions read from the
// store are not, so an identical retry still matches after the first attempt
// bumped them.
func PinVersions(versions map[string]int) AdvanceOption {
	return func(p *advanceParams) { p.pinned = versions }
}

// Advance sets every record to target with one BatchUpdate call. It is
// all-or-nothing: on any error nothing has been written. An empty cohort is a
// successful no-op. A non-empty idempotencyKey makes retries of the same
// request return the first result.
func (o *Operator) Advance(
	ctx context.Context,
	records []model.TestRecord,
	target model.Stage,
	idempotencyKey string,
	opts ...AdvanceOption,
) (result workflow.BatchResult, err error) {
	if !target.Valid() {
		return workflow.BatchResult{}, model.NewUnknownStageError(string(target))
	}
	if len(records) == 0 {
		return workflow.BatchResult{Success: true, Count: 0}, nil
	}
	action := ActionFor(target)

	ctx, span := observability.StartSpan(ctx, "batch.Advance",
		observability.AttrAction.String(action.ID),
		observability.AttrStage.String(string(target)),
		observability.AttrBatchSize.Int(len(records)),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	// Step 1: Check idempotency.
	var idemKey, hash string
	if idempotencyKey != "" && o.idempotency != nil {
		idemKey = FormatIdempotencyKey(action.ID, idempotencyKey)
		var params advanceParams
		for _, opt := range opts {
			opt(&params)
		}
		hash = hashRequest(records, target, params.pinned)

		cached, found, err := o.idempotency.Check(ctx, idemKey, hash)
		if err != nil {
			return workflow.BatchResult{}, err
		}
		if found && cached != nil {
			span.SetAttributes(observability.AttrReplay.Bool(true))
			o.notifyReplay(ctx, action.ID)
			return *cached, nil
		}
	}

	// Step 2: Apply the stage policy.
	if err := o.checkPolicy(records, target); err != nil {
		return workflow.BatchResult{}, err
	}

	// Step 3: Persist the whole cohort in one call.
	start := time.Now()
	updated := make([]model.TestRecord, len(records))
	for i, rec := range records {
		updated[i] = rec.Clone()
		updated[i].Status = target
	}
	result, err = o.store.BatchUpdate(ctx, updated, action.Label)
	if err == nil && !result.Success {
		err = model.NewConflictError(fmt.Sprintf("batch %q was not applied", action.ID))
	}

	// Step 4: Record history and notify observers.
	o.finish(ctx, records, target, action, time.Since(start), err)
	if err != nil {
		return workflow.BatchResult{}, err
	}

	// Step 1 (continued): Store idempotency result.
	if idemKey != "" {
		_ = o.idempotency.Store(ctx, idemKey, hash, result, o.ttl) // Best-effort.
	}
	return result, nil
}

func (o *Operator) checkPolicy(records []model.TestRecord, target model.Stage) error {
	if o.policy != PolicyAdjacent {
		return nil
	}
	prev, _ := model.PreviousStage(target)

	var details []model.FieldError
	for _, rec := range records {
		if rec.Status == target || (prev != "" && rec.Status == prev) {
			continue
		}
		details = append(details, model.FieldError{
			Field:   rec.ID,
			Code:    model.ErrInvalidTransition,
			Message: fmt.Sprintf("%s cannot move to %s", rec.Status, target),
		})
	}
	if len(details) > 0 {
		env := model.NewInvalidTransitionError(
			fmt.Sprintf("%d selected record(s) are not adjacent to %s", len(details), target),
		)
		env.Details = details
		return env
	}
	return nil
}

func (o *Operator) finish(
	ctx context.Context,
	records []model.TestRecord,
	target model.Stage,
	action Action,
	duration time.Duration,
	err error,
) {
	actor := model.ActorFrom(ctx)
	now := time.Now().UTC()
	for _, rec := range records {
		event := workflow.TransitionEvent{
			RecordID: rec.ID,
			Action:   model.ActionBatchAdvance,
			From:     rec.Status,
			To:       target,
			TestType: rec.TestType,
			ActorID:  actor,
			Success:  err == nil,
			Duration: duration,
		}
		if err != nil {
			event.Code = model.ErrorCode(err)
			event.Error = err.Error()
		} else {
			_ = o.store.AppendEvent(ctx, model.StageEvent{ // Best-effort.
				ID:        uuid.New().String(),
				RecordID:  rec.ID,
				Action:    model.ActionBatchAdvance,
				From:      rec.Status,
				To:        target,
				ActorID:   actor,
				Comment:   action.Label,
				Timestamp: now,
			})
		}
		workflow.Notify(ctx, o.observers, event)
	}
	for _, obs := range o.observers {
		if bo, ok := obs.(BatchObserver); ok {
			bo.OnBatchAdvance(ctx, target, len(records), err)
		}
	}
}

// BatchObserver is implemented by stage observers that also want one
// notification per batch, after the per-record events.
type BatchObserver interface {
	OnBatchAdvance(ctx context.Context, target model.Stage, size int, err error)
}

// ReplayObserver is implemented by stage observers that also want to know
// when a batch is answered from the idempotency store.
type ReplayObserver interface {
	OnIdempotentReplay(ctx context.Context, actionID string)
}

func (o *Operator) notifyReplay(ctx context.Context, actionID string) {
	for _, obs := range o.observers {
		if ro, ok := obs.(ReplayObserver); ok {
			ro.OnIdempotentReplay(ctx, actionID)
		}
	}
}

// hashRequest fingerprints a request by its target, the selected ids and any
// versions the caller pinned, independent of selection order.
func hashRequest(records []model.TestRecord, target model.Stage, pinned map[string]int) string {
	parts := make([]string, len(records))
	for i, rec := range records {
		parts[i] = rec.ID
		if v, ok := pinned[rec.ID]; ok {
			parts[i] = fmt.Sprintf("%s@%d", rec.ID, v)
		}
	}
	sort.Strings(parts)

	h := sha256.New()
	h.Write([]byte(target))
	for _, p := range parts {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}
