package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/labflow/internal/forms"
	"github.com/pitabwire/labflow/internal/observability"
	"github.com/pitabwire/labflow/model"
)

// State is the dispatcher's single discriminant. The zero value is Idle;
// otherwise exactly one stage form is open. RecordID is empty while a new
// record is being requested.
type State struct {
	Stage    model.Stage `json:"stage,omitempty"`
	RecordID string      `json:"record_id,omitempty"`
}

// Idle reports whether no form is open.
func (s State) Idle() bool { return s.Stage == "" }

// Dispatcher gates which stage form is open for one view and turns form
// submissions into persisted record updates. A Dispatcher belongs to a
// single view and is not safe for concurrent use.
type Dispatcher struct {
	store     TestRecordStore
	panels    forms.PanelLookup
	observers []StageObserver

	state  State
	form   *forms.Form
	record model.TestRecord
}

// DispatcherOption configures optional dependencies.
type DispatcherOption func(*Dispatcher)

// WithPanels sets the catalog used to check Lab Processing items.
func WithPanels(panels forms.PanelLookup) DispatcherOption {
	return func(d *Dispatcher) { d.panels = panels }
}

// WithObserver adds a stage observer.
func WithObserver(obs StageObserver) DispatcherOption {
	return func(d *Dispatcher) { d.observers = append(d.observers, obs) }
}

// NewDispatcher creates an Idle dispatcher over store.
func NewDispatcher(store TestRecordStore, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{store: store}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// State returns the current state.
func (d *Dispatcher) State() State { return d.state }

// Form returns the open form, or nil when Idle.
func (d *Dispatcher) Form() *forms.Form { return d.form }

// Open moves Idle to Active(target) for rec. The target is chosen by the
// caller: any stage up to the one following rec's status may be opened, so
// a record's current or earlier stages can be corrected but none skipped.
// A nil rec opens the Request form for a new record.
func (d *Dispatcher) Open(rec *model.TestRecord, target model.Stage) (*forms.Form, error) {
	if !d.state.Idle() {
		return nil, model.NewFormAlreadyOpenError(d.state.Stage, d.state.RecordID)
	}
	if !target.Valid() {
		return nil, model.NewUnknownStageError(string(target))
	}

	if rec == nil {
		if target != model.FirstStage() {
			return nil, model.NewBadRequestError(
				fmt.Sprintf("a new record starts with the %s form", model.FirstStage().FormName()),
			)
		}
	} else {
		if !rec.Status.Valid() {
			return nil, model.NewUnknownStageError(string(rec.Status))
		}
		if target.Index() > model.NextStage(rec.Status).Index() {
			return nil, model.NewInvalidTransitionError(
				fmt.Sprintf("record %q is %s; %s would skip a stage", rec.ID, rec.Status, target),
			)
		}
	}

	form, err := forms.Open(target, rec, d.panels)
	if err != nil {
		return nil, err
	}

	d.form = form
	d.record = model.TestRecord{}
	d.state = State{Stage: target}
	if rec != nil {
		d.record = rec.Clone()
		d.state.RecordID = rec.ID
	}
	return form, nil
}

// OpenNext opens the form of the stage following rec's status.
func (d *Dispatcher) OpenNext(rec model.TestRecord) (*forms.Form, error) {
	if rec.Status.IsTerminal() {
		return nil, model.NewInvalidTransitionError(
			fmt.Sprintf("record %q has completed every stage", rec.ID),
		)
	}
	return d.Open(&rec, model.NextStage(rec.Status))
}

// OpenCurrent reopens the form of rec's current stage.
func (d *Dispatcher) OpenCurrent(rec model.TestRecord) (*forms.Form, error) {
	return d.Open(&rec, rec.Status)
}

// Close returns to Idle, discarding any input.
func (d *Dispatcher) Close() {
	if d.form != nil {
		d.form.Close()
	}
	d.form = nil
	d.record = model.TestRecord{}
	d.state = State{}
}

// Submit validates p against the open form, merges it into the record, sets
// the record's status to the submitted stage and persists it. On success the
// dispatcher returns to Idle. On any failure the state and the local record
// are left unchanged and the error is returned.
//
// Submitting a stage earlier than the record's status rewrites that stage's
// fields but keeps the status, so status never moves backward.
func (d *Dispatcher) Submit(ctx context.Context, p forms.Payload) (model.TestRecord, error) {
	if d.state.Idle() {
		return model.TestRecord{}, model.NewNoActiveFormError()
	}

	ctx, span := observability.StartSpan(ctx, "workflow.Submit",
		observability.AttrRecordID.String(d.state.RecordID),
		observability.AttrStage.String(string(d.state.Stage)),
		observability.AttrTestType.String(d.record.TestType),
	)

	var saved model.TestRecord
	err := d.form.Submit(p, func(p forms.Payload) error {
		var err error
		if d.state.RecordID == "" {
			saved, err = d.create(ctx, p)
		} else {
			saved, err = d.advance(ctx, p)
		}
		return err
	})
	observability.EndSpanWithError(span, err)
	if model.IsCode(err, model.ErrValidationError) {
		Notify(ctx, d.observers, TransitionEvent{
			RecordID: d.state.RecordID,
			Action:   model.ActionStageSubmit,
			From:     d.record.Status,
			To:       d.state.Stage,
			TestType: d.record.TestType,
			ActorID:  model.ActorFrom(ctx),
			Code:     model.ErrValidationError,
			Error:    err.Error(),
		})
	}
	if err != nil {
		return model.TestRecord{}, err
	}

	d.Close()
	return saved, nil
}

// Edit persists a manual edit of rec. Any payload field may change; the
// status is always kept at its stored value.
func (d *Dispatcher) Edit(ctx context.Context, rec model.TestRecord) (model.TestRecord, error) {
	start := time.Now()

	stored, err := d.store.Get(ctx, rec.ID)
	if err != nil {
		return model.TestRecord{}, err
	}
	rec.Status = stored.Status
	rec.FacilityID = stored.FacilityID

	saved, err := d.store.Update(ctx, rec)
	d.finish(ctx, TransitionEvent{
		RecordID: rec.ID,
		Action:   model.ActionEdited,
		From:     stored.Status,
		To:       stored.Status,
		TestType: rec.TestType,
	}, start, err)
	if err != nil {
		return model.TestRecord{}, err
	}
	return saved, nil
}

func (d *Dispatcher) create(ctx context.Context, p forms.Payload) (model.TestRecord, error) {
	start := time.Now()

	rec := model.TestRecord{Status: model.FirstStage()}
	if rctx := model.RequestContextFrom(ctx); rctx != nil {
		rec.FacilityID = rctx.FacilityID
	}
	rec, err := forms.Merge(rec, p)
	if err != nil {
		return model.TestRecord{}, err
	}

	saved, err := d.store.Create(ctx, rec)
	d.finish(ctx, TransitionEvent{
		RecordID: saved.ID,
		Action:   model.ActionCreated,
		To:       model.FirstStage(),
		TestType: rec.TestType,
	}, start, err)
	if err != nil {
		return model.TestRecord{}, err
	}
	return saved, nil
}

func (d *Dispatcher) advance(ctx context.Context, p forms.Payload) (model.TestRecord, error) {
	start := time.Now()

	merged, err := forms.Merge(d.record, p)
	if err != nil {
		return model.TestRecord{}, err
	}

	action := model.ActionStageSubmit
	if p.Stage().Index() >= d.record.Status.Index() {
		merged.Status = p.Stage()
	} else {
		action = model.ActionEdited
	}

	saved, err := d.store.Update(ctx, merged)
	d.finish(ctx, TransitionEvent{
		RecordID: d.record.ID,
		Action:   action,
		From:     d.record.Status,
		To:       merged.Status,
		TestType: merged.TestType,
	}, start, err)
	if err != nil {
		return model.TestRecord{}, err
	}
	return saved, nil
}

// finish records history for a persisted change and notifies observers of
// the outcome either way.
func (d *Dispatcher) finish(ctx context.Context, event TransitionEvent, start time.Time, err error) {
	event.ActorID = model.ActorFrom(ctx)
	event.Duration = time.Since(start)
	event.Success = err == nil
	if err != nil {
		event.Code = model.ErrorCode(err)
		event.Error = err.Error()
	} else {
		_ = d.store.AppendEvent(ctx, model.StageEvent{ // Best-effort.
			ID:        uuid.New().String(),
			RecordID:  event.RecordID,
			Action:    event.Action,
			From:      event.From,
			To:        event.To,
			ActorID:   event.ActorID,
			Timestamp: time.Now().UTC(),
		})
	}
	Notify(ctx, d.observers, event)
}
