package forms

import (
	"github.com/pitabwire/labflow/model"
)

// Form is one stage's data-capture unit. It never persists anything: Submit
// validates and hands the payload to onSubmit.
type Form struct {
	stage    model.Stage
	recordID string
	testType string
	open     bool
	values   Payload
	panels   PanelLookup
}

// Open creates an open form for stage, pre-filled from rec. A nil rec opens
// an empty form.
func Open(stage model.Stage, rec *model.TestRecord, panels PanelLookup) (*Form, error) {
	values, err := Prefill(stage, rec)
	if err != nil {
		return nil, err
	}
	f := &Form{stage: stage, open: true, values: values, panels: panels}
	if rec != nil {
		f.recordID = rec.ID
		f.testType = rec.TestType
	}
	return f, nil
}

// Stage returns the stage this form records.
func (f *Form) Stage() model.Stage { return f.stage }

// RecordID returns the ID of the record the form was opened for, or "".
func (f *Form) RecordID() string { return f.recordID }

// IsOpen reports whether the form still accepts a submit.
func (f *Form) IsOpen() bool { return f.open }

// Values returns the pre-filled payload.
func (f *Form) Values() Payload { return f.values }

// Close discards the form.
func (f *Form) Close() { f.open = false }

// Descriptor resolves the form for rendering.
func (f *Form) Descriptor(opts Options) model.FormDescriptor {
	return Describe(f.values, f.recordID, f.testType, opts)
}

// Submit validates p and, when valid, invokes onSubmit. A validation failure
// returns a VALIDATION_ERROR without calling onSubmit. The form closes only
// when onSubmit succeeds.
func (f *Form) Submit(p Payload, onSubmit func(Payload) error) error {
	if !f.open {
		return model.NewNoActiveFormError()
	}
	if p == nil || p.Stage() != f.stage {
		var got model.Stage
		if p != nil {
			got = p.Stage()
		}
		return model.NewStageMismatchError(f.stage, got)
	}

	testType := f.testType
	if rp, ok := p.(RequestPayload); ok {
		testType = rp.TestType
	}
	if err := Validate(p, testType, f.panels); err != nil {
		return err
	}

	if err := onSubmit(p); err != nil {
		return err
	}
	f.open = false
	return nil
}
