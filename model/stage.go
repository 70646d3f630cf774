package model

import (
	"fmt"
	"strings"
)

// Stage is a position in the lab test lifecycle. The zero value is not a
// valid stage.
type Stage string

// Lifecycle stages in processing order.
const (
	StageRequested             Stage = "Requested"
	StageSampleCollected       Stage = "Sample Collected"
	StageProcessed             Stage = "Processed"
	StageReviewed              Stage = "Reviewed"
	StageCommunicated          Stage = "Communicated"
	StageDoctorReviewed        Stage = "Doctor Reviewed"
	StageConsultationCompleted Stage = "Consultation Completed"
)

var stageOrder = [...]Stage{
	StageRequested,
	StageSampleCollected,
	StageProcessed,
	StageReviewed,
	StageCommunicated,
	StageDoctorReviewed,
	StageConsultationCompleted,
}

// Form names shown for the form that records each stage.
var stageForms = map[Stage]string{
	StageRequested:             "Request",
	StageSampleCollected:       "Sample Collection",
	StageProcessed:             "Lab Processing",
	StageReviewed:              "Results Review",
	StageCommunicated:          "Results Communication",
	StageDoctorReviewed:        "Doctor Review",
	StageConsultationCompleted: "Patient Consultation",
}

// Stages returns all stages in processing order. The returned slice is a copy.
func Stages() []Stage {
	out := make([]Stage, len(stageOrder))
	copy(out, stageOrder[:])
	return out
}

// FirstStage is the status every new record starts in.
func FirstStage() Stage { return stageOrder[0] }

// LastStage is the terminal stage.
func LastStage() Stage { return stageOrder[len(stageOrder)-1] }

// Index returns the position of s in the processing order, or -1 when s is
// not a registered stage.
func (s Stage) Index() int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is one of the registered stages.
func (s Stage) Valid() bool { return s.Index() >= 0 }

// IsTerminal reports whether s is the final stage.
func (s Stage) IsTerminal() bool { return s == LastStage() }

// FormName returns the name of the form that records s.
func (s Stage) FormName() string { return stageForms[s] }

func (s Stage) String() string { return string(s) }

// NextStage returns the stage following s. It is total: the terminal stage
// and unknown values map to themselves.
func NextStage(s Stage) Stage {
	i := s.Index()
	if i < 0 || i == len(stageOrder)-1 {
		return s
	}
	return stageOrder[i+1]
}

// PreviousStage returns the stage preceding s, and false when s is the first
// stage or unknown.
func PreviousStage(s Stage) (Stage, bool) {
	i := s.Index()
	if i <= 0 {
		return "", false
	}
	return stageOrder[i-1], true
}

// ParseStage resolves a stage name. Matching ignores case and accepts
// underscores or hyphens in place of spaces, so "sample_collected" resolves
// to StageSampleCollected.
func ParseStage(name string) (Stage, error) {
	norm := normalizeStageName(name)
	for _, st := range stageOrder {
		if normalizeStageName(string(st)) == norm {
			return st, nil
		}
	}
	return "", NewUnknownStageError(name)
}

// StageForForm resolves a form name ("Lab Processing") to the stage it records.
func StageForForm(form string) (Stage, bool) {
	norm := normalizeStageName(form)
	for st, f := range stageForms {
		if normalizeStageName(f) == norm {
			return st, true
		}
	}
	return "", false
}

func normalizeStageName(name string) string {
	name = strings.NewReplacer("_", " ", "-", " ").Replace(name)
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// MarshalText implements encoding.TextMarshaler.
func (s Stage) MarshalText() ([]byte, error) {
	if s != "" && !s.Valid() {
		return nil, fmt.Errorf("model: cannot marshal unknown stage %q", string(s))
	}
	return []byte(s), nil
}

// UnmarshalText implements encoding.TextUnmarshaler and rejects names that
// are not registered stages.
func (s *Stage) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*s = ""
		return nil
	}
	st, err := ParseStage(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}
