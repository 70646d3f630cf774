package model

import (
	"slices"
	"time"
)

// Request priorities.
const (
	PriorityRoutine = "Routine"
	PriorityUrgent  = "Urgent"
	PrioritySTAT    = "STAT"
)

// PriorityRank orders priorities by clinical urgency. Unknown values rank
// below Routine.
func PriorityRank(p string) int {
	switch p {
	case PriorityRoutine:
		return 1
	case PriorityUrgent:
		return 2
	case PrioritySTAT:
		return 3
	default:
		return 0
	}
}

// TestRecord is the unit of work tracked through the lab lifecycle. Each
// embedded struct is owned by exactly one stage form; writing one never
// touches the fields of another.
type TestRecord struct {
	ID         string    `json:"id"`
	Status     Stage     `json:"status"`
	Version    int       `json:"version"`
	FacilityID string    `json:"facilityId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`

	RequestDetails
	SampleCollection
	LabProcessing
	ResultsReview
	ResultsCommunication
	DoctorReview
	PatientConsultation
}

// RequestDetails is written by the Request form.
type RequestDetails struct {
	PatientID   string `json:"patientId"   validate:"required,notblank"`
	PatientName string `json:"patientName" validate:"required,notblank"`
	TestType    string `json:"testType"    validate:"required,notblank"`
	Priority    string `json:"priority"    validate:"required,oneof=Routine Urgent STAT"`
	RequestedBy string `json:"requestedBy" validate:"required,notblank"`
	Notes       string `json:"notes"`
}

// SampleCollection is written by the Sample Collection form.
type SampleCollection struct {
	CollectionDate  string `json:"collectionDate"  validate:"required,notblank"`
	CollectionTime  string `json:"collectionTime"  validate:"required,notblank"`
	CollectedBy     string `json:"collectedBy"     validate:"required,notblank"`
	SampleType      string `json:"sampleType"      validate:"required,notblank"`
	SampleCondition string `json:"sampleCondition" validate:"required,notblank"`
}

// LabProcessing is written by the Lab Processing form. CheckedItems holds the
// names of the panel items that were run.
type LabProcessing struct {
	CheckedItems    []string `json:"checkedItems"    validate:"required,min=1,dive,required,notblank"`
	ProcessedBy     string   `json:"processedBy"     validate:"required,notblank"`
	ProcessingDate  string   `json:"processingDate"  validate:"required,notblank"`
	ProcessingNotes string   `json:"processingNotes"`
}

// ResultsReview is written by the Results Review form.
type ResultsReview struct {
	Interpretation string `json:"interpretation" validate:"required,notblank"`
	Comments       string `json:"comments"`
	ReviewedBy     string `json:"reviewedBy"     validate:"required,notblank"`
	ReviewDate     string `json:"reviewDate"     validate:"required,notblank"`
}

// ResultsCommunication is written by the Results Communication form.
type ResultsCommunication struct {
	CommunicationMethod string `json:"communicationMethod" validate:"required,notblank"`
	RecipientName       string `json:"recipientName"       validate:"required,notblank"`
	CommunicatedBy      string `json:"communicatedBy"      validate:"required,notblank"`
	CommunicationDate   string `json:"communicationDate"   validate:"required,notblank"`
}

// DoctorReview is written by the Doctor Review form.
type DoctorReview struct {
	ClinicalInterpretation string `json:"clinicalInterpretation" validate:"required,notblank"`
	Recommendations        string `json:"recommendations"`
	FollowUpRequired       bool   `json:"followUpRequired"`
	DoctorName             string `json:"doctorName"             validate:"required,notblank"`
}

// PatientConsultation is written by the Patient Consultation form.
type PatientConsultation struct {
	ConsultationDate     string `json:"consultationDate"     validate:"required,notblank"`
	PatientUnderstanding string `json:"patientUnderstanding" validate:"required,notblank"`
	NextSteps            string `json:"nextSteps"`
	ConsultedBy          string `json:"consultedBy"          validate:"required,notblank"`
}

// Clone returns a deep copy of r.
func (r TestRecord) Clone() TestRecord {
	r.CheckedItems = slices.Clone(r.CheckedItems)
	return r
}

// StageEvent records one status change or edit in a record's history.
type StageEvent struct {
	ID        string    `json:"id"`
	RecordID  string    `json:"recordId"`
	Action    string    `json:"action"`
	From      Stage     `json:"from,omitempty"`
	To        Stage     `json:"to"`
	ActorID   string    `json:"actorId"`
	Comment   string    `json:"comment,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Stage event actions.
const (
	ActionCreated      = "created"
	ActionStageSubmit  = "stage_submitted"
	ActionEdited       = "edited"
	ActionBatchAdvance = "batch_advanced"
)
