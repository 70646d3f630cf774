package forms

import (
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/pitabwire/labflow/model"
)

// Payload is the set of fields one stage form emits on submit. The set of
// implementations is closed: one per stage.
type Payload interface {
	// Stage returns the stage the payload records.
	Stage() model.Stage
	isPayload()
}

// RequestPayload is emitted by the Request form.
type RequestPayload struct{ model.RequestDetails }

// SampleCollectionPayload is emitted by the Sample Collection form.
type SampleCollectionPayload struct{ model.SampleCollection }

// LabProcessingPayload is emitted by the Lab Processing form.
type LabProcessingPayload struct{ model.LabProcessing }

// ResultsReviewPayload is emitted by the Results Review form.
type ResultsReviewPayload struct{ model.ResultsReview }

// ResultsCommunicationPayload is emitted by the Results Communication form.
type ResultsCommunicationPayload struct{ model.ResultsCommunication }

// DoctorReviewPayload is emitted by the Doctor Review form.
type DoctorReviewPayload struct{ model.DoctorReview }

// PatientConsultationPayload is emitted by the Patient Consultation form.
type PatientConsultationPayload struct{ model.PatientConsultation }

func (RequestPayload) Stage() model.Stage              { return model.StageRequested }
func (SampleCollectionPayload) Stage() model.Stage     { return model.StageSampleCollected }
func (LabProcessingPayload) Stage() model.Stage        { return model.StageProcessed }
func (ResultsReviewPayload) Stage() model.Stage        { return model.StageReviewed }
func (ResultsCommunicationPayload) Stage() model.Stage { return model.StageCommunicated }
func (DoctorReviewPayload) Stage() model.Stage         { return model.StageDoctorReviewed }
func (PatientConsultationPayload) Stage() model.Stage  { return model.StageConsultationCompleted }

func (RequestPayload) isPayload()              {}
func (SampleCollectionPayload) isPayload()     {}
func (LabProcessingPayload) isPayload()        {}
func (ResultsReviewPayload) isPayload()        {}
func (ResultsCommunicationPayload) isPayload() {}
func (DoctorReviewPayload) isPayload()         {}
func (PatientConsultationPayload) isPayload()  {}

// Merge writes the payload's fields into a copy of rec. Only the fields owned
// by the payload's stage change; status is left to the caller.
func Merge(rec model.TestRecord, p Payload) (model.TestRecord, error) {
	rec = rec.Clone()
	switch v := p.(type) {
	case RequestPayload:
		rec.RequestDetails = v.RequestDetails
	case SampleCollectionPayload:
		rec.SampleCollection = v.SampleCollection
	case LabProcessingPayload:
		rec.LabProcessing = v.LabProcessing
		rec.CheckedItems = append([]string(nil), v.CheckedItems...)
	case ResultsReviewPayload:
		rec.ResultsReview = v.ResultsReview
	case ResultsCommunicationPayload:
		rec.ResultsCommunication = v.ResultsCommunication
	case DoctorReviewPayload:
		rec.DoctorReview = v.DoctorReview
	case PatientConsultationPayload:
		rec.PatientConsultation = v.PatientConsultation
	default:
		return model.TestRecord{}, model.NewBadRequestError(fmt.Sprintf("unsupported payload type %T", p))
	}
	return rec, nil
}

// Prefill extracts the payload for stage from rec. A nil rec yields the
// zero payload, so every field starts empty.
func Prefill(stage model.Stage, rec *model.TestRecord) (Payload, error) {
	var r model.TestRecord
	if rec != nil {
		r = rec.Clone()
	}
	switch stage {
	case model.StageRequested:
		return RequestPayload{r.RequestDetails}, nil
	case model.StageSampleCollected:
		return SampleCollectionPayload{r.SampleCollection}, nil
	case model.StageProcessed:
		return LabProcessingPayload{r.LabProcessing}, nil
	case model.StageReviewed:
		return ResultsReviewPayload{r.ResultsReview}, nil
	case model.StageCommunicated:
		return ResultsCommunicationPayload{r.ResultsCommunication}, nil
	case model.StageDoctorReviewed:
		return DoctorReviewPayload{r.DoctorReview}, nil
	case model.StageConsultationCompleted:
		return PatientConsultationPayload{r.PatientConsultation}, nil
	default:
		return nil, model.NewUnknownStageError(string(stage))
	}
}

// Decode parses a JSON body into the payload type for stage. Keys owned by
// other stages are ignored.
func Decode(stage model.Stage, data []byte) (Payload, error) {
	p, err := Prefill(stage, nil)
	if err != nil {
		return nil, err
	}
	switch v := p.(type) {
	case RequestPayload:
		err = json.Unmarshal(data, &v)
		p = v
	case SampleCollectionPayload:
		err = json.Unmarshal(data, &v)
		p = v
	case LabProcessingPayload:
		err = json.Unmarshal(data, &v)
		p = v
	case ResultsReviewPayload:
		err = json.Unmarshal(data, &v)
		p = v
	case ResultsCommunicationPayload:
		err = json.Unmarshal(data, &v)
		p = v
	case DoctorReviewPayload:
		err = json.Unmarshal(data, &v)
		p = v
	case PatientConsultationPayload:
		err = json.Unmarshal(data, &v)
		p = v
	}
	if err != nil {
		return nil, model.NewBadRequestError(fmt.Sprintf("invalid %s payload: %v", stage.FormName(), err))
	}
	return p, nil
}
