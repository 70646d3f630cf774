package forms

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/pitabwire/labflow/model"
)

// fieldSpec is the rendering hint for one payload field.
type fieldSpec struct {
	Label       string
	Type        string
	Placeholder string
	Options     []string
}

// Input hints shared by the date and time fields.
const (
	datePlaceholder = "YYYY-MM-DD"
	timePlaceholder = "HH:MM"
)

type sectionSpec struct {
	ID     string
	Title  string
	Fields []string
}

var fieldSpecs = map[string]fieldSpec{
	"patientId":   {Label: "Patient ID", Type: "text", Placeholder: "e.g. P-10042"},
	"patientName": {Label: "Patient Name", Type: "text", Placeholder: "Full name"},
	"testType":    {Label: "Test Type", Type: "select"},
	"priority":    {Label: "Priority", Type: "select", Options: []string{model.PriorityRoutine, model.PriorityUrgent, model.PrioritySTAT}},
	"requestedBy": {Label: "Requested By", Type: "text", Placeholder: "Ordering clinician"},
	"notes":       {Label: "Notes", Type: "textarea"},

	"collectionDate":  {Label: "Collection Date", Type: "date", Placeholder: datePlaceholder},
	"collectionTime":  {Label: "Collection Time", Type: "time", Placeholder: timePlaceholder},
	"collectedBy":     {Label: "Collected By", Type: "text"},
	"sampleType":      {Label: "Sample Type", Type: "select"},
	"sampleCondition": {Label: "Sample Condition", Type: "select", Options: []string{"Good", "Hemolyzed", "Clotted", "Insufficient", "Contaminated"}},

	"checkedItems":    {Label: "Tests Performed", Type: "checklist"},
	"processedBy":     {Label: "Processed By", Type: "text"},
	"processingDate":  {Label: "Processing Date", Type: "date", Placeholder: datePlaceholder},
	"processingNotes": {Label: "Processing Notes", Type: "textarea"},

	"interpretation": {Label: "Interpretation", Type: "select", Options: []string{"Normal", "Abnormal", "Critical", "Inconclusive"}},
	"comments":       {Label: "Comments", Type: "textarea"},
	"reviewedBy":     {Label: "Reviewed By", Type: "text"},
	"reviewDate":     {Label: "Review Date", Type: "date", Placeholder: datePlaceholder},

	"communicationMethod": {Label: "Communication Method", Type: "select", Options: []string{"Phone", "Email", "In Person", "Patient Portal"}},
	"recipientName":       {Label: "Recipient Name", Type: "text"},
	"communicatedBy":      {Label: "Communicated By", Type: "text"},
	"communicationDate":   {Label: "Communication Date", Type: "date", Placeholder: datePlaceholder},

	"clinicalInterpretation": {Label: "Clinical Interpretation", Type: "textarea"},
	"recommendations":        {Label: "Recommendations", Type: "textarea"},
	"followUpRequired":       {Label: "Follow-up Required", Type: "checkbox"},
	"doctorName":             {Label: "Doctor Name", Type: "text"},

	"consultationDate":     {Label: "Consultation Date", Type: "date", Placeholder: datePlaceholder},
	"patientUnderstanding": {Label: "Patient Understanding", Type: "select", Options: []string{"Good", "Fair", "Poor"}},
	"nextSteps":            {Label: "Next Steps", Type: "textarea"},
	"consultedBy":          {Label: "Consulted By", Type: "text"},
}

var sectionSpecs = map[model.Stage][]sectionSpec{
	model.StageRequested: {
		{ID: "patient", Title: "Patient", Fields: []string{"patientId", "patientName"}},
		{ID: "test", Title: "Test", Fields: []string{"testType", "priority", "requestedBy", "notes"}},
	},
	model.StageSampleCollected: {
		{ID: "collection", Title: "Collection", Fields: []string{"collectionDate", "collectionTime", "collectedBy"}},
		{ID: "sample", Title: "Sample", Fields: []string{"sampleType", "sampleCondition"}},
	},
	model.StageProcessed: {
		{ID: "panel", Title: "Panel", Fields: []string{"checkedItems"}},
		{ID: "processing", Title: "Processing", Fields: []string{"processedBy", "processingDate", "processingNotes"}},
	},
	model.StageReviewed: {
		{ID: "review", Title: "Review", Fields: []string{"interpretation", "comments", "reviewedBy", "reviewDate"}},
	},
	model.StageCommunicated: {
		{ID: "communication", Title: "Communication", Fields: []string{"communicationMethod", "recipientName", "communicatedBy", "communicationDate"}},
	},
	model.StageDoctorReviewed: {
		{ID: "doctor", Title: "Doctor Review", Fields: []string{"clinicalInterpretation", "recommendations", "followUpRequired", "doctorName"}},
	},
	model.StageConsultationCompleted: {
		{ID: "consultation", Title: "Consultation", Fields: []string{"consultationDate", "patientUnderstanding", "nextSteps", "consultedBy"}},
	},
}

// Options supplies dynamic select options: test types, sample types and
// panel items come from the lab catalog.
type Options interface {
	TestTypeNames() []string
	GetTestType(name string) (model.TestTypeDefinition, bool)
}

// Describe resolves the descriptor of stage's form, pre-filled from values.
// Required flags come from the payload's validation tags.
func Describe(values Payload, recordID, testType string, opts Options) model.FormDescriptor {
	stage := values.Stage()
	current := fieldValues(values)
	required := requiredFields(values)

	desc := model.FormDescriptor{
		ID:       formID(stage),
		Title:    stage.FormName(),
		Stage:    stage,
		RecordID: recordID,
	}
	if recordID != "" {
		desc.SubmitEndpoint = fmt.Sprintf("/lab/tests/%s/stages/%s", recordID, formID(stage))
	} else {
		desc.SubmitEndpoint = "/lab/tests"
	}

	for _, sec := range sectionSpecs[stage] {
		sd := model.SectionDescriptor{ID: sec.ID, Title: sec.Title, Columns: 2}
		for _, name := range sec.Fields {
			spec := fieldSpecs[name]
			fd := model.FieldDescriptor{
				Field:       name,
				Label:       spec.Label,
				Type:        spec.Type,
				Required:    required[name],
				Options:     toOptions(spec.Options),
				Placeholder: spec.Placeholder,
				Value:       current[name],
			}
			if opts != nil {
				switch name {
				case "testType":
					fd.Options = toOptions(opts.TestTypeNames())
				case "sampleType":
					if def, ok := opts.GetTestType(testType); ok {
						fd.Options = toOptions(def.SampleTypes)
					}
				case "checkedItems":
					if def, ok := opts.GetTestType(testType); ok {
						fd.Options = toOptions(def.PanelItems)
					}
				}
			}
			sd.Fields = append(sd.Fields, fd)
		}
		desc.Sections = append(desc.Sections, sd)
	}
	return desc
}

// formID is the URL-safe identifier of a stage, e.g. "sample_collected".
func formID(stage model.Stage) string {
	return strings.ReplaceAll(strings.ToLower(string(stage)), " ", "_")
}

func toOptions(values []string) []model.OptionDescriptor {
	if len(values) == 0 {
		return nil
	}
	out := make([]model.OptionDescriptor, len(values))
	for i, v := range values {
		out[i] = model.OptionDescriptor{Label: v, Value: v}
	}
	return out
}

// fieldValues flattens the payload's owned struct into json-name keyed values.
func fieldValues(p Payload) map[string]any {
	out := make(map[string]any)
	walkFields(reflect.ValueOf(p), func(name string, _ reflect.StructField, v reflect.Value) {
		out[name] = v.Interface()
	})
	return out
}

func requiredFields(p Payload) map[string]bool {
	out := make(map[string]bool)
	walkFields(reflect.ValueOf(p), func(name string, f reflect.StructField, _ reflect.Value) {
		for _, rule := range strings.Split(f.Tag.Get("validate"), ",") {
			if rule == "dive" {
				break
			}
			if rule == "required" {
				out[name] = true
			}
		}
	})
	return out
}

func walkFields(v reflect.Value, fn func(name string, f reflect.StructField, v reflect.Value)) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Anonymous && f.Type.Kind() == reflect.Struct {
			walkFields(v.Field(i), fn)
			continue
		}
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			continue
		}
		fn(name, f, v.Field(i))
	}
}
