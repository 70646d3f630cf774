package model

// FormDescriptor is a stage form resolved for rendering: its sections, the
// fields it owns and their pre-filled values.
type FormDescriptor struct {
	ID             string              `json:"id"`
	Title          string              `json:"title"`
	Stage          Stage               `json:"stage"`
	RecordID       string              `json:"record_id,omitempty"`
	Sections       []SectionDescriptor `json:"sections"`
	SubmitEndpoint string              `json:"submit_endpoint"`
}

// SectionDescriptor is a resolved section.
type SectionDescriptor struct {
	ID      string            `json:"id"`
	Title   string            `json:"title"`
	Columns int               `json:"columns,omitempty"`
	Fields  []FieldDescriptor `json:"fields"`
}

// FieldDescriptor is a resolved field.
type FieldDescriptor struct {
	Field       string             `json:"field"`
	Label       string             `json:"label"`
	Type        string             `json:"type"`
	Required    bool               `json:"required"`
	Options     []OptionDescriptor `json:"options,omitempty"`
	Placeholder string             `json:"placeholder,omitempty"`
	Value       any                `json:"value,omitempty"`
}

// OptionDescriptor is a static option for select and checklist fields.
type OptionDescriptor struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// ActionDescriptor is one entry of the batch action menu.
type ActionDescriptor struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	Target Stage  `json:"target"`
}

// StageCount is the number of records currently in a stage.
type StageCount struct {
	Stage Stage `json:"stage"`
	Count int   `json:"count"`
}
