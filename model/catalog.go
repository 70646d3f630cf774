package model

// CatalogDefinition is the root structure of a lab catalog file. Each file
// declares the test types a lab offers and the panel items run for each.
type CatalogDefinition struct {
	Lab       string               `yaml:"lab"        json:"lab"`
	Version   string               `yaml:"version"    json:"version"`
	TestTypes []TestTypeDefinition `yaml:"test_types" json:"test_types"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-" json:"-"`
	// SourceFile records the originating file path.
	SourceFile string `yaml:"-" json:"-"`
}

// TestTypeDefinition describes one orderable lab test.
type TestTypeDefinition struct {
	Name        string   `yaml:"name"         json:"name"`
	Code        string   `yaml:"code"         json:"code,omitempty"`
	SampleTypes []string `yaml:"sample_types" json:"sample_types,omitempty"`
	PanelItems  []string `yaml:"panel_items"  json:"panel_items"`
}

// HasPanelItem reports whether item is part of the test type's panel.
func (t TestTypeDefinition) HasPanelItem(item string) bool {
	for _, p := range t.PanelItems {
		if p == item {
			return true
		}
	}
	return false
}
