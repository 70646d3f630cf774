package definition

import (
	"fmt"

	"github.com/pitabwire/labflow/model"
)

// VError describes a single validation error in a catalog.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator checks catalogs structurally and across files.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all catalogs. Test type names must be unique across every
// catalog, since records refer to them by name.
func (v *Validator) Validate(defs []model.CatalogDefinition) []VError {
	var errs []VError
	seen := make(map[string]string) // test type name -> path of first declaration

	for i, def := range defs {
		prefix := fmt.Sprintf("catalogs[%d]", i)
		if def.SourceFile != "" {
			prefix = def.SourceFile
		}

		if def.Lab == "" {
			errs = append(errs, VError{Path: prefix + ".lab", Code: "REQUIRED", Message: "lab is required"})
		}
		if def.Version == "" {
			errs = append(errs, VError{Path: prefix + ".version", Code: "REQUIRED", Message: "version is required"})
		}
		if len(def.TestTypes) == 0 {
			errs = append(errs, VError{Path: prefix + ".test_types", Code: "REQUIRED", Message: "at least one test type is required"})
		}

		for j, tt := range def.TestTypes {
			tp := fmt.Sprintf("%s.test_types[%d]", prefix, j)
			errs = append(errs, v.validateTestType(tp, tt)...)

			if tt.Name == "" {
				continue
			}
			if first, dup := seen[tt.Name]; dup {
				errs = append(errs, VError{
					Path:    tp + ".name",
					Code:    "DUPLICATE",
					Message: fmt.Sprintf("test type %q already declared at %s", tt.Name, first),
				})
				continue
			}
			seen[tt.Name] = tp
		}
	}
	return errs
}

func (v *Validator) validateTestType(prefix string, tt model.TestTypeDefinition) []VError {
	var errs []VError

	if tt.Name == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "name is required"})
	}
	if len(tt.PanelItems) == 0 {
		errs = append(errs, VError{Path: prefix + ".panel_items", Code: "REQUIRED", Message: "at least one panel item is required"})
	}

	items := make(map[string]bool, len(tt.PanelItems))
	for i, item := range tt.PanelItems {
		ip := fmt.Sprintf("%s.panel_items[%d]", prefix, i)
		if item == "" {
			errs = append(errs, VError{Path: ip, Code: "REQUIRED", Message: "panel item must not be empty"})
			continue
		}
		if items[item] {
			errs = append(errs, VError{Path: ip, Code: "DUPLICATE", Message: fmt.Sprintf("panel item %q is listed twice", item)})
		}
		items[item] = true
	}
	return errs
}
