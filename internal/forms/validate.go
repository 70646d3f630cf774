package forms

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"

	"github.com/pitabwire/labflow/model"
)

// PanelLookup resolves a test type to its panel definition.
type PanelLookup interface {
	GetTestType(name string) (model.TestTypeDefinition, bool)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	// "required" accepts "   "; stage fields must carry text.
	_ = v.RegisterValidation("notblank", validators.NotBlank) // Static tag, cannot fail.
	return v
}

// Validate checks the payload's required fields. For Lab Processing payloads
// with a known testType, every checked item must belong to that test's panel.
// Returns a VALIDATION_ERROR envelope listing every failing field.
func Validate(p Payload, testType string, panels PanelLookup) error {
	var details []model.FieldError

	if err := validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validate %s payload: %w", p.Stage().FormName(), err)
		}
		for _, fe := range verrs {
			details = append(details, fieldError(fe))
		}
	}

	if lp, ok := p.(LabProcessingPayload); ok && panels != nil && testType != "" {
		if def, found := panels.GetTestType(testType); found {
			for _, item := range lp.CheckedItems {
				if item != "" && !def.HasPanelItem(item) {
					details = append(details, model.FieldError{
						Field:   "checkedItems",
						Code:    model.FieldInvalid,
						Message: fmt.Sprintf("%q is not part of the %s panel", item, testType),
					})
				}
			}
		}
	}

	if len(details) > 0 {
		return model.NewValidationError(details)
	}
	return nil
}

func fieldError(fe validator.FieldError) model.FieldError {
	field := fe.Field()
	switch fe.Tag() {
	case "required", "notblank":
		return model.FieldError{Field: field, Code: model.FieldRequired, Message: field + " is required"}
	case "min":
		return model.FieldError{Field: field, Code: model.FieldRequired, Message: fmt.Sprintf("%s needs at least %s entry", field, fe.Param())}
	case "oneof":
		return model.FieldError{
			Field:   field,
			Code:    model.FieldInvalid,
			Message: fmt.Sprintf("%s must be one of %s", field, strings.Join(strings.Fields(fe.Param()), ", ")),
		}
	default:
		return model.FieldError{Field: field, Code: model.FieldInvalid, Message: field + " is invalid"}
	}
}
