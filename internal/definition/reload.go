package definition

import (
	"embed"
	"errors"
	"fmt"

	"github.com/pitabwire/labflow/model"
)

//go:embed defaults/*.yaml
var defaultCatalogs embed.FS

// LoadDefaults parses the catalogs compiled into the binary. They are used
// when no catalog directory is configured.
func LoadDefaults() ([]model.CatalogDefinition, error) {
	return NewLoader().Load(DefaultSource())
}

// Load reads the catalogs from directories, or the built-in defaults when
// directories is empty, and validates them.
func Load(directories []string) ([]model.CatalogDefinition, error) {
	loader := NewLoader()
	var (
		defs []model.CatalogDefinition
		err  error
	)
	if len(directories) == 0 {
		defs, err = loader.Load(DefaultSource())
	} else {
		defs, err = loader.LoadAll(directories)
	}
	if err != nil {
		return nil, err
	}

	if verrs := NewValidator().Validate(defs); len(verrs) > 0 {
		errs := make([]error, len(verrs))
		for i, ve := range verrs {
			errs[i] = ve
		}
		return nil, fmt.Errorf("catalog validation failed: %w", errors.Join(errs...))
	}
	return defs, nil
}

// Reload loads and validates the catalogs and swaps them into r. On any
// error r keeps serving the previous snapshot.
func (r *Registry) Reload(directories []string) error {
	defs, err := Load(directories)
	if err != nil {
		return err
	}
	r.Replace(defs)
	return nil
}
