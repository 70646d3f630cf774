// Package definition loads lab catalog YAML files, validates them and
// provides a fast-lookup registry with atomic pointer swap.
package definition

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/labflow/model"
)

// Source is one tree of catalog files. Name prefixes the SourceFile of every
// catalog read from it.
type Source struct {
	Name string
	FS   fs.FS
}

// DirSource reads catalogs from a directory on disk.
func DirSource(dir string) Source {
	return Source{Name: dir, FS: os.DirFS(dir)}
}

// DefaultSource is the catalog set compiled into the binary.
func DefaultSource() Source {
	sub, _ := fs.Sub(defaultCatalogs, "defaults") // Constant, valid path.
	return Source{Name: "defaults", FS: sub}
}

// Loader reads catalog files and computes their SHA-256 checksums.
type Loader struct{}

// NewLoader creates a new catalog Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load reads every .yaml and .yml file of the sources, in source order and
// lexical order within a source. Unknown keys are an error, so a misspelt
// "panel_item" fails the load instead of yielding an empty panel.
func (l *Loader) Load(sources ...Source) ([]model.CatalogDefinition, error) {
	var defs []model.CatalogDefinition
	for _, src := range sources {
		err := fs.WalkDir(src.FS, ".", func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !isCatalogFile(p) {
				return nil
			}
			name := filepath.Join(src.Name, filepath.FromSlash(p))
			data, err := fs.ReadFile(src.FS, p)
			if err != nil {
				return fmt.Errorf("reading %s: %w", name, err)
			}
			def, err := decodeCatalog(data, name)
			if err != nil {
				return err
			}
			defs = append(defs, def)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", src.Name, err)
		}
	}
	return defs, nil
}

// LoadAll loads every catalog under the given directories.
func (l *Loader) LoadAll(directories []string) ([]model.CatalogDefinition, error) {
	sources := make([]Source, len(directories))
	for i, dir := range directories {
		sources[i] = DirSource(dir)
	}
	return l.Load(sources...)
}

// LoadFile loads a single catalog file.
func (l *Loader) LoadFile(file string) (model.CatalogDefinition, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return model.CatalogDefinition{}, fmt.Errorf("reading %s: %w", file, err)
	}
	return decodeCatalog(data, file)
}

func isCatalogFile(p string) bool {
	switch strings.ToLower(path.Ext(p)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

func decodeCatalog(data []byte, source string) (model.CatalogDefinition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var def model.CatalogDefinition
	if err := dec.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return model.CatalogDefinition{}, fmt.Errorf("parsing %s: file is empty", source)
		}
		return model.CatalogDefinition{}, fmt.Errorf("parsing %s: %w", source, err)
	}

	sum := sha256.Sum256(data)
	def.Checksum = hex.EncodeToString(sum[:])
	def.SourceFile = source
	return def, nil
}
