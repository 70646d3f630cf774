package definition

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/pitabwire/labflow/model"
)

// snapshot is an immutable view of every loaded catalog.
type snapshot struct {
	catalogs  []model.CatalogDefinition
	testTypes map[string]model.TestTypeDefinition // key: test type name
	names     []string
	checksum  string
}

// Registry is a read-optimized, thread-safe store of the lab catalog. It uses
// atomic pointer swap for lock-free concurrent reads, so a reload never
// blocks form validation.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given catalogs.
func NewRegistry(defs []model.CatalogDefinition) *Registry {
	r := &Registry{}
	r.Replace(defs)
	return r
}

// Replace atomically swaps the registry contents with a new snapshot built
// from the given catalogs. When two catalogs declare the same test type the
// later one wins; Validator reports such duplicates before they get here.
func (r *Registry) Replace(defs []model.CatalogDefinition) {
	s := &snapshot{
		catalogs:  append([]model.CatalogDefinition(nil), defs...),
		testTypes: make(map[string]model.TestTypeDefinition),
	}

	var checksumParts []string
	for _, def := range defs {
		checksumParts = append(checksumParts, def.Checksum)
		for _, tt := range def.TestTypes {
			s.testTypes[tt.Name] = tt
		}
	}
	for name := range s.testTypes {
		s.names = append(s.names, name)
	}
	sort.Strings(s.names)

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// GetTestType returns the test type with the given name.
func (r *Registry) GetTestType(name string) (model.TestTypeDefinition, bool) {
	tt, ok := r.current().testTypes[name]
	return tt, ok
}

// TestTypeNames returns every test type name, sorted.
func (r *Registry) TestTypeNames() []string {
	names := r.current().names
	out := make([]string, len(names))
	copy(out, names)
	return out
}

// AllTestTypes returns every test type, sorted by name.
func (r *Registry) AllTestTypes() []model.TestTypeDefinition {
	s := r.current()
	out := make([]model.TestTypeDefinition, 0, len(s.names))
	for _, name := range s.names {
		out = append(out, s.testTypes[name])
	}
	return out
}

// AllCatalogs returns the loaded catalogs in load order.
func (r *Registry) AllCatalogs() []model.CatalogDefinition {
	return append([]model.CatalogDefinition(nil), r.current().catalogs...)
}

// Loaded reports whether at least one test type is available.
func (r *Registry) Loaded() bool {
	return len(r.current().testTypes) > 0
}

// Checksum returns the combined checksum of all loaded catalogs.
func (r *Registry) Checksum() string {
	return r.current().checksum
}
