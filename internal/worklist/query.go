package worklist

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pitabwire/labflow/model"
)

// All disables a status or test type filter.
const All = "all"

// SortKey names a sortable column.
type SortKey string

// Sortable columns.
const (
	SortNone        SortKey = ""
	SortPatientName SortKey = "patientName"
	SortPatientID   SortKey = "patientId"
	SortTestType    SortKey = "testType"
	SortPriority    SortKey = "priority"
	SortRequestedBy SortKey = "requestedBy"
	SortStatus      SortKey = "status"
	SortCreatedAt   SortKey = "createdAt"
	SortUpdatedAt   SortKey = "updatedAt"
)

// SortDirection is the direction of the active sort.
type SortDirection string

// Sort directions. SortUnsorted keeps insertion order.
const (
	SortUnsorted SortDirection = ""
	SortAsc      SortDirection = "asc"
	SortDesc     SortDirection = "desc"
)

var comparators = map[SortKey]func(a, b model.TestRecord) int{
	SortPatientName: func(a, b model.TestRecord) int { return strings.Compare(a.PatientName, b.PatientName) },
	SortPatientID:   func(a, b model.TestRecord) int { return strings.Compare(a.PatientID, b.PatientID) },
	SortTestType:    func(a, b model.TestRecord) int { return strings.Compare(a.TestType, b.TestType) },
	SortRequestedBy: func(a, b model.TestRecord) int { return strings.Compare(a.RequestedBy, b.RequestedBy) },
	SortPriority: func(a, b model.TestRecord) int {
		return model.PriorityRank(a.Priority) - model.PriorityRank(b.Priority)
	},
	SortStatus:    func(a, b model.TestRecord) int { return a.Status.Index() - b.Status.Index() },
	SortCreatedAt: func(a, b model.TestRecord) int { return a.CreatedAt.Compare(b.CreatedAt) },
	SortUpdatedAt: func(a, b model.TestRecord) int { return a.UpdatedAt.Compare(b.UpdatedAt) },
}

// ParseSortKey validates a column name.
func ParseSortKey(name string) (SortKey, error) {
	key := SortKey(name)
	if key == SortNone {
		return SortNone, nil
	}
	if _, ok := comparators[key]; !ok {
		return "", model.NewBadRequestError(fmt.Sprintf("unknown sort key %q", name))
	}
	return key, nil
}

// ParseSortDirection validates a direction.
func ParseSortDirection(name string) (SortDirection, error) {
	switch d := SortDirection(strings.ToLower(name)); d {
	case SortUnsorted, SortAsc, SortDesc:
		return d, nil
	default:
		return "", model.NewBadRequestError(fmt.Sprintf("unknown sort direction %q", name))
	}
}

// Query is the filter and sort state of a work list.
type Query struct {
	Status   string        `json:"status"`
	TestType string        `json:"testType"`
	Search   string        `json:"searchTerm"`
	SortKey  SortKey       `json:"sortKey,omitempty"`
	SortDir  SortDirection `json:"sortDirection,omitempty"`
}

// Matches reports whether rec passes every filter of q.
func (q Query) Matches(rec model.TestRecord) bool {
	if !isAll(q.Status) && string(rec.Status) != q.Status {
		return false
	}
	if !isAll(q.TestType) && rec.TestType != q.TestType {
		return false
	}
	return matchesSearch(rec, q.Search)
}

func isAll(v string) bool { return v == "" || strings.EqualFold(v, All) }

// matchesSearch is a case-insensitive substring match against patient name,
// test type and requester; any one matching field is enough. The term is used
// as typed, spaces included; only the empty term matches everything.
func matchesSearch(rec model.TestRecord, term string) bool {
	term = strings.ToLower(term)
	if term == "" {
		return true
	}
	for _, field := range []string{rec.PatientName, rec.TestType, rec.RequestedBy} {
		if strings.Contains(strings.ToLower(field), term) {
			return true
		}
	}
	return false
}

// Filter returns the records passing q's filters, in input order.
func Filter(records []model.TestRecord, q Query) []model.TestRecord {
	out := make([]model.TestRecord, 0, len(records))
	for _, rec := range records {
		if q.Matches(rec) {
			out = append(out, rec)
		}
	}
	return out
}

// Sort returns a stably sorted copy of records. Equal keys keep their input
// order in both directions. An unknown key or SortUnsorted returns the input
// order.
func Sort(records []model.TestRecord, key SortKey, dir SortDirection) []model.TestRecord {
	out := make([]model.TestRecord, len(records))
	copy(out, records)

	cmp, ok := comparators[key]
	if !ok || dir == SortUnsorted {
		return out
	}
	sort.SliceStable(out, func(i, j int) bool {
		c := cmp(out[i], out[j])
		if dir == SortDesc {
			return c > 0
		}
		return c < 0
	})
	return out
}

// Apply filters then sorts records by q.
func Apply(records []model.TestRecord, q Query) []model.TestRecord {
	return Sort(Filter(records, q), q.SortKey, q.SortDir)
}

// NextSort returns the sort state after a click on key: a new column sorts
// ascending, an ascending column flips to descending, and a descending column
// clears the sort.
func NextSort(curKey SortKey, curDir SortDirection, clicked SortKey) (SortKey, SortDirection) {
	if clicked != curKey || curDir == SortUnsorted {
		return clicked, SortAsc
	}
	if curDir == SortAsc {
		return clicked, SortDesc
	}
	return SortNone, SortUnsorted
}

// CountByStage returns the number of records in each stage, in stage order.
func CountByStage(records []model.TestRecord) []model.StageCount {
	counts := make(map[model.Stage]int)
	for _, rec := range records {
		counts[rec.Status]++
	}
	out := make([]model.StageCount, 0, len(model.Stages()))
	for _, st := range model.Stages() {
		out = append(out, model.StageCount{Stage: st, Count: counts[st]})
	}
	return out
}
