package model

import (
	"encoding/json"
	"testing"
)

func TestTestRecord_JSONIsFlat(t *testing.T) {
	rec := TestRecord{
		ID:     "rec-1",
		Status: StageSampleCollected,
		RequestDetails: RequestDetails{
			PatientName: "Jane Smith",
			TestType:    "CBC",
		},
		SampleCollection: SampleCollection{CollectedBy: "nurse-4"},
	}
	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	for _, key := range []string{"patientName", "testType", "collectedBy", "status", "checkedItems"} {
		if _, ok := m[key]; !ok {
			t.Errorf("key %q missing from JSON", key)
		}
	}
	if m["status"] != "Sample Collected" {
		t.Errorf("status = %v, want %q", m["status"], "Sample Collected")
	}
}

func TestTestRecord_CloneIsDeep(t *testing.T) {
	rec := TestRecord{LabProcessing: LabProcessing{CheckedItems: []string{"Hemoglobin"}}}
	cp := rec.Clone()
	cp.CheckedItems[0] = "Platelets"
	if rec.CheckedItems[0] != "Hemoglobin" {
		t.Error("Clone shares CheckedItems with the original")
	}
}

func TestPriorityRank(t *testing.T) {
	if !(PriorityRank(PriorityRoutine) < PriorityRank(PriorityUrgent) &&
		PriorityRank(PriorityUrgent) < PriorityRank(PrioritySTAT)) {
		t.Error("priority ranks are not ordered Routine < Urgent < STAT")
	}
	if PriorityRank("unknown") != 0 {
		t.Errorf("PriorityRank(unknown) = %d, want 0", PriorityRank("unknown"))
	}
}
