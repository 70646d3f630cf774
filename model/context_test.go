package model

import (
	"context"
	"testing"
)

func TestRequestContext_Validate(t *testing.T) {
	tests := []struct {
		name    string
		rc      *RequestContext
		wantErr bool
	}{
		{
			name:    "valid context",
			rc:      &RequestContext{SubjectID: "tech-1", FacilityID: "fac-1"},
			wantErr: false,
		},
		{
			name:    "facility optional",
			rc:      &RequestContext{SubjectID: "tech-1"},
			wantErr: false,
		},
		{
			name:    "missing SubjectID",
			rc:      &RequestContext{FacilityID: "fac-1"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rc.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWithRequestContext_roundtrip(t *testing.T) {
	rc := &RequestContext{SubjectID: "tech-1", CorrelationID: "corr-9"}
	ctx := WithRequestContext(context.Background(), rc)

	got := RequestContextFrom(ctx)
	if got == nil {
		t.Fatal("RequestContextFrom returned nil")
	}
	if got.CorrelationID != "corr-9" {
		t.Errorf("CorrelationID = %q, want %q", got.CorrelationID, "corr-9")
	}
}

func TestRequestContextFrom_missing(t *testing.T) {
	if got := RequestContextFrom(context.Background()); got != nil {
		t.Errorf("RequestContextFrom = %+v, want nil", got)
	}
}

func TestActorFrom(t *testing.T) {
	if got := ActorFrom(context.Background()); got != "system" {
		t.Errorf("ActorFrom(empty) = %q, want %q", got, "system")
	}
	ctx := WithRequestContext(context.Background(), &RequestContext{SubjectID: "nurse-4"})
	if got := ActorFrom(ctx); got != "nurse-4" {
		t.Errorf("ActorFrom = %q, want %q", got, "nurse-4")
	}
}
