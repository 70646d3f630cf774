package model

import (
	"context"
	"errors"
	"fmt"
)

// RequestContext carries the acting staff member, facility and tracing
// information for the lifetime of a request. It is immutable after
// construction and safe for concurrent reads.
type RequestContext struct {
	SubjectID     string
	FacilityID    string
	CorrelationID string
	TraceID       string
	SpanID        string
}

// Validate checks that all mandatory fields are present.
// SubjectID must be non-empty.
func (rc *RequestContext) Validate() error {
	var errs []error
	if rc.SubjectID == "" {
		errs = append(errs, fmt.Errorf("SubjectID is required"))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns nil
// if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}

// ActorFrom returns the SubjectID of the RequestContext carried by ctx, or
// "system" when there is none.
func ActorFrom(ctx context.Context) string {
	if rctx := RequestContextFrom(ctx); rctx != nil && rctx.SubjectID != "" {
		return rctx.SubjectID
	}
	return "system"
}
