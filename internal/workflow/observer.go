package workflow

import (
	"context"
	"time"

	"github.com/pitabwire/labflow/model"
)

// StageObserver receives the outcome of every stage submission, edit and
// batch advance. Implementations may record metrics, logs or publish events.
type StageObserver interface {
	OnStageEvent(ctx context.Context, event TransitionEvent)
}

// TransitionEvent describes the outcome of one attempted record change.
type TransitionEvent struct {
	RecordID string        `json:"record_id"`
	Action   string        `json:"action"`
	From     model.Stage   `json:"from,omitempty"`
	To       model.Stage   `json:"to"`
	TestType string        `json:"test_type,omitempty"`
	ActorID  string        `json:"actor_id"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
	Code     string        `json:"code,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Notify sends event to every observer.
func Notify(ctx context.Context, observers []StageObserver, event TransitionEvent) {
	for _, obs := range observers {
		obs.OnStageEvent(ctx, event)
	}
}
