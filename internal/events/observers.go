// Package events turns workflow transition outcomes into logs, metrics and
// broker messages.
package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/pitabwire/labflow/internal/observability"
	"github.com/pitabwire/labflow/internal/workflow"
	"github.com/pitabwire/labflow/model"
)

// LogObserver writes one structured log line per transition outcome.
type LogObserver struct {
	logger *zap.Logger
}

// NewLogObserver creates a LogObserver. The logger in the event's context,
// if any, takes precedence over logger.
func NewLogObserver(logger *zap.Logger) *LogObserver {
	return &LogObserver{logger: logger}
}

// OnStageEvent implements workflow.StageObserver.
func (o *LogObserver) OnStageEvent(ctx context.Context, e workflow.TransitionEvent) {
	logger := observability.RequestLogger(ctx, o.logger)
	fields := []zap.Field{
		zap.String("record_id", e.RecordID),
		zap.String("action", e.Action),
		zap.String("from", string(e.From)),
		zap.String("to", string(e.To)),
		zap.String("test_type", e.TestType),
		zap.String("actor_id", e.ActorID),
		zap.Duration("duration", e.Duration),
	}

	switch {
	case e.Success:
		logger.Info("stage transition", fields...)
	case isClientError(e.Code):
		logger.Warn("stage transition rejected", append(fields, zap.String("code", e.Code), zap.String("error", e.Error))...)
	default:
		logger.Error("stage transition failed", append(fields, zap.String("code", e.Code), zap.String("error", e.Error))...)
	}
}

// OnIdempotentReplay implements batch.ReplayObserver.
func (o *LogObserver) OnIdempotentReplay(ctx context.Context, actionID string) {
	observability.RequestLogger(ctx, o.logger).Debug("batch served from idempotency store",
		zap.String("action_id", actionID),
	)
}

func isClientError(code string) bool {
	switch code {
	case model.ErrValidationError, model.ErrConflict, model.ErrInvalidTransition,
		model.ErrNotFound, model.ErrBadRequest, model.ErrStageMismatch,
		model.ErrUnknownStage:
		return true
	}
	return false
}

// MetricsObserver records transition outcomes as Prometheus metrics.
type MetricsObserver struct {
	metrics *observability.Metrics
}

// NewMetricsObserver creates a MetricsObserver.
func NewMetricsObserver(m *observability.Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

// OnStageEvent implements workflow.StageObserver.
func (o *MetricsObserver) OnStageEvent(_ context.Context, e workflow.TransitionEvent) {
	if e.Code == model.ErrValidationError {
		o.metrics.RecordStageValidationFailure(string(e.To))
		return
	}
	status := "success"
	if !e.Success {
		status = "error"
	}
	o.metrics.RecordStageTransition(e.Action, string(e.To), status, e.Duration)
}

// OnBatchAdvance implements batch.BatchObserver.
func (o *MetricsObserver) OnBatchAdvance(_ context.Context, target model.Stage, size int, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	o.metrics.RecordBatchAdvance(string(target), status, size)
}

// OnIdempotentReplay implements batch.ReplayObserver.
func (o *MetricsObserver) OnIdempotentReplay(_ context.Context, _ string) {
	o.metrics.RecordIdempotentReplay()
}
