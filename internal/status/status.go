// Package status publishes best-effort progress events for executions.
package status

import (
	"context"

	"github.com/arcov/conclave/internal/logging"
)

// Reporter publishes status events. Publish must never fail from the
// caller's perspective; implementations swallow and log their own errors.
type Reporter interface {
	Publish(ctx context.Context, source, message string, metadata map[string]any, significant bool)
}

// NopReporter discards all events.
type NopReporter struct{}

// Publish discards the event.
func (NopReporter) Publish(ctx context.Context, source, message string, metadata map[string]any, significant bool) {
}

// LogReporter writes events to the structured logger.
type LogReporter struct {
	logger *logging.Logger
}

// NewLogReporter creates a reporter backed by the given logger.
func NewLogReporter(logger *logging.Logger) *LogReporter {
	return &LogReporter{logger: logger.WithComponent("status")}
}

// Publish logs the event. Significant events log at info, the rest at debug.
func (r *LogReporter) Publish(ctx context.Context, source, message string, metadata map[string]any, significant bool) {
	fields := map[string]interface{}{"source": source}
	for k, v := range metadata {
		fields[k] = v
	}
	if significant {
		r.logger.Info(message, fields)
	} else {
		r.logger.Debug(message, fields)
	}
}
