package engine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/arcov/conclave/internal/execution"
)

func tracer() trace.Tracer {
	return otel.Tracer("conclave/engine")
}

// startExecutionSpan starts a span covering one root execution.
func (e *Engine) startExecutionSpan(ctx context.Context, exec *execution.Execution) (context.Context, trace.Span) {
	ctx, span := tracer().Start(ctx, "execution.run")
	span.SetAttributes(
		attribute.String("execution.id", exec.ID),
		attribute.String("execution.agent", exec.AgentID),
		attribute.Int("execution.max_steps", exec.MaxSteps),
	)
	return ctx, span
}

// endExecutionSpan closes an execution span with its terminal status.
func (e *Engine) endExecutionSpan(span trace.Span, exec *execution.Execution, err error) {
	span.SetAttributes(
		attribute.String("execution.status", string(exec.Status)),
		attribute.Int("execution.steps", exec.StepCount),
	)
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// startChildSpan starts a span for one workflow child.
func (e *Engine) startChildSpan(ctx context.Context, child *execution.Execution, nodeIndex int) (context.Context, trace.Span) {
	ctx, span := tracer().Start(ctx, "execution.child")
	span.SetAttributes(
		attribute.String("execution.id", child.ID),
		attribute.String("execution.agent", child.AgentID),
		attribute.String("execution.parent", child.ParentExecutionID),
		attribute.Int("execution.node_index", nodeIndex),
	)
	return ctx, span
}

// startSynthesisSpan covers the synthesis call for a settled batch.
func (e *Engine) startSynthesisSpan(ctx context.Context, exec *execution.Execution, batchID string, children int) (context.Context, trace.Span) {
	ctx, span := tracer().Start(ctx, "synthesis.run")
	span.SetAttributes(
		attribute.String("execution.id", exec.ID),
		attribute.String("batch.id", batchID),
		attribute.Int("batch.children", children),
	)
	return ctx, span
}
