package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// PipelineMetrics are the instruments of the event pipeline. A nil
// *PipelineMetrics records nothing.
type PipelineMetrics struct {
	runs        metric.Int64Counter
	outcomes    metric.Int64Counter
	active      metric.Int64UpDownCounter
	queued      metric.Int64UpDownCounter
	votes       metric.Int64Counter
	stageTime   metric.Float64Histogram
	runDuration metric.Float64Histogram
}

func newPipelineMetrics(meter metric.Meter) (*PipelineMetrics, error) {
	m := &PipelineMetrics{}
	var err error
	if m.runs, err = meter.Int64Counter("covenant.pipeline.runs",
		metric.WithDescription("Event requests accepted for processing"),
		metric.WithUnit("{run}")); err != nil {
		return nil, err
	}
	if m.outcomes, err = meter.Int64Counter("covenant.pipeline.outcomes",
		metric.WithDescription("Terminal outcomes by state and reason"),
		metric.WithUnit("{run}")); err != nil {
		return nil, err
	}
	if m.active, err = meter.Int64UpDownCounter("covenant.pipeline.active",
		metric.WithDescription("Runs holding a subject token"),
		metric.WithUnit("{run}")); err != nil {
		return nil, err
	}
	if m.queued, err = meter.Int64UpDownCounter("covenant.pipeline.queued",
		metric.WithDescription("Runs waiting for their subject"),
		metric.WithUnit("{run}")); err != nil {
		return nil, err
	}
	if m.votes, err = meter.Int64Counter("covenant.quorum.votes",
		metric.WithDescription("Votes accepted by collectors"),
		metric.WithUnit("{vote}")); err != nil {
		return nil, err
	}
	if m.stageTime, err = meter.Float64Histogram("covenant.quorum.stage.duration",
		metric.WithDescription("Time from vote request to verdict"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...)); err != nil {
		return nil, err
	}
	if m.runDuration, err = meter.Float64Histogram("covenant.pipeline.run.duration",
		metric.WithDescription("Time from acceptance to terminal state"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...)); err != nil {
		return nil, err
	}
	return m, nil
}

// Accepted counts a request queued behind its subject.
func (m *PipelineMetrics) Accepted(ctx context.Context) {
	if m == nil {
		return
	}
	m.runs.Add(ctx, 1)
	m.queued.Add(ctx, 1)
}

func (m *PipelineMetrics) Started(ctx context.Context) {
	if m == nil {
		return
	}
	m.queued.Add(ctx, -1)
	m.active.Add(ctx, 1)
}

// Finished records a terminal outcome. started reports whether the run held
// its subject token.
func (m *PipelineMetrics) Finished(ctx context.Context, state, reason string, started bool, d time.Duration) {
	if m == nil {
		return
	}
	if started {
		m.active.Add(ctx, -1)
	} else {
		m.queued.Add(ctx, -1)
	}
	attrs := metric.WithAttributes(
		attribute.String("covenant.state", state),
		attribute.String("covenant.reason", reason),
	)
	m.outcomes.Add(ctx, 1, attrs)
	m.runDuration.Record(ctx, d.Seconds(), attrs)
}

func (m *PipelineMetrics) Vote(ctx context.Context, stage string, accept bool) {
	if m == nil {
		return
	}
	m.votes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("covenant.stage", stage),
		attribute.Bool("covenant.accept", accept),
	))
}

func (m *PipelineMetrics) Stage(ctx context.Context, stage, verdict string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageTime.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("covenant.stage", stage),
		attribute.String("covenant.verdict", verdict),
	))
}

// RunAttributes are the span attributes of a pipeline run.
func RunAttributes(requestID, subjectID string, sequence uint64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("covenant.request.id", requestID),
		attribute.String("covenant.subject.id", subjectID),
		attribute.Int64("covenant.sequence", int64(sequence)), //nolint:gosec // sequences stay far below 2^63
	}
}

// SetSpanStatus marks the span in ctx as failed when err is non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

// AddSpanEvent adds a named event to the span in ctx.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}
