package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/docflow/convert"
	"github.com/xraph/docflow/ext"
	"github.com/xraph/docflow/job"
)

// Compile-time interface checks.
var (
	_ ext.Extension    = (*MetricsExtension)(nil)
	_ ext.JobSubmitted = (*MetricsExtension)(nil)
	_ ext.JobStarted   = (*MetricsExtension)(nil)
	_ ext.JobCompleted = (*MetricsExtension)(nil)
	_ ext.JobFailed    = (*MetricsExtension)(nil)
	_ ext.JobRetrying  = (*MetricsExtension)(nil)
	_ ext.JobCanceled  = (*MetricsExtension)(nil)
)

const meterName = "github.com/xraph/docflow/observability"

// MetricsExtension counts lifecycle events.
type MetricsExtension struct {
	JobSubmitted metric.Int64Counter
	JobStarted   metric.Int64Counter
	JobCompleted metric.Int64Counter
	JobFailed    metric.Int64Counter
	JobRetried   metric.Int64Counter
	JobCanceled  metric.Int64Counter

	// JobDuration is processing time of completed jobs in seconds.
	JobDuration metric.Float64Histogram
	// InputBytes is the size distribution of submitted files.
	InputBytes metric.Int64Histogram
}

// NewMetricsExtension creates a MetricsExtension on the global
// MeterProvider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the
// provided meter. Instrument errors fall back to noop instruments.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	counter := func(name, desc string) metric.Int64Counter {
		c, _ := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit("{job}")) //nolint:errcheck // noop fallback
		return c
	}
	duration, _ := meter.Float64Histogram("docflow.job.duration", //nolint:errcheck // noop fallback
		metric.WithDescription("Processing time of completed jobs"),
		metric.WithUnit("s"),
	)
	input, _ := meter.Int64Histogram("docflow.job.input_size", //nolint:errcheck // noop fallback
		metric.WithDescription("Size of submitted input files"),
		metric.WithUnit("By"),
	)

	return &MetricsExtension{
		JobSubmitted: counter("docflow.job.submitted", "Jobs accepted by Submit"),
		JobStarted:   counter("docflow.job.started", "Attempts started by workers"),
		JobCompleted: counter("docflow.job.completed", "Jobs completed successfully"),
		JobFailed:    counter("docflow.job.failed", "Jobs failed terminally"),
		JobRetried:   counter("docflow.job.retried", "Attempts requeued for retry"),
		JobCanceled:  counter("docflow.job.canceled", "Jobs canceled by their owner"),
		JobDuration:  duration,
		InputBytes:   input,
	}
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

func jobAttrs(j *job.Job, extra ...attribute.KeyValue) metric.MeasurementOption {
	attrs := append([]attribute.KeyValue{
		attribute.String("conversion_type", string(j.ConversionType)),
		attribute.String("priority", string(j.Priority)),
	}, extra...)
	return metric.WithAttributes(attrs...)
}

// OnJobSubmitted implements ext.JobSubmitted.
func (m *MetricsExtension) OnJobSubmitted(ctx context.Context, j *job.Job) error {
	m.JobSubmitted.Add(ctx, 1, jobAttrs(j))
	m.InputBytes.Record(ctx, j.InputFileSize, jobAttrs(j))
	return nil
}

// OnJobStarted implements ext.JobStarted.
func (m *MetricsExtension) OnJobStarted(ctx context.Context, j *job.Job) error {
	m.JobStarted.Add(ctx, 1, jobAttrs(j))
	return nil
}

// OnJobCompleted implements ext.JobCompleted.
func (m *MetricsExtension) OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error {
	m.JobCompleted.Add(ctx, 1, jobAttrs(j))
	m.JobDuration.Record(ctx, elapsed.Seconds(), jobAttrs(j))
	return nil
}

// OnJobFailed implements ext.JobFailed.
func (m *MetricsExtension) OnJobFailed(ctx context.Context, j *job.Job, err error) error {
	m.JobFailed.Add(ctx, 1, jobAttrs(j, attribute.String("error_kind", convert.Kind(err))))
	return nil
}

// OnJobRetrying implements ext.JobRetrying.
func (m *MetricsExtension) OnJobRetrying(ctx context.Context, j *job.Job, _ int, _ time.Time) error {
	m.JobRetried.Add(ctx, 1, jobAttrs(j))
	return nil
}

// OnJobCanceled implements ext.JobCanceled.
func (m *MetricsExtension) OnJobCanceled(ctx context.Context, j *job.Job) error {
	m.JobCanceled.Add(ctx, 1, jobAttrs(j))
	return nil
}
