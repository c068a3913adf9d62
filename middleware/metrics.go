package middleware

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/docflow/convert"
	"github.com/xraph/docflow/job"
)

// meterName is the instrumentation scope name for docflow metrics.
const meterName = "github.com/xraph/docflow"

// Attempt outcomes beyond the error kinds of convert.Kind.
const (
	OutcomeOK       = "ok"
	OutcomeCanceled = "canceled"
)

// Outcome classifies the result of an attempt: OutcomeOK, OutcomeCanceled,
// or one of the job.ErrorKind values.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, context.Canceled):
		return OutcomeCanceled
	default:
		return convert.Kind(err)
	}
}

// Metrics returns middleware that records per-attempt metrics using the
// global OTel MeterProvider.
//
// Instruments:
//   - docflow.attempt.duration (Float64Histogram): attempt time in seconds
//   - docflow.attempt.count (Int64Counter): attempts run
//   - docflow.attempt.input_size (Int64Histogram): input bytes per attempt
//
// All carry conversion_type and priority. Duration and count also carry
// outcome and, for failures, recoverable.
func Metrics() Middleware {
	return MetricsWithMeter(otel.Meter(meterName))
}

// MetricsWithMeter returns metrics middleware using the provided meter.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// On error the API returns noop instruments.
	duration, _ := meter.Float64Histogram( //nolint:errcheck // noop fallback
		"docflow.attempt.duration",
		metric.WithDescription("Duration of conversion attempts in seconds"),
		metric.WithUnit("s"),
	)
	attempts, _ := meter.Int64Counter( //nolint:errcheck // noop fallback
		"docflow.attempt.count",
		metric.WithDescription("Total number of conversion attempts"),
		metric.WithUnit("{attempt}"),
	)
	inputSize, _ := meter.Int64Histogram( //nolint:errcheck // noop fallback
		"docflow.attempt.input_size",
		metric.WithDescription("Input file size of conversion attempts"),
		metric.WithUnit("By"),
	)

	return func(ctx context.Context, j *job.Job, next Handler) error {
		base := []attribute.KeyValue{
			attribute.String("conversion_type", string(j.ConversionType)),
			attribute.String("priority", string(j.Priority)),
		}
		inputSize.Record(ctx, j.InputFileSize, metric.WithAttributes(base...))

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start).Seconds()

		attrs := append(base, attribute.String("outcome", Outcome(err)))
		if err != nil && !errors.Is(err, context.Canceled) {
			attrs = append(attrs, attribute.Bool("recoverable", convert.IsRecoverable(err)))
		}
		opt := metric.WithAttributes(attrs...)

		duration.Record(ctx, elapsed, opt)
		attempts.Add(ctx, 1, opt)

		return err
	}
}
