package middleware

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/docflow/convert"
	"github.com/xraph/docflow/job"
)

// tracerName is the instrumentation scope name for docflow tracing.
const tracerName = "github.com/xraph/docflow"

// Tracing returns middleware that wraps each attempt in an OpenTelemetry
// span using the global TracerProvider. Without one configured the noop
// tracer makes this a pass-through.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(tracerName))
}

// TracingWithTracer returns tracing middleware using the provided tracer.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		ctx, span := tracer.Start(ctx, "docflow.job.attempt",
			trace.WithAttributes(
				attribute.String("docflow.job.id", j.ID.String()),
				attribute.String("docflow.org_id", j.OrganizationID),
				attribute.String("docflow.conversion_type", string(j.ConversionType)),
				attribute.String("docflow.priority", string(j.Priority)),
				attribute.Int("docflow.attempt", j.Attempts),
				attribute.Int64("docflow.input_size", j.InputFileSize),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		err := next(ctx)
		span.SetAttributes(attribute.String("docflow.outcome", Outcome(err)))
		switch {
		case err == nil:
			span.SetStatus(codes.Ok, "")
		case errors.Is(err, context.Canceled):
			// Canceled attempts are not failures.
			span.AddEvent("canceled")
		default:
			span.SetAttributes(attribute.Bool("docflow.recoverable", convert.IsRecoverable(err)))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}

		return err
	}
}
