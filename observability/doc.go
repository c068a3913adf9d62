// Package observability provides an extension that records system-wide
// conversion-job lifecycle metrics through OpenTelemetry.
//
//	registry.Register(observability.NewMetricsExtension())
//
// Instruments are created on the global MeterProvider unless a meter is
// supplied with [NewMetricsExtensionWithMeter]. All counters carry the
// conversion_type and priority attributes.
package observability
