package audit

import (
	"context"
	"log/slog"
)

// SlogLogger writes entries as structured log records.
type SlogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger returns a Logger writing to logger.
func NewSlogLogger(logger *slog.Logger) *SlogLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogLogger{logger: logger.With(slog.String("component", "audit"))}
}

// Log implements Logger.
func (l *SlogLogger) Log(ctx context.Context, e *Entry) error {
	attrs := []slog.Attr{
		slog.String("audit_id", e.ID.String()),
		slog.String("action", e.Action),
		slog.String("resource_type", e.ResourceType),
		slog.String("resource_id", e.ResourceID),
		slog.String("org_id", e.OrganizationID),
		slog.String("user_id", e.UserID),
		slog.String("outcome", e.Outcome),
		slog.Time("at", e.Timestamp),
	}
	if e.Reason != "" {
		attrs = append(attrs, slog.String("reason", e.Reason))
	}
	if len(e.Details) > 0 {
		attrs = append(attrs, slog.Any("details", e.Details))
	}
	l.logger.LogAttrs(ctx, levelFor(e.Severity), "audit", attrs...)
	return nil
}

func levelFor(severity string) slog.Level {
	switch severity {
	case SeverityCritical:
		return slog.LevelError
	case SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
