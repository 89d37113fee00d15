package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging.
// Use these constants instead of raw strings.
const (
	// Identity
	FieldScheduleID = "schedule_id"
	FieldJobID      = "job_id"
	FieldRepeatKey  = "repeat_key"
	FieldRequestID  = "request_id"
	FieldClientID   = "client_id"

	// Components
	FieldComponent = "component"
	FieldProcessor = "processor"
	FieldInstance  = "instance"

	// Operations
	FieldOperation = "operation"
	FieldMethod    = "method"
	FieldPath      = "path"

	// Sync units
	FieldPeriod    = "period"
	FieldLevel     = "level"
	FieldIndicator = "indicator"
	FieldScorecard = "scorecard"

	// Timing
	FieldDurationMS = "duration_ms"

	// Errors
	FieldError = "error"

	// Counts and progress
	FieldCount    = "count"
	FieldProgress = "progress"
	FieldAttempt  = "attempt"

	// Status
	FieldStatus = "status"

	// Network
	FieldAddress = "address"
	FieldPort    = "port"

	// Glyph marker, see sym
	FieldSymbol = "symbol"
)

type contextKey string

const (
	scheduleIDKey contextKey = "logger_schedule_id"
	jobIDKey      contextKey = "logger_job_id"
	requestIDKey  contextKey = "logger_request_id"
)

// WithScheduleID adds a schedule ID to the context for logging
func WithScheduleID(ctx context.Context, scheduleID string) context.Context {
	return context.WithValue(ctx, scheduleIDKey, scheduleID)
}

// WithJobID adds a job ID to the context for logging
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithRequestID adds a request ID to the context for logging
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// FieldsFromContext extracts logging fields from context as key-value pairs.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if id, ok := ctx.Value(scheduleIDKey).(string); ok && id != "" {
		fields = append(fields, FieldScheduleID, id)
	}
	if id, ok := ctx.Value(jobIDKey).(string); ok && id != "" {
		fields = append(fields, FieldJobID, id)
	}
	if id, ok := ctx.Value(requestIDKey).(string); ok && id != "" {
		fields = append(fields, FieldRequestID, id)
	}

	return fields
}

// FromContext returns base enriched with the fields carried by ctx.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named child of the global logger.
//
//	pool := &WorkerPool{logger: logger.ComponentLogger("pulse.worker")}
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
