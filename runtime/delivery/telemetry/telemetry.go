// Package telemetry defines the logging, metrics and tracing seams used by the
// delivery runtime. Implementations delegate to Clue and OpenTelemetry; the
// no-op variants are the defaults so components stay silent unless wired.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger captures structured logging. Key-value pairs alternate string
	// keys and arbitrary values.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics exposes counter and histogram helpers. Tags alternate keys and
	// values.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
	}

	// Tracer abstracts span creation so delivery code stays agnostic of the
	// configured OpenTelemetry provider.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	}

	// Span represents an in-flight tracing span.
	Span interface {
		End(opts ...trace.SpanEndOption)
		AddEvent(name string, attrs ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}
)

// Metric names emitted by the delivery runtime.
const (
	MetricLedgerAppends    = "a2a.ledger.appends"
	MetricLedgerDuplicates = "a2a.ledger.duplicates"
	MetricLedgerOutcomes   = "a2a.ledger.outcomes"
	MetricLedgerPurged     = "a2a.ledger.purged"
	MetricLedgerAppendTime = "a2a.ledger.append.duration"
	MetricSessionSends     = "a2a.session.sends"
	MetricSessionAcks      = "a2a.session.acks"
	MetricRetriesScheduled = "a2a.retry.scheduled"
	MetricRetriesFired     = "a2a.retry.fired"
)
