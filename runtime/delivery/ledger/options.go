package ledger

import (
	"time"

	"goa.design/a2a-ledger/runtime/delivery/clock"
	"goa.design/a2a-ledger/runtime/delivery/telemetry"
)

// Option configures optional aspects of the Ledger.
type Option func(*Ledger)

// WithClock sets the clock used for timestamps when an envelope does not
// carry a parseable one, and for fan-out updates.
func WithClock(c clock.Clock) Option {
	return func(l *Ledger) {
		if c != nil {
			l.clock = c
		}
	}
}

// WithDefaultTTL sets the record lifetime used when an envelope has no ttlMs.
// Non-positive values are ignored.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(l *Ledger) {
		if ttl > 0 {
			l.defaultTTL = ttl
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(l *Ledger) {
		if m != nil {
			l.metrics = m
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(t telemetry.Tracer) Option {
	return func(l *Ledger) {
		if t != nil {
			l.tracer = t
		}
	}
}
