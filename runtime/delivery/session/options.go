package session

import (
	"time"

	"goa.design/a2a-ledger/runtime/delivery"
	"goa.design/a2a-ledger/runtime/delivery/clock"
	"goa.design/a2a-ledger/runtime/delivery/ids"
	"goa.design/a2a-ledger/runtime/delivery/ledger"
	"goa.design/a2a-ledger/runtime/delivery/telemetry"
)

type (
	// Option configures the Manager.
	Option func(*Manager)

	// SendOption customizes a single envelope built by SendMessage.
	SendOption func(*sendOptions)

	// Defaults are applied to every envelope built by the manager.
	Defaults struct {
		// Version is the protocol version. Defaults to
		// delivery.DefaultProtocolVersion.
		Version string
		// Priority defaults to delivery.PriorityNormal.
		Priority delivery.Priority
		// Context is merged into every envelope context.
		Context map[string]string
		// TTL is stamped as ttlMs when positive.
		TTL time.Duration
	}

	sendOptions struct {
		destination *delivery.Destination
		ttl         time.Duration
		priority    delivery.Priority
		context     map[string]string
		baggage     map[string]string
	}
)

// DefaultMaxGapBuffer bounds the number of out-of-order sequences buffered
// per session.
const DefaultMaxGapBuffer = 1024

// WithLedger appends every sent envelope to l.
func WithLedger(l *ledger.Ledger) Option {
	return func(m *Manager) { m.ledger = l }
}

// WithClock sets the clock used for envelope timestamps and activity tracking.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithIDs sets the generator used for message, trace and span ids.
func WithIDs(g ids.Generator) Option {
	return func(m *Manager) {
		if g != nil {
			m.ids = g
		}
	}
}

// WithDefaults sets envelope defaults. Zero fields keep the built-in values.
func WithDefaults(d Defaults) Option {
	return func(m *Manager) {
		if d.Version != "" {
			m.defaults.Version = d.Version
		}
		if d.Priority != "" {
			m.defaults.Priority = d.Priority
		}
		if d.Context != nil {
			m.defaults.Context = d.Context
		}
		if d.TTL > 0 {
			m.defaults.TTL = d.TTL
		}
	}
}

// WithMaxGapBuffer bounds the gap buffer of each session. Non-positive values
// are ignored.
func WithMaxGapBuffer(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxGaps = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics telemetry.Metrics) Option {
	return func(m *Manager) {
		if metrics != nil {
			m.metrics = metrics
		}
	}
}

// WithDestination overrides the default direct destination. The override
// must target the session peer.
func WithDestination(d delivery.Destination) SendOption {
	return func(o *sendOptions) { o.destination = &d }
}

// WithTTL overrides the record lifetime of the envelope.
func WithTTL(ttl time.Duration) SendOption {
	return func(o *sendOptions) { o.ttl = ttl }
}

// WithPriority overrides the envelope priority.
func WithPriority(p delivery.Priority) SendOption {
	return func(o *sendOptions) { o.priority = p }
}

// WithContext adds entries to the envelope context.
func WithContext(kv map[string]string) SendOption {
	return func(o *sendOptions) { o.context = kv }
}

// WithBaggage adds tracing baggage to the envelope.
func WithBaggage(kv map[string]string) SendOption {
	return func(o *sendOptions) { o.baggage = kv }
}
