package delivery

import (
	"encoding/json"
	"time"

	"goa.design/a2a-ledger/runtime/delivery/deliveryerrors"
)

type (
	// Source identifies the sending agent.
	Source struct {
		// AgentID is the logical identity of the sender.
		AgentID string `json:"agentId"`
		// InstanceID optionally identifies the sending process.
		InstanceID string `json:"instanceId,omitempty"`
	}

	// Destination describes where an envelope is routed.
	Destination struct {
		// Kind selects direct, reply or broadcast routing.
		Kind DestinationKind `json:"type"`
		// AgentID is the explicit target of a direct envelope.
		AgentID string `json:"agentId,omitempty"`
		// OriginalSource is the requester a reply is addressed to.
		OriginalSource string `json:"originalSource,omitempty"`
	}

	// Tracing carries distributed tracing identifiers.
	Tracing struct {
		TraceID string            `json:"traceId"`
		SpanID  string            `json:"spanId"`
		Sampled bool              `json:"sampled"`
		Baggage map[string]string `json:"baggage,omitempty"`
	}

	// Envelope is one message on the wire or in the ledger. The JSON field
	// names are the wire contract and must be preserved by transports.
	Envelope struct {
		// ID is the unique message id.
		ID string `json:"id"`
		// RequestID is the optional idempotency key.
		RequestID string `json:"requestId,omitempty"`
		// CorrelationID groups related messages.
		CorrelationID string `json:"correlationId,omitempty"`
		// CausationID identifies the message that caused this one.
		CausationID string `json:"causationId,omitempty"`
		// Source is the sending agent.
		Source Source `json:"source"`
		// Destination is where the envelope is routed.
		Destination Destination `json:"destination"`
		// Type tags the message kind.
		Type MessageType `json:"type"`
		// Version is the protocol version.
		Version string `json:"version"`
		// Timestamp is the RFC 3339 creation time.
		Timestamp string `json:"timestamp"`
		// Priority orders delivery where supported.
		Priority Priority `json:"priority,omitempty"`
		// Context carries propagated key-value context.
		Context map[string]string `json:"context,omitempty"`
		// Tracing carries trace identifiers.
		Tracing Tracing `json:"tracing"`
		// Payload is the opaque message body.
		Payload json.RawMessage `json:"payload,omitempty"`
		// Seq is the per-pair sequence number; zero means unsequenced.
		Seq uint64 `json:"seq,omitempty"`
		// Ack is the sender's cumulative acknowledgment, present only when > 0.
		Ack uint64 `json:"ack,omitempty"`
		// TTLMs overrides the record lifetime in milliseconds.
		TTLMs int64 `json:"ttlMs,omitempty"`
	}
)

// TargetAgentID returns the agent a request addressed with d is recorded
// against: the explicit target for direct routing, the original source for
// replies and BroadcastTarget for broadcasts.
func (d Destination) TargetAgentID() string {
	switch d.Kind {
	case DestinationReply:
		return d.OriginalSource
	case DestinationBroadcast:
		return BroadcastTarget
	default:
		return d.AgentID
	}
}

// Direct returns a Destination addressing agentID.
func Direct(agentID string) Destination {
	return Destination{Kind: DestinationDirect, AgentID: agentID}
}

// ReplyTo returns a Destination answering originalSource.
func ReplyTo(originalSource string) Destination {
	return Destination{Kind: DestinationReply, OriginalSource: originalSource}
}

// Broadcast returns a broadcast Destination.
func Broadcast() Destination {
	return Destination{Kind: DestinationBroadcast}
}

// TTL returns the envelope's lifetime override, or zero when unset.
func (e *Envelope) TTL() time.Duration {
	if e.TTLMs <= 0 {
		return 0
	}
	return time.Duration(e.TTLMs) * time.Millisecond
}

// CreatedAt parses Timestamp. ok is false when the timestamp is missing or
// not RFC 3339.
func (e *Envelope) CreatedAt() (t time.Time, ok bool) {
	if e.Timestamp == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, e.Timestamp)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// Validate checks the semantic rules the JSON schema cannot express.
func (e *Envelope) Validate() error {
	if e == nil {
		return deliveryerrors.New(deliveryerrors.CodeValidation, "envelope is required")
	}
	if e.ID == "" {
		return deliveryerrors.New(deliveryerrors.CodeValidation, "envelope id is required")
	}
	if !e.Type.Valid() {
		return deliveryerrors.Newf(deliveryerrors.CodeValidation, "unknown message type %q", e.Type)
	}
	if e.Source.AgentID == "" {
		return deliveryerrors.New(deliveryerrors.CodeValidation, "source agent id is required")
	}
	switch e.Destination.Kind {
	case DestinationDirect:
		if e.Destination.AgentID == "" {
			return deliveryerrors.New(deliveryerrors.CodeValidation, "direct destination requires an agent id")
		}
	case DestinationReply:
		if e.Destination.OriginalSource == "" {
			return deliveryerrors.New(deliveryerrors.CodeValidation, "reply destination requires the original source")
		}
	case DestinationBroadcast:
	default:
		return deliveryerrors.Newf(deliveryerrors.CodeValidation, "unknown destination type %q", e.Destination.Kind)
	}
	if e.Priority != "" && !e.Priority.Valid() {
		return deliveryerrors.Newf(deliveryerrors.CodeValidation, "unknown priority %q", e.Priority)
	}
	if e.TTLMs < 0 {
		return deliveryerrors.New(deliveryerrors.CodeValidation, "ttlMs must not be negative")
	}
	return nil
}

// Clone returns a deep copy of e.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	out := *e
	out.Context = cloneStrings(e.Context)
	out.Tracing.Baggage = cloneStrings(e.Tracing.Baggage)
	out.Payload = cloneRaw(e.Payload)
	return &out
}

func cloneStrings(src map[string]string) map[string]string {
	if src == nil {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func cloneRaw(src json.RawMessage) json.RawMessage {
	if src == nil {
		return nil
	}
	return append(json.RawMessage(nil), src...)
}

// Pair returns the (source, target) pair the envelope travels on.
func (e *Envelope) Pair() Pair {
	return Pair{Source: e.Source.AgentID, Target: e.Destination.TargetAgentID()}
}
