package delivery

import (
	"encoding/json"
	"time"

	"goa.design/a2a-ledger/runtime/delivery/deliveryerrors"
)

type (
	// RequestRecord tracks one distinct request id.
	RequestRecord struct {
		RequestID     string
		SourceAgentID string
		TargetAgentID string
		MessageType   MessageType
		// Payload is the payload of the envelope that created the record. It
		// is returned to duplicates once the request completes.
		Payload json.RawMessage
		Status  Status
		// CompletionRef is an opaque pointer to a large result stored outside
		// the ledger.
		CompletionRef string
		// Result is the inline outcome recorded by MarkRequestCompleted.
		Result    json.RawMessage
		Error     *deliveryerrors.Error
		Timestamp time.Time
		ExpiresAt time.Time
		// CorrelationID and CausationID are copied from the envelope.
		CorrelationID string
		CausationID   string
	}

	// MessageRecord tracks one appended envelope.
	MessageRecord struct {
		MessageID     string
		RequestID     string
		Envelope      Envelope
		Status        Status
		CompletionRef string
		Error         *deliveryerrors.Error
		Timestamp     time.Time
		ExpiresAt     time.Time
		// RetryCount is the number of resends attempted for this message.
		RetryCount int
	}
)

// Expired reports whether the record may be purged at now.
func (r *RequestRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// Clone returns a deep copy of r.
func (r *RequestRecord) Clone() *RequestRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.Payload = cloneRaw(r.Payload)
	out.Result = cloneRaw(r.Result)
	out.Error = r.Error.Clone()
	return &out
}

// Expired reports whether the record may be purged at now.
func (m *MessageRecord) Expired(now time.Time) bool {
	return !m.ExpiresAt.After(now)
}

// Clone returns a deep copy of m.
func (m *MessageRecord) Clone() *MessageRecord {
	if m == nil {
		return nil
	}
	out := *m
	out.Envelope = *m.Envelope.Clone()
	out.Error = m.Error.Clone()
	return &out
}
