// Package delivery defines the data model and persistence contract for
// reliable agent-to-agent messaging.
//
// Two communicating agents exchange Envelopes. The ledger (package ledger)
// records every appended envelope as a MessageRecord and every distinct
// request id as a RequestRecord, which gives idempotent retry by request id.
// The session manager (package session) assigns per-pair sequence numbers and
// tracks cumulative acknowledgments. The retransmitter (package retransmit)
// decides when failed or unanswered messages should be resent.
//
// Everything is built on the Store interface so a durable backend can be
// substituted without touching the algorithms. Store implementations live in
// runtime/delivery/inmem (reference) and features/delivery/*.
package delivery

import (
	"fmt"
	"time"
)

type (
	// MessageType tags the kind of an envelope.
	MessageType string

	// Status is the outcome of a request or message.
	Status string

	// Priority orders envelopes for transports that support it.
	Priority string

	// DestinationKind selects how an envelope is routed.
	DestinationKind string

	// Pair identifies an ordered (source, target) agent pair. Sequence numbers
	// and acknowledgments are scoped to a Pair.
	Pair struct {
		Source string
		Target string
	}
)

const (
	// TypeRequest asks the target to perform work; it creates a request
	// record when it carries a request id.
	TypeRequest MessageType = "REQUEST"
	// TypeResponse answers a request and also creates a request record.
	TypeResponse MessageType = "RESPONSE"
	// TypeEvent is a notification that expects no outcome.
	TypeEvent MessageType = "EVENT"
	// TypeAck acknowledges receipt of a sequence.
	TypeAck MessageType = "ACK"
	// TypeNack rejects a message.
	TypeNack MessageType = "NACK"
	// TypeHeartbeat keeps a session alive.
	TypeHeartbeat MessageType = "HEARTBEAT"
)

const (
	// StatusUnknown indicates the outcome is not yet known (in flight).
	StatusUnknown Status = "UNKNOWN"
	// StatusCompleted is terminal and carries a cached result.
	StatusCompleted Status = "COMPLETED"
	// StatusFailed is terminal but a fresh Append under the same request id
	// may start a new attempt.
	StatusFailed Status = "FAILED"
)

const (
	// PriorityLow yields to every other priority.
	PriorityLow Priority = "low"
	// PriorityNormal is the default.
	PriorityNormal Priority = "normal"
	// PriorityHigh is delivered ahead of normal traffic.
	PriorityHigh Priority = "high"
	// PriorityUrgent is delivered first.
	PriorityUrgent Priority = "urgent"
)

const (
	// DestinationDirect addresses a specific agent.
	DestinationDirect DestinationKind = "direct"
	// DestinationReply answers the original sender of a request.
	DestinationReply DestinationKind = "reply"
	// DestinationBroadcast addresses every listening agent.
	DestinationBroadcast DestinationKind = "broadcast"
)

const (
	// DefaultTTL is the record lifetime used when an envelope does not
	// override it.
	DefaultTTL = 24 * time.Hour
	// DefaultProtocolVersion is stamped on envelopes built by the session
	// manager.
	DefaultProtocolVersion = "1.0"
	// BroadcastTarget is the target agent id recorded for broadcast requests.
	BroadcastTarget = "*"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case TypeRequest, TypeResponse, TypeEvent, TypeAck, TypeNack, TypeHeartbeat:
		return true
	}
	return false
}

// CreatesRequestRecord reports whether appending an envelope of this type
// with a request id writes a request record.
func (t MessageType) CreatesRequestRecord() bool {
	return t == TypeRequest || t == TypeResponse
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusUnknown, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s is COMPLETED or FAILED.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Valid reports whether k is a known destination kind.
func (k DestinationKind) Valid() bool {
	switch k {
	case DestinationDirect, DestinationReply, DestinationBroadcast:
		return true
	}
	return false
}

// String returns "source->target".
func (p Pair) String() string {
	return fmt.Sprintf("%s->%s", p.Source, p.Target)
}
