package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"goa.design/a2a-ledger/runtime/delivery/deliveryerrors"
)

type (
	// Store persists delivery records. Implementations must be safe for
	// concurrent use and must copy records on every read and write so callers
	// never share memory with the store.
	//
	// Callers do not assume transactions spanning more than one call.
	Store interface {
		// PutRequest inserts or overwrites a request record by request id.
		PutRequest(ctx context.Context, rec *RequestRecord) error
		// GetRequest returns a copy of the request record or ErrNotFound.
		GetRequest(ctx context.Context, requestID string) (*RequestRecord, error)
		// PutMessage inserts or overwrites a message record by message id.
		PutMessage(ctx context.Context, rec *MessageRecord) error
		// GetMessage returns a copy of the message record or ErrNotFound.
		GetMessage(ctx context.Context, messageID string) (*MessageRecord, error)

		// LastSequence returns the last sequence stored for the pair, or 0.
		LastSequence(ctx context.Context, pair Pair) (uint64, error)
		// UpdateSequence stores seq for the pair. Values at or below the
		// current one are ignored so the stored sequence never decreases.
		UpdateSequence(ctx context.Context, pair Pair, seq uint64) error

		// MarkRequestCompleted moves an UNKNOWN request to COMPLETED. It
		// returns ErrNotFound when the request does not exist and
		// ErrInvalidTransition when it is already terminal.
		MarkRequestCompleted(ctx context.Context, requestID string, result json.RawMessage, completionRef string, at time.Time) error
		// MarkRequestFailed moves an UNKNOWN request to FAILED with the same
		// error contract as MarkRequestCompleted.
		MarkRequestFailed(ctx context.Context, requestID string, failure *deliveryerrors.Error, at time.Time) error

		// UnacknowledgedEnvelopes returns the envelopes of messages sent from
		// pair.Source to pair.Target whose status is not COMPLETED, ordered by
		// ascending sequence. Unsequenced envelopes sort as sequence 0.
		UnacknowledgedEnvelopes(ctx context.Context, pair Pair) ([]*Envelope, error)
		// PendingRequests returns UNKNOWN requests whose timestamp is before
		// olderThan. A zero olderThan disables the cutoff.
		PendingRequests(ctx context.Context, olderThan time.Time) ([]*RequestRecord, error)
		// MessagesByStatus returns messages with the given status whose
		// timestamp is before olderThan. A zero olderThan disables the cutoff.
		MessagesByStatus(ctx context.Context, status Status, olderThan time.Time) ([]*MessageRecord, error)

		// PurgeExpired deletes every request and message with ExpiresAt at or
		// before now and returns the number of records removed.
		PurgeExpired(ctx context.Context, now time.Time) (int, error)
	}
)

var (
	// ErrNotFound indicates a record does not exist in the store.
	ErrNotFound = errors.New("delivery record not found")
	// ErrInvalidTransition indicates a status change from a terminal state.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Before reports whether ts passes the olderThan cutoff used by
// PendingRequests and MessagesByStatus.
func Before(ts, olderThan time.Time) bool {
	return olderThan.IsZero() || ts.Before(olderThan)
}

// CheckTransition returns the error a store reports when moving a request in
// status from to a terminal status.
func CheckTransition(from Status) error {
	if from != StatusUnknown {
		return ErrInvalidTransition
	}
	return nil
}

// ExpiresAt computes the expiry of a record created at ts with the given ttl.
func ExpiresAt(ts time.Time, ttl time.Duration) time.Time {
	return ts.Add(ttl)
}

// SortBySeq orders envelopes by ascending sequence, breaking ties by id.
// Unsequenced envelopes have Seq 0 and sort first.
func SortBySeq(envs []*Envelope) {
	sort.SliceStable(envs, func(i, j int) bool {
		if envs[i].Seq != envs[j].Seq {
			return envs[i].Seq < envs[j].Seq
		}
		return envs[i].ID < envs[j].ID
	})
}

// Unacknowledged reports whether rec belongs in the UnacknowledgedEnvelopes
// result for pair.
func Unacknowledged(rec *MessageRecord, pair Pair) bool {
	return rec.Status != StatusCompleted && rec.Envelope.Pair() == pair
}
