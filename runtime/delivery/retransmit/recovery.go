package retransmit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/a2a-ledger/runtime/delivery"
	"goa.design/a2a-ledger/runtime/delivery/clock"
	"goa.design/a2a-ledger/runtime/delivery/deliveryerrors"
	"goa.design/a2a-ledger/runtime/delivery/ids"
	"goa.design/a2a-ledger/runtime/delivery/telemetry"
)

type (
	// EmitFunc hands a resent envelope to the transport.
	EmitFunc func(ctx context.Context, env *delivery.Envelope) error

	// Recovery resends messages that stayed UNKNOWN in a store. Sweep finds
	// stale messages and schedules them; Resend is the ResendFunc driving
	// each attempt.
	//
	// Every attempt keeps the request id and sequence of the original
	// envelope under a new message id. The superseded attempt is marked
	// FAILED with a TIMEOUT error so only the latest attempt stays UNKNOWN.
	Recovery struct {
		store      delivery.Store
		r          *Retransmitter
		emit       EmitFunc
		ids        ids.Generator
		clock      clock.Clock
		staleAfter time.Duration
		logger     telemetry.Logger
	}

	// RecoveryOption configures a Recovery.
	RecoveryOption func(*Recovery)
)

// DefaultStaleAfter is how long a message may stay UNKNOWN before Sweep
// schedules it.
const DefaultStaleAfter = 30 * time.Second

// NewRecovery returns a Recovery resending through emit.
func NewRecovery(store delivery.Store, r *Retransmitter, emit EmitFunc, opts ...RecoveryOption) *Recovery {
	rc := &Recovery{
		store:      store,
		r:          r,
		emit:       emit,
		ids:        ids.UUIDv7(),
		clock:      clock.Real(),
		staleAfter: DefaultStaleAfter,
		logger:     telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(rc)
		}
	}
	return rc
}

// WithStaleAfter sets the age after which UNKNOWN messages are resent.
func WithStaleAfter(d time.Duration) RecoveryOption {
	return func(rc *Recovery) {
		if d > 0 {
			rc.staleAfter = d
		}
	}
}

// WithRecoveryIDs sets the generator minting message ids for resent
// envelopes.
func WithRecoveryIDs(g ids.Generator) RecoveryOption {
	return func(rc *Recovery) {
		if g != nil {
			rc.ids = g
		}
	}
}

// WithRecoveryClock sets the clock.
func WithRecoveryClock(c clock.Clock) RecoveryOption {
	return func(rc *Recovery) {
		if c != nil {
			rc.clock = c
		}
	}
}

// WithRecoveryLogger sets the logger.
func WithRecoveryLogger(l telemetry.Logger) RecoveryOption {
	return func(rc *Recovery) {
		if l != nil {
			rc.logger = l
		}
	}
}

// Sweep schedules every UNKNOWN message older than the stale threshold that
// is not already scheduled and returns how many were added.
func (rc *Recovery) Sweep(ctx context.Context) (int, error) {
	cutoff := rc.clock.Now().Add(-rc.staleAfter)
	recs, err := rc.store.MessagesByStatus(ctx, delivery.StatusUnknown, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale messages: %w", err)
	}
	n := 0
	for _, rec := range recs {
		if _, ok := rc.r.Get(rec.MessageID); ok {
			continue
		}
		rc.r.ScheduleRetry(rec.MessageID, 0)
		n++
	}
	if n > 0 {
		rc.logger.Info(ctx, "stale messages scheduled", "count", n)
	}
	return n, nil
}

// Resend performs one attempt for messageID. Messages that were purged or
// reached a terminal status are dropped. Messages out of attempts are
// marked FAILED. A failed emit reschedules the same message.
func (rc *Recovery) Resend(ctx context.Context, messageID string) error {
	rec, err := rc.store.GetMessage(ctx, messageID)
	if errors.Is(err, delivery.ErrNotFound) {
		return nil
	}
	if err != nil {
		rc.r.ScheduleRetry(messageID, rc.r.CalculateBackoffDelay(0))
		return fmt.Errorf("load message %q: %w", messageID, err)
	}
	if rec.Status != delivery.StatusUnknown {
		return nil
	}
	now := rc.clock.Now()
	if !rc.r.ShouldRetry(rec, nil) {
		return rc.giveUp(ctx, rec, now)
	}

	next := rec.Envelope.Clone()
	next.ID = rc.ids.NewID()
	next.Timestamp = now.UTC().Format(time.RFC3339Nano)
	if err := rc.emit(ctx, next); err != nil {
		rc.r.ScheduleRetry(messageID, rc.r.CalculateBackoffDelay(rec.RetryCount))
		return fmt.Errorf("emit %q: %w", next.ID, err)
	}

	attempt := &delivery.MessageRecord{
		MessageID:  next.ID,
		RequestID:  rec.RequestID,
		Envelope:   *next,
		Status:     delivery.StatusUnknown,
		Timestamp:  now,
		ExpiresAt:  rec.ExpiresAt,
		RetryCount: rec.RetryCount + 1,
	}
	if err := rc.store.PutMessage(ctx, attempt); err != nil {
		return fmt.Errorf("store attempt %q: %w", next.ID, err)
	}
	rec.Status = delivery.StatusFailed
	rec.Error = deliveryerrors.New(deliveryerrors.CodeTimeout, "no acknowledgement").WithDetail("retriedAs", next.ID)
	rec.Timestamp = now
	if err := rc.store.PutMessage(ctx, rec); err != nil {
		return fmt.Errorf("supersede %q: %w", messageID, err)
	}
	rc.r.ScheduleRetry(next.ID, rc.r.CalculateBackoffDelay(attempt.RetryCount))
	rc.logger.Info(ctx, "message resent", "message_id", next.ID, "previous_id", messageID, "request_id", rec.RequestID, "attempt", attempt.RetryCount)
	return nil
}

// giveUp fails the request before the message so a later append under the
// same request id is admitted again.
func (rc *Recovery) giveUp(ctx context.Context, rec *delivery.MessageRecord, now time.Time) error {
	failure := deliveryerrors.New(deliveryerrors.CodeTimeout, "retry attempts exhausted").
		WithDetail("attempts", fmt.Sprint(rec.RetryCount))
	if rec.RequestID != "" {
		err := rc.store.MarkRequestFailed(ctx, rec.RequestID, failure, now)
		if err != nil && !errors.Is(err, delivery.ErrNotFound) && !errors.Is(err, delivery.ErrInvalidTransition) {
			return fmt.Errorf("fail request %q: %w", rec.RequestID, err)
		}
	}
	rec.Status = delivery.StatusFailed
	rec.Error = failure
	rec.Timestamp = now
	rc.logger.Warn(ctx, "giving up on message", "message_id", rec.MessageID, "request_id", rec.RequestID, "attempts", rec.RetryCount)
	return rc.store.PutMessage(ctx, rec)
}
