// Package ledger records appended envelopes and deduplicates requests by
// request id.
//
// Every Append writes a message record. Envelopes of type REQUEST or RESPONSE
// that carry a request id also write a request record, which is consulted on
// later appends under the same id:
//
//   - COMPLETED: the append is a duplicate and receives the cached outcome.
//   - UNKNOWN: the append is an in-flight duplicate and must not execute.
//   - FAILED: the append starts a fresh attempt.
//
// Duplicates are reported through AppendResult flags, never as errors. Store
// failures are returned unmodified.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"

	"goa.design/a2a-ledger/runtime/delivery"
	"goa.design/a2a-ledger/runtime/delivery/clock"
	"goa.design/a2a-ledger/runtime/delivery/deliveryerrors"
	"goa.design/a2a-ledger/runtime/delivery/telemetry"
)

type (
	// Ledger appends envelopes to a delivery.Store with request-id
	// deduplication. It is safe for concurrent use. Appends sharing a
	// request id are serialized within one Ledger; appends issued through
	// different Ledger instances or processes are not.
	Ledger struct {
		store      delivery.Store
		clock      clock.Clock
		defaultTTL time.Duration
		logger     telemetry.Logger
		metrics    telemetry.Metrics
		tracer     telemetry.Tracer
		admission  *keyLock
	}

	// AppendResult reports the outcome of Append.
	AppendResult struct {
		// IsDuplicate is true when a request record already existed in
		// UNKNOWN or COMPLETED status.
		IsDuplicate bool
		// ShouldExecute is true when the caller should process the envelope.
		ShouldExecute bool
		// Status is the status of the existing request record for duplicates
		// and UNKNOWN otherwise.
		Status delivery.Status
		// CachedPayload is the payload recorded for a completed request.
		CachedPayload json.RawMessage
		// CachedResult is the result recorded for a completed request.
		CachedResult json.RawMessage
		// CompletionRef is the completion reference of a completed request.
		CompletionRef string
	}

	// DuplicateCheck reports what an Append with a request id would find.
	DuplicateCheck struct {
		IsDuplicate   bool
		IsCompleted   bool
		Status        delivery.Status
		CachedPayload json.RawMessage
		CachedResult  json.RawMessage
		CompletionRef string
	}

	// StatusCount counts records in one status.
	StatusCount struct {
		// Messages is the number of message records.
		Messages int `json:"messages"`
		// Requests is the number of distinct request ids among them.
		Requests int `json:"requests"`
	}

	// Stats aggregates message records by status.
	Stats struct {
		Total     int         `json:"total"`
		Unknown   StatusCount `json:"unknown"`
		Completed StatusCount `json:"completed"`
		Failed    StatusCount `json:"failed"`
	}
)

// New returns a Ledger persisting to store.
func New(store delivery.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:      store,
		clock:      clock.Real(),
		defaultTTL: delivery.DefaultTTL,
		logger:     telemetry.NewNoopLogger(),
		metrics:    telemetry.NewNoopMetrics(),
		tracer:     telemetry.NewNoopTracer(),
		admission:  newKeyLock(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Store returns the underlying store.
func (l *Ledger) Store() delivery.Store {
	return l.store
}

// Append records env and reports whether the caller should execute it.
func (l *Ledger) Append(ctx context.Context, env *delivery.Envelope) (res AppendResult, err error) {
	if env == nil || env.ID == "" {
		return AppendResult{}, deliveryerrors.New(deliveryerrors.CodeValidation, "envelope id is required")
	}
	ctx, span := l.tracer.Start(ctx, "ledger.append")
	defer func() { endSpan(span, err) }()
	start := time.Now()
	defer func() { l.metrics.RecordTimer(telemetry.MetricLedgerAppendTime, time.Since(start)) }()

	ts, ok := env.CreatedAt()
	if !ok {
		ts = l.clock.Now()
	}
	ttl := env.TTL()
	if ttl == 0 {
		ttl = l.defaultTTL
	}
	expiresAt := delivery.ExpiresAt(ts, ttl)

	if env.RequestID != "" {
		unlock := l.admission.lock(env.RequestID)
		defer unlock()

		existing, err := l.store.GetRequest(ctx, env.RequestID)
		switch {
		case errors.Is(err, delivery.ErrNotFound):
		case err != nil:
			return AppendResult{}, err
		case existing.Status == delivery.StatusCompleted:
			l.duplicate(ctx, span, env, existing.Status)
			return AppendResult{
				IsDuplicate:   true,
				Status:        existing.Status,
				CachedPayload: existing.Payload,
				CachedResult:  existing.Result,
				CompletionRef: existing.CompletionRef,
			}, nil
		case existing.Status == delivery.StatusUnknown:
			l.duplicate(ctx, span, env, existing.Status)
			return AppendResult{IsDuplicate: true, Status: existing.Status}, nil
		case existing.Status == delivery.StatusFailed:
			l.logger.Debug(ctx, "retrying failed request", "request_id", env.RequestID, "message_id", env.ID)
		}
	}

	msg := &delivery.MessageRecord{
		MessageID: env.ID,
		RequestID: env.RequestID,
		Envelope:  *env,
		Status:    delivery.StatusUnknown,
		Timestamp: ts,
		ExpiresAt: expiresAt,
	}
	if err := l.store.PutMessage(ctx, msg); err != nil {
		return AppendResult{}, err
	}
	if env.RequestID != "" && env.Type.CreatesRequestRecord() {
		req := &delivery.RequestRecord{
			RequestID:     env.RequestID,
			SourceAgentID: env.Source.AgentID,
			TargetAgentID: env.Destination.TargetAgentID(),
			MessageType:   env.Type,
			Payload:       env.Payload,
			Status:        delivery.StatusUnknown,
			Timestamp:     ts,
			ExpiresAt:     expiresAt,
			CorrelationID: env.CorrelationID,
			CausationID:   env.CausationID,
		}
		if err := l.store.PutRequest(ctx, req); err != nil {
			return AppendResult{}, err
		}
	}
	l.metrics.IncCounter(telemetry.MetricLedgerAppends, 1, "type", string(env.Type))
	return AppendResult{ShouldExecute: true, Status: delivery.StatusUnknown}, nil
}

// MarkCompleted records the outcome of requestID and propagates it to every
// in-flight message carrying the same request id. The request record is
// updated first so it stays the source of truth if the fan-out is
// interrupted. A missing request record is not an error: messages such as
// events may carry a request id without one.
func (l *Ledger) MarkCompleted(ctx context.Context, requestID string, result json.RawMessage, completionRef string) (err error) {
	ctx, span := l.tracer.Start(ctx, "ledger.mark_completed")
	defer func() { endSpan(span, err) }()

	now := l.clock.Now()
	if err := l.store.MarkRequestCompleted(ctx, requestID, result, completionRef, now); err != nil && !errors.Is(err, delivery.ErrNotFound) {
		return fmt.Errorf("mark request %q completed: %w", requestID, err)
	}
	n, err := l.fanOut(ctx, requestID, func(m *delivery.MessageRecord) {
		m.Status = delivery.StatusCompleted
		m.CompletionRef = completionRef
		m.Timestamp = now
	})
	if err != nil {
		return err
	}
	l.metrics.IncCounter(telemetry.MetricLedgerOutcomes, 1, "status", string(delivery.StatusCompleted))
	l.logger.Debug(ctx, "request completed", "request_id", requestID, "messages", n)
	return nil
}

// MarkFailed records failure for requestID and propagates it to every
// in-flight message carrying the same request id, with the same ordering as
// MarkCompleted.
func (l *Ledger) MarkFailed(ctx context.Context, requestID string, failure *deliveryerrors.Error) (err error) {
	ctx, span := l.tracer.Start(ctx, "ledger.mark_failed")
	defer func() { endSpan(span, err) }()

	if failure == nil {
		failure = deliveryerrors.New(deliveryerrors.CodeInternal, "request failed")
	}
	now := l.clock.Now()
	if err := l.store.MarkRequestFailed(ctx, requestID, failure, now); err != nil && !errors.Is(err, delivery.ErrNotFound) {
		return fmt.Errorf("mark request %q failed: %w", requestID, err)
	}
	n, err := l.fanOut(ctx, requestID, func(m *delivery.MessageRecord) {
		m.Status = delivery.StatusFailed
		m.Error = failure.Clone()
		m.Timestamp = now
	})
	if err != nil {
		return err
	}
	l.metrics.IncCounter(telemetry.MetricLedgerOutcomes, 1, "status", string(delivery.StatusFailed), "code", string(failure.Code))
	l.logger.Debug(ctx, "request failed", "request_id", requestID, "code", string(failure.Code), "messages", n)
	return nil
}

func (l *Ledger) fanOut(ctx context.Context, requestID string, update func(*delivery.MessageRecord)) (int, error) {
	msgs, err := l.store.MessagesByStatus(ctx, delivery.StatusUnknown, time.Time{})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range msgs {
		if m.RequestID != requestID {
			continue
		}
		update(m)
		if err := l.store.PutMessage(ctx, m); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// GetByMessageID returns the message record with the given id.
func (l *Ledger) GetByMessageID(ctx context.Context, messageID string) (*delivery.MessageRecord, error) {
	return l.store.GetMessage(ctx, messageID)
}

// GetByRequestID returns the request record with the given id.
func (l *Ledger) GetByRequestID(ctx context.Context, requestID string) (*delivery.RequestRecord, error) {
	return l.store.GetRequest(ctx, requestID)
}

// CheckDuplicate reports whether requestID has already been admitted and, if
// it completed, its cached outcome. A FAILED request is not a duplicate.
func (l *Ledger) CheckDuplicate(ctx context.Context, requestID string) (DuplicateCheck, error) {
	rec, err := l.store.GetRequest(ctx, requestID)
	if errors.Is(err, delivery.ErrNotFound) {
		return DuplicateCheck{}, nil
	}
	if err != nil {
		return DuplicateCheck{}, err
	}
	out := DuplicateCheck{
		IsDuplicate: rec.Status != delivery.StatusFailed,
		IsCompleted: rec.Status == delivery.StatusCompleted,
		Status:      rec.Status,
	}
	if out.IsCompleted {
		out.CachedPayload = rec.Payload
		out.CachedResult = rec.Result
		out.CompletionRef = rec.CompletionRef
	}
	return out, nil
}

// Stats counts message records per status along with the distinct request
// ids in each status. Messages without a request id count toward message
// totals only.
func (l *Ledger) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	for _, st := range []delivery.Status{delivery.StatusUnknown, delivery.StatusCompleted, delivery.StatusFailed} {
		msgs, err := l.store.MessagesByStatus(ctx, st, time.Time{})
		if err != nil {
			return Stats{}, err
		}
		requests := make(map[string]struct{})
		for _, m := range msgs {
			if m.RequestID != "" {
				requests[m.RequestID] = struct{}{}
			}
		}
		count := StatusCount{Messages: len(msgs), Requests: len(requests)}
		switch st {
		case delivery.StatusUnknown:
			stats.Unknown = count
		case delivery.StatusCompleted:
			stats.Completed = count
		case delivery.StatusFailed:
			stats.Failed = count
		}
		stats.Total += count.Messages
	}
	return stats, nil
}

// PurgeExpired deletes records whose expiry is at or before now.
func (l *Ledger) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	n, err := l.store.PurgeExpired(ctx, now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		l.metrics.IncCounter(telemetry.MetricLedgerPurged, float64(n))
		l.logger.Info(ctx, "purged expired records", "count", n)
	}
	return n, nil
}

func (l *Ledger) duplicate(ctx context.Context, span telemetry.Span, env *delivery.Envelope, status delivery.Status) {
	l.metrics.IncCounter(telemetry.MetricLedgerDuplicates, 1, "status", string(status))
	span.AddEvent("duplicate", "request_id", env.RequestID, "status", string(status))
	l.logger.Debug(ctx, "duplicate request", "request_id", env.RequestID, "message_id", env.ID, "status", string(status))
}

func endSpan(span telemetry.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
