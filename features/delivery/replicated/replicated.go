// Package replicated provides a replicated-map backed implementation of
// delivery.Store.
//
// Records are stored as JSON values in a Pulse replicated map (rmap), which
// is backed by Redis. Every node joined to the same map sees the same
// requests, messages and sequence counters, and reads are served from the
// local replica. Status transitions and sequence updates use TestAndSet so
// concurrent writers on different nodes cannot lose updates.
package replicated

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"goa.design/a2a-ledger/runtime/delivery"
	"goa.design/a2a-ledger/runtime/delivery/deliveryerrors"
)

type (
	// Map is the minimal replicated-map contract required by the store.
	//
	// Map is satisfied by `*rmap.Map` from `goa.design/pulse/rmap`.
	// Implementations must be safe for concurrent use.
	Map interface {
		Delete(ctx context.Context, key string) (string, error)
		Get(key string) (string, bool)
		Keys() []string
		Set(ctx context.Context, key, value string) (string, error)
		SetIfNotExists(ctx context.Context, key, value string) (bool, error)
		TestAndSet(ctx context.Context, key, test, value string) (string, error)
	}

	// Store persists delivery records in a replicated map.
	Store struct {
		m Map
	}

	requestDocument struct {
		RequestID     string                `json:"requestId"`
		SourceAgentID string                `json:"sourceAgentId"`
		TargetAgentID string                `json:"targetAgentId"`
		MessageType   delivery.MessageType  `json:"messageType"`
		Payload       json.RawMessage       `json:"payload,omitempty"`
		Status        delivery.Status       `json:"status"`
		CompletionRef string                `json:"completionRef,omitempty"`
		Result        json.RawMessage       `json:"result,omitempty"`
		Error         *deliveryerrors.Error `json:"error,omitempty"`
		Timestamp     time.Time             `json:"timestamp"`
		ExpiresAt     time.Time             `json:"expiresAt"`
		CorrelationID string                `json:"correlationId,omitempty"`
		CausationID   string                `json:"causationId,omitempty"`
	}

	messageDocument struct {
		MessageID     string                `json:"messageId"`
		RequestID     string                `json:"requestId,omitempty"`
		Envelope      delivery.Envelope     `json:"envelope"`
		Status        delivery.Status       `json:"status"`
		CompletionRef string                `json:"completionRef,omitempty"`
		Error         *deliveryerrors.Error `json:"error,omitempty"`
		Timestamp     time.Time             `json:"timestamp"`
		ExpiresAt     time.Time             `json:"expiresAt"`
		RetryCount    int                   `json:"retryCount"`
	}
)

const (
	requestKeyPrefix  = "a2a:req:"
	messageKeyPrefix  = "a2a:msg:"
	sequenceKeyPrefix = "a2a:seq:"

	// maxCASAttempts bounds TestAndSet retries under contention.
	maxCASAttempts = 16
)

// ErrContention is returned when a compare-and-set loop gives up.
var ErrContention = errors.New("replicated map contention")

// New creates a new replicated store backed by the given map.
func New(m Map) *Store {
	return &Store{m: m}
}

var _ delivery.Store = (*Store)(nil)

// PutRequest implements delivery.Store.
func (s *Store) PutRequest(ctx context.Context, rec *delivery.RequestRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec == nil || rec.RequestID == "" {
		return errors.New("request id is required")
	}
	b, err := json.Marshal(fromRequestRecord(rec))
	if err != nil {
		return fmt.Errorf("marshal request %q: %w", rec.RequestID, err)
	}
	if _, err := s.m.Set(ctx, requestKeyPrefix+rec.RequestID, string(b)); err != nil {
		return fmt.Errorf("store request %q: %w", rec.RequestID, err)
	}
	return nil
}

// GetRequest implements delivery.Store.
func (s *Store) GetRequest(ctx context.Context, requestID string) (*delivery.RequestRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	val, ok := s.m.Get(requestKeyPrefix + requestID)
	if !ok {
		return nil, delivery.ErrNotFound
	}
	doc, err := decodeRequest(requestID, val)
	if err != nil {
		return nil, err
	}
	return doc.toRequestRecord(), nil
}

// PutMessage implements delivery.Store.
func (s *Store) PutMessage(ctx context.Context, rec *delivery.MessageRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec == nil || rec.MessageID == "" {
		return errors.New("message id is required")
	}
	b, err := json.Marshal(fromMessageRecord(rec))
	if err != nil {
		return fmt.Errorf("marshal message %q: %w", rec.MessageID, err)
	}
	if _, err := s.m.Set(ctx, messageKeyPrefix+rec.MessageID, string(b)); err != nil {
		return fmt.Errorf("store message %q: %w", rec.MessageID, err)
	}
	return nil
}

// GetMessage implements delivery.Store.
func (s *Store) GetMessage(ctx context.Context, messageID string) (*delivery.MessageRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	val, ok := s.m.Get(messageKeyPrefix + messageID)
	if !ok {
		return nil, delivery.ErrNotFound
	}
	doc, err := decodeMessage(messageID, val)
	if err != nil {
		return nil, err
	}
	return doc.toMessageRecord(), nil
}

// LastSequence implements delivery.Store.
func (s *Store) LastSequence(ctx context.Context, pair delivery.Pair) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	val, ok := s.m.Get(sequenceKey(pair))
	if !ok {
		return 0, nil
	}
	seq, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse sequence %s: %w", pair, err)
	}
	return seq, nil
}

// UpdateSequence implements delivery.Store.
func (s *Store) UpdateSequence(ctx context.Context, pair delivery.Pair, seq uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := sequenceKey(pair)
	next := strconv.FormatUint(seq, 10)
	for range maxCASAttempts {
		cur, ok := s.m.Get(key)
		if !ok {
			set, err := s.m.SetIfNotExists(ctx, key, next)
			if err != nil {
				return fmt.Errorf("store sequence %s: %w", pair, err)
			}
			if set {
				return nil
			}
			continue
		}
		stored, err := strconv.ParseUint(cur, 10, 64)
		if err != nil {
			return fmt.Errorf("parse sequence %s: %w", pair, err)
		}
		if seq <= stored {
			return nil
		}
		prev, err := s.m.TestAndSet(ctx, key, cur, next)
		if err != nil {
			return fmt.Errorf("store sequence %s: %w", pair, err)
		}
		if prev == cur {
			return nil
		}
	}
	return fmt.Errorf("update sequence %s: %w", pair, ErrContention)
}

// MarkRequestCompleted implements delivery.Store.
func (s *Store) MarkRequestCompleted(ctx context.Context, requestID string, result json.RawMessage, completionRef string, at time.Time) error {
	return s.transition(ctx, requestID, func(doc *requestDocument) {
		doc.Status = delivery.StatusCompleted
		doc.CompletionRef = completionRef
		if result != nil {
			doc.Result = append(json.RawMessage(nil), result...)
		}
		doc.Timestamp = at
	})
}

// MarkRequestFailed implements delivery.Store.
func (s *Store) MarkRequestFailed(ctx context.Context, requestID string, failure *deliveryerrors.Error, at time.Time) error {
	return s.transition(ctx, requestID, func(doc *requestDocument) {
		doc.Status = delivery.StatusFailed
		doc.Error = failure.Clone()
		doc.Timestamp = at
	})
}

func (s *Store) transition(ctx context.Context, requestID string, mutate func(*requestDocument)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := requestKeyPrefix + requestID
	for range maxCASAttempts {
		cur, ok := s.m.Get(key)
		if !ok {
			return delivery.ErrNotFound
		}
		doc, err := decodeRequest(requestID, cur)
		if err != nil {
			return err
		}
		if err := delivery.CheckTransition(doc.Status); err != nil {
			return err
		}
		mutate(&doc)
		b, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("marshal request %q: %w", requestID, err)
		}
		prev, err := s.m.TestAndSet(ctx, key, cur, string(b))
		if err != nil {
			return fmt.Errorf("update request %q: %w", requestID, err)
		}
		if prev == cur {
			return nil
		}
	}
	return fmt.Errorf("update request %q: %w", requestID, ErrContention)
}

// UnacknowledgedEnvelopes implements delivery.Store.
func (s *Store) UnacknowledgedEnvelopes(ctx context.Context, pair delivery.Pair) ([]*delivery.Envelope, error) {
	var out []*delivery.Envelope
	err := s.eachMessage(ctx, func(rec *delivery.MessageRecord) {
		if delivery.Unacknowledged(rec, pair) {
			env := rec.Envelope
			out = append(out, &env)
		}
	})
	if err != nil {
		return nil, err
	}
	delivery.SortBySeq(out)
	return out, nil
}

// PendingRequests implements delivery.Store.
func (s *Store) PendingRequests(ctx context.Context, olderThan time.Time) ([]*delivery.RequestRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*delivery.RequestRecord
	for _, k := range s.m.Keys() {
		id, ok := strings.CutPrefix(k, requestKeyPrefix)
		if !ok {
			continue
		}
		rec, err := s.GetRequest(ctx, id)
		if errors.Is(err, delivery.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if rec.Status == delivery.StatusUnknown && delivery.Before(rec.Timestamp, olderThan) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestID < out[j].RequestID })
	return out, nil
}

// MessagesByStatus implements delivery.Store.
func (s *Store) MessagesByStatus(ctx context.Context, status delivery.Status, olderThan time.Time) ([]*delivery.MessageRecord, error) {
	var out []*delivery.MessageRecord
	err := s.eachMessage(ctx, func(rec *delivery.MessageRecord) {
		if rec.Status == status && delivery.Before(rec.Timestamp, olderThan) {
			out = append(out, rec)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MessageID < out[j].MessageID })
	return out, nil
}

// PurgeExpired implements delivery.Store. Records removed concurrently by
// another node are not counted.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n := 0
	for _, k := range s.m.Keys() {
		expired, err := s.expired(k, now)
		if err != nil {
			return n, err
		}
		if !expired {
			continue
		}
		prev, err := s.m.Delete(ctx, k)
		if err != nil {
			return n, fmt.Errorf("delete %q: %w", k, err)
		}
		if prev != "" {
			n++
		}
	}
	return n, nil
}

func (s *Store) expired(key string, now time.Time) (bool, error) {
	val, ok := s.m.Get(key)
	if !ok {
		return false, nil
	}
	if id, ok := strings.CutPrefix(key, requestKeyPrefix); ok {
		doc, err := decodeRequest(id, val)
		if err != nil {
			return false, err
		}
		return !doc.ExpiresAt.After(now), nil
	}
	if id, ok := strings.CutPrefix(key, messageKeyPrefix); ok {
		doc, err := decodeMessage(id, val)
		if err != nil {
			return false, err
		}
		return !doc.ExpiresAt.After(now), nil
	}
	return false, nil
}

func (s *Store) eachMessage(ctx context.Context, fn func(*delivery.MessageRecord)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, k := range s.m.Keys() {
		id, ok := strings.CutPrefix(k, messageKeyPrefix)
		if !ok {
			continue
		}
		rec, err := s.GetMessage(ctx, id)
		if errors.Is(err, delivery.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		fn(rec)
	}
	return nil
}

func sequenceKey(pair delivery.Pair) string {
	return sequenceKeyPrefix + pair.String()
}

func decodeRequest(id, val string) (requestDocument, error) {
	var doc requestDocument
	if err := json.Unmarshal([]byte(val), &doc); err != nil {
		return requestDocument{}, fmt.Errorf("unmarshal request %q: %w", id, err)
	}
	return doc, nil
}

func decodeMessage(id, val string) (messageDocument, error) {
	var doc messageDocument
	if err := json.Unmarshal([]byte(val), &doc); err != nil {
		return messageDocument{}, fmt.Errorf("unmarshal message %q: %w", id, err)
	}
	return doc, nil
}

func fromRequestRecord(rec *delivery.RequestRecord) requestDocument {
	return requestDocument{
		RequestID:     rec.RequestID,
		SourceAgentID: rec.SourceAgentID,
		TargetAgentID: rec.TargetAgentID,
		MessageType:   rec.MessageType,
		Payload:       rec.Payload,
		Status:        rec.Status,
		CompletionRef: rec.CompletionRef,
		Result:        rec.Result,
		Error:         rec.Error,
		Timestamp:     rec.Timestamp,
		ExpiresAt:     rec.ExpiresAt,
		CorrelationID: rec.CorrelationID,
		CausationID:   rec.CausationID,
	}
}

func (doc requestDocument) toRequestRecord() *delivery.RequestRecord {
	return &delivery.RequestRecord{
		RequestID:     doc.RequestID,
		SourceAgentID: doc.SourceAgentID,
		TargetAgentID: doc.TargetAgentID,
		MessageType:   doc.MessageType,
		Payload:       doc.Payload,
		Status:        doc.Status,
		CompletionRef: doc.CompletionRef,
		Result:        doc.Result,
		Error:         doc.Error,
		Timestamp:     doc.Timestamp,
		ExpiresAt:     doc.ExpiresAt,
		CorrelationID: doc.CorrelationID,
		CausationID:   doc.CausationID,
	}
}

func fromMessageRecord(rec *delivery.MessageRecord) messageDocument {
	return messageDocument{
		MessageID:     rec.MessageID,
		RequestID:     rec.RequestID,
		Envelope:      rec.Envelope,
		Status:        rec.Status,
		CompletionRef: rec.CompletionRef,
		Error:         rec.Error,
		Timestamp:     rec.Timestamp,
		ExpiresAt:     rec.ExpiresAt,
		RetryCount:    rec.RetryCount,
	}
}

func (doc messageDocument) toMessageRecord() *delivery.MessageRecord {
	return &delivery.MessageRecord{
		MessageID:     doc.MessageID,
		RequestID:     doc.RequestID,
		Envelope:      doc.Envelope,
		Status:        doc.Status,
		CompletionRef: doc.CompletionRef,
		Error:         doc.Error,
		Timestamp:     doc.Timestamp,
		ExpiresAt:     doc.ExpiresAt,
		RetryCount:    doc.RetryCount,
	}
}
