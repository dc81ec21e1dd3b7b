// Package inmem provides an in-memory implementation of delivery.Store.
//
// It is the reference implementation of the store contract and is intended
// for tests and single-process deployments. Durable implementations live
// under features/delivery.
package inmem

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"goa.design/a2a-ledger/runtime/delivery"
	"goa.design/a2a-ledger/runtime/delivery/deliveryerrors"
)

type (
	// Store is an in-memory implementation of delivery.Store.
	// It is safe for concurrent use.
	Store struct {
		mu        sync.RWMutex
		requests  map[string]*delivery.RequestRecord
		messages  map[string]*delivery.MessageRecord
		sequences map[delivery.Pair]uint64
	}
)

var _ delivery.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		requests:  make(map[string]*delivery.RequestRecord),
		messages:  make(map[string]*delivery.MessageRecord),
		sequences: make(map[delivery.Pair]uint64),
	}
}

// PutRequest implements delivery.Store.
func (s *Store) PutRequest(_ context.Context, rec *delivery.RequestRecord) error {
	if rec == nil || rec.RequestID == "" {
		return errors.New("request id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[rec.RequestID] = rec.Clone()
	return nil
}

// GetRequest implements delivery.Store.
func (s *Store) GetRequest(_ context.Context, requestID string) (*delivery.RequestRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.requests[requestID]
	if !ok {
		return nil, delivery.ErrNotFound
	}
	return rec.Clone(), nil
}

// PutMessage implements delivery.Store.
func (s *Store) PutMessage(_ context.Context, rec *delivery.MessageRecord) error {
	if rec == nil || rec.MessageID == "" {
		return errors.New("message id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[rec.MessageID] = rec.Clone()
	return nil
}

// GetMessage implements delivery.Store.
func (s *Store) GetMessage(_ context.Context, messageID string) (*delivery.MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.messages[messageID]
	if !ok {
		return nil, delivery.ErrNotFound
	}
	return rec.Clone(), nil
}

// LastSequence implements delivery.Store.
func (s *Store) LastSequence(_ context.Context, pair delivery.Pair) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sequences[pair], nil
}

// UpdateSequence implements delivery.Store.
func (s *Store) UpdateSequence(_ context.Context, pair delivery.Pair, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.sequences[pair] {
		s.sequences[pair] = seq
	}
	return nil
}

// MarkRequestCompleted implements delivery.Store.
func (s *Store) MarkRequestCompleted(_ context.Context, requestID string, result json.RawMessage, completionRef string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.requests[requestID]
	if !ok {
		return delivery.ErrNotFound
	}
	if err := delivery.CheckTransition(rec.Status); err != nil {
		return err
	}
	rec.Status = delivery.StatusCompleted
	rec.CompletionRef = completionRef
	if result != nil {
		rec.Result = append(json.RawMessage(nil), result...)
	}
	rec.Timestamp = at
	return nil
}

// MarkRequestFailed implements delivery.Store.
func (s *Store) MarkRequestFailed(_ context.Context, requestID string, failure *deliveryerrors.Error, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.requests[requestID]
	if !ok {
		return delivery.ErrNotFound
	}
	if err := delivery.CheckTransition(rec.Status); err != nil {
		return err
	}
	rec.Status = delivery.StatusFailed
	rec.Error = failure.Clone()
	rec.Timestamp = at
	return nil
}

// UnacknowledgedEnvelopes implements delivery.Store.
func (s *Store) UnacknowledgedEnvelopes(_ context.Context, pair delivery.Pair) ([]*delivery.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*delivery.Envelope
	for _, rec := range s.messages {
		if delivery.Unacknowledged(rec, pair) {
			out = append(out, rec.Envelope.Clone())
		}
	}
	delivery.SortBySeq(out)
	return out, nil
}

// PendingRequests implements delivery.Store.
func (s *Store) PendingRequests(_ context.Context, olderThan time.Time) ([]*delivery.RequestRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*delivery.RequestRecord
	for _, rec := range s.requests {
		if rec.Status == delivery.StatusUnknown && delivery.Before(rec.Timestamp, olderThan) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestID < out[j].RequestID })
	return out, nil
}

// MessagesByStatus implements delivery.Store.
func (s *Store) MessagesByStatus(_ context.Context, status delivery.Status, olderThan time.Time) ([]*delivery.MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*delivery.MessageRecord
	for _, rec := range s.messages {
		if rec.Status == status && delivery.Before(rec.Timestamp, olderThan) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MessageID < out[j].MessageID })
	return out, nil
}

// PurgeExpired implements delivery.Store.
func (s *Store) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, rec := range s.requests {
		if rec.Expired(now) {
			delete(s.requests, id)
			n++
		}
	}
	for id, rec := range s.messages {
		if rec.Expired(now) {
			delete(s.messages, id)
			n++
		}
	}
	return n, nil
}

// Clear removes every record and sequence.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = make(map[string]*delivery.RequestRecord)
	s.messages = make(map[string]*delivery.MessageRecord)
	s.sequences = make(map[delivery.Pair]uint64)
}
