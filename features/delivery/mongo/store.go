package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	clientsmongo "goa.design/a2a-ledger/features/delivery/mongo/clients/mongo"
	"goa.design/a2a-ledger/runtime/delivery"
	"goa.design/a2a-ledger/runtime/delivery/deliveryerrors"
)

// Store implements delivery.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

var _ delivery.Store = (*Store)(nil)

// NewStore builds a Store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Name identifies the store in health reports.
func (s *Store) Name() string {
	return s.client.Name()
}

// Ping reports whether the underlying database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}

// PutRequest stores the request record.
func (s *Store) PutRequest(ctx context.Context, rec *delivery.RequestRecord) error {
	return s.client.PutRequest(ctx, rec)
}

// GetRequest loads a request record.
func (s *Store) GetRequest(ctx context.Context, requestID string) (*delivery.RequestRecord, error) {
	return s.client.GetRequest(ctx, requestID)
}

// PutMessage stores the message record.
func (s *Store) PutMessage(ctx context.Context, rec *delivery.MessageRecord) error {
	return s.client.PutMessage(ctx, rec)
}

// GetMessage loads a message record.
func (s *Store) GetMessage(ctx context.Context, messageID string) (*delivery.MessageRecord, error) {
	return s.client.GetMessage(ctx, messageID)
}

// LastSequence returns the last stored sequence for the pair.
func (s *Store) LastSequence(ctx context.Context, pair delivery.Pair) (uint64, error) {
	return s.client.LastSequence(ctx, pair)
}

// UpdateSequence raises the stored sequence for the pair.
func (s *Store) UpdateSequence(ctx context.Context, pair delivery.Pair, seq uint64) error {
	return s.client.UpdateSequence(ctx, pair, seq)
}

// MarkRequestCompleted moves an UNKNOWN request to COMPLETED.
func (s *Store) MarkRequestCompleted(ctx context.Context, requestID string, result json.RawMessage, completionRef string, at time.Time) error {
	return s.client.MarkRequestCompleted(ctx, requestID, result, completionRef, at)
}

// MarkRequestFailed moves an UNKNOWN request to FAILED.
func (s *Store) MarkRequestFailed(ctx context.Context, requestID string, failure *deliveryerrors.Error, at time.Time) error {
	return s.client.MarkRequestFailed(ctx, requestID, failure, at)
}

// UnacknowledgedEnvelopes lists envelopes on pair not yet completed.
func (s *Store) UnacknowledgedEnvelopes(ctx context.Context, pair delivery.Pair) ([]*delivery.Envelope, error) {
	return s.client.UnacknowledgedEnvelopes(ctx, pair)
}

// PendingRequests lists UNKNOWN requests older than the cutoff.
func (s *Store) PendingRequests(ctx context.Context, olderThan time.Time) ([]*delivery.RequestRecord, error) {
	return s.client.PendingRequests(ctx, olderThan)
}

// MessagesByStatus lists messages in status older than the cutoff.
func (s *Store) MessagesByStatus(ctx context.Context, status delivery.Status, olderThan time.Time) ([]*delivery.MessageRecord, error) {
	return s.client.MessagesByStatus(ctx, status, olderThan)
}

// PurgeExpired deletes expired requests and messages.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	return s.client.PurgeExpired(ctx, now)
}
