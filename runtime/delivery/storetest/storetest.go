// Package storetest provides a contract test suite for delivery.Store
// implementations. Each adapter runs it from its own tests:
//
//	func TestStoreContract(t *testing.T) {
//		storetest.Run(t, func(t *testing.T) delivery.Store { return inmem.New() })
//	}
package storetest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/a2a-ledger/runtime/delivery"
	"goa.design/a2a-ledger/runtime/delivery/deliveryerrors"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) delivery.Store

// Epoch is the base time used by the suite. Durable stores must preserve
// millisecond precision.
var Epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Run executes the contract suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("request round trip copies", func(t *testing.T) { testRequestRoundTrip(t, newStore(t)) })
	t.Run("message round trip copies", func(t *testing.T) { testMessageRoundTrip(t, newStore(t)) })
	t.Run("missing records", func(t *testing.T) { testMissing(t, newStore(t)) })
	t.Run("put overwrites", func(t *testing.T) { testOverwrite(t, newStore(t)) })
	t.Run("sequence is monotonic", func(t *testing.T) { testSequence(t, newStore(t)) })
	t.Run("mark completed", func(t *testing.T) { testMarkCompleted(t, newStore(t)) })
	t.Run("mark failed", func(t *testing.T) { testMarkFailed(t, newStore(t)) })
	t.Run("unacknowledged envelopes", func(t *testing.T) { testUnacknowledged(t, newStore(t)) })
	t.Run("pending requests", func(t *testing.T) { testPendingRequests(t, newStore(t)) })
	t.Run("messages by status", func(t *testing.T) { testMessagesByStatus(t, newStore(t)) })
	t.Run("purge expired", func(t *testing.T) { testPurgeExpired(t, newStore(t)) })
}

// Request builds an UNKNOWN request record created at ts.
func Request(id string, ts time.Time) *delivery.RequestRecord {
	return &delivery.RequestRecord{
		RequestID:     id,
		SourceAgentID: "planner",
		TargetAgentID: "executor",
		MessageType:   delivery.TypeRequest,
		Payload:       json.RawMessage(`{"task":"plan"}`),
		Status:        delivery.StatusUnknown,
		Timestamp:     ts,
		ExpiresAt:     ts.Add(delivery.DefaultTTL),
		CorrelationID: "c-" + id,
	}
}

// Message builds an UNKNOWN message record on pair with sequence seq.
func Message(id, requestID string, pair delivery.Pair, seq uint64, ts time.Time) *delivery.MessageRecord {
	return &delivery.MessageRecord{
		MessageID: id,
		RequestID: requestID,
		Envelope: delivery.Envelope{
			ID:          id,
			RequestID:   requestID,
			Source:      delivery.Source{AgentID: pair.Source},
			Destination: delivery.Direct(pair.Target),
			Type:        delivery.TypeRequest,
			Version:     delivery.DefaultProtocolVersion,
			Timestamp:   ts.Format(time.RFC3339Nano),
			Priority:    delivery.PriorityNormal,
			Context:     map[string]string{"tenant": "acme"},
			Tracing:     delivery.Tracing{TraceID: "trace", SpanID: "span"},
			Payload:     json.RawMessage(`{"n":1}`),
			Seq:         seq,
		},
		Status:    delivery.StatusUnknown,
		Timestamp: ts,
		ExpiresAt: ts.Add(delivery.DefaultTTL),
	}
}

func testRequestRoundTrip(t *testing.T, s delivery.Store) {
	ctx := context.Background()
	rec := Request("r-1", Epoch)
	require.NoError(t, s.PutRequest(ctx, rec))
	rec.Payload[2] = 'X'
	rec.Status = delivery.StatusFailed

	got, err := s.GetRequest(ctx, "r-1")
	require.NoError(t, err)
	require.Equal(t, delivery.StatusUnknown, got.Status)
	require.JSONEq(t, `{"task":"plan"}`, string(got.Payload))
	require.Equal(t, "planner", got.SourceAgentID)
	require.Equal(t, "executor", got.TargetAgentID)
	require.Equal(t, delivery.TypeRequest, got.MessageType)
	require.Equal(t, "c-r-1", got.CorrelationID)
	require.True(t, Epoch.Equal(got.Timestamp), "timestamp %s", got.Timestamp)
	require.True(t, Epoch.Add(delivery.DefaultTTL).Equal(got.ExpiresAt))

	got.Status = delivery.StatusCompleted
	again, err := s.GetRequest(ctx, "r-1")
	require.NoError(t, err)
	require.Equal(t, delivery.StatusUnknown, again.Status)
}

func testMessageRoundTrip(t *testing.T, s delivery.Store) {
	ctx := context.Background()
	pair := delivery.Pair{Source: "planner", Target: "executor"}
	rec := Message("m-1", "r-1", pair, 1, Epoch)
	require.NoError(t, s.PutMessage(ctx, rec))
	rec.Envelope.Context["tenant"] = "mutated"

	got, err := s.GetMessage(ctx, "m-1")
	require.NoError(t, err)
	require.Equal(t, "r-1", got.RequestID)
	require.Equal(t, "acme", got.Envelope.Context["tenant"])
	require.Equal(t, uint64(1), got.Envelope.Seq)
	require.Equal(t, pair, got.Envelope.Pair())
	require.JSONEq(t, `{"n":1}`, string(got.Envelope.Payload))
	require.Equal(t, 0, got.RetryCount)

	got.Envelope.Context["tenant"] = "mutated"
	again, err := s.GetMessage(ctx, "m-1")
	require.NoError(t, err)
	require.Equal(t, "acme", again.Envelope.Context["tenant"])
}

func testMissing(t *testing.T, s delivery.Store) {
	ctx := context.Background()
	_, err := s.GetRequest(ctx, "nope")
	require.ErrorIs(t, err, delivery.ErrNotFound)
	_, err = s.GetMessage(ctx, "nope")
	require.ErrorIs(t, err, delivery.ErrNotFound)
	require.ErrorIs(t, s.MarkRequestCompleted(ctx, "nope", nil, "", Epoch), delivery.ErrNotFound)
	require.ErrorIs(t, s.MarkRequestFailed(ctx, "nope", deliveryerrors.New(deliveryerrors.CodeInternal, "x"), Epoch), delivery.ErrNotFound)
	seq, err := s.LastSequence(ctx, delivery.Pair{Source: "a", Target: "b"})
	require.NoError(t, err)
	require.Zero(t, seq)
}

func testOverwrite(t *testing.T, s delivery.Store) {
	ctx := context.Background()
	pair := delivery.Pair{Source: "a", Target: "b"}
	rec := Message("m-1", "", pair, 1, Epoch)
	require.NoError(t, s.PutMessage(ctx, rec))
	rec.RetryCount = 3
	rec.Status = delivery.StatusFailed
	require.NoError(t, s.PutMessage(ctx, rec))

	got, err := s.GetMessage(ctx, "m-1")
	require.NoError(t, err)
	require.Equal(t, 3, got.RetryCount)
	require.Equal(t, delivery.StatusFailed, got.Status)
}

func testSequence(t *testing.T, s delivery.Store) {
	ctx := context.Background()
	ab := delivery.Pair{Source: "a", Target: "b"}
	ba := delivery.Pair{Source: "b", Target: "a"}

	require.NoError(t, s.UpdateSequence(ctx, ab, 5))
	require.NoError(t, s.UpdateSequence(ctx, ab, 3))
	require.NoError(t, s.UpdateSequence(ctx, ab, 5))
	seq, err := s.LastSequence(ctx, ab)
	require.NoError(t, err)
	require.Equal(t, uint64(5), seq)

	require.NoError(t, s.UpdateSequence(ctx, ab, 6))
	seq, err = s.LastSequence(ctx, ab)
	require.NoError(t, err)
	require.Equal(t, uint64(6), seq)

	seq, err = s.LastSequence(ctx, ba)
	require.NoError(t, err)
	require.Zero(t, seq, "pairs are directional")
}

func testMarkCompleted(t *testing.T, s delivery.Store) {
	ctx := context.Background()
	require.NoError(t, s.PutRequest(ctx, Request("r-1", Epoch)))
	at := Epoch.Add(time.Second)
	require.NoError(t, s.MarkRequestCompleted(ctx, "r-1", json.RawMessage(`{"ok":true}`), "blob://r-1", at))

	got, err := s.GetRequest(ctx, "r-1")
	require.NoError(t, err)
	require.Equal(t, delivery.StatusCompleted, got.Status)
	require.Equal(t, "blob://r-1", got.CompletionRef)
	require.JSONEq(t, `{"ok":true}`, string(got.Result))
	require.True(t, at.Equal(got.Timestamp))

	err = s.MarkRequestCompleted(ctx, "r-1", nil, "", at)
	require.ErrorIs(t, err, delivery.ErrInvalidTransition)
	err = s.MarkRequestFailed(ctx, "r-1", deliveryerrors.New(deliveryerrors.CodeInternal, "late"), at)
	require.ErrorIs(t, err, delivery.ErrInvalidTransition)
}

func testMarkFailed(t *testing.T, s delivery.Store) {
	ctx := context.Background()
	require.NoError(t, s.PutRequest(ctx, Request("r-1", Epoch)))
	failure := deliveryerrors.New(deliveryerrors.CodeTimeout, "executor timed out").WithDetail("attempt", "2")
	require.NoError(t, s.MarkRequestFailed(ctx, "r-1", failure, Epoch.Add(time.Second)))

	got, err := s.GetRequest(ctx, "r-1")
	require.NoError(t, err)
	require.Equal(t, delivery.StatusFailed, got.Status)
	require.NotNil(t, got.Error)
	require.Equal(t, deliveryerrors.CodeTimeout, got.Error.Code)
	require.Equal(t, "executor timed out", got.Error.Message)
	require.Equal(t, "2", got.Error.Details["attempt"])

	err = s.MarkRequestCompleted(ctx, "r-1", nil, "", Epoch)
	require.ErrorIs(t, err, delivery.ErrInvalidTransition)
}

func testUnacknowledged(t *testing.T, s delivery.Store) {
	ctx := context.Background()
	pair := delivery.Pair{Source: "planner", Target: "executor"}
	other := delivery.Pair{Source: "executor", Target: "planner"}

	for _, rec := range []*delivery.MessageRecord{
		Message("m-3", "", pair, 3, Epoch),
		Message("m-1", "", pair, 1, Epoch),
		Message("m-0", "", pair, 0, Epoch),
		Message("m-2", "", pair, 2, Epoch),
		Message("o-1", "", other, 1, Epoch),
	} {
		require.NoError(t, s.PutMessage(ctx, rec))
	}
	done := Message("m-4", "", pair, 4, Epoch)
	done.Status = delivery.StatusCompleted
	require.NoError(t, s.PutMessage(ctx, done))
	failed := Message("m-5", "", pair, 5, Epoch)
	failed.Status = delivery.StatusFailed
	require.NoError(t, s.PutMessage(ctx, failed))

	envs, err := s.UnacknowledgedEnvelopes(ctx, pair)
	require.NoError(t, err)
	ids := make([]string, 0, len(envs))
	for _, env := range envs {
		ids = append(ids, env.ID)
	}
	require.Equal(t, []string{"m-0", "m-1", "m-2", "m-3", "m-5"}, ids)

	envs[0].Context["tenant"] = "mutated"
	again, err := s.GetMessage(ctx, "m-0")
	require.NoError(t, err)
	require.Equal(t, "acme", again.Envelope.Context["tenant"])
}

func testPendingRequests(t *testing.T, s delivery.Store) {
	ctx := context.Background()
	require.NoError(t, s.PutRequest(ctx, Request("old", Epoch)))
	require.NoError(t, s.PutRequest(ctx, Request("new", Epoch.Add(time.Minute))))
	require.NoError(t, s.PutRequest(ctx, Request("done", Epoch)))
	require.NoError(t, s.MarkRequestCompleted(ctx, "done", nil, "", Epoch))

	all, err := s.PendingRequests(ctx, time.Time{})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"old", "new"}, requestIDs(all))

	older, err := s.PendingRequests(ctx, Epoch.Add(30*time.Second))
	require.NoError(t, err)
	require.Equal(t, []string{"old"}, requestIDs(older))
}

func testMessagesByStatus(t *testing.T, s delivery.Store) {
	ctx := context.Background()
	pair := delivery.Pair{Source: "a", Target: "b"}
	require.NoError(t, s.PutMessage(ctx, Message("m-1", "", pair, 1, Epoch)))
	require.NoError(t, s.PutMessage(ctx, Message("m-2", "", pair, 2, Epoch.Add(time.Minute))))
	failed := Message("m-3", "", pair, 3, Epoch)
	failed.Status = delivery.StatusFailed
	require.NoError(t, s.PutMessage(ctx, failed))

	unknown, err := s.MessagesByStatus(ctx, delivery.StatusUnknown, time.Time{})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"m-1", "m-2"}, messageIDs(unknown))

	older, err := s.MessagesByStatus(ctx, delivery.StatusUnknown, Epoch.Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, []string{"m-1"}, messageIDs(older))

	failedOnly, err := s.MessagesByStatus(ctx, delivery.StatusFailed, time.Time{})
	require.NoError(t, err)
	require.Equal(t, []string{"m-3"}, messageIDs(failedOnly))
}

func testPurgeExpired(t *testing.T, s delivery.Store) {
	ctx := context.Background()
	pair := delivery.Pair{Source: "a", Target: "b"}

	early := Request("early", Epoch)
	early.ExpiresAt = Epoch.Add(time.Minute)
	late := Request("late", Epoch)
	late.ExpiresAt = Epoch.Add(time.Hour)
	require.NoError(t, s.PutRequest(ctx, early))
	require.NoError(t, s.PutRequest(ctx, late))

	msg := Message("m-1", "early", pair, 1, Epoch)
	msg.ExpiresAt = Epoch.Add(time.Minute)
	require.NoError(t, s.PutMessage(ctx, msg))

	now := Epoch.Add(time.Minute)
	n, err := s.PurgeExpired(ctx, now)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	_, err = s.GetRequest(ctx, "early")
	require.ErrorIs(t, err, delivery.ErrNotFound)
	_, err = s.GetMessage(ctx, "m-1")
	require.ErrorIs(t, err, delivery.ErrNotFound)
	_, err = s.GetRequest(ctx, "late")
	require.NoError(t, err)

	n, err = s.PurgeExpired(ctx, now)
	require.NoError(t, err)
	require.Zero(t, n)
}

func requestIDs(recs []*delivery.RequestRecord) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.RequestID)
	}
	return out
}

func messageIDs(recs []*delivery.MessageRecord) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.MessageID)
	}
	return out
}
