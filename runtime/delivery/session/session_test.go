package session

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"goa.design/a2a-ledger/runtime/delivery"
	"goa.design/a2a-ledger/runtime/delivery/clock"
	"goa.design/a2a-ledger/runtime/delivery/deliveryerrors"
	"goa.design/a2a-ledger/runtime/delivery/ids"
	"goa.design/a2a-ledger/runtime/delivery/inmem"
	"goa.design/a2a-ledger/runtime/delivery/ledger"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newManager(t *testing.T, opts ...Option) (*Manager, *inmem.Store) {
	t.Helper()
	store := inmem.New()
	clk := clock.Fake(epoch)
	base := []Option{
		WithClock(clk),
		WithIDs(ids.Sequential("id")),
		WithLedger(ledger.New(store, ledger.WithClock(clk))),
	}
	return NewManager(store, append(base, opts...)...), store
}

func open(t *testing.T, m *Manager) *Session {
	t.Helper()
	s, err := m.Session(context.Background(), "planner", "executor")
	require.NoError(t, err)
	return s
}

func TestAcknowledgeOutOfOrder(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t)
	s := open(t, m)

	require.NoError(t, s.AcknowledgeMessage(1))
	info, err := s.Snapshot()
	require.NoError(t, err)
	require.Equal(t, uint64(1), info.LastAck)
	require.Empty(t, info.Gaps)

	require.NoError(t, s.AcknowledgeMessage(3))
	info, err = s.Snapshot()
	require.NoError(t, err)
	require.Equal(t, uint64(1), info.LastAck)
	require.Equal(t, []uint64{3}, info.Gaps)

	require.NoError(t, s.AcknowledgeMessage(2))
	info, err = s.Snapshot()
	require.NoError(t, err)
	require.Equal(t, uint64(3), info.LastAck)
	require.Empty(t, info.Gaps)
}

func TestAcknowledgeIgnoresStaleSequences(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t)
	s := open(t, m)
	require.NoError(t, s.AcknowledgeMessage(1))
	require.NoError(t, s.AcknowledgeMessage(2))
	require.NoError(t, s.AcknowledgeMessage(1))
	require.NoError(t, s.AcknowledgeMessage(0))

	info, err := s.Snapshot()
	require.NoError(t, err)
	require.Equal(t, uint64(2), info.LastAck)
	require.Empty(t, info.Gaps)
}

func TestHasGap(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t)
	s := open(t, m)

	for _, seq := range []uint64{0, 1} {
		gap, err := s.HasGap(seq)
		require.NoError(t, err)
		require.False(t, gap, seq)
	}
	gap, err := s.HasGap(5)
	require.NoError(t, err)
	require.True(t, gap)

	for _, seq := range []uint64{2, 3, 4} {
		require.NoError(t, s.AcknowledgeMessage(seq))
	}
	gap, err = s.HasGap(5)
	require.NoError(t, err)
	require.False(t, gap, "only sequence 1 is missing and it sits at the boundary")
}

func TestGapBufferOverflow(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t, WithMaxGapBuffer(2))
	s := open(t, m)
	require.NoError(t, s.AcknowledgeMessage(3))
	require.NoError(t, s.AcknowledgeMessage(4))

	err := s.AcknowledgeMessage(5)
	require.Error(t, err)
	require.Equal(t, deliveryerrors.CodeGapOverflow, deliveryerrors.CodeOf(err))
	info, err := s.Snapshot()
	require.NoError(t, err)
	require.Equal(t, []uint64{3, 4}, info.Gaps)

	// Closing the run is always accepted and drains the buffer.
	require.NoError(t, s.AcknowledgeMessage(1))
	require.NoError(t, s.AcknowledgeMessage(2))
	info, err = s.Snapshot()
	require.NoError(t, err)
	require.Equal(t, uint64(4), info.LastAck)
	require.Empty(t, info.Gaps)
}

func TestAckFoldingProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("lastAck is the longest acknowledged prefix", prop.ForAll(
		func(acks []int) bool {
			m, _ := newManager(t)
			s, err := m.Session(context.Background(), "a", "b")
			if err != nil {
				return false
			}
			seen := make(map[uint64]bool)
			for _, a := range acks {
				seq := uint64(a)
				if err := s.AcknowledgeMessage(seq); err != nil {
					return false
				}
				seen[seq] = true
				var prefix uint64
				for seen[prefix+1] {
					prefix++
				}
				info, err := s.Snapshot()
				if err != nil || info.LastAck != prefix {
					return false
				}
				for _, g := range info.Gaps {
					if g <= prefix+1 || !seen[g] {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(1, 40)),
	))

	properties.TestingRun(t)
}

func TestSessionSeedsFromStore(t *testing.T) {
	t.Parallel()

	m, store := newManager(t)
	ctx := context.Background()
	require.NoError(t, store.UpdateSequence(ctx, delivery.Pair{Source: "planner", Target: "executor"}, 41))

	s := open(t, m)
	id, err := s.SendMessage(ctx, json.RawMessage(`{}`), delivery.TypeEvent, "")
	require.NoError(t, err)
	msg, err := store.GetMessage(ctx, id)
	require.NoError(t, err)
	require.Equal(t, uint64(42), msg.Envelope.Seq)
}

func TestHandlesShareState(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t)
	a := open(t, m)
	b := open(t, m)
	require.NoError(t, a.AcknowledgeMessage(1))
	ack, err := b.LastAck()
	require.NoError(t, err)
	require.Equal(t, uint64(1), ack)

	got, ok := m.Get("planner", "executor")
	require.True(t, ok)
	require.Equal(t, a.Pair(), got.Pair())
	_, ok = m.Get("executor", "planner")
	require.False(t, ok)
}

func TestSendMessageBuildsEnvelope(t *testing.T) {
	t.Parallel()

	m, store := newManager(t, WithDefaults(Defaults{Context: map[string]string{"tenant": "acme"}, TTL: time.Hour}))
	ctx := context.Background()
	s := open(t, m)
	require.NoError(t, s.AcknowledgeMessage(1))

	id, err := s.SendMessage(ctx, json.RawMessage(`{"task":"plan"}`), delivery.TypeRequest, "r-1",
		WithPriority(delivery.PriorityHigh), WithBaggage(map[string]string{"user": "u-1"}))
	require.NoError(t, err)

	msg, err := store.GetMessage(ctx, id)
	require.NoError(t, err)
	env := msg.Envelope
	require.Equal(t, uint64(1), env.Seq)
	require.Equal(t, uint64(1), env.Ack)
	require.Equal(t, "r-1", env.CorrelationID)
	require.Equal(t, delivery.PriorityHigh, env.Priority)
	require.Equal(t, delivery.DefaultProtocolVersion, env.Version)
	require.Equal(t, "acme", env.Context["tenant"])
	require.Equal(t, "u-1", env.Tracing.Baggage["user"])
	require.False(t, env.Tracing.Sampled)
	require.NotEmpty(t, env.Tracing.TraceID)
	require.Equal(t, int64(time.Hour/time.Millisecond), env.TTLMs)
	require.Equal(t, "executor", env.Destination.TargetAgentID())
	require.NoError(t, env.Validate())

	req, err := store.GetRequest(ctx, "r-1")
	require.NoError(t, err)
	require.Equal(t, delivery.StatusUnknown, req.Status)
}

func TestSendMessageCorrelationDefaults(t *testing.T) {
	t.Parallel()

	m, store := newManager(t)
	ctx := context.Background()
	s := open(t, m)

	id, err := s.SendMessage(ctx, json.RawMessage(`{"correlationId":"c-9","causationId":"m-0"}`), delivery.TypeEvent, "r-1")
	require.NoError(t, err)
	msg, err := store.GetMessage(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "c-9", msg.Envelope.CorrelationID)
	require.Equal(t, "m-0", msg.Envelope.CausationID)
	require.Zero(t, msg.Envelope.Ack, "ack is omitted until something is acknowledged")

	id, err = s.SendMessage(ctx, json.RawMessage(`[1,2]`), delivery.TypeHeartbeat, "")
	require.NoError(t, err)
	msg, err = store.GetMessage(ctx, id)
	require.NoError(t, err)
	require.Equal(t, id, msg.Envelope.CorrelationID)
	require.Empty(t, msg.Envelope.CausationID)
}

func TestSendMessagePropagatesSpanContext(t *testing.T) {
	t.Parallel()

	m, store := newManager(t)
	s := open(t, m)
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3},
		SpanID:     trace.SpanID{4, 5, 6},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	id, err := s.SendMessage(ctx, nil, delivery.TypeEvent, "")
	require.NoError(t, err)
	msg, err := store.GetMessage(ctx, id)
	require.NoError(t, err)
	require.Equal(t, sc.TraceID().String(), msg.Envelope.Tracing.TraceID)
	require.Equal(t, sc.SpanID().String(), msg.Envelope.Tracing.SpanID)
	require.True(t, msg.Envelope.Tracing.Sampled)
}

func TestSendMessageWithoutLedger(t *testing.T) {
	t.Parallel()

	store := inmem.New()
	m := NewManager(store, WithIDs(ids.Sequential("m")))
	s, err := m.Session(context.Background(), "a", "b")
	require.NoError(t, err)
	id, err := s.SendMessage(context.Background(), nil, delivery.TypeEvent, "")
	require.NoError(t, err)
	require.Equal(t, "m-1", id)

	_, err = store.GetMessage(context.Background(), id)
	require.ErrorIs(t, err, delivery.ErrNotFound)
	seq, err := store.LastSequence(context.Background(), s.Pair())
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq)
}

type failingSequences struct {
	*inmem.Store
	fail bool
}

func (s *failingSequences) UpdateSequence(ctx context.Context, pair delivery.Pair, seq uint64) error {
	if s.fail {
		return errors.New("sequence store unavailable")
	}
	return s.Store.UpdateSequence(ctx, pair, seq)
}

func TestFailedSendBurnsSequence(t *testing.T) {
	t.Parallel()

	store := &failingSequences{Store: inmem.New(), fail: true}
	m := NewManager(store)
	ctx := context.Background()
	s, err := m.Session(ctx, "a", "b")
	require.NoError(t, err)

	_, err = s.SendMessage(ctx, nil, delivery.TypeEvent, "")
	require.Error(t, err)

	store.fail = false
	_, err = s.SendMessage(ctx, nil, delivery.TypeEvent, "")
	require.NoError(t, err)
	info, err := s.Snapshot()
	require.NoError(t, err)
	require.Equal(t, uint64(3), info.NextSeq)
	require.Equal(t, 1, info.Sent)
}

func TestConcurrentSendsAllocateDenseSequences(t *testing.T) {
	t.Parallel()

	m, store := newManager(t, WithIDs(ids.UUIDv7()))
	ctx := context.Background()
	s := open(t, m)

	const n = 64
	idsCh := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := s.SendMessage(ctx, nil, delivery.TypeEvent, "")
			if err == nil {
				idsCh <- id
			}
		}()
	}
	wg.Wait()
	close(idsCh)

	var seqs []uint64
	for id := range idsCh {
		msg, err := store.GetMessage(ctx, id)
		require.NoError(t, err)
		seqs = append(seqs, msg.Envelope.Seq)
	}
	require.Len(t, seqs, n)
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for i, seq := range seqs {
		require.Equal(t, uint64(i+1), seq)
	}
	last, err := store.LastSequence(ctx, s.Pair())
	require.NoError(t, err)
	require.Equal(t, uint64(n), last)
}

func TestUnacknowledgedMessages(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t)
	ctx := context.Background()
	s := open(t, m)
	l := m.ledger

	_, err := s.SendMessage(ctx, nil, delivery.TypeRequest, "r-1")
	require.NoError(t, err)
	second, err := s.SendMessage(ctx, nil, delivery.TypeRequest, "r-2")
	require.NoError(t, err)
	_, err = s.SendMessage(ctx, nil, delivery.TypeRequest, "r-3")
	require.NoError(t, err)
	require.NoError(t, l.MarkCompleted(ctx, "r-1", nil, ""))

	envs, err := s.UnacknowledgedMessages(ctx)
	require.NoError(t, err)
	require.Len(t, envs, 2)
	require.Equal(t, second, envs[0].ID)
	require.Equal(t, uint64(2), envs[0].Seq)
	require.Equal(t, uint64(3), envs[1].Seq)
}

func TestSendMessageDestinationStaysOnPair(t *testing.T) {
	t.Parallel()

	m, store := newManager(t)
	ctx := context.Background()
	s := open(t, m)

	_, err := s.SendMessage(ctx, nil, delivery.TypeEvent, "")
	require.NoError(t, err)
	for _, dest := range []delivery.Destination{delivery.Broadcast(), delivery.ReplyTo("auditor"), delivery.Direct("auditor")} {
		_, err := s.SendMessage(ctx, nil, delivery.TypeEvent, "", WithDestination(dest))
		require.Equal(t, deliveryerrors.CodeInvalidArgument, deliveryerrors.CodeOf(err), dest.Kind)
	}
	_, err = s.SendMessage(ctx, nil, delivery.TypeEvent, "", WithDestination(delivery.ReplyTo("executor")))
	require.NoError(t, err)

	last, err := store.LastSequence(ctx, delivery.Pair{Source: "planner", Target: "executor"})
	require.NoError(t, err)
	require.Equal(t, uint64(2), last, "rejected overrides allocate no sequence")
	envs, err := s.UnacknowledgedMessages(ctx)
	require.NoError(t, err)
	require.Len(t, envs, 2)
	require.Equal(t, uint64(1), envs[0].Seq)
	require.Equal(t, uint64(2), envs[1].Seq)
	require.Equal(t, delivery.DestinationReply, envs[1].Destination.Kind)

	b, err := m.Session(ctx, "planner", delivery.BroadcastTarget)
	require.NoError(t, err)
	_, err = b.SendMessage(ctx, nil, delivery.TypeEvent, "", WithDestination(delivery.Broadcast()))
	require.NoError(t, err)
	envs, err = b.UnacknowledgedMessages(ctx)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	require.Equal(t, uint64(1), envs[0].Seq)
	require.Equal(t, delivery.DestinationBroadcast, envs[0].Destination.Kind)
}

func TestCloseAndReset(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t)
	ctx := context.Background()
	s := open(t, m)
	_, err := m.Session(ctx, "executor", "planner")
	require.NoError(t, err)
	require.NoError(t, s.AcknowledgeMessage(3))
	require.Equal(t, Stats{ActiveSessions: 2, BufferedGaps: 1}, m.Stats())

	list := m.List()
	require.Len(t, list, 2)
	require.Equal(t, "executor", list[0].Source)

	require.True(t, m.Close("planner", "executor"))
	require.False(t, m.Close("planner", "executor"))
	require.ErrorIs(t, s.AcknowledgeMessage(1), ErrSessionClosed)
	_, err = s.SendMessage(ctx, nil, delivery.TypeEvent, "")
	require.ErrorIs(t, err, ErrSessionClosed)
	_, err = s.HasGap(2)
	require.ErrorIs(t, err, ErrSessionClosed)

	m.Reset()
	require.Equal(t, Stats{}, m.Stats())
	require.Empty(t, m.List())
}

func TestSessionRequiresAgentIDs(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t)
	_, err := m.Session(context.Background(), "", "b")
	require.Equal(t, deliveryerrors.CodeInvalidArgument, deliveryerrors.CodeOf(err))
}
