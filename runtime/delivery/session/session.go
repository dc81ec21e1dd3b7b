// Package session manages per-pair sequencing and cumulative
// acknowledgments between two agents.
//
// A Manager keeps one state per (source, target) pair. Sessions are created
// lazily and seeded from the store's last known sequence so numbering
// survives restarts of the manager. Handles returned for the same pair share
// the same state.
//
// Acknowledgments are cumulative: LastAck only advances through an unbroken
// run of sequences. Out-of-order acknowledgments wait in a bounded gap buffer
// until the run closes.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"goa.design/a2a-ledger/runtime/delivery"
	"goa.design/a2a-ledger/runtime/delivery/clock"
	"goa.design/a2a-ledger/runtime/delivery/deliveryerrors"
	"goa.design/a2a-ledger/runtime/delivery/ids"
	"goa.design/a2a-ledger/runtime/delivery/ledger"
	"goa.design/a2a-ledger/runtime/delivery/telemetry"
)

type (
	// Manager owns the session states. It is safe for concurrent use.
	// Sequence allocation and acknowledgment folding are serialized per pair.
	Manager struct {
		store    delivery.Store
		ledger   *ledger.Ledger
		clock    clock.Clock
		ids      ids.Generator
		defaults Defaults
		maxGaps  int
		logger   telemetry.Logger
		metrics  telemetry.Metrics

		mu     sync.RWMutex
		states map[delivery.Pair]*state
	}

	// Session is a handle on the state of one pair. It holds only the pair
	// key; all handles for a pair observe the same state.
	Session struct {
		m    *Manager
		pair delivery.Pair
	}

	// Info is a point-in-time view of a session.
	Info struct {
		Source       string    `json:"source"`
		Target       string    `json:"target"`
		NextSeq      uint64    `json:"nextSeq"`
		LastAck      uint64    `json:"lastAck"`
		Gaps         []uint64  `json:"gaps,omitempty"`
		Sent         int       `json:"sent"`
		CreatedAt    time.Time `json:"createdAt"`
		LastActivity time.Time `json:"lastActivity"`
	}

	// Stats aggregates all sessions.
	Stats struct {
		ActiveSessions int `json:"activeSessions"`
		BufferedGaps   int `json:"bufferedGaps"`
	}

	state struct {
		mu           sync.Mutex
		pair         delivery.Pair
		nextSeq      uint64
		lastAck      uint64
		gaps         map[uint64]struct{}
		sent         int
		closed       bool
		createdAt    time.Time
		lastActivity time.Time
	}

	payloadRefs struct {
		CorrelationID string `json:"correlationId"`
		CausationID   string `json:"causationId"`
	}
)

// ErrSessionClosed is returned by operations on a closed session.
var ErrSessionClosed = errors.New("session closed")

// NewManager returns a Manager persisting sequences to store.
func NewManager(store delivery.Store, opts ...Option) *Manager {
	m := &Manager{
		store:   store,
		clock:   clock.Real(),
		ids:     ids.UUIDv7(),
		maxGaps: DefaultMaxGapBuffer,
		defaults: Defaults{
			Version:  delivery.DefaultProtocolVersion,
			Priority: delivery.PriorityNormal,
		},
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
		states:  make(map[delivery.Pair]*state),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Session returns the session for (source, target), creating it on first
// access with nextSeq seeded from the store.
func (m *Manager) Session(ctx context.Context, source, target string) (*Session, error) {
	if source == "" || target == "" {
		return nil, deliveryerrors.New(deliveryerrors.CodeInvalidArgument, "source and target agent ids are required")
	}
	pair := delivery.Pair{Source: source, Target: target}

	m.mu.RLock()
	_, ok := m.states[pair]
	m.mu.RUnlock()
	if ok {
		return &Session{m: m, pair: pair}, nil
	}

	last, err := m.store.LastSequence(ctx, pair)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[pair]; !ok {
		m.states[pair] = &state{
			pair:         pair,
			nextSeq:      last + 1,
			gaps:         make(map[uint64]struct{}),
			createdAt:    now,
			lastActivity: now,
		}
		m.logger.Debug(ctx, "session created", "pair", pair.String(), "next_seq", last+1)
	}
	return &Session{m: m, pair: pair}, nil
}

// Get returns the existing session for (source, target).
func (m *Manager) Get(source, target string) (*Session, bool) {
	pair := delivery.Pair{Source: source, Target: target}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.states[pair]; !ok {
		return nil, false
	}
	return &Session{m: m, pair: pair}, true
}

// Close discards the session state for (source, target). It reports whether
// a session existed. The stored sequence is kept so a new session resumes
// numbering.
func (m *Manager) Close(source, target string) bool {
	pair := delivery.Pair{Source: source, Target: target}
	m.mu.Lock()
	st, ok := m.states[pair]
	delete(m.states, pair)
	m.mu.Unlock()
	if !ok {
		return false
	}
	st.mu.Lock()
	st.closed = true
	st.mu.Unlock()
	return true
}

// List returns a snapshot of every session ordered by pair.
func (m *Manager) List() []Info {
	m.mu.RLock()
	states := make([]*state, 0, len(m.states))
	for _, st := range m.states {
		states = append(states, st)
	}
	m.mu.RUnlock()

	out := make([]Info, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		out = append(out, st.info())
		st.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		return out[i].Target < out[j].Target
	})
	return out
}

// Stats returns aggregate counters across sessions.
func (m *Manager) Stats() Stats {
	var stats Stats
	for _, info := range m.List() {
		stats.ActiveSessions++
		stats.BufferedGaps += len(info.Gaps)
	}
	return stats
}

// Reset closes every session.
func (m *Manager) Reset() {
	m.mu.Lock()
	states := m.states
	m.states = make(map[delivery.Pair]*state)
	m.mu.Unlock()
	for _, st := range states {
		st.mu.Lock()
		st.closed = true
		st.mu.Unlock()
	}
}

// lock returns the locked state of pair or ErrSessionClosed.
func (m *Manager) lock(pair delivery.Pair) (*state, error) {
	m.mu.RLock()
	st, ok := m.states[pair]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSessionClosed
	}
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return nil, ErrSessionClosed
	}
	return st, nil
}

// Pair returns the (source, target) key of the session.
func (s *Session) Pair() delivery.Pair {
	return s.pair
}

// SendMessage allocates the next sequence, persists it, builds the envelope
// and appends it to the ledger when one is configured. It returns the new
// message id.
//
// A destination override must resolve to the session target: reply
// destinations to it, or broadcasts on a session opened toward
// delivery.BroadcastTarget. Other overrides are rejected before a sequence
// is allocated.
//
// A sequence number is consumed even when a later step fails, so the
// receiver may observe a hole that is never filled.
func (s *Session) SendMessage(ctx context.Context, payload json.RawMessage, typ delivery.MessageType, requestID string, opts ...SendOption) (string, error) {
	if !typ.Valid() {
		return "", deliveryerrors.Newf(deliveryerrors.CodeValidation, "unknown message type %q", typ)
	}
	var o sendOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.destination != nil {
		if target := o.destination.TargetAgentID(); target != s.pair.Target {
			return "", deliveryerrors.Newf(deliveryerrors.CodeInvalidArgument,
				"destination %q is outside session %s", target, s.pair)
		}
	}
	m := s.m
	st, err := m.lock(s.pair)
	if err != nil {
		return "", err
	}
	defer st.mu.Unlock()

	seq := st.nextSeq
	st.nextSeq++
	st.lastActivity = m.clock.Now()
	if err := m.store.UpdateSequence(ctx, s.pair, seq); err != nil {
		return "", err
	}

	env := m.buildEnvelope(ctx, st, seq, payload, typ, requestID, &o)
	if m.ledger != nil {
		res, err := m.ledger.Append(ctx, env)
		if err != nil {
			return "", err
		}
		if res.IsDuplicate {
			m.logger.Debug(ctx, "sent duplicate request", "pair", s.pair.String(), "request_id", requestID, "message_id", env.ID)
		}
	}
	st.sent++
	m.metrics.IncCounter(telemetry.MetricSessionSends, 1, "type", string(typ))
	return env.ID, nil
}

func (m *Manager) buildEnvelope(ctx context.Context, st *state, seq uint64, payload json.RawMessage, typ delivery.MessageType, requestID string, o *sendOptions) *delivery.Envelope {
	id := m.ids.NewID()
	env := &delivery.Envelope{
		ID:          id,
		RequestID:   requestID,
		Source:      delivery.Source{AgentID: st.pair.Source},
		Destination: delivery.Direct(st.pair.Target),
		Type:        typ,
		Version:     m.defaults.Version,
		Timestamp:   st.lastActivity.UTC().Format(time.RFC3339Nano),
		Priority:    m.defaults.Priority,
		Payload:     payload,
		Seq:         seq,
		Ack:         st.lastAck,
		Tracing:     m.tracing(ctx),
	}
	if o.destination != nil {
		env.Destination = *o.destination
	}
	if o.priority != "" {
		env.Priority = o.priority
	}
	ttl := m.defaults.TTL
	if o.ttl > 0 {
		ttl = o.ttl
	}
	if ttl > 0 {
		env.TTLMs = ttl.Milliseconds()
	}
	env.Context = merge(m.defaults.Context, o.context)
	if len(o.baggage) > 0 {
		env.Tracing.Baggage = merge(env.Tracing.Baggage, o.baggage)
	}

	var refs payloadRefs
	if len(payload) > 0 {
		// Non-object payloads carry no references.
		_ = json.Unmarshal(payload, &refs)
	}
	switch {
	case refs.CorrelationID != "":
		env.CorrelationID = refs.CorrelationID
	case requestID != "":
		env.CorrelationID = requestID
	default:
		env.CorrelationID = id
	}
	env.CausationID = refs.CausationID
	return env
}

// tracing propagates the span in ctx, or starts a fresh unsampled trace.
func (m *Manager) tracing(ctx context.Context) delivery.Tracing {
	sc := trace.SpanContextFromContext(ctx)
	if sc.IsValid() {
		return delivery.Tracing{
			TraceID: sc.TraceID().String(),
			SpanID:  sc.SpanID().String(),
			Sampled: sc.IsSampled(),
		}
	}
	return delivery.Tracing{TraceID: m.ids.NewID(), SpanID: m.ids.NewID()}
}

// AcknowledgeMessage records the peer's acknowledgment of seq and advances
// LastAck through any run it closes. Sequences at or below LastAck are
// ignored. When the gap buffer is full and seq does not extend the run, the
// call fails with code GAP_OVERFLOW and the state is unchanged.
func (s *Session) AcknowledgeMessage(seq uint64) error {
	m := s.m
	st, err := m.lock(s.pair)
	if err != nil {
		return err
	}
	defer st.mu.Unlock()

	if seq <= st.lastAck {
		return nil
	}
	if _, ok := st.gaps[seq]; ok {
		return nil
	}
	if seq != st.lastAck+1 && len(st.gaps) >= m.maxGaps {
		return deliveryerrors.Newf(deliveryerrors.CodeGapOverflow, "gap buffer full (%d entries)", m.maxGaps).
			WithDetail("pair", s.pair.String())
	}
	st.gaps[seq] = struct{}{}
	for {
		next := st.lastAck + 1
		if _, ok := st.gaps[next]; !ok {
			break
		}
		delete(st.gaps, next)
		st.lastAck = next
	}
	st.lastActivity = m.clock.Now()
	m.metrics.IncCounter(telemetry.MetricSessionAcks, 1)
	return nil
}

// HasGap reports whether some sequence strictly between LastAck+1 and seq
// has not been acknowledged. It is false for seq <= LastAck+1.
func (s *Session) HasGap(seq uint64) (bool, error) {
	st, err := s.m.lock(s.pair)
	if err != nil {
		return false, err
	}
	defer st.mu.Unlock()

	low := st.lastAck + 1
	if seq <= low {
		return false, nil
	}
	var present uint64
	for g := range st.gaps {
		if g > low && g < seq {
			present++
		}
	}
	return present < seq-low-1, nil
}

// UnacknowledgedMessages returns the stored envelopes on this pair that have
// not completed, ordered by sequence.
func (s *Session) UnacknowledgedMessages(ctx context.Context) ([]*delivery.Envelope, error) {
	st, err := s.m.lock(s.pair)
	if err != nil {
		return nil, err
	}
	st.mu.Unlock()
	return s.m.store.UnacknowledgedEnvelopes(ctx, s.pair)
}

// Snapshot returns the current state of the session.
func (s *Session) Snapshot() (Info, error) {
	st, err := s.m.lock(s.pair)
	if err != nil {
		return Info{}, err
	}
	defer st.mu.Unlock()
	return st.info(), nil
}

// LastAck returns the cumulative acknowledgment.
func (s *Session) LastAck() (uint64, error) {
	info, err := s.Snapshot()
	return info.LastAck, err
}

func (st *state) info() Info {
	gaps := make([]uint64, 0, len(st.gaps))
	for g := range st.gaps {
		gaps = append(gaps, g)
	}
	sort.Slice(gaps, func(i, j int) bool { return gaps[i] < gaps[j] })
	return Info{
		Source:       st.pair.Source,
		Target:       st.pair.Target,
		NextSeq:      st.nextSeq,
		LastAck:      st.lastAck,
		Gaps:         gaps,
		Sent:         st.sent,
		CreatedAt:    st.createdAt,
		LastActivity: st.lastActivity,
	}
}

func merge(base, extra map[string]string) map[string]string {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
