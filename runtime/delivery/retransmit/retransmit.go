// Package retransmit decides when messages should be resent.
//
// The Retransmitter holds a schedule of message ids and their due times. It
// never fires on its own: callers poll ProcessRetriesOnce (directly or
// through a Driver) to collect due ids. This keeps the schedule
// deterministic under a fake clock.
//
// Callers resending a request must reuse the original request id and mint a
// new message id per attempt so the ledger can deduplicate.
package retransmit

import (
	"context"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"goa.design/a2a-ledger/runtime/delivery"
	"goa.design/a2a-ledger/runtime/delivery/clock"
	"goa.design/a2a-ledger/runtime/delivery/telemetry"
)

type (
	// Retransmitter schedules message retries. It is safe for concurrent use.
	Retransmitter struct {
		clock   clock.Clock
		random  func() float64
		logger  telemetry.Logger
		metrics telemetry.Metrics

		mu      sync.Mutex
		policy  Policy
		entries map[string]Entry
	}

	// Entry is a scheduled retry.
	Entry struct {
		MessageID string    `json:"messageId"`
		Attempt   int       `json:"attempt"`
		Due       time.Time `json:"due"`
	}

	// Option configures the Retransmitter.
	Option func(*Retransmitter)
)

// New returns a Retransmitter using DefaultPolicy unless overridden.
func New(opts ...Option) *Retransmitter {
	r := &Retransmitter{
		clock:   clock.Real(),
		random:  rand.Float64,
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
		policy:  DefaultPolicy(),
		entries: make(map[string]Entry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// WithPolicy sets the initial policy.
func WithPolicy(p Policy) Option {
	return func(r *Retransmitter) { r.policy = normalize(p) }
}

// WithClock sets the clock used to compute due times.
func WithClock(c clock.Clock) Option {
	return func(r *Retransmitter) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithRandom sets the source of jitter. fn must return values in [0, 1).
func WithRandom(fn func() float64) Option {
	return func(r *Retransmitter) {
		if fn != nil {
			r.random = fn
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(r *Retransmitter) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(r *Retransmitter) {
		if m != nil {
			r.metrics = m
		}
	}
}

// ScheduleRetry schedules messageID to be due after delay. Scheduling an id
// that is already pending counts as the next attempt: the attempt counter
// is incremented and the due time reset.
func (r *Retransmitter) ScheduleRetry(messageID string, delay time.Duration) Entry {
	if delay < 0 {
		delay = 0
	}
	due := r.clock.Now().Add(delay)

	r.mu.Lock()
	e, ok := r.entries[messageID]
	if ok {
		e.Attempt++
	} else {
		e = Entry{MessageID: messageID, Attempt: 1}
	}
	e.Due = due
	r.entries[messageID] = e
	r.mu.Unlock()

	r.metrics.IncCounter(telemetry.MetricRetriesScheduled, 1)
	r.logger.Debug(context.Background(), "retry scheduled", "message_id", messageID, "attempt", e.Attempt, "delay", delay)
	return e
}

// CancelRetry removes messageID from the schedule. Unknown ids are ignored.
func (r *Retransmitter) CancelRetry(messageID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, messageID)
}

// ProcessRetriesOnce removes and returns the ids of every entry whose due
// time has passed, ordered by due time then id.
func (r *Retransmitter) ProcessRetriesOnce() []string {
	due := r.popDue()
	if len(due) == 0 {
		return nil
	}
	out := make([]string, len(due))
	for i, e := range due {
		out[i] = e.MessageID
	}
	return out
}

func (r *Retransmitter) popDue() []Entry {
	now := r.clock.Now()
	r.mu.Lock()
	var due []Entry
	for id, e := range r.entries {
		if !e.Due.After(now) {
			due = append(due, e)
			delete(r.entries, id)
		}
	}
	r.mu.Unlock()
	sortEntries(due)
	if len(due) > 0 {
		r.metrics.IncCounter(telemetry.MetricRetriesFired, float64(len(due)))
	}
	return due
}

// restore puts popped entries back unchanged unless they were rescheduled
// in the meantime.
func (r *Retransmitter) restore(entries []Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entries {
		if _, ok := r.entries[e.MessageID]; !ok {
			r.entries[e.MessageID] = e
		}
	}
}

// Pending returns every scheduled entry ordered by due time then id.
func (r *Retransmitter) Pending() []Entry {
	r.mu.Lock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.Unlock()
	sortEntries(out)
	return out
}

// Get returns the scheduled entry for messageID.
func (r *Retransmitter) Get(messageID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[messageID]
	return e, ok
}

// ShouldRetry reports whether rec may be resent after err. Records that have
// used up MaxAttempts are never retried. UNKNOWN records are treated as
// timed out and retried. FAILED records are retried only when the policy
// classifier accepts err; a nil err is not retryable.
func (r *Retransmitter) ShouldRetry(rec *delivery.MessageRecord, err error) bool {
	if rec == nil {
		return false
	}
	p := r.Policy()
	if rec.RetryCount >= p.MaxAttempts {
		return false
	}
	switch rec.Status {
	case delivery.StatusUnknown:
		return true
	case delivery.StatusFailed:
		return err != nil && p.Classifier(err)
	default:
		return false
	}
}

// CalculateBackoffDelay returns the delay before resend number attempt
// (zero based): BaseDelay*BackoffMultiplier^attempt capped at MaxDelay, plus
// symmetric jitter. The result is clamped to [0, MaxDelay]. A random draw of
// 0.5 adds no jitter.
func (r *Retransmitter) CalculateBackoffDelay(attempt int) time.Duration {
	p := r.Policy()
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(p.BaseDelay) * math.Pow(p.BackoffMultiplier, float64(attempt))
	if math.IsNaN(delay) {
		delay = 0
	}
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.JitterFactor > 0 {
		delay += delay * p.JitterFactor * (r.draw()*2 - 1)
	}
	if delay < 0 || math.IsNaN(delay) {
		delay = 0
	}
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if delay >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

func (r *Retransmitter) draw() float64 {
	v := r.random()
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v >= 1:
		return math.Nextafter(1, 0)
	}
	return v
}

// UpdatePolicy replaces the policy. A nil classifier is replaced by
// IsRetryable.
func (r *Retransmitter) UpdatePolicy(p Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policy = normalize(p)
}

// Policy returns the current policy.
func (r *Retransmitter) Policy() Policy {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.policy
}

func normalize(p Policy) Policy {
	if p.Classifier == nil {
		p.Classifier = IsRetryable
	}
	if p.BackoffMultiplier <= 0 {
		p.BackoffMultiplier = 1
	}
	return p
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].Due.Equal(entries[j].Due) {
			return entries[i].Due.Before(entries[j].Due)
		}
		return entries[i].MessageID < entries[j].MessageID
	})
}
