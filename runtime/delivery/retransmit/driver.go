package retransmit

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"goa.design/a2a-ledger/runtime/delivery/telemetry"
)

type (
	// ResendFunc resends one message. Errors are logged and do not stop the
	// pass; the function is responsible for rescheduling if needed.
	ResendFunc func(ctx context.Context, messageID string) error

	// Driver polls a Retransmitter and resends due messages through a rate
	// limiter.
	Driver struct {
		r        *Retransmitter
		resend   ResendFunc
		limiter  *rate.Limiter
		interval time.Duration
		logger   telemetry.Logger
	}

	// DriverOption configures a Driver.
	DriverOption func(*Driver)

	// TickResult summarizes one Driver pass.
	TickResult struct {
		// Due is the number of entries popped from the schedule.
		Due int
		// Resent is the number of successful resends.
		Resent int
		// Failed is the number of resends that returned an error.
		Failed int
	}
)

const (
	// DefaultInterval is the default polling interval of Run.
	DefaultInterval = time.Second
	// DefaultResendRate is the default number of resends per second.
	DefaultResendRate = 100
)

// NewDriver returns a Driver polling r and calling resend for each due id.
func NewDriver(r *Retransmitter, resend ResendFunc, opts ...DriverOption) *Driver {
	d := &Driver{
		r:        r,
		resend:   resend,
		limiter:  rate.NewLimiter(rate.Limit(DefaultResendRate), DefaultResendRate),
		interval: DefaultInterval,
		logger:   telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// WithInterval sets the polling interval used by Run.
func WithInterval(d time.Duration) DriverOption {
	return func(dr *Driver) {
		if d > 0 {
			dr.interval = d
		}
	}
}

// WithRateLimit bounds resends to limit per second with the given burst.
// rate.Inf disables throttling.
func WithRateLimit(limit rate.Limit, burst int) DriverOption {
	return func(dr *Driver) {
		if burst < 1 {
			burst = 1
		}
		dr.limiter = rate.NewLimiter(limit, burst)
	}
}

// WithDriverLogger sets the driver logger.
func WithDriverLogger(logger telemetry.Logger) DriverOption {
	return func(dr *Driver) {
		if logger != nil {
			dr.logger = logger
		}
	}
}

// Tick runs one pass: it pops every due entry and resends each one. When ctx
// is cancelled mid-pass the entries not yet resent are put back on the
// schedule and ctx.Err() is returned.
func (d *Driver) Tick(ctx context.Context) (TickResult, error) {
	due := d.r.popDue()
	res := TickResult{Due: len(due)}
	for i, e := range due {
		if err := d.limiter.Wait(ctx); err != nil {
			d.r.restore(due[i:])
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			return res, err
		}
		if err := d.resend(ctx, e.MessageID); err != nil {
			res.Failed++
			d.logger.Warn(ctx, "resend failed", "message_id", e.MessageID, "attempt", e.Attempt, "err", err)
			continue
		}
		res.Resent++
	}
	if res.Due > 0 {
		d.logger.Debug(ctx, "retry pass", "due", res.Due, "resent", res.Resent, "failed", res.Failed)
	}
	return res, nil
}

// Run ticks every interval until ctx is done.
func (d *Driver) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := d.Tick(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error(ctx, "retry pass failed", "err", err)
			}
		}
	}
}
