package retransmit

import (
	"context"
	"errors"
	"net"
	"time"

	"goa.design/a2a-ledger/runtime/delivery/deliveryerrors"
)

type (
	// Classifier reports whether a failure may be retried.
	Classifier func(err error) bool

	// Policy configures retry decisions and backoff.
	Policy struct {
		// MaxAttempts is the number of resends allowed per message.
		MaxAttempts int
		// BaseDelay is the delay before the first resend.
		BaseDelay time.Duration
		// MaxDelay caps every computed delay. Zero leaves delays uncapped.
		MaxDelay time.Duration
		// BackoffMultiplier is the factor applied per attempt. 2.0 doubles
		// the delay each time.
		BackoffMultiplier float64
		// JitterFactor scales the symmetric jitter. 0.1 adds up to ±10%.
		JitterFactor float64
		// Classifier decides whether a FAILED message may be resent.
		// Defaults to IsRetryable.
		Classifier Classifier
	}
)

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       5,
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFactor:      0.1,
		Classifier:        IsRetryable,
	}
}

// IsRetryable classifies err. Retryable errors include:
// - structured errors whose code is transient (timeout, unavailable, rate limited)
// - context deadline exceeded (but not context canceled)
// - network timeouts
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var derr *deliveryerrors.Error
	if errors.As(err, &derr) {
		return deliveryerrors.Retryable(derr.Code)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
