package retransmit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/a2a-ledger/runtime/delivery"
	"goa.design/a2a-ledger/runtime/delivery/clock"
	"goa.design/a2a-ledger/runtime/delivery/deliveryerrors"
	"goa.design/a2a-ledger/runtime/delivery/ids"
	"goa.design/a2a-ledger/runtime/delivery/inmem"
	"goa.design/a2a-ledger/runtime/delivery/ledger"
	"goa.design/a2a-ledger/runtime/delivery/storetest"
)

type recoveryFixture struct {
	store   *inmem.Store
	clk     *clock.FakeClock
	r       *Retransmitter
	rc      *Recovery
	emitted []*delivery.Envelope
	emitErr error
}

func newRecoveryFixture(t *testing.T) *recoveryFixture {
	t.Helper()
	f := &recoveryFixture{store: inmem.New(), clk: clock.Fake(epoch)}
	f.r = New(WithClock(f.clk), WithRandom(midpoint))
	f.rc = NewRecovery(f.store, f.r, func(_ context.Context, env *delivery.Envelope) error {
		if f.emitErr != nil {
			return f.emitErr
		}
		f.emitted = append(f.emitted, env)
		return nil
	}, WithRecoveryClock(f.clk), WithRecoveryIDs(ids.Sequential("retry")), WithStaleAfter(10*time.Second))
	return f
}

func (f *recoveryFixture) put(t *testing.T, id string, at time.Time) {
	t.Helper()
	pair := delivery.Pair{Source: "planner", Target: "executor"}
	require.NoError(t, f.store.PutMessage(context.Background(), storetest.Message(id, "r-"+id, pair, 3, at)))
}

func TestSweepSchedulesStaleMessagesOnce(t *testing.T) {
	t.Parallel()

	f := newRecoveryFixture(t)
	ctx := context.Background()
	f.put(t, "old", epoch.Add(-time.Minute))
	f.put(t, "fresh", epoch.Add(-time.Second))

	n, err := f.rc.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, ok := f.r.Get("old")
	require.True(t, ok)

	n, err = f.rc.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, n, "already scheduled")
	e, _ := f.r.Get("old")
	require.Equal(t, 1, e.Attempt)
}

func TestResendMintsNewMessageID(t *testing.T) {
	t.Parallel()

	f := newRecoveryFixture(t)
	ctx := context.Background()
	f.put(t, "m-1", epoch.Add(-time.Minute))

	require.NoError(t, f.rc.Resend(ctx, "m-1"))
	require.Len(t, f.emitted, 1)
	env := f.emitted[0]
	require.Equal(t, "retry-1", env.ID)
	require.Equal(t, "r-m-1", env.RequestID)
	require.Equal(t, uint64(3), env.Seq)

	attempt, err := f.store.GetMessage(ctx, "retry-1")
	require.NoError(t, err)
	require.Equal(t, delivery.StatusUnknown, attempt.Status)
	require.Equal(t, 1, attempt.RetryCount)

	old, err := f.store.GetMessage(ctx, "m-1")
	require.NoError(t, err)
	require.Equal(t, delivery.StatusFailed, old.Status)
	require.Equal(t, deliveryerrors.CodeTimeout, old.Error.Code)
	require.Equal(t, "retry-1", old.Error.Details["retriedAs"])

	e, ok := f.r.Get("retry-1")
	require.True(t, ok)
	require.True(t, epoch.Add(2*time.Second).Equal(e.Due), "backoff for attempt 1")
}

func TestResendExhaustedMarksFailed(t *testing.T) {
	t.Parallel()

	f := newRecoveryFixture(t)
	ctx := context.Background()
	f.put(t, "m-1", epoch)
	rec, err := f.store.GetMessage(ctx, "m-1")
	require.NoError(t, err)
	rec.RetryCount = 5
	require.NoError(t, f.store.PutMessage(ctx, rec))

	require.NoError(t, f.rc.Resend(ctx, "m-1"))
	require.Empty(t, f.emitted)
	got, err := f.store.GetMessage(ctx, "m-1")
	require.NoError(t, err)
	require.Equal(t, delivery.StatusFailed, got.Status)
	require.Equal(t, "retry attempts exhausted", got.Error.Message)
	require.Empty(t, f.r.Pending())
}

func TestResendExhaustedFailsRequest(t *testing.T) {
	t.Parallel()

	f := newRecoveryFixture(t)
	ctx := context.Background()
	l := ledger.New(f.store, ledger.WithClock(f.clk))
	env := storetest.Message("m-1", "req-1", delivery.Pair{Source: "planner", Target: "executor"}, 1, epoch).Envelope
	res, err := l.Append(ctx, &env)
	require.NoError(t, err)
	require.True(t, res.ShouldExecute)

	f.r.UpdatePolicy(Policy{MaxAttempts: 0})
	require.NoError(t, f.rc.Resend(ctx, "m-1"))

	req, err := f.store.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	require.Equal(t, delivery.StatusFailed, req.Status)
	require.Equal(t, deliveryerrors.CodeTimeout, req.Error.Code)

	again := env.Clone()
	again.ID = "m-2"
	res, err = l.Append(ctx, again)
	require.NoError(t, err)
	require.False(t, res.IsDuplicate)
	require.True(t, res.ShouldExecute)
}

func TestResendExhaustedToleratesSettledRequest(t *testing.T) {
	t.Parallel()

	f := newRecoveryFixture(t)
	ctx := context.Background()
	f.put(t, "m-1", epoch)
	req := storetest.Request("r-m-1", epoch)
	req.Status = delivery.StatusCompleted
	require.NoError(t, f.store.PutRequest(ctx, req))
	f.r.UpdatePolicy(Policy{MaxAttempts: 0})

	require.NoError(t, f.rc.Resend(ctx, "m-1"))
	got, err := f.store.GetRequest(ctx, "r-m-1")
	require.NoError(t, err)
	require.Equal(t, delivery.StatusCompleted, got.Status)
	msg, err := f.store.GetMessage(ctx, "m-1")
	require.NoError(t, err)
	require.Equal(t, delivery.StatusFailed, msg.Status)
}

func TestResendSkipsSettledAndPurgedMessages(t *testing.T) {
	t.Parallel()

	f := newRecoveryFixture(t)
	ctx := context.Background()
	f.put(t, "m-1", epoch)
	rec, err := f.store.GetMessage(ctx, "m-1")
	require.NoError(t, err)
	rec.Status = delivery.StatusCompleted
	require.NoError(t, f.store.PutMessage(ctx, rec))

	require.NoError(t, f.rc.Resend(ctx, "m-1"))
	require.NoError(t, f.rc.Resend(ctx, "gone"))
	require.Empty(t, f.emitted)
	require.Empty(t, f.r.Pending())
}

func TestResendEmitFailureReschedules(t *testing.T) {
	t.Parallel()

	f := newRecoveryFixture(t)
	ctx := context.Background()
	f.put(t, "m-1", epoch)
	f.emitErr = errors.New("broker unavailable")

	err := f.rc.Resend(ctx, "m-1")
	require.ErrorIs(t, err, f.emitErr)
	got, err := f.store.GetMessage(ctx, "m-1")
	require.NoError(t, err)
	require.Equal(t, delivery.StatusUnknown, got.Status)
	_, ok := f.r.Get("m-1")
	require.True(t, ok)
}

func TestRecoveryDrivenEndToEnd(t *testing.T) {
	t.Parallel()

	f := newRecoveryFixture(t)
	ctx := context.Background()
	f.put(t, "m-1", epoch.Add(-time.Minute))
	_, err := f.rc.Sweep(ctx)
	require.NoError(t, err)

	d := NewDriver(f.r, f.rc.Resend)
	for range 10 {
		_, err := d.Tick(ctx)
		require.NoError(t, err)
		f.clk.Advance(time.Minute)
	}
	// One initial resend plus four more before the fifth attempt record runs
	// out of attempts.
	require.Len(t, f.emitted, 5)
	unknown, err := f.store.MessagesByStatus(ctx, delivery.StatusUnknown, time.Time{})
	require.NoError(t, err)
	require.Empty(t, unknown)
	require.Empty(t, f.r.Pending())
}
