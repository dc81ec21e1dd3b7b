package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/a2a-ledger/runtime/delivery"
	"goa.design/a2a-ledger/runtime/delivery/storetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "a2a.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreContract(t *testing.T) {
	t.Parallel()

	storetest.Run(t, func(t *testing.T) delivery.Store { return newTestStore(t) })
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := Open("")
	require.EqualError(t, err, "database path is required")
}

func TestReopenKeepsRecords(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "a2a.db")
	ctx := context.Background()
	s, err := Open(path)
	require.NoError(t, err)
	pair := delivery.Pair{Source: "planner", Target: "executor"}
	require.NoError(t, s.PutRequest(ctx, storetest.Request("r-1", storetest.Epoch)))
	require.NoError(t, s.UpdateSequence(ctx, pair, 42))
	require.NoError(t, s.Ping(ctx))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	_, err = s.GetRequest(ctx, "r-1")
	require.NoError(t, err)
	seq, err := s.LastSequence(ctx, pair)
	require.NoError(t, err)
	require.Equal(t, uint64(42), seq)
}

func TestConcurrentSequenceUpdatesKeepMax(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	pair := delivery.Pair{Source: "a", Target: "b"}
	var wg sync.WaitGroup
	for i := 1; i <= 32; i++ {
		wg.Add(1)
		go func(seq uint64) {
			defer wg.Done()
			require.NoError(t, s.UpdateSequence(ctx, pair, seq))
		}(uint64(i))
	}
	wg.Wait()
	seq, err := s.LastSequence(ctx, pair)
	require.NoError(t, err)
	require.Equal(t, uint64(32), seq)
}

func TestTimestampsKeepNanoseconds(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	ts := storetest.Epoch.Add(123456789 * time.Nanosecond)
	require.NoError(t, s.PutRequest(ctx, storetest.Request("r-1", ts)))
	got, err := s.GetRequest(ctx, "r-1")
	require.NoError(t, err)
	require.True(t, ts.Equal(got.Timestamp))
}

func TestSequenceOverflowRejected(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	err := s.UpdateSequence(context.Background(), delivery.Pair{Source: "a", Target: "b"}, 1<<63)
	require.ErrorContains(t, err, "exceeds storable range")
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("syntax error"), false},
		{errors.New("SQLITE_BUSY"), true},
		{errors.New("database is locked"), true},
		{errors.New("sqlite: (522) short read"), true},
		{fmt.Errorf("exec: %w", errors.New("SQLITE_LOCKED")), true},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, isTransient(tc.err), "%v", tc.err)
	}
}

func TestRetryOp(t *testing.T) {
	t.Parallel()

	cfg := retryConfig{maxRetries: 3, baseDelay: time.Millisecond, maxDelay: 5 * time.Millisecond}
	ctx := context.Background()

	calls := 0
	err := retryOp(ctx, cfg, func() error {
		calls++
		if calls < 3 {
			return errors.New("SQLITE_BUSY")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)

	calls = 0
	permanent := errors.New("constraint failed")
	require.ErrorIs(t, retryOp(ctx, cfg, func() error { calls++; return permanent }), permanent)
	require.Equal(t, 1, calls)

	calls = 0
	require.ErrorContains(t, retryOp(ctx, cfg, func() error { calls++; return errors.New("SQLITE_BUSY") }), "SQLITE_BUSY")
	require.Equal(t, 4, calls)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	require.ErrorIs(t, retryOp(cancelled, cfg, func() error { return errors.New("SQLITE_BUSY") }), context.Canceled)
}

func TestBackoffDelayCapped(t *testing.T) {
	t.Parallel()

	cfg := retryConfig{maxRetries: 3, baseDelay: 10 * time.Millisecond, maxDelay: 40 * time.Millisecond}
	for attempt := range 10 {
		d := backoffDelay(cfg, attempt)
		require.GreaterOrEqual(t, d, 10*time.Millisecond)
		require.Less(t, d, 50*time.Millisecond)
	}
}
