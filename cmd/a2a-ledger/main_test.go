package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/a2a-ledger/features/delivery/sqlite"
	"goa.design/a2a-ledger/runtime/delivery"
	"goa.design/a2a-ledger/runtime/delivery/config"
	"goa.design/a2a-ledger/runtime/delivery/deliveryerrors"
	"goa.design/a2a-ledger/runtime/delivery/inmem"
	"goa.design/a2a-ledger/runtime/delivery/ledger"
	"goa.design/a2a-ledger/runtime/delivery/storetest"
)

const envelopeJSON = `{
	"id": "m-1",
	"requestId": "r-1",
	"source": {"agentId": "planner"},
	"destination": {"type": "direct", "agentId": "executor"},
	"type": "REQUEST",
	"version": "1.0",
	"timestamp": "2026-01-02T03:04:05Z",
	"priority": "normal",
	"context": {"tenant": "acme"},
	"tracing": {"traceId": "t", "spanId": "s", "sampled": false},
	"payload": {"task": "plan"},
	"seq": 3
}`

var pair = delivery.Pair{Source: "planner", Target: "executor"}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func execute(t *testing.T, stdin io.Reader, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out, io.Discard)
	if stdin != nil {
		cmd.SetIn(stdin)
	}
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// sqliteConfig seeds a SQLite database and returns a config file pointing
// at it.
func sqliteConfig(t *testing.T, seed func(*sqlite.Store)) string {
	t.Helper()
	dir := t.TempDir()
	db := filepath.Join(dir, "ledger.db")
	s, err := sqlite.Open(db)
	require.NoError(t, err)
	seed(s)
	require.NoError(t, s.Close())
	return writeFile(t, "a2a.yaml", "backend: sqlite\nsqlite:\n  path: "+db+"\n")
}

func TestValidateCommand(t *testing.T) {
	t.Parallel()

	out, err := execute(t, nil, "validate", writeFile(t, "env.json", envelopeJSON))
	require.NoError(t, err)
	require.Equal(t, "valid REQUEST envelope m-1 (request r-1, seq 3)\n", out)
}

func TestValidateCommandReadsStdin(t *testing.T) {
	t.Parallel()

	out, err := execute(t, strings.NewReader(envelopeJSON), "validate", "-")
	require.NoError(t, err)
	require.Contains(t, out, "m-1")
}

func TestValidateCommandRejectsMalformedEnvelope(t *testing.T) {
	t.Parallel()

	_, err := execute(t, nil, "validate", writeFile(t, "env.json", `{"id": "m-1", "type": "PING"}`))
	var derr *deliveryerrors.Error
	require.ErrorAs(t, err, &derr)
	require.Equal(t, deliveryerrors.CodeValidation, derr.Code)

	_, err = execute(t, nil, "validate", filepath.Join(t.TempDir(), "missing.json"))
	require.ErrorContains(t, err, "read envelope")

	_, err = execute(t, nil, "validate")
	require.Error(t, err, "file argument is required")
}

func TestStatsCommandMemory(t *testing.T) {
	t.Parallel()

	out, err := execute(t, nil, "stats", "--backend", "memory")
	require.NoError(t, err)
	var stats ledger.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	require.Zero(t, stats.Total)
}

func TestUnknownBackendIsRejected(t *testing.T) {
	t.Parallel()

	_, err := execute(t, nil, "stats", "--backend", "etcd")
	require.ErrorContains(t, err, "unknown backend")
}

func TestPurgeAndStatsCommandsSQLite(t *testing.T) {
	t.Parallel()

	now := time.Now()
	cfgPath := sqliteConfig(t, func(s *sqlite.Store) {
		ctx := context.Background()
		expired := storetest.Message("old", "r-old", pair, 1, now.Add(-48*time.Hour))
		expired.ExpiresAt = now.Add(-time.Hour)
		require.NoError(t, s.PutMessage(ctx, expired))
		require.NoError(t, s.PutMessage(ctx, storetest.Message("live", "r-live", pair, 2, now)))
	})

	out, err := execute(t, nil, "purge", "--config", cfgPath)
	require.NoError(t, err)
	require.Equal(t, "1\n", out)

	out, err = execute(t, nil, "stats", "--config", cfgPath)
	require.NoError(t, err)
	var stats ledger.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	require.Equal(t, 1, stats.Total)
	require.Equal(t, ledger.StatusCount{Messages: 1, Requests: 1}, stats.Unknown)
}

func TestHealthCommandSQLite(t *testing.T) {
	t.Parallel()

	cfgPath := sqliteConfig(t, func(*sqlite.Store) {})
	out, err := execute(t, nil, "health", "--config", cfgPath)
	require.NoError(t, err)
	var h struct {
		Version string            `json:"version"`
		Status  map[string]string `json:"status"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &h))
	require.Equal(t, Version, h.Version)
	require.Equal(t, "OK", h.Status["delivery-sqlite"])
}

func TestServeResendsStaleMessages(t *testing.T) {
	t.Parallel()

	store := inmem.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, store.PutMessage(ctx, storetest.Message("m-1", "r-1", pair, 7, time.Now().Add(-time.Minute))))

	cfg := config.Default()
	cfg.PurgeInterval = 10 * time.Millisecond
	cfg.Retry.PollInterval = 5 * time.Millisecond
	cfg.Retry.StaleAfter = time.Second

	var out syncBuffer
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, store, &out) }()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), `"requestId":"r-1"`)
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	line, _, _ := strings.Cut(out.String(), "\n")
	var env delivery.Envelope
	require.NoError(t, json.Unmarshal([]byte(line), &env))
	require.NotEqual(t, "m-1", env.ID, "resends mint a new message id")
	require.Equal(t, uint64(7), env.Seq)

	old, err := store.GetMessage(context.Background(), "m-1")
	require.NoError(t, err)
	require.Equal(t, delivery.StatusFailed, old.Status)
	attempt, err := store.GetMessage(context.Background(), env.ID)
	require.NoError(t, err)
	require.Equal(t, 1, attempt.RetryCount)
}

func TestBackendCloseRunsInReverseOrder(t *testing.T) {
	t.Parallel()

	var order []string
	closer := func(name string, err error) func(context.Context) error {
		return func(context.Context) error {
			order = append(order, name)
			return err
		}
	}
	boom := errors.New("boom")
	b := &backend{closers: []func(context.Context) error{
		closer("client", nil),
		closer("map", boom),
	}}
	require.ErrorIs(t, b.Close(context.Background()), boom)
	require.Equal(t, []string{"map", "client"}, order)
	require.NoError(t, b.Close(context.Background()), "second close is a no-op")
}
