package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/a2a-ledger/runtime/delivery/deliveryerrors"
	"goa.design/a2a-ledger/runtime/delivery/inmem"
	"goa.design/a2a-ledger/runtime/delivery/session"
)

func env(vals map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vals[k]
		return v, ok
	}
}

func TestDefaultIsValid(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, BackendMemory, cfg.Backend)
	require.Equal(t, 24*time.Hour, cfg.DefaultTTL)

	p := cfg.Policy()
	require.Equal(t, 5, p.MaxAttempts)
	require.Equal(t, time.Second, p.BaseDelay)
	require.NotNil(t, p.Classifier)
}

func TestDecodeOverlaysYAML(t *testing.T) {
	t.Parallel()

	cfg := Default()
	err := Decode([]byte(`
backend: sqlite
defaultTTL: 2h
retry:
  maxAttempts: 7
  baseDelay: 250ms
sqlite:
  path: /var/lib/a2a.db
`), &cfg)
	require.NoError(t, err)
	require.Equal(t, BackendSQLite, cfg.Backend)
	require.Equal(t, 2*time.Hour, cfg.DefaultTTL)
	require.Equal(t, 7, cfg.Retry.MaxAttempts)
	require.Equal(t, 250*time.Millisecond, cfg.Retry.BaseDelay)
	require.Equal(t, 30*time.Second, cfg.Retry.MaxDelay, "unset fields keep defaults")
	require.Equal(t, "/var/lib/a2a.db", cfg.SQLite.Path)
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.Error(t, Decode([]byte("bakend: mongo\n"), &cfg))
}

func TestDecodeEmptyDocument(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.NoError(t, Decode(nil, &cfg))
	require.Equal(t, Default(), cfg)
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()

	cfg := Default()
	err := cfg.ApplyEnv(env(map[string]string{
		"A2A_BACKEND":           "redis",
		"A2A_REDIS_ADDR":        "redis:6379",
		"A2A_RETRY_JITTER":      "0.25",
		"A2A_MAX_GAP_BUFFER":    "16",
		"A2A_PURGE_INTERVAL":    "30s",
		"A2A_REDIS_PASSWORD":    "",
		"A2A_RETRY_MAX_DELAY":   "1m",
		"A2A_RETRY_STALE_AFTER": "2m",
		"A2A_UNRELATED_SETTING": "x",
	}))
	require.NoError(t, err)
	require.Equal(t, BackendRedis, cfg.Backend)
	require.Equal(t, "redis:6379", cfg.Redis.Addr)
	require.Equal(t, 0.25, cfg.Retry.JitterFactor)
	require.Equal(t, 16, cfg.MaxGapBuffer)
	require.Equal(t, 30*time.Second, cfg.PurgeInterval)
	require.Equal(t, time.Minute, cfg.Retry.MaxDelay)
	require.Equal(t, 2*time.Minute, cfg.Retry.StaleAfter)
	require.Empty(t, cfg.Redis.Password)
}

func TestApplyEnvReportsMalformedValues(t *testing.T) {
	t.Parallel()

	cfg := Default()
	err := cfg.ApplyEnv(env(map[string]string{
		"A2A_DEFAULT_TTL":        "forever",
		"A2A_RETRY_MAX_ATTEMPTS": "many",
	}))
	require.ErrorContains(t, err, "A2A_DEFAULT_TTL")
	require.ErrorContains(t, err, "A2A_RETRY_MAX_ATTEMPTS")
	require.Equal(t, 24*time.Hour, cfg.DefaultTTL)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Backend = BackendMongo
	require.ErrorContains(t, cfg.Validate(), "mongo.uri")

	cfg = Default()
	cfg.Backend = "etcd"
	require.ErrorContains(t, cfg.Validate(), "unknown backend")

	cfg = Default()
	cfg.Retry.BackoffMultiplier = 0
	cfg.DefaultTTL = 0
	err := cfg.Validate()
	require.ErrorContains(t, err, "backoffMultiplier")
	require.ErrorContains(t, err, "defaultTTL")
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "a2a.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backend: mongo\nmongo:\n  uri: mongodb://localhost:27017\n"), 0o600))

	cfg, err := Load(path)
	if os.Getenv("A2A_BACKEND") != "" {
		t.Skip("A2A_BACKEND set in the environment")
	}
	require.NoError(t, err)
	require.Equal(t, BackendMongo, cfg.Backend)
	require.Equal(t, "mongodb://localhost:27017", cfg.Mongo.URI)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestSessionOptionsBoundGapBuffer(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.MaxGapBuffer = 1
	m := session.NewManager(inmem.New(), cfg.SessionOptions()...)
	s, err := m.Session(context.Background(), "planner", "executor")
	require.NoError(t, err)
	require.NoError(t, s.AcknowledgeMessage(3))
	err = s.AcknowledgeMessage(4)
	require.Equal(t, deliveryerrors.CodeGapOverflow, deliveryerrors.CodeOf(err))
}
