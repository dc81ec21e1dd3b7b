package mongo

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/a2a-ledger/runtime/delivery"
	"goa.design/a2a-ledger/runtime/delivery/inmem"
	"goa.design/a2a-ledger/runtime/delivery/storetest"
)

// recordingClient serves the client contract from memory and counts calls.
type recordingClient struct {
	*inmem.Store
	pingErr error
	calls   atomic.Int64
}

func (c *recordingClient) Name() string { return "recording" }

func (c *recordingClient) Ping(context.Context) error { return c.pingErr }

func (c *recordingClient) GetRequest(ctx context.Context, id string) (*delivery.RequestRecord, error) {
	c.calls.Add(1)
	return c.Store.GetRequest(ctx, id)
}

func TestNewStoreRequiresClient(t *testing.T) {
	t.Parallel()

	_, err := NewStore(nil)
	require.EqualError(t, err, "client is required")
}

func TestStoreDelegatesToClient(t *testing.T) {
	t.Parallel()

	client := &recordingClient{Store: inmem.New()}
	storetest.Run(t, func(*testing.T) delivery.Store {
		client.Store.Clear()
		store, err := NewStore(client)
		require.NoError(t, err)
		return store
	})
	require.Positive(t, client.calls.Load())
}

func TestPingDelegatesToClient(t *testing.T) {
	t.Parallel()

	down := errors.New("no reachable servers")
	store, err := NewStore(&recordingClient{Store: inmem.New(), pingErr: down})
	require.NoError(t, err)
	require.ErrorIs(t, store.Ping(context.Background()), down)
	require.Equal(t, "recording", store.Name())
}
