package socketlib

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHandlerQueueWorkRunsOnPool(t *testing.T) {
	h := NewHandler(2)
	defer h.Close()

	var ran int32
	done := make(chan struct{})
	h.QueueWork(func() {
		atomic.StoreInt32(&ran, 1)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("queued work never ran")
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&ran))
}

func TestHandlerQueueWorkSurvivesPanickingTask(t *testing.T) {
	h := NewHandler(2)
	defer h.Close()

	h.QueueWork(func() { panic("boom") })

	done := make(chan struct{})
	h.QueueWork(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pool appears to have died after a panicking task")
	}
}

func TestHandlerDestroyEndpointRemovesServer(t *testing.T) {
	h := NewHandler(2)
	defer h.Close()

	srv, err := h.CreateServerEndpoint()
	require.NoError(t, err)
	require.NoError(t, srv.BindAndListen("127.0.0.1:0"))
	require.True(t, srv.IsActive())

	require.NoError(t, h.DestroyEndpoint(srv.ID()))
	require.False(t, srv.IsActive())
}

func TestHandlerOperationsFailAfterClose(t *testing.T) {
	h := NewHandler(2)
	require.NoError(t, h.Close())

	_, err := h.CreateServerEndpoint()
	require.ErrorIs(t, err, ErrHandlerInactive)

	_, err = h.CreateClientEndpoint()
	require.ErrorIs(t, err, ErrHandlerInactive)

	require.ErrorIs(t, h.DestroyEndpoint(1), ErrHandlerInactive)
}

func TestHandlerCloseIsIdempotent(t *testing.T) {
	h := NewHandler(2)
	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
}

func TestHandlerCloseToursDownOwnedEndpoints(t *testing.T) {
	h := NewHandler(2)

	srv, err := h.CreateServerEndpoint()
	require.NoError(t, err)
	require.NoError(t, srv.BindAndListen("127.0.0.1:0"))

	cli, err := h.CreateClientEndpoint()
	require.NoError(t, err)
	require.NoError(t, cli.Connect(srv.Addr().String()))

	require.NoError(t, h.Close())
	require.False(t, srv.IsActive())
	require.False(t, cli.IsActive())
}
