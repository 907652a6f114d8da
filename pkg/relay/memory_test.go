package relay

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func openMemoryPair(t *testing.T) (Store, Store) {
	backend := NewMemoryBackend()
	a, b := backend.Connect(), backend.Connect()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func TestMemoryStore(t *testing.T) {
	testStoreSemantics(t, openMemoryPair)
}

func TestMemoryStoreNoLeakedDeliverers(t *testing.T) {
	defer goleak.VerifyNone(t)

	backend := NewMemoryBackend()
	s := backend.Connect()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := s.SubscribeValue(ctx, "v", func(Snapshot) {})
		require.NoError(t, err)
	}
	unsub, err := s.SubscribeChildAdded(ctx, "c", func(Snapshot) {})
	require.NoError(t, err)
	unsub()

	require.NoError(t, s.Close())
	assert.Equal(t, 0, backend.Clients())
}

func TestMemoryBackendClients(t *testing.T) {
	backend := NewMemoryBackend()
	a := backend.Connect()
	b := backend.Connect()
	assert.Equal(t, 2, backend.Clients())

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.Equal(t, 1, backend.Clients())
	require.NoError(t, b.Close())
}
