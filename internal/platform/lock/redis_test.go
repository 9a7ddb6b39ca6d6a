package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-docflow/internal/shared"
)

func TestAcquireIsExclusive(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	locker := New(client, time.Minute, nil)
	ctx := context.Background()
	key := DocumentKey("sale", 7)

	release, err := locker.Acquire(ctx, key)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, key)
	require.ErrorIs(t, err, shared.ErrConcurrentModification)

	require.NoError(t, release(ctx))

	release, err = locker.Acquire(ctx, key)
	require.NoError(t, err)
	require.NoError(t, release(ctx))
}

func TestNilLockerIsNoop(t *testing.T) {
	var locker *Locker
	release, err := locker.Acquire(context.Background(), DocumentKey("sale", 1))
	require.NoError(t, err)
	require.NoError(t, release(context.Background()))
}

func TestDocumentKey(t *testing.T) {
	require.Equal(t, "docflow:lock:document:purchase_order:42", DocumentKey("purchase_order", 42))
}
