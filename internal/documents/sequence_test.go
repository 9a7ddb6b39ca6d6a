package documents

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestRedisSequencerIsPerTypeAndIncreasing(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	seq := NewRedisSequencer(client)
	ctx := context.Background()

	first, err := seq.Next(ctx, TypeSale)
	require.NoError(t, err)
	require.Equal(t, "SO-00000001", first)

	second, err := seq.Next(ctx, TypeSale)
	require.NoError(t, err)
	require.Equal(t, "SO-00000002", second)

	wb, err := seq.Next(ctx, TypeWaybill)
	require.NoError(t, err)
	require.Equal(t, "WB-00000001", wb)

	_, err = seq.Next(ctx, Type("memo"))
	require.ErrorIs(t, err, ErrUnknownType)
}

func TestRedisSequencerConcurrentCallersNeverCollide(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	seq := NewRedisSequencer(client)

	var (
		mu   sync.Mutex
		seen = map[string]bool{}
		wg   sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := seq.Next(context.Background(), TypeInvoice)
			require.NoError(t, err)
			mu.Lock()
			seen[n] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Len(t, seen, 20)
}

func TestFormatNumber(t *testing.T) {
	require.Equal(t, "GR-00000042", FormatNumber(TypeGoodsReceipt, 42))
	require.Equal(t, "PN-00000007", FormatNumber(TypePromissoryNote, 7))
}
