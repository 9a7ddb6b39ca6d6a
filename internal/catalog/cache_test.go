package catalog

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-docflow/internal/shared"
)

type countingCatalog struct {
	calls atomic.Int32
}

func (c *countingCatalog) GetProduct(ctx context.Context, id int64) (Product, error) {
	c.calls.Add(1)
	if id == 404 {
		return Product{}, fmt.Errorf("product: %w", shared.ErrNotFound)
	}
	return Product{ID: id, SKU: fmt.Sprintf("SKU-%d", id), StockTracked: id%2 == 1}, nil
}

func (c *countingCatalog) GetStore(ctx context.Context, id int64) (Store, error) {
	c.calls.Add(1)
	return Store{ID: id, Code: "MAIN"}, nil
}

func (c *countingCatalog) GetParty(ctx context.Context, kind PartyKind, id int64) (Party, error) {
	c.calls.Add(1)
	return Party{ID: id, Kind: kind, Name: "Acme"}, nil
}

func newCache(t *testing.T) (*CachedCatalog, *countingCatalog, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	upstream := &countingCatalog{}
	return NewCachedCatalog(upstream, client, time.Minute, nil), upstream, mr
}

func TestCachedCatalogReadsThrough(t *testing.T) {
	cache, upstream, mr := newCache(t)
	ctx := context.Background()

	p, err := cache.GetProduct(ctx, 3)
	require.NoError(t, err)
	require.True(t, p.StockTracked)

	p, err = cache.GetProduct(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, "SKU-3", p.SKU)
	require.Equal(t, int32(1), upstream.calls.Load())
	require.True(t, mr.Exists("docflow:catalog:product:3"))

	tracked, err := IsStockTracked(ctx, cache, 4)
	require.NoError(t, err)
	require.False(t, tracked)
}

func TestCachedCatalogDoesNotCacheMisses(t *testing.T) {
	cache, upstream, _ := newCache(t)
	ctx := context.Background()

	_, err := cache.GetProduct(ctx, 404)
	require.ErrorIs(t, err, shared.ErrNotFound)
	_, err = cache.GetProduct(ctx, 404)
	require.ErrorIs(t, err, shared.ErrNotFound)
	require.Equal(t, int32(2), upstream.calls.Load())
}

func TestCachedCatalogInvalidate(t *testing.T) {
	cache, upstream, _ := newCache(t)
	ctx := context.Background()

	_, err := cache.GetParty(ctx, PartySalesAgent, 8)
	require.NoError(t, err)
	require.NoError(t, cache.Invalidate(ctx, "party:sales_agent:8"))
	_, err = cache.GetParty(ctx, PartySalesAgent, 8)
	require.NoError(t, err)
	require.Equal(t, int32(2), upstream.calls.Load())
}
