package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const cachePrefix = "docflow:catalog"

// CachedCatalog is a read-through Redis cache in front of another Catalog.
// Concurrent misses for the same key share one upstream lookup.
type CachedCatalog struct {
	next   Catalog
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
	group  singleflight.Group
}

// NewCachedCatalog wraps next. A nil client disables caching.
func NewCachedCatalog(next Catalog, client *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedCatalog {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedCatalog{next: next, client: client, ttl: ttl, logger: logger}
}

func (c *CachedCatalog) GetProduct(ctx context.Context, id int64) (Product, error) {
	var p Product
	err := c.fetch(ctx, fmt.Sprintf("%s:product:%d", cachePrefix, id), &p, func(ctx context.Context) (any, error) {
		return c.next.GetProduct(ctx, id)
	})
	return p, err
}

func (c *CachedCatalog) GetStore(ctx context.Context, id int64) (Store, error) {
	var s Store
	err := c.fetch(ctx, fmt.Sprintf("%s:store:%d", cachePrefix, id), &s, func(ctx context.Context) (any, error) {
		return c.next.GetStore(ctx, id)
	})
	return s, err
}

func (c *CachedCatalog) GetParty(ctx context.Context, kind PartyKind, id int64) (Party, error) {
	var p Party
	err := c.fetch(ctx, fmt.Sprintf("%s:party:%s:%d", cachePrefix, kind, id), &p, func(ctx context.Context) (any, error) {
		return c.next.GetParty(ctx, kind, id)
	})
	return p, err
}

// Invalidate drops cached entries by suffix, e.g. "product:42".
func (c *CachedCatalog) Invalidate(ctx context.Context, keys ...string) error {
	if c.client == nil || len(keys) == 0 {
		return nil
	}
	full := make([]string, 0, len(keys))
	for _, k := range keys {
		full = append(full, cachePrefix+":"+k)
	}
	return c.client.Del(ctx, full...).Err()
}

func (c *CachedCatalog) fetch(ctx context.Context, key string, dest any, loader func(context.Context) (any, error)) error {
	if c.client != nil {
		payload, err := c.client.Get(ctx, key).Bytes()
		if err == nil {
			return json.Unmarshal(payload, dest)
		}
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("catalog cache read", slog.String("key", key), slog.Any("error", err))
		}
	}
	raw, err, _ := c.group.Do(key, func() (any, error) {
		value, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		if c.client != nil {
			if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
				c.logger.Warn("catalog cache write", slog.String("key", key), slog.Any("error", err))
			}
		}
		return data, nil
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(raw.([]byte), dest)
}
