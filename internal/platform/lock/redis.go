// Package lock provides distributed critical sections backed by Redis.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-docflow/internal/shared"
)

const keyPrefix = "docflow:lock"

// ReleaseFunc releases a lock obtained through Locker.Acquire.
type ReleaseFunc func(context.Context) error

// Locker obtains fail-fast locks. A nil Locker hands out no-op locks so
// single-instance deployments can rely on row locks alone.
type Locker struct {
	client *redislock.Client
	ttl    time.Duration
	logger *slog.Logger
}

// New builds a Locker on top of the given redis client.
func New(rdb redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *Locker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Locker{client: redislock.New(rdb), ttl: ttl, logger: logger}
}

// Acquire obtains key without retrying. Contention surfaces as shared.ErrConcurrentModification.
func (l *Locker) Acquire(ctx context.Context, key string) (ReleaseFunc, error) {
	if l == nil || l.client == nil {
		return func(context.Context) error { return nil }, nil
	}
	lk, err := l.client.Obtain(ctx, key, l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: %s is locked", shared.ErrConcurrentModification, key)
	}
	if err != nil {
		return nil, fmt.Errorf("lock: obtain %s: %w", key, err)
	}
	return func(ctx context.Context) error {
		err := lk.Release(ctx)
		if errors.Is(err, redislock.ErrLockNotHeld) {
			l.logger.Warn("lock expired before release", slog.String("key", key), slog.Duration("ttl", l.ttl))
			return nil
		}
		return err
	}, nil
}

// DocumentKey names the lock guarding conversions out of one source document.
func DocumentKey(docType string, id int64) string {
	return fmt.Sprintf("%s:document:%s:%d", keyPrefix, docType, id)
}
