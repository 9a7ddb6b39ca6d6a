package documents

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Sequencer hands out strictly increasing document numbers per type.
// Numbers drawn by an aborted creation are not reused, so gaps are expected.
type Sequencer interface {
	Next(ctx context.Context, t Type) (string, error)
}

// FormatNumber renders a sequence value as PREFIX-00000042.
func FormatNumber(t Type, n int64) string {
	return fmt.Sprintf("%s-%08d", t.Prefix(), n)
}

// PGSequencer keeps counters in the document_sequences table.
// Each call runs on its own connection, outside any business transaction.
type PGSequencer struct {
	pool *pgxpool.Pool
}

// NewPGSequencer constructs PGSequencer.
func NewPGSequencer(pool *pgxpool.Pool) *PGSequencer {
	return &PGSequencer{pool: pool}
}

func (s *PGSequencer) Next(ctx context.Context, t Type) (string, error) {
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	var n int64
	err := s.pool.QueryRow(ctx, `INSERT INTO document_sequences (doc_type, value) VALUES ($1, 1)
ON CONFLICT (doc_type) DO UPDATE SET value = document_sequences.value + 1
RETURNING value`, string(t)).Scan(&n)
	if err != nil {
		return "", fmt.Errorf("documents: next %s number: %w", t, err)
	}
	return FormatNumber(t, n), nil
}

// RedisSequencer keeps counters in Redis, for deployments sharing numbers across instances
// without a round trip to the primary database.
type RedisSequencer struct {
	client *redis.Client
	prefix string
}

// NewRedisSequencer constructs RedisSequencer.
func NewRedisSequencer(client *redis.Client) *RedisSequencer {
	return &RedisSequencer{client: client, prefix: "docflow:seq"}
}

func (s *RedisSequencer) Next(ctx context.Context, t Type) (string, error) {
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	n, err := s.client.Incr(ctx, s.prefix+":"+string(t)).Result()
	if err != nil {
		return "", fmt.Errorf("documents: next %s number: %w", t, err)
	}
	return FormatNumber(t, n), nil
}
