package conversion

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-docflow/internal/documents"
	"github.com/odyssey-erp/odyssey-docflow/internal/inventory"
	"github.com/odyssey-erp/odyssey-docflow/internal/platform/db"
)

// Tx is one unit of work spanning documents and the stock ledger.
type Tx interface {
	Documents() documents.TxRepository
	Inventory() inventory.TxRepository
}

// Store opens units of work.
type Store interface {
	WithTx(ctx context.Context, fn func(context.Context, Tx) error) error
}

// PGStore shares a single pgx transaction between the document and ledger repositories.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore constructs PGStore.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

type pgTx struct {
	docs documents.TxRepository
	inv  inventory.TxRepository
}

func (t pgTx) Documents() documents.TxRepository { return t.docs }
func (t pgTx) Inventory() inventory.TxRepository { return t.inv }

// WithTx runs fn in one repeatable-read transaction.
func (s *PGStore) WithTx(ctx context.Context, fn func(context.Context, Tx) error) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(ctx, pgTx{docs: documents.NewTxRepository(tx), inv: inventory.NewTxRepository(tx)})
	})
}
