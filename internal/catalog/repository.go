package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-docflow/internal/shared"
)

// Repository reads master data from PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) GetProduct(ctx context.Context, id int64) (Product, error) {
	var p Product
	err := r.pool.QueryRow(ctx, `SELECT id, sku, name, uom, stock_tracked FROM products WHERE id=$1`, id).
		Scan(&p.ID, &p.SKU, &p.Name, &p.UOM, &p.StockTracked)
	if err != nil {
		return Product{}, notFound(err, "product", id)
	}
	return p, nil
}

func (r *Repository) GetStore(ctx context.Context, id int64) (Store, error) {
	var s Store
	err := r.pool.QueryRow(ctx, `SELECT id, code, name FROM stores WHERE id=$1`, id).
		Scan(&s.ID, &s.Code, &s.Name)
	if err != nil {
		return Store{}, notFound(err, "store", id)
	}
	return s, nil
}

func (r *Repository) GetParty(ctx context.Context, kind PartyKind, id int64) (Party, error) {
	var p Party
	err := r.pool.QueryRow(ctx, `SELECT id, kind, name FROM parties WHERE id=$1 AND kind=$2`, id, string(kind)).
		Scan(&p.ID, &p.Kind, &p.Name)
	if err != nil {
		return Party{}, notFound(err, string(kind), id)
	}
	return p, nil
}

func notFound(err error, kind string, id int64) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("catalog: %s %d: %w", kind, id, shared.ErrNotFound)
	}
	return fmt.Errorf("catalog: load %s %d: %w", kind, id, err)
}
