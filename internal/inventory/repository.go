package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-docflow/internal/platform/db"
	"github.com/odyssey-erp/odyssey-docflow/internal/shared"
)

// TxRepository exposes transactional operations used by the ledger.
type TxRepository interface {
	EnsureBalance(ctx context.Context, productID, storeID int64) error
	GetBalanceForUpdate(ctx context.Context, productID, storeID int64) (Balance, error)
	UpdateBalance(ctx context.Context, balance Balance) error
	ListBalances(ctx context.Context) ([]Balance, error)
	SumEntries(ctx context.Context) ([]Balance, error)
	// InsertEntry appends entry. When the idempotency key exists it returns the stored entry and shared.ErrDuplicatePosting.
	InsertEntry(ctx context.Context, entry Entry) (Entry, error)
	ListEntries(ctx context.Context, filter LedgerFilter) ([]Entry, error)
	InsertBackorder(ctx context.Context, bo Backorder) (Backorder, error)
	// ListOpenBackordersForUpdate returns open back-orders oldest first, locked.
	ListOpenBackordersForUpdate(ctx context.Context, productID, storeID int64) ([]Backorder, error)
	UpdateBackorder(ctx context.Context, bo Backorder) error
	ListBackorders(ctx context.Context, filter BackorderFilter) ([]Backorder, error)
}

// RepositoryPort abstracts repository usage for the ledger.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetBalance(ctx context.Context, productID, storeID int64) (Balance, error)
	ListEntries(ctx context.Context, filter LedgerFilter) ([]Entry, error)
	ListBackorders(ctx context.Context, filter BackorderFilter) ([]Backorder, error)
}

// Repository persists the ledger in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepo struct {
	q db.Queryer
}

// NewTxRepository binds ledger operations to an open transaction owned by the caller.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepo{q: tx}
}

// WithTx executes the callback inside repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{q: tx})
	})
}

func (r *Repository) GetBalance(ctx context.Context, productID, storeID int64) (Balance, error) {
	b := Balance{ProductID: productID, StoreID: storeID}
	err := r.pool.QueryRow(ctx, `SELECT quantity, updated_at FROM store_stock WHERE product_id=$1 AND store_id=$2`, productID, storeID).
		Scan(&b.Quantity, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return b, ErrBalanceNotFound
	}
	return b, err
}

func (r *Repository) ListEntries(ctx context.Context, filter LedgerFilter) ([]Entry, error) {
	return listEntries(ctx, r.pool, filter)
}

func (r *Repository) ListBackorders(ctx context.Context, filter BackorderFilter) ([]Backorder, error) {
	return listBackorders(ctx, r.pool, filter)
}

func (r *txRepo) EnsureBalance(ctx context.Context, productID, storeID int64) error {
	_, err := r.q.Exec(ctx, `INSERT INTO store_stock (product_id, store_id, quantity, updated_at)
VALUES ($1, $2, 0, NOW()) ON CONFLICT (product_id, store_id) DO NOTHING`, productID, storeID)
	return err
}

func (r *txRepo) GetBalanceForUpdate(ctx context.Context, productID, storeID int64) (Balance, error) {
	b := Balance{ProductID: productID, StoreID: storeID}
	err := r.q.QueryRow(ctx, `SELECT quantity, updated_at FROM store_stock
WHERE product_id=$1 AND store_id=$2 FOR UPDATE`, productID, storeID).Scan(&b.Quantity, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return b, ErrBalanceNotFound
	}
	return b, err
}

func (r *txRepo) UpdateBalance(ctx context.Context, b Balance) error {
	_, err := r.q.Exec(ctx, `INSERT INTO store_stock (product_id, store_id, quantity, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (product_id, store_id) DO UPDATE SET quantity = EXCLUDED.quantity, updated_at = EXCLUDED.updated_at`,
		b.ProductID, b.StoreID, b.Quantity, b.UpdatedAt)
	return err
}

func (r *txRepo) ListBalances(ctx context.Context) ([]Balance, error) {
	rows, err := r.q.Query(ctx, `SELECT product_id, store_id, quantity, updated_at FROM store_stock ORDER BY product_id, store_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Balance
	for rows.Next() {
		var b Balance
		if err := rows.Scan(&b.ProductID, &b.StoreID, &b.Quantity, &b.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *txRepo) SumEntries(ctx context.Context) ([]Balance, error) {
	rows, err := r.q.Query(ctx, `SELECT product_id, store_id, COALESCE(SUM(delta), 0)
FROM stock_ledger GROUP BY product_id, store_id ORDER BY product_id, store_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Balance
	for rows.Next() {
		var b Balance
		if err := rows.Scan(&b.ProductID, &b.StoreID, &b.Quantity); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

const entryColumns = `id, product_id, store_id, delta, reason, source_document_type, source_document_id,
idempotency_key, backorder_id, created_at, created_by`

func (r *txRepo) InsertEntry(ctx context.Context, e Entry) (Entry, error) {
	row := r.q.QueryRow(ctx, `INSERT INTO stock_ledger (product_id, store_id, delta, reason, source_document_type,
source_document_id, idempotency_key, backorder_id, created_at, created_by)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (idempotency_key) DO NOTHING
RETURNING `+entryColumns,
		e.ProductID, e.StoreID, e.Delta, string(e.Reason), e.SourceDocumentType, e.SourceDocumentID,
		e.IdempotencyKey, e.BackorderID, e.CreatedAt, nullInt(e.CreatedBy))
	stored, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, err := scanEntry(r.q.QueryRow(ctx, `SELECT `+entryColumns+` FROM stock_ledger WHERE idempotency_key=$1`, e.IdempotencyKey))
		if err != nil {
			return Entry{}, err
		}
		return existing, shared.ErrDuplicatePosting
	}
	return stored, err
}

func (r *txRepo) ListEntries(ctx context.Context, filter LedgerFilter) ([]Entry, error) {
	return listEntries(ctx, r.q, filter)
}

const backorderColumns = `id, product_id, store_id, sale_id, customer_id, origin_type, origin_id,
quantity, pending_quantity, created_at, resolved_at, cancelled_at`

func (r *txRepo) InsertBackorder(ctx context.Context, bo Backorder) (Backorder, error) {
	row := r.q.QueryRow(ctx, `INSERT INTO backorders (product_id, store_id, sale_id, customer_id, origin_type, origin_id,
quantity, pending_quantity, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING `+backorderColumns,
		bo.ProductID, bo.StoreID, bo.SaleID, nullInt(bo.CustomerID), bo.OriginType, bo.OriginID,
		bo.Quantity, bo.PendingQuantity, bo.CreatedAt)
	return scanBackorder(row)
}

func (r *txRepo) ListOpenBackordersForUpdate(ctx context.Context, productID, storeID int64) ([]Backorder, error) {
	rows, err := r.q.Query(ctx, `SELECT `+backorderColumns+` FROM backorders
WHERE product_id=$1 AND store_id=$2 AND resolved_at IS NULL AND cancelled_at IS NULL AND pending_quantity > 0
ORDER BY created_at, id
FOR UPDATE`, productID, storeID)
	if err != nil {
		return nil, err
	}
	return collectBackorders(rows)
}

func (r *txRepo) UpdateBackorder(ctx context.Context, bo Backorder) error {
	tag, err := r.q.Exec(ctx, `UPDATE backorders SET pending_quantity=$2, resolved_at=$3, cancelled_at=$4 WHERE id=$1`,
		bo.ID, bo.PendingQuantity, bo.ResolvedAt, bo.CancelledAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("inventory: backorder %d: %w", bo.ID, shared.ErrNotFound)
	}
	return nil
}

func (r *txRepo) ListBackorders(ctx context.Context, filter BackorderFilter) ([]Backorder, error) {
	return listBackorders(ctx, r.q, filter)
}

func listEntries(ctx context.Context, q db.Queryer, f LedgerFilter) ([]Entry, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.ProductID != nil {
		add("product_id = $%d", *f.ProductID)
	}
	if f.StoreID != nil {
		add("store_id = $%d", *f.StoreID)
	}
	if f.Reason != nil {
		add("reason = $%d", string(*f.Reason))
	}
	if f.SourceType != "" {
		add("source_document_type = $%d", f.SourceType)
	}
	if f.SourceID != nil {
		add("source_document_id = $%d", *f.SourceID)
	}
	if f.BackorderID != nil {
		add("backorder_id = $%d", *f.BackorderID)
	}
	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at <= $%d", *f.To)
	}
	page := shared.Page{Limit: f.Limit, Offset: f.Offset}.Normalize()
	sql := `SELECT ` + entryColumns + ` FROM stock_ledger` + where(conds) +
		fmt.Sprintf(` ORDER BY created_at, id LIMIT %d OFFSET %d`, page.Limit, page.Offset)
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func listBackorders(ctx context.Context, q db.Queryer, f BackorderFilter) ([]Backorder, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.ProductID != nil {
		add("product_id = $%d", *f.ProductID)
	}
	if f.StoreID != nil {
		add("store_id = $%d", *f.StoreID)
	}
	if f.SaleID != nil {
		add("sale_id = $%d", *f.SaleID)
	}
	if f.CustomerID != nil {
		add("customer_id = $%d", *f.CustomerID)
	}
	if f.OriginType != "" {
		add("origin_type = $%d", f.OriginType)
	}
	if f.OriginID != nil {
		add("origin_id = $%d", *f.OriginID)
	}
	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at <= $%d", *f.To)
	}
	switch f.Status {
	case BackorderOpen:
		conds = append(conds, "resolved_at IS NULL AND cancelled_at IS NULL AND pending_quantity > 0")
	case BackorderResolved:
		conds = append(conds, "resolved_at IS NOT NULL")
	case BackorderCancelled:
		conds = append(conds, "cancelled_at IS NOT NULL")
	}
	page := shared.Page{Limit: f.Limit, Offset: f.Offset}.Normalize()
	sql := `SELECT ` + backorderColumns + ` FROM backorders` + where(conds) +
		fmt.Sprintf(` ORDER BY created_at, id LIMIT %d OFFSET %d`, page.Limit, page.Offset)
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return collectBackorders(rows)
}

func where(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func scanEntry(row pgx.Row) (Entry, error) {
	var (
		e         Entry
		reason    string
		createdBy *int64
	)
	err := row.Scan(&e.ID, &e.ProductID, &e.StoreID, &e.Delta, &reason, &e.SourceDocumentType, &e.SourceDocumentID,
		&e.IdempotencyKey, &e.BackorderID, &e.CreatedAt, &createdBy)
	if err != nil {
		return Entry{}, err
	}
	e.Reason = Reason(reason)
	if createdBy != nil {
		e.CreatedBy = *createdBy
	}
	return e, nil
}

func collectBackorders(rows pgx.Rows) ([]Backorder, error) {
	defer rows.Close()
	var out []Backorder
	for rows.Next() {
		bo, err := scanBackorder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, bo)
	}
	return out, rows.Err()
}

func scanBackorder(row pgx.Row) (Backorder, error) {
	var (
		bo         Backorder
		customerID *int64
	)
	err := row.Scan(&bo.ID, &bo.ProductID, &bo.StoreID, &bo.SaleID, &customerID, &bo.OriginType, &bo.OriginID,
		&bo.Quantity, &bo.PendingQuantity, &bo.CreatedAt, &bo.ResolvedAt, &bo.CancelledAt)
	if err != nil {
		return Backorder{}, err
	}
	if customerID != nil {
		bo.CustomerID = *customerID
	}
	return bo, nil
}

func nullInt(v int64) *int64 {
	if v == 0 {
		return nil
	}
	return &v
}
