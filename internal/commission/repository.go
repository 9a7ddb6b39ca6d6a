package commission

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

// TxRepository exposes transactional commission operations.
type TxRepository interface {
	// Insert stores c unless the agent already has a commission for the sale.
	// The returned flag is false when the existing row is returned instead.
	Insert(ctx context.Context, c Commission) (Commission, bool, error)
	GetForUpdate(ctx context.Context, id int64) (Commission, error)
	Update(ctx context.Context, c Commission) (Commission, error)
	// ClaimPayout records key with the transaction. A key already present yields
	// shared.ErrIdempotencyConflict.
	ClaimPayout(ctx context.Context, key string) error
}

// RepositoryPort abstracts commission persistence.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (Commission, error)
	FindBySale(ctx context.Context, agentID, saleID int64) (Commission, error)
	List(ctx context.Context, filter Filter) ([]Commission, error)
}

// Repository stores commissions in PostgreSQL.
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

func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{q: tx})
	})
}

const commissionColumns = `id, agent_id, sale_id, sale_number, base_amount, rate, amount, status, payment_status,
account_id, paid_at, paid_by, version, created_at, updated_at`

func (r *Repository) Get(ctx context.Context, id int64) (Commission, error) {
	return getCommission(ctx, r.pool, `SELECT `+commissionColumns+` FROM commissions WHERE id=$1`, id)
}

func (r *Repository) FindBySale(ctx context.Context, agentID, saleID int64) (Commission, error) {
	return getCommission(ctx, r.pool, `SELECT `+commissionColumns+` FROM commissions WHERE agent_id=$1 AND sale_id=$2`, agentID, saleID)
}

func (r *Repository) List(ctx context.Context, f Filter) ([]Commission, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.AgentID != nil {
		add("agent_id = $%d", *f.AgentID)
	}
	if f.SaleID != nil {
		add("sale_id = $%d", *f.SaleID)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.PaymentStatus != "" {
		add("payment_status = $%d", string(f.PaymentStatus))
	}
	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at <= $%d", *f.To)
	}
	sql := `SELECT ` + commissionColumns + ` FROM commissions`
	if len(conds) > 0 {
		sql += " WHERE " + strings.Join(conds, " AND ")
	}
	page := shared.Page{Limit: f.Limit, Offset: f.Offset}.Normalize()
	sql += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT %d OFFSET %d", page.Limit, page.Offset)
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Commission
	for rows.Next() {
		c, err := scanCommission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *txRepo) Insert(ctx context.Context, c Commission) (Commission, bool, error) {
	row := r.q.QueryRow(ctx, `INSERT INTO commissions (agent_id, sale_id, sale_number, base_amount, rate, amount, status,
payment_status, version, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, $9, $9)
ON CONFLICT (agent_id, sale_id) DO NOTHING
RETURNING `+commissionColumns,
		c.AgentID, c.SaleID, c.SaleNumber, c.Base, c.Rate, c.Amount, string(c.Status), string(c.PaymentStatus), c.CreatedAt)
	stored, err := scanCommission(row)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, err := getCommission(ctx, r.q, `SELECT `+commissionColumns+` FROM commissions WHERE agent_id=$1 AND sale_id=$2`, c.AgentID, c.SaleID)
		return existing, false, err
	}
	if err != nil {
		return Commission{}, false, err
	}
	return stored, true, nil
}

func (r *txRepo) GetForUpdate(ctx context.Context, id int64) (Commission, error) {
	return getCommission(ctx, r.q, `SELECT `+commissionColumns+` FROM commissions WHERE id=$1 FOR UPDATE`, id)
}

func (r *txRepo) Update(ctx context.Context, c Commission) (Commission, error) {
	row := r.q.QueryRow(ctx, `UPDATE commissions SET base_amount=$3, rate=$4, amount=$5, status=$6, payment_status=$7,
account_id=$8, paid_at=$9, paid_by=$10, version=version+1, updated_at=NOW()
WHERE id=$1 AND version=$2
RETURNING `+commissionColumns,
		c.ID, c.Version, c.Base, c.Rate, c.Amount, string(c.Status), string(c.PaymentStatus),
		nullString(c.AccountID), c.PaidAt, nullInt(c.PaidBy))
	updated, err := scanCommission(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Commission{}, fmt.Errorf("%w: commission %d version %d is stale", shared.ErrConcurrentModification, c.ID, c.Version)
	}
	return updated, err
}

func (r *txRepo) ClaimPayout(ctx context.Context, key string) error {
	return shared.NewIdempotencyStore(r.q).CheckAndInsert(ctx, key, idempotencyModule)
}

func getCommission(ctx context.Context, q db.Queryer, sql string, args ...any) (Commission, error) {
	c, err := scanCommission(q.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return Commission{}, fmt.Errorf("commission: %w", shared.ErrNotFound)
	}
	return c, err
}

func scanCommission(row pgx.Row) (Commission, error) {
	var (
		c                     Commission
		status, paymentStatus string
		accountID             *string
		paidBy                *int64
	)
	err := row.Scan(&c.ID, &c.AgentID, &c.SaleID, &c.SaleNumber, &c.Base, &c.Rate, &c.Amount, &status, &paymentStatus,
		&accountID, &c.PaidAt, &paidBy, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return Commission{}, err
	}
	c.Status, c.PaymentStatus = Status(status), PaymentStatus(paymentStatus)
	if accountID != nil {
		c.AccountID = *accountID
	}
	if paidBy != nil {
		c.PaidBy = *paidBy
	}
	return c, nil
}

func nullString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func nullInt(v int64) *int64 {
	if v == 0 {
		return nil
	}
	return &v
}
