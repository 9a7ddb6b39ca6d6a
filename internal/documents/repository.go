package documents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-docflow/internal/platform/db"
	"github.com/odyssey-erp/odyssey-docflow/internal/shared"
)

// TxRepository exposes transactional document operations.
type TxRepository interface {
	Insert(ctx context.Context, doc Document) (Document, error)
	Get(ctx context.Context, ref Ref) (Document, error)
	// GetForUpdate loads the document and holds its row lock until the transaction ends.
	GetForUpdate(ctx context.Context, ref Ref) (Document, error)
	// Update persists doc when its version still matches and bumps the version.
	Update(ctx context.Context, doc Document) (Document, error)
	ListChildren(ctx context.Context, parent Ref, childType Type) ([]Document, error)
	FindConversion(ctx context.Context, key string) (ConversionRecord, error)
	InsertConversion(ctx context.Context, rec ConversionRecord) error
}

// RepositoryPort abstracts repository usage for the registry.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, ref Ref) (Document, error)
	List(ctx context.Context, filter ListFilter) ([]Document, error)
}

// Repository persists documents in PostgreSQL.
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

// NewTxRepository binds document operations to an open transaction owned by the caller.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepo{q: tx}
}

// WithTx executes the callback inside repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{q: tx})
	})
}

func (r *Repository) Get(ctx context.Context, ref Ref) (Document, error) {
	return getDocument(ctx, r.pool, ref, false)
}

func (r *Repository) List(ctx context.Context, f ListFilter) ([]Document, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Type != "" {
		add("doc_type = $%d", string(f.Type))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, 0, len(f.Statuses))
		for _, s := range f.Statuses {
			statuses = append(statuses, string(s))
		}
		add("status = ANY($%d)", statuses)
	}
	if f.CustomerID != nil {
		add("customer_id = $%d", *f.CustomerID)
	}
	if f.VendorID != nil {
		add("vendor_id = $%d", *f.VendorID)
	}
	if f.SalesAgentID != nil {
		add("sales_agent_id = $%d", *f.SalesAgentID)
	}
	if f.Source != nil {
		add("source_type = $%d", string(f.Source.Type))
		add("source_id = $%d", f.Source.ID)
	}
	if f.DueBefore != nil {
		add("due_date < $%d", *f.DueBefore)
	}
	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at <= $%d", *f.To)
	}
	sql := `SELECT ` + documentColumns + ` FROM documents`
	if len(conds) > 0 {
		sql += " WHERE " + strings.Join(conds, " AND ")
	}
	page := shared.Page{Limit: f.Limit, Offset: f.Offset}.Normalize()
	sql += fmt.Sprintf(" ORDER BY created_at, id LIMIT %d OFFSET %d", page.Limit, page.Offset)
	return queryDocuments(ctx, r.pool, sql, args...)
}

const documentColumns = `id, doc_type, number, status, lines, total_amount, tax_amount, outstanding_amount,
store_id, customer_id, vendor_id, sales_agent_id, due_date, payment_status, conversion_status, is_converted,
source_type, source_id, converted_to, note, version, created_at, updated_at, created_by`

func (r *txRepo) Insert(ctx context.Context, doc Document) (Document, error) {
	lines, convertedTo, err := encodeJSON(doc)
	if err != nil {
		return Document{}, err
	}
	var sourceType *string
	var sourceID *int64
	if doc.Source != nil {
		st := string(doc.Source.Type)
		sourceType, sourceID = &st, &doc.Source.ID
	}
	row := r.q.QueryRow(ctx, `INSERT INTO documents (doc_type, number, status, lines, total_amount, tax_amount,
outstanding_amount, store_id, customer_id, vendor_id, sales_agent_id, due_date, payment_status, conversion_status,
is_converted, source_type, source_id, converted_to, note, version, created_at, updated_at, created_by)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, 1, $20, $20, $21)
RETURNING `+documentColumns,
		string(doc.Type), doc.Number, string(doc.Status), lines, doc.TotalAmount, doc.TaxAmount,
		doc.OutstandingAmount, nullInt(doc.StoreID), nullInt(doc.CustomerID), nullInt(doc.VendorID),
		nullInt(doc.SalesAgentID), doc.DueDate, nullString(string(doc.PaymentStatus)), string(doc.ConversionStatus),
		doc.IsConverted, sourceType, sourceID, convertedTo, doc.Note, doc.CreatedAt, nullInt(doc.CreatedBy))
	return scanDocument(row)
}

func (r *txRepo) Get(ctx context.Context, ref Ref) (Document, error) {
	return getDocument(ctx, r.q, ref, false)
}

func (r *txRepo) GetForUpdate(ctx context.Context, ref Ref) (Document, error) {
	return getDocument(ctx, r.q, ref, true)
}

func (r *txRepo) Update(ctx context.Context, doc Document) (Document, error) {
	lines, convertedTo, err := encodeJSON(doc)
	if err != nil {
		return Document{}, err
	}
	row := r.q.QueryRow(ctx, `UPDATE documents SET status=$3, lines=$4, total_amount=$5, tax_amount=$6,
outstanding_amount=$7, due_date=$8, payment_status=$9, conversion_status=$10, is_converted=$11, converted_to=$12,
note=$13, updated_at=NOW(), version=version+1
WHERE id=$1 AND version=$2
RETURNING `+documentColumns,
		doc.ID, doc.Version, string(doc.Status), lines, doc.TotalAmount, doc.TaxAmount, doc.OutstandingAmount,
		doc.DueDate, nullString(string(doc.PaymentStatus)), string(doc.ConversionStatus), doc.IsConverted,
		convertedTo, doc.Note)
	updated, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, fmt.Errorf("%w: %s %d version %d is stale", shared.ErrConcurrentModification, doc.Type, doc.ID, doc.Version)
	}
	return updated, err
}

func (r *txRepo) ListChildren(ctx context.Context, parent Ref, childType Type) ([]Document, error) {
	return queryDocuments(ctx, r.q, `SELECT `+documentColumns+` FROM documents
WHERE source_type=$1 AND source_id=$2 AND doc_type=$3 ORDER BY created_at, id`,
		string(parent.Type), parent.ID, string(childType))
}

func (r *txRepo) FindConversion(ctx context.Context, key string) (ConversionRecord, error) {
	var (
		rec                    ConversionRecord
		sourceType, targetType string
	)
	err := r.q.QueryRow(ctx, `SELECT key, source_type, source_id, target_type, target_id, created_at
FROM conversion_requests WHERE key=$1`, key).
		Scan(&rec.Key, &sourceType, &rec.Source.ID, &targetType, &rec.Target.ID, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ConversionRecord{}, fmt.Errorf("documents: conversion %q: %w", key, shared.ErrNotFound)
	}
	if err != nil {
		return ConversionRecord{}, err
	}
	rec.Source.Type, rec.Target.Type = Type(sourceType), Type(targetType)
	return rec, nil
}

func (r *txRepo) InsertConversion(ctx context.Context, rec ConversionRecord) error {
	_, err := r.q.Exec(ctx, `INSERT INTO conversion_requests (key, source_type, source_id, target_type, target_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.Key, string(rec.Source.Type), rec.Source.ID, string(rec.Target.Type), rec.Target.ID, rec.CreatedAt)
	if db.IsUniqueViolation(err) {
		return fmt.Errorf("%w: conversion key %q already used", shared.ErrConcurrentModification, rec.Key)
	}
	return err
}

func getDocument(ctx context.Context, q db.Queryer, ref Ref, lock bool) (Document, error) {
	sql := `SELECT ` + documentColumns + ` FROM documents WHERE id=$1 AND doc_type=$2`
	if lock {
		sql += ` FOR UPDATE`
	}
	doc, err := scanDocument(q.QueryRow(ctx, sql, ref.ID, string(ref.Type)))
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, fmt.Errorf("documents: %s %d: %w", ref.Type, ref.ID, shared.ErrNotFound)
	}
	return doc, err
}

func queryDocuments(ctx context.Context, q db.Queryer, sql string, args ...any) ([]Document, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func scanDocument(row pgx.Row) (Document, error) {
	var (
		d                                      Document
		docType, status, conversionStatus      string
		paymentStatus, sourceType              *string
		storeID, customerID, vendorID, agentID *int64
		sourceID, createdBy                    *int64
		linesRaw, convertedRaw                 []byte
	)
	err := row.Scan(&d.ID, &docType, &d.Number, &status, &linesRaw, &d.TotalAmount, &d.TaxAmount, &d.OutstandingAmount,
		&storeID, &customerID, &vendorID, &agentID, &d.DueDate, &paymentStatus, &conversionStatus, &d.IsConverted,
		&sourceType, &sourceID, &convertedRaw, &d.Note, &d.Version, &d.CreatedAt, &d.UpdatedAt, &createdBy)
	if err != nil {
		return Document{}, err
	}
	d.Type, d.Status, d.ConversionStatus = Type(docType), Status(status), ConversionStatus(conversionStatus)
	if paymentStatus != nil {
		d.PaymentStatus = PaymentStatus(*paymentStatus)
	}
	if sourceType != nil && sourceID != nil {
		d.Source = &Ref{Type: Type(*sourceType), ID: *sourceID}
	}
	d.StoreID, d.CustomerID, d.VendorID = deref(storeID), deref(customerID), deref(vendorID)
	d.SalesAgentID, d.CreatedBy = deref(agentID), deref(createdBy)
	if len(linesRaw) > 0 {
		if err := json.Unmarshal(linesRaw, &d.Lines); err != nil {
			return Document{}, fmt.Errorf("documents: decode lines: %w", err)
		}
	}
	if len(convertedRaw) > 0 {
		if err := json.Unmarshal(convertedRaw, &d.ConvertedTo); err != nil {
			return Document{}, fmt.Errorf("documents: decode lineage: %w", err)
		}
	}
	return d, nil
}

func encodeJSON(doc Document) ([]byte, []byte, error) {
	lines := doc.Lines
	if lines == nil {
		lines = []Line{}
	}
	convertedTo := doc.ConvertedTo
	if convertedTo == nil {
		convertedTo = []Ref{}
	}
	linesRaw, err := json.Marshal(lines)
	if err != nil {
		return nil, nil, err
	}
	convertedRaw, err := json.Marshal(convertedTo)
	if err != nil {
		return nil, nil, err
	}
	return linesRaw, convertedRaw, nil
}

func nullInt(v int64) *int64 {
	if v == 0 {
		return nil
	}
	return &v
}

func nullString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func deref(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
