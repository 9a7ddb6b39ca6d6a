package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-docflow/internal/catalog"
	"github.com/odyssey-erp/odyssey-docflow/internal/platform/db"
	"github.com/odyssey-erp/odyssey-docflow/internal/shared"
)

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Config groups optional settings.
type Config struct {
	AllowNegativeStock bool
	PersistenceTimeout time.Duration
}

// Ledger posts stock movements and keeps the balance projection and back-orders in step.
type Ledger struct {
	repo     RepositoryPort
	catalog  catalog.Catalog
	audit    AuditPort
	logger   *slog.Logger
	allowNeg bool
	timeout  time.Duration
	now      func() time.Time
}

// NewLedger builds Ledger.
func NewLedger(repo RepositoryPort, cat catalog.Catalog, audit AuditPort, cfg Config, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		repo:     repo,
		catalog:  cat,
		audit:    audit,
		logger:   logger,
		allowNeg: cfg.AllowNegativeStock,
		timeout:  cfg.PersistenceTimeout,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Post appends one entry in its own transaction.
// A duplicate idempotency key returns the stored entry together with shared.ErrDuplicatePosting.
func (l *Ledger) Post(ctx context.Context, d Draft) (PostResult, error) {
	ctx, cancel := db.Bounded(ctx, l.timeout)
	defer cancel()

	var res PostResult
	err := l.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		res, err = l.PostTx(ctx, tx, d)
		if errors.Is(err, shared.ErrDuplicatePosting) {
			return nil
		}
		return err
	})
	if err != nil {
		return PostResult{}, db.Translate(err)
	}
	if res.Replayed {
		return res, shared.ErrDuplicatePosting
	}
	l.record(ctx, d, res)
	return res, nil
}

// PostTx appends one entry inside a transaction owned by the caller.
// Positive receipts and adjustments settle open back-orders in the same transaction.
func (l *Ledger) PostTx(ctx context.Context, tx TxRepository, d Draft) (PostResult, error) {
	if err := validateDraft(d); err != nil {
		return PostResult{}, err
	}
	tracked, err := l.checkReferences(ctx, d.ProductID, d.StoreID)
	if err != nil {
		return PostResult{}, err
	}
	if !tracked {
		return PostResult{Skipped: true}, nil
	}
	if d.IdempotencyKey == "" {
		d.IdempotencyKey = DefaultKey(d.SourceType, d.SourceID, d.ProductID)
	}
	entry, balance, err := l.append(ctx, tx, d, false)
	if errors.Is(err, shared.ErrDuplicatePosting) {
		return PostResult{Entry: entry, Balance: balance, Replayed: true}, err
	}
	if err != nil {
		return PostResult{}, err
	}
	res := PostResult{Entry: entry, Balance: balance}
	if d.Delta.IsPositive() && (d.Reason == ReasonPurchaseReceipt || d.Reason == ReasonManualAdjustment) {
		resolutions, bal, err := l.ResolveTx(ctx, tx, d.ProductID, d.StoreID, d.SourceType, d.SourceID, d.ActorID)
		if err != nil {
			return PostResult{}, err
		}
		res.Resolutions = resolutions
		if len(resolutions) > 0 {
			res.Balance = bal
		}
	}
	return res, nil
}

// PostStockAdjustment records a manual correction. Without a caller key every call is a new posting.
func (l *Ledger) PostStockAdjustment(ctx context.Context, in AdjustmentInput) (PostResult, error) {
	if in.ProductID <= 0 || in.StoreID <= 0 {
		return PostResult{}, shared.Validation("inventory: product and store required")
	}
	if in.Delta.IsZero() {
		return PostResult{}, ErrInvalidQuantity
	}
	key := in.IdempotencyKey
	if key == "" {
		key = "adjustment:" + uuid.NewString()
	}
	d := Draft{
		ProductID:      in.ProductID,
		StoreID:        in.StoreID,
		Delta:          in.Delta,
		Reason:         ReasonManualAdjustment,
		SourceType:     "adjustment",
		IdempotencyKey: key,
		ActorID:        shared.ResolveActor(ctx, in.ActorID),
	}

	ctx, cancel := db.Bounded(ctx, l.timeout)
	defer cancel()

	tracked, err := l.checkReferences(ctx, d.ProductID, d.StoreID)
	if err != nil {
		return PostResult{}, err
	}
	if !tracked {
		return PostResult{Skipped: true}, nil
	}

	var res PostResult
	err = l.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		entry, balance, err := l.append(ctx, tx, d, !l.allowNeg)
		if errors.Is(err, shared.ErrDuplicatePosting) {
			res = PostResult{Entry: entry, Balance: balance, Replayed: true}
			return nil
		}
		if err != nil {
			return err
		}
		res = PostResult{Entry: entry, Balance: balance}
		if d.Delta.IsPositive() {
			resolutions, bal, err := l.ResolveTx(ctx, tx, d.ProductID, d.StoreID, d.SourceType, entry.ID, d.ActorID)
			if err != nil {
				return err
			}
			res.Resolutions = resolutions
			if len(resolutions) > 0 {
				res.Balance = bal
			}
		}
		return nil
	})
	if err != nil {
		return PostResult{}, db.Translate(err)
	}
	if !res.Replayed {
		l.record(ctx, d, res)
	}
	return res, nil
}

// GetBalance returns the cached balance, zero when nothing was ever posted.
func (l *Ledger) GetBalance(ctx context.Context, productID, storeID int64) (Balance, error) {
	if productID <= 0 || storeID <= 0 {
		return Balance{}, shared.Validation("inventory: product and store required")
	}
	ctx, cancel := db.Bounded(ctx, l.timeout)
	defer cancel()

	b, err := l.repo.GetBalance(ctx, productID, storeID)
	if errors.Is(err, ErrBalanceNotFound) {
		if _, err := l.checkReferences(ctx, productID, storeID); err != nil {
			return Balance{}, err
		}
		return Balance{ProductID: productID, StoreID: storeID, Quantity: decimal.Zero}, nil
	}
	if err != nil {
		return Balance{}, db.Translate(err)
	}
	return b, nil
}

// ListStockLedger lists entries oldest first.
func (l *Ledger) ListStockLedger(ctx context.Context, filter LedgerFilter) ([]Entry, error) {
	ctx, cancel := db.Bounded(ctx, l.timeout)
	defer cancel()
	entries, err := l.repo.ListEntries(ctx, filter)
	return entries, db.Translate(err)
}

// RebuildBalances recomputes every cached balance from the ledger and returns how many changed.
func (l *Ledger) RebuildBalances(ctx context.Context) (int, error) {
	ctx, cancel := db.Bounded(ctx, l.timeout)
	defer cancel()

	changed := 0
	err := l.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		drifts, err := drift(ctx, tx)
		if err != nil {
			return err
		}
		now := l.now()
		for _, d := range drifts {
			if err := tx.EnsureBalance(ctx, d.ProductID, d.StoreID); err != nil {
				return err
			}
			if _, err := tx.GetBalanceForUpdate(ctx, d.ProductID, d.StoreID); err != nil {
				return err
			}
			if err := tx.UpdateBalance(ctx, Balance{ProductID: d.ProductID, StoreID: d.StoreID, Quantity: d.Ledger, UpdatedAt: now}); err != nil {
				return err
			}
			changed++
		}
		return nil
	})
	if err != nil {
		return 0, db.Translate(err)
	}
	if changed > 0 {
		l.logger.Warn("stock balances rebuilt", slog.Int("changed", changed))
	}
	return changed, nil
}

// VerifyBalances reports every balance that disagrees with the ledger sum.
func (l *Ledger) VerifyBalances(ctx context.Context) ([]Drift, error) {
	ctx, cancel := db.Bounded(ctx, l.timeout)
	defer cancel()

	var out []Drift
	err := l.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		out, err = drift(ctx, tx)
		return err
	})
	return out, db.Translate(err)
}

func drift(ctx context.Context, tx TxRepository) ([]Drift, error) {
	sums, err := tx.SumEntries(ctx)
	if err != nil {
		return nil, err
	}
	cached, err := tx.ListBalances(ctx)
	if err != nil {
		return nil, err
	}
	type key struct{ product, store int64 }
	index := make(map[key]decimal.Decimal, len(cached))
	for _, b := range cached {
		index[key{b.ProductID, b.StoreID}] = b.Quantity
	}
	var out []Drift
	seen := make(map[key]bool, len(sums))
	for _, s := range sums {
		k := key{s.ProductID, s.StoreID}
		seen[k] = true
		if c := index[k]; !c.Equal(s.Quantity) {
			out = append(out, Drift{ProductID: s.ProductID, StoreID: s.StoreID, Cached: c, Ledger: s.Quantity})
		}
	}
	for _, b := range cached {
		k := key{b.ProductID, b.StoreID}
		if !seen[k] && !b.Quantity.IsZero() {
			out = append(out, Drift{ProductID: b.ProductID, StoreID: b.StoreID, Cached: b.Quantity, Ledger: decimal.Zero})
		}
	}
	return out, nil
}

// append locks the balance row, writes the entry and moves the balance.
func (l *Ledger) append(ctx context.Context, tx TxRepository, d Draft, guardNegative bool) (Entry, Balance, error) {
	if err := tx.EnsureBalance(ctx, d.ProductID, d.StoreID); err != nil {
		return Entry{}, Balance{}, err
	}
	balance, err := tx.GetBalanceForUpdate(ctx, d.ProductID, d.StoreID)
	if err != nil {
		return Entry{}, Balance{}, err
	}
	next := balance.Quantity.Add(d.Delta)
	if guardNegative && d.Delta.IsNegative() && next.IsNegative() {
		return Entry{}, Balance{}, fmt.Errorf("%w: balance %s, delta %s", ErrNegativeStock, balance.Quantity, d.Delta)
	}
	now := l.now()
	stored, err := tx.InsertEntry(ctx, Entry{
		ProductID:          d.ProductID,
		StoreID:            d.StoreID,
		Delta:              d.Delta,
		Reason:             d.Reason,
		SourceDocumentType: d.SourceType,
		SourceDocumentID:   d.SourceID,
		IdempotencyKey:     d.IdempotencyKey,
		BackorderID:        d.BackorderID,
		CreatedAt:          now,
		CreatedBy:          d.ActorID,
	})
	if errors.Is(err, shared.ErrDuplicatePosting) {
		return stored, balance, err
	}
	if err != nil {
		return Entry{}, Balance{}, err
	}
	balance.Quantity = next
	balance.UpdatedAt = now
	if err := tx.UpdateBalance(ctx, balance); err != nil {
		return Entry{}, Balance{}, err
	}
	return stored, balance, nil
}

func (l *Ledger) checkReferences(ctx context.Context, productID, storeID int64) (bool, error) {
	product, err := l.catalog.GetProduct(ctx, productID)
	if errors.Is(err, shared.ErrNotFound) {
		return false, shared.InvalidReference("product", productID)
	}
	if err != nil {
		return false, err
	}
	if _, err := l.catalog.GetStore(ctx, storeID); errors.Is(err, shared.ErrNotFound) {
		return false, shared.InvalidReference("store", storeID)
	} else if err != nil {
		return false, err
	}
	return product.StockTracked, nil
}

func (l *Ledger) record(ctx context.Context, d Draft, res PostResult) {
	if l.audit == nil || res.Skipped {
		return
	}
	err := l.audit.Record(ctx, shared.AuditLog{
		ActorID:  d.ActorID,
		Action:   "inventory:" + string(d.Reason),
		Entity:   "stock_ledger",
		EntityID: fmt.Sprintf("%d", res.Entry.ID),
		Meta: map[string]any{
			"product_id":  d.ProductID,
			"store_id":    d.StoreID,
			"delta":       d.Delta.String(),
			"source_type": d.SourceType,
			"source_id":   d.SourceID,
			"resolved":    len(res.Resolutions),
		},
	})
	if err != nil {
		l.logger.Warn("audit stock posting", slog.Any("error", err))
	}
}

func validateDraft(d Draft) error {
	if d.ProductID <= 0 || d.StoreID <= 0 {
		return shared.Validation("inventory: product and store required")
	}
	if d.Delta.IsZero() {
		return ErrInvalidQuantity
	}
	if !d.Reason.Valid() {
		return shared.Validation("inventory: unknown reason %q", d.Reason)
	}
	if d.SourceType == "" && d.IdempotencyKey == "" {
		return shared.Validation("inventory: source document or idempotency key required")
	}
	return nil
}
