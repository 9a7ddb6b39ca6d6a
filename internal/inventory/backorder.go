package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-docflow/internal/platform/db"
	"github.com/odyssey-erp/odyssey-docflow/internal/shared"
)

// DispatchTx ships what the store holds and back-orders the shortfall.
// Stock never goes below zero through a dispatch.
func (l *Ledger) DispatchTx(ctx context.Context, tx TxRepository, req DispatchRequest) (DispatchResult, error) {
	res := DispatchResult{ProductID: req.ProductID, Dispatched: decimal.Zero}
	if !req.Quantity.IsPositive() {
		return res, ErrInvalidQuantity
	}
	if req.SaleID <= 0 || req.OriginType == "" || req.OriginID <= 0 {
		return res, shared.Validation("inventory: dispatch needs sale and origin document")
	}
	tracked, err := l.checkReferences(ctx, req.ProductID, req.StoreID)
	if err != nil {
		return res, err
	}
	if !tracked {
		res.Skipped = true
		return res, nil
	}

	if err := tx.EnsureBalance(ctx, req.ProductID, req.StoreID); err != nil {
		return res, err
	}
	balance, err := tx.GetBalanceForUpdate(ctx, req.ProductID, req.StoreID)
	if err != nil {
		return res, err
	}
	available := decimal.Max(balance.Quantity, decimal.Zero)
	take := decimal.Min(req.Quantity, available)

	if take.IsPositive() {
		entry, _, err := l.append(ctx, tx, Draft{
			ProductID:      req.ProductID,
			StoreID:        req.StoreID,
			Delta:          take.Neg(),
			Reason:         ReasonSaleDispatch,
			SourceType:     req.OriginType,
			SourceID:       req.OriginID,
			IdempotencyKey: DefaultKey(req.OriginType, req.OriginID, req.ProductID),
			ActorID:        req.ActorID,
		}, false)
		if errors.Is(err, shared.ErrDuplicatePosting) {
			res.Replayed = true
			res.Entry = &entry
			res.Dispatched = entry.Delta.Neg()
			return res, err
		}
		if err != nil {
			return res, err
		}
		res.Entry = &entry
		res.Dispatched = take
	}

	shortfall := req.Quantity.Sub(take)
	if shortfall.IsPositive() {
		bo, err := tx.InsertBackorder(ctx, Backorder{
			ProductID:       req.ProductID,
			StoreID:         req.StoreID,
			SaleID:          req.SaleID,
			CustomerID:      req.CustomerID,
			OriginType:      req.OriginType,
			OriginID:        req.OriginID,
			Quantity:        shortfall,
			PendingQuantity: shortfall,
			CreatedAt:       l.now(),
		})
		if err != nil {
			return res, err
		}
		res.Backorder = &bo
		l.logger.Info("backorder created",
			slog.Int64("backorder_id", bo.ID),
			slog.Int64("sale_id", req.SaleID),
			slog.Int64("product_id", req.ProductID),
			slog.String("pending", shortfall.String()))
	}
	return res, nil
}

// ResolveTx settles open back-orders for the product and store, oldest first, while stock is available.
// Each settlement posts a sale-dispatch entry whose lineage points at the back-ordered sale.
func (l *Ledger) ResolveTx(ctx context.Context, tx TxRepository, productID, storeID int64, receiptType string, receiptID int64, actorID int64) ([]Resolution, Balance, error) {
	open, err := tx.ListOpenBackordersForUpdate(ctx, productID, storeID)
	if err != nil {
		return nil, Balance{}, err
	}
	var (
		out     []Resolution
		balance Balance
	)
	for _, bo := range open {
		balance, err = tx.GetBalanceForUpdate(ctx, productID, storeID)
		if err != nil {
			return nil, Balance{}, err
		}
		if !balance.Quantity.IsPositive() {
			break
		}
		take := decimal.Min(bo.PendingQuantity, balance.Quantity)
		boID := bo.ID
		entry, bal, err := l.append(ctx, tx, Draft{
			ProductID:      productID,
			StoreID:        storeID,
			Delta:          take.Neg(),
			Reason:         ReasonSaleDispatch,
			SourceType:     saleDocumentType,
			SourceID:       bo.SaleID,
			IdempotencyKey: backorderKey(bo.ID, receiptType, receiptID),
			BackorderID:    &boID,
			ActorID:        actorID,
		}, false)
		if errors.Is(err, shared.ErrDuplicatePosting) {
			continue
		}
		if err != nil {
			return nil, Balance{}, err
		}
		balance = bal
		bo.PendingQuantity = bo.PendingQuantity.Sub(take)
		if !bo.PendingQuantity.IsPositive() {
			bo.PendingQuantity = decimal.Zero
			at := l.now()
			bo.ResolvedAt = &at
		}
		if err := tx.UpdateBackorder(ctx, bo); err != nil {
			return nil, Balance{}, err
		}
		out = append(out, Resolution{Backorder: bo, Entry: entry, Quantity: take})
	}
	return out, balance, nil
}

// CancelForOriginTx closes the open back-orders raised by one document.
// It refuses when any of them has already been partly settled.
func (l *Ledger) CancelForOriginTx(ctx context.Context, tx TxRepository, originType string, originID int64) ([]Backorder, error) {
	all, err := allBackorders(ctx, tx, BackorderFilter{OriginType: originType, OriginID: &originID})
	if err != nil {
		return nil, err
	}
	for _, bo := range all {
		if bo.CancelledAt == nil && bo.Touched() {
			return nil, fmt.Errorf("%w: backorder %d already settled %s of %s",
				shared.ErrInvalidStateTransition, bo.ID, bo.Quantity.Sub(bo.PendingQuantity), bo.Quantity)
		}
	}
	var out []Backorder
	now := l.now()
	for _, bo := range all {
		if !bo.Open() {
			continue
		}
		bo.CancelledAt = &now
		if err := tx.UpdateBackorder(ctx, bo); err != nil {
			return nil, err
		}
		out = append(out, bo)
	}
	return out, nil
}

// ReverseSourceTx posts a compensating entry for every entry sourced from the document.
// When requireCover is set a negative compensation may not take the balance below zero.
func (l *Ledger) ReverseSourceTx(ctx context.Context, tx TxRepository, sourceType string, sourceID int64, requireCover bool, actorID int64) ([]Entry, error) {
	entries, err := allEntries(ctx, tx, LedgerFilter{SourceType: sourceType, SourceID: &sourceID})
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range entries {
		if e.Reason == ReasonConversionReversal {
			continue
		}
		entry, _, err := l.append(ctx, tx, Draft{
			ProductID:      e.ProductID,
			StoreID:        e.StoreID,
			Delta:          e.Delta.Neg(),
			Reason:         ReasonConversionReversal,
			SourceType:     sourceType,
			SourceID:       sourceID,
			IdempotencyKey: reversalKey(e.ID),
			ActorID:        actorID,
		}, requireCover)
		if errors.Is(err, shared.ErrDuplicatePosting) {
			continue
		}
		if errors.Is(err, ErrNegativeStock) {
			return nil, fmt.Errorf("%w: stock from %s %d already consumed", shared.ErrInvalidStateTransition, sourceType, sourceID)
		}
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

// scanPage is the widest window the repositories return.
const scanPage = 500

// allEntries reads every entry matching f, page by page. The whole set is read before the
// caller posts anything that could match f again.
func allEntries(ctx context.Context, tx TxRepository, f LedgerFilter) ([]Entry, error) {
	f.Limit, f.Offset = scanPage, 0
	var out []Entry
	for {
		page, err := tx.ListEntries(ctx, f)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < scanPage {
			return out, nil
		}
		f.Offset += len(page)
	}
}

func allBackorders(ctx context.Context, tx TxRepository, f BackorderFilter) ([]Backorder, error) {
	f.Limit, f.Offset = scanPage, 0
	var out []Backorder
	for {
		page, err := tx.ListBackorders(ctx, f)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < scanPage {
			return out, nil
		}
		f.Offset += len(page)
	}
}

// ListBackorders lists back-orders oldest first.
func (l *Ledger) ListBackorders(ctx context.Context, filter BackorderFilter) ([]Backorder, error) {
	ctx, cancel := db.Bounded(ctx, l.timeout)
	defer cancel()
	out, err := l.repo.ListBackorders(ctx, filter)
	return out, db.Translate(err)
}
