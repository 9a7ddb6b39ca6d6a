package inventory

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-docflow/internal/shared"
)

// LoanTx re-attributes stock that left the store under an origin document to a loan document.
// The origin's shipment is compensated and the loan posts the same quantity out, so the balance is unchanged.
// Only stock that actually shipped under the origin can be loaned; back-ordered quantity cannot.
func (l *Ledger) LoanTx(ctx context.Context, tx TxRepository, req LoanRequest) (LoanResult, error) {
	res := LoanResult{ProductID: req.ProductID}
	if !req.Quantity.IsPositive() {
		return res, ErrInvalidQuantity
	}
	if req.OriginType == "" || req.OriginID <= 0 || req.LoanType == "" || req.LoanID <= 0 {
		return res, shared.Validation("inventory: loan needs origin and loan documents")
	}
	tracked, err := l.checkReferences(ctx, req.ProductID, req.StoreID)
	if err != nil {
		return res, err
	}
	if !tracked {
		res.Skipped = true
		return res, nil
	}

	productID, storeID := req.ProductID, req.StoreID
	shipped, err := allEntries(ctx, tx, LedgerFilter{
		ProductID:  &productID,
		StoreID:    &storeID,
		SourceType: req.OriginType,
		SourceID:   &req.OriginID,
	})
	if err != nil {
		return res, err
	}
	out := decimal.Zero
	for _, e := range shipped {
		out = out.Sub(e.Delta)
	}
	if req.Quantity.GreaterThan(out) {
		return res, fmt.Errorf("%w: only %s of product %d shipped under %s %d",
			shared.ErrInvalidStateTransition, out, req.ProductID, req.OriginType, req.OriginID)
	}

	returned, _, err := l.append(ctx, tx, Draft{
		ProductID:      req.ProductID,
		StoreID:        req.StoreID,
		Delta:          req.Quantity,
		Reason:         ReasonConversionReversal,
		SourceType:     req.OriginType,
		SourceID:       req.OriginID,
		IdempotencyKey: loanReturnKey(req.LoanType, req.LoanID, req.ProductID),
		ActorID:        req.ActorID,
	}, false)
	if err != nil && !errors.Is(err, shared.ErrDuplicatePosting) {
		return res, err
	}
	res.Returned = &returned

	loaned, _, err := l.append(ctx, tx, Draft{
		ProductID:      req.ProductID,
		StoreID:        req.StoreID,
		Delta:          req.Quantity.Neg(),
		Reason:         ReasonLoanDispatch,
		SourceType:     req.LoanType,
		SourceID:       req.LoanID,
		IdempotencyKey: DefaultKey(req.LoanType, req.LoanID, req.ProductID),
		ActorID:        req.ActorID,
	}, false)
	if err != nil && !errors.Is(err, shared.ErrDuplicatePosting) {
		return res, err
	}
	res.Loaned = &loaned
	return res, nil
}
