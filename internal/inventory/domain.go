package inventory

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-docflow/internal/shared"
)

// Reason enumerates why a ledger entry was posted.
type Reason string

const (
	// ReasonPurchaseReceipt records goods received against a purchase.
	ReasonPurchaseReceipt Reason = "purchase-receipt"
	// ReasonSaleDispatch records goods leaving a store for a sale.
	ReasonSaleDispatch Reason = "sale-dispatch"
	// ReasonManualAdjustment records a stock count correction.
	ReasonManualAdjustment Reason = "manual-adjustment"
	// ReasonConversionReversal compensates entries of a reversed document.
	ReasonConversionReversal Reason = "conversion-reversal"
	// ReasonLoanDispatch records goods held by a customer on loan rather than sold.
	ReasonLoanDispatch Reason = "loan-dispatch"
)

// Valid reports whether r is a known reason.
func (r Reason) Valid() bool {
	switch r {
	case ReasonPurchaseReceipt, ReasonSaleDispatch, ReasonManualAdjustment, ReasonConversionReversal, ReasonLoanDispatch:
		return true
	}
	return false
}

// saleDocumentType is the lineage type of postings that settle a back-order.
const saleDocumentType = "sale"

var (
	// ErrInvalidQuantity indicates a zero or negative quantity where a positive one is required.
	ErrInvalidQuantity = fmt.Errorf("inventory: invalid quantity: %w", shared.ErrValidation)
	// ErrNegativeStock indicates a manual adjustment would take the balance below zero.
	ErrNegativeStock = fmt.Errorf("inventory: negative stock not allowed: %w", shared.ErrInvalidStateTransition)
	// ErrBalanceNotFound indicates missing balance row.
	ErrBalanceNotFound = errors.New("inventory: balance not found")
)

// Entry is one immutable row of the stock ledger.
type Entry struct {
	ID                 int64           `json:"id"`
	ProductID          int64           `json:"product_id"`
	StoreID            int64           `json:"store_id"`
	Delta              decimal.Decimal `json:"delta"`
	Reason             Reason          `json:"reason"`
	SourceDocumentType string          `json:"source_document_type"`
	SourceDocumentID   int64           `json:"source_document_id"`
	IdempotencyKey     string          `json:"idempotency_key"`
	BackorderID        *int64          `json:"backorder_id,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	CreatedBy          int64           `json:"created_by"`
}

// Draft is a posting request.
type Draft struct {
	ProductID      int64
	StoreID        int64
	Delta          decimal.Decimal
	Reason         Reason
	SourceType     string
	SourceID       int64
	IdempotencyKey string
	BackorderID    *int64
	ActorID        int64
}

// DefaultKey builds the idempotency key used when a draft carries none.
func DefaultKey(sourceType string, sourceID, productID int64) string {
	return fmt.Sprintf("%s:%d:%d", sourceType, sourceID, productID)
}

func backorderKey(backorderID int64, receiptType string, receiptID int64) string {
	return fmt.Sprintf("backorder:%d:%s:%d", backorderID, receiptType, receiptID)
}

func reversalKey(entryID int64) string {
	return fmt.Sprintf("reversal:%d", entryID)
}

func loanReturnKey(loanType string, loanID, productID int64) string {
	return fmt.Sprintf("loan-return:%s:%d:%d", loanType, loanID, productID)
}

// Balance is the cached stock projection per product and store.
type Balance struct {
	ProductID int64           `json:"product_id"`
	StoreID   int64           `json:"store_id"`
	Quantity  decimal.Decimal `json:"quantity"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Drift reports a balance whose cached quantity disagrees with the ledger sum.
type Drift struct {
	ProductID int64           `json:"product_id"`
	StoreID   int64           `json:"store_id"`
	Cached    decimal.Decimal `json:"cached"`
	Ledger    decimal.Decimal `json:"ledger"`
}

// LedgerFilter narrows ListStockLedger. Nil fields do not filter.
type LedgerFilter struct {
	ProductID   *int64
	StoreID     *int64
	Reason      *Reason
	SourceType  string
	SourceID    *int64
	BackorderID *int64
	From        *time.Time
	To          *time.Time
	Limit       int
	Offset      int
}

// Backorder is unmet sale demand awaiting stock.
type Backorder struct {
	ID              int64           `json:"id"`
	ProductID       int64           `json:"product_id"`
	StoreID         int64           `json:"store_id"`
	SaleID          int64           `json:"sale_id"`
	CustomerID      int64           `json:"customer_id"`
	OriginType      string          `json:"origin_type"`
	OriginID        int64           `json:"origin_id"`
	Quantity        decimal.Decimal `json:"quantity"`
	PendingQuantity decimal.Decimal `json:"pending_quantity"`
	CreatedAt       time.Time       `json:"created_at"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
	CancelledAt     *time.Time      `json:"cancelled_at,omitempty"`
}

// Open reports whether the back-order still awaits stock.
func (b Backorder) Open() bool {
	return b.ResolvedAt == nil && b.CancelledAt == nil && b.PendingQuantity.IsPositive()
}

// Touched reports whether any part of the back-order has been settled.
func (b Backorder) Touched() bool {
	return !b.PendingQuantity.Equal(b.Quantity) || b.ResolvedAt != nil
}

// BackorderStatus filters back-orders by lifecycle.
type BackorderStatus string

const (
	BackorderAny       BackorderStatus = ""
	BackorderOpen      BackorderStatus = "open"
	BackorderResolved  BackorderStatus = "resolved"
	BackorderCancelled BackorderStatus = "cancelled"
)

// BackorderFilter narrows ListBackorders. Nil fields do not filter.
type BackorderFilter struct {
	ProductID  *int64
	StoreID    *int64
	SaleID     *int64
	CustomerID *int64
	OriginType string
	OriginID   *int64
	Status     BackorderStatus
	From       *time.Time
	To         *time.Time
	Limit      int
	Offset     int
}

// Matches applies the filter to one back-order.
func (f BackorderFilter) Matches(b Backorder) bool {
	switch {
	case f.ProductID != nil && *f.ProductID != b.ProductID,
		f.StoreID != nil && *f.StoreID != b.StoreID,
		f.SaleID != nil && *f.SaleID != b.SaleID,
		f.CustomerID != nil && *f.CustomerID != b.CustomerID,
		f.OriginType != "" && f.OriginType != b.OriginType,
		f.OriginID != nil && *f.OriginID != b.OriginID,
		f.From != nil && b.CreatedAt.Before(*f.From),
		f.To != nil && b.CreatedAt.After(*f.To):
		return false
	}
	switch f.Status {
	case BackorderOpen:
		return b.Open()
	case BackorderResolved:
		return b.ResolvedAt != nil
	case BackorderCancelled:
		return b.CancelledAt != nil
	}
	return true
}

// Matches applies the filter to one entry.
func (f LedgerFilter) Matches(e Entry) bool {
	switch {
	case f.ProductID != nil && *f.ProductID != e.ProductID,
		f.StoreID != nil && *f.StoreID != e.StoreID,
		f.Reason != nil && *f.Reason != e.Reason,
		f.SourceType != "" && f.SourceType != e.SourceDocumentType,
		f.SourceID != nil && *f.SourceID != e.SourceDocumentID,
		f.BackorderID != nil && (e.BackorderID == nil || *f.BackorderID != *e.BackorderID),
		f.From != nil && e.CreatedAt.Before(*f.From),
		f.To != nil && e.CreatedAt.After(*f.To):
		return false
	}
	return true
}

// PostResult describes the outcome of a posting.
type PostResult struct {
	Entry       Entry        `json:"entry"`
	Balance     Balance      `json:"balance"`
	Resolutions []Resolution `json:"resolutions,omitempty"`
	Skipped     bool         `json:"skipped,omitempty"`
	Replayed    bool         `json:"replayed,omitempty"`
}

// Resolution is one back-order settled by incoming stock.
type Resolution struct {
	Backorder Backorder       `json:"backorder"`
	Entry     Entry           `json:"entry"`
	Quantity  decimal.Decimal `json:"quantity"`
}

// DispatchRequest asks to ship quantity of a product for a sale.
type DispatchRequest struct {
	ProductID  int64
	StoreID    int64
	Quantity   decimal.Decimal
	SaleID     int64
	CustomerID int64
	OriginType string
	OriginID   int64
	ActorID    int64
}

// LoanRequest moves quantity of a product already shipped under a waybill onto a loan document.
type LoanRequest struct {
	ProductID  int64
	StoreID    int64
	Quantity   decimal.Decimal
	OriginType string
	OriginID   int64
	LoanType   string
	LoanID     int64
	ActorID    int64
}

// LoanResult pairs the compensation of the original shipment with the loan posting.
type LoanResult struct {
	ProductID int64  `json:"product_id"`
	Returned  *Entry `json:"returned,omitempty"`
	Loaned    *Entry `json:"loaned,omitempty"`
	Skipped   bool   `json:"skipped,omitempty"`
}

// DispatchResult splits a dispatch into what shipped and what was back-ordered.
type DispatchResult struct {
	ProductID  int64           `json:"product_id"`
	Dispatched decimal.Decimal `json:"dispatched"`
	Entry      *Entry          `json:"entry,omitempty"`
	Backorder  *Backorder      `json:"backorder,omitempty"`
	Skipped    bool            `json:"skipped,omitempty"`
	Replayed   bool            `json:"replayed,omitempty"`
}

// AdjustmentInput is a manual stock correction.
type AdjustmentInput struct {
	ProductID      int64           `json:"product_id" validate:"required,gt=0"`
	StoreID        int64           `json:"store_id" validate:"required,gt=0"`
	Delta          decimal.Decimal `json:"delta"`
	Note           string          `json:"note" validate:"max=500"`
	IdempotencyKey string          `json:"idempotency_key" validate:"max=200"`
	ActorID        int64           `json:"-"`
}
