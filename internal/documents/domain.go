package documents

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================================
// TYPES
// ============================================================================

// Type names a document kind.
type Type string

const (
	TypeQuotation      Type = "quotation"
	TypeSale           Type = "sale"
	TypeWaybill        Type = "waybill"
	TypeDelivery       Type = "delivery"
	TypeLoanWaybill    Type = "loan_waybill"
	TypeInvoice        Type = "invoice"
	TypePurchaseOrder  Type = "purchase_order"
	TypePurchase       Type = "purchase"
	TypeGoodsReceipt   Type = "goods_receipt"
	TypePromissoryNote Type = "promissory_note"
	TypeReceipt        Type = "receipt"
)

var numberPrefixes = map[Type]string{
	TypeQuotation:      "QT",
	TypeSale:           "SO",
	TypeWaybill:        "WB",
	TypeDelivery:       "DL",
	TypeLoanWaybill:    "LWB",
	TypeInvoice:        "INV",
	TypePurchaseOrder:  "PO",
	TypePurchase:       "PU",
	TypeGoodsReceipt:   "GR",
	TypePromissoryNote: "PN",
	TypeReceipt:        "RC",
}

// Valid reports whether t is a known document type.
func (t Type) Valid() bool {
	_, ok := numberPrefixes[t]
	return ok
}

// Prefix returns the document number prefix.
func (t Type) Prefix() string {
	return numberPrefixes[t]
}

// ============================================================================
// STATUSES
// ============================================================================

// Status is a document lifecycle state. Valid values depend on the type.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusSent      Status = "sent"
	StatusConverted Status = "converted"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"

	StatusConfirmed          Status = "confirmed"
	StatusPartiallyDelivered Status = "partially-delivered"
	StatusFullyDelivered     Status = "fully-delivered"

	StatusPendingReceipt    Status = "pending-receipt"
	StatusPartiallyReceived Status = "partially-received"
	StatusFullyReceived     Status = "fully-received"

	StatusIssued    Status = "issued"
	StatusInTransit Status = "in-transit"
	StatusDelivered Status = "delivered"

	StatusOutstanding         Status = "outstanding"
	StatusPartiallyReconciled Status = "partially-reconciled"
	StatusReconciled          Status = "reconciled"
	StatusOverdue             Status = "overdue"

	StatusRecorded Status = "recorded"
	StatusReceived Status = "received"
	StatusReversed Status = "reversed"
)

// ConversionStatus summarises how much of a document has been converted.
type ConversionStatus string

const (
	ConversionNone    ConversionStatus = "none"
	ConversionPartial ConversionStatus = "partial"
	ConversionFull    ConversionStatus = "full"
)

// PaymentStatus tracks settlement of a sale.
type PaymentStatus string

const (
	PaymentUnpaid  PaymentStatus = "unpaid"
	PaymentPartial PaymentStatus = "partial"
	PaymentPaid    PaymentStatus = "paid"
)

var (
	// ErrUnknownType indicates a document type outside the registry.
	ErrUnknownType = errors.New("documents: unknown document type")
	// ErrLineNotFound indicates a line number absent from the document.
	ErrLineNotFound = errors.New("documents: line not found")
)

// ============================================================================
// DOCUMENT
// ============================================================================

// Ref identifies a document in the lineage graph.
type Ref struct {
	Type Type  `json:"type"`
	ID   int64 `json:"id"`
}

// Line is one product row of a document.
type Line struct {
	LineNo            int             `json:"line_no"`
	ProductID         int64           `json:"product_id"`
	Quantity          decimal.Decimal `json:"quantity"`
	UnitPrice         decimal.Decimal `json:"unit_price"`
	Amount            decimal.Decimal `json:"amount"`
	SourceLineNo      int             `json:"source_line_no,omitempty"`
	ConvertedQuantity decimal.Decimal `json:"converted_quantity"`
}

// Remaining is the quantity not yet carried into child documents.
func (l Line) Remaining() decimal.Decimal {
	r := l.Quantity.Sub(l.ConvertedQuantity)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// Document is the common shape of every business document.
type Document struct {
	ID                int64            `json:"id"`
	Type              Type             `json:"type"`
	Number            string           `json:"number"`
	Status            Status           `json:"status"`
	Lines             []Line           `json:"lines"`
	TotalAmount       decimal.Decimal  `json:"total_amount"`
	TaxAmount         decimal.Decimal  `json:"tax_amount"`
	OutstandingAmount decimal.Decimal  `json:"outstanding_amount"`
	StoreID           int64            `json:"store_id,omitempty"`
	CustomerID        int64            `json:"customer_id,omitempty"`
	VendorID          int64            `json:"vendor_id,omitempty"`
	SalesAgentID      int64            `json:"sales_agent_id,omitempty"`
	DueDate           *time.Time       `json:"due_date,omitempty"`
	PaymentStatus     PaymentStatus    `json:"payment_status,omitempty"`
	ConversionStatus  ConversionStatus `json:"conversion_status"`
	IsConverted       bool             `json:"is_converted"`
	Source            *Ref             `json:"source,omitempty"`
	ConvertedTo       []Ref            `json:"converted_to"`
	Note              string           `json:"note,omitempty"`
	Version           int64            `json:"version"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
	CreatedBy         int64            `json:"created_by"`
}

// Ref returns the document's lineage key.
func (d Document) Ref() Ref {
	return Ref{Type: d.Type, ID: d.ID}
}

// Line returns a pointer to the line with the given number.
func (d *Document) Line(lineNo int) (*Line, error) {
	for i := range d.Lines {
		if d.Lines[i].LineNo == lineNo {
			return &d.Lines[i], nil
		}
	}
	return nil, ErrLineNotFound
}

// HasChild reports whether a child of type t was already derived.
func (d Document) HasChild(t Type) bool {
	for _, ref := range d.ConvertedTo {
		if ref.Type == t {
			return true
		}
	}
	return false
}

// RefreshConversion recomputes ConversionStatus and IsConverted from line quantities.
func (d *Document) RefreshConversion() {
	anyConverted, allConverted := false, len(d.Lines) > 0
	for _, l := range d.Lines {
		if l.ConvertedQuantity.IsPositive() {
			anyConverted = true
		}
		if l.Remaining().IsPositive() {
			allConverted = false
		}
	}
	switch {
	case allConverted:
		d.ConversionStatus = ConversionFull
	case anyConverted:
		d.ConversionStatus = ConversionPartial
	default:
		d.ConversionStatus = ConversionNone
	}
	d.IsConverted = d.ConversionStatus != ConversionNone
}

// MarkFullyConverted flags a whole-document conversion.
func (d *Document) MarkFullyConverted() {
	for i := range d.Lines {
		d.Lines[i].ConvertedQuantity = d.Lines[i].Quantity
	}
	d.ConversionStatus = ConversionFull
	d.IsConverted = true
}

// Recalculate derives line amounts and the document total.
func (d *Document) Recalculate() {
	total := decimal.Zero
	for i := range d.Lines {
		d.Lines[i].Amount = d.Lines[i].Quantity.Mul(d.Lines[i].UnitPrice).Round(2)
		total = total.Add(d.Lines[i].Amount)
	}
	d.TotalAmount = total.Add(d.TaxAmount)
}

// ConversionRecord remembers which target a keyed conversion request produced.
type ConversionRecord struct {
	Key       string    `json:"key"`
	Source    Ref       `json:"source"`
	Target    Ref       `json:"target"`
	CreatedAt time.Time `json:"created_at"`
}

// ListFilter narrows List. Nil fields do not filter.
type ListFilter struct {
	Type         Type
	Statuses     []Status
	CustomerID   *int64
	VendorID     *int64
	SalesAgentID *int64
	Source       *Ref
	DueBefore    *time.Time
	From         *time.Time
	To           *time.Time
	Limit        int
	Offset       int
}

// Matches applies the filter to one document.
func (f ListFilter) Matches(d Document) bool {
	switch {
	case f.Type != "" && f.Type != d.Type,
		f.CustomerID != nil && *f.CustomerID != d.CustomerID,
		f.VendorID != nil && *f.VendorID != d.VendorID,
		f.SalesAgentID != nil && *f.SalesAgentID != d.SalesAgentID,
		f.Source != nil && (d.Source == nil || *d.Source != *f.Source),
		f.DueBefore != nil && (d.DueDate == nil || !d.DueDate.Before(*f.DueBefore)),
		f.From != nil && d.CreatedAt.Before(*f.From),
		f.To != nil && d.CreatedAt.After(*f.To):
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if s == d.Status {
			return true
		}
	}
	return false
}
