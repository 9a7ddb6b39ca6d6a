package conversion

import (
	"github.com/odyssey-erp/odyssey-docflow/internal/documents"
)

type mode int

const (
	// modeWhole converts the entire source at once.
	modeWhole mode = iota
	// modeLines converts part of the remaining line quantities.
	modeLines
	// modeAmount settles part of the source amount.
	modeAmount
)

type effect int

const (
	effectNone effect = iota
	effectDispatch
	effectReceipt
	// effectLoan moves shipped stock from the source onto the target and hands the quantity back to the sale.
	effectLoan
)

// policy describes one allowed source→target conversion.
type policy struct {
	source  documents.Type
	target  documents.Type
	allowed []documents.Status
	mode    mode
	effect  effect
	// primary conversions consume the source's line quantities and drive its conversion status.
	// Secondary ones are allowed once per source and only extend lineage.
	primary bool
	// after derives the source status once the conversion has been applied.
	after func(src documents.Document) documents.Status
}

func (p policy) statusAllowed(s documents.Status) bool {
	for _, a := range p.allowed {
		if a == s {
			return true
		}
	}
	return false
}

var policies = []policy{
	{
		source:  documents.TypeQuotation,
		target:  documents.TypeSale,
		allowed: []documents.Status{documents.StatusSent},
		mode:    modeWhole,
		primary: true,
		after:   func(documents.Document) documents.Status { return documents.StatusConverted },
	},
	{
		source:  documents.TypeSale,
		target:  documents.TypeWaybill,
		allowed: []documents.Status{documents.StatusConfirmed, documents.StatusPartiallyDelivered},
		mode:    modeLines,
		effect:  effectDispatch,
		primary: true,
		after:   saleProgress,
	},
	{
		source:  documents.TypeSale,
		target:  documents.TypePromissoryNote,
		allowed: []documents.Status{documents.StatusConfirmed, documents.StatusPartiallyDelivered, documents.StatusFullyDelivered},
		mode:    modeWhole,
	},
	{
		source:  documents.TypeWaybill,
		target:  documents.TypeDelivery,
		allowed: []documents.Status{documents.StatusIssued, documents.StatusInTransit, documents.StatusDelivered},
		mode:    modeLines,
		primary: true,
	},
	{
		source:  documents.TypeWaybill,
		target:  documents.TypeLoanWaybill,
		allowed: []documents.Status{documents.StatusIssued, documents.StatusInTransit, documents.StatusDelivered},
		mode:    modeLines,
		effect:  effectLoan,
		primary: true,
	},
	{
		source:  documents.TypeWaybill,
		target:  documents.TypeInvoice,
		allowed: []documents.Status{documents.StatusIssued, documents.StatusInTransit, documents.StatusDelivered},
		mode:    modeWhole,
	},
	{
		source:  documents.TypePurchaseOrder,
		target:  documents.TypePurchase,
		allowed: []documents.Status{documents.StatusSent},
		mode:    modeLines,
		primary: true,
		after: func(src documents.Document) documents.Status {
			if src.ConversionStatus == documents.ConversionFull {
				return documents.StatusConverted
			}
			return src.Status
		},
	},
	{
		source:  documents.TypePurchase,
		target:  documents.TypeGoodsReceipt,
		allowed: []documents.Status{documents.StatusPendingReceipt, documents.StatusPartiallyReceived},
		mode:    modeLines,
		effect:  effectReceipt,
		primary: true,
		after: func(src documents.Document) documents.Status {
			return byProgress(src, documents.StatusPendingReceipt, documents.StatusPartiallyReceived, documents.StatusFullyReceived)
		},
	},
	{
		source:  documents.TypePromissoryNote,
		target:  documents.TypeReceipt,
		allowed: []documents.Status{documents.StatusOutstanding, documents.StatusPartiallyReconciled, documents.StatusOverdue},
		mode:    modeAmount,
		primary: true,
	},
}

func lookup(source, target documents.Type) (policy, bool) {
	for _, p := range policies {
		if p.source == source && p.target == target {
			return p, true
		}
	}
	return policy{}, false
}

func byProgress(src documents.Document, none, partial, full documents.Status) documents.Status {
	switch src.ConversionStatus {
	case documents.ConversionFull:
		return full
	case documents.ConversionPartial:
		return partial
	}
	return none
}

func saleProgress(sale documents.Document) documents.Status {
	return byProgress(sale, documents.StatusConfirmed, documents.StatusPartiallyDelivered, documents.StatusFullyDelivered)
}

// Targets lists the document types src may be converted into.
func Targets(source documents.Type) []documents.Type {
	var out []documents.Type
	for _, p := range policies {
		if p.source == source {
			out = append(out, p.target)
		}
	}
	return out
}
