package documents

import (
	"fmt"

	"github.com/odyssey-erp/odyssey-docflow/internal/shared"
)

var initialStatus = map[Type]Status{
	TypeQuotation:      StatusDraft,
	TypeSale:           StatusDraft,
	TypeWaybill:        StatusIssued,
	TypeDelivery:       StatusIssued,
	TypeLoanWaybill:    StatusIssued,
	TypeInvoice:        StatusIssued,
	TypePurchaseOrder:  StatusDraft,
	TypePurchase:       StatusPendingReceipt,
	TypeGoodsReceipt:   StatusReceived,
	TypePromissoryNote: StatusOutstanding,
	TypeReceipt:        StatusRecorded,
}

// transitions lists the allowed next states per type.
var transitions = map[Type]map[Status][]Status{
	TypeQuotation: {
		StatusDraft: {StatusSent, StatusExpired},
		StatusSent:  {StatusConverted, StatusExpired},
	},
	TypeSale: {
		StatusDraft:              {StatusConfirmed},
		StatusConfirmed:          {StatusPartiallyDelivered, StatusFullyDelivered},
		StatusPartiallyDelivered: {StatusFullyDelivered, StatusConfirmed},
		StatusFullyDelivered:     {StatusPartiallyDelivered, StatusConfirmed},
	},
	TypePurchaseOrder: {
		StatusDraft: {StatusSent, StatusCancelled},
		StatusSent:  {StatusConverted, StatusCancelled},
	},
	TypePurchase: {
		StatusPendingReceipt:    {StatusPartiallyReceived, StatusFullyReceived},
		StatusPartiallyReceived: {StatusFullyReceived, StatusPendingReceipt},
		StatusFullyReceived:     {StatusPartiallyReceived, StatusPendingReceipt},
	},
	TypeWaybill: {
		StatusIssued:    {StatusInTransit, StatusCancelled},
		StatusInTransit: {StatusDelivered},
	},
	TypeDelivery: {
		StatusIssued:    {StatusInTransit, StatusCancelled},
		StatusInTransit: {StatusDelivered},
	},
	TypeLoanWaybill: {
		StatusIssued:    {StatusInTransit},
		StatusInTransit: {StatusDelivered},
	},
	TypeInvoice: {
		StatusIssued: {StatusCancelled},
	},
	TypeGoodsReceipt: {
		StatusReceived: {StatusReversed},
	},
	TypePromissoryNote: {
		StatusOutstanding:         {StatusPartiallyReconciled, StatusReconciled, StatusOverdue},
		StatusPartiallyReconciled: {StatusReconciled, StatusOverdue},
		StatusOverdue:             {StatusPartiallyReconciled, StatusReconciled},
	},
}

// InitialStatus is the status a freshly created document of type t starts in.
func InitialStatus(t Type) Status {
	return initialStatus[t]
}

// CanTransition reports whether a document of type t may move from one status to another.
// Staying in the same status is always allowed.
func CanTransition(t Type, from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[t][from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves doc to status, failing with shared.ErrInvalidStateTransition when not allowed.
func (d *Document) Transition(to Status) error {
	if !CanTransition(d.Type, d.Status, to) {
		return transitionError(d.Type, d.Status, to)
	}
	d.Status = to
	return nil
}

func transitionError(t Type, from, to Status) error {
	return fmt.Errorf("%w: %s cannot move from %s to %s", shared.ErrInvalidStateTransition, t, from, to)
}
