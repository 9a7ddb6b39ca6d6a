// Package commission derives sales-agent commissions from confirmed sales and tracks their payout.
package commission

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-docflow/internal/shared"
)

// Status is the approval state of a commission.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
)

// PaymentStatus tracks payout independently of the sale's own payment status.
type PaymentStatus string

const (
	PaymentUnpaid PaymentStatus = "unpaid"
	PaymentPaid   PaymentStatus = "paid"
)

var (
	// ErrNoSalesAgent indicates a sale without an agent to credit.
	ErrNoSalesAgent = fmt.Errorf("commission: sale has no sales agent: %w", shared.ErrValidation)
	// ErrSaleNotConfirmed indicates a sale that has not reached confirmation.
	ErrSaleNotConfirmed = fmt.Errorf("commission: sale is not confirmed: %w", shared.ErrInvalidStateTransition)
	// ErrInvalidRate indicates a configured rate outside [0, 1].
	ErrInvalidRate = errors.New("commission: rate must be between 0 and 1")
)

// Commission is the amount owed to one agent for one sale.
type Commission struct {
	ID            int64           `json:"id"`
	AgentID       int64           `json:"agent_id"`
	SaleID        int64           `json:"sale_id"`
	SaleNumber    string          `json:"sale_number"`
	Base          decimal.Decimal `json:"base"`
	Rate          decimal.Decimal `json:"rate"`
	Amount        decimal.Decimal `json:"amount"`
	Status        Status          `json:"status"`
	PaymentStatus PaymentStatus   `json:"payment_status"`
	AccountID     string          `json:"account_id,omitempty"`
	PaidAt        *time.Time      `json:"paid_at,omitempty"`
	PaidBy        int64           `json:"paid_by,omitempty"`
	Version       int64           `json:"version"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Paid reports whether the commission has been paid out.
func (c Commission) Paid() bool {
	return c.PaymentStatus == PaymentPaid
}

// Filter narrows List. Nil fields do not filter.
type Filter struct {
	AgentID       *int64
	SaleID        *int64
	Status        Status
	PaymentStatus PaymentStatus
	From          *time.Time
	To            *time.Time
	Limit         int
	Offset        int
}

// Matches applies the filter to one commission.
func (f Filter) Matches(c Commission) bool {
	switch {
	case f.AgentID != nil && *f.AgentID != c.AgentID,
		f.SaleID != nil && *f.SaleID != c.SaleID,
		f.Status != "" && f.Status != c.Status,
		f.PaymentStatus != "" && f.PaymentStatus != c.PaymentStatus,
		f.From != nil && c.CreatedAt.Before(*f.From),
		f.To != nil && c.CreatedAt.After(*f.To):
		return false
	}
	return true
}
