package commission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-docflow/internal/accounting"
	"github.com/odyssey-erp/odyssey-docflow/internal/documents"
	"github.com/odyssey-erp/odyssey-docflow/internal/platform/db"
	"github.com/odyssey-erp/odyssey-docflow/internal/shared"
)

const idempotencyModule = "commission.pay"

// SaleReader loads sales from the document registry.
type SaleReader interface {
	Get(ctx context.Context, ref documents.Ref) (documents.Document, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Config groups commission settings.
type Config struct {
	ExcludedProducts   []int64
	PersistenceTimeout time.Duration
}

// Service computes and pays commissions.
type Service struct {
	repo        RepositoryPort
	sales       SaleReader
	rates       RateSource
	accounts accounting.AccountResolver
	audit    AuditPort
	logger   *slog.Logger
	excluded map[int64]bool
	timeout  time.Duration
	now      func() time.Time
}

// NewService builds Service. audit may be nil.
func NewService(repo RepositoryPort, sales SaleReader, rates RateSource, accounts accounting.AccountResolver, audit AuditPort, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	excluded := make(map[int64]bool, len(cfg.ExcludedProducts))
	for _, id := range cfg.ExcludedProducts {
		excluded[id] = true
	}
	return &Service{
		repo:     repo,
		sales:    sales,
		rates:    rates,
		accounts: accounts,
		audit:    audit,
		logger:   logger,
		excluded: excluded,
		timeout:  cfg.PersistenceTimeout,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ComputeCommission creates the commission for a confirmed sale.
// An existing commission for the same agent and sale is returned unchanged.
func (s *Service) ComputeCommission(ctx context.Context, saleID int64) (Commission, error) {
	if saleID <= 0 {
		return Commission{}, shared.Validation("commission: sale id required")
	}
	ctx, cancel := db.Bounded(ctx, s.timeout)
	defer cancel()

	sale, err := s.sales.Get(ctx, documents.Ref{Type: documents.TypeSale, ID: saleID})
	if err != nil {
		return Commission{}, err
	}
	if err := eligible(sale); err != nil {
		return Commission{}, err
	}
	existing, err := s.repo.FindBySale(ctx, sale.SalesAgentID, sale.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, shared.ErrNotFound) {
		return Commission{}, db.Translate(err)
	}

	base, rate, amount, err := s.price(ctx, sale)
	if err != nil {
		return Commission{}, err
	}
	now := s.now()
	draft := Commission{
		AgentID:       sale.SalesAgentID,
		SaleID:        sale.ID,
		SaleNumber:    sale.Number,
		Base:          base,
		Rate:          rate,
		Amount:        amount,
		Status:        StatusPending,
		PaymentStatus: PaymentUnpaid,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	var (
		out     Commission
		created bool
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		out, created, err = tx.Insert(ctx, draft)
		return err
	})
	if err != nil {
		return Commission{}, db.Translate(err)
	}
	if created {
		s.record(ctx, 0, "commission:compute", out, map[string]any{"amount": out.Amount.String(), "rate": out.Rate.String()})
	}
	return out, nil
}

// HandleSaleConfirmed computes the commission once a sale is confirmed. Failures are logged only;
// the confirmation itself has already committed.
func (s *Service) HandleSaleConfirmed(ctx context.Context, sale documents.Document) {
	if sale.SalesAgentID == 0 {
		return
	}
	c, err := s.ComputeCommission(ctx, sale.ID)
	if err != nil {
		s.logger.Error("compute commission", slog.Int64("sale_id", sale.ID), slog.Any("error", err))
		return
	}
	s.logger.Info("commission computed",
		slog.Int64("commission_id", c.ID),
		slog.Int64("agent_id", c.AgentID),
		slog.String("amount", c.Amount.String()))
}

// Recalculate reprices an unpaid commission from the sale as it stands now.
func (s *Service) Recalculate(ctx context.Context, id, actorID int64) (Commission, error) {
	ctx, cancel := db.Bounded(ctx, s.timeout)
	defer cancel()

	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return Commission{}, db.Translate(err)
	}
	sale, err := s.sales.Get(ctx, documents.Ref{Type: documents.TypeSale, ID: current.SaleID})
	if err != nil {
		return Commission{}, err
	}
	if err := eligible(sale); err != nil {
		return Commission{}, err
	}
	base, rate, amount, err := s.price(ctx, sale)
	if err != nil {
		return Commission{}, err
	}

	var before decimal.Decimal
	out, err := s.mutate(ctx, id, func(c *Commission) error {
		before = c.Amount
		c.Base, c.Rate, c.Amount = base, rate, amount
		return nil
	})
	if err != nil {
		return Commission{}, err
	}
	s.record(ctx, shared.ResolveActor(ctx, actorID), "commission:recalculate", out, map[string]any{
		"old_amount": before.String(),
		"new_amount": out.Amount.String(),
	})
	return out, nil
}

// Approve moves a pending commission to approved.
func (s *Service) Approve(ctx context.Context, id, actorID int64) (Commission, error) {
	ctx, cancel := db.Bounded(ctx, s.timeout)
	defer cancel()

	out, err := s.mutate(ctx, id, func(c *Commission) error {
		if c.Status == StatusApproved {
			return fmt.Errorf("%w: commission %d is already approved", shared.ErrInvalidStateTransition, c.ID)
		}
		c.Status = StatusApproved
		return nil
	})
	if err != nil {
		return Commission{}, err
	}
	s.record(ctx, shared.ResolveActor(ctx, actorID), "commission:approve", out, nil)
	return out, nil
}

// PayCommission marks the commission paid against the agent's payout account.
func (s *Service) PayCommission(ctx context.Context, id, actorID int64) (Commission, error) {
	ctx, cancel := db.Bounded(ctx, s.timeout)
	defer cancel()
	actorID = shared.ResolveActor(ctx, actorID)

	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return Commission{}, db.Translate(err)
	}
	if current.Paid() {
		return Commission{}, fmt.Errorf("%w: commission %d", shared.ErrAlreadyPaid, id)
	}
	account, err := s.accounts.CommissionPayoutAccount(ctx, current.AgentID)
	if err != nil {
		return Commission{}, fmt.Errorf("commission: resolve payout account: %w", err)
	}

	var out Commission
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		c, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if c.Paid() {
			return fmt.Errorf("%w: commission %d", shared.ErrAlreadyPaid, c.ID)
		}
		if err := tx.ClaimPayout(ctx, payoutKey(id)); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				return fmt.Errorf("%w: commission %d payout already recorded", shared.ErrAlreadyPaid, c.ID)
			}
			return err
		}
		paidAt := s.now()
		c.PaymentStatus = PaymentPaid
		c.AccountID = account
		c.PaidAt = &paidAt
		c.PaidBy = actorID
		out, err = tx.Update(ctx, c)
		return err
	})
	if err != nil {
		return Commission{}, db.Translate(err)
	}
	s.record(ctx, actorID, "commission:pay", out, map[string]any{"account_id": account, "amount": out.Amount.String()})
	return out, nil
}

func payoutKey(id int64) string {
	return fmt.Sprintf("commission:pay:%d", id)
}

// Get loads one commission.
func (s *Service) Get(ctx context.Context, id int64) (Commission, error) {
	ctx, cancel := db.Bounded(ctx, s.timeout)
	defer cancel()
	c, err := s.repo.Get(ctx, id)
	return c, db.Translate(err)
}

// List returns commissions, newest first.
func (s *Service) List(ctx context.Context, filter Filter) ([]Commission, error) {
	ctx, cancel := db.Bounded(ctx, s.timeout)
	defer cancel()
	out, err := s.repo.List(ctx, filter)
	return out, db.Translate(err)
}

// mutate applies fn to the locked commission. Paid commissions are frozen.
func (s *Service) mutate(ctx context.Context, id int64, fn func(*Commission) error) (Commission, error) {
	var out Commission
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		c, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if c.Paid() {
			return fmt.Errorf("%w: commission %d", shared.ErrAlreadyPaid, c.ID)
		}
		if err := fn(&c); err != nil {
			return err
		}
		out, err = tx.Update(ctx, c)
		return err
	})
	if err != nil {
		return Commission{}, db.Translate(err)
	}
	return out, nil
}

// price derives base, rate and amount for the sale.
func (s *Service) price(ctx context.Context, sale documents.Document) (decimal.Decimal, decimal.Decimal, decimal.Decimal, error) {
	base := sale.TotalAmount.Sub(sale.TaxAmount)
	for _, l := range sale.Lines {
		if s.excluded[l.ProductID] {
			base = base.Sub(l.Amount)
		}
	}
	if base.IsNegative() {
		base = decimal.Zero
	}
	rate, err := s.rates.Rate(ctx, sale.SalesAgentID)
	if err != nil {
		return decimal.Zero, decimal.Zero, decimal.Zero, err
	}
	return base, rate, base.Mul(rate).Round(2), nil
}

func eligible(sale documents.Document) error {
	switch sale.Status {
	case documents.StatusConfirmed, documents.StatusPartiallyDelivered, documents.StatusFullyDelivered:
	default:
		return fmt.Errorf("%w: %s is %s", ErrSaleNotConfirmed, sale.Number, sale.Status)
	}
	if sale.SalesAgentID == 0 {
		return fmt.Errorf("%w: %s", ErrNoSalesAgent, sale.Number)
	}
	return nil
}

func (s *Service) record(ctx context.Context, actorID int64, action string, c Commission, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if meta == nil {
		meta = map[string]any{}
	}
	meta["sale_id"] = c.SaleID
	meta["agent_id"] = c.AgentID
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "commission",
		EntityID: fmt.Sprintf("%d", c.ID),
		Meta:     meta,
	})
	if err != nil {
		s.logger.Warn("audit commission", slog.String("action", action), slog.Any("error", err))
	}
}
