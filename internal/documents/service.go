package documents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-docflow/internal/catalog"
	"github.com/odyssey-erp/odyssey-docflow/internal/platform/db"
	"github.com/odyssey-erp/odyssey-docflow/internal/shared"
)

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// SaleConfirmedHook runs after a sale's confirmation commits.
type SaleConfirmedHook func(ctx context.Context, sale Document)

// LineInput is one requested document line.
type LineInput struct {
	ProductID int64           `json:"product_id" validate:"required,gt=0"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// CreateInput creates a document that starts a chain.
type CreateInput struct {
	Type         Type            `json:"type" validate:"required,oneof=quotation sale purchase_order promissory_note"`
	StoreID      int64           `json:"store_id" validate:"omitempty,gt=0"`
	CustomerID   int64           `json:"customer_id" validate:"omitempty,gt=0"`
	VendorID     int64           `json:"vendor_id" validate:"omitempty,gt=0"`
	SalesAgentID int64           `json:"sales_agent_id" validate:"omitempty,gt=0"`
	DueDate      *time.Time      `json:"due_date"`
	TaxAmount    decimal.Decimal `json:"tax_amount"`
	Amount       decimal.Decimal `json:"amount"`
	Lines        []LineInput     `json:"lines" validate:"dive"`
	Note         string          `json:"note" validate:"max=1000"`
	ActorID      int64           `json:"-"`
}

// manualTargets lists the statuses a caller may request directly. Other statuses follow from conversions.
var manualTargets = map[Type]map[Status]bool{
	TypeQuotation:     {StatusSent: true, StatusExpired: true},
	TypeSale:          {StatusConfirmed: true},
	TypePurchaseOrder: {StatusSent: true, StatusCancelled: true},
	TypeWaybill:       {StatusInTransit: true, StatusDelivered: true},
	TypeDelivery:      {StatusInTransit: true, StatusDelivered: true, StatusCancelled: true},
	TypeLoanWaybill:   {StatusInTransit: true, StatusDelivered: true},
	TypeInvoice:       {StatusCancelled: true},
}

// Service manages the document registry.
type Service struct {
	repo      RepositoryPort
	seq       Sequencer
	catalog   catalog.Catalog
	audit     AuditPort
	logger    *slog.Logger
	validator *validator.Validate
	timeout   time.Duration
	hooks     []SaleConfirmedHook
	now       func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, seq Sequencer, cat catalog.Catalog, audit AuditPort, timeout time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		seq:       seq,
		catalog:   cat,
		audit:     audit,
		logger:    logger,
		validator: validator.New(),
		timeout:   timeout,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// OnSaleConfirmed registers a hook fired after draft→confirmed commits.
func (s *Service) OnSaleConfirmed(hook SaleConfirmedHook) {
	if hook != nil {
		s.hooks = append(s.hooks, hook)
	}
}

// Create validates and stores an originating document.
func (s *Service) Create(ctx context.Context, in CreateInput) (Document, error) {
	if err := s.validator.Struct(in); err != nil {
		return Document{}, shared.Validation("%s", err.Error())
	}
	ctx, cancel := db.Bounded(ctx, s.timeout)
	defer cancel()

	doc, err := s.build(ctx, in)
	if err != nil {
		return Document{}, err
	}
	number, err := s.seq.Next(ctx, in.Type)
	if err != nil {
		return Document{}, db.Translate(err)
	}
	doc.Number = number

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		stored, err := tx.Insert(ctx, doc)
		if err != nil {
			return err
		}
		doc = stored
		return nil
	})
	if err != nil {
		return Document{}, db.Translate(err)
	}
	s.record(ctx, doc.CreatedBy, "documents:create", doc, map[string]any{"total": doc.TotalAmount.String()})
	return doc, nil
}

func (s *Service) build(ctx context.Context, in CreateInput) (Document, error) {
	now := s.now()
	doc := Document{
		Type:             in.Type,
		Status:           InitialStatus(in.Type),
		StoreID:          in.StoreID,
		CustomerID:       in.CustomerID,
		VendorID:         in.VendorID,
		SalesAgentID:     in.SalesAgentID,
		DueDate:          in.DueDate,
		TaxAmount:        in.TaxAmount,
		ConversionStatus: ConversionNone,
		Note:             in.Note,
		CreatedAt:        now,
		UpdatedAt:        now,
		CreatedBy:        shared.ResolveActor(ctx, in.ActorID),
	}
	if in.TaxAmount.IsNegative() {
		return Document{}, shared.Validation("tax amount must not be negative")
	}
	switch in.Type {
	case TypeQuotation, TypeSale:
		if in.CustomerID == 0 {
			return Document{}, shared.Validation("%s requires a customer", in.Type)
		}
		if err := s.checkParty(ctx, catalog.PartyCustomer, in.CustomerID); err != nil {
			return Document{}, err
		}
		if in.SalesAgentID != 0 {
			if err := s.checkParty(ctx, catalog.PartySalesAgent, in.SalesAgentID); err != nil {
				return Document{}, err
			}
		}
	case TypePurchaseOrder:
		if in.VendorID == 0 {
			return Document{}, shared.Validation("purchase order requires a vendor")
		}
		if err := s.checkParty(ctx, catalog.PartyVendor, in.VendorID); err != nil {
			return Document{}, err
		}
	case TypePromissoryNote:
		if in.CustomerID == 0 || in.DueDate == nil || !in.Amount.IsPositive() {
			return Document{}, shared.Validation("promissory note requires customer, due date and a positive amount")
		}
		if err := s.checkParty(ctx, catalog.PartyCustomer, in.CustomerID); err != nil {
			return Document{}, err
		}
		doc.TotalAmount = in.Amount.Round(2)
		doc.OutstandingAmount = doc.TotalAmount
		return doc, nil
	}
	if in.StoreID != 0 {
		if _, err := s.catalog.GetStore(ctx, in.StoreID); err != nil {
			return Document{}, referenceError(err, "store", in.StoreID)
		}
	}
	if len(in.Lines) == 0 {
		return Document{}, shared.Validation("%s requires at least one line", in.Type)
	}
	for i, l := range in.Lines {
		if !l.Quantity.IsPositive() {
			return Document{}, shared.Validation("line %d: quantity must be positive", i+1)
		}
		if l.UnitPrice.IsNegative() {
			return Document{}, shared.Validation("line %d: unit price must not be negative", i+1)
		}
		if _, err := s.catalog.GetProduct(ctx, l.ProductID); err != nil {
			return Document{}, referenceError(err, "product", l.ProductID)
		}
		doc.Lines = append(doc.Lines, Line{
			LineNo:            i + 1,
			ProductID:         l.ProductID,
			Quantity:          l.Quantity,
			UnitPrice:         l.UnitPrice,
			ConvertedQuantity: decimal.Zero,
		})
	}
	doc.Recalculate()
	if in.Type == TypeSale {
		doc.PaymentStatus = PaymentUnpaid
	}
	return doc, nil
}

// Get loads one document.
func (s *Service) Get(ctx context.Context, ref Ref) (Document, error) {
	if !ref.Type.Valid() {
		return Document{}, fmt.Errorf("%w: %q", ErrUnknownType, ref.Type)
	}
	ctx, cancel := db.Bounded(ctx, s.timeout)
	defer cancel()
	doc, err := s.repo.Get(ctx, ref)
	return doc, db.Translate(err)
}

// List returns documents matching filter, oldest first.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Document, error) {
	ctx, cancel := db.Bounded(ctx, s.timeout)
	defer cancel()
	docs, err := s.repo.List(ctx, filter)
	return docs, db.Translate(err)
}

// Transition applies a caller-requested status change.
func (s *Service) Transition(ctx context.Context, ref Ref, to Status, actorID int64) (Document, error) {
	if !manualTargets[ref.Type][to] {
		return Document{}, fmt.Errorf("%w: %s status %s is not set directly", shared.ErrInvalidStateTransition, ref.Type, to)
	}
	ctx, cancel := db.Bounded(ctx, s.timeout)
	defer cancel()

	var (
		doc  Document
		from Status
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetForUpdate(ctx, ref)
		if err != nil {
			return err
		}
		from = current.Status
		if from == to {
			doc = current
			return nil
		}
		if err := current.Transition(to); err != nil {
			return err
		}
		doc, err = tx.Update(ctx, current)
		return err
	})
	if err != nil {
		return Document{}, db.Translate(err)
	}
	if from == to {
		return doc, nil
	}
	actor := shared.ResolveActor(ctx, actorID)
	s.record(ctx, actor, "documents:transition", doc, map[string]any{"from": string(from), "to": string(to)})
	if doc.Type == TypeSale && from == StatusDraft && to == StatusConfirmed {
		for _, hook := range s.hooks {
			hook(context.WithoutCancel(ctx), doc)
		}
	}
	return doc, nil
}

func (s *Service) checkParty(ctx context.Context, kind catalog.PartyKind, id int64) error {
	if _, err := s.catalog.GetParty(ctx, kind, id); err != nil {
		return referenceError(err, string(kind), id)
	}
	return nil
}

func (s *Service) record(ctx context.Context, actorID int64, action string, doc Document, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if meta == nil {
		meta = map[string]any{}
	}
	meta["number"] = doc.Number
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   string(doc.Type),
		EntityID: fmt.Sprintf("%d", doc.ID),
		Meta:     meta,
	})
	if err != nil {
		s.logger.Warn("audit document", slog.String("action", action), slog.Any("error", err))
	}
}

func referenceError(err error, kind string, id int64) error {
	if errors.Is(err, shared.ErrNotFound) {
		return shared.InvalidReference(kind, id)
	}
	return err
}
