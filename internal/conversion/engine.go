// Package conversion turns one business document into the next one in its chain.
// A conversion creates the target, moves stock, settles back-orders and records lineage in a single transaction.
package conversion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-docflow/internal/documents"
	"github.com/odyssey-erp/odyssey-docflow/internal/inventory"
	"github.com/odyssey-erp/odyssey-docflow/internal/platform/db"
	"github.com/odyssey-erp/odyssey-docflow/internal/platform/lock"
	"github.com/odyssey-erp/odyssey-docflow/internal/shared"
)

// ErrQuantityExceedsRemaining indicates a requested line quantity above what is left to convert.
var ErrQuantityExceedsRemaining = fmt.Errorf("conversion: quantity exceeds remaining: %w", shared.ErrInvalidStateTransition)

// Locker guards a source document across instances.
type Locker interface {
	Acquire(ctx context.Context, key string) (lock.ReleaseFunc, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// LineRequest selects a quantity from one source line.
type LineRequest struct {
	SourceLineNo int             `json:"source_line_no" validate:"required,gt=0"`
	Quantity     decimal.Decimal `json:"quantity"`
}

// Payload carries the caller's choices for the target document.
type Payload struct {
	// Lines selects source lines. Empty means everything that remains.
	Lines           []LineRequest    `json:"lines" validate:"dive"`
	StoreID         int64            `json:"store_id" validate:"omitempty,gt=0"`
	DueDate         *time.Time       `json:"due_date"`
	Amount          *decimal.Decimal `json:"amount"`
	IdempotencyKey  string           `json:"idempotency_key" validate:"max=200"`
	ClipToRemaining bool             `json:"clip_to_remaining"`
	Note            string           `json:"note" validate:"max=1000"`
	ActorID         int64            `json:"-"`
}

// Request asks to convert one document into another type.
type Request struct {
	SourceType documents.Type `json:"source_type" validate:"required"`
	SourceID   int64          `json:"source_id" validate:"required,gt=0"`
	TargetType documents.Type `json:"target_type" validate:"required"`
	Payload    Payload        `json:"payload"`
}

// Result is the outcome of a conversion.
type Result struct {
	Source     documents.Document         `json:"source"`
	Target     documents.Document         `json:"target"`
	Dispatches []inventory.DispatchResult `json:"dispatches,omitempty"`
	Receipts   []inventory.PostResult     `json:"receipts,omitempty"`
	Loans      []inventory.LoanResult     `json:"loans,omitempty"`
	Replayed   bool                       `json:"replayed"`
}

// Config groups engine settings.
type Config struct {
	PersistenceTimeout time.Duration
}

// Observer receives the outcome of every conversion attempt.
type Observer interface {
	ObserveConversion(source, target, outcome string)
}

// Engine executes conversions.
type Engine struct {
	store    Store
	seq      documents.Sequencer
	ledger   *inventory.Ledger
	locker   Locker
	audit    AuditPort
	observer Observer
	logger   *slog.Logger
	timeout  time.Duration
	now      func() time.Time
}

// NewEngine builds Engine. locker may be nil.
func NewEngine(store Store, seq documents.Sequencer, ledger *inventory.Ledger, locker Locker, audit AuditPort, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:   store,
		seq:     seq,
		ledger:  ledger,
		locker:  locker,
		audit:   audit,
		logger:  logger,
		timeout: cfg.PersistenceTimeout,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetObserver installs o to receive conversion outcomes.
func (e *Engine) SetObserver(o Observer) {
	e.observer = o
}

// Convert derives a target document from the source. Every write happens in one transaction;
// any failure leaves the source, the ledger and back-orders untouched.
func (e *Engine) Convert(ctx context.Context, req Request) (Result, error) {
	res, err := e.convert(ctx, req)
	if e.observer != nil {
		e.observer.ObserveConversion(string(req.SourceType), string(req.TargetType), outcome(res, err))
	}
	return res, err
}

func outcome(res Result, err error) string {
	switch {
	case err == nil && res.Replayed:
		return "replayed"
	case err == nil:
		return "created"
	case errors.Is(err, shared.ErrTimeout):
		return "timeout"
	case errors.Is(err, shared.ErrConcurrentModification):
		return "conflict"
	case errors.Is(err, shared.ErrValidation),
		errors.Is(err, shared.ErrNotFound),
		errors.Is(err, shared.ErrAlreadyConverted),
		errors.Is(err, shared.ErrInvalidStateTransition):
		return "rejected"
	default:
		return "error"
	}
}

func (e *Engine) convert(ctx context.Context, req Request) (Result, error) {
	p, ok := lookup(req.SourceType, req.TargetType)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s cannot be converted to %s", shared.ErrInvalidStateTransition, req.SourceType, req.TargetType)
	}
	if req.SourceID <= 0 {
		return Result{}, shared.Validation("source id required")
	}
	req.Payload.ActorID = shared.ResolveActor(ctx, req.Payload.ActorID)

	ctx, cancel := db.Bounded(ctx, e.timeout)
	defer cancel()

	srcRef := documents.Ref{Type: req.SourceType, ID: req.SourceID}
	release, err := e.acquire(ctx, srcRef)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			e.logger.Warn("release conversion lock", slog.Any("error", err))
		}
	}()

	if key := req.Payload.IdempotencyKey; key != "" {
		res, found, err := e.replay(ctx, key, srcRef, req.TargetType)
		if err != nil || found {
			return res, err
		}
	}

	number, err := e.seq.Next(ctx, req.TargetType)
	if err != nil {
		return Result{}, db.Translate(err)
	}

	var res Result
	err = e.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		docs := tx.Documents()
		if key := req.Payload.IdempotencyKey; key != "" {
			replayed, found, err := findReplay(ctx, docs, key, srcRef, req.TargetType)
			if err != nil {
				return err
			}
			if found {
				res = replayed
				return nil
			}
		}
		src, err := docs.GetForUpdate(ctx, srcRef)
		if err != nil {
			return err
		}
		res, err = e.apply(ctx, tx, p, src, number, req.Payload)
		return err
	})
	if err != nil {
		return Result{}, db.Translate(err)
	}
	if !res.Replayed {
		e.record(ctx, req, res)
	}
	return res, nil
}

func (e *Engine) apply(ctx context.Context, tx Tx, p policy, src documents.Document, number string, in Payload) (Result, error) {
	docs := tx.Documents()
	now := e.now()
	if err := checkSource(p, src); err != nil {
		return Result{}, err
	}

	target := documents.Document{
		Type:             p.target,
		Number:           number,
		Status:           documents.InitialStatus(p.target),
		StoreID:          src.StoreID,
		CustomerID:       src.CustomerID,
		VendorID:         src.VendorID,
		SalesAgentID:     src.SalesAgentID,
		DueDate:          in.DueDate,
		ConversionStatus: documents.ConversionNone,
		Source:           &documents.Ref{Type: src.Type, ID: src.ID},
		Note:             in.Note,
		CreatedAt:        now,
		UpdatedAt:        now,
		CreatedBy:        in.ActorID,
	}
	if in.StoreID != 0 {
		target.StoreID = in.StoreID
	}

	switch p.mode {
	case modeWhole:
		if err := fillWhole(&src, &target, p, in); err != nil {
			return Result{}, err
		}
	case modeLines:
		lines, err := takeLines(&src, in.Lines, in.ClipToRemaining)
		if err != nil {
			return Result{}, err
		}
		target.Lines = lines
		target.Recalculate()
		src.RefreshConversion()
	case modeAmount:
		if err := takeAmount(ctx, docs, &src, &target, in); err != nil {
			return Result{}, err
		}
	}
	if p.effect != effectNone && target.StoreID == 0 {
		return Result{}, shared.Validation("%s requires a store", p.target)
	}
	if target.Type == documents.TypeSale {
		target.PaymentStatus = documents.PaymentUnpaid
	}

	stored, err := docs.Insert(ctx, target)
	if err != nil {
		return Result{}, err
	}
	res := Result{Target: stored}

	switch p.effect {
	case effectDispatch:
		res.Dispatches, err = e.dispatch(ctx, tx, src, stored, in.ActorID)
	case effectReceipt:
		res.Receipts, err = e.receive(ctx, tx, stored, in.ActorID)
	case effectLoan:
		res.Loans, err = e.loan(ctx, tx, src, stored, in.ActorID)
	}
	if err != nil {
		return Result{}, err
	}

	if p.after != nil {
		next := p.after(src)
		if err := src.Transition(next); err != nil {
			return Result{}, err
		}
	}
	src.ConvertedTo = append(src.ConvertedTo, stored.Ref())
	res.Source, err = docs.Update(ctx, src)
	if err != nil {
		return Result{}, err
	}

	if in.IdempotencyKey != "" {
		err := docs.InsertConversion(ctx, documents.ConversionRecord{
			Key:       in.IdempotencyKey,
			Source:    src.Ref(),
			Target:    stored.Ref(),
			CreatedAt: now,
		})
		if err != nil {
			return Result{}, err
		}
	}
	return res, nil
}

func checkSource(p policy, src documents.Document) error {
	switch {
	case p.primary && src.ConversionStatus == documents.ConversionFull:
		return fmt.Errorf("%w: %s %s", shared.ErrAlreadyConverted, src.Type, src.Number)
	case !p.primary && src.HasChild(p.target):
		return fmt.Errorf("%w: %s %s already has a %s", shared.ErrAlreadyConverted, src.Type, src.Number, p.target)
	case !p.statusAllowed(src.Status):
		return fmt.Errorf("%w: %s %s is %s", shared.ErrInvalidStateTransition, src.Type, src.Number, src.Status)
	}
	return nil
}

func fillWhole(src, target *documents.Document, p policy, in Payload) error {
	switch p.target {
	case documents.TypePromissoryNote:
		if in.DueDate == nil {
			return shared.Validation("promissory note requires a due date")
		}
		amount := src.TotalAmount
		if in.Amount != nil {
			if !in.Amount.IsPositive() || in.Amount.GreaterThan(src.TotalAmount) {
				return shared.Validation("note amount must be positive and at most %s", src.TotalAmount)
			}
			amount = *in.Amount
		}
		target.TotalAmount = amount
		target.OutstandingAmount = amount
	default:
		for _, l := range src.Lines {
			target.Lines = append(target.Lines, documents.Line{
				LineNo:            l.LineNo,
				ProductID:         l.ProductID,
				Quantity:          l.Quantity,
				UnitPrice:         l.UnitPrice,
				SourceLineNo:      l.LineNo,
				ConvertedQuantity: decimal.Zero,
			})
		}
		target.TaxAmount = src.TaxAmount
		target.Recalculate()
	}
	if p.primary {
		src.MarkFullyConverted()
	}
	return nil
}

// takeLines moves requested quantities from src into new target lines.
func takeLines(src *documents.Document, req []LineRequest, clip bool) ([]documents.Line, error) {
	if len(req) == 0 {
		for _, l := range src.Lines {
			if l.Remaining().IsPositive() {
				req = append(req, LineRequest{SourceLineNo: l.LineNo, Quantity: l.Remaining()})
			}
		}
	}
	var out []documents.Line
	for _, r := range req {
		if !r.Quantity.IsPositive() {
			return nil, shared.Validation("line %d: quantity must be positive", r.SourceLineNo)
		}
		line, err := src.Line(r.SourceLineNo)
		if err != nil {
			return nil, shared.Validation("line %d does not exist on %s", r.SourceLineNo, src.Number)
		}
		qty := r.Quantity
		if remaining := line.Remaining(); qty.GreaterThan(remaining) {
			if !clip {
				return nil, fmt.Errorf("%w: line %d has %s left, requested %s", ErrQuantityExceedsRemaining, line.LineNo, remaining, qty)
			}
			qty = remaining
		}
		if !qty.IsPositive() {
			continue
		}
		line.ConvertedQuantity = line.ConvertedQuantity.Add(qty)
		out = append(out, documents.Line{
			LineNo:            len(out) + 1,
			ProductID:         line.ProductID,
			Quantity:          qty,
			UnitPrice:         line.UnitPrice,
			SourceLineNo:      line.LineNo,
			ConvertedQuantity: decimal.Zero,
		})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: nothing left to convert on %s", shared.ErrAlreadyConverted, src.Number)
	}
	return out, nil
}

// takeAmount settles part of a note with a receipt.
func takeAmount(ctx context.Context, docs documents.TxRepository, src, target *documents.Document, in Payload) error {
	if in.Amount == nil || !in.Amount.IsPositive() {
		return shared.Validation("amount must be positive")
	}
	receipts, err := docs.ListChildren(ctx, src.Ref(), target.Type)
	if err != nil {
		return err
	}
	received := decimal.Zero
	for _, r := range receipts {
		received = received.Add(r.TotalAmount)
	}
	remaining := src.TotalAmount.Sub(received)
	if !remaining.IsPositive() {
		return fmt.Errorf("%w: %s is fully settled", shared.ErrAlreadyConverted, src.Number)
	}
	amount := *in.Amount
	if amount.GreaterThan(remaining) {
		if !in.ClipToRemaining {
			return fmt.Errorf("%w: %s has %s outstanding, received %s", ErrQuantityExceedsRemaining, src.Number, remaining, amount)
		}
		amount = remaining
	}
	target.TotalAmount = amount
	if amount.Equal(remaining) {
		src.ConversionStatus = documents.ConversionFull
	} else {
		src.ConversionStatus = documents.ConversionPartial
	}
	src.IsConverted = true
	return nil
}

// dispatch posts stock out for a waybill, back-ordering what the store lacks.
func (e *Engine) dispatch(ctx context.Context, tx Tx, sale, waybill documents.Document, actorID int64) ([]inventory.DispatchResult, error) {
	var out []inventory.DispatchResult
	for _, pq := range aggregate(waybill.Lines) {
		res, err := e.ledger.DispatchTx(ctx, tx.Inventory(), inventory.DispatchRequest{
			ProductID:  pq.productID,
			StoreID:    waybill.StoreID,
			Quantity:   pq.quantity,
			SaleID:     sale.ID,
			CustomerID: sale.CustomerID,
			OriginType: string(waybill.Type),
			OriginID:   waybill.ID,
			ActorID:    actorID,
		})
		if err != nil && !errors.Is(err, shared.ErrDuplicatePosting) {
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

// receive posts stock in for a goods receipt; the ledger settles back-orders as part of each posting.
func (e *Engine) receive(ctx context.Context, tx Tx, receipt documents.Document, actorID int64) ([]inventory.PostResult, error) {
	var out []inventory.PostResult
	for _, pq := range aggregate(receipt.Lines) {
		res, err := e.ledger.PostTx(ctx, tx.Inventory(), inventory.Draft{
			ProductID:  pq.productID,
			StoreID:    receipt.StoreID,
			Delta:      pq.quantity,
			Reason:     inventory.ReasonPurchaseReceipt,
			SourceType: string(receipt.Type),
			SourceID:   receipt.ID,
			ActorID:    actorID,
		})
		if err != nil && !errors.Is(err, shared.ErrDuplicatePosting) {
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

// loan re-attributes shipped stock from a waybill to its loan waybill. The loaned quantity is
// handed back to the sale the waybill was drawn from, so it can be delivered again.
func (e *Engine) loan(ctx context.Context, tx Tx, waybill, loan documents.Document, actorID int64) ([]inventory.LoanResult, error) {
	var out []inventory.LoanResult
	for _, pq := range aggregate(loan.Lines) {
		res, err := e.ledger.LoanTx(ctx, tx.Inventory(), inventory.LoanRequest{
			ProductID:  pq.productID,
			StoreID:    loan.StoreID,
			Quantity:   pq.quantity,
			OriginType: string(waybill.Type),
			OriginID:   waybill.ID,
			LoanType:   string(loan.Type),
			LoanID:     loan.ID,
			ActorID:    actorID,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	if waybill.Source == nil || waybill.Source.Type != documents.TypeSale {
		return out, nil
	}

	docs := tx.Documents()
	sale, err := docs.GetForUpdate(ctx, *waybill.Source)
	if err != nil {
		return nil, err
	}
	for _, l := range loan.Lines {
		shipped, err := waybill.Line(l.SourceLineNo)
		if err != nil {
			return nil, fmt.Errorf("%s %s line %d: %w", waybill.Type, waybill.Number, l.SourceLineNo, err)
		}
		if err := giveBack(&sale, shipped.SourceLineNo, l.Quantity); err != nil {
			return nil, err
		}
	}
	sale.RefreshConversion()
	if err := sale.Transition(saleProgress(sale)); err != nil {
		return nil, err
	}
	if _, err := docs.Update(ctx, sale); err != nil {
		return nil, err
	}
	return out, nil
}

type productQty struct {
	productID int64
	quantity  decimal.Decimal
}

// aggregate sums line quantities per product, keeping first-seen order.
func aggregate(lines []documents.Line) []productQty {
	var out []productQty
	index := map[int64]int{}
	for _, l := range lines {
		if i, ok := index[l.ProductID]; ok {
			out[i].quantity = out[i].quantity.Add(l.Quantity)
			continue
		}
		index[l.ProductID] = len(out)
		out = append(out, productQty{productID: l.ProductID, quantity: l.Quantity})
	}
	return out
}

func (e *Engine) acquire(ctx context.Context, ref documents.Ref) (lock.ReleaseFunc, error) {
	if e.locker == nil {
		return func(context.Context) error { return nil }, nil
	}
	return e.locker.Acquire(ctx, lock.DocumentKey(string(ref.Type), ref.ID))
}

func (e *Engine) replay(ctx context.Context, key string, src documents.Ref, target documents.Type) (Result, bool, error) {
	var (
		res   Result
		found bool
	)
	err := e.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		res, found, err = findReplay(ctx, tx.Documents(), key, src, target)
		return err
	})
	return res, found, db.Translate(err)
}

func findReplay(ctx context.Context, docs documents.TxRepository, key string, src documents.Ref, target documents.Type) (Result, bool, error) {
	rec, err := docs.FindConversion(ctx, key)
	if errors.Is(err, shared.ErrNotFound) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, err
	}
	if rec.Source != src || rec.Target.Type != target {
		return Result{}, false, shared.Validation("idempotency key %q was used for %s %d → %s", key, rec.Source.Type, rec.Source.ID, rec.Target.Type)
	}
	source, err := docs.Get(ctx, rec.Source)
	if err != nil {
		return Result{}, false, err
	}
	created, err := docs.Get(ctx, rec.Target)
	if err != nil {
		return Result{}, false, err
	}
	return Result{Source: source, Target: created, Replayed: true}, true, nil
}

func (e *Engine) record(ctx context.Context, req Request, res Result) {
	if e.audit == nil {
		return
	}
	err := e.audit.Record(ctx, shared.AuditLog{
		ActorID:  req.Payload.ActorID,
		Action:   fmt.Sprintf("conversion:%s:%s", req.SourceType, req.TargetType),
		Entity:   string(res.Target.Type),
		EntityID: fmt.Sprintf("%d", res.Target.ID),
		Meta: map[string]any{
			"source_type":   string(req.SourceType),
			"source_id":     req.SourceID,
			"target_number": res.Target.Number,
			"source_status": string(res.Source.Status),
		},
	})
	if err != nil {
		e.logger.Warn("audit conversion", slog.Any("error", err))
	}
}
