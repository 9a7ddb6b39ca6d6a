package conversion

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-docflow/internal/documents"
	"github.com/odyssey-erp/odyssey-docflow/internal/inventory"
	"github.com/odyssey-erp/odyssey-docflow/internal/platform/db"
	"github.com/odyssey-erp/odyssey-docflow/internal/shared"
)

// ReverseInput identifies the document to undo.
type ReverseInput struct {
	Ref     documents.Ref `json:"-"`
	Reason  string        `json:"reason" validate:"max=500"`
	ActorID int64         `json:"-"`
}

// ReverseResult reports what a reversal changed.
type ReverseResult struct {
	Document     documents.Document    `json:"document"`
	Source       documents.Document    `json:"source"`
	Compensation []inventory.Entry     `json:"compensation"`
	Cancelled    []inventory.Backorder `json:"cancelled_backorders,omitempty"`
}

// Reverse cancels a waybill or a goods receipt with compensating ledger entries.
// The parent document gets its converted quantities back; no history is removed.
func (e *Engine) Reverse(ctx context.Context, in ReverseInput) (ReverseResult, error) {
	var (
		sourceType documents.Type
		undone     documents.Status
		progress   func(documents.Document) documents.Status
		cover      bool
	)
	switch in.Ref.Type {
	case documents.TypeWaybill:
		sourceType, undone = documents.TypeSale, documents.StatusCancelled
		progress = saleProgress
	case documents.TypeGoodsReceipt:
		sourceType, undone, cover = documents.TypePurchase, documents.StatusReversed, true
		progress = func(src documents.Document) documents.Status {
			return byProgress(src, documents.StatusPendingReceipt, documents.StatusPartiallyReceived, documents.StatusFullyReceived)
		}
	default:
		return ReverseResult{}, fmt.Errorf("%w: %s documents cannot be reversed", shared.ErrInvalidStateTransition, in.Ref.Type)
	}
	in.ActorID = shared.ResolveActor(ctx, in.ActorID)

	ctx, cancel := db.Bounded(ctx, e.timeout)
	defer cancel()

	release, err := e.acquire(ctx, in.Ref)
	if err != nil {
		return ReverseResult{}, err
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			e.logger.Warn("release reversal lock", slog.Any("error", err))
		}
	}()

	var res ReverseResult
	err = e.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		docs, inv := tx.Documents(), tx.Inventory()
		doc, err := docs.GetForUpdate(ctx, in.Ref)
		if err != nil {
			return err
		}
		if doc.Source == nil || doc.Source.Type != sourceType {
			return fmt.Errorf("%w: %s %s has no %s source", shared.ErrInvalidStateTransition, doc.Type, doc.Number, sourceType)
		}
		if doc.Status == undone {
			return fmt.Errorf("%w: %s %s is already %s", shared.ErrInvalidStateTransition, doc.Type, doc.Number, undone)
		}
		if len(doc.ConvertedTo) > 0 {
			return fmt.Errorf("%w: %s %s already has follow-up documents", shared.ErrInvalidStateTransition, doc.Type, doc.Number)
		}
		if err := doc.Transition(undone); err != nil {
			return err
		}
		if doc.Type == documents.TypeWaybill {
			res.Cancelled, err = e.ledger.CancelForOriginTx(ctx, inv, string(doc.Type), doc.ID)
			if err != nil {
				return err
			}
		}
		res.Compensation, err = e.ledger.ReverseSourceTx(ctx, inv, string(doc.Type), doc.ID, cover, in.ActorID)
		if err != nil {
			return err
		}

		src, err := docs.GetForUpdate(ctx, *doc.Source)
		if err != nil {
			return err
		}
		for _, l := range doc.Lines {
			if err := giveBack(&src, l.SourceLineNo, l.Quantity); err != nil {
				return err
			}
		}
		src.RefreshConversion()
		if err := src.Transition(progress(src)); err != nil {
			return err
		}
		if res.Source, err = docs.Update(ctx, src); err != nil {
			return err
		}
		if in.Reason != "" {
			doc.Note = in.Reason
		}
		res.Document, err = docs.Update(ctx, doc)
		return err
	})
	if err != nil {
		return ReverseResult{}, db.Translate(err)
	}

	e.logger.Info("document reversed",
		slog.String("type", string(in.Ref.Type)),
		slog.Int64("id", in.Ref.ID),
		slog.Int("compensating_entries", len(res.Compensation)),
		slog.Int("cancelled_backorders", len(res.Cancelled)))
	if e.audit != nil {
		err := e.audit.Record(ctx, shared.AuditLog{
			ActorID:  in.ActorID,
			Action:   "conversion:reverse",
			Entity:   string(in.Ref.Type),
			EntityID: fmt.Sprintf("%d", in.Ref.ID),
			Meta:     map[string]any{"reason": in.Reason, "source_status": string(res.Source.Status)},
		})
		if err != nil {
			e.logger.Warn("audit reversal", slog.Any("error", err))
		}
	}
	return res, nil
}

// giveBack returns qty to a source line so it can be converted again.
func giveBack(src *documents.Document, lineNo int, qty decimal.Decimal) error {
	line, err := src.Line(lineNo)
	if err != nil {
		return fmt.Errorf("%s %s line %d: %w", src.Type, src.Number, lineNo, err)
	}
	line.ConvertedQuantity = line.ConvertedQuantity.Sub(qty)
	if line.ConvertedQuantity.IsNegative() {
		line.ConvertedQuantity = decimal.Zero
	}
	return nil
}
