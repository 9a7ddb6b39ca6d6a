package conversion_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-docflow/internal/conversion"
	"github.com/odyssey-erp/odyssey-docflow/internal/documents"
	"github.com/odyssey-erp/odyssey-docflow/internal/inventory"
	"github.com/odyssey-erp/odyssey-docflow/internal/platform/lock"
	"github.com/odyssey-erp/odyssey-docflow/internal/shared"
	"github.com/odyssey-erp/odyssey-docflow/internal/testing/memstore"
)

func requireQty(t *testing.T, want int64, got decimal.Decimal) {
	t.Helper()
	require.True(t, got.Equal(decimal.NewFromInt(want)), "want %d, got %s", want, got)
}

func toWaybill(saleID int64, key string, lines ...conversion.LineRequest) conversion.Request {
	return conversion.Request{
		SourceType: documents.TypeSale,
		SourceID:   saleID,
		TargetType: documents.TypeWaybill,
		Payload:    conversion.Payload{Lines: lines, IdempotencyKey: key},
	}
}

func TestConvertSaleShortfallIsBackorderedAndResolvedByReceipt(t *testing.T) {
	env := memstore.NewEnv(inventory.Config{})
	ctx := context.Background()
	env.SeedStock(t, memstore.ProductA, 6)
	sale := env.ConfirmedSale(t, memstore.Line(memstore.ProductA, 10, "5.00"))

	res, err := env.Engine.Convert(ctx, toWaybill(sale.ID, "wb-1"))
	require.NoError(t, err)
	require.Len(t, res.Dispatches, 1)
	requireQty(t, 6, res.Dispatches[0].Dispatched)
	require.NotNil(t, res.Dispatches[0].Backorder)
	requireQty(t, 4, res.Dispatches[0].Backorder.PendingQuantity)
	require.Equal(t, documents.StatusFullyDelivered, res.Source.Status)
	require.Equal(t, documents.ConversionFull, res.Source.ConversionStatus)
	require.Equal(t, documents.StatusIssued, res.Target.Status)
	require.Equal(t, &documents.Ref{Type: documents.TypeSale, ID: sale.ID}, res.Target.Source)
	requireQty(t, 0, env.Balance(t, memstore.ProductA))

	purchase := env.OpenPurchase(t, memstore.Line(memstore.ProductA, 4, "3.00"))
	gr, err := env.Engine.Convert(ctx, conversion.Request{
		SourceType: documents.TypePurchase,
		SourceID:   purchase.ID,
		TargetType: documents.TypeGoodsReceipt,
	})
	require.NoError(t, err)
	require.Equal(t, documents.StatusFullyReceived, gr.Source.Status)
	require.Len(t, gr.Receipts, 1)
	require.Len(t, gr.Receipts[0].Resolutions, 1)

	resolution := gr.Receipts[0].Resolutions[0]
	requireQty(t, -4, resolution.Entry.Delta)
	require.Equal(t, "sale", resolution.Entry.SourceDocumentType)
	require.Equal(t, sale.ID, resolution.Entry.SourceDocumentID)
	require.NotNil(t, resolution.Backorder.ResolvedAt)
	requireQty(t, 0, env.Balance(t, memstore.ProductA))

	resolved, err := env.Ledger.ListBackorders(ctx, inventory.BackorderFilter{Status: inventory.BackorderResolved})
	require.NoError(t, err)
	require.Len(t, resolved, 1)

	drifts, err := env.Ledger.VerifyBalances(ctx)
	require.NoError(t, err)
	require.Empty(t, drifts)
}

func TestConvertReplaysIdempotencyKey(t *testing.T) {
	env := memstore.NewEnv(inventory.Config{})
	ctx := context.Background()
	env.SeedStock(t, memstore.ProductA, 10)
	sale := env.ConfirmedSale(t, memstore.Line(memstore.ProductA, 5, "2.00"))

	first, err := env.Engine.Convert(ctx, toWaybill(sale.ID, "retry-me", conversion.LineRequest{SourceLineNo: 1, Quantity: memstore.Qty(2)}))
	require.NoError(t, err)
	require.False(t, first.Replayed)

	second, err := env.Engine.Convert(ctx, toWaybill(sale.ID, "retry-me", conversion.LineRequest{SourceLineNo: 1, Quantity: memstore.Qty(2)}))
	require.NoError(t, err)
	require.True(t, second.Replayed)
	require.Equal(t, first.Target.ID, second.Target.ID)
	require.Equal(t, first.Target.Number, second.Target.Number)

	entries, err := env.Ledger.ListStockLedger(ctx, inventory.LedgerFilter{SourceType: string(documents.TypeWaybill)})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	requireQty(t, 8, env.Balance(t, memstore.ProductA))

	current, err := env.Documents.Get(ctx, sale.Ref())
	require.NoError(t, err)
	requireQty(t, 2, current.Lines[0].ConvertedQuantity)

	_, err = env.Engine.Convert(ctx, conversion.Request{
		SourceType: documents.TypeSale,
		SourceID:   sale.ID,
		TargetType: documents.TypePromissoryNote,
		Payload:    conversion.Payload{IdempotencyKey: "retry-me"},
	})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestConvertPartialThenRemainder(t *testing.T) {
	env := memstore.NewEnv(inventory.Config{})
	ctx := context.Background()
	env.SeedStock(t, memstore.ProductA, 20)
	sale := env.ConfirmedSale(t, memstore.Line(memstore.ProductA, 10, "1.00"))

	res, err := env.Engine.Convert(ctx, toWaybill(sale.ID, "", conversion.LineRequest{SourceLineNo: 1, Quantity: memstore.Qty(4)}))
	require.NoError(t, err)
	require.Equal(t, documents.StatusPartiallyDelivered, res.Source.Status)
	require.Equal(t, documents.ConversionPartial, res.Source.ConversionStatus)
	require.Equal(t, 1, res.Target.Lines[0].SourceLineNo)
	requireQty(t, 4, res.Source.Lines[0].ConvertedQuantity)

	_, err = env.Engine.Convert(ctx, toWaybill(sale.ID, "", conversion.LineRequest{SourceLineNo: 1, Quantity: memstore.Qty(7)}))
	require.ErrorIs(t, err, conversion.ErrQuantityExceedsRemaining)
	require.ErrorIs(t, err, shared.ErrInvalidStateTransition)

	_, err = env.Engine.Convert(ctx, toWaybill(sale.ID, "", conversion.LineRequest{SourceLineNo: 9, Quantity: memstore.Qty(1)}))
	require.ErrorIs(t, err, shared.ErrValidation)

	res, err = env.Engine.Convert(ctx, toWaybill(sale.ID, ""))
	require.NoError(t, err)
	requireQty(t, 6, res.Target.Lines[0].Quantity)
	require.Equal(t, documents.StatusFullyDelivered, res.Source.Status)
	require.Len(t, res.Source.ConvertedTo, 2)

	_, err = env.Engine.Convert(ctx, toWaybill(sale.ID, ""))
	require.ErrorIs(t, err, shared.ErrAlreadyConverted)
	requireQty(t, 10, env.Balance(t, memstore.ProductA))
}

func TestConvertClipsToRemaining(t *testing.T) {
	env := memstore.NewEnv(inventory.Config{})
	env.SeedStock(t, memstore.ProductA, 20)
	sale := env.ConfirmedSale(t, memstore.Line(memstore.ProductA, 10, "1.00"))

	req := toWaybill(sale.ID, "", conversion.LineRequest{SourceLineNo: 1, Quantity: memstore.Qty(15)})
	req.Payload.ClipToRemaining = true
	res, err := env.Engine.Convert(context.Background(), req)
	require.NoError(t, err)
	requireQty(t, 10, res.Target.Lines[0].Quantity)
	require.Equal(t, documents.ConversionFull, res.Source.ConversionStatus)
}

func TestConvertRejectsDisallowedConversions(t *testing.T) {
	env := memstore.NewEnv(inventory.Config{})
	ctx := context.Background()

	t.Run("no policy", func(t *testing.T) {
		sale := env.ConfirmedSale(t, memstore.Line(memstore.ProductA, 1, "1.00"))
		_, err := env.Engine.Convert(ctx, conversion.Request{
			SourceType: documents.TypeSale,
			SourceID:   sale.ID,
			TargetType: documents.TypeReceipt,
		})
		require.ErrorIs(t, err, shared.ErrInvalidStateTransition)
	})

	t.Run("source status", func(t *testing.T) {
		draft, err := env.Documents.Create(ctx, documents.CreateInput{
			Type:       documents.TypeSale,
			StoreID:    memstore.StoreMain,
			CustomerID: memstore.Customer,
			Lines:      []documents.LineInput{memstore.Line(memstore.ProductA, 1, "1.00")},
		})
		require.NoError(t, err)
		_, err = env.Engine.Convert(ctx, toWaybill(draft.ID, ""))
		require.ErrorIs(t, err, shared.ErrInvalidStateTransition)
	})

	t.Run("missing source", func(t *testing.T) {
		_, err := env.Engine.Convert(ctx, toWaybill(9999, ""))
		require.ErrorIs(t, err, shared.ErrNotFound)
	})
}

func TestConvertQuotationOnce(t *testing.T) {
	env := memstore.NewEnv(inventory.Config{})
	ctx := context.Background()
	quote, err := env.Documents.Create(ctx, documents.CreateInput{
		Type:         documents.TypeQuotation,
		CustomerID:   memstore.Customer,
		SalesAgentID: memstore.SalesAgent,
		TaxAmount:    decimal.RequireFromString("1.10"),
		Lines:        []documents.LineInput{memstore.Line(memstore.ProductA, 2, "5.50")},
	})
	require.NoError(t, err)

	_, err = env.Engine.Convert(ctx, conversion.Request{SourceType: documents.TypeQuotation, SourceID: quote.ID, TargetType: documents.TypeSale})
	require.ErrorIs(t, err, shared.ErrInvalidStateTransition, "draft quotations are not convertible")

	_, err = env.Documents.Transition(ctx, quote.Ref(), documents.StatusSent, 0)
	require.NoError(t, err)
	res, err := env.Engine.Convert(ctx, conversion.Request{SourceType: documents.TypeQuotation, SourceID: quote.ID, TargetType: documents.TypeSale})
	require.NoError(t, err)
	require.Equal(t, documents.StatusConverted, res.Source.Status)
	require.True(t, res.Source.IsConverted)
	require.Equal(t, documents.StatusDraft, res.Target.Status)
	require.Equal(t, memstore.SalesAgent, res.Target.SalesAgentID)
	require.True(t, res.Target.TotalAmount.Equal(decimal.RequireFromString("12.10")))
	require.Equal(t, documents.PaymentUnpaid, res.Target.PaymentStatus)

	_, err = env.Engine.Convert(ctx, conversion.Request{SourceType: documents.TypeQuotation, SourceID: quote.ID, TargetType: documents.TypeSale})
	require.ErrorIs(t, err, shared.ErrAlreadyConverted)
}

func TestConvertRollsBackEverythingOnFailure(t *testing.T) {
	env := memstore.NewEnv(inventory.Config{})
	ctx := context.Background()
	env.SeedStock(t, memstore.ProductA, 2)
	sale := env.ConfirmedSale(t, memstore.Line(memstore.ProductA, 4, "1.00"))

	env.Store.FailNext("InsertConversion", errors.New("disk full"))
	_, err := env.Engine.Convert(ctx, toWaybill(sale.ID, "wb-fail"))
	require.Error(t, err)

	current, err := env.Documents.Get(ctx, sale.Ref())
	require.NoError(t, err)
	require.Equal(t, documents.StatusConfirmed, current.Status)
	requireQty(t, 0, current.Lines[0].ConvertedQuantity)
	require.Empty(t, current.ConvertedTo)
	requireQty(t, 2, env.Balance(t, memstore.ProductA))

	backorders, err := env.Ledger.ListBackorders(ctx, inventory.BackorderFilter{})
	require.NoError(t, err)
	require.Empty(t, backorders)
	waybills, err := env.Documents.List(ctx, documents.ListFilter{Type: documents.TypeWaybill})
	require.NoError(t, err)
	require.Empty(t, waybills)

	res, err := env.Engine.Convert(ctx, toWaybill(sale.ID, "wb-fail"))
	require.NoError(t, err)
	require.False(t, res.Replayed)
	requireQty(t, 0, env.Balance(t, memstore.ProductA))
}

func TestConcurrentPurchaseConversionsNeverExceedSource(t *testing.T) {
	env := memstore.NewEnv(inventory.Config{})
	ctx := context.Background()
	po := env.SentPurchaseOrder(t, memstore.Line(memstore.ProductB, 10, "2.00"))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		converted = decimal.Zero
		succeeded int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := env.Engine.Convert(ctx, conversion.Request{
				SourceType: documents.TypePurchaseOrder,
				SourceID:   po.ID,
				TargetType: documents.TypePurchase,
				Payload:    conversion.Payload{Lines: []conversion.LineRequest{{SourceLineNo: 1, Quantity: memstore.Qty(3)}}},
			})
			if err != nil {
				assert.ErrorIs(t, err, conversion.ErrQuantityExceedsRemaining)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			succeeded++
			converted = converted.Add(res.Target.Lines[0].Quantity)
		}()
	}
	wg.Wait()

	require.Equal(t, 3, succeeded)
	requireQty(t, 9, converted)
	current, err := env.Documents.Get(ctx, po.Ref())
	require.NoError(t, err)
	requireQty(t, 9, current.Lines[0].ConvertedQuantity)
	require.Equal(t, documents.StatusSent, current.Status)
}

func TestConvertSkipsUntrackedProducts(t *testing.T) {
	env := memstore.NewEnv(inventory.Config{})
	env.SeedStock(t, memstore.ProductA, 1)
	sale := env.ConfirmedSale(t,
		memstore.Line(memstore.ServiceProduct, 2, "50.00"),
		memstore.Line(memstore.ProductA, 1, "10.00"),
	)

	res, err := env.Engine.Convert(context.Background(), toWaybill(sale.ID, ""))
	require.NoError(t, err)
	require.Len(t, res.Dispatches, 2)
	require.True(t, res.Dispatches[0].Skipped)
	require.Nil(t, res.Dispatches[1].Backorder)

	entries, err := env.Ledger.ListStockLedger(context.Background(), inventory.LedgerFilter{SourceType: string(documents.TypeWaybill)})
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestConvertPromissoryNoteAndReceipts(t *testing.T) {
	env := memstore.NewEnv(inventory.Config{})
	ctx := context.Background()
	sale := env.ConfirmedSale(t, memstore.Line(memstore.ServiceProduct, 10, "100.00"))
	toNote := conversion.Request{SourceType: documents.TypeSale, SourceID: sale.ID, TargetType: documents.TypePromissoryNote}

	_, err := env.Engine.Convert(ctx, toNote)
	require.ErrorIs(t, err, shared.ErrValidation)

	due := time.Now().Add(30 * 24 * time.Hour)
	toNote.Payload.DueDate = &due
	res, err := env.Engine.Convert(ctx, toNote)
	require.NoError(t, err)
	note := res.Target
	require.Equal(t, documents.StatusOutstanding, note.Status)
	requireQty(t, 1000, note.TotalAmount)
	requireQty(t, 1000, note.OutstandingAmount)
	require.Equal(t, documents.StatusConfirmed, res.Source.Status)
	require.True(t, res.Source.HasChild(documents.TypePromissoryNote))

	_, err = env.Engine.Convert(ctx, toNote)
	require.ErrorIs(t, err, shared.ErrAlreadyConverted)

	receipt := func(amount int64) (conversion.Result, error) {
		a := memstore.Qty(amount)
		return env.Engine.Convert(ctx, conversion.Request{
			SourceType: documents.TypePromissoryNote,
			SourceID:   note.ID,
			TargetType: documents.TypeReceipt,
			Payload:    conversion.Payload{Amount: &a},
		})
	}
	first, err := receipt(400)
	require.NoError(t, err)
	require.Equal(t, documents.StatusRecorded, first.Target.Status)
	require.Equal(t, documents.ConversionPartial, first.Source.ConversionStatus)

	_, err = receipt(700)
	require.ErrorIs(t, err, conversion.ErrQuantityExceedsRemaining)

	last, err := receipt(600)
	require.NoError(t, err)
	require.Equal(t, documents.ConversionFull, last.Source.ConversionStatus)

	_, err = receipt(1)
	require.ErrorIs(t, err, shared.ErrAlreadyConverted)
}

func TestConvertFailsFastWhenSourceLocked(t *testing.T) {
	env := memstore.NewEnv(inventory.Config{})
	sale := env.ConfirmedSale(t, memstore.Line(memstore.ServiceProduct, 1, "1.00"))

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := lock.New(client, time.Minute, env.Logger)
	engine := conversion.NewEngine(env.Store, env.Seq, env.Ledger, locker, env.Audit, conversion.Config{}, env.Logger)

	release, err := locker.Acquire(context.Background(), lock.DocumentKey(string(documents.TypeSale), sale.ID))
	require.NoError(t, err)
	_, err = engine.Convert(context.Background(), toWaybill(sale.ID, ""))
	require.ErrorIs(t, err, shared.ErrConcurrentModification)

	require.NoError(t, release(context.Background()))
	_, err = engine.Convert(context.Background(), toWaybill(sale.ID, ""))
	require.NoError(t, err)
	require.False(t, mr.Exists(lock.DocumentKey(string(documents.TypeSale), sale.ID)))
}

type outcomes struct {
	mu  sync.Mutex
	got []string
}

func (o *outcomes) ObserveConversion(source, target, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.got = append(o.got, source+">"+target+":"+outcome)
}

func TestConvertReportsOutcomes(t *testing.T) {
	env := memstore.NewEnv(inventory.Config{})
	ctx := context.Background()
	obs := &outcomes{}
	env.Engine.SetObserver(obs)
	env.SeedStock(t, memstore.ProductA, 5)
	sale := env.ConfirmedSale(t, memstore.Line(memstore.ProductA, 2, "1.00"))

	_, err := env.Engine.Convert(ctx, toWaybill(sale.ID, "k"))
	require.NoError(t, err)
	_, err = env.Engine.Convert(ctx, toWaybill(sale.ID, "k"))
	require.NoError(t, err)
	_, err = env.Engine.Convert(ctx, toWaybill(sale.ID, ""))
	require.ErrorIs(t, err, shared.ErrAlreadyConverted)

	assert.Equal(t, []string{
		"sale>waybill:created",
		"sale>waybill:replayed",
		"sale>waybill:rejected",
	}, obs.got)
}

func TestConvertWaybillToLoanWaybill(t *testing.T) {
	env := memstore.NewEnv(inventory.Config{})
	ctx := context.Background()
	env.SeedStock(t, memstore.ProductA, 10)
	sale := env.ConfirmedSale(t, memstore.Line(memstore.ProductA, 6, "2.00"))
	wb, err := env.Engine.Convert(ctx, toWaybill(sale.ID, ""))
	require.NoError(t, err)
	require.Equal(t, documents.StatusFullyDelivered, wb.Source.Status)
	requireQty(t, 4, env.Balance(t, memstore.ProductA))

	toLoan := func(qty int64) conversion.Request {
		return conversion.Request{
			SourceType: documents.TypeWaybill,
			SourceID:   wb.Target.ID,
			TargetType: documents.TypeLoanWaybill,
			Payload:    conversion.Payload{Lines: []conversion.LineRequest{{SourceLineNo: 1, Quantity: memstore.Qty(qty)}}},
		}
	}

	_, err = env.Engine.Convert(ctx, toLoan(7))
	require.ErrorIs(t, err, conversion.ErrQuantityExceedsRemaining)

	loan, err := env.Engine.Convert(ctx, toLoan(2))
	require.NoError(t, err)
	require.Equal(t, documents.StatusIssued, loan.Target.Status)
	require.Equal(t, &documents.Ref{Type: documents.TypeWaybill, ID: wb.Target.ID}, loan.Target.Source)
	require.Equal(t, documents.ConversionPartial, loan.Source.ConversionStatus)
	require.Len(t, loan.Loans, 1)
	require.Equal(t, inventory.ReasonConversionReversal, loan.Loans[0].Returned.Reason)
	require.Equal(t, inventory.ReasonLoanDispatch, loan.Loans[0].Loaned.Reason)
	requireQty(t, 4, env.Balance(t, memstore.ProductA))

	saleNow, err := env.Documents.Get(ctx, sale.Ref())
	require.NoError(t, err)
	require.Equal(t, documents.StatusPartiallyDelivered, saleNow.Status)
	requireQty(t, 4, saleNow.Lines[0].ConvertedQuantity)

	waybillID, loanID := wb.Target.ID, loan.Target.ID
	shipped, err := env.Ledger.ListStockLedger(ctx, inventory.LedgerFilter{SourceType: string(documents.TypeWaybill), SourceID: &waybillID})
	require.NoError(t, err)
	require.Len(t, shipped, 2)
	requireQty(t, -6, shipped[0].Delta)
	requireQty(t, 2, shipped[1].Delta)
	loaned, err := env.Ledger.ListStockLedger(ctx, inventory.LedgerFilter{SourceType: string(documents.TypeLoanWaybill), SourceID: &loanID})
	require.NoError(t, err)
	require.Len(t, loaned, 1)
	requireQty(t, -2, loaned[0].Delta)

	lineage, err := env.Documents.Lineage(ctx, loan.Target.Ref())
	require.NoError(t, err)
	require.Equal(t, sale.Ref(), lineage.Root)
	require.Len(t, lineage.Nodes, 3)

	again, err := env.Engine.Convert(ctx, toWaybill(sale.ID, ""))
	require.NoError(t, err)
	require.Equal(t, documents.StatusFullyDelivered, again.Source.Status)
	requireQty(t, 2, env.Balance(t, memstore.ProductA))

	_, err = env.Engine.Reverse(ctx, conversion.ReverseInput{Ref: wb.Target.Ref()})
	require.ErrorIs(t, err, shared.ErrInvalidStateTransition, "a loaned waybill has follow-up documents")

	drifts, err := env.Ledger.VerifyBalances(ctx)
	require.NoError(t, err)
	require.Empty(t, drifts)
}

func TestLoanCannotExceedShippedStock(t *testing.T) {
	env := memstore.NewEnv(inventory.Config{})
	ctx := context.Background()
	env.SeedStock(t, memstore.ProductA, 2)
	sale := env.ConfirmedSale(t, memstore.Line(memstore.ProductA, 5, "1.00"))
	wb, err := env.Engine.Convert(ctx, toWaybill(sale.ID, ""))
	require.NoError(t, err)
	require.NotNil(t, wb.Dispatches[0].Backorder)

	_, err = env.Engine.Convert(ctx, conversion.Request{
		SourceType: documents.TypeWaybill,
		SourceID:   wb.Target.ID,
		TargetType: documents.TypeLoanWaybill,
		Payload:    conversion.Payload{Lines: []conversion.LineRequest{{SourceLineNo: 1, Quantity: memstore.Qty(3)}}},
	})
	require.ErrorIs(t, err, shared.ErrInvalidStateTransition)

	loans, err := env.Documents.List(ctx, documents.ListFilter{Type: documents.TypeLoanWaybill})
	require.NoError(t, err)
	require.Empty(t, loans, "the failed loan left nothing behind")
	requireQty(t, 0, env.Balance(t, memstore.ProductA))
}
