package conversion_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-docflow/internal/conversion"
	"github.com/odyssey-erp/odyssey-docflow/internal/documents"
	"github.com/odyssey-erp/odyssey-docflow/internal/inventory"
	"github.com/odyssey-erp/odyssey-docflow/internal/shared"
	"github.com/odyssey-erp/odyssey-docflow/internal/testing/memstore"
)

func TestReverseWaybillRestoresStockAndSale(t *testing.T) {
	env := memstore.NewEnv(inventory.Config{})
	ctx := context.Background()
	env.SeedStock(t, memstore.ProductA, 10)
	sale := env.ConfirmedSale(t, memstore.Line(memstore.ProductA, 10, "1.00"))
	res, err := env.Engine.Convert(ctx, toWaybill(sale.ID, ""))
	require.NoError(t, err)
	requireQty(t, 0, env.Balance(t, memstore.ProductA))

	rev, err := env.Engine.Reverse(ctx, conversion.ReverseInput{Ref: res.Target.Ref(), Reason: "customer refused"})
	require.NoError(t, err)
	require.Equal(t, documents.StatusCancelled, rev.Document.Status)
	require.Equal(t, documents.StatusConfirmed, rev.Source.Status)
	require.Equal(t, documents.ConversionNone, rev.Source.ConversionStatus)
	require.Len(t, rev.Compensation, 1)
	require.Equal(t, inventory.ReasonConversionReversal, rev.Compensation[0].Reason)
	requireQty(t, 10, env.Balance(t, memstore.ProductA))

	_, err = env.Engine.Reverse(ctx, conversion.ReverseInput{Ref: res.Target.Ref()})
	require.ErrorIs(t, err, shared.ErrInvalidStateTransition)

	entries, err := env.Ledger.ListStockLedger(ctx, inventory.LedgerFilter{SourceType: string(documents.TypeWaybill)})
	require.NoError(t, err)
	require.Len(t, entries, 2, "history is kept")

	again, err := env.Engine.Convert(ctx, toWaybill(sale.ID, ""))
	require.NoError(t, err)
	require.Equal(t, documents.StatusFullyDelivered, again.Source.Status)
}

func TestReverseWaybillCancelsOpenBackorders(t *testing.T) {
	env := memstore.NewEnv(inventory.Config{})
	ctx := context.Background()
	env.SeedStock(t, memstore.ProductA, 6)
	sale := env.ConfirmedSale(t, memstore.Line(memstore.ProductA, 10, "1.00"))
	res, err := env.Engine.Convert(ctx, toWaybill(sale.ID, ""))
	require.NoError(t, err)

	rev, err := env.Engine.Reverse(ctx, conversion.ReverseInput{Ref: res.Target.Ref()})
	require.NoError(t, err)
	require.Len(t, rev.Cancelled, 1)
	require.NotNil(t, rev.Cancelled[0].CancelledAt)
	requireQty(t, 6, env.Balance(t, memstore.ProductA))

	open, err := env.Ledger.ListBackorders(ctx, inventory.BackorderFilter{Status: inventory.BackorderOpen})
	require.NoError(t, err)
	require.Empty(t, open)
}

func TestReverseWaybillRefusedOnceBackorderSettled(t *testing.T) {
	env := memstore.NewEnv(inventory.Config{})
	ctx := context.Background()
	env.SeedStock(t, memstore.ProductA, 6)
	sale := env.ConfirmedSale(t, memstore.Line(memstore.ProductA, 10, "1.00"))
	res, err := env.Engine.Convert(ctx, toWaybill(sale.ID, ""))
	require.NoError(t, err)
	env.SeedStock(t, memstore.ProductA, 4)
	requireQty(t, 0, env.Balance(t, memstore.ProductA))

	_, err = env.Engine.Reverse(ctx, conversion.ReverseInput{Ref: res.Target.Ref()})
	require.ErrorIs(t, err, shared.ErrInvalidStateTransition)

	waybill, err := env.Documents.Get(ctx, res.Target.Ref())
	require.NoError(t, err)
	require.Equal(t, documents.StatusIssued, waybill.Status)
	requireQty(t, 0, env.Balance(t, memstore.ProductA))
}

func TestReverseGoodsReceiptNeedsStockCover(t *testing.T) {
	env := memstore.NewEnv(inventory.Config{})
	ctx := context.Background()
	receive := func() documents.Document {
		purchase := env.OpenPurchase(t, memstore.Line(memstore.ProductB, 5, "2.00"))
		res, err := env.Engine.Convert(ctx, conversion.Request{
			SourceType: documents.TypePurchase,
			SourceID:   purchase.ID,
			TargetType: documents.TypeGoodsReceipt,
		})
		require.NoError(t, err)
		return res.Target
	}

	gr := receive()
	rev, err := env.Engine.Reverse(ctx, conversion.ReverseInput{Ref: gr.Ref()})
	require.NoError(t, err)
	require.Equal(t, documents.StatusReversed, rev.Document.Status)
	require.Equal(t, documents.StatusPendingReceipt, rev.Source.Status)
	requireQty(t, 0, env.Balance(t, memstore.ProductB))

	gr = receive()
	sale := env.ConfirmedSale(t, memstore.Line(memstore.ProductB, 3, "4.00"))
	_, err = env.Engine.Convert(ctx, toWaybill(sale.ID, ""))
	require.NoError(t, err)

	_, err = env.Engine.Reverse(ctx, conversion.ReverseInput{Ref: gr.Ref()})
	require.ErrorIs(t, err, shared.ErrInvalidStateTransition)
	requireQty(t, 2, env.Balance(t, memstore.ProductB))
}

func TestReverseRejectsOtherTypes(t *testing.T) {
	env := memstore.NewEnv(inventory.Config{})
	sale := env.ConfirmedSale(t, memstore.Line(memstore.ProductA, 1, "1.00"))
	_, err := env.Engine.Reverse(context.Background(), conversion.ReverseInput{Ref: sale.Ref()})
	require.ErrorIs(t, err, shared.ErrInvalidStateTransition)
}
