package inventory_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-docflow/internal/conversion"
	"github.com/odyssey-erp/odyssey-docflow/internal/documents"
	"github.com/odyssey-erp/odyssey-docflow/internal/inventory"
	"github.com/odyssey-erp/odyssey-docflow/internal/shared"
	"github.com/odyssey-erp/odyssey-docflow/internal/testing/memstore"
)

func requireQty(t *testing.T, want int64, got decimal.Decimal) {
	t.Helper()
	require.True(t, got.Equal(decimal.NewFromInt(want)), "want %d, got %s", want, got)
}

func receipt(productID, qty, sourceID int64) inventory.Draft {
	return inventory.Draft{
		ProductID:  productID,
		StoreID:    memstore.StoreMain,
		Delta:      memstore.Qty(qty),
		Reason:     inventory.ReasonPurchaseReceipt,
		SourceType: string(documents.TypeGoodsReceipt),
		SourceID:   sourceID,
	}
}

func TestPostIsIdempotent(t *testing.T) {
	env := memstore.NewEnv(inventory.Config{})
	ctx := context.Background()

	first, err := env.Ledger.Post(ctx, receipt(memstore.ProductA, 5, 1))
	require.NoError(t, err)
	requireQty(t, 5, first.Balance.Quantity)
	require.Equal(t, "goods_receipt:1:1", first.Entry.IdempotencyKey)

	second, err := env.Ledger.Post(ctx, receipt(memstore.ProductA, 5, 1))
	require.ErrorIs(t, err, shared.ErrDuplicatePosting)
	require.True(t, second.Replayed)
	require.Equal(t, first.Entry.ID, second.Entry.ID)
	requireQty(t, 5, env.Balance(t, memstore.ProductA))
}

func TestPostValidatesInput(t *testing.T) {
	env := memstore.NewEnv(inventory.Config{})
	ctx := context.Background()

	_, err := env.Ledger.Post(ctx, receipt(memstore.ProductA, 0, 1))
	require.ErrorIs(t, err, inventory.ErrInvalidQuantity)
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = env.Ledger.Post(ctx, receipt(404, 1, 1))
	require.ErrorIs(t, err, shared.ErrInvalidReference)
	require.ErrorIs(t, err, shared.ErrNotFound)

	d := receipt(memstore.ProductA, 1, 1)
	d.Reason = "shrinkage"
	_, err = env.Ledger.Post(ctx, d)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestPostSkipsUntrackedProducts(t *testing.T) {
	env := memstore.NewEnv(inventory.Config{})
	ctx := context.Background()

	res, err := env.Ledger.Post(ctx, receipt(memstore.ServiceProduct, 3, 1))
	require.NoError(t, err)
	require.True(t, res.Skipped)

	entries, err := env.Ledger.ListStockLedger(ctx, inventory.LedgerFilter{})
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestStockAdjustmentNegativeGuard(t *testing.T) {
	ctx := context.Background()
	adjust := func(env *memstore.Env, delta int64) (inventory.PostResult, error) {
		return env.Ledger.PostStockAdjustment(ctx, inventory.AdjustmentInput{
			ProductID: memstore.ProductA,
			StoreID:   memstore.StoreMain,
			Delta:     memstore.Qty(delta),
		})
	}

	t.Run("refused by default", func(t *testing.T) {
		env := memstore.NewEnv(inventory.Config{})
		env.SeedStock(t, memstore.ProductA, 2)
		_, err := adjust(env, -3)
		require.ErrorIs(t, err, inventory.ErrNegativeStock)
		require.ErrorIs(t, err, shared.ErrInvalidStateTransition)
		requireQty(t, 2, env.Balance(t, memstore.ProductA))
	})

	t.Run("allowed when configured", func(t *testing.T) {
		env := memstore.NewEnv(inventory.Config{AllowNegativeStock: true})
		res, err := adjust(env, -3)
		require.NoError(t, err)
		requireQty(t, -3, res.Balance.Quantity)
	})

	t.Run("keyed adjustments replay", func(t *testing.T) {
		env := memstore.NewEnv(inventory.Config{})
		in := inventory.AdjustmentInput{ProductID: memstore.ProductA, StoreID: memstore.StoreMain, Delta: memstore.Qty(4), IdempotencyKey: "count-2026-10"}
		_, err := env.Ledger.PostStockAdjustment(ctx, in)
		require.NoError(t, err)
		res, err := env.Ledger.PostStockAdjustment(ctx, in)
		require.NoError(t, err)
		require.True(t, res.Replayed)
		requireQty(t, 4, env.Balance(t, memstore.ProductA))
	})

	t.Run("unkeyed adjustments are distinct", func(t *testing.T) {
		env := memstore.NewEnv(inventory.Config{})
		_, err := adjust(env, 1)
		require.NoError(t, err)
		_, err = adjust(env, 1)
		require.NoError(t, err)
		requireQty(t, 2, env.Balance(t, memstore.ProductA))
	})
}

func TestReceiptResolvesBackordersOldestFirst(t *testing.T) {
	env := memstore.NewEnv(inventory.Config{})
	ctx := context.Background()
	older := env.ConfirmedSale(t, memstore.Line(memstore.ProductA, 3, "1.00"))
	newer := env.ConfirmedSale(t, memstore.Line(memstore.ProductA, 4, "1.00"))
	for _, sale := range []documents.Document{older, newer} {
		_, err := env.Engine.Convert(ctx, conversion.Request{SourceType: documents.TypeSale, SourceID: sale.ID, TargetType: documents.TypeWaybill})
		require.NoError(t, err)
	}

	res, err := env.Ledger.Post(ctx, receipt(memstore.ProductA, 5, 90))
	require.NoError(t, err)
	require.Len(t, res.Resolutions, 2)
	require.Equal(t, older.ID, res.Resolutions[0].Backorder.SaleID)
	requireQty(t, 3, res.Resolutions[0].Quantity)
	require.NotNil(t, res.Resolutions[0].Backorder.ResolvedAt)
	require.Equal(t, newer.ID, res.Resolutions[1].Backorder.SaleID)
	requireQty(t, 2, res.Resolutions[1].Quantity)
	require.Nil(t, res.Resolutions[1].Backorder.ResolvedAt)
	requireQty(t, 0, res.Balance.Quantity)

	open, err := env.Ledger.ListBackorders(ctx, inventory.BackorderFilter{Status: inventory.BackorderOpen})
	require.NoError(t, err)
	require.Len(t, open, 1)
	requireQty(t, 2, open[0].PendingQuantity)

	saleID := newer.ID
	tied, err := env.Ledger.ListStockLedger(ctx, inventory.LedgerFilter{SourceType: "sale", SourceID: &saleID})
	require.NoError(t, err)
	require.Len(t, tied, 1)
	require.NotNil(t, tied[0].BackorderID)
}

func TestDispatchNeverDrivesStockNegative(t *testing.T) {
	env := memstore.NewEnv(inventory.Config{AllowNegativeStock: true})
	ctx := context.Background()
	env.SeedStock(t, memstore.ProductA, -2)

	err := env.Store.Inventory().WithTx(ctx, func(ctx context.Context, tx inventory.TxRepository) error {
		res, err := env.Ledger.DispatchTx(ctx, tx, inventory.DispatchRequest{
			ProductID:  memstore.ProductA,
			StoreID:    memstore.StoreMain,
			Quantity:   memstore.Qty(5),
			SaleID:     1,
			OriginType: "waybill",
			OriginID:   2,
		})
		require.NoError(t, err)
		require.Nil(t, res.Entry)
		require.NotNil(t, res.Backorder)
		requireQty(t, 5, res.Backorder.Quantity)
		return nil
	})
	require.NoError(t, err)
	requireQty(t, -2, env.Balance(t, memstore.ProductA))
}

func TestBalanceMatchesLedgerAfterMixedOperations(t *testing.T) {
	env := memstore.NewEnv(inventory.Config{})
	ctx := context.Background()
	env.SeedStock(t, memstore.ProductA, 7)
	env.SeedStock(t, memstore.ProductB, 3)
	sale := env.ConfirmedSale(t,
		memstore.Line(memstore.ProductA, 9, "1.00"),
		memstore.Line(memstore.ProductB, 1, "1.00"),
	)
	_, err := env.Engine.Convert(ctx, conversion.Request{SourceType: documents.TypeSale, SourceID: sale.ID, TargetType: documents.TypeWaybill})
	require.NoError(t, err)
	_, err = env.Ledger.Post(ctx, receipt(memstore.ProductA, 1, 11))
	require.NoError(t, err)
	_, err = env.Ledger.Post(ctx, receipt(memstore.ProductB, 6, 11))
	require.NoError(t, err)

	drifts, err := env.Ledger.VerifyBalances(ctx)
	require.NoError(t, err)
	require.Empty(t, drifts)

	for _, product := range []int64{memstore.ProductA, memstore.ProductB} {
		id := product
		entries, err := env.Ledger.ListStockLedger(ctx, inventory.LedgerFilter{ProductID: &id, Limit: 500})
		require.NoError(t, err)
		sum := decimal.Zero
		for _, e := range entries {
			sum = sum.Add(e.Delta)
		}
		require.True(t, sum.Equal(env.Balance(t, product)), "product %d", product)
	}
	requireQty(t, 0, env.Balance(t, memstore.ProductA))
	requireQty(t, 8, env.Balance(t, memstore.ProductB))
}

func TestRebuildBalancesRepairsDrift(t *testing.T) {
	env := memstore.NewEnv(inventory.Config{})
	ctx := context.Background()
	env.SeedStock(t, memstore.ProductA, 5)

	err := env.Store.Inventory().WithTx(ctx, func(ctx context.Context, tx inventory.TxRepository) error {
		return tx.UpdateBalance(ctx, inventory.Balance{ProductID: memstore.ProductA, StoreID: memstore.StoreMain, Quantity: memstore.Qty(9)})
	})
	require.NoError(t, err)

	drifts, err := env.Ledger.VerifyBalances(ctx)
	require.NoError(t, err)
	require.Len(t, drifts, 1)
	requireQty(t, 9, drifts[0].Cached)
	requireQty(t, 5, drifts[0].Ledger)

	changed, err := env.Ledger.RebuildBalances(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, changed)
	requireQty(t, 5, env.Balance(t, memstore.ProductA))

	drifts, err = env.Ledger.VerifyBalances(ctx)
	require.NoError(t, err)
	require.Empty(t, drifts)
}

func TestGetBalance(t *testing.T) {
	env := memstore.NewEnv(inventory.Config{})
	ctx := context.Background()

	b, err := env.Ledger.GetBalance(ctx, memstore.ProductB, memstore.StoreMain)
	require.NoError(t, err)
	require.True(t, b.Quantity.IsZero())

	_, err = env.Ledger.GetBalance(ctx, memstore.ProductB, 77)
	require.ErrorIs(t, err, shared.ErrInvalidReference)

	_, err = env.Ledger.GetBalance(ctx, 0, memstore.StoreMain)
	require.ErrorIs(t, err, shared.ErrValidation)
}

// deadlineRepo counts transactions opened without a deadline.
type deadlineRepo struct {
	inventory.RepositoryPort
	calls     int
	unbounded int
}

func (r *deadlineRepo) WithTx(ctx context.Context, fn func(context.Context, inventory.TxRepository) error) error {
	r.calls++
	if _, ok := ctx.Deadline(); !ok {
		r.unbounded++
	}
	return r.RepositoryPort.WithTx(ctx, fn)
}

func TestBalanceMaintenanceRunsUnderPersistenceTimeout(t *testing.T) {
	env := memstore.NewEnv(inventory.Config{})
	env.SeedStock(t, memstore.ProductA, 3)
	repo := &deadlineRepo{RepositoryPort: env.Store.Inventory()}
	ledger := inventory.NewLedger(repo, env.Catalog, nil, inventory.Config{PersistenceTimeout: time.Second}, env.Logger)
	ctx := context.Background()

	drifts, err := ledger.VerifyBalances(ctx)
	require.NoError(t, err)
	require.Empty(t, drifts)
	changed, err := ledger.RebuildBalances(ctx)
	require.NoError(t, err)
	require.Zero(t, changed)

	require.Equal(t, 2, repo.calls)
	require.Zero(t, repo.unbounded)
}

func TestReverseSourceCoversEveryEntry(t *testing.T) {
	env := memstore.NewEnv(inventory.Config{})
	ctx := context.Background()
	const receiptID, postings = 77, 501

	for i := 0; i < postings; i++ {
		d := receipt(memstore.ProductA, 1, receiptID)
		d.IdempotencyKey = fmt.Sprintf("bulk-receipt:%d", i)
		_, err := env.Ledger.Post(ctx, d)
		require.NoError(t, err)
	}
	requireQty(t, postings, env.Balance(t, memstore.ProductA))

	var compensation []inventory.Entry
	err := env.Store.Inventory().WithTx(ctx, func(ctx context.Context, tx inventory.TxRepository) error {
		var err error
		compensation, err = env.Ledger.ReverseSourceTx(ctx, tx, string(documents.TypeGoodsReceipt), receiptID, true, 0)
		return err
	})
	require.NoError(t, err)
	require.Len(t, compensation, postings)
	requireQty(t, 0, env.Balance(t, memstore.ProductA))
}

func TestCancelForOriginCoversEveryBackorder(t *testing.T) {
	env := memstore.NewEnv(inventory.Config{})
	ctx := context.Background()
	const waybillID, shortfalls = 55, 501

	err := env.Store.Inventory().WithTx(ctx, func(ctx context.Context, tx inventory.TxRepository) error {
		for i := 0; i < shortfalls; i++ {
			res, err := env.Ledger.DispatchTx(ctx, tx, inventory.DispatchRequest{
				ProductID:  memstore.ProductA,
				StoreID:    memstore.StoreMain,
				Quantity:   memstore.Qty(1),
				SaleID:     1,
				CustomerID: memstore.Customer,
				OriginType: string(documents.TypeWaybill),
				OriginID:   waybillID,
			})
			if err != nil {
				return err
			}
			if res.Backorder == nil {
				return fmt.Errorf("dispatch %d was not back-ordered", i)
			}
		}
		return nil
	})
	require.NoError(t, err)

	var cancelled []inventory.Backorder
	err = env.Store.Inventory().WithTx(ctx, func(ctx context.Context, tx inventory.TxRepository) error {
		var err error
		cancelled, err = env.Ledger.CancelForOriginTx(ctx, tx, string(documents.TypeWaybill), waybillID)
		return err
	})
	require.NoError(t, err)
	require.Len(t, cancelled, shortfalls)

	open, err := env.Ledger.ListBackorders(ctx, inventory.BackorderFilter{Status: inventory.BackorderOpen})
	require.NoError(t, err)
	require.Empty(t, open)
}
