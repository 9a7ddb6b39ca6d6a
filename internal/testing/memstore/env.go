package memstore

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-docflow/internal/catalog"
	"github.com/odyssey-erp/odyssey-docflow/internal/conversion"
	"github.com/odyssey-erp/odyssey-docflow/internal/documents"
	"github.com/odyssey-erp/odyssey-docflow/internal/inventory"
)

// Reference data seeded by NewEnv.
const (
	ProductA       int64 = 1
	ProductB       int64 = 2
	ServiceProduct int64 = 3 // not stock tracked
	StoreMain      int64 = 10
	Customer       int64 = 100
	Vendor         int64 = 200
	SalesAgent     int64 = 300
)

// Env wires the document, ledger and conversion services over one in-memory store.
type Env struct {
	Store     *Store
	Catalog   *Catalog
	Seq       *Sequencer
	Audit     *Audit
	Logger    *slog.Logger
	Documents *documents.Service
	Ledger    *inventory.Ledger
	Engine    *conversion.Engine
}

// NewEnv builds an Env with seeded reference data.
func NewEnv(cfg inventory.Config) *Env {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := New()
	cat := NewCatalog().
		AddProduct(ProductA, true).
		AddProduct(ProductB, true).
		AddProduct(ServiceProduct, false).
		AddStore(StoreMain).
		AddParty(catalog.PartyCustomer, Customer).
		AddParty(catalog.PartyVendor, Vendor).
		AddParty(catalog.PartySalesAgent, SalesAgent)
	seq := NewSequencer()
	audit := &Audit{}
	ledger := inventory.NewLedger(store.Inventory(), cat, audit, cfg, logger)
	return &Env{
		Store:     store,
		Catalog:   cat,
		Seq:       seq,
		Audit:     audit,
		Logger:    logger,
		Documents: documents.NewService(store.Documents(), seq, cat, audit, 0, logger),
		Ledger:    ledger,
		Engine:    conversion.NewEngine(store, seq, ledger, nil, audit, conversion.Config{}, logger),
	}
}

// Qty is shorthand for a decimal quantity.
func Qty(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

// Line builds a create-input line.
func Line(productID, qty int64, price string) documents.LineInput {
	return documents.LineInput{ProductID: productID, Quantity: Qty(qty), UnitPrice: decimal.RequireFromString(price)}
}

// SeedStock adjusts the main store's balance for product.
func (e *Env) SeedStock(t *testing.T, productID, qty int64) {
	t.Helper()
	_, err := e.Ledger.PostStockAdjustment(context.Background(), inventory.AdjustmentInput{
		ProductID: productID,
		StoreID:   StoreMain,
		Delta:     Qty(qty),
	})
	require.NoError(t, err)
}

// ConfirmedSale creates a sale at the main store and confirms it.
func (e *Env) ConfirmedSale(t *testing.T, lines ...documents.LineInput) documents.Document {
	t.Helper()
	ctx := context.Background()
	sale, err := e.Documents.Create(ctx, documents.CreateInput{
		Type:         documents.TypeSale,
		StoreID:      StoreMain,
		CustomerID:   Customer,
		SalesAgentID: SalesAgent,
		Lines:        lines,
	})
	require.NoError(t, err)
	sale, err = e.Documents.Transition(ctx, sale.Ref(), documents.StatusConfirmed, 0)
	require.NoError(t, err)
	return sale
}

// OpenPurchase creates a sent purchase order and converts all of it into a purchase.
func (e *Env) OpenPurchase(t *testing.T, lines ...documents.LineInput) documents.Document {
	t.Helper()
	ctx := context.Background()
	po := e.SentPurchaseOrder(t, lines...)
	res, err := e.Engine.Convert(ctx, conversion.Request{
		SourceType: documents.TypePurchaseOrder,
		SourceID:   po.ID,
		TargetType: documents.TypePurchase,
	})
	require.NoError(t, err)
	return res.Target
}

// SentPurchaseOrder creates a purchase order at the main store and sends it.
func (e *Env) SentPurchaseOrder(t *testing.T, lines ...documents.LineInput) documents.Document {
	t.Helper()
	ctx := context.Background()
	po, err := e.Documents.Create(ctx, documents.CreateInput{
		Type:     documents.TypePurchaseOrder,
		StoreID:  StoreMain,
		VendorID: Vendor,
		Lines:    lines,
	})
	require.NoError(t, err)
	po, err = e.Documents.Transition(ctx, po.Ref(), documents.StatusSent, 0)
	require.NoError(t, err)
	return po
}

// Balance reads the main store's balance for product.
func (e *Env) Balance(t *testing.T, productID int64) decimal.Decimal {
	t.Helper()
	b, err := e.Ledger.GetBalance(context.Background(), productID, StoreMain)
	require.NoError(t, err)
	return b.Quantity
}
