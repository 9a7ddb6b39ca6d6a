// Package catalog resolves the products, stores and parties referenced by documents and postings.
// It is a read-only view over master data owned elsewhere.
package catalog

import "context"

// Product is a sellable or purchasable item.
type Product struct {
	ID           int64  `json:"id"`
	SKU          string `json:"sku"`
	Name         string `json:"name"`
	UOM          string `json:"uom"`
	StockTracked bool   `json:"stock_tracked"`
}

// Store is a stock-holding location.
type Store struct {
	ID   int64  `json:"id"`
	Code string `json:"code"`
	Name string `json:"name"`
}

// PartyKind distinguishes the roles a party can play on a document.
type PartyKind string

const (
	PartyCustomer   PartyKind = "customer"
	PartyVendor     PartyKind = "vendor"
	PartySalesAgent PartyKind = "sales_agent"
)

// Party is a customer, vendor or sales agent.
type Party struct {
	ID   int64     `json:"id"`
	Kind PartyKind `json:"kind"`
	Name string    `json:"name"`
}

// Catalog looks up reference data. Missing records yield shared.ErrNotFound.
type Catalog interface {
	GetProduct(ctx context.Context, id int64) (Product, error)
	GetStore(ctx context.Context, id int64) (Store, error)
	GetParty(ctx context.Context, kind PartyKind, id int64) (Party, error)
}

// IsStockTracked reports whether postings for the product touch the ledger.
func IsStockTracked(ctx context.Context, c Catalog, productID int64) (bool, error) {
	p, err := c.GetProduct(ctx, productID)
	if err != nil {
		return false, err
	}
	return p.StockTracked, nil
}
