package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/odyssey-erp/odyssey-docflow/internal/catalog"
	"github.com/odyssey-erp/odyssey-docflow/internal/documents"
	"github.com/odyssey-erp/odyssey-docflow/internal/shared"
)

// Catalog is a mutable catalog.Catalog.
type Catalog struct {
	mu       sync.RWMutex
	products map[int64]catalog.Product
	stores   map[int64]catalog.Store
	parties  map[catalog.PartyKind]map[int64]catalog.Party
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		products: map[int64]catalog.Product{},
		stores:   map[int64]catalog.Store{},
		parties:  map[catalog.PartyKind]map[int64]catalog.Party{},
	}
}

// AddProduct registers a product; tracked controls whether it moves stock.
func (c *Catalog) AddProduct(id int64, tracked bool) *Catalog {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products[id] = catalog.Product{ID: id, SKU: fmt.Sprintf("SKU-%d", id), Name: fmt.Sprintf("Product %d", id), UOM: "pcs", StockTracked: tracked}
	return c
}

// AddStore registers a store.
func (c *Catalog) AddStore(id int64) *Catalog {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stores[id] = catalog.Store{ID: id, Code: fmt.Sprintf("ST%d", id), Name: fmt.Sprintf("Store %d", id)}
	return c
}

// AddParty registers a customer, vendor or sales agent.
func (c *Catalog) AddParty(kind catalog.PartyKind, id int64) *Catalog {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.parties[kind] == nil {
		c.parties[kind] = map[int64]catalog.Party{}
	}
	c.parties[kind][id] = catalog.Party{ID: id, Kind: kind, Name: fmt.Sprintf("%s %d", kind, id)}
	return c
}

func (c *Catalog) GetProduct(_ context.Context, id int64) (catalog.Product, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.products[id]
	if !ok {
		return catalog.Product{}, fmt.Errorf("catalog: product %d: %w", id, shared.ErrNotFound)
	}
	return p, nil
}

func (c *Catalog) GetStore(_ context.Context, id int64) (catalog.Store, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.stores[id]
	if !ok {
		return catalog.Store{}, fmt.Errorf("catalog: store %d: %w", id, shared.ErrNotFound)
	}
	return s, nil
}

func (c *Catalog) GetParty(_ context.Context, kind catalog.PartyKind, id int64) (catalog.Party, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.parties[kind][id]
	if !ok {
		return catalog.Party{}, fmt.Errorf("catalog: %s %d: %w", kind, id, shared.ErrNotFound)
	}
	return p, nil
}

// Sequencer numbers documents from per-type counters.
type Sequencer struct {
	mu   sync.Mutex
	next map[documents.Type]int64
}

// NewSequencer returns a sequencer starting at 1 for every type.
func NewSequencer() *Sequencer {
	return &Sequencer{next: map[documents.Type]int64{}}
}

func (s *Sequencer) Next(_ context.Context, t documents.Type) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next[t]++
	return documents.FormatNumber(t, s.next[t]), nil
}

// Audit collects audit records.
type Audit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *Audit) Record(_ context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

// Actions lists recorded actions in order.
func (a *Audit) Actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.logs))
	for _, l := range a.logs {
		out = append(out, l.Action)
	}
	return out
}

// Logs returns a copy of the recorded entries.
func (a *Audit) Logs() []shared.AuditLog {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]shared.AuditLog(nil), a.logs...)
}
