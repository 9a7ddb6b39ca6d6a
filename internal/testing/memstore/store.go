// Package memstore is an in-memory stand-in for the PostgreSQL repositories used in service tests.
// Transactions are serialized and roll back to a snapshot on error, so the atomicity of
// multi-step operations can be asserted without a database.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-docflow/internal/conversion"
	"github.com/odyssey-erp/odyssey-docflow/internal/documents"
	"github.com/odyssey-erp/odyssey-docflow/internal/inventory"
	"github.com/odyssey-erp/odyssey-docflow/internal/shared"
)

type balanceKey struct{ product, store int64 }

type state struct {
	docSeq      int64
	docs        map[documents.Ref]documents.Document
	conversions map[string]documents.ConversionRecord
	balances    map[balanceKey]inventory.Balance
	entrySeq    int64
	entries     []inventory.Entry
	boSeq       int64
	backorders  []inventory.Backorder
}

func newState() *state {
	return &state{
		docs:        map[documents.Ref]documents.Document{},
		conversions: map[string]documents.ConversionRecord{},
		balances:    map[balanceKey]inventory.Balance{},
	}
}

func (s *state) clone() *state {
	out := &state{
		docSeq:      s.docSeq,
		docs:        make(map[documents.Ref]documents.Document, len(s.docs)),
		conversions: make(map[string]documents.ConversionRecord, len(s.conversions)),
		balances:    make(map[balanceKey]inventory.Balance, len(s.balances)),
		entrySeq:    s.entrySeq,
		entries:     append([]inventory.Entry(nil), s.entries...),
		boSeq:       s.boSeq,
		backorders:  append([]inventory.Backorder(nil), s.backorders...),
	}
	for k, v := range s.docs {
		out.docs[k] = copyDocument(v)
	}
	for k, v := range s.conversions {
		out.conversions[k] = v
	}
	for k, v := range s.balances {
		out.balances[k] = v
	}
	return out
}

func copyDocument(d documents.Document) documents.Document {
	d.Lines = append([]documents.Line(nil), d.Lines...)
	d.ConvertedTo = append([]documents.Ref(nil), d.ConvertedTo...)
	if d.Source != nil {
		src := *d.Source
		d.Source = &src
	}
	if d.DueDate != nil {
		due := *d.DueDate
		d.DueDate = &due
	}
	return d
}

// Store holds documents, ledger and back-orders in memory.
type Store struct {
	mu     sync.Mutex
	data   *state
	faults map[string]error
	now    func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{data: newState(), faults: map[string]error{}, now: func() time.Time { return time.Now().UTC() }}
}

// FailNext makes the next call of the named repository method return err.
func (s *Store) FailNext(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[method] = err
}

func (s *Store) fault(method string) error {
	err, ok := s.faults[method]
	if !ok {
		return nil
	}
	delete(s.faults, method)
	return err
}

// WithTx implements conversion.Store.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, conversion.Tx) error) error {
	return s.run(ctx, func(ctx context.Context) error {
		return fn(ctx, memTx{s: s})
	})
}

func (s *Store) run(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.data.clone()
	if err := fn(ctx); err != nil {
		s.data = snapshot
		return err
	}
	return nil
}

// Documents returns the document repository view.
func (s *Store) Documents() documents.RepositoryPort { return docRepo{s: s} }

// Inventory returns the ledger repository view.
func (s *Store) Inventory() inventory.RepositoryPort { return invRepo{s: s} }

type memTx struct{ s *Store }

func (t memTx) Documents() documents.TxRepository { return docTx{s: t.s} }
func (t memTx) Inventory() inventory.TxRepository { return invTx{s: t.s} }

// ============================================================================
// DOCUMENTS
// ============================================================================

type docRepo struct{ s *Store }

func (r docRepo) WithTx(ctx context.Context, fn func(context.Context, documents.TxRepository) error) error {
	return r.s.run(ctx, func(ctx context.Context) error {
		return fn(ctx, docTx{s: r.s})
	})
}

func (r docRepo) Get(ctx context.Context, ref documents.Ref) (documents.Document, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return docTx{s: r.s}.Get(ctx, ref)
}

func (r docRepo) List(_ context.Context, f documents.ListFilter) ([]documents.Document, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("List"); err != nil {
		return nil, err
	}
	var all []documents.Document
	for _, d := range r.s.data.docs {
		if f.Matches(d) {
			all = append(all, copyDocument(d))
		}
	}
	sortDocuments(all)
	start, end := shared.Page{Limit: f.Limit, Offset: f.Offset}.Slice(len(all))
	return all[start:end], nil
}

func sortDocuments(docs []documents.Document) {
	sort.Slice(docs, func(i, j int) bool {
		if !docs[i].CreatedAt.Equal(docs[j].CreatedAt) {
			return docs[i].CreatedAt.Before(docs[j].CreatedAt)
		}
		return docs[i].ID < docs[j].ID
	})
}

type docTx struct{ s *Store }

func (t docTx) Insert(_ context.Context, doc documents.Document) (documents.Document, error) {
	if err := t.s.fault("Insert"); err != nil {
		return documents.Document{}, err
	}
	d := t.s.data
	d.docSeq++
	doc = copyDocument(doc)
	doc.ID = d.docSeq
	doc.Version = 1
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = t.s.now()
	}
	doc.UpdatedAt = doc.CreatedAt
	if doc.ConvertedTo == nil {
		doc.ConvertedTo = []documents.Ref{}
	}
	d.docs[doc.Ref()] = doc
	return copyDocument(doc), nil
}

func (t docTx) Get(_ context.Context, ref documents.Ref) (documents.Document, error) {
	doc, ok := t.s.data.docs[ref]
	if !ok {
		return documents.Document{}, fmt.Errorf("documents: %s %d: %w", ref.Type, ref.ID, shared.ErrNotFound)
	}
	return copyDocument(doc), nil
}

func (t docTx) GetForUpdate(ctx context.Context, ref documents.Ref) (documents.Document, error) {
	if err := t.s.fault("GetForUpdate"); err != nil {
		return documents.Document{}, err
	}
	return t.Get(ctx, ref)
}

func (t docTx) Update(_ context.Context, doc documents.Document) (documents.Document, error) {
	if err := t.s.fault("Update"); err != nil {
		return documents.Document{}, err
	}
	current, ok := t.s.data.docs[doc.Ref()]
	if !ok {
		return documents.Document{}, fmt.Errorf("documents: %s %d: %w", doc.Type, doc.ID, shared.ErrNotFound)
	}
	if current.Version != doc.Version {
		return documents.Document{}, fmt.Errorf("%w: %s %d version %d is stale", shared.ErrConcurrentModification, doc.Type, doc.ID, doc.Version)
	}
	doc = copyDocument(doc)
	doc.Version++
	doc.UpdatedAt = t.s.now()
	t.s.data.docs[doc.Ref()] = doc
	return copyDocument(doc), nil
}

func (t docTx) ListChildren(_ context.Context, parent documents.Ref, childType documents.Type) ([]documents.Document, error) {
	var out []documents.Document
	for _, d := range t.s.data.docs {
		if d.Type == childType && d.Source != nil && *d.Source == parent {
			out = append(out, copyDocument(d))
		}
	}
	sortDocuments(out)
	return out, nil
}

func (t docTx) FindConversion(_ context.Context, key string) (documents.ConversionRecord, error) {
	rec, ok := t.s.data.conversions[key]
	if !ok {
		return documents.ConversionRecord{}, fmt.Errorf("documents: conversion %q: %w", key, shared.ErrNotFound)
	}
	return rec, nil
}

func (t docTx) InsertConversion(_ context.Context, rec documents.ConversionRecord) error {
	if err := t.s.fault("InsertConversion"); err != nil {
		return err
	}
	if _, ok := t.s.data.conversions[rec.Key]; ok {
		return fmt.Errorf("%w: conversion key %q already used", shared.ErrConcurrentModification, rec.Key)
	}
	t.s.data.conversions[rec.Key] = rec
	return nil
}

// ============================================================================
// INVENTORY
// ============================================================================

type invRepo struct{ s *Store }

func (r invRepo) WithTx(ctx context.Context, fn func(context.Context, inventory.TxRepository) error) error {
	return r.s.run(ctx, func(ctx context.Context) error {
		return fn(ctx, invTx{s: r.s})
	})
}

func (r invRepo) GetBalance(_ context.Context, productID, storeID int64) (inventory.Balance, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.data.balances[balanceKey{productID, storeID}]
	if !ok {
		return inventory.Balance{ProductID: productID, StoreID: storeID}, inventory.ErrBalanceNotFound
	}
	return b, nil
}

func (r invRepo) ListEntries(ctx context.Context, f inventory.LedgerFilter) ([]inventory.Entry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return invTx{s: r.s}.ListEntries(ctx, f)
}

func (r invRepo) ListBackorders(ctx context.Context, f inventory.BackorderFilter) ([]inventory.Backorder, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return invTx{s: r.s}.ListBackorders(ctx, f)
}

type invTx struct{ s *Store }

func (t invTx) EnsureBalance(_ context.Context, productID, storeID int64) error {
	k := balanceKey{productID, storeID}
	if _, ok := t.s.data.balances[k]; !ok {
		t.s.data.balances[k] = inventory.Balance{ProductID: productID, StoreID: storeID, Quantity: decimal.Zero, UpdatedAt: t.s.now()}
	}
	return nil
}

func (t invTx) GetBalanceForUpdate(_ context.Context, productID, storeID int64) (inventory.Balance, error) {
	b, ok := t.s.data.balances[balanceKey{productID, storeID}]
	if !ok {
		return inventory.Balance{ProductID: productID, StoreID: storeID}, inventory.ErrBalanceNotFound
	}
	return b, nil
}

func (t invTx) UpdateBalance(_ context.Context, b inventory.Balance) error {
	if err := t.s.fault("UpdateBalance"); err != nil {
		return err
	}
	t.s.data.balances[balanceKey{b.ProductID, b.StoreID}] = b
	return nil
}

func (t invTx) ListBalances(context.Context) ([]inventory.Balance, error) {
	out := make([]inventory.Balance, 0, len(t.s.data.balances))
	for _, b := range t.s.data.balances {
		out = append(out, b)
	}
	sortBalances(out)
	return out, nil
}

func (t invTx) SumEntries(context.Context) ([]inventory.Balance, error) {
	sums := map[balanceKey]decimal.Decimal{}
	for _, e := range t.s.data.entries {
		k := balanceKey{e.ProductID, e.StoreID}
		sums[k] = sums[k].Add(e.Delta)
	}
	out := make([]inventory.Balance, 0, len(sums))
	for k, q := range sums {
		out = append(out, inventory.Balance{ProductID: k.product, StoreID: k.store, Quantity: q})
	}
	sortBalances(out)
	return out, nil
}

func sortBalances(b []inventory.Balance) {
	sort.Slice(b, func(i, j int) bool {
		if b[i].ProductID != b[j].ProductID {
			return b[i].ProductID < b[j].ProductID
		}
		return b[i].StoreID < b[j].StoreID
	})
}

func (t invTx) InsertEntry(_ context.Context, e inventory.Entry) (inventory.Entry, error) {
	if err := t.s.fault("InsertEntry"); err != nil {
		return inventory.Entry{}, err
	}
	for _, existing := range t.s.data.entries {
		if existing.IdempotencyKey == e.IdempotencyKey {
			return existing, shared.ErrDuplicatePosting
		}
	}
	t.s.data.entrySeq++
	e.ID = t.s.data.entrySeq
	t.s.data.entries = append(t.s.data.entries, e)
	return e, nil
}

func (t invTx) ListEntries(_ context.Context, f inventory.LedgerFilter) ([]inventory.Entry, error) {
	var out []inventory.Entry
	for _, e := range t.s.data.entries {
		if f.Matches(e) {
			out = append(out, e)
		}
	}
	start, end := shared.Page{Limit: f.Limit, Offset: f.Offset}.Slice(len(out))
	return out[start:end], nil
}

func (t invTx) InsertBackorder(_ context.Context, bo inventory.Backorder) (inventory.Backorder, error) {
	if err := t.s.fault("InsertBackorder"); err != nil {
		return inventory.Backorder{}, err
	}
	t.s.data.boSeq++
	bo.ID = t.s.data.boSeq
	t.s.data.backorders = append(t.s.data.backorders, bo)
	return bo, nil
}

func (t invTx) ListOpenBackordersForUpdate(_ context.Context, productID, storeID int64) ([]inventory.Backorder, error) {
	return t.matchBackorders(inventory.BackorderFilter{
		ProductID: &productID,
		StoreID:   &storeID,
		Status:    inventory.BackorderOpen,
	}), nil
}

func (t invTx) UpdateBackorder(_ context.Context, bo inventory.Backorder) error {
	for i := range t.s.data.backorders {
		if t.s.data.backorders[i].ID == bo.ID {
			t.s.data.backorders[i] = bo
			return nil
		}
	}
	return fmt.Errorf("inventory: backorder %d: %w", bo.ID, shared.ErrNotFound)
}

func (t invTx) ListBackorders(_ context.Context, f inventory.BackorderFilter) ([]inventory.Backorder, error) {
	out := t.matchBackorders(f)
	start, end := shared.Page{Limit: f.Limit, Offset: f.Offset}.Slice(len(out))
	return out[start:end], nil
}

// matchBackorders returns every back-order matching f, oldest first.
func (t invTx) matchBackorders(f inventory.BackorderFilter) []inventory.Backorder {
	var out []inventory.Backorder
	for _, bo := range t.s.data.backorders {
		if f.Matches(bo) {
			out = append(out, bo)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
