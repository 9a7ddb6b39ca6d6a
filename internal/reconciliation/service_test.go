package reconciliation_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-docflow/internal/conversion"
	"github.com/odyssey-erp/odyssey-docflow/internal/documents"
	"github.com/odyssey-erp/odyssey-docflow/internal/inventory"
	"github.com/odyssey-erp/odyssey-docflow/internal/reconciliation"
	"github.com/odyssey-erp/odyssey-docflow/internal/testing/memstore"
)

type fixture struct {
	env *memstore.Env
	svc *reconciliation.Service
}

func newFixture(concurrency int) fixture {
	env := memstore.NewEnv(inventory.Config{})
	svc := reconciliation.NewService(env.Store.Documents(), env.Engine, env.Audit,
		reconciliation.Config{Concurrency: concurrency, ItemTimeout: time.Second}, env.Logger)
	return fixture{env: env, svc: svc}
}

func (f fixture) note(t *testing.T, amount int64, due time.Time) documents.Document {
	t.Helper()
	note, err := f.env.Documents.Create(context.Background(), documents.CreateInput{
		Type:       documents.TypePromissoryNote,
		CustomerID: memstore.Customer,
		DueDate:    &due,
		Amount:     decimal.NewFromInt(amount),
	})
	require.NoError(t, err)
	return note
}

func (f fixture) pay(t *testing.T, noteID, amount int64) {
	t.Helper()
	_, err := f.svc.RecordReceipt(context.Background(), reconciliation.ReceiptInput{
		NoteID: noteID,
		Amount: decimal.NewFromInt(amount),
	})
	require.NoError(t, err)
}

func (f fixture) get(t *testing.T, id int64) documents.Document {
	t.Helper()
	doc, err := f.env.Documents.Get(context.Background(), documents.Ref{Type: documents.TypePromissoryNote, ID: id})
	require.NoError(t, err)
	return doc
}

func TestReconcileSettlesNotesFromReceipts(t *testing.T) {
	f := newFixture(4)
	now := time.Now().UTC()
	future := now.Add(30 * 24 * time.Hour)

	partial := f.note(t, 1000, future)
	full := f.note(t, 1000, future)
	untouched := f.note(t, 500, future)
	f.pay(t, partial.ID, 400)
	f.pay(t, full.ID, 600)
	f.pay(t, full.ID, 400)

	res, err := f.svc.Reconcile(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Processed)
	assert.Equal(t, 1, res.ReconciledCount)
	assert.Empty(t, res.Errors)

	got := f.get(t, partial.ID)
	assert.Equal(t, documents.StatusPartiallyReconciled, got.Status)
	assert.True(t, got.OutstandingAmount.Equal(decimal.NewFromInt(600)), "outstanding %s", got.OutstandingAmount)

	got = f.get(t, full.ID)
	assert.Equal(t, documents.StatusReconciled, got.Status)
	assert.True(t, got.OutstandingAmount.IsZero())

	got = f.get(t, untouched.ID)
	assert.Equal(t, documents.StatusOutstanding, got.Status)

	again, err := f.svc.Reconcile(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 2, again.Processed, "reconciled notes are not revisited")
	assert.Zero(t, again.ReconciledCount)
}

func TestReconcileMarksOverdueNotes(t *testing.T) {
	f := newFixture(2)
	now := time.Now().UTC()
	past := f.note(t, 1000, now.Add(-24*time.Hour))
	f.pay(t, past.ID, 250)

	res, err := f.svc.Reconcile(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, documents.StatusOverdue, res.Outcomes[0].To)
	assert.True(t, res.Outcomes[0].Outstanding.Equal(decimal.NewFromInt(750)))

	f.pay(t, past.ID, 750)
	res, err = f.svc.Reconcile(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ReconciledCount)
	assert.Equal(t, documents.StatusReconciled, f.get(t, past.ID).Status)
}

func TestReconcileCollectsItemErrors(t *testing.T) {
	f := newFixture(1)
	now := time.Now().UTC()
	future := now.Add(time.Hour)
	first := f.note(t, 100, future)
	second := f.note(t, 100, future)
	f.pay(t, first.ID, 100)
	f.pay(t, second.ID, 100)

	f.env.Store.FailNext("GetForUpdate", errors.New("connection reset"))
	res, err := f.svc.Reconcile(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, first.ID, res.Errors[0].NoteID)
	assert.Contains(t, res.Errors[0].Error, "connection reset")
	assert.Equal(t, 1, res.ReconciledCount)
	assert.Equal(t, documents.StatusOutstanding, f.get(t, first.ID).Status)
	assert.Equal(t, documents.StatusReconciled, f.get(t, second.ID).Status)
}

func conversionToNote(saleID int64, due time.Time) conversion.Request {
	return conversion.Request{
		SourceType: documents.TypeSale,
		SourceID:   saleID,
		TargetType: documents.TypePromissoryNote,
		Payload:    conversion.Payload{DueDate: &due},
	}
}

func TestReconcileMarksSalePaid(t *testing.T) {
	f := newFixture(2)
	ctx := context.Background()
	sale := f.env.ConfirmedSale(t, memstore.Line(memstore.ServiceProduct, 10, "100.00"))
	due := time.Now().Add(24 * time.Hour)
	res, err := f.env.Engine.Convert(ctx, conversionToNote(sale.ID, due))
	require.NoError(t, err)
	note := res.Target

	f.pay(t, note.ID, 300)
	_, err = f.svc.Reconcile(ctx, time.Now())
	require.NoError(t, err)
	got, err := f.env.Documents.Get(ctx, sale.Ref())
	require.NoError(t, err)
	assert.Equal(t, documents.PaymentPartial, got.PaymentStatus)

	f.pay(t, note.ID, 700)
	_, err = f.svc.Reconcile(ctx, time.Now())
	require.NoError(t, err)
	got, err = f.env.Documents.Get(ctx, sale.Ref())
	require.NoError(t, err)
	assert.Equal(t, documents.PaymentPaid, got.PaymentStatus)
}

func TestRecordReceiptIsIdempotent(t *testing.T) {
	f := newFixture(1)
	note := f.note(t, 1000, time.Now().Add(time.Hour))
	in := reconciliation.ReceiptInput{NoteID: note.ID, Amount: decimal.NewFromInt(100), IdempotencyKey: "rc-1"}

	first, err := f.svc.RecordReceipt(context.Background(), in)
	require.NoError(t, err)
	second, err := f.svc.RecordReceipt(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Target.ID, second.Target.ID)

	count := 0
	for _, a := range f.env.Audit.Actions() {
		if a == "reconciliation:receipt" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestClassify(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	yesterday := now.Add(-24 * time.Hour)
	note := documents.Document{TotalAmount: decimal.NewFromInt(1000)}

	assert.Equal(t, documents.StatusOutstanding, reconciliation.Classify(note, decimal.NewFromInt(1000), now))
	assert.Equal(t, documents.StatusPartiallyReconciled, reconciliation.Classify(note, decimal.NewFromInt(600), now))
	assert.Equal(t, documents.StatusReconciled, reconciliation.Classify(note, decimal.Zero, now))

	note.DueDate = &yesterday
	assert.Equal(t, documents.StatusOverdue, reconciliation.Classify(note, decimal.NewFromInt(600), now))
	assert.Equal(t, documents.StatusReconciled, reconciliation.Classify(note, decimal.Zero, now))
}

// deadlineDocs counts note listings issued without a deadline.
type deadlineDocs struct {
	documents.RepositoryPort
	calls     int
	unbounded int
}

func (d *deadlineDocs) List(ctx context.Context, filter documents.ListFilter) ([]documents.Document, error) {
	d.calls++
	if _, ok := ctx.Deadline(); !ok {
		d.unbounded++
	}
	return d.RepositoryPort.List(ctx, filter)
}

func TestReconcileBoundsNoteListing(t *testing.T) {
	f := newFixture(1)
	f.note(t, 1000, time.Now().Add(time.Hour))
	docs := &deadlineDocs{RepositoryPort: f.env.Store.Documents()}
	svc := reconciliation.NewService(docs, f.env.Engine, f.env.Audit,
		reconciliation.Config{Concurrency: 1, ItemTimeout: time.Second, PersistenceTimeout: time.Second}, f.env.Logger)

	res, err := svc.Reconcile(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, docs.calls)
	assert.Zero(t, docs.unbounded)
}
