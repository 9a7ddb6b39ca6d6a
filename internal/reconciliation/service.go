// Package reconciliation settles promissory notes against the receipts recorded for them.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-docflow/internal/conversion"
	"github.com/odyssey-erp/odyssey-docflow/internal/documents"
	"github.com/odyssey-erp/odyssey-docflow/internal/platform/db"
	"github.com/odyssey-erp/odyssey-docflow/internal/shared"
)

const defaultConcurrency = 4

// pending lists the note statuses a run revisits.
var pending = []documents.Status{
	documents.StatusOutstanding,
	documents.StatusPartiallyReconciled,
	documents.StatusOverdue,
}

// Converter records receipts through the conversion engine.
type Converter interface {
	Convert(ctx context.Context, req conversion.Request) (conversion.Result, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Config tunes a run.
type Config struct {
	Concurrency int
	ItemTimeout time.Duration
	// PersistenceTimeout bounds each page read while collecting notes.
	PersistenceTimeout time.Duration
}

// ItemError reports one note the run could not settle.
type ItemError struct {
	NoteID int64  `json:"note_id"`
	Number string `json:"number"`
	Error  string `json:"error"`
}

// Outcome is the state a note was left in.
type Outcome struct {
	NoteID      int64            `json:"note_id"`
	Number      string           `json:"number"`
	From        documents.Status `json:"from"`
	To          documents.Status `json:"to"`
	Outstanding decimal.Decimal  `json:"outstanding"`
}

// Result summarises a run. Errors never abort the other notes.
type Result struct {
	AsOf            time.Time   `json:"as_of"`
	Processed       int         `json:"processed"`
	ReconciledCount int         `json:"reconciled_count"`
	Outcomes        []Outcome   `json:"outcomes"`
	Errors          []ItemError `json:"errors"`
}

// Service runs reconciliation.
type Service struct {
	docs        documents.RepositoryPort
	converter   Converter
	audit       AuditPort
	logger      *slog.Logger
	concurrency int
	itemTimeout time.Duration
	timeout     time.Duration
}

// NewService builds Service. converter is only needed for RecordReceipt.
func NewService(docs documents.RepositoryPort, converter Converter, audit AuditPort, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	return &Service{
		docs:        docs,
		converter:   converter,
		audit:       audit,
		logger:      logger,
		concurrency: cfg.Concurrency,
		itemTimeout: cfg.ItemTimeout,
		timeout:     cfg.PersistenceTimeout,
	}
}

// Reconcile recomputes outstanding amounts and statuses of every open note as of asOf.
func (s *Service) Reconcile(ctx context.Context, asOf time.Time) (Result, error) {
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}
	notes, err := s.openNotes(ctx)
	if err != nil {
		return Result{}, err
	}
	res := Result{AsOf: asOf}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(s.concurrency)
	for _, note := range notes {
		note := note
		g.Go(func() error {
			out, err := s.reconcileNote(ctx, note.Ref(), asOf)
			mu.Lock()
			defer mu.Unlock()
			res.Processed++
			if err != nil {
				res.Errors = append(res.Errors, ItemError{NoteID: note.ID, Number: note.Number, Error: err.Error()})
				s.logger.Warn("reconcile note", slog.Int64("note_id", note.ID), slog.Any("error", err))
				return nil
			}
			res.Outcomes = append(res.Outcomes, out)
			if out.To == documents.StatusReconciled {
				res.ReconciledCount++
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(res.Outcomes, func(i, j int) bool { return res.Outcomes[i].NoteID < res.Outcomes[j].NoteID })
	sort.Slice(res.Errors, func(i, j int) bool { return res.Errors[i].NoteID < res.Errors[j].NoteID })
	s.logger.Info("reconciliation finished",
		slog.Time("as_of", asOf),
		slog.Int("processed", res.Processed),
		slog.Int("reconciled", res.ReconciledCount),
		slog.Int("errors", len(res.Errors)))
	return res, nil
}

func (s *Service) openNotes(ctx context.Context) ([]documents.Document, error) {
	filter := documents.ListFilter{
		Type:     documents.TypePromissoryNote,
		Statuses: pending,
		Limit:    500,
	}
	var out []documents.Document
	for {
		page, err := s.listPage(ctx, filter)
		if err != nil {
			return nil, fmt.Errorf("reconciliation: list notes: %w", db.Translate(err))
		}
		out = append(out, page...)
		if len(page) < filter.Limit {
			return out, nil
		}
		filter.Offset += len(page)
	}
}

func (s *Service) listPage(ctx context.Context, filter documents.ListFilter) ([]documents.Document, error) {
	ctx, cancel := db.Bounded(ctx, s.timeout)
	defer cancel()
	return s.docs.List(ctx, filter)
}

// reconcileNote settles one note in its own transaction.
func (s *Service) reconcileNote(ctx context.Context, ref documents.Ref, asOf time.Time) (Outcome, error) {
	ctx, cancel := db.Bounded(ctx, s.itemTimeout)
	defer cancel()

	var out Outcome
	err := s.docs.WithTx(ctx, func(ctx context.Context, tx documents.TxRepository) error {
		note, err := tx.GetForUpdate(ctx, ref)
		if err != nil {
			return err
		}
		receipts, err := tx.ListChildren(ctx, ref, documents.TypeReceipt)
		if err != nil {
			return err
		}
		received := decimal.Zero
		for _, r := range receipts {
			received = received.Add(r.TotalAmount)
		}
		outstanding := note.TotalAmount.Sub(received)
		if outstanding.IsNegative() {
			outstanding = decimal.Zero
		}
		out = Outcome{NoteID: note.ID, Number: note.Number, From: note.Status, Outstanding: outstanding}

		next := Classify(note, outstanding, asOf)
		out.To = next
		if next == note.Status && outstanding.Equal(note.OutstandingAmount) {
			return nil
		}
		if err := note.Transition(next); err != nil {
			return err
		}
		note.OutstandingAmount = outstanding
		if outstanding.IsZero() {
			note.MarkFullyConverted()
		}
		if _, err := tx.Update(ctx, note); err != nil {
			return err
		}
		if note.Source != nil && note.Source.Type == documents.TypeSale {
			return settleSale(ctx, tx, *note.Source, note, received)
		}
		return nil
	})
	if err != nil {
		return Outcome{}, db.Translate(err)
	}
	return out, nil
}

// Classify derives a note's status from its outstanding amount.
func Classify(note documents.Document, outstanding decimal.Decimal, asOf time.Time) documents.Status {
	switch {
	case !outstanding.IsPositive():
		return documents.StatusReconciled
	case note.DueDate != nil && note.DueDate.Before(asOf):
		return documents.StatusOverdue
	case outstanding.LessThan(note.TotalAmount):
		return documents.StatusPartiallyReconciled
	default:
		return documents.StatusOutstanding
	}
}

// settleSale mirrors the note's settlement onto the sale it was drawn from.
func settleSale(ctx context.Context, tx documents.TxRepository, ref documents.Ref, note documents.Document, received decimal.Decimal) error {
	sale, err := tx.GetForUpdate(ctx, ref)
	if err != nil {
		return err
	}
	status := documents.PaymentUnpaid
	switch {
	case note.Status == documents.StatusReconciled && note.TotalAmount.GreaterThanOrEqual(sale.TotalAmount):
		status = documents.PaymentPaid
	case received.IsPositive():
		status = documents.PaymentPartial
	}
	if sale.PaymentStatus == status {
		return nil
	}
	sale.PaymentStatus = status
	_, err = tx.Update(ctx, sale)
	return err
}

// ReceiptInput records a payment against a note.
type ReceiptInput struct {
	NoteID          int64           `json:"note_id" validate:"required,gt=0"`
	Amount          decimal.Decimal `json:"amount"`
	ClipToRemaining bool            `json:"clip_to_remaining"`
	IdempotencyKey  string          `json:"idempotency_key" validate:"max=128"`
	Note            string          `json:"note" validate:"max=1000"`
	ActorID         int64           `json:"-"`
}

// RecordReceipt converts part of a note into a receipt. The note's status is settled by the next run.
func (s *Service) RecordReceipt(ctx context.Context, in ReceiptInput) (conversion.Result, error) {
	if s.converter == nil {
		return conversion.Result{}, errors.New("reconciliation: receipts not configured")
	}
	amount := in.Amount
	res, err := s.converter.Convert(ctx, conversion.Request{
		SourceType: documents.TypePromissoryNote,
		SourceID:   in.NoteID,
		TargetType: documents.TypeReceipt,
		Payload: conversion.Payload{
			Amount:          &amount,
			ClipToRemaining: in.ClipToRemaining,
			IdempotencyKey:  in.IdempotencyKey,
			Note:            in.Note,
			ActorID:         in.ActorID,
		},
	})
	if err != nil {
		return conversion.Result{}, err
	}
	if !res.Replayed && s.audit != nil {
		err := s.audit.Record(ctx, shared.AuditLog{
			ActorID:  shared.ResolveActor(ctx, in.ActorID),
			Action:   "reconciliation:receipt",
			Entity:   string(documents.TypePromissoryNote),
			EntityID: fmt.Sprintf("%d", in.NoteID),
			Meta:     map[string]any{"receipt": res.Target.Number, "amount": res.Target.TotalAmount.String()},
		})
		if err != nil {
			s.logger.Warn("audit receipt", slog.Any("error", err))
		}
	}
	return res, nil
}
