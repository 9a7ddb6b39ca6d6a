package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/odyssey-erp/odyssey-docflow/internal/shared"
)

const (
	codeUniqueViolation      = "23505"
	codeForeignKeyViolation  = "23503"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeQueryCanceled        = "57014"
)

// Translate maps driver and context errors onto the shared error taxonomy.
// Errors already carrying a shared sentinel are returned unchanged.
func Translate(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, shared.ErrTimeout),
		errors.Is(err, shared.ErrConcurrentModification),
		errors.Is(err, shared.ErrNotFound):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", shared.ErrTimeout, err)
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("%w: %w", shared.ErrNotFound, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected:
			return fmt.Errorf("%w: %s", shared.ErrConcurrentModification, pgErr.Message)
		case codeQueryCanceled:
			return fmt.Errorf("%w: %s", shared.ErrTimeout, pgErr.Message)
		case codeForeignKeyViolation:
			return fmt.Errorf("%w: %s", shared.ErrInvalidReference, pgErr.ConstraintName)
		}
	}
	return err
}

// IsUniqueViolation reports whether err is a unique constraint failure.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation
}
