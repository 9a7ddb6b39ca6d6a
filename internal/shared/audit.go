package shared

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Execer is the slice of pgx used by the audit and idempotency stores.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// AuditLog is one row of audit_logs. A zero ActorID falls back to the actor on the context.
type AuditLog struct {
	ActorID  int64
	Action   string
	Entity   string
	EntityID string
	Meta     map[string]any
	At       time.Time
}

func (l AuditLog) validate() error {
	if l.Action == "" || l.Entity == "" || l.EntityID == "" {
		return fmt.Errorf("%w: audit log requires action, entity and entity id", ErrValidation)
	}
	return nil
}

// AuditLogger appends to audit_logs.
type AuditLogger struct {
	db  Execer
	now func() time.Time
}

// NewAuditLogger returns an AuditLogger writing through db.
func NewAuditLogger(db Execer) *AuditLogger {
	return &AuditLogger{db: db, now: func() time.Time { return time.Now().UTC() }}
}

const insertAudit = `INSERT INTO audit_logs (actor_id, action, entity, entity_id, meta, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6)`

// Record persists one entry.
func (l *AuditLogger) Record(ctx context.Context, log AuditLog) error {
	if l == nil || l.db == nil {
		return errors.New("shared: audit logger not initialised")
	}
	if err := log.validate(); err != nil {
		return err
	}
	if log.Meta == nil {
		log.Meta = map[string]any{}
	}
	meta, err := json.Marshal(log.Meta)
	if err != nil {
		return fmt.Errorf("shared: encode audit meta: %w", err)
	}
	at := log.At
	if at.IsZero() {
		at = l.now()
	}
	var actor *int64
	if id := ResolveActor(ctx, log.ActorID); id != 0 {
		actor = &id
	}
	if _, err := l.db.Exec(ctx, insertAudit, actor, log.Action, log.Entity, log.EntityID, meta, at); err != nil {
		return fmt.Errorf("shared: record audit %s: %w", log.Action, err)
	}
	return nil
}
