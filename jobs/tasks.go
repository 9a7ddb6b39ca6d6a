package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-docflow/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskReconcile settles open promissory notes against their receipts.
	TaskReconcile = "docflow:reconcile"
	// TaskLedgerIntegrity compares stored balances with the ledger sum.
	TaskLedgerIntegrity = "docflow:ledger_integrity"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// ReconcilePayload selects the reconciliation date. A zero AsOf means the time the task runs.
type ReconcilePayload struct {
	AsOf time.Time `json:"as_of,omitempty"`
}

// NewReconcileTask constructs an Asynq task for reconciliation.
func NewReconcileTask(payload ReconcilePayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReconcile, body, asynq.Queue(QueueDefault), asynq.MaxRetry(3)), nil
}

// LedgerIntegrityPayload controls the integrity check.
type LedgerIntegrityPayload struct {
	// Repair rebuilds balances from the ledger when drift is found.
	Repair bool `json:"repair"`
}

// NewLedgerIntegrityTask constructs an Asynq task for the ledger integrity check.
func NewLedgerIntegrityTask(payload LedgerIntegrityPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerIntegrity, body, asynq.Queue(QueueDefault), asynq.MaxRetry(1)), nil
}
