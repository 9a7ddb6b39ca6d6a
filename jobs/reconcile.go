package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-docflow/internal/documents"
	jobmetrics "github.com/odyssey-erp/odyssey-docflow/internal/jobs"
	"github.com/odyssey-erp/odyssey-docflow/internal/reconciliation"
)

// Reconciler runs one reconciliation pass.
type Reconciler interface {
	Reconcile(ctx context.Context, asOf time.Time) (reconciliation.Result, error)
}

// ReconcileJob runs reconciliation from the queue.
type ReconcileJob struct {
	Service Reconciler
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewReconcileJob initialises the reconciliation handler.
func NewReconcileJob(service Reconciler, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReconcileJob {
	return &ReconcileJob{
		Service: service,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes a reconciliation run. Per-note failures are logged and counted but do not fail the task.
func (j *ReconcileJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("reconcile: handler not configured")
	}
	var payload ReconcilePayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	if payload.AsOf.IsZero() {
		payload.AsOf = j.now()
	}

	tracker := j.metrics().Track(TaskReconcile)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.Time("as_of", payload.AsOf))
	res, err := j.Service.Reconcile(ctx, payload.AsOf)
	if err != nil {
		resultErr = err
		logger.Error("reconciliation failed", slog.Any("error", err))
		return resultErr
	}

	byStatus := map[documents.Status]int{}
	for _, o := range res.Outcomes {
		byStatus[o.To]++
	}
	for status, n := range byStatus {
		j.metrics().AddNotes(string(status), n)
	}
	j.metrics().AddNotes("error", len(res.Errors))
	for _, e := range res.Errors {
		logger.Warn("note not reconciled", slog.Int64("note_id", e.NoteID), slog.String("number", e.Number), slog.String("error", e.Error))
	}
	logger.Info("completed reconciliation",
		slog.Int("processed", res.Processed),
		slog.Int("reconciled", res.ReconciledCount),
		slog.Int("errors", len(res.Errors)),
	)
	return resultErr
}

func (j *ReconcileJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskReconcile))
	}
	return slog.Default().With(slog.String("job", TaskReconcile))
}

func (j *ReconcileJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *ReconcileJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
