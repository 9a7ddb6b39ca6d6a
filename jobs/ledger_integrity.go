package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-docflow/internal/inventory"
	jobmetrics "github.com/odyssey-erp/odyssey-docflow/internal/jobs"
)

// BalanceChecker verifies and rebuilds derived stock balances.
type BalanceChecker interface {
	VerifyBalances(ctx context.Context) ([]inventory.Drift, error)
	RebuildBalances(ctx context.Context) (int, error)
}

// LedgerIntegrityJob checks that every balance equals the sum of its ledger entries.
type LedgerIntegrityJob struct {
	Ledger  BalanceChecker
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewLedgerIntegrityJob initialises the integrity handler.
func NewLedgerIntegrityJob(ledger BalanceChecker, logger *slog.Logger, metrics *jobmetrics.Metrics) *LedgerIntegrityJob {
	return &LedgerIntegrityJob{Ledger: ledger, Logger: logger, Metrics: metrics}
}

// Handle runs the check, rebuilding balances when the payload asks for repair.
func (j *LedgerIntegrityJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Ledger == nil {
		return errors.New("ledger integrity: handler not configured")
	}
	var payload LedgerIntegrityPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	metrics := j.Metrics
	if metrics == nil {
		metrics = defaultJobMetrics
	}
	tracker := metrics.Track(TaskLedgerIntegrity)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("job", TaskLedgerIntegrity))

	drifts, err := j.Ledger.VerifyBalances(ctx)
	if err != nil {
		resultErr = err
		logger.Error("verify balances", slog.Any("error", err))
		return resultErr
	}
	metrics.SetLedgerDrift(len(drifts))
	for _, d := range drifts {
		logger.Warn("balance drift",
			slog.Int64("product_id", d.ProductID),
			slog.Int64("store_id", d.StoreID),
			slog.String("cached", d.Cached.String()),
			slog.String("ledger", d.Ledger.String()))
	}
	if len(drifts) == 0 || !payload.Repair {
		logger.Info("ledger integrity checked", slog.Int("drift", len(drifts)))
		return resultErr
	}
	rebuilt, err := j.Ledger.RebuildBalances(ctx)
	if err != nil {
		resultErr = err
		logger.Error("rebuild balances", slog.Any("error", err))
		return resultErr
	}
	metrics.SetLedgerDrift(0)
	logger.Info("balances rebuilt", slog.Int("balances", rebuilt))
	return resultErr
}
