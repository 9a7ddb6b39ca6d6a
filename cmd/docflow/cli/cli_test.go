package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-docflow/internal/documents"
	"github.com/odyssey-erp/odyssey-docflow/internal/inventory"
	"github.com/odyssey-erp/odyssey-docflow/internal/reconciliation"
	"github.com/odyssey-erp/odyssey-docflow/jobs"
)

type stubReconciler struct {
	asOf   time.Time
	result reconciliation.Result
	err    error
}

func (s *stubReconciler) Reconcile(_ context.Context, asOf time.Time) (reconciliation.Result, error) {
	s.asOf = asOf
	s.result.AsOf = asOf
	return s.result, s.err
}

type stubBalances struct {
	drift   []inventory.Drift
	rebuilt bool
}

func (s *stubBalances) VerifyBalances(context.Context) ([]inventory.Drift, error) {
	return s.drift, nil
}

func (s *stubBalances) RebuildBalances(context.Context) (int, error) {
	s.rebuilt = true
	return len(s.drift), nil
}

type stubEnqueuer struct {
	tasks []*asynq.Task
}

func (s *stubEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	s.tasks = append(s.tasks, task)
	return &asynq.TaskInfo{ID: "t-1", Type: task.Type(), Queue: jobs.QueueDefault}, nil
}

func (s *stubEnqueuer) Close() error { return nil }

type stubInspector struct {
	info *asynq.QueueInfo
	err  error
}

func (s stubInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) { return s.info, s.err }

func (s stubInspector) ListScheduledTasks(string, ...asynq.ListOption) ([]*asynq.TaskInfo, error) {
	return nil, nil
}

func (s stubInspector) Close() error { return nil }

func TestReconcileCommandParsesDateAndPrintsJSON(t *testing.T) {
	rec := &stubReconciler{result: reconciliation.Result{
		Processed:       1,
		ReconciledCount: 1,
		Outcomes: []reconciliation.Outcome{{
			NoteID: 1, Number: "PN-000001",
			From: documents.StatusOutstanding, To: documents.StatusReconciled,
			Outstanding: decimal.Zero,
		}},
	}}
	cli := NewOpsCLI(rec, nil)

	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	code := cli.ReconcileCommand(context.Background(), ReconcileOptions{
		AsOf: "2024-03-31", JSONOutput: true, Stdout: stdout, Stderr: stderr,
	})
	require.Equal(t, 0, code, stderr.String())
	require.Equal(t, time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC), rec.asOf)

	var out reconciliation.Result
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &out))
	require.Equal(t, 1, out.ReconciledCount)
}

func TestReconcileCommandExitCodes(t *testing.T) {
	rec := &stubReconciler{result: reconciliation.Result{
		Processed: 1,
		Errors:    []reconciliation.ItemError{{NoteID: 2, Number: "PN-000002", Error: "timeout"}},
	}}
	cli := NewOpsCLI(rec, nil)
	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)

	require.Equal(t, 10, cli.ReconcileCommand(context.Background(), ReconcileOptions{Stdout: stdout, Stderr: stderr}))
	require.Contains(t, stdout.String(), "PN-000002 failed: timeout")

	require.Equal(t, 1, cli.ReconcileCommand(context.Background(), ReconcileOptions{AsOf: "31/03/2024", Stdout: stdout, Stderr: stderr}))
	require.Contains(t, stderr.String(), "invalid --as-of")

	rec.err = errors.New("database down")
	require.Equal(t, 1, cli.ReconcileCommand(context.Background(), ReconcileOptions{Stdout: stdout, Stderr: stderr}))
}

func TestBalancesCommand(t *testing.T) {
	balances := &stubBalances{drift: []inventory.Drift{{
		ProductID: 1, StoreID: 10, Cached: decimal.NewFromInt(5), Ledger: decimal.NewFromInt(3),
	}}}
	cli := NewOpsCLI(nil, balances)
	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)

	require.Equal(t, 10, cli.BalancesCommand(context.Background(), BalancesOptions{VerifyOnly: true, Stdout: stdout, Stderr: stderr}))
	require.False(t, balances.rebuilt)
	require.Contains(t, stdout.String(), "drift product=1 store=10 cached=5 ledger=3")

	stdout.Reset()
	require.Equal(t, 0, cli.BalancesCommand(context.Background(), BalancesOptions{Stdout: stdout, Stderr: stderr}))
	require.True(t, balances.rebuilt)
	require.Contains(t, stdout.String(), "rebuilt 1 balances")
}

func TestJobsTriggerAndStats(t *testing.T) {
	enq := &stubEnqueuer{}
	cli := &JobsCLI{client: enq, inspector: stubInspector{info: &asynq.QueueInfo{Queue: jobs.QueueDefault, Pending: 3, Retry: 1}}}
	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)

	require.Equal(t, 0, cli.TriggerCommand(context.Background(), TriggerOptions{Name: "ledger-integrity", Repair: true, Stdout: stdout, Stderr: stderr}))
	require.Len(t, enq.tasks, 1)
	require.Equal(t, jobs.TaskLedgerIntegrity, enq.tasks[0].Type())
	var payload jobs.LedgerIntegrityPayload
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &payload))
	require.True(t, payload.Repair)

	require.Equal(t, 1, cli.TriggerCommand(context.Background(), TriggerOptions{Name: "unknown", Stdout: stdout, Stderr: stderr}))
	require.Contains(t, stderr.String(), "unsupported job unknown")

	stdout.Reset()
	require.Equal(t, 0, cli.StatsCommand(context.Background(), StatsOptions{JSONOutput: true, Stdout: stdout, Stderr: stderr}))
	var stats QueueStats
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &stats))
	require.Equal(t, 3, stats.Pending)
	require.Equal(t, 1, stats.Retry)

	failing := &JobsCLI{inspector: stubInspector{err: errors.New("redis unreachable")}}
	require.Equal(t, 1, failing.StatsCommand(context.Background(), StatsOptions{Stdout: stdout, Stderr: stderr}))
}
