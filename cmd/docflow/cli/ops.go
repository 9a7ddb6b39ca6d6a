package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/odyssey-erp/odyssey-docflow/internal/inventory"
	"github.com/odyssey-erp/odyssey-docflow/internal/reconciliation"
)

// Reconciler runs one reconciliation pass.
type Reconciler interface {
	Reconcile(ctx context.Context, asOf time.Time) (reconciliation.Result, error)
}

// BalanceMaintainer verifies and rebuilds cached stock balances.
type BalanceMaintainer interface {
	VerifyBalances(ctx context.Context) ([]inventory.Drift, error)
	RebuildBalances(ctx context.Context) (int, error)
}

// OpsCLI runs maintenance commands in-process against the database.
type OpsCLI struct {
	reconciler Reconciler
	balances   BalanceMaintainer
	now        func() time.Time
}

// NewOpsCLI constructs the helper. Either dependency may be nil when its command is not used.
func NewOpsCLI(reconciler Reconciler, balances BalanceMaintainer) *OpsCLI {
	return &OpsCLI{
		reconciler: reconciler,
		balances:   balances,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// ReconcileOptions defines available flags for the reconcile command.
type ReconcileOptions struct {
	// AsOf is YYYY-MM-DD or RFC3339. Empty means now.
	AsOf       string
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// ReconcileCommand runs a reconciliation pass. It exits 10 when some notes failed.
func (c *OpsCLI) ReconcileCommand(ctx context.Context, opts ReconcileOptions) int {
	stdout, stderr := writers(opts.Stdout, opts.Stderr)
	if c.reconciler == nil {
		_, _ = fmt.Fprintln(stderr, "reconcile: not configured")
		return 1
	}
	asOf, err := parseAsOf(opts.AsOf, c.now())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "reconcile: %v\n", err)
		return 1
	}
	res, err := c.reconciler.Reconcile(ctx, asOf)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "reconcile: %v\n", err)
		return 1
	}
	if opts.JSONOutput {
		if err := json.NewEncoder(stdout).Encode(res); err != nil {
			_, _ = fmt.Fprintf(stderr, "reconcile: encode json: %v\n", err)
			return 1
		}
	} else {
		_, _ = fmt.Fprintf(stdout, "as of %s: processed=%d reconciled=%d errors=%d\n",
			res.AsOf.Format(time.RFC3339), res.Processed, res.ReconciledCount, len(res.Errors))
		for _, o := range res.Outcomes {
			if o.From != o.To {
				_, _ = fmt.Fprintf(stdout, "  %s %s -> %s outstanding=%s\n", o.Number, o.From, o.To, o.Outstanding.StringFixed(2))
			}
		}
		for _, e := range res.Errors {
			_, _ = fmt.Fprintf(stdout, "  %s failed: %s\n", e.Number, e.Error)
		}
	}
	if len(res.Errors) > 0 {
		return 10
	}
	return 0
}

// BalancesOptions defines available flags for the rebuild-balances command.
type BalancesOptions struct {
	// VerifyOnly reports drift without repairing it.
	VerifyOnly bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// BalancesCommand verifies cached balances and rebuilds them unless VerifyOnly is set.
// In verify-only mode it exits 10 when drift exists.
func (c *OpsCLI) BalancesCommand(ctx context.Context, opts BalancesOptions) int {
	stdout, stderr := writers(opts.Stdout, opts.Stderr)
	if c.balances == nil {
		_, _ = fmt.Fprintln(stderr, "rebuild-balances: not configured")
		return 1
	}
	drift, err := c.balances.VerifyBalances(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "rebuild-balances: verify: %v\n", err)
		return 1
	}
	for _, d := range drift {
		_, _ = fmt.Fprintf(stdout, "drift product=%d store=%d cached=%s ledger=%s\n",
			d.ProductID, d.StoreID, d.Cached.String(), d.Ledger.String())
	}
	if opts.VerifyOnly {
		if len(drift) > 0 {
			return 10
		}
		_, _ = fmt.Fprintln(stdout, "balances match the ledger")
		return 0
	}
	changed, err := c.balances.RebuildBalances(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "rebuild-balances: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "rebuilt %d balances\n", changed)
	return 0
}

func parseAsOf(raw string, now time.Time) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return now, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, errors.New("invalid --as-of (expected YYYY-MM-DD or RFC3339)")
	}
	return t.UTC(), nil
}
