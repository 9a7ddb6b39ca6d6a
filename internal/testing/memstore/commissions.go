package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/odyssey-erp/odyssey-docflow/internal/commission"
	"github.com/odyssey-erp/odyssey-docflow/internal/shared"
)

// Commissions is an in-memory commission.RepositoryPort.
type Commissions struct {
	mu         sync.Mutex
	seq        int64
	rows       map[int64]commission.Commission
	payouts    map[string]bool
	failUpdate error
}

// NewCommissions returns an empty repository.
func NewCommissions() *Commissions {
	return &Commissions{rows: map[int64]commission.Commission{}, payouts: map[string]bool{}}
}

// FailNextUpdate makes the next Update inside a transaction return err.
func (c *Commissions) FailNextUpdate(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failUpdate = err
}

// PayoutClaimed reports whether a committed transaction holds key.
func (c *Commissions) PayoutClaimed(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.payouts[key]
}

func (c *Commissions) WithTx(ctx context.Context, fn func(context.Context, commission.TxRepository) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := make(map[int64]commission.Commission, len(c.rows))
	for k, v := range c.rows {
		snapshot[k] = v
	}
	payouts := make(map[string]bool, len(c.payouts))
	for k, v := range c.payouts {
		payouts[k] = v
	}
	seq := c.seq
	if err := fn(ctx, commissionTx{c}); err != nil {
		c.rows, c.payouts, c.seq = snapshot, payouts, seq
		return err
	}
	return nil
}

func (c *Commissions) Get(_ context.Context, id int64) (commission.Commission, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.get(id)
}

func (c *Commissions) FindBySale(_ context.Context, agentID, saleID int64) (commission.Commission, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.findBySale(agentID, saleID)
}

func (c *Commissions) List(_ context.Context, f commission.Filter) ([]commission.Commission, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []commission.Commission
	for _, row := range c.rows {
		if f.Matches(row) {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	from, to := shared.Page{Limit: f.Limit, Offset: f.Offset}.Normalize().Slice(len(out))
	return out[from:to], nil
}

func (c *Commissions) get(id int64) (commission.Commission, error) {
	row, ok := c.rows[id]
	if !ok {
		return commission.Commission{}, fmt.Errorf("commission %d: %w", id, shared.ErrNotFound)
	}
	return row, nil
}

func (c *Commissions) findBySale(agentID, saleID int64) (commission.Commission, error) {
	for _, row := range c.rows {
		if row.AgentID == agentID && row.SaleID == saleID {
			return row, nil
		}
	}
	return commission.Commission{}, fmt.Errorf("commission for sale %d: %w", saleID, shared.ErrNotFound)
}

type commissionTx struct{ c *Commissions }

func (t commissionTx) Insert(_ context.Context, row commission.Commission) (commission.Commission, bool, error) {
	if existing, err := t.c.findBySale(row.AgentID, row.SaleID); err == nil {
		return existing, false, nil
	}
	t.c.seq++
	row.ID, row.Version = t.c.seq, 1
	t.c.rows[row.ID] = row
	return row, true, nil
}

func (t commissionTx) GetForUpdate(_ context.Context, id int64) (commission.Commission, error) {
	return t.c.get(id)
}

func (t commissionTx) Update(_ context.Context, row commission.Commission) (commission.Commission, error) {
	if err := t.c.failUpdate; err != nil {
		t.c.failUpdate = nil
		return commission.Commission{}, err
	}
	current, err := t.c.get(row.ID)
	if err != nil {
		return commission.Commission{}, err
	}
	if current.Version != row.Version {
		return commission.Commission{}, fmt.Errorf("%w: commission %d", shared.ErrConcurrentModification, row.ID)
	}
	row.Version++
	row.UpdatedAt = time.Now().UTC()
	t.c.rows[row.ID] = row
	return row, nil
}

func (t commissionTx) ClaimPayout(_ context.Context, key string) error {
	if t.c.payouts[key] {
		return fmt.Errorf("%w: %s", shared.ErrIdempotencyConflict, key)
	}
	t.c.payouts[key] = true
	return nil
}
