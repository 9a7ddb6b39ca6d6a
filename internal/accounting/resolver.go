// Package accounting resolves the ledger accounts that payouts are booked against.
// Journal posting itself happens outside this service; only account identifiers cross the boundary.
package accounting

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrMappingNotFound indicates no account is mapped for the requested key.
var ErrMappingNotFound = errors.New("accounting: account mapping not found")

const (
	moduleCommission = "COMMISSION"
	defaultKey       = "default"
)

// AccountResolver returns the opaque account a sales agent's commission is paid from.
type AccountResolver interface {
	CommissionPayoutAccount(ctx context.Context, agentID int64) (string, error)
}

// StaticResolver pays every agent from one configured account.
type StaticResolver struct {
	Account string
}

func (r StaticResolver) CommissionPayoutAccount(_ context.Context, agentID int64) (string, error) {
	if strings.TrimSpace(r.Account) == "" {
		return "", fmt.Errorf("%w: agent %d", ErrMappingNotFound, agentID)
	}
	return r.Account, nil
}

// PGResolver reads account_mappings, preferring a per-agent row over the module default.
type PGResolver struct {
	db       *pgxpool.Pool
	fallback AccountResolver
}

// NewPGResolver constructs PGResolver. fallback may be nil.
func NewPGResolver(db *pgxpool.Pool, fallback AccountResolver) *PGResolver {
	return &PGResolver{db: db, fallback: fallback}
}

func (r *PGResolver) CommissionPayoutAccount(ctx context.Context, agentID int64) (string, error) {
	for _, key := range []string{"agent:" + strconv.FormatInt(agentID, 10), defaultKey} {
		account, err := r.lookup(ctx, moduleCommission, key)
		if errors.Is(err, ErrMappingNotFound) {
			continue
		}
		return account, err
	}
	if r.fallback != nil {
		return r.fallback.CommissionPayoutAccount(ctx, agentID)
	}
	return "", fmt.Errorf("%w: agent %d", ErrMappingNotFound, agentID)
}

func (r *PGResolver) lookup(ctx context.Context, module, key string) (string, error) {
	var account string
	err := r.db.QueryRow(ctx, `SELECT account_code FROM account_mappings WHERE module=$1 AND key=$2`, module, key).Scan(&account)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrMappingNotFound
	}
	return account, err
}
