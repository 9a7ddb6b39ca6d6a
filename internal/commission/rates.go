package commission

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// RateSource supplies the commission rate for an agent.
type RateSource interface {
	Rate(ctx context.Context, agentID int64) (decimal.Decimal, error)
}

// ConfigRates serves rates from static configuration.
type ConfigRates struct {
	Default decimal.Decimal
	Agents  map[int64]decimal.Decimal
}

func (r ConfigRates) Rate(_ context.Context, agentID int64) (decimal.Decimal, error) {
	rate, ok := r.Agents[agentID]
	if !ok {
		rate = r.Default
	}
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("%w: agent %d has %s", ErrInvalidRate, agentID, rate)
	}
	return rate, nil
}

// ParseAgentRates reads "agentID:rate,agentID:rate" overrides.
func ParseAgentRates(raw string) (map[int64]decimal.Decimal, error) {
	out := map[int64]decimal.Decimal{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, rate, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, fmt.Errorf("commission: malformed agent rate %q", pair)
		}
		agentID, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
		if err != nil || agentID <= 0 {
			return nil, fmt.Errorf("commission: invalid agent id in %q", pair)
		}
		value, err := decimal.NewFromString(strings.TrimSpace(rate))
		if err != nil {
			return nil, fmt.Errorf("commission: invalid rate in %q: %w", pair, err)
		}
		out[agentID] = value
	}
	return out, nil
}
