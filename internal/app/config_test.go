package app

import (
	"testing"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultConfig(t *testing.T) Config {
	t.Helper()
	var cfg Config
	require.NoError(t, envconfig.Process("DOCFLOW_TEST_UNSET", &cfg))
	return cfg
}

func TestConfigDefaultsAreValid(t *testing.T) {
	cfg := defaultConfig(t)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "postgres", cfg.SequenceBackend)
	assert.Equal(t, 5*time.Second, cfg.PersistenceTimeout)
	assert.Equal(t, 4, cfg.ReconcileConcurrency)
	assert.False(t, cfg.IsProduction())
}

func TestConfigValidateCollectsEveryProblem(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.SequenceBackend = "mysql"
	cfg.PersistenceTimeout = 0
	cfg.ReconcileCron = "every tuesday"
	cfg.CommissionDefaultRate = "1.5"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"SEQUENCE_BACKEND", "PERSISTENCE_TIMEOUT", "RECONCILE_CRON", "COMMISSION_DEFAULT_RATE"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestConfigCommissionRates(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.CommissionAgentRates = "300:0.1, 301:0.025"

	rates, err := cfg.CommissionRates()
	require.NoError(t, err)
	assert.True(t, rates.Default.Equal(decimal.RequireFromString("0.05")))
	assert.True(t, rates.Agents[300].Equal(decimal.RequireFromString("0.1")))
	assert.True(t, rates.Agents[301].Equal(decimal.RequireFromString("0.025")))

	cfg.CommissionAgentRates = "300:-0.1"
	_, err = cfg.CommissionRates()
	require.ErrorContains(t, err, "COMMISSION_AGENT_RATES")

	cfg.CommissionAgentRates = "garbage"
	_, err = cfg.CommissionRates()
	require.ErrorContains(t, err, "COMMISSION_AGENT_RATES")
}
