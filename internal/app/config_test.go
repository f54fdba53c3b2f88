package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("AUDIT_CHAIN_KEY", "test-key")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "development", cfg.AppEnv)
	require.Equal(t, 2160*time.Hour, cfg.AuditRetention)
	require.False(t, cfg.IsProduction())
}

func TestLoadConfigRequiresChainKey(t *testing.T) {
	t.Setenv("AUDIT_CHAIN_KEY", "")

	_, err := LoadConfig()
	require.Error(t, err)
}

func TestRateTiersFromEnvironment(t *testing.T) {
	t.Setenv("AUDIT_CHAIN_KEY", "test-key")
	t.Setenv("RATE_READ_CAPACITY", "200")
	t.Setenv("RATE_READ_REFILL_PER_SEC", "100")
	t.Setenv("RATE_DELETE_CAPACITY", "2")
	t.Setenv("RATE_IDLE_WINDOW", "1m")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	rc := cfg.RateTiers()
	require.Equal(t, 200, rc.Tiers["read"].Capacity)
	require.InDelta(t, 0.1, rc.Tiers["read"].RefillPerMs, 1e-9)
	require.Equal(t, 2, rc.Tiers["delete"].Capacity)
	require.Equal(t, time.Minute, rc.IdleWindow)
}

func TestRateTiersDefaultsMatchStandardBudgets(t *testing.T) {
	t.Setenv("AUDIT_CHAIN_KEY", "test-key")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	rc := cfg.RateTiers()
	require.Equal(t, 100, rc.Tiers["read"].Capacity)
	require.InDelta(t, 0.05, rc.Tiers["read"].RefillPerMs, 1e-9)
	require.Equal(t, 20, rc.Tiers["update"].Capacity)
	require.Equal(t, 10, rc.Tiers["delete"].Capacity)
	require.InDelta(t, 0.005, rc.Tiers["delete"].RefillPerMs, 1e-9)
	require.Equal(t, 30, rc.Default.Capacity)
	require.Equal(t, 10*time.Minute, rc.IdleWindow)
}
