package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pnlbloom/pnl-engine/internal/funding"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.CacheTTL)
	assert.Equal(t, 4, cfg.RecomputeWorkers)
	assert.True(t, cfg.MergeSameExit)
	assert.Equal(t, funding.PolicyDayOverlap, cfg.FundingPolicy)
	assert.Equal(t, "5", cfg.DefaultLeverage.String())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DEFAULT_LEVERAGE", "3.5")
	t.Setenv("MERGE_SAME_EXIT", "false")
	t.Setenv("FUNDING_POLICY", "interval")
	t.Setenv("RECOMPUTE_INTERVAL", "1m")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, time.Minute, cfg.RecomputeInterval)

	ec := cfg.Engine()
	assert.Equal(t, "3.5", ec.DefaultLeverage.String())
	assert.False(t, ec.MergeSameExit)
	assert.Equal(t, funding.PolicyInterval, ec.FundingPolicy)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name, key, value string
	}{
		{"zero leverage", "DEFAULT_LEVERAGE", "0"},
		{"bad leverage", "DEFAULT_LEVERAGE", "five"},
		{"no workers", "RECOMPUTE_WORKERS", "0"},
		{"unknown policy", "FUNDING_POLICY", "pro_rata"},
		{"bad level", "LOG_LEVEL", "loud"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, l)

	l, err = ParseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, l)
}
