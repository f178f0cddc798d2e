package margin

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pnlbloom/pnl-engine/internal/model"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func day(y int, m time.Month, dd int) time.Time {
	return time.Date(y, m, dd, 0, 0, 0, 0, time.UTC)
}

func snaps() []model.MarginSnapshot {
	return []model.MarginSnapshot{
		{Day: day(2025, 1, 10), AccountValue: d("10000"), TotalMarginUsed: d("2000")}, // 0.2
		{Day: day(2025, 1, 1), AccountValue: d("10000"), TotalMarginUsed: d("1000")},  // 0.1
		{Day: day(2025, 1, 20), AccountValue: d("0"), TotalMarginUsed: d("100")},      // ignored
	}
}

func TestRatio_ExactDay(t *testing.T) {
	e := NewEstimator(snaps(), decimal.Zero)
	r, ok := e.Ratio(day(2025, 1, 10).Add(15 * time.Hour))
	require.True(t, ok)
	assert.True(t, r.Equal(d("0.2")))
}

func TestRatio_NearestPriorDay(t *testing.T) {
	e := NewEstimator(snaps(), decimal.Zero)

	r, ok := e.Ratio(day(2025, 1, 5))
	require.True(t, ok)
	assert.True(t, r.Equal(d("0.1")))

	// Zero-value snapshot on the 20th is skipped; the 10th still applies.
	r, ok = e.Ratio(day(2025, 1, 25))
	require.True(t, ok)
	assert.True(t, r.Equal(d("0.2")))
}

func TestRatio_BeforeFirstSnapshot(t *testing.T) {
	e := NewEstimator(snaps(), decimal.Zero)
	_, ok := e.Ratio(day(2024, 12, 31))
	assert.False(t, ok)
}

func TestEstimate_FromSnapshot(t *testing.T) {
	e := NewEstimator(snaps(), decimal.Zero)
	est := e.Estimate(d("5000"), day(2025, 1, 12))

	assert.False(t, est.Fallback)
	assert.True(t, est.MarginUsed.Equal(d("1000")), est.MarginUsed.String())
	assert.True(t, est.Leverage.Equal(d("5")), est.Leverage.String())
}

func TestEstimate_DefaultLeverageWithoutSnapshots(t *testing.T) {
	e := NewEstimator(nil, decimal.Zero)
	est := e.Estimate(d("1000"), day(2025, 1, 12))

	assert.True(t, est.Fallback)
	assert.True(t, est.Leverage.Equal(DefaultLeverage))
	assert.True(t, est.MarginUsed.Equal(d("200")))
}

func TestEstimate_CustomDefault(t *testing.T) {
	e := NewEstimator(nil, d("10"))
	est := e.Estimate(d("1000"), day(2025, 1, 12))

	assert.True(t, est.Leverage.Equal(d("10")))
	assert.True(t, est.MarginUsed.Equal(d("100")))
}

func TestEstimate_ZeroMarginSnapshotFallsBack(t *testing.T) {
	e := NewEstimator([]model.MarginSnapshot{
		{Day: day(2025, 1, 1), AccountValue: d("100"), TotalMarginUsed: decimal.Zero},
	}, decimal.Zero)
	est := e.Estimate(d("50"), day(2025, 1, 2))
	assert.True(t, est.Fallback)
}
