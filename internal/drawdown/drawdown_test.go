package drawdown

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pnlbloom/pnl-engine/internal/equity"
	"github.com/pnlbloom/pnl-engine/internal/model"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func day(n int) time.Time {
	return time.Date(2025, 1, n, 0, 0, 0, 0, time.UTC)
}

// curve builds an equity curve from one net change per consecutive day.
func curve(changes ...string) []model.EquityPoint {
	acts := make([]equity.Activity, len(changes))
	for i, c := range changes {
		acts[i] = equity.Activity{Time: day(i + 1), TradingPnL: d(c)}
	}
	return equity.Build(acts)
}

func TestDetect_SingleRecoveredEpisode(t *testing.T) {
	events := Detect(curve("100", "-150", "230"))

	require.Len(t, events, 1)
	ev := events[0]
	assert.True(t, ev.PeakEquity.Equal(d("100")))
	assert.True(t, ev.TroughEquity.Equal(d("-50")))
	assert.True(t, ev.Depth.Equal(d("150")))
	assert.True(t, ev.DepthPct.Equal(d("1.5")))
	assert.True(t, ev.PeakDate.Equal(day(1)))
	assert.True(t, ev.TroughDate.Equal(day(2)))
	require.NotNil(t, ev.RecoveryDate)
	assert.True(t, ev.RecoveryDate.Equal(day(3)))
	require.NotNil(t, ev.RecoveryDays)
	assert.Equal(t, 2, *ev.RecoveryDays)
	assert.True(t, ev.IsRecovered)
}

func TestDetect_UnrecoveredAtEnd(t *testing.T) {
	events := Detect(curve("50", "-20", "-10", "15"))

	require.Len(t, events, 1)
	ev := events[0]
	assert.False(t, ev.IsRecovered)
	assert.Nil(t, ev.RecoveryDate)
	assert.Nil(t, ev.RecoveryDays)
	assert.True(t, ev.TroughEquity.Equal(d("20")))
	assert.True(t, ev.Depth.Equal(d("30")))
}

func TestDetect_PartialRebound(t *testing.T) {
	// Ends at 30, still below the 100 peak.
	events := Detect(curve("100", "-150", "80"))

	require.Len(t, events, 1)
	ev := events[0]
	assert.False(t, ev.IsRecovered)
	assert.True(t, ev.PeakEquity.Equal(d("100")))
	assert.True(t, ev.TroughEquity.Equal(d("-50")))
	assert.True(t, ev.Depth.Equal(d("150")))
}

func TestDetect_ReturnToPeakIsNotRecovery(t *testing.T) {
	events := Detect(curve("10", "-5", "5"))
	require.Len(t, events, 1)
	assert.False(t, events[0].IsRecovered)
}

func TestDetect_MonotonicCurveHasNoEpisodes(t *testing.T) {
	assert.Empty(t, Detect(curve("1", "2", "3")))
	assert.Empty(t, Detect(nil))
}

func TestDetect_LossFromStart(t *testing.T) {
	events := Detect(curve("-10", "25"))
	require.Len(t, events, 1)
	assert.True(t, events[0].PeakEquity.IsZero())
	assert.True(t, events[0].DepthPct.IsZero())
	assert.True(t, events[0].IsRecovered)
}

func TestDetect_EpisodeOrdering(t *testing.T) {
	events := Detect(curve("100", "-40", "60", "-70", "-5", "200", "-1"))
	require.Len(t, events, 3)

	for _, ev := range events {
		assert.False(t, ev.Depth.IsNegative())
		assert.False(t, ev.TroughDate.Before(ev.PeakDate))
		if ev.IsRecovered {
			require.NotNil(t, ev.RecoveryDate)
			assert.False(t, ev.RecoveryDate.Before(ev.TroughDate))
		}
	}

	m := Max(events)
	require.NotNil(t, m)
	assert.True(t, m.Depth.Equal(d("75")))
}
