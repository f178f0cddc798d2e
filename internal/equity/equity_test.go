package equity

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

func day(n, hour int) time.Time {
	return time.Date(2025, 3, n, hour, 0, 0, 0, time.UTC)
}

func TestBuild_GroupsByDayAndSkipsGaps(t *testing.T) {
	points := Build([]Activity{
		{Time: day(5, 9), TradingPnL: d("10"), Fees: d("1")},
		{Time: day(1, 23), TradingPnL: d("100")},
		{Time: day(5, 20), Funding: d("-2")},
	})

	require.Len(t, points, 2)
	assert.True(t, points[0].Day.Equal(day(1, 0)))
	assert.True(t, points[1].Day.Equal(day(5, 0)))
	assert.True(t, points[1].NetChange.Equal(d("7")))
	assert.True(t, points[1].CumulativeEquity.Equal(d("107")))
	assert.True(t, points[1].CumulativeFees.Equal(d("1")))
	assert.True(t, points[1].CumulativeFunding.Equal(d("-2")))
}

func TestBuild_PeakAndDrawdown(t *testing.T) {
	points := Build([]Activity{
		{Time: day(1, 0), TradingPnL: d("100")},
		{Time: day(2, 0), TradingPnL: d("-150")},
		{Time: day(3, 0), TradingPnL: d("230")},
	})

	require.Len(t, points, 3)
	peaks := []string{"100", "100", "180"}
	drawdowns := []string{"0", "150", "0"}
	for i, p := range points {
		assert.True(t, p.Peak.Equal(d(peaks[i])), "peak %d: %s", i, p.Peak)
		assert.True(t, p.Drawdown.Equal(d(drawdowns[i])), "drawdown %d: %s", i, p.Drawdown)
	}
	assert.True(t, points[1].DrawdownPct.Equal(d("1.5")), points[1].DrawdownPct.String())
}

func TestBuild_NegativeStartHasZeroPct(t *testing.T) {
	points := Build([]Activity{{Time: day(1, 0), TradingPnL: d("-5")}})
	require.Len(t, points, 1)
	assert.True(t, points[0].Peak.IsZero())
	assert.True(t, points[0].Drawdown.Equal(d("5")))
	assert.True(t, points[0].DrawdownPct.IsZero())
}

func TestBuild_ConservesTotals(t *testing.T) {
	var acts []Activity
	want := decimal.Zero
	for i := 0; i < 40; i++ {
		a := Activity{
			Time:       day(1, 0).Add(time.Duration(i*7) * time.Hour),
			TradingPnL: decimal.NewFromInt(int64(i%5 - 2)).Mul(d("13.37")),
			Funding:    decimal.NewFromInt(int64(i%3 - 1)).Mul(d("0.21")),
			Fees:       d("0.05"),
		}
		acts = append(acts, a)
		want = want.Add(a.TradingPnL).Add(a.Funding).Sub(a.Fees)
	}

	points := Build(acts)
	require.NotEmpty(t, points)
	last := points[len(points)-1]
	assert.True(t, last.CumulativeEquity.Equal(want), "%s != %s", last.CumulativeEquity, want)
	assert.True(t, last.CumulativeTrading.Add(last.CumulativeFunding).Sub(last.CumulativeFees).Equal(want))
}

func TestBuild_Empty(t *testing.T) {
	assert.Nil(t, Build(nil))
}

func TestWithin(t *testing.T) {
	points := Build([]Activity{
		{Time: day(1, 0), TradingPnL: d("1")},
		{Time: day(2, 0), TradingPnL: d("1")},
		{Time: day(3, 0), TradingPnL: d("1")},
	})
	got := Within(points, model.Range{From: day(2, 12)})
	require.Len(t, got, 2)
	assert.True(t, got[0].CumulativeEquity.Equal(d("2")))
	assert.Len(t, Within(points, model.Range{}), 3)
}
