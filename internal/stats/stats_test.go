package stats

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pnlbloom/pnl-engine/internal/model"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func trade(inst, net string) model.ClosedTrade {
	n := d(net)
	return model.ClosedTrade{
		Instrument: inst,
		Notional:   d("100"),
		Fees:       d("1"),
		NetPnL:     n,
		IsWin:      n.IsPositive(),
	}
}

func TestAggregate_PerInstrument(t *testing.T) {
	got := Aggregate([]model.ClosedTrade{
		trade("ETH", "30"),
		trade("BTC", "10"),
		trade("BTC", "-4"),
		trade("BTC", "20"),
		trade("BTC", "0"),
	})

	require.Len(t, got, 2)
	btc := got[0]
	assert.Equal(t, "BTC", btc.Instrument)
	assert.Equal(t, 4, btc.TotalTrades)
	assert.Equal(t, 2, btc.Wins)
	assert.Equal(t, 1, btc.Losses)
	assert.Equal(t, 1, btc.Breakeven)
	assert.True(t, btc.WinRate.Equal(d("0.5")), "breakeven stays in the denominator")
	assert.True(t, btc.TotalPnL.Equal(d("26")))
	assert.True(t, btc.TotalVolume.Equal(d("400")))
	assert.True(t, btc.TotalFees.Equal(d("4")))
	assert.True(t, btc.AvgWin.Equal(d("15")))
	assert.True(t, btc.AvgLoss.Equal(d("4")))
	assert.True(t, btc.ProfitFactor.Equal(d("7.5")))
	assert.False(t, btc.ProfitFactorUnbounded)

	eth := got[1]
	assert.True(t, eth.ProfitFactor.Equal(UnboundedProfitFactor))
	assert.True(t, eth.ProfitFactorUnbounded)
	assert.True(t, eth.AvgLoss.IsZero())
}

func TestAggregate_NoPnLHasZeroProfitFactor(t *testing.T) {
	got := Aggregate([]model.ClosedTrade{trade("SOL", "0")})
	require.Len(t, got, 1)
	assert.True(t, got[0].ProfitFactor.IsZero())
	assert.False(t, got[0].ProfitFactorUnbounded)
	assert.True(t, got[0].WinRate.IsZero())
	assert.Equal(t, 0, got[0].Losses)
	assert.Equal(t, 1, got[0].Breakeven)
}

func TestAggregate_Empty(t *testing.T) {
	assert.Empty(t, Aggregate(nil))
}

func TestSummarize(t *testing.T) {
	trades := []model.ClosedTrade{trade("BTC", "10"), trade("ETH", "-5")}
	points := []model.EquityPoint{
		{CumulativeEquity: d("10"), Peak: d("10")},
		{CumulativeEquity: d("4"), Peak: d("10"), Drawdown: d("6"), DrawdownPct: d("0.6")},
		{CumulativeEquity: d("5"), Peak: d("10"), Drawdown: d("5"), DrawdownPct: d("0.5")},
	}

	s := Summarize("acct", trades, points)
	assert.Equal(t, "acct", s.Account)
	assert.Equal(t, 2, s.TotalTrades)
	assert.Equal(t, 1, s.Wins)
	assert.Equal(t, 1, s.Losses)
	assert.True(t, s.NetPnL.Equal(d("5")))
	assert.True(t, s.ProfitFactor.Equal(d("2")))
	assert.True(t, s.MaxDrawdown.Equal(d("6")))
	assert.True(t, s.MaxDrawdownPct.Equal(d("0.6")))
	assert.True(t, s.CurrentDrawdown.Equal(d("5")))
	assert.True(t, s.FinalEquity.Equal(d("5")))
}
