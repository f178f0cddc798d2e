// Package stats rolls closed trades up into per-instrument and account-wide
// performance figures.
package stats

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/pnlbloom/pnl-engine/internal/model"
)

// UnboundedProfitFactor stands in for an infinite profit factor: wins with
// no losing PnL. ProfitFactorUnbounded is set alongside it.
var UnboundedProfitFactor = decimal.NewFromInt(999999)

// RateScale is the number of decimal places kept on rates and averages.
var RateScale int32 = 8

type totals struct {
	trades    int
	wins      int
	losses    int
	breakeven int
	net       decimal.Decimal
	volume    decimal.Decimal
	fees      decimal.Decimal
	funding   decimal.Decimal
	winSum    decimal.Decimal
	lossSum   decimal.Decimal // absolute
}

func (t *totals) add(tr model.ClosedTrade) {
	t.trades++
	t.net = t.net.Add(tr.NetPnL)
	t.volume = t.volume.Add(tr.Notional)
	t.fees = t.fees.Add(tr.Fees)
	t.funding = t.funding.Add(tr.Funding)
	switch {
	case tr.IsWin:
		t.wins++
		t.winSum = t.winSum.Add(tr.NetPnL)
	case tr.NetPnL.IsNegative():
		t.losses++
		t.lossSum = t.lossSum.Add(tr.NetPnL.Abs())
	default:
		t.breakeven++
	}
}

func (t *totals) winRate() decimal.Decimal {
	if t.trades == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(t.wins)).DivRound(decimal.NewFromInt(int64(t.trades)), RateScale)
}

// profitFactor returns winning/losing PnL, the unbounded sentinel when only
// winning PnL exists, and zero when there is no PnL at all.
func (t *totals) profitFactor() (decimal.Decimal, bool) {
	switch {
	case t.lossSum.IsPositive():
		return t.winSum.DivRound(t.lossSum, RateScale), false
	case t.winSum.IsPositive():
		return UnboundedProfitFactor, true
	default:
		return decimal.Zero, false
	}
}

func avg(sum decimal.Decimal, n int) decimal.Decimal {
	if n == 0 {
		return decimal.Zero
	}
	return sum.DivRound(decimal.NewFromInt(int64(n)), RateScale)
}

// Aggregate groups trades by instrument. Breakeven trades are neither wins
// nor losses but still count toward the win rate's denominator. Output is
// sorted by instrument.
func Aggregate(trades []model.ClosedTrade) []model.MarketStats {
	byInst := make(map[string]*totals)
	for _, tr := range trades {
		t, ok := byInst[tr.Instrument]
		if !ok {
			t = &totals{}
			byInst[tr.Instrument] = t
		}
		t.add(tr)
	}

	out := make([]model.MarketStats, 0, len(byInst))
	for inst, t := range byInst {
		pf, unbounded := t.profitFactor()
		out = append(out, model.MarketStats{
			Instrument:            inst,
			TotalTrades:           t.trades,
			Wins:                  t.wins,
			Losses:                t.losses,
			Breakeven:             t.breakeven,
			WinRate:               t.winRate(),
			TotalPnL:              t.net,
			TotalVolume:           t.volume,
			TotalFees:             t.fees,
			TotalFunding:          t.funding,
			AvgWin:                avg(t.winSum, t.wins),
			AvgLoss:               avg(t.lossSum, t.losses),
			ProfitFactor:          pf,
			ProfitFactorUnbounded: unbounded,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out
}

// Summarize computes account-wide totals over trades and the equity curve.
func Summarize(account string, trades []model.ClosedTrade, points []model.EquityPoint) model.Summary {
	var t totals
	for _, tr := range trades {
		t.add(tr)
	}
	pf, unbounded := t.profitFactor()

	s := model.Summary{
		Account:               account,
		TotalTrades:           t.trades,
		Wins:                  t.wins,
		Losses:                t.losses,
		Breakeven:             t.breakeven,
		WinRate:               t.winRate(),
		NetPnL:                t.net,
		TotalVolume:           t.volume,
		TotalFees:             t.fees,
		TotalFunding:          t.funding,
		ProfitFactor:          pf,
		ProfitFactorUnbounded: unbounded,
	}
	for _, p := range points {
		if p.Drawdown.GreaterThan(s.MaxDrawdown) {
			s.MaxDrawdown = p.Drawdown
		}
		if p.DrawdownPct.GreaterThan(s.MaxDrawdownPct) {
			s.MaxDrawdownPct = p.DrawdownPct
		}
	}
	if n := len(points); n > 0 {
		s.CurrentDrawdown = points[n-1].Drawdown
		s.FinalEquity = points[n-1].CumulativeEquity
	}
	return s
}
