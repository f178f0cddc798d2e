// Package equity builds the daily equity curve from realized trading PnL,
// funding cash flow and fees.
package equity

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pnlbloom/pnl-engine/internal/model"
)

// RatioScale is the number of decimal places kept on drawdown ratios.
var RatioScale int32 = 8

// Activity is one contribution to the curve. TradingPnL is gross price PnL;
// fees are positive amounts paid.
type Activity struct {
	Time       time.Time
	TradingPnL decimal.Decimal
	Funding    decimal.Decimal
	Fees       decimal.Decimal
}

// Build groups activity by UTC calendar day and accumulates the curve in
// ascending day order. Days without activity produce no point. The running
// peak starts at zero.
func Build(activity []Activity) []model.EquityPoint {
	if len(activity) == 0 {
		return nil
	}

	byDay := make(map[time.Time]*model.EquityPoint)
	for _, a := range activity {
		day := model.Day(a.Time)
		p, ok := byDay[day]
		if !ok {
			p = &model.EquityPoint{Day: day}
			byDay[day] = p
		}
		p.TradingPnL = p.TradingPnL.Add(a.TradingPnL)
		p.FundingPnL = p.FundingPnL.Add(a.Funding)
		p.Fees = p.Fees.Add(a.Fees)
	}

	points := make([]model.EquityPoint, 0, len(byDay))
	for _, p := range byDay {
		points = append(points, *p)
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Day.Before(points[j].Day) })

	var trading, fundingPnL, fees, cum, peak decimal.Decimal
	for i := range points {
		p := &points[i]
		p.NetChange = p.TradingPnL.Add(p.FundingPnL).Sub(p.Fees)

		trading = trading.Add(p.TradingPnL)
		fundingPnL = fundingPnL.Add(p.FundingPnL)
		fees = fees.Add(p.Fees)
		cum = cum.Add(p.NetChange)
		if cum.GreaterThan(peak) {
			peak = cum
		}

		p.CumulativeTrading = trading
		p.CumulativeFunding = fundingPnL
		p.CumulativeFees = fees
		p.CumulativeEquity = cum
		p.Peak = peak
		p.Drawdown = peak.Sub(cum)
		p.DrawdownPct = Ratio(p.Drawdown, peak)
	}
	return points
}

// Ratio returns drawdown/peak, or zero when peak is not positive.
func Ratio(drawdown, peak decimal.Decimal) decimal.Decimal {
	if !peak.IsPositive() {
		return decimal.Zero
	}
	return drawdown.DivRound(peak, RatioScale)
}

// Within returns the points whose day falls inside rng. Cumulative columns
// keep their full-history values.
func Within(points []model.EquityPoint, rng model.Range) []model.EquityPoint {
	if rng.IsFull() {
		return points
	}
	var out []model.EquityPoint
	for _, p := range points {
		if rng.Contains(p.Day) {
			out = append(out, p)
		}
	}
	return out
}
