// Package margin estimates the margin and leverage behind a reconstructed
// trade from periodic account snapshots.
//
// The estimate uses the account-wide margin utilisation on the trade's
// entry day (margin_used / account_value), looked up on the nearest prior
// snapshot day. When no usable snapshot exists the trade falls back to a
// fixed default leverage and is flagged as estimated.
package margin

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pnlbloom/pnl-engine/internal/model"
)

// DefaultLeverage is used when no snapshot covers the entry day.
var DefaultLeverage = decimal.NewFromInt(5)

// LeverageScale is the number of decimal places kept on leverage.
var LeverageScale int32 = 4

// Estimate is the margin attributed to one trade.
type Estimate struct {
	MarginUsed decimal.Decimal
	Leverage   decimal.Decimal
	Ratio      decimal.Decimal // margin utilisation used, zero on fallback
	Fallback   bool
}

// Estimator looks up utilisation ratios by day.
type Estimator struct {
	days            []time.Time
	ratios          []decimal.Decimal
	defaultLeverage decimal.Decimal
}

// NewEstimator indexes snapshots by day. Snapshots with a non-positive
// account value or negative margin are ignored. When several snapshots share
// a day the last one wins. A non-positive defaultLeverage uses DefaultLeverage.
func NewEstimator(snapshots []model.MarginSnapshot, defaultLeverage decimal.Decimal) *Estimator {
	if !defaultLeverage.IsPositive() {
		defaultLeverage = DefaultLeverage
	}

	byDay := make(map[time.Time]decimal.Decimal, len(snapshots))
	for _, s := range snapshots {
		if !s.AccountValue.IsPositive() || s.TotalMarginUsed.IsNegative() {
			continue
		}
		byDay[model.Day(s.Day)] = s.TotalMarginUsed.Div(s.AccountValue)
	}

	e := &Estimator{defaultLeverage: defaultLeverage}
	for day := range byDay {
		e.days = append(e.days, day)
	}
	sort.Slice(e.days, func(i, j int) bool { return e.days[i].Before(e.days[j]) })
	for _, day := range e.days {
		e.ratios = append(e.ratios, byDay[day])
	}
	return e
}

// Ratio returns the utilisation ratio of the nearest snapshot on or before day.
func (e *Estimator) Ratio(day time.Time) (decimal.Decimal, bool) {
	day = model.Day(day)
	// first index strictly after day
	i := sort.Search(len(e.days), func(i int) bool { return e.days[i].After(day) })
	if i == 0 {
		return decimal.Zero, false
	}
	return e.ratios[i-1], true
}

// Estimate attributes margin to a trade of the given notional entered on day.
//
//	margin   = notional * ratio
//	leverage = notional / margin
func (e *Estimator) Estimate(notional decimal.Decimal, day time.Time) Estimate {
	notional = notional.Abs()
	ratio, ok := e.Ratio(day)
	if !ok || !ratio.IsPositive() || !notional.IsPositive() {
		return e.fallback(notional)
	}
	marginUsed := notional.Mul(ratio)
	return Estimate{
		MarginUsed: marginUsed,
		Leverage:   notional.DivRound(marginUsed, LeverageScale),
		Ratio:      ratio,
	}
}

func (e *Estimator) fallback(notional decimal.Decimal) Estimate {
	return Estimate{
		MarginUsed: notional.Div(e.defaultLeverage),
		Leverage:   e.defaultLeverage,
		Fallback:   true,
	}
}

// DefaultLeverage returns the fallback leverage this estimator uses.
func (e *Estimator) DefaultLeverage() decimal.Decimal { return e.defaultLeverage }
