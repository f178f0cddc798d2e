// Package drawdown finds peak-to-trough episodes on an equity curve.
package drawdown

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/pnlbloom/pnl-engine/internal/equity"
	"github.com/pnlbloom/pnl-engine/internal/model"
)

type tracker struct {
	peak       decimal.Decimal
	peakDate   time.Time
	trough     decimal.Decimal
	troughDate time.Time
	inDrawdown bool
}

// Detect scans points in day order and returns one event per episode. An
// episode recovers when equity exceeds the peak that preceded the decline.
// Only one episode is tracked at a time; a curve ending below its peak yields
// a final unrecovered event.
func Detect(points []model.EquityPoint) []model.DrawdownEvent {
	if len(points) == 0 {
		return nil
	}

	var out []model.DrawdownEvent
	st := tracker{peakDate: points[0].Day, troughDate: points[0].Day}

	for _, p := range points {
		eq := p.CumulativeEquity
		if eq.GreaterThan(st.peak) {
			if st.inDrawdown && st.peak.GreaterThan(st.trough) {
				out = append(out, st.event(&p.Day))
			}
			st = tracker{peak: eq, peakDate: p.Day, trough: eq, troughDate: p.Day}
			continue
		}
		if eq.LessThan(st.trough) {
			st.trough = eq
			st.troughDate = p.Day
			st.inDrawdown = true
		}
	}

	if st.inDrawdown {
		out = append(out, st.event(nil))
	}
	return out
}

func (st tracker) event(recovered *time.Time) model.DrawdownEvent {
	depth := st.peak.Sub(st.trough)
	ev := model.DrawdownEvent{
		PeakDate:     st.peakDate,
		TroughDate:   st.troughDate,
		PeakEquity:   st.peak,
		TroughEquity: st.trough,
		Depth:        depth,
		DepthPct:     equity.Ratio(depth, st.peak),
	}
	if recovered != nil {
		day := *recovered
		days := model.DaysBetween(st.peakDate, day)
		ev.RecoveryDate = &day
		ev.RecoveryDays = &days
		ev.IsRecovered = true
	}
	return ev
}

// Max returns the deepest episode, or nil when there is none.
func Max(events []model.DrawdownEvent) *model.DrawdownEvent {
	var max *model.DrawdownEvent
	for i := range events {
		if max == nil || events[i].Depth.GreaterThan(max.Depth) {
			max = &events[i]
		}
	}
	return max
}

// Within keeps the episodes whose peak day falls inside rng.
func Within(events []model.DrawdownEvent, rng model.Range) []model.DrawdownEvent {
	if rng.IsFull() {
		return events
	}
	var out []model.DrawdownEvent
	for _, ev := range events {
		if rng.Contains(ev.PeakDate) {
			out = append(out, ev)
		}
	}
	return out
}
