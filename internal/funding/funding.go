// Package funding attributes perpetual funding cash flows to reconstructed
// trades.
//
// Allocation is a policy behind the Allocator interface. The default,
// DayOverlap, credits a trade with every funding payment on its instrument
// whose calendar day falls within [entry day, exit day] inclusive. This is
// an approximation: funding is assigned to the whole holding window, not
// pro-rated by position size or exact holding interval, and a payment on a
// day shared by two trades is credited to both.
package funding

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pnlbloom/pnl-engine/internal/model"
)

// Allocator attributes funding to a trade's holding window.
type Allocator interface {
	Allocate(instrument string, entry, exit time.Time) decimal.Decimal
}

// Policy names a registered allocation policy.
type Policy string

const (
	PolicyDayOverlap Policy = "day_overlap"
	PolicyInterval   Policy = "interval"
)

// New builds the allocator for a policy over the given payments. An empty
// policy selects DayOverlap.
func New(policy Policy, payments []model.Event) (Allocator, error) {
	switch policy {
	case "", PolicyDayOverlap:
		return NewDayOverlap(payments), nil
	case PolicyInterval:
		return NewInterval(payments), nil
	default:
		return nil, fmt.Errorf("funding: unknown allocation policy %q", policy)
	}
}

type payment struct {
	at     time.Time
	amount decimal.Decimal
}

// index holds payments per instrument sorted by time.
type index map[string][]payment

func newIndex(payments []model.Event) index {
	idx := make(index)
	for _, e := range payments {
		if e.Kind != model.KindPerpFunding {
			continue
		}
		idx[e.Instrument] = append(idx[e.Instrument], payment{at: e.Time, amount: e.Amount})
	}
	for inst := range idx {
		ps := idx[inst]
		sort.SliceStable(ps, func(i, j int) bool { return ps[i].at.Before(ps[j].at) })
	}
	return idx
}

// sum adds payments with from <= at < to.
func (idx index) sum(instrument string, from, to time.Time) decimal.Decimal {
	ps := idx[instrument]
	i := sort.Search(len(ps), func(i int) bool { return !ps[i].at.Before(from) })
	total := decimal.Zero
	for ; i < len(ps) && ps[i].at.Before(to); i++ {
		total = total.Add(ps[i].amount)
	}
	return total
}

// DayOverlap credits all payments on calendar days from the entry day to the
// exit day inclusive.
type DayOverlap struct {
	idx index
}

// NewDayOverlap indexes funding events. Non-funding events are ignored.
func NewDayOverlap(payments []model.Event) *DayOverlap {
	return &DayOverlap{idx: newIndex(payments)}
}

func (a *DayOverlap) Allocate(instrument string, entry, exit time.Time) decimal.Decimal {
	from := model.Day(entry)
	to := model.Day(exit).AddDate(0, 0, 1)
	return a.idx.sum(instrument, from, to)
}

// Interval credits only payments made strictly after entry and at or before
// exit. It is the tighter alternative to DayOverlap.
type Interval struct {
	idx index
}

// NewInterval indexes funding events. Non-funding events are ignored.
func NewInterval(payments []model.Event) *Interval {
	return &Interval{idx: newIndex(payments)}
}

func (a *Interval) Allocate(instrument string, entry, exit time.Time) decimal.Decimal {
	return a.idx.sum(instrument, entry.Add(time.Nanosecond), exit.Add(time.Nanosecond))
}
