// Package ledger holds per-instrument position state and applies one fill at
// a time. The spot book averages lots; the perp position is a three-state
// machine (Flat, Long, Short) driven by signed fills.
package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/pnlbloom/pnl-engine/internal/model"
)

// PriceScale is the number of decimal places kept on averaged prices.
var PriceScale int32 = 12

// PerpState is the tag of the perp position union.
type PerpState int

const (
	Flat PerpState = iota
	Long
	Short
)

func (s PerpState) String() string {
	switch s {
	case Flat:
		return "Flat"
	case Long:
		return "Long"
	case Short:
		return "Short"
	default:
		return "Unknown"
	}
}

// Side maps a non-flat state to the trade side.
func (s PerpState) Side() model.Side {
	if s == Short {
		return model.SideShort
	}
	return model.SideLong
}

// PerpPosition is the signed position of one perp instrument.
// Size is the absolute size and the state carries the sign. Cost is the
// entry notional of the open size, so the average entry is Cost/Size and
// is meaningless when the state is Flat.
type PerpPosition struct {
	State PerpState
	Size  decimal.Decimal
	Cost  decimal.Decimal
}

// FlatPosition is the zero position.
var FlatPosition = PerpPosition{State: Flat}

// NewPerpPosition builds a position from a signed size opened at avgEntry.
func NewPerpPosition(signed, avgEntry decimal.Decimal) PerpPosition {
	switch signed.Sign() {
	case 1:
		return PerpPosition{State: Long, Size: signed, Cost: signed.Mul(avgEntry)}
	case -1:
		return PerpPosition{State: Short, Size: signed.Neg(), Cost: signed.Neg().Mul(avgEntry)}
	default:
		return FlatPosition
	}
}

// AvgEntry returns the volume-weighted entry price.
func (p PerpPosition) AvgEntry() decimal.Decimal {
	if p.IsFlat() || p.Size.IsZero() {
		return decimal.Zero
	}
	return p.Cost.DivRound(p.Size, PriceScale)
}

// Signed returns the size with the state's sign applied.
func (p PerpPosition) Signed() decimal.Decimal {
	switch p.State {
	case Long:
		return p.Size
	case Short:
		return p.Size.Neg()
	default:
		return decimal.Zero
	}
}

// IsFlat reports whether the position has no exposure.
func (p PerpPosition) IsFlat() bool { return p.State == Flat }

func (p PerpPosition) String() string {
	if p.IsFlat() {
		return "Flat"
	}
	return fmt.Sprintf("%s(%s@%s)", p.State, p.Size, p.AvgEntry())
}

// TransitionKind classifies what a fill did to the position.
type TransitionKind int

const (
	Noop TransitionKind = iota
	Open
	Add
	Reduce
	Close
	Flip
)

func (k TransitionKind) String() string {
	switch k {
	case Noop:
		return "Noop"
	case Open:
		return "Open"
	case Add:
		return "Add"
	case Reduce:
		return "Reduce"
	case Close:
		return "Close"
	case Flip:
		return "Flip"
	default:
		return "Unknown"
	}
}

// Transition is the outcome of applying one fill.
//
// A Flip is one fill but two logical events: ClosedQty closes the Before
// direction and OpenedQty opens the After direction at the fill price.
type Transition struct {
	Kind      TransitionKind
	Before    PerpPosition
	After     PerpPosition
	ClosedQty decimal.Decimal // quantity taken off the Before direction
	OpenedQty decimal.Decimal // quantity added in the After direction
	Gross     decimal.Decimal // ClosedQty * pnl per unit
	Realized  decimal.Decimal // Gross - fee
}

// Closes reports whether the fill took quantity off an existing position.
func (t Transition) Closes() bool {
	return t.Kind == Reduce || t.Kind == Close || t.Kind == Flip
}

// Apply applies a fill of signed size s at price with fee.
//
//	Flat  + s       -> Long/Short(|s| @ price)
//	Long  + buy     -> Long, re-averaged           (Add)
//	Long  + sell    -> Long smaller | Flat | Short  (Reduce | Close | Flip)
//	Short mirrors Long.
func (p PerpPosition) Apply(s, price, fee decimal.Decimal) Transition {
	t := Transition{Before: p, After: p, Realized: fee.Neg()}
	if s.IsZero() {
		t.Kind = Noop
		return t
	}
	qty := s.Abs()
	buying := s.IsPositive()

	switch p.State {
	case Flat:
		t.Kind = Open
		t.OpenedQty = qty
		t.After = NewPerpPosition(s, price)
		return t

	case Long:
		if buying {
			return p.add(t, qty, price)
		}
		return p.reduce(t, qty, price, fee, s)

	case Short:
		if !buying {
			return p.add(t, qty, price)
		}
		return p.reduce(t, qty, price, fee, s)

	default:
		t.Kind = Noop
		return t
	}
}

func (p PerpPosition) add(t Transition, qty, price decimal.Decimal) Transition {
	t.Kind = Add
	t.OpenedQty = qty
	t.After = PerpPosition{
		State: p.State,
		Size:  p.Size.Add(qty),
		Cost:  p.Cost.Add(qty.Mul(price)),
	}
	return t
}

func (p PerpPosition) reduce(t Transition, qty, price, fee, s decimal.Decimal) Transition {
	closeQty := decimal.Min(qty, p.Size)
	closedCost := p.Cost
	if closeQty.LessThan(p.Size) {
		closedCost = p.Cost.Mul(closeQty).DivRound(p.Size, PriceScale)
	}

	// long: qty*(price - avg); short: qty*(avg - price)
	t.Gross = closeQty.Mul(price).Sub(closedCost)
	if p.State == Short {
		t.Gross = t.Gross.Neg()
	}
	t.ClosedQty = closeQty
	t.Realized = t.Gross.Sub(fee)

	switch qty.Cmp(p.Size) {
	case -1:
		t.Kind = Reduce
		t.After = PerpPosition{State: p.State, Size: p.Size.Sub(closeQty), Cost: p.Cost.Sub(closedCost)}
	case 0:
		t.Kind = Close
		t.After = FlatPosition
	default:
		leftover := qty.Sub(closeQty)
		if s.IsNegative() {
			leftover = leftover.Neg()
		}
		t.Kind = Flip
		t.OpenedQty = leftover.Abs()
		t.After = NewPerpPosition(leftover, price)
	}
	return t
}
