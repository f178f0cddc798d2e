package ledger

import (
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/pnlbloom/pnl-engine/internal/model"
)

// SpotPosition is the lot-averaged holding of one spot instrument.
// Balance is never negative. Cost is the cost basis of the whole balance;
// the average cost is Cost/Balance and is meaningless when Balance is zero.
type SpotPosition struct {
	Balance decimal.Decimal
	Cost    decimal.Decimal
}

// AverageCost returns the weighted-average cost per unit held.
func (p SpotPosition) AverageCost() decimal.Decimal {
	if !p.Balance.IsPositive() {
		return decimal.Zero
	}
	return p.Cost.DivRound(p.Balance, PriceScale)
}

// Buy adds qty at price. Transfers in are valued the same way at the
// observed price.
func (p SpotPosition) Buy(qty, price decimal.Decimal) SpotPosition {
	qty = qty.Abs()
	if qty.IsZero() {
		return p
	}
	return SpotPosition{
		Balance: p.Balance.Add(qty),
		Cost:    p.Cost.Add(qty.Mul(price)),
	}
}

// Sell removes qty at price and returns the realized PnL net of fee:
// qty*(price - avg) - fee.
//
// A sell larger than the tracked balance clamps the balance at zero. The
// excess is treated as coming from an untracked source: it is valued at the
// sell price and carries no PnL. It is returned so callers can log it.
func (p SpotPosition) Sell(qty, price, fee decimal.Decimal) (next SpotPosition, realized, excess decimal.Decimal) {
	qty = qty.Abs()
	matched := decimal.Min(qty, p.Balance)
	excess = qty.Sub(matched)

	next, soldCost := p.remove(matched)
	realized = matched.Mul(price).Sub(soldCost).Sub(fee)
	return next, realized, excess
}

// TransferOut removes qty without realizing PnL.
func (p SpotPosition) TransferOut(qty decimal.Decimal) (next SpotPosition, excess decimal.Decimal) {
	qty = qty.Abs()
	matched := decimal.Min(qty, p.Balance)
	next, _ = p.remove(matched)
	return next, qty.Sub(matched)
}

// remove takes qty (<= Balance) off the position at the average cost.
func (p SpotPosition) remove(qty decimal.Decimal) (SpotPosition, decimal.Decimal) {
	if !qty.IsPositive() {
		return p, decimal.Zero
	}
	if qty.Equal(p.Balance) {
		return SpotPosition{}, p.Cost
	}
	removed := p.Cost.Mul(qty).DivRound(p.Balance, PriceScale)
	return SpotPosition{Balance: p.Balance.Sub(qty), Cost: p.Cost.Sub(removed)}, removed
}

// SpotFill is the accounting outcome of applying one spot event.
type SpotFill struct {
	Instrument string
	Gross      decimal.Decimal // price PnL before fee
	Fee        decimal.Decimal
	Excess     decimal.Decimal // quantity clamped away by underflow
}

// SpotBook holds spot positions for one account during a single fold.
// Not safe for concurrent use.
type SpotBook struct {
	positions map[string]SpotPosition
	lastPrice map[string]decimal.Decimal
	log       *slog.Logger
}

// NewSpotBook creates an empty book. A nil logger uses slog.Default().
func NewSpotBook(log *slog.Logger) *SpotBook {
	if log == nil {
		log = slog.Default()
	}
	return &SpotBook{
		positions: make(map[string]SpotPosition),
		lastPrice: make(map[string]decimal.Decimal),
		log:       log,
	}
}

// Apply folds one spot event into the book.
func (b *SpotBook) Apply(e model.Event) SpotFill {
	pos := b.positions[e.Instrument]
	out := SpotFill{Instrument: e.Instrument, Fee: e.Fee}

	switch e.Kind {
	case model.KindSpotBuy, model.KindSpotTransferIn:
		pos = pos.Buy(e.Quantity, e.Price)
	case model.KindSpotSell:
		var realized decimal.Decimal
		pos, realized, out.Excess = pos.Sell(e.Quantity, e.Price, e.Fee)
		out.Gross = realized.Add(e.Fee)
	case model.KindSpotTransferOut:
		pos, out.Excess = pos.TransferOut(e.Quantity)
	default:
		return out
	}

	if out.Excess.IsPositive() {
		b.log.Warn("spot ledger underflow clamped",
			"instrument", e.Instrument,
			"event", e.Key,
			"excess", out.Excess.String(),
		)
	}
	if e.Price.IsPositive() {
		b.lastPrice[e.Instrument] = e.Price
	}
	b.positions[e.Instrument] = pos
	return out
}

// Position returns the current position for an instrument.
func (b *SpotBook) Position(instrument string) SpotPosition {
	return b.positions[instrument]
}

// Open returns every non-zero holding marked to its last seen price,
// sorted by instrument.
func (b *SpotBook) Open() []model.OpenPosition {
	var out []model.OpenPosition
	for inst, pos := range b.positions {
		if !pos.Balance.IsPositive() {
			continue
		}
		mark := b.lastPrice[inst]
		out = append(out, model.OpenPosition{
			Instrument:    inst,
			Market:        "spot",
			Side:          model.SideLong,
			Size:          pos.Balance,
			AvgEntry:      pos.AverageCost(),
			MarkPrice:     mark,
			UnrealizedPnL: pos.Balance.Mul(mark).Sub(pos.Cost),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out
}
