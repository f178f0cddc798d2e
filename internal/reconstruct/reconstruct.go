// Package reconstruct turns a time-ordered perp fill stream into closed
// trades: complete round trips from flat back to flat, or up to the fill
// that flips the position.
//
// Each fill goes through the perp ledger state machine. A trade cycle
// starts when the position leaves Flat (or is replaced by a flip) and is
// emitted when the position returns to Flat or flips. Partial reductions
// accumulate into the pending cycle.
package reconstruct

import (
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pnlbloom/pnl-engine/internal/funding"
	"github.com/pnlbloom/pnl-engine/internal/ledger"
	"github.com/pnlbloom/pnl-engine/internal/margin"
	"github.com/pnlbloom/pnl-engine/internal/model"
)

// tradeNamespace seeds deterministic closed-trade IDs.
var tradeNamespace = uuid.MustParse("6f1c9a52-3b8e-4d07-9a41-2c5e7d0b8f13")

// Config wires the reconstructor's collaborators.
type Config struct {
	Account   string
	Estimator *margin.Estimator
	Funding   funding.Allocator
	Log       *slog.Logger
}

// Fill is the accounting outcome of one perp fill.
type Fill struct {
	Instrument string
	Transition ledger.Transition
	Gross      decimal.Decimal // price PnL realized by the fill, fee excluded
	Fee        decimal.Decimal
}

// Counters records degraded-path decisions taken during a fold.
type Counters struct {
	Underflows       int // reduce/close fills clamped to the tracked size
	SkippedCloses    int // reductions with no recorded entry time
	SeededPositions  int // positions seeded from the exchange's start position
	LeverageFallback int // trades that used the default leverage
}

// cycle accumulates one flat-to-flat round trip.
type cycle struct {
	side       model.Side
	entryTime  time.Time
	openQty    decimal.Decimal
	openCost   decimal.Decimal
	closedQty  decimal.Decimal
	exitValue  decimal.Decimal
	gross      decimal.Decimal
	fees       decimal.Decimal
	lastExitAt time.Time
}

type book struct {
	pos       ledger.PerpPosition
	cycle     *cycle // nil when flat or when the entry time is unknown
	lastPrice decimal.Decimal
	lastTime  time.Time
	seen      bool
	seq       int
}

// Reconstructor folds perp fills for one account. It is scoped to a single
// recompute and not safe for concurrent use.
type Reconstructor struct {
	cfg      Config
	log      *slog.Logger
	books    map[string]*book
	trades   []model.ClosedTrade
	counters Counters
}

// New creates a reconstructor. A nil estimator uses default leverage for
// every trade; a nil allocator attributes no funding.
func New(cfg Config) *Reconstructor {
	if cfg.Estimator == nil {
		cfg.Estimator = margin.NewEstimator(nil, decimal.Zero)
	}
	if cfg.Funding == nil {
		cfg.Funding = funding.NewDayOverlap(nil)
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Reconstructor{
		cfg:   cfg,
		log:   log.With("account", cfg.Account),
		books: make(map[string]*book),
	}
}

// Apply folds one perp fill. Events must arrive in timestamp order per
// instrument; non-fill events are ignored.
func (r *Reconstructor) Apply(e model.Event) Fill {
	out := Fill{Instrument: e.Instrument, Fee: e.Fee}
	if e.Kind != model.KindPerpFill {
		return out
	}

	b := r.book(e.Instrument)
	if e.Time.Before(b.lastTime) {
		r.log.Warn("perp fill out of order",
			"instrument", e.Instrument, "event", e.Key,
			"time", e.Time, "previous", b.lastTime)
	}
	b.lastTime = e.Time
	if e.Price.IsPositive() {
		b.lastPrice = e.Price
	}

	if !b.seen {
		b.seen = true
		if b.pos.IsFlat() && !e.StartPosition.IsZero() {
			b.pos = ledger.NewPerpPosition(e.StartPosition, e.Price)
			r.counters.SeededPositions++
			r.log.Info("perp position seeded from start position",
				"instrument", e.Instrument, "event", e.Key,
				"start_position", e.StartPosition.String())
		}
	}

	s := r.clamp(b, e)
	if s.IsZero() {
		return out
	}

	tr := b.pos.Apply(s, e.Price, e.Fee)
	b.pos = tr.After
	out.Transition = tr
	out.Gross = tr.Gross

	switch tr.Kind {
	case ledger.Open:
		b.cycle = openCycle(e.Time, tr.After.State.Side(), tr.OpenedQty, e.Price, e.Fee)

	case ledger.Add:
		if b.cycle != nil {
			b.cycle.openQty = b.cycle.openQty.Add(tr.OpenedQty)
			b.cycle.openCost = b.cycle.openCost.Add(tr.OpenedQty.Mul(e.Price))
			b.cycle.fees = b.cycle.fees.Add(e.Fee)
		}

	case ledger.Reduce, ledger.Close:
		r.recordClose(b, e, tr, e.Fee)
		if tr.Kind == ledger.Close {
			r.emit(b, e.Instrument)
		}

	case ledger.Flip:
		closeFee := e.Fee.Mul(tr.ClosedQty).DivRound(s.Abs(), ledger.PriceScale)
		r.recordClose(b, e, tr, closeFee)
		r.emit(b, e.Instrument)
		b.cycle = openCycle(e.Time, tr.After.State.Side(), tr.OpenedQty, e.Price, e.Fee.Sub(closeFee))
	}
	return out
}

// clamp applies the underflow policy: a fill tagged as reducing never opens
// or grows a position. It is clamped to the tracked size of the tagged side,
// or dropped when that side is not held.
func (r *Reconstructor) clamp(b *book, e model.Event) decimal.Decimal {
	s := e.SignedSize()
	if !e.Direction.IsReducing() {
		return s
	}
	held := !b.pos.IsFlat() && b.pos.State.Side() == e.Direction.Side()
	if held && s.Abs().LessThanOrEqual(b.pos.Size) {
		return s
	}
	r.counters.Underflows++
	r.log.Warn("perp ledger underflow clamped",
		"instrument", e.Instrument, "event", e.Key, "direction", string(e.Direction),
		"fill", s.String(), "position", b.pos.Signed().String())
	if !held {
		return decimal.Zero
	}
	if s.IsNegative() {
		return b.pos.Size.Neg()
	}
	return b.pos.Size
}

func openCycle(at time.Time, side model.Side, qty, price, fee decimal.Decimal) *cycle {
	return &cycle{
		side:      side,
		entryTime: at,
		openQty:   qty,
		openCost:  qty.Mul(price),
		fees:      fee,
	}
}

func (r *Reconstructor) recordClose(b *book, e model.Event, tr ledger.Transition, fee decimal.Decimal) {
	if b.cycle == nil {
		r.counters.SkippedCloses++
		r.log.Warn("reduce without recorded entry, skipped for trade boundaries",
			"instrument", e.Instrument, "event", e.Key, "kind", tr.Kind.String())
		return
	}
	c := b.cycle
	c.closedQty = c.closedQty.Add(tr.ClosedQty)
	c.exitValue = c.exitValue.Add(tr.ClosedQty.Mul(e.Price))
	c.gross = c.gross.Add(tr.Gross)
	c.fees = c.fees.Add(fee)
	c.lastExitAt = e.Time
}

func (r *Reconstructor) emit(b *book, instrument string) {
	c := b.cycle
	b.cycle = nil
	if c == nil || !c.closedQty.IsPositive() || !c.openQty.IsPositive() {
		return
	}
	b.seq++

	entryPrice := c.openCost.DivRound(c.openQty, ledger.PriceScale)
	exitPrice := c.exitValue.DivRound(c.closedQty, ledger.PriceScale)
	notional := c.openCost
	if !c.closedQty.Equal(c.openQty) {
		notional = c.openCost.Mul(c.closedQty).DivRound(c.openQty, ledger.PriceScale)
	}

	est := r.cfg.Estimator.Estimate(notional, c.entryTime)
	if est.Fallback {
		r.counters.LeverageFallback++
	}
	fundingPnL := r.cfg.Funding.Allocate(instrument, c.entryTime, c.lastExitAt)
	net := c.gross.Add(fundingPnL).Sub(c.fees)

	r.trades = append(r.trades, model.ClosedTrade{
		ID:                tradeID(r.cfg.Account, instrument, c.entryTime, c.lastExitAt, b.seq),
		Account:           r.cfg.Account,
		Instrument:        instrument,
		Side:              c.side,
		EntryTime:         c.entryTime,
		ExitTime:          c.lastExitAt,
		EntryPrice:        entryPrice,
		ExitPrice:         exitPrice,
		Size:              c.closedQty,
		Notional:          notional,
		MarginUsed:        est.MarginUsed,
		Leverage:          est.Leverage,
		LeverageEstimated: est.Fallback,
		RealizedPnL:       c.gross,
		Fees:              c.fees,
		Funding:           fundingPnL,
		NetPnL:            net,
		IsWin:             net.IsPositive(),
		Duration:          c.lastExitAt.Sub(c.entryTime),
	})
}

func (r *Reconstructor) book(instrument string) *book {
	b, ok := r.books[instrument]
	if !ok {
		b = &book{pos: ledger.FlatPosition}
		r.books[instrument] = b
	}
	return b
}

// Trades returns the emitted trades ordered by exit time, then instrument.
func (r *Reconstructor) Trades() []model.ClosedTrade {
	out := make([]model.ClosedTrade, len(r.trades))
	copy(out, r.trades)
	SortTrades(out)
	return out
}

// Position returns the current ledger position of an instrument.
func (r *Reconstructor) Position(instrument string) ledger.PerpPosition {
	if b, ok := r.books[instrument]; ok {
		return b.pos
	}
	return ledger.FlatPosition
}

// Open returns every non-flat perp position marked to its last fill price,
// sorted by instrument.
func (r *Reconstructor) Open() []model.OpenPosition {
	var out []model.OpenPosition
	for inst, b := range r.books {
		if b.pos.IsFlat() {
			continue
		}
		// long: size*mark - cost; short: cost - size*mark
		upnl := b.pos.Size.Mul(b.lastPrice).Sub(b.pos.Cost)
		if b.pos.State == ledger.Short {
			upnl = upnl.Neg()
		}
		op := model.OpenPosition{
			Instrument:    inst,
			Market:        "perp",
			Side:          b.pos.State.Side(),
			Size:          b.pos.Size,
			AvgEntry:      b.pos.AvgEntry(),
			MarkPrice:     b.lastPrice,
			UnrealizedPnL: upnl,
		}
		if b.cycle != nil {
			entry := b.cycle.entryTime
			op.EntryTime = &entry
		}
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out
}

// Counters returns the degraded-path counters of the fold so far.
func (r *Reconstructor) Counters() Counters { return r.counters }

// SortTrades orders trades by exit time, instrument, then entry time.
func SortTrades(trades []model.ClosedTrade) {
	sort.SliceStable(trades, func(i, j int) bool {
		a, b := trades[i], trades[j]
		if !a.ExitTime.Equal(b.ExitTime) {
			return a.ExitTime.Before(b.ExitTime)
		}
		if a.Instrument != b.Instrument {
			return a.Instrument < b.Instrument
		}
		return a.EntryTime.Before(b.EntryTime)
	})
}

func tradeID(account, instrument string, entry, exit time.Time, seq int) string {
	name := strings.Join([]string{
		account,
		instrument,
		entry.UTC().Format(time.RFC3339Nano),
		exit.UTC().Format(time.RFC3339Nano),
		strconv.Itoa(seq),
	}, "|")
	return uuid.NewSHA1(tradeNamespace, []byte(name)).String()
}
