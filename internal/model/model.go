// Package model defines the domain types shared across the PnL engine.
// All monetary values and quantities use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventKind identifies the type of a raw exchange event.
type EventKind string

const (
	KindSpotBuy         EventKind = "spot_buy"
	KindSpotSell        EventKind = "spot_sell"
	KindSpotTransferIn  EventKind = "spot_transfer_in"
	KindSpotTransferOut EventKind = "spot_transfer_out"
	KindPerpFill        EventKind = "perp_fill"
	KindPerpFunding     EventKind = "perp_funding"
	KindPerpFee         EventKind = "perp_fee"
)

var validKinds = map[EventKind]bool{
	KindSpotBuy:         true,
	KindSpotSell:        true,
	KindSpotTransferIn:  true,
	KindSpotTransferOut: true,
	KindPerpFill:        true,
	KindPerpFunding:     true,
	KindPerpFee:         true,
}

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool { return validKinds[k] }

// IsSpot reports whether the event feeds the spot ledger.
func (k EventKind) IsSpot() bool {
	switch k {
	case KindSpotBuy, KindSpotSell, KindSpotTransferIn, KindSpotTransferOut:
		return true
	}
	return false
}

// Direction is the exchange's tag on a perp fill describing what the fill
// does to the existing position.
type Direction string

const (
	DirNone        Direction = ""
	DirOpenLong    Direction = "open_long"
	DirAddLong     Direction = "add_long"
	DirReduceLong  Direction = "reduce_long"
	DirCloseLong   Direction = "close_long"
	DirOpenShort   Direction = "open_short"
	DirAddShort    Direction = "add_short"
	DirReduceShort Direction = "reduce_short"
	DirCloseShort  Direction = "close_short"
)

// Sign returns +1 if the tagged fill buys, -1 if it sells, 0 when untagged.
func (d Direction) Sign() int {
	switch d {
	case DirOpenLong, DirAddLong, DirReduceShort, DirCloseShort:
		return 1
	case DirOpenShort, DirAddShort, DirReduceLong, DirCloseLong:
		return -1
	default:
		return 0
	}
}

// Side returns the position side the tag refers to, or "" when untagged.
func (d Direction) Side() Side {
	switch d {
	case DirOpenLong, DirAddLong, DirReduceLong, DirCloseLong:
		return SideLong
	case DirOpenShort, DirAddShort, DirReduceShort, DirCloseShort:
		return SideShort
	}
	return ""
}

// IsReducing reports whether the tag says the fill only takes size off an
// existing position.
func (d Direction) IsReducing() bool {
	switch d {
	case DirReduceLong, DirCloseLong, DirReduceShort, DirCloseShort:
		return true
	}
	return false
}

// Event is an immutable raw exchange event. Events are append-only and
// keyed by Key; re-ingesting the same key is a no-op.
//
// Quantity is signed for perp fills (+buy, -sell) and unsigned for spot
// events. Amount carries funding cash flow (positive = received).
type Event struct {
	Key           string          `json:"key"`
	Account       string          `json:"account"`
	Source        string          `json:"source"`
	Kind          EventKind       `json:"kind"`
	Instrument    string          `json:"instrument"`
	Time          time.Time       `json:"time"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	Fee           decimal.Decimal `json:"fee"`
	Amount        decimal.Decimal `json:"amount"`
	Direction     Direction       `json:"direction,omitempty"`
	StartPosition decimal.Decimal `json:"start_position"`
}

// SignedSize returns the signed fill size of a perp fill. The direction
// tag, when present, decides the sign.
func (e Event) SignedSize() decimal.Decimal {
	switch e.Direction.Sign() {
	case 1:
		return e.Quantity.Abs()
	case -1:
		return e.Quantity.Abs().Neg()
	default:
		return e.Quantity
	}
}

// Side is the direction of a position or closed trade.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// ClosedTrade is a reconstructed flat-to-flat (or flip-boundary) round trip.
// Immutable once created.
type ClosedTrade struct {
	ID                string          `json:"id"`
	Account           string          `json:"account"`
	Instrument        string          `json:"instrument"`
	Side              Side            `json:"side"`
	EntryTime         time.Time       `json:"entry_time"`
	ExitTime          time.Time       `json:"exit_time"`
	EntryPrice        decimal.Decimal `json:"entry_price"`
	ExitPrice         decimal.Decimal `json:"exit_price"`
	Size              decimal.Decimal `json:"size"`
	Notional          decimal.Decimal `json:"notional"`
	MarginUsed        decimal.Decimal `json:"margin_used"`
	Leverage          decimal.Decimal `json:"leverage"`
	LeverageEstimated bool            `json:"leverage_estimated"` // true when the default leverage was used
	RealizedPnL       decimal.Decimal `json:"realized_pnl"`       // gross price PnL, fees excluded
	Fees              decimal.Decimal `json:"fees"`
	Funding           decimal.Decimal `json:"funding"`
	NetPnL            decimal.Decimal `json:"net_pnl"` // realized + funding - fees
	IsWin             bool            `json:"is_win"`
	Duration          time.Duration   `json:"duration"`
}

// EquityPoint is one calendar day with activity on the equity curve.
type EquityPoint struct {
	Day               time.Time       `json:"day"`
	TradingPnL        decimal.Decimal `json:"trading_pnl"`
	FundingPnL        decimal.Decimal `json:"funding_pnl"`
	Fees              decimal.Decimal `json:"fees"`
	NetChange         decimal.Decimal `json:"net_change"`
	CumulativeTrading decimal.Decimal `json:"cumulative_trading_pnl"`
	CumulativeFunding decimal.Decimal `json:"cumulative_funding_pnl"`
	CumulativeFees    decimal.Decimal `json:"cumulative_fees"`
	CumulativeEquity  decimal.Decimal `json:"cumulative_equity"`
	Peak              decimal.Decimal `json:"peak"`
	Drawdown          decimal.Decimal `json:"drawdown"`
	DrawdownPct       decimal.Decimal `json:"drawdown_pct"`
}

// DrawdownEvent is one peak→trough(→recovery) episode on the equity curve.
type DrawdownEvent struct {
	PeakDate     time.Time       `json:"peak_date"`
	TroughDate   time.Time       `json:"trough_date"`
	RecoveryDate *time.Time      `json:"recovery_date"`
	PeakEquity   decimal.Decimal `json:"peak_equity"`
	TroughEquity decimal.Decimal `json:"trough_equity"`
	Depth        decimal.Decimal `json:"depth"`
	DepthPct     decimal.Decimal `json:"depth_pct"`
	RecoveryDays *int            `json:"recovery_days"`
	IsRecovered  bool            `json:"is_recovered"`
}

// MarketStats rolls closed trades up per instrument.
type MarketStats struct {
	Instrument            string          `json:"instrument"`
	TotalTrades           int             `json:"total_trades"`
	Wins                  int             `json:"wins"`
	Losses                int             `json:"losses"`
	Breakeven             int             `json:"breakeven"`
	WinRate               decimal.Decimal `json:"win_rate"`
	TotalPnL              decimal.Decimal `json:"total_pnl"`
	TotalVolume           decimal.Decimal `json:"total_volume"`
	TotalFees             decimal.Decimal `json:"total_fees"`
	TotalFunding          decimal.Decimal `json:"total_funding"`
	AvgWin                decimal.Decimal `json:"avg_win"`
	AvgLoss               decimal.Decimal `json:"avg_loss"`
	ProfitFactor          decimal.Decimal `json:"profit_factor"`
	ProfitFactorUnbounded bool            `json:"profit_factor_unbounded"`
}

// Summary aggregates an account's results across instruments.
type Summary struct {
	Account               string          `json:"account"`
	TotalTrades           int             `json:"total_trades"`
	Wins                  int             `json:"wins"`
	Losses                int             `json:"losses"`
	Breakeven             int             `json:"breakeven"`
	WinRate               decimal.Decimal `json:"win_rate"`
	NetPnL                decimal.Decimal `json:"net_pnl"`
	TotalVolume           decimal.Decimal `json:"total_volume"`
	TotalFees             decimal.Decimal `json:"total_fees"`
	TotalFunding          decimal.Decimal `json:"total_funding"`
	ProfitFactor          decimal.Decimal `json:"profit_factor"`
	ProfitFactorUnbounded bool            `json:"profit_factor_unbounded"`
	MaxDrawdown           decimal.Decimal `json:"max_drawdown"`
	MaxDrawdownPct        decimal.Decimal `json:"max_drawdown_pct"`
	CurrentDrawdown       decimal.Decimal `json:"current_drawdown"`
	FinalEquity           decimal.Decimal `json:"final_equity"`
}

// MarginSnapshot is a periodic account snapshot used for leverage estimation.
type MarginSnapshot struct {
	Account         string          `json:"account"`
	Day             time.Time       `json:"day"`
	AccountValue    decimal.Decimal `json:"account_value"`
	TotalMarginUsed decimal.Decimal `json:"total_margin_used"`
}

// OpenPosition is a non-flat ledger position left at the end of a fold,
// marked to the last observed execution price of its instrument.
type OpenPosition struct {
	Instrument    string          `json:"instrument"`
	Market        string          `json:"market"` // "spot" or "perp"
	Side          Side            `json:"side"`
	Size          decimal.Decimal `json:"size"`
	AvgEntry      decimal.Decimal `json:"avg_entry"`
	MarkPrice     decimal.Decimal `json:"mark_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	EntryTime     *time.Time      `json:"entry_time"`
}

// Range bounds a recompute scope by calendar day. Zero bounds are open.
type Range struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether t's calendar day falls within the range.
func (r Range) Contains(t time.Time) bool {
	d := Day(t)
	if !r.From.IsZero() && d.Before(Day(r.From)) {
		return false
	}
	if !r.To.IsZero() && d.After(Day(r.To)) {
		return false
	}
	return true
}

// IsFull reports whether the range is unbounded on both ends.
func (r Range) IsFull() bool { return r.From.IsZero() && r.To.IsZero() }

// Result is everything a recompute derives for one account and range. Trades,
// Equity and Drawdowns are limited to Range; Stats, Positions and Summary
// always cover the full history.
type Result struct {
	Account   string          `json:"account"`
	Range     Range           `json:"range"`
	Trades    []ClosedTrade   `json:"trades"`
	Equity    []EquityPoint   `json:"equity"`
	Drawdowns []DrawdownEvent `json:"drawdowns"`
	Stats     []MarketStats   `json:"stats"`
	Positions []OpenPosition  `json:"positions"`
	Summary   Summary         `json:"summary"`
}

// Day truncates t to its UTC calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the number of whole calendar days from a to b.
func DaysBetween(a, b time.Time) int {
	return int(Day(b).Sub(Day(a)).Hours() / 24)
}
