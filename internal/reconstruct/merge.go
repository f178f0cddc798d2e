package reconstruct

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/pnlbloom/pnl-engine/internal/ledger"
	"github.com/pnlbloom/pnl-engine/internal/margin"
	"github.com/pnlbloom/pnl-engine/internal/model"
)

type mergeKey struct {
	instrument string
	exit       time.Time
}

// MergeSameExit folds trades on the same instrument that close at the
// identical exit timestamp into one trade. Upstream reports partial fills of
// one execution as separate rows, so such trades are fragments rather than
// distinct round trips.
//
// Sizes, notional, margin, realized PnL, fees, funding and net PnL are
// summed; prices are re-weighted by size; is_win is recomputed from the
// merged net. The output keeps the order of each group's first fragment.
func MergeSameExit(trades []model.ClosedTrade) []model.ClosedTrade {
	if len(trades) < 2 {
		return trades
	}

	out := make([]model.ClosedTrade, 0, len(trades))
	pos := make(map[mergeKey]int, len(trades))

	for _, t := range trades {
		k := mergeKey{instrument: t.Instrument, exit: t.ExitTime.UTC()}
		i, ok := pos[k]
		if !ok {
			pos[k] = len(out)
			out = append(out, t)
			continue
		}
		out[i] = mergeTrades(out[i], t)
	}
	return out
}

func mergeTrades(a, b model.ClosedTrade) model.ClosedTrade {
	m := a
	m.Size = a.Size.Add(b.Size)
	m.Notional = a.Notional.Add(b.Notional)
	m.MarginUsed = a.MarginUsed.Add(b.MarginUsed)
	m.RealizedPnL = a.RealizedPnL.Add(b.RealizedPnL)
	m.Fees = a.Fees.Add(b.Fees)
	m.Funding = a.Funding.Add(b.Funding)
	m.NetPnL = a.NetPnL.Add(b.NetPnL)
	m.IsWin = m.NetPnL.IsPositive()
	m.LeverageEstimated = a.LeverageEstimated || b.LeverageEstimated

	if b.EntryTime.Before(a.EntryTime) {
		m.EntryTime = b.EntryTime
	}
	m.Duration = m.ExitTime.Sub(m.EntryTime)

	if m.Size.IsPositive() {
		m.EntryPrice = weighted(a.EntryPrice, a.Size, b.EntryPrice, b.Size, m.Size)
		m.ExitPrice = weighted(a.ExitPrice, a.Size, b.ExitPrice, b.Size, m.Size)
	}
	if m.MarginUsed.IsPositive() {
		m.Leverage = m.Notional.DivRound(m.MarginUsed, margin.LeverageScale)
	}
	return m
}

func weighted(p1, q1, p2, q2, total decimal.Decimal) decimal.Decimal {
	return p1.Mul(q1).Add(p2.Mul(q2)).DivRound(total, ledger.PriceScale)
}
