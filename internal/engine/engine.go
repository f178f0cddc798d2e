// Package engine runs the full PnL reconstruction for one account: it folds
// the account's raw events through the spot and perp ledgers, reconstructs
// closed trades, and derives the equity curve, drawdowns, per-instrument
// stats and the account summary.
//
// Run is pure and performs no I/O. Recomputer wraps it with storage and
// per-account serialisation.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/pnlbloom/pnl-engine/internal/drawdown"
	"github.com/pnlbloom/pnl-engine/internal/equity"
	"github.com/pnlbloom/pnl-engine/internal/eventkey"
	"github.com/pnlbloom/pnl-engine/internal/funding"
	"github.com/pnlbloom/pnl-engine/internal/ledger"
	"github.com/pnlbloom/pnl-engine/internal/margin"
	"github.com/pnlbloom/pnl-engine/internal/model"
	"github.com/pnlbloom/pnl-engine/internal/reconstruct"
	"github.com/pnlbloom/pnl-engine/internal/stats"
)

// ErrNothingToCompute is returned when an account has no usable events.
// Callers render it as an empty result rather than a failure.
var ErrNothingToCompute = errors.New("engine: nothing to compute")

// Config holds the engine policy knobs.
type Config struct {
	DefaultLeverage decimal.Decimal `yaml:"default_leverage"`
	MergeSameExit   bool            `yaml:"merge_same_exit"`
	FundingPolicy   funding.Policy  `yaml:"funding_policy"`
}

// DefaultConfig returns the production policy.
func DefaultConfig() Config {
	return Config{
		DefaultLeverage: margin.DefaultLeverage,
		MergeSameExit:   true,
		FundingPolicy:   funding.PolicyDayOverlap,
	}
}

// Input is everything a run needs for one account.
type Input struct {
	Account   string
	Events    []model.Event
	Snapshots []model.MarginSnapshot
	Range     model.Range
}

// Diagnostics counts the degraded-path decisions of a run.
type Diagnostics struct {
	Events           int `json:"events"`
	Duplicates       int `json:"duplicates"`
	Invalid          int `json:"invalid"`
	SpotUnderflows   int `json:"spot_underflows"`
	PerpUnderflows   int `json:"perp_underflows"`
	SkippedCloses    int `json:"skipped_closes"`
	SeededPositions  int `json:"seeded_positions"`
	LeverageFallback int `json:"leverage_fallback"`
	TradesMerged     int `json:"trades_merged"`
}

// Output is the result of a run plus its diagnostics.
type Output struct {
	Result      *model.Result
	Diagnostics Diagnostics
}

// Engine is stateless between runs and safe for concurrent use.
type Engine struct {
	cfg Config
	log *slog.Logger
}

// New creates an engine. A nil logger uses slog.Default().
func New(cfg Config, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{cfg: cfg, log: log}
}

// Config returns the engine policy.
func (e *Engine) Config() Config { return e.cfg }

// Run folds the account's full event history and returns the derived
// results restricted to in.Range. The fold always starts from flat at the
// first event so ledger state at the start of the range is exact.
func (e *Engine) Run(in Input) (*Output, error) {
	log := e.log.With("account", in.Account)

	var diag Diagnostics
	events := e.prepare(in, &diag, log)
	if len(events) == 0 {
		return nil, ErrNothingToCompute
	}

	var fundingEvents []model.Event
	for _, ev := range events {
		if ev.Kind == model.KindPerpFunding {
			fundingEvents = append(fundingEvents, ev)
		}
	}
	alloc, err := funding.New(e.cfg.FundingPolicy, fundingEvents)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	rec := reconstruct.New(reconstruct.Config{
		Account:   in.Account,
		Estimator: margin.NewEstimator(in.Snapshots, e.cfg.DefaultLeverage),
		Funding:   alloc,
		Log:       log,
	})
	spot := ledger.NewSpotBook(log)

	activity := make([]equity.Activity, 0, len(events))
	for _, ev := range events {
		switch {
		case ev.Kind.IsSpot():
			f := spot.Apply(ev)
			if f.Excess.IsPositive() {
				diag.SpotUnderflows++
			}
			activity = append(activity, equity.Activity{Time: ev.Time, TradingPnL: f.Gross, Fees: f.Fee})
		case ev.Kind == model.KindPerpFill:
			f := rec.Apply(ev)
			activity = append(activity, equity.Activity{Time: ev.Time, TradingPnL: f.Gross, Fees: f.Fee})
		case ev.Kind == model.KindPerpFunding:
			activity = append(activity, equity.Activity{Time: ev.Time, Funding: ev.Amount})
		case ev.Kind == model.KindPerpFee:
			activity = append(activity, equity.Activity{Time: ev.Time, Fees: ev.Fee})
		}
	}

	trades := rec.Trades()
	if e.cfg.MergeSameExit {
		merged := reconstruct.MergeSameExit(trades)
		diag.TradesMerged = len(trades) - len(merged)
		trades = merged
	}

	points := equity.Build(activity)
	drawdowns := drawdown.Detect(points)

	c := rec.Counters()
	diag.PerpUnderflows = c.Underflows
	diag.SkippedCloses = c.SkippedCloses
	diag.SeededPositions = c.SeededPositions
	diag.LeverageFallback = c.LeverageFallback

	// Stats and the summary are account-wide; they see the whole history
	// before the range narrows the time series.
	marketStats := stats.Aggregate(trades)
	summary := stats.Summarize(in.Account, trades, points)

	trades = tradesWithin(trades, in.Range)
	points = equity.Within(points, in.Range)
	drawdowns = drawdown.Within(drawdowns, in.Range)

	res := &model.Result{
		Account:   in.Account,
		Range:     in.Range,
		Trades:    nonNil(trades),
		Equity:    nonNil(points),
		Drawdowns: nonNil(drawdowns),
		Stats:     marketStats,
		Positions: nonNil(append(spot.Open(), rec.Open()...)),
		Summary:   summary,
	}

	log.Debug("recompute folded",
		"events", diag.Events,
		"trades", len(res.Trades),
		"equity_points", len(res.Equity),
		"drawdowns", len(res.Drawdowns),
		"leverage_fallback", diag.LeverageFallback,
	)
	return &Output{Result: res, Diagnostics: diag}, nil
}

// prepare drops foreign, invalid and duplicate events and orders the rest
// by time. Ties keep a deterministic order by key.
func (e *Engine) prepare(in Input, diag *Diagnostics, log *slog.Logger) []model.Event {
	seen := make(map[string]bool, len(in.Events))
	out := make([]model.Event, 0, len(in.Events))

	for _, ev := range in.Events {
		if ev.Account != "" && ev.Account != in.Account {
			continue
		}
		if !ev.Kind.Valid() || ev.Time.IsZero() {
			diag.Invalid++
			log.Warn("event skipped", "event", ev.Key, "kind", string(ev.Kind), "time", ev.Time)
			continue
		}
		if ev.Account == "" {
			ev.Account = in.Account
		}
		key := eventkey.Assign(&ev, "")
		if seen[key] {
			diag.Duplicates++
			continue
		}
		seen[key] = true
		out = append(out, ev)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Time.Equal(out[j].Time) {
			return out[i].Time.Before(out[j].Time)
		}
		return out[i].Key < out[j].Key
	})
	diag.Events = len(out)
	return out
}

func tradesWithin(trades []model.ClosedTrade, rng model.Range) []model.ClosedTrade {
	if rng.IsFull() {
		return trades
	}
	var out []model.ClosedTrade
	for _, t := range trades {
		if rng.Contains(t.ExitTime) {
			out = append(out, t)
		}
	}
	return out
}

// nonNil keeps empty collections rendering as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
