package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pnlbloom/pnl-engine/internal/metrics"
	"github.com/pnlbloom/pnl-engine/internal/model"
	"github.com/pnlbloom/pnl-engine/internal/store"
)

// Notifier is told about every successful recompute.
type Notifier interface {
	RecomputeCompleted(res *model.Result)
}

// Recomputer loads an account from the store, runs the engine and replaces
// the stored results. At most one recompute per account is in flight;
// different accounts run concurrently.
type Recomputer struct {
	engine   *Engine
	store    store.Store
	notifier Notifier
	locks    *keyedMutex
	log      *slog.Logger
}

// NewRecomputer creates a recomputer. notifier may be nil.
func NewRecomputer(eng *Engine, st store.Store, notifier Notifier, log *slog.Logger) *Recomputer {
	if log == nil {
		log = slog.Default()
	}
	return &Recomputer{
		engine:   eng,
		store:    st,
		notifier: notifier,
		locks:    newKeyedMutex(),
		log:      log,
	}
}

// Recompute rebuilds the derived results of account for rng. It returns
// ErrNothingToCompute, leaving stored results untouched, when the account
// has no events.
func (r *Recomputer) Recompute(ctx context.Context, account string, rng model.Range) (*Output, error) {
	unlock, err := r.locks.Lock(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("recompute %s: %w", account, err)
	}
	defer unlock()

	start := time.Now()
	out, err := r.recompute(ctx, account, rng)
	metrics.RecomputeDuration.Observe(time.Since(start).Seconds())

	switch {
	case errors.Is(err, ErrNothingToCompute):
		metrics.RecomputesTotal.WithLabelValues("empty").Inc()
		r.log.Info("nothing to compute", "account", account)
		return nil, err
	case err != nil:
		metrics.RecomputesTotal.WithLabelValues("error").Inc()
		r.log.Error("recompute failed", "account", account, "err", err)
		return nil, err
	}

	metrics.RecomputesTotal.WithLabelValues("ok").Inc()
	record(out.Diagnostics, len(out.Result.Trades))

	r.log.Info("recompute completed",
		"account", account,
		"events", out.Diagnostics.Events,
		"trades", len(out.Result.Trades),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	if r.notifier != nil {
		r.notifier.RecomputeCompleted(out.Result)
	}
	return out, nil
}

func (r *Recomputer) recompute(ctx context.Context, account string, rng model.Range) (*Output, error) {
	events, err := r.store.GetEvents(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	snapshots, err := r.store.GetMarginSnapshots(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("load margin snapshots: %w", err)
	}

	out, err := r.engine.Run(Input{
		Account:   account,
		Events:    events,
		Snapshots: snapshots,
		Range:     rng,
	})
	if err != nil {
		return nil, err
	}

	if err := r.store.ReplaceResults(ctx, out.Result); err != nil {
		return nil, fmt.Errorf("replace results: %w", err)
	}
	return out, nil
}

func record(d Diagnostics, trades int) {
	metrics.LedgerUnderflows.WithLabelValues("spot").Add(float64(d.SpotUnderflows))
	metrics.LedgerUnderflows.WithLabelValues("perp").Add(float64(d.PerpUnderflows))
	metrics.LeverageFallbacks.Add(float64(d.LeverageFallback))
	metrics.SkippedCloses.Add(float64(d.SkippedCloses))
	metrics.ClosedTrades.Add(float64(trades))
}
