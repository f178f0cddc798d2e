package engine

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pnlbloom/pnl-engine/internal/metrics"
	"github.com/pnlbloom/pnl-engine/internal/model"
)

// Scheduler recomputes accounts marked dirty by ingestion on a fixed
// interval. Distinct accounts run in parallel up to a worker bound.
type Scheduler struct {
	rec      *Recomputer
	interval time.Duration
	workers  int
	log      *slog.Logger

	mu    sync.Mutex
	dirty map[string]struct{}
}

// NewScheduler creates a scheduler. workers < 1 runs one account at a time.
func NewScheduler(rec *Recomputer, interval time.Duration, workers int, log *slog.Logger) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		rec:      rec,
		interval: interval,
		workers:  workers,
		log:      log,
		dirty:    make(map[string]struct{}),
	}
}

// MarkDirty queues accounts for the next flush.
func (s *Scheduler) MarkDirty(accounts ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range accounts {
		if a != "" {
			s.dirty[a] = struct{}{}
		}
	}
	metrics.DirtyAccounts.Set(float64(len(s.dirty)))
}

// Pending returns the queued accounts in sorted order.
func (s *Scheduler) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.dirty))
	for a := range s.dirty {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

func (s *Scheduler) drain() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.dirty))
	for a := range s.dirty {
		out = append(out, a)
	}
	s.dirty = make(map[string]struct{})
	metrics.DirtyAccounts.Set(0)
	sort.Strings(out)
	return out
}

// Flush recomputes every queued account over its full history. Accounts
// that fail are queued again; accounts with nothing to compute are not.
func (s *Scheduler) Flush(ctx context.Context) error {
	accounts := s.drain()
	if len(accounts) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, account := range accounts {
		account := account
		g.Go(func() error {
			_, err := s.rec.Recompute(gctx, account, model.Range{})
			if err != nil && !errors.Is(err, ErrNothingToCompute) {
				s.MarkDirty(account)
			}
			// One account failing must not cancel the others.
			return nil
		})
	}
	return g.Wait()
}

// Run flushes on every tick until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("recompute scheduler started", "interval", s.interval.String(), "workers", s.workers)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Flush(ctx); err != nil {
				s.log.Error("scheduled recompute flush failed", "err", err)
			}
		}
	}
}
