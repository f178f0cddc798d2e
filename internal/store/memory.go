package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pnlbloom/pnl-engine/internal/model"
)

type accountData struct {
	keys      map[string]bool
	events    []model.Event
	snapshots map[time.Time]model.MarginSnapshot

	trades    []model.ClosedTrade
	equity    []model.EquityPoint
	drawdowns []model.DrawdownEvent
	stats     []model.MarketStats
	positions []model.OpenPosition
	summary   *model.Summary
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*accountData
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]*accountData)}
}

// account returns the account's data, creating it. Callers hold mu.
func (s *MemoryStore) account(id string) *accountData {
	a, ok := s.accounts[id]
	if !ok {
		a = &accountData{
			keys:      make(map[string]bool),
			snapshots: make(map[time.Time]model.MarginSnapshot),
		}
		s.accounts[id] = a
	}
	return a
}

func (s *MemoryStore) InsertEvents(_ context.Context, events []model.Event) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for _, e := range events {
		a := s.account(e.Account)
		if a.keys[e.Key] {
			continue
		}
		a.keys[e.Key] = true
		a.events = append(a.events, e)
		inserted++
	}
	return inserted, nil
}

func (s *MemoryStore) GetEvents(_ context.Context, account string) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[account]
	if !ok {
		return nil, nil
	}
	out := make([]model.Event, len(a.events))
	copy(out, a.events)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}

func (s *MemoryStore) ListAccounts(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for id, a := range s.accounts {
		if len(a.events) > 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) UpsertMarginSnapshots(_ context.Context, snapshots []model.MarginSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, snap := range snapshots {
		snap.Day = model.Day(snap.Day)
		s.account(snap.Account).snapshots[snap.Day] = snap
	}
	return nil
}

func (s *MemoryStore) GetMarginSnapshots(_ context.Context, account string) ([]model.MarginSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[account]
	if !ok {
		return nil, nil
	}
	out := make([]model.MarginSnapshot, 0, len(a.snapshots))
	for _, snap := range a.snapshots {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out, nil
}

func (s *MemoryStore) ReplaceResults(_ context.Context, res *model.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.account(res.Account)
	rng := res.Range

	trades := keep(a.trades, func(t model.ClosedTrade) bool { return !rng.Contains(t.ExitTime) })
	a.trades = append(trades, res.Trades...)
	sort.SliceStable(a.trades, func(i, j int) bool { return a.trades[i].ExitTime.Before(a.trades[j].ExitTime) })

	equity := keep(a.equity, func(p model.EquityPoint) bool { return !rng.Contains(p.Day) })
	a.equity = append(equity, res.Equity...)
	sort.Slice(a.equity, func(i, j int) bool { return a.equity[i].Day.Before(a.equity[j].Day) })

	drawdowns := keep(a.drawdowns, func(d model.DrawdownEvent) bool { return !rng.Contains(d.PeakDate) })
	a.drawdowns = append(drawdowns, res.Drawdowns...)
	sort.SliceStable(a.drawdowns, func(i, j int) bool { return a.drawdowns[i].PeakDate.Before(a.drawdowns[j].PeakDate) })

	a.stats = append([]model.MarketStats(nil), res.Stats...)
	a.positions = append([]model.OpenPosition(nil), res.Positions...)
	summary := res.Summary
	a.summary = &summary
	return nil
}

func (s *MemoryStore) GetTrades(_ context.Context, account string, rng model.Range) ([]model.ClosedTrade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[account]
	if !ok {
		return nil, nil
	}
	return keep(a.trades, func(t model.ClosedTrade) bool { return rng.Contains(t.ExitTime) }), nil
}

func (s *MemoryStore) GetEquity(_ context.Context, account string, rng model.Range) ([]model.EquityPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[account]
	if !ok {
		return nil, nil
	}
	return keep(a.equity, func(p model.EquityPoint) bool { return rng.Contains(p.Day) }), nil
}

func (s *MemoryStore) GetDrawdowns(_ context.Context, account string) ([]model.DrawdownEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[account]
	if !ok {
		return nil, nil
	}
	return append([]model.DrawdownEvent(nil), a.drawdowns...), nil
}

func (s *MemoryStore) GetStats(_ context.Context, account string) ([]model.MarketStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[account]
	if !ok {
		return nil, nil
	}
	return append([]model.MarketStats(nil), a.stats...), nil
}

func (s *MemoryStore) GetPositions(_ context.Context, account string) ([]model.OpenPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[account]
	if !ok {
		return nil, nil
	}
	return append([]model.OpenPosition(nil), a.positions...), nil
}

func (s *MemoryStore) GetSummary(_ context.Context, account string) (*model.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[account]
	if !ok || a.summary == nil {
		return nil, ErrNotFound
	}
	summary := *a.summary
	return &summary, nil
}

// keep returns a new slice with the elements that satisfy fn.
func keep[T any](in []T, fn func(T) bool) []T {
	var out []T
	for _, v := range in {
		if fn(v) {
			out = append(out, v)
		}
	}
	return out
}
