package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pnlbloom/pnl-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache of derived results. Writes go to the primary store and invalidate
// the cache; reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) InsertEvents(ctx context.Context, events []model.Event) (int, error) {
	return s.primary.InsertEvents(ctx, events)
}

func (s *CachedStore) UpsertMarginSnapshots(ctx context.Context, snapshots []model.MarginSnapshot) error {
	return s.primary.UpsertMarginSnapshots(ctx, snapshots)
}

func (s *CachedStore) ReplaceResults(ctx context.Context, res *model.Result) error {
	if err := s.primary.ReplaceResults(ctx, res); err != nil {
		return err
	}
	// Invalidate; next read will re-populate.
	s.rdb.Del(ctx, resultKeys(res.Account)...)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetTrades(ctx context.Context, account string, rng model.Range) ([]model.ClosedTrade, error) {
	if !rng.IsFull() {
		return s.primary.GetTrades(ctx, account, rng)
	}
	return readThrough(ctx, s, tradesKey(account), func() ([]model.ClosedTrade, error) {
		return s.primary.GetTrades(ctx, account, rng)
	})
}

func (s *CachedStore) GetEquity(ctx context.Context, account string, rng model.Range) ([]model.EquityPoint, error) {
	if !rng.IsFull() {
		return s.primary.GetEquity(ctx, account, rng)
	}
	return readThrough(ctx, s, equityKey(account), func() ([]model.EquityPoint, error) {
		return s.primary.GetEquity(ctx, account, rng)
	})
}

func (s *CachedStore) GetDrawdowns(ctx context.Context, account string) ([]model.DrawdownEvent, error) {
	return readThrough(ctx, s, drawdownsKey(account), func() ([]model.DrawdownEvent, error) {
		return s.primary.GetDrawdowns(ctx, account)
	})
}

func (s *CachedStore) GetStats(ctx context.Context, account string) ([]model.MarketStats, error) {
	return readThrough(ctx, s, statsKey(account), func() ([]model.MarketStats, error) {
		return s.primary.GetStats(ctx, account)
	})
}

func (s *CachedStore) GetPositions(ctx context.Context, account string) ([]model.OpenPosition, error) {
	return readThrough(ctx, s, positionsKey(account), func() ([]model.OpenPosition, error) {
		return s.primary.GetPositions(ctx, account)
	})
}

func (s *CachedStore) GetSummary(ctx context.Context, account string) (*model.Summary, error) {
	return readThrough(ctx, s, summaryKey(account), func() (*model.Summary, error) {
		return s.primary.GetSummary(ctx, account)
	})
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetEvents(ctx context.Context, account string) ([]model.Event, error) {
	return s.primary.GetEvents(ctx, account)
}

func (s *CachedStore) ListAccounts(ctx context.Context) ([]string, error) {
	return s.primary.ListAccounts(ctx)
}

func (s *CachedStore) GetMarginSnapshots(ctx context.Context, account string) ([]model.MarginSnapshot, error) {
	return s.primary.GetMarginSnapshots(ctx, account)
}

// --- Cache helpers ---

// readThrough returns the cached value at key, or loads it from the primary
// and caches it. Cache errors are never surfaced to the caller.
func readThrough[T any](ctx context.Context, s *CachedStore, key string, load func() (T, error)) (T, error) {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var v T
		if json.Unmarshal(data, &v) == nil {
			return v, nil
		}
	}

	// Cache miss.
	v, err := load()
	if err != nil {
		return v, err
	}
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return v, nil
}

func tradesKey(account string) string    { return fmt.Sprintf("pnl:%s:trades", account) }
func equityKey(account string) string    { return fmt.Sprintf("pnl:%s:equity", account) }
func drawdownsKey(account string) string { return fmt.Sprintf("pnl:%s:drawdowns", account) }
func statsKey(account string) string     { return fmt.Sprintf("pnl:%s:stats", account) }
func positionsKey(account string) string { return fmt.Sprintf("pnl:%s:positions", account) }
func summaryKey(account string) string   { return fmt.Sprintf("pnl:%s:summary", account) }

func resultKeys(account string) []string {
	return []string{
		tradesKey(account),
		equityKey(account),
		drawdownsKey(account),
		statsKey(account),
		positionsKey(account),
		summaryKey(account),
	}
}
