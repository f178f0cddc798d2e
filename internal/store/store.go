// Package store defines the persistence interface for the PnL engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/pnlbloom/pnl-engine/internal/model"
)

// ErrNotFound is returned when an account has no stored results.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. Raw events are append-only and keyed
// by their dedup key; derived results are only ever replaced as a set.
type Store interface {
	// --- Raw events ---

	// InsertEvents appends events, skipping keys that are already stored.
	// It returns the number of newly inserted events.
	InsertEvents(ctx context.Context, events []model.Event) (int, error)

	// GetEvents returns every event of an account ordered by time.
	GetEvents(ctx context.Context, account string) ([]model.Event, error)

	// ListAccounts returns every account with at least one event.
	ListAccounts(ctx context.Context) ([]string, error)

	// --- Margin snapshots ---

	// UpsertMarginSnapshots stores snapshots; one row per account and day.
	UpsertMarginSnapshots(ctx context.Context, snapshots []model.MarginSnapshot) error

	// GetMarginSnapshots returns an account's snapshots ordered by day.
	GetMarginSnapshots(ctx context.Context, account string) ([]model.MarginSnapshot, error)

	// --- Derived results ---

	// ReplaceResults discards the account's derived rows inside res.Range
	// and inserts res in their place. Stats, positions and the summary are
	// account-wide and always replaced whole.
	ReplaceResults(ctx context.Context, res *model.Result) error

	// GetTrades returns closed trades whose exit day falls inside rng.
	GetTrades(ctx context.Context, account string, rng model.Range) ([]model.ClosedTrade, error)

	// GetEquity returns equity points inside rng ordered by day.
	GetEquity(ctx context.Context, account string, rng model.Range) ([]model.EquityPoint, error)

	// GetDrawdowns returns drawdown events ordered by peak day.
	GetDrawdowns(ctx context.Context, account string) ([]model.DrawdownEvent, error)

	// GetStats returns per-instrument stats ordered by instrument.
	GetStats(ctx context.Context, account string) ([]model.MarketStats, error)

	// GetPositions returns the open positions left by the last recompute.
	GetPositions(ctx context.Context, account string) ([]model.OpenPosition, error)

	// GetSummary returns the account summary, or ErrNotFound.
	GetSummary(ctx context.Context, account string) (*model.Summary, error)
}
