package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pnlbloom/pnl-engine/internal/model"
)

var _ Store = (*MemoryStore)(nil)
var _ Store = (*PostgresStore)(nil)
var _ Store = (*CachedStore)(nil)

func day(n int) time.Time {
	return time.Date(2025, 5, n, 0, 0, 0, 0, time.UTC)
}

func TestMemoryStore_InsertEventsDedups(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	events := []model.Event{
		{Key: "a", Account: "acct", Kind: model.KindPerpFill, Time: day(2)},
		{Key: "b", Account: "acct", Kind: model.KindPerpFill, Time: day(1)},
	}
	n, err := st.InsertEvents(ctx, events)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = st.InsertEvents(ctx, append(events, model.Event{Key: "c", Account: "acct", Time: day(3)}))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := st.GetEvents(ctx, "acct")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "b", got[0].Key, "events come back in time order")

	accounts, err := st.ListAccounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"acct"}, accounts)
}

func TestMemoryStore_SnapshotsUpsertByDay(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, st.UpsertMarginSnapshots(ctx, []model.MarginSnapshot{
		{Account: "acct", Day: day(2).Add(5 * time.Hour), AccountValue: decimal.NewFromInt(100)},
		{Account: "acct", Day: day(1), AccountValue: decimal.NewFromInt(50)},
	}))
	require.NoError(t, st.UpsertMarginSnapshots(ctx, []model.MarginSnapshot{
		{Account: "acct", Day: day(2), AccountValue: decimal.NewFromInt(200)},
	}))

	snaps, err := st.GetMarginSnapshots(ctx, "acct")
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.True(t, snaps[0].Day.Equal(day(1)))
	assert.True(t, snaps[1].AccountValue.Equal(decimal.NewFromInt(200)))
}

func TestMemoryStore_ReplaceResultsFullRange(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	first := &model.Result{
		Account: "acct",
		Trades:  []model.ClosedTrade{{ID: "t1", ExitTime: day(1)}, {ID: "t2", ExitTime: day(2)}},
		Equity:  []model.EquityPoint{{Day: day(1)}, {Day: day(2)}},
		Summary: model.Summary{Account: "acct", TotalTrades: 2},
	}
	require.NoError(t, st.ReplaceResults(ctx, first))

	second := &model.Result{
		Account: "acct",
		Trades:  []model.ClosedTrade{{ID: "t1", ExitTime: day(1)}},
		Equity:  []model.EquityPoint{{Day: day(1)}},
		Summary: model.Summary{Account: "acct", TotalTrades: 1},
	}
	require.NoError(t, st.ReplaceResults(ctx, second))

	trades, err := st.GetTrades(ctx, "acct", model.Range{})
	require.NoError(t, err)
	assert.Len(t, trades, 1, "replace never appends")

	equity, err := st.GetEquity(ctx, "acct", model.Range{})
	require.NoError(t, err)
	assert.Len(t, equity, 1)

	summary, err := st.GetSummary(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.TotalTrades)
}

func TestMemoryStore_ReplaceResultsSubRange(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, st.ReplaceResults(ctx, &model.Result{
		Account: "acct",
		Trades: []model.ClosedTrade{
			{ID: "t1", ExitTime: day(1)},
			{ID: "t2", ExitTime: day(5)},
			{ID: "t3", ExitTime: day(9)},
		},
	}))
	require.NoError(t, st.ReplaceResults(ctx, &model.Result{
		Account: "acct",
		Range:   model.Range{From: day(4), To: day(6)},
		Trades:  []model.ClosedTrade{{ID: "t2b", ExitTime: day(5).Add(time.Hour)}},
	}))

	trades, err := st.GetTrades(ctx, "acct", model.Range{})
	require.NoError(t, err)
	require.Len(t, trades, 3)
	assert.Equal(t, []string{"t1", "t2b", "t3"}, []string{trades[0].ID, trades[1].ID, trades[2].ID})

	ranged, err := st.GetTrades(ctx, "acct", model.Range{From: day(5), To: day(9)})
	require.NoError(t, err)
	assert.Len(t, ranged, 2)
}

func TestMemoryStore_SummaryNotFound(t *testing.T) {
	_, err := NewMemoryStore().GetSummary(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}
