package engine

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pnlbloom/pnl-engine/internal/model"
	"github.com/pnlbloom/pnl-engine/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var t0 = time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

func at(days int, hours int) time.Time {
	return t0.AddDate(0, 0, days).Add(time.Duration(hours) * time.Hour)
}

func perp(key, inst, size, price, fee string, ts time.Time) model.Event {
	return model.Event{
		Key: key, Account: "acct", Kind: model.KindPerpFill, Instrument: inst, Time: ts,
		Quantity: d(size), Price: d(price), Fee: d(fee),
	}
}

func history() []model.Event {
	return []model.Event{
		perp("f1", "X", "10", "100", "1", at(0, 0)),
		perp("f2", "X", "5", "110", "0.5", at(0, 1)),
		perp("f3", "X", "-15", "120", "1.5", at(1, 0)),
		{Key: "fu1", Account: "acct", Kind: model.KindPerpFunding, Instrument: "X", Time: at(0, 6), Amount: d("-2")},
		perp("f4", "ETH", "-2", "2000", "2", at(2, 0)),
		perp("f5", "ETH", "2", "2100", "2", at(3, 0)),
		{Key: "s1", Account: "acct", Kind: model.KindSpotBuy, Instrument: "SOL", Time: at(3, 1), Quantity: d("10"), Price: d("20"), Fee: d("0.1")},
		{Key: "s2", Account: "acct", Kind: model.KindSpotSell, Instrument: "SOL", Time: at(4, 0), Quantity: d("4"), Price: d("25"), Fee: d("0.1")},
		{Key: "p1", Account: "acct", Kind: model.KindPerpFee, Instrument: "X", Time: at(4, 2), Fee: d("0.3")},
	}
}

func TestRun_Scenario(t *testing.T) {
	out, err := New(DefaultConfig(), nil).Run(Input{Account: "acct", Events: history()})
	require.NoError(t, err)
	res := out.Result

	require.Len(t, res.Trades, 2)
	x := res.Trades[0]
	assert.Equal(t, "X", x.Instrument)
	assert.True(t, x.RealizedPnL.Equal(d("250")))
	assert.True(t, x.Fees.Equal(d("3")))
	assert.True(t, x.Funding.Equal(d("-2")))
	assert.True(t, x.NetPnL.Equal(d("245")))

	eth := res.Trades[1]
	assert.Equal(t, model.SideShort, eth.Side)
	assert.True(t, eth.NetPnL.Equal(d("-204")))

	require.Len(t, res.Stats, 2)
	assert.Equal(t, "ETH", res.Stats[0].Instrument)

	require.Len(t, res.Positions, 1)
	assert.Equal(t, "spot", res.Positions[0].Market)
	assert.True(t, res.Positions[0].Size.Equal(d("6")))
	assert.True(t, res.Positions[0].UnrealizedPnL.Equal(d("30")))

	assert.Equal(t, 2, res.Summary.TotalTrades)
	assert.Equal(t, 1, res.Summary.Wins)
}

func TestRun_EquityConservation(t *testing.T) {
	events := history()
	out, err := New(DefaultConfig(), nil).Run(Input{Account: "acct", Events: events})
	require.NoError(t, err)

	// perp gross 250 - 200, spot gross 4*(25-20); funding -2; every fee paid.
	want := d("250").Sub(d("200")).Add(d("20")).Add(d("-2")).
		Sub(d("1")).Sub(d("0.5")).Sub(d("1.5")).Sub(d("2")).Sub(d("2")).
		Sub(d("0.1")).Sub(d("0.1")).Sub(d("0.3"))

	pts := out.Result.Equity
	require.NotEmpty(t, pts)
	last := pts[len(pts)-1]
	assert.True(t, last.CumulativeEquity.Equal(want), "%s != %s", last.CumulativeEquity, want)
	assert.True(t, out.Result.Summary.FinalEquity.Equal(want))
}

func TestRun_IsIdempotent(t *testing.T) {
	eng := New(DefaultConfig(), nil)
	a, err := eng.Run(Input{Account: "acct", Events: history()})
	require.NoError(t, err)

	shuffled := history()
	for i, j := 0, len(shuffled)-1; i < j; i, j = i+1, j-1 {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}
	b, err := eng.Run(Input{Account: "acct", Events: shuffled})
	require.NoError(t, err)

	ja, err := json.Marshal(a.Result)
	require.NoError(t, err)
	jb, err := json.Marshal(b.Result)
	require.NoError(t, err)
	assert.Equal(t, string(ja), string(jb))
}

func TestRun_DuplicatesAreNoops(t *testing.T) {
	events := append(history(), history()...)
	out, err := New(DefaultConfig(), nil).Run(Input{Account: "acct", Events: events})
	require.NoError(t, err)

	assert.Equal(t, len(history()), out.Diagnostics.Duplicates)
	assert.Len(t, out.Result.Trades, 2)
}

func TestRun_NothingToCompute(t *testing.T) {
	_, err := New(DefaultConfig(), nil).Run(Input{Account: "acct"})
	assert.ErrorIs(t, err, ErrNothingToCompute)

	foreign := []model.Event{perp("f1", "X", "1", "1", "0", t0)}
	foreign[0].Account = "other"
	_, err = New(DefaultConfig(), nil).Run(Input{Account: "acct", Events: foreign})
	assert.ErrorIs(t, err, ErrNothingToCompute)
}

func TestRun_RangeFiltersOutputsNotTheFold(t *testing.T) {
	rng := model.Range{From: at(3, 0), To: at(3, 0)}
	out, err := New(DefaultConfig(), nil).Run(Input{Account: "acct", Events: history(), Range: rng})
	require.NoError(t, err)

	require.Len(t, out.Result.Trades, 1)
	assert.Equal(t, "ETH", out.Result.Trades[0].Instrument)
	assert.True(t, out.Result.Trades[0].EntryTime.Equal(at(2, 0)), "entry outside the range is still known")

	require.Len(t, out.Result.Equity, 1)
	assert.True(t, out.Result.Equity[0].Day.Equal(model.Day(at(3, 0))))

	// Stats and summary stay account-wide.
	assert.Equal(t, 2, out.Result.Summary.TotalTrades)
	assert.Len(t, out.Result.Stats, 2)
	full, err := New(DefaultConfig(), nil).Run(Input{Account: "acct", Events: history()})
	require.NoError(t, err)
	assert.True(t, out.Result.Summary.NetPnL.Equal(full.Result.Summary.NetPnL))
	assert.True(t, out.Result.Summary.FinalEquity.Equal(full.Result.Summary.FinalEquity))
}

func TestRun_MergeSameExitToggle(t *testing.T) {
	exit := at(1, 0)
	events := []model.Event{
		perp("a", "X", "1", "100", "0", at(0, 0)),
		perp("b", "X", "-1", "110", "0", exit),
		perp("c", "X", "1", "100", "0", exit),
		perp("d", "X", "-1", "110", "0", exit),
	}

	cfg := DefaultConfig()
	out, err := New(cfg, nil).Run(Input{Account: "acct", Events: events})
	require.NoError(t, err)
	assert.Len(t, out.Result.Trades, 1)
	assert.Equal(t, 1, out.Diagnostics.TradesMerged)

	cfg.MergeSameExit = false
	out, err = New(cfg, nil).Run(Input{Account: "acct", Events: events})
	require.NoError(t, err)
	assert.Len(t, out.Result.Trades, 2)
}

func TestRun_UnknownFundingPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FundingPolicy = "pro_rata"
	_, err := New(cfg, nil).Run(Input{Account: "acct", Events: history()})
	assert.Error(t, err)
}

type recordingNotifier struct {
	mu      sync.Mutex
	results []*model.Result
}

func (n *recordingNotifier) RecomputeCompleted(res *model.Result) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.results = append(n.results, res)
}

func TestRecomputer_ReplacesStoredResults(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	_, err := st.InsertEvents(ctx, history())
	require.NoError(t, err)

	n := &recordingNotifier{}
	rec := NewRecomputer(New(DefaultConfig(), nil), st, n, nil)

	for i := 0; i < 2; i++ {
		_, err := rec.Recompute(ctx, "acct", model.Range{})
		require.NoError(t, err)
	}

	trades, err := st.GetTrades(ctx, "acct", model.Range{})
	require.NoError(t, err)
	assert.Len(t, trades, 2, "second recompute replaces rather than appends")

	summary, err := st.GetSummary(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, 2, summary.TotalTrades)
	assert.Len(t, n.results, 2)
}

func TestRecomputer_RangedKeepsAccountWideStats(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	_, err := st.InsertEvents(ctx, history())
	require.NoError(t, err)

	rec := NewRecomputer(New(DefaultConfig(), nil), st, nil, nil)
	_, err = rec.Recompute(ctx, "acct", model.Range{})
	require.NoError(t, err)
	full, err := st.GetSummary(ctx, "acct")
	require.NoError(t, err)

	_, err = rec.Recompute(ctx, "acct", model.Range{From: at(3, 0), To: at(3, 0)})
	require.NoError(t, err)

	trades, err := st.GetTrades(ctx, "acct", model.Range{})
	require.NoError(t, err)
	assert.Len(t, trades, 2)

	marketStats, err := st.GetStats(ctx, "acct")
	require.NoError(t, err)
	require.Len(t, marketStats, 2)
	total := 0
	for _, ms := range marketStats {
		total += ms.TotalTrades
	}
	assert.Equal(t, len(trades), total)

	summary, err := st.GetSummary(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, 2, summary.TotalTrades)
	assert.True(t, summary.NetPnL.Equal(full.NetPnL), summary.NetPnL.String())
}

func TestRecomputer_EmptyAccount(t *testing.T) {
	rec := NewRecomputer(New(DefaultConfig(), nil), store.NewMemoryStore(), nil, nil)
	_, err := rec.Recompute(context.Background(), "ghost", model.Range{})
	assert.ErrorIs(t, err, ErrNothingToCompute)
}

func TestKeyedMutex_SerialisesSameKey(t *testing.T) {
	km := newKeyedMutex()
	ctx := context.Background()

	var inFlight, maxInFlight int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := km.Lock(ctx, "acct")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inFlight, 1)
			for {
				m := atomic.LoadInt32(&maxInFlight)
				if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInFlight)
	assert.Empty(t, km.locks, "idle keys are released")
}

func TestKeyedMutex_DistinctKeysDoNotBlock(t *testing.T) {
	km := newKeyedMutex()
	ctx := context.Background()

	unlockA, err := km.Lock(ctx, "a")
	require.NoError(t, err)
	defer unlockA()

	unlockB, err := km.Lock(ctx, "b")
	require.NoError(t, err)
	unlockB()
}

func TestKeyedMutex_ContextCancel(t *testing.T) {
	km := newKeyedMutex()
	unlock, err := km.Lock(context.Background(), "acct")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = km.Lock(ctx, "acct")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestScheduler_Flush(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	_, err := st.InsertEvents(ctx, history())
	require.NoError(t, err)

	rec := NewRecomputer(New(DefaultConfig(), nil), st, nil, nil)
	s := NewScheduler(rec, time.Minute, 4, nil)
	s.MarkDirty("acct", "ghost", "")
	assert.Equal(t, []string{"acct", "ghost"}, s.Pending())

	require.NoError(t, s.Flush(ctx))
	assert.Empty(t, s.Pending(), "empty accounts are not requeued")

	summary, err := st.GetSummary(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, 2, summary.TotalTrades)
}
