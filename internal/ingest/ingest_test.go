package ingest

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pnlbloom/pnl-engine/internal/eventkey"
	"github.com/pnlbloom/pnl-engine/internal/model"
	"github.com/pnlbloom/pnl-engine/internal/store"
)

func TestParse_StringNumbersAndDirection(t *testing.T) {
	p, err := Parse([]byte(`{
		"account": "0xabc", "source": "Hyperliquid", "kind": "perp_fill",
		"instrument": "BTC", "time": "2025-03-01T12:00:00.5Z",
		"quantity": "-0.25", "price": 65000.5, "fee": "1.2",
		"direction": "Close Long", "start_position": "0.25", "exchange_id": "tid:42"
	}`))
	require.NoError(t, err)
	assert.Empty(t, p.Coerced)

	e := p.Event
	assert.Equal(t, "hyperliquid", e.Source)
	assert.Equal(t, model.DirCloseLong, e.Direction)
	assert.True(t, e.Quantity.Equal(decimal.RequireFromString("-0.25")))
	assert.True(t, e.Price.Equal(decimal.RequireFromString("65000.5")))
	assert.True(t, e.StartPosition.Equal(decimal.RequireFromString("0.25")))
	assert.True(t, e.Time.Equal(time.Date(2025, 3, 1, 12, 0, 0, 5e8, time.UTC)))
	assert.Equal(t, "hyperliquid:perp_fill:0xabc:BTC:tid_42", e.Key)

	_, err = eventkey.Parse(e.Key)
	assert.NoError(t, err)
}

func TestParse_MalformedNumbersCoerceToZero(t *testing.T) {
	p, err := Parse([]byte(`{
		"account": "a", "kind": "spot_buy", "instrument": "ETH", "timestamp_ms": 1740000000000,
		"quantity": "1.5", "price": "n/a", "fee": {"x": 1}, "direction": "sideways"
	}`))
	require.NoError(t, err)

	assert.True(t, p.Event.Price.IsZero())
	assert.True(t, p.Event.Fee.IsZero())
	assert.True(t, p.Event.Quantity.Equal(decimal.RequireFromString("1.5")))
	assert.Equal(t, model.DirNone, p.Event.Direction)
	assert.ElementsMatch(t, []string{"price", "fee", "direction"}, p.Coerced)
	assert.Equal(t, time.UnixMilli(1740000000000).UTC(), p.Event.Time)
}

func TestParse_ExtremeNumbersCoerceToZero(t *testing.T) {
	p, err := Parse([]byte(`{
		"account": "a", "kind": "spot_buy", "instrument": "ETH", "timestamp_ms": 1740000000000,
		"quantity": 1e900000000, "price": "1e-900000000",
		"fee": "123456789012345678901234567890123456789012345678901234567890",
		"amount": "0.000001", "start_position": "1e6"
	}`))
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"quantity", "price", "fee"}, p.Coerced)
	assert.True(t, p.Event.Quantity.IsZero())
	assert.True(t, p.Event.Price.IsZero())
	assert.True(t, p.Event.Fee.IsZero())
	assert.True(t, p.Event.Amount.Equal(decimal.RequireFromString("0.000001")))
	assert.True(t, p.Event.StartPosition.Equal(decimal.NewFromInt(1000000)))
}

func TestValidNumber(t *testing.T) {
	assert.True(t, ValidNumber(decimal.RequireFromString("65000.123456789")))
	assert.True(t, ValidNumber(decimal.Zero))
	assert.False(t, ValidNumber(decimal.New(1, -900000000)))
	assert.False(t, ValidNumber(decimal.New(1, 37)))
}

func TestParse_Rejections(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{"not json", `{`, ErrMalformed},
		{"no account", `{"kind":"perp_fill","time":"2025-01-01T00:00:00Z"}`, ErrMissingAccount},
		{"bad kind", `{"account":"a","kind":"deposit","time":"2025-01-01T00:00:00Z"}`, eventkey.ErrInvalidKind},
		{"no time", `{"account":"a","kind":"perp_fill"}`, ErrMissingTime},
		{"bad time", `{"account":"a","kind":"perp_fill","time":"yesterday"}`, ErrMalformed},
		{"bad key", `{"account":"a","kind":"perp_fill","time":"2025-01-01T00:00:00Z","key":"nope"}`, eventkey.ErrInvalidKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.body))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestParseBatch(t *testing.T) {
	parsed, errs := ParseBatch([]byte(`[
		{"account":"a","kind":"perp_funding","instrument":"BTC","time":"2025-01-01T08:00:00Z","amount":"-0.4"},
		{"account":"","kind":"perp_fill","time":"2025-01-01T00:00:00Z"}
	]`))
	require.Len(t, parsed, 1)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrMissingAccount)

	parsed, errs = ParseBatch([]byte(` {"account":"a","kind":"perp_fee","time":"2025-01-01T00:00:00Z","fee":"0.1"}`))
	assert.Empty(t, errs)
	assert.Len(t, parsed, 1)
}

func TestDeduper(t *testing.T) {
	d, err := NewDeduper(100)
	require.NoError(t, err)
	defer d.Close()

	assert.False(t, d.Seen("k1"))
	d.Mark("k1")
	assert.True(t, d.Seen("k1"))
}

type marker struct {
	mu       sync.Mutex
	accounts []string
}

func (m *marker) MarkDirty(accounts ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts = append(m.accounts, accounts...)
}

func batch(t *testing.T, body string) []Parsed {
	t.Helper()
	parsed, errs := ParseBatch([]byte(body))
	require.Empty(t, errs)
	return parsed
}

func TestIngestor_DedupAndMarkDirty(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	dd, err := NewDeduper(1000)
	require.NoError(t, err)
	defer dd.Close()
	m := &marker{}
	in := NewIngestor(st, dd, m, nil)

	body := `[
		{"account":"a","kind":"perp_fill","instrument":"BTC","time":"2025-01-01T00:00:00Z","quantity":"1","price":"100","exchange_id":"1"},
		{"account":"a","kind":"perp_fill","instrument":"BTC","time":"2025-01-01T00:00:00Z","quantity":"1","price":"100","exchange_id":"1"},
		{"account":"b","kind":"spot_buy","instrument":"ETH","time":"2025-01-01T00:00:00Z","quantity":"2","price":"bad"}
	]`
	rep, err := in.Ingest(ctx, batch(t, body))
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Inserted)
	assert.Equal(t, 1, rep.Duplicates)
	assert.Equal(t, 1, rep.Coerced)

	sort.Strings(m.accounts)
	assert.Equal(t, []string{"a", "b"}, m.accounts)

	rep, err = in.Ingest(ctx, batch(t, body))
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Inserted)
	assert.Equal(t, 3, rep.Duplicates)

	events, err := st.GetEvents(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestIngestor_StoreIsAuthoritativeWithoutCache(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	in := NewIngestor(st, nil, nil, nil)

	body := `{"account":"a","kind":"perp_fee","time":"2025-01-01T00:00:00Z","fee":"0.1"}`
	_, err := in.Ingest(ctx, batch(t, body))
	require.NoError(t, err)
	rep, err := in.Ingest(ctx, batch(t, body))
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Inserted)
	assert.Equal(t, 1, rep.Duplicates)
}
