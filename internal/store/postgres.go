package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/pnlbloom/pnl-engine/internal/model"
)

//go:embed schema.sql
var schema string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// --- Raw events ---

func (s *PostgresStore) InsertEvents(ctx context.Context, events []model.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	b := &pgx.Batch{}
	for _, e := range events {
		b.Queue(
			`INSERT INTO events (key, account, source, kind, instrument, time,
			                     quantity, price, fee, amount, direction, start_position)
			 VALUES ($1, $2, $3, $4, $5, $6,
			         $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11, $12::NUMERIC)
			 ON CONFLICT (key) DO NOTHING`,
			e.Key, e.Account, e.Source, string(e.Kind), e.Instrument, e.Time.UTC(),
			e.Quantity.String(), e.Price.String(), e.Fee.String(), e.Amount.String(),
			string(e.Direction), e.StartPosition.String(),
		)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	inserted := 0
	for range events {
		tag, err := br.Exec()
		if err != nil {
			return inserted, fmt.Errorf("insert events: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

func (s *PostgresStore) GetEvents(ctx context.Context, account string) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT key, account, source, kind, instrument, time,
		        quantity::TEXT, price::TEXT, fee::TEXT, amount::TEXT,
		        direction, start_position::TEXT
		 FROM events WHERE account = $1 ORDER BY time, key`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var e model.Event
		var kind, direction string
		var qty, price, fee, amount, start string
		if err := rows.Scan(&e.Key, &e.Account, &e.Source, &kind, &e.Instrument, &e.Time,
			&qty, &price, &fee, &amount, &direction, &start); err != nil {
			return nil, err
		}
		e.Kind = model.EventKind(kind)
		e.Direction = model.Direction(direction)
		e.Time = e.Time.UTC()
		e.Quantity = dec(qty)
		e.Price = dec(price)
		e.Fee = dec(fee)
		e.Amount = dec(amount)
		e.StartPosition = dec(start)
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *PostgresStore) ListAccounts(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT account FROM events ORDER BY account`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// --- Margin snapshots ---

func (s *PostgresStore) UpsertMarginSnapshots(ctx context.Context, snapshots []model.MarginSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, snap := range snapshots {
		b.Queue(
			`INSERT INTO margin_snapshots (account, day, account_value, total_margin_used)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC)
			 ON CONFLICT (account, day) DO UPDATE
			 SET account_value = EXCLUDED.account_value,
			     total_margin_used = EXCLUDED.total_margin_used`,
			snap.Account, model.Day(snap.Day), snap.AccountValue.String(), snap.TotalMarginUsed.String(),
		)
	}
	if err := s.pool.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("upsert margin snapshots: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMarginSnapshots(ctx context.Context, account string) ([]model.MarginSnapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT account, day, account_value::TEXT, total_margin_used::TEXT
		 FROM margin_snapshots WHERE account = $1 ORDER BY day`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []model.MarginSnapshot
	for rows.Next() {
		var snap model.MarginSnapshot
		var value, used string
		if err := rows.Scan(&snap.Account, &snap.Day, &value, &used); err != nil {
			return nil, err
		}
		snap.Day = model.Day(snap.Day)
		snap.AccountValue = dec(value)
		snap.TotalMarginUsed = dec(used)
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// --- Derived results ---

// ReplaceResults deletes and re-inserts the account's derived rows in one
// transaction so readers never observe a partial recompute.
func (s *PostgresStore) ReplaceResults(ctx context.Context, res *model.Result) error {
	from, to := rangeArgs(res.Range)

	positions, err := json.Marshal(res.Positions)
	if err != nil {
		return fmt.Errorf("encode positions: %w", err)
	}
	summary, err := json.Marshal(res.Summary)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		b := &pgx.Batch{}
		b.Queue(`DELETE FROM closed_trades WHERE account = $1
		         AND ($2::DATE IS NULL OR (exit_time AT TIME ZONE 'UTC')::DATE >= $2::DATE)
		         AND ($3::DATE IS NULL OR (exit_time AT TIME ZONE 'UTC')::DATE <= $3::DATE)`,
			res.Account, from, to)
		b.Queue(`DELETE FROM equity_points WHERE account = $1
		         AND ($2::DATE IS NULL OR day >= $2::DATE)
		         AND ($3::DATE IS NULL OR day <= $3::DATE)`,
			res.Account, from, to)
		b.Queue(`DELETE FROM drawdown_events WHERE account = $1
		         AND ($2::DATE IS NULL OR peak_date >= $2::DATE)
		         AND ($3::DATE IS NULL OR peak_date <= $3::DATE)`,
			res.Account, from, to)
		b.Queue(`DELETE FROM market_stats WHERE account = $1`, res.Account)

		for _, t := range res.Trades {
			queueTrade(b, t)
		}
		for _, p := range res.Equity {
			queueEquityPoint(b, res.Account, p)
		}
		for _, d := range res.Drawdowns {
			queueDrawdown(b, res.Account, d)
		}
		for _, st := range res.Stats {
			queueStats(b, res.Account, st)
		}

		b.Queue(`INSERT INTO open_positions (account, payload) VALUES ($1, $2)
		         ON CONFLICT (account) DO UPDATE SET payload = EXCLUDED.payload`,
			res.Account, positions)
		b.Queue(`INSERT INTO account_summaries (account, payload, computed_at) VALUES ($1, $2, now())
		         ON CONFLICT (account) DO UPDATE SET payload = EXCLUDED.payload, computed_at = now()`,
			res.Account, summary)

		if err := tx.SendBatch(ctx, b).Close(); err != nil {
			return fmt.Errorf("replace results for %s: %w", res.Account, err)
		}
		return nil
	})
}

func queueTrade(b *pgx.Batch, t model.ClosedTrade) {
	b.Queue(
		`INSERT INTO closed_trades (id, account, instrument, side, entry_time, exit_time,
		     entry_price, exit_price, size, notional, margin_used, leverage, leverage_estimated,
		     realized_pnl, fees, funding, net_pnl, is_win, duration_ns)
		 VALUES ($1, $2, $3, $4, $5, $6,
		     $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13,
		     $14::NUMERIC, $15::NUMERIC, $16::NUMERIC, $17::NUMERIC, $18, $19)
		 ON CONFLICT (id) DO NOTHING`,
		t.ID, t.Account, t.Instrument, string(t.Side), t.EntryTime.UTC(), t.ExitTime.UTC(),
		t.EntryPrice.String(), t.ExitPrice.String(), t.Size.String(), t.Notional.String(),
		t.MarginUsed.String(), t.Leverage.String(), t.LeverageEstimated,
		t.RealizedPnL.String(), t.Fees.String(), t.Funding.String(), t.NetPnL.String(),
		t.IsWin, int64(t.Duration),
	)
}

func queueEquityPoint(b *pgx.Batch, account string, p model.EquityPoint) {
	b.Queue(
		`INSERT INTO equity_points (account, day, trading_pnl, funding_pnl, fees, net_change,
		     cumulative_trading_pnl, cumulative_funding_pnl, cumulative_fees, cumulative_equity,
		     peak, drawdown, drawdown_pct)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC,
		     $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC,
		     $11::NUMERIC, $12::NUMERIC, $13::NUMERIC)`,
		account, p.Day, p.TradingPnL.String(), p.FundingPnL.String(), p.Fees.String(), p.NetChange.String(),
		p.CumulativeTrading.String(), p.CumulativeFunding.String(), p.CumulativeFees.String(),
		p.CumulativeEquity.String(), p.Peak.String(), p.Drawdown.String(), p.DrawdownPct.String(),
	)
}

func queueDrawdown(b *pgx.Batch, account string, d model.DrawdownEvent) {
	b.Queue(
		`INSERT INTO drawdown_events (account, peak_date, trough_date, recovery_date,
		     peak_equity, trough_equity, depth, depth_pct, recovery_days, is_recovered)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10)`,
		account, d.PeakDate, d.TroughDate, d.RecoveryDate,
		d.PeakEquity.String(), d.TroughEquity.String(), d.Depth.String(), d.DepthPct.String(),
		d.RecoveryDays, d.IsRecovered,
	)
}

func queueStats(b *pgx.Batch, account string, st model.MarketStats) {
	b.Queue(
		`INSERT INTO market_stats (account, instrument, total_trades, wins, losses, breakeven,
		     win_rate, total_pnl, total_volume, total_fees, total_funding, avg_win, avg_loss,
		     profit_factor, profit_factor_unbounded)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC,
		     $11::NUMERIC, $12::NUMERIC, $13::NUMERIC, $14::NUMERIC, $15)`,
		account, st.Instrument, st.TotalTrades, st.Wins, st.Losses, st.Breakeven, st.WinRate.String(),
		st.TotalPnL.String(), st.TotalVolume.String(), st.TotalFees.String(), st.TotalFunding.String(),
		st.AvgWin.String(), st.AvgLoss.String(), st.ProfitFactor.String(), st.ProfitFactorUnbounded,
	)
}

func (s *PostgresStore) GetTrades(ctx context.Context, account string, rng model.Range) ([]model.ClosedTrade, error) {
	from, to := rangeArgs(rng)
	rows, err := s.pool.Query(ctx,
		`SELECT id, account, instrument, side, entry_time, exit_time,
		        entry_price::TEXT, exit_price::TEXT, size::TEXT, notional::TEXT,
		        margin_used::TEXT, leverage::TEXT, leverage_estimated,
		        realized_pnl::TEXT, fees::TEXT, funding::TEXT, net_pnl::TEXT,
		        is_win, duration_ns
		 FROM closed_trades
		 WHERE account = $1
		   AND ($2::DATE IS NULL OR (exit_time AT TIME ZONE 'UTC')::DATE >= $2::DATE)
		   AND ($3::DATE IS NULL OR (exit_time AT TIME ZONE 'UTC')::DATE <= $3::DATE)
		 ORDER BY exit_time, instrument, entry_time`, account, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.ClosedTrade
	for rows.Next() {
		var t model.ClosedTrade
		var side string
		var entry, exit, size, notional, marginUsed, leverage, realized, fees, fundingPnL, net string
		var durationNs int64
		if err := rows.Scan(&t.ID, &t.Account, &t.Instrument, &side, &t.EntryTime, &t.ExitTime,
			&entry, &exit, &size, &notional, &marginUsed, &leverage, &t.LeverageEstimated,
			&realized, &fees, &fundingPnL, &net, &t.IsWin, &durationNs); err != nil {
			return nil, err
		}
		t.Side = model.Side(side)
		t.EntryTime = t.EntryTime.UTC()
		t.ExitTime = t.ExitTime.UTC()
		t.EntryPrice = dec(entry)
		t.ExitPrice = dec(exit)
		t.Size = dec(size)
		t.Notional = dec(notional)
		t.MarginUsed = dec(marginUsed)
		t.Leverage = dec(leverage)
		t.RealizedPnL = dec(realized)
		t.Fees = dec(fees)
		t.Funding = dec(fundingPnL)
		t.NetPnL = dec(net)
		t.Duration = time.Duration(durationNs)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) GetEquity(ctx context.Context, account string, rng model.Range) ([]model.EquityPoint, error) {
	from, to := rangeArgs(rng)
	rows, err := s.pool.Query(ctx,
		`SELECT day, trading_pnl::TEXT, funding_pnl::TEXT, fees::TEXT, net_change::TEXT,
		        cumulative_trading_pnl::TEXT, cumulative_funding_pnl::TEXT, cumulative_fees::TEXT,
		        cumulative_equity::TEXT, peak::TEXT, drawdown::TEXT, drawdown_pct::TEXT
		 FROM equity_points
		 WHERE account = $1
		   AND ($2::DATE IS NULL OR day >= $2::DATE)
		   AND ($3::DATE IS NULL OR day <= $3::DATE)
		 ORDER BY day`, account, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []model.EquityPoint
	for rows.Next() {
		var p model.EquityPoint
		var v [11]string
		if err := rows.Scan(&p.Day, &v[0], &v[1], &v[2], &v[3], &v[4], &v[5], &v[6],
			&v[7], &v[8], &v[9], &v[10]); err != nil {
			return nil, err
		}
		p.Day = model.Day(p.Day)
		p.TradingPnL = dec(v[0])
		p.FundingPnL = dec(v[1])
		p.Fees = dec(v[2])
		p.NetChange = dec(v[3])
		p.CumulativeTrading = dec(v[4])
		p.CumulativeFunding = dec(v[5])
		p.CumulativeFees = dec(v[6])
		p.CumulativeEquity = dec(v[7])
		p.Peak = dec(v[8])
		p.Drawdown = dec(v[9])
		p.DrawdownPct = dec(v[10])
		points = append(points, p)
	}
	return points, rows.Err()
}

func (s *PostgresStore) GetDrawdowns(ctx context.Context, account string) ([]model.DrawdownEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT peak_date, trough_date, recovery_date,
		        peak_equity::TEXT, trough_equity::TEXT, depth::TEXT, depth_pct::TEXT,
		        recovery_days, is_recovered
		 FROM drawdown_events WHERE account = $1 ORDER BY peak_date`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.DrawdownEvent
	for rows.Next() {
		var d model.DrawdownEvent
		var peak, trough, depth, depthPct string
		if err := rows.Scan(&d.PeakDate, &d.TroughDate, &d.RecoveryDate,
			&peak, &trough, &depth, &depthPct, &d.RecoveryDays, &d.IsRecovered); err != nil {
			return nil, err
		}
		d.PeakEquity = dec(peak)
		d.TroughEquity = dec(trough)
		d.Depth = dec(depth)
		d.DepthPct = dec(depthPct)
		events = append(events, d)
	}
	return events, rows.Err()
}

func (s *PostgresStore) GetStats(ctx context.Context, account string) ([]model.MarketStats, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT instrument, total_trades, wins, losses, breakeven, win_rate::TEXT,
		        total_pnl::TEXT, total_volume::TEXT, total_fees::TEXT, total_funding::TEXT,
		        avg_win::TEXT, avg_loss::TEXT, profit_factor::TEXT, profit_factor_unbounded
		 FROM market_stats WHERE account = $1 ORDER BY instrument`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.MarketStats
	for rows.Next() {
		var st model.MarketStats
		var v [8]string
		if err := rows.Scan(&st.Instrument, &st.TotalTrades, &st.Wins, &st.Losses, &st.Breakeven, &v[0],
			&v[1], &v[2], &v[3], &v[4], &v[5], &v[6], &v[7], &st.ProfitFactorUnbounded); err != nil {
			return nil, err
		}
		st.WinRate = dec(v[0])
		st.TotalPnL = dec(v[1])
		st.TotalVolume = dec(v[2])
		st.TotalFees = dec(v[3])
		st.TotalFunding = dec(v[4])
		st.AvgWin = dec(v[5])
		st.AvgLoss = dec(v[6])
		st.ProfitFactor = dec(v[7])
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetPositions(ctx context.Context, account string) ([]model.OpenPosition, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM open_positions WHERE account = $1`, account).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get positions %s: %w", account, err)
	}
	var positions []model.OpenPosition
	if err := json.Unmarshal(payload, &positions); err != nil {
		return nil, fmt.Errorf("decode positions %s: %w", account, err)
	}
	return positions, nil
}

func (s *PostgresStore) GetSummary(ctx context.Context, account string) (*model.Summary, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM account_summaries WHERE account = $1`, account).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get summary %s: %w", account, err)
	}
	var summary model.Summary
	if err := json.Unmarshal(payload, &summary); err != nil {
		return nil, fmt.Errorf("decode summary %s: %w", account, err)
	}
	return &summary, nil
}

// rangeArgs maps open range bounds to SQL NULL.
func rangeArgs(rng model.Range) (from, to *time.Time) {
	if !rng.From.IsZero() {
		d := model.Day(rng.From)
		from = &d
	}
	if !rng.To.IsZero() {
		d := model.Day(rng.To)
		to = &d
	}
	return from, to
}

// dec parses a NUMERIC::TEXT column. NUMERIC never yields unparseable text.
func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}
