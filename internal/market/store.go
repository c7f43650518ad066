// Package market implements the market data store (C1), its journal-backed
// fallback, and the trading calendar (C3) derived over it.
package market

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/aristath/astock-sentinel/internal/database"
	"github.com/aristath/astock-sentinel/internal/domain"
)

// Price is an optional quote: nil means the symbol had no bar at the
// requested timestamp, surfaced explicitly rather than omitted from the map.
type Price = *float64

// Store is the market data façade (C1): relational primary with a
// journal-backed fallback. Reads try the primary first; on connection/table
// errors they fall back to the journal, unless fallback is disabled.
type Store struct {
	db         *sql.DB
	journal    *Journal
	fallbackOn bool
	log        zerolog.Logger
}

// Config configures the façade.
type Config struct {
	DisableFallback bool
	JournalDir      string
}

// NewStore builds a Store backed by db, with an optional journal fallback
// rooted at cfg.JournalDir (ignored when fallback is disabled).
func NewStore(db *sql.DB, cfg Config, log zerolog.Logger) (*Store, error) {
	s := &Store{
		db:         db,
		fallbackOn: !cfg.DisableFallback,
		log:        log.With().Str("component", "market.store").Logger(),
	}
	if s.fallbackOn {
		j, err := NewJournal(cfg.JournalDir)
		if err != nil {
			return nil, fmt.Errorf("open market journal: %w", err)
		}
		s.journal = j
	}
	return s, nil
}

// tableFor returns the table name and timestamp column for a frequency.
func tableFor(freq domain.Frequency) (table, tsCol string) {
	if freq == domain.FreqHourly {
		return "bars_hourly", "ts"
	}
	return "bars_daily", "date"
}

// shouldFallback reports whether a query-level error warrants falling back
// to the journal. Callers never pass sql.ErrNoRows here: a genuinely empty
// result for an existing table is handled by the caller and propagates
// untouched, per the fallback-trigger rule — shouldFallback only sees
// errors that mean the primary query itself failed (connection trouble,
// missing table, or anything else), and falls back for any of them as long
// as fallback is enabled.
func (s *Store) shouldFallback(primaryErr error) bool {
	return s.fallbackOn && primaryErr != nil
}

// OpenPrices returns the open price for each requested symbol at ts. Missing
// symbols map to a nil Price, never omitted from the result.
func (s *Store) OpenPrices(symbols []domain.Symbol, ts domain.Timestamp) (map[domain.Symbol]Price, error) {
	table, tsCol := tableFor(ts.Frequency())
	result := make(map[domain.Symbol]Price, len(symbols))
	for _, sym := range symbols {
		result[sym] = nil
	}

	if len(symbols) == 0 {
		return result, nil
	}

	placeholders, args := inClause(symbols)
	args = append(args, ts.String())
	query := fmt.Sprintf(`SELECT symbol, o FROM %s WHERE symbol IN (%s) AND %s = ?`, table, placeholders, tsCol)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		if s.shouldFallback(err) {
			return s.journal.OpenPrices(symbols, ts)
		}
		return nil, fmt.Errorf("open_prices query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sym string
		var open float64
		if err := rows.Scan(&sym, &open); err != nil {
			return nil, fmt.Errorf("open_prices scan: %w", err)
		}
		v := open
		result[domain.Symbol(sym)] = &v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("open_prices iterate: %w", err)
	}
	return result, nil
}

// OHLCV returns the bar for symbol at ts, or domain.ErrNotFound.
func (s *Store) OHLCV(symbol domain.Symbol, ts domain.Timestamp) (domain.Bar, error) {
	table, tsCol := tableFor(ts.Frequency())
	amountCol := "amount"
	if ts.Frequency() == domain.FreqHourly {
		amountCol = "NULL" // bars_hourly carries no amount column
	}
	query := fmt.Sprintf(`SELECT o, h, l, c, v, %s FROM %s WHERE symbol = ? AND %s = ?`, amountCol, table, tsCol)

	var bar domain.Bar
	var amount sql.NullFloat64
	err := s.db.QueryRow(query, string(symbol), ts.String()).Scan(&bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.Volume, &amount)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Bar{}, fmt.Errorf("bar for %s at %s: %w", symbol, ts, domain.ErrNotFound)
	}
	if err != nil {
		if s.shouldFallback(err) {
			return s.journal.OHLCV(symbol, ts)
		}
		return domain.Bar{}, fmt.Errorf("ohlcv query: %w", err)
	}
	bar.Symbol = symbol
	bar.Timestamp = ts
	if amount.Valid {
		bar.Amount = &amount.Float64
	}
	return bar, nil
}

// PreviousTradingTimestamp returns the maximum stored timestamp strictly
// less than t, at the same granularity, or a zero Timestamp if none exists.
func (s *Store) PreviousTradingTimestamp(t domain.Timestamp) (domain.Timestamp, error) {
	table, tsCol := tableFor(t.Frequency())
	query := fmt.Sprintf(`SELECT MAX(%s) FROM %s WHERE %s < ?`, tsCol, table, tsCol)

	var max sql.NullString
	err := s.db.QueryRow(query, t.String()).Scan(&max)
	if err != nil {
		if s.shouldFallback(err) {
			return s.journal.PreviousTradingTimestamp(t)
		}
		return domain.Timestamp{}, fmt.Errorf("previous_trading_timestamp query: %w", err)
	}
	if !max.Valid {
		return domain.Timestamp{}, nil
	}
	return domain.ParseTimestamp(max.String, t.Frequency())
}

// IsTradingTimestamp reports whether any bar exists at exactly t.
func (s *Store) IsTradingTimestamp(t domain.Timestamp) (bool, error) {
	table, tsCol := tableFor(t.Frequency())
	query := fmt.Sprintf(`SELECT 1 FROM %s WHERE %s = ? LIMIT 1`, table, tsCol)

	var found int
	err := s.db.QueryRow(query, t.String()).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		if s.shouldFallback(err) {
			return s.journal.IsTradingTimestamp(t)
		}
		return false, fmt.Errorf("is_trading_timestamp query: %w", err)
	}
	return true, nil
}

// AllTradingDays returns the sorted distinct dates present in daily bars.
func (s *Store) AllTradingDays() ([]domain.Timestamp, error) {
	rows, err := s.db.Query(`SELECT DISTINCT date FROM bars_daily ORDER BY date ASC`)
	if err != nil {
		if s.shouldFallback(err) {
			return s.journal.AllTradingDays()
		}
		return nil, fmt.Errorf("all_trading_days query: %w", err)
	}
	defer rows.Close()

	var days []domain.Timestamp
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("all_trading_days scan: %w", err)
		}
		ts, err := domain.ParseTimestamp(d, domain.FreqDaily)
		if err != nil {
			return nil, fmt.Errorf("all_trading_days parse: %w", err)
		}
		days = append(days, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("all_trading_days iterate: %w", err)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days, nil
}

// DistinctSymbols returns every symbol with at least one bar in freq's
// table — the "symbols present in the store" term the ingestor's
// validator compares against (spec §4.2).
func (s *Store) DistinctSymbols(freq domain.Frequency) ([]domain.Symbol, error) {
	table, _ := tableFor(freq)
	query := fmt.Sprintf(`SELECT DISTINCT symbol FROM %s`, table)
	rows, err := s.db.Query(query)
	if err != nil {
		if s.shouldFallback(err) {
			return s.journal.DistinctSymbols(freq)
		}
		return nil, fmt.Errorf("distinct_symbols query: %w", err)
	}
	defer rows.Close()
	var out []domain.Symbol
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, fmt.Errorf("distinct_symbols scan: %w", err)
		}
		out = append(out, domain.Symbol(sym))
	}
	return out, rows.Err()
}

// Merge dual-writes bars to both the primary store and the journal mirror,
// per the ingestor's merge semantics (spec §4.2: "new bars are unioned with
// the journal... store upserted"). The journal write is best-effort: a
// failure is logged, not returned, since the primary store is the
// authoritative write target during ingestion (the journal only becomes
// load-bearing once the primary is unreachable for reads).
func (s *Store) Merge(freq domain.Frequency, bars []domain.Bar) error {
	var err error
	if freq == domain.FreqHourly {
		err = s.UpsertHourlyBars(bars)
	} else {
		err = s.UpsertDailyBars(bars)
	}
	if err != nil {
		return fmt.Errorf("upsert bars: %w", err)
	}
	if s.fallbackOn {
		if jErr := s.journal.Merge(freq, bars); jErr != nil {
			s.log.Warn().Err(jErr).Msg("journal merge failed after successful primary upsert")
		}
	}
	return nil
}

// MaxTimestamp returns the newest persisted timestamp for freq's table, or
// false if the table has no rows yet — the ingestor's incremental-fetch
// window start (spec §4.2: "fetch window = (max+1, now)").
func (s *Store) MaxTimestamp(freq domain.Frequency) (domain.Timestamp, bool, error) {
	table, tsCol := tableFor(freq)
	var raw sql.NullString
	query := fmt.Sprintf(`SELECT MAX(%s) FROM %s`, tsCol, table)
	if err := s.db.QueryRow(query).Scan(&raw); err != nil {
		if s.shouldFallback(err) {
			all, err := s.journal.AllTimestamps(freq)
			if err != nil {
				return domain.Timestamp{}, false, err
			}
			if len(all) == 0 {
				return domain.Timestamp{}, false, nil
			}
			return all[len(all)-1], true, nil
		}
		return domain.Timestamp{}, false, fmt.Errorf("max_timestamp query: %w", err)
	}
	if !raw.Valid {
		return domain.Timestamp{}, false, nil
	}
	ts, err := domain.ParseTimestamp(raw.String, freq)
	if err != nil {
		return domain.Timestamp{}, false, fmt.Errorf("max_timestamp parse: %w", err)
	}
	return ts, true, nil
}

// AllTimestamps returns the sorted distinct timestamps present for freq's
// table — the ground-truth trading-timestamp sequence the orchestrator
// iterates in backtest mode (spec §4.6): for daily this is AllTradingDays;
// for hourly it is every aligned hour actually ingested, which already
// rolls over day boundaries and skips weekends because only real sessions
// are ever written to bars_hourly.
func (s *Store) AllTimestamps(freq domain.Frequency) ([]domain.Timestamp, error) {
	if freq == domain.FreqDaily {
		return s.AllTradingDays()
	}
	table, tsCol := tableFor(freq)
	query := fmt.Sprintf(`SELECT DISTINCT %s FROM %s ORDER BY %s ASC`, tsCol, table, tsCol)
	rows, err := s.db.Query(query)
	if err != nil {
		if s.shouldFallback(err) {
			return s.journal.AllTimestamps(freq)
		}
		return nil, fmt.Errorf("all_timestamps query: %w", err)
	}
	defer rows.Close()

	var out []domain.Timestamp
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("all_timestamps scan: %w", err)
		}
		ts, err := domain.ParseTimestamp(raw, freq)
		if err != nil {
			return nil, fmt.Errorf("all_timestamps parse: %w", err)
		}
		out = append(out, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("all_timestamps iterate: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// YesterdayOpenAndClose returns open and close prices for symbols aligned to
// PreviousTradingTimestamp(today).
func (s *Store) YesterdayOpenAndClose(symbols []domain.Symbol, today domain.Timestamp) (opens, closes map[domain.Symbol]Price, err error) {
	prev, err := s.PreviousTradingTimestamp(today)
	if err != nil {
		return nil, nil, err
	}
	if prev.IsZero() {
		opens = make(map[domain.Symbol]Price, len(symbols))
		closes = make(map[domain.Symbol]Price, len(symbols))
		for _, sym := range symbols {
			opens[sym] = nil
			closes[sym] = nil
		}
		return opens, closes, nil
	}

	opens, err = s.OpenPrices(symbols, prev)
	if err != nil {
		return nil, nil, err
	}

	table, tsCol := tableFor(prev.Frequency())
	closes = make(map[domain.Symbol]Price, len(symbols))
	for _, sym := range symbols {
		closes[sym] = nil
	}
	placeholders, args := inClause(symbols)
	args = append(args, prev.String())
	query := fmt.Sprintf(`SELECT symbol, c FROM %s WHERE symbol IN (%s) AND %s = ?`, table, placeholders, tsCol)
	rows, qErr := s.db.Query(query, args...)
	if qErr != nil {
		if s.shouldFallback(qErr) {
			return s.journal.YesterdayOpenAndClose(symbols, today)
		}
		return nil, nil, fmt.Errorf("yesterday close query: %w", qErr)
	}
	defer rows.Close()
	for rows.Next() {
		var sym string
		var c float64
		if err := rows.Scan(&sym, &c); err != nil {
			return nil, nil, fmt.Errorf("yesterday close scan: %w", err)
		}
		v := c
		closes[domain.Symbol(sym)] = &v
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("yesterday close iterate: %w", err)
	}
	return opens, closes, nil
}

// UpsertDailyBars writes bars, replacing existing rows for the same
// (symbol, date).
func (s *Store) UpsertDailyBars(bars []domain.Bar) error {
	return s.upsertBars("bars_daily", bars)
}

// UpsertHourlyBars writes bars, replacing existing rows for the same
// (symbol, ts).
func (s *Store) UpsertHourlyBars(bars []domain.Bar) error {
	return s.upsertBars("bars_hourly", bars)
}

func (s *Store) upsertBars(table string, bars []domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	tsCol := "date"
	hasAmount := table != "bars_hourly" // bars_hourly carries no amount column (spec §6.1)
	if table == "bars_hourly" {
		tsCol = "ts"
	}

	var query string
	if hasAmount {
		query = fmt.Sprintf(`INSERT INTO %s (symbol, %s, o, h, l, c, v, amount) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (symbol, %s) DO UPDATE SET o=excluded.o, h=excluded.h, l=excluded.l, c=excluded.c, v=excluded.v, amount=excluded.amount`,
			table, tsCol, tsCol)
	} else {
		query = fmt.Sprintf(`INSERT INTO %s (symbol, %s, o, h, l, c, v) VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (symbol, %s) DO UPDATE SET o=excluded.o, h=excluded.h, l=excluded.l, c=excluded.c, v=excluded.v`,
			table, tsCol, tsCol)
	}

	return database.WithTransaction(s.db, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(query)
		if err != nil {
			return fmt.Errorf("prepare upsert: %w", err)
		}
		defer stmt.Close()

		for _, bar := range bars {
			var execErr error
			if hasAmount {
				var amount sql.NullFloat64
				if bar.Amount != nil {
					amount = sql.NullFloat64{Float64: *bar.Amount, Valid: true}
				}
				_, execErr = stmt.Exec(string(bar.Symbol), bar.Timestamp.String(), bar.Open, bar.High, bar.Low, bar.Close, bar.Volume, amount)
			} else {
				_, execErr = stmt.Exec(string(bar.Symbol), bar.Timestamp.String(), bar.Open, bar.High, bar.Low, bar.Close, bar.Volume)
			}
			if execErr != nil {
				return fmt.Errorf("upsert bar %s@%s: %w", bar.Symbol, bar.Timestamp, execErr)
			}
		}
		return nil
	})
}

// UpsertIndexConstituents records today's index membership in
// index_weights (weight/name are not available from the vendor's
// index_constituents op, so they are stored as zero/empty — membership
// itself, not weighting, is what the ingestor's held-symbol union needs).
func (s *Store) UpsertIndexConstituents(index string, symbols []domain.Symbol, date domain.Timestamp) error {
	if len(symbols) == 0 {
		return nil
	}
	return database.WithTransaction(s.db, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`INSERT INTO index_weights (idx, symbol, date, weight, name) VALUES (?, ?, ?, 0, '')
			ON CONFLICT (idx, symbol, date) DO NOTHING`)
		if err != nil {
			return fmt.Errorf("prepare index constituents upsert: %w", err)
		}
		defer stmt.Close()
		for _, sym := range symbols {
			if _, err := stmt.Exec(index, string(sym), date.String()); err != nil {
				return fmt.Errorf("upsert constituent %s: %w", sym, err)
			}
		}
		return nil
	})
}

// IndexConstituents returns the most recently recorded membership for
// index, or nil if none has ever been ingested.
func (s *Store) IndexConstituents(index string) ([]domain.Symbol, error) {
	var latest sql.NullString
	if err := s.db.QueryRow(`SELECT MAX(date) FROM index_weights WHERE idx = ?`, index).Scan(&latest); err != nil {
		return nil, fmt.Errorf("index constituents latest date query: %w", err)
	}
	if !latest.Valid {
		return nil, nil
	}
	rows, err := s.db.Query(`SELECT symbol FROM index_weights WHERE idx = ? AND date = ?`, index, latest.String)
	if err != nil {
		return nil, fmt.Errorf("index constituents query: %w", err)
	}
	defer rows.Close()
	var out []domain.Symbol
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, fmt.Errorf("index constituents scan: %w", err)
		}
		out = append(out, domain.Symbol(sym))
	}
	return out, rows.Err()
}

// UpsertIndexBars writes index-level OHLCV bars, replacing existing rows
// for the same (index, date).
func (s *Store) UpsertIndexBars(bars []domain.IndexBar) error {
	if len(bars) == 0 {
		return nil
	}
	return database.WithTransaction(s.db, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`INSERT INTO index_bars_daily (idx, date, o, h, l, c, v, amount) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (idx, date) DO UPDATE SET o=excluded.o, h=excluded.h, l=excluded.l, c=excluded.c, v=excluded.v, amount=excluded.amount`)
		if err != nil {
			return fmt.Errorf("prepare index bars upsert: %w", err)
		}
		defer stmt.Close()
		for _, bar := range bars {
			var amount sql.NullFloat64
			if bar.Amount != nil {
				amount = sql.NullFloat64{Float64: *bar.Amount, Valid: true}
			}
			if _, err := stmt.Exec(bar.Index, bar.Date.String(), bar.Open, bar.High, bar.Low, bar.Close, bar.Volume, amount); err != nil {
				return fmt.Errorf("upsert index bar %s@%s: %w", bar.Index, bar.Date, err)
			}
		}
		return nil
	})
}

func inClause(symbols []domain.Symbol) (string, []any) {
	placeholders := ""
	args := make([]any, 0, len(symbols))
	for i, sym := range symbols {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, string(sym))
	}
	return placeholders, args
}
