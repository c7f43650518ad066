package market

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/aristath/astock-sentinel/internal/domain"
)

// journalEntry is one symbol's full history snapshot, one per line. Field
// names mirror a legacy vendor response shape that existing journals on
// disk already use; a fresh implementation keeps reading and writing them
// for round-trip compatibility (spec §6.1).
type journalEntry struct {
	Meta struct {
		Symbol string `json:"symbol"`
	} `json:"meta"`
	Series map[string]journalPoint `json:"series"`
}

type journalPoint struct {
	Open   float64 `json:"1. buy price"`
	High   float64 `json:"2. high"`
	Low    float64 `json:"3. low"`
	Close  float64 `json:"4. sell price"`
	Volume int64   `json:"5. volume"`
}

// Journal is the line-delimited fallback for the market data store, one
// file per frequency, guarded by a mutex since writers rewrite the whole
// file atomically.
type Journal struct {
	mu         sync.RWMutex
	dailyPath  string
	hourlyPath string
}

// NewJournal opens (without requiring existence of) the two journal files
// rooted at dir.
func NewJournal(dir string) (*Journal, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	return &Journal{
		dailyPath:  filepath.Join(dir, "market_daily.journal"),
		hourlyPath: filepath.Join(dir, "market_hourly.journal"),
	}, nil
}

func (j *Journal) pathFor(freq domain.Frequency) string {
	if freq == domain.FreqHourly {
		return j.hourlyPath
	}
	return j.dailyPath
}

// load reads all entries from the journal for freq into a symbol-keyed map.
// A missing file is treated as empty, not an error.
func (j *Journal) load(freq domain.Frequency) (map[string]journalEntry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.loadLocked(freq)
}

func (j *Journal) loadLocked(freq domain.Frequency) (map[string]journalEntry, error) {
	path := j.pathFor(freq)
	entries := make(map[string]journalEntry)

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return entries, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e journalEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("parse journal line in %s: %w", path, err)
		}
		entries[e.Meta.Symbol] = e
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan journal %s: %w", path, err)
	}
	return entries, nil
}

// save rewrites the journal file atomically (write-to-temp-and-rename).
func (j *Journal) save(freq domain.Frequency, entries map[string]journalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.saveLocked(freq, entries)
}

func (j *Journal) saveLocked(freq domain.Frequency, entries map[string]journalEntry) error {
	path := j.pathFor(freq)
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp journal %s: %w", tmp, err)
	}

	symbols := make([]string, 0, len(entries))
	for sym := range entries {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	w := bufio.NewWriter(f)
	for _, sym := range symbols {
		line, err := json.Marshal(entries[sym])
		if err != nil {
			_ = f.Close()
			return fmt.Errorf("marshal journal entry for %s: %w", sym, err)
		}
		if _, err := w.Write(line); err != nil {
			_ = f.Close()
			return fmt.Errorf("write journal entry for %s: %w", sym, err)
		}
		if err := w.WriteByte('\n'); err != nil {
			_ = f.Close()
			return fmt.Errorf("write journal newline: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("flush journal %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp journal %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename journal %s: %w", tmp, err)
	}
	return nil
}

// Merge unions bars into the journal for their frequency; on a (symbol,
// timestamp) conflict the new bar wins. The file is rewritten atomically.
func (j *Journal) Merge(freq domain.Frequency, bars []domain.Bar) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	entries, err := j.loadLocked(freq)
	if err != nil {
		return err
	}

	for _, bar := range bars {
		sym := string(bar.Symbol)
		e, ok := entries[sym]
		if !ok {
			e = journalEntry{Series: make(map[string]journalPoint)}
			e.Meta.Symbol = sym
		}
		e.Series[bar.Timestamp.String()] = journalPoint{
			Open: bar.Open, High: bar.High, Low: bar.Low, Close: bar.Close, Volume: bar.Volume,
		}
		entries[sym] = e
	}

	return j.saveLocked(freq, entries)
}

// OpenPrices is the journal-backed reimplementation of Store.OpenPrices.
func (j *Journal) OpenPrices(symbols []domain.Symbol, ts domain.Timestamp) (map[domain.Symbol]Price, error) {
	entries, err := j.load(ts.Frequency())
	if err != nil {
		return nil, err
	}
	result := make(map[domain.Symbol]Price, len(symbols))
	for _, sym := range symbols {
		point, ok := entries[string(sym)].Series[ts.String()]
		if !ok {
			result[sym] = nil
			continue
		}
		v := point.Open
		result[sym] = &v
	}
	return result, nil
}

// OHLCV is the journal-backed reimplementation of Store.OHLCV.
func (j *Journal) OHLCV(symbol domain.Symbol, ts domain.Timestamp) (domain.Bar, error) {
	entries, err := j.load(ts.Frequency())
	if err != nil {
		return domain.Bar{}, err
	}
	point, ok := entries[string(symbol)].Series[ts.String()]
	if !ok {
		return domain.Bar{}, fmt.Errorf("bar for %s at %s: %w", symbol, ts, domain.ErrNotFound)
	}
	return domain.Bar{
		Timestamp: ts, Symbol: symbol,
		Open: point.Open, High: point.High, Low: point.Low, Close: point.Close, Volume: point.Volume,
	}, nil
}

// allTimestamps returns every timestamp for freq present across all symbols.
func (j *Journal) allTimestamps(freq domain.Frequency) ([]string, error) {
	entries, err := j.load(freq)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	for _, e := range entries {
		for ts := range e.Series {
			seen[ts] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for ts := range seen {
		out = append(out, ts)
	}
	sort.Strings(out)
	return out, nil
}

// DistinctSymbols is the journal-backed reimplementation of
// Store.DistinctSymbols.
func (j *Journal) DistinctSymbols(freq domain.Frequency) ([]domain.Symbol, error) {
	entries, err := j.load(freq)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Symbol, 0, len(entries))
	for sym := range entries {
		out = append(out, domain.Symbol(sym))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// PreviousTradingTimestamp is the journal-backed reimplementation.
func (j *Journal) PreviousTradingTimestamp(t domain.Timestamp) (domain.Timestamp, error) {
	all, err := j.allTimestamps(t.Frequency())
	if err != nil {
		return domain.Timestamp{}, err
	}
	var best string
	for _, s := range all {
		if s < t.String() && s > best {
			best = s
		}
	}
	if best == "" {
		return domain.Timestamp{}, nil
	}
	return domain.ParseTimestamp(best, t.Frequency())
}

// IsTradingTimestamp is the journal-backed reimplementation.
func (j *Journal) IsTradingTimestamp(t domain.Timestamp) (bool, error) {
	all, err := j.allTimestamps(t.Frequency())
	if err != nil {
		return false, err
	}
	for _, s := range all {
		if s == t.String() {
			return true, nil
		}
	}
	return false, nil
}

// AllTradingDays is the journal-backed reimplementation.
func (j *Journal) AllTradingDays() ([]domain.Timestamp, error) {
	all, err := j.allTimestamps(domain.FreqDaily)
	if err != nil {
		return nil, err
	}
	days := make([]domain.Timestamp, 0, len(all))
	for _, s := range all {
		ts, err := domain.ParseTimestamp(s, domain.FreqDaily)
		if err != nil {
			return nil, err
		}
		days = append(days, ts)
	}
	return days, nil
}

// AllTimestamps is the journal-backed reimplementation of
// Store.AllTimestamps.
func (j *Journal) AllTimestamps(freq domain.Frequency) ([]domain.Timestamp, error) {
	all, err := j.allTimestamps(freq)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Timestamp, 0, len(all))
	for _, s := range all {
		ts, err := domain.ParseTimestamp(s, freq)
		if err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	return out, nil
}

// YesterdayOpenAndClose is the journal-backed reimplementation.
func (j *Journal) YesterdayOpenAndClose(symbols []domain.Symbol, today domain.Timestamp) (opens, closes map[domain.Symbol]Price, err error) {
	prev, err := j.PreviousTradingTimestamp(today)
	if err != nil {
		return nil, nil, err
	}
	opens = make(map[domain.Symbol]Price, len(symbols))
	closes = make(map[domain.Symbol]Price, len(symbols))
	if prev.IsZero() {
		for _, sym := range symbols {
			opens[sym] = nil
			closes[sym] = nil
		}
		return opens, closes, nil
	}

	entries, err := j.load(prev.Frequency())
	if err != nil {
		return nil, nil, err
	}
	for _, sym := range symbols {
		point, ok := entries[string(sym)].Series[prev.String()]
		if !ok {
			opens[sym] = nil
			closes[sym] = nil
			continue
		}
		o, c := point.Open, point.Close
		opens[sym] = &o
		closes[sym] = &c
	}
	return opens, closes, nil
}
