package market

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/astock-sentinel/internal/domain"
	"github.com/aristath/astock-sentinel/internal/ledger"
	"github.com/aristath/astock-sentinel/internal/vendor"
)

// Ingestor is the market data ingestor (C4): it fetches from the vendor
// adapter and dual-writes to the store and its journal mirror.
type Ingestor struct {
	store  *Store
	ledger *ledger.Ledger
	client vendor.Client
	index  string
	log    zerolog.Logger
}

// NewIngestor builds an Ingestor targeting index (the index whose
// constituents drive the held-symbol union for daily ingestion).
func NewIngestor(store *Store, led *ledger.Ledger, client vendor.Client, index string, log zerolog.Logger) *Ingestor {
	return &Ingestor{store: store, ledger: led, client: client, index: index, log: log.With().Str("component", "market.ingestor").Logger()}
}

// RefreshOptions configures one Refresh call.
type RefreshOptions struct {
	// Force bypasses the incremental-fetch skip check (spec §4.2 "--force").
	Force bool
	// Symbols overrides the derived held-symbol union — used for
	// --fix-missing re-invocation with an explicit missing-symbol list.
	Symbols []domain.Symbol
	// AsOf is the aligned timestamp to ingest at. Required for hourly
	// refreshes (the scheduler aligns wall-clock to a trading hour before
	// calling in); ignored for daily, which always targets today.
	AsOf *domain.Timestamp
}

// Refresh fetches new bars since the store's current high-water mark and
// dual-writes them, per the incremental-fetch and merge-semantics rules
// (spec §4.2).
func (i *Ingestor) Refresh(ctx context.Context, freq domain.Frequency, opts RefreshOptions) error {
	if freq == domain.FreqHourly && opts.AsOf == nil {
		return fmt.Errorf("%w: hourly refresh requires an aligned AsOf timestamp", domain.ErrValidation)
	}

	symbols, err := i.resolveSymbols(ctx, opts.Symbols)
	if err != nil {
		return fmt.Errorf("resolve symbol set: %w", err)
	}

	if freq == domain.FreqHourly {
		return i.refreshHourly(ctx, symbols, *opts.AsOf, opts.Force)
	}
	return i.refreshDaily(ctx, symbols, opts.Force)
}

// resolveSymbols implements the held-symbol union: current index
// constituents ∪ symbols currently held by any agent (spec §4.2), unless
// the caller passed an explicit override.
func (i *Ingestor) resolveSymbols(ctx context.Context, override []domain.Symbol) ([]domain.Symbol, error) {
	if len(override) > 0 {
		return override, nil
	}

	constituents, err := i.client.IndexConstituents(ctx, i.index)
	if err != nil {
		return nil, fmt.Errorf("fetch index constituents: %w", err)
	}
	if err := i.store.UpsertIndexConstituents(i.index, constituents, today()); err != nil {
		i.log.Warn().Err(err).Msg("failed to record index constituents")
	}

	held, err := i.ledger.AllHeldSymbols()
	if err != nil {
		return nil, fmt.Errorf("fetch held symbols: %w", err)
	}

	return unionSymbols(constituents, held), nil
}

func (i *Ingestor) refreshDaily(ctx context.Context, symbols []domain.Symbol, force bool) error {
	now := today()
	maxTS, hasMax, err := i.store.MaxTimestamp(domain.FreqDaily)
	if err != nil {
		return fmt.Errorf("read daily high-water mark: %w", err)
	}
	if !force && hasMax && !maxTS.Before(now) {
		i.log.Debug().Msg("daily data already current, skipping")
		return nil
	}

	from := now
	if hasMax {
		from = domain.NewDate(maxTS.Time().AddDate(0, 0, 1).Date())
	}

	bars, err := i.client.DailyBars(ctx, symbols, from, now)
	if err != nil {
		return fmt.Errorf("fetch daily bars: %w", err)
	}
	if err := i.store.Merge(domain.FreqDaily, bars); err != nil {
		return fmt.Errorf("merge daily bars: %w", err)
	}

	indexBars, err := i.client.IndexBars(ctx, i.index, from, now)
	if err != nil {
		i.log.Warn().Err(err).Msg("failed to fetch index bars, continuing without them")
		return nil
	}
	if err := i.store.UpsertIndexBars(indexBars); err != nil {
		i.log.Warn().Err(err).Msg("failed to persist index bars")
	}
	return nil
}

// refreshHourly captures a realtime-quote snapshot as a synthetic OHLCV
// bar (open=high=low=close=quote, volume 0): the vendor adapter has no
// true intraday-candle op, only realtime_quote (spec §6.2), so an hourly
// "bar" is this process's own sampling of that quote at an aligned hour.
func (i *Ingestor) refreshHourly(ctx context.Context, symbols []domain.Symbol, asOf domain.Timestamp, force bool) error {
	maxTS, hasMax, err := i.store.MaxTimestamp(domain.FreqHourly)
	if err != nil {
		return fmt.Errorf("read hourly high-water mark: %w", err)
	}
	if !force && hasMax && !maxTS.Before(asOf) {
		i.log.Debug().Str("ts", asOf.String()).Msg("hourly snapshot already captured, skipping")
		return nil
	}

	quotes, err := i.client.RealtimeQuote(ctx, symbols)
	if err != nil {
		return fmt.Errorf("fetch realtime quotes: %w", err)
	}

	bars := make([]domain.Bar, 0, len(quotes))
	for sym, price := range quotes {
		bars = append(bars, domain.Bar{Timestamp: asOf, Symbol: sym, Open: price, High: price, Low: price, Close: price, Volume: 0})
	}
	if err := i.store.Merge(domain.FreqHourly, bars); err != nil {
		return fmt.Errorf("merge hourly bars: %w", err)
	}
	return nil
}

// Validate compares current index constituents + held symbols against what
// the store actually has, returning the missing set (spec §4.2).
func (i *Ingestor) Validate(ctx context.Context, freq domain.Frequency) ([]domain.Symbol, error) {
	constituents, err := i.client.IndexConstituents(ctx, i.index)
	if err != nil {
		return nil, fmt.Errorf("fetch index constituents: %w", err)
	}
	held, err := i.ledger.AllHeldSymbols()
	if err != nil {
		return nil, fmt.Errorf("fetch held symbols: %w", err)
	}
	required := unionSymbols(constituents, held)

	present, err := i.store.DistinctSymbols(freq)
	if err != nil {
		return nil, fmt.Errorf("fetch present symbols: %w", err)
	}
	presentSet := make(map[domain.Symbol]struct{}, len(present))
	for _, sym := range present {
		presentSet[sym] = struct{}{}
	}

	var missing []domain.Symbol
	for _, sym := range required {
		if _, ok := presentSet[sym]; !ok {
			missing = append(missing, sym)
		}
	}
	return missing, nil
}

func unionSymbols(a, b []domain.Symbol) []domain.Symbol {
	seen := make(map[domain.Symbol]struct{}, len(a)+len(b))
	out := make([]domain.Symbol, 0, len(a)+len(b))
	for _, sym := range append(append([]domain.Symbol{}, a...), b...) {
		if _, ok := seen[sym]; ok {
			continue
		}
		seen[sym] = struct{}{}
		out = append(out, sym)
	}
	return out
}

func today() domain.Timestamp {
	now := time.Now().UTC()
	return domain.NewDate(now.Date())
}
