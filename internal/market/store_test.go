package market

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aristath/astock-sentinel/internal/domain"
	"github.com/aristath/astock-sentinel/internal/testutil"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db := testutil.NewDB(t)
	s, err := NewStore(db.Conn(), Config{JournalDir: t.TempDir()}, zerolog.Nop())
	require.NoError(t, err)
	return s
}

func mustBar(symbol domain.Symbol, date string, o, h, l, c float64, v int64) domain.Bar {
	ts, err := domain.ParseTimestamp(date, domain.FreqDaily)
	if err != nil {
		panic(err)
	}
	return domain.Bar{Timestamp: ts, Symbol: symbol, Open: o, High: h, Low: l, Close: c, Volume: v}
}

func TestStore_OpenPrices_MissingSymbolSurfacesAsNil(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpsertDailyBars([]domain.Bar{
		mustBar("600519.SH", "2026-01-05", 10, 11, 9, 10.5, 1000),
	}))

	ts, _ := domain.ParseTimestamp("2026-01-05", domain.FreqDaily)
	prices, err := s.OpenPrices([]domain.Symbol{"600519.SH", "000001.SZ"}, ts)
	require.NoError(t, err)
	require.Len(t, prices, 2)
	require.NotNil(t, prices["600519.SH"])
	require.Equal(t, 10.0, *prices["600519.SH"])
	require.Nil(t, prices["000001.SZ"])
}

func TestStore_OHLCV_NotFound(t *testing.T) {
	s := newTestStore(t)
	ts, _ := domain.ParseTimestamp("2026-01-05", domain.FreqDaily)
	_, err := s.OHLCV("600519.SH", ts)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStore_PreviousTradingTimestamp(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpsertDailyBars([]domain.Bar{
		mustBar("600519.SH", "2026-01-05", 10, 11, 9, 10.5, 1000),
		mustBar("600519.SH", "2026-01-06", 11, 12, 10, 11.5, 1200),
		mustBar("600519.SH", "2026-01-07", 12, 13, 11, 12.5, 1400),
	}))

	ts, _ := domain.ParseTimestamp("2026-01-07", domain.FreqDaily)
	prev, err := s.PreviousTradingTimestamp(ts)
	require.NoError(t, err)
	require.Equal(t, "2026-01-06", prev.String())

	earliest, _ := domain.ParseTimestamp("2026-01-05", domain.FreqDaily)
	none, err := s.PreviousTradingTimestamp(earliest)
	require.NoError(t, err)
	require.True(t, none.IsZero())
}

func TestStore_AllTradingDays_Sorted(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpsertDailyBars([]domain.Bar{
		mustBar("600519.SH", "2026-01-07", 12, 13, 11, 12.5, 1400),
		mustBar("000001.SZ", "2026-01-05", 10, 11, 9, 10.5, 1000),
		mustBar("600519.SH", "2026-01-06", 11, 12, 10, 11.5, 1200),
	}))

	days, err := s.AllTradingDays()
	require.NoError(t, err)
	require.Len(t, days, 3)
	require.Equal(t, "2026-01-05", days[0].String())
	require.Equal(t, "2026-01-06", days[1].String())
	require.Equal(t, "2026-01-07", days[2].String())
}

func TestStore_YesterdayOpenAndClose(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpsertDailyBars([]domain.Bar{
		mustBar("600519.SH", "2026-01-06", 11, 12, 10, 11.5, 1200),
		mustBar("600519.SH", "2026-01-07", 12, 13, 11, 12.5, 1400),
	}))

	today, _ := domain.ParseTimestamp("2026-01-07", domain.FreqDaily)
	opens, closes, err := s.YesterdayOpenAndClose([]domain.Symbol{"600519.SH"}, today)
	require.NoError(t, err)
	require.Equal(t, 11.0, *opens["600519.SH"])
	require.Equal(t, 11.5, *closes["600519.SH"])
}

func TestStore_UpsertDailyBars_ConflictNewWins(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpsertDailyBars([]domain.Bar{
		mustBar("600519.SH", "2026-01-05", 10, 11, 9, 10.5, 1000),
	}))
	require.NoError(t, s.UpsertDailyBars([]domain.Bar{
		mustBar("600519.SH", "2026-01-05", 99, 100, 98, 99.5, 5000),
	}))

	ts, _ := domain.ParseTimestamp("2026-01-05", domain.FreqDaily)
	bar, err := s.OHLCV("600519.SH", ts)
	require.NoError(t, err)
	require.Equal(t, 99.0, bar.Open)
	require.Equal(t, int64(5000), bar.Volume)
}
