package market

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aristath/astock-sentinel/internal/domain"
)

func TestJournal_Merge_ConflictNewWins(t *testing.T) {
	dir := t.TempDir()
	j, err := NewJournal(dir)
	require.NoError(t, err)

	require.NoError(t, j.Merge(domain.FreqDaily, []domain.Bar{
		mustBar("600519.SH", "2026-01-05", 10, 11, 9, 10.5, 1000),
	}))
	require.NoError(t, j.Merge(domain.FreqDaily, []domain.Bar{
		mustBar("600519.SH", "2026-01-05", 99, 100, 98, 99.5, 5000),
		mustBar("600519.SH", "2026-01-06", 11, 12, 10, 11.5, 1200),
	}))

	ts5, _ := domain.ParseTimestamp("2026-01-05", domain.FreqDaily)
	bar, err := j.OHLCV("600519.SH", ts5)
	require.NoError(t, err)
	require.Equal(t, 99.0, bar.Open, "new bar must win on (symbol, date) conflict")

	ts6, _ := domain.ParseTimestamp("2026-01-06", domain.FreqDaily)
	bar6, err := j.OHLCV("600519.SH", ts6)
	require.NoError(t, err)
	require.Equal(t, 11.0, bar6.Open)
}

func TestJournal_UsesLegacyFieldNames(t *testing.T) {
	dir := t.TempDir()
	j, err := NewJournal(dir)
	require.NoError(t, err)

	require.NoError(t, j.Merge(domain.FreqDaily, []domain.Bar{
		mustBar("600519.SH", "2026-01-05", 10, 11, 9, 10.5, 1000),
	}))

	raw, err := os.ReadFile(filepath.Join(dir, "market_daily.journal"))
	require.NoError(t, err)
	require.True(t, strings.Contains(string(raw), `"1. buy price"`))
	require.True(t, strings.Contains(string(raw), `"4. sell price"`))
}

func TestJournal_MissingFileIsEmptyNotError(t *testing.T) {
	dir := t.TempDir()
	j, err := NewJournal(dir)
	require.NoError(t, err)

	ts, _ := domain.ParseTimestamp("2026-01-05", domain.FreqDaily)
	days, err := j.AllTradingDays()
	require.NoError(t, err)
	require.Empty(t, days)

	_, err = j.OHLCV("600519.SH", ts)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestJournal_PreviousTradingTimestamp(t *testing.T) {
	dir := t.TempDir()
	j, err := NewJournal(dir)
	require.NoError(t, err)

	require.NoError(t, j.Merge(domain.FreqDaily, []domain.Bar{
		mustBar("600519.SH", "2026-01-05", 10, 11, 9, 10.5, 1000),
		mustBar("600519.SH", "2026-01-06", 11, 12, 10, 11.5, 1200),
	}))

	ts, _ := domain.ParseTimestamp("2026-01-06", domain.FreqDaily)
	prev, err := j.PreviousTradingTimestamp(ts)
	require.NoError(t, err)
	require.Equal(t, "2026-01-05", prev.String())
}
