package ledger

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aristath/astock-sentinel/internal/domain"
	"github.com/aristath/astock-sentinel/internal/testutil"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	db := testutil.NewDB(t)
	l, err := New(db.Conn(), t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	return l
}

func TestLedger_Commit_StepIDsMonotonic(t *testing.T) {
	l := newTestLedger(t)
	ts1 := domain.NewDate(2026, 1, 5)
	ts2 := domain.NewDate(2026, 1, 6)

	step1, err := l.Commit("agent-a", ts1, domain.Buy("600519.SH", 10), 9000, domain.Holdings{"600519.SH": 10})
	require.NoError(t, err)
	require.Equal(t, int64(0), step1)

	step2, err := l.Commit("agent-a", ts2, domain.NoTrade(), 9000, domain.Holdings{"600519.SH": 10})
	require.NoError(t, err)
	require.Equal(t, int64(1), step2)
}

func TestLedger_Commit_PerAgentScope(t *testing.T) {
	l := newTestLedger(t)
	ts := domain.NewDate(2026, 1, 5)

	stepA, err := l.Commit("agent-a", ts, domain.NoTrade(), 1000, domain.Holdings{})
	require.NoError(t, err)
	stepB, err := l.Commit("agent-b", ts, domain.NoTrade(), 1000, domain.Holdings{})
	require.NoError(t, err)

	require.Equal(t, int64(0), stepA)
	require.Equal(t, int64(0), stepB, "step_id scope is per-agent")
}

func TestLedger_LatestAtOrBefore_NoRecords(t *testing.T) {
	l := newTestLedger(t)
	ts := domain.NewDate(2026, 1, 5)

	snap, err := l.LatestAtOrBefore("agent-a", ts)
	require.NoError(t, err)
	require.Equal(t, int64(-1), snap.StepID)
	require.Empty(t, snap.Holdings)
}

func TestLedger_OpeningPosition_StrictlyBefore(t *testing.T) {
	l := newTestLedger(t)
	day1 := domain.NewDate(2026, 1, 5)
	day2 := domain.NewDate(2026, 1, 6)

	_, err := l.Commit("agent-a", day1, domain.Buy("600519.SH", 10), 9000, domain.Holdings{"600519.SH": 10})
	require.NoError(t, err)

	opening, err := l.OpeningPosition("agent-a", day2)
	require.NoError(t, err)
	require.Equal(t, int64(10), opening.Holdings["600519.SH"])

	sameDay, err := l.OpeningPosition("agent-a", day1)
	require.NoError(t, err)
	require.Equal(t, int64(-1), sameDay.StepID, "opening_position excludes same-day steps")
}

func TestLedger_Commit_ZeroHoldingsOmitted(t *testing.T) {
	l := newTestLedger(t)
	day1 := domain.NewDate(2026, 1, 5)
	day2 := domain.NewDate(2026, 1, 6)

	_, err := l.Commit("agent-a", day1, domain.Buy("600519.SH", 10), 9000, domain.Holdings{"600519.SH": 10})
	require.NoError(t, err)
	_, err = l.Commit("agent-a", day2, domain.Sell("600519.SH", 10), 10000, domain.Holdings{"600519.SH": 0})
	require.NoError(t, err)

	snap, err := l.LatestAtOrBefore("agent-a", day2)
	require.NoError(t, err)
	_, present := snap.Holdings["600519.SH"]
	require.False(t, present, "zero-quantity symbols are never stored")
}

func TestLedger_NoTrade_CarriesForwardState(t *testing.T) {
	l := newTestLedger(t)
	day1 := domain.NewDate(2026, 1, 5)
	day2 := domain.NewDate(2026, 1, 6)

	_, err := l.Commit("agent-a", day1, domain.Buy("600519.SH", 10), 9000, domain.Holdings{"600519.SH": 10})
	require.NoError(t, err)

	stepID, err := l.NoTrade("agent-a", day2)
	require.NoError(t, err)
	require.Equal(t, int64(1), stepID)

	snap, err := l.LatestAtOrBefore("agent-a", day2)
	require.NoError(t, err)
	require.Equal(t, 9000.0, snap.Cash)
	require.Equal(t, int64(10), snap.Holdings["600519.SH"])
}

func TestLedger_Commit_WritesJournalLine(t *testing.T) {
	l := newTestLedger(t)
	ts := domain.NewDate(2026, 1, 5)

	_, err := l.Commit("agent-a", ts, domain.Buy("600519.SH", 10), 9000, domain.Holdings{"600519.SH": 10})
	require.NoError(t, err)

	lines, err := l.journal.readAll("agent-a")
	require.NoError(t, err)
	require.Len(t, lines, 1)
	require.Equal(t, domain.ActionBuy, lines[0].Action.Verb)
	require.Equal(t, 9000.0, lines[0].Cash)
	require.Equal(t, int64(10), lines[0].Holdings["600519.SH"])
}
