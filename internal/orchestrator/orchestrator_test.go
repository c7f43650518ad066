package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aristath/astock-sentinel/internal/agent"
	"github.com/aristath/astock-sentinel/internal/domain"
	"github.com/aristath/astock-sentinel/internal/ledger"
	"github.com/aristath/astock-sentinel/internal/llmtool"
	"github.com/aristath/astock-sentinel/internal/market"
	"github.com/aristath/astock-sentinel/internal/registry"
	"github.com/aristath/astock-sentinel/internal/testutil"
)

func mustBar(symbol domain.Symbol, date string, open float64) domain.Bar {
	ts, err := domain.ParseTimestamp(date, domain.FreqDaily)
	if err != nil {
		panic(err)
	}
	return domain.Bar{Timestamp: ts, Symbol: symbol, Open: open, High: open, Low: open, Close: open, Volume: 100}
}

func mustDate(s string) domain.Timestamp {
	ts, err := domain.ParseTimestamp(s, domain.FreqDaily)
	if err != nil {
		panic(err)
	}
	return ts
}

type testFixture struct {
	orch *Orchestrator
	reg  *registry.Registry
	led  *ledger.Ledger
}

func newFixture(t *testing.T, agentName string) testFixture {
	t.Helper()
	db := testutil.NewDB(t)

	store, err := market.NewStore(db.Conn(), market.Config{JournalDir: t.TempDir()}, zerolog.Nop())
	require.NoError(t, err)

	led, err := ledger.New(db.Conn(), t.TempDir(), zerolog.Nop())
	require.NoError(t, err)

	driver := agent.NewDriver(agent.Config{
		Ledger:       led,
		Market:       store,
		Collaborator: &llmtool.StubServer{Outcome: llmtool.Outcome{Status: llmtool.OutcomeCompleted}},
		Sessions:     agent.NewSessionStore(db.Conn()),
		InitialCash:  10000,
		MaxSteps:     5,
		MaxRetries:   2,
		BaseDelay:    time.Millisecond,
		Log:          zerolog.Nop(),
	})

	reg := registry.New()
	orch := New(led, store, reg, map[string]*agent.Driver{agentName: driver}, 0, zerolog.Nop())

	for _, date := range []string{"2025-01-02", "2025-01-03", "2025-01-06", "2025-01-07", "2025-01-08", "2025-01-09", "2025-01-10"} {
		require.NoError(t, store.UpsertDailyBars([]domain.Bar{mustBar("600519.SH", date, 100)}))
	}

	return testFixture{orch: orch, reg: reg, led: led}
}

func waitForTerminal(t *testing.T, reg *registry.Registry, runID string) domain.AgentRun {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		run, err := reg.Get(runID)
		require.NoError(t, err)
		if run.IsTerminal() {
			return run
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("run %s did not reach a terminal status in time", runID)
	return domain.AgentRun{}
}

func TestOrchestrator_StartBacktest_AutoResumeIteratesRemainingDays(t *testing.T) {
	fx := newFixture(t, "agent-a")

	// Seed the ledger tip at 2025-01-02 directly, as scenario S4 describes.
	_, err := fx.led.Commit("agent-a", mustDate("2025-01-02"), domain.NoTrade(), 10000, domain.Holdings{})
	require.NoError(t, err)

	runID, err := fx.orch.StartBacktest(context.Background(), BacktestRequest{
		Agent: "agent-a", Freq: domain.FreqDaily, Symbols: []domain.Symbol{"600519.SH"},
	})
	require.NoError(t, err)

	run := waitForTerminal(t, fx.reg, runID)
	require.Equal(t, domain.StatusCompleted, run.Status)
	require.Equal(t, 6, run.StepsTotal, "2025-01-03 .. 2025-01-10 is 6 trading days")
	require.Equal(t, 6, run.StepsDone)
}

func TestOrchestrator_StartBacktest_TipAtNewestZeroSteps(t *testing.T) {
	fx := newFixture(t, "agent-a")

	_, err := fx.led.Commit("agent-a", mustDate("2025-01-10"), domain.NoTrade(), 10000, domain.Holdings{})
	require.NoError(t, err)

	runID, err := fx.orch.StartBacktest(context.Background(), BacktestRequest{
		Agent: "agent-a", Freq: domain.FreqDaily, Symbols: []domain.Symbol{"600519.SH"},
	})
	require.NoError(t, err)

	run := waitForTerminal(t, fx.reg, runID)
	require.Equal(t, domain.StatusCompleted, run.Status)
	require.Equal(t, 0, run.StepsTotal)
	require.Equal(t, 0, run.StepsDone)
}

func TestOrchestrator_StartBacktest_ExplicitStartBeforeEarliestIsClamped(t *testing.T) {
	fx := newFixture(t, "agent-a")

	early := mustDate("2000-01-01")
	runID, err := fx.orch.StartBacktest(context.Background(), BacktestRequest{
		Agent: "agent-a", Freq: domain.FreqDaily, Symbols: []domain.Symbol{"600519.SH"}, Start: &early,
	})
	require.NoError(t, err)

	run := waitForTerminal(t, fx.reg, runID)
	require.Equal(t, domain.StatusCompleted, run.Status)
	require.Equal(t, 7, run.StepsTotal, "clamped to the 7 seeded trading days")
}

func TestOrchestrator_StartLiveSession_SingleStep(t *testing.T) {
	fx := newFixture(t, "agent-a")

	runID, err := fx.orch.StartLiveSession(context.Background(), "agent-a", domain.FreqDaily, mustDate("2025-01-10"), []domain.Symbol{"600519.SH"})
	require.NoError(t, err)

	run := waitForTerminal(t, fx.reg, runID)
	require.Equal(t, domain.StatusCompleted, run.Status)
	require.Equal(t, 1, run.StepsTotal)
	require.Equal(t, 1, run.StepsDone)
	require.Equal(t, domain.ModeLive, run.Mode)
}

func TestOrchestrator_StartBacktest_UnknownAgentErrors(t *testing.T) {
	fx := newFixture(t, "agent-a")

	_, err := fx.orch.StartBacktest(context.Background(), BacktestRequest{
		Agent: "no-such-agent", Freq: domain.FreqDaily,
	})
	require.ErrorIs(t, err, domain.ErrNotFound)
}
