package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aristath/astock-sentinel/internal/domain"
)

func TestRegistry_CreateThenGet(t *testing.T) {
	r := New()
	runID, ctx := r.Create(context.Background(), "agent-a", domain.FreqDaily, domain.ModeBacktest)
	require.NotEmpty(t, runID)
	require.NoError(t, ctx.Err())

	run, err := r.Get(runID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, run.Status)
	require.Equal(t, "agent-a", run.Agent)
}

func TestRegistry_Get_UnknownRunIsNotFound(t *testing.T) {
	r := New()
	_, err := r.Get("does-not-exist")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRegistry_UpdateProgress_StampsFinishedAtOnTerminal(t *testing.T) {
	r := New()
	runID, _ := r.Create(context.Background(), "agent-a", domain.FreqDaily, domain.ModeBacktest)

	require.NoError(t, r.UpdateProgress(runID, domain.StatusRunning, 10, 3, ""))
	run, err := r.Get(runID)
	require.NoError(t, err)
	require.True(t, run.FinishedAt.IsZero())

	require.NoError(t, r.UpdateProgress(runID, domain.StatusCompleted, 10, 10, ""))
	run, err = r.Get(runID)
	require.NoError(t, err)
	require.False(t, run.FinishedAt.IsZero())
}

func TestRegistry_Cancel_PendingMarksCancelledDirectly(t *testing.T) {
	r := New()
	runID, _ := r.Create(context.Background(), "agent-a", domain.FreqDaily, domain.ModeBacktest)

	require.NoError(t, r.Cancel(runID))
	run, err := r.Get(runID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCancelled, run.Status)
}

func TestRegistry_Cancel_RunningRequestsContextCancellation(t *testing.T) {
	r := New()
	runID, ctx := r.Create(context.Background(), "agent-a", domain.FreqDaily, domain.ModeBacktest)
	require.NoError(t, r.UpdateProgress(runID, domain.StatusRunning, 0, 0, ""))

	require.NoError(t, r.Cancel(runID))
	require.Error(t, ctx.Err())

	run, err := r.Get(runID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusRunning, run.Status, "Cancel only requests; the orchestrator transitions status itself")
}

func TestRegistry_Cancel_AlreadyTerminalErrors(t *testing.T) {
	r := New()
	runID, _ := r.Create(context.Background(), "agent-a", domain.FreqDaily, domain.ModeBacktest)
	require.NoError(t, r.UpdateProgress(runID, domain.StatusCompleted, 1, 1, ""))

	require.Error(t, r.Cancel(runID))
}

func TestRegistry_List_MostRecentFirst(t *testing.T) {
	r := New()
	idA, _ := r.Create(context.Background(), "agent-a", domain.FreqDaily, domain.ModeBacktest)
	time.Sleep(time.Millisecond) // distinct StartedAt values
	idB, _ := r.Create(context.Background(), "agent-b", domain.FreqDaily, domain.ModeBacktest)

	runs := r.List()
	require.Len(t, runs, 2)
	ids := map[string]bool{idA: true, idB: true}
	for _, run := range runs {
		require.True(t, ids[run.RunID])
	}
	require.Equal(t, idB, runs[0].RunID)
	require.Equal(t, idA, runs[1].RunID)
}
