// Package registry implements the runner registry (C8): an in-memory,
// mutex-guarded map of orchestrator invocations and their lifecycle status.
// Nothing here is persisted — runs are lost on restart (spec §4.8).
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/astock-sentinel/internal/domain"
)

// Registry tracks every orchestrator invocation currently known to the
// process, keyed by run_id.
type Registry struct {
	mu   sync.Mutex
	runs map[string]*entry
}

// entry pairs the AgentRun the caller sees with the cancellation hook the
// owning orchestrator registered for it.
type entry struct {
	run    domain.AgentRun
	cancel context.CancelFunc
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{runs: make(map[string]*entry)}
}

// Create registers a new pending run and returns its id plus a context
// derived from parent that the caller's orchestrator loop should use for
// its own cancellation-aware work; cancelling that context is exactly
// what Cancel triggers.
func (r *Registry) Create(parent context.Context, agent string, freq domain.Frequency, mode domain.RunMode) (string, context.Context) {
	runID := uuid.NewString()
	ctx, cancel := context.WithCancel(parent)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[runID] = &entry{
		run: domain.AgentRun{
			RunID:     runID,
			Agent:     agent,
			Frequency: freq,
			Mode:      mode,
			Status:    domain.StatusPending,
			StartedAt: time.Now(),
		},
		cancel: cancel,
	}
	return runID, ctx
}

// UpdateProgress overwrites the run's status and progress counters. Callers
// (the orchestrator loop) call this as it advances; a terminal status also
// stamps FinishedAt.
func (r *Registry) UpdateProgress(runID string, status domain.RunStatus, stepsTotal, stepsDone int, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.runs[runID]
	if !ok {
		return fmt.Errorf("registry: %w: run %s", domain.ErrNotFound, runID)
	}
	e.run.Status = status
	e.run.StepsTotal = stepsTotal
	e.run.StepsDone = stepsDone
	e.run.ErrorMessage = errMsg
	if e.run.IsTerminal() {
		e.run.FinishedAt = time.Now()
	}
	return nil
}

// Get returns a copy of the run's current state.
func (r *Registry) Get(runID string) (domain.AgentRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.runs[runID]
	if !ok {
		return domain.AgentRun{}, fmt.Errorf("registry: %w: run %s", domain.ErrNotFound, runID)
	}
	return e.run, nil
}

// List returns a snapshot of every known run, most recently started first.
func (r *Registry) List() []domain.AgentRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.AgentRun, 0, len(r.runs))
	for _, e := range r.runs {
		out = append(out, e.run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Cancel requests cancellation of a running run, or marks a pending run
// cancelled directly (spec §4.8). It is a no-op error if the run is
// already terminal.
func (r *Registry) Cancel(runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.runs[runID]
	if !ok {
		return fmt.Errorf("registry: %w: run %s", domain.ErrNotFound, runID)
	}
	if e.run.IsTerminal() {
		return fmt.Errorf("registry: run %s already %s", runID, e.run.Status)
	}
	switch e.run.Status {
	case domain.StatusPending:
		e.run.Status = domain.StatusCancelled
		e.run.FinishedAt = time.Now()
	case domain.StatusRunning:
		e.cancel()
		// Status transitions to StatusCancelled once the orchestrator
		// observes ctx.Err() and calls UpdateProgress itself; Cancel only
		// requests it, per spec §5 "aborts at the next driver boundary".
	}
	return nil
}
