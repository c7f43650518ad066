// Package orchestrator implements the orchestrator (C6): it resolves a
// resumption-aware trading-timestamp sequence for backtest mode, or takes a
// single aligned timestamp for live-session mode, and drives the agent
// step-loop (C5) over it, reporting progress through the runner registry
// (C8).
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/aristath/astock-sentinel/internal/agent"
	"github.com/aristath/astock-sentinel/internal/domain"
	"github.com/aristath/astock-sentinel/internal/ledger"
	"github.com/aristath/astock-sentinel/internal/market"
	"github.com/aristath/astock-sentinel/internal/registry"
)

// defaultMaxConcurrentLiveSessions bounds StartLiveSession's in-flight
// driver.RunStep goroutines when New is not given an explicit limit.
const defaultMaxConcurrentLiveSessions = 4

// Orchestrator is the C6 façade.
type Orchestrator struct {
	ledger   *ledger.Ledger
	market   *market.Store
	registry *registry.Registry
	drivers  map[string]*agent.Driver
	liveSem  chan struct{}
	log      zerolog.Logger
}

// New builds an Orchestrator. drivers maps an agent signature (e.g.
// "value-investor", "value-investor-live") to the Driver configured for it;
// each agent gets its own Driver since InitialCash/MaxSteps/collaborator
// may differ per signature. maxConcurrentLive bounds how many
// StartLiveSession driver.RunStep calls may run at once across every
// signature (spec §5's "bounded concurrent fan-out"); <= 0 resolves to
// defaultMaxConcurrentLiveSessions.
func New(led *ledger.Ledger, mkt *market.Store, reg *registry.Registry, drivers map[string]*agent.Driver, maxConcurrentLive int, log zerolog.Logger) *Orchestrator {
	if maxConcurrentLive <= 0 {
		maxConcurrentLive = defaultMaxConcurrentLiveSessions
	}
	return &Orchestrator{
		ledger: led, market: mkt, registry: reg, drivers: drivers,
		liveSem: make(chan struct{}, maxConcurrentLive),
		log:     log.With().Str("component", "orchestrator").Logger(),
	}
}

func (o *Orchestrator) driverFor(agentName string) (*agent.Driver, error) {
	d, ok := o.drivers[agentName]
	if !ok {
		return nil, fmt.Errorf("orchestrator: %w: no driver registered for agent %q", domain.ErrNotFound, agentName)
	}
	return d, nil
}

// BacktestRequest configures a backtest run. Start/End nil means
// auto-resume from the ledger tip / the newest available bar, per spec §4.6.
type BacktestRequest struct {
	Agent   string
	Freq    domain.Frequency
	Symbols []domain.Symbol
	Start   *domain.Timestamp
	End     *domain.Timestamp
}

// StartBacktest resolves the timestamp sequence for req and launches the
// iteration as a background task, returning its run_id immediately.
func (o *Orchestrator) StartBacktest(parent context.Context, req BacktestRequest) (string, error) {
	driver, err := o.driverFor(req.Agent)
	if err != nil {
		return "", err
	}

	timestamps, err := o.resolveBacktestRange(req)
	if err != nil {
		return "", fmt.Errorf("resolve backtest range for %s: %w", req.Agent, err)
	}

	runID, ctx := o.registry.Create(parent, req.Agent, req.Freq, domain.ModeBacktest)
	if err := o.registry.UpdateProgress(runID, domain.StatusRunning, len(timestamps), 0, ""); err != nil {
		return "", err
	}

	go o.runBacktestLoop(ctx, runID, driver, req, timestamps)
	return runID, nil
}

// resolveBacktestRange computes the exact trading-timestamp sequence to
// iterate: next-after-tip (or earliest available, clamped) through the
// explicit or newest-available end, inclusive.
func (o *Orchestrator) resolveBacktestRange(req BacktestRequest) ([]domain.Timestamp, error) {
	all, err := o.market.AllTimestamps(req.Freq)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, nil
	}

	start := all[0] // clamp: a requested/auto-resume start earlier than this never matches below
	switch {
	case req.Start != nil:
		start = *req.Start
	default:
		tip, ok, err := o.ledger.LatestStepTimestamp(req.Agent, req.Freq)
		if err != nil {
			return nil, err
		}
		if ok {
			idx := sort.Search(len(all), func(i int) bool { return all[i].After(tip) })
			if idx >= len(all) {
				return nil, nil // ledger tip already at or past the newest bar: zero steps
			}
			start = all[idx]
		}
	}

	end := all[len(all)-1]
	if req.End != nil {
		end = *req.End
	}

	out := make([]domain.Timestamp, 0, len(all))
	for _, ts := range all {
		if ts.Before(start) {
			continue
		}
		if ts.After(end) {
			break
		}
		out = append(out, ts)
	}
	return out, nil
}

// runBacktestLoop iterates timestamps in order, invoking driver for each and
// updating registry progress. A domain.ErrFatal step aborts the run
// (status failed); any other step error (e.g. a persistent collaborator
// failure already resolved to a synthetic no_trade by the driver) is
// recorded but does not stop iteration, per spec §4.5's distinction between
// a logged per-step failure and a fatal one.
func (o *Orchestrator) runBacktestLoop(ctx context.Context, runID string, driver *agent.Driver, req BacktestRequest, timestamps []domain.Timestamp) {
	total := len(timestamps)
	for i, ts := range timestamps {
		if ctx.Err() != nil {
			_ = o.registry.UpdateProgress(runID, domain.StatusCancelled, total, i, "cancelled")
			return
		}

		_, err := driver.RunStep(ctx, req.Agent, ts, req.Symbols)
		if err != nil {
			if errors.Is(err, domain.ErrFatal) {
				o.log.Error().Err(err).Str("agent", req.Agent).Str("timestamp", ts.String()).Msg("fatal step error, stopping backtest")
				_ = o.registry.UpdateProgress(runID, domain.StatusFailed, total, i, err.Error())
				return
			}
			o.log.Warn().Err(err).Str("agent", req.Agent).Str("timestamp", ts.String()).Msg("non-fatal step error, continuing backtest")
			_ = o.registry.UpdateProgress(runID, domain.StatusRunning, total, i+1, err.Error())
			continue
		}
		_ = o.registry.UpdateProgress(runID, domain.StatusRunning, total, i+1, "")
	}
	_ = o.registry.UpdateProgress(runID, domain.StatusCompleted, total, total, "")
}

// StartLiveSession invokes driver once for the given aligned timestamp and
// launches it as a background task, returning its run_id immediately
// (spec §4.6 live-session mode: no iteration).
func (o *Orchestrator) StartLiveSession(parent context.Context, agentName string, freq domain.Frequency, ts domain.Timestamp, symbols []domain.Symbol) (string, error) {
	driver, err := o.driverFor(agentName)
	if err != nil {
		return "", err
	}

	runID, ctx := o.registry.Create(parent, agentName, freq, domain.ModeLive)
	if err := o.registry.UpdateProgress(runID, domain.StatusRunning, 1, 0, ""); err != nil {
		return "", err
	}

	go func() {
		o.liveSem <- struct{}{}
		defer func() { <-o.liveSem }()

		_, err := driver.RunStep(ctx, agentName, ts, symbols)
		if err != nil && errors.Is(err, domain.ErrFatal) {
			o.log.Error().Err(err).Str("agent", agentName).Str("timestamp", ts.String()).Msg("fatal live-session error")
			_ = o.registry.UpdateProgress(runID, domain.StatusFailed, 1, 0, err.Error())
			return
		}
		errMsg := ""
		if err != nil {
			errMsg = err.Error()
		}
		_ = o.registry.UpdateProgress(runID, domain.StatusCompleted, 1, 1, errMsg)
	}()
	return runID, nil
}
