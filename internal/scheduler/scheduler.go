// Package scheduler implements the live scheduler (C7): a cron-driven
// timer source that, at market-aligned wall-clock instants, refreshes
// market data and fans a single-timestamp trading session out across all
// enabled agents.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/aristath/astock-sentinel/internal/domain"
	"github.com/aristath/astock-sentinel/internal/market"
	"github.com/aristath/astock-sentinel/internal/orchestrator"
)

// shanghai is the exchange timezone all cron expressions and alignment are
// evaluated in.
var shanghai = mustLoadLocation("Asia/Shanghai")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		// A missing tzdata is a deployment defect worth failing loudly on,
		// not something any caller can usefully recover from at runtime.
		panic(fmt.Sprintf("scheduler: load location %q: %v", name, err))
	}
	return loc
}

// alignments maps a cron fire time (HH:MM, exchange timezone) to the
// trading-hour timestamp it represents. Only these four are ever
// registered as hourly cron fire times; AlignTradingHour rejects anything
// else rather than guessing a fallback (spec §9 open question).
var alignments = map[string]string{
	"10:35": "10:30:00",
	"11:35": "11:30:00",
	"14:05": "14:00:00",
	"15:05": "15:00:00",
}

// AlignTradingHour snaps a wall-clock instant to the trading hour it
// fires for. It returns false for any instant outside the configured
// hourly fire times instead of silently coercing to an arbitrary hour.
func AlignTradingHour(t time.Time) (time.Time, bool) {
	local := t.In(shanghai)
	hhmm := local.Format("15:04")
	hms, ok := alignments[hhmm]
	if !ok {
		return time.Time{}, false
	}
	aligned, err := time.ParseInLocation("2006-01-02 15:04:05", local.Format("2006-01-02")+" "+hms, shanghai)
	if err != nil {
		return time.Time{}, false
	}
	return aligned, true
}

// AgentConfig is one enabled agent's scheduling target.
type AgentConfig struct {
	// Name is the base signature; live invocations suffix it (spec §4.7).
	Name    string
	Symbols []domain.Symbol
}

func liveSignature(base string, freq domain.Frequency) string {
	if freq == domain.FreqHourly {
		return base + "-live-astock-hour"
	}
	return base + "-live"
}

// Execution records the outcome of one scheduler firing, surfaced through
// Status() as last_execution (spec §4.7).
type Execution struct {
	Frequency domain.Frequency
	FiredAt   time.Time
	Aligned   domain.Timestamp
	RunIDs    []string
	Errors    []string
}

// State is the scheduler's externally visible status snapshot.
type State struct {
	Running       bool
	Frequency     domain.Frequency
	StartedAt     time.Time
	Jobs          []string
	NextRuns      []time.Time
	LastExecution *Execution
}

// defaultMaxConcurrentAgents bounds fire()'s per-agent fan-out when Config
// does not set one explicitly.
const defaultMaxConcurrentAgents = 4

// Config wires a Scheduler to the components it drives on each firing.
type Config struct {
	Ingestor     *market.Ingestor
	Orchestrator *orchestrator.Orchestrator
	Agents       []AgentConfig
	Log          zerolog.Logger

	// MaxConcurrentAgents caps how many agents fire() launches at once
	// per firing; defaults to defaultMaxConcurrentAgents.
	MaxConcurrentAgents int
}

// Scheduler is the C7 façade over a single cron timer source (spec §5).
// Each firing runs on its own cron goroutine: it refreshes market data
// through the ingestor synchronously, then starts orchestrator live
// sessions, whose driver steps run in the background.
type Scheduler struct {
	ingestor            *market.Ingestor
	orch                *orchestrator.Orchestrator
	agents              []AgentConfig
	maxConcurrentAgents int
	log                 zerolog.Logger

	mu        sync.Mutex
	cron      *cron.Cron
	running   bool
	frequency domain.Frequency
	startedAt time.Time
	jobSpecs  []string
	last      *Execution
}

// New builds a Scheduler. It does not start any cron jobs.
func New(cfg Config) *Scheduler {
	maxConcurrent := cfg.MaxConcurrentAgents
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrentAgents
	}
	return &Scheduler{
		ingestor:            cfg.Ingestor,
		orch:                cfg.Orchestrator,
		agents:              cfg.Agents,
		maxConcurrentAgents: maxConcurrent,
		log:                 cfg.Log.With().Str("component", "scheduler").Logger(),
	}
}

// Start begins cron-driven firing at freq. Calling Start while already
// running returns an error; Stop first to change frequency.
func (s *Scheduler) Start(freq domain.Frequency) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("%w: scheduler already running at frequency %q", domain.ErrValidation, s.frequency)
	}

	c := cron.New(cron.WithSeconds(), cron.WithLocation(shanghai))
	specs := specsFor(freq)
	for _, spec := range specs {
		spec := spec
		if _, err := c.AddFunc(spec, func() { s.fire(freq) }); err != nil {
			return fmt.Errorf("register cron job %q: %w", spec, err)
		}
	}

	c.Start()
	s.cron = c
	s.running = true
	s.frequency = freq
	s.startedAt = time.Now()
	s.jobSpecs = specs
	s.log.Info().Str("frequency", string(freq)).Strs("jobs", specs).Msg("scheduler started")
	return nil
}

// specsFor returns the 6-field (with-seconds) cron expressions for freq,
// per spec §4.7.
func specsFor(freq domain.Frequency) []string {
	if freq == domain.FreqHourly {
		return []string{
			"0 35 10 * * 1-5",
			"0 35 11 * * 1-5",
			"0 5 14 * * 1-5",
			"0 5 15 * * 1-5",
		}
	}
	return []string{"0 35 9 * * 1-5"}
}

// Stop halts firing and waits for any in-flight firing's synchronous
// dispatch to finish. It does not cancel orchestrator runs already
// launched — those are independent background tasks tracked by the
// runner registry.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	running := s.running
	s.running = false
	s.mu.Unlock()

	if !running {
		return
	}
	ctx := c.Stop()
	<-ctx.Done()
	s.log.Info().Msg("scheduler stopped")
}

// Status returns a snapshot of the scheduler's current state.
func (s *Scheduler) Status() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := State{
		Running:       s.running,
		Frequency:     s.frequency,
		StartedAt:     s.startedAt,
		Jobs:          append([]string(nil), s.jobSpecs...),
		LastExecution: s.last,
	}
	if s.cron != nil {
		for _, e := range s.cron.Entries() {
			state.NextRuns = append(state.NextRuns, e.Next)
		}
	}
	return state
}

// TriggerNow fires one execution immediately at freq, outside the cron
// schedule (spec §6.3 trigger_now()), and returns once the synchronous
// dispatch (ingest + per-agent orchestrator launch) completes. The
// orchestrator runs themselves continue in the background.
func (s *Scheduler) TriggerNow(freq domain.Frequency) *Execution {
	return s.fire(freq)
}

// fire is one scheduler execution: refresh market data, compute the
// aligned trading timestamp, then launch a live-session orchestrator run
// per enabled agent concurrently (spec §4.7).
func (s *Scheduler) fire(freq domain.Frequency) *Execution {
	exec := &Execution{Frequency: freq, FiredAt: time.Now()}
	ctx := context.Background()

	var aligned domain.Timestamp
	if freq == domain.FreqHourly {
		t, ok := AlignTradingHour(exec.FiredAt)
		if !ok {
			exec.Errors = append(exec.Errors, fmt.Sprintf("fire time %s does not align to a configured trading hour", exec.FiredAt.In(shanghai).Format("15:04:05")))
			s.recordExecution(exec)
			return exec
		}
		aligned = domain.NewDateTime(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second())
	} else {
		now := time.Now().In(shanghai)
		aligned = domain.NewDate(now.Date())
	}
	exec.Aligned = aligned

	if err := s.ingestor.Refresh(ctx, freq, market.RefreshOptions{AsOf: asOfPtr(freq, aligned)}); err != nil {
		s.log.Error().Err(err).Msg("scheduler ingest refresh failed")
		exec.Errors = append(exec.Errors, "ingest: "+err.Error())
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, s.maxConcurrentAgents)
	for _, a := range s.agents {
		a := a
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			signature := liveSignature(a.Name, freq)
			runID, err := s.orch.StartLiveSession(ctx, signature, freq, aligned, a.Symbols)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.log.Error().Err(err).Str("agent", signature).Msg("failed to launch live session")
				exec.Errors = append(exec.Errors, signature+": "+err.Error())
				return
			}
			exec.RunIDs = append(exec.RunIDs, runID)
		}()
	}
	wg.Wait()

	s.recordExecution(exec)
	return exec
}

func asOfPtr(freq domain.Frequency, ts domain.Timestamp) *domain.Timestamp {
	if freq != domain.FreqHourly {
		return nil
	}
	return &ts
}

func (s *Scheduler) recordExecution(exec *Execution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = exec
}
