// Command astock-sentinel drives the multi-agent trading simulator: a
// one-shot `start` for backtests and manual live sessions, and a
// `scheduled` mode that runs the cron-driven live scheduler standalone.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aristath/astock-sentinel/internal/agent"
	"github.com/aristath/astock-sentinel/internal/config"
	"github.com/aristath/astock-sentinel/internal/database"
	"github.com/aristath/astock-sentinel/internal/domain"
	"github.com/aristath/astock-sentinel/internal/ledger"
	"github.com/aristath/astock-sentinel/internal/llmtool"
	"github.com/aristath/astock-sentinel/internal/market"
	"github.com/aristath/astock-sentinel/internal/orchestrator"
	"github.com/aristath/astock-sentinel/internal/registry"
	"github.com/aristath/astock-sentinel/internal/scheduler"
	"github.com/aristath/astock-sentinel/internal/vendor"
	"github.com/aristath/astock-sentinel/pkg/logger"
)

// Exit codes per spec §6.4.
const (
	exitOK      = 0
	exitConfig  = 1
	exitRuntime = 2
)

var (
	flagFreq         string
	flagSkipData     bool
	flagOnlyBackend  bool
	flagOnlyAgent    bool
	flagOnlyData     bool
	flagUI           bool
	flagLive         bool
	flagForceData    bool
	flagFixMissing   bool
	flagValidateOnly bool
	flagConfigPath   string
	flagRunNow       bool
)

func main() {
	root := &cobra.Command{
		Use:   "astock-sentinel",
		Short: "Multi-agent trading simulator and scheduler for A-share equities",
	}
	root.PersistentFlags().StringVar(&flagConfigPath, "config", "", "path to a config file overriding environment defaults (reserved; not yet backed by a file format)")

	start := &cobra.Command{
		Use:   "start",
		Short: "Run a backtest or a single live session for all configured agents",
		Run:   runStart,
	}
	start.Flags().StringVar(&flagFreq, "freq", "daily", "trading frequency: daily or hourly")
	start.Flags().BoolVar(&flagSkipData, "skip-data", false, "skip the market data ingestion step")
	start.Flags().BoolVar(&flagOnlyBackend, "only-backend", false, "start only the out-of-scope HTTP dashboard backend (no-op in this build)")
	start.Flags().BoolVar(&flagOnlyAgent, "only-agent", false, "skip ingestion, run only the agent orchestration step")
	start.Flags().BoolVar(&flagOnlyData, "only-data", false, "run only ingestion (and validation), then exit")
	start.Flags().BoolVar(&flagUI, "ui", false, "serve the out-of-scope web UI (no-op in this build)")
	start.Flags().BoolVar(&flagLive, "live", false, "run a single live-session step at the current aligned timestamp instead of a backtest")
	start.Flags().BoolVar(&flagForceData, "force-data", false, "bypass the incremental-fetch skip check during ingestion")
	start.Flags().BoolVar(&flagFixMissing, "fix-missing", false, "after ingestion, validate and re-fetch any symbols still missing")
	start.Flags().BoolVar(&flagValidateOnly, "validate-only", false, "only validate ingested coverage and report missing symbols, then exit")

	scheduled := &cobra.Command{
		Use:   "scheduled",
		Short: "Run the live scheduler standalone",
		Run:   runScheduled,
	}
	scheduled.Flags().StringVar(&flagFreq, "freq", "daily", "trading frequency: daily or hourly")
	scheduled.Flags().BoolVar(&flagRunNow, "run-now", false, "trigger one execution immediately before entering the cron schedule")

	root.AddCommand(start, scheduled)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfig)
	}
}

// app bundles every wired dependency a subcommand needs.
type app struct {
	cfg      *config.Config
	log      zerolog.Logger
	db       *database.DB
	store    *market.Store
	ledger   *ledger.Ledger
	ingestor *market.Ingestor
	reg      *registry.Registry
	orch     *orchestrator.Orchestrator
	sched    *scheduler.Scheduler
}

func wireApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.Pretty})

	db, err := database.New(database.Config{Path: cfg.DatabasePath, Profile: database.ProfileLedger, Name: "sentinel"})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	store, err := market.NewStore(db.Conn(), market.Config{JournalDir: cfg.JournalDir}, log)
	if err != nil {
		return nil, fmt.Errorf("open market store: %w", err)
	}
	led, err := ledger.New(db.Conn(), cfg.JournalDir, log)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	vendorClient := buildVendorClient(cfg, log)
	ing := market.NewIngestor(store, led, vendorClient, cfg.Index, log)

	var collaborator llmtool.Collaborator
	if cfg.CollaboratorBaseURL != "" {
		collaborator = llmtool.NewHTTPCollaborator(llmtool.HTTPConfig{
			BaseURL: cfg.CollaboratorBaseURL,
			APIKey:  cfg.CollaboratorAPIKey,
		}, log)
	}

	sessions := agent.NewSessionStore(db.Conn())
	drivers := make(map[string]*agent.Driver, len(cfg.Agents)*3)
	var liveAgents []scheduler.AgentConfig
	for _, a := range cfg.Agents {
		driver, err := agent.New(agent.Kind(a.Kind), agent.Config{
			Ledger:       led,
			Market:       store,
			Collaborator: collaborator,
			Sessions:     sessions,
			InitialCash:  a.InitialCash,
			MaxSteps:     cfg.MaxSteps,
			MaxRetries:   cfg.MaxRetries,
			BaseDelay:    cfg.BaseDelay,
			Log:          log,
		})
		if err != nil {
			return nil, fmt.Errorf("build driver for agent %q: %w", a.Name, err)
		}
		drivers[a.Name] = driver
		drivers[a.Name+"-live"] = driver
		drivers[a.Name+"-live-astock-hour"] = driver
		if a.LiveEnabled {
			liveAgents = append(liveAgents, scheduler.AgentConfig{Name: a.Name, Symbols: a.Symbols})
		}
	}

	reg := registry.New()
	orch := orchestrator.New(led, store, reg, drivers, 0, log)
	sched := scheduler.New(scheduler.Config{Ingestor: ing, Orchestrator: orch, Agents: liveAgents, Log: log})

	return &app{cfg: cfg, log: log, db: db, store: store, ledger: led, ingestor: ing, reg: reg, orch: orch, sched: sched}, nil
}

func buildVendorClient(cfg *config.Config, log zerolog.Logger) vendor.Client {
	primary := vendor.NewHTTPClient(vendor.HTTPConfig{
		BaseURL:      cfg.VendorBaseURL,
		APIKey:       cfg.VendorAPIKey,
		Timeout:      cfg.VendorTimeout,
		BaseDelay:    cfg.VendorBaseDelay,
		MaxDelay:     cfg.VendorMaxDelay,
		MaxRetries:   cfg.VendorMaxRetries,
		RequestDelay: cfg.VendorRequestDelay,
	}, log)
	if cfg.SecondaryBaseURL == "" {
		return primary
	}
	secondary := vendor.NewHTTPClient(vendor.HTTPConfig{
		BaseURL:    cfg.SecondaryBaseURL,
		APIKey:     cfg.SecondaryAPIKey,
		Timeout:    cfg.VendorTimeout,
		MaxRetries: cfg.VendorMaxRetries,
	}, log)
	return vendor.NewFallbackClient(primary, secondary, log)
}

func runStart(cmd *cobra.Command, args []string) {
	freq, err := parseFreq(flagFreq)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfig)
	}

	a, err := wireApp()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfig)
	}
	defer a.closeDB()

	if flagOnlyBackend || flagUI {
		a.log.Warn().Msg("HTTP dashboard and web UI are out of scope for this build; --only-backend/--ui are no-ops")
		if flagOnlyBackend {
			return
		}
	}

	ctx := context.Background()

	if !flagSkipData && !flagOnlyAgent {
		if err := a.runIngestion(ctx, freq); err != nil {
			a.log.Error().Err(err).Msg("ingestion failed")
			os.Exit(exitRuntime)
		}
	}
	if flagValidateOnly || flagOnlyData {
		return
	}

	failed := a.runAgents(ctx, freq)
	if failed {
		os.Exit(exitRuntime)
	}
}

// runIngestion executes the ingest → (optionally) validate+fix-missing
// sequence for freq (spec §4.2/§6.4 --force-data/--fix-missing/--validate-only).
func (a *app) runIngestion(ctx context.Context, freq domain.Frequency) error {
	var asOf *domain.Timestamp
	if freq == domain.FreqHourly {
		ts, ok := scheduler.AlignTradingHour(time.Now())
		if !ok {
			return fmt.Errorf("current wall-clock time does not align to a configured trading hour for hourly ingestion")
		}
		aligned := domain.NewDateTime(ts.Year(), ts.Month(), ts.Day(), ts.Hour(), ts.Minute(), ts.Second())
		asOf = &aligned
	}

	if !flagValidateOnly {
		if err := a.ingestor.Refresh(ctx, freq, market.RefreshOptions{Force: flagForceData, AsOf: asOf}); err != nil {
			return fmt.Errorf("refresh: %w", err)
		}
	}

	if !flagFixMissing && !flagValidateOnly {
		return nil
	}

	missing, err := a.ingestor.Validate(ctx, freq)
	if err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	if len(missing) == 0 {
		a.log.Info().Msg("ingestion coverage validated, no missing symbols")
		return nil
	}
	a.log.Warn().Int("count", len(missing)).Msg("missing symbols detected")
	for _, sym := range missing {
		fmt.Println(sym)
	}
	if flagValidateOnly {
		return nil
	}
	return a.ingestor.Refresh(ctx, freq, market.RefreshOptions{Force: true, Symbols: missing, AsOf: asOf})
}

// runAgents drives every configured agent either as a single live session
// or as an auto-resuming backtest, blocking until each terminates. It
// returns true if any run ended in a failed status.
func (a *app) runAgents(ctx context.Context, freq domain.Frequency) bool {
	var runIDs []string
	for _, spec := range a.cfg.Agents {
		var runID string
		var err error
		if flagLive {
			ts, alignErr := alignedNow(freq)
			if alignErr != nil {
				a.log.Error().Err(alignErr).Str("agent", spec.Name).Msg("cannot align live timestamp")
				return true
			}
			signature := spec.Name + "-live"
			if freq == domain.FreqHourly {
				signature = spec.Name + "-live-astock-hour"
			}
			runID, err = a.orch.StartLiveSession(ctx, signature, freq, ts, spec.Symbols)
		} else {
			runID, err = a.orch.StartBacktest(ctx, orchestrator.BacktestRequest{
				Agent: spec.Name, Freq: freq, Symbols: spec.Symbols,
			})
		}
		if err != nil {
			a.log.Error().Err(err).Str("agent", spec.Name).Msg("failed to start run")
			return true
		}
		runIDs = append(runIDs, runID)
	}

	anyFailed := false
	for _, runID := range runIDs {
		run := a.waitForTerminal(runID)
		if run.Status == domain.StatusFailed {
			anyFailed = true
			a.log.Error().Str("agent", run.Agent).Str("error", run.ErrorMessage).Msg("run failed")
		}
	}
	return anyFailed
}

func (a *app) waitForTerminal(runID string) domain.AgentRun {
	for {
		run, err := a.reg.Get(runID)
		if err != nil {
			a.log.Error().Err(err).Str("run_id", runID).Msg("lost track of run")
			return domain.AgentRun{Status: domain.StatusFailed, ErrorMessage: err.Error()}
		}
		if run.IsTerminal() {
			return run
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func runScheduled(cmd *cobra.Command, args []string) {
	freq, err := parseFreq(flagFreq)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfig)
	}

	a, err := wireApp()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfig)
	}
	defer a.closeDB()

	if err := a.sched.Start(freq); err != nil {
		a.log.Error().Err(err).Msg("failed to start scheduler")
		os.Exit(exitRuntime)
	}
	a.log.Info().Str("frequency", string(freq)).Msg("scheduler started")

	if flagRunNow {
		exec := a.sched.TriggerNow(freq)
		if len(exec.Errors) > 0 {
			a.log.Warn().Strs("errors", exec.Errors).Msg("manual trigger completed with errors")
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	a.log.Info().Msg("shutting down scheduler")
	a.sched.Stop()
}

// closeDB forces a final WAL checkpoint before closing, so the main
// database file on disk is complete and safe to copy or back up
// immediately after the process exits rather than relying on the next
// process's automatic wal_autocheckpoint to catch up.
func (a *app) closeDB() {
	if err := a.db.WALCheckpoint(""); err != nil {
		a.log.Warn().Err(err).Msg("final WAL checkpoint failed")
	}
	if err := a.db.Close(); err != nil {
		a.log.Warn().Err(err).Msg("database close failed")
	}
}

func parseFreq(s string) (domain.Frequency, error) {
	switch s {
	case "daily":
		return domain.FreqDaily, nil
	case "hourly":
		return domain.FreqHourly, nil
	default:
		return "", fmt.Errorf("invalid --freq %q: must be \"daily\" or \"hourly\"", s)
	}
}

func alignedNow(freq domain.Frequency) (domain.Timestamp, error) {
	now := time.Now()
	if freq != domain.FreqHourly {
		return domain.NewDate(now.Date()), nil
	}
	ts, ok := scheduler.AlignTradingHour(now)
	if !ok {
		return domain.Timestamp{}, fmt.Errorf("current wall-clock time does not align to a configured trading hour")
	}
	return domain.NewDateTime(ts.Year(), ts.Month(), ts.Day(), ts.Hour(), ts.Minute(), ts.Second()), nil
}
