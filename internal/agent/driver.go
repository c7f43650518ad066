package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/astock-sentinel/internal/domain"
	"github.com/aristath/astock-sentinel/internal/ledger"
	"github.com/aristath/astock-sentinel/internal/llmtool"
	"github.com/aristath/astock-sentinel/internal/market"
)

// Config configures a Driver. One Config is shared across every
// (agent, timestamp) invocation for a given agent signature.
type Config struct {
	Ledger       *ledger.Ledger
	Market       *market.Store
	Collaborator llmtool.Collaborator
	Sessions     *SessionStore
	InitialCash  float64
	MaxSteps     int
	MaxRetries   int
	BaseDelay    time.Duration
	Log          zerolog.Logger
}

// Driver executes one trading session per (agent, timestamp) call to
// RunStep (spec §4.5). A Driver is registered under multiple agent
// signatures (base, live, live-hourly) and RunStep may be invoked
// concurrently for different (agent, timestamp) pairs against the same
// Driver, so RunStep must not hold any mutable per-invocation state on
// the receiver itself — see runState.
type Driver struct {
	cfg Config
	log zerolog.Logger
}

// NewDriver builds a Driver from cfg, applying defaults for zero fields.
func NewDriver(cfg Config) *Driver {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 20
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 2 * time.Second
	}
	return &Driver{cfg: cfg, log: cfg.Log.With().Str("component", "agent.driver").Logger()}
}

// runState is the in-memory cash/holdings/opening-prices the driver
// mutates and reads as it processes trade verbs within one session; each
// mutation is immediately committed to the ledger (spec §4.5: "each
// yields one step in sequence"). It is local to one RunStep call and
// never shared across (agent, timestamp) invocations, including
// concurrent ones against the same Driver (spec §5).
type runState struct {
	cash       float64
	holdings   domain.Holdings
	openPrices map[domain.Symbol]market.Price
}

// RunStep executes one (agent, timestamp) trading session and returns the
// last committed PositionStep.
func (d *Driver) RunStep(ctx context.Context, agentName string, ts domain.Timestamp, tradableSymbols []domain.Symbol) (domain.PositionStep, error) {
	opening, err := d.cfg.Ledger.OpeningPosition(agentName, ts)
	if err != nil {
		return domain.PositionStep{}, fmt.Errorf("resolve opening position for %s: %w", agentName, err)
	}

	state := runState{cash: d.cfg.InitialCash, holdings: domain.Holdings{}}
	if opening.StepID >= 0 {
		state.cash = opening.Cash
		state.holdings = opening.Holdings.Clone()
	}

	llmCtx, err := d.buildContext(agentName, ts, tradableSymbols, &state)
	if err != nil {
		return domain.PositionStep{}, fmt.Errorf("build prompt context for %s at %s: %w", agentName, ts, err)
	}
	if err := d.recordContextMessage(agentName, ts, llmCtx); err != nil {
		d.log.Warn().Err(err).Str("agent", agentName).Msg("failed to record context message")
	}

	session, err := d.startSessionWithRetry(ctx, llmCtx)
	if err != nil {
		d.log.Error().Err(err).Str("agent", agentName).Msg("collaborator unavailable after retries, committing synthetic no_trade")
		step, commitErr := d.commitSyntheticNoTrade(agentName, ts, state)
		if commitErr != nil {
			return domain.PositionStep{}, commitErr
		}
		return step, fmt.Errorf("start llm session for %s at %s: %w", agentName, ts, err)
	}

	lastStep, committedAny, err := d.runLoop(ctx, session, agentName, ts, &state)
	if err != nil {
		d.log.Error().Err(err).Str("agent", agentName).Msg("session loop failed, committing synthetic no_trade")
		step, commitErr := d.commitSyntheticNoTrade(agentName, ts, state)
		if commitErr != nil {
			return domain.PositionStep{}, commitErr
		}
		return step, fmt.Errorf("run session loop for %s at %s: %w", agentName, ts, err)
	}

	if !committedAny {
		return d.commitSyntheticNoTrade(agentName, ts, state)
	}
	return lastStep, nil
}

// startSessionWithRetry retries StartSession with exponential backoff; a
// persistent failure after MaxRetries is the driver's only retry
// responsibility (spec §4.5: "tool-call retries are the collaborator's
// concern").
func (d *Driver) startSessionWithRetry(ctx context.Context, llmCtx llmtool.Context) (llmtool.Session, error) {
	var lastErr error
	for attempt := 0; attempt < d.cfg.MaxRetries; attempt++ {
		session, err := d.cfg.Collaborator.StartSession(ctx, llmCtx)
		if err == nil {
			return session, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		select {
		case <-time.After(d.cfg.BaseDelay * time.Duration(1<<attempt)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("start session: exhausted %d retries: %w", d.cfg.MaxRetries, lastErr)
}

// runLoop consumes tool calls until the session ends or max_steps is
// reached, committing one ledger step per trade verb encountered.
func (d *Driver) runLoop(ctx context.Context, session llmtool.Session, agentName string, ts domain.Timestamp, state *runState) (domain.PositionStep, bool, error) {
	var lastStep domain.PositionStep
	committedAny := false

	for step := 0; step < d.cfg.MaxSteps; step++ {
		if ctx.Err() != nil {
			return lastStep, committedAny, ctx.Err()
		}

		call, outcome, err := session.Next(ctx)
		if err != nil {
			return lastStep, committedAny, fmt.Errorf("collaborator step failed: %w", err)
		}
		if outcome != nil {
			if outcome.Status == llmtool.OutcomeError {
				return lastStep, committedAny, fmt.Errorf("collaborator reported error: %w", outcome.Err)
			}
			return lastStep, committedAny, nil
		}

		if err := d.recordToolCallMessage(agentName, ts, call); err != nil {
			d.log.Warn().Err(err).Str("agent", agentName).Msg("failed to record tool call message")
		}

		if !call.Verb.IsTradeVerb() {
			result := d.handleReadOnlyCall(state, *call)
			if err := d.recordToolResultMessage(agentName, ts, call, result); err != nil {
				d.log.Warn().Err(err).Str("agent", agentName).Msg("failed to record tool result message")
			}
			if err := session.Respond(ctx, result); err != nil {
				return lastStep, committedAny, fmt.Errorf("respond to read-only call: %w", err)
			}
			continue
		}

		action, result, applyErr := d.applyTradeVerb(*call, state)
		if applyErr != nil {
			rejection := llmtool.ToolResult{CallID: call.ID, Err: applyErr}
			if err := d.recordToolResultMessage(agentName, ts, call, rejection); err != nil {
				d.log.Warn().Err(err).Str("agent", agentName).Msg("failed to record tool result message")
			}
			if err := session.Respond(ctx, rejection); err != nil {
				return lastStep, committedAny, fmt.Errorf("respond to rejected trade verb: %w", err)
			}
			continue // rejection is non-fatal to the session (spec §4.5)
		}

		committedStep, err := d.commit(agentName, ts, action, *state)
		if err != nil {
			return lastStep, committedAny, err
		}
		lastStep = committedStep
		committedAny = true

		if err := d.recordToolResultMessage(agentName, ts, call, result); err != nil {
			d.log.Warn().Err(err).Str("agent", agentName).Msg("failed to record tool result message")
		}
		if err := session.Respond(ctx, result); err != nil {
			return lastStep, committedAny, fmt.Errorf("respond to committed trade verb: %w", err)
		}
	}
	return lastStep, committedAny, nil
}

// applyTradeVerb validates and mutates state per spec §4.5's exact trade
// verb semantics, returning the Action to commit and a recoverable error
// when the verb must be rejected (non-fatal to the session).
func (d *Driver) applyTradeVerb(call llmtool.ToolCall, state *runState) (domain.Action, llmtool.ToolResult, error) {
	switch call.Verb {
	case llmtool.ToolNoTrade:
		return domain.NoTrade(), llmtool.ToolResult{CallID: call.ID}, nil

	case llmtool.ToolBuy:
		price, err := d.lastOpenPrice(state, call.Symbol)
		if err != nil {
			return domain.Action{}, llmtool.ToolResult{}, err
		}
		cost := float64(call.Amount) * price
		if cost > state.cash {
			return domain.Action{}, llmtool.ToolResult{}, fmt.Errorf("%w: buy %d %s costs %.2f, cash available %.2f", domain.ErrValidation, call.Amount, call.Symbol, cost, state.cash)
		}
		state.cash -= cost
		state.holdings[call.Symbol] = state.holdings[call.Symbol] + call.Amount
		return domain.Buy(call.Symbol, call.Amount), llmtool.ToolResult{CallID: call.ID}, nil

	case llmtool.ToolSell:
		held := state.holdings[call.Symbol]
		if call.Amount > held {
			return domain.Action{}, llmtool.ToolResult{}, fmt.Errorf("%w: sell %d %s exceeds held %d", domain.ErrValidation, call.Amount, call.Symbol, held)
		}
		price, err := d.lastOpenPrice(state, call.Symbol)
		if err != nil {
			return domain.Action{}, llmtool.ToolResult{}, err
		}
		state.cash += float64(call.Amount) * price
		remaining := held - call.Amount
		if remaining == 0 {
			delete(state.holdings, call.Symbol)
		} else {
			state.holdings[call.Symbol] = remaining
		}
		return domain.Sell(call.Symbol, call.Amount), llmtool.ToolResult{CallID: call.ID}, nil

	default:
		return domain.Action{}, llmtool.ToolResult{}, fmt.Errorf("%w: unknown trade verb %q", domain.ErrValidation, call.Verb)
	}
}

// lastOpenPrice reads state.openPrices, populated once per RunStep call
// by buildContext; trade verbs always price against the step's own
// opening prices, never a fresher quote (spec §4.5 "prices are opening
// prices of the current step's timestamp"). state is local to this
// RunStep invocation, so concurrent RunStep calls against the same
// Driver never see each other's opening prices (spec §5).
func (d *Driver) lastOpenPrice(state *runState, symbol domain.Symbol) (float64, error) {
	price, ok := state.openPrices[symbol]
	if !ok || price == nil {
		return 0, fmt.Errorf("%w: no opening price available for %s", domain.ErrValidation, symbol)
	}
	return *price, nil
}

func (d *Driver) handleReadOnlyCall(state *runState, call llmtool.ToolCall) llmtool.ToolResult {
	switch call.Verb {
	case llmtool.ToolGetPrice:
		price, ok := state.openPrices[call.Symbol]
		if !ok || price == nil {
			return llmtool.ToolResult{CallID: call.ID, Err: fmt.Errorf("%w: no price for %s", domain.ErrNotFound, call.Symbol)}
		}
		return llmtool.ToolResult{CallID: call.ID, Value: *price}
	default:
		// get_news and any other read-only verb: this module has no news
		// feed integration, so it answers with an explicit empty result
		// rather than fabricating content.
		return llmtool.ToolResult{CallID: call.ID, Value: nil}
	}
}

// recordContextMessage persists the prompt context handed to the
// collaborator at the start of the session, under the user role (spec
// §4.5 step 3: "record every user/assistant/tool message").
func (d *Driver) recordContextMessage(agentName string, ts domain.Timestamp, llmCtx llmtool.Context) error {
	if d.cfg.Sessions == nil {
		return nil
	}
	content, err := json.Marshal(llmCtx)
	if err != nil {
		return fmt.Errorf("encode context message: %w", err)
	}
	return d.cfg.Sessions.AppendMessage(agentName, ts, domain.Message{
		Role:      domain.RoleUser,
		Content:   string(content),
		CreatedAt: ts.Time(),
	})
}

// recordToolCallMessage persists the collaborator's tool-call payload
// under the assistant role.
func (d *Driver) recordToolCallMessage(agentName string, ts domain.Timestamp, call *llmtool.ToolCall) error {
	if d.cfg.Sessions == nil {
		return nil
	}
	content, err := json.Marshal(call)
	if err != nil {
		return fmt.Errorf("encode tool call message: %w", err)
	}
	return d.cfg.Sessions.AppendMessage(agentName, ts, domain.Message{
		Role:       domain.RoleAssistant,
		Content:    string(content),
		ToolCallID: call.ID,
		ToolName:   string(call.Verb),
		CreatedAt:  ts.Time(),
	})
}

// recordToolResultMessage persists the driver's response to a tool call
// under the tool role, correlated back to it via ToolCallID.
func (d *Driver) recordToolResultMessage(agentName string, ts domain.Timestamp, call *llmtool.ToolCall, result llmtool.ToolResult) error {
	if d.cfg.Sessions == nil {
		return nil
	}
	payload := struct {
		Value any    `json:"value,omitempty"`
		Error string `json:"error,omitempty"`
	}{Value: result.Value}
	if result.Err != nil {
		payload.Error = result.Err.Error()
	}
	content, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode tool result message: %w", err)
	}
	return d.cfg.Sessions.AppendMessage(agentName, ts, domain.Message{
		Role:       domain.RoleTool,
		Content:    string(content),
		ToolCallID: result.CallID,
		ToolName:   string(call.Verb),
		CreatedAt:  ts.Time(),
	})
}

func (d *Driver) commit(agentName string, ts domain.Timestamp, action domain.Action, state runState) (domain.PositionStep, error) {
	stepID, err := d.cfg.Ledger.Commit(agentName, ts, action, state.cash, state.holdings)
	if err != nil && stepID < 0 {
		return domain.PositionStep{}, fmt.Errorf("commit step for %s at %s: %w", agentName, ts, err)
	}
	if err != nil {
		d.log.Warn().Err(err).Str("agent", agentName).Msg("commit reported partial dual-write")
	}
	return domain.PositionStep{
		Agent: agentName, Timestamp: ts, StepID: stepID,
		Action: action, Cash: state.cash, Holdings: state.holdings.Clone(),
	}, nil
}

func (d *Driver) commitSyntheticNoTrade(agentName string, ts domain.Timestamp, state runState) (domain.PositionStep, error) {
	return d.commit(agentName, ts, domain.NoTrade(), state)
}

// buildContext assembles the LLM prompt context (spec §4.5 step 2) and
// stores opening prices on state for trade verb pricing during this
// RunStep call only.
func (d *Driver) buildContext(agentName string, ts domain.Timestamp, tradableSymbols []domain.Symbol, state *runState) (llmtool.Context, error) {
	openPrices, err := d.cfg.Market.OpenPrices(tradableSymbols, ts)
	if err != nil {
		return llmtool.Context{}, fmt.Errorf("fetch opening prices: %w", err)
	}
	state.openPrices = openPrices

	heldSymbols := make([]domain.Symbol, 0, len(state.holdings))
	for sym := range state.holdings {
		heldSymbols = append(heldSymbols, sym)
	}
	pnl := make(map[domain.Symbol]float64, len(heldSymbols))
	if len(heldSymbols) > 0 {
		opens, closes, err := d.cfg.Market.YesterdayOpenAndClose(heldSymbols, ts)
		if err != nil {
			return llmtool.Context{}, fmt.Errorf("fetch prior-session P&L: %w", err)
		}
		for _, sym := range heldSymbols {
			if opens[sym] != nil && closes[sym] != nil {
				pnl[sym] = *closes[sym] - *opens[sym]
			}
		}
	}

	return llmtool.Context{
		Agent: agentName, Timestamp: ts,
		Cash: state.cash, Holdings: state.holdings.Clone(),
		TradableSymbols: tradableSymbols, OpenPrices: openPrices,
		PriorSessionPnL: pnl,
		MaxSteps:        d.cfg.MaxSteps, BaseDelay: d.cfg.BaseDelay,
	}, nil
}
