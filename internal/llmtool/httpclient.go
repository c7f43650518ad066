package llmtool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/aristath/astock-sentinel/internal/domain"
)

// HTTPCollaborator is the concrete Collaborator over net/http: it hands a
// Context to an external LLM-tool server and exchanges ToolCall/ToolResult
// pairs over a small session-scoped request/response protocol. Transport
// retries reuse hashicorp/go-retryablehttp the same way the vendor
// adapter does (internal/vendor/http.go), since a single dropped
// connection mid-session should not abort the whole trading step.
type HTTPCollaborator struct {
	baseURL string
	apiKey  string
	client  *retryablehttp.Client
	log     zerolog.Logger
}

// HTTPConfig configures an HTTPCollaborator.
type HTTPConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
}

// NewHTTPCollaborator builds an HTTPCollaborator.
func NewHTTPCollaborator(cfg HTTPConfig, log zerolog.Logger) *HTTPCollaborator {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	rc := retryablehttp.NewClient()
	rc.HTTPClient.Timeout = cfg.Timeout
	rc.RetryMax = cfg.MaxRetries
	rc.Logger = nil

	return &HTTPCollaborator{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  rc,
		log:     log.With().Str("component", "llmtool.http").Logger(),
	}
}

// wireContext mirrors Context for JSON transport.
type wireContext struct {
	Agent           string             `json:"agent"`
	Timestamp       string             `json:"timestamp"`
	Cash            float64            `json:"cash"`
	Holdings        map[string]int64   `json:"holdings"`
	TradableSymbols []string           `json:"tradable_symbols"`
	OpenPrices      map[string]*float64 `json:"open_prices"`
	PriorSessionPnL map[string]float64 `json:"prior_session_pnl"`
	MaxSteps        int                `json:"max_steps"`
}

func toWireContext(ctx Context) wireContext {
	holdings := make(map[string]int64, len(ctx.Holdings))
	for sym, qty := range ctx.Holdings {
		holdings[string(sym)] = qty
	}
	symbols := make([]string, len(ctx.TradableSymbols))
	for i, s := range ctx.TradableSymbols {
		symbols[i] = string(s)
	}
	openPrices := make(map[string]*float64, len(ctx.OpenPrices))
	for sym, p := range ctx.OpenPrices {
		openPrices[string(sym)] = p
	}
	pnl := make(map[string]float64, len(ctx.PriorSessionPnL))
	for sym, v := range ctx.PriorSessionPnL {
		pnl[string(sym)] = v
	}
	return wireContext{
		Agent: ctx.Agent, Timestamp: ctx.Timestamp.String(), Cash: ctx.Cash,
		Holdings: holdings, TradableSymbols: symbols, OpenPrices: openPrices,
		PriorSessionPnL: pnl, MaxSteps: ctx.MaxSteps,
	}
}

// wireCall/wireOutcome mirror ToolCall/Outcome for JSON transport. Exactly
// one of Call/Outcome is populated in any response.
type wireCall struct {
	ID     string   `json:"id"`
	Verb   string   `json:"verb"`
	Symbol string   `json:"symbol,omitempty"`
	Amount int64    `json:"amount,omitempty"`
	Topics []string `json:"topics,omitempty"`
}

type wireOutcome struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type wireStep struct {
	SessionID string       `json:"session_id,omitempty"`
	Call      *wireCall    `json:"call,omitempty"`
	Outcome   *wireOutcome `json:"outcome,omitempty"`
}

type wireResult struct {
	CallID string `json:"call_id"`
	Value  any    `json:"value,omitempty"`
	Error  string `json:"error,omitempty"`
}

// StartSession implements Collaborator.
func (c *HTTPCollaborator) StartSession(ctx context.Context, llmCtx Context) (Session, error) {
	var step wireStep
	if err := c.post(ctx, "/sessions", toWireContext(llmCtx), &step); err != nil {
		return nil, fmt.Errorf("start llm-tool session: %w", err)
	}
	if step.SessionID == "" {
		return nil, fmt.Errorf("llm-tool server did not return a session id")
	}
	return &httpSession{client: c, sessionID: step.SessionID, pending: toCallOrOutcome(step)}, nil
}

func toCallOrOutcome(step wireStep) stepResult {
	if step.Outcome != nil {
		return stepResult{outcome: &Outcome{Status: OutcomeStatus(step.Outcome.Status), Err: errFromString(step.Outcome.Error)}}
	}
	if step.Call != nil {
		return stepResult{call: &ToolCall{
			ID: step.Call.ID, Verb: ToolVerb(step.Call.Verb),
			Symbol: domain.Symbol(step.Call.Symbol), Amount: step.Call.Amount, Topics: step.Call.Topics,
		}}
	}
	return stepResult{}
}

func errFromString(s string) error {
	if s == "" {
		return nil
	}
	return fmt.Errorf("%s", s)
}

type stepResult struct {
	call    *ToolCall
	outcome *Outcome
}

// httpSession is the concrete Session returned by HTTPCollaborator.
type httpSession struct {
	client    *HTTPCollaborator
	sessionID string
	pending   stepResult
	awaiting  bool
}

// Next implements Session.
func (s *httpSession) Next(_ context.Context) (*ToolCall, *Outcome, error) {
	if s.awaiting {
		return nil, nil, fmt.Errorf("llmtool: Next called before Respond for the previous call")
	}
	if s.pending.call != nil {
		s.awaiting = true
		return s.pending.call, nil, nil
	}
	return nil, s.pending.outcome, nil
}

// Respond implements Session.
func (s *httpSession) Respond(ctx context.Context, result ToolResult) error {
	if !s.awaiting {
		return fmt.Errorf("llmtool: Respond called with no pending call")
	}
	s.awaiting = false

	wr := wireResult{CallID: result.CallID, Value: result.Value}
	if result.Err != nil {
		wr.Error = result.Err.Error()
	}

	var step wireStep
	path := fmt.Sprintf("/sessions/%s/respond", s.sessionID)
	if err := s.client.post(ctx, path, wr, &step); err != nil {
		return fmt.Errorf("respond to llm-tool session %s: %w", s.sessionID, err)
	}
	s.pending = toCallOrOutcome(step)
	return nil
}

func (c *HTTPCollaborator) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request body: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response %s: %w", path, err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("llm-tool server %s returned status %d: %s", path, resp.StatusCode, string(data))
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response %s: %w", path, err)
	}
	return nil
}
