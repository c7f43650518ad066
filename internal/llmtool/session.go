// Package llmtool defines the external LLM-tool collaborator interface the
// agent step-loop driver (C5) talks to, a deterministic in-memory stub used
// by tests, and HTTPCollaborator, a JSON-over-HTTP client for an external
// LLM-tool server.
package llmtool

import (
	"context"
	"time"

	"github.com/aristath/astock-sentinel/internal/domain"
)

// ToolVerb is the set of verbs the LLM-tool collaborator may invoke.
// get_price/get_news are read-only; buy/sell/no_trade affect the ledger.
type ToolVerb string

const (
	ToolGetPrice ToolVerb = "get_price"
	ToolGetNews  ToolVerb = "get_news"
	ToolBuy      ToolVerb = "buy"
	ToolSell     ToolVerb = "sell"
	ToolNoTrade  ToolVerb = "no_trade"
)

// IsTradeVerb reports whether v is one of the verbs that mutate the ledger.
func (v ToolVerb) IsTradeVerb() bool {
	return v == ToolBuy || v == ToolSell || v == ToolNoTrade
}

// ToolCall is one structured invocation surfaced by the collaborator.
type ToolCall struct {
	ID     string
	Verb   ToolVerb
	Symbol domain.Symbol // get_price, buy, sell
	Amount int64         // buy, sell
	Topics []string      // get_news
}

// ToolResult is the driver's response to a ToolCall, delivered back to the
// collaborator via Session.Respond.
type ToolResult struct {
	CallID string
	Value  any
	Err    error // non-nil for a rejected trade verb (spec §4.5 trade semantics)
}

// OutcomeStatus is how an LLM-tool session ended.
type OutcomeStatus string

const (
	OutcomeCompleted OutcomeStatus = "completed" // LLM signaled completion
	OutcomeMaxSteps  OutcomeStatus = "max_steps" // step budget exhausted
	OutcomeError     OutcomeStatus = "error"     // persistent failure after retries
)

// Outcome is the terminal result of a session.
type Outcome struct {
	Status OutcomeStatus
	Err    error
}

// Context is the prompt context the driver builds per spec §4.5 step 2.
type Context struct {
	Agent              string
	Timestamp          domain.Timestamp
	Cash               float64
	Holdings           domain.Holdings
	TradableSymbols    []domain.Symbol
	OpenPrices         map[domain.Symbol]*float64
	PriorSessionPnL    map[domain.Symbol]float64 // prior close minus open, for currently held symbols
	ConversationWindow []domain.Message
	MaxSteps           int
	BaseDelay          time.Duration
}

// Session is one (agent, timestamp) trading conversation in progress. The
// driver alternates Next (consume a tool call or terminal outcome) and
// Respond (deliver the result of a read-only or trade-verb call).
type Session interface {
	// Next blocks until the collaborator produces its next tool call, or
	// returns a terminal Outcome when the session ends (LLM completion,
	// max_steps reached, or fatal error).
	Next(ctx context.Context) (*ToolCall, *Outcome, error)

	// Respond delivers the driver's result for the most recently returned
	// ToolCall before the next call to Next.
	Respond(ctx context.Context, result ToolResult) error
}

// Collaborator starts new Sessions. HTTPCollaborator speaks to an external
// LLM-tool server; StubServer serves scripted sessions for tests.
type Collaborator interface {
	StartSession(ctx context.Context, llmCtx Context) (Session, error)
}
