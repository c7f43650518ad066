// Package agent implements the agent step-loop driver (C5): per
// (agent, timestamp), it resolves opening state, hands control to the
// LLM-tool collaborator, records the conversation, and commits one ledger
// step per trade verb (a synthetic no_trade step if the session commits
// none).
package agent

import "fmt"

// Kind identifies which concrete driver behavior an agent signature uses.
// A static registry replaces reflective dispatch: every Kind a deployment
// needs is registered by name at startup, not discovered via reflection.
type Kind string

const (
	// KindLLMTrader is the only driver kind this module ships: a
	// step-loop that delegates trading decisions to an llmtool.Collaborator.
	KindLLMTrader Kind = "llm-trader"
)

// Factory builds a Driver for one Kind, given its Config.
type Factory func(Config) (*Driver, error)

var registry = map[Kind]Factory{}

// Register adds a Factory for kind. Intended to be called from package
// init() by each driver implementation this module ships.
func Register(kind Kind, factory Factory) {
	registry[kind] = factory
}

// New builds the Driver registered for kind.
func New(kind Kind, cfg Config) (*Driver, error) {
	factory, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("agent: no driver registered for kind %q", kind)
	}
	return factory(cfg)
}

func init() {
	Register(KindLLMTrader, func(cfg Config) (*Driver, error) {
		return NewDriver(cfg), nil
	})
}
