package domain

import "errors"

// Sentinel error kinds (spec §7). Callers use errors.Is against these;
// concrete errors are wrapped with fmt.Errorf("...: %w", ErrXxx) so
// context survives while the kind stays matchable.
var (
	// ErrNotFound marks a missing bar, agent, run, or step.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable marks the primary store being down; reads fall
	// back to the journal, writes attempt the journal best-effort.
	ErrUnavailable = errors.New("store unavailable")

	// ErrRateLimited marks vendor throttling; retried with backoff and
	// surfaced only once attempts are exhausted.
	ErrRateLimited = errors.New("rate limited")

	// ErrValidation marks a malformed or rejected trade action. Not
	// fatal to the session; returned to the LLM tool layer.
	ErrValidation = errors.New("validation failed")

	// ErrCancelled marks an orderly run cancellation.
	ErrCancelled = errors.New("cancelled")

	// ErrFatal marks an unrecoverable condition (corrupted ledger
	// invariant, dual-write failure on both paths). Aborts the current
	// orchestrator run without crashing the process.
	ErrFatal = errors.New("fatal")

	// ErrPartialWrite marks a dual-write that succeeded on exactly one of
	// the relational store / journal. Logged, reported to the caller,
	// never retried (spec §3.2 invariant 6).
	ErrPartialWrite = errors.New("partial dual-write")
)
