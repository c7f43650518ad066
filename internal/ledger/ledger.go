// Package ledger implements the position ledger (C2): an append-only,
// step-indexed log keyed by (agent, timestamp), dual-written to a
// relational store and a per-agent journal file.
package ledger

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/astock-sentinel/internal/database"
	"github.com/aristath/astock-sentinel/internal/domain"
)

// Ledger is the C2 façade: transactional step allocation on the primary,
// best-effort journal fallback, reads that prefer the primary and fall
// back to the journal transparently.
type Ledger struct {
	db      *sql.DB
	journal *Journal
	log     zerolog.Logger
}

// New builds a Ledger backed by db, with per-agent journal files rooted
// at journalDir.
func New(db *sql.DB, journalDir string, log zerolog.Logger) (*Ledger, error) {
	j, err := NewJournal(journalDir)
	if err != nil {
		return nil, fmt.Errorf("open ledger journal: %w", err)
	}
	return &Ledger{db: db, journal: j, log: log.With().Str("component", "ledger").Logger()}, nil
}

// Snapshot is a resolved position at a point in the ledger: the resulting
// cash/holdings after a step, plus which step it came from.
type Snapshot struct {
	StepID   int64
	Cash     float64
	Holdings domain.Holdings
}

// emptySnapshot is the canonical "nothing committed yet" answer: step_id
// -1, zero cash, empty holdings (spec §4.4 latest_at_or_before contract).
func emptySnapshot() Snapshot {
	return Snapshot{StepID: -1, Cash: 0, Holdings: domain.Holdings{}}
}

// Commit writes one position step for (agent, timestamp): allocates
// step_id = max(step_id)+1 transactionally on the primary, writes the step
// and its non-zero holdings, then appends one line to the agent's journal.
//
// If the primary write fails, the journal write is still attempted (it is
// the durable fallback). If both fail, the error wraps domain.ErrFatal. If
// only one side succeeds, the error wraps domain.ErrPartialWrite and the
// step is NOT retried — the caller decides whether that's acceptable.
func (l *Ledger) Commit(agent string, ts domain.Timestamp, action domain.Action, cash float64, holdings domain.Holdings) (int64, error) {
	if err := action.Validate(); err != nil {
		return -1, err
	}

	stepID, dbErr := l.commitPrimary(agent, ts, action, cash, holdings)

	journalErr := l.journal.Append(agent, JournalLine{
		Timestamp: ts.String(),
		StepID:    stepID,
		Action:    action,
		Cash:      cash,
		Holdings:  holdings,
	})

	switch {
	case dbErr == nil && journalErr == nil:
		return stepID, nil
	case dbErr != nil && journalErr != nil:
		l.log.Error().Err(dbErr).Err(journalErr).Str("agent", agent).Msg("dual-write failed on both paths")
		return -1, fmt.Errorf("commit step for %s at %s: primary=%v journal=%v: %w", agent, ts, dbErr, journalErr, domain.ErrFatal)
	case dbErr != nil:
		l.log.Warn().Err(dbErr).Str("agent", agent).Msg("primary write failed, journal succeeded")
		return stepID, fmt.Errorf("primary write failed for %s at %s: %w: %w", agent, ts, dbErr, domain.ErrPartialWrite)
	default:
		l.log.Warn().Err(journalErr).Str("agent", agent).Msg("journal write failed, primary succeeded")
		return stepID, fmt.Errorf("journal write failed for %s at %s: %w: %w", agent, ts, journalErr, domain.ErrPartialWrite)
	}
}

// commitPrimary allocates step_id and writes the step + holdings rows in a
// single transaction via database.WithTransaction. On error, stepID still
// reflects what would have been allocated (best-effort) so the journal
// line can still carry a sensible step_id even if the primary transaction
// rolled back.
func (l *Ledger) commitPrimary(agent string, ts domain.Timestamp, action domain.Action, cash float64, holdings domain.Holdings) (int64, error) {
	stepID := int64(-1)
	err := database.WithTransaction(l.db, func(tx *sql.Tx) error {
		var maxStep sql.NullInt64
		if err := tx.QueryRow(`SELECT MAX(step_id) FROM position_steps WHERE agent = ?`, agent).Scan(&maxStep); err != nil {
			return fmt.Errorf("read max step_id: %w", err)
		}
		stepID = 0
		if maxStep.Valid {
			stepID = maxStep.Int64 + 1
		}

		var actionSymbol sql.NullString
		var actionAmount sql.NullInt64
		if action.Verb != domain.ActionNoTrade {
			actionSymbol = sql.NullString{String: string(action.Symbol), Valid: true}
			actionAmount = sql.NullInt64{Int64: action.Amount, Valid: true}
		}

		res, err := tx.Exec(
			`INSERT INTO position_steps (agent, timestamp, step_id, action, action_symbol, action_amount, cash) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			agent, ts.String(), stepID, string(action.Verb), actionSymbol, actionAmount, cash,
		)
		if err != nil {
			return fmt.Errorf("insert position step: %w", err)
		}
		stepRowID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("read inserted step id: %w", err)
		}

		for symbol, qty := range holdings {
			if qty <= 0 {
				continue // zero/negative holdings are never stored (invariant 4)
			}
			if _, err := tx.Exec(`INSERT INTO position_holdings (step_id_ref, symbol, quantity) VALUES (?, ?, ?)`, stepRowID, string(symbol), qty); err != nil {
				return fmt.Errorf("insert holding %s: %w", symbol, err)
			}
		}
		return nil
	})
	if err != nil {
		return stepID, fmt.Errorf("commit step tx: %w", err)
	}
	return stepID, nil
}

// LatestAtOrBefore returns the step with the max (timestamp, step_id) for
// agent at or before t, or emptySnapshot() if none exists.
func (l *Ledger) LatestAtOrBefore(agent string, t domain.Timestamp) (Snapshot, error) {
	snap, err := l.latestAtOrBeforePrimary(agent, t)
	if err == nil {
		return snap, nil
	}
	l.log.Warn().Err(err).Str("agent", agent).Msg("primary read failed, falling back to journal")
	return l.journal.LatestAtOrBefore(agent, t)
}

func (l *Ledger) latestAtOrBeforePrimary(agent string, t domain.Timestamp) (Snapshot, error) {
	var id int64
	var stepID int64
	var cash float64
	err := l.db.QueryRow(
		`SELECT id, step_id, cash FROM position_steps
		 WHERE agent = ? AND timestamp <= ?
		 ORDER BY timestamp DESC, step_id DESC LIMIT 1`,
		agent, t.String(),
	).Scan(&id, &stepID, &cash)
	if err == sql.ErrNoRows {
		return emptySnapshot(), nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("latest_at_or_before query: %w", err)
	}

	holdings, err := l.holdingsForStep(id)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{StepID: stepID, Cash: cash, Holdings: holdings}, nil
}

func (l *Ledger) holdingsForStep(stepRowID int64) (domain.Holdings, error) {
	rows, err := l.db.Query(`SELECT symbol, quantity FROM position_holdings WHERE step_id_ref = ?`, stepRowID)
	if err != nil {
		return nil, fmt.Errorf("read holdings for step %d: %w", stepRowID, err)
	}
	defer rows.Close()

	holdings := make(domain.Holdings)
	for rows.Next() {
		var symbol string
		var qty int64
		if err := rows.Scan(&symbol, &qty); err != nil {
			return nil, fmt.Errorf("scan holding: %w", err)
		}
		holdings[domain.Symbol(symbol)] = qty
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate holdings: %w", err)
	}
	return holdings, nil
}

// OpeningPosition returns the latest record strictly before today, or an
// empty snapshot if none exists — the state the driver sees at the start
// of the day (spec §4.4).
func (l *Ledger) OpeningPosition(agent string, today domain.Timestamp) (Snapshot, error) {
	prevTable, err := l.latestBeforePrimary(agent, today)
	if err == nil {
		return prevTable, nil
	}
	l.log.Warn().Err(err).Str("agent", agent).Msg("primary read failed, falling back to journal")
	return l.journal.OpeningPosition(agent, today)
}

func (l *Ledger) latestBeforePrimary(agent string, today domain.Timestamp) (Snapshot, error) {
	var id int64
	var stepID int64
	var cash float64
	err := l.db.QueryRow(
		`SELECT id, step_id, cash FROM position_steps
		 WHERE agent = ? AND timestamp < ?
		 ORDER BY timestamp DESC, step_id DESC LIMIT 1`,
		agent, today.String(),
	).Scan(&id, &stepID, &cash)
	if err == sql.ErrNoRows {
		return emptySnapshot(), nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("opening_position query: %w", err)
	}
	holdings, err := l.holdingsForStep(id)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{StepID: stepID, Cash: cash, Holdings: holdings}, nil
}

// farFuture is later than any timestamp this module will ever see; used to
// resolve "latest holdings regardless of date" via the existing
// at-or-before query rather than a second code path.
var farFuture = domain.NewDate(9999, 12, 31)

// AllHeldSymbols returns the union of symbols currently held across every
// agent with at least one committed step — the "symbols_currently_held_by
// any agent" term in the ingestor's held-symbol union (spec §4.2).
func (l *Ledger) AllHeldSymbols() ([]domain.Symbol, error) {
	rows, err := l.db.Query(`SELECT DISTINCT agent FROM position_steps`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	var agents []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	rows.Close()

	seen := make(map[domain.Symbol]struct{})
	for _, a := range agents {
		snap, err := l.LatestAtOrBefore(a, farFuture)
		if err != nil {
			return nil, fmt.Errorf("latest holdings for %s: %w", a, err)
		}
		for sym, qty := range snap.Holdings {
			if qty > 0 {
				seen[sym] = struct{}{}
			}
		}
	}
	out := make([]domain.Symbol, 0, len(seen))
	for sym := range seen {
		out = append(out, sym)
	}
	return out, nil
}

// LatestStepTimestamp returns the timestamp of the agent's most recent
// committed step (the "ledger tip" the orchestrator resumes from, spec
// §4.6), and false if the agent has no steps yet.
func (l *Ledger) LatestStepTimestamp(agent string, freq domain.Frequency) (domain.Timestamp, bool, error) {
	ts, ok, err := l.latestStepTimestampPrimary(agent, freq)
	if err == nil {
		return ts, ok, nil
	}
	l.log.Warn().Err(err).Str("agent", agent).Msg("primary read failed, falling back to journal")
	return l.journal.LatestStepTimestamp(agent, freq)
}

func (l *Ledger) latestStepTimestampPrimary(agent string, freq domain.Frequency) (domain.Timestamp, bool, error) {
	var raw string
	err := l.db.QueryRow(
		`SELECT timestamp FROM position_steps WHERE agent = ? ORDER BY timestamp DESC, step_id DESC LIMIT 1`,
		agent,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return domain.Timestamp{}, false, nil
	}
	if err != nil {
		return domain.Timestamp{}, false, fmt.Errorf("latest_step_timestamp query: %w", err)
	}
	ts, err := domain.ParseTimestamp(raw, freq)
	if err != nil {
		return domain.Timestamp{}, false, fmt.Errorf("parse latest step timestamp %q: %w", raw, err)
	}
	return ts, true, nil
}

// NoTrade commits a no_trade step carrying forward whatever
// LatestAtOrBefore(agent, t) returned — the sentinel step ensuring every
// trading timestamp has one (spec §4.4, §4.5 step 5).
func (l *Ledger) NoTrade(agent string, t domain.Timestamp) (int64, error) {
	snap, err := l.LatestAtOrBefore(agent, t)
	if err != nil {
		return -1, err
	}
	cash := snap.Cash
	holdings := snap.Holdings
	if holdings == nil {
		holdings = domain.Holdings{}
	}
	return l.Commit(agent, t, domain.NoTrade(), cash, holdings)
}
