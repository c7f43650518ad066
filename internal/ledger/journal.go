package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/aristath/astock-sentinel/internal/domain"
)

// cashKey is the reserved holdings key the position journal uses to carry
// cash alongside symbol quantities (spec §6.1).
const cashKey = "CASH"

// JournalLine is one position journal record: the full resulting position
// snapshot for one committed step.
type JournalLine struct {
	Timestamp string
	StepID    int64
	Action    domain.Action
	Cash      float64
	Holdings  domain.Holdings
}

type wireAction struct {
	Verb   domain.ActionVerb `json:"verb"`
	Symbol string            `json:"symbol,omitempty"`
	Amount int64             `json:"amount,omitempty"`
}

type wireLine struct {
	Timestamp string             `json:"timestamp"`
	StepID    int64              `json:"step_id"`
	Action    wireAction         `json:"action"`
	Holdings  map[string]float64 `json:"holdings"`
}

// MarshalJSON renders the line in the compatible wire shape: holdings
// carries cash under the reserved "CASH" key alongside symbol quantities.
func (l JournalLine) MarshalJSON() ([]byte, error) {
	w := wireLine{
		Timestamp: l.Timestamp,
		StepID:    l.StepID,
		Action: wireAction{
			Verb:   l.Action.Verb,
			Symbol: string(l.Action.Symbol),
			Amount: l.Action.Amount,
		},
		Holdings: make(map[string]float64, len(l.Holdings)+1),
	}
	for symbol, qty := range l.Holdings {
		w.Holdings[string(symbol)] = float64(qty)
	}
	w.Holdings[cashKey] = l.Cash
	return json.Marshal(w)
}

// UnmarshalJSON parses the wire shape back into a JournalLine, splitting
// the reserved CASH key out of the holdings map.
func (l *JournalLine) UnmarshalJSON(data []byte) error {
	var w wireLine
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	l.Timestamp = w.Timestamp
	l.StepID = w.StepID
	l.Action = domain.Action{Verb: w.Action.Verb, Symbol: domain.Symbol(w.Action.Symbol), Amount: w.Action.Amount}
	l.Holdings = make(domain.Holdings, len(w.Holdings))
	for symbol, qty := range w.Holdings {
		if symbol == cashKey {
			l.Cash = qty
			continue
		}
		l.Holdings[domain.Symbol(symbol)] = int64(qty)
	}
	return nil
}

// Journal is the per-agent append-only journal: one file per agent,
// guarded by a per-agent mutex (spec §5 "shared resources").
type Journal struct {
	dir string

	mu         sync.Mutex // guards the agentLocks map itself
	agentLocks map[string]*sync.Mutex
}

// NewJournal opens the journal directory (creating it if absent).
func NewJournal(dir string) (*Journal, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger journal directory: %w", err)
	}
	return &Journal{dir: dir, agentLocks: make(map[string]*sync.Mutex)}, nil
}

func (j *Journal) lockFor(agent string) *sync.Mutex {
	j.mu.Lock()
	defer j.mu.Unlock()
	l, ok := j.agentLocks[agent]
	if !ok {
		l = &sync.Mutex{}
		j.agentLocks[agent] = l
	}
	return l
}

func (j *Journal) pathFor(agent string) string {
	return filepath.Join(j.dir, agent+".journal")
}

// Append writes one line to the agent's journal file in append mode.
func (j *Journal) Append(agent string, line JournalLine) error {
	lock := j.lockFor(agent)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.OpenFile(j.pathFor(agent), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open journal for %s: %w", agent, err)
	}
	defer f.Close()

	encoded, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("marshal journal line for %s: %w", agent, err)
	}
	if _, err := f.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("write journal line for %s: %w", agent, err)
	}
	return nil
}

// readAll parses every line in the agent's journal file, in file order. A
// missing file is treated as an empty history.
func (j *Journal) readAll(agent string) ([]JournalLine, error) {
	lock := j.lockFor(agent)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.Open(j.pathFor(agent))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open journal for %s: %w", agent, err)
	}
	defer f.Close()

	var lines []JournalLine
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var line JournalLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return nil, fmt.Errorf("parse journal line for %s: %w", agent, err)
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan journal for %s: %w", agent, err)
	}
	return lines, nil
}

// LatestAtOrBefore is the journal-backed reimplementation of
// Ledger.LatestAtOrBefore.
func (j *Journal) LatestAtOrBefore(agent string, t domain.Timestamp) (Snapshot, error) {
	lines, err := j.readAll(agent)
	if err != nil {
		return Snapshot{}, err
	}
	return latestMatching(lines, func(l JournalLine) bool { return l.Timestamp <= t.String() })
}

// OpeningPosition is the journal-backed reimplementation of
// Ledger.OpeningPosition.
func (j *Journal) OpeningPosition(agent string, today domain.Timestamp) (Snapshot, error) {
	lines, err := j.readAll(agent)
	if err != nil {
		return Snapshot{}, err
	}
	return latestMatching(lines, func(l JournalLine) bool { return l.Timestamp < today.String() })
}

// LatestStepTimestamp is the journal-backed reimplementation of
// Ledger.LatestStepTimestamp. Journal timestamps are fixed-width wire
// strings, so lexicographic and chronological order coincide.
func (j *Journal) LatestStepTimestamp(agent string, freq domain.Frequency) (domain.Timestamp, bool, error) {
	lines, err := j.readAll(agent)
	if err != nil {
		return domain.Timestamp{}, false, err
	}
	if len(lines) == 0 {
		return domain.Timestamp{}, false, nil
	}
	latest := lines[0]
	for _, l := range lines[1:] {
		if l.Timestamp > latest.Timestamp || (l.Timestamp == latest.Timestamp && l.StepID > latest.StepID) {
			latest = l
		}
	}
	ts, err := domain.ParseTimestamp(latest.Timestamp, freq)
	if err != nil {
		return domain.Timestamp{}, false, fmt.Errorf("parse latest journal step timestamp %q: %w", latest.Timestamp, err)
	}
	return ts, true, nil
}

// latestMatching scans lines (in file/insertion order, which matches
// step_id order per invariant 1) for the last one satisfying pred.
func latestMatching(lines []JournalLine, pred func(JournalLine) bool) (Snapshot, error) {
	best := emptySnapshot()
	found := false
	for _, l := range lines {
		if !pred(l) {
			continue
		}
		if !found || l.StepID > best.StepID {
			best = Snapshot{StepID: l.StepID, Cash: l.Cash, Holdings: l.Holdings.Clone()}
			found = true
		}
	}
	return best, nil
}
