package copier

import (
	"sort"
	"sync"
	"time"

	"github.com/withObsrvr/obsrvr-asset-sync/internal/exitcode"
)

// Failure attributes a failed unit to its error and the destination keys
// that were not produced.
type Failure struct {
	UnitID string   `json:"unit_id"`
	Error  string   `json:"error"`
	Keys   []string `json:"keys,omitempty"`
}

// PlannedUnit describes what a dry run would execute.
type PlannedUnit struct {
	UnitID string   `json:"unit_id"`
	Keys   []string `json:"keys"`
	Reopen bool     `json:"reopen,omitempty"`
	Retry  bool     `json:"retry,omitempty"`
}

// Summary is the end-of-run report printed to stdout.
type Summary struct {
	RunID      string    `json:"run_id"`
	Mode       string    `json:"mode"`
	DryRun     bool      `json:"dry_run"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Planned   int       `json:"planned"`
	Completed int       `json:"completed"`
	Skipped   int       `json:"skipped"`
	Failed    int       `json:"failed"`
	Failures  []Failure `json:"failures"`

	// Eligible counts executable units before sampling.
	Eligible     int           `json:"eligible"`
	WouldExecute []PlannedUnit `json:"would_execute,omitempty"`
	// Interrupted is set when cancellation stopped dispatch early.
	Interrupted bool `json:"interrupted,omitempty"`
}

// ExitCode maps the summary to the process exit code.
func (s *Summary) ExitCode() int {
	if s.Failed > 0 {
		return exitcode.UnitFailures
	}
	return exitcode.Success
}

// tally accumulates unit outcomes from concurrent workers.
type tally struct {
	mu        sync.Mutex
	completed int
	skipped   int
	failures  []Failure
}

func (t *tally) complete() {
	t.mu.Lock()
	t.completed++
	t.mu.Unlock()
}

func (t *tally) skip() {
	t.mu.Lock()
	t.skipped++
	t.mu.Unlock()
}

func (t *tally) fail(unitID string, err error, keys []string) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	t.mu.Lock()
	t.failures = append(t.failures, Failure{UnitID: unitID, Error: msg, Keys: keys})
	t.mu.Unlock()
}

// fill copies the tally into s, with failures ordered by unit id.
func (t *tally) fill(s *Summary) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s.Completed += t.completed
	s.Skipped += t.skipped
	s.Failures = append(s.Failures, t.failures...)
	sort.SliceStable(s.Failures, func(i, j int) bool { return s.Failures[i].UnitID < s.Failures[j].UnitID })
	s.Failed = len(s.Failures)
}
