// Package ledger records the completion state of work units so reruns are
// idempotent and resumable.
//
// All mutation goes through Ledger's transition methods, which read the
// current entry and write the next one with a compare-and-swap on the entry
// version. Backends only need to provide that CAS and an append-only history.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/withObsrvr/obsrvr-asset-sync/internal/metrics"
)

// Status is the state of a work unit.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusDone, StatusFailed:
		return true
	}
	return false
}

// Entry is the latest recorded state of one work unit.
type Entry struct {
	UnitID           string    `json:"unit_id"`
	Status           Status    `json:"status"`
	CompletedOutputs []string  `json:"completed_outputs,omitempty"`
	LastAttempt      time.Time `json:"last_attempt"`
	Error            string    `json:"error,omitempty"`
	Holder           string    `json:"holder,omitempty"`
	Attempts         int       `json:"attempts"`
	Version          uint64    `json:"version"`
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	c := *e
	c.CompletedOutputs = append([]string(nil), e.CompletedOutputs...)
	return &c
}

// HasOutputs reports whether every key is recorded as completed.
func (e *Entry) HasOutputs(keys []string) bool {
	set := make(map[string]struct{}, len(e.CompletedOutputs))
	for _, k := range e.CompletedOutputs {
		set[k] = struct{}{}
	}
	for _, k := range keys {
		if _, ok := set[k]; !ok {
			return false
		}
	}
	return true
}

// Transition names the operation that produced a history record.
type Transition string

const (
	TransitionBegin    Transition = "begin"
	TransitionComplete Transition = "complete"
	TransitionFail     Transition = "fail"
	TransitionRetry    Transition = "retry"
	TransitionReopen   Transition = "reopen"
	TransitionRelease  Transition = "release"
)

// Record is one append-only history entry.
type Record struct {
	Seq        uint64     `json:"seq"`
	RecordedAt time.Time  `json:"recorded_at"`
	Transition Transition `json:"transition"`
	Entry      Entry      `json:"entry"`
}

var (
	// ErrNotFound is returned by stores for units with no entry.
	ErrNotFound = errors.New("ledger entry not found")

	// ErrVersionConflict is returned by stores when a CAS loses a race.
	ErrVersionConflict = errors.New("ledger version conflict")

	// ErrAlreadyInProgress is returned by Begin when another holder has a
	// live claim on the unit.
	ErrAlreadyInProgress = errors.New("unit already in progress")

	// ErrInvalidTransition is returned when a transition is not allowed
	// from the entry's current status.
	ErrInvalidTransition = errors.New("invalid ledger transition")
)

// ConflictError reports which holder owns a unit.
type ConflictError struct {
	UnitID string
	Holder string
	Since  time.Time
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("unit %s held by %s since %s", e.UnitID, e.Holder, e.Since.Format(time.RFC3339))
}

func (e *ConflictError) Unwrap() error { return ErrAlreadyInProgress }

// Store is a durable keyed backend for ledger entries.
type Store interface {
	// Get returns the entry for unitID or ErrNotFound.
	Get(ctx context.Context, unitID string) (*Entry, error)

	// Apply writes rec.Entry if the stored version equals prevVersion
	// (0 meaning absent), and appends rec to the history. The stored
	// version becomes prevVersion+1. Returns ErrVersionConflict otherwise.
	// Apply returns only once the write is durable.
	Apply(ctx context.Context, prevVersion uint64, rec Record) error

	// List returns the latest entry of every unit, sorted by unit id.
	List(ctx context.Context) ([]*Entry, error)

	// History calls fn for every history record in append order.
	History(ctx context.Context, fn func(Record) error) error

	Close() error
}

// Options configures a Ledger.
type Options struct {
	// Holder identifies this run in InProgress claims.
	Holder string
	// StaleAfter is the age after which another holder's InProgress
	// claim is treated as abandoned. Zero disables takeover.
	StaleAfter time.Duration
}

// Ledger exposes the unit state machine over a Store. It is safe for
// concurrent use; concurrency control is delegated to the store's CAS.
type Ledger struct {
	store      Store
	holder     string
	staleAfter time.Duration
	now        func() time.Time
	log        *slog.Logger
}

// New creates a Ledger over store.
func New(store Store, opts Options) *Ledger {
	return &Ledger{
		store:      store,
		holder:     opts.Holder,
		staleAfter: opts.StaleAfter,
		now:        func() time.Time { return time.Now().UTC() },
		log:        slog.With("component", "ledger", "holder", opts.Holder),
	}
}

// Holder returns the identity used for claims.
func (l *Ledger) Holder() string { return l.holder }

// Store returns the underlying backend.
func (l *Ledger) Store() Store { return l.store }

// Close closes the backend.
func (l *Ledger) Close() error { return l.store.Close() }

// Lookup returns the entry for unitID, or nil if the unit was never recorded.
func (l *Ledger) Lookup(ctx context.Context, unitID string) (*Entry, error) {
	e, err := l.store.Get(ctx, unitID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", unitID, err)
	}
	return e, nil
}

// IsStale reports whether an InProgress entry is old enough to be taken over.
func (l *Ledger) IsStale(e *Entry) bool {
	if e == nil || e.Status != StatusInProgress || l.staleAfter <= 0 {
		return false
	}
	return l.now().Sub(e.LastAttempt) >= l.staleAfter
}

// Begin claims unitID for this holder. It is allowed from absent and Pending,
// and from InProgress when the claim is our own or stale. Another live claim
// yields a ConflictError wrapping ErrAlreadyInProgress.
func (l *Ledger) Begin(ctx context.Context, unitID string) (*Entry, error) {
	var out *Entry
	err := l.transition(ctx, unitID, TransitionBegin, func(cur *Entry) (*Entry, error) {
		next := &Entry{UnitID: unitID}
		if cur != nil {
			next = cur.Clone()
			switch cur.Status {
			case StatusPending:
			case StatusInProgress:
				if cur.Holder != l.holder && !l.IsStale(cur) {
					return nil, &ConflictError{UnitID: unitID, Holder: cur.Holder, Since: cur.LastAttempt}
				}
				if cur.Holder != l.holder {
					l.log.Warn("taking over stale claim", "unit_id", unitID, "previous_holder", cur.Holder, "since", cur.LastAttempt)
				}
			default:
				return nil, fmt.Errorf("%w: begin from %s", ErrInvalidTransition, cur.Status)
			}
		}
		next.Status = StatusInProgress
		next.Holder = l.holder
		next.LastAttempt = l.now()
		next.Attempts++
		next.Error = ""
		out = next
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Complete records unitID as Done with the given verified outputs. Outputs
// are merged with any previously completed ones, so calling it twice is
// harmless. A unit held by another live run cannot be completed.
func (l *Ledger) Complete(ctx context.Context, unitID string, outputs []string) error {
	return l.transition(ctx, unitID, TransitionComplete, func(cur *Entry) (*Entry, error) {
		next := &Entry{UnitID: unitID}
		if cur != nil {
			switch cur.Status {
			case StatusDone:
				if cur.HasOutputs(outputs) {
					return nil, nil // nothing new to record
				}
			case StatusPending:
			case StatusInProgress:
				if cur.Holder != l.holder && !l.IsStale(cur) {
					return nil, &ConflictError{UnitID: unitID, Holder: cur.Holder, Since: cur.LastAttempt}
				}
			default:
				return nil, fmt.Errorf("%w: complete from %s", ErrInvalidTransition, cur.Status)
			}
			next = cur.Clone()
		}
		next.Status = StatusDone
		next.CompletedOutputs = union(next.CompletedOutputs, outputs)
		next.Holder = ""
		next.Error = ""
		next.LastAttempt = l.now()
		return next, nil
	})
}

// Fail records a failure for a unit this holder has in progress and releases
// the claim. Outputs that did succeed are kept so a retry only produces the
// missing ones.
func (l *Ledger) Fail(ctx context.Context, unitID string, cause error, partialOutputs []string) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return l.transition(ctx, unitID, TransitionFail, func(cur *Entry) (*Entry, error) {
		if cur == nil || cur.Status != StatusInProgress {
			status := Status("absent")
			if cur != nil {
				status = cur.Status
			}
			return nil, fmt.Errorf("%w: fail from %s", ErrInvalidTransition, status)
		}
		if cur.Holder != l.holder {
			return nil, &ConflictError{UnitID: unitID, Holder: cur.Holder, Since: cur.LastAttempt}
		}
		next := cur.Clone()
		next.Status = StatusFailed
		next.CompletedOutputs = union(next.CompletedOutputs, partialOutputs)
		next.Error = msg
		next.Holder = ""
		next.LastAttempt = l.now()
		return next, nil
	})
}

// Retry moves a Failed unit back to Pending. It is the only backward
// transition an operator can request.
func (l *Ledger) Retry(ctx context.Context, unitID string) error {
	return l.transition(ctx, unitID, TransitionRetry, func(cur *Entry) (*Entry, error) {
		if cur == nil {
			return nil, fmt.Errorf("retry %s: %w", unitID, ErrNotFound)
		}
		if cur.Status == StatusPending {
			return nil, nil
		}
		if cur.Status != StatusFailed {
			return nil, fmt.Errorf("%w: retry from %s", ErrInvalidTransition, cur.Status)
		}
		next := cur.Clone()
		next.Status = StatusPending
		return next, nil
	})
}

// Reopen moves a Done unit back to Pending after live verification found
// outputs missing. Outputs that are gone are dropped from the record.
func (l *Ledger) Reopen(ctx context.Context, unitID string, missing []string) error {
	return l.transition(ctx, unitID, TransitionReopen, func(cur *Entry) (*Entry, error) {
		if cur == nil {
			return nil, fmt.Errorf("reopen %s: %w", unitID, ErrNotFound)
		}
		if cur.Status != StatusDone {
			return nil, fmt.Errorf("%w: reopen from %s", ErrInvalidTransition, cur.Status)
		}
		next := cur.Clone()
		next.Status = StatusPending
		next.CompletedOutputs = difference(next.CompletedOutputs, missing)
		next.Error = fmt.Sprintf("verification failed: %d output(s) missing", len(missing))
		return next, nil
	})
}

// Release hands back a claim on a unit whose work never started, for
// example when the run was cancelled between Begin and execution.
func (l *Ledger) Release(ctx context.Context, unitID string) error {
	return l.transition(ctx, unitID, TransitionRelease, func(cur *Entry) (*Entry, error) {
		if cur == nil || cur.Status != StatusInProgress || cur.Holder != l.holder {
			return nil, nil
		}
		next := cur.Clone()
		next.Status = StatusPending
		next.Holder = ""
		return next, nil
	})
}

// List returns the latest entry of every unit.
func (l *Ledger) List(ctx context.Context) ([]*Entry, error) {
	return l.store.List(ctx)
}

// History calls fn for every recorded transition in order.
func (l *Ledger) History(ctx context.Context, fn func(Record) error) error {
	return l.store.History(ctx, fn)
}

// maxCASAttempts bounds how often a transition is re-evaluated after losing
// a race with another writer.
const maxCASAttempts = 8

// transition reads the current entry, asks next for the new state and
// writes it with a CAS. A nil entry from next means no write is needed.
func (l *Ledger) transition(ctx context.Context, unitID string, t Transition, next func(cur *Entry) (*Entry, error)) error {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		cur, err := l.store.Get(ctx, unitID)
		if errors.Is(err, ErrNotFound) {
			cur, err = nil, nil
		}
		if err != nil {
			return l.failed(t, fmt.Errorf("%s %s: %w", t, unitID, err))
		}

		upd, err := next(cur)
		if err != nil {
			return l.failed(t, err)
		}
		if upd == nil {
			return nil
		}

		var prev uint64
		if cur != nil {
			prev = cur.Version
		}
		upd.Version = prev + 1
		rec := Record{RecordedAt: l.now(), Transition: t, Entry: *upd}

		err = l.store.Apply(ctx, prev, rec)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return l.failed(t, fmt.Errorf("%s %s: %w", t, unitID, err))
		}
		return nil
	}
	return l.failed(t, fmt.Errorf("%s %s: %w", t, unitID, ErrVersionConflict))
}

func (l *Ledger) failed(t Transition, err error) error {
	if m := metrics.Get(); m != nil {
		m.IncLedgerErrors(metrics.Labels{Transition: string(t)})
	}
	return err
}

func union(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, k := range a {
		set[k] = struct{}{}
	}
	for _, k := range b {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func difference(a, b []string) []string {
	drop := make(map[string]struct{}, len(b))
	for _, k := range b {
		drop[k] = struct{}{}
	}
	var out []string
	for _, k := range a {
		if _, ok := drop[k]; !ok {
			out = append(out, k)
		}
	}
	return out
}
