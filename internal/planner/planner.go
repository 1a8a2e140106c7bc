// Package planner groups source objects into work units and decides which
// units still owe work by checking the ledger and the destination.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"path"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/obsrvr-asset-sync/internal/ledger"
	"github.com/withObsrvr/obsrvr-asset-sync/internal/retry"
	"github.com/withObsrvr/obsrvr-asset-sync/internal/storage"
	"github.com/withObsrvr/obsrvr-asset-sync/internal/transform"
)

// Mode selects the operation a unit performs.
type Mode string

const (
	ModeCopy      Mode = "copy"
	ModeTransform Mode = "transform"
)

// Layout maps source keys to destination keys in copy mode.
type Layout string

const (
	// LayoutMirror keeps the key relative to the source prefix.
	LayoutMirror Layout = "mirror"
	// LayoutFlatten keeps only the base name.
	LayoutFlatten Layout = "flatten"
	// LayoutByDate files objects under dd-mm-yyyy/ of their modification date.
	LayoutByDate Layout = "by-date"
)

// Config controls grouping, target naming and eligibility.
type Config struct {
	Mode   Mode
	Source storage.Location
	Dest   storage.Location

	// Depth is the number of leading key segments, relative to the source
	// prefix, that identify a unit. Zero makes every object its own unit.
	Depth     int
	Layout    Layout
	Artifacts []transform.Artifact

	// Overwrite re-produces outputs that already exist at the destination
	// but are not recorded in the ledger. Outputs the ledger records as
	// completed are never redone while they verify.
	Overwrite   bool
	RetryFailed bool

	// Sample, when positive, limits the run to that many eligible units
	// chosen uniformly at random with Seed.
	Sample int
	Seed   int64

	// Concurrency bounds parallel verification requests.
	Concurrency int
	Retry       retry.Policy
}

// Validate checks the planner configuration.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeCopy:
		switch c.Layout {
		case LayoutMirror, LayoutFlatten, LayoutByDate:
		default:
			return fmt.Errorf("unknown layout %q (want mirror, flatten or by-date)", c.Layout)
		}
	case ModeTransform:
		if len(c.Artifacts) == 0 {
			return fmt.Errorf("transform mode needs at least one artifact")
		}
		seen := make(map[string]bool)
		for _, a := range c.Artifacts {
			if err := a.Validate(); err != nil {
				return err
			}
			if seen[a.FileName()] {
				return fmt.Errorf("duplicate artifact %s", a.FileName())
			}
			seen[a.FileName()] = true
		}
	default:
		return fmt.Errorf("unknown mode %q (want copy or transform)", c.Mode)
	}
	if c.Depth < 0 {
		return fmt.Errorf("depth must be >= 0")
	}
	if c.Sample < 0 {
		return fmt.Errorf("sample must be >= 0")
	}
	return nil
}

// Target is one output of a unit.
type Target struct {
	// Name is the logical output name: the artifact name in transform mode,
	// the source key relative to the source prefix in copy mode.
	Name string
	// Source is the source key the output is produced from.
	Source string
	// Key is the destination key.
	Key string
}

// WorkUnit is a group of source objects processed as one job.
type WorkUnit struct {
	ID      string
	Sources []storage.ObjectDescriptor
	Targets []Target
}

// Keys returns the destination keys of all targets.
func (u WorkUnit) Keys() []string {
	keys := make([]string, len(u.Targets))
	for i, t := range u.Targets {
		keys[i] = t.Key
	}
	return keys
}

// Action is what the run should do with a unit.
type Action int

const (
	ActionExecute Action = iota
	// ActionAdopt records a unit as done without executing it, because all
	// of its outputs already exist and overwrite is off.
	ActionAdopt
	ActionSkip
)

func (a Action) String() string {
	switch a {
	case ActionExecute:
		return "execute"
	case ActionAdopt:
		return "adopt"
	case ActionSkip:
		return "skip"
	}
	return "unknown"
}

// Skip reasons.
const (
	ReasonDone       = "done"
	ReasonInProgress = "in_progress"
	ReasonFailed     = "failed"
	ReasonExists     = "exists"
)

// Decision is the planner's verdict for one unit.
type Decision struct {
	Unit   WorkUnit
	Action Action
	Reason string
	// Missing lists the targets that must be produced.
	Missing []Target
	// Present lists destination keys verified to exist.
	Present []string
	// Reopen is set when a Done entry failed verification and must move
	// back to Pending before execution. Retry is set for Failed entries.
	Reopen bool
	Retry  bool
	Entry  *ledger.Entry
	// Err is set when the unit could not be verified.
	Err error
}

// MissingKeys returns the destination keys of the missing targets.
func (d Decision) MissingKeys() []string {
	keys := make([]string, len(d.Missing))
	for i, t := range d.Missing {
		keys[i] = t.Key
	}
	return keys
}

// Plan is the result of one planning pass.
type Plan struct {
	// Execute holds the units selected for execution, ordered by unit id.
	Execute []Decision
	// Adopt holds units whose outputs already exist.
	Adopt []Decision
	// Skip holds units that need no work this run.
	Skip []Decision
	// Errors holds units that could not be verified.
	Errors []Decision
	// Eligible is the number of executable units before sampling.
	Eligible int
	// Ungrouped counts source keys too shallow to belong to a unit.
	Ungrouped int
	Seed      int64
}

// Planner turns object descriptors into decisions.
type Planner struct {
	cfg    Config
	ledger *ledger.Ledger
	dest   storage.ObjectStore
	log    *slog.Logger
}

// New creates a planner. dest is the store holding the destination bucket.
func New(cfg Config, l *ledger.Ledger, dest storage.ObjectStore) *Planner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	cfg.Source = cfg.Source.Dir()
	cfg.Dest = cfg.Dest.Dir()
	return &Planner{
		cfg:    cfg,
		ledger: l,
		dest:   dest,
		log:    slog.With("component", "planner", "mode", string(cfg.Mode)),
	}
}

// UnitID returns the unit a key belongs to, or false when the key has too
// few segments below the source prefix.
func (p *Planner) UnitID(key string) (string, bool) {
	if !strings.HasPrefix(key, p.cfg.Source.Prefix) {
		return "", false
	}
	rel := strings.TrimPrefix(key, p.cfg.Source.Prefix)
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" {
		return "", false
	}
	if p.cfg.Depth == 0 {
		return rel, true
	}
	parts := strings.Split(rel, "/")
	if len(parts) <= p.cfg.Depth {
		return "", false
	}
	return strings.Join(parts[:p.cfg.Depth], "/"), true
}

// Group builds work units from descriptors. Units and their sources are
// sorted, so the result does not depend on listing order.
func (p *Planner) Group(descs []storage.ObjectDescriptor) ([]WorkUnit, int) {
	byID := make(map[string][]storage.ObjectDescriptor)
	ungrouped := 0
	for _, d := range descs {
		id, ok := p.UnitID(d.Key)
		if !ok {
			ungrouped++
			p.log.Debug("key too shallow for unit grouping", "key", d.Key, "depth", p.cfg.Depth)
			continue
		}
		byID[id] = append(byID[id], d)
	}

	units := make([]WorkUnit, 0, len(byID))
	for id, srcs := range byID {
		sort.Slice(srcs, func(i, j int) bool { return srcs[i].Key < srcs[j].Key })
		units = append(units, WorkUnit{ID: id, Sources: srcs, Targets: p.targets(id, srcs)})
	}
	sort.Slice(units, func(i, j int) bool { return units[i].ID < units[j].ID })
	return units, ungrouped
}

func (p *Planner) targets(unitID string, srcs []storage.ObjectDescriptor) []Target {
	if p.cfg.Mode == ModeTransform {
		primary := srcs[0]
		if len(srcs) > 1 {
			p.log.Debug("unit has several sources, using the first", "unit_id", unitID, "source", primary.Key, "sources", len(srcs))
		}
		out := make([]Target, len(p.cfg.Artifacts))
		for i, a := range p.cfg.Artifacts {
			out[i] = Target{
				Name:   a.Name,
				Source: primary.Key,
				Key:    p.cfg.Dest.Prefix + unitID + "/" + a.FileName(),
			}
		}
		return out
	}

	out := make([]Target, len(srcs))
	for i, s := range srcs {
		rel := strings.TrimPrefix(strings.TrimPrefix(s.Key, p.cfg.Source.Prefix), "/")
		var key string
		switch p.cfg.Layout {
		case LayoutFlatten:
			key = path.Base(s.Key)
		case LayoutByDate:
			key = s.LastModified.UTC().Format("02-01-2006") + "/" + path.Base(s.Key)
		default:
			key = rel
		}
		out[i] = Target{Name: rel, Source: s.Key, Key: p.cfg.Dest.Prefix + key}
	}
	return out
}

// Plan groups descs and decides every unit. Verification runs concurrently;
// a fatal store error aborts planning.
func (p *Planner) Plan(ctx context.Context, descs []storage.ObjectDescriptor) (*Plan, error) {
	units, ungrouped := p.Group(descs)

	decisions := make([]Decision, len(units))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for i := range units {
		g.Go(func() error {
			d, err := p.Decide(gctx, units[i])
			if err != nil {
				return err
			}
			decisions[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	plan := &Plan{Ungrouped: ungrouped, Seed: p.cfg.Seed}
	var eligible []Decision
	for _, d := range decisions {
		switch {
		case d.Err != nil:
			plan.Errors = append(plan.Errors, d)
		case d.Action == ActionExecute:
			eligible = append(eligible, d)
		case d.Action == ActionAdopt:
			plan.Adopt = append(plan.Adopt, d)
		default:
			plan.Skip = append(plan.Skip, d)
		}
	}
	plan.Eligible = len(eligible)
	plan.Execute = Sample(eligible, p.cfg.Sample, p.cfg.Seed)

	p.log.Info("plan complete",
		"units", len(units),
		"eligible", plan.Eligible,
		"selected", len(plan.Execute),
		"adopt", len(plan.Adopt),
		"skip", len(plan.Skip),
		"unverified", len(plan.Errors),
		"ungrouped_keys", ungrouped,
	)
	return plan, nil
}

// Sample picks n decisions uniformly at random without replacement. The
// choice depends only on the input order and seed. n <= 0 or n >= len(ds)
// returns ds unchanged.
func Sample(ds []Decision, n int, seed int64) []Decision {
	if n <= 0 || n >= len(ds) {
		return ds
	}
	perm := rand.New(rand.NewSource(seed)).Perm(len(ds))[:n]
	sort.Ints(perm)
	out := make([]Decision, n)
	for i, idx := range perm {
		out[i] = ds[idx]
	}
	return out
}

// Decide checks the ledger and destination for one unit. Only fatal store
// errors are returned; other verification failures are reported in
// Decision.Err.
func (p *Planner) Decide(ctx context.Context, u WorkUnit) (Decision, error) {
	d := Decision{Unit: u}
	entry, err := p.ledger.Lookup(ctx, u.ID)
	if err != nil {
		return d, err
	}
	d.Entry = entry

	if entry != nil {
		switch entry.Status {
		case ledger.StatusInProgress:
			if !p.ledger.IsStale(entry) {
				d.Action, d.Reason = ActionSkip, ReasonInProgress
				return d, nil
			}
			p.log.Info("stale claim will be retried", "unit_id", u.ID, "holder", entry.Holder, "since", entry.LastAttempt)
		case ledger.StatusFailed:
			if !p.cfg.RetryFailed {
				d.Action, d.Reason = ActionSkip, ReasonFailed
				return d, nil
			}
			d.Retry = true
		}
	}

	var recorded []string
	if entry != nil {
		recorded = entry.CompletedOutputs
	}
	d.Missing, d.Present, err = p.verify(ctx, u, recorded)
	if err != nil {
		if storage.IsFatal(err) || ctx.Err() != nil {
			return d, fmt.Errorf("verify unit %s: %w", u.ID, err)
		}
		d.Err = fmt.Errorf("verify unit %s: %w", u.ID, err)
		return d, nil
	}

	done := entry != nil && entry.Status == ledger.StatusDone
	switch {
	case done && len(d.Missing) == 0:
		d.Action, d.Reason = ActionSkip, ReasonDone
	case done:
		p.log.Warn("done unit failed verification, re-queueing",
			"unit_id", u.ID,
			"missing", d.MissingKeys(),
		)
		d.Action, d.Reopen = ActionExecute, true
	case len(d.Missing) == 0 && !d.Retry:
		d.Action, d.Reason = ActionAdopt, ReasonExists
	default:
		d.Action = ActionExecute
	}
	return d, nil
}

// verify splits the unit's targets into missing and present. Targets the
// ledger records as completed, and all targets when overwrite is off, are
// checked against the destination; with overwrite on, unrecorded targets
// are missing without a check.
func (p *Planner) verify(ctx context.Context, u WorkUnit, recorded []string) ([]Target, []string, error) {
	rec := make(map[string]bool, len(recorded))
	for _, k := range recorded {
		rec[k] = true
	}

	var (
		missing []Target
		present []string
	)
	for _, t := range u.Targets {
		if p.cfg.Overwrite && !rec[t.Key] {
			missing = append(missing, t)
			continue
		}
		var exists bool
		err := p.cfg.Retry.Do(ctx, "head", func(ctx context.Context) error {
			var err error
			exists, err = p.dest.Head(ctx, p.cfg.Dest.Bucket, t.Key)
			return err
		})
		if err != nil {
			return nil, nil, err
		}
		if exists {
			present = append(present, t.Key)
		} else {
			missing = append(missing, t)
		}
	}
	return missing, present, nil
}
