package copier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/withObsrvr/obsrvr-asset-sync/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-asset-sync/internal/config"
	"github.com/withObsrvr/obsrvr-asset-sync/internal/events"
	"github.com/withObsrvr/obsrvr-asset-sync/internal/executor"
	"github.com/withObsrvr/obsrvr-asset-sync/internal/ledger"
	"github.com/withObsrvr/obsrvr-asset-sync/internal/metrics"
	"github.com/withObsrvr/obsrvr-asset-sync/internal/planner"
	"github.com/withObsrvr/obsrvr-asset-sync/internal/source"
	"github.com/withObsrvr/obsrvr-asset-sync/internal/storage"
	"github.com/withObsrvr/obsrvr-asset-sync/internal/transform"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

// Deps are the collaborators of a Copier. Source and Dest may be the same
// store, which makes copies server-side.
type Deps struct {
	Source      storage.ObjectStore
	Dest        storage.ObjectStore
	Ledger      *ledger.Ledger
	Transformer transform.Transformer
	// Checkpoint persists the listing cursor. Optional.
	Checkpoint checkpoint.Manager
	// Events receives a record of every completed unit. Optional.
	Events events.Emitter
	// RunID defaults to a new UUID.
	RunID string
}

// Copier orchestrates one pass: enumerate, plan, execute and record.
type Copier struct {
	cfg    config.Config
	runID  string
	mode   planner.Mode
	srcLoc storage.Location
	dstLoc storage.Location

	src     storage.ObjectStore
	dst     storage.ObjectStore
	ledger  *ledger.Ledger
	enum    *source.Enumerator
	planner *planner.Planner
	exec    *executor.Executor
	pacer   *executor.Pacer
	events  events.Emitter

	// hardCtx parents every unit execution. Cancelling the Run context only
	// stops dispatch; ForceStop cancels hardCtx to interrupt in-flight units.
	hardCtx    context.Context
	hardCancel context.CancelFunc

	log *slog.Logger
}

// New creates a Copier. cfg must already be validated.
func New(cfg config.Config, deps Deps) (*Copier, error) {
	if deps.Source == nil || deps.Dest == nil || deps.Ledger == nil {
		return nil, errors.New("copier: source, dest and ledger are required")
	}
	pcfg, err := cfg.PlannerConfig()
	if err != nil {
		return nil, err
	}
	if pcfg.Mode == planner.ModeTransform && deps.Transformer == nil {
		return nil, errors.New("copier: transform mode needs a transformer")
	}

	runID := deps.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	log := slog.With("component", "copier", "run_id", runID)

	if pcfg.Sample > 0 && pcfg.Seed == 0 {
		pcfg.Seed = time.Now().UnixNano()
		log.Info("sampling with generated seed", "seed", pcfg.Seed)
	}

	emitter := deps.Events
	if emitter == nil {
		emitter = events.Noop()
	}

	hardCtx, hardCancel := context.WithCancel(context.Background())

	return &Copier{
		cfg:    cfg,
		runID:  runID,
		mode:   pcfg.Mode,
		srcLoc: pcfg.Source,
		dstLoc: pcfg.Dest,
		src:    deps.Source,
		dst:    deps.Dest,
		ledger: deps.Ledger,
		enum: source.New(deps.Source, source.Options{
			PageSize:   cfg.Source.PageSize,
			Suffixes:   cfg.Source.Suffixes,
			Retry:      cfg.Perf.Retry,
			Checkpoint: deps.Checkpoint,
			JobID:      string(pcfg.Mode) + ":" + pcfg.Dest.String(),
		}),
		planner: planner.New(pcfg, deps.Ledger, deps.Dest),
		exec: executor.New(executor.Config{
			Mode:      pcfg.Mode,
			Source:    pcfg.Source,
			Dest:      pcfg.Dest,
			Artifacts: pcfg.Artifacts,
			WorkDir:   cfg.Transform.WorkDir,
			Retry:     cfg.Perf.Retry,
		}, deps.Source, deps.Dest, deps.Transformer),
		pacer:      executor.NewPacer(cfg.Perf.Pacing),
		events:     emitter,
		hardCtx:    hardCtx,
		hardCancel: hardCancel,
		log:        log,
	}, nil
}

// RunID returns the identifier of this run.
func (c *Copier) RunID() string { return c.runID }

// ForceStop interrupts units that are still executing. Their ledger entries
// are marked Failed on a best-effort basis.
func (c *Copier) ForceStop() {
	c.log.Warn("force stop requested, interrupting in-flight units")
	c.hardCancel()
}

// Run performs one pass and returns its summary; a Copier runs once. An
// error is returned only for failures that stop the run as a whole: listing,
// planning, or a fatal store error during execution. Unit failures are
// reported in the summary.
func (c *Copier) Run(ctx context.Context) (*Summary, error) {
	defer c.hardCancel()

	summary := &Summary{
		RunID:     c.runID,
		Mode:      string(c.mode),
		DryRun:    c.cfg.DryRun,
		StartedAt: time.Now().UTC(),
		Failures:  []Failure{},
	}
	c.log.Info("starting run",
		"mode", c.mode,
		"source", c.srcLoc.String(),
		"dest", c.dstLoc.String(),
		"workers", c.cfg.Perf.Workers,
		"dry_run", c.cfg.DryRun,
	)

	descs, rejected, err := c.enumerate(ctx)
	if err != nil {
		return nil, err
	}

	plan, err := c.planner.Plan(ctx, descs)
	if err != nil {
		return nil, fmt.Errorf("plan: %w", err)
	}
	summary.Eligible = plan.Eligible
	summary.Planned = len(plan.Execute) + len(plan.Adopt) + len(plan.Skip) + len(plan.Errors) + len(rejected)

	labels := metrics.Labels{Mode: string(c.mode)}
	if m := metrics.Get(); m != nil {
		m.AddUnitsPlanned(labels, float64(summary.Planned))
	}

	t := &tally{}
	for _, f := range rejected {
		c.log.Error("listed key cannot be processed", "key", f.Keys[0], "error", f.Error)
		t.fail(f.UnitID, errors.New(f.Error), f.Keys)
		if m := metrics.Get(); m != nil {
			m.IncUnitsFailed(labels)
		}
	}
	for _, d := range plan.Skip {
		c.log.Debug("skipping unit", "unit_id", d.Unit.ID, "reason", d.Reason)
		t.skip()
		if m := metrics.Get(); m != nil {
			m.IncUnitsSkipped(metrics.Labels{Mode: string(c.mode), Reason: d.Reason})
		}
	}
	for _, d := range plan.Errors {
		c.log.Error("unit could not be verified", "unit_id", d.Unit.ID, "error", d.Err)
		t.fail(d.Unit.ID, d.Err, d.Unit.Keys())
		if m := metrics.Get(); m != nil {
			m.IncUnitsFailed(labels)
		}
	}

	if c.cfg.DryRun {
		for _, d := range plan.Adopt {
			t.skip()
			c.log.Info("would adopt unit", "unit_id", d.Unit.ID, "outputs", len(d.Present))
		}
		for _, d := range plan.Execute {
			summary.WouldExecute = append(summary.WouldExecute, PlannedUnit{
				UnitID: d.Unit.ID,
				Keys:   d.MissingKeys(),
				Reopen: d.Reopen,
				Retry:  d.Retry,
			})
		}
		return c.finish(ctx, summary, t), nil
	}

	for _, d := range plan.Adopt {
		c.adopt(ctx, d, t)
	}

	if err := c.runPipeline(ctx, plan.Execute, t); err != nil {
		return nil, err
	}
	summary.Interrupted = ctx.Err() != nil
	return c.finish(ctx, summary, t), nil
}

// enumerate lists the source namespace, resuming a saved cursor when
// configured. With a keys file the listed keys are looked up instead, and
// keys that cannot be processed come back as failures.
func (c *Copier) enumerate(ctx context.Context) ([]storage.ObjectDescriptor, []Failure, error) {
	if c.cfg.Source.KeysFile != "" {
		return c.lookupKeys(ctx)
	}
	cursor := ""
	if c.cfg.Source.ResumeListing {
		var err error
		if cursor, err = c.enum.Resume(ctx, c.srcLoc.Bucket, c.srcLoc.Prefix); err != nil {
			return nil, nil, err
		}
	}
	objCh, errCh := c.enum.Stream(ctx, c.srcLoc.Bucket, c.srcLoc.Prefix, cursor)
	descs, err := source.Collect(ctx, objCh, errCh)
	if err != nil {
		return nil, nil, fmt.Errorf("enumerate %s: %w", c.srcLoc, err)
	}
	c.log.Info("enumeration complete", "objects", len(descs))
	return descs, nil, nil
}

func (c *Copier) lookupKeys(ctx context.Context) ([]storage.ObjectDescriptor, []Failure, error) {
	f, err := os.Open(c.cfg.Source.KeysFile)
	if err != nil {
		return nil, nil, fmt.Errorf("open keys file: %w", err)
	}
	defer f.Close()
	keys, err := source.ReadKeys(f)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", c.cfg.Source.KeysFile, err)
	}

	var (
		wanted   []string
		rejected []Failure
	)
	for _, key := range keys {
		id, ok := c.planner.UnitID(key)
		switch {
		case !ok:
			rejected = append(rejected, Failure{UnitID: key, Error: "key is not a unit under source " + c.srcLoc.String(), Keys: []string{key}})
		case !c.enum.Matches(key):
			rejected = append(rejected, Failure{UnitID: id, Error: "key does not match source suffixes", Keys: []string{key}})
		default:
			wanted = append(wanted, key)
		}
	}

	descs, missing, err := c.enum.Lookup(ctx, c.srcLoc.Bucket, wanted)
	if err != nil {
		return nil, nil, err
	}
	for _, key := range missing {
		id, _ := c.planner.UnitID(key)
		rejected = append(rejected, Failure{UnitID: id, Error: "source object not found", Keys: []string{key}})
	}
	return descs, rejected, nil
}

// adopt records a unit whose outputs already exist as Done without running
// it.
func (c *Copier) adopt(ctx context.Context, d planner.Decision, t *tally) {
	err := c.ledger.Complete(ctx, d.Unit.ID, d.Present)
	var conflict *ledger.ConflictError
	switch {
	case err == nil:
		c.log.Info("adopted existing outputs", "unit_id", d.Unit.ID, "outputs", len(d.Present))
		t.skip()
	case errors.As(err, &conflict):
		c.log.Info("unit claimed by another run", "unit_id", d.Unit.ID, "holder", conflict.Holder)
		t.skip()
	default:
		c.log.Error("failed to adopt unit", "unit_id", d.Unit.ID, "error", err)
		t.fail(d.Unit.ID, fmt.Errorf("record adopted outputs: %w", err), nil)
		if m := metrics.Get(); m != nil {
			m.IncLedgerErrors(metrics.Labels{Transition: string(ledger.TransitionComplete)})
			m.IncUnitsFailed(metrics.Labels{Mode: string(c.mode)})
		}
		return
	}
	if m := metrics.Get(); m != nil {
		m.IncUnitsSkipped(metrics.Labels{Mode: string(c.mode), Reason: planner.ReasonExists})
	}
}

// finish completes the summary and publishes it.
func (c *Copier) finish(ctx context.Context, s *Summary, t *tally) *Summary {
	t.fill(s)
	s.FinishedAt = time.Now().UTC()

	if c.cfg.Report.Upload && !s.DryRun {
		// The run context may already be cancelled; the summary still goes out.
		if err := c.publishSummary(context.WithoutCancel(ctx), s); err != nil {
			c.log.Warn("failed to upload run summary", "error", err)
		}
	}

	c.log.Info("run complete",
		"planned", s.Planned,
		"completed", s.Completed,
		"skipped", s.Skipped,
		"failed", s.Failed,
		"interrupted", s.Interrupted,
		"duration", s.FinishedAt.Sub(s.StartedAt).String(),
	)
	return s
}
