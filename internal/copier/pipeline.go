package copier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/obsrvr-asset-sync/internal/events"
	"github.com/withObsrvr/obsrvr-asset-sync/internal/executor"
	"github.com/withObsrvr/obsrvr-asset-sync/internal/ledger"
	"github.com/withObsrvr/obsrvr-asset-sync/internal/logging"
	"github.com/withObsrvr/obsrvr-asset-sync/internal/metrics"
	"github.com/withObsrvr/obsrvr-asset-sync/internal/planner"
)

// runPipeline implements the dispatcher → workers flow. The dispatcher
// stops when ctx is cancelled; units already handed to a worker run to
// completion under the hard context and the unit timeout. A returned error
// means a fatal store error aborted the run.
func (c *Copier) runPipeline(ctx context.Context, units []planner.Decision, t *tally) error {
	if len(units) == 0 {
		return nil
	}

	workers := c.cfg.Perf.Workers
	if workers < 1 {
		workers = 1
	}
	c.log.Info("starting workers", "units", len(units), "workers", workers)

	execCtx, cancelExec := context.WithCancel(c.hardCtx)
	defer cancelExec()

	queue := make(chan planner.Decision)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(queue)
		c.dispatcherLoop(gctx, units, queue)
		return nil
	})
	for i := 0; i < workers; i++ {
		workerID := i
		g.Go(func() error {
			err := c.workerLoop(execCtx, workerID, queue, t)
			if err != nil {
				// Interrupt units still running on other workers.
				cancelExec()
			}
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run aborted: %w", err)
	}
	return nil
}

// dispatcherLoop hands units to workers one at a time, pacing dispatch. It
// stops early when ctx is cancelled.
func (c *Copier) dispatcherLoop(ctx context.Context, units []planner.Decision, queue chan<- planner.Decision) {
	for i, d := range units {
		if ctx.Err() != nil {
			c.log.Info("dispatch stopped", "dispatched", i, "remaining", len(units)-i)
			return
		}
		if err := c.pacer.Wait(ctx); err != nil {
			c.log.Info("dispatch stopped", "dispatched", i, "remaining", len(units)-i)
			return
		}
		select {
		case <-ctx.Done():
			c.log.Info("dispatch stopped", "dispatched", i, "remaining", len(units)-i)
			return
		case queue <- d:
		}
	}
}

// workerLoop processes units until the queue closes or a unit aborts the run.
func (c *Copier) workerLoop(ctx context.Context, workerID int, queue <-chan planner.Decision, t *tally) error {
	for d := range queue {
		if err := c.processUnit(ctx, workerID, d, t); err != nil {
			return err
		}
	}
	return nil
}

// processUnit runs one unit through its ledger lifecycle:
//  1. Reopen (Done → Pending) or Retry (Failed → Pending) when planned
//  2. Begin, which claims the unit; a live claim elsewhere skips it
//  3. Execute the missing targets under the unit timeout
//  4. Verify every output at the destination
//  5. Complete with the verified outputs, or Fail with the partial ones
//
// Ledger writes use a context detached from cancellation so an interrupted
// unit still records its outcome. Only errors that abort the run are
// returned.
func (c *Copier) processUnit(ctx context.Context, workerID int, d planner.Decision, t *tally) error {
	unitID := d.Unit.ID
	correlationID := logging.GenerateCorrelationID()
	log := logging.UnitLogger(correlationID, c.runID, unitID, string(c.mode)).With("worker_id", workerID)
	ctx = logging.WithCorrelationID(ctx, correlationID)
	lctx := context.WithoutCancel(ctx)
	labels := metrics.Labels{Mode: string(c.mode)}

	if !c.claim(lctx, log, d, t) {
		return nil
	}
	if ctx.Err() != nil {
		// Stopped between dispatch and execution: hand the claim back.
		if err := c.ledger.Release(lctx, unitID); err != nil {
			log.Warn("failed to release claim", "error", err)
		}
		return nil
	}

	log.Info("processing unit", "missing", len(d.Missing), "reopen", d.Reopen, "retry", d.Retry)
	if m := metrics.Get(); m != nil {
		m.IncInFlightUnits()
		defer m.DecInFlightUnits()
	}
	start := time.Now()

	unitCtx, cancel := context.WithTimeout(ctx, c.cfg.Perf.UnitTimeout)
	defer cancel()

	res, err := c.exec.Execute(unitCtx, d.Unit, d.Missing)
	if err != nil {
		c.failUnit(lctx, log, d, err, union(d.Present, res.Written), d.MissingKeys(), t)
		return err
	}

	partial := union(d.Present, res.Written)
	if len(res.Failures) > 0 {
		cause := res.Err()
		if errors.Is(unitCtx.Err(), context.DeadlineExceeded) {
			cause = fmt.Errorf("unit timed out after %s: %w", c.cfg.Perf.UnitTimeout, cause)
		}
		c.failUnit(lctx, log, d, cause, partial, res.FailedKeys(), t)
		return nil
	}

	keys := d.Unit.Keys()
	if err := c.exec.Verify(unitCtx, unitID, keys); err != nil {
		var verr *executor.VerificationError
		failed := keys
		if errors.As(err, &verr) {
			failed = verr.Missing
			partial = subtract(keys, verr.Missing)
		}
		c.failUnit(lctx, log, d, err, partial, failed, t)
		if executor.Aborts(err) {
			return err
		}
		return nil
	}

	if err := c.ledger.Complete(lctx, unitID, keys); err != nil {
		log.Error("failed to record completion", "error", err)
		if m := metrics.Get(); m != nil {
			m.IncLedgerErrors(metrics.Labels{Transition: string(ledger.TransitionComplete)})
			m.IncUnitsFailed(labels)
		}
		t.fail(unitID, fmt.Errorf("record completion: %w", err), nil)
		return nil
	}

	elapsed := time.Since(start)
	t.complete()
	if m := metrics.Get(); m != nil {
		m.IncUnitsCompleted(labels)
		m.ObserveUnitDuration(labels, elapsed.Seconds())
	}
	log.Info("unit complete", "written", len(res.Written), "duration", elapsed.String())

	c.emitCompleted(lctx, log, d, keys)
	return nil
}

// claim performs the pre-transitions and Begin. It returns false when the
// unit must not run; the outcome is already tallied.
func (c *Copier) claim(ctx context.Context, log *slog.Logger, d planner.Decision, t *tally) bool {
	unitID := d.Unit.ID
	var err error
	switch {
	case d.Reopen:
		err = c.ledger.Reopen(ctx, unitID, d.MissingKeys())
	case d.Retry:
		err = c.ledger.Retry(ctx, unitID)
	}
	if err == nil {
		_, err = c.ledger.Begin(ctx, unitID)
	}
	if err == nil {
		return true
	}

	var conflict *ledger.ConflictError
	switch {
	case errors.As(err, &conflict):
		log.Info("unit claimed by another run", "holder", conflict.Holder, "since", conflict.Since)
	case errors.Is(err, ledger.ErrInvalidTransition):
		// Another run moved the unit on since planning.
		log.Info("unit changed since planning", "error", err)
	default:
		log.Error("failed to claim unit", "error", err)
		if m := metrics.Get(); m != nil {
			m.IncLedgerErrors(metrics.Labels{Transition: string(ledger.TransitionBegin)})
			m.IncUnitsFailed(metrics.Labels{Mode: string(c.mode)})
		}
		t.fail(unitID, fmt.Errorf("claim unit: %w", err), d.MissingKeys())
		return false
	}
	t.skip()
	if m := metrics.Get(); m != nil {
		m.IncUnitsSkipped(metrics.Labels{Mode: string(c.mode), Reason: planner.ReasonInProgress})
	}
	return false
}

// failUnit records a unit failure in the ledger and the summary.
func (c *Copier) failUnit(ctx context.Context, log *slog.Logger, d planner.Decision, cause error, partial, failed []string, t *tally) {
	log.Error("unit failed", "error", cause, "failed_keys", failed, "partial_outputs", len(partial))
	if err := c.ledger.Fail(ctx, d.Unit.ID, cause, partial); err != nil {
		log.Error("failed to record failure", "error", err)
		if m := metrics.Get(); m != nil {
			m.IncLedgerErrors(metrics.Labels{Transition: string(ledger.TransitionFail)})
		}
	}
	t.fail(d.Unit.ID, cause, failed)
	if m := metrics.Get(); m != nil {
		m.IncUnitsFailed(metrics.Labels{Mode: string(c.mode)})
	}
}

// emitCompleted publishes the completion event. Emission problems are
// logged only.
func (c *Copier) emitCompleted(ctx context.Context, log *slog.Logger, d planner.Decision, outputs []string) {
	attempts := 1
	if d.Entry != nil {
		attempts = d.Entry.Attempts + 1
	}
	err := c.events.EmitUnit(ctx, events.UnitEvent{
		RunID: c.runID,
		Unit: events.UnitInfo{
			UnitID:   d.Unit.ID,
			Mode:     string(c.mode),
			Source:   c.srcLoc.String(),
			Dest:     c.dstLoc.String(),
			Attempts: attempts,
		},
		Outputs: outputs,
		Producer: events.ProducerInfo{
			Name:    "asset-sync",
			Version: Version,
			GitSHA:  GitSHA,
		},
	})
	if err != nil {
		log.Warn("failed to emit completion event", "error", err)
	}
}
