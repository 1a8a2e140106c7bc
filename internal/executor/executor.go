// Package executor performs the side effects of a work unit: store-to-store
// copies, or fetching a source video, extracting frames and uploading them.
package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/withObsrvr/obsrvr-asset-sync/internal/metrics"
	"github.com/withObsrvr/obsrvr-asset-sync/internal/planner"
	"github.com/withObsrvr/obsrvr-asset-sync/internal/retry"
	"github.com/withObsrvr/obsrvr-asset-sync/internal/storage"
	"github.com/withObsrvr/obsrvr-asset-sync/internal/transform"
)

// Config configures an Executor.
type Config struct {
	Mode      planner.Mode
	Source    storage.Location
	Dest      storage.Location
	Artifacts []transform.Artifact
	// WorkDir is where per-unit working areas are created. Empty means the
	// system temp directory.
	WorkDir string
	Retry   retry.Policy
}

// ArtifactFailure records one output that could not be produced.
type ArtifactFailure struct {
	Target planner.Target
	Err    error
}

// Result is the outcome of executing one unit. A unit can partially succeed:
// Written lists the destination keys produced, Failures the rest.
type Result struct {
	Written  []string
	Failures []ArtifactFailure
}

// Err joins the artifact failures, or returns nil when there are none.
func (r Result) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, len(r.Failures))
	for i, f := range r.Failures {
		errs[i] = fmt.Errorf("%s: %w", f.Target.Key, f.Err)
	}
	return errors.Join(errs...)
}

// FailedKeys returns the destination keys that were not produced.
func (r Result) FailedKeys() []string {
	keys := make([]string, len(r.Failures))
	for i, f := range r.Failures {
		keys[i] = f.Target.Key
	}
	return keys
}

// VerificationError reports outputs that an operation claimed to write but
// that are absent at the destination.
type VerificationError struct {
	UnitID  string
	Missing []string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("unit %s: %d output(s) missing after write: %s", e.UnitID, len(e.Missing), strings.Join(e.Missing, ", "))
}

// Aborts reports whether err must stop the whole run rather than fail a
// single unit.
func Aborts(err error) bool {
	return storage.IsAccessDenied(err) || storage.IsInvalid(err)
}

// Executor runs units against a source and a destination store.
type Executor struct {
	cfg         Config
	src, dst    storage.ObjectStore
	sameStore   bool
	transformer transform.Transformer
	artifacts   map[string]transform.Artifact
	log         *slog.Logger
}

// New creates an executor. Passing the same store as src and dst makes
// copies server-side.
func New(cfg Config, src, dst storage.ObjectStore, t transform.Transformer) *Executor {
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	arts := make(map[string]transform.Artifact, len(cfg.Artifacts))
	for _, a := range cfg.Artifacts {
		arts[a.Name] = a
	}
	return &Executor{
		cfg:         cfg,
		src:         src,
		dst:         dst,
		sameStore:   src == dst,
		transformer: t,
		artifacts:   arts,
		log:         slog.With("component", "executor", "mode", string(cfg.Mode)),
	}
}

// Execute produces the missing targets of unit. Per-target failures are
// reported in the Result; the returned error is set only for failures that
// must abort the run.
func (e *Executor) Execute(ctx context.Context, unit planner.WorkUnit, missing []planner.Target) (Result, error) {
	if len(missing) == 0 {
		return Result{}, nil
	}

	var res Result
	if e.cfg.Mode == planner.ModeTransform {
		res = e.transformUnit(ctx, unit, missing)
	} else {
		res = e.copyUnit(ctx, missing)
	}

	if m := metrics.Get(); m != nil {
		l := metrics.Labels{Mode: string(e.cfg.Mode)}
		m.AddArtifactsWritten(l, float64(len(res.Written)))
		m.AddArtifactsFailed(l, float64(len(res.Failures)))
	}

	for _, f := range res.Failures {
		if Aborts(f.Err) {
			return res, f.Err
		}
	}
	return res, nil
}

func (e *Executor) copyUnit(ctx context.Context, missing []planner.Target) Result {
	var res Result
	for _, t := range missing {
		if err := e.copyObject(ctx, t); err != nil {
			e.log.Warn("copy failed", "source", t.Source, "dest", t.Key, "error", err)
			res.Failures = append(res.Failures, ArtifactFailure{Target: t, Err: err})
			continue
		}
		res.Written = append(res.Written, t.Key)
	}
	return res
}

func (e *Executor) copyObject(ctx context.Context, t planner.Target) error {
	if e.sameStore {
		return e.cfg.Retry.Do(ctx, "copy", func(ctx context.Context) error {
			return e.dst.Copy(ctx, e.cfg.Source.Bucket, t.Source, e.cfg.Dest.Bucket, t.Key)
		})
	}
	return e.cfg.Retry.Do(ctx, "transfer", func(ctx context.Context) error {
		r, err := e.src.Get(ctx, e.cfg.Source.Bucket, t.Source)
		if err != nil {
			return err
		}
		defer r.Close()

		br := bufio.NewReaderSize(r, 3072)
		head, _ := br.Peek(3072)
		return e.dst.Put(ctx, e.cfg.Dest.Bucket, t.Key, br, mimetype.Detect(head).String())
	})
}

// transformUnit fetches the unit's source once into a private working area,
// then extracts and uploads each missing artifact independently.
func (e *Executor) transformUnit(ctx context.Context, unit planner.WorkUnit, missing []planner.Target) Result {
	var res Result
	failAll := func(err error) Result {
		for _, t := range missing {
			res.Failures = append(res.Failures, ArtifactFailure{Target: t, Err: err})
		}
		return res
	}

	dir, err := os.MkdirTemp(e.cfg.WorkDir, "unit-*")
	if err != nil {
		return failAll(fmt.Errorf("create working area: %w", err))
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			e.log.Warn("failed to remove working area", "dir", dir, "error", err)
		}
	}()

	source := missing[0].Source
	input := filepath.Join(dir, "source"+filepath.Ext(source))
	if err := e.fetch(ctx, source, input); err != nil {
		return failAll(err)
	}

	for _, t := range missing {
		a, ok := e.artifacts[t.Name]
		if !ok {
			res.Failures = append(res.Failures, ArtifactFailure{Target: t, Err: fmt.Errorf("unknown artifact %q", t.Name)})
			continue
		}
		output := filepath.Join(dir, a.FileName())
		if err := e.transformer.Extract(ctx, input, output, a); err != nil {
			e.log.Warn("transform failed", "unit_id", unit.ID, "artifact", a.Name, "error", err)
			res.Failures = append(res.Failures, ArtifactFailure{Target: t, Err: err})
			continue
		}
		if err := e.upload(ctx, output, t.Key); err != nil {
			e.log.Warn("upload failed", "unit_id", unit.ID, "dest", t.Key, "error", err)
			res.Failures = append(res.Failures, ArtifactFailure{Target: t, Err: err})
			continue
		}
		res.Written = append(res.Written, t.Key)
	}
	return res
}

func (e *Executor) fetch(ctx context.Context, key, path string) error {
	return e.cfg.Retry.Do(ctx, "fetch", func(ctx context.Context) error {
		r, err := e.src.Get(ctx, e.cfg.Source.Bucket, key)
		if err != nil {
			return err
		}
		defer r.Close()

		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
		if _, err := io.Copy(f, r); err != nil {
			f.Close()
			// Reads that break mid-transfer are retried.
			return &storage.TransientStoreError{Op: "get", Bucket: e.cfg.Source.Bucket, Key: key, Err: err}
		}
		return f.Close()
	})
}

func (e *Executor) upload(ctx context.Context, path, key string) error {
	contentType := "application/octet-stream"
	if mt, err := mimetype.DetectFile(path); err == nil {
		contentType = mt.String()
	}
	return e.cfg.Retry.Do(ctx, "upload", func(ctx context.Context) error {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		defer f.Close()
		return e.dst.Put(ctx, e.cfg.Dest.Bucket, key, f, contentType)
	})
}

// Verify checks that keys exist at the destination and returns a
// VerificationError naming any that do not.
func (e *Executor) Verify(ctx context.Context, unitID string, keys []string) error {
	var missing []string
	for _, k := range keys {
		var exists bool
		err := e.cfg.Retry.Do(ctx, "head", func(ctx context.Context) error {
			var err error
			exists, err = e.dst.Head(ctx, e.cfg.Dest.Bucket, k)
			return err
		})
		if err != nil {
			return fmt.Errorf("verify %s: %w", k, err)
		}
		if !exists {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return &VerificationError{UnitID: unitID, Missing: missing}
	}
	return nil
}
