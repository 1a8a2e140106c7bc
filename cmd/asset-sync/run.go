package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/withObsrvr/obsrvr-asset-sync/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-asset-sync/internal/config"
	"github.com/withObsrvr/obsrvr-asset-sync/internal/copier"
	"github.com/withObsrvr/obsrvr-asset-sync/internal/events"
	"github.com/withObsrvr/obsrvr-asset-sync/internal/exitcode"
	"github.com/withObsrvr/obsrvr-asset-sync/internal/ledger"
	"github.com/withObsrvr/obsrvr-asset-sync/internal/metrics"
	"github.com/withObsrvr/obsrvr-asset-sync/internal/planner"
	"github.com/withObsrvr/obsrvr-asset-sync/internal/storage"
	"github.com/withObsrvr/obsrvr-asset-sync/internal/transform"
)

type runFlags struct {
	commonFlags
	source    string
	dest      string
	mode      string
	workers   int
	dryRun    bool
	sample    int
	seed      int64
	depth     int
	layout    string
	overwrite bool
	runID     string
	keysFile  string
}

func cmdRun(ctx context.Context, args []string) int {
	var f runFlags
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	f.register(fs)
	fs.StringVar(&f.source, "source", "", "source bucket/prefix")
	fs.StringVar(&f.dest, "dest", "", "destination bucket/prefix")
	fs.StringVar(&f.mode, "mode", "", "copy or transform")
	fs.IntVar(&f.workers, "workers", 0, "number of parallel units")
	fs.BoolVar(&f.dryRun, "dry-run", false, "plan only, change nothing")
	fs.IntVar(&f.sample, "sample", 0, "process at most N randomly chosen units")
	fs.Int64Var(&f.seed, "seed", 0, "seed for --sample (0 picks one)")
	fs.IntVar(&f.depth, "depth", 0, "key segments below the source prefix that form a unit")
	fs.StringVar(&f.layout, "layout", "", "copy layout: mirror, flatten or by-date")
	fs.BoolVar(&f.overwrite, "overwrite", false, "rewrite outputs that already exist")
	fs.StringVar(&f.runID, "run-id", "", "run identifier (default: random UUID)")
	fs.StringVar(&f.keysFile, "keys-file", "", "process only the source keys listed in this file, one per line")
	if err := fs.Parse(args); err != nil {
		return exitcode.Fatal
	}

	cfg, err := f.load(fs, func(cfg *config.Config, name string) error {
		switch name {
		case "source":
			cfg.Source.Location = f.source
		case "dest":
			cfg.Dest.Location = f.dest
		case "mode":
			cfg.Mode = f.mode
		case "workers":
			cfg.Perf.Workers = f.workers
		case "dry-run":
			cfg.DryRun = f.dryRun
		case "sample":
			cfg.Plan.Sample = f.sample
		case "seed":
			cfg.Plan.Seed = f.seed
		case "depth":
			cfg.Plan.Depth = f.depth
		case "layout":
			cfg.Plan.Layout = f.layout
		case "overwrite":
			cfg.Plan.Overwrite = f.overwrite
		case "keys-file":
			cfg.Source.KeysFile = f.keysFile
		}
		return nil
	})
	if err != nil {
		return fatal("failed to load config", err)
	}
	if err := cfg.Validate(); err != nil {
		return fatal("invalid configuration", err)
	}

	runID := f.runID
	if runID == "" {
		runID = uuid.NewString()
	}
	log := slog.With("component", "main", "run_id", runID)
	log.Info("asset-sync starting", "version", copier.Version, "git_sha", copier.GitSHA)

	if cfg.Metrics.Enabled {
		metrics.Init("asset_sync")
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil {
				log.Error("metrics server stopped", "error", err)
			}
		}()
		log.Info("metrics server listening", "address", cfg.Metrics.Address)
	}

	src, dst, closeStores, err := openStores(ctx, cfg)
	if err != nil {
		return fatal("failed to open object store", err)
	}
	defer closeStores()

	ldgStore, err := ledger.OpenStore(ctx, cfg.Ledger)
	if err != nil {
		return fatal("failed to open ledger", err)
	}
	ldg := ledger.New(ldgStore, ledger.Options{Holder: runID, StaleAfter: cfg.Plan.StaleAfter})
	defer ldg.Close()

	cpMgr, err := checkpoint.NewManager(cfg.Checkpoint)
	if err != nil {
		return fatal("failed to create checkpoint manager", err)
	}

	var tr transform.Transformer
	if cfg.Mode == string(planner.ModeTransform) {
		tr = transform.NewFFmpeg(cfg.Transform.FFmpegPath, cfg.Transform.ExtraArgs)
	}

	emitter := events.NewEmitter(cfg.Events)
	defer emitter.Close()

	c, err := copier.New(cfg, copier.Deps{
		Source:      src,
		Dest:        dst,
		Ledger:      ldg,
		Transformer: tr,
		Checkpoint:  cpMgr,
		Events:      emitter,
		RunID:       runID,
	})
	if err != nil {
		return fatal("failed to create copier", err)
	}

	done := make(chan struct{})
	defer close(done)
	go forceStopOnSecondSignal(c, done)

	summary, err := c.Run(ctx)
	if err != nil {
		return fatal("run failed", err)
	}
	if err := copier.WriteSummary(os.Stdout, summary); err != nil {
		return fatal("failed to write summary", err)
	}
	return summary.ExitCode()
}

// forceStopOnSecondSignal interrupts in-flight units when a second signal
// arrives. The first signal only cancels the run context.
func forceStopOnSecondSignal(c *copier.Copier, done <-chan struct{}) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	received := 0
	for {
		select {
		case <-done:
			return
		case sig := <-sigCh:
			received++
			if received == 1 {
				slog.Warn("received signal, finishing in-flight units (signal again to force stop)", "signal", sig.String())
				continue
			}
			c.ForceStop()
			return
		}
	}
}

// openStores opens the source and destination stores. A destination on the
// same backend reuses the source store so copies stay server-side.
func openStores(ctx context.Context, cfg config.Config) (src, dst storage.ObjectStore, closeFn func(), err error) {
	src, err = storage.NewObjectStore(ctx, cfg.Source.Store)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("source store: %w", err)
	}
	src = storage.WithBreaker(src, "source", cfg.Breaker)

	destCfg := cfg.DestStore()
	if storage.SameBackend(cfg.Source.Store, destCfg) {
		return src, src, func() { src.Close() }, nil
	}

	dst, err = storage.NewObjectStore(ctx, destCfg)
	if err != nil {
		src.Close()
		return nil, nil, nil, fmt.Errorf("dest store: %w", err)
	}
	dst = storage.WithBreaker(dst, "dest", cfg.Breaker)
	return src, dst, func() {
		if err := errors.Join(src.Close(), dst.Close()); err != nil {
			slog.Warn("failed to close stores", "error", err)
		}
	}, nil
}
