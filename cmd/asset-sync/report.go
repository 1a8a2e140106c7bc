package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/goccy/go-json"

	"github.com/withObsrvr/obsrvr-asset-sync/internal/config"
	"github.com/withObsrvr/obsrvr-asset-sync/internal/exitcode"
	"github.com/withObsrvr/obsrvr-asset-sync/internal/report"
	"github.com/withObsrvr/obsrvr-asset-sync/internal/storage"
)

func cmdReport(ctx context.Context, args []string) int {
	var (
		common commonFlags
		src    string
		suffix string
		date   string
		upload bool
	)
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	common.register(fs)
	fs.StringVar(&src, "source", "", "bucket/prefix to report on (default: configured source)")
	fs.StringVar(&suffix, "suffix", ".mp4", "object key suffix to count")
	fs.StringVar(&date, "date", "", "day to list, YYYY-MM-DD (default: today, UTC)")
	fs.BoolVar(&upload, "upload", false, "upload the report to <bucket>/report/")
	if err := fs.Parse(args); err != nil {
		return exitcode.Fatal
	}

	cfg, err := common.load(fs, func(cfg *config.Config, name string) error {
		if name == "source" {
			cfg.Source.Location = src
		}
		return nil
	})
	if err != nil {
		return fatal("failed to load config", err)
	}

	loc, err := storage.ParseLocation(cfg.Source.Location)
	if err != nil {
		return fatal("invalid source", err)
	}
	day := time.Now().UTC()
	if date != "" {
		if day, err = time.Parse(report.DateLayout, date); err != nil {
			return fatal("invalid --date", err)
		}
	}

	store, err := storage.NewObjectStore(ctx, cfg.Source.Store)
	if err != nil {
		return fatal("failed to open object store", err)
	}
	defer store.Close()
	store = storage.WithBreaker(store, "source", cfg.Breaker)

	gen := report.New(store, report.Options{
		Suffix:   suffix,
		PageSize: cfg.Source.PageSize,
		Retry:    cfg.Perf.Retry,
	})
	r, err := gen.Build(ctx, loc, day)
	if err != nil {
		return fatal("failed to build report", err)
	}
	if upload {
		if _, err := gen.Upload(ctx, loc.Bucket, r); err != nil {
			return fatal("failed to upload report", err)
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fatal("failed to write report", err)
	}
	return exitcode.Success
}
