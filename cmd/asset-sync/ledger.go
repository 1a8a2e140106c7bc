package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/goccy/go-json"

	"github.com/withObsrvr/obsrvr-asset-sync/internal/exitcode"
	"github.com/withObsrvr/obsrvr-asset-sync/internal/ledger"
)

const ledgerUsage = `usage: asset-sync ledger <list|export|retry> [flags]

  list   [--status S]          print every unit as a JSON line
  export --out FILE.parquet    write the transition history as parquet
  retry  UNIT_ID...            move failed units back to pending
`

func cmdLedger(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, ledgerUsage)
		return exitcode.Fatal
	}

	var (
		common commonFlags
		status string
		out    string
	)
	fs := flag.NewFlagSet("ledger "+args[0], flag.ContinueOnError)
	common.register(fs)
	switch args[0] {
	case "list":
		fs.StringVar(&status, "status", "", "only units with this status")
	case "export":
		fs.StringVar(&out, "out", "ledger-history.parquet", "output parquet file")
	case "retry":
	default:
		fmt.Fprintf(os.Stderr, "unknown ledger command %q\n\n%s", args[0], ledgerUsage)
		return exitcode.Fatal
	}
	if err := fs.Parse(args[1:]); err != nil {
		return exitcode.Fatal
	}

	cfg, err := common.load(fs, nil)
	if err != nil {
		return fatal("failed to load config", err)
	}
	store, err := ledger.OpenStore(ctx, cfg.Ledger)
	if err != nil {
		return fatal("failed to open ledger", err)
	}
	ldg := ledger.New(store, ledger.Options{Holder: "operator", StaleAfter: cfg.Plan.StaleAfter})
	defer ldg.Close()

	switch args[0] {
	case "list":
		return ledgerList(ctx, ldg, ledger.Status(status))
	case "export":
		return ledgerExport(ctx, ldg, out)
	default:
		return ledgerRetry(ctx, ldg, fs.Args())
	}
}

func ledgerList(ctx context.Context, ldg *ledger.Ledger, status ledger.Status) int {
	if status != "" && !status.Valid() {
		return fatal("invalid --status", fmt.Errorf("unknown status %q", status))
	}
	entries, err := ldg.List(ctx)
	if err != nil {
		return fatal("failed to list ledger", err)
	}
	enc := json.NewEncoder(os.Stdout)
	for _, e := range entries {
		if status != "" && e.Status != status {
			continue
		}
		if err := enc.Encode(e); err != nil {
			return fatal("failed to write entry", err)
		}
	}
	return exitcode.Success
}

func ledgerExport(ctx context.Context, ldg *ledger.Ledger, path string) int {
	f, err := os.Create(path)
	if err != nil {
		return fatal("failed to create export file", err)
	}
	n, err := ledger.ExportParquet(ctx, ldg.Store(), f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fatal("failed to export ledger history", err)
	}
	fmt.Fprintf(os.Stderr, "exported %d transitions to %s\n", n, path)
	return exitcode.Success
}

func ledgerRetry(ctx context.Context, ldg *ledger.Ledger, unitIDs []string) int {
	if len(unitIDs) == 0 {
		fmt.Fprint(os.Stderr, ledgerUsage)
		return exitcode.Fatal
	}
	code := exitcode.Success
	for _, id := range unitIDs {
		if err := ldg.Retry(ctx, id); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", id, err)
			code = exitcode.UnitFailures
			continue
		}
		fmt.Fprintf(os.Stdout, "%s: pending\n", id)
	}
	return code
}
