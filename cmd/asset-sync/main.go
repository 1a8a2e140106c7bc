// Command asset-sync copies or transforms objects between buckets, resuming
// safely across runs.
//
// Usage:
//
//	asset-sync run --source bucket/prefix --dest bucket/prefix [--mode copy|transform] [--workers N] [--dry-run] [--sample N]
//	asset-sync report --source bucket/prefix [--suffix .mp4] [--date YYYY-MM-DD] [--upload]
//	asset-sync ledger list [--status S]
//	asset-sync ledger export --out history.parquet
//	asset-sync ledger retry <unit_id>
//
// Exit codes: 0 success or nothing to do, 1 one or more units failed,
// 2 fatal error.
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

	"github.com/joho/godotenv"

	"github.com/withObsrvr/obsrvr-asset-sync/internal/config"
	"github.com/withObsrvr/obsrvr-asset-sync/internal/copier"
	"github.com/withObsrvr/obsrvr-asset-sync/internal/exitcode"
	"github.com/withObsrvr/obsrvr-asset-sync/internal/logging"
)

const usage = `usage: asset-sync <command> [flags]

commands:
  run      sync the source namespace into the destination
  report   count and list source objects by suffix and day
  ledger   inspect or edit the progress ledger (list, export, retry)
`

func main() {
	os.Exit(realMain(os.Args[1:]))
}

func realMain(args []string) int {
	// A missing .env file is normal.
	_ = godotenv.Load()

	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return exitcode.Fatal
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "run":
		return cmdRun(ctx, args[1:])
	case "report":
		return cmdReport(ctx, args[1:])
	case "ledger":
		return cmdLedger(ctx, args[1:])
	case "version":
		fmt.Printf("asset-sync %s (%s)\n", copier.Version, copier.GitSHA)
		return exitcode.Success
	case "-h", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
		return exitcode.Success
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", args[0], usage)
		return exitcode.Fatal
	}
}

// commonFlags are accepted by every command.
type commonFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", os.Getenv("ASSET_SYNC_CONFIG"), "path to YAML config file")
	fs.StringVar(&c.logLevel, "log-level", "", "log level: debug, info, warn, error")
	fs.StringVar(&c.logFormat, "log-format", "", "log format: text or json")
}

// load reads the configuration and applies the flags that were set
// explicitly through apply. Logging is set up before returning.
func (c *commonFlags) load(fs *flag.FlagSet, apply func(cfg *config.Config, name string) error) (config.Config, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return cfg, err
	}
	var applyErr error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "log-level":
			cfg.Logging.Level = c.logLevel
		case "log-format":
			cfg.Logging.Format = c.logFormat
		default:
			if apply != nil && applyErr == nil {
				applyErr = apply(&cfg, f.Name)
			}
		}
	})
	logging.Setup(cfg.Logging)
	return cfg, applyErr
}

// fatal logs err and returns the fatal exit code.
func fatal(msg string, err error) int {
	if errors.Is(err, context.Canceled) {
		slog.Warn(msg, "error", err)
	} else {
		slog.Error(msg, "error", err)
	}
	return exitcode.Fatal
}
