// Package config loads asset-sync configuration from defaults, an optional
// YAML file and the environment. Command-line flags are applied on top by
// the caller before Validate.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/withObsrvr/obsrvr-asset-sync/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-asset-sync/internal/events"
	"github.com/withObsrvr/obsrvr-asset-sync/internal/executor"
	"github.com/withObsrvr/obsrvr-asset-sync/internal/ledger"
	"github.com/withObsrvr/obsrvr-asset-sync/internal/logging"
	"github.com/withObsrvr/obsrvr-asset-sync/internal/metrics"
	"github.com/withObsrvr/obsrvr-asset-sync/internal/planner"
	"github.com/withObsrvr/obsrvr-asset-sync/internal/retry"
	"github.com/withObsrvr/obsrvr-asset-sync/internal/storage"
	"github.com/withObsrvr/obsrvr-asset-sync/internal/transform"
)

type Config struct {
	Mode       string                `yaml:"mode"`
	DryRun     bool                  `yaml:"dry_run"`
	Source     SourceConfig          `yaml:"source"`
	Dest       DestConfig            `yaml:"dest"`
	Plan       PlanConfig            `yaml:"plan"`
	Transform  TransformConfig       `yaml:"transform"`
	Perf       PerfConfig            `yaml:"perf"`
	Ledger     ledger.Config         `yaml:"ledger"`
	Checkpoint checkpoint.Config     `yaml:"checkpoint"`
	Breaker    storage.BreakerConfig `yaml:"breaker"`
	Report     ReportConfig          `yaml:"report"`
	Events     events.Config         `yaml:"events"`
	Metrics    metrics.Config        `yaml:"metrics"`
	Logging    logging.Config        `yaml:"logging"`
}

type SourceConfig struct {
	// Location is "bucket/prefix".
	Location string              `yaml:"location"`
	Store    storage.StoreConfig `yaml:"store"`
	PageSize int                 `yaml:"page_size"`
	Suffixes []string            `yaml:"suffixes"`
	// ResumeListing continues an interrupted listing from its saved cursor.
	// Requires checkpoint.enabled.
	ResumeListing bool `yaml:"resume_listing"`
	// KeysFile names a file of explicit source keys, one per line. When set
	// the source is not listed; each key is looked up instead.
	KeysFile string `yaml:"keys_file"`
}

type DestConfig struct {
	Location string `yaml:"location"`
	// Store defaults to the source store when its backend is empty.
	Store storage.StoreConfig `yaml:"store"`
}

type PlanConfig struct {
	Depth       int           `yaml:"depth"`
	Layout      string        `yaml:"layout"`
	Overwrite   bool          `yaml:"overwrite"`
	RetryFailed bool          `yaml:"retry_failed"`
	Sample      int           `yaml:"sample"`
	Seed        int64         `yaml:"seed"`
	StaleAfter  time.Duration `yaml:"stale_after"`
}

type TransformConfig struct {
	FFmpegPath string               `yaml:"ffmpeg_path"`
	ExtraArgs  []string             `yaml:"extra_args"`
	WorkDir    string               `yaml:"work_dir"`
	Artifacts  []transform.Artifact `yaml:"artifacts"`
}

type PerfConfig struct {
	Workers     int                  `yaml:"workers"`
	UnitTimeout time.Duration        `yaml:"unit_timeout"`
	Retry       retry.Policy         `yaml:"retry"`
	Pacing      executor.PacerConfig `yaml:"pacing"`
	// VerifyConcurrency bounds parallel destination checks during planning.
	VerifyConcurrency int `yaml:"verify_concurrency"`
}

type ReportConfig struct {
	// Upload writes the run summary to the destination bucket.
	Upload     bool   `yaml:"upload"`
	RunsPrefix string `yaml:"runs_prefix"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		Mode: string(planner.ModeTransform),
		Source: SourceConfig{
			Store:    storage.StoreConfig{Backend: "blob", URLScheme: "s3"},
			PageSize: 1000,
			Suffixes: []string{".mp4"},
		},
		Plan: PlanConfig{
			Depth:       2,
			Layout:      string(planner.LayoutMirror),
			RetryFailed: true,
			StaleAfter:  2 * time.Hour,
		},
		Transform: TransformConfig{
			FFmpegPath: "ffmpeg",
			Artifacts:  transform.DefaultArtifacts(),
		},
		Perf: PerfConfig{
			Workers:           4,
			UnitTimeout:       30 * time.Minute,
			Retry:             retry.DefaultPolicy(),
			VerifyConcurrency: 16,
		},
		Ledger: ledger.Config{
			Backend:      "file",
			Path:         ".asset-sync/ledger",
			CompactEvery: 1000,
		},
		Checkpoint: checkpoint.Config{
			Dir: ".asset-sync/checkpoints",
		},
		Breaker: storage.BreakerConfig{
			ConsecutiveFailures: 5,
			OpenTimeout:         30 * time.Second,
			HalfOpenRequests:    1,
		},
		Report: ReportConfig{
			RunsPrefix: "asset-sync/runs/",
		},
		Events: events.Config{
			BackupDir: ".asset-sync/events",
			Timeout:   30 * time.Second,
		},
		Metrics: metrics.Config{
			Address: ":9090",
		},
		Logging: logging.Config{
			Format: "text",
			Level:  "info",
		},
	}
}

// Load builds a configuration from defaults, the YAML file at path (if
// path is non-empty) and environment overrides.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
		slog.Debug("loaded config file", "component", "config", "path", path)
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	cfg.Mode = getenvDefault("MODE", cfg.Mode)
	cfg.Source.Location = getenvDefault("SOURCE", cfg.Source.Location)
	cfg.Source.KeysFile = getenvDefault("KEYS_FILE", cfg.Source.KeysFile)
	cfg.Dest.Location = getenvDefault("DEST", cfg.Dest.Location)

	cfg.Source.Store.Backend = getenvDefault("STORE_BACKEND", cfg.Source.Store.Backend)
	cfg.Source.Store.URLScheme = getenvDefault("STORE_URL_SCHEME", cfg.Source.Store.URLScheme)
	cfg.Source.Store.LocalRoot = getenvDefault("STORE_LOCAL_ROOT", cfg.Source.Store.LocalRoot)
	cfg.Source.Store.Endpoint = getenvDefault("S3_ENDPOINT", cfg.Source.Store.Endpoint)
	cfg.Source.Store.Region = getenvDefault("AWS_REGION", cfg.Source.Store.Region)
	cfg.Source.Store.AccessKey = getenvDefault("S3_ACCESS_KEY", cfg.Source.Store.AccessKey)
	cfg.Source.Store.SecretKey = getenvDefault("S3_SECRET_KEY", cfg.Source.Store.SecretKey)

	cfg.Ledger.Backend = getenvDefault("LEDGER_BACKEND", cfg.Ledger.Backend)
	cfg.Ledger.Path = getenvDefault("LEDGER_PATH", cfg.Ledger.Path)
	cfg.Ledger.DSN = getenvDefault("LEDGER_DSN", cfg.Ledger.DSN)

	cfg.Transform.FFmpegPath = getenvDefault("FFMPEG_PATH", cfg.Transform.FFmpegPath)
	cfg.Transform.WorkDir = getenvDefault("WORK_DIR", cfg.Transform.WorkDir)

	cfg.Events.Endpoint = getenvDefault("EVENTS_ENDPOINT", cfg.Events.Endpoint)
	cfg.Metrics.Address = getenvDefault("METRICS_ADDRESS", cfg.Metrics.Address)
	cfg.Logging.Level = getenvDefault("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getenvDefault("LOG_FORMAT", cfg.Logging.Format)

	var err error
	if cfg.Perf.Workers, err = getenvInt("WORKERS", cfg.Perf.Workers); err != nil {
		return err
	}
	if cfg.Plan.Sample, err = getenvInt("SAMPLE", cfg.Plan.Sample); err != nil {
		return err
	}
	if cfg.Perf.UnitTimeout, err = getenvDuration("UNIT_TIMEOUT", cfg.Perf.UnitTimeout); err != nil {
		return err
	}
	if cfg.Plan.StaleAfter, err = getenvDuration("STALE_AFTER", cfg.Plan.StaleAfter); err != nil {
		return err
	}
	cfg.DryRun = getenvBool("DRY_RUN", cfg.DryRun)
	cfg.Plan.Overwrite = getenvBool("OVERWRITE", cfg.Plan.Overwrite)
	cfg.Metrics.Enabled = getenvBool("METRICS_ENABLED", cfg.Metrics.Enabled)
	cfg.Events.Enabled = getenvBool("EVENTS_ENABLED", cfg.Events.Enabled)
	return nil
}

// Locations parses the source and destination locations.
func (c Config) Locations() (src, dst storage.Location, err error) {
	src, err = storage.ParseLocation(c.Source.Location)
	if err != nil {
		return src, dst, fmt.Errorf("source: %w", err)
	}
	dst, err = storage.ParseLocation(c.Dest.Location)
	if err != nil {
		return src, dst, fmt.Errorf("dest: %w", err)
	}
	return src, dst, nil
}

// DestStore returns the destination store configuration, falling back to
// the source store.
func (c Config) DestStore() storage.StoreConfig {
	if c.Dest.Store.Backend == "" {
		return c.Source.Store
	}
	return c.Dest.Store
}

// PlannerConfig derives the planner configuration.
func (c Config) PlannerConfig() (planner.Config, error) {
	src, dst, err := c.Locations()
	if err != nil {
		return planner.Config{}, err
	}
	return planner.Config{
		Mode:        planner.Mode(c.Mode),
		Source:      src,
		Dest:        dst,
		Depth:       c.Plan.Depth,
		Layout:      planner.Layout(c.Plan.Layout),
		Artifacts:   c.Transform.Artifacts,
		Overwrite:   c.Plan.Overwrite,
		RetryFailed: c.Plan.RetryFailed,
		Sample:      c.Plan.Sample,
		Seed:        c.Plan.Seed,
		Concurrency: c.Perf.VerifyConcurrency,
		Retry:       c.Perf.Retry,
	}, nil
}

// Validate checks the merged configuration.
func (c Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Source.Location == "" {
		add("source location is required (--source bucket/prefix)")
	}
	if c.Dest.Location == "" {
		add("dest location is required (--dest bucket/prefix)")
	}
	if pc, err := c.PlannerConfig(); err != nil {
		if c.Source.Location != "" && c.Dest.Location != "" {
			add("%v", err)
		}
	} else if err := pc.Validate(); err != nil {
		add("%v", err)
	}
	if c.Perf.Workers < 1 {
		add("perf.workers must be >= 1")
	}
	if c.Perf.UnitTimeout <= 0 {
		add("perf.unit_timeout must be positive")
	}
	if c.Perf.Retry.MaxAttempts < 1 {
		add("perf.retry.max_attempts must be >= 1")
	}
	if c.Source.PageSize < 1 {
		add("source.page_size must be >= 1")
	}
	if c.Plan.StaleAfter < 0 {
		add("plan.stale_after must be >= 0")
	}
	if c.Source.ResumeListing && !c.Checkpoint.Enabled {
		add("source.resume_listing requires checkpoint.enabled")
	}
	if c.Source.ResumeListing && c.Source.KeysFile != "" {
		add("source.keys_file cannot be combined with source.resume_listing")
	}
	if err := c.Ledger.Validate(); err != nil {
		add("%v", err)
	}
	if c.Mode == string(planner.ModeTransform) && c.Transform.FFmpegPath == "" {
		add("transform.ffmpeg_path is required in transform mode")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getenvBool(key string, def bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	return def
}
