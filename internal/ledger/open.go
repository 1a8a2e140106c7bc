package ledger

import (
	"context"
	"fmt"
)

// Config selects and configures a ledger backend.
type Config struct {
	// Backend is one of "file", "badger", "postgres" or "memory".
	Backend string `yaml:"backend"`
	// Path is the directory of the file and badger backends.
	Path string `yaml:"path"`
	// DSN is the PostgreSQL connection string.
	DSN string `yaml:"dsn"`
	// CompactEvery is the number of journal appends between compactions
	// of the file backend.
	CompactEvery int `yaml:"compact_every"`
}

// Validate checks the backend configuration.
func (c Config) Validate() error {
	switch c.Backend {
	case "memory":
	case "file", "badger":
		if c.Path == "" {
			return fmt.Errorf("ledger.path is required for backend %q", c.Backend)
		}
	case "postgres":
		if c.DSN == "" {
			return fmt.Errorf("ledger.dsn is required for backend postgres")
		}
	default:
		return fmt.Errorf("unknown ledger backend %q (want file, badger, postgres or memory)", c.Backend)
	}
	if c.CompactEvery < 0 {
		return fmt.Errorf("ledger.compact_every must be >= 0")
	}
	return nil
}

// OpenStore opens the configured backend.
func OpenStore(ctx context.Context, cfg Config) (Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Backend {
	case "memory":
		return NewMemoryStore(), nil
	case "file":
		return OpenFileStore(cfg.Path, cfg.CompactEvery)
	case "badger":
		return OpenBadgerStore(cfg.Path)
	default:
		return OpenPostgresStore(ctx, cfg.DSN)
	}
}
