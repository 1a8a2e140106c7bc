package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
)

var (
	// ErrNoCheckpoint is returned when no checkpoint exists.
	ErrNoCheckpoint = errors.New("no checkpoint found")
)

// Checkpoint records how far an enumeration of one namespace got.
type Checkpoint struct {
	JobID     string    `json:"job_id"`
	Bucket    string    `json:"bucket"`
	Prefix    string    `json:"prefix"`
	Cursor    string    `json:"cursor"`
	Listed    int64     `json:"listed"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Scope identifies the namespace a checkpoint belongs to.
type Scope struct {
	JobID  string
	Bucket string
	Prefix string
}

// Manager handles checkpoint persistence and retrieval.
type Manager interface {
	// Load reads the checkpoint for scope.
	Load(ctx context.Context, scope Scope) (*Checkpoint, error)

	// Save persists the checkpoint.
	Save(ctx context.Context, cp *Checkpoint) error

	// Clear removes the checkpoint for scope, once a listing completes.
	Clear(ctx context.Context, scope Scope) error
}

// Config configures the checkpoint manager.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"` // Directory for checkpoint files
}

// NewManager creates a checkpoint manager based on configuration.
func NewManager(cfg Config) (Manager, error) {
	if !cfg.Enabled {
		return &noopManager{}, nil
	}

	// Ensure checkpoint directory exists
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory %s: %w", cfg.Dir, err)
	}

	return &fileManager{dir: cfg.Dir}, nil
}

// fileManager persists checkpoints to local files.
type fileManager struct {
	dir string
}

// checkpointPath returns the path to the checkpoint file for a scope.
// The bucket and prefix are hashed since prefixes contain slashes.
func (m *fileManager) checkpointPath(scope Scope) string {
	sum := sha256.Sum256([]byte(scope.Bucket + "\x00" + scope.Prefix))
	filename := fmt.Sprintf("checkpoint_%s_%s.json", scope.JobID, hex.EncodeToString(sum[:8]))
	return filepath.Join(m.dir, filename)
}

// Load reads the checkpoint from file.
func (m *fileManager) Load(ctx context.Context, scope Scope) (*Checkpoint, error) {
	data, err := os.ReadFile(m.checkpointPath(scope))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCheckpoint
		}
		return nil, fmt.Errorf("read checkpoint file: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint file: %w", err)
	}

	// Guard against a hash collision or a hand-edited file.
	if cp.Bucket != scope.Bucket || cp.Prefix != scope.Prefix {
		return nil, ErrNoCheckpoint
	}
	return &cp, nil
}

// Save persists the checkpoint to file.
func (m *fileManager) Save(ctx context.Context, cp *Checkpoint) error {
	path := m.checkpointPath(Scope{JobID: cp.JobID, Bucket: cp.Bucket, Prefix: cp.Prefix})

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	// Write atomically
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write checkpoint temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename checkpoint file: %w", err)
	}

	return nil
}

// Clear deletes the checkpoint file if present.
func (m *fileManager) Clear(ctx context.Context, scope Scope) error {
	if err := os.Remove(m.checkpointPath(scope)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove checkpoint file: %w", err)
	}
	return nil
}

// noopManager is a no-op checkpoint manager for when checkpointing is disabled.
type noopManager struct{}

func (m *noopManager) Load(ctx context.Context, scope Scope) (*Checkpoint, error) {
	return nil, ErrNoCheckpoint
}

func (m *noopManager) Save(ctx context.Context, cp *Checkpoint) error {
	return nil
}

func (m *noopManager) Clear(ctx context.Context, scope Scope) error {
	return nil
}
