package events

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
)

// FileBackup saves events to local JSON files.
type FileBackup struct {
	dir string
}

// NewFileBackup creates the backup directory if needed.
func NewFileBackup(dir string) (*FileBackup, error) {
	if dir == "" {
		dir = "./events-backup"
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}

	return &FileBackup{dir: dir}, nil
}

// Path returns the file an event is saved to: {run_id}_{unit_id}.json with
// slashes in the unit id replaced.
func (f *FileBackup) Path(evt *UnitEvent) string {
	name := fmt.Sprintf("%s_%s.json", evt.RunID, strings.ReplaceAll(evt.Unit.UnitID, "/", "__"))
	return filepath.Join(f.dir, name)
}

// Save writes an event to its JSON file.
func (f *FileBackup) Save(evt *UnitEvent) error {
	data, err := json.MarshalIndent(evt, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	path := f.Path(evt)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}

	slog.Debug("event backed up", "component", "events", "path", path)
	return nil
}

// FileOnlyEmitter writes events to files only.
type FileOnlyEmitter struct {
	chains *UnitChains
	backup *FileBackup
}

// NewFileOnlyEmitter creates an emitter that only writes to local files.
func NewFileOnlyEmitter(backupDir string) (*FileOnlyEmitter, error) {
	backup, err := NewFileBackup(backupDir)
	if err != nil {
		return nil, fmt.Errorf("create file backup: %w", err)
	}
	chains, err := OpenUnitChains(backup.dir)
	if err != nil {
		return nil, err
	}
	return &FileOnlyEmitter{chains: chains, backup: backup}, nil
}

// Emit links evt into its unit's chain and writes it to a local file.
func (e *FileOnlyEmitter) Emit(evt *UnitEvent) error {
	stamp(evt)
	if err := e.chains.Link(evt); err != nil {
		return err
	}
	if err := e.backup.Save(evt); err != nil {
		return err
	}
	if err := e.chains.Advance(evt); err != nil {
		slog.Warn("failed to advance unit chain", "component", "events", "unit_id", evt.Unit.UnitID, "error", err)
	}
	return nil
}

// Close releases resources.
func (e *FileOnlyEmitter) Close() error {
	return nil
}
