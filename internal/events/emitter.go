// Package events publishes a hash-chained record of every completed work
// unit, to an HTTP endpoint and/or local JSON files.
package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const (
	eventVersion = "1.0"
	eventType    = "unit_completed"
)

// Config configures event emission.
type Config struct {
	Enabled   bool          `yaml:"enabled"`
	Endpoint  string        `yaml:"endpoint"`
	BackupDir string        `yaml:"backup_dir"`
	Timeout   time.Duration `yaml:"timeout"`
}

// Emitter publishes unit events.
type Emitter interface {
	EmitUnit(ctx context.Context, evt UnitEvent) error
	Close() error
}

// NewEmitter creates an emitter for cfg. Setup problems fall back to a
// file-only or no-op emitter; events never stop a run.
func NewEmitter(cfg Config) Emitter {
	log := slog.With("component", "events")
	if !cfg.Enabled {
		return Noop()
	}

	if cfg.Endpoint != "" {
		emitter, err := NewHTTPEmitter(cfg)
		if err != nil {
			log.Warn("failed to create HTTP emitter, falling back to file-only", "error", err)
			return createFileOnlyEmitter(cfg)
		}
		log.Info("using HTTP event emitter", "endpoint", cfg.Endpoint)
		return &httpEmitterWrapper{emitter: emitter}
	}

	return createFileOnlyEmitter(cfg)
}

func createFileOnlyEmitter(cfg Config) Emitter {
	emitter, err := NewFileOnlyEmitter(cfg.BackupDir)
	if err != nil {
		slog.Warn("failed to create file event emitter, using no-op", "component", "events", "error", err)
		return Noop()
	}
	slog.Info("using file-only event emitter", "component", "events", "dir", cfg.BackupDir)
	return &fileOnlyEmitterWrapper{emitter: emitter}
}

// stamp fills the fields owned by the emitter.
func stamp(evt *UnitEvent) {
	evt.Version = eventVersion
	evt.EventType = eventType
	evt.EventID = "evt_" + uuid.NewString()
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
}

type httpEmitterWrapper struct {
	emitter *HTTPEmitter
}

func (w *httpEmitterWrapper) EmitUnit(ctx context.Context, evt UnitEvent) error {
	return w.emitter.Emit(ctx, &evt)
}

func (w *httpEmitterWrapper) Close() error {
	return w.emitter.Close()
}

type fileOnlyEmitterWrapper struct {
	emitter *FileOnlyEmitter
}

func (w *fileOnlyEmitterWrapper) EmitUnit(_ context.Context, evt UnitEvent) error {
	return w.emitter.Emit(&evt)
}

func (w *fileOnlyEmitterWrapper) Close() error {
	return w.emitter.Close()
}

// Noop returns an emitter that discards all events.
func Noop() Emitter { return noopEmitter{} }

type noopEmitter struct{}

func (noopEmitter) EmitUnit(context.Context, UnitEvent) error { return nil }

func (noopEmitter) Close() error { return nil }
