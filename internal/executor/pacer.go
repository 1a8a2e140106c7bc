package executor

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PacerConfig configures dispatch pacing.
type PacerConfig struct {
	// RatePerSecond caps unit dispatches per second. Zero means unlimited.
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
	// BatchSize and BatchPause insert a pause after every BatchSize
	// dispatches. Zero disables batch pauses.
	BatchSize  int           `yaml:"batch_size"`
	BatchPause time.Duration `yaml:"batch_pause"`
}

// Pacer spaces out unit dispatches with a token bucket and optional pauses
// between batches. A nil Pacer never waits.
type Pacer struct {
	limiter    *rate.Limiter
	batchSize  int
	batchPause time.Duration

	mu    sync.Mutex
	count int
}

// NewPacer returns a pacer, or nil when cfg disables all pacing.
func NewPacer(cfg PacerConfig) *Pacer {
	if cfg.RatePerSecond <= 0 && (cfg.BatchSize <= 0 || cfg.BatchPause <= 0) {
		return nil
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Pacer{
		limiter:    rate.NewLimiter(limit, burst),
		batchSize:  cfg.BatchSize,
		batchPause: cfg.BatchPause,
	}
}

// Wait blocks until the next dispatch is allowed or ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	if p == nil {
		return nil
	}

	var pause bool
	if p.batchSize > 0 && p.batchPause > 0 {
		p.mu.Lock()
		p.count++
		pause = p.count > 1 && (p.count-1)%p.batchSize == 0
		p.mu.Unlock()
	}
	if pause {
		t := time.NewTimer(p.batchPause)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	return p.limiter.Wait(ctx)
}
