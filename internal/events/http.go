package events

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/withObsrvr/obsrvr-asset-sync/internal/retry"
)

// statusError is a non-2xx response from the event endpoint.
type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Code, e.Body)
}

// retryablePost retries network errors, throttling and server errors.
func retryablePost(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	return !errors.Is(err, context.Canceled)
}

// HTTPEmitter sends events to an HTTP endpoint, keeping a local backup.
type HTTPEmitter struct {
	endpoint string
	client   *http.Client
	retry    retry.Policy
	chains   *UnitChains
	backup   *FileBackup
	log      *slog.Logger
}

// NewHTTPEmitter creates a new HTTP emitter.
func NewHTTPEmitter(cfg Config) (*HTTPEmitter, error) {
	backup, err := NewFileBackup(cfg.BackupDir)
	if err != nil {
		return nil, fmt.Errorf("create file backup: %w", err)
	}
	chains, err := OpenUnitChains(backup.dir)
	if err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &HTTPEmitter{
		endpoint: cfg.Endpoint,
		client:   &http.Client{Timeout: timeout},
		retry: retry.Policy{
			MaxAttempts: 3,
			Initial:     time.Second,
			Max:         10 * time.Second,
			Multiplier:  2,
			Retryable:   retryablePost,
		},
		chains: chains,
		backup: backup,
		log:    slog.With("component", "events", "endpoint", cfg.Endpoint),
	}, nil
}

// Emit links evt into its unit's chain, backs it up locally, POSTs it with
// retry and then advances the chain. A unit's chain only moves once the
// endpoint has accepted the event.
func (e *HTTPEmitter) Emit(ctx context.Context, evt *UnitEvent) error {
	stamp(evt)
	if err := e.chains.Link(evt); err != nil {
		return err
	}
	e.log.Debug("emitting event",
		"unit_id", evt.Unit.UnitID,
		"prev_hash", evt.Chain.PrevEventHash,
		"event_hash", evt.Chain.EventHash,
	)

	if err := e.backup.Save(evt); err != nil {
		e.log.Warn("event backup failed", "error", err)
	}

	if err := e.retry.Do(ctx, "emit_event", func(ctx context.Context) error {
		return e.post(ctx, evt)
	}); err != nil {
		return fmt.Errorf("emit event: %w", err)
	}

	if err := e.chains.Advance(evt); err != nil {
		e.log.Warn("failed to advance unit chain", "unit_id", evt.Unit.UnitID, "error", err)
	}
	return nil
}

func (e *HTTPEmitter) post(ctx context.Context, evt *UnitEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &statusError{Code: resp.StatusCode, Body: string(respBody)}
}

// Close releases resources.
func (e *HTTPEmitter) Close() error {
	e.client.CloseIdleConnections()
	return nil
}
