// Package source enumerates object namespaces page by page.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/withObsrvr/obsrvr-asset-sync/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-asset-sync/internal/metrics"
	"github.com/withObsrvr/obsrvr-asset-sync/internal/retry"
	"github.com/withObsrvr/obsrvr-asset-sync/internal/storage"
)

// Options configures an Enumerator.
type Options struct {
	PageSize int
	// Suffixes restricts emitted keys to those ending in one of the
	// suffixes, compared case-insensitively. Empty means all keys.
	Suffixes []string
	Retry    retry.Policy

	// Checkpoint, when set, records the cursor after every page so a later
	// run can resume the listing.
	Checkpoint checkpoint.Manager
	JobID      string
}

// Enumerator produces object descriptors from a store listing. It is
// restartable from any cursor it has reported.
type Enumerator struct {
	store storage.ObjectStore
	opts  Options
	log   *slog.Logger

	mu     sync.Mutex
	cursor string
	listed int64
}

// New creates an enumerator over store.
func New(store storage.ObjectStore, opts Options) *Enumerator {
	if opts.PageSize <= 0 {
		opts.PageSize = 1000
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DefaultPolicy()
	}
	return &Enumerator{
		store: store,
		opts:  opts,
		log:   slog.With("component", "enumerator"),
	}
}

// Resume returns the cursor saved by a previous interrupted listing of
// bucket/prefix, or "" when the listing should start from the beginning.
func (e *Enumerator) Resume(ctx context.Context, bucket, prefix string) (string, error) {
	if e.opts.Checkpoint == nil {
		return "", nil
	}
	cp, err := e.opts.Checkpoint.Load(ctx, e.scope(bucket, prefix))
	if errors.Is(err, checkpoint.ErrNoCheckpoint) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load checkpoint: %w", err)
	}
	e.log.Info("resuming listing from checkpoint", "bucket", bucket, "prefix", prefix, "listed", cp.Listed)
	return cp.Cursor, nil
}

// Cursor returns the cursor after the last page whose objects were all
// emitted. Passing it to Stream continues without gaps.
func (e *Enumerator) Cursor() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cursor
}

// Stream lists bucket/prefix starting at cursor. Objects arrive in store
// listing order. The error channel receives at most one error; both
// channels are closed when the listing ends.
//
// Transient page errors are retried from the last good cursor. When retries
// are exhausted a TransientStoreError is reported; fatal errors are reported
// immediately.
func (e *Enumerator) Stream(ctx context.Context, bucket, prefix, cursor string) (<-chan storage.ObjectDescriptor, <-chan error) {
	objCh := make(chan storage.ObjectDescriptor, e.opts.PageSize)
	errCh := make(chan error, 1)

	e.mu.Lock()
	e.cursor = cursor
	e.mu.Unlock()

	go func() {
		defer close(objCh)
		defer close(errCh)

		startTime := time.Now()
		pages := 0
		for {
			var page storage.Page
			err := e.opts.Retry.Do(ctx, "list", func(ctx context.Context) error {
				var err error
				page, err = e.store.List(ctx, bucket, prefix, cursor, e.opts.PageSize)
				return err
			})
			if err != nil {
				errCh <- fmt.Errorf("list %s/%s: %w", bucket, prefix, err)
				return
			}
			pages++

			emitted := 0
			for _, obj := range page.Objects {
				if !e.Matches(obj.Key) {
					continue
				}
				select {
				case objCh <- obj:
					emitted++
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				}
			}

			e.mu.Lock()
			e.cursor = page.NextCursor
			e.listed += int64(len(page.Objects))
			listed := e.listed
			e.mu.Unlock()

			if m := metrics.Get(); m != nil {
				m.AddObjectsListed(metrics.Labels{Bucket: bucket}, float64(emitted))
			}

			if page.NextCursor == "" {
				e.clearCheckpoint(ctx, bucket, prefix)
				e.log.Info("listing complete",
					"bucket", bucket,
					"prefix", prefix,
					"pages", pages,
					"listed", listed,
					"duration_ms", time.Since(startTime).Milliseconds(),
				)
				return
			}
			e.saveCheckpoint(ctx, bucket, prefix, page.NextCursor, listed)
			cursor = page.NextCursor
		}
	}()

	return objCh, errCh
}

// Matches reports whether key names an object, not a directory marker, and
// carries one of the configured suffixes.
func (e *Enumerator) Matches(key string) bool {
	if strings.HasSuffix(key, "/") {
		return false
	}
	if len(e.opts.Suffixes) == 0 {
		return true
	}
	lower := strings.ToLower(key)
	for _, s := range e.opts.Suffixes {
		if strings.HasSuffix(lower, strings.ToLower(s)) {
			return true
		}
	}
	return false
}

func (e *Enumerator) scope(bucket, prefix string) checkpoint.Scope {
	return checkpoint.Scope{JobID: e.opts.JobID, Bucket: bucket, Prefix: prefix}
}

func (e *Enumerator) saveCheckpoint(ctx context.Context, bucket, prefix, cursor string, listed int64) {
	if e.opts.Checkpoint == nil {
		return
	}
	cp := &checkpoint.Checkpoint{
		JobID:     e.opts.JobID,
		Bucket:    bucket,
		Prefix:    prefix,
		Cursor:    cursor,
		Listed:    listed,
		UpdatedAt: time.Now().UTC(),
	}
	if err := e.opts.Checkpoint.Save(ctx, cp); err != nil {
		e.log.Warn("failed to save listing checkpoint", "error", err)
	}
}

func (e *Enumerator) clearCheckpoint(ctx context.Context, bucket, prefix string) {
	if e.opts.Checkpoint == nil {
		return
	}
	if err := e.opts.Checkpoint.Clear(ctx, e.scope(bucket, prefix)); err != nil {
		e.log.Warn("failed to clear listing checkpoint", "error", err)
	}
}

// Collect drains a stream into a slice. It returns the first error reported
// on errCh.
func Collect(ctx context.Context, objCh <-chan storage.ObjectDescriptor, errCh <-chan error) ([]storage.ObjectDescriptor, error) {
	var out []storage.ObjectDescriptor
	for {
		select {
		case obj, ok := <-objCh:
			if !ok {
				// Stream complete; errCh is already closed, so this
				// read only surfaces a trailing error.
				if errCh != nil {
					if err, ok := <-errCh; ok && err != nil {
						return out, err
					}
				}
				return out, nil
			}
			out = append(out, obj)
		case err, ok := <-errCh:
			if ok && err != nil {
				// The producer has stopped; keep what it emitted before
				// failing so the caller sees every object up to the cursor.
				for obj := range objCh {
					out = append(out, obj)
				}
				return out, err
			}
			if !ok {
				errCh = nil
			}
		case <-ctx.Done():
			return out, ctx.Err()
		}
	}
}
