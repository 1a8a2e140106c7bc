package source

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/obsrvr-asset-sync/internal/metrics"
	"github.com/withObsrvr/obsrvr-asset-sync/internal/storage"
)

// lookupConcurrency bounds the parallel lookups of an explicit key list.
const lookupConcurrency = 16

// ReadKeys parses a key list with one object key per line. Blank lines and
// lines starting with # are skipped, as are repeated keys.
func ReadKeys(r io.Reader) ([]string, error) {
	var keys []string
	seen := make(map[string]struct{})
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		key := strings.TrimSpace(sc.Text())
		if key == "" || strings.HasPrefix(key, "#") {
			continue
		}
		key = strings.TrimPrefix(key, "/")
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read keys: %w", err)
	}
	return keys, nil
}

// Lookup resolves explicit keys in bucket to descriptors, in the order
// given. Keys that do not exist are returned in missing. Each key is found
// by listing it as a prefix, limited to one object: listings are
// lexicographic, so an existing key is always the first result.
func (e *Enumerator) Lookup(ctx context.Context, bucket string, keys []string) (found []storage.ObjectDescriptor, missing []string, err error) {
	results := make([]*storage.ObjectDescriptor, len(keys))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(lookupConcurrency)
	for i, key := range keys {
		g.Go(func() error {
			var page storage.Page
			err := e.opts.Retry.Do(gctx, "lookup", func(ctx context.Context) error {
				var err error
				page, err = e.store.List(ctx, bucket, key, "", 1)
				return err
			})
			if err != nil {
				return fmt.Errorf("lookup %s/%s: %w", bucket, key, err)
			}
			if len(page.Objects) > 0 && page.Objects[0].Key == key {
				obj := page.Objects[0]
				results[i] = &obj
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	for i, r := range results {
		if r == nil {
			missing = append(missing, keys[i])
			continue
		}
		found = append(found, *r)
	}
	if m := metrics.Get(); m != nil {
		m.AddObjectsListed(metrics.Labels{Bucket: bucket}, float64(len(found)))
	}
	e.log.Info("key list resolved", "bucket", bucket, "keys", len(keys), "found", len(found), "missing", len(missing))
	return found, missing, nil
}
