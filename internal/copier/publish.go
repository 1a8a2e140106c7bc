package copier

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/goccy/go-json"

	"github.com/withObsrvr/obsrvr-asset-sync/internal/storage"
)

// SummaryKey returns the destination key of a run summary.
func (c *Copier) SummaryKey() string {
	loc := storage.Location{Prefix: c.cfg.Report.RunsPrefix}.Dir()
	return loc.Prefix + c.runID + ".json"
}

// publishSummary uploads the summary next to the destination outputs so
// later runs and operators can audit it.
func (c *Copier) publishSummary(ctx context.Context, s *Summary) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	key := c.SummaryKey()
	err = c.cfg.Perf.Retry.Do(ctx, "put_summary", func(ctx context.Context) error {
		return c.dst.Put(ctx, c.dstLoc.Bucket, key, bytes.NewReader(data), "application/json")
	})
	if err != nil {
		return fmt.Errorf("upload summary %s: %w", key, err)
	}
	c.log.Info("uploaded run summary", "bucket", c.dstLoc.Bucket, "key", key)
	return nil
}

// WriteSummary writes s to w as indented JSON.
func WriteSummary(w io.Writer, s *Summary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}
