// Package report summarizes the objects of a namespace: how many match a
// suffix, and which of them were modified on a given day.
package report

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/withObsrvr/obsrvr-asset-sync/internal/retry"
	"github.com/withObsrvr/obsrvr-asset-sync/internal/source"
	"github.com/withObsrvr/obsrvr-asset-sync/internal/storage"
)

// DateLayout is the format of report dates.
const DateLayout = "2006-01-02"

// Options configures a Generator.
type Options struct {
	Suffix   string
	PageSize int
	Retry    retry.Policy
}

// File is one object modified on the report date.
type File struct {
	Key          string    `json:"key"`
	LastModified time.Time `json:"last_modified"`
	Size         uint64    `json:"size"`
}

// Report is the namespace summary.
type Report struct {
	Bucket      string    `json:"bucket"`
	Prefix      string    `json:"prefix"`
	Suffix      string    `json:"suffix"`
	Date        string    `json:"date"`
	GeneratedAt time.Time `json:"generated_at"`
	// TotalFiles counts every matching object in the namespace.
	TotalFiles int `json:"total_files"`
	// TotalFilesOnDate counts matching objects last modified on Date (UTC).
	TotalFilesOnDate int    `json:"total_files_on_date"`
	Files            []File `json:"files"`
}

// Generator builds and publishes reports.
type Generator struct {
	store storage.ObjectStore
	opts  Options
	log   *slog.Logger
}

// New creates a Generator listing from store.
func New(store storage.ObjectStore, opts Options) *Generator {
	if opts.Suffix == "" {
		opts.Suffix = ".mp4"
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DefaultPolicy()
	}
	return &Generator{
		store: store,
		opts:  opts,
		log:   slog.With("component", "report", "suffix", opts.Suffix),
	}
}

// Build lists loc and counts matching objects. Objects are matched on date
// by their UTC modification day.
func (g *Generator) Build(ctx context.Context, loc storage.Location, date time.Time) (*Report, error) {
	day := date.UTC().Format(DateLayout)
	enum := source.New(g.store, source.Options{
		PageSize: g.opts.PageSize,
		Suffixes: []string{g.opts.Suffix},
		Retry:    g.opts.Retry,
	})

	r := &Report{
		Bucket:      loc.Bucket,
		Prefix:      loc.Prefix,
		Suffix:      g.opts.Suffix,
		Date:        day,
		GeneratedAt: time.Now().UTC(),
		Files:       []File{},
	}

	objCh, errCh := enum.Stream(ctx, loc.Bucket, loc.Prefix, "")
	for obj := range objCh {
		r.TotalFiles++
		if obj.LastModified.UTC().Format(DateLayout) == day {
			r.Files = append(r.Files, File{Key: obj.Key, LastModified: obj.LastModified.UTC(), Size: obj.Size})
		}
	}
	if err := <-errCh; err != nil {
		return nil, fmt.Errorf("list %s: %w", loc, err)
	}

	sort.Slice(r.Files, func(i, j int) bool { return r.Files[i].Key < r.Files[j].Key })
	r.TotalFilesOnDate = len(r.Files)

	g.log.Info("report built",
		"location", loc.String(),
		"date", day,
		"total", r.TotalFiles,
		"on_date", r.TotalFilesOnDate,
	)
	return r, nil
}

// Key returns the object key a report is uploaded to, for example
// report/mp4_objects_2024-05-01.json.
func Key(suffix, date string) string {
	name := strings.TrimPrefix(strings.ToLower(suffix), ".")
	if name == "" {
		name = "all"
	}
	return fmt.Sprintf("report/%s_objects_%s.json", name, date)
}

// Upload writes r as JSON into bucket and returns its key.
func (g *Generator) Upload(ctx context.Context, bucket string, r *Report) (string, error) {
	data, err := json.MarshalIndent(r, "", "    ")
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}
	key := Key(r.Suffix, r.Date)
	err = g.opts.Retry.Do(ctx, "put_report", func(ctx context.Context) error {
		return g.store.Put(ctx, bucket, key, bytes.NewReader(data), "application/json")
	})
	if err != nil {
		return "", fmt.Errorf("upload report: %w", err)
	}
	g.log.Info("report uploaded", "bucket", bucket, "key", key)
	return key, nil
}
