package copier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"

	"github.com/withObsrvr/obsrvr-asset-sync/internal/config"
	"github.com/withObsrvr/obsrvr-asset-sync/internal/events"
	"github.com/withObsrvr/obsrvr-asset-sync/internal/exitcode"
	"github.com/withObsrvr/obsrvr-asset-sync/internal/ledger"
	"github.com/withObsrvr/obsrvr-asset-sync/internal/retry"
	"github.com/withObsrvr/obsrvr-asset-sync/internal/storage"
	"github.com/withObsrvr/obsrvr-asset-sync/internal/transform"
)

func memStore(t *testing.T, buckets ...string) *storage.BlobStore {
	t.Helper()
	s, err := storage.NewBlobStore(storage.StoreConfig{URLScheme: "mem"})
	require.NoError(t, err)
	for _, b := range buckets {
		s.Attach(b, memblob.OpenBucket(nil))
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func put(t *testing.T, s storage.ObjectStore, bucket, key, body string) {
	t.Helper()
	require.NoError(t, s.Put(context.Background(), bucket, key, strings.NewReader(body), ""))
}

func exists(t *testing.T, s storage.ObjectStore, bucket, key string) bool {
	t.Helper()
	ok, err := s.Head(context.Background(), bucket, key)
	require.NoError(t, err)
	return ok
}

func testConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.Source.Location = "media/videos/"
	cfg.Dest.Location = "media/thumbs/"
	cfg.Perf.Workers = 3
	cfg.Perf.UnitTimeout = 5 * time.Second
	cfg.Perf.Retry = retry.Policy{MaxAttempts: 2, Initial: time.Millisecond, Max: 2 * time.Millisecond}
	cfg.Transform.WorkDir = ""
	return cfg
}

// fakeTransformer writes a small JPEG-like file per artifact. A source whose
// content is "hang" blocks until the context ends; artifacts named in fail
// exit with an error.
type fakeTransformer struct {
	mu      sync.Mutex
	fail    map[string]bool
	calls   map[string]int
	started chan struct{}
}

func newFakeTransformer() *fakeTransformer {
	return &fakeTransformer{calls: map[string]int{}, started: make(chan struct{}, 64)}
}

func (f *fakeTransformer) Extract(ctx context.Context, input, output string, a transform.Artifact) error {
	f.mu.Lock()
	f.calls[a.Name]++
	fail := f.fail[a.Name]
	f.mu.Unlock()

	content, err := os.ReadFile(input)
	if err != nil {
		return err
	}
	select {
	case f.started <- struct{}{}:
	default:
	}
	if string(content) == "hang" {
		<-ctx.Done()
		return &transform.TransformError{Artifact: a.Name, ExitCode: -1, Err: ctx.Err()}
	}
	if fail {
		return &transform.TransformError{Artifact: a.Name, ExitCode: 1, Stderr: "decode error"}
	}
	return os.WriteFile(output, []byte("\xff\xd8\xff\xe0 "+a.Name), 0644)
}

func (f *fakeTransformer) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func thumbKeys(unitID string) []string {
	var keys []string
	for _, a := range transform.DefaultArtifacts() {
		keys = append(keys, "thumbs/"+unitID+"/"+a.FileName())
	}
	return keys
}

type harness struct {
	cfg    config.Config
	store  *storage.BlobStore
	bucket *blob.Bucket
	ldg    *ledger.Ledger
	tr     *fakeTransformer
}

func newHarness(t *testing.T) *harness {
	store := memStore(t)
	bucket := memblob.OpenBucket(nil)
	store.Attach("media", bucket)
	return &harness{
		cfg:    testConfig(),
		store:  store,
		bucket: bucket,
		ldg:    ledger.New(ledger.NewMemoryStore(), ledger.Options{Holder: "test", StaleAfter: time.Hour}),
		tr:     newFakeTransformer(),
	}
}

func (h *harness) copier(t *testing.T) *Copier {
	t.Helper()
	c, err := New(h.cfg, Deps{Source: h.store, Dest: h.store, Ledger: h.ldg, Transformer: h.tr})
	require.NoError(t, err)
	return c
}

func (h *harness) run(t *testing.T) *Summary {
	t.Helper()
	s, err := h.copier(t).Run(context.Background())
	require.NoError(t, err)
	return s
}

func (h *harness) status(t *testing.T, unitID string) ledger.Status {
	t.Helper()
	e, err := h.ldg.Lookup(context.Background(), unitID)
	require.NoError(t, err)
	if e == nil {
		return ""
	}
	return e.Status
}

func TestRunTimeoutFailsOnlyHungUnit(t *testing.T) {
	h := newHarness(t)
	h.cfg.Perf.UnitTimeout = 300 * time.Millisecond
	for i := 1; i <= 10; i++ {
		body := "video"
		if i == 4 {
			body = "hang"
		}
		put(t, h.store, "media", fmt.Sprintf("videos/u%02d/v1/video.mp4", i), body)
	}

	s := h.run(t)

	assert.Equal(t, 10, s.Planned)
	assert.Equal(t, 9, s.Completed)
	assert.Equal(t, 0, s.Skipped)
	assert.Equal(t, 1, s.Failed)
	require.Len(t, s.Failures, 1)
	assert.Equal(t, "u04/v1", s.Failures[0].UnitID)
	assert.Contains(t, s.Failures[0].Error, "timed out")
	assert.ElementsMatch(t, thumbKeys("u04/v1"), s.Failures[0].Keys)
	assert.Equal(t, exitcode.UnitFailures, s.ExitCode())

	for i := 1; i <= 10; i++ {
		id := fmt.Sprintf("u%02d/v1", i)
		if i == 4 {
			assert.Equal(t, ledger.StatusFailed, h.status(t, id))
			continue
		}
		assert.Equal(t, ledger.StatusDone, h.status(t, id), id)
		for _, k := range thumbKeys(id) {
			assert.True(t, exists(t, h.store, "media", k), k)
		}
	}
}

func TestRunIsIdempotent(t *testing.T) {
	h := newHarness(t)
	for _, u := range []string{"A/v1", "B/v2", "C/v3"} {
		put(t, h.store, "media", "videos/"+u+"/video.mp4", "video")
	}

	first := h.run(t)
	assert.Equal(t, 3, first.Completed)
	assert.Equal(t, exitcode.Success, first.ExitCode())
	calls := h.tr.total()
	assert.Equal(t, 9, calls)

	var records int
	require.NoError(t, h.ldg.History(context.Background(), func(ledger.Record) error { records++; return nil }))

	second := h.run(t)
	assert.Equal(t, 3, second.Planned)
	assert.Equal(t, 0, second.Completed)
	assert.Equal(t, 3, second.Skipped)
	assert.Equal(t, 0, second.Failed)
	assert.Equal(t, calls, h.tr.total(), "nothing re-extracted")

	var after int
	require.NoError(t, h.ldg.History(context.Background(), func(ledger.Record) error { after++; return nil }))
	assert.Equal(t, records, after, "no new ledger transitions")
}

func TestDryRunMutatesNothing(t *testing.T) {
	h := newHarness(t)
	h.cfg.DryRun = true
	put(t, h.store, "media", "videos/A/v1/video.mp4", "video")
	put(t, h.store, "media", "videos/B/v2/video.mp4", "video")

	s := h.run(t)
	assert.True(t, s.DryRun)
	assert.Equal(t, 2, s.Planned)
	assert.Equal(t, 0, s.Completed)
	require.Len(t, s.WouldExecute, 2)
	assert.Equal(t, "A/v1", s.WouldExecute[0].UnitID)
	assert.ElementsMatch(t, thumbKeys("A/v1"), s.WouldExecute[0].Keys)

	entries, err := h.ldg.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Zero(t, h.tr.total())
	assert.False(t, exists(t, h.store, "media", thumbKeys("A/v1")[0]))
}

func TestRunAdoptsExistingOutputs(t *testing.T) {
	h := newHarness(t)
	put(t, h.store, "media", "videos/A/v1/video.mp4", "video")
	put(t, h.store, "media", "videos/B/v2/video.mp4", "video")
	for _, k := range thumbKeys("A/v1") {
		put(t, h.store, "media", k, "thumb")
	}

	s := h.run(t)
	assert.Equal(t, 2, s.Planned)
	assert.Equal(t, 1, s.Completed)
	assert.Equal(t, 1, s.Skipped)
	assert.Equal(t, 3, h.tr.total(), "only B is extracted")

	a, err := h.ldg.Lookup(context.Background(), "A/v1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusDone, a.Status)
	assert.ElementsMatch(t, thumbKeys("A/v1"), a.CompletedOutputs)
	assert.Equal(t, ledger.StatusDone, h.status(t, "B/v2"))
}

func TestPartialFailureRetriesOnlyMissing(t *testing.T) {
	h := newHarness(t)
	put(t, h.store, "media", "videos/A/v1/video.mp4", "video")
	h.tr.fail = map[string]bool{"landscape-regular-thumb-tv": true}

	first := h.run(t)
	assert.Equal(t, 1, first.Failed)
	assert.Equal(t, []string{"thumbs/A/v1/landscape-regular-thumb-tv.jpg"}, first.Failures[0].Keys)

	e, err := h.ldg.Lookup(context.Background(), "A/v1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, e.Status)
	assert.Len(t, e.CompletedOutputs, 2)

	h.tr.fail = nil
	h.tr.calls = map[string]int{}
	second := h.run(t)
	assert.Equal(t, 1, second.Completed)
	assert.Equal(t, map[string]int{"landscape-regular-thumb-tv": 1}, h.tr.calls)

	e, err = h.ldg.Lookup(context.Background(), "A/v1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusDone, e.Status)
	assert.ElementsMatch(t, thumbKeys("A/v1"), e.CompletedOutputs)
}

func TestRunReopensUnitWithMissingOutputs(t *testing.T) {
	h := newHarness(t)
	put(t, h.store, "media", "videos/A/v1/video.mp4", "video")
	require.Equal(t, 1, h.run(t).Completed)

	removed := thumbKeys("A/v1")[1]
	require.NoError(t, h.bucket.Delete(context.Background(), removed))

	s := h.run(t)
	assert.Equal(t, 1, s.Completed)
	assert.True(t, exists(t, h.store, "media", removed))
	assert.Equal(t, ledger.StatusDone, h.status(t, "A/v1"))
}

func TestForceStopFailsInFlightUnit(t *testing.T) {
	h := newHarness(t)
	h.cfg.Perf.UnitTimeout = time.Minute
	put(t, h.store, "media", "videos/A/v1/video.mp4", "hang")

	c := h.copier(t)
	go func() {
		<-h.tr.started
		c.ForceStop()
	}()

	s, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, ledger.StatusFailed, h.status(t, "A/v1"), "no unit left in progress")
}

func TestCancelStopsDispatch(t *testing.T) {
	h := newHarness(t)
	h.cfg.Perf.Workers = 1
	for _, u := range []string{"A/v1", "B/v1", "C/v1", "D/v1"} {
		put(t, h.store, "media", "videos/"+u+"/video.mp4", "video")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-h.tr.started
		cancel()
	}()

	s, err := h.copier(t).Run(ctx)
	require.NoError(t, err)
	assert.True(t, s.Interrupted)
	assert.Equal(t, 0, s.Failed)
	assert.GreaterOrEqual(t, s.Completed, 1, "the in-flight unit finishes")
	assert.Less(t, s.Completed, 4)

	entries, err := h.ldg.List(context.Background())
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotEqual(t, ledger.StatusInProgress, e.Status, e.UnitID)
	}
}

// deniedStore rejects every write.
type deniedStore struct {
	storage.ObjectStore
}

func (d deniedStore) Put(ctx context.Context, bucket, key string, r io.Reader, contentType string) error {
	return &storage.FatalStoreError{Op: "put", Bucket: bucket, Key: key, Kind: storage.KindAccessDenied, Err: errors.New("403")}
}

func TestAccessDeniedAbortsRun(t *testing.T) {
	h := newHarness(t)
	put(t, h.store, "media", "videos/A/v1/video.mp4", "video")

	c, err := New(h.cfg, Deps{Source: h.store, Dest: deniedStore{h.store}, Ledger: h.ldg, Transformer: h.tr})
	require.NoError(t, err)

	_, err = c.Run(context.Background())
	require.Error(t, err)
	assert.True(t, storage.IsAccessDenied(err))
	assert.Equal(t, ledger.StatusFailed, h.status(t, "A/v1"))
}

func TestCopyModeMirrorsKeys(t *testing.T) {
	h := newHarness(t)
	h.cfg.Mode = "copy"
	h.cfg.Dest.Location = "media/archive/"
	put(t, h.store, "media", "videos/A/v1/video.mp4", "video")
	put(t, h.store, "media", "videos/A/v1/extra.mp4", "extra")

	s := h.run(t)
	assert.Equal(t, 1, s.Completed)
	assert.True(t, exists(t, h.store, "media", "archive/A/v1/video.mp4"))
	assert.True(t, exists(t, h.store, "media", "archive/A/v1/extra.mp4"))
	assert.Zero(t, h.tr.total())
}

func TestRunUploadsSummaryAndEvents(t *testing.T) {
	h := newHarness(t)
	h.cfg.Report.Upload = true
	put(t, h.store, "media", "videos/A/v1/video.mp4", "video")
	dir := t.TempDir()

	c, err := New(h.cfg, Deps{
		Source:      h.store,
		Dest:        h.store,
		Ledger:      h.ldg,
		Transformer: h.tr,
		Events:      events.NewEmitter(events.Config{Enabled: true, BackupDir: dir}),
		RunID:       "run-42",
	})
	require.NoError(t, err)
	s, err := c.Run(context.Background())
	require.NoError(t, err)

	r, err := h.store.Get(context.Background(), "media", "asset-sync/runs/run-42.json")
	require.NoError(t, err)
	defer r.Close()
	var uploaded Summary
	require.NoError(t, json.NewDecoder(r).Decode(&uploaded))
	assert.Equal(t, s.Completed, uploaded.Completed)
	assert.Equal(t, "run-42", uploaded.RunID)

	_, err = os.Stat(filepath.Join(dir, "run-42_A__v1.json"))
	assert.NoError(t, err)
}

func TestSummaryKey(t *testing.T) {
	h := newHarness(t)
	h.cfg.Report.RunsPrefix = "audit/runs"
	c, err := New(h.cfg, Deps{Source: h.store, Dest: h.store, Ledger: h.ldg, Transformer: h.tr, RunID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, "audit/runs/r1.json", c.SummaryKey())
}

func TestRunDestWithoutTrailingSlash(t *testing.T) {
	h := newHarness(t)
	h.cfg.Source.Location = "media/videos"
	h.cfg.Dest.Location = "media/thumbs"
	put(t, h.store, "media", "videos/A/v1/video.mp4", "video")
	put(t, h.store, "media", "videos-old/B/v1/video.mp4", "video")

	s := h.run(t)
	assert.Equal(t, 1, s.Planned)
	assert.Equal(t, 1, s.Completed)
	for _, k := range thumbKeys("A/v1") {
		assert.True(t, exists(t, h.store, "media", k), k)
	}
	assert.Equal(t, ledger.Status(""), h.status(t, "-old/B"))
}

func TestRunKeysFile(t *testing.T) {
	h := newHarness(t)
	put(t, h.store, "media", "videos/A/v1/video.mp4", "video")
	put(t, h.store, "media", "videos/B/v2/video.mp4", "video")
	keys := filepath.Join(t.TempDir(), "keys.txt")
	require.NoError(t, os.WriteFile(keys, []byte(strings.Join([]string{
		"videos/A/v1/video.mp4",
		"videos/Z/v9/video.mp4",
		"archive/C/v3/video.mp4",
	}, "\n")), 0644))
	h.cfg.Source.KeysFile = keys

	s := h.run(t)
	assert.Equal(t, 3, s.Planned)
	assert.Equal(t, 1, s.Completed)
	require.Len(t, s.Failures, 2)
	assert.Equal(t, "Z/v9", s.Failures[0].UnitID)
	assert.Equal(t, "source object not found", s.Failures[0].Error)
	assert.Equal(t, "archive/C/v3/video.mp4", s.Failures[1].UnitID)
	assert.Contains(t, s.Failures[1].Error, "not a unit under source")

	assert.Equal(t, ledger.StatusDone, h.status(t, "A/v1"))
	assert.Equal(t, ledger.Status(""), h.status(t, "B/v2"), "unlisted units are left alone")
	assert.Equal(t, exitcode.UnitFailures, s.ExitCode())
}

func TestWriteSummary(t *testing.T) {
	var buf bytes.Buffer
	s := &Summary{Planned: 2, Completed: 1, Failed: 1, Failures: []Failure{{UnitID: "B/v2", Error: "boom", Keys: []string{"k"}}}}
	require.NoError(t, WriteSummary(&buf, s))

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	for _, field := range []string{"planned", "completed", "skipped", "failed", "failures"} {
		assert.Contains(t, got, field)
	}
	assert.Equal(t, exitcode.UnitFailures, s.ExitCode())
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(testConfig(), Deps{})
	assert.Error(t, err)

	store := memStore(t, "media")
	ldg := ledger.New(ledger.NewMemoryStore(), ledger.Options{Holder: "test"})
	_, err = New(testConfig(), Deps{Source: store, Dest: store, Ledger: ldg})
	assert.ErrorContains(t, err, "transformer")
}
