package executor

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"

	"github.com/withObsrvr/obsrvr-asset-sync/internal/planner"
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

func read(t *testing.T, s storage.ObjectStore, bucket, key string) string {
	t.Helper()
	r, err := s.Get(context.Background(), bucket, key)
	require.NoError(t, err)
	defer r.Close()
	b, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(b)
}

func fastRetry() retry.Policy {
	return retry.Policy{MaxAttempts: 3, Initial: time.Millisecond, Max: 2 * time.Millisecond}
}

// fakeTransformer writes the artifact name into the output, failing for
// artifacts listed in fail.
type fakeTransformer struct {
	mu     sync.Mutex
	fail   map[string]bool
	inputs []string
}

func (f *fakeTransformer) Extract(ctx context.Context, input, output string, a transform.Artifact) error {
	f.mu.Lock()
	f.inputs = append(f.inputs, input)
	f.mu.Unlock()
	if f.fail[a.Name] {
		return &transform.TransformError{Artifact: a.Name, ExitCode: 1, Stderr: "decode error"}
	}
	return os.WriteFile(output, []byte("\xff\xd8\xff\xe0 "+a.Name), 0644)
}

var artifacts = []transform.Artifact{
	{Name: "mobile", Width: 260, Height: 163, At: "00:05:00", Format: "jpg"},
	{Name: "tablet", Width: 377, Height: 236, At: "00:05:00", Format: "jpg"},
	{Name: "tv", Width: 426, Height: 267, At: "00:05:00", Format: "jpg"},
}

func transformUnit() (planner.WorkUnit, []planner.Target) {
	u := planner.WorkUnit{ID: "A/v1", Sources: []storage.ObjectDescriptor{{Key: "A/v1/video.mp4"}}}
	for _, a := range artifacts {
		u.Targets = append(u.Targets, planner.Target{Name: a.Name, Source: "A/v1/video.mp4", Key: "A/v1/" + a.FileName()})
	}
	return u, u.Targets
}

func TestExecuteCopyServerSide(t *testing.T) {
	ctx := context.Background()
	s := memStore(t, "src", "dst")
	put(t, s, "src", "in/A/v1/video.mp4", "video")

	e := New(Config{
		Mode:   planner.ModeCopy,
		Source: storage.Location{Bucket: "src"},
		Dest:   storage.Location{Bucket: "dst"},
		Retry:  fastRetry(),
	}, s, s, nil)

	targets := []planner.Target{{Name: "A/v1/video.mp4", Source: "in/A/v1/video.mp4", Key: "out/A/v1/video.mp4"}}
	res, err := e.Execute(ctx, planner.WorkUnit{ID: "A/v1"}, targets)
	require.NoError(t, err)
	assert.Equal(t, []string{"out/A/v1/video.mp4"}, res.Written)
	assert.NoError(t, res.Err())
	assert.Equal(t, "video", read(t, s, "dst", "out/A/v1/video.mp4"))
}

func TestExecuteCopyAcrossStores(t *testing.T) {
	ctx := context.Background()
	src := memStore(t, "src")
	dst := memStore(t, "dst")
	put(t, src, "src", "a.mp4", "aaa")
	put(t, src, "src", "b.mp4", "bbb")

	e := New(Config{
		Mode:   planner.ModeCopy,
		Source: storage.Location{Bucket: "src"},
		Dest:   storage.Location{Bucket: "dst"},
		Retry:  fastRetry(),
	}, src, dst, nil)

	res, err := e.Execute(ctx, planner.WorkUnit{ID: "u"}, []planner.Target{
		{Source: "a.mp4", Key: "x/a.mp4"},
		{Source: "gone.mp4", Key: "x/gone.mp4"},
		{Source: "b.mp4", Key: "x/b.mp4"},
	})
	require.NoError(t, err, "a missing source fails only its target")
	assert.Equal(t, []string{"x/a.mp4", "x/b.mp4"}, res.Written)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, []string{"x/gone.mp4"}, res.FailedKeys())
	assert.True(t, storage.IsNotFound(res.Failures[0].Err))
	assert.Equal(t, "bbb", read(t, dst, "dst", "x/b.mp4"))
}

func TestExecuteTransformPartialFailure(t *testing.T) {
	ctx := context.Background()
	src := memStore(t, "src")
	dst := memStore(t, "dst")
	put(t, src, "src", "A/v1/video.mp4", "video-bytes")

	work := t.TempDir()
	ft := &fakeTransformer{fail: map[string]bool{"tablet": true}}
	e := New(Config{
		Mode:      planner.ModeTransform,
		Source:    storage.Location{Bucket: "src"},
		Dest:      storage.Location{Bucket: "dst"},
		Artifacts: artifacts,
		WorkDir:   work,
		Retry:     fastRetry(),
	}, src, dst, ft)

	unit, missing := transformUnit()
	res, err := e.Execute(ctx, unit, missing)
	require.NoError(t, err)

	assert.Equal(t, []string{"A/v1/mobile.jpg", "A/v1/tv.jpg"}, res.Written)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "A/v1/tablet.jpg", res.Failures[0].Target.Key)
	assert.True(t, transform.IsTransformError(res.Failures[0].Err))
	assert.ErrorContains(t, res.Err(), "A/v1/tablet.jpg")

	assert.Contains(t, read(t, dst, "dst", "A/v1/tv.jpg"), "tv")

	// The source is fetched once and the working area is gone.
	require.Len(t, ft.inputs, 3)
	assert.Equal(t, ft.inputs[0], ft.inputs[2])
	entries, err := os.ReadDir(work)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestExecuteTransformOnlyMissing(t *testing.T) {
	ctx := context.Background()
	src := memStore(t, "src")
	dst := memStore(t, "dst")
	put(t, src, "src", "A/v1/video.mp4", "video-bytes")

	ft := &fakeTransformer{}
	e := New(Config{
		Mode:      planner.ModeTransform,
		Source:    storage.Location{Bucket: "src"},
		Dest:      storage.Location{Bucket: "dst"},
		Artifacts: artifacts,
		WorkDir:   t.TempDir(),
		Retry:     fastRetry(),
	}, src, dst, ft)

	unit, targets := transformUnit()
	res, err := e.Execute(ctx, unit, targets[1:2])
	require.NoError(t, err)
	assert.Equal(t, []string{"A/v1/tablet.jpg"}, res.Written)
	assert.Len(t, ft.inputs, 1)

	res, err = e.Execute(ctx, unit, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Written)
}

func TestExecuteTransformFetchFailure(t *testing.T) {
	src := memStore(t, "src")
	dst := memStore(t, "dst")
	work := t.TempDir()
	e := New(Config{
		Mode:      planner.ModeTransform,
		Source:    storage.Location{Bucket: "src"},
		Dest:      storage.Location{Bucket: "dst"},
		Artifacts: artifacts,
		WorkDir:   work,
		Retry:     fastRetry(),
	}, src, dst, &fakeTransformer{})

	unit, missing := transformUnit()
	res, err := e.Execute(context.Background(), unit, missing)
	require.NoError(t, err)
	assert.Empty(t, res.Written)
	assert.Len(t, res.Failures, 3)

	entries, err := os.ReadDir(work)
	require.NoError(t, err)
	assert.Empty(t, entries, "working area removed on failure")
}

// deniedStore rejects every Put.
type deniedStore struct {
	storage.ObjectStore
}

func (deniedStore) Put(ctx context.Context, bucket, key string, r io.Reader, contentType string) error {
	return &storage.FatalStoreError{Op: "put", Bucket: bucket, Key: key, Kind: storage.KindAccessDenied, Err: errors.New("AccessDenied")}
}

func TestExecuteAccessDeniedAborts(t *testing.T) {
	src := memStore(t, "src")
	put(t, src, "src", "a.mp4", "a")
	e := New(Config{
		Mode:   planner.ModeCopy,
		Source: storage.Location{Bucket: "src"},
		Dest:   storage.Location{Bucket: "dst"},
		Retry:  fastRetry(),
	}, src, deniedStore{ObjectStore: src}, nil)

	_, err := e.Execute(context.Background(), planner.WorkUnit{ID: "u"}, []planner.Target{{Source: "a.mp4", Key: "a.mp4"}})
	require.Error(t, err)
	assert.True(t, Aborts(err))
}

func TestVerify(t *testing.T) {
	ctx := context.Background()
	dst := memStore(t, "dst")
	put(t, dst, "dst", "A/v1/mobile.jpg", "x")

	e := New(Config{Dest: storage.Location{Bucket: "dst"}, Retry: fastRetry()}, dst, dst, nil)
	require.NoError(t, e.Verify(ctx, "A/v1", []string{"A/v1/mobile.jpg"}))

	err := e.Verify(ctx, "A/v1", []string{"A/v1/mobile.jpg", "A/v1/tv.jpg"})
	var ve *VerificationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, []string{"A/v1/tv.jpg"}, ve.Missing)
	assert.Contains(t, err.Error(), "1 output(s) missing")
}

func TestPacerBatchPause(t *testing.T) {
	p := NewPacer(PacerConfig{BatchSize: 2, BatchPause: 40 * time.Millisecond})
	require.NotNil(t, p)

	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Wait(context.Background()))
	}
	// Pauses before the 3rd and 5th dispatch.
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestPacerRate(t *testing.T) {
	p := NewPacer(PacerConfig{RatePerSecond: 20, Burst: 1})
	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Wait(context.Background()))
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestPacerDisabledAndCancelled(t *testing.T) {
	var p *Pacer = NewPacer(PacerConfig{})
	assert.Nil(t, p)
	assert.NoError(t, p.Wait(context.Background()))

	p = NewPacer(PacerConfig{BatchSize: 1, BatchPause: time.Hour})
	require.NoError(t, p.Wait(context.Background()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Wait(ctx), context.Canceled)
}
