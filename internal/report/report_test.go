package report

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"

	"github.com/withObsrvr/obsrvr-asset-sync/internal/storage"
)

func memStore(t *testing.T) *storage.BlobStore {
	t.Helper()
	s, err := storage.NewBlobStore(storage.StoreConfig{URLScheme: "mem"})
	require.NoError(t, err)
	s.Attach("ingest", memblob.OpenBucket(nil))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBuildAndUpload(t *testing.T) {
	ctx := context.Background()
	s := memStore(t)
	for _, k := range []string{"in/a.mp4", "in/b.MP4", "in/c.mp4", "in/notes.txt", "other/d.mp4"} {
		require.NoError(t, s.Put(ctx, "ingest", k, strings.NewReader("x"), ""))
	}
	today := time.Now().UTC()

	g := New(s, Options{Suffix: ".mp4", PageSize: 2})
	r, err := g.Build(ctx, storage.Location{Bucket: "ingest", Prefix: "in/"}, today)
	require.NoError(t, err)

	assert.Equal(t, 3, r.TotalFiles)
	assert.Equal(t, 3, r.TotalFilesOnDate)
	require.Len(t, r.Files, 3)
	assert.Equal(t, "in/a.mp4", r.Files[0].Key)

	key, err := g.Upload(ctx, "ingest", r)
	require.NoError(t, err)
	assert.Equal(t, "report/mp4_objects_"+today.Format(DateLayout)+".json", key)

	rc, err := s.Get(ctx, "ingest", key)
	require.NoError(t, err)
	defer rc.Close()
	var got Report
	require.NoError(t, json.NewDecoder(rc).Decode(&got))
	assert.Equal(t, 3, got.TotalFiles)
}

func TestBuildOtherDay(t *testing.T) {
	ctx := context.Background()
	s := memStore(t)
	require.NoError(t, s.Put(ctx, "ingest", "a.mp4", strings.NewReader("x"), ""))

	r, err := New(s, Options{}).Build(ctx, storage.Location{Bucket: "ingest"}, time.Now().AddDate(0, 0, -3))
	require.NoError(t, err)
	assert.Equal(t, 1, r.TotalFiles)
	assert.Zero(t, r.TotalFilesOnDate)
	assert.Empty(t, r.Files)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "report/mp4_objects_2024-05-01.json", Key(".mp4", "2024-05-01"))
	assert.Equal(t, "report/mov_objects_2024-05-01.json", Key(".MOV", "2024-05-01"))
	assert.Equal(t, "report/all_objects_2024-05-01.json", Key("", "2024-05-01"))
}
