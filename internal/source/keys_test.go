package source

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-asset-sync/internal/storage"
)

func TestReadKeys(t *testing.T) {
	in := `# videos to redo
videos/A/v1/video.mp4

  videos/B/v2/video.mp4  
/videos/C/v3/video.mp4
videos/A/v1/video.mp4
`
	keys, err := ReadKeys(strings.NewReader(in))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"videos/A/v1/video.mp4",
		"videos/B/v2/video.mp4",
		"videos/C/v3/video.mp4",
	}, keys)

	keys, err = ReadKeys(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestEnumerator_Lookup(t *testing.T) {
	store := memStore(t,
		"videos/A/v1/video.mp4",
		"videos/A/v1/video.mp4.bak",
		"videos/B/v2/video.mp4",
	)
	e := New(store, Options{Retry: fastRetry()})

	ctx := context.Background()
	found, missing, err := e.Lookup(ctx, "src", []string{
		"videos/B/v2/video.mp4",
		"videos/A/v1/video.mp4",
		"videos/A/v1/vid",
		"videos/Z/v9/video.mp4",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"videos/B/v2/video.mp4", "videos/A/v1/video.mp4"}, keysOf(found))
	assert.Equal(t, uint64(len("videos/B/v2/video.mp4")), found[0].Size)
	assert.Equal(t, []string{"videos/A/v1/vid", "videos/Z/v9/video.mp4"}, missing,
		"a key that is only a prefix of an object is missing")
}

func TestEnumerator_LookupRetriesTransient(t *testing.T) {
	store := &flakyStore{
		ObjectStore: memStore(t, "videos/A/v1/video.mp4"),
		failures:    []error{&storage.TransientStoreError{Op: "list", Err: errors.New("SlowDown")}},
	}
	e := New(store, Options{Retry: fastRetry()})

	found, missing, err := e.Lookup(context.Background(), "src", []string{"videos/A/v1/video.mp4"})
	require.NoError(t, err)
	assert.Len(t, found, 1)
	assert.Empty(t, missing)
	assert.Equal(t, 2, store.calls)
}

func TestEnumerator_LookupFatal(t *testing.T) {
	store := &flakyStore{
		ObjectStore: memStore(t, "videos/A/v1/video.mp4"),
		failures:    []error{errors.New("access denied")},
	}
	e := New(store, Options{Retry: fastRetry()})

	_, _, err := e.Lookup(context.Background(), "src", []string{"videos/A/v1/video.mp4"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
}
