package ledger

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// crash drops the journal handle without compacting, as if the process died.
func crash(t *testing.T, s *FileStore) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NoError(t, s.journal.Close())
	s.journal = nil
	s.closeCodecs()
}

func TestFileStoreReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := OpenFileStore(dir, 0)
	require.NoError(t, err)
	l := New(s, Options{Holder: "run-a"})
	_, err = l.Begin(ctx, "A")
	require.NoError(t, err)
	require.NoError(t, l.Complete(ctx, "A", []string{"A/thumb.jpg"}))
	_, err = l.Begin(ctx, "B")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenFileStore(dir, 0)
	require.NoError(t, err)
	defer s.Close()

	entries, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, StatusDone, entries[0].Status)
	assert.Equal(t, []string{"A/thumb.jpg"}, entries[0].CompletedOutputs)
	assert.Equal(t, StatusInProgress, entries[1].Status)

	// Sequence numbers continue after reopen.
	l = New(s, Options{Holder: "run-a"})
	require.NoError(t, l.Complete(ctx, "B", nil))
	var seqs []uint64
	require.NoError(t, s.History(ctx, func(r Record) error {
		seqs = append(seqs, r.Seq)
		return nil
	}))
	assert.Equal(t, []uint64{1, 2, 3, 4}, seqs)
}

func TestFileStoreReplaysJournalAfterCrash(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := OpenFileStore(dir, 0)
	require.NoError(t, err)
	l := New(s, Options{Holder: "run-a"})
	_, err = l.Begin(ctx, "A")
	require.NoError(t, err)
	crash(t, s)

	_, err = os.Stat(filepath.Join(dir, snapshotFile))
	assert.True(t, os.IsNotExist(err), "no snapshot written before the crash")

	s, err = OpenFileStore(dir, 0)
	require.NoError(t, err)
	defer s.Close()
	e, err := s.Get(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, e.Status)
	assert.Equal(t, "run-a", e.Holder)
}

func TestFileStoreTruncatesTornRecord(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := OpenFileStore(dir, 0)
	require.NoError(t, err)
	l := New(s, Options{Holder: "run-a"})
	require.NoError(t, l.Complete(ctx, "A", []string{"a"}))
	crash(t, s)

	path := filepath.Join(dir, journalFile)
	info, err := os.Stat(path)
	require.NoError(t, err)
	good := info.Size()

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"transition":"comp`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s, err = OpenFileStore(dir, 0)
	require.NoError(t, err)

	info, err = os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, good, info.Size())

	e, err := s.Get(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, StatusDone, e.Status)

	// The journal stays appendable after the repair.
	l = New(s, Options{Holder: "run-a"})
	require.NoError(t, l.Complete(ctx, "B", []string{"b"}))
	require.NoError(t, s.Close())

	s, err = OpenFileStore(dir, 0)
	require.NoError(t, err)
	defer s.Close()
	entries, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestFileStoreCompactionKeepsHistory(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := OpenFileStore(dir, 2)
	require.NoError(t, err)
	l := New(s, Options{Holder: "run-a"})

	_, err = l.Begin(ctx, "A")
	require.NoError(t, err)
	require.NoError(t, l.Fail(ctx, "A", assert.AnError, nil))
	require.NoError(t, l.Retry(ctx, "A"))
	_, err = l.Begin(ctx, "A")
	require.NoError(t, err)
	require.NoError(t, l.Complete(ctx, "A", []string{"a"}))

	segments, err := filepath.Glob(filepath.Join(dir, historyDir, "segment-*.jsonl.zst"))
	require.NoError(t, err)
	assert.Len(t, segments, 2)
	_, err = os.Stat(filepath.Join(dir, snapshotFile))
	require.NoError(t, err)

	var got []Transition
	require.NoError(t, s.History(ctx, func(r Record) error {
		got = append(got, r.Transition)
		return nil
	}))
	want := []Transition{TransitionBegin, TransitionFail, TransitionRetry, TransitionBegin, TransitionComplete}
	assert.Equal(t, want, got)

	require.NoError(t, s.Close())

	s, err = OpenFileStore(dir, 2)
	require.NoError(t, err)
	defer s.Close()

	e, err := s.Get(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, StatusDone, e.Status)
	assert.Equal(t, uint64(5), e.Version)

	got = nil
	require.NoError(t, s.History(ctx, func(r Record) error {
		got = append(got, r.Transition)
		return nil
	}))
	assert.Equal(t, want, got)
}

func TestFileStoreVersionConflict(t *testing.T) {
	ctx := context.Background()
	s, err := OpenFileStore(t.TempDir(), 0)
	require.NoError(t, err)
	defer s.Close()

	rec := Record{Transition: TransitionBegin, Entry: Entry{UnitID: "A", Status: StatusInProgress, Version: 1}}
	require.NoError(t, s.Apply(ctx, 0, rec))
	assert.ErrorIs(t, s.Apply(ctx, 0, rec), ErrVersionConflict)
}

func TestFileStoreSingleOwner(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s1, err := OpenFileStore(dir, 0)
	require.NoError(t, err)
	_, err = New(s1, Options{Holder: "run-a"}).Begin(ctx, "A/v1")
	require.NoError(t, err)

	_, err = OpenFileStore(dir, 0)
	require.ErrorIs(t, err, ErrLedgerLocked, "a second run cannot open the same ledger")

	require.NoError(t, s1.Close())

	s2, err := OpenFileStore(dir, 0)
	require.NoError(t, err)
	defer s2.Close()
	_, err = New(s2, Options{Holder: "run-b", StaleAfter: time.Hour}).Begin(ctx, "A/v1")
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "run-a", conflict.Holder)
}

func TestFileStoreReadOnlySessionLeavesFilesAlone(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := OpenFileStore(dir, 0)
	require.NoError(t, err)
	require.NoError(t, New(s, Options{Holder: "run-a"}).Complete(ctx, "A", []string{"a"}))
	crash(t, s)

	journal := filepath.Join(dir, journalFile)
	before, err := os.ReadFile(journal)
	require.NoError(t, err)
	require.NotEmpty(t, before)

	s, err = OpenFileStore(dir, 0)
	require.NoError(t, err)
	entries, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	require.NoError(t, s.Close())

	after, err := os.ReadFile(journal)
	require.NoError(t, err)
	assert.Equal(t, before, after, "journal is not compacted")
	_, err = os.Stat(filepath.Join(dir, snapshotFile))
	assert.True(t, os.IsNotExist(err), "no snapshot written")
	segments, err := filepath.Glob(filepath.Join(dir, historyDir, "segment-*.jsonl.zst"))
	require.NoError(t, err)
	assert.Empty(t, segments)
}
