package ledger

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/goccy/go-json"
	"github.com/gofrs/flock"
	"github.com/klauspost/compress/zstd"
)

const (
	lockFile     = "LOCK"
	journalFile  = "journal.jsonl"
	snapshotFile = "snapshot.json.zst"
	historyDir   = "history"
)

// ErrLedgerLocked is returned when another process holds the ledger
// directory.
var ErrLedgerLocked = errors.New("ledger directory is locked by another process")

// snapshot is the compacted latest-by-unit view.
type snapshot struct {
	Seq     uint64   `json:"seq"`
	Entries []*Entry `json:"entries"`
}

// FileStore is a single-writer append-only journal on local disk. One
// process at a time owns the directory through an exclusive lock file.
//
// Every transition is appended to journal.jsonl and fsynced before Apply
// returns. Periodically the journal is compacted: the latest entry per unit
// is written to a zstd snapshot and the journal segment is archived,
// compressed, under history/ for audit.
type FileStore struct {
	dir          string
	compactEvery int
	log          *slog.Logger
	lock         *flock.Flock

	mu      sync.Mutex
	index   *MemoryStore
	journal *os.File
	seq     uint64
	// appends counts records written since the last compaction by this
	// process; replayed records do not count.
	appends int

	enc *zstd.Encoder
	dec *zstd.Decoder
}

// OpenFileStore opens or creates a journal store in dir. compactEvery is
// the number of appends between compactions; zero means only on Close.
func OpenFileStore(dir string, compactEvery int) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, historyDir), 0755); err != nil {
		return nil, fmt.Errorf("create ledger directory %s: %w", dir, err)
	}

	lock := flock.New(filepath.Join(dir, lockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock ledger directory %s: %w", dir, err)
	}
	if !locked {
		return nil, fmt.Errorf("%s: %w", dir, ErrLedgerLocked)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		enc.Close()
		lock.Unlock()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	s := &FileStore{
		dir:          dir,
		compactEvery: compactEvery,
		log:          slog.With("component", "ledger", "backend", "file"),
		lock:         lock,
		index:        NewMemoryStore(),
		enc:          enc,
		dec:          dec,
	}

	if err := s.loadSnapshot(); err != nil {
		s.closeCodecs()
		return nil, err
	}
	if err := s.replayJournal(); err != nil {
		s.closeCodecs()
		return nil, err
	}

	f, err := os.OpenFile(filepath.Join(dir, journalFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		s.closeCodecs()
		return nil, fmt.Errorf("open journal: %w", err)
	}
	s.journal = f
	return s, nil
}

func (s *FileStore) loadSnapshot() error {
	data, err := os.ReadFile(filepath.Join(s.dir, snapshotFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	raw, err := s.dec.DecodeAll(data, nil)
	if err != nil {
		return fmt.Errorf("zstd decompress snapshot: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return fmt.Errorf("parse snapshot: %w", err)
	}
	for _, e := range snap.Entries {
		s.index.load(e)
	}
	s.seq = snap.Seq
	return nil
}

// replayJournal applies journal records on top of the snapshot. A torn
// final line from a crash mid-append is cut off.
func (s *FileStore) replayJournal() error {
	path := filepath.Join(s.dir, journalFile)
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	var good int64
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			var rec Record
			if jerr := json.Unmarshal(line, &rec); jerr != nil {
				return fmt.Errorf("parse journal at offset %d: %w", good, jerr)
			}
			s.index.load(&rec.Entry)
			if rec.Seq > s.seq {
				s.seq = rec.Seq
			}
			good += int64(len(line))
		} else if len(line) > 0 {
			s.log.Warn("truncating torn journal record", "offset", good, "bytes", len(line))
			if terr := os.Truncate(path, good); terr != nil {
				return fmt.Errorf("truncate journal: %w", terr)
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read journal: %w", err)
		}
	}
}

func (s *FileStore) Get(ctx context.Context, unitID string) (*Entry, error) {
	return s.index.Get(ctx, unitID)
}

func (s *FileStore) Apply(ctx context.Context, prevVersion uint64, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.journal == nil {
		return errors.New("ledger closed")
	}

	var cur uint64
	if e, err := s.index.Get(ctx, rec.Entry.UnitID); err == nil {
		cur = e.Version
	}
	if cur != prevVersion {
		return ErrVersionConflict
	}

	rec.Seq = s.seq + 1
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	line = append(line, '\n')
	if _, err := s.journal.Write(line); err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	if err := s.journal.Sync(); err != nil {
		return fmt.Errorf("sync journal: %w", err)
	}

	s.seq = rec.Seq
	s.index.load(&rec.Entry)
	s.appends++

	if s.compactEvery > 0 && s.appends >= s.compactEvery {
		if err := s.compactLocked(); err != nil {
			// The append itself is durable; compaction is retried later.
			s.log.Warn("ledger compaction failed", "error", err)
		}
	}
	return nil
}

func (s *FileStore) List(ctx context.Context) ([]*Entry, error) {
	return s.index.List(ctx)
}

// History replays archived segments followed by the live journal. Records
// are deduplicated by sequence number, since a crash during compaction can
// leave a record both archived and in the journal.
func (s *FileStore) History(ctx context.Context, fn func(Record) error) error {
	s.mu.Lock()
	segments, err := filepath.Glob(filepath.Join(s.dir, historyDir, "segment-*.jsonl.zst"))
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("list history segments: %w", err)
	}
	sort.Strings(segments)

	var blobs [][]byte
	for _, seg := range segments {
		data, err := os.ReadFile(seg)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("read segment %s: %w", seg, err)
		}
		raw, err := s.dec.DecodeAll(data, nil)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("zstd decompress segment %s: %w", seg, err)
		}
		blobs = append(blobs, raw)
	}
	live, err := os.ReadFile(filepath.Join(s.dir, journalFile))
	s.mu.Unlock()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read journal: %w", err)
	}
	blobs = append(blobs, live)

	var last uint64
	for _, blob := range blobs {
		sc := bufio.NewScanner(bytes.NewReader(blob))
		sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
		for sc.Scan() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if len(bytes.TrimSpace(sc.Bytes())) == 0 {
				continue
			}
			var rec Record
			if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
				return fmt.Errorf("parse history record: %w", err)
			}
			if rec.Seq <= last {
				continue
			}
			last = rec.Seq
			if err := fn(rec); err != nil {
				return err
			}
		}
		if err := sc.Err(); err != nil {
			return fmt.Errorf("scan history: %w", err)
		}
	}
	return nil
}

// Compact writes a snapshot and archives the current journal segment.
func (s *FileStore) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compactLocked()
}

func (s *FileStore) compactLocked() error {
	if s.journal == nil || s.appends == 0 {
		return nil
	}
	journalPath := filepath.Join(s.dir, journalFile)

	// 1. Archive the journal segment.
	data, err := os.ReadFile(journalPath)
	if err != nil {
		return fmt.Errorf("read journal: %w", err)
	}
	if len(data) > 0 {
		segPath := filepath.Join(s.dir, historyDir, fmt.Sprintf("segment-%020d.jsonl.zst", s.seq))
		if err := writeFileAtomic(segPath, s.enc.EncodeAll(data, nil)); err != nil {
			return fmt.Errorf("archive journal segment: %w", err)
		}
	}

	// 2. Write the snapshot.
	entries, _ := s.index.List(context.Background())
	raw, err := json.Marshal(snapshot{Seq: s.seq, Entries: entries})
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(s.dir, snapshotFile), s.enc.EncodeAll(raw, nil)); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}

	// 3. Start a fresh journal.
	if err := s.journal.Close(); err != nil {
		return fmt.Errorf("close journal: %w", err)
	}
	f, err := os.OpenFile(journalPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|os.O_APPEND, 0644)
	if err != nil {
		s.journal = nil
		return fmt.Errorf("reopen journal: %w", err)
	}
	s.journal = f
	s.appends = 0

	s.log.Debug("ledger compacted", "seq", s.seq, "units", len(entries))
	return nil
}

// Close compacts and closes the journal.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}

	cerr := s.compactLocked()
	var err error
	if s.journal != nil {
		err = s.journal.Close()
		s.journal = nil
	}
	s.closeCodecs()
	if cerr != nil {
		return cerr
	}
	return err
}

// closeCodecs releases the codecs and the directory lock.
func (s *FileStore) closeCodecs() {
	if s.enc != nil {
		s.enc.Close()
	}
	if s.dec != nil {
		s.dec.Close()
	}
	if s.lock != nil {
		if err := s.lock.Unlock(); err != nil {
			s.log.Warn("failed to release ledger lock", "error", err)
		}
	}
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
