package ledger

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps entries in process memory. It backs dry runs and
// serves as the index of the journal store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	history []Record
	seq     uint64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

func (s *MemoryStore) Get(ctx context.Context, unitID string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[unitID]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

func (s *MemoryStore) Apply(ctx context.Context, prevVersion uint64, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkVersion(rec.Entry.UnitID, prevVersion); err != nil {
		return err
	}
	s.seq++
	rec.Seq = s.seq
	s.put(rec)
	return nil
}

// checkVersion must be called with mu held.
func (s *MemoryStore) checkVersion(unitID string, prevVersion uint64) error {
	var cur uint64
	if e, ok := s.entries[unitID]; ok {
		cur = e.Version
	}
	if cur != prevVersion {
		return ErrVersionConflict
	}
	return nil
}

// put must be called with mu held.
func (s *MemoryStore) put(rec Record) {
	e := rec.Entry
	s.entries[e.UnitID] = e.Clone()
	s.history = append(s.history, rec)
}

// load replaces an entry if it is newer than the one held. Used when
// rebuilding the index from a snapshot and journal.
func (s *MemoryStore) load(e *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.entries[e.UnitID]; ok && cur.Version >= e.Version {
		return
	}
	s.entries[e.UnitID] = e.Clone()
}

func (s *MemoryStore) List(ctx context.Context) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UnitID < out[j].UnitID })
	return out, nil
}

func (s *MemoryStore) History(ctx context.Context, fn func(Record) error) error {
	s.mu.RLock()
	hist := append([]Record(nil), s.history...)
	s.mu.RUnlock()
	for _, r := range hist {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }
