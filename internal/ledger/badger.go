package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

// Key prefixes for the badger layout.
const (
	prefixUnit    = "unit:"
	prefixHistory = "hist:"
	keySequence   = "meta:seq"
)

// BadgerStore keeps the ledger in an embedded BadgerDB. The latest entry of
// each unit and its history record are written in one transaction, so a
// lost CAS race surfaces as a transaction conflict.
type BadgerStore struct {
	db  *badger.DB
	seq *badger.Sequence
}

// OpenBadgerStore opens or creates a badger ledger at path.
func OpenBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // Suppress BadgerDB logs
	opts.SyncWrites = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger ledger: %w", err)
	}
	seq, err := db.GetSequence([]byte(keySequence), 128)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open ledger sequence: %w", err)
	}
	return &BadgerStore{db: db, seq: seq}, nil
}

func (s *BadgerStore) Get(ctx context.Context, unitID string) (*Entry, error) {
	var e Entry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixUnit + unitID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}
	return &e, nil
}

func (s *BadgerStore) Apply(ctx context.Context, prevVersion uint64, rec Record) error {
	n, err := s.seq.Next()
	if err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}
	// Sequence numbers start at 0; history seqs start at 1.
	rec.Seq = n + 1

	err = s.db.Update(func(txn *badger.Txn) error {
		key := []byte(prefixUnit + rec.Entry.UnitID)

		var cur uint64
		item, err := txn.Get(key)
		switch {
		case err == nil:
			var existing Entry
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &existing)
			}); err != nil {
				return fmt.Errorf("unmarshal entry: %w", err)
			}
			cur = existing.Version
		case errors.Is(err, badger.ErrKeyNotFound):
		default:
			return fmt.Errorf("get entry: %w", err)
		}
		if cur != prevVersion {
			return ErrVersionConflict
		}

		data, err := json.Marshal(rec.Entry)
		if err != nil {
			return fmt.Errorf("marshal entry: %w", err)
		}
		if err := txn.Set(key, data); err != nil {
			return fmt.Errorf("set entry: %w", err)
		}

		hist, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}
		return txn.Set([]byte(fmt.Sprintf("%s%020d", prefixHistory, rec.Seq)), hist)
	})
	if errors.Is(err, badger.ErrConflict) {
		return ErrVersionConflict
	}
	return err
}

func (s *BadgerStore) List(ctx context.Context) ([]*Entry, error) {
	var out []*Entry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixUnit)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var e Entry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return fmt.Errorf("unmarshal entry: %w", err)
			}
			out = append(out, &e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UnitID < out[j].UnitID })
	return out, nil
}

func (s *BadgerStore) History(ctx context.Context, fn func(Record) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixHistory)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("unmarshal record: %w", err)
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) Close() error {
	if err := s.seq.Release(); err != nil {
		s.db.Close()
		return fmt.Errorf("release sequence: %w", err)
	}
	return s.db.Close()
}
