package events

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

const chainsFile = "unit-chains.json"

// unitHead is the newest event recorded for a unit.
type unitHead struct {
	EventID string    `json:"event_id"`
	RunID   string    `json:"run_id"`
	Hash    string    `json:"hash"`
	At      time.Time `json:"at"`
}

// UnitChains links the events of each unit across runs: when a unit is
// synced again, its new event points at the event of the previous
// completion. Heads live in unit-chains.json in the backup directory.
type UnitChains struct {
	mu    sync.Mutex
	dir   string
	heads map[string]unitHead
}

// OpenUnitChains loads the chain heads kept in dir, creating dir if needed.
func OpenUnitChains(dir string) (*UnitChains, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create chain dir: %w", err)
	}
	c := &UnitChains{dir: dir, heads: make(map[string]unitHead)}

	data, err := os.ReadFile(filepath.Join(dir, chainsFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read chain heads: %w", err)
	default:
		if err := json.Unmarshal(data, &c.heads); err != nil {
			return nil, fmt.Errorf("parse chain heads: %w", err)
		}
	}
	return c, nil
}

// Head returns the hash of the newest event of unitID, or "" when the unit
// has none yet.
func (c *UnitChains) Head(unitID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.heads[unitID].Hash
}

// Link points evt at the head of its unit's chain and seals it with its
// own hash.
func (c *UnitChains) Link(evt *UnitEvent) error {
	evt.Chain.PrevEventHash = c.Head(evt.Unit.UnitID)
	hash, err := HashEvent(evt)
	if err != nil {
		return err
	}
	evt.Chain.EventHash = hash
	return nil
}

// Advance makes evt the head of its unit's chain. It fails when another
// event was recorded for the unit after evt was linked.
func (c *UnitChains) Advance(evt *UnitEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	unitID := evt.Unit.UnitID
	if cur := c.heads[unitID].Hash; cur != evt.Chain.PrevEventHash {
		return fmt.Errorf("chain of %s moved from %q to %q", unitID, evt.Chain.PrevEventHash, cur)
	}
	prev, had := c.heads[unitID]
	c.heads[unitID] = unitHead{
		EventID: evt.EventID,
		RunID:   evt.RunID,
		Hash:    evt.Chain.EventHash,
		At:      evt.Timestamp,
	}
	if err := c.persistLocked(); err != nil {
		if had {
			c.heads[unitID] = prev
		} else {
			delete(c.heads, unitID)
		}
		return err
	}
	return nil
}

func (c *UnitChains) persistLocked() error {
	data, err := json.MarshalIndent(c.heads, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal chain heads: %w", err)
	}
	f, err := os.CreateTemp(c.dir, chainsFile+".*")
	if err != nil {
		return fmt.Errorf("write chain heads: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return fmt.Errorf("write chain heads: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return fmt.Errorf("write chain heads: %w", err)
	}
	return os.Rename(f.Name(), filepath.Join(c.dir, chainsFile))
}

// HashEvent returns "sha256:<hex>" over the previous hash, a newline and the
// event's JSON with its chain block blanked, so the hash commits to both
// the content and the position in the chain.
func HashEvent(evt *UnitEvent) (string, error) {
	body := *evt
	body.Chain = ChainInfo{}
	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(evt.Chain.PrevEventHash))
	h.Write([]byte{'\n'})
	h.Write(data)
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}
