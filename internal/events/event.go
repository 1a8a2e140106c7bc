package events

import (
	"time"
)

// UnitEvent records the completion of one work unit.
type UnitEvent struct {
	Version   string    `json:"version"`
	EventType string    `json:"event_type"`
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`

	RunID    string       `json:"run_id"`
	Unit     UnitInfo     `json:"unit"`
	Outputs  []string     `json:"outputs"`
	Producer ProducerInfo `json:"producer"`
	Chain    ChainInfo    `json:"chain"`
}

// UnitInfo identifies the unit and where it was synced.
type UnitInfo struct {
	UnitID   string `json:"unit_id"`
	Mode     string `json:"mode"`
	Source   string `json:"source"`
	Dest     string `json:"dest"`
	Attempts int    `json:"attempts"`
}

// ProducerInfo identifies the software that produced the outputs.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	GitSHA  string `json:"git_sha"`
}

// ChainInfo links a unit's events into a tamper-evident log, one chain per
// unit id.
type ChainInfo struct {
	PrevEventHash string `json:"prev_event_hash"`
	EventHash     string `json:"event_hash"`
}
