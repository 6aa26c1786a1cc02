package memory

import "time"

// EntryType is the semantic category of a memory entry.
type EntryType string

const (
	Pattern    EntryType = "pattern"
	Pitfall    EntryType = "pitfall"
	Dependency EntryType = "dependency"
	Convention EntryType = "convention"
	Decision   EntryType = "decision"
	Lesson     EntryType = "lesson"
)

// Entry is a single immutable memory record.
type Entry struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"task_id"`
	Timestamp  time.Time `json:"timestamp"`
	Type       EntryType `json:"type"`
	Content    string    `json:"content"`
	Tags       []string  `json:"tags,omitempty"`
	Provenance string    `json:"provenance,omitempty"`
}

// Data is the on-disk representation of the memory store.
type Data struct {
	Version string  `json:"version"`
	Entries []Entry `json:"entries"`
}

// Config holds memory store configuration.
type Config struct {
	MaxEntries int
	ContentCap int
}

const (
	DefaultMaxEntries = 500
	DefaultContentCap = 600
)

// RecallOptions tune freshness-aware ranking.
type RecallOptions struct {
	// FreshnessTTLHours bounds the fresh window. Entries older than this are
	// only returned as stale top-ups.
	FreshnessTTLHours int

	// MaxStaleResults caps how many stale entries may pad a short fresh set.
	MaxStaleResults int
}
