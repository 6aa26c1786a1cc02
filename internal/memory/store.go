// Package memory implements the cross-task semantic memory: an append-only,
// pruned store of free-text lessons with TF-IDF recall and freshness-aware
// ranking. All operations are best-effort from the controller's perspective;
// persistence failures never abort a task.
package memory

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Store manages the persistent memory entries.
type Store struct {
	filePath   string
	data       *Data
	maxEntries int
	contentCap int

	index *tfidfIndex // nil when stale

	now func() time.Time
}

// NewStore creates a memory store backed by memory.json under dir.
func NewStore(dir string, config Config) *Store {
	maxEntries := config.MaxEntries
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	contentCap := config.ContentCap
	if contentCap <= 0 {
		contentCap = DefaultContentCap
	}
	return &Store{
		filePath:   filepath.Join(dir, "memory.json"),
		data:       &Data{Version: "1", Entries: []Entry{}},
		maxEntries: maxEntries,
		contentCap: contentCap,
		now:        time.Now,
	}
}

// Load reads the memory file from disk. A missing file leaves the store
// empty without error; invalid JSON is treated the same way so a corrupted
// file never blocks a task.
func (s *Store) Load() error {
	raw, err := os.ReadFile(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var data Data
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil
	}
	s.data = &data
	s.index = nil
	return nil
}

// Save writes the current memory data to disk, creating the directory if
// needed.
func (s *Store) Save() error {
	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.filePath, raw, 0644)
}

// Remember appends an entry, truncating its content to the cap and assigning
// an id and timestamp when absent. The similarity index is invalidated.
// Pruning past the entry cap happens here as well, oldest first.
func (s *Store) Remember(entry Entry) Entry {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	if len(entry.Content) > s.contentCap {
		entry.Content = entry.Content[:s.contentCap]
	}
	s.data.Entries = append(s.data.Entries, entry)
	s.index = nil
	s.Prune(s.maxEntries)
	return entry
}

// Prune keeps only the most recent maxEntries entries. Returns the number of
// entries removed.
func (s *Store) Prune(maxEntries int) int {
	if maxEntries <= 0 || len(s.data.Entries) <= maxEntries {
		return 0
	}
	excess := len(s.data.Entries) - maxEntries
	s.data.Entries = append([]Entry(nil), s.data.Entries[excess:]...)
	s.index = nil
	return excess
}

// Entries returns the current entry list.
func (s *Store) Entries() []Entry {
	return s.data.Entries
}

// minRelevance is the cosine-similarity floor below which a scored entry is
// not considered a match.
const minRelevance = 0.05

// Recall returns up to limit entries relevant to the query text. Fresh
// entries (within the TTL window) are preferred; if they fill fewer than
// limit slots, at most opts.MaxStaleResults older entries top up the result.
// When the index yields nothing, a plain tag/keyword overlap scan is used as
// a fallback.
func (s *Store) Recall(text string, limit int, opts RecallOptions) []Entry {
	if limit <= 0 || len(s.data.Entries) == 0 {
		return nil
	}
	s.ensureIndex()

	scored := s.index.score(text)

	cutoff := time.Time{}
	if opts.FreshnessTTLHours > 0 {
		cutoff = s.now().Add(-time.Duration(opts.FreshnessTTLHours) * time.Hour)
	}

	var fresh, stale []Entry
	for _, sc := range scored {
		if sc.score < minRelevance {
			continue
		}
		e := s.data.Entries[sc.doc]
		if cutoff.IsZero() || !e.Timestamp.Before(cutoff) {
			fresh = append(fresh, e)
		} else {
			stale = append(stale, e)
		}
	}

	results := fresh
	if len(results) > limit {
		results = results[:limit]
	}
	if len(results) < limit {
		topUp := opts.MaxStaleResults
		for _, e := range stale {
			if topUp <= 0 || len(results) >= limit {
				break
			}
			results = append(results, e)
			topUp--
		}
	}
	if len(results) > 0 {
		return results
	}
	return s.keywordFallback(text, limit)
}

// keywordFallback matches query tokens against tags and content words.
func (s *Store) keywordFallback(text string, limit int) []Entry {
	query := tokenize(text)
	if len(query) == 0 {
		return nil
	}
	querySet := make(map[string]bool, len(query))
	for _, tok := range query {
		querySet[tok] = true
	}

	type hit struct {
		entry   Entry
		overlap int
	}
	var hits []hit
	for _, e := range s.data.Entries {
		overlap := 0
		for _, tok := range tokenize(entryText(e)) {
			if querySet[tok] {
				overlap++
			}
		}
		if overlap > 0 {
			hits = append(hits, hit{entry: e, overlap: overlap})
		}
	}
	// Highest overlap first; stable for equal overlap (insertion order).
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && hits[j].overlap > hits[j-1].overlap; j-- {
			hits[j], hits[j-1] = hits[j-1], hits[j]
		}
	}
	var results []Entry
	for _, h := range hits {
		if len(results) >= limit {
			break
		}
		results = append(results, h.entry)
	}
	return results
}

func (s *Store) ensureIndex() {
	if s.index != nil {
		return
	}
	docs := make([]string, len(s.data.Entries))
	for i, e := range s.data.Entries {
		docs[i] = entryText(e)
	}
	s.index = buildIndex(docs)
}

// entryText is the indexable text of an entry: tags, content, and type.
func entryText(e Entry) string {
	text := e.Content + " " + string(e.Type)
	for _, tag := range e.Tags {
		text += " " + tag
	}
	return text
}
