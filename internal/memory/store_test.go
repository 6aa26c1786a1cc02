package memory

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir(), Config{})
}

func TestRemember_AssignsIDAndTruncates(t *testing.T) {
	s := NewStore(t.TempDir(), Config{ContentCap: 10})
	e := s.Remember(Entry{Type: Lesson, Content: strings.Repeat("x", 50), TaskID: "t1"})
	if e.ID == "" {
		t.Error("expected an assigned id")
	}
	if e.Timestamp.IsZero() {
		t.Error("expected an assigned timestamp")
	}
	if len(e.Content) != 10 {
		t.Errorf("content length = %d, want truncated to 10", len(e.Content))
	}
}

func TestRecall_TagRelevance(t *testing.T) {
	s := newTestStore(t)
	s.Remember(Entry{Type: Pitfall, Content: "watch the retry loop", Tags: []string{"throttle", "latency"}})
	s.Remember(Entry{Type: Lesson, Content: "unrelated note", Tags: []string{"docs", "readme"}})

	got := s.Recall("throttle latency spike", 5, RecallOptions{})
	if len(got) != 1 {
		t.Fatalf("got %d entries, want exactly 1: %+v", len(got), got)
	}
	if got[0].Tags[0] != "throttle" {
		t.Errorf("recalled wrong entry: %+v", got[0])
	}
}

func TestRecall_PrunedTokensReturnNothing(t *testing.T) {
	s := newTestStore(t)
	s.Remember(Entry{Type: Lesson, Content: "zebra quagga unique tokens"})
	s.Remember(Entry{Type: Lesson, Content: "keep this one around"})
	s.Remember(Entry{Type: Lesson, Content: "and this one too"})

	if n := s.Prune(2); n != 1 {
		t.Fatalf("Prune removed %d, want 1", n)
	}
	if got := s.Recall("zebra quagga", 5, RecallOptions{}); len(got) != 0 {
		t.Errorf("query for pruned tokens returned %d entries, want 0", len(got))
	}
}

func TestRecall_FreshnessWindowWithStaleTopUp(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	s.now = func() time.Time { return now }

	// Three relevant entries (one fresh, two stale) plus an unrelated one so
	// the shared term keeps a positive idf.
	s.Remember(Entry{Type: Lesson, Content: "canary rollout blocked", Tags: []string{"canary"}, Timestamp: now.Add(-300 * time.Hour)})
	s.Remember(Entry{Type: Lesson, Content: "canary sample size tuning", Tags: []string{"canary"}, Timestamp: now.Add(-400 * time.Hour)})
	s.Remember(Entry{Type: Lesson, Content: "canary fingerprint reset", Tags: []string{"canary"}, Timestamp: now.Add(-1 * time.Hour)})
	s.Remember(Entry{Type: Convention, Content: "tabs over spaces", Tags: []string{"formatting"}, Timestamp: now})

	got := s.Recall("canary", 3, RecallOptions{FreshnessTTLHours: 168, MaxStaleResults: 1})
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2 (1 fresh + 1 stale top-up): %+v", len(got), got)
	}
	if !strings.Contains(got[0].Content, "fingerprint reset") {
		t.Errorf("fresh entry should rank first, got %+v", got[0])
	}
}

func TestRecall_KeywordFallbackSingleDocument(t *testing.T) {
	// With a single document every term has idf 0, so the TF-IDF path yields
	// nothing and the tag/keyword fallback must kick in.
	s := newTestStore(t)
	s.Remember(Entry{Type: Convention, Content: "always run gofmt", Tags: []string{"formatting"}})

	got := s.Recall("formatting", 5, RecallOptions{})
	if len(got) != 1 {
		t.Fatalf("got %d entries, want 1 via keyword fallback", len(got))
	}
}

func TestPrune_KeepsMostRecent(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		s.Remember(Entry{Type: Lesson, Content: strings.Repeat("e", i+1)})
	}
	s.Prune(2)
	entries := s.Entries()
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if len(entries[0].Content) != 4 || len(entries[1].Content) != 5 {
		t.Errorf("pruning did not keep the most recent entries: %+v", entries)
	}
}

func TestRemember_PrunesPastCap(t *testing.T) {
	s := NewStore(t.TempDir(), Config{MaxEntries: 3})
	for i := 0; i < 10; i++ {
		s.Remember(Entry{Type: Lesson, Content: "entry"})
	}
	if got := len(s.Entries()); got != 3 {
		t.Errorf("got %d entries, want cap of 3", got)
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, Config{})
	s.Remember(Entry{Type: Decision, Content: "chose streaming parse", Tags: []string{"parser"}, TaskID: "t7"})
	if err := s.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	s2 := NewStore(dir, Config{})
	if err := s2.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	entries := s2.Entries()
	if len(entries) != 1 {
		t.Fatalf("got %d entries after reload, want 1", len(entries))
	}
	if entries[0].TaskID != "t7" || entries[0].Type != Decision {
		t.Errorf("reloaded entry mismatch: %+v", entries[0])
	}
}

func TestLoad_CorruptFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "memory.json"), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	s := NewStore(dir, Config{})
	if err := s.Load(); err != nil {
		t.Fatalf("Load should tolerate corrupt files, got %v", err)
	}
	if len(s.Entries()) != 0 {
		t.Errorf("expected empty store after corrupt load")
	}
}
