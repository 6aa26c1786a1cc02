package trace

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// FileSink appends Events to a JSONL file. It is safe for concurrent use.
type FileSink struct {
	path   string
	file   *os.File
	writer *bufio.Writer
	mu     sync.Mutex
}

// NewFileSink opens (or creates) the trace file at path in append mode.
// 0600 permissions: tool inputs and error text may carry sensitive content.
func NewFileSink(path string) (*FileSink, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}
	return &FileSink{
		path:   path,
		file:   file,
		writer: bufio.NewWriter(file),
	}, nil
}

// Append writes one event as a single JSON line and flushes.
func (s *FileSink) Append(event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal trace event: %w", err)
	}
	if _, err := s.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write trace event: %w", err)
	}
	if err := s.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	return s.writer.Flush()
}

// Tail returns the last n events recorded in the trace file. Lines that fail
// to parse are skipped; a missing file yields an empty slice.
func (s *FileSink) Tail(n int) []Event {
	s.mu.Lock()
	s.writer.Flush()
	s.mu.Unlock()

	return TailFile(s.path, n)
}

// Close flushes and closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writer.Flush(); err != nil {
		return err
	}
	return s.file.Close()
}

// Path returns the trace file path.
func (s *FileSink) Path() string {
	return s.path
}

// TailFile reads the last n events from a JSONL trace file.
func TailFile(path string, n int) []Event {
	if n <= 0 {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var evt Event
		if err := json.Unmarshal(scanner.Bytes(), &evt); err != nil {
			continue
		}
		events = append(events, evt)
	}
	if len(events) > n {
		events = events[len(events)-n:]
	}
	return events
}
