package autopilot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// CanaryStatus is the rollout status of a provider/model fingerprint.
type CanaryStatus string

const (
	CanaryActive  CanaryStatus = "active"
	CanaryStable  CanaryStatus = "stable"
	CanaryBlocked CanaryStatus = "blocked"
)

// CanaryState tracks the aggregate outcome of a rollout fingerprint. It is
// shared across tasks and updated best-effort; concurrent writers may lose
// counts, which is acceptable for a statistics mechanism.
type CanaryState struct {
	Fingerprint   string       `json:"fingerprint"`
	Status        CanaryStatus `json:"status"`
	SampleSize    int          `json:"sample_size"`
	Samples       int          `json:"samples"`
	FailedSamples int          `json:"failed_samples"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// FailureRate returns failedSamples/samples, or 0 with no samples.
func (c CanaryState) FailureRate() float64 {
	if c.Samples == 0 {
		return 0
	}
	return float64(c.FailedSamples) / float64(c.Samples)
}

// CanaryStore persists canary state in a shared control directory, keyed by
// the current rollout fingerprint.
type CanaryStore struct {
	path string
	now  func() time.Time
}

// NewCanaryStore creates a store backed by canary_state.json under dir.
func NewCanaryStore(dir string) *CanaryStore {
	return &CanaryStore{path: filepath.Join(dir, "canary_state.json"), now: time.Now}
}

// Load returns the canary state for the fingerprint. Any fingerprint or
// sample-size change resets the state to active with zero samples; so does
// a missing or unreadable file.
func (s *CanaryStore) Load(fingerprint string, sampleSize int) CanaryState {
	fresh := CanaryState{
		Fingerprint: fingerprint,
		Status:      CanaryActive,
		SampleSize:  sampleSize,
		UpdatedAt:   s.now(),
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return fresh
	}
	var state CanaryState
	if err := json.Unmarshal(data, &state); err != nil {
		return fresh
	}
	if state.Fingerprint != fingerprint || state.SampleSize != sampleSize {
		return fresh
	}
	return state
}

// Save persists the state. Failures are returned but callers treat them as
// best-effort.
func (s *CanaryStore) Save(state CanaryState) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create control dir: %w", err)
	}
	state.UpdatedAt = s.now()
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal canary state: %w", err)
	}
	return os.WriteFile(s.path, data, 0644)
}

// RecordOutcome counts one task outcome against the canary. Once the sample
// target is reached the status resolves: stable when the failure rate is at
// or below maxFailureRate, blocked otherwise. Returns true when the status
// changed.
func RecordOutcome(state *CanaryState, failed bool, maxFailureRate float64) bool {
	state.Samples++
	if failed {
		state.FailedSamples++
	}
	if state.Status != CanaryActive || state.Samples < state.SampleSize {
		return false
	}
	next := CanaryStable
	if state.FailureRate() > maxFailureRate {
		next = CanaryBlocked
	}
	changed := state.Status != next
	state.Status = next
	return changed
}
