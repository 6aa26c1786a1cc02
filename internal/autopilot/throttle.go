package autopilot

import (
	"math"
	"sort"

	"taskpilot/internal/policy"
	"taskpilot/internal/tools"
)

// windowStats computes the failure rate and p95 latency over the last
// window observations. p95 uses index ceil(0.95·n)−1 on ascending-sorted
// durations; for small windows this lands on the maximum, and downstream
// thresholds are tuned against exactly that behavior.
func windowStats(observations []tools.Observation, window int) (failureRate float64, p95Ms int64) {
	if window <= 0 || len(observations) == 0 {
		return 0, 0
	}
	if len(observations) > window {
		observations = observations[len(observations)-window:]
	}

	failures := 0
	durations := make([]int64, 0, len(observations))
	for _, obs := range observations {
		if !obs.Success {
			failures++
		}
		durations = append(durations, obs.DurationMs)
	}
	failureRate = float64(failures) / float64(len(observations))

	sort.Slice(durations, func(a, b int) bool { return durations[a] < durations[b] })
	idx := int(math.Ceil(0.95*float64(len(durations)))) - 1
	if idx < 0 {
		idx = 0
	}
	p95Ms = durations[idx]
	return failureRate, p95Ms
}

// selectThrottleMode derives the runtime posture from the snapshot.
// Fallback wins over throttled; cost ratio checks use >= while the
// failure/latency checks use strict >.
func selectThrottleMode(snap RuntimeSnapshot, adaptive policy.AdaptiveThresholds, cost policy.CostGuardrails) ThrottleMode {
	costRatio := 0.0
	if cost.Enabled {
		costRatio = snap.CostRatio
	}

	if snap.FailureRate > adaptive.FallbackFailureRate ||
		snap.P95LatencyMs > adaptive.FallbackP95Ms ||
		(cost.Enabled && costRatio >= cost.FallbackRatio) {
		return ThrottleFallback
	}
	if snap.FailureRate > adaptive.ThrottleFailureRate ||
		snap.P95LatencyMs > adaptive.ThrottleP95Ms ||
		(cost.Enabled && costRatio >= cost.ThrottleRatio) {
		return ThrottleThrottled
	}
	return ThrottleNormal
}

// replanInterval scales the base re-planning cadence by throttle mode.
func replanInterval(base int, mode ThrottleMode) int {
	switch mode {
	case ThrottleThrottled:
		return base * 2
	case ThrottleFallback:
		return base * 3
	}
	return base
}
