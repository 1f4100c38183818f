/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package model

import "time"

// HealthVerdict classifies a version's recent behaviour. It is derived per
// evaluation, never stored.
type HealthVerdict string

const (
	VerdictHealthy   HealthVerdict = "HEALTHY"
	VerdictDegraded  HealthVerdict = "DEGRADED"
	VerdictUnhealthy HealthVerdict = "UNHEALTHY"

	// VerdictInsufficient marks a window that did not meet the minimum sample
	// size. It advances like Healthy but is logged separately so low-traffic
	// rollouts stay auditable.
	VerdictInsufficient HealthVerdict = "INSUFFICIENT_DATA"
)

// HealthSample is a time-windowed aggregate for one version of a unit,
// produced by the health signal source and read-only to the controller.
type HealthSample struct {
	Unit            DeployableUnit `json:"unit"`
	Version         Version        `json:"version"`
	WindowStart     time.Time      `json:"window_start"`
	WindowEnd       time.Time      `json:"window_end"`
	ErrorCount      int64          `json:"error_count"`
	InvocationCount int64          `json:"invocation_count"`
	P99DurationMs   float64        `json:"p99_duration_ms"`
	ThrottleCount   int64          `json:"throttle_count"`
}

// HealthThresholds carries the numeric policy for verdict evaluation. The
// defaults mirror the operational runbooks but are configuration, not
// constants.
type HealthThresholds struct {
	UnhealthyErrorRate  float64 `json:"unhealthy_error_rate"`  // error/invocation ratio above which the candidate is unhealthy
	DegradedErrorRate   float64 `json:"degraded_error_rate"`   // lower bound of the degraded band
	P99BaselineFactor   float64 `json:"p99_baseline_factor"`   // candidate p99 over stable p99 above which the candidate is unhealthy
	MinimumInvocations  int64   `json:"minimum_invocations"`   // below this the window is insufficient data
	TolerateAnyThrottle bool    `json:"tolerate_any_throttle"` // when false, a single throttle is unhealthy
}

// DefaultHealthThresholds returns the policy carried over from the source
// runbooks: >5% errors, 2x p99 baseline, zero throttle tolerance, minimum
// 10 invocations per window.
func DefaultHealthThresholds() HealthThresholds {
	return HealthThresholds{
		UnhealthyErrorRate: 0.05,
		DegradedErrorRate:  0.01,
		P99BaselineFactor:  2.0,
		MinimumInvocations: 10,
	}
}

// Aggregate folds a set of samples into one window. Counters are summed and
// the worst observed p99 is kept, so a single bad sub-window cannot hide
// behind quiet neighbours.
func Aggregate(samples []HealthSample) HealthSample {
	var agg HealthSample
	for i, s := range samples {
		if i == 0 {
			agg.Unit = s.Unit
			agg.Version = s.Version
			agg.WindowStart = s.WindowStart
		}
		agg.ErrorCount += s.ErrorCount
		agg.InvocationCount += s.InvocationCount
		agg.ThrottleCount += s.ThrottleCount
		if s.P99DurationMs > agg.P99DurationMs {
			agg.P99DurationMs = s.P99DurationMs
		}
		if s.WindowStart.Before(agg.WindowStart) {
			agg.WindowStart = s.WindowStart
		}
		if s.WindowEnd.After(agg.WindowEnd) {
			agg.WindowEnd = s.WindowEnd
		}
	}
	return agg
}

// EvaluateHealth computes the verdict for a candidate window against the
// stable version's trailing p99 baseline. A baseline of zero disables the
// duration check for that evaluation.
func EvaluateHealth(candidate HealthSample, stableP99BaselineMs float64, thresholds HealthThresholds) HealthVerdict {
	if candidate.InvocationCount < thresholds.MinimumInvocations {
		return VerdictInsufficient
	}
	if !thresholds.TolerateAnyThrottle && candidate.ThrottleCount > 0 {
		return VerdictUnhealthy
	}
	errorRate := float64(candidate.ErrorCount) / float64(candidate.InvocationCount)
	if errorRate > thresholds.UnhealthyErrorRate && candidate.ErrorCount >= 1 {
		return VerdictUnhealthy
	}
	if stableP99BaselineMs > 0 && candidate.P99DurationMs > thresholds.P99BaselineFactor*stableP99BaselineMs {
		return VerdictUnhealthy
	}
	if errorRate >= thresholds.DegradedErrorRate {
		return VerdictDegraded
	}
	return VerdictHealthy
}
