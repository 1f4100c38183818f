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

import (
	"errors"
	"fmt"
	"time"
)

// DeployableUnit identifies what is being rolled out. It is immutable once a
// rollout starts; the Key form is used for queue task IDs and lock keys.
type DeployableUnit struct {
	Name        string `json:"name"`
	Environment string `json:"environment"`
}

// Key returns the canonical identifier for a unit within one environment.
func (u DeployableUnit) Key() string {
	return fmt.Sprintf("%s.%s", u.Environment, u.Name)
}

// Version is an opaque version identifier plus a human description. Versions
// are never mutated after creation.
type Version struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
}

// RolloutStage is one step of a canary plan. The stage weight is applied to
// the candidate version, held for at least MinDuration, then evaluated over
// HealthEvaluationPeriod.
type RolloutStage struct {
	WeightPercent          int           `json:"weight_percent"`
	MinDuration            time.Duration `json:"min_duration"`
	HealthEvaluationPeriod time.Duration `json:"health_evaluation_period"`
}

// RolloutPlan is an ordered, non-empty sequence of stages ending at 100%.
// Plans are configuration: created before a rollout starts, immutable during
// execution.
type RolloutPlan struct {
	Stages []RolloutStage `json:"stages"`
}

// Validate rejects empty plans, non-increasing stage weights, out-of-range
// weights and plans that do not end at 100%.
func (p RolloutPlan) Validate() error {
	if len(p.Stages) == 0 {
		return errors.New("rollout plan must contain at least one stage")
	}
	prev := 0
	for i, stage := range p.Stages {
		if stage.WeightPercent <= 0 || stage.WeightPercent > 100 {
			return fmt.Errorf("stage %d weight %d is out of range (1-100)", i, stage.WeightPercent)
		}
		if stage.WeightPercent <= prev {
			return fmt.Errorf("stage %d weight %d must be greater than previous weight %d", i, stage.WeightPercent, prev)
		}
		if stage.MinDuration < 0 || stage.HealthEvaluationPeriod < 0 {
			return fmt.Errorf("stage %d durations must not be negative", i)
		}
		prev = stage.WeightPercent
	}
	if p.Stages[len(p.Stages)-1].WeightPercent != 100 {
		return fmt.Errorf("final stage weight must be 100, got %d", p.Stages[len(p.Stages)-1].WeightPercent)
	}
	return nil
}

// RolloutState is the live state of one in-progress rollout. Exactly one
// non-terminal RolloutState may exist per DeployableUnit at a time.
type RolloutState struct {
	RolloutID         string                 `json:"rollout_id"`
	Unit              DeployableUnit         `json:"unit"`
	StableVersion     Version                `json:"stable_version"`
	CandidateVersion  Version                `json:"candidate_version"`
	Plan              RolloutPlan            `json:"plan"`
	CurrentStageIndex int                    `json:"current_stage_index"`
	StageEnteredAt    time.Time              `json:"stage_entered_at"`
	HoldingSince      time.Time              `json:"holding_since,omitempty"`
	Status            string                 `json:"status"`
	CreatedAt         time.Time              `json:"created_at"`
	MetaData          map[string]interface{} `json:"meta_data,omitempty"`
}

// CurrentStage returns the stage the rollout is presently executing.
func (r *RolloutState) CurrentStage() RolloutStage {
	return r.Plan.Stages[r.CurrentStageIndex]
}

// IsLastStage reports whether the rollout is on the final stage of its plan.
func (r *RolloutState) IsLastStage() bool {
	return r.CurrentStageIndex == len(r.Plan.Stages)-1
}

// RolloutEvent is one entry of the append-only rollout audit trail. Events
// are ordered by time and never rewritten.
type RolloutEvent struct {
	EventID    string    `json:"event_id"`
	RolloutID  string    `json:"rollout_id"`
	StageIndex int       `json:"stage_index"`
	Weight     int       `json:"weight"`
	Verdict    string    `json:"verdict,omitempty"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	Trigger    string    `json:"trigger,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
