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
	"encoding/json"
	"time"

	"github.com/steadyops/steady/model"
)

// CreateRollout is the request body for starting a canary rollout.
type CreateRollout struct {
	Unit             UnitRef      `json:"unit"`
	StableVersion    VersionRef   `json:"stable_version"`
	CandidateVersion VersionRef   `json:"candidate_version"`
	Stages           []StageInput `json:"stages"`
}

type UnitRef struct {
	Name        string `json:"name"`
	Environment string `json:"environment"`
}

type VersionRef struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

type StageInput struct {
	WeightPercent              int `json:"weight_percent"`
	MinDurationSec             int `json:"min_duration_sec"`
	HealthEvaluationPeriodSec  int `json:"health_evaluation_period_sec"`
}

// QuarantineMessageRequest is the request body the processing entry point
// posts when a message exhausts its inline retries.
type QuarantineMessageRequest struct {
	Payload json.RawMessage `json:"payload"`
	Error   string          `json:"error"`
}

func (c *CreateRollout) ToUnit() model.DeployableUnit {
	return model.DeployableUnit{Name: c.Unit.Name, Environment: c.Unit.Environment}
}

func (c *CreateRollout) ToStableVersion() model.Version {
	return model.Version{ID: c.StableVersion.ID, Description: c.StableVersion.Description}
}

func (c *CreateRollout) ToCandidateVersion() model.Version {
	return model.Version{ID: c.CandidateVersion.ID, Description: c.CandidateVersion.Description}
}

func (c *CreateRollout) ToPlan() model.RolloutPlan {
	stages := make([]model.RolloutStage, len(c.Stages))
	for i, stage := range c.Stages {
		stages[i] = model.RolloutStage{
			WeightPercent:          stage.WeightPercent,
			MinDuration:            time.Duration(stage.MinDurationSec) * time.Second,
			HealthEvaluationPeriod: time.Duration(stage.HealthEvaluationPeriodSec) * time.Second,
		}
	}
	return model.RolloutPlan{Stages: stages}
}
