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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validCreateRollout() CreateRollout {
	return CreateRollout{
		Unit:             UnitRef{Name: "payment-processor", Environment: "prod"},
		StableVersion:    VersionRef{ID: "4"},
		CandidateVersion: VersionRef{ID: "5"},
		Stages: []StageInput{
			{WeightPercent: 10, MinDurationSec: 300, HealthEvaluationPeriodSec: 300},
			{WeightPercent: 50, MinDurationSec: 300, HealthEvaluationPeriodSec: 300},
			{WeightPercent: 100, MinDurationSec: 300, HealthEvaluationPeriodSec: 300},
		},
	}
}

func TestValidateCreateRollout(t *testing.T) {
	valid := validCreateRollout()
	assert.NoError(t, valid.ValidateCreateRollout())

	tests := []struct {
		name   string
		mutate func(*CreateRollout)
	}{
		{"missing unit name", func(c *CreateRollout) { c.Unit.Name = "" }},
		{"missing environment", func(c *CreateRollout) { c.Unit.Environment = "" }},
		{"missing stable version", func(c *CreateRollout) { c.StableVersion.ID = "" }},
		{"missing candidate version", func(c *CreateRollout) { c.CandidateVersion.ID = "" }},
		{"no stages", func(c *CreateRollout) { c.Stages = nil }},
		{"non-increasing weights", func(c *CreateRollout) { c.Stages[1].WeightPercent = 10 }},
		{"weight above 100", func(c *CreateRollout) { c.Stages[2].WeightPercent = 150 }},
		{"final stage below 100", func(c *CreateRollout) { c.Stages[2].WeightPercent = 90 }},
		{"negative duration", func(c *CreateRollout) { c.Stages[0].MinDurationSec = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validCreateRollout()
			tt.mutate(&c)
			assert.Error(t, c.ValidateCreateRollout())
		})
	}
}

func TestCreateRolloutToPlan(t *testing.T) {
	c := validCreateRollout()
	plan := c.ToPlan()

	require.Len(t, plan.Stages, 3)
	assert.Equal(t, 10, plan.Stages[0].WeightPercent)
	assert.Equal(t, 5*time.Minute, plan.Stages[0].MinDuration)
	assert.Equal(t, 5*time.Minute, plan.Stages[0].HealthEvaluationPeriod)
	assert.NoError(t, plan.Validate())

	unit := c.ToUnit()
	assert.Equal(t, "prod.payment-processor", unit.Key())
}

func TestValidateQuarantineMessage(t *testing.T) {
	valid := QuarantineMessageRequest{Payload: json.RawMessage(`{"order_id":"ord_001"}`), Error: "timeout"}
	assert.NoError(t, valid.ValidateQuarantineMessage())

	empty := QuarantineMessageRequest{}
	assert.Error(t, empty.ValidateQuarantineMessage())
}
