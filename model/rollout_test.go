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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func stage(weight int) RolloutStage {
	return RolloutStage{
		WeightPercent:          weight,
		MinDuration:            time.Minute,
		HealthEvaluationPeriod: 5 * time.Minute,
	}
}

func TestRolloutPlanValidate(t *testing.T) {
	tests := []struct {
		name    string
		plan    RolloutPlan
		wantErr bool
	}{
		{"valid canary plan", RolloutPlan{Stages: []RolloutStage{stage(10), stage(50), stage(100)}}, false},
		{"single full-weight stage", RolloutPlan{Stages: []RolloutStage{stage(100)}}, false},
		{"empty plan", RolloutPlan{}, true},
		{"non-increasing weights", RolloutPlan{Stages: []RolloutStage{stage(50), stage(50), stage(100)}}, true},
		{"decreasing weights", RolloutPlan{Stages: []RolloutStage{stage(50), stage(10), stage(100)}}, true},
		{"final stage below 100", RolloutPlan{Stages: []RolloutStage{stage(10), stage(90)}}, true},
		{"weight above 100", RolloutPlan{Stages: []RolloutStage{stage(10), stage(101)}}, true},
		{"zero weight stage", RolloutPlan{Stages: []RolloutStage{stage(0), stage(100)}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.plan.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRolloutStateStageHelpers(t *testing.T) {
	state := RolloutState{
		Plan:              RolloutPlan{Stages: []RolloutStage{stage(10), stage(50), stage(100)}},
		CurrentStageIndex: 0,
	}
	assert.Equal(t, 10, state.CurrentStage().WeightPercent)
	assert.False(t, state.IsLastStage())

	state.CurrentStageIndex = 2
	assert.Equal(t, 100, state.CurrentStage().WeightPercent)
	assert.True(t, state.IsLastStage())
}

func TestDeployableUnitKey(t *testing.T) {
	unit := DeployableUnit{Name: "payments-processor", Environment: "production"}
	assert.Equal(t, "production.payments-processor", unit.Key())
}

func TestIdempotencyKeyIsDeterministic(t *testing.T) {
	a := IdempotencyKey([]byte(`{"order":"ord_1","amount":100}`))
	b := IdempotencyKey([]byte(`{"order":"ord_1","amount":100}`))
	c := IdempotencyKey([]byte(`{"order":"ord_2","amount":100}`))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}
