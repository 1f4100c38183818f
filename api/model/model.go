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

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

func (c *CreateRollout) ValidateCreateRollout() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Unit, validation.By(func(interface{}) error {
			return validation.ValidateStruct(&c.Unit,
				validation.Field(&c.Unit.Name, validation.Required),
				validation.Field(&c.Unit.Environment, validation.Required),
			)
		})),
		validation.Field(&c.StableVersion, validation.By(func(interface{}) error {
			if c.StableVersion.ID == "" {
				return errors.New("stable_version.id is required")
			}
			return nil
		})),
		validation.Field(&c.CandidateVersion, validation.By(func(interface{}) error {
			if c.CandidateVersion.ID == "" {
				return errors.New("candidate_version.id is required")
			}
			return nil
		})),
		validation.Field(&c.Stages, validation.Required, validation.By(stagesValidation(c))),
	)
}

func stagesValidation(c *CreateRollout) validation.RuleFunc {
	return func(value interface{}) error {
		if len(c.Stages) == 0 {
			return errors.New("at least one stage is required")
		}
		previous := 0
		for _, stage := range c.Stages {
			if stage.WeightPercent <= previous {
				return errors.New("stage weights must be strictly increasing")
			}
			if stage.WeightPercent > 100 {
				return errors.New("stage weight cannot exceed 100")
			}
			if stage.MinDurationSec < 0 || stage.HealthEvaluationPeriodSec < 0 {
				return errors.New("stage durations cannot be negative")
			}
			previous = stage.WeightPercent
		}
		if c.Stages[len(c.Stages)-1].WeightPercent != 100 {
			return errors.New("the final stage must route 100% to the candidate")
		}
		return nil
	}
}

func (q *QuarantineMessageRequest) ValidateQuarantineMessage() error {
	return validation.ValidateStruct(q,
		validation.Field(&q.Payload, validation.Required),
	)
}
