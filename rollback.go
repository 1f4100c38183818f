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

package steady

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/steadyops/steady/internal/notification"
	"github.com/steadyops/steady/model"
)

const maxRollbackAttempts = 3

// RollbackResult reports a completed rollback.
type RollbackResult struct {
	RolloutID       string        `json:"rollout_id"`
	RestoredVersion model.Version `json:"restored_version"`
	CompletedAt     time.Time     `json:"completed_at"`
}

// Rollback routes all traffic back to the stable version. The shift is
// retried with exponential backoff; when every attempt fails the rollout is
// parked in ROLLBACK_STUCK and a fatal alert goes out, because traffic may
// still be reaching a bad candidate. The rollout is never silently dropped.
func (s *Steady) Rollback(ctx context.Context, state *model.RolloutState, trigger string) (*RollbackResult, error) {
	ctx, span := tracer.Start(ctx, "Rolling Back Rollout")
	defer span.End()

	if state.Status != StatusRollingBack {
		state.Status = StatusRollingBack
	}
	if state.MetaData == nil {
		state.MetaData = map[string]interface{}{}
	}
	state.MetaData["rollback_trigger"] = trigger
	if err := s.datasource.UpdateRolloutState(ctx, state); err != nil {
		return nil, err
	}

	attempt := 0
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(time.Second),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0),
	), maxRollbackAttempts-1), ctx)

	err := backoff.Retry(func() error {
		attempt++
		err := s.shifter.SetWeights(ctx, state.Unit, state.StableVersion, state.CandidateVersion, 0)
		if err != nil {
			logrus.Errorf("Rollout %s: rollback attempt %d/%d failed: %v", state.RolloutID, attempt, maxRollbackAttempts, err)
		}
		return err
	}, bo)
	if err != nil {
		return nil, s.markRollbackStuck(ctx, state, trigger, err)
	}

	finalStatus := StatusRolledBack
	if trigger == TriggerOperatorAbort {
		finalStatus = StatusAborted
	}
	state.Status = finalStatus
	delete(state.MetaData, "rollback_trigger")
	if err := s.datasource.UpdateRolloutState(ctx, state); err != nil {
		return nil, err
	}

	s.recordEvent(ctx, state, model.RolloutEvent{
		Status:  finalStatus,
		Weight:  0,
		Reason:  fmt.Sprintf("traffic restored to stable version %s", state.StableVersion.ID),
		Trigger: trigger,
	})
	s.notifyRolloutEvent(state)
	logrus.Infof("Rollout %s rolled back to %s (%s)", state.RolloutID, state.StableVersion.ID, finalStatus)

	return &RollbackResult{
		RolloutID:       state.RolloutID,
		RestoredVersion: state.StableVersion,
		CompletedAt:     time.Now().UTC(),
	}, nil
}

// markRollbackStuck parks the rollout for manual intervention and pages. No
// further automatic traffic changes happen for this unit until an operator
// clears the state.
func (s *Steady) markRollbackStuck(ctx context.Context, state *model.RolloutState, trigger string, cause error) error {
	state.Status = StatusRollbackStuck
	if err := s.datasource.UpdateRolloutState(ctx, state); err != nil {
		logrus.Errorf("Rollout %s: failed to persist ROLLBACK_STUCK: %v", state.RolloutID, err)
	}

	s.recordEvent(ctx, state, model.RolloutEvent{
		Status:  StatusRollbackStuck,
		Weight:  state.CurrentStage().WeightPercent,
		Reason:  fmt.Sprintf("rollback failed after %d attempts: %v", maxRollbackAttempts, cause),
		Trigger: trigger,
	})
	s.notifyRolloutEvent(state)

	alert := fmt.Errorf("rollback stuck for unit %s (rollout %s): traffic may still reach candidate %s: %w",
		state.Unit.Key(), state.RolloutID, state.CandidateVersion.ID, cause)
	notification.NotifyFatal(alert)
	return alert
}
