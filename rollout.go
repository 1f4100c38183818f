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

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/cenkalti/backoff/v4"
	"github.com/steadyops/steady/config"
	"github.com/steadyops/steady/internal/apierror"
	redlock "github.com/steadyops/steady/internal/lock"
	"github.com/steadyops/steady/model"
)

var (
	tracer = otel.Tracer("steady.rollout")
)

func logAndRecordError(span trace.Span, msg string, err error) error {
	logrus.Error(msg, err)
	span.RecordError(err)
	return err
}

// StartRollout validates the plan and creates the rollout. A Redis lock
// covers the read-then-insert window across processes; the database's
// partial unique index is the authoritative guard, so losing the lock race
// still cannot produce two active rollouts for one unit.
func (s *Steady) StartRollout(ctx context.Context, unit model.DeployableUnit, stableVersion, candidateVersion model.Version, plan model.RolloutPlan) (*model.RolloutState, error) {
	ctx, span := tracer.Start(ctx, "Starting Rollout")
	defer span.End()

	if err := plan.Validate(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), err)
	}
	if stableVersion.ID == "" || candidateVersion.ID == "" {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "stable and candidate versions are required", nil)
	}
	if stableVersion.ID == candidateVersion.ID {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "candidate version must differ from stable version", nil)
	}

	locker := redlock.NewLocker(s.redis, "rollout:start:"+unit.Key(), model.GenerateUUIDWithSuffix("lock"))
	if err := locker.WaitLock(ctx, 30*time.Second, 5*time.Second); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Could not acquire start lock for unit '%s'", unit.Key()), err)
	}
	defer func() {
		if err := locker.Unlock(context.WithoutCancel(ctx)); err != nil {
			logrus.Error(err)
		}
	}()

	now := time.Now().UTC()
	state := &model.RolloutState{
		RolloutID:        model.GenerateUUIDWithSuffix("rlt"),
		Unit:             unit,
		StableVersion:    stableVersion,
		CandidateVersion: candidateVersion,
		Plan:             plan,
		StageEnteredAt:   now,
		Status:           StatusAdvancing,
		CreatedAt:        now,
	}

	created, err := s.datasource.CreateRollout(ctx, state)
	if err != nil {
		return nil, logAndRecordError(span, "create rollout error: ", err)
	}

	s.recordEvent(ctx, created, model.RolloutEvent{
		Status:  StatusAdvancing,
		Weight:  plan.Stages[0].WeightPercent,
		Reason:  fmt.Sprintf("rollout started: %s -> %s", stableVersion.ID, candidateVersion.ID),
		Trigger: "operator_start",
	})
	s.notifyRolloutEvent(created)

	// Kick the first evaluation step rather than waiting a full tick.
	if err := s.queue.EnqueueEvaluation(ctx, unit); err != nil {
		logrus.Errorf("failed to enqueue first evaluation for %s: %v", unit.Key(), err)
	}

	logrus.Infof("Rollout %s started for %s: stable=%s candidate=%s stages=%d",
		created.RolloutID, unit.Key(), stableVersion.ID, candidateVersion.ID, len(plan.Stages))
	return created, nil
}

// Abort forces the active rollout for a unit onto the rollback path. It is
// equivalent to an unhealthy verdict at the current stage, ending in ABORTED
// instead of ROLLED_BACK; the trigger tag is the only difference.
func (s *Steady) Abort(ctx context.Context, unit model.DeployableUnit) (*model.RolloutState, error) {
	ctx, span := tracer.Start(ctx, "Aborting Rollout")
	defer span.End()

	state, err := s.datasource.GetActiveRollout(ctx, unit)
	if err != nil {
		return nil, err
	}
	if state.Status == StatusRollbackStuck {
		return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Rollout %s is stuck in rollback and needs manual intervention", state.RolloutID), nil)
	}

	s.recordEvent(ctx, state, model.RolloutEvent{
		Status:  StatusRollingBack,
		Weight:  state.CurrentStage().WeightPercent,
		Reason:  "rollout aborted by operator",
		Trigger: TriggerOperatorAbort,
	})

	state.Status = StatusRollingBack
	if err := s.datasource.UpdateRolloutState(ctx, state); err != nil {
		return nil, logAndRecordError(span, "update rollout state error: ", err)
	}

	if _, err := s.Rollback(ctx, state, TriggerOperatorAbort); err != nil {
		return state, err
	}
	return state, nil
}

// GetRolloutStatus returns the active rollout for a unit from durable state.
func (s *Steady) GetRolloutStatus(ctx context.Context, unit model.DeployableUnit) (*model.RolloutState, error) {
	return s.datasource.GetActiveRollout(ctx, unit)
}

// GetRolloutEvents returns the audit trail of a rollout, oldest first.
func (s *Steady) GetRolloutEvents(ctx context.Context, rolloutID string, limit, offset int) ([]model.RolloutEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.datasource.GetRolloutEvents(ctx, rolloutID, limit, offset)
}

// EvaluateStage performs at most one stage-evaluation step for a unit. The
// scheduler calls this once per tick; a unit with no active rollout is a
// no-op. Steps for the same unit never run concurrently because the queue
// deduplicates on the unit key.
func (s *Steady) EvaluateStage(ctx context.Context, unit model.DeployableUnit) error {
	ctx, span := tracer.Start(ctx, "Evaluating Rollout Stage")
	defer span.End()

	state, err := s.datasource.GetActiveRollout(ctx, unit)
	if err != nil {
		if apierror.Is(err, apierror.ErrNotFound) {
			return nil
		}
		return logAndRecordError(span, "fetch active rollout error: ", err)
	}

	switch state.Status {
	case StatusRollbackStuck:
		logrus.Warnf("Rollout %s is stuck in rollback; waiting for manual intervention", state.RolloutID)
		return nil
	case StatusRollingBack:
		// A previous step began rolling back and did not finish; retry.
		trigger := TriggerHealthEvaluation
		if v, ok := state.MetaData["rollback_trigger"].(string); ok && v != "" {
			trigger = v
		}
		_, err := s.Rollback(ctx, state, trigger)
		return err
	}

	stage := state.CurrentStage()

	if err := s.applyStageWeight(ctx, state, stage.WeightPercent); err != nil {
		// TrafficShifter failures hold the rollout in place: rolling back
		// also needs the shifter, so an unreachable shifter must not trigger
		// a rollback.
		logrus.Errorf("Rollout %s: traffic shift to %d%% failed, holding: %v", state.RolloutID, stage.WeightPercent, err)
		return nil
	}

	// Let the stage soak before reacting to post-shift noise.
	if time.Since(state.StageEnteredAt) < stage.MinDuration {
		return nil
	}

	verdict, reason := s.evaluateCandidateHealth(ctx, state, stage)

	s.recordEvent(ctx, state, model.RolloutEvent{
		Status:  state.Status,
		Weight:  stage.WeightPercent,
		Verdict: string(verdict),
		Reason:  reason,
		Trigger: TriggerHealthEvaluation,
	})

	switch verdict {
	case model.VerdictUnhealthy:
		return s.beginRollback(ctx, state, stage, reason)
	case model.VerdictDegraded:
		return s.holdStage(ctx, state, stage, reason)
	default:
		if verdict == model.VerdictInsufficient {
			logrus.Infof("Rollout %s stage %d: insufficient data, treating as healthy (%s)", state.RolloutID, state.CurrentStageIndex, reason)
		}
		return s.advanceStage(ctx, state, stage)
	}
}

// applyStageWeight sets the candidate weight with bounded retries. The call
// is idempotent on the shifter side, so retrying a possibly-applied shift is
// safe.
func (s *Steady) applyStageWeight(ctx context.Context, state *model.RolloutState, weightPercent int) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(time.Second),
		backoff.WithMultiplier(2),
	), 2), ctx)

	return backoff.Retry(func() error {
		err := s.shifter.SetWeights(ctx, state.Unit, state.StableVersion, state.CandidateVersion, weightPercent)
		if err != nil && apierror.Is(err, apierror.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}, bo)
}

// evaluateCandidateHealth pulls the most recent complete window for the
// candidate, aggregates it and scores it against the stable version's
// trailing p99 baseline.
func (s *Steady) evaluateCandidateHealth(ctx context.Context, state *model.RolloutState, stage model.RolloutStage) (model.HealthVerdict, string) {
	cfg, err := config.Fetch()
	if err != nil {
		return model.VerdictInsufficient, "configuration unavailable"
	}
	thresholds := thresholdsFromConfig(cfg.Rollout)

	windowEnd := time.Now().UTC()
	windowStart := windowEnd.Add(-stage.HealthEvaluationPeriod)

	candidateSamples, err := s.health.Query(ctx, state.Unit, state.CandidateVersion, windowStart, windowEnd)
	if err != nil {
		// An unreachable metrics backend is insufficient data, never a
		// reason to roll back.
		logrus.Errorf("Rollout %s: health query for candidate failed: %v", state.RolloutID, err)
		return model.VerdictInsufficient, fmt.Sprintf("health signal source unavailable: %v", err)
	}

	candidate := model.Aggregate(candidateSamples)

	var baseline float64
	stableSamples, err := s.health.Query(ctx, state.Unit, state.StableVersion, windowStart, windowEnd)
	if err != nil {
		logrus.Errorf("Rollout %s: health query for stable baseline failed: %v", state.RolloutID, err)
	} else {
		baseline = model.Aggregate(stableSamples).P99DurationMs
	}

	verdict := model.EvaluateHealth(candidate, baseline, thresholds)
	reason := fmt.Sprintf("errors=%d invocations=%d throttles=%d p99=%.0fms baseline_p99=%.0fms",
		candidate.ErrorCount, candidate.InvocationCount, candidate.ThrottleCount, candidate.P99DurationMs, baseline)
	return verdict, reason
}

func (s *Steady) beginRollback(ctx context.Context, state *model.RolloutState, stage model.RolloutStage, reason string) error {
	logrus.Warnf("Rollout %s stage %d unhealthy, rolling back: %s", state.RolloutID, state.CurrentStageIndex, reason)

	state.Status = StatusRollingBack
	state.HoldingSince = time.Time{}
	if err := s.datasource.UpdateRolloutState(ctx, state); err != nil {
		return err
	}
	s.notifyRolloutEvent(state)

	_, err := s.Rollback(ctx, state, TriggerHealthEvaluation)
	return err
}

// holdStage keeps the rollout at the current stage on a degraded verdict.
// Degradation that persists beyond twice the stage's minimum duration is
// escalated to unhealthy.
func (s *Steady) holdStage(ctx context.Context, state *model.RolloutState, stage model.RolloutStage, reason string) error {
	now := time.Now().UTC()
	if state.HoldingSince.IsZero() {
		state.HoldingSince = now
	} else if now.Sub(state.HoldingSince) > 2*stage.MinDuration {
		return s.beginRollback(ctx, state, stage, fmt.Sprintf("degraded for more than %s: %s", 2*stage.MinDuration, reason))
	}

	firstHold := state.Status != StatusHolding
	state.Status = StatusHolding
	if firstHold {
		logrus.Infof("Rollout %s holding at stage %d: %s", state.RolloutID, state.CurrentStageIndex, reason)
		s.notifyRolloutEvent(state)
	}
	return s.datasource.UpdateRolloutState(ctx, state)
}

// advanceStage moves a healthy rollout forward: to the next stage, or to
// SUCCEEDED when the final stage has been evaluated. On success the shifter
// is left at 100% candidate; the candidate becomes the new stable.
func (s *Steady) advanceStage(ctx context.Context, state *model.RolloutState, stage model.RolloutStage) error {
	state.HoldingSince = time.Time{}

	if state.IsLastStage() {
		state.Status = StatusSucceeded
		if err := s.datasource.UpdateRolloutState(ctx, state); err != nil {
			return err
		}
		s.recordEvent(ctx, state, model.RolloutEvent{
			Status:  StatusSucceeded,
			Weight:  stage.WeightPercent,
			Reason:  fmt.Sprintf("candidate %s promoted to stable", state.CandidateVersion.ID),
			Trigger: TriggerHealthEvaluation,
		})
		s.notifyRolloutEvent(state)
		logrus.Infof("Rollout %s succeeded: %s is the new stable version for %s", state.RolloutID, state.CandidateVersion.ID, state.Unit.Key())
		return nil
	}

	state.CurrentStageIndex++
	state.StageEnteredAt = time.Now().UTC()
	state.Status = StatusAdvancing
	if err := s.datasource.UpdateRolloutState(ctx, state); err != nil {
		return err
	}
	s.recordEvent(ctx, state, model.RolloutEvent{
		Status:  StatusAdvancing,
		Weight:  state.CurrentStage().WeightPercent,
		Reason:  fmt.Sprintf("advanced to stage %d", state.CurrentStageIndex),
		Trigger: TriggerHealthEvaluation,
	})
	s.notifyRolloutEvent(state)
	logrus.Infof("Rollout %s advanced to stage %d (%d%%)", state.RolloutID, state.CurrentStageIndex, state.CurrentStage().WeightPercent)
	return nil
}

// recordEvent appends to the audit trail. Event write failures are logged
// and reported, never allowed to interrupt the rollout itself.
func (s *Steady) recordEvent(ctx context.Context, state *model.RolloutState, event model.RolloutEvent) {
	event.EventID = model.GenerateUUIDWithSuffix("evt")
	event.RolloutID = state.RolloutID
	event.StageIndex = state.CurrentStageIndex
	event.CreatedAt = time.Now().UTC()

	if err := s.datasource.RecordRolloutEvent(ctx, &event); err != nil {
		logrus.Errorf("failed to record rollout event for %s: %v", state.RolloutID, err)
	}
}

func (s *Steady) notifyRolloutEvent(state *model.RolloutState) {
	event := getEventFromStatus(state.Status)
	if err := SendWebhook(NewWebhook{Event: event, Payload: state}); err != nil {
		logrus.Errorf("failed to send webhook for %s: %v", event, err)
	}
}

func thresholdsFromConfig(cfg config.RolloutConfig) model.HealthThresholds {
	view := cfg.Thresholds()
	return model.HealthThresholds{
		UnhealthyErrorRate:  view.UnhealthyErrorRate,
		DegradedErrorRate:   view.DegradedErrorRate,
		P99BaselineFactor:   view.P99BaselineFactor,
		MinimumInvocations:  view.MinimumInvocations,
		TolerateAnyThrottle: view.TolerateAnyThrottle,
	}
}
