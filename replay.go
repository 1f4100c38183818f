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
	"time"

	"github.com/sirupsen/logrus"

	"github.com/steadyops/steady/config"
	"github.com/steadyops/steady/internal/apierror"
	"github.com/steadyops/steady/model"
)

// TriggerReplayCycle schedules an immediate replay cycle on the worker pool
// instead of waiting for the next scheduled run.
func (s *Steady) TriggerReplayCycle(ctx context.Context) error {
	return s.queue.EnqueueReplayCycle(ctx)
}

// maxShrinkShift bounds the exponent of the shrink pause so the shifted
// Duration cannot overflow past MaxDelay.
const maxShrinkShift = 16

// RunReplayCycle drains the quarantine in adaptively sized batches until the
// queue is empty, every remaining message has had its attempt, or the cycle's
// wall-clock budget runs out. Batch sizing is a single feedback rule: a batch
// at or above the configured success ratio widens the next batch by the
// growth factor, anything below shrinks it and pauses with exponential
// backoff. Each message is attempted at most once per cycle; failed messages
// stay quarantined for the next cycle, and the engine never discards a
// message on its own.
func (s *Steady) RunReplayCycle(ctx context.Context, processor ProcessorEntryPoint) (*model.ReplaySummary, error) {
	ctx, span := tracer.Start(ctx, "Running Replay Cycle")
	defer span.End()

	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	rc := cfg.Replay

	cycleStart := time.Now().UTC()
	deadline := cycleStart.Add(rc.CycleBudget())
	summary := &model.ReplaySummary{}
	batchSize := rc.BatchSize
	consecutiveShrinks := 0
	attempted := make(map[string]struct{})

	defer func() {
		if summary.Attempted == 0 {
			return
		}
		if err := SendWebhook(NewWebhook{Event: "replay.cycle_completed", Payload: summary}); err != nil {
			logrus.Errorf("failed to send replay cycle webhook: %v", err)
		}
	}()

	for {
		if time.Now().After(deadline) {
			logrus.Infof("Replay cycle budget exhausted: attempted=%d succeeded=%d requeued=%d", summary.Attempted, summary.Succeeded, summary.Requeued)
			return summary, nil
		}
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		batch, err := s.datasource.DequeueBatch(ctx, batchSize, cycleStart)
		if err != nil {
			return summary, err
		}

		// The dequeue already excludes messages whose attempt was recorded
		// this cycle. The seen set additionally covers attempts that could
		// not be recorded, so no message is ever invoked twice per cycle;
		// when nothing new is left, the cycle is done.
		pending := batch[:0]
		for _, message := range batch {
			if _, seen := attempted[message.MessageID]; seen {
				continue
			}
			attempted[message.MessageID] = struct{}{}
			pending = append(pending, message)
		}
		if len(pending) == 0 {
			return summary, nil
		}

		succeeded := 0
		for _, message := range pending {
			if s.replayMessage(ctx, processor, message) {
				succeeded++
				summary.Succeeded++
			} else {
				summary.Requeued++
			}
			summary.Attempted++
		}

		ratio := float64(succeeded) / float64(len(pending))
		if ratio >= rc.SuccessRatio {
			consecutiveShrinks = 0
			next := int(float64(batchSize) * rc.GrowthFactor)
			if next > rc.MaxBatchSize {
				next = rc.MaxBatchSize
			}
			batchSize = next
		} else {
			batchSize = rc.ShrinkBatchSize
			pause := shrinkPause(rc.BaseDelay(), rc.MaxDelay(), consecutiveShrinks)
			consecutiveShrinks++
			logrus.Infof("Replay batch success ratio %.2f below %.2f, shrinking to %d and pausing %s", ratio, rc.SuccessRatio, batchSize, pause)
			select {
			case <-ctx.Done():
				return summary, ctx.Err()
			case <-time.After(pause):
			}
		}
	}
}

// shrinkPause doubles the pause per consecutive shrink, capped at max. The
// exponent is clamped so the shifted Duration cannot wrap negative and dodge
// the cap.
func shrinkPause(base, max time.Duration, shrinks int) time.Duration {
	pause := base << min(shrinks, maxShrinkShift)
	if pause > max || pause <= 0 {
		return max
	}
	return pause
}

// replayMessage resolves one quarantined message and reports whether it left
// the queue. A live idempotency record counts as success without touching the
// processor; replay is idempotent-safe by construction.
func (s *Steady) replayMessage(ctx context.Context, processor ProcessorEntryPoint, message *model.QuarantinedMessage) bool {
	if record, err := s.datasource.GetIdempotencyRecord(ctx, message.IdempotencyKey()); err == nil && record != nil {
		if err := s.datasource.DeleteMessage(ctx, message.MessageID); err != nil {
			logrus.Errorf("Message %s already processed but could not be dequarantined: %v", message.MessageID, err)
			return false
		}
		logrus.Infof("Message %s already processed, removed from quarantine without replay", message.MessageID)
		return true
	} else if err != nil && !apierror.Is(err, apierror.ErrNotFound) {
		logrus.Errorf("Idempotency lookup for message %s failed: %v", message.MessageID, err)
		return false
	}

	// The processor owns the idempotency record write on success.
	if _, err := processor(ctx, message.Payload); err != nil {
		if updateErr := s.datasource.UpdateAttempt(ctx, message.MessageID, err.Error()); updateErr != nil {
			logrus.Errorf("Failed to record replay attempt for message %s: %v", message.MessageID, updateErr)
		}
		logrus.Infof("Message %s replay failed (attempt %d): %v", message.MessageID, message.AttemptCount+1, err)
		return false
	}

	if err := s.datasource.DeleteMessage(ctx, message.MessageID); err != nil {
		logrus.Errorf("Message %s replayed but could not be dequarantined: %v", message.MessageID, err)
		return false
	}
	logrus.Infof("Message %s replayed successfully", message.MessageID)
	return true
}
