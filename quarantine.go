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
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/steadyops/steady/config"
	"github.com/steadyops/steady/internal/apierror"
	"github.com/steadyops/steady/model"
)

// QuarantineMessage parks a payload that failed downstream processing. The
// write is idempotent on message id, so a processor that crashes after
// quarantining and retries the report does not duplicate the message.
func (s *Steady) QuarantineMessage(ctx context.Context, payload json.RawMessage, failure error) (*model.QuarantinedMessage, error) {
	ctx, span := tracer.Start(ctx, "Quarantining Message")
	defer span.End()

	if len(payload) == 0 {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "payload is required", nil)
	}

	now := time.Now().UTC()
	message := &model.QuarantinedMessage{
		MessageID:     model.GenerateUUIDWithSuffix("msg"),
		Payload:       payload,
		FirstFailedAt: now,
		LastAttemptAt: now,
		AttemptCount:  1,
	}
	if failure != nil {
		message.LastError = failure.Error()
	}

	if err := s.datasource.EnqueueMessage(ctx, message); err != nil {
		return nil, err
	}
	logrus.Infof("Message %s quarantined: %s", message.MessageID, message.LastError)
	return message, nil
}

// DiscardMessage removes a quarantined message on explicit operator request.
// This is the only way a message leaves quarantine without a successful
// replay; the engine itself never drops data.
func (s *Steady) DiscardMessage(ctx context.Context, messageID string) error {
	ctx, span := tracer.Start(ctx, "Discarding Quarantined Message")
	defer span.End()

	if err := s.datasource.DeleteMessage(ctx, messageID); err != nil {
		return err
	}
	logrus.Warnf("Message %s discarded by operator", messageID)
	return nil
}

// GetQuarantinedMessages lists parked messages for the operator surface,
// oldest first.
func (s *Steady) GetQuarantinedMessages(ctx context.Context, limit, offset int) ([]*model.QuarantinedMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.datasource.GetQuarantinedMessages(ctx, limit, offset)
}

// CountQuarantinedMessages returns the quarantine depth.
func (s *Steady) CountQuarantinedMessages(ctx context.Context) (int64, error) {
	return s.datasource.CountQuarantinedMessages(ctx)
}

// ProcessMessage runs a payload through the downstream entry point with
// dedup guarantees. The idempotency record is written here, on success, and
// nowhere else; a Conflict on the write means another worker finished first
// and this worker's result is discarded in favor of the stored one.
func (s *Steady) ProcessMessage(ctx context.Context, processor ProcessorEntryPoint, payload json.RawMessage) (json.RawMessage, error) {
	key := model.IdempotencyKey(payload)

	if record, err := s.datasource.GetIdempotencyRecord(ctx, key); err == nil {
		return record.Result, nil
	} else if !apierror.Is(err, apierror.ErrNotFound) {
		return nil, err
	}

	result, err := processor(ctx, payload)
	if err != nil {
		return nil, err
	}

	cfg, cfgErr := config.Fetch()
	ttl := 24 * time.Hour
	if cfgErr == nil {
		ttl = cfg.Replay.IdempotencyTTL()
	}

	if err := s.datasource.PutIdempotencyRecord(ctx, key, result, ttl); err != nil {
		if apierror.Is(err, apierror.ErrConflict) {
			logrus.Infof("Idempotency record for %s already written by a concurrent worker", key)
			if record, getErr := s.datasource.GetIdempotencyRecord(ctx, key); getErr == nil {
				return record.Result, nil
			}
			return result, nil
		}
		return nil, err
	}
	return result, nil
}
