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
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steadyops/steady/internal/apierror"
	"github.com/steadyops/steady/model"
)

func TestQuarantineMessage(t *testing.T) {
	s, _, _, _ := newTestSteady(t)

	message, err := s.QuarantineMessage(context.Background(), quarantinePayload(1), errors.New("downstream timeout"))
	require.NoError(t, err)
	assert.NotEmpty(t, message.MessageID)
	assert.Equal(t, 1, message.AttemptCount)
	assert.Equal(t, "downstream timeout", message.LastError)

	depth, err := s.CountQuarantinedMessages(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestQuarantineMessageRejectsEmptyPayload(t *testing.T) {
	s, _, _, _ := newTestSteady(t)

	_, err := s.QuarantineMessage(context.Background(), nil, errors.New("boom"))
	require.Error(t, err)
	assert.True(t, apierror.Is(err, apierror.ErrInvalidInput))
}

func TestDiscardMessage(t *testing.T) {
	s, _, _, _ := newTestSteady(t)
	messages := seedQuarantine(t, s, 2)

	require.NoError(t, s.DiscardMessage(context.Background(), messages[0].MessageID))

	remaining, err := s.GetQuarantinedMessages(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, messages[1].MessageID, remaining[0].MessageID)

	err = s.DiscardMessage(context.Background(), messages[0].MessageID)
	assert.True(t, apierror.Is(err, apierror.ErrNotFound))
}

func TestProcessMessageWritesIdempotencyRecord(t *testing.T) {
	s, ds, _, _ := newTestSteady(t)
	payload := quarantinePayload(7)

	var invocations atomic.Int64
	processor := func(ctx context.Context, p []byte) ([]byte, error) {
		invocations.Add(1)
		return []byte(`{"ok":true}`), nil
	}

	result, err := s.ProcessMessage(context.Background(), processor, payload)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))

	record, err := ds.GetIdempotencyRecord(context.Background(), model.IdempotencyKey(payload))
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(record.Result))

	// A second run with identical content short-circuits on the record.
	again, err := s.ProcessMessage(context.Background(), processor, payload)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(again))
	assert.Equal(t, int64(1), invocations.Load())
}

func TestProcessMessageFailureWritesNothing(t *testing.T) {
	s, ds, _, _ := newTestSteady(t)
	payload := quarantinePayload(8)

	processor := func(ctx context.Context, p []byte) ([]byte, error) {
		return nil, errors.New("downstream rejected")
	}

	_, err := s.ProcessMessage(context.Background(), processor, payload)
	require.Error(t, err)

	_, err = ds.GetIdempotencyRecord(context.Background(), model.IdempotencyKey(payload))
	assert.True(t, apierror.Is(err, apierror.ErrNotFound))
}

func TestProcessMessageConcurrentWriteLosesGracefully(t *testing.T) {
	s, ds, _, _ := newTestSteady(t)
	payload := quarantinePayload(9)
	key := model.IdempotencyKey(payload)

	processor := func(ctx context.Context, p []byte) ([]byte, error) {
		// Another worker wins the record race mid-flight.
		require.NoError(t, ds.PutIdempotencyRecord(ctx, key, []byte(`{"winner":"other"}`), 24*time.Hour))
		return []byte(`{"winner":"me"}`), nil
	}

	result, err := s.ProcessMessage(context.Background(), processor, payload)
	require.NoError(t, err)
	assert.JSONEq(t, `{"winner":"other"}`, string(result))
}
