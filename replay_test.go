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
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steadyops/steady/model"
)

func quarantinePayload(i int) json.RawMessage {
	payload, _ := json.Marshal(map[string]interface{}{
		"order_id": fmt.Sprintf("ord_%03d", i),
		"customer": gofakeit.Name(),
		"amount":   gofakeit.Price(1, 500),
	})
	return payload
}

func seedQuarantine(t *testing.T, s *Steady, n int) []*model.QuarantinedMessage {
	t.Helper()
	messages := make([]*model.QuarantinedMessage, n)
	for i := 0; i < n; i++ {
		message, err := s.QuarantineMessage(context.Background(), quarantinePayload(i), errors.New("downstream timeout"))
		require.NoError(t, err)
		messages[i] = message
	}
	return messages
}

func TestRunReplayCycleDrainsQueueWithBatchGrowth(t *testing.T) {
	s, ds, _, _ := newTestSteady(t)
	seedQuarantine(t, s, 20)

	var invocations atomic.Int64
	processor := func(ctx context.Context, payload []byte) ([]byte, error) {
		invocations.Add(1)
		return []byte(`{"ok":true}`), nil
	}

	summary, err := s.RunReplayCycle(context.Background(), processor)
	require.NoError(t, err)

	assert.Equal(t, 20, summary.Attempted)
	assert.Equal(t, 20, summary.Succeeded)
	assert.Equal(t, 0, summary.Requeued)
	assert.Equal(t, int64(20), invocations.Load())

	// First batch at the default size, then widened by the growth factor.
	assert.Equal(t, []int{10, 25}, ds.dequeueSizes[:2])

	depth, err := s.CountQuarantinedMessages(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}

func TestRunReplayCycleSkipsAlreadyProcessedMessages(t *testing.T) {
	s, ds, _, _ := newTestSteady(t)
	messages := seedQuarantine(t, s, 1)

	require.NoError(t, ds.PutIdempotencyRecord(context.Background(), messages[0].IdempotencyKey(), []byte(`{"ok":true}`), 24*time.Hour))

	var invocations atomic.Int64
	processor := func(ctx context.Context, payload []byte) ([]byte, error) {
		invocations.Add(1)
		return nil, nil
	}

	summary, err := s.RunReplayCycle(context.Background(), processor)
	require.NoError(t, err)

	// Counted as succeeded without touching the processor.
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, int64(0), invocations.Load())

	depth, err := s.CountQuarantinedMessages(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}

func TestRunReplayCycleKeepsFailedMessages(t *testing.T) {
	s, _, _, _ := newTestSteady(t)

	// Short pause keeps the single shrink wait from slowing the test.
	cfg := currentTestConfig(t)
	cfg.Replay.BaseDelayMs = 10

	seedQuarantine(t, s, 3)

	var invocations atomic.Int64
	processor := func(ctx context.Context, payload []byte) ([]byte, error) {
		invocations.Add(1)
		return nil, errors.New("still broken")
	}

	summary, err := s.RunReplayCycle(context.Background(), processor)
	require.NoError(t, err)

	// The cycle ends once every message has had its attempt, well inside the
	// wall-clock budget; a failing message is invoked exactly once per cycle.
	assert.Equal(t, 3, summary.Attempted)
	assert.Equal(t, 0, summary.Succeeded)
	assert.Equal(t, 3, summary.Requeued)
	assert.Equal(t, int64(3), invocations.Load())

	// Never auto-discarded; attempts are recorded instead.
	remaining, err := s.GetQuarantinedMessages(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, remaining, 3)
	for _, message := range remaining {
		assert.Equal(t, 2, message.AttemptCount)
		assert.Equal(t, "still broken", message.LastError)
	}
}

func TestRunReplayCycleShrinksBatchOnFailures(t *testing.T) {
	s, ds, _, _ := newTestSteady(t)

	cfg := currentTestConfig(t)
	cfg.Replay.BaseDelayMs = 10

	seedQuarantine(t, s, 12)

	var invocations atomic.Int64
	processor := func(ctx context.Context, payload []byte) ([]byte, error) {
		invocations.Add(1)
		return nil, errors.New("still broken")
	}

	summary, err := s.RunReplayCycle(context.Background(), processor)
	require.NoError(t, err)

	// One full batch, then the shrunk batch picks up the remaining two, then
	// an empty read ends the cycle. Nothing is attempted twice.
	assert.Equal(t, []int{10, 5, 5}, ds.dequeueSizes)
	assert.Equal(t, 12, summary.Attempted)
	assert.Equal(t, int64(12), invocations.Load())
}

func TestShrinkPauseCapsAndNeverOverflows(t *testing.T) {
	base := 200 * time.Millisecond
	max := 30 * time.Second

	assert.Equal(t, 200*time.Millisecond, shrinkPause(base, max, 0))
	assert.Equal(t, 400*time.Millisecond, shrinkPause(base, max, 1))
	assert.Equal(t, 1600*time.Millisecond, shrinkPause(base, max, 3))
	assert.Equal(t, max, shrinkPause(base, max, 10))

	// Large shrink counts must stay pinned at the cap, never wrap negative.
	for _, shrinks := range []int{40, 63, 64, 1 << 20} {
		assert.Equal(t, max, shrinkPause(base, max, shrinks))
	}
}

func TestRunReplayCycleEmptyQueue(t *testing.T) {
	s, _, _, _ := newTestSteady(t)

	processor := func(ctx context.Context, payload []byte) ([]byte, error) {
		t.Fatal("processor must not be called for an empty queue")
		return nil, nil
	}

	summary, err := s.RunReplayCycle(context.Background(), processor)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Attempted)
}
