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
	"sync"
	"time"

	"github.com/steadyops/steady/internal/apierror"
	"github.com/steadyops/steady/model"
)

// shiftCall records one SetWeights invocation.
type shiftCall struct {
	Unit    model.DeployableUnit
	Weight  int
	Stable  model.Version
	Candid  model.Version
	Applied time.Time
}

type mockShifter struct {
	mu    sync.Mutex
	calls []shiftCall
	fail  func(call int) error
}

func (m *mockShifter) SetWeights(_ context.Context, unit model.DeployableUnit, stable, candidate model.Version, weight int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		if err := m.fail(len(m.calls)); err != nil {
			return err
		}
	}
	m.calls = append(m.calls, shiftCall{Unit: unit, Weight: weight, Stable: stable, Candid: candidate, Applied: time.Now()})
	return nil
}

func (m *mockShifter) lastWeight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return -1
	}
	return m.calls[len(m.calls)-1].Weight
}

func (m *mockShifter) weights() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, len(m.calls))
	for i, c := range m.calls {
		out[i] = c.Weight
	}
	return out
}

type mockHealth struct {
	mu      sync.Mutex
	queryFn func(unit model.DeployableUnit, version model.Version, windowStart, windowEnd time.Time) ([]model.HealthSample, error)
}

func (m *mockHealth) Query(_ context.Context, unit model.DeployableUnit, version model.Version, windowStart, windowEnd time.Time) ([]model.HealthSample, error) {
	m.mu.Lock()
	fn := m.queryFn
	m.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(unit, version, windowStart, windowEnd)
}

// healthSample builds one sample for a version with the given counters.
func healthSample(unit model.DeployableUnit, version model.Version, errors, invocations, throttles int64, p99 float64) model.HealthSample {
	return model.HealthSample{
		Unit:            unit,
		Version:         version,
		WindowStart:     time.Now().Add(-time.Minute),
		WindowEnd:       time.Now(),
		ErrorCount:      errors,
		InvocationCount: invocations,
		ThrottleCount:   throttles,
		P99DurationMs:   p99,
	}
}

// memoryDatasource is an in-memory stand-in for the postgres layer with the
// same contract, including the one-active-rollout invariant and
// create-if-absent idempotency writes.
type memoryDatasource struct {
	mu           sync.Mutex
	rollouts     map[string]*model.RolloutState
	events       []model.RolloutEvent
	quarantine   []*model.QuarantinedMessage
	idempotency  map[string]*model.IdempotencyRecord
	dequeueSizes []int
}

func newMemoryDatasource() *memoryDatasource {
	return &memoryDatasource{
		rollouts:    make(map[string]*model.RolloutState),
		idempotency: make(map[string]*model.IdempotencyRecord),
	}
}

func (m *memoryDatasource) CreateRollout(_ context.Context, state *model.RolloutState) (*model.RolloutState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.rollouts {
		if existing.Unit.Key() == state.Unit.Key() && !IsTerminalStatus(existing.Status) {
			return nil, apierror.NewAPIError(apierror.ErrConflict, "A rollout is already active for unit "+state.Unit.Key(), nil)
		}
	}
	m.rollouts[state.RolloutID] = state
	return state, nil
}

func (m *memoryDatasource) GetRollout(_ context.Context, rolloutID string) (*model.RolloutState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.rollouts[rolloutID]
	if !ok {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, "Rollout not found", nil)
	}
	return state, nil
}

func (m *memoryDatasource) GetActiveRollout(_ context.Context, unit model.DeployableUnit) (*model.RolloutState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, state := range m.rollouts {
		if state.Unit.Key() == unit.Key() && !IsTerminalStatus(state.Status) {
			return state, nil
		}
	}
	return nil, apierror.NewAPIError(apierror.ErrNotFound, "No active rollout for unit "+unit.Key(), nil)
}

func (m *memoryDatasource) GetActiveRollouts(_ context.Context) ([]*model.RolloutState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.RolloutState
	for _, state := range m.rollouts {
		if !IsTerminalStatus(state.Status) {
			out = append(out, state)
		}
	}
	return out, nil
}

func (m *memoryDatasource) UpdateRolloutState(_ context.Context, state *model.RolloutState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rollouts[state.RolloutID]; !ok {
		return apierror.NewAPIError(apierror.ErrNotFound, "Rollout not found", nil)
	}
	m.rollouts[state.RolloutID] = state
	return nil
}

func (m *memoryDatasource) RecordRolloutEvent(_ context.Context, event *model.RolloutEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *event)
	return nil
}

func (m *memoryDatasource) GetRolloutEvents(_ context.Context, rolloutID string, limit, offset int) ([]model.RolloutEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.RolloutEvent
	for _, event := range m.events {
		if event.RolloutID == rolloutID {
			out = append(out, event)
		}
	}
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryDatasource) EnqueueMessage(_ context.Context, message *model.QuarantinedMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.quarantine {
		if existing.MessageID == message.MessageID {
			return nil
		}
	}
	m.quarantine = append(m.quarantine, message)
	return nil
}

func (m *memoryDatasource) DequeueBatch(_ context.Context, n int, retryBefore time.Time) ([]*model.QuarantinedMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dequeueSizes = append(m.dequeueSizes, n)
	out := make([]*model.QuarantinedMessage, 0, n)
	for _, message := range m.quarantine {
		if len(out) == n {
			break
		}
		if message.LastAttemptAt.Before(retryBefore) {
			out = append(out, message)
		}
	}
	return out, nil
}

func (m *memoryDatasource) DeleteMessage(_ context.Context, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, message := range m.quarantine {
		if message.MessageID == messageID {
			m.quarantine = append(m.quarantine[:i], m.quarantine[i+1:]...)
			return nil
		}
	}
	return apierror.NewAPIError(apierror.ErrNotFound, "Quarantined message not found", nil)
}

func (m *memoryDatasource) UpdateAttempt(_ context.Context, messageID string, attemptErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, message := range m.quarantine {
		if message.MessageID == messageID {
			message.AttemptCount++
			message.LastAttemptAt = time.Now()
			message.LastError = attemptErr
			return nil
		}
	}
	return apierror.NewAPIError(apierror.ErrNotFound, "Quarantined message not found", nil)
}

func (m *memoryDatasource) GetQuarantinedMessages(_ context.Context, limit, offset int) ([]*model.QuarantinedMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.quarantine
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if limit < len(out) {
		out = out[:limit]
	}
	result := make([]*model.QuarantinedMessage, len(out))
	copy(result, out)
	return result, nil
}

func (m *memoryDatasource) CountQuarantinedMessages(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.quarantine)), nil
}

func (m *memoryDatasource) GetIdempotencyRecord(_ context.Context, key string) (*model.IdempotencyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.idempotency[key]
	if !ok || record.Expired(time.Now()) {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, "Idempotency record not found", nil)
	}
	return record, nil
}

func (m *memoryDatasource) PutIdempotencyRecord(_ context.Context, key string, result []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.idempotency[key]; ok {
		return apierror.NewAPIError(apierror.ErrConflict, "Idempotency record already exists", nil)
	}
	now := time.Now()
	m.idempotency[key] = &model.IdempotencyRecord{
		IdempotencyKey: key,
		Result:         result,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	}
	return nil
}
