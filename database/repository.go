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

package database

import (
	"context"
	"time"

	"github.com/steadyops/steady/model"
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	rollout     // Interface for rollout state and audit trail operations
	quarantine  // Interface for the poison-message quarantine store
	idempotency // Interface for the idempotency record store
}

// rollout defines methods for handling rollout state and the append-only event log.
type rollout interface {
	CreateRollout(ctx context.Context, state *model.RolloutState) (*model.RolloutState, error)  // Creates a rollout; fails with Conflict when one is active for the unit
	GetRollout(ctx context.Context, rolloutID string) (*model.RolloutState, error)              // Retrieves a rollout by ID
	GetActiveRollout(ctx context.Context, unit model.DeployableUnit) (*model.RolloutState, error) // Retrieves the active rollout for a unit
	GetActiveRollouts(ctx context.Context) ([]*model.RolloutState, error)                       // Retrieves all non-terminal rollouts
	UpdateRolloutState(ctx context.Context, state *model.RolloutState) error                    // Persists stage index, holding marker and status
	RecordRolloutEvent(ctx context.Context, event *model.RolloutEvent) error                    // Appends one event to the audit trail
	GetRolloutEvents(ctx context.Context, rolloutID string, limit, offset int) ([]model.RolloutEvent, error) // Retrieves the audit trail, oldest first
}

// quarantine defines methods for the durable poison-message store.
type quarantine interface {
	EnqueueMessage(ctx context.Context, message *model.QuarantinedMessage) error                  // Parks a failed message
	DequeueBatch(ctx context.Context, n int, retryBefore time.Time) ([]*model.QuarantinedMessage, error) // Pulls the oldest n messages not attempted since retryBefore
	DeleteMessage(ctx context.Context, messageID string) error                                    // Removes a message after successful replay or manual discard
	UpdateAttempt(ctx context.Context, messageID string, attemptErr string) error                 // Records a failed replay attempt
	GetQuarantinedMessages(ctx context.Context, limit, offset int) ([]*model.QuarantinedMessage, error) // Lists parked messages for operators
	CountQuarantinedMessages(ctx context.Context) (int64, error)                                  // Counts parked messages
}

// idempotency defines methods for the key→result deduplication store.
type idempotency interface {
	GetIdempotencyRecord(ctx context.Context, key string) (*model.IdempotencyRecord, error)              // Retrieves a live record; NotFound when absent or expired
	PutIdempotencyRecord(ctx context.Context, key string, result []byte, ttl time.Duration) error        // Create-if-absent; Conflict when the key already exists
}
