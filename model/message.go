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
	"encoding/json"
	"time"
)

// QuarantinedMessage is a poison message parked for out-of-band replay. It is
// created when the processing entry point reports failure after exhausting
// its own inline retries, and only mutated to record further attempts.
type QuarantinedMessage struct {
	MessageID     string          `json:"message_id"`
	Payload       json.RawMessage `json:"payload"`
	FirstFailedAt time.Time       `json:"first_failed_at"`
	LastAttemptAt time.Time       `json:"last_attempt_at"`
	AttemptCount  int             `json:"attempt_count"`
	LastError     string          `json:"last_error"`
}

// IdempotencyKey returns the deterministic fingerprint of the message
// payload. Replays of the same logical message always compute the same key.
func (m *QuarantinedMessage) IdempotencyKey() string {
	return IdempotencyKey(m.Payload)
}

// IdempotencyRecord is the stored result of the first successful processing
// of a key. It is written only by the processor on success; the replay engine
// reads it to short-circuit duplicates.
type IdempotencyRecord struct {
	IdempotencyKey string          `json:"idempotency_key"`
	Result         json.RawMessage `json:"result"`
	CreatedAt      time.Time       `json:"created_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
}

// Expired reports whether the record's TTL has lapsed at the given instant.
func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// ReplaySummary is the outcome of one replay cycle.
type ReplaySummary struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Requeued  int `json:"requeued"`
}
