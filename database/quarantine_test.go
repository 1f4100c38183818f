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
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/steadyops/steady/internal/apierror"
	"github.com/steadyops/steady/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testQuarantinedMessage() *model.QuarantinedMessage {
	now := time.Now().UTC()
	return &model.QuarantinedMessage{
		MessageID:     "msg_1",
		Payload:       json.RawMessage(`{"order":"ord_1"}`),
		FirstFailedAt: now.Add(-time.Hour),
		LastAttemptAt: now,
		AttemptCount:  1,
		LastError:     "downstream timeout",
	}
}

func TestEnqueueMessage_Success(t *testing.T) {
	d, mock := newTestDatasource(t)
	msg := testQuarantinedMessage()

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO steady.quarantine`)).
		WithArgs(msg.MessageID, []byte(msg.Payload), msg.FirstFailedAt, msg.LastAttemptAt, msg.AttemptCount, msg.LastError).
		WillReturnResult(sqlmock.NewResult(1, 1))

	assert.NoError(t, d.EnqueueMessage(context.Background(), msg))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDequeueBatch_ReturnsOldestFirst(t *testing.T) {
	d, mock := newTestDatasource(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{"message_id", "payload", "first_failed_at", "last_attempt_at", "attempt_count", "last_error"}).
		AddRow("msg_1", []byte(`{"order":"ord_1"}`), now.Add(-2*time.Hour), now, 2, "downstream timeout").
		AddRow("msg_2", []byte(`{"order":"ord_2"}`), now.Add(-time.Hour), now, 1, nil)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT message_id`)).
		WithArgs(10, now).
		WillReturnRows(rows)

	messages, err := d.DequeueBatch(context.Background(), 10, now)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "msg_1", messages[0].MessageID)
	assert.Equal(t, 2, messages[0].AttemptCount)
	assert.Empty(t, messages[1].LastError)
}

func TestDequeueBatch_ExcludesRecentlyAttempted(t *testing.T) {
	d, mock := newTestDatasource(t)
	cycleStart := time.Now().UTC()

	// The cutoff is part of the query itself, so a message whose attempt was
	// recorded after the cycle started can never be handed back to it.
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE last_attempt_at < $2`)).
		WithArgs(5, cycleStart).
		WillReturnRows(sqlmock.NewRows([]string{"message_id", "payload", "first_failed_at", "last_attempt_at", "attempt_count", "last_error"}))

	messages, err := d.DequeueBatch(context.Background(), 5, cycleStart)
	require.NoError(t, err)
	assert.Empty(t, messages)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteMessage_NotFound(t *testing.T) {
	d, mock := newTestDatasource(t)

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM steady.quarantine`)).
		WithArgs("msg_missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := d.DeleteMessage(context.Background(), "msg_missing")
	require.Error(t, err)
	assert.True(t, apierror.Is(err, apierror.ErrNotFound))
}

func TestUpdateAttempt_IncrementsCounter(t *testing.T) {
	d, mock := newTestDatasource(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE steady.quarantine`)).
		WithArgs("msg_1", sqlmock.AnyArg(), "processor returned 500").
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, d.UpdateAttempt(context.Background(), "msg_1", "processor returned 500"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountQuarantinedMessages(t *testing.T) {
	d, mock := newTestDatasource(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM steady.quarantine`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))

	count, err := d.CountQuarantinedMessages(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), count)
}
