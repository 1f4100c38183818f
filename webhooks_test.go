/*
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
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/steadyops/steady/config"
	"github.com/steadyops/steady/model"
	"github.com/stretchr/testify/assert"
)

func TestSendWebhook(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("an error '%s' occurred when starting miniredis", err)
	}
	defer mr.Close()

	mockConfig := &config.Configuration{
		Redis: config.RedisConfig{
			Dns: mr.Addr(),
		},
		Notification: config.Notification{Webhook: struct {
			Url     string            `json:"url"`
			Headers map[string]string `json:"headers"`
		}(struct {
			Url     string
			Headers map[string]string
		}{Url: "https:localhost:5001/webhook", Headers: nil})},
	}
	config.MockConfig(mockConfig)

	testData := NewWebhook{
		Event: "rollout.rolled_back",
		Payload: &model.RolloutState{
			RolloutID: "rlt_test",
			Unit:      model.DeployableUnit{Name: "payment-processor", Environment: "prod"},
			Status:    StatusRolledBack,
		},
	}

	err = SendWebhook(testData)
	assert.NoError(t, err)

	// Verify that the task was enqueued
	tasks := mr.Keys()
	t.Log(tasks)
	assert.NotEmpty(t, tasks)
}

func TestSendWebhookWithoutURLIsNoop(t *testing.T) {
	config.MockConfig(&config.Configuration{})
	assert.NoError(t, SendWebhook(NewWebhook{Event: "rollout.succeeded"}))
}

func TestGetEventFromStatus(t *testing.T) {
	assert.Equal(t, "rollout.advancing", getEventFromStatus(StatusAdvancing))
	assert.Equal(t, "rollout.holding", getEventFromStatus(StatusHolding))
	assert.Equal(t, "rollout.rolling_back", getEventFromStatus(StatusRollingBack))
	assert.Equal(t, "rollout.stuck", getEventFromStatus(StatusRollbackStuck))
	assert.Equal(t, "rollout.succeeded", getEventFromStatus(StatusSucceeded))
	assert.Equal(t, "rollout.rolled_back", getEventFromStatus(StatusRolledBack))
	assert.Equal(t, "rollout.aborted", getEventFromStatus(StatusAborted))
	assert.Equal(t, "rollout.unknown", getEventFromStatus("SOMETHING_ELSE"))
}
