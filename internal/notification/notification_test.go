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

package notification

import (
	"errors"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/steadyops/steady/config"
	"github.com/stretchr/testify/assert"
)

func TestSlackNotificationPostsToWebhook(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	webhookURL := "https://hooks.slack.com/services/T000/B000/XXX"
	httpmock.RegisterResponder("POST", webhookURL,
		httpmock.NewStringResponder(http.StatusOK, `{"ok": true}`))

	cnf := &config.Configuration{
		DataSource: config.DataSourceConfig{Dns: "postgres://localhost/steady"},
		Redis:      config.RedisConfig{Dns: "localhost:6379"},
	}
	cnf.Notification.Slack.WebhookUrl = webhookURL
	config.MockConfig(cnf)

	SlackNotification(errors.New("rollback stuck for production.checkout"))

	info := httpmock.GetCallCountInfo()
	assert.Equal(t, 1, info["POST "+webhookURL])
}

func TestNotifyFatalWithoutWebhookConfigured(t *testing.T) {
	config.MockConfig(&config.Configuration{
		DataSource: config.DataSourceConfig{Dns: "postgres://localhost/steady"},
		Redis:      config.RedisConfig{Dns: "localhost:6379"},
	})

	// Must not panic or attempt delivery when Slack is not configured.
	NotifyFatal(errors.New("traffic shifter unreachable"))
}
