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
	"embed"
	"fmt"
	"time"

	"github.com/steadyops/steady/config"
	"github.com/steadyops/steady/database"
	redis_db "github.com/steadyops/steady/internal/redis-db"
	"github.com/steadyops/steady/model"
	"github.com/redis/go-redis/v9"
)

// Rollout statuses. A rollout is active while its status is one of the
// first four; the remaining three are terminal.
const (
	StatusAdvancing     = "ADVANCING"
	StatusHolding       = "HOLDING"
	StatusRollingBack   = "ROLLING_BACK"
	StatusRollbackStuck = "ROLLBACK_STUCK"
	StatusSucceeded     = "SUCCEEDED"
	StatusRolledBack    = "ROLLED_BACK"
	StatusAborted       = "ABORTED"
)

// Trigger sources recorded on rollout events. Operator aborts and automatic
// unhealthy verdicts converge on the same rollback path; the trigger tag is
// the only thing that distinguishes them.
const (
	TriggerHealthEvaluation = "health_evaluation"
	TriggerOperatorAbort    = "operator_abort"
)

//go:embed sql/*.sql
var SQLFiles embed.FS

// TrafficShifter applies a weighted routing split between the stable and
// candidate versions of a unit. Re-applying the current weight is a no-op
// success.
type TrafficShifter interface {
	SetWeights(ctx context.Context, unit model.DeployableUnit, stableVersion, candidateVersion model.Version, candidateWeightPercent int) error
}

// HealthSignalSource supplies time-windowed aggregate metrics for one
// version of a unit. An unreachable metrics backend fails with Unavailable
// and is treated as insufficient data, never as unhealthy.
type HealthSignalSource interface {
	Query(ctx context.Context, unit model.DeployableUnit, version model.Version, windowStart, windowEnd time.Time) ([]model.HealthSample, error)
}

// ProcessorEntryPoint is the downstream business logic: a pure function
// from this controller's perspective. The returned bytes are the processing
// result recorded in the idempotency store by the processor wrapper.
type ProcessorEntryPoint func(ctx context.Context, payload []byte) ([]byte, error)

// Steady represents the main struct for the progressive-delivery controller.
type Steady struct {
	queue      *Queue
	redis      redis.UniversalClient
	datasource database.IDataSource
	shifter    TrafficShifter
	health     HealthSignalSource
}

// NewSteady initializes a controller instance with the provided datasource
// and collaborators. Redis and the task queue come from configuration.
func NewSteady(db database.IDataSource, shifter TrafficShifter, health HealthSignalSource) (*Steady, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	redisClient, err := redis_db.NewRedisClient([]string{fmt.Sprintf("redis://%s", configuration.Redis.Dns)}, configuration.Redis.SkipTLSVerify)
	if err != nil {
		return nil, err
	}
	newQueue := NewQueue(configuration)

	newSteady := &Steady{
		datasource: db,
		queue:      newQueue,
		redis:      redisClient.Client(),
		shifter:    shifter,
		health:     health,
	}
	return newSteady, nil
}

// IsTerminalStatus reports whether a rollout status is terminal.
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusSucceeded, StatusRolledBack, StatusAborted:
		return true
	}
	return false
}
