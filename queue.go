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
	"log"
	"time"

	"github.com/steadyops/steady/config"
	redis_db "github.com/steadyops/steady/internal/redis-db"

	"github.com/steadyops/steady/model"
	"github.com/hibiken/asynq"
)

// Queue represents a queue for handling various tasks.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
}

// EvaluationTaskPayload is the payload of one rollout evaluation step.
type EvaluationTaskPayload struct {
	Unit model.DeployableUnit `json:"unit"`
}

// replayCycleTaskID keeps the periodic replay task a singleton: a cycle that
// is still pending when the next interval fires is simply not re-enqueued.
const replayCycleTaskID = "replay-cycle"

// NewQueue initializes a new Queue instance with the provided configuration.
func NewQueue(conf *config.Configuration) *Queue {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		log.Fatalf("Error parsing Redis URL: %v", err)
	}

	queueOptions := asynq.RedisClientOpt{Addr: redisOption.Addr, Password: redisOption.Password, DB: redisOption.DB, TLSConfig: redisOption.TLSConfig}
	client := asynq.NewClient(queueOptions)
	inspector := asynq.NewInspector(queueOptions)
	return &Queue{
		Client:    client,
		Inspector: inspector,
	}
}

// EnqueueEvaluation enqueues one stage-evaluation step for a unit. The task
// ID is the unit key, so asynq rejects a duplicate while a step for the same
// unit is still pending or running. This is what keeps steps for the same
// unit from ever executing concurrently.
func (q *Queue) EnqueueEvaluation(ctx context.Context, unit model.DeployableUnit) error {
	ctx, span := tracer.Start(ctx, "Adding Evaluation Step To Redis Queue")
	defer span.End()

	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(EvaluationTaskPayload{Unit: unit})
	if err != nil {
		return err
	}

	taskOptions := []asynq.Option{
		asynq.TaskID(unit.Key()),
		asynq.Queue(cfg.Rollout.EvaluateQueue),
		asynq.Timeout(cfg.Rollout.StepTimeout()),
	}
	task := asynq.NewTask(cfg.Rollout.EvaluateQueue, payload, taskOptions...)
	info, err := q.Client.EnqueueContext(ctx, task)
	if err != nil {
		if err == asynq.ErrTaskIDConflict {
			// The previous step for this unit has not finished; skip the tick.
			return nil
		}
		log.Println(err, info)
		return err
	}
	return nil
}

// EnqueueReplayCycle enqueues a replay cycle. The fixed task ID collapses
// overlapping requests into one pending cycle.
func (q *Queue) EnqueueReplayCycle(ctx context.Context) error {
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	taskOptions := []asynq.Option{
		asynq.TaskID(replayCycleTaskID),
		asynq.Queue(cfg.Replay.CycleQueue),
		asynq.Timeout(cfg.Replay.CycleBudget() + time.Minute),
	}
	task := asynq.NewTask(cfg.Replay.CycleQueue, nil, taskOptions...)
	info, err := q.Client.EnqueueContext(ctx, task)
	if err != nil {
		if err == asynq.ErrTaskIDConflict {
			return nil
		}
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Successfully enqueued replay cycle")
	return nil
}

// PendingEvaluation reports whether an evaluation step for the unit is still
// queued. Used by status queries to distinguish a quiet unit from a lagging
// one.
func (q *Queue) PendingEvaluation(unit model.DeployableUnit) (bool, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return false, err
	}

	task, err := q.Inspector.GetTaskInfo(cfg.Rollout.EvaluateQueue, unit.Key())
	if err != nil {
		return false, nil // Not found in queue
	}
	return task != nil, nil
}
