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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/steadyops/steady"
	"github.com/steadyops/steady/config"
	redis_db "github.com/steadyops/steady/internal/redis-db"

	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
)

// evaluateRollout runs one evaluation step for the unit named in the task.
// The queue deduplicates on the unit key, so at most one step per unit is
// in flight at any time. Returning an error pushes the task back for retry.
func (b *steadyInstance) evaluateRollout(ctx context.Context, t *asynq.Task) error {
	ctx, span := otel.Tracer("steady.rollout.worker").Start(ctx, "Evaluate Rollout Stage From Redis Queue")
	defer span.End()

	var payload steady.EvaluationTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		logrus.Error(err)
		return err
	}

	if err := b.steady.EvaluateStage(ctx, payload.Unit); err != nil {
		logrus.Infof("Evaluation for %s pushed back for retry due to error: %v", payload.Unit.Key(), err)
		return err
	}

	log.Println(" [*] Rollout Stage Evaluated", payload.Unit.Key())
	return nil
}

// runReplayCycle drains quarantined messages through the downstream Lambda
// processor. The processor wrapper records the idempotency outcome, so a
// crashed cycle never replays a message twice.
func (b *steadyInstance) runReplayCycle(ctx context.Context, _ *asynq.Task) error {
	ctx, span := otel.Tracer("steady.replay.worker").Start(ctx, "Run Replay Cycle From Redis Queue")
	defer span.End()

	processor, err := steady.NewLambdaProcessor(b.cnf.Aws)
	if err != nil {
		logrus.Error(err)
		return err
	}

	entry := func(ctx context.Context, payload []byte) ([]byte, error) {
		return b.steady.ProcessMessage(ctx, processor.Invoke, payload)
	}

	summary, err := b.steady.RunReplayCycle(ctx, entry)
	if err != nil {
		return err
	}

	log.Printf(" [*] Replay Cycle Complete: attempted %d, succeeded %d, requeued %d",
		summary.Attempted, summary.Succeeded, summary.Requeued)
	return nil
}

func initializeQueues() map[string]int {
	cfg, err := config.Fetch()
	if err != nil {
		log.Printf("Error fetching config, using defaults: %v", err)
		return nil
	}

	queues := make(map[string]int)
	queues[cfg.Rollout.EvaluateQueue] = 3
	queues[cfg.Replay.CycleQueue] = 1
	queues[cfg.Queue.WebhookQueue] = 1
	return queues
}

func initializeWorkerServer(conf *config.Configuration, queues map[string]int) (*asynq.Server, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	return asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:      redisOption.Addr,
			Password:  redisOption.Password,
			DB:        redisOption.DB,
			TLSConfig: redisOption.TLSConfig,
		},
		asynq.Config{
			Concurrency: conf.Rollout.MaxParallel,
			Queues:      queues,
		},
	), nil
}

func initializeTaskHandlers(b *steadyInstance, mux *asynq.ServeMux) {
	cfg, err := config.Fetch()
	if err != nil {
		log.Printf("Error fetching config, using defaults: %v", err)
		return
	}

	mux.HandleFunc(cfg.Rollout.EvaluateQueue, b.evaluateRollout)
	mux.HandleFunc(cfg.Replay.CycleQueue, b.runReplayCycle)
	mux.HandleFunc(cfg.Queue.WebhookQueue, steady.ProcessWebhook)
}

// workerCommands defines the "workers" command to start worker processes.
// The workers run rollout evaluation steps, replay cycles, and webhook
// delivery, with the scheduler feeding the first two on their intervals.
func workerCommands(b *steadyInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start steady workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()

			conf, err := config.Fetch()
			if err != nil {
				log.Fatal("Error fetching config:", err)
			}

			shutdown, err := initializeObservability(ctx, conf)
			if err != nil {
				log.Fatal(err)
			}
			if shutdown != nil {
				defer func() {
					if err := shutdown(ctx); err != nil {
						log.Printf("Error during shutdown: %v", err)
					}
				}()
			}

			queues := initializeQueues()

			srv, err := initializeWorkerServer(conf, queues)
			if err != nil {
				log.Fatal(err)
			}

			mux := asynq.NewServeMux()
			initializeTaskHandlers(b, mux)

			// Start the scheduler that ticks active rollouts and replay cycles.
			scheduler := steady.NewRolloutScheduler(b.steady)
			scheduler.Start(ctx)
			defer scheduler.Stop()

			// Start asynqmon server for health checks and monitoring
			redisOption, _ := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
			h := asynqmon.New(asynqmon.Options{
				RootPath: "/monitoring",
				RedisConnOpt: asynq.RedisClientOpt{
					Addr:      redisOption.Addr,
					Password:  redisOption.Password,
					DB:        redisOption.DB,
					TLSConfig: redisOption.TLSConfig,
				},
			})

			go func() {
				monitoringAddr := fmt.Sprintf(":%s", conf.Queue.MonitoringPort)
				log.Printf("Asynqmon server listening on %s/monitoring", monitoringAddr)
				if err := http.ListenAndServe(monitoringAddr, h); err != nil {
					log.Fatalf("could not start asynqmon server: %v", err)
				}
			}()

			if err := srv.Run(mux); err != nil {
				log.Fatalf("could not run server: %v", err)
			}
		},
	}

	return cmd
}
