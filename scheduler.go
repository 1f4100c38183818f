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

	"github.com/sirupsen/logrus"

	"github.com/steadyops/steady/config"
)

// RolloutScheduler is the controller's clock. Each tick it lists the active
// rollouts and enqueues one evaluation task per unit; the queue deduplicates
// on the unit key, so a slow step never stacks a second step behind it, and
// the worker pool bounds how many units evaluate concurrently.
type RolloutScheduler struct {
	steady         *Steady
	tickInterval   time.Duration
	replayInterval time.Duration
	stopCh         chan struct{}
	wg             sync.WaitGroup
	running        bool
	mu             sync.Mutex
}

func NewRolloutScheduler(steady *Steady) *RolloutScheduler {
	tick := 30 * time.Second
	replay := 60 * time.Second
	cfg, err := config.Fetch()
	if err == nil {
		if cfg.Rollout.TickInterval() > 0 {
			tick = cfg.Rollout.TickInterval()
		}
		if cfg.Replay.Interval() > 0 {
			replay = cfg.Replay.Interval()
		}
	}

	return &RolloutScheduler{
		steady:         steady,
		tickInterval:   tick,
		replayInterval: replay,
		stopCh:         make(chan struct{}),
	}
}

func (p *RolloutScheduler) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()

	logrus.Info("Rollout scheduler started")
}

func (p *RolloutScheduler) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	logrus.Info("Rollout scheduler stopped")
}

func (p *RolloutScheduler) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *RolloutScheduler) run(ctx context.Context) {
	rolloutTicker := time.NewTicker(p.tickInterval)
	defer rolloutTicker.Stop()
	replayTicker := time.NewTicker(p.replayInterval)
	defer replayTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Info("Rollout scheduler context cancelled")
			return
		case <-p.stopCh:
			logrus.Info("Rollout scheduler stop signal received")
			return
		case <-rolloutTicker.C:
			p.enqueueEvaluations(ctx)
		case <-replayTicker.C:
			if err := p.steady.queue.EnqueueReplayCycle(ctx); err != nil {
				logrus.Errorf("failed to enqueue replay cycle: %v", err)
			}
		}
	}
}

// enqueueEvaluations fans one evaluation task out per unit with an active
// rollout. Enqueueing is cheap; the actual steps run on the worker pool.
func (p *RolloutScheduler) enqueueEvaluations(ctx context.Context) {
	states, err := p.steady.datasource.GetActiveRollouts(ctx)
	if err != nil {
		logrus.Errorf("failed to list active rollouts: %v", err)
		return
	}
	if len(states) == 0 {
		return
	}

	logrus.Infof("Scheduling evaluation for %d active rollouts", len(states))
	for _, state := range states {
		if err := p.steady.queue.EnqueueEvaluation(ctx, state.Unit); err != nil {
			logrus.Errorf("failed to enqueue evaluation for %s: %v", state.Unit.Key(), err)
		}
	}
}
