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

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5001"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"STEADY_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"STEADY_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"STEADY_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"STEADY_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"STEADY_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"STEADY_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"STEADY_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"STEADY_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"STEADY_REDIS_SKIP_TLS_VERIFY"`
}

type AwsConfig struct {
	Region            string `json:"region" envconfig:"STEADY_AWS_REGION"`
	Endpoint          string `json:"endpoint" envconfig:"STEADY_AWS_ENDPOINT"`
	ProcessorFunction string `json:"processor_function" envconfig:"STEADY_AWS_PROCESSOR_FUNCTION"`
}

// RolloutConfig drives the canary scheduling loop and the health verdict
// policy. The numeric thresholds come from the operational runbooks but are
// deliberately configuration, not constants.
type RolloutConfig struct {
	TickIntervalSec     int     `json:"tick_interval_sec" envconfig:"STEADY_ROLLOUT_TICK_INTERVAL_SEC"`
	MaxParallel         int     `json:"max_parallel" envconfig:"STEADY_ROLLOUT_MAX_PARALLEL"`
	StepTimeoutSec      int     `json:"step_timeout_sec" envconfig:"STEADY_ROLLOUT_STEP_TIMEOUT_SEC"`
	UnhealthyErrorRate  float64 `json:"unhealthy_error_rate" envconfig:"STEADY_ROLLOUT_UNHEALTHY_ERROR_RATE"`
	DegradedErrorRate   float64 `json:"degraded_error_rate" envconfig:"STEADY_ROLLOUT_DEGRADED_ERROR_RATE"`
	P99BaselineFactor   float64 `json:"p99_baseline_factor" envconfig:"STEADY_ROLLOUT_P99_BASELINE_FACTOR"`
	MinimumInvocations  int64   `json:"minimum_invocations" envconfig:"STEADY_ROLLOUT_MINIMUM_INVOCATIONS"`
	TolerateAnyThrottle bool    `json:"tolerate_any_throttle" envconfig:"STEADY_ROLLOUT_TOLERATE_ANY_THROTTLE"`
	EvaluateQueue       string  `json:"evaluate_queue" envconfig:"STEADY_ROLLOUT_EVALUATE_QUEUE"`
}

// ReplayConfig drives the quarantine replay engine: batch sizing, backoff
// pacing and the wall-clock budget of a single cycle.
type ReplayConfig struct {
	IntervalSec         int     `json:"interval_sec" envconfig:"STEADY_REPLAY_INTERVAL_SEC"`
	BatchSize           int     `json:"batch_size" envconfig:"STEADY_REPLAY_BATCH_SIZE"`
	MaxBatchSize        int     `json:"max_batch_size" envconfig:"STEADY_REPLAY_MAX_BATCH_SIZE"`
	ShrinkBatchSize     int     `json:"shrink_batch_size" envconfig:"STEADY_REPLAY_SHRINK_BATCH_SIZE"`
	GrowthFactor        float64 `json:"growth_factor" envconfig:"STEADY_REPLAY_GROWTH_FACTOR"`
	SuccessRatio        float64 `json:"success_ratio" envconfig:"STEADY_REPLAY_SUCCESS_RATIO"`
	BaseDelayMs         int     `json:"base_delay_ms" envconfig:"STEADY_REPLAY_BASE_DELAY_MS"`
	MaxDelayMs          int     `json:"max_delay_ms" envconfig:"STEADY_REPLAY_MAX_DELAY_MS"`
	CycleBudgetSec      int     `json:"cycle_budget_sec" envconfig:"STEADY_REPLAY_CYCLE_BUDGET_SEC"`
	CycleQueue          string  `json:"cycle_queue" envconfig:"STEADY_REPLAY_CYCLE_QUEUE"`
	IdempotencyTTLHours int     `json:"idempotency_ttl_hours" envconfig:"STEADY_REPLAY_IDEMPOTENCY_TTL_HOURS"`
}

type QueueConfig struct {
	WebhookQueue   string `json:"webhook_queue" envconfig:"STEADY_QUEUE_WEBHOOK"`
	MonitoringPort string `json:"monitoring_port" envconfig:"STEADY_QUEUE_MONITORING_PORT"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"STEADY_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"STEADY_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"STEADY_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url"`
}

type Notification struct {
	Slack   SlackWebhook `json:"slack"`
	Webhook struct {
		Url     string            `json:"url"`
		Headers map[string]string `json:"headers"`
	} `json:"webhook"`
}

type Configuration struct {
	ProjectName     string           `json:"project_name" envconfig:"STEADY_PROJECT_NAME"`
	EnableTelemetry bool             `json:"enable_telemetry" envconfig:"STEADY_ENABLE_TELEMETRY"`
	Server          ServerConfig     `json:"server"`
	DataSource      DataSourceConfig `json:"data_source"`
	Redis           RedisConfig      `json:"redis"`
	Aws             AwsConfig        `json:"aws"`
	Rollout         RolloutConfig    `json:"rollout"`
	Replay          ReplayConfig     `json:"replay"`
	Queue           QueueConfig      `json:"queue"`
	Notification    Notification     `json:"notification"`
	RateLimit       RateLimitConfig  `json:"rate_limit"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("steady", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called steady.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Steady Controller"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	// Set default value for Port if it's empty
	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	if cnf.Aws.Region == "" {
		cnf.Aws.Region = "us-east-1"
	}

	cnf.Rollout.applyDefaults()
	cnf.Replay.applyDefaults()

	if cnf.Queue.WebhookQueue == "" {
		cnf.Queue.WebhookQueue = "steady:webhook"
	}
	if cnf.Queue.MonitoringPort == "" {
		cnf.Queue.MonitoringPort = "5002"
	}

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800 // 3 hours in seconds
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	return nil
}

func (r *RolloutConfig) applyDefaults() {
	if r.TickIntervalSec <= 0 {
		r.TickIntervalSec = 30
	}
	if r.MaxParallel <= 0 {
		r.MaxParallel = 8
	}
	if r.StepTimeoutSec <= 0 {
		r.StepTimeoutSec = 10
	}
	if r.UnhealthyErrorRate <= 0 {
		r.UnhealthyErrorRate = 0.05
	}
	if r.DegradedErrorRate <= 0 {
		r.DegradedErrorRate = 0.01
	}
	if r.P99BaselineFactor <= 0 {
		r.P99BaselineFactor = 2.0
	}
	if r.MinimumInvocations <= 0 {
		r.MinimumInvocations = 10
	}
	if r.EvaluateQueue == "" {
		r.EvaluateQueue = "rollout:evaluate"
	}
}

func (r *ReplayConfig) applyDefaults() {
	if r.IntervalSec <= 0 {
		r.IntervalSec = 60
	}
	if r.BatchSize <= 0 {
		r.BatchSize = 10
	}
	if r.MaxBatchSize <= 0 {
		r.MaxBatchSize = 100
	}
	if r.ShrinkBatchSize <= 0 {
		r.ShrinkBatchSize = 5
	}
	if r.GrowthFactor <= 1 {
		r.GrowthFactor = 2.5
	}
	if r.SuccessRatio <= 0 {
		r.SuccessRatio = 0.95
	}
	if r.BaseDelayMs <= 0 {
		r.BaseDelayMs = 1000
	}
	if r.MaxDelayMs <= 0 {
		r.MaxDelayMs = 60000
	}
	if r.CycleBudgetSec <= 0 {
		r.CycleBudgetSec = 300
	}
	if r.CycleQueue == "" {
		r.CycleQueue = "replay:cycle"
	}
	if r.IdempotencyTTLHours <= 0 {
		r.IdempotencyTTLHours = 24
	}
}

// TickInterval returns the scheduler tick interval as a duration.
func (r RolloutConfig) TickInterval() time.Duration {
	return time.Duration(r.TickIntervalSec) * time.Second
}

// StepTimeout returns the per-step timeout as a duration.
func (r RolloutConfig) StepTimeout() time.Duration {
	return time.Duration(r.StepTimeoutSec) * time.Second
}

// Thresholds maps the rollout config block onto the health verdict policy.
func (r RolloutConfig) Thresholds() HealthThresholdsView {
	return HealthThresholdsView{
		UnhealthyErrorRate:  r.UnhealthyErrorRate,
		DegradedErrorRate:   r.DegradedErrorRate,
		P99BaselineFactor:   r.P99BaselineFactor,
		MinimumInvocations:  r.MinimumInvocations,
		TolerateAnyThrottle: r.TolerateAnyThrottle,
	}
}

// HealthThresholdsView mirrors model.HealthThresholds without importing the
// model package, keeping config a leaf.
type HealthThresholdsView struct {
	UnhealthyErrorRate  float64
	DegradedErrorRate   float64
	P99BaselineFactor   float64
	MinimumInvocations  int64
	TolerateAnyThrottle bool
}

// Interval returns the replay scheduling interval as a duration.
func (r ReplayConfig) Interval() time.Duration {
	return time.Duration(r.IntervalSec) * time.Second
}

// BaseDelay returns the replay backoff base delay as a duration.
func (r ReplayConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMs) * time.Millisecond
}

// MaxDelay returns the replay backoff cap as a duration.
func (r ReplayConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMs) * time.Millisecond
}

// CycleBudget returns the wall-clock budget of a single replay cycle.
func (r ReplayConfig) CycleBudget() time.Duration {
	return time.Duration(r.CycleBudgetSec) * time.Second
}

// IdempotencyTTL returns the idempotency record TTL.
func (r ReplayConfig) IdempotencyTTL() time.Duration {
	return time.Duration(r.IdempotencyTTLHours) * time.Hour
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	mockConfig.Rollout.applyDefaults()
	mockConfig.Replay.applyDefaults()
	if mockConfig.Queue.WebhookQueue == "" {
		mockConfig.Queue.WebhookQueue = "steady:webhook"
	}
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
