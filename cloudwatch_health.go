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
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/cloudwatch"
	"github.com/aws/aws-sdk-go/service/cloudwatch/cloudwatchiface"

	"github.com/steadyops/steady/config"
	"github.com/steadyops/steady/internal/apierror"
	"github.com/steadyops/steady/model"
)

// CloudWatchHealthSource implements HealthSignalSource on the AWS/Lambda
// metric namespace, sliced per executed version so the candidate and stable
// versions report independently even while sharing one alias.
type CloudWatchHealthSource struct {
	client cloudwatchiface.CloudWatchAPI
}

func NewCloudWatchHealthSource(cfg config.AwsConfig) (*CloudWatchHealthSource, error) {
	sess, err := session.NewSession(&aws.Config{
		Region:   aws.String(cfg.Region),
		Endpoint: endpointOrNil(cfg.Endpoint),
	})
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrUnavailable, "failed to create AWS session", err)
	}
	return &CloudWatchHealthSource{client: cloudwatch.New(sess)}, nil
}

// NewCloudWatchHealthSourceWithClient is used by tests to inject a fake client.
func NewCloudWatchHealthSourceWithClient(client cloudwatchiface.CloudWatchAPI) *CloudWatchHealthSource {
	return &CloudWatchHealthSource{client: client}
}

// Query pulls error, invocation, throttle and p99 duration series for one
// version of a unit over the window. A metrics backend failure is reported
// as Unavailable; callers treat that as insufficient data, never as an
// unhealthy signal.
func (c *CloudWatchHealthSource) Query(ctx context.Context, unit model.DeployableUnit, version model.Version, windowStart, windowEnd time.Time) ([]model.HealthSample, error) {
	// GetMetricData only accepts periods that are multiples of 60 seconds,
	// so round the window up rather than fail a valid evaluation period.
	period := int64(windowEnd.Sub(windowStart) / time.Second)
	if period < 60 {
		period = 60
	} else if remainder := period % 60; remainder != 0 {
		period += 60 - remainder
	}

	dimensions := []*cloudwatch.Dimension{
		{Name: aws.String("FunctionName"), Value: aws.String(unit.Name)},
		{Name: aws.String("ExecutedVersion"), Value: aws.String(version.ID)},
	}
	metric := func(id, name, stat string) *cloudwatch.MetricDataQuery {
		return &cloudwatch.MetricDataQuery{
			Id: aws.String(id),
			MetricStat: &cloudwatch.MetricStat{
				Metric: &cloudwatch.Metric{
					Namespace:  aws.String("AWS/Lambda"),
					MetricName: aws.String(name),
					Dimensions: dimensions,
				},
				Period: aws.Int64(period),
				Stat:   aws.String(stat),
			},
		}
	}

	output, err := c.client.GetMetricDataWithContext(ctx, &cloudwatch.GetMetricDataInput{
		StartTime: aws.Time(windowStart),
		EndTime:   aws.Time(windowEnd),
		MetricDataQueries: []*cloudwatch.MetricDataQuery{
			metric("errors", "Errors", "Sum"),
			metric("invocations", "Invocations", "Sum"),
			metric("throttles", "Throttles", "Sum"),
			metric("p99", "Duration", "p99"),
		},
	})
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrUnavailable, fmt.Sprintf("metrics backend unreachable for unit '%s'", unit.Key()), err)
	}

	sample := model.HealthSample{
		Unit:        unit,
		Version:     version,
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
	}
	for _, result := range output.MetricDataResults {
		if result.Id == nil {
			continue
		}
		switch *result.Id {
		case "errors":
			sample.ErrorCount = int64(sumValues(result.Values))
		case "invocations":
			sample.InvocationCount = int64(sumValues(result.Values))
		case "throttles":
			sample.ThrottleCount = int64(sumValues(result.Values))
		case "p99":
			sample.P99DurationMs = maxValue(result.Values)
		}
	}

	return []model.HealthSample{sample}, nil
}

func sumValues(values []*float64) float64 {
	var total float64
	for _, v := range values {
		if v != nil {
			total += *v
		}
	}
	return total
}

func maxValue(values []*float64) float64 {
	var max float64
	for _, v := range values {
		if v != nil && *v > max {
			max = *v
		}
	}
	return max
}
