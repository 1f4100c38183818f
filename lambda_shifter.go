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

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/lambda"
	"github.com/aws/aws-sdk-go/service/lambda/lambdaiface"
	"github.com/sirupsen/logrus"

	"github.com/steadyops/steady/config"
	"github.com/steadyops/steady/internal/apierror"
	"github.com/steadyops/steady/model"
)

// LambdaTrafficShifter implements TrafficShifter on Lambda alias weighted
// routing. A unit maps to the function named unit.Name with an alias named
// after unit.Environment; versions are Lambda version numbers. The alias
// points at the stable version and carries the candidate in its additional
// version weights, which is exactly the weighted-alias canary mechanism
// Lambda provides.
type LambdaTrafficShifter struct {
	client lambdaiface.LambdaAPI
}

// NewLambdaTrafficShifter builds a shifter from the configured AWS region
// and optional endpoint override.
func NewLambdaTrafficShifter(cfg config.AwsConfig) (*LambdaTrafficShifter, error) {
	sess, err := session.NewSession(&aws.Config{
		Region:   aws.String(cfg.Region),
		Endpoint: endpointOrNil(cfg.Endpoint),
	})
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrUnavailable, "failed to create AWS session", err)
	}
	return &LambdaTrafficShifter{client: lambda.New(sess)}, nil
}

// NewLambdaTrafficShifterWithClient is used by tests to inject a fake client.
func NewLambdaTrafficShifterWithClient(client lambdaiface.LambdaAPI) *LambdaTrafficShifter {
	return &LambdaTrafficShifter{client: client}
}

// SetWeights updates the alias routing so the candidate receives the given
// percentage of invocations. 0% removes the candidate from the routing
// config entirely; 100% promotes the candidate to the alias target. The
// update is a full overwrite of the routing config, so re-applying the same
// weight is a no-op on the Lambda side.
func (s *LambdaTrafficShifter) SetWeights(ctx context.Context, unit model.DeployableUnit, stableVersion, candidateVersion model.Version, candidateWeightPercent int) error {
	if candidateWeightPercent < 0 || candidateWeightPercent > 100 {
		return apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("weight %d is out of range", candidateWeightPercent), nil)
	}

	input := &lambda.UpdateAliasInput{
		FunctionName: aws.String(unit.Name),
		Name:         aws.String(unit.Environment),
	}

	switch candidateWeightPercent {
	case 0:
		input.FunctionVersion = aws.String(stableVersion.ID)
		input.RoutingConfig = &lambda.AliasRoutingConfiguration{}
	case 100:
		input.FunctionVersion = aws.String(candidateVersion.ID)
		input.RoutingConfig = &lambda.AliasRoutingConfiguration{}
	default:
		input.FunctionVersion = aws.String(stableVersion.ID)
		input.RoutingConfig = &lambda.AliasRoutingConfiguration{
			AdditionalVersionWeights: map[string]*float64{
				candidateVersion.ID: aws.Float64(float64(candidateWeightPercent) / 100.0),
			},
		}
	}

	if _, err := s.client.UpdateAliasWithContext(ctx, input); err != nil {
		return mapLambdaError(unit, err)
	}
	logrus.Infof("Alias %s:%s now routes %d%% to version %s", unit.Name, unit.Environment, candidateWeightPercent, candidateVersion.ID)
	return nil
}

func mapLambdaError(unit model.DeployableUnit, err error) error {
	var aerr awserr.Error
	if ok := asAwsError(err, &aerr); ok {
		switch aerr.Code() {
		case lambda.ErrCodeResourceNotFoundException:
			return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("function or alias for unit '%s' not found", unit.Key()), err)
		case lambda.ErrCodeResourceConflictException:
			return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("another update is in progress for unit '%s'", unit.Key()), err)
		}
	}
	return apierror.NewAPIError(apierror.ErrUnavailable, fmt.Sprintf("lambda update failed for unit '%s'", unit.Key()), err)
}

func asAwsError(err error, target *awserr.Error) bool {
	if aerr, ok := err.(awserr.Error); ok {
		*target = aerr
		return true
	}
	return false
}

func endpointOrNil(endpoint string) *string {
	if endpoint == "" {
		return nil
	}
	return aws.String(endpoint)
}
