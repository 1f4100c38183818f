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
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/lambda"
	"github.com/aws/aws-sdk-go/service/lambda/lambdaiface"
	"github.com/pkg/errors"

	"github.com/steadyops/steady/config"
	"github.com/steadyops/steady/internal/apierror"
)

// LambdaProcessor adapts a downstream Lambda function to the
// ProcessorEntryPoint contract. Replayed quarantine payloads are fed back
// through the same function that failed them originally.
type LambdaProcessor struct {
	client       lambdaiface.LambdaAPI
	functionName string
}

func NewLambdaProcessor(cfg config.AwsConfig) (*LambdaProcessor, error) {
	if cfg.ProcessorFunction == "" {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "processor function name is not configured", nil)
	}
	sess, err := session.NewSession(&aws.Config{
		Region:   aws.String(cfg.Region),
		Endpoint: endpointOrNil(cfg.Endpoint),
	})
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrUnavailable, "failed to create AWS session", err)
	}
	return &LambdaProcessor{client: lambda.New(sess), functionName: cfg.ProcessorFunction}, nil
}

// NewLambdaProcessorWithClient is used by tests to inject a fake client.
func NewLambdaProcessorWithClient(client lambdaiface.LambdaAPI, functionName string) *LambdaProcessor {
	return &LambdaProcessor{client: client, functionName: functionName}
}

// Invoke runs the payload through the downstream function synchronously. A
// function error (unhandled exception inside the function) is a processing
// failure; the message stays quarantined.
func (p *LambdaProcessor) Invoke(ctx context.Context, payload []byte) ([]byte, error) {
	output, err := p.client.InvokeWithContext(ctx, &lambda.InvokeInput{
		FunctionName: aws.String(p.functionName),
		Payload:      payload,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "invoking processor %s", p.functionName)
	}
	if output.FunctionError != nil {
		return nil, fmt.Errorf("processor %s returned error %s: %s", p.functionName, *output.FunctionError, string(output.Payload))
	}
	return output.Payload, nil
}
