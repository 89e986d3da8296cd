package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// runShellDocument is the AWS-managed document that runs shell lines on Linux.
const runShellDocument = "AWS-RunShellScript"

// SSMAPI is the subset of the SSM client used by SSM.
type SSMAPI interface {
	SendCommand(ctx context.Context, in *ssm.SendCommandInput, optFns ...func(*ssm.Options)) (*ssm.SendCommandOutput, error)
	GetCommandInvocation(ctx context.Context, in *ssm.GetCommandInvocationInput, optFns ...func(*ssm.Options)) (*ssm.GetCommandInvocationOutput, error)
}

// SSM runs commands through SSM Run Command.
type SSM struct {
	api SSMAPI
}

func NewSSM(api SSMAPI) *SSM { return &SSM{api: api} }

func NewSSMFromConfig(cfg aws.Config) *SSM { return NewSSM(ssm.NewFromConfig(cfg)) }

func (s *SSM) Invoke(ctx context.Context, instanceID, command string) (string, error) {
	out, err := s.api.SendCommand(ctx, &ssm.SendCommandInput{
		InstanceIds:  []string{instanceID},
		DocumentName: aws.String(runShellDocument),
		Comment:      aws.String("idlestop ssh session probe"),
		Parameters:   map[string][]string{"commands": {command}},
	})
	if err != nil {
		return "", fmt.Errorf("ssm send-command %s: %w", instanceID, err)
	}
	if out.Command == nil || aws.ToString(out.Command.CommandId) == "" {
		return "", fmt.Errorf("ssm send-command %s: no command id returned", instanceID)
	}
	return aws.ToString(out.Command.CommandId), nil
}

func (s *SSM) Poll(ctx context.Context, instanceID, commandID string) (Result, error) {
	out, err := s.api.GetCommandInvocation(ctx, &ssm.GetCommandInvocationInput{
		CommandId:  aws.String(commandID),
		InstanceId: aws.String(instanceID),
	})
	if err != nil {
		// The invocation is not queryable for a short while after dispatch.
		var missing *types.InvocationDoesNotExist
		if errors.As(err, &missing) {
			return Result{Status: StatusPending, Detail: "invocation not registered yet"}, nil
		}
		return Result{}, fmt.Errorf("ssm get-command-invocation %s: %w", commandID, err)
	}
	res := Result{
		Status: mapInvocationStatus(out.Status),
		Output: aws.ToString(out.StandardOutputContent),
		Detail: string(out.Status),
	}
	if res.Status == StatusFailed {
		if se := aws.ToString(out.StandardErrorContent); se != "" {
			res.Detail = res.Detail + ": " + se
		}
	}
	return res, nil
}

func mapInvocationStatus(st types.CommandInvocationStatus) Status {
	switch st {
	case types.CommandInvocationStatusSuccess:
		return StatusSuccess
	case types.CommandInvocationStatusCancelled,
		types.CommandInvocationStatusTimedOut,
		types.CommandInvocationStatusFailed,
		types.CommandInvocationStatusCancelling:
		return StatusFailed
	default:
		// Pending, InProgress, Delayed
		return StatusPending
	}
}
