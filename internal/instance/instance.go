// Package instance queries and stops the monitored compute instance.
package instance

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// State is the power state reported by the provider, e.g. "running".
type State string

const (
	StateRunning  State = "running"
	StatePending  State = "pending"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// ErrNotFound is returned when the provider does not know the instance.
var ErrNotFound = errors.New("instance not found")

// Controller is the power-state collaborator of the decision engine.
type Controller interface {
	State(ctx context.Context, instanceID string) (State, error)
	Stop(ctx context.Context, instanceID string) error
}

// EC2API is the subset of the EC2 client used by EC2.
type EC2API interface {
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	StopInstances(ctx context.Context, in *ec2.StopInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error)
}

// EC2 implements Controller on top of the EC2 API.
type EC2 struct {
	api EC2API
}

func NewEC2(api EC2API) *EC2 { return &EC2{api: api} }

// NewEC2FromConfig builds the EC2 client from a loaded AWS config.
func NewEC2FromConfig(cfg aws.Config) *EC2 { return NewEC2(ec2.NewFromConfig(cfg)) }

func (c *EC2) State(ctx context.Context, instanceID string) (State, error) {
	out, err := c.api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}})
	if err != nil {
		return "", fmt.Errorf("describe %s: %w", instanceID, err)
	}
	for _, r := range out.Reservations {
		for _, inst := range r.Instances {
			if aws.ToString(inst.InstanceId) != instanceID || inst.State == nil {
				continue
			}
			return State(inst.State.Name), nil
		}
	}
	return "", fmt.Errorf("describe %s: %w", instanceID, ErrNotFound)
}

func (c *EC2) Stop(ctx context.Context, instanceID string) error {
	out, err := c.api.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: []string{instanceID}})
	if err != nil {
		return fmt.Errorf("stop %s: %w", instanceID, err)
	}
	for _, ch := range out.StoppingInstances {
		if aws.ToString(ch.InstanceId) != instanceID || ch.CurrentState == nil {
			continue
		}
		switch ch.CurrentState.Name {
		case types.InstanceStateNameStopping, types.InstanceStateNameStopped:
			return nil
		default:
			return fmt.Errorf("stop %s: instance reports %s", instanceID, ch.CurrentState.Name)
		}
	}
	// EC2 accepted the request without echoing a state change.
	return nil
}
