package instance

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEC2 struct {
	describe    *ec2.DescribeInstancesOutput
	describeErr error
	stop        *ec2.StopInstancesOutput
	stopErr     error
	stopped     []string
}

func (f *fakeEC2) DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	if f.describeErr != nil {
		return nil, f.describeErr
	}
	return f.describe, nil
}

func (f *fakeEC2) StopInstances(ctx context.Context, in *ec2.StopInstancesInput, _ ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error) {
	f.stopped = append(f.stopped, in.InstanceIds...)
	if f.stopErr != nil {
		return nil, f.stopErr
	}
	if f.stop == nil {
		return &ec2.StopInstancesOutput{}, nil
	}
	return f.stop, nil
}

func describeWith(id string, name types.InstanceStateName) *ec2.DescribeInstancesOutput {
	return &ec2.DescribeInstancesOutput{Reservations: []types.Reservation{{
		Instances: []types.Instance{{
			InstanceId: aws.String(id),
			State:      &types.InstanceState{Name: name},
		}},
	}}}
}

func TestEC2State(t *testing.T) {
	api := &fakeEC2{describe: describeWith("i-1", types.InstanceStateNameRunning)}
	st, err := NewEC2(api).State(context.Background(), "i-1")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, st)

	api.describe = describeWith("i-1", types.InstanceStateNameStopped)
	st, err = NewEC2(api).State(context.Background(), "i-1")
	require.NoError(t, err)
	assert.Equal(t, StateStopped, st)
}

func TestEC2StateNotFound(t *testing.T) {
	api := &fakeEC2{describe: &ec2.DescribeInstancesOutput{}}
	_, err := NewEC2(api).State(context.Background(), "i-1")
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)

	api.describeErr = errors.New("throttled")
	_, err = NewEC2(api).State(context.Background(), "i-1")
	assert.Error(t, err)
}

func TestEC2Stop(t *testing.T) {
	api := &fakeEC2{stop: &ec2.StopInstancesOutput{StoppingInstances: []types.InstanceStateChange{{
		InstanceId:   aws.String("i-1"),
		CurrentState: &types.InstanceState{Name: types.InstanceStateNameStopping},
	}}}}
	require.NoError(t, NewEC2(api).Stop(context.Background(), "i-1"))
	assert.Equal(t, []string{"i-1"}, api.stopped)

	api.stop = &ec2.StopInstancesOutput{StoppingInstances: []types.InstanceStateChange{{
		InstanceId:   aws.String("i-1"),
		CurrentState: &types.InstanceState{Name: types.InstanceStateNameRunning},
	}}}
	assert.Error(t, NewEC2(api).Stop(context.Background(), "i-1"))

	api.stopErr = errors.New("UnauthorizedOperation")
	assert.Error(t, NewEC2(api).Stop(context.Background(), "i-1"))
}
