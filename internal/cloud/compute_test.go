package cloud

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/buildfleet/fleetd/internal/fleet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEC2 struct {
	describeIn  *ec2.DescribeInstancesInput
	describeOut *ec2.DescribeInstancesOutput
	describeErr error

	imagesOut *ec2.DescribeImagesOutput

	runIn  *ec2.RunInstancesInput
	runOut *ec2.RunInstancesOutput

	tagsIn *ec2.CreateTagsInput

	terminateIn  *ec2.TerminateInstancesInput
	terminateErr error

	stopIn *ec2.StopInstancesInput
}

func (f *fakeEC2) DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	f.describeIn = in
	if f.describeErr != nil {
		return nil, f.describeErr
	}
	if f.describeOut == nil {
		return &ec2.DescribeInstancesOutput{}, nil
	}
	return f.describeOut, nil
}

func (f *fakeEC2) DescribeImages(ctx context.Context, in *ec2.DescribeImagesInput, _ ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error) {
	if f.imagesOut == nil {
		return &ec2.DescribeImagesOutput{}, nil
	}
	return f.imagesOut, nil
}

func (f *fakeEC2) RunInstances(ctx context.Context, in *ec2.RunInstancesInput, _ ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	f.runIn = in
	return f.runOut, nil
}

func (f *fakeEC2) CreateTags(ctx context.Context, in *ec2.CreateTagsInput, _ ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error) {
	f.tagsIn = in
	return &ec2.CreateTagsOutput{}, nil
}

func (f *fakeEC2) TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, _ ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	f.terminateIn = in
	if f.terminateErr != nil {
		return nil, f.terminateErr
	}
	return &ec2.TerminateInstancesOutput{}, nil
}

func (f *fakeEC2) StopInstances(ctx context.Context, in *ec2.StopInstancesInput, _ ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error) {
	f.stopIn = in
	return &ec2.StopInstancesOutput{}, nil
}

type notFoundErr struct{}

func (notFoundErr) Error() string                 { return "InvalidInstanceID.NotFound: no such instance" }
func (notFoundErr) ErrorCode() string             { return "InvalidInstanceID.NotFound" }
func (notFoundErr) ErrorMessage() string          { return "no such instance" }
func (notFoundErr) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }

var leaseTime = time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)

func TestLaunchWorkerRequestsOneTimeSpot(t *testing.T) {
	client := &fakeEC2{runOut: &ec2.RunInstancesOutput{
		Instances: []types.Instance{{InstanceId: aws.String("i-new")}},
	}}
	c := NewCompute(client, "subnet-1", "sg-1")

	id, err := c.LaunchWorker(t.Context(), "ami-1", "c7gd.2xlarge", fleet.ArchARM64, leaseTime)
	require.NoError(t, err)
	assert.Equal(t, "i-new", id)

	in := client.runIn
	require.NotNil(t, in)
	require.NotNil(t, in.InstanceMarketOptions)
	assert.Equal(t, types.MarketTypeSpot, in.InstanceMarketOptions.MarketType)
	assert.Equal(t, types.SpotInstanceTypeOneTime, in.InstanceMarketOptions.SpotOptions.SpotInstanceType)

	require.Len(t, in.TagSpecifications, 1)
	tags := in.TagSpecifications[0].Tags
	assert.Equal(t, roleRunner, tagValue(tags, tagKeyRole))
	assert.Equal(t, "arm64", tagValue(tags, tagKeyArch))
	assert.Equal(t, "2026-03-01T12:30:00Z", tagValue(tags, tagKeyLease))
}

func TestSetLeaseWritesRFC3339Tag(t *testing.T) {
	client := &fakeEC2{}
	c := NewCompute(client, "subnet-1", "sg-1")

	require.NoError(t, c.SetLease(t.Context(), "i-1", leaseTime))

	in := client.tagsIn
	require.NotNil(t, in)
	assert.Equal(t, []string{"i-1"}, in.Resources)
	assert.Equal(t, "2026-03-01T12:30:00Z", tagValue(in.Tags, tagKeyLease))
}

func TestListWorkersFiltersByRoleAndState(t *testing.T) {
	client := &fakeEC2{describeOut: &ec2.DescribeInstancesOutput{
		Reservations: []types.Reservation{{Instances: []types.Instance{{
			InstanceId: aws.String("i-1"),
			LaunchTime: aws.Time(leaseTime.Add(-time.Hour)),
			State:      &types.InstanceState{Name: types.InstanceStateNameRunning},
			Tags: []types.Tag{
				{Key: aws.String(tagKeyRole), Value: aws.String(roleRunner)},
				{Key: aws.String(tagKeyArch), Value: aws.String("x86_64")},
				{Key: aws.String(tagKeyLease), Value: aws.String("2026-03-01T12:30:00Z")},
			},
		}}}},
	}}
	c := NewCompute(client, "subnet-1", "sg-1")

	workers, err := c.ListWorkers(t.Context())
	require.NoError(t, err)
	require.Len(t, workers, 1)

	w := workers[0]
	assert.Equal(t, "i-1", w.InstanceID)
	assert.Equal(t, fleet.ArchX8664, w.Arch)
	assert.Equal(t, fleet.StateRunning, w.State)
	assert.Equal(t, leaseTime, w.LeaseExpires.UTC())

	var filterNames []string
	for _, f := range client.describeIn.Filters {
		filterNames = append(filterNames, aws.ToString(f.Name))
	}
	assert.Contains(t, filterNames, "tag:"+tagKeyRole)
	assert.Contains(t, filterNames, "instance-state-name")
}

func TestWorkerWithoutLeaseTagParsesAsUninitialized(t *testing.T) {
	w := workerFromInstance(types.Instance{
		InstanceId: aws.String("i-1"),
		Tags: []types.Tag{
			{Key: aws.String(tagKeyRole), Value: aws.String(roleRunner)},
		},
	})
	assert.False(t, w.LeaseInitialized())
}

func TestDescribeWorkerNotFound(t *testing.T) {
	client := &fakeEC2{describeErr: notFoundErr{}}
	c := NewCompute(client, "subnet-1", "sg-1")

	_, found, err := c.DescribeWorker(t.Context(), "i-gone")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestTerminateAlreadyGoneIsNotAnError(t *testing.T) {
	client := &fakeEC2{terminateErr: notFoundErr{}}
	c := NewCompute(client, "subnet-1", "sg-1")

	assert.NoError(t, c.TerminateWorker(t.Context(), "i-gone"))
}

func TestLatestWorkerImagePicksNewest(t *testing.T) {
	client := &fakeEC2{imagesOut: &ec2.DescribeImagesOutput{
		Images: []types.Image{
			{ImageId: aws.String("ami-old"), CreationDate: aws.String("2026-01-01T00:00:00.000Z")},
			{ImageId: aws.String("ami-new"), CreationDate: aws.String("2026-02-20T00:00:00.000Z")},
		},
	}}
	c := NewCompute(client, "subnet-1", "sg-1")

	id, err := c.LatestWorkerImage(t.Context(), fleet.ArchARM64)
	require.NoError(t, err)
	assert.Equal(t, "ami-new", id)
}

func TestLatestWorkerImageNoneIsFatal(t *testing.T) {
	c := NewCompute(&fakeEC2{}, "subnet-1", "sg-1")

	_, err := c.LatestWorkerImage(t.Context(), fleet.ArchARM64)
	require.ErrorIs(t, err, fleet.ErrNoImage)
}

func TestListStaleHelpersAgeFilter(t *testing.T) {
	now := leaseTime
	client := &fakeEC2{describeOut: &ec2.DescribeInstancesOutput{
		Reservations: []types.Reservation{{Instances: []types.Instance{
			{
				InstanceId: aws.String("i-stuck"),
				LaunchTime: aws.Time(now.Add(-3 * time.Hour)),
				State:      &types.InstanceState{Name: types.InstanceStateNameRunning},
			},
			{
				InstanceId: aws.String("i-fresh"),
				LaunchTime: aws.Time(now.Add(-20 * time.Minute)),
				State:      &types.InstanceState{Name: types.InstanceStateNameRunning},
			},
		}}},
	}}
	c := NewCompute(client, "subnet-1", "sg-1")

	stale, err := c.ListStaleHelpers(t.Context(), now.Add(-2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"i-stuck"}, stale)
}
