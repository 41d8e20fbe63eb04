// Package cloud implements the fleet's AWS-facing gateways: EC2 instance
// lifecycle, CloudWatch CPU metrics and SNS operator notification.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/buildfleet/fleetd/internal/fleet"
	"github.com/buildfleet/fleetd/internal/idlestop"
	"github.com/chainguard-dev/clog"
)

var (
	ErrLaunch            = fmt.Errorf("failed to launch instance")
	ErrLaunchNoInstances = fmt.Errorf("launch produced no error but returned no instances")
	ErrLaunchIDNil       = fmt.Errorf("launch produced no error but the instance ID was nil")
)

// EC2API is the subset of the EC2 client the gateway uses.
type EC2API interface {
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, opts ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	DescribeImages(ctx context.Context, in *ec2.DescribeImagesInput, opts ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
	RunInstances(ctx context.Context, in *ec2.RunInstancesInput, opts ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	CreateTags(ctx context.Context, in *ec2.CreateTagsInput, opts ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, opts ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	StopInstances(ctx context.Context, in *ec2.StopInstancesInput, opts ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error)
}

var _ fleet.Compute = (*Compute)(nil)
var _ idlestop.Compute = (*Compute)(nil)

// Compute is the EC2-backed compute gateway. It holds no fleet state;
// instance tags are read fresh on every call.
type Compute struct {
	client          EC2API
	subnetID        string
	securityGroupID string
}

func NewCompute(client EC2API, subnetID, securityGroupID string) *Compute {
	return &Compute{
		client:          client,
		subnetID:        subnetID,
		securityGroupID: securityGroupID,
	}
}

func (c *Compute) ListWorkers(ctx context.Context) ([]fleet.Worker, error) {
	return c.listByRole(ctx, roleRunner, []string{"pending", "running"})
}

func (c *Compute) listByRole(ctx context.Context, role string, states []string) ([]fleet.Worker, error) {
	input := &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{Name: aws.String("tag:" + tagKeyRole), Values: []string{role}},
			{Name: aws.String("instance-state-name"), Values: states},
		},
	}

	var workers []fleet.Worker
	for {
		out, err := c.client.DescribeInstances(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("describing %s instances: %w", role, err)
		}
		for _, reservation := range out.Reservations {
			for _, inst := range reservation.Instances {
				workers = append(workers, workerFromInstance(inst))
			}
		}
		if out.NextToken == nil {
			return workers, nil
		}
		input.NextToken = out.NextToken
	}
}

func (c *Compute) DescribeWorker(ctx context.Context, instanceID string) (fleet.Worker, bool, error) {
	out, err := c.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		if isNotFound(err) {
			return fleet.Worker{}, false, nil
		}
		return fleet.Worker{}, false, fmt.Errorf("describing instance %s: %w", instanceID, err)
	}
	if len(out.Reservations) == 0 || len(out.Reservations[0].Instances) == 0 {
		return fleet.Worker{}, false, nil
	}
	return workerFromInstance(out.Reservations[0].Instances[0]), true, nil
}

func (c *Compute) LatestWorkerImage(ctx context.Context, arch fleet.Architecture) (string, error) {
	out, err := c.client.DescribeImages(ctx, &ec2.DescribeImagesInput{
		Owners: []string{"self"},
		Filters: []types.Filter{
			{Name: aws.String("tag:" + tagKeyRole), Values: []string{roleRunner}},
			{Name: aws.String("architecture"), Values: []string{string(arch)}},
			{Name: aws.String("state"), Values: []string{"available"}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("describing worker images: %w", err)
	}
	if len(out.Images) == 0 {
		return "", fmt.Errorf("%w for %s", fleet.ErrNoImage, arch)
	}

	// CreationDate is RFC 3339, so lexical order is chronological order.
	images := out.Images
	sort.Slice(images, func(i, j int) bool {
		return aws.ToString(images[i].CreationDate) > aws.ToString(images[j].CreationDate)
	})
	return aws.ToString(images[0].ImageId), nil
}

func (c *Compute) LaunchWorker(ctx context.Context, imageID, instanceType string, arch fleet.Architecture, leaseExpires time.Time) (string, error) {
	out, err := c.client.RunInstances(ctx, &ec2.RunInstancesInput{
		ImageId:      aws.String(imageID),
		InstanceType: types.InstanceType(instanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		InstanceMarketOptions: &types.InstanceMarketOptionsRequest{
			MarketType: types.MarketTypeSpot,
			SpotOptions: &types.SpotMarketOptions{
				SpotInstanceType:             types.SpotInstanceTypeOneTime,
				InstanceInterruptionBehavior: types.InstanceInterruptionBehaviorTerminate,
			},
		},
		NetworkInterfaces: []types.InstanceNetworkInterfaceSpecification{{
			DeviceIndex:              aws.Int32(0),
			SubnetId:                 aws.String(c.subnetID),
			AssociatePublicIpAddress: aws.Bool(true),
			Groups:                   []string{c.securityGroupID},
		}},
		TagSpecifications: workerTagSpecification(arch, leaseExpires),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrLaunch, err)
	}
	if len(out.Instances) == 0 {
		return "", ErrLaunchNoInstances
	}
	if out.Instances[0].InstanceId == nil {
		return "", ErrLaunchIDNil
	}
	return *out.Instances[0].InstanceId, nil
}

func (c *Compute) SetLease(ctx context.Context, instanceID string, expires time.Time) error {
	_, err := c.client.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{instanceID},
		Tags: []types.Tag{{
			Key:   aws.String(tagKeyLease),
			Value: aws.String(expires.UTC().Format(leaseTimeLayout)),
		}},
	})
	if err != nil {
		return fmt.Errorf("tagging lease on %s: %w", instanceID, err)
	}
	return nil
}

func (c *Compute) TerminateWorker(ctx context.Context, instanceID string) error {
	_, err := c.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		if isNotFound(err) {
			clog.FromContext(ctx).Debug("instance already gone", "id", instanceID)
			return nil
		}
		return fmt.Errorf("terminating instance %s: %w", instanceID, err)
	}
	return nil
}

func (c *Compute) ListStaleHelpers(ctx context.Context, launchedBefore time.Time) ([]string, error) {
	helpers, err := c.listByRole(ctx, roleHelper, []string{"pending", "running"})
	if err != nil {
		return nil, err
	}
	var stale []string
	for _, h := range helpers {
		if h.LaunchTime.Before(launchedBefore) {
			stale = append(stale, h.InstanceID)
		}
	}
	return stale, nil
}

func (c *Compute) ListMetalInstances(ctx context.Context) ([]idlestop.Instance, error) {
	input := &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{Name: aws.String("tag:" + tagKeyRole), Values: []string{roleMetal}},
			{Name: aws.String("instance-state-name"), Values: []string{"running"}},
		},
	}

	var instances []idlestop.Instance
	for {
		out, err := c.client.DescribeInstances(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("describing metal instances: %w", err)
		}
		for _, reservation := range out.Reservations {
			for _, inst := range reservation.Instances {
				mi := idlestop.Instance{
					ID:   aws.ToString(inst.InstanceId),
					Name: tagValue(inst.Tags, tagKeyName),
				}
				if inst.LaunchTime != nil {
					mi.LaunchTime = *inst.LaunchTime
				}
				instances = append(instances, mi)
			}
		}
		if out.NextToken == nil {
			return instances, nil
		}
		input.NextToken = out.NextToken
	}
}

func (c *Compute) StopInstance(ctx context.Context, instanceID string) error {
	_, err := c.client.StopInstances(ctx, &ec2.StopInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return fmt.Errorf("stopping instance %s: %w", instanceID, err)
	}
	return nil
}

// isNotFound reports whether an EC2 error means the instance ID is unknown,
// which the fleet treats the same as terminated.
func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "InvalidInstanceID.NotFound", "InvalidInstanceID.Malformed":
		return true
	}
	return false
}
