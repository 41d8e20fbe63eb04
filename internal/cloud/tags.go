package cloud

import (
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/buildfleet/fleetd/internal/fleet"
)

const (
	// tagKeyName is AWS' well-known display-name tag.
	tagKeyName = "Name"

	// Fleet tag keys. Together with the registry these tags are the whole
	// of the system's persistent state.
	tagKeyRole  = "fleet:role"
	tagKeyArch  = "fleet:arch"
	tagKeyLease = "fleet:lease-expires"

	// Role marker values distinguishing fleet instances from everything
	// else in the account.
	roleRunner  = "runner"
	roleHelper  = "image-builder"
	roleMetal   = "metal"
	projectName = "buildfleet"
)

// leaseTimeLayout is the on-tag encoding of lease expiry timestamps.
const leaseTimeLayout = time.RFC3339

func workerTagSpecification(arch fleet.Architecture, leaseExpires time.Time) []types.TagSpecification {
	return []types.TagSpecification{{
		ResourceType: types.ResourceTypeInstance,
		Tags: []types.Tag{
			{Key: aws.String(tagKeyRole), Value: aws.String(roleRunner)},
			{Key: aws.String(tagKeyArch), Value: aws.String(string(arch))},
			{Key: aws.String(tagKeyLease), Value: aws.String(leaseExpires.UTC().Format(leaseTimeLayout))},
			{Key: aws.String(tagKeyName), Value: aws.String(projectName + "-runner")},
		},
	}}
}

func tagValue(tags []types.Tag, key string) string {
	for _, tag := range tags {
		if tag.Key != nil && *tag.Key == key {
			return aws.ToString(tag.Value)
		}
	}
	return ""
}

// workerFromInstance maps a provider instance onto the fleet's view of it.
// An unparseable or absent lease tag yields the zero time, which the
// reconciler treats as "needs initialization".
func workerFromInstance(inst types.Instance) fleet.Worker {
	w := fleet.Worker{
		InstanceID: aws.ToString(inst.InstanceId),
		Arch:       fleet.Architecture(tagValue(inst.Tags, tagKeyArch)),
	}
	if w.Arch == "" {
		w.Arch = fleet.Architecture(inst.Architecture)
	}
	if inst.LaunchTime != nil {
		w.LaunchTime = *inst.LaunchTime
	}
	if inst.State != nil {
		w.State = fleet.WorkerState(inst.State.Name)
	}
	if raw := tagValue(inst.Tags, tagKeyLease); raw != "" {
		if expires, err := time.Parse(leaseTimeLayout, raw); err == nil {
			w.LeaseExpires = expires
		}
	}
	return w
}
