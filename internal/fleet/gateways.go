package fleet

import (
	"context"
	"time"
)

// Compute is the cloud provider's instance lifecycle surface, scoped to what
// the fleet needs. The EC2-backed implementation lives in internal/cloud.
//
// Tags are the provider's authoritative store for lease state: every method
// reads or writes them directly, nothing is cached between calls.
type Compute interface {
	// ListWorkers returns all pending and running worker instances carrying
	// the fleet's role marker.
	ListWorkers(ctx context.Context) ([]Worker, error)

	// DescribeWorker resolves a single instance by ID. The second return is
	// false when the provider no longer knows the instance at all.
	DescribeWorker(ctx context.Context, instanceID string) (Worker, bool, error)

	// LatestWorkerImage resolves the newest machine image tagged for the
	// worker role and the given architecture. Returns ErrNoImage when none
	// exists.
	LatestWorkerImage(ctx context.Context, arch Architecture) (string, error)

	// LaunchWorker requests one one-time spot instance of the given type,
	// tagged with the role marker, architecture, and initial lease expiry.
	LaunchWorker(ctx context.Context, imageID, instanceType string, arch Architecture, leaseExpires time.Time) (string, error)

	// SetLease overwrites the lease expiry tag on an instance.
	SetLease(ctx context.Context, instanceID string, expires time.Time) error

	// TerminateWorker terminates an instance. Terminating an already-gone
	// instance is not an error.
	TerminateWorker(ctx context.Context, instanceID string) error

	// ListStaleHelpers returns pending or running image-builder helper
	// instances launched before the cutoff.
	ListStaleHelpers(ctx context.Context, launchedBefore time.Time) ([]string, error)
}

// RunnerRegistry is the CI provider's runner and job-queue surface. The
// GitHub-backed implementation lives in internal/ci.
type RunnerRegistry interface {
	// ListRegistrations returns every registered runner with its busy flag.
	ListRegistrations(ctx context.Context) ([]Registration, error)

	// DeleteRegistration removes a runner record. Deleting an already-gone
	// registration is not an error.
	DeleteRegistration(ctx context.Context, id int64) error

	// QueuedJobLabels returns the label set of every job belonging to a
	// currently queued workflow run.
	QueuedJobLabels(ctx context.Context) ([][]string, error)
}
