package fleet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
)

var (
	// ErrNoImage means no machine image exists for the requested role and
	// architecture. Launching with a wrong or default image is never
	// acceptable, so this is fatal.
	ErrNoImage = fmt.Errorf("no worker image available")

	// ErrAllTypesFailed means every instance type in the architecture's
	// fallback list was rejected, typically from exhausted spot capacity.
	ErrAllTypesFailed = fmt.Errorf("all instance types failed to launch")
)

// Launcher decides whether a queued job warrants a new worker and launches
// it. It holds no fleet state of its own; capacity is re-counted from the
// compute provider on every call.
type Launcher struct {
	compute Compute

	// instanceTypes is the ordered spot fallback list per architecture,
	// preferred shape first.
	instanceTypes map[Architecture][]string

	leaseDuration time.Duration
	maxPerArch    int

	now func() time.Time

	// mu serializes HandleJobQueued. Two concurrent invocations could both
	// count capacity as available and both launch, so the capacity check and
	// the launch must run as one critical section.
	mu sync.Mutex
}

// NewLauncher constructs a Launcher from the fleet configuration.
func NewLauncher(compute Compute, cfg Config) *Launcher {
	return &Launcher{
		compute: compute,
		instanceTypes: map[Architecture][]string{
			ArchARM64: cfg.ARMInstanceTypes,
			ArchX8664: cfg.X86InstanceTypes,
		},
		leaseDuration: cfg.LeaseDuration(),
		maxPerArch:    cfg.MaxRunnersPerArch,
		now:           time.Now,
	}
}

// HandleJobQueued ensures a worker of the job's architecture exists or is
// being created. Non-"queued" actions and full capacity are acknowledged
// no-ops; a missing image or an exhausted fallback list is an error.
func (l *Launcher) HandleJobQueued(ctx context.Context, req LaunchRequest) (LaunchResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	log := clog.FromContext(ctx)

	if req.Action != "queued" {
		log.Debug("ignoring job event", "action", req.Action)
		return LaunchResult{Outcome: OutcomeIgnoredAction}, nil
	}

	arch := InferArchitecture(req.Labels)
	log = log.With("arch", arch, "internal", req.Internal)

	workers, err := l.compute.ListWorkers(ctx)
	if err != nil {
		return LaunchResult{}, fmt.Errorf("counting workers: %w", err)
	}
	count := 0
	for _, w := range workers {
		if w.Arch == arch {
			count++
		}
	}
	if count >= l.maxPerArch {
		log.Info("capacity reached, not launching", "count", count, "max", l.maxPerArch)
		return LaunchResult{Outcome: OutcomeCapacityReached, Arch: arch}, nil
	}

	imageID, err := l.compute.LatestWorkerImage(ctx, arch)
	if err != nil {
		return LaunchResult{}, fmt.Errorf("resolving worker image: %w", err)
	}

	expires := l.now().Add(l.leaseDuration)

	// Spot capacity for any single shape can be exhausted, so walk the
	// fallback list and keep only the last error.
	var lastErr error
	for _, instanceType := range l.instanceTypes[arch] {
		instanceID, err := l.compute.LaunchWorker(ctx, imageID, instanceType, arch, expires)
		if err != nil {
			log.Warn("launch failed, trying next instance type", "type", instanceType, "error", err)
			lastErr = err
			continue
		}
		log.Info("launched worker", "id", instanceID, "type", instanceType, "lease_expires", expires)
		return LaunchResult{
			Outcome:      OutcomeLaunched,
			Arch:         arch,
			InstanceID:   instanceID,
			InstanceType: instanceType,
		}, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no instance types configured for %s", arch)
	}
	return LaunchResult{}, fmt.Errorf("%w: %w", ErrAllTypesFailed, lastErr)
}
