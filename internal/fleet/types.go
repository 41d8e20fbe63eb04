package fleet

import (
	"strings"
	"time"
)

// Architecture is the CPU architecture a runner is launched for.
type Architecture string

const (
	ArchARM64 Architecture = "arm64"
	ArchX8664 Architecture = "x86_64"
)

// x86Aliases are the label spellings (lowercased) that select an x86_64
// runner. Anything else defaults to arm64, the fleet's cheaper baseline.
var x86Aliases = map[string]bool{
	"x64":    true,
	"x86_64": true,
	"amd64":  true,
}

// InferArchitecture derives the target architecture from a workflow job's
// label set. Matching is case-insensitive.
func InferArchitecture(labels []string) Architecture {
	for _, label := range labels {
		if x86Aliases[strings.ToLower(label)] {
			return ArchX8664
		}
	}
	return ArchARM64
}

// WorkerState mirrors the compute provider's instance lifecycle states.
type WorkerState string

const (
	StatePending      WorkerState = "pending"
	StateRunning      WorkerState = "running"
	StateShuttingDown WorkerState = "shutting-down"
	StateTerminated   WorkerState = "terminated"
	StateStopping     WorkerState = "stopping"
	StateStopped      WorkerState = "stopped"
)

// Worker is one ephemeral runner instance as seen by the compute provider.
// All of its mutable state lives in provider tags; there is no local store.
type Worker struct {
	InstanceID string
	Arch       Architecture
	LaunchTime time.Time

	// LeaseExpires is the parsed lease tag. The zero value means the tag is
	// not set yet, which the reconciler treats as "needs initialization",
	// never as "never expires".
	LeaseExpires time.Time

	State WorkerState
}

// LeaseInitialized reports whether the worker carries a lease tag.
func (w Worker) LeaseInitialized() bool {
	return !w.LeaseExpires.IsZero()
}

// Registration is the CI provider's record of a self-registered runner.
type Registration struct {
	ID   int64
	Name string
	Busy bool
}

// runnerNamePrefix is the naming convention workers use when registering
// themselves: "runner-" followed by their own instance ID.
const runnerNamePrefix = "runner-"

// RunnerName returns the registration name a worker instance is expected to
// register under.
func RunnerName(instanceID string) string {
	return runnerNamePrefix + instanceID
}

// InstanceIDFromRunnerName extracts the backing instance ID from a
// registration name, reporting false for names outside the convention.
func InstanceIDFromRunnerName(name string) (string, bool) {
	id, ok := strings.CutPrefix(name, runnerNamePrefix)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// LaunchRequest is a normalized "job queued" signal. Internal marks
// re-invocations from the reconciler's retry phase, which have already been
// admitted without a webhook signature.
type LaunchRequest struct {
	Action   string
	Labels   []string
	Internal bool
}

// Outcome classifies what HandleJobQueued decided to do. Only
// OutcomeLaunched has side effects; the others are deliberate no-ops, not
// errors.
type Outcome string

const (
	OutcomeLaunched        Outcome = "launched"
	OutcomeIgnoredAction   Outcome = "ignored-action"
	OutcomeCapacityReached Outcome = "capacity-reached"
)

// LaunchResult identifies the launched instance, or the reason nothing was
// launched.
type LaunchResult struct {
	Outcome      Outcome
	Arch         Architecture
	InstanceID   string
	InstanceType string
}

// ReconcileSummary reports what one reconciliation pass did. It is logged
// for observability and never acted upon.
type ReconcileSummary struct {
	OrphansRemoved  int
	LeasesRenewed   int
	LeasesInitted   int
	Reclaimed       int
	HelpersSwept    int
	LaunchesRetried int
	Errors          int
}
