package fleet

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// fakeCompute is an in-memory Compute. It is safe for concurrent use so the
// launcher's single-concurrency property can be exercised.
type fakeCompute struct {
	mu sync.Mutex

	workers []Worker
	images  map[Architecture]string

	// failTypes holds instance types whose launch attempts should fail.
	failTypes map[string]bool

	listErr error

	launched   []Worker
	leases     map[string]time.Time
	terminated []string
	helpers    map[string]time.Time

	nextID int
}

func newFakeCompute() *fakeCompute {
	return &fakeCompute{
		images:    map[Architecture]string{ArchARM64: "ami-arm", ArchX8664: "ami-x86"},
		failTypes: map[string]bool{},
		leases:    map[string]time.Time{},
		helpers:   map[string]time.Time{},
	}
}

func (f *fakeCompute) ListWorkers(ctx context.Context) ([]Worker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]Worker, len(f.workers))
	copy(out, f.workers)
	return out, nil
}

func (f *fakeCompute) DescribeWorker(ctx context.Context, instanceID string) (Worker, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, w := range f.workers {
		if w.InstanceID == instanceID {
			return w, true, nil
		}
	}
	return Worker{}, false, nil
}

func (f *fakeCompute) LatestWorkerImage(ctx context.Context, arch Architecture) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	image, ok := f.images[arch]
	if !ok {
		return "", ErrNoImage
	}
	return image, nil
}

func (f *fakeCompute) LaunchWorker(ctx context.Context, imageID, instanceType string, arch Architecture, leaseExpires time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTypes[instanceType] {
		return "", fmt.Errorf("insufficient spot capacity for %s", instanceType)
	}
	f.nextID++
	w := Worker{
		InstanceID:   fmt.Sprintf("i-%04d", f.nextID),
		Arch:         arch,
		LaunchTime:   time.Now(),
		LeaseExpires: leaseExpires,
		State:        StatePending,
	}
	f.workers = append(f.workers, w)
	f.launched = append(f.launched, w)
	return w.InstanceID, nil
}

func (f *fakeCompute) SetLease(ctx context.Context, instanceID string, expires time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leases[instanceID] = expires
	for i := range f.workers {
		if f.workers[i].InstanceID == instanceID {
			f.workers[i].LeaseExpires = expires
		}
	}
	return nil
}

func (f *fakeCompute) TerminateWorker(ctx context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, instanceID)
	for i := range f.workers {
		if f.workers[i].InstanceID == instanceID {
			f.workers[i].State = StateTerminated
		}
	}
	return nil
}

func (f *fakeCompute) ListStaleHelpers(ctx context.Context, launchedBefore time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for id, launched := range f.helpers {
		if launched.Before(launchedBefore) {
			out = append(out, id)
		}
	}
	return out, nil
}

type fakeRegistry struct {
	registrations []Registration
	listErr       error

	labelSets [][]string
	queueErr  error

	deleted []int64
}

func (f *fakeRegistry) ListRegistrations(ctx context.Context) ([]Registration, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	// Copy so callers iterating the result are not affected by deletions,
	// matching the real registry which builds a fresh slice per call.
	out := make([]Registration, len(f.registrations))
	copy(out, f.registrations)
	return out, nil
}

func (f *fakeRegistry) DeleteRegistration(ctx context.Context, id int64) error {
	f.deleted = append(f.deleted, id)
	for i := range f.registrations {
		if f.registrations[i].ID == id {
			f.registrations = append(f.registrations[:i], f.registrations[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeRegistry) QueuedJobLabels(ctx context.Context) ([][]string, error) {
	if f.queueErr != nil {
		return nil, f.queueErr
	}
	return f.labelSets, nil
}

func testConfig() Config {
	return Config{
		GitHubOwner:         "octo",
		GitHubRepo:          "fleet",
		GitHubToken:         "t",
		SubnetID:            "subnet-1",
		SecurityGroupID:     "sg-1",
		ARMInstanceTypes:    []string{"c7gd.2xlarge", "c7g.2xlarge"},
		X86InstanceTypes:    []string{"c5d.2xlarge", "c5.2xlarge"},
		MaxRunnersPerArch:   2,
		LeaseMinutes:        30,
		StartupGraceMinutes: 10,
		HelperMaxAgeHours:   2,
		IdleStopHours:       4,
		IdleStopCPUPercent:  5,
	}
}
