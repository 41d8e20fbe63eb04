package fleet

import (
	"context"
	"time"

	"github.com/chainguard-dev/clog"
)

// Reconciler is the scheduled half of the lease state machine. Each pass
// runs four phases in a fixed order; a failure in any one item or phase is
// logged and the rest continue, since the next tick will catch up anyway.
type Reconciler struct {
	compute  Compute
	registry RunnerRegistry
	launcher *Launcher

	leaseDuration time.Duration
	startupGrace  time.Duration
	helperMaxAge  time.Duration

	now func() time.Time
}

// NewReconciler constructs a Reconciler from the fleet configuration.
func NewReconciler(compute Compute, registry RunnerRegistry, launcher *Launcher, cfg Config) *Reconciler {
	return &Reconciler{
		compute:       compute,
		registry:      registry,
		launcher:      launcher,
		leaseDuration: cfg.LeaseDuration(),
		startupGrace:  cfg.StartupGrace(),
		helperMaxAge:  cfg.HelperMaxAge(),
		now:           time.Now,
	}
}

// Reconcile runs one full pass and returns a summary of everything it did.
func (r *Reconciler) Reconcile(ctx context.Context) ReconcileSummary {
	var sum ReconcileSummary

	// The registration list feeds both the orphan phase and the busy lookup
	// in the lease phase. If the CI provider is unreachable we degrade to
	// "no registrations known": every runner then counts as idle, which
	// risks reclaiming a busy one but never leaks an instance forever.
	registrations, err := r.registry.ListRegistrations(ctx)
	if err != nil {
		clog.FromContext(ctx).Warn("listing registrations failed, treating all runners as idle", "error", err)
		registrations = nil
		sum.Errors++
	}

	r.cleanOrphans(ctx, registrations, &sum)
	r.enforceLeases(ctx, registrations, &sum)
	r.sweepHelpers(ctx, &sum)
	r.retryLaunches(ctx, &sum)

	return sum
}

// cleanOrphans deletes registrations whose backing instance is gone. The CI
// provider never expires these on its own, and stale records mislead
// capacity counts.
func (r *Reconciler) cleanOrphans(ctx context.Context, registrations []Registration, sum *ReconcileSummary) {
	log := clog.FromContext(ctx)

	for _, reg := range registrations {
		instanceID, ok := InstanceIDFromRunnerName(reg.Name)
		if !ok {
			continue
		}

		worker, found, err := r.compute.DescribeWorker(ctx, instanceID)
		if err != nil {
			log.Warn("resolving instance for registration failed", "runner", reg.Name, "error", err)
			sum.Errors++
			continue
		}
		if found && worker.State != StateTerminated && worker.State != StateShuttingDown {
			continue
		}

		if err := r.registry.DeleteRegistration(ctx, reg.ID); err != nil {
			log.Warn("deleting orphan registration failed", "runner", reg.Name, "error", err)
			sum.Errors++
			continue
		}
		log.Info("removed orphan registration", "runner", reg.Name, "id", reg.ID)
		sum.OrphansRemoved++
	}
}

// enforceLeases renews leases on busy runners and reclaims idle runners
// whose lease has lapsed.
func (r *Reconciler) enforceLeases(ctx context.Context, registrations []Registration, sum *ReconcileSummary) {
	log := clog.FromContext(ctx)
	now := r.now()

	byInstance := make(map[string]Registration, len(registrations))
	for _, reg := range registrations {
		if id, ok := InstanceIDFromRunnerName(reg.Name); ok {
			byInstance[id] = reg
		}
	}

	workers, err := r.compute.ListWorkers(ctx)
	if err != nil {
		log.Warn("listing workers failed, skipping lease enforcement", "error", err)
		sum.Errors++
		return
	}

	for _, w := range workers {
		if w.State != StateRunning {
			continue
		}
		// Freshly launched instances have not self-registered yet; leave
		// them alone until the grace period is over.
		if now.Sub(w.LaunchTime) < r.startupGrace {
			continue
		}

		reg, registered := byInstance[w.InstanceID]

		switch {
		case registered && reg.Busy:
			expires := now.Add(r.leaseDuration)
			if err := r.compute.SetLease(ctx, w.InstanceID, expires); err != nil {
				log.Warn("renewing lease failed", "id", w.InstanceID, "error", err)
				sum.Errors++
				continue
			}
			log.Debug("renewed lease", "id", w.InstanceID, "expires", expires)
			sum.LeasesRenewed++

		case !w.LeaseInitialized():
			// Idle with no lease tag: a pre-tagging launch or a lost tag
			// write. Initialize the countdown rather than terminating.
			expires := now.Add(r.leaseDuration)
			if err := r.compute.SetLease(ctx, w.InstanceID, expires); err != nil {
				log.Warn("initializing lease failed", "id", w.InstanceID, "error", err)
				sum.Errors++
				continue
			}
			log.Info("initialized missing lease", "id", w.InstanceID, "expires", expires)
			sum.LeasesInitted++

		case !w.LeaseExpires.After(now):
			if registered {
				if err := r.registry.DeleteRegistration(ctx, reg.ID); err != nil {
					// Best effort: orphan cleanup picks this up next tick.
					log.Warn("deregistering expired runner failed", "id", w.InstanceID, "error", err)
					sum.Errors++
				}
			}
			if err := r.compute.TerminateWorker(ctx, w.InstanceID); err != nil {
				log.Warn("terminating expired runner failed", "id", w.InstanceID, "error", err)
				sum.Errors++
				continue
			}
			log.Info("reclaimed idle runner", "id", w.InstanceID, "expired", w.LeaseExpires)
			sum.Reclaimed++

		default:
			// Idle but the lease has not lapsed. One quiet polling interval
			// between jobs is not grounds for reclamation.
		}
	}
}

// sweepHelpers terminates image-builder helper instances that outlived the
// age ceiling. Helpers self-terminate when healthy, so an old one is a
// stuck build.
func (r *Reconciler) sweepHelpers(ctx context.Context, sum *ReconcileSummary) {
	log := clog.FromContext(ctx)

	cutoff := r.now().Add(-r.helperMaxAge)
	helpers, err := r.compute.ListStaleHelpers(ctx, cutoff)
	if err != nil {
		log.Warn("listing stale helpers failed", "error", err)
		sum.Errors++
		return
	}
	for _, id := range helpers {
		if err := r.compute.TerminateWorker(ctx, id); err != nil {
			log.Warn("terminating stale helper failed", "id", id, "error", err)
			sum.Errors++
			continue
		}
		log.Info("terminated stale helper", "id", id)
		sum.HelpersSwept++
	}
}

// retryLaunches re-drives launches for jobs still queued. Webhook delivery
// is not guaranteed or retried by the CI provider, so this poll is the only
// durability mechanism for launch requests.
func (r *Reconciler) retryLaunches(ctx context.Context, sum *ReconcileSummary) {
	log := clog.FromContext(ctx)

	labelSets, err := r.registry.QueuedJobLabels(ctx)
	if err != nil {
		log.Warn("listing queued jobs failed", "error", err)
		sum.Errors++
		return
	}

	seen := make(map[Architecture][]string)
	for _, labels := range labelSets {
		arch := InferArchitecture(labels)
		if _, ok := seen[arch]; !ok {
			seen[arch] = labels
		}
	}

	for arch, labels := range seen {
		res, err := r.launcher.HandleJobQueued(ctx, LaunchRequest{
			Action:   "queued",
			Labels:   labels,
			Internal: true,
		})
		if err != nil {
			log.Warn("launch retry failed", "arch", arch, "error", err)
			sum.Errors++
			continue
		}
		if res.Outcome == OutcomeLaunched {
			log.Info("retried launch for queued job", "arch", arch, "id", res.InstanceID)
			sum.LaunchesRetried++
		}
	}
}
