// Package idlestop stops long-lived development metal instances that have
// been idle for a configured run of consecutive hours. Instances are
// stopped, never terminated: they are snowflakes, the point is to park the
// compute cost while keeping the disk.
package idlestop

import (
	"context"
	"fmt"
	"time"

	"github.com/chainguard-dev/clog"
)

// Instance is a long-lived metal instance eligible for idle evaluation.
type Instance struct {
	ID         string
	Name       string
	LaunchTime time.Time
}

// Datapoint is one hour's peak CPU utilization.
type Datapoint struct {
	Time   time.Time
	MaxCPU float64
}

// Compute lists and stops metal instances.
type Compute interface {
	ListMetalInstances(ctx context.Context) ([]Instance, error)
	StopInstance(ctx context.Context, instanceID string) error
}

// Metrics fetches hourly maximum CPU utilization for an instance. Maximum
// rather than average: a short burst of activity within an hour is enough
// to keep the instance up.
type Metrics interface {
	HourlyMaxCPU(ctx context.Context, instanceID string, start, end time.Time) ([]Datapoint, error)
}

// Notifier delivers out-of-band operator messages. Stops are the only
// events a human hears about: a successful stop is a cost change worth
// knowing, a failed stop is a cost leak needing attention.
type Notifier interface {
	Notify(ctx context.Context, subject, message string) error
}

// Verdict is the per-instance outcome of one sweep.
type Verdict string

const (
	VerdictTooNew       Verdict = "too-new"
	VerdictActive       Verdict = "active"
	VerdictInsufficient Verdict = "insufficient-data"
	VerdictStopped      Verdict = "stopped"
	VerdictStopFailed   Verdict = "stop-failed"
)

type Stopper struct {
	compute  Compute
	metrics  Metrics
	notifier Notifier

	// window is how many consecutive idle hours trigger a stop.
	window int
	// threshold is the peak-CPU percentage an hour must stay below to
	// count as idle.
	threshold float64

	now func() time.Time
}

func New(compute Compute, metrics Metrics, notifier Notifier, windowHours int, cpuThreshold float64) *Stopper {
	return &Stopper{
		compute:   compute,
		metrics:   metrics,
		notifier:  notifier,
		window:    windowHours,
		threshold: cpuThreshold,
		now:       time.Now,
	}
}

// Sweep evaluates every running metal instance once. Per-instance failures
// are logged and do not abort the rest of the sweep.
func (s *Stopper) Sweep(ctx context.Context) map[string]Verdict {
	log := clog.FromContext(ctx)

	verdicts := map[string]Verdict{}
	instances, err := s.compute.ListMetalInstances(ctx)
	if err != nil {
		log.Warn("listing metal instances failed", "error", err)
		return verdicts
	}
	for _, inst := range instances {
		verdicts[inst.ID] = s.evaluate(ctx, inst)
	}
	return verdicts
}

func (s *Stopper) evaluate(ctx context.Context, inst Instance) Verdict {
	log := clog.FromContext(ctx).With("id", inst.ID, "name", inst.Name)
	now := s.now()

	windowStart := now.Add(-time.Duration(s.window) * time.Hour)

	// Metrics are only counted from the instance's own launch: anything
	// older belongs to a previous boot and says nothing about idleness now.
	if inst.LaunchTime.After(windowStart) {
		log.Debug("instance younger than monitored window", "launched", inst.LaunchTime)
		return VerdictTooNew
	}

	points, err := s.metrics.HourlyMaxCPU(ctx, inst.ID, windowStart, now)
	if err != nil {
		log.Warn("fetching CPU metrics failed", "error", err)
		return VerdictInsufficient
	}
	if len(points) < s.window {
		log.Debug("not enough hourly datapoints", "got", len(points), "want", s.window)
		return VerdictInsufficient
	}

	for _, p := range points {
		if p.MaxCPU >= s.threshold {
			log.Debug("activity within window", "hour", p.Time, "max_cpu", p.MaxCPU)
			return VerdictActive
		}
	}

	if err := s.compute.StopInstance(ctx, inst.ID); err != nil {
		log.Error("stopping idle instance failed", "error", err)
		s.notify(ctx, fmt.Sprintf("FAILED to stop idle instance %s", inst.Name),
			fmt.Sprintf("Instance %s (%s) was idle for %d hours but the stop call failed: %v. It is still accruing cost.",
				inst.Name, inst.ID, s.window, err))
		return VerdictStopFailed
	}

	log.Info("stopped idle instance", "idle_hours", s.window)
	s.notify(ctx, fmt.Sprintf("Stopped idle instance %s", inst.Name),
		fmt.Sprintf("Instance %s (%s) showed peak CPU below %.1f%% for %d consecutive hours and was stopped.",
			inst.Name, inst.ID, s.threshold, s.window))
	return VerdictStopped
}

func (s *Stopper) notify(ctx context.Context, subject, message string) {
	if err := s.notifier.Notify(ctx, subject, message); err != nil {
		clog.FromContext(ctx).Warn("operator notification failed", "subject", subject, "error", err)
	}
}
