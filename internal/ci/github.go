// Package ci implements the fleet's CI-provider gateway against the GitHub
// Actions API: runner registrations and the queued-job backlog.
package ci

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/buildfleet/fleetd/internal/fleet"
	"github.com/google/go-github/v57/github"
	"github.com/hashicorp/go-retryablehttp"
)

// actionsAPI is the subset of go-github's Actions service the registry uses.
type actionsAPI interface {
	ListRunners(ctx context.Context, owner, repo string, opts *github.ListOptions) (*github.Runners, *github.Response, error)
	RemoveRunner(ctx context.Context, owner, repo string, runnerID int64) (*github.Response, error)
	ListRepositoryWorkflowRuns(ctx context.Context, owner, repo string, opts *github.ListWorkflowRunsOptions) (*github.WorkflowRuns, *github.Response, error)
	ListWorkflowJobs(ctx context.Context, owner, repo string, runID int64, opts *github.ListWorkflowJobsOptions) (*github.Jobs, *github.Response, error)
}

var _ fleet.RunnerRegistry = (*Registry)(nil)

// Registry is the GitHub-backed runner registry for a single repository.
type Registry struct {
	actions actionsAPI
	owner   string
	repo    string
}

// NewRegistry builds a Registry over a token-authenticated GitHub client
// with a retrying HTTP transport underneath.
func NewRegistry(token, owner, repo string) *Registry {
	httpClient := retryablehttp.NewClient()
	httpClient.Logger = nil
	client := github.NewClient(httpClient.StandardClient()).WithAuthToken(token)
	return &Registry{actions: client.Actions, owner: owner, repo: repo}
}

func (r *Registry) ListRegistrations(ctx context.Context) ([]fleet.Registration, error) {
	opts := &github.ListOptions{PerPage: 100}

	var registrations []fleet.Registration
	for {
		runners, resp, err := r.actions.ListRunners(ctx, r.owner, r.repo, opts)
		if err != nil {
			return nil, fmt.Errorf("listing runners: %w", err)
		}
		for _, runner := range runners.Runners {
			registrations = append(registrations, fleet.Registration{
				ID:   runner.GetID(),
				Name: runner.GetName(),
				Busy: runner.GetBusy(),
			})
		}
		if resp.NextPage == 0 {
			return registrations, nil
		}
		opts.Page = resp.NextPage
	}
}

func (r *Registry) DeleteRegistration(ctx context.Context, id int64) error {
	if _, err := r.actions.RemoveRunner(ctx, r.owner, r.repo, id); err != nil {
		if isGone(err) {
			return nil
		}
		return fmt.Errorf("removing runner %d: %w", id, err)
	}
	return nil
}

func (r *Registry) QueuedJobLabels(ctx context.Context) ([][]string, error) {
	runOpts := &github.ListWorkflowRunsOptions{
		Status:      "queued",
		ListOptions: github.ListOptions{PerPage: 100},
	}

	var labelSets [][]string
	for {
		runs, resp, err := r.actions.ListRepositoryWorkflowRuns(ctx, r.owner, r.repo, runOpts)
		if err != nil {
			return nil, fmt.Errorf("listing queued runs: %w", err)
		}
		for _, run := range runs.WorkflowRuns {
			sets, err := r.queuedJobLabelsForRun(ctx, run.GetID())
			if err != nil {
				return nil, err
			}
			labelSets = append(labelSets, sets...)
		}
		if resp.NextPage == 0 {
			return labelSets, nil
		}
		runOpts.Page = resp.NextPage
	}
}

func (r *Registry) queuedJobLabelsForRun(ctx context.Context, runID int64) ([][]string, error) {
	opts := &github.ListWorkflowJobsOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}

	var labelSets [][]string
	for {
		jobs, resp, err := r.actions.ListWorkflowJobs(ctx, r.owner, r.repo, runID, opts)
		if err != nil {
			return nil, fmt.Errorf("listing jobs for run %d: %w", runID, err)
		}
		for _, job := range jobs.Jobs {
			if job.GetStatus() != "queued" {
				continue
			}
			labelSets = append(labelSets, job.Labels)
		}
		if resp.NextPage == 0 {
			return labelSets, nil
		}
		opts.Page = resp.NextPage
	}
}

// isGone reports whether GitHub no longer knows the resource, which makes a
// delete a no-op rather than a failure.
func isGone(err error) bool {
	var ghErr *github.ErrorResponse
	return errors.As(err, &ghErr) &&
		ghErr.Response != nil &&
		ghErr.Response.StatusCode == http.StatusNotFound
}
