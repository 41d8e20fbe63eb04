// fleetd is the runner fleet controller: it serves the GitHub workflow_job
// webhook, reconciles runner leases on a fixed interval, and sweeps idle
// development metal instances hourly.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/buildfleet/fleetd/internal/ci"
	"github.com/buildfleet/fleetd/internal/cloud"
	"github.com/buildfleet/fleetd/internal/fleet"
	"github.com/buildfleet/fleetd/internal/idlestop"
	"github.com/buildfleet/fleetd/internal/webhook"
	"github.com/chainguard-dev/clog"
	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	log := clog.New(slog.Default().Handler())
	ctx = clog.WithLogger(ctx, log)

	if err := run(ctx); err != nil {
		log.Error("fleetd exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	log := clog.FromContext(ctx)

	var cfg fleet.Config
	if err := envconfig.Process("fleet", &cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return err
	}

	compute := cloud.NewCompute(ec2.NewFromConfig(awsCfg), cfg.SubnetID, cfg.SecurityGroupID)
	metrics := cloud.NewMetrics(cloudwatch.NewFromConfig(awsCfg))
	notifier := cloud.NewNotifier(sns.NewFromConfig(awsCfg), cfg.SNSTopicARN)
	registry := ci.NewRegistry(cfg.GitHubToken, cfg.GitHubOwner, cfg.GitHubRepo)

	launcher := fleet.NewLauncher(compute, cfg)
	reconciler := fleet.NewReconciler(compute, registry, launcher, cfg)
	stopper := idlestop.New(compute, metrics, notifier, cfg.IdleStopHours, cfg.IdleStopCPUPercent)

	mux := http.NewServeMux()
	mux.Handle("POST /webhook", webhook.NewHandler(launcher, cfg.WebhookSecret))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("serving webhook", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	go runReconcileLoop(ctx, reconciler, cfg.ReconcileInterval)
	go runIdleStopLoop(ctx, stopper, cfg.IdleStopInterval)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func runReconcileLoop(ctx context.Context, reconciler *fleet.Reconciler, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tickCtx := clog.WithLogger(ctx, clog.FromContext(ctx).With("reconcile_id", uuid.NewString()))
			sum := reconciler.Reconcile(tickCtx)
			clog.FromContext(tickCtx).Info("reconcile complete",
				"orphans_removed", sum.OrphansRemoved,
				"leases_renewed", sum.LeasesRenewed,
				"leases_initialized", sum.LeasesInitted,
				"reclaimed", sum.Reclaimed,
				"helpers_swept", sum.HelpersSwept,
				"launches_retried", sum.LaunchesRetried,
				"errors", sum.Errors,
			)
		}
	}
}

func runIdleStopLoop(ctx context.Context, stopper *idlestop.Stopper, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			verdicts := stopper.Sweep(ctx)
			clog.FromContext(ctx).Info("idle sweep complete", "instances", len(verdicts))
		}
	}
}
