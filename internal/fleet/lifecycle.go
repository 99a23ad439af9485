package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"Armada/internal/config"
	"Armada/internal/github"
	"Armada/internal/models"
	"Armada/internal/provider"

	"github.com/google/uuid"
)

// QueueObserver fetches current job-queue depth for a fleet's labels.
type QueueObserver interface {
	QueueMetrics(ctx context.Context, fleet config.FleetConfig) (models.QueueMetrics, error)
}

// Registry binds worker identities to the remote CI provider.
type Registry interface {
	CreateRegistrationToken(ctx context.Context, fleet config.FleetConfig) (github.RegistrationToken, error)
	FindRunnerByName(ctx context.Context, fleet config.FleetConfig, name string) (models.WorkerInfo, error)
	GetRunner(ctx context.Context, fleet config.FleetConfig, id int64) (models.WorkerInfo, error)
	DeleteRunner(ctx context.Context, fleet config.FleetConfig, id int64) error
}

// Lifecycle orchestrates the ephemeral-worker state machine:
// provisioning -> registered -> active -> draining -> destroyed.
type Lifecycle struct {
	registry Registry
	compute  provider.Provider
	logger   *slog.Logger

	apiTimeout        time.Duration
	activationTimeout time.Duration
	pollInterval      time.Duration
}

func NewLifecycle(registry Registry, compute provider.Provider, cfg config.CIConfig, activationTimeout time.Duration, logger *slog.Logger) *Lifecycle {
	apiTimeout := cfg.RequestTimeout
	if apiTimeout <= 0 {
		apiTimeout = 30 * time.Second
	}
	if activationTimeout <= 0 {
		activationTimeout = 5 * time.Minute
	}
	return &Lifecycle{
		registry:          registry,
		compute:           compute,
		logger:            logger.With("component", "lifecycle"),
		apiTimeout:        apiTimeout,
		activationTimeout: activationTimeout,
		pollInterval:      5 * time.Second,
	}
}

// Provision runs the worker startup saga: allocate compute, fetch a
// registration token, bind the worker, wait for it to come online. If any
// step after compute allocation fails, the instance is destroyed before the
// error propagates: a worker must never be left running unregistered.
func (l *Lifecycle) Provision(ctx context.Context, fleet config.FleetConfig) (*EphemeralWorker, error) {
	workerID := uuid.New().String()
	worker := &EphemeralWorker{
		ID:        workerID,
		Name:      fmt.Sprintf("%s-%s", fleet.Name, workerID[:8]),
		State:     StateProvisioning,
		CreatedAt: time.Now(),
	}

	inst, err := l.compute.Provision(ctx, &provider.ProvisionSpec{
		Name: worker.Name,
		Tags: map[string]string{"fleet": fleet.Name},
	})
	if err != nil {
		// Nothing was created; the error propagates directly.
		return nil, err
	}
	worker.Instance = inst

	if err := l.register(ctx, fleet, worker); err != nil {
		l.compensate(ctx, worker)
		return nil, err
	}

	l.logger.Info("worker active",
		"fleet", fleet.Name,
		"worker", worker.Name,
		"runner_id", worker.RunnerID,
	)
	return worker, nil
}

// register fetches a single-use token, starts the worker process on the
// instance and waits until the provider reports it online. The token lives
// only for the duration of this call.
func (l *Lifecycle) register(ctx context.Context, fleet config.FleetConfig, worker *EphemeralWorker) error {
	tokenCtx, cancel := context.WithTimeout(ctx, l.apiTimeout)
	token, err := l.registry.CreateRegistrationToken(tokenCtx, fleet)
	cancel()
	if err != nil {
		return err
	}
	if token.Expired(time.Now()) {
		return &github.RegistrationError{Worker: worker.Name, Err: errors.New("registration token already expired")}
	}

	script := bootstrapScript(fleet, worker.Name, token)
	result, err := l.compute.RunCommand(ctx, worker.Instance, script)
	if err != nil {
		return &github.RegistrationError{Worker: worker.Name, Err: err}
	}
	if result.ExitCode != 0 {
		return &github.RegistrationError{
			Worker: worker.Name,
			Err:    fmt.Errorf("bootstrap exited with code %d", result.ExitCode),
		}
	}
	worker.State = StateRegistered

	info, err := l.waitOnline(ctx, fleet, worker.Name)
	if err != nil {
		return &github.RegistrationError{Worker: worker.Name, Err: err}
	}
	worker.RunnerID = info.ID
	worker.State = StateActive
	return nil
}

// compensate destroys the compute instance behind a worker whose
// registration failed. Runs on a detached context so cancellation of the
// provisioning call cannot orphan the instance.
func (l *Lifecycle) compensate(ctx context.Context, worker *EphemeralWorker) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.apiTimeout)
	defer cancel()

	if err := l.compute.Destroy(cleanupCtx, worker.Instance); err != nil {
		l.logger.Error("failed to destroy instance after registration failure",
			"worker", worker.Name,
			"instance", worker.Instance.ProviderID,
			"error", err,
		)
		return
	}
	worker.State = StateDestroyed
	l.logger.Info("compensated failed registration", "worker", worker.Name)
}

// Destroy drains a worker: deregister, then destroy the compute instance.
// Deregistration failure does not block instance destruction; an orphaned
// compute instance costs money while an orphaned registration record does
// not. Destroy never mutates the worker struct: published workers belong to
// the controller, which marks them draining before the call and destroyed
// after.
func (l *Lifecycle) Destroy(ctx context.Context, fleet config.FleetConfig, worker *EphemeralWorker) error {
	var errs []error
	if worker.RunnerID != 0 {
		deregCtx, cancel := context.WithTimeout(ctx, l.apiTimeout)
		err := l.registry.DeleteRunner(deregCtx, fleet, worker.RunnerID)
		cancel()
		if err != nil {
			l.logger.Warn("deregistration failed, destroying instance anyway",
				"worker", worker.Name,
				"runner_id", worker.RunnerID,
				"error", err,
			)
			errs = append(errs, err)
		}
	}

	if worker.Instance != nil {
		if err := l.compute.Destroy(ctx, worker.Instance); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("destroy worker %s: %w", worker.Name, errors.Join(errs...))
	}

	l.logger.Info("worker destroyed", "fleet", fleet.Name, "worker", worker.Name)
	return nil
}

// Rotate replaces a worker without a capacity gap: the new worker must reach
// active before the old one is destroyed. If provisioning fails, the old
// worker is left untouched.
func (l *Lifecycle) Rotate(ctx context.Context, fleet config.FleetConfig, old *EphemeralWorker) (*EphemeralWorker, error) {
	replacement, err := l.Provision(ctx, fleet)
	if err != nil {
		return nil, fmt.Errorf("rotation aborted, keeping %s: %w", old.Name, err)
	}

	if err := l.Destroy(ctx, fleet, old); err != nil {
		// Replacement is live; the old worker's cleanup failure is reported
		// but does not undo the rotation.
		return replacement, err
	}
	return replacement, nil
}

// CheckHealth queries the provider for the worker's status. A worker the
// provider does not know, or knows but reports offline, is unhealthy. This
// never transitions worker state; acting on the result is the controller's
// call.
func (l *Lifecycle) CheckHealth(ctx context.Context, fleet config.FleetConfig, worker *EphemeralWorker) bool {
	if worker.RunnerID == 0 {
		return false
	}

	checkCtx, cancel := context.WithTimeout(ctx, l.apiTimeout)
	defer cancel()

	info, err := l.registry.GetRunner(checkCtx, fleet, worker.RunnerID)
	if err != nil {
		return false
	}
	return info.Online
}

// Status fetches the provider's current view of a worker with a bounded
// timeout.
func (l *Lifecycle) Status(ctx context.Context, fleet config.FleetConfig, worker *EphemeralWorker) (models.WorkerInfo, error) {
	statusCtx, cancel := context.WithTimeout(ctx, l.apiTimeout)
	defer cancel()
	return l.registry.GetRunner(statusCtx, fleet, worker.RunnerID)
}

func (l *Lifecycle) waitOnline(ctx context.Context, fleet config.FleetConfig, name string) (models.WorkerInfo, error) {
	deadline := time.Now().Add(l.activationTimeout)
	for {
		pollCtx, cancel := context.WithTimeout(ctx, l.apiTimeout)
		info, err := l.registry.FindRunnerByName(pollCtx, fleet, name)
		cancel()
		if err == nil && info.Online {
			return info, nil
		}

		var nf *github.NotFoundError
		if err != nil && !errors.As(err, &nf) {
			return models.WorkerInfo{}, err
		}

		if time.Now().After(deadline) {
			return models.WorkerInfo{}, fmt.Errorf("worker %s did not come online within %s", name, l.activationTimeout)
		}

		select {
		case <-ctx.Done():
			return models.WorkerInfo{}, ctx.Err()
		case <-time.After(l.pollInterval):
		}
	}
}

// bootstrapScript configures and starts the runner agent on a fresh
// instance. The token is interpolated here and nowhere else.
func bootstrapScript(fleet config.FleetConfig, name string, token github.RegistrationToken) string {
	url := "https://github.com/" + fleet.Organization
	if fleet.Repository != "" {
		url = "https://github.com/" + fleet.Repository
	}

	var b strings.Builder
	b.WriteString("#!/bin/sh\nset -e\ncd /runner\n")
	fmt.Fprintf(&b, "./config.sh --url %s --token %s --name %s --labels %s --unattended --ephemeral",
		url, token.Value, name, strings.Join(fleet.Labels, ","))
	if fleet.WorkerGroup != "" {
		fmt.Fprintf(&b, " --runnergroup %s", fleet.WorkerGroup)
	}
	b.WriteString("\nnohup ./run.sh >/var/log/runner.log 2>&1 &\n")
	return b.String()
}
