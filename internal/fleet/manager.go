package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"Armada/internal/analytics"
	"Armada/internal/config"
	"Armada/internal/metrics"
	"Armada/internal/models"
	"Armada/internal/store"

	"golang.org/x/sync/semaphore"
)

// Manager owns the set of enabled fleets. Fleets share nothing but the
// global operation semaphore; each runs its own independent tick loop.
type Manager struct {
	observer  QueueObserver
	lifecycle *Lifecycle
	sem       *semaphore.Weighted
	met       *metrics.Metrics
	st        *store.Store
	tracker   *analytics.Tracker
	logger    *slog.Logger
	dryRun    bool

	mu     sync.Mutex
	fleets map[string]*fleetHandle
	opCtx  context.Context
}

type fleetHandle struct {
	controller *Controller
	cancel     context.CancelFunc
	stopped    chan struct{}
}

func NewManager(
	observer QueueObserver,
	lifecycle *Lifecycle,
	maxConcurrentOps int64,
	met *metrics.Metrics,
	st *store.Store,
	tracker *analytics.Tracker,
	dryRun bool,
	logger *slog.Logger,
) *Manager {
	if maxConcurrentOps <= 0 {
		maxConcurrentOps = 10
	}
	return &Manager{
		observer:  observer,
		lifecycle: lifecycle,
		sem:       semaphore.NewWeighted(maxConcurrentOps),
		met:       met,
		st:        st,
		tracker:   tracker,
		dryRun:    dryRun,
		logger:    logger.With("component", "fleet-manager"),
		fleets:    make(map[string]*fleetHandle),
	}
}

// Run enables the configured fleets and blocks until ctx is cancelled, then
// stops every fleet without draining.
func (m *Manager) Run(ctx context.Context, fleets []config.FleetConfig) error {
	m.mu.Lock()
	m.opCtx = ctx
	m.mu.Unlock()

	for _, f := range fleets {
		if err := m.Enable(ctx, f); err != nil {
			return fmt.Errorf("enable fleet %q: %w", f.Name, err)
		}
	}

	<-ctx.Done()

	m.mu.Lock()
	handles := make([]*fleetHandle, 0, len(m.fleets))
	for _, h := range m.fleets {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		h.cancel()
		<-h.stopped
	}
	m.logger.Info("all fleets stopped")
	return nil
}

// Enable validates the fleet and starts its tick loop. Misconfiguration is
// rejected here, never discovered inside the loop.
func (m *Manager) Enable(ctx context.Context, f config.FleetConfig) error {
	if f.Name == "" {
		return fmt.Errorf("fleet name is required")
	}
	if err := config.ValidateFleet(f); err != nil {
		return fmt.Errorf("invalid fleet config: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.fleets[f.Name]; exists {
		return fmt.Errorf("fleet %q is already enabled", f.Name)
	}
	// Fleets enabled before Run are not bound to the caller's context; an
	// API request ending must not stop the loop it started.
	if m.opCtx == nil {
		m.opCtx = context.Background()
	}

	ctrl := NewController(f, m.observer, m.lifecycle, m.sem, m.met, m.st, m.tracker, m.dryRun, m.logger)

	loopCtx, cancel := context.WithCancel(m.opCtx)
	h := &fleetHandle{
		controller: ctrl,
		cancel:     cancel,
		stopped:    make(chan struct{}),
	}
	m.fleets[f.Name] = h

	go func() {
		defer close(h.stopped)
		ctrl.Run(loopCtx, m.opCtx)
	}()

	m.logger.Info("fleet enabled", "fleet", f.Name)
	return nil
}

// Disable stops a fleet's tick loop. In-flight operations complete and
// their results are applied before teardown; with drain set, every
// remaining worker is then destroyed.
func (m *Manager) Disable(ctx context.Context, name string, drain bool) error {
	m.mu.Lock()
	h, ok := m.fleets[name]
	if ok {
		delete(m.fleets, name)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("fleet %q is not enabled", name)
	}

	h.cancel()
	<-h.stopped
	h.controller.WaitOps()

	if drain {
		h.controller.Drain(ctx)
	}

	m.logger.Info("fleet disabled", "fleet", name, "drained", drain)
	return nil
}

// Status returns a snapshot of one fleet.
func (m *Manager) Status(name string) (models.FleetStatus, error) {
	m.mu.Lock()
	h, ok := m.fleets[name]
	m.mu.Unlock()

	if !ok {
		return models.FleetStatus{}, fmt.Errorf("fleet %q is not enabled", name)
	}
	return h.controller.Status(), nil
}

// List returns snapshots of all enabled fleets, sorted by name.
func (m *Manager) List() []models.FleetStatus {
	m.mu.Lock()
	handles := make([]*fleetHandle, 0, len(m.fleets))
	for _, h := range m.fleets {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	out := make([]models.FleetStatus, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.controller.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ForceScale applies a manual scale request to one fleet.
func (m *Manager) ForceScale(ctx context.Context, name string, target int) (models.ScalingDecision, error) {
	m.mu.Lock()
	h, ok := m.fleets[name]
	m.mu.Unlock()

	if !ok {
		return models.ScalingDecision{}, fmt.Errorf("fleet %q is not enabled", name)
	}
	return h.controller.ForceScale(ctx, target)
}
