package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"Armada/internal/analytics"
	"Armada/internal/config"
	"Armada/internal/github"
	"Armada/internal/metrics"
	"Armada/internal/models"
	"Armada/internal/scaling"
	"Armada/internal/store"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// degradedAfter is the number of consecutive ticks whose every provisioning
// attempt failed before the fleet is reported degraded.
const degradedAfter = 3

// Controller runs the control loop for one fleet: observe the queue, decide,
// dispatch lifecycle actions. The loop goroutine is the sole writer of the
// fleet's scaling state; status reads take a snapshot under the lock.
type Controller struct {
	fleet     config.FleetConfig
	observer  QueueObserver
	lifecycle *Lifecycle
	sem       *semaphore.Weighted
	met       *metrics.Metrics
	st        *store.Store
	tracker   *analytics.Tracker
	logger    *slog.Logger
	dryRun    bool

	mu           sync.RWMutex
	workers      map[string]*EphemeralWorker
	rotating     map[string]bool
	lastDecision *models.ScalingDecision
	lastMetrics  *models.QueueMetrics
	lastAction   time.Time
	failStreak   int

	forceCh chan forceScaleRequest
	done    chan struct{}
	ops     sync.WaitGroup
}

type forceScaleRequest struct {
	target int
	reply  chan models.ScalingDecision
}

func NewController(
	fleet config.FleetConfig,
	observer QueueObserver,
	lifecycle *Lifecycle,
	sem *semaphore.Weighted,
	met *metrics.Metrics,
	st *store.Store,
	tracker *analytics.Tracker,
	dryRun bool,
	logger *slog.Logger,
) *Controller {
	return &Controller{
		fleet:     fleet,
		observer:  observer,
		lifecycle: lifecycle,
		sem:       sem,
		met:       met,
		st:        st,
		tracker:   tracker,
		dryRun:    dryRun,
		logger:    logger.With("fleet", fleet.Name),
		workers:   make(map[string]*EphemeralWorker),
		rotating:  make(map[string]bool),
		forceCh:   make(chan forceScaleRequest),
		done:      make(chan struct{}),
	}
}

// Run drives the tick loop until loopCtx is cancelled. Dispatched lifecycle
// operations run on opCtx, which outlives loopCtx so that disabling the
// fleet never orphans an in-flight compute instance; their results are still
// applied to the tracked set before Run returns.
func (c *Controller) Run(loopCtx, opCtx context.Context) {
	defer close(c.done)

	interval := c.fleet.Scaling.TickInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}

	c.logger.Info("fleet controller starting", "interval", interval, "labels", c.fleet.Labels)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-loopCtx.Done():
			c.logger.Info("fleet controller stopping")
			c.ops.Wait()
			return
		case req := <-c.forceCh:
			c.handleForceScale(opCtx, req)
		case <-ticker.C:
			c.tick(loopCtx, opCtx)
		}
	}
}

// tick runs one iteration of the control loop. A queue observation failure
// means no decision this cycle; it is never treated as zero jobs.
func (c *Controller) tick(loopCtx, opCtx context.Context) {
	start := time.Now()

	qm, err := c.observer.QueueMetrics(loopCtx, c.fleet)
	if err != nil {
		c.logger.Warn("queue observation failed, skipping tick", "error", err)
		c.met.TickTotal.WithLabelValues(c.fleet.Name, "error").Inc()
		c.met.TickErrors.WithLabelValues(c.fleet.Name, "observation").Inc()
		return
	}

	c.reapWorkers(loopCtx, opCtx)

	current := c.activeCount()
	decision := scaling.Decide(qm, current, c.fleet.Scaling, c.lastAction, time.Now())
	c.record(qm, decision)

	c.logger.Info("tick",
		"pending", qm.Pending,
		"queued", qm.Queued,
		"in_progress", qm.InProgress,
		"needs_scaling", qm.NeedsScaling(),
		"current", current,
		"action", decision.Action,
		"target", decision.TargetCount,
		"reason", decision.Reason,
	)

	switch decision.Action {
	case models.ScaleUp:
		c.met.ScaleUpEvents.WithLabelValues(c.fleet.Name).Inc()
		if !c.dryRun {
			c.dispatchProvision(opCtx, decision.TargetCount-current)
		}
	case models.ScaleDown:
		c.met.ScaleDownEvents.WithLabelValues(c.fleet.Name).Inc()
		if !c.dryRun {
			c.dispatchDestroy(opCtx, current-decision.TargetCount)
		}
	case models.Maintain:
		if !c.dryRun {
			c.maybeRotate(opCtx)
		}
	}

	c.met.TickTotal.WithLabelValues(c.fleet.Name, "ok").Inc()
	c.met.TickDuration.WithLabelValues(c.fleet.Name).Observe(time.Since(start).Seconds())
}

// reapWorkers reconciles the tracked set with the provider's view: workers
// that finished their single job or went offline are drained and destroyed.
// Status checks run on ctx; the destroys themselves run on opCtx so a
// stopping loop still reclaims compute.
func (c *Controller) reapWorkers(ctx, opCtx context.Context) {
	for _, w := range c.activeWorkers() {
		info, err := c.lifecycle.Status(ctx, c.fleet, w)
		if err != nil {
			var nf *github.NotFoundError
			if errors.As(err, &nf) {
				// An ephemeral worker the provider no longer knows has
				// either completed its job or died; either way its compute
				// must go.
				c.mu.Lock()
				if w.Busy {
					w.JobsCompleted++
				}
				w.State = StateDraining
				c.mu.Unlock()
				c.logger.Info("worker gone from provider, reclaiming",
					"worker", w.Name, "jobs_completed", w.JobsCompleted)
				c.dispatchDestroyWorker(opCtx, w)
			} else {
				c.logger.Warn("worker status check failed", "worker", w.Name, "error", err)
			}
			continue
		}

		if !info.Online {
			c.logger.Warn("worker offline, destroying", "worker", w.Name)
			c.mu.Lock()
			w.State = StateDraining
			c.mu.Unlock()
			c.dispatchDestroyWorker(opCtx, w)
			continue
		}

		c.mu.Lock()
		if w.Busy && !info.Busy {
			// Busy-to-idle means the single permitted job finished. The
			// agent normally self-deregisters; reclaim here regardless.
			w.JobsCompleted++
		}
		w.Busy = info.Busy
		done := w.Done()
		if done {
			w.State = StateDraining
		}
		c.mu.Unlock()

		if done {
			c.logger.Info("worker used up its job budget, reclaiming",
				"worker", w.Name, "jobs_completed", w.JobsCompleted)
			c.dispatchDestroyWorker(opCtx, w)
		}
	}
}

// dispatchProvision launches up to n bounded-concurrency provision
// operations. Each success is added to the tracked set as it completes; an
// individual failure never aborts the batch.
func (c *Controller) dispatchProvision(opCtx context.Context, n int) {
	if n <= 0 {
		return
	}

	var successes atomic.Int64
	g := new(errgroup.Group)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			if err := c.sem.Acquire(opCtx, 1); err != nil {
				return err
			}
			defer c.sem.Release(1)

			start := time.Now()
			worker, err := c.lifecycle.Provision(opCtx, c.fleet)
			if err != nil {
				c.met.ProvisionTotal.WithLabelValues(c.fleet.Name, "error").Inc()
				if isCompensated(err) {
					c.met.Compensations.WithLabelValues(c.fleet.Name).Inc()
				}
				c.logger.Error("provision failed", "error", err)
				return err
			}

			c.met.ProvisionTotal.WithLabelValues(c.fleet.Name, "ok").Inc()
			c.met.ProvisionDuration.Observe(time.Since(start).Seconds())
			c.addWorker(worker)
			successes.Add(1)
			return nil
		})
	}

	c.ops.Add(1)
	go func() {
		defer c.ops.Done()
		_ = g.Wait()
		c.noteProvisionOutcome(successes.Load() > 0)
	}()
}

// dispatchDestroy selects victims (idle before busy, oldest idle first) and
// launches bounded-concurrency destroy operations.
func (c *Controller) dispatchDestroy(opCtx context.Context, n int) {
	victims := c.selectScaleDownVictims(n)
	for _, w := range victims {
		c.dispatchDestroyWorker(opCtx, w)
	}
}

func (c *Controller) dispatchDestroyWorker(opCtx context.Context, w *EphemeralWorker) {
	c.ops.Add(1)
	go func() {
		defer c.ops.Done()

		if err := c.sem.Acquire(opCtx, 1); err != nil {
			return
		}
		defer c.sem.Release(1)

		err := c.lifecycle.Destroy(opCtx, c.fleet, w)
		// The worker leaves the tracked set even when cleanup partially
		// failed; resource cleanup is favored over strict ordering.
		c.retireWorker(w)
		if err != nil {
			c.met.DestroyTotal.WithLabelValues(c.fleet.Name, "error").Inc()
			c.logger.Error("destroy failed", "worker", w.Name, "error", err)
			return
		}
		c.met.DestroyTotal.WithLabelValues(c.fleet.Name, "ok").Inc()
	}()
}

// maybeRotate replaces at most one over-age active worker per tick. The
// replacement reaches active before the old worker is destroyed, so capacity
// never dips during rotation.
func (c *Controller) maybeRotate(opCtx context.Context) {
	maxAge := c.fleet.Scaling.MaxWorkerAge
	if maxAge <= 0 {
		return
	}

	var oldest *EphemeralWorker
	c.mu.Lock()
	for _, w := range c.workers {
		if w.State != StateActive || w.Busy || c.rotating[w.ID] {
			continue
		}
		if time.Since(w.CreatedAt) < maxAge {
			continue
		}
		if oldest == nil || w.CreatedAt.Before(oldest.CreatedAt) {
			oldest = w
		}
	}
	if oldest != nil {
		c.rotating[oldest.ID] = true
	}
	c.mu.Unlock()

	if oldest == nil {
		return
	}

	c.logger.Info("rotating over-age worker", "worker", oldest.Name, "age", time.Since(oldest.CreatedAt).Round(time.Second))

	c.ops.Add(1)
	go func() {
		defer c.ops.Done()

		if err := c.sem.Acquire(opCtx, 1); err != nil {
			c.clearRotating(oldest.ID)
			return
		}
		defer c.sem.Release(1)

		replacement, err := c.lifecycle.Rotate(opCtx, c.fleet, oldest)
		if replacement == nil {
			// Rotation aborted; the old worker is untouched.
			c.met.RotationEvents.WithLabelValues(c.fleet.Name, "error").Inc()
			c.logger.Error("rotation failed", "worker", oldest.Name, "error", err)
			c.clearRotating(oldest.ID)
			return
		}

		c.mu.Lock()
		oldest.State = StateDestroyed
		delete(c.workers, oldest.ID)
		delete(c.rotating, oldest.ID)
		c.workers[replacement.ID] = replacement
		c.mu.Unlock()
		c.updateWorkerGauges()

		c.met.RotationEvents.WithLabelValues(c.fleet.Name, "ok").Inc()
		if err != nil {
			c.logger.Warn("rotation completed with cleanup error", "worker", oldest.Name, "error", err)
		}
	}()
}

// handleForceScale applies an operator-requested target. It bypasses the
// policy's target computation but still respects min/max clamps and the
// cooldown.
func (c *Controller) handleForceScale(opCtx context.Context, req forceScaleRequest) {
	now := time.Now()
	current := c.activeCount()

	decision := models.ScalingDecision{
		Action:       models.Maintain,
		CurrentCount: current,
		TargetCount:  current,
		Timestamp:    now,
	}

	if !c.lastAction.IsZero() && now.Sub(c.lastAction) < c.fleet.Scaling.Cooldown {
		decision.Reason = "cooldown active"
		req.reply <- decision
		return
	}

	target := scaling.Clamp(req.target, c.fleet.Scaling)
	decision.TargetCount = target

	switch {
	case target > current:
		decision.Action = models.ScaleUp
		decision.Reason = fmt.Sprintf("manual scale to %d", target)
	case target < current:
		decision.Action = models.ScaleDown
		decision.Reason = fmt.Sprintf("manual scale to %d", target)
	default:
		decision.Reason = fmt.Sprintf("already at %d", target)
	}

	if decision.Action != models.Maintain {
		if !c.dryRun {
			if decision.Action == models.ScaleUp {
				c.dispatchProvision(opCtx, target-current)
			} else {
				c.dispatchDestroy(opCtx, current-target)
			}
		}
	}

	if c.lastMetrics != nil {
		decision.PendingJobs = c.lastMetrics.Pending
	}
	c.recordDecision(decision)
	req.reply <- decision
}

// ForceScale requests an immediate manual scale to target. The request is
// executed by the loop goroutine so it cannot race a tick's decision.
func (c *Controller) ForceScale(ctx context.Context, target int) (models.ScalingDecision, error) {
	req := forceScaleRequest{target: target, reply: make(chan models.ScalingDecision, 1)}

	select {
	case c.forceCh <- req:
	case <-c.done:
		return models.ScalingDecision{}, fmt.Errorf("fleet %s is not running", c.fleet.Name)
	case <-ctx.Done():
		return models.ScalingDecision{}, ctx.Err()
	}

	select {
	case d := <-req.reply:
		return d, nil
	case <-ctx.Done():
		return models.ScalingDecision{}, ctx.Err()
	}
}

// Drain destroys every remaining tracked worker. Called after the loop has
// stopped and in-flight operations have completed.
func (c *Controller) Drain(ctx context.Context) {
	c.mu.Lock()
	remaining := make([]*EphemeralWorker, 0, len(c.workers))
	for _, w := range c.workers {
		w.State = StateDraining
		remaining = append(remaining, w)
	}
	c.mu.Unlock()

	for _, w := range remaining {
		if err := c.lifecycle.Destroy(ctx, c.fleet, w); err != nil {
			c.logger.Error("drain destroy failed", "worker", w.Name, "error", err)
		}
		c.retireWorker(w)
	}
}

// Status returns a point-in-time snapshot of the fleet.
func (c *Controller) Status() models.FleetStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := models.FleetStatus{
		Name:           c.fleet.Name,
		Enabled:        true,
		Degraded:       c.failStreak >= degradedAfter,
		WorkerCount:    len(c.workers),
		LastActionTime: c.lastAction,
	}
	select {
	case <-c.done:
		status.Enabled = false
	default:
	}

	for _, w := range c.workers {
		status.Workers = append(status.Workers, w.Snapshot())
	}
	sort.Slice(status.Workers, func(i, j int) bool {
		return status.Workers[i].CreatedAt.Before(status.Workers[j].CreatedAt)
	})

	if c.lastDecision != nil {
		d := *c.lastDecision
		status.LastDecision = &d
	}
	if c.lastMetrics != nil {
		m := *c.lastMetrics
		status.LastMetrics = &m
	}
	return status
}

func (c *Controller) record(qm models.QueueMetrics, decision models.ScalingDecision) {
	c.mu.Lock()
	m := qm
	c.lastMetrics = &m
	c.mu.Unlock()

	c.met.QueueDepth.WithLabelValues(c.fleet.Name).Set(float64(qm.Total))
	c.met.PendingJobs.WithLabelValues(c.fleet.Name).Set(float64(qm.Pending))
	c.met.WorkersTarget.WithLabelValues(c.fleet.Name).Set(float64(decision.TargetCount))

	c.recordDecision(decision)
}

// recordDecision stores the decision and, for scale actions, the action
// time. lastAction is written only here, under the lock, so Status can read
// it safely from any goroutine.
func (c *Controller) recordDecision(decision models.ScalingDecision) {
	c.mu.Lock()
	d := decision
	c.lastDecision = &d
	if decision.Action != models.Maintain {
		c.lastAction = decision.Timestamp
	}
	before := len(c.workers)
	c.mu.Unlock()

	c.tracker.RecordDecision(c.fleet.Name, decision)

	if decision.Action != models.Maintain {
		if err := c.st.RecordScaleEvent(store.ScaleEvent{
			Timestamp:     decision.Timestamp,
			Fleet:         c.fleet.Name,
			Action:        string(decision.Action),
			Reason:        decision.Reason,
			QueueDepth:    decision.PendingJobs,
			WorkersBefore: before,
			WorkersAfter:  decision.TargetCount,
		}); err != nil {
			c.logger.Warn("failed to record scale event", "error", err)
		}
	}
}

func (c *Controller) addWorker(w *EphemeralWorker) {
	c.mu.Lock()
	c.workers[w.ID] = w
	c.mu.Unlock()
	c.updateWorkerGauges()
}

// retireWorker marks the worker destroyed and drops it from the tracked set.
// Published workers change state only under c.mu; Destroy itself never
// touches them.
func (c *Controller) retireWorker(w *EphemeralWorker) {
	c.mu.Lock()
	w.State = StateDestroyed
	delete(c.workers, w.ID)
	delete(c.rotating, w.ID)
	c.mu.Unlock()
	c.updateWorkerGauges()
}

func (c *Controller) clearRotating(id string) {
	c.mu.Lock()
	delete(c.rotating, id)
	c.mu.Unlock()
}

func (c *Controller) activeWorkers() []*EphemeralWorker {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*EphemeralWorker
	for _, w := range c.workers {
		if w.State == StateActive {
			out = append(out, w)
		}
	}
	return out
}

// activeCount counts only workers that actually reached active; workers
// still provisioning or already draining do not count toward the next
// decision.
func (c *Controller) activeCount() int {
	return len(c.activeWorkers())
}

// selectScaleDownVictims picks n workers to destroy, idle before busy and
// oldest idle first, and marks them draining.
func (c *Controller) selectScaleDownVictims(n int) []*EphemeralWorker {
	c.mu.Lock()
	defer c.mu.Unlock()

	var candidates []*EphemeralWorker
	for _, w := range c.workers {
		if w.State == StateActive && !c.rotating[w.ID] {
			candidates = append(candidates, w)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return scaleDownOrder(candidates[i], candidates[j])
	})

	if n > len(candidates) {
		n = len(candidates)
	}
	victims := candidates[:n]
	for _, w := range victims {
		w.State = StateDraining
	}
	return victims
}

// scaleDownOrder ranks a before b for eviction: idle workers ahead of busy
// ones, oldest first within each group.
func scaleDownOrder(a, b *EphemeralWorker) bool {
	if a.Busy != b.Busy {
		return !a.Busy
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func (c *Controller) noteProvisionOutcome(anySucceeded bool) {
	c.mu.Lock()
	if anySucceeded {
		c.failStreak = 0
	} else {
		c.failStreak++
	}
	degraded := c.failStreak >= degradedAfter
	streak := c.failStreak
	c.mu.Unlock()

	if degraded {
		c.met.FleetDegraded.WithLabelValues(c.fleet.Name).Set(1)
		c.logger.Error("fleet degraded: every provisioning attempt failed",
			"consecutive_failures", streak)
	} else {
		c.met.FleetDegraded.WithLabelValues(c.fleet.Name).Set(0)
	}
}

func (c *Controller) updateWorkerGauges() {
	c.mu.RLock()
	var active, draining float64
	for _, w := range c.workers {
		switch w.State {
		case StateActive:
			active++
		case StateDraining:
			draining++
		}
	}
	total := float64(len(c.workers))
	c.mu.RUnlock()

	c.met.WorkersTracked.WithLabelValues(c.fleet.Name).Set(total)
	c.met.WorkersActive.WithLabelValues(c.fleet.Name).Set(active)
	c.met.WorkersDraining.WithLabelValues(c.fleet.Name).Set(draining)
}

// isCompensated reports whether a provision failure happened after the
// compute step, meaning the instance was torn down by the compensating
// action.
func isCompensated(err error) bool {
	var re *github.RegistrationError
	var te *github.TokenError
	return errors.As(err, &re) || errors.As(err, &te)
}

// WaitOps blocks until all dispatched lifecycle operations have completed
// and their results have been applied to the tracked set.
func (c *Controller) WaitOps() {
	c.ops.Wait()
}
