package fleet

import (
	"time"

	"Armada/internal/models"
	"Armada/internal/provider"
)

// WorkerState is one step of the ephemeral worker lifecycle.
type WorkerState string

const (
	StateProvisioning WorkerState = "provisioning"
	StateRegistered   WorkerState = "registered"
	StateActive       WorkerState = "active"
	StateDraining     WorkerState = "draining"
	StateDestroyed    WorkerState = "destroyed"
)

// maxJobCount is the ephemeral contract: a worker executes exactly one job
// and is then drained.
const maxJobCount = 1

// EphemeralWorker is the fleet's unit of lifecycle ownership: one compute
// instance plus one provider registration, created and destroyed together.
type EphemeralWorker struct {
	ID            string
	Name          string
	Instance      *provider.Instance
	RunnerID      int64
	State         WorkerState
	Busy          bool
	JobsCompleted int
	CreatedAt     time.Time
}

// Done reports whether the worker has used up its single permitted job.
func (w *EphemeralWorker) Done() bool {
	return w.JobsCompleted >= maxJobCount
}

// Snapshot copies the worker's state for status queries.
func (w *EphemeralWorker) Snapshot() models.WorkerSnapshot {
	s := models.WorkerSnapshot{
		ID:            w.ID,
		Name:          w.Name,
		State:         string(w.State),
		RunnerID:      w.RunnerID,
		Busy:          w.Busy,
		JobsCompleted: w.JobsCompleted,
		CreatedAt:     w.CreatedAt,
	}
	if w.Instance != nil {
		s.Provider = w.Instance.Provider
		s.InstanceID = w.Instance.ProviderID
	}
	return s
}
