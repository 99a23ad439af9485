package models

import "time"

// WorkerInfo is the remote provider's view of a registered worker. It is a
// read-only snapshot; scaling decisions are driven by queue metrics, not by
// worker listings.
type WorkerInfo struct {
	ID     int64    `json:"id"`
	Name   string   `json:"name"`
	Online bool     `json:"online"`
	Busy   bool     `json:"busy"`
	Labels []string `json:"labels"`
}

// QueueMetrics is a point-in-time count of jobs matching a fleet's labels.
// Pending jobs wait in runs that have not started; Queued jobs wait inside
// runs already in progress.
type QueueMetrics struct {
	Pending    int       `json:"pending"`
	InProgress int       `json:"in_progress"`
	Queued     int       `json:"queued"`
	Total      int       `json:"total"`
	ObservedAt time.Time `json:"observed_at"`
}

// NeedsScaling reports whether any matching job is waiting for a worker.
func (m QueueMetrics) NeedsScaling() bool {
	return m.Pending > 0 || m.Queued > 0
}

// ScaleAction is the outcome kind of one policy evaluation.
type ScaleAction string

const (
	ScaleUp   ScaleAction = "scale_up"
	ScaleDown ScaleAction = "scale_down"
	Maintain  ScaleAction = "maintain"
)

// ScalingDecision is the output of one policy evaluation. It is produced and
// consumed within a single tick.
type ScalingDecision struct {
	Action       ScaleAction `json:"action"`
	CurrentCount int         `json:"current_count"`
	TargetCount  int         `json:"target_count"`
	PendingJobs  int         `json:"pending_jobs"`
	Reason       string      `json:"reason"`
	Timestamp    time.Time   `json:"timestamp"`
}

// FleetStatus is the operator-facing snapshot of one fleet.
type FleetStatus struct {
	Name           string           `json:"name"`
	Enabled        bool             `json:"enabled"`
	Degraded       bool             `json:"degraded"`
	WorkerCount    int              `json:"worker_count"`
	Workers        []WorkerSnapshot `json:"workers,omitempty"`
	LastDecision   *ScalingDecision `json:"last_decision,omitempty"`
	LastActionTime time.Time        `json:"last_action_time"`
	LastMetrics    *QueueMetrics    `json:"last_metrics,omitempty"`
}

// WorkerSnapshot is a copy of a tracked worker's state for status queries.
type WorkerSnapshot struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	State         string    `json:"state"`
	Provider      string    `json:"provider"`
	InstanceID    string    `json:"instance_id"`
	RunnerID      int64     `json:"runner_id,omitempty"`
	Busy          bool      `json:"busy"`
	JobsCompleted int       `json:"jobs_completed"`
	CreatedAt     time.Time `json:"created_at"`
}
