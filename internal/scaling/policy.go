// Package scaling holds the pure fleet-sizing policy. It performs no I/O;
// every input the decision depends on is passed in explicitly.
package scaling

import (
	"fmt"
	"time"

	"Armada/internal/config"
	"Armada/internal/models"
)

// Decide evaluates the scaling policy for one fleet at one point in time.
//
// The dead-band comparisons are strict, so a target exactly at the boundary
// maintains; a target equal to the current count always maintains regardless
// of thresholds.
func Decide(metrics models.QueueMetrics, currentCount int, cfg config.ScalingConfig, lastAction time.Time, now time.Time) models.ScalingDecision {
	d := models.ScalingDecision{
		Action:       models.Maintain,
		CurrentCount: currentCount,
		TargetCount:  currentCount,
		PendingJobs:  metrics.Pending,
		Timestamp:    now,
	}

	if !lastAction.IsZero() && now.Sub(lastAction) < cfg.Cooldown {
		remaining := cfg.Cooldown - now.Sub(lastAction)
		d.Reason = fmt.Sprintf("cooldown active (%s remaining)", remaining.Round(time.Second))
		return d
	}

	target := ceilDiv(metrics.Pending, cfg.JobsPerRunner)
	if target < cfg.MinRunners {
		target = cfg.MinRunners
	}
	if target > cfg.MaxRunners {
		target = cfg.MaxRunners
	}
	d.TargetCount = target

	switch {
	case target == currentCount:
		d.Reason = fmt.Sprintf("at target count %d", target)
	case target > currentCount+cfg.ScaleUpThreshold:
		d.Action = models.ScaleUp
		d.Reason = fmt.Sprintf("%d pending jobs need %d workers, have %d", metrics.Pending, target, currentCount)
	case target < currentCount-cfg.ScaleDownThreshold:
		d.Action = models.ScaleDown
		d.Reason = fmt.Sprintf("%d pending jobs need only %d workers, have %d", metrics.Pending, target, currentCount)
	default:
		d.TargetCount = currentCount
		d.Reason = fmt.Sprintf("target %d within dead-band of current %d", target, currentCount)
	}

	return d
}

// Clamp bounds a manually requested count to the fleet's configured limits.
func Clamp(n int, cfg config.ScalingConfig) int {
	if n < cfg.MinRunners {
		return cfg.MinRunners
	}
	if n > cfg.MaxRunners {
		return cfg.MaxRunners
	}
	return n
}

func ceilDiv(jobs, perRunner int) int {
	if jobs <= 0 {
		return 0
	}
	return (jobs + perRunner - 1) / perRunner
}
