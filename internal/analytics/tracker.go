package analytics

import (
	"sync"

	"Armada/internal/models"
)

const historyLimit = 100

// Tracker keeps a rolling window of scaling decisions per fleet.
type Tracker struct {
	mu      sync.RWMutex
	history map[string][]models.ScalingDecision
}

// NewTracker creates a new analytics tracker
func NewTracker() *Tracker {
	return &Tracker{
		history: make(map[string][]models.ScalingDecision),
	}
}

// RecordDecision records a scaling decision for a fleet
func (t *Tracker) RecordDecision(fleet string, decision models.ScalingDecision) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := append(t.history[fleet], decision)
	if len(h) > historyLimit {
		h = h[1:]
	}
	t.history[fleet] = h
}

// History returns the most recent decisions for a fleet, newest last
func (t *Tracker) History(fleet string, limit int) []models.ScalingDecision {
	t.mu.RLock()
	defer t.mu.RUnlock()

	h := t.history[fleet]
	if limit <= 0 || limit > len(h) {
		limit = len(h)
	}

	start := len(h) - limit
	result := make([]models.ScalingDecision, limit)
	copy(result, h[start:])
	return result
}

// LastDecision returns the most recent decision for a fleet, if any
func (t *Tracker) LastDecision(fleet string) (models.ScalingDecision, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	h := t.history[fleet]
	if len(h) == 0 {
		return models.ScalingDecision{}, false
	}
	return h[len(h)-1], true
}
