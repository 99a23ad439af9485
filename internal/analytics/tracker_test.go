package analytics

import (
	"fmt"
	"testing"
	"time"

	"Armada/internal/models"
)

func decision(action models.ScaleAction, target int) models.ScalingDecision {
	return models.ScalingDecision{
		Action:      action,
		TargetCount: target,
		Timestamp:   time.Now(),
	}
}

func TestTrackerRecordsPerFleet(t *testing.T) {
	tr := NewTracker()

	tr.RecordDecision("linux", decision(models.ScaleUp, 3))
	tr.RecordDecision("linux", decision(models.Maintain, 3))
	tr.RecordDecision("windows", decision(models.ScaleDown, 1))

	if got := tr.History("linux", 0); len(got) != 2 {
		t.Errorf("linux history = %d entries, want 2", len(got))
	}
	if got := tr.History("windows", 0); len(got) != 1 {
		t.Errorf("windows history = %d entries, want 1", len(got))
	}
	if got := tr.History("unknown", 0); len(got) != 0 {
		t.Errorf("unknown fleet history = %d entries, want 0", len(got))
	}
}

func TestTrackerLastDecision(t *testing.T) {
	tr := NewTracker()

	if _, ok := tr.LastDecision("linux"); ok {
		t.Error("empty tracker should report no last decision")
	}

	tr.RecordDecision("linux", decision(models.ScaleUp, 2))
	tr.RecordDecision("linux", decision(models.ScaleDown, 1))

	last, ok := tr.LastDecision("linux")
	if !ok {
		t.Fatal("last decision missing")
	}
	if last.Action != models.ScaleDown || last.TargetCount != 1 {
		t.Errorf("last = %s target %d, want %s target 1", last.Action, last.TargetCount, models.ScaleDown)
	}
}

func TestTrackerHistoryLimit(t *testing.T) {
	tr := NewTracker()

	for i := 0; i < historyLimit+25; i++ {
		tr.RecordDecision("linux", models.ScalingDecision{
			Action: models.Maintain,
			Reason: fmt.Sprintf("tick %d", i),
		})
	}

	h := tr.History("linux", 0)
	if len(h) != historyLimit {
		t.Fatalf("history = %d entries, want %d", len(h), historyLimit)
	}
	// Oldest entries are evicted first.
	if h[0].Reason != "tick 25" {
		t.Errorf("oldest retained = %q, want tick 25", h[0].Reason)
	}
	if h[len(h)-1].Reason != fmt.Sprintf("tick %d", historyLimit+24) {
		t.Errorf("newest = %q", h[len(h)-1].Reason)
	}
}

func TestTrackerHistoryWindow(t *testing.T) {
	tr := NewTracker()
	for i := 0; i < 10; i++ {
		tr.RecordDecision("linux", models.ScalingDecision{Reason: fmt.Sprintf("tick %d", i)})
	}

	h := tr.History("linux", 3)
	if len(h) != 3 {
		t.Fatalf("history = %d entries, want 3", len(h))
	}
	if h[0].Reason != "tick 7" || h[2].Reason != "tick 9" {
		t.Errorf("window = [%q .. %q], want [tick 7 .. tick 9]", h[0].Reason, h[2].Reason)
	}
}
