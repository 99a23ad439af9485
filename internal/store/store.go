package store

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

type Store struct {
	config StoreConfig
	events []ScaleEvent
	mu     sync.RWMutex
}

type StoreConfig struct {
	Enabled   bool
	Path      string
	MaxEvents int
}

type ScaleEvent struct {
	Timestamp     time.Time `json:"timestamp"`
	Fleet         string    `json:"fleet"`
	Action        string    `json:"action"`
	Reason        string    `json:"reason"`
	QueueDepth    int       `json:"queue_depth"`
	WorkersBefore int       `json:"workers_before"`
	WorkersAfter  int       `json:"workers_after"`
}

// New creates a new store instance
func New(cfg StoreConfig) (*Store, error) {
	s := &Store{
		config: cfg,
		events: make([]ScaleEvent, 0),
	}

	// Load existing events if file exists
	if cfg.Enabled && cfg.Path != "" {
		if err := s.load(); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load store: %w", err)
		}
	}

	return s, nil
}

// RecordScaleEvent records a scaling event
func (s *Store) RecordScaleEvent(event ScaleEvent) error {
	if !s.config.Enabled {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, event)

	// Trim old events if we exceed max
	if len(s.events) > s.config.MaxEvents {
		s.events = s.events[len(s.events)-s.config.MaxEvents:]
	}

	// Persist to disk
	return s.persist()
}

// GetRecentEvents returns recent scaling events
func (s *Store) GetRecentEvents(count int) []ScaleEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if count > len(s.events) {
		count = len(s.events)
	}

	return append([]ScaleEvent(nil), s.events[len(s.events)-count:]...)
}

// GetFleetEvents returns recent events for one fleet
func (s *Store) GetFleetEvents(fleet string, count int) []ScaleEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ScaleEvent
	for i := len(s.events) - 1; i >= 0 && len(out) < count; i-- {
		if s.events[i].Fleet == fleet {
			out = append(out, s.events[i])
		}
	}
	return out
}

func (s *Store) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.config.Path)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, &s.events)
}

func (s *Store) persist() error {
	data, err := json.MarshalIndent(s.events, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal events: %w", err)
	}

	return os.WriteFile(s.config.Path, data, 0644)
}
