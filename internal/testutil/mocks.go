// Package testutil provides shared test utilities and mock implementations
// for use across the kube-freezer test suites.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/kube-freezer/kube-freezer/internal/exemption"
	"github.com/kube-freezer/kube-freezer/internal/history"
	"github.com/kube-freezer/kube-freezer/internal/store"
)

// ============================================================================
// Mock Archive Implementation
// ============================================================================

// MockArchive is a configurable mock implementation of store.Archive for testing.
// All fields are optional - set only what your test needs.
// Thread-safe for concurrent access in scheduler tests.
type MockArchive struct {
	mu sync.Mutex

	// Health
	HealthError error

	// Query results
	Events           []store.FreezeEvent
	EventsTotal      int64
	EventCountResult int64
	PrunedCount      int64
	ActiveExemptions []exemption.Exemption

	// Error injection - set these to simulate errors
	InitError                 error
	RecordEventError          error
	ListEventsError           error
	EventCountError           error
	PruneEventsError          error
	SaveExemptionError        error
	DeleteExemptionError      error
	ListActiveExemptionsError error

	// Call tracking - these record what was called for verification
	RecordedEvents    []history.Event
	SavedExemptions   []exemption.Exemption
	DeletedExemptions []string
	LastQuery         store.EventQuery
	ListEventsCalled  int
	PruneCalled       int
	PruneCutoff       time.Time
	InitCalled        int
	CloseCalled       int
}

// Init implements store.Archive
func (m *MockArchive) Init() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InitCalled++
	return m.InitError
}

// Close implements store.Archive
func (m *MockArchive) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCalled++
	return nil
}

// Health implements store.Archive
func (m *MockArchive) Health(_ context.Context) error {
	return m.HealthError
}

// RecordEvent implements store.Archive
func (m *MockArchive) RecordEvent(_ context.Context, e history.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RecordEventError != nil {
		return m.RecordEventError
	}
	m.RecordedEvents = append(m.RecordedEvents, e)
	return nil
}

// ListEvents implements store.Archive
func (m *MockArchive) ListEvents(_ context.Context, q store.EventQuery) ([]store.FreezeEvent, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ListEventsCalled++
	m.LastQuery = q
	if m.ListEventsError != nil {
		return nil, 0, m.ListEventsError
	}
	return m.Events, m.EventsTotal, nil
}

// EventCount implements store.Archive
func (m *MockArchive) EventCount(_ context.Context) (int64, error) {
	if m.EventCountError != nil {
		return 0, m.EventCountError
	}
	return m.EventCountResult, nil
}

// PruneEvents implements store.Archive
func (m *MockArchive) PruneEvents(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PruneCalled++
	m.PruneCutoff = olderThan
	if m.PruneEventsError != nil {
		return 0, m.PruneEventsError
	}
	return m.PrunedCount, nil
}

// SaveExemption implements store.Archive
func (m *MockArchive) SaveExemption(_ context.Context, e exemption.Exemption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveExemptionError != nil {
		return m.SaveExemptionError
	}
	m.SavedExemptions = append(m.SavedExemptions, e)
	return nil
}

// DeleteExemption implements store.Archive
func (m *MockArchive) DeleteExemption(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeleteExemptionError != nil {
		return m.DeleteExemptionError
	}
	m.DeletedExemptions = append(m.DeletedExemptions, id)
	return nil
}

// ListActiveExemptions implements store.Archive
func (m *MockArchive) ListActiveExemptions(_ context.Context, _ time.Time) ([]exemption.Exemption, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListActiveExemptionsError != nil {
		return nil, m.ListActiveExemptionsError
	}
	return m.ActiveExemptions, nil
}

// Lock acquires the mutex for external synchronization in tests
func (m *MockArchive) Lock() {
	m.mu.Lock()
}

// Unlock releases the mutex for external synchronization in tests
func (m *MockArchive) Unlock() {
	m.mu.Unlock()
}
