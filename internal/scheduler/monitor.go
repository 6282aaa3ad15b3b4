/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package scheduler

import (
	"context"
	"sync"
	"time"

	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/kube-freezer/kube-freezer/internal/exemption"
	"github.com/kube-freezer/kube-freezer/internal/metrics"
	"github.com/kube-freezer/kube-freezer/internal/policy"
	"github.com/kube-freezer/kube-freezer/internal/schedule"
)

// FreezeMonitor keeps the freeze and exemption gauges aligned with
// wall-clock window boundaries. Scheduled windows open and close without
// any config change or admission traffic, so the gauges need a periodic
// refresh to track them. Runs on every replica; each serves its own
// metrics endpoint.
type FreezeMonitor struct {
	cache      *policy.Cache
	engine     *schedule.Engine
	exemptions *exemption.Store
	clock      clock.PassiveClock
	interval   time.Duration
	stopCh     chan struct{}
	running    bool
	mu         sync.Mutex
}

// NewFreezeMonitor creates a new freeze status monitor
func NewFreezeMonitor(cache *policy.Cache, engine *schedule.Engine, exemptions *exemption.Store) *FreezeMonitor {
	return &FreezeMonitor{
		cache:      cache,
		engine:     engine,
		exemptions: exemptions,
		clock:      clock.RealClock{},
		interval:   30 * time.Second,
		stopCh:     make(chan struct{}),
	}
}

// Start begins the refresh loop
func (m *FreezeMonitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	logger := log.FromContext(ctx)
	logger.Info("starting freeze status monitor", "interval", m.interval)

	// Run immediately on start
	m.refresh()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.stopCh:
			return nil
		case <-ticker.C:
			m.refresh()
		}
	}
}

// Stop halts the monitor
func (m *FreezeMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		close(m.stopCh)
		m.running = false
	}
}

// SetInterval changes the refresh interval
func (m *FreezeMonitor) SetInterval(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interval = d
}

// SetClock replaces the time source
func (m *FreezeMonitor) SetClock(c clock.PassiveClock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = c
}

// NeedLeaderElection keeps the monitor running on every replica
func (m *FreezeMonitor) NeedLeaderElection() bool {
	return false
}

// refresh recomputes the gauges. The empty namespace matches every
// schedule, so the freeze gauge reports whether any window is active
// anywhere in the cluster.
func (m *FreezeMonitor) refresh() {
	m.mu.Lock()
	now := m.clock.Now()
	m.mu.Unlock()

	cfg := m.cache.Load()
	active, _ := m.engine.IsActive(now, "", cfg.Override())
	metrics.SetFreezeActive(active)
	metrics.SetExemptionsActive(float64(m.exemptions.ActiveCount(now)))
}
