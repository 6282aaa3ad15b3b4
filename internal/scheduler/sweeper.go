package scheduler

import (
	"context"
	"sync"
	"time"

	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/kube-freezer/kube-freezer/internal/exemption"
	"github.com/kube-freezer/kube-freezer/internal/metrics"
)

// ExemptionSweeper periodically evicts expired exemptions from the
// in-memory store. Matching already skips expired entries, so the sweep
// only bounds memory; it runs on every replica because each replica owns
// its own store.
type ExemptionSweeper struct {
	exemptions *exemption.Store
	clock      clock.PassiveClock
	interval   time.Duration
	stopCh     chan struct{}
	running    bool
	mu         sync.Mutex
}

// NewExemptionSweeper creates a new exemption sweeper
func NewExemptionSweeper(store *exemption.Store, interval time.Duration) *ExemptionSweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &ExemptionSweeper{
		exemptions: store,
		clock:      clock.RealClock{},
		interval:   interval,
		stopCh:     make(chan struct{}),
	}
}

// Start begins the sweep loop
func (s *ExemptionSweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	logger := log.FromContext(ctx)
	logger.Info("starting exemption sweeper", "interval", s.interval)

	// Run immediately on start
	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopCh:
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// Stop halts the sweeper
func (s *ExemptionSweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		close(s.stopCh)
		s.running = false
	}
}

// SetInterval changes the sweep interval
func (s *ExemptionSweeper) SetInterval(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interval = d
}

// SetClock replaces the time source
func (s *ExemptionSweeper) SetClock(c clock.PassiveClock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = c
}

// NeedLeaderElection keeps the sweeper running on every replica
func (s *ExemptionSweeper) NeedLeaderElection() bool {
	return false
}

func (s *ExemptionSweeper) sweep(ctx context.Context) {
	logger := log.FromContext(ctx)

	s.mu.Lock()
	now := s.clock.Now()
	s.mu.Unlock()

	evicted := s.exemptions.Sweep(now)
	metrics.SetExemptionsActive(float64(s.exemptions.ActiveCount(now)))

	if evicted > 0 {
		logger.Info("evicted expired exemptions", "evicted", evicted)
	}
}
