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

package exemption

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/utils/clock"
)

// ErrInvalidInput is wrapped by every validation failure in Create.
var ErrInvalidInput = errors.New("invalid exemption")

// Exemption is a temporary, namespace-scoped freeze bypass. An exemption
// with a resource name covers exactly that resource and is consumed on
// first use; one without covers the whole namespace and is reusable until
// it expires.
type Exemption struct {
	ID              string    `json:"id"`
	Namespace       string    `json:"namespace"`
	ResourceName    string    `json:"resource_name,omitempty"`
	DurationMinutes int       `json:"duration_minutes"`
	Reason          string    `json:"reason,omitempty"`
	ApprovedBy      string    `json:"approved_by,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	Used            bool      `json:"used"`
}

// Expired reports whether the exemption has expired at the instant.
func (e Exemption) Expired(at time.Time) bool {
	return !e.ExpiresAt.After(at)
}

// Active reports whether the exemption could still satisfy a request.
func (e Exemption) Active(at time.Time) bool {
	return !e.Expired(at) && !e.Used
}

// Persister receives exemption changes for durable storage. Calls are
// made from short-lived goroutines and must tolerate missing rows.
type Persister interface {
	SaveExemption(ctx context.Context, e Exemption) error
	DeleteExemption(ctx context.Context, id string) error
}

// StoreOptions configures a Store. The zero value is usable: real clock,
// no persistence, discarded logs.
type StoreOptions struct {
	Clock     clock.PassiveClock
	Persister Persister
	Log       logr.Logger
}

// Store is the in-memory exemption index. A single mutex guards both the
// id map and the per-namespace ordering, so matching and consumption are
// one atomic step. Expired entries are evicted lazily during matching and
// eagerly by Sweep.
type Store struct {
	mu      sync.Mutex
	byID    map[string]*Exemption
	order   map[string][]string // namespace -> ids, insertion order
	clock   clock.PassiveClock
	persist Persister
	log     logr.Logger
}

// NewStore returns an empty store.
func NewStore(opts StoreOptions) *Store {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Log.GetSink() == nil {
		opts.Log = logr.Discard()
	}
	return &Store{
		byID:    map[string]*Exemption{},
		order:   map[string][]string{},
		clock:   opts.Clock,
		persist: opts.Persister,
		log:     opts.Log,
	}
}

// Create validates and stores a new exemption. The id is generated when
// absent, created_at defaults to now, and expires_at is always derived
// from the duration. Returns the stored copy.
func (s *Store) Create(e Exemption) (Exemption, error) {
	if e.Namespace == "" {
		return Exemption{}, fmt.Errorf("%w: namespace must not be empty", ErrInvalidInput)
	}
	if e.DurationMinutes <= 0 {
		return Exemption{}, fmt.Errorf("%w: duration must be positive, got %d", ErrInvalidInput, e.DurationMinutes)
	}

	now := s.clock.Now()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.ExpiresAt = e.CreatedAt.Add(time.Duration(e.DurationMinutes) * time.Minute)
	e.Used = false
	if !e.ExpiresAt.After(now) {
		return Exemption{}, fmt.Errorf("%w: expires at %s which is not in the future",
			ErrInvalidInput, e.ExpiresAt.Format(time.RFC3339))
	}

	s.mu.Lock()
	if _, exists := s.byID[e.ID]; exists {
		s.mu.Unlock()
		return Exemption{}, fmt.Errorf("%w: id %q already exists", ErrInvalidInput, e.ID)
	}
	stored := e
	s.byID[e.ID] = &stored
	s.order[e.Namespace] = append(s.order[e.Namespace], e.ID)
	s.mu.Unlock()

	s.persistAsync(e)
	return e, nil
}

// Get returns a copy of the exemption with the given id.
func (s *Store) Get(id string) (Exemption, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return Exemption{}, false
	}
	return *e, true
}

// List returns copies of all exemptions ordered by creation time. With
// activeOnly set, expired and consumed exemptions are filtered out.
func (s *Store) List(activeOnly bool) []Exemption {
	now := s.clock.Now()
	s.mu.Lock()
	out := make([]Exemption, 0, len(s.byID))
	for _, e := range s.byID {
		if activeOnly && !e.Active(now) {
			continue
		}
		out = append(out, *e)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Delete removes the exemption and reports whether it existed.
func (s *Store) Delete(id string) (Exemption, bool) {
	s.mu.Lock()
	e, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return Exemption{}, false
	}
	removed := *e
	s.removeLocked(id, e.Namespace)
	s.mu.Unlock()

	s.deleteAsync(id)
	return removed, true
}

// Matches finds and, for resource-specific grants, consumes the first
// usable exemption for the namespace and resource. Stored exemptions are
// checked in creation order; expired ones encountered on the way are
// evicted. Returns nil when nothing matches. The error return is always
// nil for the in-memory store and exists for fallible implementations.
func (s *Store) Matches(namespace, resourceName string, at time.Time) (*Exemption, error) {
	return s.match(namespace, resourceName, at, true)
}

// Peek is Matches without side effects: nothing is consumed or evicted.
func (s *Store) Peek(namespace, resourceName string, at time.Time) (*Exemption, error) {
	return s.match(namespace, resourceName, at, false)
}

func (s *Store) match(namespace, resourceName string, at time.Time, consume bool) (*Exemption, error) {
	var matched *Exemption
	var persistCopy *Exemption

	s.mu.Lock()
	ids := s.order[namespace]
	for i := 0; i < len(ids); {
		e := s.byID[ids[i]]
		if e.Expired(at) {
			if consume {
				s.removeLocked(e.ID, e.Namespace)
				ids = s.order[namespace]
				continue
			}
			i++
			continue
		}
		if e.ResourceName != "" && e.ResourceName != resourceName {
			i++
			continue
		}
		if e.ResourceName != "" && e.Used {
			i++
			continue
		}
		copied := *e
		matched = &copied
		if consume && e.ResourceName != "" {
			e.Used = true
			matched.Used = true
			p := *e
			persistCopy = &p
		}
		break
	}
	s.mu.Unlock()

	if persistCopy != nil {
		s.persistAsync(*persistCopy)
	}
	return matched, nil
}

// Sweep evicts every expired exemption and returns how many were removed.
// Durable records are kept for audit; only the in-memory index shrinks.
func (s *Store) Sweep(at time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var evicted int
	for id, e := range s.byID {
		if e.Expired(at) {
			s.removeLocked(id, e.Namespace)
			evicted++
		}
	}
	return evicted
}

// Hydrate replaces the store content, dropping entries already expired.
// Insertion order per namespace follows creation time so that matching
// order survives a restart.
func (s *Store) Hydrate(list []Exemption) int {
	now := s.clock.Now()
	sorted := append([]Exemption(nil), list...)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID = map[string]*Exemption{}
	s.order = map[string][]string{}
	var loaded int
	for _, e := range sorted {
		if e.Expired(now) || e.ID == "" {
			continue
		}
		stored := e
		s.byID[e.ID] = &stored
		s.order[e.Namespace] = append(s.order[e.Namespace], e.ID)
		loaded++
	}
	return loaded
}

// ActiveCount returns the number of exemptions that could still satisfy
// a request at the instant.
func (s *Store) ActiveCount(at time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for _, e := range s.byID {
		if e.Active(at) {
			n++
		}
	}
	return n
}

// Len returns the number of stored exemptions including expired ones not
// yet evicted.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

func (s *Store) removeLocked(id, namespace string) {
	delete(s.byID, id)
	ids := s.order[namespace]
	for i, candidate := range ids {
		if candidate == id {
			s.order[namespace] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(s.order[namespace]) == 0 {
		delete(s.order, namespace)
	}
}

func (s *Store) persistAsync(e Exemption) {
	if s.persist == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.persist.SaveExemption(ctx, e); err != nil {
			s.log.Error(err, "Failed to persist exemption", "id", e.ID, "namespace", e.Namespace)
		}
	}()
}

func (s *Store) deleteAsync(id string) {
	if s.persist == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.persist.DeleteExemption(ctx, id); err != nil {
			s.log.Error(err, "Failed to delete persisted exemption", "id", id)
		}
	}()
}
