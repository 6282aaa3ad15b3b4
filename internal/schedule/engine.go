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

package schedule

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Override carries the manually enabled freeze state from the active
// configuration snapshot. When enabled it behaves like a schedule named
// "manual" and clears itself once Until has passed.
type Override struct {
	Enabled bool
	Message string
	Until   *time.Time
}

// Match describes one schedule (or the manual override) that is active
// for a given instant and namespace.
type Match struct {
	Name    string
	Message string
	Until   *time.Time
}

type snapshot struct {
	byName  map[string]*Schedule
	ordered []*Schedule
}

func (s *snapshot) clone() *snapshot {
	next := &snapshot{byName: make(map[string]*Schedule, len(s.byName)+1)}
	for name, sched := range s.byName {
		next.byName[name] = sched
	}
	return next
}

func (s *snapshot) reindex() {
	s.ordered = make([]*Schedule, 0, len(s.byName))
	for _, sched := range s.byName {
		s.ordered = append(s.ordered, sched)
	}
	sort.Slice(s.ordered, func(i, j int) bool { return s.ordered[i].Name < s.ordered[j].Name })
}

// Engine holds the set of named freeze schedules. Reads take an atomic
// snapshot and never block writers; writers serialize on a mutex and
// publish copy-on-write snapshots, so a snapshot taken at the start of an
// evaluation stays coherent for its whole duration.
type Engine struct {
	mu   sync.Mutex
	snap atomic.Pointer[snapshot]
}

// NewEngine returns an empty engine.
func NewEngine() *Engine {
	e := &Engine{}
	s := &snapshot{byName: map[string]*Schedule{}}
	s.reindex()
	e.snap.Store(s)
	return e
}

// Upsert installs the schedule under its name, replacing any previous
// schedule with that name. It reports whether the name already existed.
func (e *Engine) Upsert(sched *Schedule) (replaced bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cur := e.snap.Load()
	_, replaced = cur.byName[sched.Name]
	next := cur.clone()
	next.byName[sched.Name] = sched
	next.reindex()
	e.snap.Store(next)
	return replaced
}

// Remove deletes the named schedule and reports whether it existed.
func (e *Engine) Remove(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	cur := e.snap.Load()
	if _, ok := cur.byName[name]; !ok {
		return false
	}
	next := cur.clone()
	delete(next.byName, name)
	next.reindex()
	e.snap.Store(next)
	return true
}

// Replace swaps in a whole new schedule set atomically and returns the
// names that were added and removed relative to the previous set, both
// sorted. Unchanged and updated names appear in neither list.
func (e *Engine) Replace(schedules []*Schedule) (added, removed []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cur := e.snap.Load()
	next := &snapshot{byName: make(map[string]*Schedule, len(schedules))}
	for _, sched := range schedules {
		next.byName[sched.Name] = sched
	}
	next.reindex()
	for name := range next.byName {
		if _, ok := cur.byName[name]; !ok {
			added = append(added, name)
		}
	}
	for name := range cur.byName {
		if _, ok := next.byName[name]; !ok {
			removed = append(removed, name)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	e.snap.Store(next)
	return added, removed
}

// Get returns the named schedule.
func (e *Engine) Get(name string) (*Schedule, bool) {
	s, ok := e.snap.Load().byName[name]
	return s, ok
}

// List returns all schedules ordered by name.
func (e *Engine) List() []*Schedule {
	cur := e.snap.Load()
	return append([]*Schedule(nil), cur.ordered...)
}

// Len returns the number of stored schedules.
func (e *Engine) Len() int {
	return len(e.snap.Load().ordered)
}

// IsActive evaluates every schedule plus the manual override against the
// instant and namespace. Matches come back sorted by name so that deny
// messages compose deterministically. An expired override is ignored.
func (e *Engine) IsActive(at time.Time, namespace string, ov Override) (bool, []Match) {
	cur := e.snap.Load()
	var matches []Match
	for _, sched := range cur.ordered {
		if !sched.AppliesTo(namespace) {
			continue
		}
		if !sched.ActiveAt(at) {
			continue
		}
		matches = append(matches, Match{
			Name:    sched.Name,
			Message: sched.Message,
			Until:   sched.ActiveUntil(at),
		})
	}
	if ov.Enabled && (ov.Until == nil || ov.Until.After(at)) {
		matches = append(matches, Match{Name: ManualName, Message: ov.Message, Until: ov.Until})
		sort.Slice(matches, func(i, j int) bool { return matches[i].Name < matches[j].Name })
	}
	return len(matches) > 0, matches
}

// ActiveNames returns just the names of the active matches, in order.
func ActiveNames(matches []Match) []string {
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, m.Name)
	}
	return names
}
