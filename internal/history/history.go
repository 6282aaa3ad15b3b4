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

package history

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"
)

// EventType enumerates everything the gate records about itself.
type EventType string

const (
	FreezeEnabled             EventType = "FREEZE_ENABLED"
	FreezeDisabled            EventType = "FREEZE_DISABLED"
	RequestDenied             EventType = "REQUEST_DENIED"
	RequestBypassedAnnotation EventType = "REQUEST_BYPASSED_ANNOTATION"
	RequestBypassedUser       EventType = "REQUEST_BYPASSED_USER"
	RequestBypassedNamespace  EventType = "REQUEST_BYPASSED_NAMESPACE"
	RequestBypassedExemption  EventType = "REQUEST_BYPASSED_EXEMPTION"
	ExemptionCreated          EventType = "EXEMPTION_CREATED"
	ExemptionDeleted          EventType = "EXEMPTION_DELETED"
	ScheduleCreated           EventType = "SCHEDULE_CREATED"
	ScheduleDeleted           EventType = "SCHEDULE_DELETED"
	ConfigInvalid             EventType = "CONFIG_INVALID"
	EvaluatorError            EventType = "EVALUATOR_ERROR"
)

// DefaultCapacity is the ring size used when none is configured.
const DefaultCapacity = 1000

// ConfigMapKey is the data key under which the ring is persisted when
// flushed to its ConfigMap.
const ConfigMapKey = "events"

// Event is one entry in the freeze history. Seq orders events that share
// a timestamp and is assigned by the recorder; it is not serialized.
type Event struct {
	ID           string    `json:"id"`
	Type         EventType `json:"event_type"`
	Timestamp    time.Time `json:"timestamp"`
	Reason       string    `json:"reason,omitempty"`
	TriggeredBy  string    `json:"triggered_by,omitempty"`
	Namespace    string    `json:"namespace,omitempty"`
	ResourceName string    `json:"resource_name,omitempty"`
	Seq          uint64    `json:"-"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Type      EventType
	Namespace string
}

func (f Filter) matches(e Event) bool {
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.Namespace != "" && e.Namespace != f.Namespace {
		return false
	}
	return true
}

// Sink observes recorded events. Sinks run synchronously after the event
// is stored and must not block; slow consumers buffer on their side.
type Sink func(Event)

// Recorder keeps the most recent events in a fixed-size ring. All access
// funnels through one mutex; position in the ring doubles as total order,
// so events sharing a timestamp still list deterministically.
type Recorder struct {
	mu    sync.Mutex
	buf   []Event
	next  int
	size  int
	seq   uint64
	clock clock.PassiveClock
	sinks []Sink
}

// NewRecorder returns a ring holding up to capacity events. A
// non-positive capacity means DefaultCapacity.
func NewRecorder(capacity int, clk clock.PassiveClock) *Recorder {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Recorder{buf: make([]Event, capacity), clock: clk}
}

// AddSink registers an observer for subsequent events. Call during
// wiring, before traffic starts.
func (r *Recorder) AddSink(s Sink) {
	r.mu.Lock()
	r.sinks = append(r.sinks, s)
	r.mu.Unlock()
}

// Record stores the event, filling in the id, timestamp, and sequence
// number when absent, and returns the stored value. The oldest event is
// dropped once the ring is full.
func (r *Recorder) Record(e Event) Event {
	r.mu.Lock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = r.clock.Now()
	}
	r.seq++
	e.Seq = r.seq
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
	sinks := r.sinks
	r.mu.Unlock()

	for _, s := range sinks {
		s(e)
	}
	return e
}

// List returns up to limit events, most recent first, that pass the
// filter. A non-positive limit returns everything retained.
func (r *Recorder) List(limit int, f Filter) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 || limit > r.size {
		limit = r.size
	}
	out := make([]Event, 0, limit)
	for i := 1; i <= r.size && len(out) < limit; i++ {
		pos := (r.next - i + len(r.buf)) % len(r.buf)
		if f.matches(r.buf[pos]) {
			out = append(out, r.buf[pos])
		}
	}
	return out
}

// Len returns the number of retained events.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Snapshot returns the retained events oldest first, for flushing to
// durable storage.
func (r *Recorder) Snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, 0, r.size)
	for i := r.size; i >= 1; i-- {
		pos := (r.next - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[pos])
	}
	return out
}

// Hydrate replaces the ring content with events restored from durable
// storage, keeping only the most recent when the input exceeds capacity.
// Events are expected oldest first; sinks do not fire. Returns how many
// events were loaded.
func (r *Recorder) Hydrate(events []Event) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = make([]Event, len(r.buf))
	r.next = 0
	r.size = 0
	start := 0
	if len(events) > len(r.buf) {
		start = len(events) - len(r.buf)
	}
	for _, e := range events[start:] {
		r.seq++
		e.Seq = r.seq
		r.buf[r.next] = e
		r.next = (r.next + 1) % len(r.buf)
		if r.size < len(r.buf) {
			r.size++
		}
	}
	return r.size
}
