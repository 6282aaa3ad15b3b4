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
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kube-freezer/kube-freezer/internal/cron"
)

// ManualName is the name of the synthetic schedule that represents a
// manually enabled freeze. It is reserved and cannot be used by stored
// schedules.
const ManualName = "manual"

// ConfigMapKey is the data key holding the JSON schedule list in the
// schedules ConfigMap.
const ConfigMapKey = "schedules"

// Kind classifies how a schedule decides whether it is active.
type Kind string

const (
	// KindAbsolute is a one-shot window between two fixed instants.
	KindAbsolute Kind = "absolute"
	// KindRecurring fires for every minute its cron expression matches.
	KindRecurring Kind = "recurring"
	// KindWindowed requires both the absolute bounds and the cron
	// expression to match.
	KindWindowed Kind = "windowed"
	// KindInvalid marks a schedule without a usable window. It is kept
	// but never active.
	KindInvalid Kind = "invalid"
)

// Spec is the wire format of a schedule, used in the schedules ConfigMap
// and in the REST API.
type Spec struct {
	Name       string     `json:"name"`
	Start      *time.Time `json:"start,omitempty"`
	End        *time.Time `json:"end,omitempty"`
	Cron       string     `json:"cron,omitempty"`
	Timezone   string     `json:"timezone,omitempty"`
	Namespaces []string   `json:"namespaces,omitempty"`
	Message    string     `json:"message,omitempty"`
}

// Schedule is a named freeze window. Instances are immutable after New;
// the engine shares them freely across snapshots.
type Schedule struct {
	Name       string
	Message    string
	Namespaces []string
	Start      *time.Time
	End        *time.Time
	Cron       string
	Timezone   string

	expr *cron.Expression
	loc  *time.Location
}

// New validates a spec and compiles it into a Schedule. Hard violations
// (missing name, reserved name, unparseable cron, unknown timezone, end
// not after start) are rejected. A spec that parses but has no usable
// window is accepted with Kind() == KindInvalid and is never active.
func New(spec Spec) (*Schedule, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return nil, fmt.Errorf("schedule name must not be empty")
	}
	if name == ManualName {
		return nil, fmt.Errorf("schedule name %q is reserved", ManualName)
	}
	if spec.Start != nil && spec.End != nil && !spec.End.After(*spec.Start) {
		return nil, fmt.Errorf("schedule %q: end %s is not after start %s",
			name, spec.End.Format(time.RFC3339), spec.Start.Format(time.RFC3339))
	}

	s := &Schedule{
		Name:     name,
		Message:  spec.Message,
		Start:    spec.Start,
		End:      spec.End,
		Cron:     strings.TrimSpace(spec.Cron),
		Timezone: strings.TrimSpace(spec.Timezone),
		loc:      time.UTC,
	}
	for _, ns := range spec.Namespaces {
		if ns = strings.TrimSpace(ns); ns != "" {
			s.Namespaces = append(s.Namespaces, ns)
		}
	}
	if s.Timezone != "" {
		loc, err := time.LoadLocation(s.Timezone)
		if err != nil {
			return nil, fmt.Errorf("schedule %q: unknown timezone %q", name, s.Timezone)
		}
		s.loc = loc
	}
	if s.Cron != "" {
		expr, err := cron.Parse(s.Cron)
		if err != nil {
			return nil, fmt.Errorf("schedule %q: %w", name, err)
		}
		s.expr = expr
	}
	return s, nil
}

// ParseList decodes the JSON array found in the schedules ConfigMap.
// Duplicate names are rejected so that upsert-by-name stays unambiguous.
func ParseList(raw []byte) ([]*Schedule, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, nil
	}
	var specs []Spec
	if err := json.Unmarshal(raw, &specs); err != nil {
		return nil, fmt.Errorf("decoding schedule list: %w", err)
	}
	seen := make(map[string]struct{}, len(specs))
	out := make([]*Schedule, 0, len(specs))
	for i, spec := range specs {
		s, err := New(spec)
		if err != nil {
			return nil, fmt.Errorf("schedule at index %d: %w", i, err)
		}
		if _, dup := seen[s.Name]; dup {
			return nil, fmt.Errorf("duplicate schedule name %q", s.Name)
		}
		seen[s.Name] = struct{}{}
		out = append(out, s)
	}
	return out, nil
}

// Kind reports which activation rule the schedule uses. A partially
// bounded schedule (exactly one of start/end set) has no usable window
// and is classified invalid even when a cron expression is present.
func (s *Schedule) Kind() Kind {
	bounded := s.Start != nil && s.End != nil
	partial := (s.Start != nil) != (s.End != nil)
	switch {
	case partial:
		return KindInvalid
	case bounded && s.expr != nil:
		return KindWindowed
	case bounded:
		return KindAbsolute
	case s.expr != nil:
		return KindRecurring
	default:
		return KindInvalid
	}
}

// ActiveAt reports whether the schedule is active at the instant.
// Absolute bounds are inclusive of start and exclusive of end; cron
// matching is minute granular in the schedule's timezone.
func (s *Schedule) ActiveAt(at time.Time) bool {
	switch s.Kind() {
	case KindAbsolute:
		return s.inBounds(at)
	case KindRecurring:
		return s.expr.Matches(at, s.loc)
	case KindWindowed:
		return s.inBounds(at) && s.expr.Matches(at, s.loc)
	default:
		return false
	}
}

func (s *Schedule) inBounds(at time.Time) bool {
	return !at.Before(*s.Start) && at.Before(*s.End)
}

// AppliesTo reports whether the schedule covers the namespace. An empty
// namespace list covers the whole cluster; an empty namespace argument
// asks about any namespace.
func (s *Schedule) AppliesTo(namespace string) bool {
	if len(s.Namespaces) == 0 || namespace == "" {
		return true
	}
	for _, ns := range s.Namespaces {
		if ns == namespace {
			return true
		}
	}
	return false
}

// ActiveUntil returns the earliest instant at which the current activation
// ends, when that is knowable: the absolute end, the end of the matched
// cron minute, or the smaller of the two.
func (s *Schedule) ActiveUntil(at time.Time) *time.Time {
	switch s.Kind() {
	case KindAbsolute:
		end := *s.End
		return &end
	case KindRecurring:
		if _, end, ok := s.expr.ActiveWindow(at, s.loc); ok {
			return &end
		}
	case KindWindowed:
		if _, end, ok := s.expr.ActiveWindow(at, s.loc); ok {
			if s.End.Before(end) {
				end = *s.End
			}
			return &end
		}
	}
	return nil
}

// NextActivation returns the start of the next minute the schedule fires
// after the instant, or nil for schedules without a cron expression.
func (s *Schedule) NextActivation(after time.Time) *time.Time {
	if s.expr == nil {
		return nil
	}
	next := s.expr.Next(after, s.loc)
	if next.IsZero() {
		return nil
	}
	return &next
}

// ToSpec converts the schedule back to its wire representation.
func (s *Schedule) ToSpec() Spec {
	return Spec{
		Name:       s.Name,
		Start:      s.Start,
		End:        s.End,
		Cron:       s.Cron,
		Timezone:   s.Timezone,
		Namespaces: append([]string(nil), s.Namespaces...),
		Message:    s.Message,
	}
}
