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

package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/kube-freezer/kube-freezer/internal/exemption"
	"github.com/kube-freezer/kube-freezer/internal/history"
	"github.com/kube-freezer/kube-freezer/internal/schedule"
)

var (
	// ErrStoreUnavailable classifies exemption lookups that failed
	// because the backing store could not answer.
	ErrStoreUnavailable = errors.New("exemption store unavailable")
	// ErrEvaluatorTimeout classifies evaluations cut short by the
	// caller's deadline.
	ErrEvaluatorTimeout = errors.New("freeze evaluation deadline exceeded")
)

// Operation mirrors the admission operation verbs.
type Operation string

const (
	OperationCreate  Operation = "CREATE"
	OperationUpdate  Operation = "UPDATE"
	OperationDelete  Operation = "DELETE"
	OperationConnect Operation = "CONNECT"
)

// Category labels the terminal rule that produced a decision.
type Category string

const (
	CategoryNotMonitored     Category = "NOT_MONITORED"
	CategoryBypassAnnotation Category = "BYPASS_ANNOTATION"
	CategoryBypassUser       Category = "BYPASS_USER"
	CategoryBypassNamespace  Category = "BYPASS_NAMESPACE"
	CategoryBypassExemption  Category = "BYPASS_EXEMPTION"
	CategoryFrozen           Category = "FROZEN"
	CategoryNoFreeze         Category = "NO_FREEZE"
	CategoryInternalError    Category = "INTERNAL_ERROR"
)

// AdmissionRequest is the transport-independent shape of a request under
// evaluation.
type AdmissionRequest struct {
	UID          string
	Kind         string
	Namespace    string
	ResourceName string
	Operation    Operation
	User         string
	Groups       []string
	Annotations  map[string]string
}

// Decision is a terminal evaluation result.
type Decision struct {
	Allow       bool
	Category    Category
	Message     string
	ExemptionID string
	Matches     []schedule.Match
}

// ExemptionMatcher is the evaluator's view of the exemption store.
// Matches may consume a grant; Peek never does.
type ExemptionMatcher interface {
	Matches(namespace, resourceName string, at time.Time) (*exemption.Exemption, error)
	Peek(namespace, resourceName string, at time.Time) (*exemption.Exemption, error)
}

type noMatcher struct{}

func (noMatcher) Matches(string, string, time.Time) (*exemption.Exemption, error) { return nil, nil }
func (noMatcher) Peek(string, string, time.Time) (*exemption.Exemption, error)    { return nil, nil }

// EvaluatorOptions wires an Evaluator. Nil fields fall back to inert
// defaults so tests can construct only what they exercise.
type EvaluatorOptions struct {
	Cache      *Cache
	Schedules  *schedule.Engine
	Exemptions ExemptionMatcher
	History    *history.Recorder
	Clock      clock.PassiveClock
	Log        logr.Logger
}

// Evaluator runs a request through the ordered bypass and freeze rules.
// Each evaluation works against the config snapshot captured at entry,
// so a concurrent reload cannot change the rules mid-decision.
type Evaluator struct {
	cache      *Cache
	schedules  *schedule.Engine
	exemptions ExemptionMatcher
	history    *history.Recorder
	clock      clock.PassiveClock
	log        logr.Logger
}

// NewEvaluator assembles an evaluator from its collaborators.
func NewEvaluator(opts EvaluatorOptions) *Evaluator {
	if opts.Cache == nil {
		opts.Cache = NewCache(nil)
	}
	if opts.Schedules == nil {
		opts.Schedules = schedule.NewEngine()
	}
	if opts.Exemptions == nil {
		opts.Exemptions = noMatcher{}
	}
	if opts.History == nil {
		opts.History = history.NewRecorder(0, opts.Clock)
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Log.GetSink() == nil {
		opts.Log = logr.Discard()
	}
	return &Evaluator{
		cache:      opts.Cache,
		schedules:  opts.Schedules,
		exemptions: opts.Exemptions,
		history:    opts.History,
		clock:      opts.Clock,
		log:        opts.Log,
	}
}

// Evaluate decides the request with full side effects: matching
// resource-specific exemptions are consumed and history events recorded.
func (ev *Evaluator) Evaluate(ctx context.Context, req AdmissionRequest) Decision {
	return ev.evaluate(ctx, req, true)
}

// Preview decides the request without side effects. Nothing is consumed
// and no history is written; dry-run admission and the evaluation API
// use it.
func (ev *Evaluator) Preview(ctx context.Context, req AdmissionRequest) Decision {
	return ev.evaluate(ctx, req, false)
}

func (ev *Evaluator) evaluate(ctx context.Context, req AdmissionRequest, record bool) Decision {
	cfg := ev.cache.Load()
	now := ev.clock.Now()

	if err := deadlineErr(ctx); err != nil {
		return ev.fail(req, cfg, err, record)
	}

	if !cfg.MonitorsKind(req.Kind) {
		return Decision{
			Allow:    true,
			Category: CategoryNotMonitored,
			Message:  fmt.Sprintf("kind %s is not subject to freeze enforcement", req.Kind),
		}
	}

	if req.Operation != OperationCreate && req.Operation != OperationUpdate {
		return Decision{
			Allow:    true,
			Category: CategoryNotMonitored,
			Message:  fmt.Sprintf("operation %s is not subject to freeze enforcement", req.Operation),
		}
	}

	if value, ok := req.Annotations[cfg.BypassAnnotationKey]; ok && strings.EqualFold(value, "true") {
		reason := req.Annotations[BypassReasonAnnotation]
		eventReason := "emergency bypass annotation set"
		if reason != "" {
			eventReason = fmt.Sprintf("emergency bypass: %s", reason)
		}
		ev.record(record, history.Event{
			Type:         history.RequestBypassedAnnotation,
			Reason:       eventReason,
			TriggeredBy:  req.User,
			Namespace:    req.Namespace,
			ResourceName: req.ResourceName,
		})
		return Decision{
			Allow:    true,
			Category: CategoryBypassAnnotation,
			Message:  "emergency bypass annotation is set",
		}
	}

	if identity, ok := cfg.AllowlistMatch(req.User, req.Groups); ok {
		msg := fmt.Sprintf("%s is on the bypass allowlist", identity)
		ev.record(record, history.Event{
			Type:         history.RequestBypassedUser,
			Reason:       msg,
			TriggeredBy:  req.User,
			Namespace:    req.Namespace,
			ResourceName: req.ResourceName,
		})
		return Decision{Allow: true, Category: CategoryBypassUser, Message: msg}
	}

	if cfg.NamespaceExempt(req.Namespace) {
		msg := fmt.Sprintf("namespace %s is exempt from freeze enforcement", req.Namespace)
		ev.record(record, history.Event{
			Type:         history.RequestBypassedNamespace,
			Reason:       msg,
			TriggeredBy:  req.User,
			Namespace:    req.Namespace,
			ResourceName: req.ResourceName,
		})
		return Decision{Allow: true, Category: CategoryBypassNamespace, Message: msg}
	}

	if err := deadlineErr(ctx); err != nil {
		return ev.fail(req, cfg, err, record)
	}

	var ex *exemption.Exemption
	var err error
	if record {
		ex, err = ev.exemptions.Matches(req.Namespace, req.ResourceName, now)
	} else {
		ex, err = ev.exemptions.Peek(req.Namespace, req.ResourceName, now)
	}
	if err != nil {
		return ev.fail(req, cfg, err, record)
	}
	if ex != nil {
		eventReason := fmt.Sprintf("temporary exemption %s applies", ex.ID)
		if ex.Reason != "" {
			eventReason = fmt.Sprintf("%s: %s", eventReason, ex.Reason)
		}
		ev.record(record, history.Event{
			Type:         history.RequestBypassedExemption,
			Reason:       eventReason,
			TriggeredBy:  req.User,
			Namespace:    req.Namespace,
			ResourceName: req.ResourceName,
		})
		return Decision{
			Allow:       true,
			Category:    CategoryBypassExemption,
			Message:     fmt.Sprintf("temporary exemption %s applies", ex.ID),
			ExemptionID: ex.ID,
		}
	}

	if active, matches := ev.schedules.IsActive(now, req.Namespace, cfg.Override()); active {
		msg := composeDenyMessage(cfg, matches)
		ev.record(record, history.Event{
			Type:         history.RequestDenied,
			Reason:       msg,
			TriggeredBy:  req.User,
			Namespace:    req.Namespace,
			ResourceName: req.ResourceName,
		})
		return Decision{Allow: false, Category: CategoryFrozen, Message: msg, Matches: matches}
	}

	return Decision{Allow: true, Category: CategoryNoFreeze, Message: "no freeze window is active"}
}

func (ev *Evaluator) record(record bool, e history.Event) {
	if record {
		ev.history.Record(e)
	}
}

func (ev *Evaluator) fail(req AdmissionRequest, cfg *Config, err error, record bool) Decision {
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %v", ErrEvaluatorTimeout, err)
	}
	ev.log.Error(err, "Freeze evaluation failed",
		"namespace", req.Namespace,
		"name", req.ResourceName,
		"failClosed", cfg.FailClosed)
	ev.record(record, history.Event{
		Type:         history.EvaluatorError,
		Reason:       err.Error(),
		TriggeredBy:  req.User,
		Namespace:    req.Namespace,
		ResourceName: req.ResourceName,
	})
	if cfg.FailClosed {
		return Decision{
			Allow:    false,
			Category: CategoryInternalError,
			Message:  "freeze evaluation failed and fail_closed is set; request denied",
		}
	}
	return Decision{
		Allow:    true,
		Category: CategoryInternalError,
		Message:  "freeze evaluation failed and fail_closed is unset; request allowed",
	}
}

// composeDenyMessage joins the messages of every matching window, falling
// back to the configured freeze message, and names the windows so the
// denial can be traced back to its schedule.
func composeDenyMessage(cfg *Config, matches []schedule.Match) string {
	msgs := make([]string, 0, len(matches))
	seen := map[string]struct{}{}
	for _, m := range matches {
		msg := m.Message
		if msg == "" {
			msg = cfg.FreezeMessage
		}
		if _, dup := seen[msg]; dup {
			continue
		}
		seen[msg] = struct{}{}
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		msgs = append(msgs, cfg.FreezeMessage)
	}
	return fmt.Sprintf("%s (Freeze window: %s)",
		strings.Join(msgs, "; "),
		strings.Join(schedule.ActiveNames(matches), ", "))
}

func deadlineErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
