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
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kube-freezer/kube-freezer/internal/schedule"
)

// ErrInvalidConfig wraps every policy configuration parse failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Keys understood in the policy ConfigMap. Unknown keys are ignored so
// that operators can annotate the map freely.
const (
	KeyFreezeEnabled             = "freeze_enabled"
	KeyFreezeUntil               = "freeze_until"
	KeyFreezeMessage             = "freeze_message"
	KeyBypassAnnotation          = "bypass_annotation_key"
	KeyBypassAllowedUsers        = "bypass_allowed_users"
	KeyBypassExemptNamespaces    = "bypass_exempt_namespaces"
	KeyMonitoredResources        = "monitored_resources"
	KeyFailClosed                = "fail_closed"
	KeyAPIAllowedServiceAccounts = "api_allowed_serviceaccounts"
)

const (
	// DefaultBypassAnnotation marks a single object as exempt when set
	// to "true" (any case).
	DefaultBypassAnnotation = "admission-controller.io/emergency-bypass"
	// BypassReasonAnnotation is recorded alongside an annotation bypass
	// but never interpreted.
	BypassReasonAnnotation = "admission-controller.io/emergency-reason"
	// DefaultFreezeMessage is used when neither the config nor the
	// matching schedule carries a message.
	DefaultFreezeMessage = "Deployment freeze is active. Use bypass annotation or contact oncall."
)

// Config is one immutable policy snapshot. Evaluations capture a pointer
// once and read only from it, so a concurrent reload never tears a
// half-applied configuration through a running evaluation.
type Config struct {
	FreezeEnabled             bool
	FreezeUntil               *time.Time
	FreezeMessage             string
	BypassAnnotationKey       string
	BypassAllowedUsers        map[string]struct{}
	BypassExemptNamespaces    map[string]struct{}
	MonitoredKinds            map[string]struct{}
	FailClosed                bool
	APIAllowedServiceAccounts map[string]struct{}
}

// DefaultConfig returns the configuration used before any ConfigMap is
// seen and as the base that parsed keys override.
func DefaultConfig() *Config {
	return &Config{
		FreezeMessage:       DefaultFreezeMessage,
		BypassAnnotationKey: DefaultBypassAnnotation,
		BypassAllowedUsers:  map[string]struct{}{},
		BypassExemptNamespaces: map[string]struct{}{
			"kube-system": {},
		},
		MonitoredKinds: map[string]struct{}{
			"deployments":  {},
			"statefulsets": {},
			"daemonsets":   {},
		},
		FailClosed:                true,
		APIAllowedServiceAccounts: map[string]struct{}{},
	}
}

// ParseConfig builds a snapshot from the string map found in the policy
// ConfigMap. Missing keys keep their defaults; a value that fails to
// parse rejects the whole payload so the previous snapshot stays active.
func ParseConfig(data map[string]string) (*Config, error) {
	cfg := DefaultConfig()

	if v, ok := data[KeyFreezeEnabled]; ok {
		b, err := parseBool(KeyFreezeEnabled, v)
		if err != nil {
			return nil, err
		}
		cfg.FreezeEnabled = b
	}
	if v, ok := data[KeyFreezeUntil]; ok && strings.TrimSpace(v) != "" {
		ts, err := parseInstant(KeyFreezeUntil, v)
		if err != nil {
			return nil, err
		}
		cfg.FreezeUntil = &ts
	}
	if v, ok := data[KeyFreezeMessage]; ok && strings.TrimSpace(v) != "" {
		cfg.FreezeMessage = strings.TrimSpace(v)
	}
	if v, ok := data[KeyBypassAnnotation]; ok && strings.TrimSpace(v) != "" {
		cfg.BypassAnnotationKey = strings.TrimSpace(v)
	}
	if v, ok := data[KeyBypassAllowedUsers]; ok {
		cfg.BypassAllowedUsers = toSet(splitList(v), false)
	}
	if v, ok := data[KeyBypassExemptNamespaces]; ok {
		cfg.BypassExemptNamespaces = toSet(splitList(v), false)
	}
	if v, ok := data[KeyMonitoredResources]; ok {
		cfg.MonitoredKinds = toSet(splitList(v), true)
	}
	if v, ok := data[KeyFailClosed]; ok {
		b, err := parseBool(KeyFailClosed, v)
		if err != nil {
			return nil, err
		}
		cfg.FailClosed = b
	}
	if v, ok := data[KeyAPIAllowedServiceAccounts]; ok {
		cfg.APIAllowedServiceAccounts = toSet(splitList(v), false)
	}
	return cfg, nil
}

func parseBool(key, value string) (bool, error) {
	switch {
	case strings.EqualFold(strings.TrimSpace(value), "true"):
		return true, nil
	case strings.EqualFold(strings.TrimSpace(value), "false"):
		return false, nil
	default:
		return false, fmt.Errorf("%w: key %q: %q is not a bool", ErrInvalidConfig, key, value)
	}
}

func parseInstant(key, value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts, nil
	}
	// Zone-less timestamps are read as UTC.
	if ts, err := time.Parse("2006-01-02T15:04:05", value); err == nil {
		return ts.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("%w: key %q: %q is not an RFC 3339 instant", ErrInvalidConfig, key, value)
}

func splitList(value string) []string {
	var out []string
	for _, line := range strings.Split(value, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func toSet(items []string, lower bool) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		if lower {
			item = strings.ToLower(item)
		}
		set[item] = struct{}{}
	}
	return set
}

// MonitorsKind reports whether the kind is gated. Matching is
// case-insensitive and tolerant of singular/plural mismatches between
// the config list and the admission kind.
func (c *Config) MonitorsKind(kind string) bool {
	k := strings.ToLower(strings.TrimSpace(kind))
	if k == "" {
		return false
	}
	for _, candidate := range []string{k, k + "s", k + "es", strings.TrimSuffix(k, "s"), strings.TrimSuffix(k, "es")} {
		if _, ok := c.MonitoredKinds[candidate]; ok {
			return true
		}
	}
	return false
}

// AllowlistMatch returns the first identity (username or group) found on
// the bypass allowlist.
func (c *Config) AllowlistMatch(user string, groups []string) (string, bool) {
	if _, ok := c.BypassAllowedUsers[user]; ok {
		return user, true
	}
	for _, g := range groups {
		if _, ok := c.BypassAllowedUsers[g]; ok {
			return g, true
		}
	}
	return "", false
}

// NamespaceExempt reports whether the namespace never freezes.
func (c *Config) NamespaceExempt(namespace string) bool {
	_, ok := c.BypassExemptNamespaces[namespace]
	return ok
}

// Override projects the manual freeze fields for the schedule engine.
func (c *Config) Override() schedule.Override {
	return schedule.Override{
		Enabled: c.FreezeEnabled,
		Message: c.FreezeMessage,
		Until:   c.FreezeUntil,
	}
}

// MonitoredKindList returns the configured kinds sorted, for status
// reporting.
func (c *Config) MonitoredKindList() []string {
	out := make([]string, 0, len(c.MonitoredKinds))
	for k := range c.MonitoredKinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Cache publishes the active Config snapshot. Loads are a single atomic
// pointer read on the admission hot path; stores swap the whole snapshot.
type Cache struct {
	v atomic.Pointer[Config]
}

// NewCache returns a cache seeded with the given snapshot, or the
// defaults when nil.
func NewCache(initial *Config) *Cache {
	c := &Cache{}
	if initial == nil {
		initial = DefaultConfig()
	}
	c.v.Store(initial)
	return c
}

// Load returns the current snapshot. Callers must treat it as read-only.
func (c *Cache) Load() *Config {
	return c.v.Load()
}

// Store swaps in a new snapshot.
func (c *Cache) Store(cfg *Config) {
	c.v.Store(cfg)
}
