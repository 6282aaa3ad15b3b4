// Package notify delivers freeze events to external channels. Channels
// are built from static configuration rather than cluster objects; the
// dispatcher consumes events from the history recorder and fans them out
// asynchronously.
package notify

import (
	"context"
	"text/template"
	"time"

	"golang.org/x/time/rate"

	"github.com/kube-freezer/kube-freezer/internal/config"
	"github.com/kube-freezer/kube-freezer/internal/history"
)

// Notification is one deliverable message wrapping the event that
// caused it.
type Notification struct {
	Title    string
	Severity string // info, warning, critical
	Event    history.Event
}

// Channel delivers notifications to one destination.
type Channel interface {
	// Name returns the channel name
	Name() string

	// Type returns the channel type (slack, webhook)
	Type() string

	// Send delivers a notification
	Send(ctx context.Context, n Notification) error
}

var notified = map[history.EventType]struct{ severity, title string }{
	history.FreezeEnabled:  {"warning", "Deployment freeze enabled"},
	history.FreezeDisabled: {"info", "Deployment freeze lifted"},
	history.RequestDenied:  {"info", "Request denied during freeze"},
	history.ConfigInvalid:  {"critical", "Freeze policy configuration rejected"},
}

// FromEvent maps an event to a notification. Only freeze transitions,
// denials, and rejected configurations are worth a page; the second
// return is false for everything else.
func FromEvent(e history.Event) (Notification, bool) {
	meta, ok := notified[e.Type]
	if !ok {
		return Notification{}, false
	}
	return Notification{Title: meta.title, Severity: meta.severity, Event: e}, true
}

// newChannelLimiter builds the per-channel delivery budget.
func newChannelLimiter(cfg config.ChannelConfig) *rate.Limiter {
	maxPerHour := cfg.MaxPerHour
	if maxPerHour <= 0 {
		maxPerHour = 100
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 10
	}
	return rate.NewLimiter(rate.Limit(float64(maxPerHour)/3600), burst)
}

var templateFuncs = template.FuncMap{
	"formatTime": func(t time.Time, layout string) string {
		if layout == "RFC3339" {
			return t.Format(time.RFC3339)
		}
		return t.Format(layout)
	},
	"truncate": func(s string, n int) string {
		if len(s) <= n {
			return s
		}
		return s[:n] + "..."
	},
}
