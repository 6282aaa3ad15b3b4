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

package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/time/rate"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/kube-freezer/kube-freezer/internal/config"
	"github.com/kube-freezer/kube-freezer/internal/history"
	"github.com/kube-freezer/kube-freezer/internal/metrics"
)

// queueCapacity bounds how many notifications can wait for the worker.
// The recording path never blocks on delivery; overflow is dropped.
const queueCapacity = 64

// sendTimeout bounds a single delivery attempt per channel.
const sendTimeout = 30 * time.Second

// Dispatcher fans notifications out to the configured channels from a
// single worker goroutine. It runs on every replica: events are recorded
// by the replica that observed them, so local dispatch never duplicates.
type Dispatcher struct {
	channels []Channel
	limiter  *rate.Limiter
	queue    chan Notification
	log      logr.Logger
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	Channels []Channel

	// MaxPerMinute is the sustained delivery rate across all channels.
	MaxPerMinute int
	// Burst allowed above the sustained rate.
	Burst int

	Log logr.Logger
}

// NewDispatcher creates a new notification dispatcher.
func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	maxPerMinute := opts.MaxPerMinute
	if maxPerMinute <= 0 {
		maxPerMinute = 50
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 10
	}
	return &Dispatcher{
		channels: opts.Channels,
		limiter:  rate.NewLimiter(rate.Limit(float64(maxPerMinute)/60.0), burst),
		queue:    make(chan Notification, queueCapacity),
		log:      opts.Log,
	}
}

// Sink adapts the dispatcher to the history recorder. Events nobody
// notifies on are dropped immediately; when the queue is full the event
// is dropped rather than blocking the recorder.
func (d *Dispatcher) Sink() history.Sink {
	return func(e history.Event) {
		n, ok := FromEvent(e)
		if !ok {
			return
		}
		select {
		case d.queue <- n:
		default:
			d.log.V(1).Info("notification queue full, dropping event",
				"type", string(e.Type), "id", e.ID)
		}
	}
}

// Start drains the queue until the context is cancelled. It implements
// the manager.Runnable interface.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.log.Info("Starting notification dispatcher", "channels", len(d.channels))
	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-d.queue:
			if !d.limiter.Allow() {
				d.log.V(1).Info("notification rate limit exceeded, dropping",
					"type", string(n.Event.Type))
				continue
			}
			d.deliver(ctx, n)
		}
	}
}

// NeedLeaderElection indicates the dispatcher runs on all replicas.
func (d *Dispatcher) NeedLeaderElection() bool {
	return false
}

func (d *Dispatcher) deliver(ctx context.Context, n Notification) {
	for _, ch := range d.channels {
		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := ch.Send(sendCtx, n)
		cancel()

		if err != nil {
			metrics.RecordNotification(ch.Name(), "error")
			d.log.Error(err, "notification delivery failed",
				"channel", ch.Name(), "type", string(n.Event.Type))
			continue
		}
		metrics.RecordNotification(ch.Name(), "sent")
	}
}

// BuildChannels constructs delivery channels from configuration. Secret
// references without a namespace resolve in the given namespace.
func BuildChannels(c client.Client, namespace string, cfgs []config.ChannelConfig) ([]Channel, error) {
	channels := make([]Channel, 0, len(cfgs))
	for _, cfg := range cfgs {
		if cfg.URLSecretRef.Name != "" && cfg.URLSecretRef.Namespace == "" {
			cfg.URLSecretRef.Namespace = namespace
		}

		var (
			ch  Channel
			err error
		)
		switch cfg.Type {
		case "slack":
			ch, err = NewSlackChannel(c, cfg)
		case "webhook":
			ch, err = NewWebhookChannel(c, cfg)
		default:
			return nil, fmt.Errorf("channel %s: unknown type %q", cfg.Name, cfg.Type)
		}
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	return channels, nil
}
