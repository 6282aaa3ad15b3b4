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

package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/kube-freezer/kube-freezer/internal/history"
	"github.com/kube-freezer/kube-freezer/internal/schedule"
)

const maxLoadBackoff = 30 * time.Second

// InitialLoader fetches the policy, schedules, and persisted history
// ConfigMaps once at startup, before the informer cache and webhook
// traffic exist. It reads through the API directly so a replica never
// serves admission decisions from an empty policy. Missing ConfigMaps
// are fine; unreachable API servers are retried with capped exponential
// backoff.
type InitialLoader struct {
	// Reader must bypass the cache (manager.GetAPIReader)
	Reader     client.Reader
	Reconciler *PolicyReconciler
	Recorder   *history.Recorder
	Log        logr.Logger

	Namespace              string
	ConfigMapName          string
	SchedulesConfigMapName string
	HistoryConfigMapName   string

	ready atomic.Bool
}

// Ready reports whether the initial load has completed.
func (l *InitialLoader) Ready() bool {
	return l.ready.Load()
}

// ReadyCheck gates the readiness probe on the initial load so traffic
// is not routed to a replica that would deny everything.
func (l *InitialLoader) ReadyCheck(_ *http.Request) error {
	if !l.ready.Load() {
		return fmt.Errorf("initial policy load has not completed")
	}
	return nil
}

// NeedLeaderElection keeps the loader running on every replica; the
// webhook serves on all of them.
func (l *InitialLoader) NeedLeaderElection() bool {
	return false
}

// Start runs the initial load and returns once it succeeds or the
// manager shuts down.
func (l *InitialLoader) Start(ctx context.Context) error {
	delay := 1 * time.Second
	for {
		err := l.loadOnce(ctx)
		if err == nil {
			l.ready.Store(true)
			l.Log.Info("initial policy state loaded")
			return nil
		}

		l.Log.Error(err, "initial policy load failed", "retryIn", delay.String())
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxLoadBackoff {
			delay = maxLoadBackoff
		}
	}
}

func (l *InitialLoader) loadOnce(ctx context.Context) error {
	// Persisted event history comes first: hydration resets the ring, so
	// anything recorded while applying the payloads below must land on
	// top of the restored events, not be wiped by them.
	histCM := &corev1.ConfigMap{}
	err := l.Reader.Get(ctx, types.NamespacedName{Namespace: l.Namespace, Name: l.HistoryConfigMapName}, histCM)
	switch {
	case err == nil:
		if payload := histCM.Data[history.ConfigMapKey]; payload != "" {
			var events []history.Event
			if jerr := json.Unmarshal([]byte(payload), &events); jerr != nil {
				l.Log.Error(jerr, "persisted history is unreadable, starting empty")
			} else {
				n := l.Recorder.Hydrate(events)
				l.Log.Info("restored event history", "events", n)
			}
		}
	case apierrors.IsNotFound(err):
	default:
		return fmt.Errorf("fetching %s: %w", l.HistoryConfigMapName, err)
	}

	// Freeze settings
	var data map[string]string
	cm := &corev1.ConfigMap{}
	err = l.Reader.Get(ctx, types.NamespacedName{Namespace: l.Namespace, Name: l.ConfigMapName}, cm)
	switch {
	case err == nil:
		data = cm.Data
	case apierrors.IsNotFound(err):
		// Defaults apply until the ConfigMap is created.
	default:
		return fmt.Errorf("fetching %s: %w", l.ConfigMapName, err)
	}
	if aerr := l.Reconciler.ApplyConfig(ctx, data, TriggerStartup); aerr != nil {
		// Already recorded as CONFIG_INVALID; defaults stay active.
		l.Log.Error(aerr, "stored freeze settings are invalid, starting with defaults")
	}

	// Schedules
	raw := ""
	schedCM := &corev1.ConfigMap{}
	err = l.Reader.Get(ctx, types.NamespacedName{Namespace: l.Namespace, Name: l.SchedulesConfigMapName}, schedCM)
	switch {
	case err == nil:
		raw = schedCM.Data[schedule.ConfigMapKey]
	case apierrors.IsNotFound(err):
	default:
		return fmt.Errorf("fetching %s: %w", l.SchedulesConfigMapName, err)
	}
	if aerr := l.Reconciler.ApplySchedules(ctx, raw, TriggerStartup); aerr != nil {
		l.Log.Error(aerr, "stored schedules are invalid, starting with none")
	}

	return nil
}
