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

package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/kube-freezer/kube-freezer/internal/history"
)

// finalFlushTimeout bounds the last flush during shutdown, when the
// manager context is already cancelled.
const finalFlushTimeout = 5 * time.Second

// HistoryFlusher periodically persists the in-memory event ring to a
// ConfigMap so a restarted replica can restore recent history. The
// archive remains the durable record; the ConfigMap carries only the
// ring's working set across restarts. Runs on the leader only.
type HistoryFlusher struct {
	client        client.Client
	recorder      *history.Recorder
	namespace     string
	configMapName string
	interval      time.Duration
	lastPayload   string
	stopCh        chan struct{}
	running       bool
	mu            sync.Mutex
}

// NewHistoryFlusher creates a new history flusher
func NewHistoryFlusher(c client.Client, rec *history.Recorder, namespace, configMapName string, interval time.Duration) *HistoryFlusher {
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	return &HistoryFlusher{
		client:        c,
		recorder:      rec,
		namespace:     namespace,
		configMapName: configMapName,
		interval:      interval,
		stopCh:        make(chan struct{}),
	}
}

// Start begins the flush loop
func (f *HistoryFlusher) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return nil
	}
	f.running = true
	f.mu.Unlock()

	logger := log.FromContext(ctx)
	logger.Info("starting history flusher", "configMap", f.configMapName, "interval", f.interval)

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.finalFlush(ctx)
			return ctx.Err()
		case <-f.stopCh:
			f.finalFlush(ctx)
			return nil
		case <-ticker.C:
			f.flush(ctx)
		}
	}
}

// Stop halts the flusher
func (f *HistoryFlusher) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		close(f.stopCh)
		f.running = false
	}
}

// SetInterval changes the flush interval
func (f *HistoryFlusher) SetInterval(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interval = d
}

// finalFlush writes events recorded since the last tick. The loop
// context is already cancelled at this point, so the write runs on a
// fresh one.
func (f *HistoryFlusher) finalFlush(parent context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), finalFlushTimeout)
	defer cancel()
	f.flush(ctx)
}

func (f *HistoryFlusher) flush(ctx context.Context) {
	logger := log.FromContext(ctx)

	events := f.recorder.Snapshot()
	payload, err := json.Marshal(events)
	if err != nil {
		logger.Error(err, "failed to encode event history")
		return
	}

	f.mu.Lock()
	unchanged := string(payload) == f.lastPayload
	f.mu.Unlock()
	if unchanged {
		return
	}
	if len(events) == 0 && f.lastPayloadEmpty() {
		// Nothing recorded yet; don't create an empty ConfigMap.
		return
	}

	cm := &corev1.ConfigMap{}
	err = f.client.Get(ctx, types.NamespacedName{Namespace: f.namespace, Name: f.configMapName}, cm)
	switch {
	case apierrors.IsNotFound(err):
		cm = &corev1.ConfigMap{
			ObjectMeta: metav1.ObjectMeta{Namespace: f.namespace, Name: f.configMapName},
			Data:       map[string]string{history.ConfigMapKey: string(payload)},
		}
		err = f.client.Create(ctx, cm)
	case err == nil:
		if cm.Data == nil {
			cm.Data = map[string]string{}
		}
		cm.Data[history.ConfigMapKey] = string(payload)
		err = f.client.Update(ctx, cm)
	}
	if err != nil {
		logger.Error(err, "failed to flush event history")
		return
	}

	f.mu.Lock()
	f.lastPayload = string(payload)
	f.mu.Unlock()
	logger.V(1).Info("flushed event history", "events", len(events))
}

func (f *HistoryFlusher) lastPayloadEmpty() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastPayload == ""
}
