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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/predicate"

	"github.com/kube-freezer/kube-freezer/internal/history"
	"github.com/kube-freezer/kube-freezer/internal/metrics"
	"github.com/kube-freezer/kube-freezer/internal/policy"
	"github.com/kube-freezer/kube-freezer/internal/schedule"
)

// Trigger labels recorded on history events raised while applying a
// payload. API handlers pass their own "api:<user>" labels instead.
const (
	TriggerStartup          = "startup"
	TriggerConfigMapUpdate  = "configmap-update"
	TriggerConfigMapDeleted = "configmap-deleted"
)

// PolicyReconciler watches the freeze settings and schedules ConfigMaps
// and projects their content into the shared policy cache and schedule
// engine. Invalid payloads are rejected as a whole; the previous state
// stays active until a valid payload arrives.
type PolicyReconciler struct {
	client.Client
	Scheme *runtime.Scheme

	// Namespace and names of the watched ConfigMaps
	Namespace              string
	ConfigMapName          string
	SchedulesConfigMapName string

	Cache    *policy.Cache
	Engine   *schedule.Engine
	Recorder *history.Recorder

	// mu serializes Apply* so the hash guards and the shared state they
	// protect move together. The REST API calls Apply* directly after
	// writing a ConfigMap; the guards turn the follow-up watch event
	// into a no-op.
	mu            sync.Mutex
	configHash    string
	schedulesHash string
}

// +kubebuilder:rbac:groups="",resources=configmaps,verbs=get;list;watch;create;update;patch
// +kubebuilder:rbac:groups="",resources=secrets,verbs=get;list;watch
// +kubebuilder:rbac:groups=authentication.k8s.io,resources=tokenreviews,verbs=create

// Reconcile handles changes to the watched ConfigMaps
func (r *PolicyReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	if req.Namespace != r.Namespace {
		return ctrl.Result{}, nil
	}

	switch req.Name {
	case r.ConfigMapName:
		cm := &corev1.ConfigMap{}
		if err := r.Get(ctx, req.NamespacedName, cm); err != nil {
			if client.IgnoreNotFound(err) == nil {
				// Deletion falls back to the built-in defaults.
				if aerr := r.ApplyConfig(ctx, nil, TriggerConfigMapDeleted); aerr != nil {
					logger.Error(aerr, "failed to reset freeze settings")
				}
				return ctrl.Result{}, nil
			}
			return ctrl.Result{}, err
		}
		if err := r.ApplyConfig(ctx, cm.Data, TriggerConfigMapUpdate); err != nil {
			// A bad payload is not retryable; keep the previous snapshot
			// and wait for the next edit.
			logger.Error(err, "rejected freeze settings update", "configmap", req.Name)
		}

	case r.SchedulesConfigMapName:
		cm := &corev1.ConfigMap{}
		if err := r.Get(ctx, req.NamespacedName, cm); err != nil {
			if client.IgnoreNotFound(err) == nil {
				if aerr := r.ApplySchedules(ctx, "", TriggerConfigMapDeleted); aerr != nil {
					logger.Error(aerr, "failed to clear schedules")
				}
				return ctrl.Result{}, nil
			}
			return ctrl.Result{}, err
		}
		if err := r.ApplySchedules(ctx, cm.Data[schedule.ConfigMapKey], TriggerConfigMapUpdate); err != nil {
			logger.Error(err, "rejected schedules update", "configmap", req.Name)
		}
	}

	return ctrl.Result{}, nil
}

// ApplyConfig parses and installs a freeze settings payload. Identical
// payloads are skipped; invalid ones record CONFIG_INVALID and leave the
// previous snapshot active. trigger names the actor for the event log.
func (r *PolicyReconciler) ApplyConfig(ctx context.Context, data map[string]string, trigger string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	hash := hashDataMap(data)
	if hash == r.configHash {
		return nil
	}

	cfg, err := policy.ParseConfig(data)
	if err != nil {
		metrics.RecordConfigReloadError()
		r.Recorder.Record(history.Event{
			Type:        history.ConfigInvalid,
			Reason:      err.Error(),
			TriggeredBy: trigger,
		})
		return err
	}

	prev := r.Cache.Load()
	r.Cache.Store(cfg)
	r.configHash = hash

	// A startup load restores persisted state rather than transitioning
	// it; the original flip events are already in the restored history.
	if cfg.FreezeEnabled != prev.FreezeEnabled && trigger != TriggerStartup {
		if cfg.FreezeEnabled {
			r.Recorder.Record(history.Event{
				Type:        history.FreezeEnabled,
				Reason:      cfg.FreezeMessage,
				TriggeredBy: trigger,
			})
		} else {
			r.Recorder.Record(history.Event{
				Type:        history.FreezeDisabled,
				Reason:      "manual freeze lifted",
				TriggeredBy: trigger,
			})
		}
	}

	log.FromContext(ctx).V(1).Info("applied freeze settings",
		"freezeEnabled", cfg.FreezeEnabled,
		"monitoredKinds", cfg.MonitoredKindList(),
		"trigger", trigger)
	return nil
}

// ApplySchedules parses and installs a schedules payload, emitting
// SCHEDULE_CREATED and SCHEDULE_DELETED events for the difference
// against the current set. An empty payload clears all schedules.
func (r *PolicyReconciler) ApplySchedules(ctx context.Context, raw string, trigger string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	hash := hashString(raw)
	if hash == r.schedulesHash {
		return nil
	}

	schedules, err := schedule.ParseList([]byte(raw))
	if err != nil {
		metrics.RecordConfigReloadError()
		r.Recorder.Record(history.Event{
			Type:        history.ConfigInvalid,
			Reason:      err.Error(),
			TriggeredBy: trigger,
		})
		return err
	}

	added, removed := r.Engine.Replace(schedules)
	r.schedulesHash = hash

	// Restoring schedules at startup is not a change to the stored set.
	if trigger != TriggerStartup {
		for _, name := range added {
			r.Recorder.Record(history.Event{
				Type:         history.ScheduleCreated,
				Reason:       fmt.Sprintf("schedule %q added", name),
				TriggeredBy:  trigger,
				ResourceName: name,
			})
		}
		for _, name := range removed {
			r.Recorder.Record(history.Event{
				Type:         history.ScheduleDeleted,
				Reason:       fmt.Sprintf("schedule %q removed", name),
				TriggeredBy:  trigger,
				ResourceName: name,
			})
		}
	}

	logger := log.FromContext(ctx)
	for _, s := range schedules {
		if s.Kind() == schedule.KindInvalid {
			logger.Info("schedule has no usable window and will never activate",
				"schedule", s.Name)
		}
	}

	logger.V(1).Info("applied schedules",
		"total", len(schedules), "added", len(added), "removed", len(removed), "trigger", trigger)
	return nil
}

// SetupWithManager sets up the controller with the Manager.
func (r *PolicyReconciler) SetupWithManager(mgr ctrl.Manager) error {
	watched := predicate.NewPredicateFuncs(func(obj client.Object) bool {
		if obj.GetNamespace() != r.Namespace {
			return false
		}
		return obj.GetName() == r.ConfigMapName || obj.GetName() == r.SchedulesConfigMapName
	})

	return ctrl.NewControllerManagedBy(mgr).
		For(&corev1.ConfigMap{}, builder.WithPredicates(watched)).
		Named("freezepolicy").
		Complete(r)
}

func hashDataMap(data map[string]string) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(data[k]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
