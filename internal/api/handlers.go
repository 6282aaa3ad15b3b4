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

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/kube-freezer/kube-freezer/internal/exemption"
	"github.com/kube-freezer/kube-freezer/internal/history"
	"github.com/kube-freezer/kube-freezer/internal/policy"
	"github.com/kube-freezer/kube-freezer/internal/schedule"
	"github.com/kube-freezer/kube-freezer/internal/store"
)

// Applier pushes a validated payload into the live policy after the
// backing ConfigMap has been written, so callers see their change take
// effect before the watch delivers the same payload again. The
// controller's reconciler is the production implementation; its hash
// guards turn the follow-up watch event into a no-op.
type Applier interface {
	ApplyConfig(ctx context.Context, data map[string]string, trigger string) error
	ApplySchedules(ctx context.Context, raw string, trigger string) error
}

// Handlers contains all API handlers
type Handlers struct {
	client     client.Client
	cache      *policy.Cache
	engine     *schedule.Engine
	exemptions *exemption.Store
	recorder   *history.Recorder
	archive    store.Archive
	evaluator  *policy.Evaluator
	applier    Applier
	clock      clock.PassiveClock
	ready      func() bool
	startTime  time.Time

	namespace              string
	configMapName          string
	schedulesConfigMapName string
}

// NewHandlers creates a new Handlers instance from the server options.
func NewHandlers(opts ServerOptions, startTime time.Time) *Handlers {
	clk := opts.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	ready := opts.Ready
	if ready == nil {
		ready = func() bool { return true }
	}
	return &Handlers{
		client:                 opts.Client,
		cache:                  opts.Cache,
		engine:                 opts.Engine,
		exemptions:             opts.Exemptions,
		recorder:               opts.Recorder,
		archive:                opts.Archive,
		evaluator:              opts.Evaluator,
		applier:                opts.Applier,
		clock:                  clk,
		ready:                  ready,
		startTime:              startTime,
		namespace:              opts.Namespace,
		configMapName:          opts.ConfigMapName,
		schedulesConfigMapName: opts.SchedulesConfigMapName,
	}
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// decodeBody decodes a JSON request body. An empty body leaves the
// target at its zero value.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// readConfigMap fetches a policy ConfigMap and returns a mutable copy of
// its data. A missing ConfigMap yields a nil object and an empty map, so
// the caller can create it on write.
func (h *Handlers) readConfigMap(ctx context.Context, name string) (*corev1.ConfigMap, map[string]string, error) {
	cm := &corev1.ConfigMap{}
	err := h.client.Get(ctx, types.NamespacedName{Namespace: h.namespace, Name: name}, cm)
	if apierrors.IsNotFound(err) {
		return nil, map[string]string{}, nil
	}
	if err != nil {
		return nil, nil, err
	}
	data := make(map[string]string, len(cm.Data))
	for k, v := range cm.Data {
		data[k] = v
	}
	return cm, data, nil
}

// writeConfigMap persists mutated data, creating the ConfigMap when it
// did not exist yet.
func (h *Handlers) writeConfigMap(ctx context.Context, cm *corev1.ConfigMap, name string, data map[string]string) error {
	if cm == nil {
		cm = &corev1.ConfigMap{
			ObjectMeta: metav1.ObjectMeta{Namespace: h.namespace, Name: name},
			Data:       data,
		}
		return h.client.Create(ctx, cm)
	}
	cm.Data = data
	return h.client.Update(ctx, cm)
}

// GetHealth handles GET /api/v1/health
func (h *Handlers) GetHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status := "healthy"
	storageStatus := "not configured"
	if h.archive != nil {
		storageStatus = "connected"
		if err := h.archive.Health(ctx); err != nil {
			storageStatus = "error: " + err.Error()
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  status,
		Storage: storageStatus,
		Ready:   h.ready(),
		Version: Version,
		Uptime:  time.Since(h.startTime).Round(time.Second).String(),
	})
}

// statusResponse assembles the freeze state as seen at this instant.
// Namespace narrows the window check the same way admission does.
func (h *Handlers) statusResponse(namespace string) StatusResponse {
	cfg := h.cache.Load()
	now := h.clock.Now()

	frozen, matches := h.engine.IsActive(now, namespace, cfg.Override())
	windows := make([]WindowInfo, 0, len(matches))
	for _, m := range matches {
		windows = append(windows, WindowInfo{Name: m.Name, Message: m.Message, Until: m.Until})
	}

	return StatusResponse{
		Frozen:           frozen,
		FreezeEnabled:    cfg.FreezeEnabled,
		FreezeUntil:      cfg.FreezeUntil,
		Message:          cfg.FreezeMessage,
		Windows:          windows,
		MonitoredKinds:   cfg.MonitoredKindList(),
		FailClosed:       cfg.FailClosed,
		ScheduleCount:    h.engine.Len(),
		ActiveExemptions: h.exemptions.ActiveCount(now),
	}
}

// GetStatus handles GET /api/v1/freeze/status
func (h *Handlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.statusResponse(r.URL.Query().Get("namespace")))
}

// EnableFreeze handles POST /api/v1/freeze/enable
func (h *Handlers) EnableFreeze(w http.ResponseWriter, r *http.Request) {
	var body FreezeRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid request body: "+err.Error())
		return
	}

	h.setFreeze(w, r, func(data map[string]string) {
		data[policy.KeyFreezeEnabled] = "true"
		if body.Message != "" {
			data[policy.KeyFreezeMessage] = body.Message
		}
		if body.Until != nil {
			data[policy.KeyFreezeUntil] = body.Until.UTC().Format(time.RFC3339)
		} else {
			delete(data, policy.KeyFreezeUntil)
		}
	})
}

// DisableFreeze handles POST /api/v1/freeze/disable
func (h *Handlers) DisableFreeze(w http.ResponseWriter, r *http.Request) {
	h.setFreeze(w, r, func(data map[string]string) {
		data[policy.KeyFreezeEnabled] = "false"
		delete(data, policy.KeyFreezeUntil)
	})
}

// setFreeze mutates the policy ConfigMap and applies the result. The
// merged payload is validated before anything is written, so a
// hand-edited ConfigMap with a broken key cannot be made worse through
// the API.
func (h *Handlers) setFreeze(w http.ResponseWriter, r *http.Request, mutate func(map[string]string)) {
	ctx := r.Context()

	cm, data, err := h.readConfigMap(ctx, h.configMapName)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", err.Error())
		return
	}

	mutate(data)

	if _, err := policy.ParseConfig(data); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "INVALID_CONFIG", err.Error())
		return
	}
	if err := h.writeConfigMap(ctx, cm, h.configMapName, data); err != nil {
		writeError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", err.Error())
		return
	}
	if err := h.applier.ApplyConfig(ctx, data, "api:"+UserFromContext(ctx)); err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, h.statusResponse(""))
}

// ListSchedules handles GET /api/v1/freeze/schedules
func (h *Handlers) ListSchedules(w http.ResponseWriter, r *http.Request) {
	now := h.clock.Now()

	items := make([]ScheduleInfo, 0, h.engine.Len())
	for _, sched := range h.engine.List() {
		items = append(items, ScheduleInfo{
			Spec:           sched.ToSpec(),
			Kind:           string(sched.Kind()),
			Active:         sched.ActiveAt(now),
			NextActivation: sched.NextActivation(now),
		})
	}

	writeJSON(w, http.StatusOK, ScheduleListResponse{Items: items, Count: len(items)})
}

// UpsertSchedule handles POST /api/v1/freeze/schedules. Posting an
// existing name replaces that schedule in place.
func (h *Handlers) UpsertSchedule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var spec schedule.Spec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid request body: "+err.Error())
		return
	}
	sched, err := schedule.New(spec)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}

	cm, data, err := h.readConfigMap(ctx, h.schedulesConfigMapName)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", err.Error())
		return
	}
	specs, err := storedSchedules(data)
	if err != nil {
		writeError(w, http.StatusConflict, "INVALID_STATE",
			"stored schedule list is not valid JSON; repair the ConfigMap before using the API")
		return
	}

	replaced := false
	for i := range specs {
		if specs[i].Name == spec.Name {
			specs[i] = spec
			replaced = true
			break
		}
	}
	if !replaced {
		specs = append(specs, spec)
	}

	raw, err := json.Marshal(specs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	// The new spec is valid on its own; make sure the merged list still
	// parses as a whole before anything is written.
	if _, err := schedule.ParseList(raw); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "INVALID_CONFIG", err.Error())
		return
	}

	data[schedule.ConfigMapKey] = string(raw)
	if err := h.writeConfigMap(ctx, cm, h.schedulesConfigMapName, data); err != nil {
		writeError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", err.Error())
		return
	}
	if err := h.applier.ApplySchedules(ctx, string(raw), "api:"+UserFromContext(ctx)); err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	now := h.clock.Now()
	status := http.StatusOK
	if !replaced {
		status = http.StatusCreated
	}
	writeJSON(w, status, ScheduleInfo{
		Spec:           sched.ToSpec(),
		Kind:           string(sched.Kind()),
		Active:         sched.ActiveAt(now),
		NextActivation: sched.NextActivation(now),
	})
}

// DeleteSchedule handles DELETE /api/v1/freeze/schedules/{name}
func (h *Handlers) DeleteSchedule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "name")

	cm, data, err := h.readConfigMap(ctx, h.schedulesConfigMapName)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", err.Error())
		return
	}
	specs, err := storedSchedules(data)
	if err != nil {
		writeError(w, http.StatusConflict, "INVALID_STATE",
			"stored schedule list is not valid JSON; repair the ConfigMap before using the API")
		return
	}

	kept := make([]schedule.Spec, 0, len(specs))
	found := false
	for _, sp := range specs {
		if sp.Name == name {
			found = true
			continue
		}
		kept = append(kept, sp)
	}
	if !found {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("schedule %q not found", name))
		return
	}

	raw, err := json.Marshal(kept)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	data[schedule.ConfigMapKey] = string(raw)
	if err := h.writeConfigMap(ctx, cm, h.schedulesConfigMapName, data); err != nil {
		writeError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", err.Error())
		return
	}
	if err := h.applier.ApplySchedules(ctx, string(raw), "api:"+UserFromContext(ctx)); err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, SimpleResponse{
		Success: true,
		Message: fmt.Sprintf("Schedule %q removed", name),
	})
}

// storedSchedules decodes the schedule list out of ConfigMap data. The
// stored list is user-editable, so garbage is a conflict the caller must
// surface, not an internal error.
func storedSchedules(data map[string]string) ([]schedule.Spec, error) {
	raw := strings.TrimSpace(data[schedule.ConfigMapKey])
	if raw == "" {
		return nil, nil
	}
	var specs []schedule.Spec
	if err := json.Unmarshal([]byte(raw), &specs); err != nil {
		return nil, err
	}
	return specs, nil
}

// ListExemptions handles GET /api/v1/freeze/exemptions
func (h *Handlers) ListExemptions(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	items := h.exemptions.List(activeOnly)
	writeJSON(w, http.StatusOK, ExemptionListResponse{Items: items, Count: len(items)})
}

// CreateExemption handles POST /api/v1/freeze/exemptions
func (h *Handlers) CreateExemption(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var e exemption.Exemption
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid request body: "+err.Error())
		return
	}
	// Identifiers are server-assigned.
	e.ID = ""

	created, err := h.exemptions.Create(e)
	if err != nil {
		if errors.Is(err, exemption.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	h.recorder.Record(history.Event{
		Type:         history.ExemptionCreated,
		Reason:       created.Reason,
		TriggeredBy:  "api:" + UserFromContext(ctx),
		Namespace:    created.Namespace,
		ResourceName: created.ResourceName,
	})

	writeJSON(w, http.StatusCreated, created)
}

// GetExemption handles GET /api/v1/freeze/exemptions/{id}
func (h *Handlers) GetExemption(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	e, ok := h.exemptions.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("exemption %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// DeleteExemption handles DELETE /api/v1/freeze/exemptions/{id}
func (h *Handlers) DeleteExemption(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	removed, ok := h.exemptions.Delete(id)
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("exemption %q not found", id))
		return
	}

	h.recorder.Record(history.Event{
		Type:         history.ExemptionDeleted,
		Reason:       "revoked via API",
		TriggeredBy:  "api:" + UserFromContext(ctx),
		Namespace:    removed.Namespace,
		ResourceName: removed.ResourceName,
	})

	writeJSON(w, http.StatusOK, SimpleResponse{
		Success: true,
		Message: fmt.Sprintf("Exemption %q deleted", id),
	})
}

// GetHistory handles GET /api/v1/freeze/history, served from the
// in-memory ring, most recent first.
func (h *Handlers) GetHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	filter := history.Filter{
		Type:      history.EventType(r.URL.Query().Get("type")),
		Namespace: r.URL.Query().Get("namespace"),
	}

	items := h.recorder.List(limit, filter)
	writeJSON(w, http.StatusOK, HistoryResponse{Items: items, Count: len(items)})
}

// GetEvents handles GET /api/v1/freeze/events, served from the archive
// with offset pagination. Without an archive the listing is empty rather
// than an error; the in-memory history endpoint still works.
func (h *Handlers) GetEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	q := store.EventQuery{Limit: 50}
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			q.Limit = parsed
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			q.Offset = parsed
		}
	}
	if v := r.URL.Query().Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", "since must be RFC3339: "+err.Error())
			return
		}
		q.Since = &since
	}
	q.Type = r.URL.Query().Get("type")
	q.Namespace = r.URL.Query().Get("namespace")

	if h.archive == nil {
		writeJSON(w, http.StatusOK, EventListResponse{
			Items:      []history.Event{},
			Pagination: Pagination{Limit: q.Limit, Offset: q.Offset},
		})
		return
	}

	rows, total, err := h.archive.ListEvents(ctx, q)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", err.Error())
		return
	}

	items := make([]history.Event, 0, len(rows))
	for i := range rows {
		items = append(items, rows[i].ToEvent())
	}

	writeJSON(w, http.StatusOK, EventListResponse{
		Items: items,
		Pagination: Pagination{
			Total:   total,
			Limit:   q.Limit,
			Offset:  q.Offset,
			HasMore: int64(q.Offset+len(rows)) < total,
		},
	})
}

// Evaluate handles POST /api/v1/dryrun/evaluate. It runs the full policy
// chain without consuming exemptions or recording events.
func (h *Handlers) Evaluate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body EvaluateRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid request body: "+err.Error())
		return
	}
	if body.Kind == "" {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "kind is required")
		return
	}
	if body.Namespace == "" {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "namespace is required")
		return
	}
	op := policy.Operation(strings.ToUpper(body.Operation))
	if body.Operation == "" {
		op = policy.OperationUpdate
	}

	dec := h.evaluator.Preview(ctx, policy.AdmissionRequest{
		Kind:         body.Kind,
		Namespace:    body.Namespace,
		ResourceName: body.ResourceName,
		Operation:    op,
		User:         body.User,
		Groups:       body.Groups,
		Annotations:  body.Annotations,
	})

	writeJSON(w, http.StatusOK, EvaluateResponse{
		Allowed:     dec.Allow,
		Category:    string(dec.Category),
		Message:     dec.Message,
		ExemptionID: dec.ExemptionID,
		Windows:     schedule.ActiveNames(dec.Matches),
	})
}
