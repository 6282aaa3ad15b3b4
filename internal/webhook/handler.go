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

// Package webhook serves the validating admission endpoint. It translates
// AdmissionReview payloads into evaluator requests and verdicts back into
// admission responses; every policy rule lives behind the evaluator.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	ctrl "sigs.k8s.io/controller-runtime"
	crwebhook "sigs.k8s.io/controller-runtime/pkg/webhook"
	"sigs.k8s.io/controller-runtime/pkg/webhook/admission"

	"github.com/kube-freezer/kube-freezer/internal/metrics"
	"github.com/kube-freezer/kube-freezer/internal/policy"
)

// Path is where the handler is registered on the manager's webhook server.
const Path = "/admission"

// Handler answers validating AdmissionReview requests with the evaluator's
// verdict.
type Handler struct {
	Evaluator *policy.Evaluator
	Log       logr.Logger

	// Ready gates traffic until the initial policy load has completed.
	// A nil Ready admits traffic immediately.
	Ready func() bool

	// Timeout bounds a single evaluation; zero leaves it unbounded.
	Timeout time.Duration
}

// SetupWithManager registers the handler on the manager's webhook server.
func (h *Handler) SetupWithManager(mgr ctrl.Manager) {
	mgr.GetWebhookServer().Register(Path, &crwebhook.Admission{Handler: h})
}

// Handle implements admission.Handler. Dry-run reviews are evaluated
// without side effects and always allowed; a would-be denial comes back
// as a warning instead.
func (h *Handler) Handle(ctx context.Context, req admission.Request) admission.Response {
	if h.Ready != nil && !h.Ready() {
		return admission.Errored(http.StatusServiceUnavailable,
			errors.New("initial policy load has not completed"))
	}

	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}

	evalReq := fromAdmission(req)
	start := time.Now()

	if req.DryRun != nil && *req.DryRun {
		dec := h.Evaluator.Preview(ctx, evalReq)
		metrics.ObserveAdmissionDuration(evalReq.Kind, time.Since(start).Seconds())
		if dec.Allow {
			return admission.Allowed(dec.Message)
		}
		return admission.Allowed("").WithWarnings("Would be blocked: " + dec.Message)
	}

	dec := h.Evaluator.Evaluate(ctx, evalReq)
	metrics.ObserveAdmissionDuration(evalReq.Kind, time.Since(start).Seconds())
	recordDecision(evalReq, dec)

	if dec.Allow {
		h.Log.V(1).Info("Allowed admission request",
			"kind", evalReq.Kind,
			"namespace", evalReq.Namespace,
			"name", evalReq.ResourceName,
			"category", dec.Category)
		return admission.Allowed(dec.Message)
	}

	h.Log.Info("Denied admission request",
		"kind", evalReq.Kind,
		"namespace", evalReq.Namespace,
		"name", evalReq.ResourceName,
		"user", evalReq.User,
		"category", dec.Category)
	return admission.Denied(dec.Message)
}

func recordDecision(req policy.AdmissionRequest, dec policy.Decision) {
	decision := "allowed"
	if !dec.Allow {
		decision = "denied"
	}
	metrics.RecordAdmission(decision, req.Kind, req.Namespace)

	switch dec.Category {
	case policy.CategoryBypassAnnotation:
		metrics.RecordBypass("annotation", req.Namespace)
	case policy.CategoryBypassUser:
		metrics.RecordBypass("user", req.Namespace)
	case policy.CategoryBypassNamespace:
		metrics.RecordBypass("namespace", req.Namespace)
	case policy.CategoryBypassExemption:
		metrics.RecordBypass("exemption", req.Namespace)
	}
}

// fromAdmission flattens the review payload into the evaluator's
// transport-independent request. DELETE reviews carry the object in
// OldObject; only the metadata section of the raw object is decoded.
func fromAdmission(req admission.Request) policy.AdmissionRequest {
	raw := req.Object.Raw
	if len(raw) == 0 {
		raw = req.OldObject.Raw
	}

	name := req.Name
	var annotations map[string]string
	if len(raw) > 0 {
		var partial metav1.PartialObjectMetadata
		if err := json.Unmarshal(raw, &partial); err == nil {
			annotations = partial.GetAnnotations()
			if name == "" {
				name = partial.GetName()
			}
		}
	}

	return policy.AdmissionRequest{
		UID:          string(req.UID),
		Kind:         req.Kind.Kind,
		Namespace:    req.Namespace,
		ResourceName: name,
		Operation:    policy.Operation(req.Operation),
		User:         req.UserInfo.Username,
		Groups:       req.UserInfo.Groups,
		Annotations:  annotations,
	}
}
