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
	"bytes"
	"context"
	"fmt"
	"net/http"
	"text/template"

	"golang.org/x/time/rate"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/kube-freezer/kube-freezer/internal/config"
)

type webhookChannel struct {
	name        string
	client      client.Client
	url         string
	urlRef      config.SecretKeyRef
	method      string
	headers     map[string]string
	template    *template.Template
	rateLimiter *rate.Limiter
}

// NewWebhookChannel creates a new generic webhook channel
func NewWebhookChannel(c client.Client, cfg config.ChannelConfig) (Channel, error) {
	if cfg.URL == "" && cfg.URLSecretRef.Name == "" {
		return nil, fmt.Errorf("channel %s: url or url-secret-ref is required", cfg.Name)
	}

	wc := &webhookChannel{
		name:    cfg.Name,
		client:  c,
		url:     cfg.URL,
		urlRef:  cfg.URLSecretRef,
		method:  cfg.Method,
		headers: cfg.Headers,
	}

	if wc.method == "" {
		wc.method = "POST"
	}

	tmplStr := defaultWebhookTemplate
	if cfg.Template != "" {
		tmplStr = cfg.Template
	}
	tmpl, err := template.New("webhook").Funcs(templateFuncs).Parse(tmplStr)
	if err != nil {
		return nil, fmt.Errorf("invalid template: %w", err)
	}
	wc.template = tmpl
	wc.rateLimiter = newChannelLimiter(cfg)

	return wc, nil
}

// Name returns the channel name
func (w *webhookChannel) Name() string {
	return w.name
}

// Type returns the channel type
func (w *webhookChannel) Type() string {
	return "webhook"
}

// Send delivers a notification via webhook
func (w *webhookChannel) Send(ctx context.Context, n Notification) error {
	if !w.rateLimiter.Allow() {
		return fmt.Errorf("rate limit exceeded for channel %s", w.name)
	}

	url, err := w.deliveryURL(ctx)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := w.template.Execute(&buf, n); err != nil {
		return fmt.Errorf("failed to render template: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, w.method, url, &buf)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}

func (w *webhookChannel) deliveryURL(ctx context.Context) (string, error) {
	if w.urlRef.Name != "" {
		return valueFromSecret(ctx, w.client, w.urlRef)
	}
	return w.url, nil
}

var defaultWebhookTemplate = `{
  "id": "{{ .Event.ID }}",
  "type": "{{ .Event.Type }}",
  "severity": "{{ .Severity }}",
  "title": "{{ .Title }}",
  "reason": "{{ .Event.Reason }}",
  "namespace": "{{ .Event.Namespace }}",
  "resource_name": "{{ .Event.ResourceName }}",
  "triggered_by": "{{ .Event.TriggeredBy }}",
  "timestamp": "{{ formatTime .Event.Timestamp "RFC3339" }}"
}`
