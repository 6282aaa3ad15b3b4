package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"text/template"

	"golang.org/x/time/rate"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/kube-freezer/kube-freezer/internal/config"
)

type slackChannel struct {
	name        string
	client      client.Client
	url         string
	urlRef      config.SecretKeyRef
	channel     string
	template    *template.Template
	rateLimiter *rate.Limiter
}

// NewSlackChannel creates a new Slack channel
func NewSlackChannel(c client.Client, cfg config.ChannelConfig) (Channel, error) {
	if cfg.URL == "" && cfg.URLSecretRef.Name == "" {
		return nil, fmt.Errorf("channel %s: url or url-secret-ref is required", cfg.Name)
	}

	tmplStr := defaultSlackTemplate
	if cfg.Template != "" {
		tmplStr = cfg.Template
	}
	tmpl, err := template.New("slack").Funcs(templateFuncs).Parse(tmplStr)
	if err != nil {
		return nil, fmt.Errorf("invalid template: %w", err)
	}

	return &slackChannel{
		name:        cfg.Name,
		client:      c,
		url:         cfg.URL,
		urlRef:      cfg.URLSecretRef,
		channel:     cfg.Channel,
		template:    tmpl,
		rateLimiter: newChannelLimiter(cfg),
	}, nil
}

// Name returns the channel name
func (s *slackChannel) Name() string {
	return s.name
}

// Type returns the channel type
func (s *slackChannel) Type() string {
	return "slack"
}

// Send delivers a notification to Slack
func (s *slackChannel) Send(ctx context.Context, n Notification) error {
	if !s.rateLimiter.Allow() {
		return fmt.Errorf("rate limit exceeded for channel %s", s.name)
	}

	webhookURL, err := s.deliveryURL(ctx)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := s.template.Execute(&buf, n); err != nil {
		return fmt.Errorf("failed to render template: %w", err)
	}

	payload := map[string]interface{}{
		"text": buf.String(),
	}
	if s.channel != "" {
		payload["channel"] = s.channel
	}

	jsonPayload, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal Slack payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", webhookURL, bytes.NewReader(jsonPayload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send slack message: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned status %d", resp.StatusCode)
	}

	return nil
}

// deliveryURL resolves the webhook endpoint. A secret reference wins
// over an inline URL so credentials never need to live in the config
// file.
func (s *slackChannel) deliveryURL(ctx context.Context) (string, error) {
	if s.urlRef.Name != "" {
		return valueFromSecret(ctx, s.client, s.urlRef)
	}
	return s.url, nil
}

var defaultSlackTemplate = `:{{ if eq .Severity "critical" }}red_circle{{ else if eq .Severity "warning" }}warning{{ else }}large_blue_circle{{ end }}: *{{ .Title }}*

*Type:* {{ .Event.Type }}
{{ if .Event.Namespace }}*Namespace:* ` + "`{{ .Event.Namespace }}`" + `
{{ end }}{{ if .Event.ResourceName }}*Resource:* ` + "`{{ .Event.ResourceName }}`" + `
{{ end }}{{ if .Event.TriggeredBy }}*Triggered by:* {{ .Event.TriggeredBy }}
{{ end }}
{{ truncate .Event.Reason 1500 }}
`
