package escalator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"releaseflow/internal/config"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookSink POSTs alerts to the configured endpoints.
type WebhookSink struct {
	Hooks  []config.WebhookConfig
	Client *http.Client
}

func NewWebhookSink(hooks []config.WebhookConfig) *WebhookSink {
	return &WebhookSink{Hooks: hooks, Client: &http.Client{Timeout: defaultWebhookTimeout}}
}

func (w *WebhookSink) Raise(ctx context.Context, a Alert) error {
	var errs []error
	for _, hook := range w.Hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		if !newEventFilter(hook.Events).match(a.EventType) {
			continue
		}
		if err := w.post(ctx, hook, a); err != nil {
			errs = append(errs, fmt.Errorf("webhook %s: %w", hook.URL, err))
		}
	}
	return errors.Join(errs...)
}

func (w *WebhookSink) post(ctx context.Context, hook config.WebhookConfig, a Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	if hook.TimeoutSeconds > 0 {
		if timeout := time.Duration(hook.TimeoutSeconds) * time.Second; timeout != client.Timeout {
			client = &http.Client{Timeout: timeout, Transport: client.Transport}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Releaseflow-Alert", AlertEventType)
	req.Header.Set("X-Releaseflow-Event", a.EventType)
	req.Header.Set("X-Releaseflow-Delivery", a.EventID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Releaseflow-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(types []string) eventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		if key := strings.TrimSpace(t); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(eventType string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[eventType]
	return ok
}
