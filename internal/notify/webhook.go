package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"stageline/internal/config"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookDispatcher POSTs the notification as JSON, retrying 5xx and
// transport failures with exponential backoff.
type WebhookDispatcher struct {
	Hook   config.WebhookConfig
	Client *http.Client
	// InitialInterval overrides the first backoff delay.
	InitialInterval time.Duration
}

func NewWebhookDispatcher(hook config.WebhookConfig) *WebhookDispatcher {
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	return &WebhookDispatcher{Hook: hook, Client: &http.Client{Timeout: timeout}}
}

func (d *WebhookDispatcher) Notify(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	b := backoff.NewExponentialBackOff()
	if d.InitialInterval > 0 {
		b.InitialInterval = d.InitialInterval
	}
	attempt := 0
	op := func() error {
		attempt++
		return d.post(ctx, n, data)
	}
	err = backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(d.Hook.Retries())), ctx))
	if err != nil {
		return fmt.Errorf("webhook %s after %d attempt(s): %w", d.Hook.URL, attempt, err)
	}
	logrus.WithFields(logrus.Fields{
		"url":       d.Hook.URL,
		"kind":      n.Kind,
		"attempts":  attempt,
		"notify_id": n.ID,
	}).Debug("webhook delivered")
	return nil
}

func (d *WebhookDispatcher) post(ctx context.Context, n Notification, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.Hook.URL, bytes.NewReader(data))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Stageline-Event", n.Kind)
	req.Header.Set("X-Stageline-Delivery", n.ID)
	if strings.TrimSpace(d.Hook.Secret) != "" {
		req.Header.Set("X-Stageline-Secret", d.Hook.Secret)
	}
	for k, v := range d.Hook.Headers {
		req.Header.Set(k, v)
	}
	res, err := d.Client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	err = fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	if res.StatusCode < 500 && res.StatusCode != http.StatusTooManyRequests {
		return backoff.Permanent(err)
	}
	return err
}
