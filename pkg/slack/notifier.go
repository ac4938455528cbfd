// Package slack posts run notifications to an incoming webhook.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Notifier posts messages to a Slack incoming webhook. A missing
// webhook URL disables it; Send becomes a logged no-op so notification
// problems can never fail a run.
type Notifier struct {
	webhookURL string
	http       *http.Client
}

// Option configures the Notifier.
type Option func(*Notifier)

// WithHTTPClient sets a custom *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(n *Notifier) {
		n.http = hc
	}
}

// New creates a Notifier for the given webhook URL.
func New(webhookURL string, opts ...Option) *Notifier {
	n := &Notifier{
		webhookURL: webhookURL,
		http:       &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

type payload struct {
	Text string `json:"text"`
}

// Send posts a message. Errors are returned for the caller to log;
// callers treat them as advisory.
func (n *Notifier) Send(ctx context.Context, text string) error {
	if n.webhookURL == "" {
		zap.L().Debug("slack webhook not configured, skipping notification")
		return nil
	}

	body, err := json.Marshal(payload{Text: text})
	if err != nil {
		return eris.Wrap(err, "slack: marshal payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "slack: create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "slack: post webhook")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return eris.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(b))
	}
	return nil
}
