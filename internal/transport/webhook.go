package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrNotConfigured means no fallback endpoint was set.
var ErrNotConfigured = errors.New("fallback transport not configured")

// WebhookFallback is the HTTP-style secondary transport: deliveries that
// exhausted the live socket are pushed to a per-deployment webhook endpoint
// (e.g. a mobile push bridge).
type WebhookFallback struct {
	url    string
	client *http.Client
	log    *logrus.Entry
}

func NewWebhookFallback(url string, timeout time.Duration) *WebhookFallback {
	return &WebhookFallback{
		url:    url,
		client: &http.Client{Timeout: timeout},
		log:    logrus.WithField("component", "fallback_transport"),
	}
}

type pushEnvelope struct {
	UserID   uint        `json:"user_id"`
	Payload  interface{} `json:"payload"`
	Fallback bool        `json:"fallback"`
}

// Deliver posts the payload to the fallback endpoint.
func (w *WebhookFallback) Deliver(ctx context.Context, userID uint, payload interface{}) error {
	if w.url == "" {
		return ErrNotConfigured
	}

	body, err := json.Marshal(pushEnvelope{UserID: userID, Payload: payload, Fallback: true})
	if err != nil {
		return fmt.Errorf("fallback deliver: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("fallback deliver: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("fallback deliver: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("fallback deliver: endpoint returned %d", resp.StatusCode)
	}

	w.log.WithField("user_id", userID).Debug("fallback delivery accepted")
	return nil
}
