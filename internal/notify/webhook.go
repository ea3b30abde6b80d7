package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rishik-ashili/email-outbox/pkg/models"
)

// WebhookChannel posts a JSON payload to an external endpoint
type WebhookChannel struct {
	url    string
	client *http.Client
}

// NewWebhookChannel creates a webhook channel
func NewWebhookChannel(url string) *WebhookChannel {
	return &WebhookChannel{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Name implements Channel
func (w *WebhookChannel) Name() string { return "webhook" }

type webhookPayload struct {
	Event     string    `json:"event"`
	Account   string    `json:"account"`
	MessageID string    `json:"message_id"`
	From      string    `json:"from"`
	Subject   string    `json:"subject"`
	Category  string    `json:"category"`
	Date      time.Time `json:"date"`
}

// Send implements Channel
func (w *WebhookChannel) Send(ctx context.Context, email *models.Email, category models.Category) error {
	body, err := json.Marshal(webhookPayload{
		Event:     "email.categorized",
		Account:   email.AccountLabel,
		MessageID: email.MessageID,
		From:      email.Sender().Address,
		Subject:   email.Subject,
		Category:  string(category),
		Date:      email.Date,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
