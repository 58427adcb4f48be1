// internal/notification/webhook.go

package notification

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const maxResponseBody = 4 << 10

// postJSON posts payload and returns the status code and a bounded body.
// A non-empty secret adds an HMAC-SHA256 signature of the body.
func postJSON(ctx context.Context, client *http.Client, url string, payload interface{}, secret string) (int, string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		req.Header.Set("X-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	return resp.StatusCode, string(raw), nil
}

func statusError(code int, body string) error {
	return &DeliveryError{
		StatusCode: code,
		Message:    body,
		Bounced:    code == http.StatusGone,
	}
}

// WebhookSender posts the notification as JSON to the channel's webhook_url
type WebhookSender struct {
	client *http.Client
	url    string
	secret string
}

// NewWebhookSenderFactory builds webhook senders. Configuration key secret
// enables an HMAC-SHA256 signature header.
func NewWebhookSenderFactory(client *http.Client) SenderFactory {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ch *Channel) (Sender, error) {
		if ch.WebhookURL == "" {
			return nil, fmt.Errorf("channel %d has no webhook_url", ch.ID)
		}
		return &WebhookSender{client: client, url: ch.WebhookURL, secret: setting(ch, "secret", "")}, nil
	}
}

type webhookPayload struct {
	Event        string      `json:"event"`
	Notification webhookBody `json:"notification"`
	Timestamp    int64       `json:"timestamp"`
}

type webhookBody struct {
	ID                int64    `json:"id"`
	Reference         string   `json:"reference"`
	UserID            int64    `json:"user_id"`
	Category          Category `json:"category"`
	Priority          int      `json:"priority"`
	Subject           string   `json:"subject,omitempty"`
	Title             string   `json:"title,omitempty"`
	Content           string   `json:"content"`
	RelatedObjectType string   `json:"related_object_type,omitempty"`
	RelatedObjectID   string   `json:"related_object_id,omitempty"`
	Data              JSONMap  `json:"data,omitempty"`
}

func (s *WebhookSender) Send(ctx context.Context, msg *Message) (*SendResult, error) {
	n := msg.Notification
	payload := webhookPayload{
		Event: "notification",
		Notification: webhookBody{
			ID:                n.ID,
			Reference:         n.Reference,
			UserID:            n.UserID,
			Category:          n.Category,
			Priority:          n.Priority,
			Subject:           n.Subject,
			Title:             n.Title,
			Content:           n.Content,
			RelatedObjectType: n.RelatedObjectType,
			RelatedObjectID:   n.RelatedObjectID,
			Data:              n.Data,
		},
		Timestamp: time.Now().Unix(),
	}

	code, body, err := postJSON(ctx, s.client, s.url, payload, s.secret)
	if err != nil {
		return nil, err
	}
	if code < 200 || code >= 300 {
		return nil, statusError(code, body)
	}
	return &SendResult{
		ExternalID: n.Reference,
		StatusCode: code,
		Response:   JSONMap{"provider": "http", "status_code": code, "body": body},
		Delivered:  true,
	}, nil
}

func (s *WebhookSender) Test(ctx context.Context, ch *Channel) error {
	code, body, err := postJSON(ctx, s.client, s.url, webhookPayload{Event: "test", Timestamp: time.Now().Unix()}, s.secret)
	if err != nil {
		return err
	}
	if code < 200 || code >= 300 {
		return statusError(code, body)
	}
	return nil
}
