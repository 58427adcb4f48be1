// internal/notification/push.go

package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// FirebaseDefaults locates service-account credentials for FCM channels
type FirebaseDefaults struct {
	CredentialsPath string
	CredentialsJSON string
}

// FCMSender delivers push notifications through Firebase Cloud Messaging
type FCMSender struct {
	client *messaging.Client
	tokens PushTokenStore
	logger *zap.Logger
}

// NewFCMSenderFactory builds FCM senders. Channel key credentials_json
// overrides the process-wide credentials.
func NewFCMSenderFactory(ctx context.Context, defaults FirebaseDefaults, tokens PushTokenStore, logger *zap.Logger) SenderFactory {
	return func(ch *Channel) (Sender, error) {
		var opt option.ClientOption
		switch {
		case setting(ch, "credentials_json", "") != "":
			opt = option.WithCredentialsJSON([]byte(setting(ch, "credentials_json", "")))
		case defaults.CredentialsJSON != "":
			opt = option.WithCredentialsJSON([]byte(defaults.CredentialsJSON))
		case defaults.CredentialsPath != "":
			opt = option.WithCredentialsFile(defaults.CredentialsPath)
		default:
			return nil, errors.New("FIREBASE_CREDENTIALS_PATH or FIREBASE_CREDENTIALS_JSON must be set")
		}

		app, err := firebase.NewApp(ctx, nil, opt)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Firebase app: %w", err)
		}
		client, err := app.Messaging(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get messaging client: %w", err)
		}
		return &FCMSender{client: client, tokens: tokens, logger: logger}, nil
	}
}

// androidPriority maps 1-5 priority to FCM priority
func androidPriority(priority int) string {
	if priority >= 4 {
		return "high"
	}
	return "normal"
}

func apnsPriority(priority int) string {
	if priority >= 4 {
		return "10"
	}
	return "5"
}

func pushData(n *Notification) map[string]string {
	data := make(map[string]string, len(n.Data)+3)
	for k, v := range n.Data {
		data[k] = fmt.Sprint(v)
	}
	data["notification_id"] = fmt.Sprint(n.ID)
	data["reference"] = n.Reference
	data["category"] = string(n.Category)
	return data
}

func (s *FCMSender) Send(ctx context.Context, msg *Message) (*SendResult, error) {
	tokens := msg.Recipient.PushTokens
	if len(tokens) == 0 {
		return nil, &DeliveryError{Message: "recipient has no registered devices", Bounced: true}
	}

	n := msg.Notification
	multicast := &messaging.MulticastMessage{
		Tokens: tokens,
		Notification: &messaging.Notification{
			Title: n.Title,
			Body:  n.Content,
		},
		Data: pushData(n),
		Android: &messaging.AndroidConfig{
			Priority: androidPriority(n.Priority),
		},
		APNS: &messaging.APNSConfig{
			Headers: map[string]string{"apns-priority": apnsPriority(n.Priority)},
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					Alert: &messaging.ApsAlert{Title: n.Title, Body: n.Content},
					Sound: "default",
				},
			},
		},
	}

	batch, err := s.client.SendEachForMulticast(ctx, multicast)
	if err != nil {
		return nil, err
	}

	var (
		messageIDs []string
		failures   []string
		stale      int
	)
	for idx, resp := range batch.Responses {
		if resp.Success {
			messageIDs = append(messageIDs, resp.MessageID)
			continue
		}
		failures = append(failures, resp.Error.Error())
		if messaging.IsUnregistered(resp.Error) {
			stale++
			if err := s.tokens.DeactivatePushToken(ctx, tokens[idx]); err != nil {
				s.logger.Warn("failed to deactivate push token", zap.Error(err))
			}
		}
	}

	if batch.SuccessCount == 0 {
		return nil, &DeliveryError{
			Message: strings.Join(failures, "; "),
			Bounced: stale == len(tokens),
		}
	}

	return &SendResult{
		ExternalID: messageIDs[0],
		Response: JSONMap{
			"provider":      "fcm",
			"success_count": batch.SuccessCount,
			"failure_count": batch.FailureCount,
			"message_ids":   messageIDs,
		},
	}, nil
}

func (s *FCMSender) Test(ctx context.Context, ch *Channel) error {
	_, err := s.client.SendDryRun(ctx, &messaging.Message{
		Topic:        "channel-test",
		Notification: &messaging.Notification{Title: "Test", Body: "Channel test"},
	})
	return err
}
