// internal/notification/chat.go

package notification

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

const telegramAPI = "https://api.telegram.org"

// ChatSender posts to a team chat. Slack, Discord and Teams use incoming
// webhooks; Telegram uses the bot API with bot_token and chat_id.
type ChatSender struct {
	client      *http.Client
	channelType ChannelType
	url         string
	chatID      string
}

// NewChatSenderFactory builds chat senders for the slack, discord, teams and
// telegram providers
func NewChatSenderFactory(client *http.Client) SenderFactory {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ch *Channel) (Sender, error) {
		s := &ChatSender{client: client, channelType: ch.ChannelType, url: ch.WebhookURL}
		if ch.ChannelType == ChannelTelegram {
			token := setting(ch, "bot_token", "")
			s.chatID = setting(ch, "chat_id", "")
			if token == "" || s.chatID == "" {
				return nil, errors.New("telegram channel needs bot_token and chat_id")
			}
			base := strings.TrimRight(setting(ch, "api_url", telegramAPI), "/")
			s.url = fmt.Sprintf("%s/bot%s/sendMessage", base, token)
		}
		if s.url == "" {
			return nil, fmt.Errorf("%s channel has no webhook_url", ch.ChannelType)
		}
		return s, nil
	}
}

func chatText(n *Notification) string {
	heading := n.Title
	if heading == "" {
		heading = n.Subject
	}
	if heading == "" {
		return n.Content
	}
	return heading + "\n" + n.Content
}

func (s *ChatSender) payload(text string) interface{} {
	switch s.channelType {
	case ChannelDiscord:
		return map[string]string{"content": text}
	case ChannelTelegram:
		return map[string]string{"chat_id": s.chatID, "text": text}
	default:
		// Slack and Teams incoming webhooks both accept a plain text field
		return map[string]string{"text": text}
	}
}

func (s *ChatSender) post(ctx context.Context, text string) (int, string, error) {
	code, body, err := postJSON(ctx, s.client, s.url, s.payload(text), "")
	if err != nil {
		return 0, "", err
	}
	if code < 200 || code >= 300 {
		return code, body, statusError(code, body)
	}
	return code, body, nil
}

func (s *ChatSender) Send(ctx context.Context, msg *Message) (*SendResult, error) {
	code, body, err := s.post(ctx, chatText(msg.Notification))
	if err != nil {
		return nil, err
	}
	return &SendResult{
		ExternalID: msg.Notification.Reference,
		StatusCode: code,
		Response:   JSONMap{"provider": string(s.channelType), "status_code": code, "body": body},
	}, nil
}

func (s *ChatSender) Test(ctx context.Context, ch *Channel) error {
	_, _, err := s.post(ctx, "Channel test from notifications service")
	return err
}
