// internal/notification/sms.go

package notification

import (
	"context"
	"errors"
	"strings"

	"github.com/twilio/twilio-go"
	twilioClient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// TwilioDefaults fills Twilio channel configuration keys left empty
type TwilioDefaults struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

// Twilio error codes for numbers that can never receive the message
var twilioPermanentCodes = map[int]bool{
	21211: true, // invalid 'To' number
	21610: true, // recipient unsubscribed
	21614: true, // not a mobile number
}

// TwilioSender delivers SMS, or WhatsApp when whatsapp is set
type TwilioSender struct {
	client     *twilio.RestClient
	accountSID string
	from       string
	whatsapp   bool
}

// NewTwilioSenderFactory builds Twilio senders (account_sid, auth_token, from)
func NewTwilioSenderFactory(defaults TwilioDefaults) SenderFactory {
	return func(ch *Channel) (Sender, error) {
		sid := setting(ch, "account_sid", defaults.AccountSID)
		token := setting(ch, "auth_token", defaults.AuthToken)
		from := setting(ch, "from", defaults.FromNumber)
		if sid == "" || token == "" || from == "" {
			return nil, errors.New("incomplete Twilio configuration")
		}

		client := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: sid,
			Password: token,
		})
		return &TwilioSender{
			client:     client,
			accountSID: sid,
			from:       from,
			whatsapp:   ch.ChannelType == ChannelWhatsApp,
		}, nil
	}
}

func (s *TwilioSender) address(number string) string {
	if s.whatsapp && !strings.HasPrefix(number, "whatsapp:") {
		return "whatsapp:" + number
	}
	return number
}

func (s *TwilioSender) Send(ctx context.Context, msg *Message) (*SendResult, error) {
	if msg.Recipient.Phone == "" {
		return nil, &DeliveryError{Message: "recipient has no phone number", Bounced: true}
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(s.address(msg.Recipient.Phone))
	params.SetFrom(s.address(s.from))
	params.SetBody(msg.Notification.Content)

	type result struct {
		resp *twilioApi.ApiV2010Message
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := s.client.Api.CreateMessage(params)
		done <- result{resp, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.err != nil {
		var twErr *twilioClient.TwilioRestError
		if errors.As(res.err, &twErr) {
			return nil, &DeliveryError{
				StatusCode: twErr.Status,
				Message:    twErr.Message,
				Bounced:    twilioPermanentCodes[twErr.Code],
				Err:        res.err,
			}
		}
		return nil, res.err
	}

	out := &SendResult{Response: JSONMap{"provider": "twilio"}}
	if res.resp.Sid != nil {
		out.ExternalID = *res.resp.Sid
	}
	if res.resp.Status != nil {
		out.Response["status"] = *res.resp.Status
	}
	return out, nil
}

func (s *TwilioSender) Test(ctx context.Context, ch *Channel) error {
	done := make(chan error, 1)
	go func() {
		_, err := s.client.Api.FetchAccount(s.accountSID)
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
