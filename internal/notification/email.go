// internal/notification/email.go

package notification

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ses"
	"github.com/google/uuid"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"gopkg.in/gomail.v2"
)

// EmailDefaults fills email channel configuration keys left empty
type EmailDefaults struct {
	From           string
	FromName       string
	SMTPHost       string
	SMTPPort       int
	SMTPUsername   string
	SMTPPassword   string
	SendGridAPIKey string
	AWSRegion      string
}

// setting returns the channel configuration value for key, or fallback
func setting(ch *Channel, key, fallback string) string {
	if v := strings.TrimSpace(ch.Configuration[key]); v != "" {
		return v
	}
	return fallback
}

func emailBodies(n *Notification) (plain, html string) {
	plain = n.Content
	html = n.HTMLContent
	return plain, html
}

func requireEmail(msg *Message) error {
	if msg.Recipient.Email == "" {
		return &DeliveryError{Message: "recipient has no email address", Bounced: true}
	}
	return nil
}

// SMTPSender delivers email through an SMTP relay
type SMTPSender struct {
	dialer   *gomail.Dialer
	from     string
	fromName string
}

// NewSMTPSenderFactory builds SMTP senders from channel configuration
// (host, port, username, password, from, from_name).
func NewSMTPSenderFactory(defaults EmailDefaults) SenderFactory {
	return func(ch *Channel) (Sender, error) {
		host := setting(ch, "host", defaults.SMTPHost)
		port := defaults.SMTPPort
		if raw := setting(ch, "port", ""); raw != "" {
			p, err := strconv.Atoi(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid smtp port %q", raw)
			}
			port = p
		}
		if port == 0 {
			port = 587
		}
		from := setting(ch, "from", defaults.From)
		if host == "" || from == "" {
			return nil, errors.New("incomplete SMTP configuration")
		}

		dialer := gomail.NewDialer(host, port, setting(ch, "username", defaults.SMTPUsername), setting(ch, "password", defaults.SMTPPassword))
		dialer.TLSConfig = &tls.Config{ServerName: host}

		return &SMTPSender{
			dialer:   dialer,
			from:     from,
			fromName: setting(ch, "from_name", defaults.FromName),
		}, nil
	}
}

func (s *SMTPSender) Send(ctx context.Context, msg *Message) (*SendResult, error) {
	if err := requireEmail(msg); err != nil {
		return nil, err
	}

	n := msg.Notification
	m := gomail.NewMessage()
	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), s.dialer.Host)
	m.SetHeader("Message-ID", messageID)
	m.SetHeader("From", m.FormatAddress(s.from, s.fromName))
	m.SetHeader("To", msg.Recipient.Email)
	m.SetHeader("Subject", n.Subject)

	plain, html := emailBodies(n)
	if html != "" {
		m.SetBody("text/html", html)
		if plain != "" {
			m.AddAlternative("text/plain", plain)
		}
	} else {
		m.SetBody("text/plain", plain)
	}

	// gomail has no context support; run the dial in the background and
	// give up when the deadline passes.
	done := make(chan error, 1)
	go func() { done <- s.dialer.DialAndSend(m) }()
	select {
	case err := <-done:
		if err != nil {
			return nil, &DeliveryError{Message: err.Error(), Err: err}
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return &SendResult{
		ExternalID: messageID,
		Response:   JSONMap{"provider": "smtp", "host": s.dialer.Host},
	}, nil
}

func (s *SMTPSender) Test(ctx context.Context, ch *Channel) error {
	done := make(chan error, 1)
	go func() {
		closer, err := s.dialer.Dial()
		if err == nil {
			closer.Close()
		}
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendGridSender delivers email through the SendGrid v3 API
type SendGridSender struct {
	client   *sendgrid.Client
	apiKey   string
	from     string
	fromName string
}

// NewSendGridSenderFactory builds SendGrid senders (api_key, from, from_name)
func NewSendGridSenderFactory(defaults EmailDefaults) SenderFactory {
	return func(ch *Channel) (Sender, error) {
		apiKey := setting(ch, "api_key", defaults.SendGridAPIKey)
		from := setting(ch, "from", defaults.From)
		if apiKey == "" || from == "" {
			return nil, errors.New("incomplete SendGrid configuration")
		}
		return &SendGridSender{
			client:   sendgrid.NewSendClient(apiKey),
			apiKey:   apiKey,
			from:     from,
			fromName: setting(ch, "from_name", defaults.FromName),
		}, nil
	}
}

func (s *SendGridSender) Send(ctx context.Context, msg *Message) (*SendResult, error) {
	if err := requireEmail(msg); err != nil {
		return nil, err
	}

	n := msg.Notification
	plain, html := emailBodies(n)
	from := mail.NewEmail(s.fromName, s.from)
	to := mail.NewEmail(msg.Recipient.FullName, msg.Recipient.Email)
	message := mail.NewSingleEmail(from, n.Subject, to, plain, html)

	response, err := s.client.SendWithContext(ctx, message)
	if err != nil {
		return nil, err
	}
	if response.StatusCode >= 400 {
		return nil, &DeliveryError{
			StatusCode: response.StatusCode,
			Message:    response.Body,
			Bounced:    response.StatusCode == 400,
		}
	}

	externalID := ""
	if ids := response.Headers["X-Message-Id"]; len(ids) > 0 {
		externalID = ids[0]
	}
	return &SendResult{
		ExternalID: externalID,
		StatusCode: response.StatusCode,
		Response:   JSONMap{"provider": "sendgrid", "status_code": response.StatusCode},
	}, nil
}

func (s *SendGridSender) Test(ctx context.Context, ch *Channel) error {
	request := sendgrid.GetRequest(s.apiKey, "/v3/scopes", "")
	response, err := sendgrid.MakeRequestWithContext(ctx, request)
	if err != nil {
		return err
	}
	if response.StatusCode >= 400 {
		return fmt.Errorf("sendgrid rejected credentials: %d", response.StatusCode)
	}
	return nil
}

// SESSender delivers email through Amazon SES
type SESSender struct {
	client *ses.SES
	from   string
}

// NewSESSenderFactory builds SES senders (region, access_key_id,
// secret_access_key, from). Missing keys fall back to the default AWS chain.
func NewSESSenderFactory(defaults EmailDefaults) SenderFactory {
	return func(ch *Channel) (Sender, error) {
		from := setting(ch, "from", defaults.From)
		if from == "" {
			return nil, errors.New("incomplete SES configuration")
		}

		cfg := &aws.Config{Region: aws.String(setting(ch, "region", defaults.AWSRegion))}
		if id, secret := setting(ch, "access_key_id", ""), setting(ch, "secret_access_key", ""); id != "" && secret != "" {
			cfg.Credentials = credentials.NewStaticCredentials(id, secret, "")
		}
		sess, err := session.NewSession(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create AWS session: %w", err)
		}

		if name := setting(ch, "from_name", defaults.FromName); name != "" {
			from = fmt.Sprintf("%s <%s>", name, from)
		}
		return &SESSender{client: ses.New(sess), from: from}, nil
	}
}

func (s *SESSender) Send(ctx context.Context, msg *Message) (*SendResult, error) {
	if err := requireEmail(msg); err != nil {
		return nil, err
	}

	n := msg.Notification
	plain, html := emailBodies(n)
	body := &ses.Body{Text: &ses.Content{Charset: aws.String("UTF-8"), Data: aws.String(plain)}}
	if html != "" {
		body.Html = &ses.Content{Charset: aws.String("UTF-8"), Data: aws.String(html)}
	}

	out, err := s.client.SendEmailWithContext(ctx, &ses.SendEmailInput{
		Source:      aws.String(s.from),
		Destination: &ses.Destination{ToAddresses: []*string{aws.String(msg.Recipient.Email)}},
		Message: &ses.Message{
			Subject: &ses.Content{Charset: aws.String("UTF-8"), Data: aws.String(n.Subject)},
			Body:    body,
		},
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == ses.ErrCodeMessageRejected {
			return nil, &DeliveryError{Message: aerr.Message(), Bounced: true, Err: err}
		}
		return nil, err
	}

	return &SendResult{
		ExternalID: aws.StringValue(out.MessageId),
		Response:   JSONMap{"provider": "ses"},
	}, nil
}

func (s *SESSender) Test(ctx context.Context, ch *Channel) error {
	_, err := s.client.GetSendQuotaWithContext(ctx, &ses.GetSendQuotaInput{})
	return err
}
