// Package notify holds the Notifier transports used to deliver account
// verification links and password reset codes.
package notify

import (
	"context"
	"fmt"

	"gopkg.in/gomail.v2"

	identity "github.com/goliatone/go-identity"
)

// MailDialer sends composed messages. *gomail.Dialer satisfies it
type MailDialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTPConfig configures an SMTPNotifier
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPOption customizes an SMTPNotifier
type SMTPOption func(*SMTPNotifier)

// WithMailDialer replaces the gomail dialer
func WithMailDialer(d MailDialer) SMTPOption {
	return func(n *SMTPNotifier) {
		if d != nil {
			n.dialer = d
		}
	}
}

// SMTPNotifier delivers messages as plain text email
type SMTPNotifier struct {
	from   string
	dialer MailDialer
}

var _ identity.Notifier = (*SMTPNotifier)(nil)

// NewSMTPNotifier returns a notifier dialing cfg.Host for every message
func NewSMTPNotifier(cfg SMTPConfig, opts ...SMTPOption) *SMTPNotifier {
	from := cfg.From
	if from == "" {
		from = cfg.Username
	}
	n := &SMTPNotifier{
		from:   from,
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(n)
		}
	}
	return n
}

// Send composes and sends msg. The SMTP exchange itself is not
// cancellable, so ctx is only checked before dialing.
func (n *SMTPNotifier) Send(ctx context.Context, msg identity.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.To == "" {
		return fmt.Errorf("smtp notifier: message has no recipient")
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.from)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Body)

	if err := n.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("smtp notifier: %w", err)
	}
	return nil
}
