package identity

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

const defaultDeliveryTimeout = 30 * time.Second

// DeliveryReport is invoked once per dispatched message with the delivery
// outcome. err is nil on success and wraps ErrDeliveryFailed otherwise.
type DeliveryReport func(msg Message, err error)

// DispatcherOption customizes a Dispatcher
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger used for delivery failures
func WithDispatcherLogger(logger Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithDeliveryTimeout bounds each Send call
func WithDeliveryTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithDeliveryReport registers a callback for delivery outcomes
func WithDeliveryReport(report DeliveryReport) DispatcherOption {
	return func(d *Dispatcher) {
		d.report = report
	}
}

// Dispatcher sends notifications in the background. Issuance never waits
// on delivery and never observes its failure.
type Dispatcher struct {
	notifier Notifier
	logger   Logger
	timeout  time.Duration
	report   DeliveryReport
	wg       sync.WaitGroup
}

// NewDispatcher wraps notifier. A nil notifier drops every message.
func NewDispatcher(notifier Notifier, opts ...DispatcherOption) *Dispatcher {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	d := &Dispatcher{
		notifier: notifier,
		logger:   defLogger(),
		timeout:  defaultDeliveryTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Dispatch hands msg to the notifier on a new goroutine. The request context
// only contributes values: cancelling it does not abort delivery.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()

		err := d.send(sendCtx, msg)
		if err != nil {
			d.logger.Error("notification delivery failed",
				"kind", msg.Kind,
				"to", maskEmail(msg.To),
				"account_id", msg.AccountID,
				"error", err,
			)
		}

		if d.report != nil {
			d.report(msg, err)
		}
	}()
}

func (d *Dispatcher) send(ctx context.Context, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("notifier panic: %v", r)
		}
		if err != nil {
			err = fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
		}
	}()
	return d.notifier.Send(ctx, msg)
}

// Wait blocks until every dispatched message has been handled
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// MessageTemplates renders outbound messages
type MessageTemplates struct {
	AppHost string
}

// Verification renders the account verification email
func (t MessageTemplates) Verification(account *Account, token string) Message {
	name := strings.TrimSpace(account.FirstName + " " + account.LastName)
	if name == "" {
		name = account.Email
	}
	host := strings.TrimRight(t.AppHost, "/")
	return Message{
		Kind:      MessageKindVerification,
		To:        account.Email,
		Subject:   "Account Verification",
		Body:      fmt.Sprintf("Hello %s,\n\nPlease verify your account by clicking the link: \n%s/api/users/confirmation?token=%s", name, host, token),
		AccountID: account.ID.String(),
	}
}

// PasswordReset renders the password reset email
func (t MessageTemplates) PasswordReset(account *Account, code string) Message {
	return Message{
		Kind:      MessageKindPasswordReset,
		To:        account.Email,
		Subject:   "Password Reset",
		Body:      fmt.Sprintf("Please use the following code to reset your password via app: \n%s", code),
		AccountID: account.ID.String(),
	}
}

func maskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return "***"
	}
	if at <= 1 {
		return "***" + email[at:]
	}
	return email[:1] + "***" + email[at:]
}
