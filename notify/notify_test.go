package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"

	identity "github.com/goliatone/go-identity"
	"github.com/goliatone/go-identity/notify"
)

type captureDialer struct {
	sent []*gomail.Message
	err  error
}

func (d *captureDialer) DialAndSend(m ...*gomail.Message) error {
	if d.err != nil {
		return d.err
	}
	d.sent = append(d.sent, m...)
	return nil
}

type capturePublisher struct {
	key string
	msg amqp.Publishing
	err error
}

func (p *capturePublisher) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	p.key = key
	p.msg = msg
	return p.err
}

func sampleMessage() identity.Message {
	return identity.Message{
		Kind:      identity.MessageKindPasswordReset,
		To:        "jane@example.com",
		Subject:   "Password Reset",
		Body:      "code 123456",
		AccountID: "acc-1",
	}
}

func TestSMTPNotifier_Send(t *testing.T) {
	dialer := &captureDialer{}
	n := notify.NewSMTPNotifier(notify.SMTPConfig{
		Host: "smtp.example.com",
		Port: 587,
		From: "no-reply@example.com",
	}, notify.WithMailDialer(dialer))

	require.NoError(t, n.Send(context.Background(), sampleMessage()))
	require.Len(t, dialer.sent, 1)

	m := dialer.sent[0]
	assert.Equal(t, []string{"jane@example.com"}, m.GetHeader("To"))
	assert.Equal(t, []string{"no-reply@example.com"}, m.GetHeader("From"))
	assert.Equal(t, []string{"Password Reset"}, m.GetHeader("Subject"))
}

func TestSMTPNotifier_Errors(t *testing.T) {
	dialer := &captureDialer{err: errors.New("connection refused")}
	n := notify.NewSMTPNotifier(notify.SMTPConfig{Username: "sender@example.com"}, notify.WithMailDialer(dialer))

	err := n.Send(context.Background(), sampleMessage())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")

	msg := sampleMessage()
	msg.To = ""
	assert.Error(t, n.Send(context.Background(), msg))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, n.Send(ctx, sampleMessage()), context.Canceled)
}

func TestAMQPNotifier_Send(t *testing.T) {
	pub := &capturePublisher{}
	n := notify.NewAMQPNotifier(pub, "identity.notifications")

	require.NoError(t, n.Send(context.Background(), sampleMessage()))

	assert.Equal(t, "identity.notifications", pub.key)
	assert.Equal(t, "application/json", pub.msg.ContentType)
	assert.Equal(t, amqp.Persistent, pub.msg.DeliveryMode)
	assert.Equal(t, string(identity.MessageKindPasswordReset), pub.msg.Type)

	var decoded identity.Message
	require.NoError(t, json.Unmarshal(pub.msg.Body, &decoded))
	assert.Equal(t, "jane@example.com", decoded.To)
	assert.Equal(t, "code 123456", decoded.Body)

	assert.NoError(t, n.Close())
}

func TestAMQPNotifier_PublishError(t *testing.T) {
	pub := &capturePublisher{err: errors.New("channel closed")}
	n := notify.NewAMQPNotifier(pub, "q")

	err := n.Send(context.Background(), sampleMessage())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel closed")
}

type recordingLogger struct {
	infos []string
}

func (l *recordingLogger) Debug(string, ...any) {}
func (l *recordingLogger) Warn(string, ...any)  {}
func (l *recordingLogger) Error(string, ...any) {}

func (l *recordingLogger) Info(msg string, _ ...any) {
	l.infos = append(l.infos, msg)
}

func TestLogNotifier_Send(t *testing.T) {
	logger := &recordingLogger{}
	n := notify.NewLogNotifier(logger)

	require.NoError(t, n.Send(context.Background(), sampleMessage()))
	assert.Equal(t, []string{"notification"}, logger.infos)
}
