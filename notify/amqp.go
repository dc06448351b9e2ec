package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	identity "github.com/goliatone/go-identity"
)

// Publisher is the part of *amqp.Channel the notifier needs
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPNotifier publishes messages as JSON to a durable queue. A separate
// mail worker consumes the queue.
type AMQPNotifier struct {
	publisher Publisher
	queue     string
	now       func() time.Time
	closers   []func() error
}

var _ identity.Notifier = (*AMQPNotifier)(nil)

// DialAMQP connects to url and declares the durable queue
func DialAMQP(url, queue string) (*AMQPNotifier, error) {
	const op = "notify.DialAMQP"

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	q, err := ch.QueueDeclare(queue, true, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	n := NewAMQPNotifier(ch, q.Name)
	n.closers = []func() error{ch.Close, conn.Close}
	return n, nil
}

// NewAMQPNotifier publishes through an existing channel
func NewAMQPNotifier(publisher Publisher, queue string) *AMQPNotifier {
	return &AMQPNotifier{
		publisher: publisher,
		queue:     queue,
		now:       time.Now,
	}
}

// Send publishes msg to the queue
func (n *AMQPNotifier) Send(ctx context.Context, msg identity.Message) error {
	const op = "notify.AMQPNotifier.Send"

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	err = n.publisher.PublishWithContext(ctx, "", n.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Type:         string(msg.Kind),
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    n.now(),
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Close releases the channel and connection opened by DialAMQP
func (n *AMQPNotifier) Close() error {
	var errs []error
	for _, c := range n.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	n.closers = nil
	return errors.Join(errs...)
}
