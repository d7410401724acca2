// Package amqp queues notifications on a durable RabbitMQ queue for a
// separate mail worker to deliver.
package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/codecraft/subsync/pkg/subsync"
)

// DefaultQueue is used when Config.Queue is empty.
const DefaultQueue = "subsync.notifications"

// Channel is the subset of *amqp.Channel the notifier uses.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Config configures the notifier.
type Config struct {
	URL   string
	Queue string
	Now   func() time.Time
}

// Notifier is a subsync.Notifier that publishes each notification as a
// persistent JSON message. The message id is the notification id so
// consumers can drop redeliveries.
type Notifier struct {
	conn  *amqp.Connection
	ch    Channel
	queue string
	now   func() time.Time
}

// New dials the broker, opens a channel and declares the queue.
func New(config Config) (*Notifier, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("amqp url is required")
	}
	conn, err := amqp.Dial(config.URL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	n, err := NewWithChannel(ch, config)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	n.conn = conn
	return n, nil
}

// NewWithChannel declares the queue on an existing channel.
func NewWithChannel(ch Channel, config Config) (*Notifier, error) {
	if config.Queue == "" {
		config.Queue = DefaultQueue
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if _, err := ch.QueueDeclare(config.Queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", config.Queue, err)
	}
	return &Notifier{ch: ch, queue: config.Queue, now: config.Now}, nil
}

// Notify implements subsync.Notifier.
func (n *Notifier) Notify(ctx context.Context, note *subsync.Notification) error {
	body, err := json.Marshal(note)
	if err != nil {
		return subsync.Permanent(fmt.Errorf("marshal notification: %w", err))
	}
	err = n.ch.PublishWithContext(ctx, "", n.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    note.ID,
		Type:         string(note.Kind),
		Timestamp:    n.now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// Close closes the channel and, when New opened it, the connection.
func (n *Notifier) Close() error {
	if err := n.ch.Close(); err != nil {
		return err
	}
	if n.conn != nil {
		return n.conn.Close()
	}
	return nil
}

var _ subsync.Notifier = (*Notifier)(nil)
