// Package kafka publishes access changes to a Kafka topic so other services
// can follow entitlement without reading the subscription store.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	skafka "github.com/segmentio/kafka-go"

	"github.com/codecraft/subsync/pkg/subsync"
)

// Writer is the subset of kafka.Writer the publisher needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...skafka.Message) error
	Close() error
}

// Config configures the access publisher.
type Config struct {
	Brokers []string
	Topic   string

	// Next is the controller that actually applies access. Defaults to none,
	// in which case the publisher only announces changes.
	Next subsync.AccessController

	// FailOnPublishError makes a publish failure fail ApplyAccess, so the
	// executor retries and eventually dead-letters it. Otherwise failures are logged.
	FailOnPublishError bool

	Logger subsync.Logger
}

// AccessChange is the message value published for every applied access record.
type AccessChange struct {
	CustomerID     string              `json:"customer_id"`
	State          subsync.AccessState `json:"state"`
	KeepData       bool                `json:"keep_data"`
	SubscriptionID string              `json:"subscription_id,omitempty"`
	Reason         string              `json:"reason,omitempty"`
	ChangedAt      time.Time           `json:"changed_at"`
}

// Publisher is a subsync.AccessController that forwards to Next and then
// announces the change, keyed by customer id so a customer's changes stay ordered.
type Publisher struct {
	writer Writer
	config Config
}

// New creates a publisher writing to the configured brokers and topic.
func New(config Config) (*Publisher, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if config.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	w := &skafka.Writer{
		Addr:                   skafka.TCP(config.Brokers...),
		Topic:                  config.Topic,
		Balancer:               &skafka.Hash{},
		RequiredAcks:           skafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return NewWithWriter(w, config), nil
}

// NewWithWriter allows injecting a writer.
func NewWithWriter(w Writer, config Config) *Publisher {
	if config.Logger == nil {
		config.Logger = &subsync.NoopLogger{}
	}
	return &Publisher{writer: w, config: config}
}

// ApplyAccess implements subsync.AccessController.
func (p *Publisher) ApplyAccess(ctx context.Context, a *subsync.Access) error {
	if p.config.Next != nil {
		if err := p.config.Next.ApplyAccess(ctx, a); err != nil {
			return err
		}
	}

	value, err := json.Marshal(AccessChange{
		CustomerID:     a.CustomerID,
		State:          a.State,
		KeepData:       a.KeepData,
		SubscriptionID: a.SubscriptionID,
		Reason:         a.Reason,
		ChangedAt:      a.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal access change: %w", err)
	}

	msg := skafka.Message{
		Key:   []byte(a.CustomerID),
		Value: value,
		Headers: []skafka.Header{
			{Key: "type", Value: []byte("access." + string(a.State))},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.config.Logger.Error("Failed to publish access change",
			subsync.Field{Key: "customer_id", Value: a.CustomerID},
			subsync.Field{Key: "topic", Value: p.config.Topic},
			subsync.Field{Key: "error", Value: err},
		)
		if p.config.FailOnPublishError {
			return fmt.Errorf("publish access change: %w", err)
		}
	}
	return nil
}

// Close closes the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

var _ subsync.AccessController = (*Publisher)(nil)
