package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// amqpChannel is the part of *amqp.Channel the publisher uses.
type amqpChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher publishes to one durable queue per topic on the default
// exchange, using the topic name as the queue name.
type AMQPPublisher struct {
	conn    *amqp.Connection
	channel amqpChannel
	logger  *logrus.Logger

	mu       sync.Mutex
	declared map[string]bool
}

func NewAMQPPublisher(url string, logger *logrus.Logger) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	p := newAMQPPublisher(ch, logger)
	p.conn = conn
	return p, nil
}

func newAMQPPublisher(ch amqpChannel, logger *logrus.Logger) *AMQPPublisher {
	return &AMQPPublisher{
		channel:  ch,
		logger:   logger,
		declared: make(map[string]bool),
	}
}

func (p *AMQPPublisher) PublishPaymentEvent(ctx context.Context, event PaymentEvent) error {
	event.EventTime = time.Now()
	return p.publish(ctx, event.EventType, event.EventID, event)
}

func (p *AMQPPublisher) PublishVerificationRequest(ctx context.Context, req VerificationRequest) error {
	return p.publish(ctx, VerificationRequestedTopic, req.Reference, req)
}

func (p *AMQPPublisher) publish(ctx context.Context, topic, messageID string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", topic, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.declared[topic] {
		if _, err := p.channel.QueueDeclare(
			topic, // name of the queue
			true,  // durable
			false, // delete when unused
			false, // exclusive
			false, // no-wait
			nil,   // arguments
		); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", topic, err)
		}
		p.declared[topic] = true
	}

	err = p.channel.PublishWithContext(ctx,
		"", topic, false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    messageID,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		p.logger.WithError(err).WithField("queue", topic).Error("Failed to publish message to RabbitMQ")
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	p.logger.WithFields(logrus.Fields{
		"queue":      topic,
		"message_id": messageID,
	}).Info("Event published to RabbitMQ")
	return nil
}

func (p *AMQPPublisher) Close() error {
	err := p.channel.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
