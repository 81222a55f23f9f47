package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

func newProducerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Version = sarama.V2_6_0_0
	return config
}

type KafkaPublisher struct {
	producer sarama.SyncProducer
	logger   *logrus.Logger
}

func NewKafkaPublisher(brokers string, logger *logrus.Logger) (*KafkaPublisher, error) {
	producer, err := sarama.NewSyncProducer(strings.Split(brokers, ","), newProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return NewKafkaPublisherWithProducer(producer, logger), nil
}

func NewKafkaPublisherWithProducer(producer sarama.SyncProducer, logger *logrus.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		producer: producer,
		logger:   logger,
	}
}

func (p *KafkaPublisher) PublishPaymentEvent(ctx context.Context, event PaymentEvent) error {
	event.EventTime = time.Now()
	return p.send(event.EventType, event.OrderID, event)
}

func (p *KafkaPublisher) PublishVerificationRequest(ctx context.Context, req VerificationRequest) error {
	return p.send(VerificationRequestedTopic, req.Reference, req)
}

func (p *KafkaPublisher) send(topic, key string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", topic, err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(data),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.logger.WithError(err).WithField("topic", topic).Error("Failed to send message to Kafka")
		return err
	}

	p.logger.WithFields(logrus.Fields{
		"topic":     topic,
		"partition": partition,
		"offset":    offset,
		"key":       key,
	}).Info("Event published to Kafka")

	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}
