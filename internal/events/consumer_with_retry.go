package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/jogardn/payment-reconciler/internal/retry"
	"github.com/sirupsen/logrus"
)

const (
	MaxRetries        = 3
	InitialRetryDelay = 1 * time.Second
	MaxRetryDelay     = 30 * time.Second
)

type VerificationHandler interface {
	HandleVerificationRequest(ctx context.Context, req VerificationRequest) error
	IsRetryable(err error) bool
}

type ConsumerOptions struct {
	GroupID      string
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func (o ConsumerOptions) withDefaults() ConsumerOptions {
	if o.GroupID == "" {
		o.GroupID = "payment-verification-group"
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = MaxRetries
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = InitialRetryDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = MaxRetryDelay
	}
	return o
}

// VerificationConsumer works off deferred verification requests. A request
// that still fails after its retries goes to the DLQ with its failure
// metadata in headers.
type VerificationConsumer struct {
	consumerGroup sarama.ConsumerGroup
	producer      sarama.SyncProducer
	handler       VerificationHandler
	opts          ConsumerOptions
	logger        *logrus.Logger
	topics        []string
	metrics       *ConsumerMetrics
}

type ConsumerMetrics struct {
	ProcessedCount atomic.Int64
	RetryCount     atomic.Int64
	DLQCount       atomic.Int64
	SuccessCount   atomic.Int64
	FailureCount   atomic.Int64
}

type MetricsSnapshot struct {
	ProcessedCount int64 `json:"processed_count"`
	RetryCount     int64 `json:"retry_count"`
	DLQCount       int64 `json:"dlq_count"`
	SuccessCount   int64 `json:"success_count"`
	FailureCount   int64 `json:"failure_count"`
}

type MessageMetadata struct {
	RetryCount    int       `json:"retry_count"`
	FirstFailure  time.Time `json:"first_failure"`
	LastFailure   time.Time `json:"last_failure"`
	OriginalTopic string    `json:"original_topic"`
	ErrorMessage  string    `json:"error_message"`
}

func NewVerificationConsumer(brokers string, handler VerificationHandler, opts ConsumerOptions, logger *logrus.Logger) (*VerificationConsumer, error) {
	opts = opts.withDefaults()

	consumerConfig := sarama.NewConfig()
	consumerConfig.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin
	consumerConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	consumerConfig.Version = sarama.V2_6_0_0

	consumerGroup, err := sarama.NewConsumerGroup(strings.Split(brokers, ","), opts.GroupID, consumerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	producer, err := sarama.NewSyncProducer(strings.Split(brokers, ","), newProducerConfig())
	if err != nil {
		consumerGroup.Close()
		return nil, fmt.Errorf("failed to create producer for DLQ: %w", err)
	}

	return newVerificationConsumer(consumerGroup, producer, handler, opts, logger), nil
}

func newVerificationConsumer(group sarama.ConsumerGroup, producer sarama.SyncProducer, handler VerificationHandler, opts ConsumerOptions, logger *logrus.Logger) *VerificationConsumer {
	return &VerificationConsumer{
		consumerGroup: group,
		producer:      producer,
		handler:       handler,
		opts:          opts.withDefaults(),
		logger:        logger,
		topics:        []string{VerificationRequestedTopic},
		metrics:       &ConsumerMetrics{},
	}
}

func (c *VerificationConsumer) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Verification consumer context cancelled")
			return nil
		default:
			if err := c.consumerGroup.Consume(ctx, c.topics, c); err != nil {
				c.logger.WithError(err).Error("Error consuming from Kafka")
				return err
			}
		}
	}
}

func (c *VerificationConsumer) Close() error {
	if err := c.producer.Close(); err != nil {
		c.logger.WithError(err).Error("Failed to close producer")
	}
	return c.consumerGroup.Close()
}

func (c *VerificationConsumer) GetMetrics() MetricsSnapshot {
	return MetricsSnapshot{
		ProcessedCount: c.metrics.ProcessedCount.Load(),
		RetryCount:     c.metrics.RetryCount.Load(),
		DLQCount:       c.metrics.DLQCount.Load(),
		SuccessCount:   c.metrics.SuccessCount.Load(),
		FailureCount:   c.metrics.FailureCount.Load(),
	}
}

func (c *VerificationConsumer) Setup(sarama.ConsumerGroupSession) error {
	c.logger.Info("Kafka consumer group session setup")
	return nil
}

func (c *VerificationConsumer) Cleanup(sarama.ConsumerGroupSession) error {
	c.logger.Info("Kafka consumer group session cleanup")
	return nil
}

func (c *VerificationConsumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}
			c.process(session.Context(), message)
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			c.logger.Info("Consumer group session context cancelled")
			return nil
		}
	}
}

// process handles one message and sends it to the DLQ if it cannot be
// handled. It reports whether the handler eventually succeeded.
func (c *VerificationConsumer) process(ctx context.Context, message *sarama.ConsumerMessage) bool {
	c.metrics.ProcessedCount.Add(1)

	if err := c.handleMessageWithRetry(ctx, message); err != nil {
		c.logger.WithError(err).Error("Failed to process message after retries")
		c.metrics.FailureCount.Add(1)

		if dlqErr := c.sendToDLQ(message, err); dlqErr != nil {
			c.logger.WithError(dlqErr).Error("Failed to send message to DLQ")
		} else {
			c.metrics.DLQCount.Add(1)
		}
		return false
	}

	c.metrics.SuccessCount.Add(1)
	return true
}

func (c *VerificationConsumer) handleMessageWithRetry(ctx context.Context, message *sarama.ConsumerMessage) error {
	c.logger.WithFields(logrus.Fields{
		"topic":     message.Topic,
		"partition": message.Partition,
		"offset":    message.Offset,
		"key":       string(message.Key),
	}).Info("Processing verification request")

	var req VerificationRequest
	if err := json.Unmarshal(message.Value, &req); err != nil {
		return fmt.Errorf("failed to unmarshal verification request: %w", err)
	}
	if req.Reference == "" {
		return fmt.Errorf("verification request without reference")
	}

	policy := retry.Policy{
		Attempts:     c.opts.MaxRetries + 1,
		InitialDelay: c.opts.InitialDelay,
		MaxDelay:     c.opts.MaxDelay,
		Retryable:    c.handler.IsRetryable,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			c.metrics.RetryCount.Add(1)
			c.logger.WithError(err).WithFields(logrus.Fields{
				"reference": req.Reference,
				"attempt":   attempt,
				"delay":     delay,
			}).Warn("Retryable error verifying payment")
		},
	}

	attempts, err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		return c.handler.HandleVerificationRequest(ctx, req)
	})
	if err != nil {
		return fmt.Errorf("verification of %s failed after %d attempts: %w", req.Reference, attempts, err)
	}

	c.logger.WithFields(logrus.Fields{
		"reference": req.Reference,
		"attempts":  attempts,
	}).Info("Deferred verification completed")
	return nil
}

func extractMetadata(message *sarama.ConsumerMessage) MessageMetadata {
	metadata := MessageMetadata{OriginalTopic: message.Topic}

	for _, header := range message.Headers {
		switch string(header.Key) {
		case "retry_count":
			if count, err := strconv.Atoi(string(header.Value)); err == nil {
				metadata.RetryCount = count
			}
		case "metadata":
			var stored MessageMetadata
			if err := json.Unmarshal(header.Value, &stored); err == nil {
				metadata = stored
			}
		}
	}

	return metadata
}

func (c *VerificationConsumer) sendToDLQ(message *sarama.ConsumerMessage, processingError error) error {
	now := time.Now()
	previous := extractMetadata(message)
	metadata := MessageMetadata{
		RetryCount:    previous.RetryCount + 1,
		FirstFailure:  now,
		LastFailure:   now,
		OriginalTopic: message.Topic,
		ErrorMessage:  processingError.Error(),
	}
	if !previous.FirstFailure.IsZero() {
		metadata.FirstFailure = previous.FirstFailure
	}

	metadataBytes, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	dlqMessage := &sarama.ProducerMessage{
		Topic: VerificationDLQTopic,
		Key:   sarama.ByteEncoder(message.Key),
		Value: sarama.ByteEncoder(message.Value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("metadata"), Value: metadataBytes},
			{Key: []byte("original_topic"), Value: []byte(message.Topic)},
			{Key: []byte("original_partition"), Value: []byte(strconv.Itoa(int(message.Partition)))},
			{Key: []byte("original_offset"), Value: []byte(strconv.FormatInt(message.Offset, 10))},
			{Key: []byte("failure_time"), Value: []byte(now.Format(time.RFC3339))},
		},
	}

	partition, offset, err := c.producer.SendMessage(dlqMessage)
	if err != nil {
		return fmt.Errorf("failed to send to DLQ: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"dlq_topic":     VerificationDLQTopic,
		"dlq_partition": partition,
		"dlq_offset":    offset,
		"original_key":  string(message.Key),
		"error":         processingError.Error(),
	}).Warn("Message sent to dead letter queue")

	return nil
}
