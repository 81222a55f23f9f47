package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// MaxReplays caps how often one request may travel from the DLQ back to the
// verification topic.
const MaxReplays = MaxRetries * 2

var ErrReplayLimit = errors.New("exceeded maximum replay attempts")

type DLQOptions struct {
	GroupID string
	// Replay sends entries back to the verification topic after ReplayDelay.
	// Without it entries are only logged.
	Replay      bool
	ReplayDelay time.Duration
}

type DLQEntry struct {
	Request  VerificationRequest `json:"request"`
	Metadata MessageMetadata     `json:"metadata"`
}

type DLQProcessor struct {
	consumer sarama.ConsumerGroup
	producer sarama.SyncProducer
	opts     DLQOptions
	logger   *logrus.Logger
}

func NewDLQProcessor(brokers string, opts DLQOptions, logger *logrus.Logger) (*DLQProcessor, error) {
	if opts.GroupID == "" {
		opts.GroupID = "payment-dlq-monitor-group"
	}

	consumerConfig := sarama.NewConfig()
	consumerConfig.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin
	consumerConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	consumerConfig.Version = sarama.V2_6_0_0

	consumer, err := sarama.NewConsumerGroup(strings.Split(brokers, ","), opts.GroupID, consumerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create DLQ consumer: %w", err)
	}

	producer, err := sarama.NewSyncProducer(strings.Split(brokers, ","), newProducerConfig())
	if err != nil {
		consumer.Close()
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}

	return &DLQProcessor{
		consumer: consumer,
		producer: producer,
		opts:     opts,
		logger:   logger,
	}, nil
}

func (p *DLQProcessor) ProcessDLQ(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("DLQ processor context cancelled")
			return nil
		default:
			if err := p.consumer.Consume(ctx, []string{VerificationDLQTopic}, p); err != nil {
				p.logger.WithError(err).Error("Error consuming from DLQ")
				return err
			}
		}
	}
}

// DecodeDLQEntry reads the request and failure metadata from a DLQ message.
func DecodeDLQEntry(message *sarama.ConsumerMessage) (DLQEntry, error) {
	entry := DLQEntry{Metadata: extractMetadata(message)}
	if err := json.Unmarshal(message.Value, &entry.Request); err != nil {
		return entry, fmt.Errorf("failed to decode DLQ payload: %w", err)
	}
	return entry, nil
}

// ReplayMessage puts a DLQ entry back on the verification topic.
func ReplayMessage(producer sarama.SyncProducer, message *sarama.ConsumerMessage, logger *logrus.Logger) error {
	metadata := extractMetadata(message)
	if metadata.RetryCount >= MaxReplays {
		logger.WithFields(logrus.Fields{
			"key":         string(message.Key),
			"retry_count": metadata.RetryCount,
		}).Error("Message exceeded maximum replay attempts")
		return ErrReplayLimit
	}

	metadataBytes, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	replayMessage := &sarama.ProducerMessage{
		Topic: VerificationRequestedTopic,
		Key:   sarama.ByteEncoder(message.Key),
		Value: sarama.ByteEncoder(message.Value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("metadata"), Value: metadataBytes},
			{Key: []byte("retry_count"), Value: []byte(strconv.Itoa(metadata.RetryCount))},
			{Key: []byte("replayed_from_dlq"), Value: []byte("true")},
			{Key: []byte("replay_time"), Value: []byte(time.Now().Format(time.RFC3339))},
		},
	}

	partition, offset, err := producer.SendMessage(replayMessage)
	if err != nil {
		return fmt.Errorf("failed to replay message: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"replay_topic":     VerificationRequestedTopic,
		"replay_partition": partition,
		"replay_offset":    offset,
		"key":              string(message.Key),
	}).Info("Message replayed from DLQ")

	return nil
}

func (p *DLQProcessor) Close() error {
	if err := p.producer.Close(); err != nil {
		p.logger.WithError(err).Error("Failed to close producer")
	}
	return p.consumer.Close()
}

func (p *DLQProcessor) Setup(sarama.ConsumerGroupSession) error {
	p.logger.Info("DLQ consumer session setup")
	return nil
}

func (p *DLQProcessor) Cleanup(sarama.ConsumerGroupSession) error {
	p.logger.Info("DLQ consumer session cleanup")
	return nil
}

func (p *DLQProcessor) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}

			entry, err := DecodeDLQEntry(message)
			fields := logrus.Fields{
				"partition":      message.Partition,
				"offset":         message.Offset,
				"reference":      entry.Request.Reference,
				"order_id":       entry.Request.OrderID,
				"original_topic": entry.Metadata.OriginalTopic,
				"retry_count":    entry.Metadata.RetryCount,
				"first_failure":  entry.Metadata.FirstFailure,
				"last_failure":   entry.Metadata.LastFailure,
				"error_message":  entry.Metadata.ErrorMessage,
			}
			if err != nil {
				p.logger.WithError(err).WithFields(fields).Error("Undecodable DLQ message")
			} else {
				p.logger.WithFields(fields).Warn("Verification request in DLQ, order remains locked")
			}

			if p.opts.Replay && err == nil {
				select {
				case <-time.After(p.opts.ReplayDelay):
				case <-session.Context().Done():
					return nil
				}
				if err := ReplayMessage(p.producer, message, p.logger); err != nil {
					p.logger.WithError(err).Error("Failed to replay DLQ message")
				}
			}

			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}
