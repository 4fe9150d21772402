package events

import (
	"context"
	"encoding/json"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	MaxRetries        = 3
	InitialRetryDelay = 1 * time.Second
	MaxRetryDelay     = 30 * time.Second

	headerRetryCount = "retry_count"
	headerMetadata   = "metadata"
)

// ErrNonRetryable marks handler errors that go straight to the DLQ.
var ErrNonRetryable = errors.New("non-retryable")

type Handler interface {
	HandleOrderEvent(ctx context.Context, event OrderEvent) error
}

type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   MaxRetries,
		InitialDelay: InitialRetryDelay,
		MaxDelay:     MaxRetryDelay,
	}
}

type ConsumerMetrics struct {
	Processed int64 `json:"processed"`
	Retries   int64 `json:"retries"`
	DLQ       int64 `json:"dlq"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
}

type consumerCounters struct {
	processed atomic.Int64
	retries   atomic.Int64
	dlq       atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
}

type MessageMetadata struct {
	RetryCount    int       `json:"retry_count"`
	FailedAt      time.Time `json:"failed_at"`
	OriginalTopic string    `json:"original_topic"`
	ErrorMessage  string    `json:"error_message"`
}

// Consumer reads order events with a consumer group, retries failed
// messages with exponential backoff and parks exhausted ones on the DLQ.
type Consumer struct {
	group    sarama.ConsumerGroup
	producer sarama.SyncProducer
	handler  Handler
	policy   RetryPolicy
	logger   *logrus.Logger
	topics   []string
	counters consumerCounters
}

func NewConsumer(brokers []string, groupID string, handler Handler, logger *logrus.Logger) (*Consumer, error) {
	config := NewSaramaConfig()

	group, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create consumer group")
	}

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		group.Close()
		return nil, errors.Wrap(err, "failed to create producer for DLQ")
	}

	return newConsumer(group, producer, handler, DefaultRetryPolicy(), logger), nil
}

func newConsumer(group sarama.ConsumerGroup, producer sarama.SyncProducer, handler Handler, policy RetryPolicy, logger *logrus.Logger) *Consumer {
	return &Consumer{
		group:    group,
		producer: producer,
		handler:  handler,
		policy:   policy,
		logger:   logger,
		topics:   []string{OrderEventsTopic},
	}
}

// Start blocks until ctx is cancelled or the group fails.
func (c *Consumer) Start(ctx context.Context) error {
	for {
		if err := c.group.Consume(ctx, c.topics, c); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.logger.WithError(err).Error("Error consuming from Kafka")
			return err
		}
		if ctx.Err() != nil {
			c.logger.Info("Kafka consumer context cancelled")
			return nil
		}
	}
}

func (c *Consumer) Close() error {
	if err := c.producer.Close(); err != nil {
		c.logger.WithError(err).Error("Failed to close DLQ producer")
	}
	return c.group.Close()
}

func (c *Consumer) Metrics() ConsumerMetrics {
	return ConsumerMetrics{
		Processed: c.counters.processed.Load(),
		Retries:   c.counters.retries.Load(),
		DLQ:       c.counters.dlq.Load(),
		Succeeded: c.counters.succeeded.Load(),
		Failed:    c.counters.failed.Load(),
	}
}

func (c *Consumer) Setup(sarama.ConsumerGroupSession) error {
	c.logger.Info("Kafka consumer group session setup")
	return nil
}

func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error {
	c.logger.Info("Kafka consumer group session cleanup")
	return nil
}

func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if !c.process(session.Context(), message) {
				// Leaving the offset unmarked ends the session; the message
				// is redelivered once the group rejoins.
				c.logger.WithFields(logrus.Fields{
					"partition": message.Partition,
					"offset":    message.Offset,
				}).Warn("Order event left unsettled, stopping claim")
				return nil
			}
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

// process handles one message end to end and reports whether it is settled,
// that is handled or parked on the DLQ. Only settled messages may be marked.
func (c *Consumer) process(ctx context.Context, message *sarama.ConsumerMessage) bool {
	c.counters.processed.Add(1)

	err := c.handleWithRetry(ctx, message)
	if err == nil {
		c.counters.succeeded.Add(1)
		return true
	}
	if ctx.Err() != nil {
		return false
	}

	c.counters.failed.Add(1)
	c.logger.WithError(err).WithField("key", string(message.Key)).Error("Failed to process message after retries")

	if dlqErr := c.sendToDLQ(message, err); dlqErr != nil {
		c.logger.WithError(dlqErr).Error("Failed to send message to DLQ")
		return false
	}
	c.counters.dlq.Add(1)
	return true
}

func (c *Consumer) handleWithRetry(ctx context.Context, message *sarama.ConsumerMessage) error {
	logger := c.logger.WithFields(logrus.Fields{
		"topic":     message.Topic,
		"partition": message.Partition,
		"offset":    message.Offset,
		"key":       string(message.Key),
	})

	var event OrderEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		logger.WithError(err).Error("Failed to unmarshal order event")
		return errors.Wrap(ErrNonRetryable, err.Error())
	}

	delay := c.policy.InitialDelay
	for attempt := 0; attempt <= c.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			logger.WithFields(logrus.Fields{
				"order_id": event.OrderID,
				"attempt":  attempt,
				"delay":    delay,
			}).Info("Retrying order event")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			c.counters.retries.Add(1)

			delay *= 2
			if delay > c.policy.MaxDelay {
				delay = c.policy.MaxDelay
			}
		}

		err := c.handler.HandleOrderEvent(ctx, event)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNonRetryable) {
			logger.WithError(err).Error("Non-retryable error encountered")
			return err
		}
		logger.WithError(err).WithField("attempt", attempt+1).Warn("Retryable error processing order event")
	}

	return errors.Errorf("exhausted retries for order %s", event.OrderID)
}

func (c *Consumer) sendToDLQ(message *sarama.ConsumerMessage, processingError error) error {
	retryCount := RetryCount(message)
	metadata := MessageMetadata{
		RetryCount:    retryCount,
		FailedAt:      time.Now().UTC(),
		OriginalTopic: message.Topic,
		ErrorMessage:  processingError.Error(),
	}
	metadataBytes, err := json.Marshal(metadata)
	if err != nil {
		return errors.Wrap(err, "failed to marshal metadata")
	}

	dlqMessage := &sarama.ProducerMessage{
		Topic: OrderEventsDLQTopic,
		Key:   sarama.ByteEncoder(message.Key),
		Value: sarama.ByteEncoder(message.Value),
		Headers: []sarama.RecordHeader{
			{Key: []byte(headerMetadata), Value: metadataBytes},
			{Key: []byte(headerRetryCount), Value: []byte(strconv.Itoa(retryCount))},
			{Key: []byte("original_topic"), Value: []byte(message.Topic)},
			{Key: []byte("original_partition"), Value: []byte(strconv.Itoa(int(message.Partition)))},
			{Key: []byte("original_offset"), Value: []byte(strconv.FormatInt(message.Offset, 10))},
		},
	}

	partition, offset, err := c.producer.SendMessage(dlqMessage)
	if err != nil {
		return errors.Wrap(err, "failed to send to DLQ")
	}

	c.logger.WithFields(logrus.Fields{
		"dlq_topic":     OrderEventsDLQTopic,
		"dlq_partition": partition,
		"dlq_offset":    offset,
		"original_key":  string(message.Key),
		"error":         processingError.Error(),
	}).Warn("Message sent to dead letter queue")
	return nil
}

// RetryCount reads how many times a message has already been replayed from the DLQ.
func RetryCount(message *sarama.ConsumerMessage) int {
	for _, header := range message.Headers {
		if header != nil && string(header.Key) == headerRetryCount {
			if count, err := strconv.Atoi(string(header.Value)); err == nil {
				return count
			}
		}
	}
	return 0
}

func Metadata(message *sarama.ConsumerMessage) (MessageMetadata, bool) {
	for _, header := range message.Headers {
		if header != nil && string(header.Key) == headerMetadata {
			var metadata MessageMetadata
			if err := json.Unmarshal(header.Value, &metadata); err == nil {
				return metadata, true
			}
		}
	}
	return MessageMetadata{}, false
}
