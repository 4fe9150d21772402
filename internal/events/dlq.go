package events

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// MaxReplays is how many times a dead letter is sent back before it is dropped.
const MaxReplays = MaxRetries * 2

var ErrReplayLimit = errors.New("exceeded maximum replay attempts")

type DLQStats struct {
	Seen     int64 `json:"seen"`
	Replayed int64 `json:"replayed"`
	Dropped  int64 `json:"dropped"`
}

// DLQProcessor logs dead letters and optionally replays them onto the main topic.
type DLQProcessor struct {
	group    sarama.ConsumerGroup
	producer sarama.SyncProducer
	replay   bool
	delay    time.Duration
	logger   *logrus.Logger

	seen     atomic.Int64
	replayed atomic.Int64
	dropped  atomic.Int64
}

type DLQOptions struct {
	GroupID string
	Replay  bool
	// Delay is how long to wait before replaying each dead letter.
	Delay time.Duration
}

func NewDLQProcessor(brokers []string, opts DLQOptions, logger *logrus.Logger) (*DLQProcessor, error) {
	config := NewSaramaConfig()

	group, err := sarama.NewConsumerGroup(brokers, opts.GroupID, config)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create DLQ consumer")
	}

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		group.Close()
		return nil, errors.Wrap(err, "failed to create replay producer")
	}

	return newDLQProcessor(group, producer, opts, logger), nil
}

func newDLQProcessor(group sarama.ConsumerGroup, producer sarama.SyncProducer, opts DLQOptions, logger *logrus.Logger) *DLQProcessor {
	return &DLQProcessor{
		group:    group,
		producer: producer,
		replay:   opts.Replay,
		delay:    opts.Delay,
		logger:   logger,
	}
}

func (p *DLQProcessor) Start(ctx context.Context) error {
	for {
		if err := p.group.Consume(ctx, []string{OrderEventsDLQTopic}, p); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			p.logger.WithError(err).Error("Error consuming from DLQ")
			return err
		}
		if ctx.Err() != nil {
			p.logger.Info("DLQ processor context cancelled")
			return nil
		}
	}
}

func (p *DLQProcessor) Stats() DLQStats {
	return DLQStats{
		Seen:     p.seen.Load(),
		Replayed: p.replayed.Load(),
		Dropped:  p.dropped.Load(),
	}
}

func (p *DLQProcessor) Close() error {
	if err := p.producer.Close(); err != nil {
		p.logger.WithError(err).Error("Failed to close replay producer")
	}
	return p.group.Close()
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
			if !ok {
				return nil
			}
			if err := p.handle(session.Context(), message); err != nil {
				if session.Context().Err() != nil {
					return nil
				}
				p.logger.WithError(err).Error("Failed to replay DLQ message")
			}
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

func (p *DLQProcessor) handle(ctx context.Context, message *sarama.ConsumerMessage) error {
	p.seen.Add(1)

	metadata, _ := Metadata(message)
	p.logger.WithFields(logrus.Fields{
		"partition":      message.Partition,
		"offset":         message.Offset,
		"key":            string(message.Key),
		"original_topic": metadata.OriginalTopic,
		"retry_count":    metadata.RetryCount,
		"failed_at":      metadata.FailedAt,
		"error_message":  metadata.ErrorMessage,
	}).Warn("DLQ message detected")

	if !p.replay {
		return nil
	}

	if p.delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.delay):
		}
	}
	return p.Replay(message)
}

// Replay republishes a dead letter onto the main topic with its replay
// count incremented.
func (p *DLQProcessor) Replay(message *sarama.ConsumerMessage) error {
	retryCount := RetryCount(message)
	if retryCount >= MaxReplays {
		p.dropped.Add(1)
		p.logger.WithFields(logrus.Fields{
			"order_key":   string(message.Key),
			"retry_count": retryCount,
		}).Error("Message exceeded maximum replay attempts")
		return ErrReplayLimit
	}

	replayMessage := &sarama.ProducerMessage{
		Topic: OrderEventsTopic,
		Key:   sarama.ByteEncoder(message.Key),
		Value: sarama.ByteEncoder(message.Value),
		Headers: []sarama.RecordHeader{
			{Key: []byte(headerRetryCount), Value: []byte(strconv.Itoa(retryCount + 1))},
			{Key: []byte("replayed_from_dlq"), Value: []byte("true")},
			{Key: []byte("replay_time"), Value: []byte(time.Now().UTC().Format(time.RFC3339))},
		},
	}

	partition, offset, err := p.producer.SendMessage(replayMessage)
	if err != nil {
		return errors.Wrap(err, "failed to replay message")
	}
	p.replayed.Add(1)

	p.logger.WithFields(logrus.Fields{
		"replay_topic":     OrderEventsTopic,
		"replay_partition": partition,
		"replay_offset":    offset,
		"order_key":        string(message.Key),
		"retry_count":      retryCount + 1,
	}).Info("Message replayed from DLQ")
	return nil
}
