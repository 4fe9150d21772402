package events

import (
	"context"
	"encoding/json"

	"github.com/IBM/sarama"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jogardn/foodin/internal/circuitbreaker"
)

type Publisher interface {
	Publish(ctx context.Context, event OrderEvent) error
}

// NewSaramaConfig is the producer configuration shared by every binary.
func NewSaramaConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Version = sarama.V2_6_0_0
	return config
}

type KafkaProducer struct {
	producer sarama.SyncProducer
	breaker  *circuitbreaker.CircuitBreaker
	logger   *logrus.Logger
	topic    string
}

func NewKafkaProducer(brokers []string, breaker *circuitbreaker.CircuitBreaker, logger *logrus.Logger) (*KafkaProducer, error) {
	producer, err := sarama.NewSyncProducer(brokers, NewSaramaConfig())
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Kafka producer")
	}
	return NewKafkaProducerWith(producer, breaker, logger), nil
}

// NewKafkaProducerWith wraps an existing SyncProducer.
func NewKafkaProducerWith(producer sarama.SyncProducer, breaker *circuitbreaker.CircuitBreaker, logger *logrus.Logger) *KafkaProducer {
	return &KafkaProducer{
		producer: producer,
		breaker:  breaker,
		logger:   logger,
		topic:    OrderEventsTopic,
	}
}

func (p *KafkaProducer) Publish(ctx context.Context, event OrderEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "failed to marshal order event")
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.OrderID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(event.Type)},
		},
	}

	var partition int32
	var offset int64
	send := func(ctx context.Context) error {
		var err error
		partition, offset, err = p.producer.SendMessage(msg)
		return err
	}
	if p.breaker != nil {
		err = p.breaker.Execute(ctx, send)
	} else {
		err = send(ctx)
	}
	if err != nil {
		p.logger.WithError(err).WithFields(logrus.Fields{
			"topic":    p.topic,
			"order_id": event.OrderID,
			"type":     event.Type,
		}).Error("Failed to send message to Kafka")
		return errors.Wrap(err, "failed to publish order event")
	}

	p.logger.WithFields(logrus.Fields{
		"topic":     p.topic,
		"partition": partition,
		"offset":    offset,
		"order_id":  event.OrderID,
		"type":      event.Type,
	}).Info("Event published to Kafka")
	return nil
}

func (p *KafkaProducer) Close() error {
	return p.producer.Close()
}

// LogPublisher stands in for Kafka when no brokers are configured.
type LogPublisher struct {
	Logger *logrus.Logger
}

func (p LogPublisher) Publish(ctx context.Context, event OrderEvent) error {
	p.Logger.WithFields(logrus.Fields{
		"order_id": event.OrderID,
		"type":     event.Type,
		"status":   event.Status,
	}).Debug("Order event (Kafka disabled)")
	return nil
}
