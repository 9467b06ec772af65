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

const (
	OrderDeliveredDLQTopic = "order.delivered.dlq"
	MaxRetries             = 3
	InitialRetryDelay      = 1 * time.Second
	MaxRetryDelay          = 30 * time.Second
)

// RetryableDeliveredHandler processes delivered-order events. IsRetryable
// separates transient store failures (worth a backoff) from permanent ones
// (straight to the DLQ).
type RetryableDeliveredHandler interface {
	HandleOrderDelivered(event OrderDeliveredEvent) error
	IsRetryable(err error) bool
}

type KafkaConsumerWithRetry struct {
	consumerGroup sarama.ConsumerGroup
	producer      sarama.SyncProducer
	handler       RetryableDeliveredHandler
	logger        *logrus.Logger
	topics        []string
}

func NewKafkaConsumerWithRetry(brokers, groupID string, handler RetryableDeliveredHandler, logger *logrus.Logger) (*KafkaConsumerWithRetry, error) {
	consumerConfig := sarama.NewConfig()
	consumerConfig.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin
	consumerConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	consumerConfig.Version = sarama.V2_6_0_0

	consumerGroup, err := sarama.NewConsumerGroup(strings.Split(brokers, ","), groupID, consumerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	// Producer config for DLQ
	producerConfig := sarama.NewConfig()
	producerConfig.Producer.RequiredAcks = sarama.WaitForAll
	producerConfig.Producer.Retry.Max = 5
	producerConfig.Producer.Return.Successes = true
	producerConfig.Version = sarama.V2_6_0_0

	producer, err := sarama.NewSyncProducer(strings.Split(brokers, ","), producerConfig)
	if err != nil {
		consumerGroup.Close()
		return nil, fmt.Errorf("failed to create producer for DLQ: %w", err)
	}

	return &KafkaConsumerWithRetry{
		consumerGroup: consumerGroup,
		producer:      producer,
		handler:       handler,
		logger:        logger,
		topics:        []string{OrderDeliveredTopic},
	}, nil
}

func (c *KafkaConsumerWithRetry) Start(ctx context.Context) error {
	handler := &deliveredGroupHandler{
		handler:  c.handler,
		producer: c.producer,
		logger:   c.logger,
	}

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Kafka consumer context cancelled")
			return nil
		default:
			if err := c.consumerGroup.Consume(ctx, c.topics, handler); err != nil {
				c.logger.WithError(err).Error("Error consuming from Kafka")
				return err
			}
		}
	}
}

func (c *KafkaConsumerWithRetry) Close() error {
	if err := c.producer.Close(); err != nil {
		c.logger.WithError(err).Error("Failed to close producer")
	}
	return c.consumerGroup.Close()
}

type deliveredGroupHandler struct {
	handler  RetryableDeliveredHandler
	producer sarama.SyncProducer
	logger   *logrus.Logger
}

func (h *deliveredGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.logger.Info("Kafka consumer group session setup")
	return nil
}

func (h *deliveredGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.logger.Info("Kafka consumer group session cleanup")
	return nil
}

func (h *deliveredGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message := <-claim.Messages():
			if message == nil {
				return nil
			}

			if err := h.handleMessageWithRetry(message); err != nil {
				h.logger.WithError(err).Error("Failed to process message after retries")
				if dlqErr := h.sendToDLQ(message, err); dlqErr != nil {
					h.logger.WithError(dlqErr).Error("Failed to send message to DLQ")
				}
			}

			session.MarkMessage(message, "")

		case <-session.Context().Done():
			h.logger.Info("Consumer group session context cancelled")
			return nil
		}
	}
}

func (h *deliveredGroupHandler) handleMessageWithRetry(message *sarama.ConsumerMessage) error {
	h.logger.WithFields(logrus.Fields{
		"topic":     message.Topic,
		"partition": message.Partition,
		"offset":    message.Offset,
		"key":       string(message.Key),
	}).Info("Processing delivered-order message")

	var event OrderDeliveredEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		h.logger.WithError(err).Error("Failed to unmarshal delivered-order event")
		return err // Non-retryable error
	}

	retryDelay := InitialRetryDelay
	for attempt := 0; attempt <= MaxRetries; attempt++ {
		if attempt > 0 {
			h.logger.WithFields(logrus.Fields{
				"order_id": event.OrderID,
				"attempt":  attempt,
				"delay":    retryDelay,
			}).Info("Retrying delivered-order processing")

			time.Sleep(retryDelay)
			retryDelay = retryDelay * 2
			if retryDelay > MaxRetryDelay {
				retryDelay = MaxRetryDelay
			}
		}

		err := h.handler.HandleOrderDelivered(event)
		if err == nil {
			return nil
		}

		if !h.handler.IsRetryable(err) {
			h.logger.WithError(err).Error("Non-retryable error encountered")
			return err
		}

		h.logger.WithError(err).WithField("attempt", attempt+1).Warn("Retryable error processing delivered order")
	}

	return fmt.Errorf("exhausted retries for order %s", event.OrderID)
}

func (h *deliveredGroupHandler) sendToDLQ(message *sarama.ConsumerMessage, processingError error) error {
	dlqMessage := &sarama.ProducerMessage{
		Topic: OrderDeliveredDLQTopic,
		Key:   sarama.ByteEncoder(message.Key),
		Value: sarama.ByteEncoder(message.Value),
		Headers: []sarama.RecordHeader{
			{
				Key:   []byte("original_topic"),
				Value: []byte(message.Topic),
			},
			{
				Key:   []byte("error"),
				Value: []byte(processingError.Error()),
			},
			{
				Key:   []byte("failure_time"),
				Value: []byte(time.Now().UTC().Format(time.RFC3339)),
			},
		},
	}

	partition, offset, err := h.producer.SendMessage(dlqMessage)
	if err != nil {
		return fmt.Errorf("failed to send to DLQ: %w", err)
	}

	h.logger.WithFields(logrus.Fields{
		"dlq_topic":     OrderDeliveredDLQTopic,
		"dlq_partition": partition,
		"dlq_offset":    offset,
		"original_key":  string(message.Key),
		"error":         processingError.Error(),
	}).Warn("Message sent to dead letter queue")

	return nil
}
