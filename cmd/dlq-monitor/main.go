package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"

	"github.com/officeeats/billing-engine/internal/events"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	kafkaBrokers := getEnv("KAFKA_BROKERS", "localhost:9092")

	// Create consumer for DLQ monitoring
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Version = sarama.V2_6_0_0

	consumer, err := sarama.NewConsumerGroup(strings.Split(kafkaBrokers, ","), "dlq-monitor-group", config)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create DLQ consumer")
	}
	defer consumer.Close()

	// Start monitoring
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := &dlqHandler{logger: logger}

	go func() {
		for {
			if err := consumer.Consume(ctx, []string{events.OrderDeliveredDLQTopic}, handler); err != nil {
				logger.WithError(err).Error("Error consuming from DLQ")
			}
		}
	}()

	logger.WithField("topic", events.OrderDeliveredDLQTopic).Info("DLQ Monitor started")

	// Wait for interrupt
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down DLQ monitor...")
}

type dlqHandler struct {
	logger *logrus.Logger
}

func (h *dlqHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *dlqHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *dlqHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		// Extract the failure metadata written by the retry consumer
		headers := map[string]string{}
		for _, header := range message.Headers {
			headers[string(header.Key)] = string(header.Value)
		}

		h.logger.WithFields(logrus.Fields{
			"topic":          message.Topic,
			"partition":      message.Partition,
			"offset":         message.Offset,
			"key":            string(message.Key),
			"original_topic": headers["original_topic"],
			"error":          headers["error"],
			"failure_time":   headers["failure_time"],
		}).Warn("DLQ Message Detected")

		// Parse the original delivered-order event
		var event events.OrderDeliveredEvent
		if err := json.Unmarshal(message.Value, &event); err == nil {
			h.logger.WithFields(logrus.Fields{
				"order_id":     event.OrderID,
				"user_id":      event.UserID,
				"delivered_at": event.DeliveredAt,
			}).Info("DLQ Event Details")
		}

		fmt.Printf("\n=== DLQ Message ===\n")
		fmt.Printf("Time: %s\n", time.Now().Format(time.RFC3339))
		fmt.Printf("Order Key: %s\n", string(message.Key))
		fmt.Printf("Error: %s\n", headers["error"])
		fmt.Printf("Failed At: %s\n", headers["failure_time"])
		fmt.Printf("==================\n\n")

		session.MarkMessage(message, "")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
