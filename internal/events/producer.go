// Package events carries the order lifecycle over Kafka: status changes
// and deliveries flow out of the billing service, and the statement worker
// consumes deliveries to keep monthly statements current.
package events

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"

	"github.com/officeeats/billing-engine/pkg/models"
)

const (
	OrderStatusChangedTopic = "order.status_changed"
	OrderDeliveredTopic     = "order.delivered"
	InvoiceCreatedTopic     = "invoice.created"
)

type StatusChangedEvent struct {
	OrderID   string    `json:"order_id"`
	UserID    string    `json:"user_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Actor     string    `json:"actor"`
	EventTime time.Time `json:"event_time"`
}

type OrderDeliveredEvent struct {
	OrderID      string    `json:"order_id"`
	UserID       string    `json:"user_id"`
	RestaurantID string    `json:"restaurant_id"`
	DeliveredAt  time.Time `json:"delivered_at"`
	EventTime    time.Time `json:"event_time"`
}

type InvoiceCreatedEvent struct {
	InvoiceID     string    `json:"invoice_id"`
	InvoiceNumber string    `json:"invoice_number"`
	OrderID       string    `json:"order_id"`
	UserID        string    `json:"user_id"`
	Total         float64   `json:"total"`
	EventTime     time.Time `json:"event_time"`
}

type KafkaProducer struct {
	producer sarama.SyncProducer
	logger   *logrus.Logger
}

func NewKafkaProducer(brokers string, logger *logrus.Logger) (*KafkaProducer, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Version = sarama.V2_6_0_0

	producer, err := sarama.NewSyncProducer(strings.Split(brokers, ","), config)
	if err != nil {
		return nil, err
	}

	return &KafkaProducer{
		producer: producer,
		logger:   logger,
	}, nil
}

func (p *KafkaProducer) PublishStatusChanged(order *models.Order, from string, actor string) error {
	event := StatusChangedEvent{
		OrderID:   order.ID,
		UserID:    order.UserID,
		From:      from,
		To:        order.Status,
		Actor:     actor,
		EventTime: time.Now().UTC(),
	}
	return p.publish(OrderStatusChangedTopic, order.ID, event)
}

func (p *KafkaProducer) PublishOrderDelivered(order *models.Order) error {
	deliveredAt := time.Now().UTC()
	if order.DeliveredAt != nil {
		deliveredAt = *order.DeliveredAt
	}
	event := OrderDeliveredEvent{
		OrderID:      order.ID,
		UserID:       order.UserID,
		RestaurantID: order.RestaurantID,
		DeliveredAt:  deliveredAt,
		EventTime:    time.Now().UTC(),
	}
	return p.publish(OrderDeliveredTopic, order.ID, event)
}

func (p *KafkaProducer) PublishInvoiceCreated(invoice *models.Invoice) error {
	event := InvoiceCreatedEvent{
		InvoiceID:     invoice.ID,
		InvoiceNumber: invoice.InvoiceNumber,
		OrderID:       invoice.OrderID,
		UserID:        invoice.UserID,
		Total:         invoice.Total,
		EventTime:     time.Now().UTC(),
	}
	return p.publish(InvoiceCreatedTopic, invoice.OrderID, event)
}

func (p *KafkaProducer) publish(topic, key string, event interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
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

func (p *KafkaProducer) Close() error {
	return p.producer.Close()
}
