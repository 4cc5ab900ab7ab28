package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Guizzs26/go-sync-stock/internal/alerting"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrDeliveriesClosed is returned by Listen when the broker drops the consumer
var ErrDeliveriesClosed = errors.New("alert delivery channel closed")

// AlertSubscriber consumes alerts published by AlertPublisher
type AlertSubscriber struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	binding  string
	logger   *slog.Logger
}

// NewAlertSubscriber connects and declares the exchange so the binding never races the publisher
func NewAlertSubscriber(url, exchange, binding string, logger *slog.Logger) (*AlertSubscriber, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	// Prefetch 1 keeps alerts printed in publish order
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	if binding == "" {
		binding = "alert.#"
	}
	return &AlertSubscriber{conn: conn, channel: ch, exchange: exchange, binding: binding, logger: logger}, nil
}

// Listen binds an exclusive, auto-deleted queue and hands every alert to handle until ctx ends.
// Malformed messages are dropped; handler failures are requeued
func (s *AlertSubscriber) Listen(ctx context.Context, handle func(context.Context, alerting.Alert) error) error {
	q, err := s.channel.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := s.channel.QueueBind(q.Name, s.binding, s.exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	msgs, err := s.channel.Consume(q.Name, "", false, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	s.logger.Info("Alert subscriber online", "queue", q.Name, "binding", s.binding)

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return ErrDeliveriesClosed
			}

			alert, err := DecodeAlert(d.Body)
			if err != nil {
				s.logger.Error("Dropping malformed alert", "message_id", d.MessageId, "error", err)
				d.Nack(false, false)
				continue
			}

			if err := handle(ctx, alert); err != nil {
				s.logger.Error("Alert handler failed, requeueing", "message_id", d.MessageId, "error", err)
				d.Nack(false, true)
				continue
			}
			if err := d.Ack(false); err != nil {
				s.logger.Error("Failed to ack alert", "message_id", d.MessageId, "error", err)
			}
		}
	}
}

// DecodeAlert parses a published alert body
func DecodeAlert(body []byte) (alerting.Alert, error) {
	var a alerting.Alert
	if err := json.Unmarshal(body, &a); err != nil {
		return alerting.Alert{}, err
	}
	if a.Type == "" {
		return alerting.Alert{}, errors.New("alert without type")
	}
	return a, nil
}

func (s *AlertSubscriber) Close() {
	s.logger.Info("Shutting down alert subscriber")
	s.channel.Close()
	s.conn.Close()
}
