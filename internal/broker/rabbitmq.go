package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Guizzs26/go-sync-stock/internal/alerting"
	"github.com/Guizzs26/go-sync-stock/pkg/metrics"
	"github.com/google/uuid"

	amqp "github.com/rabbitmq/amqp091-go"
)

const confirmTimeout = 10 * time.Second

// AlertPublisher fans alerts out to a RabbitMQ topic exchange so other teams can subscribe
type AlertPublisher struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	exchange   string
	logger     *slog.Logger
	connClosed chan *amqp.Error
	chanClosed chan *amqp.Error
	closeOnce  sync.Once
	healthy    atomic.Bool
	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewAlertPublisher dials the broker, declares the exchange and enables Publisher Confirms
func NewAlertPublisher(url, exchange string, l *slog.Logger) (*AlertPublisher, error) {
	c, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := c.Channel()
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to open RabbitMQ channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		c.Close()
		return nil, fmt.Errorf("failed to declare alert exchange: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		c.Close()
		return nil, fmt.Errorf("failed to activate Publisher Confirms: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &AlertPublisher{
		conn:       c,
		channel:    ch,
		exchange:   exchange,
		logger:     l,
		connClosed: make(chan *amqp.Error, 1),
		chanClosed: make(chan *amqp.Error, 1),
		ctx:        ctx,
		cancel:     cancel,
	}

	p.healthy.Store(true)
	metrics.BrokerHealth.Set(1)

	p.conn.NotifyClose(p.connClosed)
	p.channel.NotifyClose(p.chanClosed)

	go func() {
		select {
		case err := <-p.connClosed:
			p.markUnhealthy("RabbitMQ connection closed", err)
		case err := <-p.chanClosed:
			p.markUnhealthy("RabbitMQ channel closed", err)
		case <-p.ctx.Done():
			return
		}
	}()

	l.Info("Alert publisher connected to RabbitMQ", "exchange", exchange)
	return p, nil
}

func (p *AlertPublisher) markUnhealthy(msg string, err *amqp.Error) {
	p.healthy.Store(false)
	metrics.BrokerHealth.Set(0)
	p.logger.Warn(msg, "error", err)
}

// Deliver publishes the alert and blocks until the broker confirms it
func (p *AlertPublisher) Deliver(ctx context.Context, a alerting.Alert) error {
	if !p.IsHealthy() {
		return fmt.Errorf("broker connection is closed")
	}

	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to serialize alert: %w", err)
	}

	routingKey := RoutingKey(a.Type)

	// amqp channels are not safe for concurrent publishing with confirms
	p.mu.Lock()
	defer p.mu.Unlock()

	deferred, err := p.channel.PublishWithDeferredConfirmWithContext(
		ctx,
		p.exchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			MessageId:    uuid.NewString(),
			Timestamp:    a.EmittedAt,
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish call failed: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-deferred.Done():
		if !deferred.Acked() {
			return fmt.Errorf("RabbitMQ NACK received: alert not persisted")
		}
		return nil
	case <-time.After(confirmTimeout):
		return fmt.Errorf("publisher confirm timeout")
	}
}

// RoutingKey builds "alert.<type>" in lower case, e.g. alert.sync_failure
func RoutingKey(alertType string) string {
	return "alert." + strings.ToLower(alertType)
}

// Close gracefully shuts down the RabbitMQ resources
func (p *AlertPublisher) Close() error {
	p.closeOnce.Do(func() {
		p.logger.Info("Terminating RabbitMQ alert publisher")
		p.cancel()
		if p.channel != nil {
			p.channel.Close()
		}
		if p.conn != nil {
			p.conn.Close()
		}
	})
	return nil
}

// IsHealthy returns true if the connection and channel are active
func (p *AlertPublisher) IsHealthy() bool {
	return p.healthy.Load()
}
