package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/yeepay/aigc-broker/internal/core/domain"
	"go.uber.org/zap"
)

// EventBus publishes task lifecycle events and consumes admin invalidations
type EventBus struct {
	conn              *amqp.Connection
	ch                *amqp.Channel
	exchange          string
	invalidationQueue string
	log               *zap.Logger
}

// NewEventBus dials RabbitMQ and declares the task events exchange
func NewEventBus(ctx context.Context, url, exchange, invalidationQueue string, maxRetries int, log *zap.Logger) (*EventBus, error) {
	var conn *amqp.Connection
	var err error

	if maxRetries <= 0 {
		maxRetries = 10
	}
	for i := 1; i <= maxRetries; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			var ch *amqp.Channel
			ch, err = conn.Channel()
			if err == nil {
				bus := &EventBus{
					conn:              conn,
					ch:                ch,
					exchange:          exchange,
					invalidationQueue: invalidationQueue,
					log:               log,
				}
				if err = bus.declare(); err == nil {
					return bus, nil
				}
			}
			conn.Close()
		}

		log.Warn("Failed to connect to RabbitMQ, retrying...",
			zap.Int("attempt", i),
			zap.Int("max_retries", maxRetries),
			zap.Error(err),
		)

		// Simple incremental backoff
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(i*2) * time.Second):
		}
	}

	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", maxRetries, err)
}

func (b *EventBus) declare() error {
	return b.ch.ExchangeDeclare(
		b.exchange, // name
		"topic",    // kind
		true,       // durable
		false,      // auto-deleted
		false,      // internal
		false,      // no-wait
		nil,        // arguments
	)
}

// RoutingKey is task.<status>, or task.deleted for removals
func RoutingKey(event domain.TaskEvent) string {
	if event.Deleted {
		return "task.deleted"
	}
	return "task." + string(event.Status)
}

func (b *EventBus) PublishTaskEvent(ctx context.Context, event domain.TaskEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	routingKey := RoutingKey(event)
	err = b.ch.PublishWithContext(ctx,
		b.exchange, // Exchange
		routingKey, // Routing key
		false,      // Mandatory
		false,      // Immediate
		amqp.Publishing{
			ContentType: "application/json",
			Timestamp:   time.Now(),
			MessageId:   event.TaskID,
			Body:        body,
		})

	if err != nil {
		b.log.Error("Failed to publish task event", zap.String("task_id", event.TaskID), zap.Error(err))
		return err
	}

	b.log.Debug("Published task event", zap.String("task_id", event.TaskID), zap.String("key", routingKey))
	return nil
}

// Close releases the channel and the connection
func (b *EventBus) Close() error {
	if err := b.ch.Close(); err != nil {
		b.log.Warn("Failed to close RabbitMQ channel", zap.Error(err))
	}
	return b.conn.Close()
}
