package amqp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

const (
	dialAttempts   = 10
	dialRetryDelay = 2 * time.Second
)

// dial connects to RabbitMQ, retrying for a while since the broker often comes
// up after us.
func dial(ctx context.Context, uri string, logger *slog.Logger) (*amqp091.Connection, error) {
	var err error
	for i := 0; i < dialAttempts; i++ {
		var conn *amqp091.Connection
		conn, err = amqp091.Dial(uri)
		if err == nil {
			return conn, nil
		}
		logger.Warn("RabbitMQ connection attempt failed", "attempt", i+1, "error", err)

		select {
		case <-time.After(dialRetryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", dialAttempts, err)
}

func declareQueue(ch *amqp091.Channel, name string) error {
	_, err := ch.QueueDeclare(
		name,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue '%s': %w", name, err)
	}
	return nil
}
