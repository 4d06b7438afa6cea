package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"fx-dashboard/internal/livechannel"
	"fx-dashboard/internal/slogx"

	"github.com/rabbitmq/amqp091-go"
)

// TaskEventsQueue carries the same envelopes as the push channel.
const TaskEventsQueue = "Task_Events"

const eventBuffer = 500

// Sink receives decoded task events.
type Sink func(livechannel.Message)

// Consumer feeds task events published on RabbitMQ into a Sink. Deliveries are
// buffered and decoded on a dedicated goroutine so a slow sink does not stall the
// broker connection.
type Consumer struct {
	conn   *amqp091.Connection
	sink   Sink
	logger *slog.Logger

	events chan []byte
	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewConsumer connects to RabbitMQ.
func NewConsumer(ctx context.Context, amqpURI string, sink Sink, logger *slog.Logger) (*Consumer, error) {
	logger = slogx.OrDefault(logger).With("component", "amqp.consumer")
	conn, err := dial(ctx, amqpURI, logger)
	if err != nil {
		return nil, err
	}
	c := newConsumer(sink, logger)
	c.conn = conn
	return c, nil
}

func newConsumer(sink Sink, logger *slog.Logger) *Consumer {
	return &Consumer{
		sink:   sink,
		logger: logger,
		events: make(chan []byte, eventBuffer),
		stopCh: make(chan struct{}),
	}
}

// Start declares the queue and begins consuming.
func (c *Consumer) Start() error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open a channel: %w", err)
	}

	if err := ch.Qos(1, 0, false); err != nil {
		c.logger.Warn("Failed to set QoS", "error", err)
	}
	if err := declareQueue(ch, TaskEventsQueue); err != nil {
		return err
	}

	// Retry consumer registration a few times for robustness
	var msgs <-chan amqp091.Delivery
	for retry := 0; retry < 3; retry++ {
		msgs, err = ch.Consume(
			TaskEventsQueue,
			"",    // consumer
			true,  // auto-ack
			false, // exclusive
			false, // no-local
			false, // no-wait
			nil,   // args
		)
		if err == nil {
			break
		}
		if !strings.Contains(err.Error(), "channel/connection is not open") {
			break
		}
		c.logger.Warn("Channel not ready, retrying", "queue", TaskEventsQueue, "attempt", retry+1)
		time.Sleep(time.Second)
	}
	if err != nil {
		return fmt.Errorf("failed to register consumer for queue %s: %w", TaskEventsQueue, err)
	}

	c.wg.Add(2)
	go c.receive(msgs)
	go c.process()
	c.logger.Info("Started consumer", "queue", TaskEventsQueue)
	return nil
}

func (c *Consumer) receive(msgs <-chan amqp091.Delivery) {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		case d, ok := <-msgs:
			if !ok {
				c.logger.Info("Consumer has shut down", "queue", TaskEventsQueue)
				return
			}
			c.enqueue(d.Body)
		}
	}
}

func (c *Consumer) enqueue(body []byte) {
	select {
	case c.events <- body:
	case <-c.stopCh:
	default:
		c.logger.Warn("Event buffer full, dropping task event")
	}
}

func (c *Consumer) process() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		case body := <-c.events:
			c.handle(body)
		}
	}
}

// handle decodes one delivery. Bad bodies are logged and dropped.
func (c *Consumer) handle(body []byte) {
	msg, err := livechannel.Decode(body)
	switch {
	case errors.Is(err, livechannel.ErrUnknownType):
		c.logger.Info("Ignoring unknown task event", "error", err)
		return
	case err != nil:
		c.logger.Warn("Dropping malformed task event", "error", err)
		return
	}
	if msg.Type == livechannel.TypePong {
		return
	}
	c.sink(msg)
}

// Close stops consuming and closes the connection.
func (c *Consumer) Close() {
	c.once.Do(func() {
		close(c.stopCh)
		if c.conn != nil {
			c.conn.Close()
		}
		c.wg.Wait()
	})
}
