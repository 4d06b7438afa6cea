package amqp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"fx-dashboard/internal/gaps"
	"fx-dashboard/internal/slogx"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

const publishTimeout = 10 * time.Second

// publishChannel is the part of *amqp091.Channel the publisher needs.
type publishChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// Publisher asks the data feed to backfill missing candles.
type Publisher struct {
	conn    *amqp091.Connection
	channel publishChannel
	logger  *slog.Logger
}

// NewPublisher connects and declares the request queue of every instrument.
func NewPublisher(ctx context.Context, amqpURI string, instruments []string, logger *slog.Logger) (*Publisher, error) {
	logger = slogx.OrDefault(logger).With("component", "amqp.publisher")
	conn, err := dial(ctx, amqpURI, logger)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	// Enable publisher confirms for reliability
	if err := ch.Confirm(false); err != nil {
		logger.Warn("Failed to enable publisher confirms", "error", err)
	}

	for _, instrument := range instruments {
		if err := declareQueue(ch, RequestQueue(instrument)); err != nil {
			ch.Close()
			conn.Close()
			return nil, err
		}
	}

	return &Publisher{conn: conn, channel: ch, logger: logger}, nil
}

// RequestQueue is the queue that receives backfill requests for instrument.
func RequestQueue(instrument string) string {
	return fmt.Sprintf("%s_H-Requests", normalizeInstrument(instrument))
}

func normalizeInstrument(instrument string) string {
	return strings.ToUpper(strings.NewReplacer("_", "", "/", "").Replace(instrument))
}

// BackfillPayload renders a request as plain key:value pairs. The feed's parser
// splits on commas and colons and chokes on braces or quotes, so no JSON here.
func BackfillPayload(instrument, granularity string, g gaps.Gap) string {
	return fmt.Sprintf("instrument:%s,granularity:%s,from:%d,to:%d",
		normalizeInstrument(instrument), granularity, g.Start.Unix(), g.End.Unix())
}

// RequestBackfill publishes one backfill request for the span of g.
func (p *Publisher) RequestBackfill(ctx context.Context, instrument, granularity string, g gaps.Gap) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	queueName := RequestQueue(instrument)
	err := p.channel.PublishWithContext(ctx,
		"", // exchange
		queueName,
		false, // mandatory
		false, // immediate
		amqp091.Publishing{
			ContentType: "text/plain",
			MessageId:   uuid.NewString(),
			Timestamp:   time.Now(),
			Body:        []byte(BackfillPayload(instrument, granularity, g)),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish backfill request for %s to queue %s: %w", instrument, queueName, err)
	}
	return nil
}

// RequestGaps asks for every middle and end gap in gs. Start gaps are left alone:
// they usually mean the range reaches back before the feed's history. It returns
// how many requests were published.
func (p *Publisher) RequestGaps(ctx context.Context, instrument, granularity string, gs []gaps.Gap) int {
	sent := 0
	for _, g := range gs {
		if g.Kind == gaps.Start {
			continue
		}
		if err := p.RequestBackfill(ctx, instrument, granularity, g); err != nil {
			// Log the error but continue with the other gaps
			p.logger.Warn("Backfill request failed", "instrument", instrument, "gap", g.Kind, "error", err)
			continue
		}
		sent++
	}
	if sent > 0 {
		p.logger.Info("Requested backfill", "instrument", instrument, "granularity", granularity, "gaps", sent)
	}
	return sent
}

// Close closes the publisher's channel and connection.
func (p *Publisher) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
