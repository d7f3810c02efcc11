// Package publish sends detection events to a RabbitMQ topic exchange.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/satindergrewal/moodlens/internal/analysis"
	"github.com/satindergrewal/moodlens/internal/journal"
	"github.com/satindergrewal/moodlens/internal/metrics"
)

// Channel is the part of *amqp.Channel the publisher uses.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Event is the message body.
type Event struct {
	Session   string              `json:"session"`
	Seq       uint64              `json:"seq"`
	Timestamp time.Time           `json:"timestamp"`
	Label     string              `json:"label"`
	Faces     []journal.FaceEntry `json:"faces"`
}

// RoutingKey returns the topic for a dominant label, e.g. emotion.happy.
func RoutingKey(label string) string {
	return "emotion." + label
}

// Publisher is a queue consumer that forwards analyzed results with faces.
type Publisher struct {
	channel  Channel
	exchange string
	session  string
	timeout  time.Duration
	logger   *zap.Logger
}

func NewPublisher(ch Channel, exchange, session string, timeout time.Duration, logger *zap.Logger) *Publisher {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Publisher{
		channel:  ch,
		exchange: exchange,
		session:  session,
		timeout:  timeout,
		logger:   logger.With(zap.String("stage", "publish")),
	}
}

// Dial connects to the broker and declares the topic exchange.
func Dial(url, exchange string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("connect amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("open publisher channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return conn, ch, nil
}

// Handle publishes r. Errors are counted and returned for the consumer loop to log.
func (p *Publisher) Handle(ctx context.Context, r *analysis.Result) error {
	rec, ok := journal.NewRecord(p.session, r)
	if !ok {
		return nil
	}
	body, err := json.Marshal(Event{
		Session:   rec.Session,
		Seq:       rec.Seq,
		Timestamp: rec.Timestamp,
		Label:     rec.Label,
		Faces:     rec.Faces,
	})
	if err != nil {
		metrics.PublishedTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("encode event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err = p.channel.PublishWithContext(ctx, p.exchange, RoutingKey(rec.Label), false, false, amqp.Publishing{
		ContentType: "application/json",
		MessageId:   rec.ID.String(),
		Body:        body,
		Timestamp:   rec.Timestamp.UTC(),
	})
	if err != nil {
		metrics.PublishedTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("publish event: %w", err)
	}
	metrics.PublishedTotal.WithLabelValues("ok").Inc()
	return nil
}
