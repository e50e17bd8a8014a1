/**
 * @description
 * This package provides the RabbitMQ producer used for post-commit event
 * publishing. Events are strictly best-effort: the ledger commit is the source
 * of truth, and a publish failure must never unwind committed money movement,
 * so the producer logs and recovers rather than bubbling hard errors into the
 * reconciliation pipeline.
 *
 * @dependencies
 * - context, encoding/json, time: Standard Go libraries.
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
	Close()
}

// EventProducer publishes JSON events to durable topic exchanges. A broken
// channel is reopened once per publish attempt; beyond that the error is
// returned to the caller, who treats it as best-effort.
type EventProducer struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	declared map[string]bool
}

// EventProducerFallback is a minimal no-op publisher used when RabbitMQ is
// unavailable at startup. The ledger keeps moving money; events are dropped
// with a warning.
type EventProducerFallback struct{}

func (p *EventProducerFallback) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"publish skipped\" exchange=%s routing_key=%s", exchange, routingKey)
	return nil
}

func (p *EventProducerFallback) Close() {}

// normalizeAMQPURL trims quoting and leading junk before the scheme. Broker
// URLs arrive via env vars and have been seen wrapped in shell quotes.
func normalizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	if idx := strings.Index(strings.ToLower(clean), "amqp"); idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

func dialBroker(amqpURL string) (*amqp091.Connection, *amqp091.Channel, error) {
	cleanURL, err := normalizeAMQPURL(amqpURL)
	if err != nil {
		return nil, nil, err
	}

	// Bounded dial timeout so startup does not hang on an unreachable broker.
	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, ch, nil
}

// NewEventProducer connects to the broker and returns a producer.
func NewEventProducer(amqpURL string) (*EventProducer, error) {
	conn, ch, err := dialBroker(amqpURL)
	if err != nil {
		return nil, err
	}
	return &EventProducer{conn: conn, channel: ch, declared: make(map[string]bool)}, nil
}

func (p *EventProducer) reopenChannel() error {
	if p.conn == nil {
		return errors.New("no broker connection")
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	p.channel = ch
	return nil
}

func (p *EventProducer) ensureExchange(exchange string) error {
	if p.declared[exchange] {
		return nil
	}
	if err := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	p.declared[exchange] = true
	return nil
}

func (p *EventProducer) publishOnce(ctx context.Context, exchange, routingKey string, msg amqp091.Publishing) error {
	if err := p.ensureExchange(exchange); err != nil {
		return err
	}
	return p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, msg)
}

// Publish sends a JSON-encoded message to a topic exchange. On a channel
// failure it reopens the channel and retries exactly once.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		log.Printf("level=error component=rabbitmq_producer msg=\"json marshal failed\" exchange=%s routing_key=%s err=%v", exchange, routingKey, err)
		return err
	}

	msg := amqp091.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now(),
		Body:        jsonBody,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.publishOnce(ctx, exchange, routingKey, msg); err != nil {
		log.Printf("level=warn component=rabbitmq_producer msg=\"publish failed; reopening channel\" exchange=%s routing_key=%s err=%v", exchange, routingKey, err)
		p.declared = make(map[string]bool)
		if reopenErr := p.reopenChannel(); reopenErr != nil {
			return fmt.Errorf("reopen channel: %w", reopenErr)
		}
		return p.publishOnce(ctx, exchange, routingKey, msg)
	}
	return nil
}

// Close gracefully closes the channel and connection to RabbitMQ.
func (p *EventProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
