/**
 * @description
 * This file contains the queue consumer side of the broker integration. The
 * ledger consumes asynchronous payout results from a durable queue bound to
 * the shared topic exchange; each routing key maps to a handler whose boolean
 * return drives the ack/requeue decision.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 */
package rabbitmq

import (
	"errors"
	"log"

	"github.com/rabbitmq/amqp091-go"
)

// Handler processes one delivery body. Returning false requeues the delivery,
// so handlers must return true for payloads that replay cannot fix.
type Handler func(body []byte) bool

// Consumer binds queues to a topic exchange and dispatches deliveries to
// per-routing-key handlers.
type Consumer struct {
	conn *amqp091.Connection
	ch   *amqp091.Channel
}

// NewConsumer connects to the broker on a dedicated connection. Consumers do
// not share the producer connection so a publish-side channel fault cannot
// stall delivery.
func NewConsumer(amqpURL string) (*Consumer, error) {
	conn, ch, err := dialBroker(amqpURL)
	if err != nil {
		return nil, err
	}
	if err := ch.Qos(10, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	return &Consumer{conn: conn, ch: ch}, nil
}

// ConsumeWithBindings declares a durable queue bound to the exchange under
// every routing key in bindings, then dispatches deliveries until the channel
// closes.
func (c *Consumer) ConsumeWithBindings(exchange, queueName string, bindings map[string]Handler) error {
	handlers := make(map[string]Handler, len(bindings))
	for routingKey, handler := range bindings {
		if handler != nil {
			handlers[routingKey] = handler
		}
	}
	if len(handlers) == 0 {
		return errors.New("no bindings provided")
	}

	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}
	for routingKey := range handlers {
		if err := c.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return err
		}
	}

	deliveries, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	go func() {
		for d := range deliveries {
			dispatch(handlers, d)
		}
		log.Printf("level=warn component=rabbitmq_consumer msg=\"delivery channel closed\" queue=%s", q.Name)
	}()

	return nil
}

func dispatch(handlers map[string]Handler, d amqp091.Delivery) {
	handler, ok := handlers[d.RoutingKey]
	if !ok {
		log.Printf("level=warn component=rabbitmq_consumer msg=\"no handler for routing key; dropping\" routing_key=%s", d.RoutingKey)
		d.Ack(false)
		return
	}
	if handler(d.Body) {
		d.Ack(false)
		return
	}
	log.Printf("level=warn component=rabbitmq_consumer msg=\"handler failed; requeueing\" routing_key=%s", d.RoutingKey)
	d.Nack(false, true)
}

// Close gracefully closes the channel and connection.
func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
