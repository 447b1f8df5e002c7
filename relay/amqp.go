package relay

import (
	"context"
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPPublisher publishes to a RabbitMQ topic exchange.
type AMQPPublisher struct {
	Conn     *amqp.Connection
	Channel  *amqp.Channel
	Exchange string
}

// NewAMQPPublisher dials url and declares a durable topic exchange. When
// queue is non-empty a durable queue bound to "<routingKey>.#" is declared
// too.
func NewAMQPPublisher(url, exchange, queue, routingKey string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("relay: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("relay: channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("relay: declare exchange %q: %w", exchange, err)
	}
	if queue != "" {
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("relay: declare queue %q: %w", queue, err)
		}
		if err := ch.QueueBind(queue, routingKey+".#", exchange, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("relay: bind queue %q: %w", queue, err)
		}
	}
	return &AMQPPublisher{Conn: conn, Channel: ch, Exchange: exchange}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, m Message) error {
	return p.Channel.PublishWithContext(ctx, p.Exchange, m.RoutingKey, false, false, Publishing(m))
}

// Publishing is the AMQP form of m.
func Publishing(m Message) amqp.Publishing {
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    m.ID,
		Type:         string(m.Kind),
		Timestamp:    time.Now(),
		Headers:      amqp.Table{"seq": strconv.FormatUint(m.Seq, 10)},
		Body:         m.Body,
	}
}

func (p *AMQPPublisher) Close() error {
	if p.Channel != nil {
		p.Channel.Close()
	}
	if p.Conn != nil {
		return p.Conn.Close()
	}
	return nil
}
