package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/warp/folio-engine/retry"
	"github.com/warp/folio-engine/stay"
)

// DefaultQueue is the durable queue audit events are routed to.
const DefaultQueue = "folio.audit"

// channel is the subset of *amqp.Channel the publisher uses.
type channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher sends audit events to a durable RabbitMQ queue as
// persistent JSON messages. The connection is opened lazily and dropped
// on any publish error so the next attempt reconnects.
type AMQPPublisher struct {
	queue string
	retry retry.Policy
	log   *slog.Logger
	open  func(ctx context.Context) (channel, error)

	mu sync.Mutex
	ch channel
}

var _ stay.AuditSink = (*AMQPPublisher)(nil)

func NewAMQPPublisher(url, queue string, policy retry.Policy, log *slog.Logger) *AMQPPublisher {
	if queue == "" {
		queue = DefaultQueue
	}
	if log == nil {
		log = slog.Default()
	}
	return &AMQPPublisher{
		queue: queue,
		retry: policy,
		log:   log.With("component", "audit-amqp", "queue", queue),
		open:  func(ctx context.Context) (channel, error) { return dial(url) },
	}
}

// Publish sends events in order. It stops at the first event that still
// fails after the retry policy is exhausted.
func (p *AMQPPublisher) Publish(ctx context.Context, events []stay.AuditEvent) error {
	for _, e := range events {
		body, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to encode audit event %s: %w", e.ID, err)
		}
		msg := amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    e.ID,
			Type:         e.Action,
			Timestamp:    e.At,
			Body:         body,
		}
		if err := p.retry.Do(ctx, func(ctx context.Context) error { return p.publish(ctx, msg) }); err != nil {
			return fmt.Errorf("failed to publish audit event %s: %w", e.ID, err)
		}
	}
	return nil
}

func (p *AMQPPublisher) publish(ctx context.Context, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil {
		ch, err := p.open(ctx)
		if err != nil {
			p.log.Warn("broker unreachable", "error", err)
			return err
		}
		if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
			_ = ch.Close()
			return fmt.Errorf("queue declare: %w", err)
		}
		p.ch = ch
	}

	if err := p.ch.PublishWithContext(ctx, "", p.queue, false, false, msg); err != nil {
		p.log.Warn("publish failed, reconnecting", "error", err)
		_ = p.ch.Close()
		p.ch = nil
		return err
	}
	return nil
}

// Close releases the broker connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return nil
	}
	err := p.ch.Close()
	p.ch = nil
	return err
}

// connChannel closes its connection along with the channel.
type connChannel struct {
	*amqp.Channel
	conn *amqp.Connection
}

func (c *connChannel) Close() error {
	_ = c.Channel.Close()
	return c.conn.Close()
}

func dial(url string) (channel, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{Dial: amqp.DefaultDial(5 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return &connChannel{Channel: ch, conn: conn}, nil
}
