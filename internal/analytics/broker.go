package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/patrickwarner/openadbuyer/internal/models"
	"github.com/patrickwarner/openadbuyer/internal/observability"
)

// DefaultQueue receives flow events when no queue is configured.
const DefaultQueue = "buyer.flow_events"

// amqpChannel is the part of *amqp.Channel the publisher uses.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// BrokerPublisher publishes each status event as a persistent JSON message
// to a durable queue on the default exchange.
type BrokerPublisher struct {
	queue   string
	conn    *amqp.Connection
	metrics observability.MetricsRegistry
	logger  *zap.Logger

	mu sync.Mutex
	ch amqpChannel
}

// DialBroker connects to RabbitMQ and declares the queue.
func DialBroker(url, queue string, metrics observability.MetricsRegistry, logger *zap.Logger) (*BrokerPublisher, error) {
	if queue == "" {
		queue = DefaultQueue
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	if _, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq queue declare: %w", err)
	}
	p := newBrokerPublisher(ch, queue, metrics, logger)
	p.conn = conn
	p.logger.Info("Connected to RabbitMQ", zap.String("queue", queue))
	return p, nil
}

func newBrokerPublisher(ch amqpChannel, queue string, metrics observability.MetricsRegistry, logger *zap.Logger) *BrokerPublisher {
	return &BrokerPublisher{
		queue:   queue,
		ch:      ch,
		metrics: observability.OrNoOp(metrics),
		logger:  observability.OrNop(logger),
	}
}

// RecordEvent publishes ev. Channels are not safe for concurrent publishing,
// so publishes are serialized.
func (b *BrokerPublisher) RecordEvent(ctx context.Context, ev models.StatusEvent) error {
	if b == nil || b.ch == nil {
		return ErrUnavailable
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.ID,
		Type:         ev.Entity,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}

	b.mu.Lock()
	err = b.ch.PublishWithContext(ctx, "", b.queue, false, false, msg)
	b.mu.Unlock()
	if err != nil {
		b.metrics.IncrementEventWrites("rabbitmq", "failure")
		return fmt.Errorf("rabbitmq publish: %w", err)
	}
	b.metrics.IncrementEventWrites("rabbitmq", "success")
	return nil
}

// Close closes the channel and the connection.
func (b *BrokerPublisher) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var err error
	if b.ch != nil {
		err = b.ch.Close()
		b.ch = nil
	}
	if b.conn != nil {
		if cerr := b.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
