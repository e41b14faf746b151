// Package amqp consumes domain events from a RabbitMQ topic exchange.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/wb-go/wbf/retry"
	"go.uber.org/zap"

	"notifydispatch/internal/entity"
)

const (
	_defaultPrefetch          = 16
	_defaultReconnectAttempts = 5
	_defaultReconnectDelay    = 5 * time.Second
	_defaultReconnectBackoff  = 2
)

type Config struct {
	URL            string
	Exchange       string
	Queue          string
	RoutingKeys    []string
	DeadLetter     string
	Prefetch       int
	ConsumerTag    string

	ReconnectAttempts int
	ReconnectDelay    time.Duration
	ReconnectBackoff  float64
}

// MessageHandler processes one message body. fallbackType is the routing key.
type MessageHandler interface {
	Handle(ctx context.Context, body []byte, fallbackType string) error
}

type Consumer struct {
	cfg     Config
	handler MessageHandler
	log     *zap.Logger
}

func NewConsumer(cfg Config, handler MessageHandler, log *zap.Logger) (*Consumer, error) {
	if cfg.URL == "" || cfg.Exchange == "" || cfg.Queue == "" {
		return nil, fmt.Errorf("amqp.NewConsumer: url, exchange and queue are required: %w", entity.ErrConfiguration)
	}
	if len(cfg.RoutingKeys) == 0 {
		cfg.RoutingKeys = []string{"#"}
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = _defaultPrefetch
	}
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = _defaultReconnectAttempts
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = _defaultReconnectDelay
	}
	if cfg.ReconnectBackoff < 1 {
		cfg.ReconnectBackoff = _defaultReconnectBackoff
	}

	return &Consumer{cfg: cfg, handler: handler, log: log}, nil
}

// Run consumes until ctx is cancelled. Every lost session is followed by a
// fresh reconnect strategy; Run fails only when the broker stays unreachable
// for all of its attempts.
func (c *Consumer) Run(ctx context.Context) error {
	const op = "amqp.Consumer.Run"

	strategy := retry.Strategy{
		Attempts: c.cfg.ReconnectAttempts,
		Delay:    c.cfg.ReconnectDelay,
		Backoff:  c.cfg.ReconnectBackoff,
	}

	for {
		var sess *session
		err := retry.DoContext(ctx, strategy, func() error {
			var connErr error
			sess, connErr = c.connect()
			if connErr != nil {
				c.log.Warn("amqp connect failed", zap.Error(connErr))
			}
			return connErr
		})
		if ctx.Err() != nil {
			sess.close()
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: broker unreachable after %d attempts: %w", op, strategy.Attempts, err)
		}

		err = c.serve(ctx, sess)
		sess.close()
		if ctx.Err() != nil {
			return nil
		}

		c.log.Warn("amqp consumer interrupted, reconnecting", zap.Error(err))
	}
}

type session struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	deliveries <-chan amqp.Delivery
	closed     chan *amqp.Error
}

func (s *session) close() {
	if s == nil {
		return
	}
	if s.ch != nil {
		_ = s.ch.Close()
	}
	_ = s.conn.Close()
}

func (c *Consumer) connect() (*session, error) {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	sess := &session{conn: conn}

	sess.ch, err = conn.Channel()
	if err != nil {
		sess.close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err = c.declare(sess.ch); err != nil {
		sess.close()
		return nil, err
	}

	if err = sess.ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		sess.close()
		return nil, fmt.Errorf("qos: %w", err)
	}

	sess.deliveries, err = sess.ch.Consume(c.cfg.Queue, c.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		sess.close()
		return nil, fmt.Errorf("consume: %w", err)
	}

	sess.closed = conn.NotifyClose(make(chan *amqp.Error, 1))

	return sess, nil
}

func (c *Consumer) serve(ctx context.Context, sess *session) error {
	c.log.Info("amqp consumer started",
		zap.String("exchange", c.cfg.Exchange),
		zap.String("queue", c.cfg.Queue),
		zap.Strings("routing_keys", c.cfg.RoutingKeys),
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr := <-sess.closed:
			if amqpErr == nil {
				return errors.New("connection closed")
			}
			return amqpErr
		case d, ok := <-sess.deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.handleDelivery(ctx, d)
		}
	}
}

func (c *Consumer) declare(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(c.cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	var args amqp.Table
	if c.cfg.DeadLetter != "" {
		args = amqp.Table{"x-dead-letter-exchange": c.cfg.DeadLetter}
	}
	if _, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	for _, key := range c.cfg.RoutingKeys {
		if err := ch.QueueBind(c.cfg.Queue, key, c.cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind %q: %w", key, err)
		}
	}

	return nil
}

// handleDelivery acks processed and malformed messages. Transient failures
// are requeued once; a redelivered message that fails again goes to the
// dead-letter exchange when one is configured.
func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery) {
	err := c.handler.Handle(ctx, d.Body, d.RoutingKey)

	switch {
	case err == nil:
		if ackErr := d.Ack(false); ackErr != nil {
			c.log.Error("ack failed", zap.Error(ackErr))
		}
	case errors.Is(err, entity.ErrValidation):
		if nackErr := d.Nack(false, false); nackErr != nil {
			c.log.Error("nack failed", zap.Error(nackErr))
		}
	default:
		if nackErr := d.Nack(false, !d.Redelivered); nackErr != nil {
			c.log.Error("nack failed", zap.Error(nackErr))
		}
	}
}
