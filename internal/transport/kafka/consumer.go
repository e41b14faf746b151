// Package kafka consumes domain events from a Kafka topic with a consumer group.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/wb-go/wbf/retry"
	"go.uber.org/zap"

	"notifydispatch/internal/entity"
)

const (
	_eventTypeHeader    = "event_type"
	_defaultMaxAttempts = 3
	_defaultRetryDelay  = time.Second
	_defaultBackoff     = 2
)

type Config struct {
	Brokers     []string
	Topic       string
	GroupID     string
	MinBytes    int
	MaxBytes    int
	MaxWait     time.Duration
	MaxAttempts int
	RetryDelay  time.Duration
	Backoff     float64
}

type MessageHandler interface {
	Handle(ctx context.Context, body []byte, fallbackType string) error
}

type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	reader   reader
	handler  MessageHandler
	strategy retry.Strategy
	log      *zap.Logger
}

func NewConsumer(cfg Config, handler MessageHandler, log *zap.Logger) (*Consumer, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" || cfg.GroupID == "" {
		return nil, fmt.Errorf("kafka.NewConsumer: brokers, topic and group are required: %w", entity.ErrConfiguration)
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: cfg.MinBytes,
		MaxBytes: cfg.MaxBytes,
		MaxWait:  cfg.MaxWait,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...any) {
			log.Sugar().Errorf("kafka reader: "+msg, args...)
		}),
	})

	return newConsumer(r, handler, retry.Strategy{
		Attempts: cfg.MaxAttempts,
		Delay:    cfg.RetryDelay,
		Backoff:  cfg.Backoff,
	}, log), nil
}

func newConsumer(r reader, handler MessageHandler, strategy retry.Strategy, log *zap.Logger) *Consumer {
	if strategy.Attempts <= 0 {
		strategy.Attempts = _defaultMaxAttempts
	}
	if strategy.Delay <= 0 {
		strategy.Delay = _defaultRetryDelay
	}
	if strategy.Backoff < 1 {
		strategy.Backoff = _defaultBackoff
	}
	return &Consumer{
		reader:   r,
		handler:  handler,
		strategy: strategy,
		log:      log,
	}
}

// Run reads until ctx is cancelled. Offsets are committed after each message
// has either been processed or given up on, so a crash replays at most the
// message in flight.
func (c *Consumer) Run(ctx context.Context) error {
	defer func() {
		if err := c.reader.Close(); err != nil {
			c.log.Warn("kafka reader close failed", zap.Error(err))
		}
	}()

	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			c.log.Error("kafka fetch failed", zap.Error(err))
			if !sleep(ctx, c.strategy.Delay) {
				return nil
			}
			continue
		}

		c.process(ctx, m)
		if ctx.Err() != nil {
			return nil
		}

		if err = c.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			c.log.Error("kafka commit failed",
				zap.Int("partition", m.Partition),
				zap.Int64("offset", m.Offset),
				zap.Error(err),
			)
		}
	}
}

// process hands m to the handler under the retry strategy. Validation
// failures end the loop at once since replaying them cannot succeed.
func (c *Consumer) process(ctx context.Context, m kafka.Message) {
	fallback := headerValue(m.Headers, _eventTypeHeader)

	attempts := 0
	err := retry.DoContext(ctx, c.strategy, func() error {
		attempts++
		err := c.handler.Handle(ctx, m.Value, fallback)
		if errors.Is(err, entity.ErrValidation) {
			c.log.Warn("event rejected",
				zap.Int("partition", m.Partition),
				zap.Int64("offset", m.Offset),
				zap.Error(err),
			)
			return nil
		}
		return err
	})
	if err != nil && ctx.Err() == nil {
		c.log.Error("event dropped after retries",
			zap.Int("partition", m.Partition),
			zap.Int64("offset", m.Offset),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
	}
}

func headerValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
