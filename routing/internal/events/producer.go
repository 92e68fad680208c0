package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// ProducerConfig contains configurable parameters for the Kafka producer.
type ProducerConfig struct {
	// Brokers is the list of Kafka broker addresses (host:port).
	Brokers []string

	ClientID string

	// MaxAttempts is how many times Publish retries a write. Defaults to 3.
	MaxAttempts int

	// WriteTimeout bounds each attempt. Defaults to 10s.
	WriteTimeout time.Duration

	// RetryBackoff is the first pause between attempts; it doubles up to 2s.
	// Defaults to 100ms.
	RetryBackoff time.Duration

	// Balancer decides partition selection. If nil, a Hash balancer is used so
	// events with the same key stay ordered on one partition.
	Balancer kafka.Balancer

	// Async makes Publish return once the message is queued. Delivery failures
	// are then reported through OnDeliveryError.
	Async bool

	OnDeliveryError func(topic string, err error)
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer writes JSON events to any topic through one kafka-go Writer.
type Producer struct {
	writer       messageWriter
	maxAttempts  int
	writeTimeout time.Duration
	backoff      time.Duration
}

func NewProducer(cfg ProducerConfig) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	cfg = cfg.withDefaults()

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     cfg.Balancer,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireAll,
		Async:        cfg.Async,
		Transport:    &kafka.Transport{ClientID: cfg.ClientID},
	}
	if cfg.Async && cfg.OnDeliveryError != nil {
		onErr := cfg.OnDeliveryError
		w.Completion = func(messages []kafka.Message, err error) {
			if err == nil {
				return
			}
			for _, m := range messages {
				onErr(m.Topic, err)
			}
		}
	}
	return newProducer(w, cfg), nil
}

func newProducer(w messageWriter, cfg ProducerConfig) *Producer {
	cfg = cfg.withDefaults()
	return &Producer{
		writer:       w,
		maxAttempts:  cfg.MaxAttempts,
		writeTimeout: cfg.WriteTimeout,
		backoff:      cfg.RetryBackoff,
	}
}

func (cfg ProducerConfig) withDefaults() ProducerConfig {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	if cfg.Balancer == nil {
		cfg.Balancer = &kafka.Hash{}
	}
	return cfg
}

// Publish marshals payload to JSON and writes it to topic under key.
func (p *Producer) Publish(ctx context.Context, topic, key string, payload any) error {
	value, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", topic, err)
	}
	return p.PublishRaw(ctx, topic, []byte(key), value)
}

// PublishRaw writes pre-encoded bytes, retrying with capped exponential backoff.
func (p *Producer) PublishRaw(ctx context.Context, topic string, key, value []byte) error {
	var lastErr error
	backoff := p.backoff

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		msg := kafka.Message{
			Topic: topic,
			Key:   key,
			Value: value,
			Time:  time.Now().UTC(),
		}

		ctxAttempt, cancel := context.WithTimeout(ctx, p.writeTimeout)
		err := p.writer.WriteMessages(ctxAttempt, msg)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == p.maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("produce to %s: %w", topic, ctx.Err())
		case <-time.After(backoff):
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}

	return fmt.Errorf("produce to %s failed after %d attempts: %w", topic, p.maxAttempts, lastErr)
}

// Close flushes pending async writes and releases the writer.
func (p *Producer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
