package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// ErrPollTimeout is returned by Fetch when no message arrived within the poll
// timeout. Callers simply poll again.
var ErrPollTimeout = errors.New("poll timeout")

type ConsumerConfig struct {
	Brokers     []string
	GroupID     string
	Topic       string
	ClientID    string
	PollTimeout time.Duration
}

// Message is a consumed record. Topic, Partition and Offset identify it for
// commits and archiving.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Time      time.Time
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer is a consumer-group member with manual commits: offsets only move
// when Commit is called.
type Consumer struct {
	reader      messageReader
	pollTimeout time.Duration
}

func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.GroupID == "" || cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: group id and topic required")
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:           cfg.Brokers,
		GroupID:           cfg.GroupID,
		Topic:             cfg.Topic,
		StartOffset:       kafka.FirstOffset,
		CommitInterval:    0,
		MinBytes:          1,
		MaxBytes:          10e6,
		SessionTimeout:    10 * time.Second,
		HeartbeatInterval: 3 * time.Second,
		Dialer: &kafka.Dialer{
			ClientID:  cfg.ClientID,
			Timeout:   10 * time.Second,
			DualStack: true,
		},
	})
	return newConsumer(r, cfg.PollTimeout), nil
}

func newConsumer(r messageReader, pollTimeout time.Duration) *Consumer {
	if pollTimeout <= 0 {
		pollTimeout = time.Second
	}
	return &Consumer{reader: r, pollTimeout: pollTimeout}
}

// Fetch waits up to the poll timeout for the next message. It returns
// ErrPollTimeout when nothing arrived and ctx.Err() once ctx is done.
func (c *Consumer) Fetch(ctx context.Context) (Message, error) {
	pollCtx, cancel := context.WithTimeout(ctx, c.pollTimeout)
	defer cancel()

	m, err := c.reader.FetchMessage(pollCtx)
	if err != nil {
		if ctx.Err() != nil {
			return Message{}, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return Message{}, ErrPollTimeout
		}
		return Message{}, fmt.Errorf("fetch message: %w", err)
	}
	return Message{
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Key:       m.Key,
		Value:     m.Value,
		Time:      m.Time,
	}, nil
}

func (c *Consumer) Commit(ctx context.Context, msg Message) error {
	err := c.reader.CommitMessages(ctx, kafka.Message{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
	})
	if err != nil {
		return fmt.Errorf("commit %s/%d@%d: %w", msg.Topic, msg.Partition, msg.Offset, err)
	}
	return nil
}

func (c *Consumer) Close() error {
	if c == nil || c.reader == nil {
		return nil
	}
	return c.reader.Close()
}
