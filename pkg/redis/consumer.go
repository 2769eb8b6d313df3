package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StreamReader is the part of *Client a StreamConsumer uses.
type StreamReader interface {
	XRead(ctx context.Context, stream, lastID string, count int64, block time.Duration) ([]redis.XStream, error)
	XReadGroup(ctx context.Context, group, consumer, stream, lastID string, count int64, block time.Duration) ([]redis.XStream, error)
	XAck(ctx context.Context, stream, group string, ids ...string) (int64, error)
	XGroupCreate(ctx context.Context, stream, group, start string) error
}

// StreamConsumerConfig configures a StreamConsumer.
type StreamConsumerConfig struct {
	// Stream is the Redis stream name to consume from (required).
	Stream string

	// Group is the consumer group name. With a group, several replicas share the stream and
	// each entry is handled once.
	Group string

	// Consumer is the consumer name within the group. Required if Group is set.
	Consumer string

	// LastID is where a group-less consumer starts: "0" for the beginning, "$" for new entries.
	// Default: "$"
	LastID string

	// Count is the max number of entries to read per batch. Default: 100.
	Count int64

	// Block is how long one read waits for new entries. Default: 5 seconds.
	Block time.Duration

	// RetryInterval is the first wait after a failed read, doubled up to MaxRetryInterval.
	// Defaults: 1 second and 30 seconds.
	RetryInterval    time.Duration
	MaxRetryInterval time.Duration

	Logger *zap.Logger
}

// MessageHandler processes a stream message. Returning an error leaves a group entry
// unacknowledged so it is redelivered.
type MessageHandler func(ctx context.Context, msg Message) error

// Message represents a single stream entry.
type Message struct {
	ID     string
	Stream string
	Values map[string]interface{}
}

// StreamConsumer consumes a Redis stream until its context ends, backing off on read errors.
type StreamConsumer struct {
	client StreamReader
	config StreamConsumerConfig
	logger *zap.Logger
}

func NewStreamConsumer(client StreamReader, config StreamConsumerConfig) (*StreamConsumer, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if config.Stream == "" {
		return nil, errors.New("stream name is required")
	}
	if config.Group != "" && config.Consumer == "" {
		return nil, errors.New("consumer name is required when using consumer groups")
	}

	if config.LastID == "" {
		config.LastID = "$"
	}
	if config.Count == 0 {
		config.Count = 100
	}
	if config.Block == 0 {
		config.Block = 5 * time.Second
	}
	if config.RetryInterval == 0 {
		config.RetryInterval = time.Second
	}
	if config.MaxRetryInterval == 0 {
		config.MaxRetryInterval = 30 * time.Second
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamConsumer{client: client, config: config, logger: logger}, nil
}

// Run calls handler for every entry until ctx is cancelled. Handler errors are logged and do
// not stop the consumer.
func (sc *StreamConsumer) Run(ctx context.Context, handler MessageHandler) error {
	if sc.config.Group != "" {
		if err := sc.client.XGroupCreate(ctx, sc.config.Stream, sc.config.Group, "$"); err != nil {
			return fmt.Errorf("create consumer group %s on %s: %w", sc.config.Group, sc.config.Stream, err)
		}
		sc.logger.Info("Consumer group ready",
			zap.String("stream", sc.config.Stream),
			zap.String("group", sc.config.Group),
			zap.String("consumer", sc.config.Consumer))
	}

	lastID := sc.config.LastID
	retryInterval := sc.config.RetryInterval

	for {
		if err := ctx.Err(); err != nil {
			sc.logger.Info("Stream consumer shutting down", zap.String("stream", sc.config.Stream))
			return err
		}

		messages, newLastID, err := sc.readMessages(ctx, lastID)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			if errors.Is(err, redis.Nil) {
				// block timeout without entries
				continue
			}

			sc.logger.Warn("Error reading from stream, will retry",
				zap.String("stream", sc.config.Stream),
				zap.Error(err),
				zap.Duration("retryIn", retryInterval))

			select {
			case <-time.After(retryInterval):
				retryInterval = min(retryInterval*2, sc.config.MaxRetryInterval)
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		retryInterval = sc.config.RetryInterval

		if sc.config.Group == "" && newLastID != "" {
			lastID = newLastID
		}

		for _, msg := range messages {
			if err := sc.processMessage(ctx, handler, msg); err != nil {
				sc.logger.Error("Error processing message",
					zap.String("stream", sc.config.Stream),
					zap.String("id", msg.ID),
					zap.Error(err))
			}
		}
	}
}

func (sc *StreamConsumer) readMessages(ctx context.Context, lastID string) ([]Message, string, error) {
	var streams []redis.XStream
	var err error

	if sc.config.Group != "" {
		// ">" reads entries never delivered to this group
		streams, err = sc.client.XReadGroup(ctx, sc.config.Group, sc.config.Consumer, sc.config.Stream, ">",
			sc.config.Count, sc.config.Block)
	} else {
		streams, err = sc.client.XRead(ctx, sc.config.Stream, lastID, sc.config.Count, sc.config.Block)
	}
	if err != nil {
		return nil, "", err
	}

	var messages []Message
	var newLastID string
	for _, stream := range streams {
		for _, xmsg := range stream.Messages {
			messages = append(messages, Message{ID: xmsg.ID, Stream: stream.Stream, Values: xmsg.Values})
			newLastID = xmsg.ID
		}
	}
	return messages, newLastID, nil
}

func (sc *StreamConsumer) processMessage(ctx context.Context, handler MessageHandler, msg Message) error {
	if err := handler(ctx, msg); err != nil {
		return err
	}
	if sc.config.Group != "" {
		if _, err := sc.client.XAck(ctx, sc.config.Stream, sc.config.Group, msg.ID); err != nil {
			sc.logger.Warn("Failed to acknowledge message",
				zap.String("stream", sc.config.Stream),
				zap.String("id", msg.ID),
				zap.Error(err))
		}
	}
	return nil
}

// GetData returns the "data" field, or nil when absent.
func (m *Message) GetData() []byte {
	switch data := m.Values["data"].(type) {
	case string:
		return []byte(data)
	case []byte:
		return data
	}
	return nil
}

// GetString returns the field as a string, or "" when absent.
func (m *Message) GetString(field string) string {
	switch v := m.Values[field].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// GetUint64 returns a numeric field. Redis returns numbers as strings; anything that does not
// parse yields 0.
func (m *Message) GetUint64(field string) uint64 {
	switch v := m.Values[field].(type) {
	case uint64:
		return v
	case int64:
		if v > 0 {
			return uint64(v)
		}
	case int:
		if v > 0 {
			return uint64(v)
		}
	case string:
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
	}
	return 0
}
