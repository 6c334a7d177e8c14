// Package redis provides a Redis Streams implementation of broker.Broker for
// multi-replica deployments. Every subscriber reads the stream independently,
// so each replica sees every message.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agamim/portal-server-go/broker"
	"github.com/redis/go-redis/v9"
)

// Broker is a Redis Streams-based implementation of the broker.Broker interface.
type Broker struct {
	client    redis.UniversalClient
	keyPrefix string
	maxLen    int64
}

// Config contains configuration options for the Redis broker.
type Config struct {
	// Client is the Redis client to use. If nil, a default client will be created.
	Client redis.UniversalClient
	// KeyPrefix is prepended to all Redis keys used by the broker.
	// Defaults to "portal:broker:" if empty.
	KeyPrefix string
	// MaxLen approximately caps each stream's length. Defaults to 10000.
	MaxLen int64
}

// New creates a new Redis-based broker instance.
func New(config Config) *Broker {
	client := config.Client
	if client == nil {
		client = redis.NewClient(&redis.Options{
			Addr: "localhost:6379",
		})
	}

	keyPrefix := config.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "portal:broker:"
	}
	maxLen := config.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}

	return &Broker{
		client:    client,
		keyPrefix: keyPrefix,
		maxLen:    maxLen,
	}
}

// Close closes the Redis connection.
func (b *Broker) Close() error {
	return b.client.Close()
}

// Publish implements broker.Broker.
func (b *Broker) Publish(ctx context.Context, topic string, data []byte) (string, error) {
	streamKey := b.streamKey(topic)

	eventID, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{
			"data": data,
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish message to stream %s: %w", streamKey, err)
	}

	return eventID, nil
}

// Subscribe implements broker.Broker.
func (b *Broker) Subscribe(ctx context.Context, topic string, lastEventID string, handler broker.MessageHandler) error {
	streamKey := b.streamKey(topic)

	startID := lastEventID
	if startID == "" {
		// Pin the current tail instead of reading from "$", which would skip
		// messages added between two blocking reads.
		last, err := b.client.XRevRangeN(ctx, streamKey, "+", "-", 1).Result()
		if err != nil {
			return fmt.Errorf("failed to read tail of stream %s: %w", streamKey, err)
		}
		startID = "0-0"
		if len(last) > 0 {
			startID = last[0].ID
		}
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		streams, err := b.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{streamKey, startID},
			Count:   16,
			Block:   time.Second, // Block for 1 second, then check context
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to read from stream %s: %w", streamKey, err)
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				startID = message.ID
				data, ok := message.Values["data"].(string)
				if !ok {
					// Skip malformed message and continue from next
					continue
				}

				if err := handler(ctx, broker.MessageEnvelope{ID: message.ID, Data: []byte(data)}); err != nil {
					return err
				}
			}
		}
	}
}

// Cleanup implements broker.Broker.
func (b *Broker) Cleanup(ctx context.Context, topic string) error {
	streamKey := b.streamKey(topic)

	if err := b.client.Del(ctx, streamKey).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to cleanup topic %s: %w", topic, err)
	}

	return nil
}

func (b *Broker) streamKey(topic string) string {
	return b.keyPrefix + "stream:" + topic
}

var _ broker.Broker = (*Broker)(nil)
