// This file implements Redis-based publishing for deployments that fan
// readings out through Redis instead of an MQTT broker.
//
// Architecture:
//
//	Bridge                                     Redis
//	┌─────────────┐    PUBLISH envoy/...       ┌─────────────┐
//	│   Redis     │ ────────────────────────▶  │  Pub/Sub    │ → live consumers
//	│  Publisher  │                            └─────────────┘
//	│             │    XADD envoy:readings     ┌─────────────┐
//	│             │ ────────────────────────▶  │  Streams    │ → replay / backfill
//	└─────────────┘                            └─────────────┘
package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultStreamName is the capped stream every reading is appended to.
const DefaultStreamName = "envoy:readings"

// RedisConfig holds configuration for the Redis publisher.
type RedisConfig struct {
	// URL is the Redis connection URL
	URL string

	// Username and Password override the URL's userinfo when set
	Username string
	Password string

	// StreamName is the stream readings are appended to (default: "envoy:readings")
	StreamName string

	// MaxLen caps the stream length (default: 10000)
	MaxLen int64

	Logger *zerolog.Logger
}

// RedisPublisher publishes each reading on a pub/sub channel named after the
// topic and appends it to a capped stream.
type RedisPublisher struct {
	client     *redis.Client
	redisURL   string
	streamName string
	maxLen     int64
	log        zerolog.Logger
}

// NewRedisPublisher creates a Redis publisher. It does not contact the server;
// call Connect to verify the connection.
func NewRedisPublisher(cfg RedisConfig) (*RedisPublisher, error) {
	if cfg.StreamName == "" {
		cfg.StreamName = DefaultStreamName
	}
	if cfg.MaxLen == 0 {
		cfg.MaxLen = 10000
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if cfg.Username != "" {
		opts.Username = cfg.Username
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	return &RedisPublisher{
		client:     redis.NewClient(opts),
		redisURL:   cfg.URL,
		streamName: cfg.StreamName,
		maxLen:     cfg.MaxLen,
		log:        loggerOrNop(cfg.Logger),
	}, nil
}

// Connect pings the server.
func (p *RedisPublisher) Connect(ctx context.Context) error {
	p.log.Debug().Str("stream", p.streamName).Msg("pinging Redis")
	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	p.log.Info().Msg("connected to Redis")
	return nil
}

func (p *RedisPublisher) Publish(ctx context.Context, topic, payload string) error {
	if err := p.client.Publish(ctx, topic, payload).Err(); err != nil {
		return &PublishError{Topic: topic, Err: fmt.Errorf("pub/sub: %w", err)}
	}

	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.streamName,
		Values: map[string]any{
			"topic":     topic,
			"payload":   payload,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
		MaxLen: p.maxLen,
		Approx: true,
	}).Err(); err != nil {
		return &PublishError{Topic: topic, Err: fmt.Errorf("stream: %w", err)}
	}
	return nil
}

// Close closes the Redis connection.
func (p *RedisPublisher) Close() error {
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}

// StreamName returns the stream name.
func (p *RedisPublisher) StreamName() string {
	return p.streamName
}
