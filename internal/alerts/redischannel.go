package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/driftline/driftline/internal/signal"
)

// RedisChannelConfig points a channel at one Redis topic. Downstream
// consumers subscribe to the topic and receive the alert record JSON.
type RedisChannelConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Topic    string `yaml:"topic"`
}

// RedisChannel publishes aggregated signals to a Redis pub/sub topic.
// Publishing to a topic with no subscribers succeeds; pub/sub is
// fire-and-forget by design on the consumer side.
type RedisChannel struct {
	id     string
	topic  string
	filter Filter
	client *redis.Client
	log    zerolog.Logger
}

// NewRedisChannel connects to Redis and verifies the connection with a
// ping.
func NewRedisChannel(id string, cfg RedisChannelConfig, filter Filter, logger zerolog.Logger) (*RedisChannel, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("alerts: redis channel %s needs an addr", id)
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("alerts: redis channel %s needs a topic", id)
	}
	if filter == nil {
		filter = DefaultFilter()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("alerts: redis channel %s: connection failed: %w", id, err)
	}

	return &RedisChannel{
		id:     id,
		topic:  cfg.Topic,
		filter: filter,
		client: client,
		log:    logger.With().Str("channel", id).Str("kind", "redis").Logger(),
	}, nil
}

func (c *RedisChannel) ID() string   { return c.id }
func (c *RedisChannel) Kind() string { return "redis" }

func (c *RedisChannel) Filter(ag signal.AggregatedSignal) bool { return c.filter(ag) }

func (c *RedisChannel) Deliver(ctx context.Context, ag signal.AggregatedSignal) error {
	payload, err := json.Marshal(NewRecord(ag))
	if err != nil {
		return fmt.Errorf("marshal redis payload: %w", err)
	}
	if err := c.client.Publish(ctx, c.topic, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", c.topic, err)
	}
	c.log.Debug().Str("asset", ag.AssetID).Str("topic", c.topic).Msg("Alert published to Redis")
	return nil
}

// Close releases the Redis connection.
func (c *RedisChannel) Close() error { return c.client.Close() }
