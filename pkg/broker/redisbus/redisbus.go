// Package redisbus implements the result broker on top of Redis pub/sub.
// Subscriptions are pattern subscriptions on a topic prefix.
package redisbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/redis/go-redis/v9"

	"github.com/sre-norns/skuld/pkg/broker"
)

type Config struct {
	RedisAddress  string `help:"Redis server address:port used for check result messages" default:"localhost:6379" env:"SKULD_REDIS_ADDRESS"`
	RedisDB       int    `help:"Redis database number" default:"0"`
	RedisPassword string `help:"Redis password" env:"SKULD_REDIS_PASSWORD"`
}

func (c Config) Options() *redis.Options {
	return &redis.Options{
		Addr:     c.RedisAddress,
		DB:       c.RedisDB,
		Password: c.RedisPassword,
	}
}

// Broker connects to Redis for every run.
type Broker struct {
	options *redis.Options
	logger  log.Logger
}

func New(config Config, logger log.Logger) *Broker {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	return &Broker{
		options: config.Options(),
		logger:  logger,
	}
}

func (b *Broker) Connect(ctx context.Context) (broker.Client, error) {
	rdb := redis.NewClient(b.options)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis %q: %w", b.options.Addr, err)
	}

	return &client{
		rdb:    rdb,
		logger: b.logger,
	}, nil
}

type client struct {
	rdb    *redis.Client
	logger log.Logger

	mu      sync.Mutex
	pubsubs []*redis.PubSub
	wg      sync.WaitGroup
}

// escapePattern quotes glob special characters so that the prefix is matched literally
func escapePattern(prefix string) string {
	var sb strings.Builder
	for _, r := range prefix {
		switch r {
		case '*', '?', '[', ']', '\\':
			sb.WriteRune('\\')
		}
		sb.WriteRune(r)
	}

	return sb.String()
}

func (c *client) Subscribe(ctx context.Context, topicPrefix string, handler broker.MessageHandler) error {
	pattern := escapePattern(topicPrefix) + "*"
	pubsub := c.rdb.PSubscribe(ctx, pattern)

	// Wait for confirmation: messages published after this point are delivered
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("psubscribe %q: %w", pattern, err)
	}

	c.mu.Lock()
	c.pubsubs = append(c.pubsubs, pubsub)
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for msg := range pubsub.Channel() {
			handler(msg.Channel, []byte(msg.Payload))
		}
		level.Debug(c.logger).Log("msg", "subscription closed", "pattern", pattern)
	}()

	return nil
}

func (c *client) Close() error {
	c.mu.Lock()
	pubsubs := c.pubsubs
	c.pubsubs = nil
	c.mu.Unlock()

	var errs []error
	for _, ps := range pubsubs {
		if err := ps.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.wg.Wait()

	if err := c.rdb.Close(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Publisher publishes check run messages, used by workers
type Publisher struct {
	rdb *redis.Client
}

func NewPublisher(config Config) *Publisher {
	return &Publisher{
		rdb: redis.NewClient(config.Options()),
	}
}

func (p *Publisher) Publish(ctx context.Context, topic string, payload []byte) error {
	return p.rdb.Publish(ctx, topic, payload).Err()
}

func (p *Publisher) Close() error {
	return p.rdb.Close()
}
