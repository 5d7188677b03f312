// Package kafkabus implements the result broker on top of a Kafka topic.
//
// All check run messages share one results topic; the message key carries the topic path.
// The results topic must have a single partition: subscriptions read partition 0 only,
// starting from its last offset at the time of subscription.
package kafkabus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/segmentio/kafka-go"

	"github.com/sre-norns/skuld/pkg/broker"
)

var ErrNoBrokers = fmt.Errorf("no kafka brokers configured")

type Config struct {
	KafkaBrokers []string      `help:"Kafka bootstrap brokers" default:"localhost:9092" env:"SKULD_KAFKA_BROKERS"`
	KafkaTopic   string        `help:"Single-partition topic carrying check run messages" default:"check-results" env:"SKULD_KAFKA_TOPIC"`
	KafkaMaxWait time.Duration `help:"Maximum time to wait for new messages in a single fetch" default:"500ms"`
}

type Broker struct {
	config Config
	logger log.Logger
}

func New(config Config, logger log.Logger) *Broker {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	return &Broker{
		config: config,
		logger: logger,
	}
}

func (b *Broker) Connect(ctx context.Context) (broker.Client, error) {
	if len(b.config.KafkaBrokers) == 0 {
		return nil, ErrNoBrokers
	}

	conn, err := kafka.DialContext(ctx, "tcp", b.config.KafkaBrokers[0])
	if err != nil {
		return nil, fmt.Errorf("failed to connect to kafka: %w", err)
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions(b.config.KafkaTopic)
	if err != nil {
		return nil, fmt.Errorf("failed to read partitions of %q: %w", b.config.KafkaTopic, err)
	}
	if len(partitions) != 1 {
		level.Warn(b.logger).Log("msg", "results topic has more than one partition, only partition 0 is consumed", "topic", b.config.KafkaTopic, "partitions", len(partitions))
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &client{
		config: b.config,
		logger: b.logger,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

type client struct {
	config Config
	logger log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	readers []*kafka.Reader
	wg      sync.WaitGroup
}

// lastOffset returns the offset the next message of the results partition will be written at
func (c *client) lastOffset(ctx context.Context) (int64, error) {
	conn, err := kafka.DialLeader(ctx, "tcp", c.config.KafkaBrokers[0], c.config.KafkaTopic, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to dial partition leader: %w", err)
	}
	defer conn.Close()

	return conn.ReadLastOffset()
}

func (c *client) Subscribe(ctx context.Context, topicPrefix string, handler broker.MessageHandler) error {
	offset, err := c.lastOffset(ctx)
	if err != nil {
		return err
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   c.config.KafkaBrokers,
		Topic:     c.config.KafkaTopic,
		Partition: 0,
		MaxWait:   c.config.KafkaMaxWait,
	})
	if err := reader.SetOffset(offset); err != nil {
		reader.Close()
		return fmt.Errorf("failed to set offset %d: %w", offset, err)
	}

	c.mu.Lock()
	c.readers = append(c.readers, reader)
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.consume(reader, topicPrefix, handler)
	}()

	return nil
}

func (c *client) consume(reader *kafka.Reader, topicPrefix string, handler broker.MessageHandler) {
	for {
		msg, err := reader.ReadMessage(c.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || c.ctx.Err() != nil {
				return
			}

			level.Warn(c.logger).Log("msg", "failed to read check run message", "topic", c.config.KafkaTopic, "err", err)
			return
		}

		if topic := string(msg.Key); matches(topic, topicPrefix) {
			handler(topic, msg.Value)
		}
	}
}

func matches(topic, prefix string) bool {
	return strings.HasPrefix(topic, prefix)
}

func (c *client) Close() error {
	c.cancel()

	c.mu.Lock()
	readers := c.readers
	c.readers = nil
	c.mu.Unlock()

	var errs []error
	for _, r := range readers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.wg.Wait()

	return errors.Join(errs...)
}

// Publisher writes check run messages, keyed by their topic path
type Publisher struct {
	writer *kafka.Writer
}

func NewPublisher(config Config) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(config.KafkaBrokers...),
			Topic:    config.KafkaTopic,
			Balancer: &kafka.LeastBytes{},
		},
	}
}

func (p *Publisher) Publish(ctx context.Context, topic string, payload []byte) error {
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(topic),
		Value: payload,
	})
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
