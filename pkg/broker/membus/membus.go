// Package membus is an in-process broker.
// Messages are delivered synchronously to subscribers, in the publisher's goroutine.
package membus

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sre-norns/skuld/pkg/broker"
)

var (
	ErrClosed = fmt.Errorf("client is closed")
)

type subscription struct {
	prefix  string
	handler broker.MessageHandler
}

// Broker keeps subscriptions in memory. It is safe for concurrent use.
type Broker struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]subscription

	// ConnectErr, if set, is returned by Connect
	ConnectErr error
	// SubscribeErr, if set, is returned by Subscribe
	SubscribeErr error
}

func New() *Broker {
	return &Broker{
		subs: make(map[int]subscription),
	}
}

func (b *Broker) Connect(ctx context.Context) (broker.Client, error) {
	if b.ConnectErr != nil {
		return nil, b.ConnectErr
	}

	return &client{broker: b}, nil
}

// Publish delivers the message to every subscription with a matching prefix
func (b *Broker) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	handlers := make([]broker.MessageHandler, 0, len(b.subs))
	for _, sub := range b.subs {
		if strings.HasPrefix(topic, sub.prefix) {
			handlers = append(handlers, sub.handler)
		}
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		handler(topic, payload)
	}

	return nil
}

func (b *Broker) Close() error {
	return nil
}

// Subscriptions returns the number of active subscriptions
func (b *Broker) Subscriptions() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.subs)
}

type client struct {
	broker *Broker

	mu     sync.Mutex
	ids    []int
	closed bool
}

func (c *client) Subscribe(ctx context.Context, topicPrefix string, handler broker.MessageHandler) error {
	if c.broker.SubscribeErr != nil {
		return c.broker.SubscribeErr
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	c.broker.mu.Lock()
	id := c.broker.nextID
	c.broker.nextID++
	c.broker.subs[id] = subscription{prefix: topicPrefix, handler: handler}
	c.broker.mu.Unlock()

	c.ids = append(c.ids, id)
	return nil
}

func (c *client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	c.broker.mu.Lock()
	for _, id := range c.ids {
		delete(c.broker.subs, id)
	}
	c.broker.mu.Unlock()

	return nil
}
