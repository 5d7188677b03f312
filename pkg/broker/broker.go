package broker

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/sre-norns/skuld/pkg/skuld"
)

// Subtopics published by workers for each check run
const (
	SubtopicRunStart = "run-start"
	SubtopicRunEnd   = "run-end"
	SubtopicError    = "error"
)

const resultsTopicName = "ad-hoc-check-results"

var (
	ErrMalformedTopic = fmt.Errorf("malformed check result topic")
)

// MessageHandler is called for every message received on a subscribed topic.
// Handlers must not block for long: they are called from the broker receive loop.
type MessageHandler func(topic string, payload []byte)

// Broker opens connections to a message broker
type Broker interface {
	Connect(ctx context.Context) (Client, error)
}

// Client is a connection to a message broker.
// Closing the client stops delivery to all subscriptions.
type Client interface {
	io.Closer

	// Subscribe delivers every message with a topic starting with the given prefix to the handler.
	// Subscription is active when Subscribe returns without an error.
	Subscribe(ctx context.Context, topicPrefix string, handler MessageHandler) error
}

// Publisher sends messages to a topic
type Publisher interface {
	io.Closer

	Publish(ctx context.Context, topic string, payload []byte) error
}

// SuitePrefix returns the topic prefix under which all results of the given suite are published
func SuitePrefix(accountID string, suiteID skuld.SuiteID) string {
	return fmt.Sprintf("account/%s/%s/%s/", accountID, resultsTopicName, suiteID)
}

// CheckRunTopic returns a topic a worker publishes check run messages to
func CheckRunTopic(accountID string, suiteID skuld.SuiteID, checkRunID skuld.CheckRunID, subtopic string) string {
	return SuitePrefix(accountID, suiteID) + string(checkRunID) + "/" + subtopic
}

// ParseTopic extracts check run ID and a subtopic out of the topic path.
// Expected topic shape is: account/{accountId}/ad-hoc-check-results/{suiteId}/{checkRunId}/{subtopic}
func ParseTopic(topic string) (skuld.CheckRunID, string, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 6 || parts[4] == "" {
		return skuld.InvalidCheckRunID, "", fmt.Errorf("%w: %q", ErrMalformedTopic, topic)
	}

	return skuld.CheckRunID(parts[4]), parts[5], nil
}
