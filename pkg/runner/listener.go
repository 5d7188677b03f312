package runner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/sre-norns/skuld/pkg/broker"
	"github.com/sre-norns/skuld/pkg/skuld"
)

var (
	ErrMalformedMessage = fmt.Errorf("malformed check result message")
)

// resultMessage is a decoded broker message addressed to a single check run
type resultMessage struct {
	CheckRunID skuld.CheckRunID
	Subtopic   string

	// Set for run-end messages
	RunEnd *broker.RunEndMessage

	// Message as received
	Raw json.RawMessage
}

func decodeMessage(topic string, payload []byte) (resultMessage, error) {
	checkRunID, subtopic, err := broker.ParseTopic(topic)
	if err != nil {
		return resultMessage{}, err
	}

	msg := resultMessage{
		CheckRunID: checkRunID,
		Subtopic:   subtopic,
		Raw:        json.RawMessage(payload),
	}

	switch subtopic {
	case broker.SubtopicRunEnd:
		var runEnd broker.RunEndMessage
		if err := json.Unmarshal(payload, &runEnd); err != nil {
			return msg, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		msg.RunEnd = &runEnd
	case broker.SubtopicError:
		if !json.Valid(payload) {
			// Not all workers report errors as JSON: keep it as a JSON string
			quoted, err := json.Marshal(string(payload))
			if err != nil {
				return msg, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
			}
			msg.Raw = quoted
		}
	}

	return msg, nil
}

// resultListener turns broker messages into tasks on a sequential queue
type resultListener struct {
	queue   *SequentialQueue
	process func(ctx context.Context, msg resultMessage)
	logger  log.Logger
}

func (l *resultListener) Listen(ctx context.Context, client broker.Client, topicPrefix string) error {
	return client.Subscribe(ctx, topicPrefix, l.handle)
}

func (l *resultListener) handle(topic string, payload []byte) {
	msg, err := decodeMessage(topic, payload)
	if err != nil {
		level.Debug(l.logger).Log("msg", "discarding message", "topic", topic, "err", err)
		return
	}

	l.queue.Submit(func(ctx context.Context) {
		l.process(ctx, msg)
	})
}
