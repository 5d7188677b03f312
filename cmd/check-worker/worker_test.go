package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/sre-norns/skuld/pkg/broker"
	"github.com/sre-norns/skuld/pkg/probe"
	"github.com/sre-norns/skuld/pkg/redqueue"
	"github.com/sre-norns/skuld/pkg/skuld"
)

type published struct {
	checkRunID skuld.CheckRunID
	subtopic   string
	payload    []byte
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []published
}

func (p *fakePublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	id, subtopic, err := broker.ParseTopic(topic)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, published{checkRunID: id, subtopic: subtopic, payload: payload})
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) subtopics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var result []string
	for _, m := range p.messages {
		result = append(result, m.subtopic)
	}
	return result
}

func (p *fakePublisher) last() published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.messages[len(p.messages)-1]
}

type fakeUploader struct {
	mu    sync.Mutex
	paths []string
	err   error
}

func (u *fakeUploader) Region() string { return "test-region" }

func (u *fakeUploader) Put(ctx context.Context, assetPath string, content []byte) error {
	if u.err != nil {
		return u.err
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	u.paths = append(u.paths, assetPath)
	return nil
}

func registerKind(t *testing.T, kind skuld.CheckKind, status probe.Status, err error) {
	require.NoError(t, probe.Register(kind, probe.Registration{
		RunFunc: func(ctx context.Context, spec map[string]any, registry *prometheus.Registry, logger log.Logger) (probe.Status, error) {
			return status, err
		},
	}))
	t.Cleanup(func() { probe.Unregister(kind) })
}

func newTestWorker(uploader assetUploader) (*worker, *fakePublisher) {
	publisher := &fakePublisher{}
	return &worker{
		publisher:  publisher,
		uploader:   uploader,
		metrics:    newWorkerMetrics(prometheus.NewRegistry()),
		logger:     log.NewNopLogger(),
		maxTimeout: time.Minute,
		now:        time.Now,
	}, publisher
}

func newTask(t *testing.T, kind skuld.CheckKind) *asynq.Task {
	task, err := redqueue.MarshalJob(redqueue.Job{
		AccountID:  "acc-1",
		SuiteID:    "suite-1",
		CheckRunID: "run-1",
		Check:      skuld.Check{Name: "check", Kind: kind},
	})
	require.NoError(t, err)
	return task
}

func TestHandleCheckRun(t *testing.T) {
	registerKind(t, "fake-ok", probe.StatusSuccess, nil)
	registerKind(t, "fake-failed", probe.StatusFailed, nil)
	registerKind(t, "fake-broken", probe.StatusError, fmt.Errorf("invalid spec"))

	testCases := map[string]struct {
		kind            skuld.CheckKind
		uploadErr       error
		expectSubtopics []string
		expectFailures  bool
		expectAssets    bool
		expectMessage   string
	}{
		"passed": {
			kind:            "fake-ok",
			expectSubtopics: []string{broker.SubtopicRunStart, broker.SubtopicRunEnd},
			expectAssets:    true,
		},
		"failed": {
			kind:            "fake-failed",
			expectSubtopics: []string{broker.SubtopicRunStart, broker.SubtopicRunEnd},
			expectFailures:  true,
			expectAssets:    true,
		},
		"upload-failed": {
			kind:            "fake-ok",
			uploadErr:       fmt.Errorf("store unavailable"),
			expectSubtopics: []string{broker.SubtopicRunStart, broker.SubtopicRunEnd},
		},
		"probe-error": {
			kind:            "fake-broken",
			expectSubtopics: []string{broker.SubtopicRunStart, broker.SubtopicError},
			expectMessage:   "invalid spec",
		},
		"unsupported-kind": {
			kind:            "unknown",
			expectSubtopics: []string{broker.SubtopicRunStart, broker.SubtopicError},
			expectMessage:   `unsupported check kind: "unknown"`,
		},
	}

	for name, tc := range testCases {
		test := tc
		t.Run(name, func(t *testing.T) {
			w, publisher := newTestWorker(&fakeUploader{err: test.uploadErr})

			require.NoError(t, w.HandleCheckRun(context.Background(), newTask(t, test.kind)))
			require.Equal(t, test.expectSubtopics, publisher.subtopics())

			last := publisher.last()
			require.Equal(t, skuld.CheckRunID("run-1"), last.checkRunID)

			if test.expectMessage != "" {
				var msg broker.ErrorMessage
				require.NoError(t, json.Unmarshal(last.payload, &msg))
				require.Equal(t, test.expectMessage, msg.Message)
				return
			}

			var msg broker.RunEndMessage
			require.NoError(t, json.Unmarshal(last.payload, &msg))
			require.Equal(t, "check", msg.Result.Name)
			require.Equal(t, test.expectFailures, msg.Result.HasFailures)
			require.Equal(t, test.expectAssets, msg.Result.HasAssets())
			if test.expectAssets {
				require.Equal(t, "test-region", msg.Result.Region)
				require.Equal(t, "logs/run-1", msg.Result.LogPath)
				require.Equal(t, "check-run-data/run-1", msg.Result.CheckRunDataPath)
			}
		})
	}
}

func TestHandleCheckRun_MalformedJob(t *testing.T) {
	w, publisher := newTestWorker(nil)

	err := w.HandleCheckRun(context.Background(), asynq.NewTask(redqueue.TaskType, []byte(`{`)))
	require.Error(t, err)
	require.True(t, errors.Is(err, asynq.SkipRetry))
	require.Empty(t, publisher.subtopics())
}

func TestWorkerTimeout(t *testing.T) {
	w, _ := newTestWorker(nil)

	require.Equal(t, time.Minute, w.timeout(redqueue.Job{}))
	require.Equal(t, 10*time.Second, w.timeout(redqueue.Job{Timeout: 10 * time.Second}))
	require.Equal(t, time.Minute, w.timeout(redqueue.Job{Timeout: time.Hour}))
}
