package probe

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"

	"github.com/go-kit/log"
)

// RunLog captures log lines produced while a probe runs.
// Every line is also forwarded to the upstream logger.
type RunLog struct {
	mu      sync.Mutex
	content bytes.Buffer
	capture log.Logger

	upstream log.Logger
}

func NewRunLog(upstream log.Logger) *RunLog {
	if upstream == nil {
		upstream = log.NewNopLogger()
	}

	l := &RunLog{upstream: upstream}
	l.capture = log.With(log.NewLogfmtLogger(&l.content), "ts", log.DefaultTimestampUTC)

	return l
}

func (l *RunLog) Log(keyvals ...any) error {
	l.mu.Lock()
	err := l.capture.Log(keyvals...)
	l.mu.Unlock()
	if err != nil {
		return err
	}

	return l.upstream.Log(keyvals...)
}

// Lines returns captured log lines
func (l *RunLog) Lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	text := strings.TrimSuffix(l.content.String(), "\n")
	if text == "" {
		return []string{}
	}

	return strings.Split(text, "\n")
}

// Content returns the captured log as a JSON array of lines
func (l *RunLog) Content() ([]byte, error) {
	return json.Marshal(l.Lines())
}
