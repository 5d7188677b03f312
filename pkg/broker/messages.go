package broker

import (
	"encoding/json"

	"github.com/sre-norns/skuld/pkg/skuld"
)

// RunStartMessage is published when a worker begins to execute a check
type RunStartMessage struct {
	CheckRunID skuld.CheckRunID `json:"checkRunId"`
	StartedAt  int64            `json:"startedAt"`
}

// RunEndMessage is published when a worker completes a check
type RunEndMessage struct {
	Result skuld.CheckResult `json:"result"`
}

// ErrorMessage is published when a worker fails to execute a check
type ErrorMessage struct {
	CheckRunID skuld.CheckRunID `json:"checkRunId"`
	Message    string           `json:"message"`
}

func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}
