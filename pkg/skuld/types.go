package skuld

import (
	"encoding/json"
	"time"

	"github.com/sre-norns/wyrd/pkg/manifest"
)

// CheckRunID is a server assigned identifier of a single check execution
type CheckRunID string

// SuiteID correlates a broker subscription with a single batch of scheduled checks
type SuiteID string

const InvalidCheckRunID = CheckRunID("")

// CheckKind identifies the type of probe a check is executed with
type CheckKind string

// DefaultCheckRunTimeout is the time a check is given to produce a result, unless configured otherwise
const DefaultCheckRunTimeout = 300 * time.Second

// Check describes a single test to be executed remotely.
// Content of a check is never interpreted by the orchestration.
type Check struct {
	// Name of the check, as shown to a user
	Name string `form:"name" json:"name" yaml:"name" xml:"name"`

	// Kind of the probe to run
	Kind CheckKind `form:"kind" json:"kind" yaml:"kind" xml:"kind"`

	// Labels of the check
	Labels manifest.Labels `form:"labels,omitempty" json:"labels,omitempty" yaml:"labels,omitempty" xml:"labels,omitempty"`

	// Probe specific configuration
	Spec map[string]any `form:"spec,omitempty" json:"spec,omitempty" yaml:"spec,omitempty" xml:"-"`
}

// CheckResult is the outcome of a check as reported by a worker
type CheckResult struct {
	Name         string `json:"name,omitempty" yaml:"name,omitempty"`
	HasFailures  bool   `json:"hasFailures" yaml:"hasFailures"`
	HasErrors    bool   `json:"hasErrors" yaml:"hasErrors"`
	ResponseTime int64  `json:"responseTime" yaml:"responseTime"` // milliseconds
	RunError     string `json:"runError,omitempty" yaml:"runError,omitempty"`

	// Asset references, where detailed run information can be fetched from
	Region           string `json:"region,omitempty" yaml:"region,omitempty"`
	LogPath          string `json:"logPath,omitempty" yaml:"logPath,omitempty"`
	CheckRunDataPath string `json:"checkRunDataPath,omitempty" yaml:"checkRunDataPath,omitempty"`

	// Assets attached after the result was received
	Logs         json.RawMessage `json:"logs,omitempty" yaml:"-"`
	CheckRunData json.RawMessage `json:"checkRunData,omitempty" yaml:"-"`
}

// HasAssets returns true if the result references any assets that can be fetched
func (r CheckResult) HasAssets() bool {
	return r.Region != "" && (r.LogPath != "" || r.CheckRunDataPath != "")
}

// ResultLinks is a set of short links to inspect a test result
type ResultLinks struct {
	TestResultLink  string   `json:"testResultLink,omitempty" yaml:"testResultLink,omitempty"`
	TestTraceLinks  []string `json:"testTraceLinks,omitempty" yaml:"testTraceLinks,omitempty"`
	VideoLinks      []string `json:"videoLinks,omitempty" yaml:"videoLinks,omitempty"`
	ScreenshotLinks []string `json:"screenshotLinks,omitempty" yaml:"screenshotLinks,omitempty"`
}

// ScheduledCheck is a check that has been accepted for execution
type ScheduledCheck struct {
	CheckRunID   CheckRunID `json:"checkRunId" yaml:"checkRunId"`
	TestResultID string     `json:"testResultId,omitempty" yaml:"testResultId,omitempty"`
	Check        Check      `json:"check" yaml:"check"`
}

// ScheduledBatch is what a scheduler returns for a batch of checks
type ScheduledBatch struct {
	SessionID string           `json:"testSessionId,omitempty" yaml:"testSessionId,omitempty"`
	Checks    []ScheduledCheck `json:"checks" yaml:"checks"`
}
