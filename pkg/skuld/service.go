package skuld

import (
	"context"
	"encoding/json"
)

// Scheduler registers checks for execution.
// It is the customization point of a run: how checks are scheduled is up to the implementation.
type Scheduler interface {
	ScheduleChecks(ctx context.Context, suiteID SuiteID) (ScheduledBatch, error)
}

// AssetFetcher retrieves run assets referenced by a CheckResult
type AssetFetcher interface {
	GetLogs(ctx context.Context, region, path string) (json.RawMessage, error)
	GetCheckRunData(ctx context.Context, region, path string) (json.RawMessage, error)
}

// LinkFetcher retrieves short links for a test result.
// A nil result with no error means there are no links for the result.
type LinkFetcher interface {
	GetResultShortLinks(ctx context.Context, sessionID, testResultID string) (*ResultLinks, error)
}

// SchedulerFunc is an adapter to use ordinary functions as Scheduler
type SchedulerFunc func(ctx context.Context, suiteID SuiteID) (ScheduledBatch, error)

func (f SchedulerFunc) ScheduleChecks(ctx context.Context, suiteID SuiteID) (ScheduledBatch, error) {
	return f(ctx, suiteID)
}
