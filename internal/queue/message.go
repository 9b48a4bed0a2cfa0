// Package queue is the backfill message channel: an at-least-once delivery
// abstraction with delay scheduling and visibility timeouts, in the shape of
// an SQS queue. The message payload is the sole resumption state between
// invocations — a worker that crashes loses nothing but its current page.
package queue

import (
	"time"

	"github.com/makersync/backfill/pkg/types"
)

// BackfillMessage asks a worker to advance one installation's backfill.
type BackfillMessage struct {
	JiraHost        string                 `json:"jiraHost"`
	InstallationID  int64                  `json:"installationId"`
	GitHubAppConfig *types.GitHubAppConfig `json:"gitHubAppConfig,omitempty"`
	StartTime       string                 `json:"startTime,omitempty"`
	CommitsFromDate string                 `json:"commitsFromDate,omitempty"`
	TargetTasks     []types.TaskType       `json:"targetTasks,omitempty"`
}

// GitHubAppID returns the server app id, nil for cloud.
func (m *BackfillMessage) GitHubAppID() *int64 {
	if m.GitHubAppConfig == nil {
		return nil
	}
	id := m.GitHubAppConfig.GitHubAppID
	return &id
}

// StartedAt parses StartTime, nil when absent or unparseable.
func (m *BackfillMessage) StartedAt() *time.Time {
	return parseTime(m.StartTime)
}

// CommitsFrom parses CommitsFromDate, nil when absent or unparseable.
func (m *BackfillMessage) CommitsFrom() *time.Time {
	return parseTime(m.CommitsFromDate)
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	return &t
}
