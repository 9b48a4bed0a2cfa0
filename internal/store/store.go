// Package store persists backfill progress: subscription-level sync status
// and one row of per-task-type cursors per repository. All mutation goes
// through explicit patch calls so unrelated columns are never overwritten.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/makersync/backfill/pkg/types"
)

// ErrNotFound is returned when a subscription or repository row does not
// exist. A missing subscription is an expected condition under concurrent
// uninstall, not an alertable failure.
var ErrNotFound = errors.New("store: not found")

// Subscription binds one GitHub installation to one Jira site and carries the
// aggregate backfill state. The repository discovery task lives here rather
// than on a repo row because it is what creates the repo rows.
type Subscription struct {
	ID             int64
	InstallationID int64
	JiraHost       string
	GitHubAppID    *int64 // nil for cloud

	SyncStatus    types.SyncStatus
	SyncWarning   string
	BackfillSince *time.Time
	TotalRepos    int

	RepositoryStatus types.TaskStatus
	RepositoryCursor string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TaskState is the progress of one task type on one repository. A zero value
// means the task has never run, which the scheduler treats as pending.
type TaskState struct {
	Status     types.TaskStatus
	Cursor     string
	From       *time.Time
	FailedCode string
}

// Pending reports whether the task still has work to do.
func (s TaskState) Pending() bool {
	return s.Status == "" || s.Status == types.StatusPending
}

// RepoSyncState is one repository's row: metadata used for scheduling order
// plus a TaskState per task type.
type RepoSyncState struct {
	SubscriptionID int64
	Repo           types.Repository
	States         map[types.TaskType]TaskState
}

// State returns the state for t, zero-valued when the task has never run.
func (r *RepoSyncState) State(t types.TaskType) TaskState {
	return r.States[t]
}

// RepoSyncStatePatch is an explicit delta applied to one (repository, task
// type) pair. Nil Cursor/From leave the stored value untouched.
type RepoSyncStatePatch struct {
	TaskType   types.TaskType
	Status     types.TaskStatus
	Cursor     *string
	From       *time.Time
	FailedCode *string
}

// Store is the persistence surface the orchestrator drives. Implementations
// must order ListRepoStates by repository updated time ascending
// (least-recently-touched first) so no repository starves under load.
type Store interface {
	GetSubscription(ctx context.Context, jiraHost string, installationID int64, gitHubAppID *int64) (*Subscription, error)
	CreateSubscription(ctx context.Context, sub *Subscription) error
	UpdateSyncStatus(ctx context.Context, subscriptionID int64, status types.SyncStatus, warning string) error
	SetBackfillSince(ctx context.Context, subscriptionID int64, since *time.Time) error

	// SetRepositoryTaskState records discovery progress on the subscription.
	SetRepositoryTaskState(ctx context.Context, subscriptionID int64, status types.TaskStatus, cursor string) error
	SetTotalRepos(ctx context.Context, subscriptionID int64, totalRepos int) error

	// UpsertRepos bulk-creates (or refreshes metadata of) repo rows at
	// discovery time. Existing task state on a row is preserved.
	UpsertRepos(ctx context.Context, subscriptionID int64, repos []types.Repository) error
	ListRepoStates(ctx context.Context, subscriptionID int64) ([]*RepoSyncState, error)

	ApplyPatch(ctx context.Context, subscriptionID, repoID int64, patch RepoSyncStatePatch) error

	// ResetFailedTasks clears failed task statuses back to pending so an
	// operator can retry without restarting the whole backfill. Returns the
	// number of repositories touched.
	ResetFailedTasks(ctx context.Context, subscriptionID int64) (int, error)
	CountSyncedRepos(ctx context.Context, subscriptionID int64) (int, error)
}

// StrPtr is a convenience for building patches.
func StrPtr(s string) *string { return &s }
