package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makersync/backfill/pkg/types"
)

func seedSub(t *testing.T, m *Memory) *Subscription {
	t.Helper()
	sub := &Subscription{
		JiraHost:       "site.atlassian.net",
		InstallationID: 7,
		SyncStatus:     types.SyncPending,
	}
	require.NoError(t, m.CreateSubscription(context.Background(), sub))
	return sub
}

func TestGetSubscriptionMatchesAppID(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	appID := int64(42)
	cloud := &Subscription{JiraHost: "site.atlassian.net", InstallationID: 7}
	server := &Subscription{JiraHost: "site.atlassian.net", InstallationID: 7, GitHubAppID: &appID}
	require.NoError(t, m.CreateSubscription(ctx, cloud))
	require.NoError(t, m.CreateSubscription(ctx, server))

	got, err := m.GetSubscription(ctx, "site.atlassian.net", 7, nil)
	require.NoError(t, err)
	assert.Equal(t, cloud.ID, got.ID)

	got, err = m.GetSubscription(ctx, "site.atlassian.net", 7, &appID)
	require.NoError(t, err)
	assert.Equal(t, server.ID, got.ID)

	other := int64(99)
	_, err = m.GetSubscription(ctx, "site.atlassian.net", 7, &other)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApplyPatchAndState(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	sub := seedSub(t, m)
	require.NoError(t, m.UpsertRepos(ctx, sub.ID, []types.Repository{{ID: 1, FullName: "acme/one"}}))

	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, m.ApplyPatch(ctx, sub.ID, 1, RepoSyncStatePatch{
		TaskType: types.TaskCommit,
		Status:   types.StatusPending,
		Cursor:   StrPtr("abc 3"),
		From:     &from,
	}))

	states, err := m.ListRepoStates(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, states, 1)
	commit := states[0].State(types.TaskCommit)
	assert.Equal(t, "abc 3", commit.Cursor)
	require.NotNil(t, commit.From)
	assert.True(t, commit.From.Equal(from))
	assert.True(t, commit.Pending())

	// A fresh, never-touched task type reads as pending.
	assert.True(t, states[0].State(types.TaskBuild).Pending())

	err = m.ApplyPatch(ctx, sub.ID, 999, RepoSyncStatePatch{TaskType: types.TaskCommit, Status: types.StatusComplete})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListRepoStatesOrderedByUpdate(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	sub := seedSub(t, m)

	now := time.Now()
	repos := []types.Repository{
		{ID: 3, FullName: "acme/newest", UpdatedAt: now},
		{ID: 1, FullName: "acme/oldest", UpdatedAt: now.Add(-2 * time.Hour)},
		{ID: 2, FullName: "acme/middle", UpdatedAt: now.Add(-time.Hour)},
	}
	require.NoError(t, m.UpsertRepos(ctx, sub.ID, repos))

	states, err := m.ListRepoStates(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, states, 3)
	assert.Equal(t, int64(1), states[0].Repo.ID, "least recently updated repo schedules first")
	assert.Equal(t, int64(2), states[1].Repo.ID)
	assert.Equal(t, int64(3), states[2].Repo.ID)
}

func TestUpsertReposKeepsExistingState(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	sub := seedSub(t, m)

	repo := types.Repository{ID: 1, FullName: "acme/one"}
	require.NoError(t, m.UpsertRepos(ctx, sub.ID, []types.Repository{repo}))
	require.NoError(t, m.ApplyPatch(ctx, sub.ID, 1, RepoSyncStatePatch{
		TaskType: types.TaskPull,
		Status:   types.StatusComplete,
	}))

	// Re-discovery must not reset progress.
	repo.FullName = "acme/one-renamed"
	require.NoError(t, m.UpsertRepos(ctx, sub.ID, []types.Repository{repo}))

	states, err := m.ListRepoStates(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "acme/one-renamed", states[0].Repo.FullName)
	assert.Equal(t, types.StatusComplete, states[0].State(types.TaskPull).Status)
}

func TestResetFailedTasks(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	sub := seedSub(t, m)
	require.NoError(t, m.UpsertRepos(ctx, sub.ID, []types.Repository{{ID: 1}, {ID: 2}}))
	require.NoError(t, m.ApplyPatch(ctx, sub.ID, 1, RepoSyncStatePatch{
		TaskType:   types.TaskCommit,
		Status:     types.StatusFailed,
		FailedCode: StrPtr("SERVER_ERROR"),
	}))
	require.NoError(t, m.ApplyPatch(ctx, sub.ID, 2, RepoSyncStatePatch{
		TaskType: types.TaskPull,
		Status:   types.StatusComplete,
	}))

	count, err := m.ResetFailedTasks(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	states, err := m.ListRepoStates(ctx, sub.ID)
	require.NoError(t, err)
	for _, state := range states {
		if state.Repo.ID == 1 {
			commit := state.State(types.TaskCommit)
			assert.True(t, commit.Pending())
			assert.Empty(t, commit.FailedCode)
		}
		if state.Repo.ID == 2 {
			assert.Equal(t, types.StatusComplete, state.State(types.TaskPull).Status)
		}
	}
}

func TestCountSyncedRepos(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	sub := seedSub(t, m)
	require.NoError(t, m.UpsertRepos(ctx, sub.ID, []types.Repository{{ID: 1}, {ID: 2}}))

	for _, taskType := range types.TaskTypesInPriorityOrder() {
		require.NoError(t, m.ApplyPatch(ctx, sub.ID, 1, RepoSyncStatePatch{
			TaskType: taskType,
			Status:   types.StatusComplete,
		}))
	}

	count, err := m.CountSyncedRepos(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "a repo counts only when every task type is complete")
}

func TestSetBackfillSinceAndSyncStatus(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	sub := seedSub(t, m)

	since := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, m.SetBackfillSince(ctx, sub.ID, &since))
	require.NoError(t, m.UpdateSyncStatus(ctx, sub.ID, types.SyncComplete, ""))

	got, err := m.GetSubscription(ctx, "site.atlassian.net", 7, nil)
	require.NoError(t, err)
	assert.Equal(t, types.SyncComplete, got.SyncStatus)
	require.NotNil(t, got.BackfillSince)
	assert.True(t, got.BackfillSince.Equal(since))
}
