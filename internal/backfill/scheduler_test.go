package backfill

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/makersync/backfill/internal/store"
	"github.com/makersync/backfill/pkg/types"
)

func repoState(repoID int64, states map[types.TaskType]store.TaskState) *store.RepoSyncState {
	return &store.RepoSyncState{
		Repo:   types.Repository{ID: repoID, Owner: "acme", Name: "svc", FullName: "acme/svc"},
		States: states,
	}
}

func allComplete() map[types.TaskType]store.TaskState {
	states := make(map[types.TaskType]store.TaskState)
	for _, taskType := range types.TaskTypesInPriorityOrder() {
		states[taskType] = store.TaskState{Status: types.StatusComplete}
	}
	return states
}

func TestNextTasksDiscoveryComesFirst(t *testing.T) {
	sub := &store.Subscription{ID: 1, RepositoryStatus: types.StatusPending}
	repos := []*store.RepoSyncState{repoState(10, nil)}

	plan := NextTasks(sub, repos, nil, 5, time.Now(), zaptest.NewLogger(t))
	require.NotNil(t, plan.Main)
	assert.Equal(t, types.TaskRepository, plan.Main.Type)
	// Per-repo tasks still ride along as side work.
	require.NotEmpty(t, plan.Others)
	assert.Equal(t, types.TaskPull, plan.Others[0].Type)
}

func TestNextTasksDiscoveryCursorResumes(t *testing.T) {
	sub := &store.Subscription{ID: 1, RepositoryStatus: types.StatusPending, RepositoryCursor: "4"}
	plan := NextTasks(sub, nil, nil, 5, time.Now(), zaptest.NewLogger(t))
	require.NotNil(t, plan.Main)
	assert.Equal(t, "4", plan.Main.Cursor)
}

func TestNextTasksDiscoveryLogsNoRepoField(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	sub := &store.Subscription{ID: 1, RepositoryStatus: types.StatusPending}

	NextTasks(sub, nil, nil, 5, time.Now(), zap.New(core))

	entries := logs.FilterMessage("scheduled tasks").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, string(types.TaskRepository), fields["main_task"])
	_, present := fields["main_repo"]
	assert.False(t, present, "the discovery task has no repository to name")
}

func TestNextTasksPriorityOrder(t *testing.T) {
	sub := &store.Subscription{ID: 1, RepositoryStatus: types.StatusComplete}
	states := map[types.TaskType]store.TaskState{
		types.TaskPull:   {Status: types.StatusComplete},
		types.TaskBranch: {Status: types.StatusComplete},
		types.TaskCommit: {Status: types.StatusPending, Cursor: "abc 3"},
	}
	plan := NextTasks(sub, []*store.RepoSyncState{repoState(10, states)}, nil, 5, time.Now(), zaptest.NewLogger(t))

	require.NotNil(t, plan.Main)
	assert.Equal(t, types.TaskCommit, plan.Main.Type)
	assert.Equal(t, "abc 3", plan.Main.Cursor)
	assert.Equal(t, int64(10), plan.Main.Repo.ID)
	// Build, deployment and the three alert types remain pending.
	assert.Len(t, plan.Others, 5)
	assert.Equal(t, types.TaskBuild, plan.Others[0].Type)
}

func TestNextTasksOtherLimit(t *testing.T) {
	sub := &store.Subscription{ID: 1, RepositoryStatus: types.StatusComplete}
	repos := []*store.RepoSyncState{repoState(10, nil), repoState(11, nil), repoState(12, nil)}

	plan := NextTasks(sub, repos, nil, 2, time.Now(), zaptest.NewLogger(t))
	require.NotNil(t, plan.Main)
	assert.Equal(t, types.TaskPull, plan.Main.Type)
	assert.Len(t, plan.Others, 2)
}

func TestNextTasksWalksReposInGivenOrder(t *testing.T) {
	sub := &store.Subscription{ID: 1, RepositoryStatus: types.StatusComplete}
	first := repoState(10, allComplete())
	second := repoState(11, nil)

	plan := NextTasks(sub, []*store.RepoSyncState{first, second}, nil, 0, time.Now(), zaptest.NewLogger(t))
	require.NotNil(t, plan.Main)
	assert.Equal(t, int64(11), plan.Main.Repo.ID)
}

func TestNextTasksFailedTasksAreNotRescheduled(t *testing.T) {
	sub := &store.Subscription{ID: 1, RepositoryStatus: types.StatusComplete}
	states := allComplete()
	states[types.TaskCommit] = store.TaskState{Status: types.StatusFailed, FailedCode: "PERMISSIONS_ERROR"}

	plan := NextTasks(sub, []*store.RepoSyncState{repoState(10, states)}, nil, 5, time.Now(), zaptest.NewLogger(t))
	assert.Nil(t, plan.Main, "failed tasks do not block completion")
}

func TestNextTasksNilMainWhenEverythingDone(t *testing.T) {
	sub := &store.Subscription{ID: 1, RepositoryStatus: types.StatusComplete}
	repos := []*store.RepoSyncState{repoState(10, allComplete()), repoState(11, allComplete())}

	plan := NextTasks(sub, repos, nil, 5, time.Now(), zaptest.NewLogger(t))
	assert.Nil(t, plan.Main)
	assert.Empty(t, plan.Others)
}

func TestNextTasksTargetFilter(t *testing.T) {
	sub := &store.Subscription{ID: 1, RepositoryStatus: types.StatusComplete}
	repos := []*store.RepoSyncState{repoState(10, nil)}

	plan := NextTasks(sub, repos, []types.TaskType{types.TaskBuild, types.TaskDeployment}, 5, time.Now(), zaptest.NewLogger(t))
	require.NotNil(t, plan.Main)
	assert.Equal(t, types.TaskBuild, plan.Main.Type)
	require.Len(t, plan.Others, 1)
	assert.Equal(t, types.TaskDeployment, plan.Others[0].Type)
}

func TestNextTasksTargetFilterSkipsDiscovery(t *testing.T) {
	sub := &store.Subscription{ID: 1, RepositoryStatus: types.StatusPending}
	plan := NextTasks(sub, []*store.RepoSyncState{repoState(10, nil)}, []types.TaskType{types.TaskPull}, 5, time.Now(), zaptest.NewLogger(t))
	require.NotNil(t, plan.Main)
	assert.Equal(t, types.TaskPull, plan.Main.Type)
}

func TestNextTasksInvalidTargetIgnored(t *testing.T) {
	sub := &store.Subscription{ID: 1, RepositoryStatus: types.StatusComplete}
	plan := NextTasks(sub, []*store.RepoSyncState{repoState(10, nil)}, []types.TaskType{"bogus"}, 5, time.Now(), zaptest.NewLogger(t))
	assert.Nil(t, plan.Main)
}
