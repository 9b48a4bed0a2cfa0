package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/makersync/backfill/internal/queue"
	"github.com/makersync/backfill/internal/store"
	"github.com/makersync/backfill/pkg/types"
)

func newTestServer(t *testing.T) (*httptest.Server, *store.Memory, *queue.Memory) {
	t.Helper()
	st := store.NewMemory()
	ch := queue.NewMemory(time.Minute)
	h := NewHandler(st, ch, zaptest.NewLogger(t))

	router := chi.NewRouter()
	h.RegisterRoutes(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, st, ch
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStartBackfillCreatesSubscriptionAndEnqueues(t *testing.T) {
	srv, st, ch := newTestServer(t)

	body := `{"jiraHost":"site.atlassian.net","installationId":7,"commitsFromDate":"2025-01-01T00:00:00Z"}`
	resp, err := http.Post(srv.URL+"/backfill", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out StartBackfillResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "queued", out.Status)
	assert.NotZero(t, out.SubscriptionID)

	sub, err := st.GetSubscription(context.Background(), "site.atlassian.net", 7, nil)
	require.NoError(t, err)
	assert.Equal(t, types.SyncPending, sub.SyncStatus)

	d := ch.TryReceive()
	require.NotNil(t, d)
	assert.Equal(t, "2025-01-01T00:00:00Z", d.Message.CommitsFromDate)
	assert.NotEmpty(t, d.Message.StartTime)
}

func TestStartBackfillReusesExistingSubscription(t *testing.T) {
	srv, st, _ := newTestServer(t)
	sub := &store.Subscription{JiraHost: "site.atlassian.net", InstallationID: 7, SyncStatus: types.SyncComplete}
	require.NoError(t, st.CreateSubscription(context.Background(), sub))

	body := `{"jiraHost":"site.atlassian.net","installationId":7}`
	resp, err := http.Post(srv.URL+"/backfill", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out StartBackfillResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, sub.ID, out.SubscriptionID)
}

func TestStartBackfillValidation(t *testing.T) {
	srv, _, ch := newTestServer(t)

	resp, err := http.Post(srv.URL+"/backfill", "application/json", strings.NewReader(`{"jiraHost":"x"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/backfill", "application/json",
		strings.NewReader(`{"jiraHost":"x","installationId":7,"targetTasks":["bogus"]}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.Zero(t, ch.Len())
}

func TestGetSubscriptionStatus(t *testing.T) {
	srv, st, _ := newTestServer(t)
	ctx := context.Background()
	sub := &store.Subscription{
		JiraHost:       "site.atlassian.net",
		InstallationID: 7,
		SyncStatus:     types.SyncActive,
		TotalRepos:     3,
	}
	require.NoError(t, st.CreateSubscription(ctx, sub))
	require.NoError(t, st.UpsertRepos(ctx, sub.ID, []types.Repository{{ID: 1, FullName: "acme/one"}}))

	resp, err := http.Get(srv.URL + "/subscriptions/site.atlassian.net/7/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out SubscriptionStatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, types.SyncActive, out.SyncStatus)
	assert.Equal(t, 3, out.TotalRepos)
	assert.Equal(t, 0, out.SyncedRepos)
}

func TestGetSubscriptionStatusNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/subscriptions/nowhere.atlassian.net/9/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestResetFailedTasksRequeues(t *testing.T) {
	srv, st, ch := newTestServer(t)
	ctx := context.Background()
	sub := &store.Subscription{JiraHost: "site.atlassian.net", InstallationID: 7, SyncStatus: types.SyncComplete}
	require.NoError(t, st.CreateSubscription(ctx, sub))
	require.NoError(t, st.UpsertRepos(ctx, sub.ID, []types.Repository{{ID: 1, FullName: "acme/one"}}))
	require.NoError(t, st.ApplyPatch(ctx, sub.ID, 1, store.RepoSyncStatePatch{
		TaskType:   types.TaskCommit,
		Status:     types.StatusFailed,
		FailedCode: store.StrPtr("SERVER_ERROR"),
	}))

	resp, err := http.Post(srv.URL+"/subscriptions/site.atlassian.net/7/tasks/reset", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out ResetTasksResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, 1, out.ResetCount)
	assert.Equal(t, "queued", out.Status)
	require.NotNil(t, ch.TryReceive())

	states, err := st.ListRepoStates(ctx, sub.ID)
	require.NoError(t, err)
	commitState := states[0].State(types.TaskCommit)
	assert.True(t, commitState.Pending())
	assert.Empty(t, commitState.FailedCode)
}

func TestResetFailedTasksNothingToReset(t *testing.T) {
	srv, st, ch := newTestServer(t)
	sub := &store.Subscription{JiraHost: "site.atlassian.net", InstallationID: 7}
	require.NoError(t, st.CreateSubscription(context.Background(), sub))

	resp, err := http.Post(srv.URL+"/subscriptions/site.atlassian.net/7/tasks/reset", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out ResetTasksResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Zero(t, out.ResetCount)
	assert.Zero(t, ch.Len())
}
