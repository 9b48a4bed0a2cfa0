package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/makersync/backfill/pkg/types"
)

// Memory is an in-process Store used by tests and local development.
type Memory struct {
	mu     sync.Mutex
	nextID int64
	subs   map[int64]*Subscription
	repos  map[int64]map[int64]*RepoSyncState // subscriptionID -> repoID -> state
}

func NewMemory() *Memory {
	return &Memory{
		nextID: 1,
		subs:   make(map[int64]*Subscription),
		repos:  make(map[int64]map[int64]*RepoSyncState),
	}
}

func (m *Memory) GetSubscription(_ context.Context, jiraHost string, installationID int64, gitHubAppID *int64) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.subs {
		if sub.JiraHost != jiraHost || sub.InstallationID != installationID {
			continue
		}
		if !sameAppID(sub.GitHubAppID, gitHubAppID) {
			continue
		}
		out := *sub
		return &out, nil
	}
	return nil, ErrNotFound
}

func sameAppID(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (m *Memory) CreateSubscription(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub.ID == 0 {
		sub.ID = m.nextID
		m.nextID++
	}
	now := time.Now()
	sub.CreatedAt = now
	sub.UpdatedAt = now
	copied := *sub
	m.subs[sub.ID] = &copied
	return nil
}

func (m *Memory) UpdateSyncStatus(_ context.Context, subscriptionID int64, status types.SyncStatus, warning string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[subscriptionID]
	if !ok {
		return ErrNotFound
	}
	sub.SyncStatus = status
	sub.SyncWarning = warning
	sub.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) SetBackfillSince(_ context.Context, subscriptionID int64, since *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[subscriptionID]
	if !ok {
		return ErrNotFound
	}
	sub.BackfillSince = since
	sub.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) SetRepositoryTaskState(_ context.Context, subscriptionID int64, status types.TaskStatus, cursor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[subscriptionID]
	if !ok {
		return ErrNotFound
	}
	sub.RepositoryStatus = status
	sub.RepositoryCursor = cursor
	sub.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) SetTotalRepos(_ context.Context, subscriptionID int64, totalRepos int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[subscriptionID]
	if !ok {
		return ErrNotFound
	}
	sub.TotalRepos = totalRepos
	sub.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) UpsertRepos(_ context.Context, subscriptionID int64, repos []types.Repository) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byRepo := m.repos[subscriptionID]
	if byRepo == nil {
		byRepo = make(map[int64]*RepoSyncState)
		m.repos[subscriptionID] = byRepo
	}
	for _, repo := range repos {
		if existing, ok := byRepo[repo.ID]; ok {
			existing.Repo = repo
			continue
		}
		byRepo[repo.ID] = &RepoSyncState{
			SubscriptionID: subscriptionID,
			Repo:           repo,
			States:         make(map[types.TaskType]TaskState),
		}
	}
	return nil
}

func (m *Memory) ListRepoStates(_ context.Context, subscriptionID int64) ([]*RepoSyncState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*RepoSyncState
	for _, state := range m.repos[subscriptionID] {
		copied := &RepoSyncState{
			SubscriptionID: state.SubscriptionID,
			Repo:           state.Repo,
			States:         make(map[types.TaskType]TaskState, len(state.States)),
		}
		for k, v := range state.States {
			copied.States[k] = v
		}
		out = append(out, copied)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Repo.UpdatedAt.Equal(out[j].Repo.UpdatedAt) {
			return out[i].Repo.UpdatedAt.Before(out[j].Repo.UpdatedAt)
		}
		return out[i].Repo.ID < out[j].Repo.ID
	})
	return out, nil
}

func (m *Memory) ApplyPatch(_ context.Context, subscriptionID, repoID int64, patch RepoSyncStatePatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.repos[subscriptionID][repoID]
	if !ok {
		return ErrNotFound
	}
	current := state.States[patch.TaskType]
	current.Status = patch.Status
	if patch.Cursor != nil {
		current.Cursor = *patch.Cursor
	}
	if patch.From != nil {
		current.From = patch.From
	}
	if patch.FailedCode != nil {
		current.FailedCode = *patch.FailedCode
	}
	state.States[patch.TaskType] = current
	return nil
}

func (m *Memory) ResetFailedTasks(_ context.Context, subscriptionID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	touched := 0
	for _, state := range m.repos[subscriptionID] {
		repoTouched := false
		for taskType, ts := range state.States {
			if ts.Status == types.StatusFailed {
				ts.Status = types.StatusPending
				ts.FailedCode = ""
				state.States[taskType] = ts
				repoTouched = true
			}
		}
		if repoTouched {
			touched++
		}
	}
	return touched, nil
}

func (m *Memory) CountSyncedRepos(_ context.Context, subscriptionID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, state := range m.repos[subscriptionID] {
		synced := true
		for _, taskType := range types.TaskTypesInPriorityOrder() {
			if state.States[taskType].Status != types.StatusComplete {
				synced = false
				break
			}
		}
		if synced {
			count++
		}
	}
	return count, nil
}
