package backfill

import (
	"time"

	"go.uber.org/zap"

	"github.com/makersync/backfill/internal/store"
	"github.com/makersync/backfill/pkg/types"
)

// TaskPlan is one scheduling decision: the main task whose outcome drives
// retry and completion, plus a bounded set of best-effort extras.
type TaskPlan struct {
	Main   *Task
	Others []Task
}

// NextTasks picks the next work for a subscription.
//
// Repository discovery always comes first: until it completes there is no
// trustworthy repository list to schedule against. After that, repositories
// are walked least-recently-touched first (the anti-starvation order the
// store guarantees) and task types in fixed priority order; the first
// pending pair is the main task and up to otherLimit further pending pairs
// ride along. A nil Main means the backfill is complete.
func NextTasks(sub *store.Subscription, repoStates []*store.RepoSyncState, targetTasks []types.TaskType, otherLimit int, now time.Time, logger *zap.Logger) TaskPlan {
	targeted := targetSet(targetTasks)

	var plan TaskPlan
	if targeted[types.TaskRepository] && sub.RepositoryStatus != types.StatusComplete && sub.RepositoryStatus != types.StatusFailed {
		plan.Main = &Task{
			Type:      types.TaskRepository,
			Cursor:    sub.RepositoryCursor,
			StartTime: now,
		}
	}

	for _, repoState := range repoStates {
		for _, taskType := range types.TaskTypesInPriorityOrder() {
			if !targeted[taskType] {
				continue
			}
			state := repoState.State(taskType)
			if !state.Pending() {
				continue
			}
			task := Task{
				Type:      taskType,
				Repo:      repoState.Repo,
				Cursor:    state.Cursor,
				StartTime: now,
			}
			if plan.Main == nil {
				plan.Main = &task
				continue
			}
			if len(plan.Others) < otherLimit {
				plan.Others = append(plan.Others, task)
			}
		}
		if plan.Main != nil && len(plan.Others) >= otherLimit {
			break
		}
	}

	if plan.Main == nil {
		logger.Info("no pending tasks remain", zap.Int64("subscription_id", sub.ID))
		return plan
	}
	fields := []zap.Field{
		zap.String("main_task", string(plan.Main.Type)),
		zap.Int("other_tasks", len(plan.Others)),
	}
	if plan.Main.Type != types.TaskRepository {
		fields = append(fields, zap.Int64("main_repo", plan.Main.Repo.ID))
	}
	logger.Debug("scheduled tasks", fields...)
	return plan
}

// targetSet expands the message's task filter; empty means every type.
func targetSet(targetTasks []types.TaskType) map[types.TaskType]bool {
	targeted := make(map[types.TaskType]bool)
	if len(targetTasks) == 0 {
		targeted[types.TaskRepository] = true
		for _, t := range types.TaskTypesInPriorityOrder() {
			targeted[t] = true
		}
		return targeted
	}
	for _, t := range targetTasks {
		if types.IsValidTaskType(t) {
			targeted[t] = true
		}
	}
	return targeted
}
