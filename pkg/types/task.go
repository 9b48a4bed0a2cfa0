package types

// TaskType identifies one kind of backfill work against a repository.
type TaskType string

const (
	TaskRepository          TaskType = "repository"
	TaskPull                TaskType = "pull"
	TaskBranch              TaskType = "branch"
	TaskCommit              TaskType = "commit"
	TaskBuild               TaskType = "build"
	TaskDeployment          TaskType = "deployment"
	TaskDependabotAlert     TaskType = "dependabotAlert"
	TaskSecretScanningAlert TaskType = "secretScanningAlert"
	TaskCodeScanningAlert   TaskType = "codeScanningAlert"
)

// TaskTypesInPriorityOrder lists every per-repository task type in the order
// the scheduler considers them: pull requests first, then branches, then
// commits, then the rest. The slice order is load-bearing for scheduling.
func TaskTypesInPriorityOrder() []TaskType {
	return []TaskType{
		TaskPull,
		TaskBranch,
		TaskCommit,
		TaskBuild,
		TaskDeployment,
		TaskDependabotAlert,
		TaskSecretScanningAlert,
		TaskCodeScanningAlert,
	}
}

// IsValidTaskType reports whether t names a known task type, including the
// subscription-level repository discovery task.
func IsValidTaskType(t TaskType) bool {
	if t == TaskRepository {
		return true
	}
	for _, known := range TaskTypesInPriorityOrder() {
		if t == known {
			return true
		}
	}
	return false
}

// TaskStatus is the per-task-type progress marker on a repository row.
// An empty status is treated as pending.
type TaskStatus string

const (
	StatusPending  TaskStatus = "pending"
	StatusComplete TaskStatus = "complete"
	StatusFailed   TaskStatus = "failed"
)

// SyncStatus is the subscription-level aggregate backfill state.
type SyncStatus string

const (
	SyncPending  SyncStatus = "PENDING"
	SyncActive   SyncStatus = "ACTIVE"
	SyncComplete SyncStatus = "COMPLETE"
	SyncFailed   SyncStatus = "FAILED"
)
