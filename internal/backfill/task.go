// Package backfill is the orchestration core: it schedules per-repository
// task pages, runs them through type-specific processors, pushes the
// resulting payloads to Jira and folds progress back into the task state
// store, one queue message at a time.
package backfill

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/makersync/backfill/internal/github"
	"github.com/makersync/backfill/internal/jira"
	"github.com/makersync/backfill/pkg/types"
)

// Task is one unit of work about to run: a (repository, task type) pair plus
// the cursor to resume from. Tasks are built by the scheduler, consumed by
// the orchestrator and discarded; their outcome lives in the state store.
type Task struct {
	Type      types.TaskType
	Repo      types.Repository // zero value for the discovery task
	Cursor    string
	StartTime time.Time
}

// SourceClient is the paginated read surface of the source system, one
// fetcher per task type. Implemented by the GitHub client; faked in tests.
type SourceClient interface {
	ListRepositories(ctx context.Context, page, perPage int) (*github.RepositoryPage, error)
	ListCommits(ctx context.Context, owner, name string, page, perPage int, since *time.Time) (*github.CommitPage, error)
	ListBranches(ctx context.Context, owner, name, cursor string, perPage int) (*github.BranchPage, error)
	ListPullRequests(ctx context.Context, owner, name string, page, perPage int) (*github.PullRequestPage, error)
	ListBuilds(ctx context.Context, owner, name string, page, perPage int) (*github.BuildPage, error)
	ListDeployments(ctx context.Context, owner, name string, page, perPage int) (*github.DeploymentPage, error)
	ListDependabotAlerts(ctx context.Context, owner, name, cursor string, perPage int) (*github.DependabotAlertPage, error)
	ListSecretScanningAlerts(ctx context.Context, owner, name, cursor string, perPage int) (*github.SecretScanningAlertPage, error)
	ListCodeScanningAlerts(ctx context.Context, owner, name, cursor string, perPage int) (*github.CodeScanningAlertPage, error)
	RateLimitRemaining(ctx context.Context) (int, error)
}

// Submitter is the Jira write surface, one method per payload family.
type Submitter interface {
	SubmitDevInfo(ctx context.Context, payload *jira.DevInfoPayload) (int, error)
	SubmitBuilds(ctx context.Context, payload *jira.BuildsPayload) (int, error)
	SubmitDeployments(ctx context.Context, payload *jira.DeploymentsPayload) (int, error)
	SubmitVulnerabilities(ctx context.Context, payload *jira.VulnerabilitiesPayload) (int, error)
}

// ProcessRequest carries everything a processor needs for one page.
type ProcessRequest struct {
	Logger      *zap.Logger
	Source      SourceClient
	Repo        types.Repository
	Cursor      string
	PageSize    int
	CommitsFrom *time.Time
}

// PageResult is one processed page. Exactly one payload field is set when
// the page referenced Jira issues; all nil payloads mean there is nothing
// worth a network call. An empty page (EdgeCount zero) means the task is
// done.
type PageResult struct {
	EdgeCount   int
	NextCursor  string
	HasNextPage bool

	DevInfo         *jira.DevInfoPayload
	Builds          *jira.BuildsPayload
	Deployments     *jira.DeploymentsPayload
	Vulnerabilities *jira.VulnerabilitiesPayload

	// Discovery results.
	Repositories []types.Repository
	TotalRepos   int
}

// Complete reports whether the task has consumed its last page.
func (r *PageResult) Complete() bool {
	return r.EdgeCount == 0 || !r.HasNextPage
}

// Processor fetches and transforms one page for one task type.
type Processor interface {
	Type() types.TaskType
	Process(ctx context.Context, req ProcessRequest) (*PageResult, error)
}

// Registry is the immutable task-type dispatch table, built once at startup.
type Registry struct {
	processors map[types.TaskType]Processor
}

// NewRegistry builds the full processor table.
func NewRegistry() *Registry {
	all := []Processor{
		repositoryProcessor{},
		pullProcessor{},
		branchProcessor{},
		commitProcessor{},
		buildProcessor{},
		deploymentProcessor{},
		dependabotAlertProcessor{},
		secretScanningAlertProcessor{},
		codeScanningAlertProcessor{},
	}
	table := make(map[types.TaskType]Processor, len(all))
	for _, p := range all {
		table[p.Type()] = p
	}
	return &Registry{processors: table}
}

// For returns the processor for t.
func (r *Registry) For(t types.TaskType) (Processor, bool) {
	p, ok := r.processors[t]
	return p, ok
}
