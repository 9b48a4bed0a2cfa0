package backfill

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/makersync/backfill/internal/github"
	"github.com/makersync/backfill/internal/jira"
	"github.com/makersync/backfill/pkg/types"
)

func updateSequenceID() int64 {
	return time.Now().UnixMilli()
}

func repoPayload(repo types.Repository) jira.RepositoryPayload {
	return jira.RepositoryPayload{
		ID:               strconv.FormatInt(repo.ID, 10),
		Name:             repo.FullName,
		URL:              repo.URL,
		UpdateSequenceID: updateSequenceID(),
	}
}

func devInfoFor(repo types.Repository, build func(*jira.RepositoryPayload)) *jira.DevInfoPayload {
	payload := repoPayload(repo)
	build(&payload)
	if len(payload.Commits)+len(payload.Branches)+len(payload.PullRequests) == 0 {
		return nil
	}
	return &jira.DevInfoPayload{
		Repositories:       []jira.RepositoryPayload{payload},
		PreventTransitions: true,
	}
}

// repositoryProcessor discovers the installation's repositories one page at
// a time. Its cursor is the next page number.
type repositoryProcessor struct{}

func (repositoryProcessor) Type() types.TaskType { return types.TaskRepository }

func (repositoryProcessor) Process(ctx context.Context, req ProcessRequest) (*PageResult, error) {
	page := 1
	if req.Cursor != "" {
		parsed, err := strconv.Atoi(req.Cursor)
		if err != nil || parsed < 1 {
			return nil, &TaskError{Code: CursorError, Err: fmt.Errorf("invalid repository cursor %q", req.Cursor)}
		}
		page = parsed
	}

	res, err := req.Source.ListRepositories(ctx, page, req.PageSize)
	if err != nil {
		return nil, err
	}
	return &PageResult{
		EdgeCount:    len(res.Edges),
		NextCursor:   strconv.Itoa(page + 1),
		HasNextPage:  res.HasNextPage,
		Repositories: res.Edges,
		TotalRepos:   res.TotalCount,
	}, nil
}

type commitProcessor struct{}

func (commitProcessor) Type() types.TaskType { return types.TaskCommit }

func (commitProcessor) Process(ctx context.Context, req ProcessRequest) (*PageResult, error) {
	cursor, err := ParseCommitCursor(req.Cursor)
	if err != nil {
		return nil, &TaskError{Code: CursorError, Err: err}
	}

	res, err := req.Source.ListCommits(ctx, req.Repo.Owner, req.Repo.Name, cursor.PageNo, req.PageSize, req.CommitsFrom)
	if err != nil {
		return nil, err
	}

	out := &PageResult{
		EdgeCount:   len(res.Edges),
		HasNextPage: res.HasNextPage,
	}
	if len(res.Edges) == 0 {
		return out, nil
	}
	out.NextCursor = CommitCursor{
		SHA:    res.Edges[len(res.Edges)-1].SHA,
		PageNo: cursor.PageNo + 1,
	}.String()

	out.DevInfo = devInfoFor(req.Repo, func(payload *jira.RepositoryPayload) {
		for _, edge := range res.Edges {
			keys := jira.IssueKeys(edge.Message)
			if len(keys) == 0 {
				continue
			}
			payload.Commits = append(payload.Commits, jira.Commit{
				ID:               edge.SHA,
				DisplayID:        shortSHA(edge.SHA),
				Message:          edge.Message,
				IssueKeys:        keys,
				URL:              edge.URL,
				Author:           jira.Author{Name: edge.AuthorName, Email: edge.AuthorEmail},
				AuthorTimestamp:  edge.AuthoredAt,
				UpdateSequenceID: updateSequenceID(),
			})
		}
	})
	return out, nil
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

type branchProcessor struct{}

func (branchProcessor) Type() types.TaskType { return types.TaskBranch }

func (branchProcessor) Process(ctx context.Context, req ProcessRequest) (*PageResult, error) {
	res, err := req.Source.ListBranches(ctx, req.Repo.Owner, req.Repo.Name, req.Cursor, req.PageSize)
	if err != nil {
		return nil, err
	}

	out := &PageResult{
		EdgeCount:   len(res.Edges),
		NextCursor:  res.EndCursor,
		HasNextPage: res.HasNextPage,
	}
	if len(res.Edges) == 0 {
		return out, nil
	}

	out.DevInfo = devInfoFor(req.Repo, func(payload *jira.RepositoryPayload) {
		for _, edge := range res.Edges {
			keys := jira.IssueKeys(edge.Name)
			if len(keys) == 0 {
				continue
			}
			payload.Branches = append(payload.Branches, jira.Branch{
				ID:               edge.Name,
				Name:             edge.Name,
				IssueKeys:        keys,
				URL:              fmt.Sprintf("%s/tree/%s", req.Repo.URL, edge.Name),
				UpdateSequenceID: updateSequenceID(),
			})
		}
	})
	return out, nil
}

type pullProcessor struct{}

func (pullProcessor) Type() types.TaskType { return types.TaskPull }

func (pullProcessor) Process(ctx context.Context, req ProcessRequest) (*PageResult, error) {
	cursor, err := ParsePageCursor(req.Cursor, req.PageSize)
	if err != nil {
		return nil, &TaskError{Code: CursorError, Err: err}
	}
	cursor = ScaleCursor(cursor, req.PageSize)

	res, err := req.Source.ListPullRequests(ctx, req.Repo.Owner, req.Repo.Name, cursor.PageNo, cursor.PerPage)
	if err != nil {
		return nil, err
	}

	out := &PageResult{
		EdgeCount:   len(res.Edges),
		NextCursor:  PageCursor{PageNo: cursor.PageNo + 1, PerPage: cursor.PerPage}.String(),
		HasNextPage: res.HasNextPage,
	}
	if len(res.Edges) == 0 {
		return out, nil
	}

	// Pull requests come newest-first; once a whole page predates the
	// incremental cutoff there is nothing older worth fetching.
	if req.CommitsFrom != nil && allPullsBefore(res.Edges, *req.CommitsFrom) {
		out.HasNextPage = false
	}

	out.DevInfo = devInfoFor(req.Repo, func(payload *jira.RepositoryPayload) {
		for _, edge := range res.Edges {
			if req.CommitsFrom != nil && edge.LastUpdated.Before(*req.CommitsFrom) {
				continue
			}
			keys := jira.IssueKeys(edge.Title + " " + edge.SourceBranch)
			if len(keys) == 0 {
				continue
			}
			payload.PullRequests = append(payload.PullRequests, jira.PullRequest{
				ID:               strconv.Itoa(edge.Number),
				DisplayID:        fmt.Sprintf("#%d", edge.Number),
				Title:            edge.Title,
				Status:           pullStatus(edge.State, edge.MergedAt),
				IssueKeys:        keys,
				URL:              edge.URL,
				Author:           jira.Author{Name: edge.Author},
				SourceBranch:     edge.SourceBranch,
				LastUpdate:       edge.LastUpdated,
				UpdateSequenceID: updateSequenceID(),
			})
		}
	})
	return out, nil
}

func allPullsBefore(edges []github.PullRequestEdge, cutoff time.Time) bool {
	for _, edge := range edges {
		if !edge.LastUpdated.Before(cutoff) {
			return false
		}
	}
	return true
}

func pullStatus(state string, mergedAt *time.Time) string {
	switch state {
	case "open":
		return "OPEN"
	case "closed":
		if mergedAt == nil {
			return "DECLINED"
		}
		return "MERGED"
	default:
		return "UNKNOWN"
	}
}

type buildProcessor struct{}

func (buildProcessor) Type() types.TaskType { return types.TaskBuild }

func (buildProcessor) Process(ctx context.Context, req ProcessRequest) (*PageResult, error) {
	cursor, err := ParsePageCursor(req.Cursor, req.PageSize)
	if err != nil {
		return nil, &TaskError{Code: CursorError, Err: err}
	}
	cursor = ScaleCursor(cursor, req.PageSize)

	res, err := req.Source.ListBuilds(ctx, req.Repo.Owner, req.Repo.Name, cursor.PageNo, cursor.PerPage)
	if err != nil {
		return nil, err
	}

	out := &PageResult{
		EdgeCount:   len(res.Edges),
		NextCursor:  PageCursor{PageNo: cursor.PageNo + 1, PerPage: cursor.PerPage}.String(),
		HasNextPage: res.HasNextPage,
	}

	// Workflow runs come newest-first; once a whole page predates the
	// incremental cutoff there is nothing older worth fetching.
	if len(res.Edges) > 0 && req.CommitsFrom != nil && allBuildsBefore(res.Edges, *req.CommitsFrom) {
		out.HasNextPage = false
	}

	var builds []jira.Build
	for _, edge := range res.Edges {
		if req.CommitsFrom != nil && edge.UpdatedAt.Before(*req.CommitsFrom) {
			continue
		}
		keys := jira.IssueKeys(edge.Branch)
		if len(keys) == 0 {
			continue
		}
		builds = append(builds, jira.Build{
			PipelineID:           strconv.FormatInt(edge.ID, 10),
			BuildNumber:          edge.Number,
			DisplayName:          edge.Name,
			State:                buildState(edge.State),
			URL:                  edge.URL,
			IssueKeys:            keys,
			LastUpdated:          edge.UpdatedAt,
			UpdateSequenceNumber: updateSequenceID(),
		})
	}
	if len(builds) > 0 {
		out.Builds = &jira.BuildsPayload{Builds: builds}
	}
	return out, nil
}

func allBuildsBefore(edges []github.BuildEdge, cutoff time.Time) bool {
	for _, edge := range edges {
		if !edge.UpdatedAt.Before(cutoff) {
			return false
		}
	}
	return true
}

func buildState(state string) string {
	switch state {
	case "success":
		return "successful"
	case "failure", "timed_out":
		return "failed"
	case "cancelled", "skipped":
		return "cancelled"
	case "in_progress", "queued", "pending", "waiting":
		return "in_progress"
	default:
		return "unknown"
	}
}

type deploymentProcessor struct{}

func (deploymentProcessor) Type() types.TaskType { return types.TaskDeployment }

func (deploymentProcessor) Process(ctx context.Context, req ProcessRequest) (*PageResult, error) {
	cursor, err := ParsePageCursor(req.Cursor, req.PageSize)
	if err != nil {
		return nil, &TaskError{Code: CursorError, Err: err}
	}
	cursor = ScaleCursor(cursor, req.PageSize)

	res, err := req.Source.ListDeployments(ctx, req.Repo.Owner, req.Repo.Name, cursor.PageNo, cursor.PerPage)
	if err != nil {
		return nil, err
	}

	out := &PageResult{
		EdgeCount:   len(res.Edges),
		NextCursor:  PageCursor{PageNo: cursor.PageNo + 1, PerPage: cursor.PerPage}.String(),
		HasNextPage: res.HasNextPage,
	}

	if len(res.Edges) > 0 && req.CommitsFrom != nil && allDeploymentsBefore(res.Edges, *req.CommitsFrom) {
		out.HasNextPage = false
	}

	var deployments []jira.Deployment
	for _, edge := range res.Edges {
		if req.CommitsFrom != nil && edge.UpdatedAt.Before(*req.CommitsFrom) {
			continue
		}
		keys := jira.IssueKeys(edge.Description + " " + edge.Ref)
		if len(keys) == 0 {
			continue
		}
		deployments = append(deployments, jira.Deployment{
			DeploymentSequenceNumber: edge.ID,
			DisplayName:              fmt.Sprintf("Deploy %s to %s", shortSHA(edge.SHA), edge.Environment),
			Description:              edge.Description,
			State:                    deploymentState(edge.State),
			URL:                      edge.URL,
			Environment:              edge.Environment,
			IssueKeys:                keys,
			LastUpdated:              edge.UpdatedAt,
			UpdateSequenceNumber:     updateSequenceID(),
		})
	}
	if len(deployments) > 0 {
		out.Deployments = &jira.DeploymentsPayload{Deployments: deployments}
	}
	return out, nil
}

func allDeploymentsBefore(edges []github.DeploymentEdge, cutoff time.Time) bool {
	for _, edge := range edges {
		if !edge.UpdatedAt.Before(cutoff) {
			return false
		}
	}
	return true
}

func deploymentState(state string) string {
	switch state {
	case "success":
		return "successful"
	case "failure", "error":
		return "failed"
	case "inactive":
		return "cancelled"
	case "in_progress", "queued", "pending":
		return "in_progress"
	default:
		return "unknown"
	}
}

type dependabotAlertProcessor struct{}

func (dependabotAlertProcessor) Type() types.TaskType { return types.TaskDependabotAlert }

func (dependabotAlertProcessor) Process(ctx context.Context, req ProcessRequest) (*PageResult, error) {
	res, err := req.Source.ListDependabotAlerts(ctx, req.Repo.Owner, req.Repo.Name, req.Cursor, req.PageSize)
	if err != nil {
		return nil, err
	}

	out := &PageResult{
		EdgeCount:   len(res.Edges),
		NextCursor:  res.EndCursor,
		HasNextPage: res.HasNextPage,
	}
	if len(res.Edges) == 0 {
		return out, nil
	}

	vulns := make([]jira.Vulnerability, 0, len(res.Edges))
	for _, edge := range res.Edges {
		displayName := edge.Summary
		if displayName == "" {
			displayName = fmt.Sprintf("%s vulnerability in %s", edge.Severity, edge.PackageName)
		}
		vulns = append(vulns, jira.Vulnerability{
			ID:             fmt.Sprintf("d-%d-%d", req.Repo.ID, edge.Number),
			Type:           "sca",
			DisplayName:    displayName,
			Description:    fmt.Sprintf("%s (%s) in %s", edge.PackageName, edge.Ecosystem, edge.ManifestPath),
			Severity:       alertSeverity(edge.Severity),
			Status:         alertStatus(edge.State),
			URL:            edge.URL,
			IntroducedDate: edge.CreatedAt,
			LastUpdated:    edge.UpdatedAt,
		})
	}
	out.Vulnerabilities = &jira.VulnerabilitiesPayload{Vulnerabilities: vulns}
	return out, nil
}

type secretScanningAlertProcessor struct{}

func (secretScanningAlertProcessor) Type() types.TaskType { return types.TaskSecretScanningAlert }

func (secretScanningAlertProcessor) Process(ctx context.Context, req ProcessRequest) (*PageResult, error) {
	res, err := req.Source.ListSecretScanningAlerts(ctx, req.Repo.Owner, req.Repo.Name, req.Cursor, req.PageSize)
	if err != nil {
		return nil, err
	}

	out := &PageResult{
		EdgeCount:   len(res.Edges),
		NextCursor:  res.EndCursor,
		HasNextPage: res.HasNextPage,
	}
	if len(res.Edges) == 0 {
		return out, nil
	}

	vulns := make([]jira.Vulnerability, 0, len(res.Edges))
	for _, edge := range res.Edges {
		vulns = append(vulns, jira.Vulnerability{
			ID:             fmt.Sprintf("s-%d-%d", req.Repo.ID, edge.Number),
			Type:           "secret",
			DisplayName:    fmt.Sprintf("Exposed %s", edge.SecretType),
			Severity:       "critical",
			Status:         secretAlertStatus(edge.State, edge.Resolution),
			URL:            edge.URL,
			IntroducedDate: edge.CreatedAt,
			LastUpdated:    edge.CreatedAt,
		})
	}
	out.Vulnerabilities = &jira.VulnerabilitiesPayload{Vulnerabilities: vulns}
	return out, nil
}

type codeScanningAlertProcessor struct{}

func (codeScanningAlertProcessor) Type() types.TaskType { return types.TaskCodeScanningAlert }

func (codeScanningAlertProcessor) Process(ctx context.Context, req ProcessRequest) (*PageResult, error) {
	res, err := req.Source.ListCodeScanningAlerts(ctx, req.Repo.Owner, req.Repo.Name, req.Cursor, req.PageSize)
	if err != nil {
		return nil, err
	}

	out := &PageResult{
		EdgeCount:   len(res.Edges),
		NextCursor:  res.EndCursor,
		HasNextPage: res.HasNextPage,
	}
	if len(res.Edges) == 0 {
		return out, nil
	}

	vulns := make([]jira.Vulnerability, 0, len(res.Edges))
	for _, edge := range res.Edges {
		vulns = append(vulns, jira.Vulnerability{
			ID:             fmt.Sprintf("c-%d-%d", req.Repo.ID, edge.Number),
			Type:           "sast",
			DisplayName:    edge.RuleID,
			Description:    edge.Description,
			Severity:       alertSeverity(edge.Severity),
			Status:         alertStatus(edge.State),
			URL:            edge.URL,
			IntroducedDate: edge.CreatedAt,
			LastUpdated:    edge.CreatedAt,
		})
	}
	out.Vulnerabilities = &jira.VulnerabilitiesPayload{Vulnerabilities: vulns}
	return out, nil
}

func alertSeverity(severity string) string {
	switch severity {
	case "critical", "high", "medium", "low":
		return severity
	case "moderate", "warning":
		return "medium"
	case "error":
		return "high"
	case "note":
		return "low"
	default:
		return "unknown"
	}
}

func alertStatus(state string) string {
	switch state {
	case "open":
		return "open"
	case "fixed", "auto_dismissed":
		return "closed"
	case "dismissed":
		return "ignored"
	default:
		return "unknown"
	}
}

func secretAlertStatus(state, resolution string) string {
	if state == "open" {
		return "open"
	}
	switch resolution {
	case "revoked", "false_positive", "used_in_tests", "wont_fix":
		return "ignored"
	default:
		return "closed"
	}
}
