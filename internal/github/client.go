package github

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/makersync/backfill/pkg/types"
)

// Client wraps the GitHub API with one page-fetch method per backfill task
// type.
type Client struct {
	apiClient *github.Client
	logger    *zap.Logger
}

// NewClient creates a GitHub client for the given token. baseURL selects a
// GitHub Enterprise server; empty means github.com.
func NewClient(accessToken, baseURL string, logger *zap.Logger) (*Client, error) {
	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: accessToken},
	)
	tc := oauth2.NewClient(context.Background(), ts)

	apiClient := github.NewClient(tc)
	if baseURL != "" {
		var err error
		apiClient, err = apiClient.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to configure enterprise base url: %w", err)
		}
	}

	return &Client{
		apiClient: apiClient,
		logger:    logger,
	}, nil
}

// ListRepositories fetches one page of repositories visible to the
// installation token.
func (c *Client) ListRepositories(ctx context.Context, page, perPage int) (*RepositoryPage, error) {
	repos, resp, err := c.apiClient.Apps.ListRepos(ctx, &github.ListOptions{
		Page:    page,
		PerPage: perPage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list installation repositories: %w", err)
	}

	out := &RepositoryPage{
		TotalCount:  repos.GetTotalCount(),
		HasNextPage: resp.NextPage != 0,
	}
	for _, repo := range repos.Repositories {
		out.Edges = append(out.Edges, types.Repository{
			ID:        repo.GetID(),
			Name:      repo.GetName(),
			Owner:     repo.GetOwner().GetLogin(),
			FullName:  repo.GetFullName(),
			URL:       repo.GetHTMLURL(),
			UpdatedAt: repo.GetUpdatedAt().Time,
			PushedAt:  repo.GetPushedAt().Time,
		})
	}
	return out, nil
}

// ListCommits fetches one page of commits on the default branch, newest
// first. since limits results server-side for incremental backfills.
func (c *Client) ListCommits(ctx context.Context, owner, name string, page, perPage int, since *time.Time) (*CommitPage, error) {
	opts := &github.CommitsListOptions{
		ListOptions: github.ListOptions{Page: page, PerPage: perPage},
	}
	if since != nil {
		opts.Since = *since
	}
	commits, resp, err := c.apiClient.Repositories.ListCommits(ctx, owner, name, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list commits: %w", err)
	}

	out := &CommitPage{HasNextPage: resp.NextPage != 0}
	for _, commit := range commits {
		out.Edges = append(out.Edges, CommitEdge{
			SHA:         commit.GetSHA(),
			Message:     commit.GetCommit().GetMessage(),
			URL:         commit.GetHTMLURL(),
			AuthorName:  commit.GetCommit().GetAuthor().GetName(),
			AuthorEmail: commit.GetCommit().GetAuthor().GetEmail(),
			AuthoredAt:  commit.GetCommit().GetAuthor().GetDate().Time,
		})
	}
	return out, nil
}

// ListBranches fetches one page of branches. The cursor is opaque to
// callers; pass the previous page's EndCursor or "" for the first page.
func (c *Client) ListBranches(ctx context.Context, owner, name, cursor string, perPage int) (*BranchPage, error) {
	page := decodePageCursor(cursor)
	branches, resp, err := c.apiClient.Repositories.ListBranches(ctx, owner, name, &github.BranchListOptions{
		ListOptions: github.ListOptions{Page: page, PerPage: perPage},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list branches: %w", err)
	}

	out := &BranchPage{HasNextPage: resp.NextPage != 0}
	if resp.NextPage != 0 {
		out.EndCursor = strconv.Itoa(resp.NextPage)
	}
	for _, branch := range branches {
		out.Edges = append(out.Edges, BranchEdge{
			Name:           branch.GetName(),
			HeadSHA:        branch.GetCommit().GetSHA(),
			LastCommitTime: branch.GetCommit().GetCommit().GetAuthor().GetDate().Time,
		})
	}
	return out, nil
}

// ListPullRequests fetches one page of pull requests across all states,
// most recently created first.
func (c *Client) ListPullRequests(ctx context.Context, owner, name string, page, perPage int) (*PullRequestPage, error) {
	prs, resp, err := c.apiClient.PullRequests.List(ctx, owner, name, &github.PullRequestListOptions{
		State:       "all",
		Sort:        "created",
		Direction:   "desc",
		ListOptions: github.ListOptions{Page: page, PerPage: perPage},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pull requests: %w", err)
	}

	out := &PullRequestPage{HasNextPage: resp.NextPage != 0}
	for _, pr := range prs {
		edge := PullRequestEdge{
			Number:       pr.GetNumber(),
			Title:        pr.GetTitle(),
			State:        pr.GetState(),
			URL:          pr.GetHTMLURL(),
			Author:       pr.GetUser().GetLogin(),
			SourceBranch: pr.GetHead().GetRef(),
			LastUpdated:  pr.GetUpdatedAt().Time,
		}
		if pr.MergedAt != nil {
			mergedAt := pr.GetMergedAt().Time
			edge.MergedAt = &mergedAt
		}
		out.Edges = append(out.Edges, edge)
	}
	return out, nil
}

// ListBuilds fetches one page of workflow runs.
func (c *Client) ListBuilds(ctx context.Context, owner, name string, page, perPage int) (*BuildPage, error) {
	runs, resp, err := c.apiClient.Actions.ListRepositoryWorkflowRuns(ctx, owner, name, &github.ListWorkflowRunsOptions{
		ListOptions: github.ListOptions{Page: page, PerPage: perPage},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow runs: %w", err)
	}

	out := &BuildPage{HasNextPage: resp.NextPage != 0}
	for _, run := range runs.WorkflowRuns {
		state := run.GetConclusion()
		if state == "" {
			state = run.GetStatus()
		}
		out.Edges = append(out.Edges, BuildEdge{
			ID:        run.GetID(),
			Name:      run.GetName(),
			Number:    run.GetRunNumber(),
			State:     state,
			CommitSHA: run.GetHeadSHA(),
			Branch:    run.GetHeadBranch(),
			URL:       run.GetHTMLURL(),
			UpdatedAt: run.GetUpdatedAt().Time,
		})
	}
	return out, nil
}

// ListDeployments fetches one page of deployments with each deployment's
// most recent status.
func (c *Client) ListDeployments(ctx context.Context, owner, name string, page, perPage int) (*DeploymentPage, error) {
	deployments, resp, err := c.apiClient.Repositories.ListDeployments(ctx, owner, name, &github.DeploymentsListOptions{
		ListOptions: github.ListOptions{Page: page, PerPage: perPage},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}

	out := &DeploymentPage{HasNextPage: resp.NextPage != 0}
	for _, deployment := range deployments {
		edge := DeploymentEdge{
			ID:          deployment.GetID(),
			SHA:         deployment.GetSHA(),
			Ref:         deployment.GetRef(),
			Environment: deployment.GetEnvironment(),
			Description: deployment.GetDescription(),
			URL:         deployment.GetURL(),
			UpdatedAt:   deployment.GetUpdatedAt().Time,
		}
		statuses, _, err := c.apiClient.Repositories.ListDeploymentStatuses(ctx, owner, name, deployment.GetID(), &github.ListOptions{PerPage: 1})
		if err != nil {
			c.logger.Warn("failed to fetch deployment status",
				zap.Int64("deployment_id", deployment.GetID()),
				zap.Error(err),
			)
		} else if len(statuses) > 0 {
			edge.State = statuses[0].GetState()
		}
		out.Edges = append(out.Edges, edge)
	}
	return out, nil
}

// ListDependabotAlerts fetches one page of dependabot alerts. Cursor-based:
// pass the previous EndCursor or "".
func (c *Client) ListDependabotAlerts(ctx context.Context, owner, name, cursor string, perPage int) (*DependabotAlertPage, error) {
	opts := &github.ListAlertsOptions{}
	opts.ListCursorOptions.PerPage = perPage
	opts.ListCursorOptions.After = cursor
	alerts, resp, err := c.apiClient.Dependabot.ListRepoAlerts(ctx, owner, name, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list dependabot alerts: %w", err)
	}

	out := &DependabotAlertPage{
		EndCursor:   resp.After,
		HasNextPage: resp.After != "",
	}
	for _, alert := range alerts {
		out.Edges = append(out.Edges, DependabotAlertEdge{
			Number:       alert.GetNumber(),
			State:        alert.GetState(),
			Severity:     alert.GetSecurityAdvisory().GetSeverity(),
			PackageName:  alert.GetDependency().GetPackage().GetName(),
			Ecosystem:    alert.GetDependency().GetPackage().GetEcosystem(),
			ManifestPath: alert.GetDependency().GetManifestPath(),
			Summary:      alert.GetSecurityAdvisory().GetSummary(),
			URL:          alert.GetHTMLURL(),
			GHSAID:       alert.GetSecurityAdvisory().GetGHSAID(),
			CVEID:        alert.GetSecurityAdvisory().GetCVEID(),
			CreatedAt:    alert.GetCreatedAt().Time,
			UpdatedAt:    alert.GetUpdatedAt().Time,
		})
	}
	return out, nil
}

// ListSecretScanningAlerts fetches one page of secret scanning alerts.
func (c *Client) ListSecretScanningAlerts(ctx context.Context, owner, name, cursor string, perPage int) (*SecretScanningAlertPage, error) {
	opts := &github.SecretScanningAlertListOptions{}
	opts.ListCursorOptions.PerPage = perPage
	opts.ListCursorOptions.After = cursor
	alerts, resp, err := c.apiClient.SecretScanning.ListAlertsForRepo(ctx, owner, name, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list secret scanning alerts: %w", err)
	}

	out := &SecretScanningAlertPage{
		EndCursor:   resp.After,
		HasNextPage: resp.After != "",
	}
	for _, alert := range alerts {
		out.Edges = append(out.Edges, SecretScanningAlertEdge{
			Number:     alert.GetNumber(),
			State:      alert.GetState(),
			SecretType: alert.GetSecretType(),
			Resolution: alert.GetResolution(),
			URL:        alert.GetHTMLURL(),
			CreatedAt:  alert.GetCreatedAt().Time,
		})
	}
	return out, nil
}

// ListCodeScanningAlerts fetches one page of code scanning alerts. The
// cursor is opaque to callers.
func (c *Client) ListCodeScanningAlerts(ctx context.Context, owner, name, cursor string, perPage int) (*CodeScanningAlertPage, error) {
	page := decodePageCursor(cursor)
	opts := &github.AlertListOptions{}
	opts.ListOptions = github.ListOptions{Page: page, PerPage: perPage}
	alerts, resp, err := c.apiClient.CodeScanning.ListAlertsForRepo(ctx, owner, name, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list code scanning alerts: %w", err)
	}

	out := &CodeScanningAlertPage{HasNextPage: resp.NextPage != 0}
	if resp.NextPage != 0 {
		out.EndCursor = strconv.Itoa(resp.NextPage)
	}
	for _, alert := range alerts {
		out.Edges = append(out.Edges, CodeScanningAlertEdge{
			Number:      alert.GetNumber(),
			State:       alert.GetState(),
			RuleID:      alert.GetRule().GetID(),
			Severity:    alert.GetRule().GetSeverity(),
			Description: alert.GetRule().GetDescription(),
			URL:         alert.GetHTMLURL(),
			CreatedAt:   alert.GetCreatedAt().Time,
		})
	}
	return out, nil
}

// RateLimitRemaining returns the remaining core API quota.
func (c *Client) RateLimitRemaining(ctx context.Context) (int, error) {
	limits, _, err := c.apiClient.RateLimits(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch rate limits: %w", err)
	}
	return limits.GetCore().Remaining, nil
}

// decodePageCursor turns an opaque branch/alert cursor back into a page
// number. Only this package understands the encoding.
func decodePageCursor(cursor string) int {
	if cursor == "" {
		return 1
	}
	page, err := strconv.Atoi(cursor)
	if err != nil || page < 1 {
		return 1
	}
	return page
}
