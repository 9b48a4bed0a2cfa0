package github

import (
	"time"

	"github.com/makersync/backfill/pkg/types"
)

// Page results are typed per entity so processors work against validated
// shapes rather than raw API responses.

type CommitEdge struct {
	SHA         string
	Message     string
	URL         string
	AuthorName  string
	AuthorEmail string
	AuthoredAt  time.Time
}

type CommitPage struct {
	Edges       []CommitEdge
	HasNextPage bool
}

type BranchEdge struct {
	Name           string
	HeadSHA        string
	LastCommitTime time.Time
}

// BranchPage paginates with an opaque cursor; callers must not decompose
// EndCursor, only echo it back.
type BranchPage struct {
	Edges       []BranchEdge
	EndCursor   string
	HasNextPage bool
}

type PullRequestEdge struct {
	Number       int
	Title        string
	State        string
	URL          string
	Author       string
	SourceBranch string
	LastUpdated  time.Time
	MergedAt     *time.Time // nil for open or declined PRs
}

type PullRequestPage struct {
	Edges       []PullRequestEdge
	HasNextPage bool
}

type BuildEdge struct {
	ID        int64
	Name      string
	Number    int
	State     string
	CommitSHA string
	Branch    string
	URL       string
	UpdatedAt time.Time
}

type BuildPage struct {
	Edges       []BuildEdge
	HasNextPage bool
}

type DeploymentEdge struct {
	ID          int64
	SHA         string
	Ref         string
	Environment string
	Description string
	State       string
	URL         string
	UpdatedAt   time.Time
}

type DeploymentPage struct {
	Edges       []DeploymentEdge
	HasNextPage bool
}

type DependabotAlertEdge struct {
	Number       int
	State        string
	Severity     string
	PackageName  string
	Ecosystem    string
	ManifestPath string
	Summary      string
	URL          string
	GHSAID       string
	CVEID        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type DependabotAlertPage struct {
	Edges       []DependabotAlertEdge
	EndCursor   string
	HasNextPage bool
}

type SecretScanningAlertEdge struct {
	Number     int
	State      string
	SecretType string
	Resolution string
	URL        string
	CreatedAt  time.Time
}

type SecretScanningAlertPage struct {
	Edges       []SecretScanningAlertEdge
	EndCursor   string
	HasNextPage bool
}

type CodeScanningAlertEdge struct {
	Number      int
	State       string
	RuleID      string
	Severity    string
	Description string
	URL         string
	CreatedAt   time.Time
}

type CodeScanningAlertPage struct {
	Edges       []CodeScanningAlertEdge
	EndCursor   string
	HasNextPage bool
}

type RepositoryPage struct {
	Edges       []types.Repository
	TotalCount  int
	HasNextPage bool
}
