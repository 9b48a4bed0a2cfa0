package jira

import (
	"regexp"
	"time"
)

// issueKeyPattern matches Jira issue keys like TES-17 inside free text.
var issueKeyPattern = regexp.MustCompile(`([A-Z][A-Z0-9]+)-([0-9]+)`)

// IssueKeys extracts the distinct Jira issue keys referenced in text, in
// order of first appearance. Empty when text references none.
func IssueKeys(text string) []string {
	matches := issueKeyPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	var keys []string
	for _, match := range matches {
		if _, ok := seen[match]; ok {
			continue
		}
		seen[match] = struct{}{}
		keys = append(keys, match)
	}
	return keys
}

// Author identifies a commit or pull request author.
type Author struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// Commit is one devinfo commit entry.
type Commit struct {
	ID               string    `json:"id"`
	DisplayID        string    `json:"displayId"`
	Message          string    `json:"message"`
	IssueKeys        []string  `json:"issueKeys"`
	URL              string    `json:"url"`
	Author           Author    `json:"author"`
	AuthorTimestamp  time.Time `json:"authorTimestamp"`
	UpdateSequenceID int64     `json:"updateSequenceId"`
}

// Branch is one devinfo branch entry.
type Branch struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	IssueKeys        []string `json:"issueKeys"`
	URL              string   `json:"url"`
	UpdateSequenceID int64    `json:"updateSequenceId"`
}

// PullRequest is one devinfo pull request entry.
type PullRequest struct {
	ID               string    `json:"id"`
	DisplayID        string    `json:"displayId"`
	Title            string    `json:"title"`
	Status           string    `json:"status"`
	IssueKeys        []string  `json:"issueKeys"`
	URL              string    `json:"url"`
	Author           Author    `json:"author"`
	SourceBranch     string    `json:"sourceBranch"`
	LastUpdate       time.Time `json:"lastUpdate"`
	UpdateSequenceID int64     `json:"updateSequenceId"`
}

// RepositoryPayload groups one repository's devinfo entities.
type RepositoryPayload struct {
	ID               string        `json:"id"`
	Name             string        `json:"name"`
	URL              string        `json:"url"`
	Commits          []Commit      `json:"commits,omitempty"`
	Branches         []Branch      `json:"branches,omitempty"`
	PullRequests     []PullRequest `json:"pullRequests,omitempty"`
	UpdateSequenceID int64         `json:"updateSequenceId"`
}

// DevInfoPayload is the body of a devinfo bulk update.
type DevInfoPayload struct {
	Repositories       []RepositoryPayload `json:"repositories"`
	PreventTransitions bool                `json:"preventTransitions"`
	Properties         map[string]string   `json:"properties,omitempty"`
}

// EntryCount is the number of devinfo entities across all repositories.
func (p *DevInfoPayload) EntryCount() int {
	n := 0
	for _, repo := range p.Repositories {
		n += len(repo.Commits) + len(repo.Branches) + len(repo.PullRequests)
	}
	return n
}

// Build is one builds-API entry.
type Build struct {
	PipelineID           string    `json:"pipelineId"`
	BuildNumber          int       `json:"buildNumber"`
	DisplayName          string    `json:"displayName"`
	State                string    `json:"state"`
	URL                  string    `json:"url"`
	IssueKeys            []string  `json:"issueKeys"`
	LastUpdated          time.Time `json:"lastUpdated"`
	UpdateSequenceNumber int64     `json:"updateSequenceNumber"`
}

// BuildsPayload is the body of a builds bulk submit.
type BuildsPayload struct {
	Builds     []Build           `json:"builds"`
	Properties map[string]string `json:"properties,omitempty"`
}

// Deployment is one deployments-API entry.
type Deployment struct {
	DeploymentSequenceNumber int64     `json:"deploymentSequenceNumber"`
	DisplayName              string    `json:"displayName"`
	Description              string    `json:"description,omitempty"`
	State                    string    `json:"state"`
	URL                      string    `json:"url"`
	Environment              string    `json:"environment"`
	IssueKeys                []string  `json:"issueKeys"`
	LastUpdated              time.Time `json:"lastUpdated"`
	UpdateSequenceNumber     int64     `json:"updateSequenceNumber"`
}

// DeploymentsPayload is the body of a deployments bulk submit.
type DeploymentsPayload struct {
	Deployments []Deployment      `json:"deployments"`
	Properties  map[string]string `json:"properties,omitempty"`
}

// Vulnerability is one security-API entry. All three alert task types fold
// into this shape, distinguished by Type.
type Vulnerability struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	DisplayName    string    `json:"displayName"`
	Description    string    `json:"description,omitempty"`
	Severity       string    `json:"severity"`
	Status         string    `json:"status"`
	URL            string    `json:"url"`
	IntroducedDate time.Time `json:"introducedDate"`
	LastUpdated    time.Time `json:"lastUpdated"`
}

// VulnerabilitiesPayload is the body of a security bulk submit.
type VulnerabilitiesPayload struct {
	Vulnerabilities []Vulnerability   `json:"vulnerabilities"`
	Properties      map[string]string `json:"properties,omitempty"`
}
