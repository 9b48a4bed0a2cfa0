package types

import "time"

// Repository contains the GitHub repository metadata the backfill needs:
// identity for API calls and timestamps for scheduling order.
type Repository struct {
	ID        int64
	Name      string
	Owner     string
	FullName  string
	URL       string
	UpdatedAt time.Time
	PushedAt  time.Time
}

// GitHubAppConfig points a message at a GitHub server. A nil config means
// github.com (cloud).
type GitHubAppConfig struct {
	GitHubAppID   int64  `json:"gitHubAppId"`
	AppID         int64  `json:"appId"`
	ClientID      string `json:"clientId"`
	GitHubBaseURL string `json:"gitHubBaseUrl"`
	GitHubAPIURL  string `json:"gitHubApiUrl"`
	UUID          string `json:"uuid"`
}
