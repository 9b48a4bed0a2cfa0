package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds everything the worker reads from the environment.
type Config struct {
	Env        string
	ListenAddr string

	DatabaseURL string

	GitHubToken   string
	GitHubBaseURL string // empty = github.com

	JiraBaseURL  string
	JiraUsername string
	JiraToken    string

	// Backfill tuning.
	PageSize           int
	OtherTaskLimit     int
	SkipCount          int
	RateLimitThreshold int
	BaseRetryDelay     time.Duration
	DedupRefresh       time.Duration
	VisibilityTimeout  time.Duration
}

// Load reads configuration from the environment. A missing DATABASE_URL is
// returned as an error value so callers can decide whether it is fatal.
func Load() (Config, error) {
	cfg := Config{
		Env:        getEnv("APP_ENV", "development"),
		ListenAddr: getEnv("LISTEN_ADDR", ":8080"),

		DatabaseURL: os.Getenv("DATABASE_URL"),

		GitHubToken:   os.Getenv("GITHUB_TOKEN"),
		GitHubBaseURL: os.Getenv("GITHUB_BASE_URL"),

		JiraBaseURL:  os.Getenv("JIRA_BASE_URL"),
		JiraUsername: os.Getenv("JIRA_USERNAME"),
		JiraToken:    os.Getenv("JIRA_TOKEN"),

		PageSize:           getEnvInt("BACKFILL_PAGE_SIZE", 20),
		OtherTaskLimit:     getEnvInt("OTHER_TASK_LIMIT", 5),
		SkipCount:          getEnvInt("BACKFILL_SKIP_COUNT", 1),
		RateLimitThreshold: getEnvInt("RATE_LIMIT_THRESHOLD", 500),
		BaseRetryDelay:     getEnvDuration("BACKFILL_RETRY_DELAY", 60*time.Second),
		DedupRefresh:       getEnvDuration("DEDUP_REFRESH_INTERVAL", 5*time.Second),
		VisibilityTimeout:  getEnvDuration("QUEUE_VISIBILITY_TIMEOUT", 5*time.Minute),
	}
	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("DATABASE_URL not set")
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
