// Package features abstracts the feature-flag service the backfill consults
// for per-tenant tuning. Flags are looked up by name and Jira host so a
// single rollout can target individual sites.
package features

// Well-known flag names.
const (
	// DropDuplicateMessages switches the duplicate-message policy from
	// "reschedule with jitter" to "drop and rely on the other worker".
	DropDuplicateMessages = "drop-duplicate-backfill-messages"

	// PageSizeCoefficient scales the requested page size for all task types.
	PageSizeCoefficient = "backfill-page-size-coefficient"

	// RateLimitThreshold overrides the minimum remaining GitHub quota
	// required before a message is processed rather than deferred.
	RateLimitThreshold = "preemptive-rate-limit-threshold"
)

// Service is the lookup surface of the external flag provider.
type Service interface {
	Boolean(name, jiraHost string) bool
	Number(name string, defaultValue float64, jiraHost string) float64
}

// Static is an in-process Service backed by fixed maps. It is the default
// when no flag provider is configured and the workhorse in tests.
type Static struct {
	Booleans map[string]bool
	Numbers  map[string]float64
}

func (s *Static) Boolean(name, _ string) bool {
	if s == nil {
		return false
	}
	return s.Booleans[name]
}

func (s *Static) Number(name string, defaultValue float64, _ string) float64 {
	if s == nil {
		return defaultValue
	}
	if v, ok := s.Numbers[name]; ok {
		return v
	}
	return defaultValue
}
