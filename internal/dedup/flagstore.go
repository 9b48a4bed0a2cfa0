// Package dedup implements optimistic per-job mutual exclusion over a shared
// flag store. A worker that owns a job keeps its flag fresh on an interval;
// everyone else decides between "definitely a duplicate" and "not sure, retry
// later" by watching whether that flag is still being refreshed.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// maxLivenessWait caps how long a liveness probe may block a worker's poll
// loop. IsExecutionLive sleeps twice its poll interval, so intervals above
// half this cap are rejected.
const maxLivenessWait = 5 * time.Second

// ErrLivenessWaitTooLong is returned when a liveness check would block for
// more than maxLivenessWait.
var ErrLivenessWaitTooLong = errors.New("dedup: liveness poll interval exceeds maximum blocking wait")

// Flag records which execution currently claims a job key and when it last
// refreshed its claim.
type Flag struct {
	ExecutionID string
	Timestamp   time.Time
}

// FlagStore is durable shared storage for in-progress flags. Implementations
// need no native TTL support; staleness is computed from the stored timestamp.
type FlagStore interface {
	// SetFlag writes (or refreshes) the flag for key with the current time.
	SetFlag(ctx context.Context, key, executionID string) error
	// RemoveFlag deletes the flag for key. Removing an absent flag is not an
	// error.
	RemoveFlag(ctx context.Context, key string) error
	// GetFlag returns the stored flag, or nil when none exists.
	GetFlag(ctx context.Context, key string) (*Flag, error)
}

// HasFlag returns the execution id holding key, or "" when no flag exists or
// the stored timestamp is older than staleAfter. Expiry is purely
// read-side: a crashed worker's flag simply ages out.
func HasFlag(ctx context.Context, store FlagStore, clock clockwork.Clock, key string, staleAfter time.Duration) (string, error) {
	flag, err := store.GetFlag(ctx, key)
	if err != nil {
		return "", fmt.Errorf("dedup: get flag %q: %w", key, err)
	}
	if flag == nil {
		return "", nil
	}
	if clock.Since(flag.Timestamp) > staleAfter {
		return "", nil
	}
	return flag.ExecutionID, nil
}

// IsExecutionLive reports whether the worker holding key under executionID is
// actively refreshing its flag. It reads the flag, sleeps twice the poll
// interval, and re-reads: only the same execution id with a strictly newer
// timestamp counts as proof of life. Anything else — a different id, a
// vanished flag, an unchanged timestamp — is "not live", which callers must
// treat as ambiguous rather than safe.
func IsExecutionLive(ctx context.Context, store FlagStore, clock clockwork.Clock, key, executionID string, pollInterval time.Duration) (bool, error) {
	if 2*pollInterval > maxLivenessWait {
		return false, ErrLivenessWaitTooLong
	}

	before, err := store.GetFlag(ctx, key)
	if err != nil {
		return false, fmt.Errorf("dedup: get flag %q: %w", key, err)
	}
	if before == nil || before.ExecutionID != executionID {
		return false, nil
	}

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-clock.After(2 * pollInterval):
	}

	after, err := store.GetFlag(ctx, key)
	if err != nil {
		return false, fmt.Errorf("dedup: get flag %q: %w", key, err)
	}
	if after == nil || after.ExecutionID != executionID {
		return false, nil
	}
	return after.Timestamp.After(before.Timestamp), nil
}

// MemoryFlagStore is an in-process FlagStore for tests and single-node runs.
type MemoryFlagStore struct {
	clock clockwork.Clock

	mu    sync.Mutex
	flags map[string]Flag
}

// NewMemoryFlagStore returns an empty in-memory store stamping flags with the
// given clock.
func NewMemoryFlagStore(clock clockwork.Clock) *MemoryFlagStore {
	return &MemoryFlagStore{
		clock: clock,
		flags: make(map[string]Flag),
	}
}

func (s *MemoryFlagStore) SetFlag(_ context.Context, key, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags[key] = Flag{ExecutionID: executionID, Timestamp: s.clock.Now()}
	return nil
}

func (s *MemoryFlagStore) RemoveFlag(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flags, key)
	return nil
}

func (s *MemoryFlagStore) GetFlag(_ context.Context, key string) (*Flag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	flag, ok := s.flags[key]
	if !ok {
		return nil, nil
	}
	return &flag, nil
}
