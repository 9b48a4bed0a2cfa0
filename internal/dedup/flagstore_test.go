package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasFlagReturnsHolder(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := NewMemoryFlagStore(clock)
	ctx := context.Background()

	require.NoError(t, store.SetFlag(ctx, "job-1", "exec-a"))

	holder, err := HasFlag(ctx, store, clock, "job-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "exec-a", holder)
}

func TestHasFlagAbsent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := NewMemoryFlagStore(clock)

	holder, err := HasFlag(context.Background(), store, clock, "missing", time.Minute)
	require.NoError(t, err)
	assert.Empty(t, holder)
}

func TestHasFlagExpiresWithoutRemoval(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := NewMemoryFlagStore(clock)
	ctx := context.Background()

	require.NoError(t, store.SetFlag(ctx, "job-1", "exec-a"))

	clock.Advance(59 * time.Second)
	holder, err := HasFlag(ctx, store, clock, "job-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "exec-a", holder, "flag should still be fresh")

	clock.Advance(2 * time.Second)
	holder, err = HasFlag(ctx, store, clock, "job-1", time.Minute)
	require.NoError(t, err)
	assert.Empty(t, holder, "flag older than staleAfter must read as absent")
}

func TestIsExecutionLiveRejectsLongWait(t *testing.T) {
	clock := clockwork.NewRealClock()
	store := NewMemoryFlagStore(clock)

	_, err := IsExecutionLive(context.Background(), store, clock, "job-1", "exec-a", 3*time.Second)
	require.ErrorIs(t, err, ErrLivenessWaitTooLong)
}

func TestIsExecutionLiveDetectsActiveRefresh(t *testing.T) {
	clock := clockwork.NewRealClock()
	store := NewMemoryFlagStore(clock)
	ctx := context.Background()

	require.NoError(t, store.SetFlag(ctx, "job-1", "exec-a"))

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = store.SetFlag(ctx, "job-1", "exec-a")
			}
		}
	}()

	live, err := IsExecutionLive(ctx, store, clock, "job-1", "exec-a", 20*time.Millisecond)
	close(stop)
	<-done
	require.NoError(t, err)
	assert.True(t, live, "an actively refreshed flag must read as live")
}

func TestIsExecutionLiveStaleFlagNotLive(t *testing.T) {
	clock := clockwork.NewRealClock()
	store := NewMemoryFlagStore(clock)
	ctx := context.Background()

	// Flag exists but nobody refreshes it.
	require.NoError(t, store.SetFlag(ctx, "job-1", "exec-a"))

	live, err := IsExecutionLive(ctx, store, clock, "job-1", "exec-a", 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, live)
}

func TestIsExecutionLiveDifferentHolder(t *testing.T) {
	clock := clockwork.NewRealClock()
	store := NewMemoryFlagStore(clock)
	ctx := context.Background()

	require.NoError(t, store.SetFlag(ctx, "job-1", "exec-b"))

	live, err := IsExecutionLive(ctx, store, clock, "job-1", "exec-a", 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, live)
}
