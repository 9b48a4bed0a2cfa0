package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Result is the deduplication verdict for one execution attempt.
type Result int

const (
	// ResultOK means this worker claimed the job and ran it.
	ResultOK Result = iota
	// ResultOtherWorkerBusy means another worker is provably processing the
	// same job; the caller may treat this message as a duplicate.
	ResultOtherWorkerBusy
	// ResultTryAgainLater means ownership could not be determined; the caller
	// must reschedule and never drop the message.
	ResultTryAgainLater
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultOtherWorkerBusy:
		return "other-worker-busy"
	case ResultTryAgainLater:
		return "try-again-later"
	default:
		return "unknown"
	}
}

// maxRefreshInterval clamps how slowly an owner refreshes its flag; anything
// slower makes staleness detection uselessly coarse.
const maxRefreshInterval = 5 * time.Second

// Deduplicator wraps a unit of work with flag-based mutual exclusion.
// False negatives (dropping real work) are worse than duplicate retries, so
// every ambiguous outcome maps to ResultTryAgainLater rather than a drop.
type Deduplicator struct {
	store           FlagStore
	clock           clockwork.Clock
	refreshInterval time.Duration
	logger          *zap.Logger
}

// NewDeduplicator builds a Deduplicator refreshing owned flags every
// refreshInterval (clamped to 5s).
func NewDeduplicator(store FlagStore, clock clockwork.Clock, refreshInterval time.Duration, logger *zap.Logger) *Deduplicator {
	if refreshInterval <= 0 || refreshInterval > maxRefreshInterval {
		refreshInterval = maxRefreshInterval
	}
	return &Deduplicator{
		store:           store,
		clock:           clock,
		refreshInterval: refreshInterval,
		logger:          logger,
	}
}

// JobKey derives the deduplication key for one installation/site pair.
// gitHubAppID is nil for cloud installations.
func JobKey(installationID int64, jiraHost string, gitHubAppID *int64) string {
	app := "cloud"
	if gitHubAppID != nil {
		app = fmt.Sprintf("%d", *gitHubAppID)
	}
	return fmt.Sprintf("i-%d-%s-ghaid-%s", installationID, jiraHost, app)
}

// ExecuteWithDeduplication runs job under jobKey's flag. If no live flag
// exists it claims the key, keeps the flag refreshed while the job runs, and
// removes it afterwards regardless of outcome. A job error is propagated
// alongside ResultOK: the job did run, it just failed.
func (d *Deduplicator) ExecuteWithDeduplication(ctx context.Context, jobKey string, job func(context.Context) error) (Result, error) {
	executionID := uuid.NewString()

	holder, err := HasFlag(ctx, d.store, d.clock, jobKey, 10*d.refreshInterval)
	if err != nil {
		return ResultTryAgainLater, err
	}

	if holder == "" {
		if err := d.store.SetFlag(ctx, jobKey, executionID); err != nil {
			return ResultTryAgainLater, fmt.Errorf("dedup: set flag %q: %w", jobKey, err)
		}
		jobErr := d.runWithRefresh(ctx, jobKey, executionID, job)

		// Removal must happen even when ctx was cancelled mid-job; a leaked
		// flag blocks real progress until it ages out.
		if err := d.store.RemoveFlag(context.WithoutCancel(ctx), jobKey); err != nil {
			d.logger.Warn("failed to remove in-progress flag",
				zap.String("job_key", jobKey),
				zap.Error(err),
			)
		}
		return ResultOK, jobErr
	}

	pollInterval := d.refreshInterval
	if 2*pollInterval > maxLivenessWait {
		pollInterval = maxLivenessWait / 2
	}
	live, err := IsExecutionLive(ctx, d.store, d.clock, jobKey, holder, pollInterval)
	if err != nil {
		return ResultTryAgainLater, err
	}
	if live {
		d.logger.Info("job already being processed by a live worker",
			zap.String("job_key", jobKey),
			zap.String("holder", holder),
		)
		return ResultOtherWorkerBusy, nil
	}
	return ResultTryAgainLater, nil
}

// runWithRefresh executes job while a background goroutine refreshes the
// flag. The refresher is cancelled and joined before control returns, so a
// removed flag can never be resurrected by a straggling refresh.
func (d *Deduplicator) runWithRefresh(ctx context.Context, jobKey, executionID string, job func(context.Context) error) error {
	refreshCtx, stopRefresh := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := d.clock.NewTicker(d.refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-refreshCtx.Done():
				return
			case <-ticker.Chan():
				if err := d.store.SetFlag(refreshCtx, jobKey, executionID); err != nil && refreshCtx.Err() == nil {
					d.logger.Warn("failed to refresh in-progress flag",
						zap.String("job_key", jobKey),
						zap.Error(err),
					)
				}
			}
		}
	}()

	defer func() {
		stopRefresh()
		wg.Wait()
	}()
	return job(ctx)
}
