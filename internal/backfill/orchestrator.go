package backfill

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/makersync/backfill/internal/dedup"
	"github.com/makersync/backfill/internal/features"
	"github.com/makersync/backfill/internal/queue"
	"github.com/makersync/backfill/internal/store"
	"github.com/makersync/backfill/pkg/types"
)

// Config tunes one orchestrator instance.
type Config struct {
	// PageSize is the requested page size before per-tenant scaling.
	PageSize int
	// OtherTaskLimit bounds how many best-effort tasks run beside the main one.
	OtherTaskLimit int
	// SkipCount is how many pages a skippable cursor jumps past on repeated
	// server or cursor failures.
	SkipCount int
	// RateLimitThreshold is the minimum remaining source quota below which a
	// message is deferred instead of processed.
	RateLimitThreshold int
	// BaseRetryDelay spaces out reschedules for contended or rate-limited work.
	BaseRetryDelay time.Duration
}

// SourceFactory builds a source client for one message's installation.
type SourceFactory func(msg *queue.BackfillMessage) (SourceClient, error)

// SubmitterFactory builds a Jira submitter for one site.
type SubmitterFactory func(jiraHost string) (Submitter, error)

// followUp is a message the orchestrator wants sent once the current job's
// in-progress flag is gone. Sending earlier would make the continuation
// deduplicate against its own predecessor.
type followUp struct {
	msg   *queue.BackfillMessage
	delay time.Duration
}

// Orchestrator drives one backfill message end to end: deduplicate, schedule,
// process a page per scheduled task, persist progress and enqueue the
// continuation.
type Orchestrator struct {
	cfg          Config
	store        store.Store
	channel      queue.MessageChannel
	dedup        *dedup.Deduplicator
	registry     *Registry
	flags        features.Service
	newSource    SourceFactory
	newSubmitter SubmitterFactory
	clock        clockwork.Clock
	metrics      *Metrics
	logger       *zap.Logger

	// jitter is swapped out in tests for determinism.
	jitter func(max time.Duration) time.Duration
}

// NewOrchestrator wires an orchestrator. metrics may be nil.
func NewOrchestrator(
	cfg Config,
	st store.Store,
	channel queue.MessageChannel,
	deduplicator *dedup.Deduplicator,
	registry *Registry,
	flags features.Service,
	newSource SourceFactory,
	newSubmitter SubmitterFactory,
	clock clockwork.Clock,
	metrics *Metrics,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:          cfg,
		store:        st,
		channel:      channel,
		dedup:        deduplicator,
		registry:     registry,
		flags:        flags,
		newSource:    newSource,
		newSubmitter: newSubmitter,
		clock:        clock,
		metrics:      metrics,
		logger:       logger,
		jitter: func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return time.Duration(rand.Int63n(int64(max)))
		},
	}
}

// ShouldDefer reports whether msg should wait because the source API quota
// for its installation is nearly exhausted. Lookup failures never defer:
// guessing "busy" on a broken quota endpoint would stall the whole backfill.
func (o *Orchestrator) ShouldDefer(ctx context.Context, msg *queue.BackfillMessage) bool {
	source, err := o.newSource(msg)
	if err != nil {
		return false
	}
	remaining, err := source.RateLimitRemaining(ctx)
	if err != nil {
		return false
	}
	threshold := int(o.flags.Number(features.RateLimitThreshold, float64(o.cfg.RateLimitThreshold), msg.JiraHost))
	if remaining < threshold {
		o.logger.Info("deferring message, source quota low",
			zap.Int64("installation_id", msg.InstallationID),
			zap.Int("remaining", remaining),
			zap.Int("threshold", threshold),
		)
		return true
	}
	return false
}

// Handle processes one delivery. A nil return means the message is consumed:
// either the work ran (and any continuation was enqueued) or the message was
// rescheduled through the channel. A non-nil return means the caller should
// release the delivery for redelivery.
func (o *Orchestrator) Handle(ctx context.Context, msg *queue.BackfillMessage) error {
	jobKey := dedup.JobKey(msg.InstallationID, msg.JiraHost, msg.GitHubAppID())
	logger := o.logger.With(
		zap.String("job_key", jobKey),
		zap.Int64("installation_id", msg.InstallationID),
		zap.String("jira_host", msg.JiraHost),
	)

	var followUps []followUp
	result, err := o.dedup.ExecuteWithDeduplication(ctx, jobKey, func(ctx context.Context) error {
		var jobErr error
		followUps, jobErr = o.processInstallation(ctx, msg, logger)
		return jobErr
	})

	switch result {
	case dedup.ResultOK:
		if err != nil {
			return fmt.Errorf("process installation: %w", err)
		}
		// The flag is gone now; the continuation can claim it cleanly.
		for _, fu := range followUps {
			if sendErr := o.channel.Send(ctx, fu.msg, fu.delay); sendErr != nil {
				return fmt.Errorf("send follow-up message: %w", sendErr)
			}
		}
		return nil

	case dedup.ResultOtherWorkerBusy:
		if o.flags.Boolean(features.DropDuplicateMessages, msg.JiraHost) {
			logger.Info("dropping duplicate message, another worker owns the job")
			return nil
		}
		delay := o.cfg.BaseRetryDelay + o.jitter(o.cfg.BaseRetryDelay)
		logger.Info("rescheduling duplicate message", zap.Duration("delay", delay))
		return o.channel.Send(ctx, msg, delay)

	default:
		if err != nil {
			logger.Warn("deduplication inconclusive, rescheduling", zap.Error(err))
		}
		return o.channel.Send(ctx, msg, o.cfg.BaseRetryDelay)
	}
}

// processInstallation advances one installation by one scheduling round. The
// returned error is reserved for infrastructure failures (store, transport
// construction); source-side task failures are folded into state and
// follow-ups instead.
func (o *Orchestrator) processInstallation(ctx context.Context, msg *queue.BackfillMessage, logger *zap.Logger) ([]followUp, error) {
	sub, err := o.store.GetSubscription(ctx, msg.JiraHost, msg.InstallationID, msg.GitHubAppID())
	if errors.Is(err, store.ErrNotFound) {
		logger.Info("no subscription for message, dropping")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}

	repoStates, err := o.store.ListRepoStates(ctx, sub.ID)
	if err != nil {
		return nil, fmt.Errorf("list repo states: %w", err)
	}

	plan := NextTasks(sub, repoStates, msg.TargetTasks, o.cfg.OtherTaskLimit, o.clock.Now(), logger)
	if plan.Main == nil {
		return nil, o.finishBackfill(ctx, sub, msg, logger)
	}

	if err := o.store.UpdateSyncStatus(ctx, sub.ID, types.SyncActive, sub.SyncWarning); err != nil {
		return nil, fmt.Errorf("mark sync active: %w", err)
	}

	source, err := o.newSource(msg)
	if err != nil {
		return nil, fmt.Errorf("build source client: %w", err)
	}
	submitter, err := o.newSubmitter(msg.JiraHost)
	if err != nil {
		return nil, fmt.Errorf("build submitter: %w", err)
	}

	// Side tasks run concurrently with the main task. Their failures are
	// logged and absorbed: the scheduler will pick them up again as long as
	// their state stays pending.
	var wg sync.WaitGroup
	for _, other := range plan.Others {
		wg.Add(1)
		go func(task Task) {
			defer wg.Done()
			if taskErr := o.runTask(ctx, sub, msg, task, source, submitter, logger); taskErr != nil {
				o.metrics.taskProcessed(ctx, string(task.Type), "other_failed")
				logger.Warn("side task failed",
					zap.String("task_type", string(task.Type)),
					zap.Int64("repo_id", task.Repo.ID),
					zap.Error(taskErr),
				)
			} else {
				o.metrics.taskProcessed(ctx, string(task.Type), "ok")
			}
		}(other)
	}

	mainErr := o.runTask(ctx, sub, msg, *plan.Main, source, submitter, logger)
	wg.Wait()

	if mainErr != nil {
		o.metrics.taskProcessed(ctx, string(plan.Main.Type), "main_failed")
		return o.handleMainFailure(ctx, sub, msg, *plan.Main, mainErr, logger)
	}
	o.metrics.taskProcessed(ctx, string(plan.Main.Type), "ok")
	return []followUp{{msg: msg}}, nil
}

// finishBackfill records completion once no pending task remains.
func (o *Orchestrator) finishBackfill(ctx context.Context, sub *store.Subscription, msg *queue.BackfillMessage, logger *zap.Logger) error {
	if err := o.store.UpdateSyncStatus(ctx, sub.ID, types.SyncComplete, sub.SyncWarning); err != nil {
		return fmt.Errorf("mark sync complete: %w", err)
	}
	// The next incremental run only needs commits newer than this backfill's
	// cutoff.
	if err := o.store.SetBackfillSince(ctx, sub.ID, msg.CommitsFrom()); err != nil {
		return fmt.Errorf("record backfill cutoff: %w", err)
	}
	fields := []zap.Field{zap.Int64("subscription_id", sub.ID)}
	if started := msg.StartedAt(); started != nil {
		elapsed := o.clock.Now().Sub(*started)
		o.metrics.syncCompleted(ctx, elapsed)
		fields = append(fields, zap.Duration("elapsed", elapsed))
	}
	logger.Info("backfill complete", fields...)
	return nil
}

// runTask processes one page of one task and persists the resulting cursor
// and status. Oversized-page server errors are retried at halved page sizes
// before giving up.
func (o *Orchestrator) runTask(ctx context.Context, sub *store.Subscription, msg *queue.BackfillMessage, task Task, source SourceClient, submitter Submitter, logger *zap.Logger) error {
	processor, ok := o.registry.For(task.Type)
	if !ok {
		return &TaskError{Code: UnknownError, Err: fmt.Errorf("no processor for task type %q", task.Type)}
	}

	pageSize := o.pageSize(msg.JiraHost)
	var result *PageResult
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		result, err = processor.Process(ctx, ProcessRequest{
			Logger:      logger,
			Source:      source,
			Repo:        task.Repo,
			Cursor:      task.Cursor,
			PageSize:    pageSize,
			CommitsFrom: msg.CommitsFrom(),
		})
		if err == nil {
			break
		}
		// A server error on a large page often clears at a smaller one.
		if Classify(err) != ServerError || pageSize <= 1 {
			return err
		}
		pageSize /= 2
		if pageSize < 1 {
			pageSize = 1
		}
		logger.Warn("retrying task page at reduced size",
			zap.String("task_type", string(task.Type)),
			zap.Int("page_size", pageSize),
			zap.Error(err),
		)
	}
	if err != nil {
		return err
	}

	if err := o.submitResult(ctx, submitter, result); err != nil {
		return err
	}
	return o.persistResult(ctx, sub, msg, task, result)
}

// pageSize applies the per-tenant scaling coefficient, clamped to [1, 100].
func (o *Orchestrator) pageSize(jiraHost string) int {
	coefficient := o.flags.Number(features.PageSizeCoefficient, 1, jiraHost)
	size := int(float64(o.cfg.PageSize) * coefficient)
	if size < 1 {
		size = 1
	}
	if size > 100 {
		size = 100
	}
	return size
}

// submitResult pushes whichever payload the page produced. A page with no
// issue-keyed entries produces no payload and no network call.
func (o *Orchestrator) submitResult(ctx context.Context, submitter Submitter, result *PageResult) error {
	switch {
	case result.DevInfo != nil:
		status, err := submitter.SubmitDevInfo(ctx, result.DevInfo)
		o.metrics.jiraSubmitted(ctx, "devinfo", status)
		if err != nil {
			return fmt.Errorf("submit dev info: %w", err)
		}
	case result.Builds != nil:
		status, err := submitter.SubmitBuilds(ctx, result.Builds)
		o.metrics.jiraSubmitted(ctx, "builds", status)
		if err != nil {
			return fmt.Errorf("submit builds: %w", err)
		}
	case result.Deployments != nil:
		status, err := submitter.SubmitDeployments(ctx, result.Deployments)
		o.metrics.jiraSubmitted(ctx, "deployments", status)
		if err != nil {
			return fmt.Errorf("submit deployments: %w", err)
		}
	case result.Vulnerabilities != nil:
		status, err := submitter.SubmitVulnerabilities(ctx, result.Vulnerabilities)
		o.metrics.jiraSubmitted(ctx, "vulnerabilities", status)
		if err != nil {
			return fmt.Errorf("submit vulnerabilities: %w", err)
		}
	}
	return nil
}

// persistResult folds a successful page into the state store.
func (o *Orchestrator) persistResult(ctx context.Context, sub *store.Subscription, msg *queue.BackfillMessage, task Task, result *PageResult) error {
	if task.Type == types.TaskRepository {
		if len(result.Repositories) > 0 {
			if err := o.store.UpsertRepos(ctx, sub.ID, result.Repositories); err != nil {
				return fmt.Errorf("upsert repositories: %w", err)
			}
		}
		if err := o.store.SetTotalRepos(ctx, sub.ID, result.TotalRepos); err != nil {
			return fmt.Errorf("set total repos: %w", err)
		}
		status := types.StatusPending
		if result.Complete() {
			status = types.StatusComplete
		}
		if err := o.store.SetRepositoryTaskState(ctx, sub.ID, status, result.NextCursor); err != nil {
			return fmt.Errorf("set discovery state: %w", err)
		}
		return nil
	}

	status := types.StatusPending
	if result.Complete() {
		status = types.StatusComplete
	}
	patch := store.RepoSyncStatePatch{
		TaskType: task.Type,
		Status:   status,
		Cursor:   store.StrPtr(result.NextCursor),
		From:     msg.CommitsFrom(),
	}
	if err := o.store.ApplyPatch(ctx, sub.ID, task.Repo.ID, patch); err != nil {
		return fmt.Errorf("apply task state patch: %w", err)
	}
	return nil
}

// handleMainFailure decides what a failed main task means for the
// subscription and for the message flow.
func (o *Orchestrator) handleMainFailure(ctx context.Context, sub *store.Subscription, msg *queue.BackfillMessage, task Task, taskErr error, logger *zap.Logger) ([]followUp, error) {
	code := Classify(taskErr)
	logger.Warn("main task failed",
		zap.String("task_type", string(task.Type)),
		zap.Int64("repo_id", task.Repo.ID),
		zap.String("code", string(code)),
		zap.Error(taskErr),
	)

	// Transient outages leave state untouched; the same task retries later
	// from the same cursor.
	if code == ConnectionError {
		return []followUp{{msg: msg, delay: o.cfg.BaseRetryDelay}}, nil
	}

	// A failed discovery leaves nothing to schedule against.
	if task.Type == types.TaskRepository {
		warning := fmt.Sprintf("repository discovery failed: %s", code)
		if err := o.store.UpdateSyncStatus(ctx, sub.ID, types.SyncFailed, warning); err != nil {
			return nil, fmt.Errorf("mark sync failed: %w", err)
		}
		return nil, nil
	}

	// Server and cursor failures on skippable cursors jump past the bad page
	// and keep the task alive.
	if code == ServerError || code == CursorError {
		if next, ok := SkipCursorForFailure(task.Type, task.Cursor, o.cfg.SkipCount, o.pageSize(msg.JiraHost)); ok {
			patch := store.RepoSyncStatePatch{
				TaskType: task.Type,
				Status:   types.StatusPending,
				Cursor:   store.StrPtr(next),
			}
			if err := o.store.ApplyPatch(ctx, sub.ID, task.Repo.ID, patch); err != nil {
				return nil, fmt.Errorf("apply skip patch: %w", err)
			}
			logger.Info("skipped failing page",
				zap.String("task_type", string(task.Type)),
				zap.String("next_cursor", next),
			)
			return []followUp{{msg: msg}}, nil
		}
	}

	// Everything else: mark this task failed and move on to the rest of the
	// backlog. The failure code is kept for operator triage and retry.
	patch := store.RepoSyncStatePatch{
		TaskType:   task.Type,
		Status:     types.StatusFailed,
		FailedCode: store.StrPtr(string(code)),
	}
	if err := o.store.ApplyPatch(ctx, sub.ID, task.Repo.ID, patch); err != nil {
		return nil, fmt.Errorf("apply failure patch: %w", err)
	}

	switch code {
	case AuthenticationError, AuthorizationError, PermissionsError:
		warning := fmt.Sprintf("%s on %s for %s", code, task.Type, task.Repo.FullName)
		if err := o.store.UpdateSyncStatus(ctx, sub.ID, types.SyncActive, warning); err != nil {
			return nil, fmt.Errorf("record sync warning: %w", err)
		}
	}
	return []followUp{{msg: msg}}, nil
}
