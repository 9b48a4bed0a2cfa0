package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/makersync/backfill/pkg/types"
)

// taskColumns maps a task type to its column prefix on repo_sync_states.
// Patch application builds SQL from this table only, never from caller input.
var taskColumns = map[types.TaskType]string{
	types.TaskPull:                "pull",
	types.TaskBranch:              "branch",
	types.TaskCommit:              "commit",
	types.TaskBuild:               "build",
	types.TaskDeployment:          "deployment",
	types.TaskDependabotAlert:     "dependabot_alert",
	types.TaskSecretScanningAlert: "secret_scanning_alert",
	types.TaskCodeScanningAlert:   "code_scanning_alert",
}

// Postgres is the production Store.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Connect opens a pgx pool against url and verifies connectivity.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	cfg.HealthCheckPeriod = 30 * time.Second
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func (p *Postgres) GetSubscription(ctx context.Context, jiraHost string, installationID int64, gitHubAppID *int64) (*Subscription, error) {
	var sub Subscription
	var warning *string
	err := p.pool.QueryRow(ctx, `
        SELECT id, installation_id, jira_host, github_app_id,
               sync_status, sync_warning, backfill_since, total_repos,
               COALESCE(repository_status, ''), COALESCE(repository_cursor, ''),
               created_at, updated_at
        FROM subscriptions
        WHERE jira_host = $1 AND installation_id = $2
          AND github_app_id IS NOT DISTINCT FROM $3
    `, jiraHost, installationID, gitHubAppID).Scan(
		&sub.ID, &sub.InstallationID, &sub.JiraHost, &sub.GitHubAppID,
		&sub.SyncStatus, &warning, &sub.BackfillSince, &sub.TotalRepos,
		&sub.RepositoryStatus, &sub.RepositoryCursor,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if warning != nil {
		sub.SyncWarning = *warning
	}
	return &sub, nil
}

func (p *Postgres) CreateSubscription(ctx context.Context, sub *Subscription) error {
	return p.pool.QueryRow(ctx, `
        INSERT INTO subscriptions
            (installation_id, jira_host, github_app_id, sync_status, total_repos)
        VALUES ($1, $2, $3, $4, $5)
        RETURNING id, created_at, updated_at
    `, sub.InstallationID, sub.JiraHost, sub.GitHubAppID, sub.SyncStatus, sub.TotalRepos).
		Scan(&sub.ID, &sub.CreatedAt, &sub.UpdatedAt)
}

func (p *Postgres) UpdateSyncStatus(ctx context.Context, subscriptionID int64, status types.SyncStatus, warning string) error {
	tag, err := p.pool.Exec(ctx, `
        UPDATE subscriptions SET sync_status=$2, sync_warning=$3, updated_at=now() WHERE id=$1
    `, subscriptionID, status, warning)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) SetBackfillSince(ctx context.Context, subscriptionID int64, since *time.Time) error {
	_, err := p.pool.Exec(ctx, `
        UPDATE subscriptions SET backfill_since=$2, updated_at=now() WHERE id=$1
    `, subscriptionID, since)
	return err
}

func (p *Postgres) SetRepositoryTaskState(ctx context.Context, subscriptionID int64, status types.TaskStatus, cursor string) error {
	_, err := p.pool.Exec(ctx, `
        UPDATE subscriptions SET repository_status=$2, repository_cursor=$3, updated_at=now() WHERE id=$1
    `, subscriptionID, status, cursor)
	return err
}

func (p *Postgres) SetTotalRepos(ctx context.Context, subscriptionID int64, totalRepos int) error {
	_, err := p.pool.Exec(ctx, `
        UPDATE subscriptions SET total_repos=$2, updated_at=now() WHERE id=$1
    `, subscriptionID, totalRepos)
	return err
}

func (p *Postgres) UpsertRepos(ctx context.Context, subscriptionID int64, repos []types.Repository) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		} else {
			_ = tx.Commit(ctx)
		}
	}()

	for _, repo := range repos {
		if _, err = tx.Exec(ctx, `
            INSERT INTO repo_sync_states
                (subscription_id, repo_id, repo_name, repo_owner, repo_full_name,
                 repo_url, repo_updated_at, repo_pushed_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
            ON CONFLICT (subscription_id, repo_id) DO UPDATE SET
                repo_name = EXCLUDED.repo_name,
                repo_owner = EXCLUDED.repo_owner,
                repo_full_name = EXCLUDED.repo_full_name,
                repo_url = EXCLUDED.repo_url,
                repo_updated_at = EXCLUDED.repo_updated_at,
                repo_pushed_at = EXCLUDED.repo_pushed_at,
                updated_at = now()
        `, subscriptionID, repo.ID, repo.Name, repo.Owner, repo.FullName,
			repo.URL, repo.UpdatedAt, repo.PushedAt); err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) ListRepoStates(ctx context.Context, subscriptionID int64) ([]*RepoSyncState, error) {
	cols := make([]string, 0, len(taskColumns)*3)
	ordered := types.TaskTypesInPriorityOrder()
	for _, taskType := range ordered {
		prefix := taskColumns[taskType]
		cols = append(cols,
			fmt.Sprintf("COALESCE(%s_status, '')", prefix),
			fmt.Sprintf("COALESCE(%s_cursor, '')", prefix),
			fmt.Sprintf("%s_from", prefix),
			fmt.Sprintf("COALESCE(%s_failed_code, '')", prefix),
		)
	}
	query := fmt.Sprintf(`
        SELECT repo_id, repo_name, repo_owner, repo_full_name, repo_url,
               repo_updated_at, repo_pushed_at, %s
        FROM repo_sync_states
        WHERE subscription_id = $1
        ORDER BY repo_updated_at ASC, repo_id ASC
    `, strings.Join(cols, ", "))

	rows, err := p.pool.Query(ctx, query, subscriptionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RepoSyncState
	for rows.Next() {
		state := &RepoSyncState{
			SubscriptionID: subscriptionID,
			States:         make(map[types.TaskType]TaskState, len(ordered)),
		}
		dest := []any{
			&state.Repo.ID, &state.Repo.Name, &state.Repo.Owner,
			&state.Repo.FullName, &state.Repo.URL,
			&state.Repo.UpdatedAt, &state.Repo.PushedAt,
		}
		statuses := make([]string, len(ordered))
		cursors := make([]string, len(ordered))
		froms := make([]*time.Time, len(ordered))
		failedCodes := make([]string, len(ordered))
		for i := range ordered {
			dest = append(dest, &statuses[i], &cursors[i], &froms[i], &failedCodes[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		for i, taskType := range ordered {
			state.States[taskType] = TaskState{
				Status:     types.TaskStatus(statuses[i]),
				Cursor:     cursors[i],
				From:       froms[i],
				FailedCode: failedCodes[i],
			}
		}
		out = append(out, state)
	}
	return out, rows.Err()
}

func (p *Postgres) ApplyPatch(ctx context.Context, subscriptionID, repoID int64, patch RepoSyncStatePatch) error {
	prefix, ok := taskColumns[patch.TaskType]
	if !ok {
		return fmt.Errorf("store: no column mapping for task type %q", patch.TaskType)
	}

	sets := []string{fmt.Sprintf("%s_status = $3", prefix), "updated_at = now()"}
	args := []any{subscriptionID, repoID, string(patch.Status)}
	if patch.Cursor != nil {
		args = append(args, *patch.Cursor)
		sets = append(sets, fmt.Sprintf("%s_cursor = $%d", prefix, len(args)))
	}
	if patch.From != nil {
		args = append(args, *patch.From)
		sets = append(sets, fmt.Sprintf("%s_from = $%d", prefix, len(args)))
	}
	if patch.FailedCode != nil {
		args = append(args, *patch.FailedCode)
		sets = append(sets, fmt.Sprintf("%s_failed_code = $%d", prefix, len(args)))
	}

	query := fmt.Sprintf(`
        UPDATE repo_sync_states SET %s
        WHERE subscription_id = $1 AND repo_id = $2
    `, strings.Join(sets, ", "))
	tag, err := p.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ResetFailedTasks(ctx context.Context, subscriptionID int64) (int, error) {
	sets := make([]string, 0, len(taskColumns)+1)
	conds := make([]string, 0, len(taskColumns))
	for _, taskType := range types.TaskTypesInPriorityOrder() {
		prefix := taskColumns[taskType]
		sets = append(sets, fmt.Sprintf(
			"%[1]s_status = CASE WHEN %[1]s_status = 'failed' THEN 'pending' ELSE %[1]s_status END", prefix))
		sets = append(sets, fmt.Sprintf(
			"%[1]s_failed_code = CASE WHEN %[1]s_status = 'failed' THEN NULL ELSE %[1]s_failed_code END", prefix))
		conds = append(conds, fmt.Sprintf("%s_status = 'failed'", prefix))
	}
	sets = append(sets, "updated_at = now()")

	query := fmt.Sprintf(`
        UPDATE repo_sync_states SET %s
        WHERE subscription_id = $1 AND (%s)
    `, strings.Join(sets, ", "), strings.Join(conds, " OR "))
	tag, err := p.pool.Exec(ctx, query, subscriptionID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (p *Postgres) CountSyncedRepos(ctx context.Context, subscriptionID int64) (int, error) {
	conds := make([]string, 0, len(taskColumns))
	for _, taskType := range types.TaskTypesInPriorityOrder() {
		conds = append(conds, fmt.Sprintf("%s_status = 'complete'", taskColumns[taskType]))
	}
	query := fmt.Sprintf(`
        SELECT count(*) FROM repo_sync_states
        WHERE subscription_id = $1 AND %s
    `, strings.Join(conds, " AND "))
	var count int
	if err := p.pool.QueryRow(ctx, query, subscriptionID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}
