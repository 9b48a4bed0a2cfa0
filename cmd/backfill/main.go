// Command backfill enqueues a backfill message for one installation. It is
// the operator's shortcut past the HTTP surface: point it at the database,
// name the installation, done.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/makersync/backfill/internal/config"
	"github.com/makersync/backfill/internal/queue"
	"github.com/makersync/backfill/internal/store"
	"github.com/makersync/backfill/pkg/types"
)

func main() {
	var (
		jiraHost        = flag.String("jira-host", "", "Jira site hostname (required)")
		installationID  = flag.Int64("installation-id", 0, "GitHub installation id (required)")
		gitHubAppID     = flag.Int64("github-app-id", 0, "GitHub server app id (0 = cloud)")
		commitsFromDate = flag.String("commits-from", "", "RFC3339 cutoff; only newer commits are backfilled")
		targetTasks     = flag.String("tasks", "", "comma-separated task types (empty = all)")
		delay           = flag.Duration("delay", 0, "delay before the message becomes visible")
	)
	flag.Parse()

	if *jiraHost == "" || *installationID == 0 {
		flag.Usage()
		os.Exit(2)
	}
	if *commitsFromDate != "" {
		if _, err := time.Parse(time.RFC3339, *commitsFromDate); err != nil {
			log.Fatalf("invalid -commits-from: %v", err)
		}
	}

	var tasks []types.TaskType
	if *targetTasks != "" {
		for _, raw := range strings.Split(*targetTasks, ",") {
			taskType := types.TaskType(strings.TrimSpace(raw))
			if !types.IsValidTaskType(taskType) {
				log.Fatalf("unknown task type %q", taskType)
			}
			tasks = append(tasks, taskType)
		}
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := store.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	msg := &queue.BackfillMessage{
		JiraHost:        *jiraHost,
		InstallationID:  *installationID,
		StartTime:       time.Now().UTC().Format(time.RFC3339),
		CommitsFromDate: *commitsFromDate,
		TargetTasks:     tasks,
	}
	if *gitHubAppID != 0 {
		msg.GitHubAppConfig = &types.GitHubAppConfig{GitHubAppID: *gitHubAppID}
	}

	channel := queue.NewPostgres(pool, cfg.VisibilityTimeout)
	if err := channel.Send(ctx, msg, *delay); err != nil {
		logger.Fatal("failed to enqueue message", zap.Error(err))
	}

	fmt.Printf("enqueued backfill for installation %d at %s\n", *installationID, *jiraHost)
}
