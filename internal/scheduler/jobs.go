package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cam3ron2/devpulse/internal/aggregate"
	"github.com/cam3ron2/devpulse/internal/alerting"
	"github.com/cam3ron2/devpulse/internal/store"
	"go.uber.org/zap"
)

// Task names.
const (
	TaskPushAggregation     = "push-aggregation"
	TaskPRAggregation       = "pr-aggregation"
	TaskNotificationCleanup = "notification-cleanup"
	TaskTriggerCleanup      = "trigger-cleanup"
	TaskDeliveryRetry       = "alert-delivery-retry"
)

// RepoLister lists registered repositories.
type RepoLister interface {
	ListRepositories(ctx context.Context) ([]store.Repository, error)
}

// Aggregator recomputes daily rows.
type Aggregator interface {
	RecentDays() []time.Time
	RecomputeDays(ctx context.Context, repoID int64, days []time.Time, kind aggregate.Kind) error
}

// Evaluator is the alert engine surface the jobs drive.
type Evaluator interface {
	EvaluateRepo(ctx context.Context, repoID int64) (alerting.Summary, error)
	RetryUndelivered(ctx context.Context, limit int) (int, error)
	Cleanup(ctx context.Context, retention time.Duration) (int64, error)
}

// NotificationCleaner purges old in-app notifications.
type NotificationCleaner interface {
	DeleteNotifications(ctx context.Context, readCutoff, hardCutoff time.Time) (int64, error)
}

// AggregationTask recomputes today and yesterday for every repo, then evaluates its alerts.
// A failing repo is reported but does not stop the rest.
func AggregationTask(name string, interval time.Duration, kind aggregate.Kind, repos RepoLister, agg Aggregator, eval Evaluator, logger *zap.Logger) Task {
	if logger == nil {
		logger = zap.NewNop()
	}
	return Task{
		Name:     name,
		Interval: interval,
		Run: func(ctx context.Context) error {
			list, err := repos.ListRepositories(ctx)
			if err != nil {
				return fmt.Errorf("list repositories: %w", err)
			}
			days := agg.RecentDays()
			var errs []error
			for _, repo := range list {
				if err := agg.RecomputeDays(ctx, repo.ID, days, kind); err != nil {
					errs = append(errs, fmt.Errorf("recompute repo %d: %w", repo.ID, err))
					continue
				}
				if eval == nil {
					continue
				}
				summary, err := eval.EvaluateRepo(ctx, repo.ID)
				if err != nil {
					errs = append(errs, fmt.Errorf("evaluate repo %d: %w", repo.ID, err))
					continue
				}
				if summary.Triggered > 0 || summary.Resolved > 0 {
					logger.Info("alerts changed state",
						zap.String("task", name),
						zap.Int64("repo_id", repo.ID),
						zap.Int("triggered", summary.Triggered),
						zap.Int("resolved", summary.Resolved),
					)
				}
			}
			return errors.Join(errs...)
		},
	}
}

// NotificationCleanupTask deletes read notifications older than readRetention
// and every notification older than retention.
func NotificationCleanupTask(interval time.Duration, cleaner NotificationCleaner, readRetention, retention time.Duration, logger *zap.Logger) Task {
	if logger == nil {
		logger = zap.NewNop()
	}
	return Task{
		Name:     TaskNotificationCleanup,
		Interval: interval,
		Run: func(ctx context.Context) error {
			now := time.Now().UTC()
			deleted, err := cleaner.DeleteNotifications(ctx, now.Add(-readRetention), now.Add(-retention))
			if err != nil {
				return fmt.Errorf("delete notifications: %w", err)
			}
			logger.Info("notification cleanup completed", zap.Int64("deleted", deleted))
			return nil
		},
	}
}

// TriggerCleanupTask purges resolved triggers older than retention.
func TriggerCleanupTask(interval time.Duration, eval Evaluator, retention time.Duration, logger *zap.Logger) Task {
	if logger == nil {
		logger = zap.NewNop()
	}
	return Task{
		Name:     TaskTriggerCleanup,
		Interval: interval,
		Run: func(ctx context.Context) error {
			deleted, err := eval.Cleanup(ctx, retention)
			if err != nil {
				return err
			}
			logger.Info("trigger cleanup completed", zap.Int64("deleted", deleted))
			return nil
		},
	}
}

// DeliveryRetryTask re-attempts trigger notifications that previously failed.
func DeliveryRetryTask(interval time.Duration, eval Evaluator, limit int, logger *zap.Logger) Task {
	if logger == nil {
		logger = zap.NewNop()
	}
	if limit <= 0 {
		limit = 100
	}
	return Task{
		Name:     TaskDeliveryRetry,
		Interval: interval,
		Run: func(ctx context.Context) error {
			delivered, err := eval.RetryUndelivered(ctx, limit)
			if err != nil {
				return err
			}
			if delivered > 0 {
				logger.Info("undelivered alert notifications sent", zap.Int("delivered", delivered))
			}
			return nil
		},
	}
}
