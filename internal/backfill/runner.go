// Package backfill recomputes historical daily aggregates for every registered repository.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cam3ron2/devpulse/internal/aggregate"
	"github.com/cam3ron2/devpulse/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RepoLister lists the repositories to backfill.
type RepoLister interface {
	ListRepositories(ctx context.Context) ([]store.Repository, error)
}

// Recomputer rebuilds aggregate rows for the given days.
type Recomputer interface {
	RecomputeDays(ctx context.Context, repoID int64, days []time.Time, kind aggregate.Kind) error
}

// Deduper suppresses a repo window another instance already backfilled.
type Deduper interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// Config controls runner behavior.
type Config struct {
	Concurrency int
	// DedupTTL is how long a completed repo window suppresses repeats. Zero disables dedup.
	DedupTTL time.Duration
}

// Result summarizes one backfill run.
type Result struct {
	Repos           int
	Days            int
	Recomputed      int
	DedupSuppressed int
	Failed          int
	WindowStart     time.Time
	WindowEnd       time.Time
}

// Runner fans recompute work out across repositories with bounded concurrency.
type Runner struct {
	config     Config
	repos      RepoLister
	recomputer Recomputer
	deduper    Deduper
	logger     *zap.Logger
	now        func() time.Time
}

// NewRunner creates a runner. deduper may be nil.
func NewRunner(config Config, repos RepoLister, recomputer Recomputer, deduper Deduper, logger *zap.Logger) *Runner {
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		config:     config,
		repos:      repos,
		recomputer: recomputer,
		deduper:    deduper,
		logger:     logger,
		now:        time.Now,
	}
}

// Run recomputes push-activity and PR-velocity rows for the last days UTC days of every repo.
// One repo failing does not stop the others; failures are joined into the returned error.
func (r *Runner) Run(ctx context.Context, days int) (Result, error) {
	ctx, span := otel.Tracer("devpulse/backfill").Start(ctx, "backfill.run")
	defer span.End()

	window := aggregate.LastDays(r.now(), days)
	if len(window) == 0 {
		return Result{}, nil
	}
	repos, err := r.repos.ListRepositories(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list repositories for backfill: %w", err)
	}
	span.SetAttributes(attribute.Int("backfill.repos", len(repos)), attribute.Int("backfill.days", len(window)))

	result := Result{
		Repos:       len(repos),
		Days:        len(window),
		WindowStart: window[0],
		WindowEnd:   window[len(window)-1],
	}
	started := time.Now()

	var (
		mu       sync.Mutex
		failures []error
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(r.config.Concurrency)
	for _, repo := range repos {
		group.Go(func() error {
			outcome, err := r.backfillRepo(groupCtx, repo, window)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				result.Failed++
				failures = append(failures, err)
			case outcome == outcomeSuppressed:
				result.DedupSuppressed++
			default:
				result.Recomputed++
			}
			// Per-repo failures never cancel siblings.
			return nil
		})
	}
	_ = group.Wait()

	r.logger.Info("backfill completed",
		zap.Int("repos", result.Repos),
		zap.Int("days", result.Days),
		zap.Int("recomputed", result.Recomputed),
		zap.Int("dedup_suppressed", result.DedupSuppressed),
		zap.Int("failed", result.Failed),
		zap.Duration("duration", time.Since(started)),
	)
	if err := ctx.Err(); err != nil {
		failures = append(failures, err)
	}
	return result, errors.Join(failures...)
}

type outcome int

const (
	outcomeRecomputed outcome = iota
	outcomeSuppressed
)

func (r *Runner) backfillRepo(ctx context.Context, repo store.Repository, window []time.Time) (outcome, error) {
	key := DedupKey(repo.ID, window[0], window[len(window)-1])
	if r.deduper != nil && r.config.DedupTTL > 0 {
		acquired, err := r.deduper.Acquire(ctx, key, r.config.DedupTTL)
		if err != nil {
			// Dedup is an optimization; recompute anyway.
			r.logger.Warn("backfill dedup unavailable", zap.Int64("repo_id", repo.ID), zap.Error(err))
		} else if !acquired {
			r.logger.Debug("backfill dedup-suppressed", zap.Int64("repo_id", repo.ID), zap.String("key", key))
			return outcomeSuppressed, nil
		}
	}

	if err := r.recomputer.RecomputeDays(ctx, repo.ID, window, aggregate.KindAll); err != nil {
		if r.deduper != nil && r.config.DedupTTL > 0 {
			if releaseErr := r.deduper.Release(context.WithoutCancel(ctx), key); releaseErr != nil {
				r.logger.Warn("release backfill dedup key failed", zap.String("key", key), zap.Error(releaseErr))
			}
		}
		r.logger.Warn("backfill repo failed", zap.Int64("repo_id", repo.ID), zap.String("repo", repo.FullName), zap.Error(err))
		return outcomeRecomputed, fmt.Errorf("backfill repo %d: %w", repo.ID, err)
	}
	return outcomeRecomputed, nil
}

// DedupKey identifies one repo window.
func DedupKey(repoID int64, windowStart, windowEnd time.Time) string {
	return fmt.Sprintf("backfill:%d:%s:%s", repoID, store.DayKey(windowStart), store.DayKey(windowEnd))
}
