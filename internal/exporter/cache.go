package exporter

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/cam3ron2/devpulse/internal/store"
	"go.uber.org/zap"
)

// ActivityStore reads repositories and their daily aggregates.
type ActivityStore interface {
	ListRepositories(ctx context.Context) ([]store.Repository, error)
	ListDailyPush(ctx context.Context, repoID int64, fromDay, toDay string) ([]store.DailyPushMetrics, error)
	ListDailyPR(ctx context.Context, repoID int64, fromDay, toDay string) ([]store.DailyPRMetrics, error)
}

// CacheConfig configures the activity cache used by /metrics rendering.
type CacheConfig struct {
	RefreshInterval time.Duration
	Timeout         time.Duration
	Now             func() time.Time
}

// ActivityReader exposes today's aggregates per repository, refreshed at most once per interval.
type ActivityReader struct {
	source          ActivityStore
	refreshInterval time.Duration
	timeout         time.Duration
	now             func() time.Time
	logger          *zap.Logger

	mu              sync.RWMutex
	initialized     bool
	lastRefresh     time.Time
	refreshDuration time.Duration
	refreshErrors   uint64
	points          []Point
}

// NewActivityReader wraps source with a periodic cache.
func NewActivityReader(source ActivityStore, cfg CacheConfig, logger *zap.Logger) *ActivityReader {
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	refreshInterval := cfg.RefreshInterval
	if refreshInterval <= 0 {
		refreshInterval = 30 * time.Second
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ActivityReader{
		source:          source,
		refreshInterval: refreshInterval,
		timeout:         timeout,
		now:             nowFn,
		logger:          logger,
	}
}

// Snapshot implements SnapshotReader.
func (c *ActivityReader) Snapshot() []Point {
	if c == nil || c.source == nil {
		return nil
	}
	c.refreshIfNeeded()

	c.mu.RLock()
	defer c.mu.RUnlock()
	out := clonePoints(c.points)
	out = append(out,
		gauge("devpulse_exporter_activity_refresh_duration_seconds", "Duration of the last activity cache refresh.", nil, c.refreshDuration.Seconds()),
		counter("devpulse_exporter_activity_refresh_errors_total", "Failed activity cache refreshes.", nil, float64(c.refreshErrors)),
	)
	return out
}

func (c *ActivityReader) refreshIfNeeded() {
	now := c.now()

	c.mu.RLock()
	if c.initialized && now.Sub(c.lastRefresh) < c.refreshInterval {
		c.mu.RUnlock()
		return
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized && now.Sub(c.lastRefresh) < c.refreshInterval {
		return
	}

	started := time.Now()
	points, err := c.load(now)
	c.refreshDuration = time.Since(started)
	c.lastRefresh = now
	c.initialized = true
	if err != nil {
		// Keep serving the previous points until the store recovers.
		c.refreshErrors++
		c.logger.Warn("activity metrics refresh failed", zap.Error(err))
		return
	}
	c.points = points
}

func (c *ActivityReader) load(now time.Time) ([]Point, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	repos, err := c.source.ListRepositories(ctx)
	if err != nil {
		return nil, err
	}
	day := store.DayKey(now)
	points := make([]Point, 0, 11*len(repos))
	for _, repo := range repos {
		labels := map[string]string{"repo": repo.FullName}

		pushRows, err := c.source.ListDailyPush(ctx, repo.ID, day, day)
		if err != nil {
			return nil, err
		}
		var push store.DailyPushMetrics
		if len(pushRows) > 0 {
			push = pushRows[0]
		}
		prRows, err := c.source.ListDailyPR(ctx, repo.ID, day, day)
		if err != nil {
			return nil, err
		}
		var pr store.DailyPRMetrics
		if len(prRows) > 0 {
			pr = prRows[0]
		}

		points = append(points,
			gauge("devpulse_repo_pushes_today", "Pushes in the current UTC day.", labels, float64(push.Pushes)),
			gauge("devpulse_repo_commits_today", "Commits in the current UTC day.", labels, float64(push.Commits)),
			gauge("devpulse_repo_additions_today", "Lines added in the current UTC day.", labels, float64(push.Additions)),
			gauge("devpulse_repo_deletions_today", "Lines deleted in the current UTC day.", labels, float64(push.Deletions)),
			gauge("devpulse_repo_contributors_today", "Distinct contributors in the current UTC day.", labels, float64(push.Contributors)),
			gauge("devpulse_repo_prs_opened_today", "Pull requests opened in the current UTC day.", labels, float64(pr.PRsOpened)),
			gauge("devpulse_repo_prs_merged_today", "Pull requests merged in the current UTC day.", labels, float64(pr.PRsMerged)),
			gauge("devpulse_repo_avg_merge_hours_today", "Mean open-to-merge hours of today's merges.", labels, pr.AvgMergeHours),
			gauge("devpulse_repo_avg_first_review_hours_today", "Mean open-to-first-review hours of today's first reviews.", labels, pr.AvgFirstReviewHours),
			gauge("devpulse_repo_issues_opened_today", "Issues opened in the current UTC day.", labels, float64(pr.IssuesOpened)),
			gauge("devpulse_repo_issues_closed_today", "Issues closed in the current UTC day.", labels, float64(pr.IssuesClosed)),
		)
	}
	return points, nil
}

func clonePoints(points []Point) []Point {
	if len(points) == 0 {
		return nil
	}
	copied := make([]Point, 0, len(points))
	for _, point := range points {
		point.Labels = maps.Clone(point.Labels)
		copied = append(copied, point)
	}
	return copied
}
