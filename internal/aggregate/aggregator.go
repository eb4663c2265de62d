// Package aggregate recomputes per-repository daily metrics from raw activity rows.
//
// Every write is a full recompute of one (repo, UTC day), so replayed or reordered
// activity converges on the same rows.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cam3ron2/devpulse/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Store is the persistence surface used by the aggregator.
type Store interface {
	ListPushes(ctx context.Context, repoID int64, from, to time.Time) ([]store.Push, error)
	ListCommits(ctx context.Context, repoID int64, from, to time.Time) ([]store.Commit, error)
	ListPullRequestsActive(ctx context.Context, repoID int64, from, to time.Time) ([]store.PullRequest, error)
	GetPullRequest(ctx context.Context, repoID int64, number int) (store.PullRequest, error)
	ListReviews(ctx context.Context, repoID int64, from, to time.Time) ([]store.Review, error)
	ListIssuesActive(ctx context.Context, repoID int64, from, to time.Time) ([]store.Issue, error)
	UpsertDailyPush(ctx context.Context, metrics store.DailyPushMetrics) error
	UpsertDailyPR(ctx context.Context, metrics store.DailyPRMetrics) error
	ReplaceReviewerMetrics(ctx context.Context, repoID int64, day string, rows []store.ReviewerMetrics) error
}

// Kind selects which aggregate family to recompute.
type Kind int

const (
	// KindPush recomputes push activity.
	KindPush Kind = 1 << iota
	// KindPR recomputes PR velocity and reviewer rows.
	KindPR
	// KindAll recomputes both families.
	KindAll = KindPush | KindPR
)

// Aggregator recomputes daily aggregate rows.
type Aggregator struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// New creates an aggregator.
func New(st Store, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{store: st, logger: logger, now: time.Now}
}

// RecomputePushDay rewrites the push-activity row for the UTC day containing day.
func (a *Aggregator) RecomputePushDay(ctx context.Context, repoID int64, day time.Time) (store.DailyPushMetrics, error) {
	start := store.DayStart(day)
	end := start.AddDate(0, 0, 1)

	pushes, err := a.store.ListPushes(ctx, repoID, start, end)
	if err != nil {
		return store.DailyPushMetrics{}, fmt.Errorf("recompute push day: %w", err)
	}
	commits, err := a.store.ListCommits(ctx, repoID, start, end)
	if err != nil {
		return store.DailyPushMetrics{}, fmt.Errorf("recompute push day: %w", err)
	}

	row := ComputePushDay(repoID, start, pushes, commits)
	if err := a.store.UpsertDailyPush(ctx, row); err != nil {
		return store.DailyPushMetrics{}, fmt.Errorf("recompute push day: %w", err)
	}
	return row, nil
}

// RecomputePRDay rewrites the PR-velocity and reviewer rows for the UTC day containing day.
func (a *Aggregator) RecomputePRDay(ctx context.Context, repoID int64, day time.Time) (store.DailyPRMetrics, []store.ReviewerMetrics, error) {
	start := store.DayStart(day)
	end := start.AddDate(0, 0, 1)

	prs, err := a.store.ListPullRequestsActive(ctx, repoID, start, end)
	if err != nil {
		return store.DailyPRMetrics{}, nil, fmt.Errorf("recompute pr day: %w", err)
	}
	reviews, err := a.store.ListReviews(ctx, repoID, start, end)
	if err != nil {
		return store.DailyPRMetrics{}, nil, fmt.Errorf("recompute pr day: %w", err)
	}
	issues, err := a.store.ListIssuesActive(ctx, repoID, start, end)
	if err != nil {
		return store.DailyPRMetrics{}, nil, fmt.Errorf("recompute pr day: %w", err)
	}

	prsByNumber := make(map[int]store.PullRequest, len(prs))
	for _, pr := range prs {
		prsByNumber[pr.Number] = pr
	}
	for _, review := range reviews {
		if _, ok := prsByNumber[review.PRNumber]; ok {
			continue
		}
		pr, err := a.store.GetPullRequest(ctx, repoID, review.PRNumber)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return store.DailyPRMetrics{}, nil, fmt.Errorf("recompute pr day: %w", err)
		}
		prsByNumber[pr.Number] = pr
	}

	row, reviewers := ComputePRDay(repoID, start, prs, reviews, issues, prsByNumber)
	if err := a.store.UpsertDailyPR(ctx, row); err != nil {
		return store.DailyPRMetrics{}, nil, fmt.Errorf("recompute pr day: %w", err)
	}
	if err := a.store.ReplaceReviewerMetrics(ctx, repoID, row.Day, reviewers); err != nil {
		return store.DailyPRMetrics{}, nil, fmt.Errorf("recompute pr day: %w", err)
	}
	return row, reviewers, nil
}

// RecomputeDays recomputes the selected families for every listed day of one repo.
func (a *Aggregator) RecomputeDays(ctx context.Context, repoID int64, days []time.Time, kind Kind) error {
	ctx, span := otel.Tracer("devpulse/aggregate").Start(ctx, "aggregate.recompute")
	defer span.End()
	span.SetAttributes(attribute.Int64("repo.id", repoID), attribute.Int("days", len(days)))

	for _, day := range uniqueDays(days) {
		if kind&KindPush != 0 {
			if _, err := a.RecomputePushDay(ctx, repoID, day); err != nil {
				span.RecordError(err)
				return err
			}
		}
		if kind&KindPR != 0 {
			if _, _, err := a.RecomputePRDay(ctx, repoID, day); err != nil {
				span.RecordError(err)
				return err
			}
		}
	}
	a.logger.Debug("recomputed daily aggregates", zap.Int64("repo_id", repoID), zap.Int("days", len(days)))
	return nil
}

// RecentDays returns the UTC days to refresh on a periodic pass: today and yesterday.
func (a *Aggregator) RecentDays() []time.Time {
	today := store.DayStart(a.now())
	return []time.Time{today.AddDate(0, 0, -1), today}
}

// LastDays returns the n UTC days ending today, oldest first.
func LastDays(now time.Time, n int) []time.Time {
	if n <= 0 {
		return nil
	}
	today := store.DayStart(now)
	days := make([]time.Time, 0, n)
	for i := n - 1; i >= 0; i-- {
		days = append(days, today.AddDate(0, 0, -i))
	}
	return days
}

func uniqueDays(days []time.Time) []time.Time {
	seen := make(map[string]struct{}, len(days))
	out := make([]time.Time, 0, len(days))
	for _, day := range days {
		start := store.DayStart(day)
		key := store.DayKey(start)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, start)
	}
	return out
}
