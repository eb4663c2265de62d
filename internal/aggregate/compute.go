package aggregate

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/cam3ron2/devpulse/internal/store"
)

const (
	reviewApproved         = "approved"
	reviewChangesRequested = "changes_requested"
)

// ComputePushDay builds the push-activity row for the UTC day starting at dayStart.
// Rows outside the day are ignored, so callers may pass a wider slice.
func ComputePushDay(repoID int64, dayStart time.Time, pushes []store.Push, commits []store.Commit) store.DailyPushMetrics {
	dayEnd := dayStart.AddDate(0, 0, 1)
	row := store.DailyPushMetrics{RepoID: repoID, Day: store.DayKey(dayStart)}
	contributors := make(map[string]struct{})

	for _, push := range pushes {
		if !withinDay(push.PushedAt, dayStart, dayEnd) {
			continue
		}
		row.Pushes++
		if actor := normalizeActor(push.Pusher); actor != "" {
			contributors[actor] = struct{}{}
		}
	}
	for _, commit := range commits {
		if !withinDay(commit.CommittedAt, dayStart, dayEnd) {
			continue
		}
		row.Commits++
		row.Additions += commit.Additions
		row.Deletions += commit.Deletions
		if actor := normalizeActor(commit.Author); actor != "" {
			contributors[actor] = struct{}{}
		}
	}
	row.Contributors = len(contributors)
	return row
}

// ComputePRDay builds the PR-velocity row and reviewer rows for one UTC day.
// prsByNumber must hold every pull request referenced by reviews; missing ones only
// drop the review from the response-time average.
func ComputePRDay(
	repoID int64,
	dayStart time.Time,
	prs []store.PullRequest,
	reviews []store.Review,
	issues []store.Issue,
	prsByNumber map[int]store.PullRequest,
) (store.DailyPRMetrics, []store.ReviewerMetrics) {
	dayEnd := dayStart.AddDate(0, 0, 1)
	day := store.DayKey(dayStart)
	row := store.DailyPRMetrics{RepoID: repoID, Day: day}

	var mergeHours, firstReviewHours []float64
	for _, pr := range prs {
		if withinDay(pr.OpenedAt, dayStart, dayEnd) {
			row.PRsOpened++
		}
		if withinDay(pr.MergedAt, dayStart, dayEnd) {
			row.PRsMerged++
			if !pr.OpenedAt.IsZero() && !pr.MergedAt.Before(pr.OpenedAt) {
				mergeHours = append(mergeHours, pr.MergedAt.Sub(pr.OpenedAt).Hours())
			}
		}
		if pr.MergedAt.IsZero() && withinDay(pr.ClosedAt, dayStart, dayEnd) {
			row.PRsClosed++
		}
		if withinDay(pr.FirstReviewAt, dayStart, dayEnd) && !pr.OpenedAt.IsZero() && !pr.FirstReviewAt.Before(pr.OpenedAt) {
			firstReviewHours = append(firstReviewHours, pr.FirstReviewAt.Sub(pr.OpenedAt).Hours())
		}
	}
	row.AvgMergeHours = average(mergeHours)
	row.AvgFirstReviewHours = average(firstReviewHours)
	row.FirstReviews = len(firstReviewHours)

	for _, issue := range issues {
		if withinDay(issue.OpenedAt, dayStart, dayEnd) {
			row.IssuesOpened++
		}
		if withinDay(issue.ClosedAt, dayStart, dayEnd) {
			row.IssuesClosed++
		}
	}

	byReviewer := make(map[string]*store.ReviewerMetrics)
	responseHours := make(map[string][]float64)
	for _, review := range reviews {
		if !withinDay(review.SubmittedAt, dayStart, dayEnd) {
			continue
		}
		reviewer := normalizeActor(review.Reviewer)
		if reviewer == "" {
			continue
		}
		metrics, ok := byReviewer[reviewer]
		if !ok {
			metrics = &store.ReviewerMetrics{RepoID: repoID, Day: day, Reviewer: reviewer}
			byReviewer[reviewer] = metrics
		}
		metrics.Reviews++
		switch strings.ToLower(review.State) {
		case reviewApproved:
			metrics.Approvals++
		case reviewChangesRequested:
			metrics.ChangesRequested++
		}
		if pr, ok := prsByNumber[review.PRNumber]; ok && !pr.OpenedAt.IsZero() && !review.SubmittedAt.Before(pr.OpenedAt) {
			responseHours[reviewer] = append(responseHours[reviewer], review.SubmittedAt.Sub(pr.OpenedAt).Hours())
		}
	}

	reviewers := make([]string, 0, len(byReviewer))
	for reviewer := range byReviewer {
		reviewers = append(reviewers, reviewer)
	}
	sort.Strings(reviewers)
	rows := make([]store.ReviewerMetrics, 0, len(reviewers))
	for _, reviewer := range reviewers {
		metrics := byReviewer[reviewer]
		metrics.AvgResponseHours = average(responseHours[reviewer])
		rows = append(rows, *metrics)
	}
	return row, rows
}

func withinDay(ts, start, end time.Time) bool {
	if ts.IsZero() {
		return false
	}
	return !ts.Before(start) && ts.Before(end)
}

func normalizeActor(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

func average(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return roundHours(sum / float64(len(values)))
}

func roundHours(value float64) float64 {
	return math.Round(value*100) / 100
}
