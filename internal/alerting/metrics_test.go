package alerting

import (
	"errors"
	"testing"

	"github.com/cam3ron2/devpulse/internal/store"
)

func TestWindowValue(t *testing.T) {
	t.Parallel()

	window := Window{
		Push: []store.DailyPushMetrics{
			{Day: "2026-03-09", Pushes: 3, Commits: 10, Additions: 100, Deletions: 20, Contributors: 4},
			{Day: "2026-03-10", Pushes: 1, Commits: 2, Additions: 5, Deletions: 1, Contributors: 2},
		},
		PR: []store.DailyPRMetrics{
			{Day: "2026-03-09", PRsOpened: 4, PRsMerged: 3, PRsClosed: 1, AvgMergeHours: 10, AvgFirstReviewHours: 2, FirstReviews: 1, IssuesOpened: 2},
			{Day: "2026-03-10", PRsOpened: 1, PRsMerged: 1, AvgMergeHours: 30, AvgFirstReviewHours: 6, FirstReviews: 3, IssuesClosed: 1},
		},
		Reviewers: []store.ReviewerMetrics{
			{Reviewer: "a", Reviews: 3},
			{Reviewer: "b", Reviews: 2},
		},
	}

	testCases := []struct {
		metric string
		want   float64
	}{
		{metric: MetricCommits, want: 12},
		{metric: MetricPushes, want: 4},
		{metric: MetricAdditions, want: 105},
		{metric: MetricDeletions, want: 21},
		{metric: MetricContributors, want: 4},
		{metric: MetricPRsOpened, want: 5},
		{metric: MetricPRsMerged, want: 4},
		{metric: MetricPRsClosed, want: 1},
		{metric: MetricMergeRate, want: 80},
		{metric: MetricAvgMergeHours, want: 15},      // (10*3 + 30*1) / 4
		{metric: MetricAvgFirstReviewHours, want: 5}, // (2*1 + 6*3) / 4
		{metric: MetricIssuesOpened, want: 2},
		{metric: MetricIssuesClosed, want: 1},
		{metric: MetricReviews, want: 5},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.metric, func(t *testing.T) {
			t.Parallel()

			got, err := window.Value(tc.metric)
			if err != nil {
				t.Fatalf("Value() unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("Value(%s) = %v, want %v", tc.metric, got, tc.want)
			}
		})
	}
}

func TestWindowValueEmptyAndUnknown(t *testing.T) {
	t.Parallel()

	var empty Window
	rate, err := empty.Value(MetricMergeRate)
	if err != nil {
		t.Fatalf("Value() unexpected error: %v", err)
	}
	if rate != 100 {
		t.Fatalf("empty merge rate = %v, want 100", rate)
	}
	hours, err := empty.Value(MetricAvgMergeHours)
	if err != nil || hours != 0 {
		t.Fatalf("empty avg merge hours = %v, %v", hours, err)
	}
	if _, err := empty.Value("stars"); !errors.Is(err, ErrInvalidRule) {
		t.Fatalf("Value(unknown) error = %v, want ErrInvalidRule", err)
	}
}
