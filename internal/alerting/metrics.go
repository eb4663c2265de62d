package alerting

import (
	"fmt"

	"github.com/cam3ron2/devpulse/internal/store"
)

// Metric names a rule can evaluate.
const (
	MetricCommits             = "commits"
	MetricPushes              = "pushes"
	MetricAdditions           = "additions"
	MetricDeletions           = "deletions"
	MetricContributors        = "contributors"
	MetricPRsOpened           = "prs_opened"
	MetricPRsMerged           = "prs_merged"
	MetricPRsClosed           = "prs_closed"
	MetricMergeRate           = "merge_rate"
	MetricAvgMergeHours       = "avg_merge_hours"
	MetricAvgFirstReviewHours = "avg_first_review_hours"
	MetricIssuesOpened        = "issues_opened"
	MetricIssuesClosed        = "issues_closed"
	MetricReviews             = "reviews"
)

// Metrics lists every evaluable metric.
var Metrics = []string{
	MetricCommits,
	MetricPushes,
	MetricAdditions,
	MetricDeletions,
	MetricContributors,
	MetricPRsOpened,
	MetricPRsMerged,
	MetricPRsClosed,
	MetricMergeRate,
	MetricAvgMergeHours,
	MetricAvgFirstReviewHours,
	MetricIssuesOpened,
	MetricIssuesClosed,
	MetricReviews,
}

// Window holds the daily rows of one repo over the evaluation window.
type Window struct {
	Push      []store.DailyPushMetrics
	PR        []store.DailyPRMetrics
	Reviewers []store.ReviewerMetrics
}

// Value reduces the window to the named metric.
func (w Window) Value(metric string) (float64, error) {
	switch metric {
	case MetricCommits:
		return sumPush(w.Push, func(m store.DailyPushMetrics) int { return m.Commits }), nil
	case MetricPushes:
		return sumPush(w.Push, func(m store.DailyPushMetrics) int { return m.Pushes }), nil
	case MetricAdditions:
		return sumPush(w.Push, func(m store.DailyPushMetrics) int { return m.Additions }), nil
	case MetricDeletions:
		return sumPush(w.Push, func(m store.DailyPushMetrics) int { return m.Deletions }), nil
	case MetricContributors:
		peak := 0
		for _, m := range w.Push {
			peak = max(peak, m.Contributors)
		}
		return float64(peak), nil
	case MetricPRsOpened:
		return sumPR(w.PR, func(m store.DailyPRMetrics) int { return m.PRsOpened }), nil
	case MetricPRsMerged:
		return sumPR(w.PR, func(m store.DailyPRMetrics) int { return m.PRsMerged }), nil
	case MetricPRsClosed:
		return sumPR(w.PR, func(m store.DailyPRMetrics) int { return m.PRsClosed }), nil
	case MetricIssuesOpened:
		return sumPR(w.PR, func(m store.DailyPRMetrics) int { return m.IssuesOpened }), nil
	case MetricIssuesClosed:
		return sumPR(w.PR, func(m store.DailyPRMetrics) int { return m.IssuesClosed }), nil
	case MetricMergeRate:
		merged := sumPR(w.PR, func(m store.DailyPRMetrics) int { return m.PRsMerged })
		closed := sumPR(w.PR, func(m store.DailyPRMetrics) int { return m.PRsClosed })
		if merged+closed == 0 {
			return 100, nil
		}
		return merged / (merged + closed) * 100, nil
	case MetricAvgMergeHours:
		return weighted(w.PR, func(m store.DailyPRMetrics) (float64, int) { return m.AvgMergeHours, m.PRsMerged }), nil
	case MetricAvgFirstReviewHours:
		return weighted(w.PR, func(m store.DailyPRMetrics) (float64, int) { return m.AvgFirstReviewHours, m.FirstReviews }), nil
	case MetricReviews:
		total := 0
		for _, m := range w.Reviewers {
			total += m.Reviews
		}
		return float64(total), nil
	default:
		return 0, fmt.Errorf("%w: unknown metric %q", ErrInvalidRule, metric)
	}
}

func sumPush(rows []store.DailyPushMetrics, field func(store.DailyPushMetrics) int) float64 {
	total := 0
	for _, m := range rows {
		total += field(m)
	}
	return float64(total)
}

func sumPR(rows []store.DailyPRMetrics, field func(store.DailyPRMetrics) int) float64 {
	total := 0
	for _, m := range rows {
		total += field(m)
	}
	return float64(total)
}

func weighted(rows []store.DailyPRMetrics, field func(store.DailyPRMetrics) (float64, int)) float64 {
	var sum float64
	weight := 0
	for _, m := range rows {
		value, n := field(m)
		if n <= 0 {
			continue
		}
		sum += value * float64(n)
		weight += n
	}
	if weight == 0 {
		return 0
	}
	return roundTo2(sum / float64(weight))
}

func roundTo2(value float64) float64 {
	return float64(int64(value*100+0.5)) / 100
}
