package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertRepository inserts or refreshes repository identity fields.
func (s *SQLStore) UpsertRepository(ctx context.Context, repo Repository) error {
	if repo.ID <= 0 {
		return fmt.Errorf("repository id is required")
	}
	_, err := s.exec(ctx, `
		INSERT INTO repositories (id, owner, name, full_name, default_branch, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			owner = excluded.owner,
			name = excluded.name,
			full_name = excluded.full_name,
			default_branch = CASE WHEN excluded.default_branch <> '' THEN excluded.default_branch ELSE repositories.default_branch END,
			updated_at = excluded.updated_at`,
		repo.ID, repo.Owner, repo.Name, repo.FullName, repo.DefaultBranch, toNanos(repo.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert repository %d: %w", repo.ID, err)
	}
	return nil
}

// GetRepository returns one repository by id.
func (s *SQLStore) GetRepository(ctx context.Context, id int64) (Repository, error) {
	row := s.queryRow(ctx, `
		SELECT id, owner, name, full_name, default_branch, updated_at
		FROM repositories WHERE id = ?`, id)
	repo, err := scanRepository(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Repository{}, ErrNotFound
	}
	if err != nil {
		return Repository{}, fmt.Errorf("get repository %d: %w", id, err)
	}
	return repo, nil
}

// GetRepositoryByName returns one repository by its owner/name.
func (s *SQLStore) GetRepositoryByName(ctx context.Context, fullName string) (Repository, error) {
	row := s.queryRow(ctx, `
		SELECT id, owner, name, full_name, default_branch, updated_at
		FROM repositories WHERE full_name = ?`, fullName)
	repo, err := scanRepository(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Repository{}, ErrNotFound
	}
	if err != nil {
		return Repository{}, fmt.Errorf("get repository %s: %w", fullName, err)
	}
	return repo, nil
}

// ListRepositories returns every registered repository ordered by id.
func (s *SQLStore) ListRepositories(ctx context.Context) ([]Repository, error) {
	rows, err := s.query(ctx, `
		SELECT id, owner, name, full_name, default_branch, updated_at
		FROM repositories ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	defer rows.Close()

	var repos []Repository
	for rows.Next() {
		repo, err := scanRepository(rows)
		if err != nil {
			return nil, fmt.Errorf("scan repository: %w", err)
		}
		repos = append(repos, repo)
	}
	return repos, rows.Err()
}

// UpsertPush records one push keyed by (repo, head sha).
func (s *SQLStore) UpsertPush(ctx context.Context, push Push) error {
	_, err := s.exec(ctx, `
		INSERT INTO pushes (repo_id, head_sha, ref, pusher, commit_count, pushed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (repo_id, head_sha) DO UPDATE SET
			ref = excluded.ref,
			pusher = excluded.pusher,
			commit_count = excluded.commit_count,
			pushed_at = excluded.pushed_at`,
		push.RepoID, push.HeadSHA, push.Ref, push.Pusher, push.CommitCount, toNanos(push.PushedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert push %s: %w", push.HeadSHA, err)
	}
	return nil
}

// ListPushes returns pushes with pushedAt in [from, to).
func (s *SQLStore) ListPushes(ctx context.Context, repoID int64, from, to time.Time) ([]Push, error) {
	rows, err := s.query(ctx, `
		SELECT repo_id, head_sha, ref, pusher, commit_count, pushed_at
		FROM pushes WHERE repo_id = ? AND pushed_at >= ? AND pushed_at < ?
		ORDER BY pushed_at, head_sha`, repoID, toNanos(from), toNanos(to))
	if err != nil {
		return nil, fmt.Errorf("list pushes: %w", err)
	}
	defer rows.Close()

	var pushes []Push
	for rows.Next() {
		var (
			push     Push
			pushedAt int64
		)
		if err := rows.Scan(&push.RepoID, &push.HeadSHA, &push.Ref, &push.Pusher, &push.CommitCount, &pushedAt); err != nil {
			return nil, fmt.Errorf("scan push: %w", err)
		}
		push.PushedAt = fromNanos(pushedAt)
		pushes = append(pushes, push)
	}
	return pushes, rows.Err()
}

// UpsertCommits records commits keyed by (repo, sha). Line stats only overwrite when known.
func (s *SQLStore) UpsertCommits(ctx context.Context, commits []Commit) error {
	if len(commits) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, commit := range commits {
			_, err := s.txExec(ctx, tx, `
				INSERT INTO commits (repo_id, sha, author, committed_at, additions, deletions, files_changed, stats_known)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (repo_id, sha) DO UPDATE SET
					author = CASE WHEN excluded.author <> '' THEN excluded.author ELSE commits.author END,
					committed_at = CASE WHEN excluded.committed_at <> 0 THEN excluded.committed_at ELSE commits.committed_at END,
					additions = CASE WHEN excluded.stats_known = 1 THEN excluded.additions ELSE commits.additions END,
					deletions = CASE WHEN excluded.stats_known = 1 THEN excluded.deletions ELSE commits.deletions END,
					files_changed = CASE WHEN excluded.stats_known = 1 THEN excluded.files_changed ELSE commits.files_changed END,
					stats_known = CASE WHEN excluded.stats_known = 1 THEN 1 ELSE commits.stats_known END`,
				commit.RepoID, commit.SHA, commit.Author, toNanos(commit.CommittedAt),
				commit.Additions, commit.Deletions, commit.FilesChanged, boolInt(commit.StatsKnown),
			)
			if err != nil {
				return fmt.Errorf("upsert commit %s: %w", commit.SHA, err)
			}
		}
		return nil
	})
}

// ListCommits returns commits with committedAt in [from, to).
func (s *SQLStore) ListCommits(ctx context.Context, repoID int64, from, to time.Time) ([]Commit, error) {
	rows, err := s.query(ctx, `
		SELECT repo_id, sha, author, committed_at, additions, deletions, files_changed, stats_known
		FROM commits WHERE repo_id = ? AND committed_at >= ? AND committed_at < ?
		ORDER BY committed_at, sha`, repoID, toNanos(from), toNanos(to))
	if err != nil {
		return nil, fmt.Errorf("list commits: %w", err)
	}
	defer rows.Close()

	var commits []Commit
	for rows.Next() {
		var (
			commit      Commit
			committedAt int64
			statsKnown  int64
		)
		if err := rows.Scan(
			&commit.RepoID, &commit.SHA, &commit.Author, &committedAt,
			&commit.Additions, &commit.Deletions, &commit.FilesChanged, &statsKnown,
		); err != nil {
			return nil, fmt.Errorf("scan commit: %w", err)
		}
		commit.CommittedAt = fromNanos(committedAt)
		commit.StatsKnown = statsKnown != 0
		commits = append(commits, commit)
	}
	return commits, rows.Err()
}

// UpsertPullRequest merges a pull request observation into its stored row.
// Opened and first-review times keep the earliest value; merge and close times keep any known value.
func (s *SQLStore) UpsertPullRequest(ctx context.Context, pr PullRequest) error {
	_, err := s.exec(ctx, `
		INSERT INTO pull_requests (repo_id, number, author, state, opened_at, merged_at, closed_at, first_review_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (repo_id, number) DO UPDATE SET
			author = CASE WHEN excluded.author <> '' THEN excluded.author ELSE pull_requests.author END,
			state = CASE WHEN excluded.updated_at >= pull_requests.updated_at AND excluded.state <> '' THEN excluded.state ELSE pull_requests.state END,
			opened_at = CASE
				WHEN pull_requests.opened_at = 0 THEN excluded.opened_at
				WHEN excluded.opened_at <> 0 AND excluded.opened_at < pull_requests.opened_at THEN excluded.opened_at
				ELSE pull_requests.opened_at END,
			merged_at = CASE WHEN excluded.merged_at <> 0 THEN excluded.merged_at ELSE pull_requests.merged_at END,
			closed_at = CASE WHEN excluded.closed_at <> 0 THEN excluded.closed_at ELSE pull_requests.closed_at END,
			first_review_at = CASE
				WHEN pull_requests.first_review_at = 0 THEN excluded.first_review_at
				WHEN excluded.first_review_at <> 0 AND excluded.first_review_at < pull_requests.first_review_at THEN excluded.first_review_at
				ELSE pull_requests.first_review_at END,
			updated_at = CASE WHEN excluded.updated_at > pull_requests.updated_at THEN excluded.updated_at ELSE pull_requests.updated_at END`,
		pr.RepoID, pr.Number, pr.Author, pr.State,
		toNanos(pr.OpenedAt), toNanos(pr.MergedAt), toNanos(pr.ClosedAt), toNanos(pr.FirstReviewAt), toNanos(pr.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert pull request %d#%d: %w", pr.RepoID, pr.Number, err)
	}
	return nil
}

// GetPullRequest returns one pull request.
func (s *SQLStore) GetPullRequest(ctx context.Context, repoID int64, number int) (PullRequest, error) {
	row := s.queryRow(ctx, `
		SELECT repo_id, number, author, state, opened_at, merged_at, closed_at, first_review_at, updated_at
		FROM pull_requests WHERE repo_id = ? AND number = ?`, repoID, number)
	pr, err := scanPullRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PullRequest{}, ErrNotFound
	}
	if err != nil {
		return PullRequest{}, fmt.Errorf("get pull request %d#%d: %w", repoID, number, err)
	}
	return pr, nil
}

// ListPullRequestsActive returns pull requests opened, merged, closed or first reviewed in [from, to).
func (s *SQLStore) ListPullRequestsActive(ctx context.Context, repoID int64, from, to time.Time) ([]PullRequest, error) {
	start, end := toNanos(from), toNanos(to)
	rows, err := s.query(ctx, `
		SELECT repo_id, number, author, state, opened_at, merged_at, closed_at, first_review_at, updated_at
		FROM pull_requests
		WHERE repo_id = ? AND (
			(opened_at >= ? AND opened_at < ?) OR
			(merged_at >= ? AND merged_at < ?) OR
			(closed_at >= ? AND closed_at < ?) OR
			(first_review_at >= ? AND first_review_at < ?)
		)
		ORDER BY number`,
		repoID, start, end, start, end, start, end, start, end)
	if err != nil {
		return nil, fmt.Errorf("list pull requests: %w", err)
	}
	defer rows.Close()

	var prs []PullRequest
	for rows.Next() {
		pr, err := scanPullRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pull request: %w", err)
		}
		prs = append(prs, pr)
	}
	return prs, rows.Err()
}

// UpsertReview records one review keyed by its provider id.
func (s *SQLStore) UpsertReview(ctx context.Context, review Review) error {
	_, err := s.exec(ctx, `
		INSERT INTO reviews (id, repo_id, pr_number, reviewer, state, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			reviewer = excluded.reviewer,
			state = excluded.state,
			submitted_at = excluded.submitted_at`,
		review.ID, review.RepoID, review.PRNumber, review.Reviewer, review.State, toNanos(review.SubmittedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert review %d: %w", review.ID, err)
	}
	return nil
}

// ListReviews returns reviews submitted in [from, to).
func (s *SQLStore) ListReviews(ctx context.Context, repoID int64, from, to time.Time) ([]Review, error) {
	rows, err := s.query(ctx, `
		SELECT id, repo_id, pr_number, reviewer, state, submitted_at
		FROM reviews WHERE repo_id = ? AND submitted_at >= ? AND submitted_at < ?
		ORDER BY submitted_at, id`, repoID, toNanos(from), toNanos(to))
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	defer rows.Close()

	var reviews []Review
	for rows.Next() {
		var (
			review      Review
			submittedAt int64
		)
		if err := rows.Scan(&review.ID, &review.RepoID, &review.PRNumber, &review.Reviewer, &review.State, &submittedAt); err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		review.SubmittedAt = fromNanos(submittedAt)
		reviews = append(reviews, review)
	}
	return reviews, rows.Err()
}

// UpsertIssue merges an issue observation into its stored row.
func (s *SQLStore) UpsertIssue(ctx context.Context, issue Issue) error {
	_, err := s.exec(ctx, `
		INSERT INTO issues (repo_id, number, opened_at, closed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (repo_id, number) DO UPDATE SET
			opened_at = CASE
				WHEN issues.opened_at = 0 THEN excluded.opened_at
				WHEN excluded.opened_at <> 0 AND excluded.opened_at < issues.opened_at THEN excluded.opened_at
				ELSE issues.opened_at END,
			closed_at = CASE WHEN excluded.closed_at <> 0 THEN excluded.closed_at ELSE issues.closed_at END`,
		issue.RepoID, issue.Number, toNanos(issue.OpenedAt), toNanos(issue.ClosedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert issue %d#%d: %w", issue.RepoID, issue.Number, err)
	}
	return nil
}

// ListIssuesActive returns issues opened or closed in [from, to).
func (s *SQLStore) ListIssuesActive(ctx context.Context, repoID int64, from, to time.Time) ([]Issue, error) {
	start, end := toNanos(from), toNanos(to)
	rows, err := s.query(ctx, `
		SELECT repo_id, number, opened_at, closed_at
		FROM issues
		WHERE repo_id = ? AND ((opened_at >= ? AND opened_at < ?) OR (closed_at >= ? AND closed_at < ?))
		ORDER BY number`, repoID, start, end, start, end)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	defer rows.Close()

	var issues []Issue
	for rows.Next() {
		var (
			issue            Issue
			openedAt, closed int64
		)
		if err := rows.Scan(&issue.RepoID, &issue.Number, &openedAt, &closed); err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		issue.OpenedAt = fromNanos(openedAt)
		issue.ClosedAt = fromNanos(closed)
		issues = append(issues, issue)
	}
	return issues, rows.Err()
}

// UpsertDailyPush replaces the push-activity row for (repo, day).
func (s *SQLStore) UpsertDailyPush(ctx context.Context, metrics DailyPushMetrics) error {
	_, err := s.exec(ctx, `
		INSERT INTO daily_push_metrics (repo_id, day, pushes, commits, additions, deletions, contributors)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (repo_id, day) DO UPDATE SET
			pushes = excluded.pushes,
			commits = excluded.commits,
			additions = excluded.additions,
			deletions = excluded.deletions,
			contributors = excluded.contributors`,
		metrics.RepoID, metrics.Day, metrics.Pushes, metrics.Commits, metrics.Additions, metrics.Deletions, metrics.Contributors,
	)
	if err != nil {
		return fmt.Errorf("upsert daily push metrics %d/%s: %w", metrics.RepoID, metrics.Day, err)
	}
	return nil
}

// UpsertDailyPR replaces the PR-velocity row for (repo, day).
func (s *SQLStore) UpsertDailyPR(ctx context.Context, metrics DailyPRMetrics) error {
	_, err := s.exec(ctx, `
		INSERT INTO daily_pr_metrics (repo_id, day, prs_opened, prs_merged, prs_closed, avg_merge_hours, avg_first_review_hours, first_reviews, issues_opened, issues_closed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (repo_id, day) DO UPDATE SET
			prs_opened = excluded.prs_opened,
			prs_merged = excluded.prs_merged,
			prs_closed = excluded.prs_closed,
			avg_merge_hours = excluded.avg_merge_hours,
			avg_first_review_hours = excluded.avg_first_review_hours,
			first_reviews = excluded.first_reviews,
			issues_opened = excluded.issues_opened,
			issues_closed = excluded.issues_closed`,
		metrics.RepoID, metrics.Day, metrics.PRsOpened, metrics.PRsMerged, metrics.PRsClosed,
		metrics.AvgMergeHours, metrics.AvgFirstReviewHours, metrics.FirstReviews, metrics.IssuesOpened, metrics.IssuesClosed,
	)
	if err != nil {
		return fmt.Errorf("upsert daily pr metrics %d/%s: %w", metrics.RepoID, metrics.Day, err)
	}
	return nil
}

// ReplaceReviewerMetrics swaps the reviewer rows of (repo, day) for rows.
func (s *SQLStore) ReplaceReviewerMetrics(ctx context.Context, repoID int64, day string, rows []ReviewerMetrics) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.txExec(ctx, tx, `DELETE FROM daily_reviewer_metrics WHERE repo_id = ? AND day = ?`, repoID, day); err != nil {
			return fmt.Errorf("clear reviewer metrics %d/%s: %w", repoID, day, err)
		}
		for _, row := range rows {
			_, err := s.txExec(ctx, tx, `
				INSERT INTO daily_reviewer_metrics (repo_id, day, reviewer, reviews, approvals, changes_requested, avg_response_hours)
				VALUES (?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (repo_id, day, reviewer) DO UPDATE SET
					reviews = excluded.reviews,
					approvals = excluded.approvals,
					changes_requested = excluded.changes_requested,
					avg_response_hours = excluded.avg_response_hours`,
				repoID, day, row.Reviewer, row.Reviews, row.Approvals, row.ChangesRequested, row.AvgResponseHours,
			)
			if err != nil {
				return fmt.Errorf("upsert reviewer metrics %d/%s/%s: %w", repoID, day, row.Reviewer, err)
			}
		}
		return nil
	})
}

// ListDailyPush returns push-activity rows with fromDay <= day <= toDay.
func (s *SQLStore) ListDailyPush(ctx context.Context, repoID int64, fromDay, toDay string) ([]DailyPushMetrics, error) {
	rows, err := s.query(ctx, `
		SELECT repo_id, day, pushes, commits, additions, deletions, contributors
		FROM daily_push_metrics WHERE repo_id = ? AND day >= ? AND day <= ?
		ORDER BY day`, repoID, fromDay, toDay)
	if err != nil {
		return nil, fmt.Errorf("list daily push metrics: %w", err)
	}
	defer rows.Close()

	var out []DailyPushMetrics
	for rows.Next() {
		var m DailyPushMetrics
		if err := rows.Scan(&m.RepoID, &m.Day, &m.Pushes, &m.Commits, &m.Additions, &m.Deletions, &m.Contributors); err != nil {
			return nil, fmt.Errorf("scan daily push metrics: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListDailyPR returns PR-velocity rows with fromDay <= day <= toDay.
func (s *SQLStore) ListDailyPR(ctx context.Context, repoID int64, fromDay, toDay string) ([]DailyPRMetrics, error) {
	rows, err := s.query(ctx, `
		SELECT repo_id, day, prs_opened, prs_merged, prs_closed, avg_merge_hours, avg_first_review_hours, first_reviews, issues_opened, issues_closed
		FROM daily_pr_metrics WHERE repo_id = ? AND day >= ? AND day <= ?
		ORDER BY day`, repoID, fromDay, toDay)
	if err != nil {
		return nil, fmt.Errorf("list daily pr metrics: %w", err)
	}
	defer rows.Close()

	var out []DailyPRMetrics
	for rows.Next() {
		var m DailyPRMetrics
		if err := rows.Scan(
			&m.RepoID, &m.Day, &m.PRsOpened, &m.PRsMerged, &m.PRsClosed,
			&m.AvgMergeHours, &m.AvgFirstReviewHours, &m.FirstReviews, &m.IssuesOpened, &m.IssuesClosed,
		); err != nil {
			return nil, fmt.Errorf("scan daily pr metrics: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListReviewerMetrics returns reviewer rows with fromDay <= day <= toDay.
func (s *SQLStore) ListReviewerMetrics(ctx context.Context, repoID int64, fromDay, toDay string) ([]ReviewerMetrics, error) {
	rows, err := s.query(ctx, `
		SELECT repo_id, day, reviewer, reviews, approvals, changes_requested, avg_response_hours
		FROM daily_reviewer_metrics WHERE repo_id = ? AND day >= ? AND day <= ?
		ORDER BY day, reviewer`, repoID, fromDay, toDay)
	if err != nil {
		return nil, fmt.Errorf("list reviewer metrics: %w", err)
	}
	defer rows.Close()

	var out []ReviewerMetrics
	for rows.Next() {
		var m ReviewerMetrics
		if err := rows.Scan(&m.RepoID, &m.Day, &m.Reviewer, &m.Reviews, &m.Approvals, &m.ChangesRequested, &m.AvgResponseHours); err != nil {
			return nil, fmt.Errorf("scan reviewer metrics: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpsertRepoSnapshot records the latest tree snapshot of (repo, ref).
func (s *SQLStore) UpsertRepoSnapshot(ctx context.Context, snapshot RepoSnapshot) error {
	_, err := s.exec(ctx, `
		INSERT INTO repo_snapshots (repo_id, ref, file_count, total_bytes, taken_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (repo_id, ref) DO UPDATE SET
			file_count = excluded.file_count,
			total_bytes = excluded.total_bytes,
			taken_at = excluded.taken_at`,
		snapshot.RepoID, snapshot.Ref, snapshot.FileCount, snapshot.TotalBytes, toNanos(snapshot.TakenAt),
	)
	if err != nil {
		return fmt.Errorf("upsert repo snapshot %d@%s: %w", snapshot.RepoID, snapshot.Ref, err)
	}
	return nil
}

// GetRepoSnapshot returns the snapshot of (repo, ref).
func (s *SQLStore) GetRepoSnapshot(ctx context.Context, repoID int64, ref string) (RepoSnapshot, error) {
	var (
		snapshot RepoSnapshot
		takenAt  int64
	)
	err := s.queryRow(ctx, `
		SELECT repo_id, ref, file_count, total_bytes, taken_at
		FROM repo_snapshots WHERE repo_id = ? AND ref = ?`, repoID, ref,
	).Scan(&snapshot.RepoID, &snapshot.Ref, &snapshot.FileCount, &snapshot.TotalBytes, &takenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return RepoSnapshot{}, ErrNotFound
	}
	if err != nil {
		return RepoSnapshot{}, fmt.Errorf("get repo snapshot %d@%s: %w", repoID, ref, err)
	}
	snapshot.TakenAt = fromNanos(takenAt)
	return snapshot, nil
}

func scanRepository(row rowScanner) (Repository, error) {
	var (
		repo      Repository
		updatedAt int64
	)
	if err := row.Scan(&repo.ID, &repo.Owner, &repo.Name, &repo.FullName, &repo.DefaultBranch, &updatedAt); err != nil {
		return Repository{}, err
	}
	repo.UpdatedAt = fromNanos(updatedAt)
	return repo, nil
}

func scanPullRequest(row rowScanner) (PullRequest, error) {
	var (
		pr                                                   PullRequest
		openedAt, mergedAt, closedAt, firstReview, updatedAt int64
	)
	if err := row.Scan(
		&pr.RepoID, &pr.Number, &pr.Author, &pr.State,
		&openedAt, &mergedAt, &closedAt, &firstReview, &updatedAt,
	); err != nil {
		return PullRequest{}, err
	}
	pr.OpenedAt = fromNanos(openedAt)
	pr.MergedAt = fromNanos(mergedAt)
	pr.ClosedAt = fromNanos(closedAt)
	pr.FirstReviewAt = fromNanos(firstReview)
	pr.UpdatedAt = fromNanos(updatedAt)
	return pr, nil
}
