// Package githubapi reads repository activity from the GitHub REST API.
package githubapi

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cam3ron2/devpulse/internal/store"
	"github.com/cam3ron2/devpulse/internal/telemetry"
	"github.com/google/go-github/v75/github"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultPageSize = 100
	defaultMaxPages = 50
)

// Client maps GitHub REST responses onto store rows.
type Client struct {
	gh       *github.Client
	pageSize int
	maxPages int
}

// NewClient wraps a go-github client.
func NewClient(gh *github.Client) *Client {
	return &Client{gh: gh, pageSize: defaultPageSize, maxPages: defaultMaxPages}
}

// GetRepository fetches repository metadata.
func (c *Client) GetRepository(ctx context.Context, owner, name string) (repo store.Repository, err error) {
	ctx, done := c.span(ctx, "githubapi.get_repository", owner+"/"+name)
	defer func() { done(err) }()

	got, _, err := c.gh.Repositories.Get(ctx, owner, name)
	if err != nil {
		return store.Repository{}, fmt.Errorf("get repository %s/%s: %w", owner, name, err)
	}
	return store.Repository{
		ID:            got.GetID(),
		Owner:         got.GetOwner().GetLogin(),
		Name:          got.GetName(),
		FullName:      got.GetFullName(),
		DefaultBranch: got.GetDefaultBranch(),
		UpdatedAt:     got.GetUpdatedAt().Time,
	}, nil
}

// ListCommits lists commits authored in [since, until). List responses carry no line stats.
func (c *Client) ListCommits(ctx context.Context, repo store.Repository, since, until time.Time) (commits []store.Commit, err error) {
	ctx, done := c.span(ctx, "githubapi.list_commits", repo.FullName)
	defer func() { done(err) }()

	opts := &github.CommitsListOptions{
		Since:       since,
		Until:       until,
		ListOptions: github.ListOptions{PerPage: c.pageSize},
	}
	for page := 0; page < c.maxPages; page++ {
		batch, resp, err := c.gh.Repositories.ListCommits(ctx, repo.Owner, repo.Name, opts)
		if err != nil {
			return nil, fmt.Errorf("list commits for %s: %w", repo.FullName, err)
		}
		for _, item := range batch {
			commits = append(commits, commitRow(repo.ID, item, false))
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return commits, nil
}

// GetCommit fetches one commit with its line stats.
func (c *Client) GetCommit(ctx context.Context, repo store.Repository, sha string) (commit store.Commit, err error) {
	ctx, done := c.span(ctx, "githubapi.get_commit", repo.FullName)
	defer func() { done(err) }()

	item, _, err := c.gh.Repositories.GetCommit(ctx, repo.Owner, repo.Name, sha, nil)
	if err != nil {
		return store.Commit{}, fmt.Errorf("get commit %s in %s: %w", sha, repo.FullName, err)
	}
	return commitRow(repo.ID, item, true), nil
}

// ListPullRequests lists pull requests updated at or after since, newest update first.
func (c *Client) ListPullRequests(ctx context.Context, repo store.Repository, since time.Time) (prs []store.PullRequest, err error) {
	ctx, done := c.span(ctx, "githubapi.list_pull_requests", repo.FullName)
	defer func() { done(err) }()

	opts := &github.PullRequestListOptions{
		State:       "all",
		Sort:        "updated",
		Direction:   "desc",
		ListOptions: github.ListOptions{PerPage: c.pageSize},
	}
	for page := 0; page < c.maxPages; page++ {
		batch, resp, err := c.gh.PullRequests.List(ctx, repo.Owner, repo.Name, opts)
		if err != nil {
			return nil, fmt.Errorf("list pull requests for %s: %w", repo.FullName, err)
		}
		for _, item := range batch {
			if item.GetUpdatedAt().Time.Before(since) {
				return prs, nil
			}
			prs = append(prs, store.PullRequest{
				RepoID:    repo.ID,
				Number:    item.GetNumber(),
				Author:    item.GetUser().GetLogin(),
				State:     pullState(item),
				OpenedAt:  item.GetCreatedAt().Time,
				MergedAt:  item.GetMergedAt().Time,
				ClosedAt:  item.GetClosedAt().Time,
				UpdatedAt: item.GetUpdatedAt().Time,
			})
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return prs, nil
}

// ListReviews lists submitted reviews of one pull request. Pending reviews are skipped.
func (c *Client) ListReviews(ctx context.Context, repo store.Repository, number int) (reviews []store.Review, err error) {
	ctx, done := c.span(ctx, "githubapi.list_reviews", repo.FullName)
	defer func() { done(err) }()

	opts := &github.ListOptions{PerPage: c.pageSize}
	for page := 0; page < c.maxPages; page++ {
		batch, resp, err := c.gh.PullRequests.ListReviews(ctx, repo.Owner, repo.Name, number, opts)
		if err != nil {
			return nil, fmt.Errorf("list reviews for %s#%d: %w", repo.FullName, number, err)
		}
		for _, item := range batch {
			if item.GetSubmittedAt().IsZero() || strings.EqualFold(item.GetState(), "PENDING") {
				continue
			}
			reviews = append(reviews, store.Review{
				ID:          item.GetID(),
				RepoID:      repo.ID,
				PRNumber:    number,
				Reviewer:    item.GetUser().GetLogin(),
				State:       strings.ToLower(item.GetState()),
				SubmittedAt: item.GetSubmittedAt().Time,
			})
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return reviews, nil
}

// ListIssues lists issues updated since, excluding pull requests.
func (c *Client) ListIssues(ctx context.Context, repo store.Repository, since time.Time) (issues []store.Issue, err error) {
	ctx, done := c.span(ctx, "githubapi.list_issues", repo.FullName)
	defer func() { done(err) }()

	opts := &github.IssueListByRepoOptions{
		State:       "all",
		Since:       since,
		ListOptions: github.ListOptions{PerPage: c.pageSize},
	}
	for page := 0; page < c.maxPages; page++ {
		batch, resp, err := c.gh.Issues.ListByRepo(ctx, repo.Owner, repo.Name, opts)
		if err != nil {
			return nil, fmt.Errorf("list issues for %s: %w", repo.FullName, err)
		}
		for _, item := range batch {
			if item.IsPullRequest() {
				continue
			}
			issues = append(issues, store.Issue{
				RepoID:   repo.ID,
				Number:   item.GetNumber(),
				OpenedAt: item.GetCreatedAt().Time,
				ClosedAt: item.GetClosedAt().Time,
			})
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return issues, nil
}

// TreeSnapshot counts the blobs of the recursive tree at ref.
func (c *Client) TreeSnapshot(ctx context.Context, repo store.Repository, ref string) (snapshot store.RepoSnapshot, err error) {
	ctx, done := c.span(ctx, "githubapi.tree_snapshot", repo.FullName)
	defer func() { done(err) }()

	if strings.TrimSpace(ref) == "" {
		ref = repo.DefaultBranch
	}
	if strings.TrimSpace(ref) == "" {
		ref = "HEAD"
	}
	tree, _, err := c.gh.Git.GetTree(ctx, repo.Owner, repo.Name, ref, true)
	if err != nil {
		return store.RepoSnapshot{}, fmt.Errorf("get tree %s@%s: %w", repo.FullName, ref, err)
	}
	snapshot = store.RepoSnapshot{RepoID: repo.ID, Ref: ref, TakenAt: time.Now().UTC()}
	for _, entry := range tree.Entries {
		if entry.GetType() != "blob" {
			continue
		}
		snapshot.FileCount++
		snapshot.TotalBytes += int64(entry.GetSize())
	}
	return snapshot, nil
}

func (c *Client) span(ctx context.Context, name, repo string) (context.Context, func(error)) {
	if !telemetry.ShouldTraceDependencies() {
		return ctx, func(error) {}
	}
	ctx, span := otel.Tracer("devpulse/githubapi").Start(ctx, name,
		trace.WithAttributes(attribute.String("github.repo", repo)),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

func commitRow(repoID int64, item *github.RepositoryCommit, withStats bool) store.Commit {
	commit := item.GetCommit()
	row := store.Commit{
		RepoID: repoID,
		SHA:    item.GetSHA(),
		Author: ResolveCommitActor(CommitIdentity{
			AuthorLogin:    item.GetAuthor().GetLogin(),
			CommitterLogin: item.GetCommitter().GetLogin(),
			AuthorName:     commit.GetAuthor().GetName(),
			AuthorEmail:    commit.GetAuthor().GetEmail(),
			CommitterName:  commit.GetCommitter().GetName(),
			CommitterEmail: commit.GetCommitter().GetEmail(),
		}),
		CommittedAt: commit.GetAuthor().GetDate().Time,
	}
	if row.CommittedAt.IsZero() {
		row.CommittedAt = commit.GetCommitter().GetDate().Time
	}
	if withStats {
		row.Additions = item.GetStats().GetAdditions()
		row.Deletions = item.GetStats().GetDeletions()
		row.FilesChanged = len(item.Files)
		row.StatsKnown = true
	}
	return row
}

func pullState(pr *github.PullRequest) string {
	switch {
	case !pr.GetMergedAt().IsZero():
		return "merged"
	case pr.GetState() == "closed":
		return "closed"
	default:
		return "open"
	}
}
