// Package analysis implements the queue handlers that turn GitHub activity into raw rows,
// recompute the affected daily aggregates and evaluate alerts on write.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cam3ron2/devpulse/internal/aggregate"
	"github.com/cam3ron2/devpulse/internal/alerting"
	"github.com/cam3ron2/devpulse/internal/queue"
	"github.com/cam3ron2/devpulse/internal/store"
	"go.uber.org/zap"
)

// ErrGitHubUnavailable is returned by handlers that need API access when no client is configured.
var ErrGitHubUnavailable = errors.New("github api client not configured")

// Store persists raw activity rows.
type Store interface {
	UpsertRepository(ctx context.Context, repo store.Repository) error
	GetRepository(ctx context.Context, id int64) (store.Repository, error)
	UpsertPush(ctx context.Context, push store.Push) error
	UpsertCommits(ctx context.Context, commits []store.Commit) error
	UpsertPullRequest(ctx context.Context, pr store.PullRequest) error
	UpsertReview(ctx context.Context, review store.Review) error
	UpsertIssue(ctx context.Context, issue store.Issue) error
	UpsertRepoSnapshot(ctx context.Context, snapshot store.RepoSnapshot) error
}

// GitHub reads repository activity from the API.
type GitHub interface {
	GetCommit(ctx context.Context, repo store.Repository, sha string) (store.Commit, error)
	ListCommits(ctx context.Context, repo store.Repository, since, until time.Time) ([]store.Commit, error)
	ListPullRequests(ctx context.Context, repo store.Repository, since time.Time) ([]store.PullRequest, error)
	ListReviews(ctx context.Context, repo store.Repository, number int) ([]store.Review, error)
	ListIssues(ctx context.Context, repo store.Repository, since time.Time) ([]store.Issue, error)
	TreeSnapshot(ctx context.Context, repo store.Repository, ref string) (store.RepoSnapshot, error)
}

// Recomputer rebuilds aggregate rows.
type Recomputer interface {
	RecomputeDays(ctx context.Context, repoID int64, days []time.Time, kind aggregate.Kind) error
}

// Evaluator runs alert rules of a repository.
type Evaluator interface {
	EvaluateRepo(ctx context.Context, repoID int64) (alerting.Summary, error)
}

// Enqueuer schedules follow-up jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, payload any) (queue.Envelope, error)
}

// Config controls handler behavior.
type Config struct {
	// AnalysisDays is the history a full repository analysis covers when the job does not say.
	AnalysisDays int
	// ScanBatch is the number of SHAs per pushScan job emitted by a full analysis.
	ScanBatch int
}

// Handlers holds the analysis queue handlers.
type Handlers struct {
	cfg      Config
	store    Store
	github   GitHub
	agg      Recomputer
	eval     Evaluator
	enqueuer Enqueuer
	logger   *zap.Logger
	now      func() time.Time
}

// New creates handlers. github, eval and enqueuer may be nil.
func New(cfg Config, st Store, gh GitHub, agg Recomputer, eval Evaluator, enqueuer Enqueuer, logger *zap.Logger) *Handlers {
	if cfg.AnalysisDays <= 0 {
		cfg.AnalysisDays = 30
	}
	if cfg.ScanBatch <= 0 {
		cfg.ScanBatch = 50
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		cfg:      cfg,
		store:    st,
		github:   gh,
		agg:      agg,
		eval:     eval,
		enqueuer: enqueuer,
		logger:   logger,
		now:      time.Now,
	}
}

// Registrar is implemented by *queue.Set.
type Registrar interface {
	Handle(name string, handler queue.Handler)
}

// Register installs every analysis handler.
func (h *Handlers) Register(set Registrar) {
	set.Handle(queue.QueuePushAnalysis, h.PushAnalysis)
	set.Handle(queue.QueuePushScan, h.PushScan)
	set.Handle(queue.QueuePullAnalysis, h.PullAnalysis)
	set.Handle(queue.QueueIssuesAnalysis, h.IssuesAnalysis)
	set.Handle(queue.QueueFullRepoAnalysis, h.FullRepoAnalysis)
	set.Handle(queue.QueueRepoFiles, h.RepoFiles)
}

// PushAnalysis records a push and the commits listed in its payload.
func (h *Handlers) PushAnalysis(ctx context.Context, env queue.Envelope) error {
	var job queue.PushJob
	if err := env.Decode(&job); err != nil {
		return queue.Permanent(err)
	}
	repo, err := h.ensureRepository(ctx, job.Repo)
	if err != nil {
		return err
	}

	if err := h.store.UpsertPush(ctx, store.Push{
		RepoID:      repo.ID,
		HeadSHA:     job.HeadSHA,
		Ref:         job.Ref,
		Pusher:      job.Pusher,
		CommitCount: len(job.Commits),
		PushedAt:    job.PushedAt,
	}); err != nil {
		return err
	}

	days := []time.Time{job.PushedAt}
	commits := make([]store.Commit, 0, len(job.Commits))
	for _, ref := range job.Commits {
		commits = append(commits, store.Commit{
			RepoID:      repo.ID,
			SHA:         ref.SHA,
			Author:      ref.Author,
			CommittedAt: ref.Timestamp,
		})
		days = append(days, ref.Timestamp)
	}
	if err := h.store.UpsertCommits(ctx, commits); err != nil {
		return err
	}
	return h.refresh(ctx, repo.ID, days, aggregate.KindPush)
}

// PushScan fetches line stats for the listed commits.
func (h *Handlers) PushScan(ctx context.Context, env queue.Envelope) error {
	var job queue.PushScanJob
	if err := env.Decode(&job); err != nil {
		return queue.Permanent(err)
	}
	if h.github == nil {
		return queue.Permanent(ErrGitHubUnavailable)
	}
	repo, err := h.ensureRepository(ctx, job.Repo)
	if err != nil {
		return err
	}

	commits := make([]store.Commit, 0, len(job.SHAs))
	days := make([]time.Time, 0, len(job.SHAs))
	for _, sha := range job.SHAs {
		commit, err := h.github.GetCommit(ctx, repo, sha)
		if err != nil {
			return err
		}
		commits = append(commits, commit)
		days = append(days, commit.CommittedAt)
	}
	if err := h.store.UpsertCommits(ctx, commits); err != nil {
		return err
	}
	return h.refresh(ctx, repo.ID, days, aggregate.KindPush)
}

// PullAnalysis records a pull request state change and an optional review.
func (h *Handlers) PullAnalysis(ctx context.Context, env queue.Envelope) error {
	var job queue.PullJob
	if err := env.Decode(&job); err != nil {
		return queue.Permanent(err)
	}
	repo, err := h.ensureRepository(ctx, job.Repo)
	if err != nil {
		return err
	}

	pr := store.PullRequest{
		RepoID:    repo.ID,
		Number:    job.Number,
		Author:    job.Author,
		State:     job.State,
		OpenedAt:  job.OpenedAt,
		MergedAt:  deref(job.MergedAt),
		ClosedAt:  deref(job.ClosedAt),
		UpdatedAt: job.UpdatedAt,
	}
	days := []time.Time{pr.OpenedAt, pr.MergedAt, pr.ClosedAt}
	if review := job.Review; review != nil && !review.SubmittedAt.IsZero() {
		if !strings.EqualFold(review.Reviewer, job.Author) {
			pr.FirstReviewAt = review.SubmittedAt
		}
		if err := h.store.UpsertReview(ctx, store.Review{
			ID:          review.ID,
			RepoID:      repo.ID,
			PRNumber:    job.Number,
			Reviewer:    review.Reviewer,
			State:       strings.ToLower(review.State),
			SubmittedAt: review.SubmittedAt,
		}); err != nil {
			return err
		}
		days = append(days, review.SubmittedAt)
	}
	if err := h.store.UpsertPullRequest(ctx, pr); err != nil {
		return err
	}
	return h.refresh(ctx, repo.ID, days, aggregate.KindPR)
}

// IssuesAnalysis records an issue state change.
func (h *Handlers) IssuesAnalysis(ctx context.Context, env queue.Envelope) error {
	var job queue.IssueJob
	if err := env.Decode(&job); err != nil {
		return queue.Permanent(err)
	}
	repo, err := h.ensureRepository(ctx, job.Repo)
	if err != nil {
		return err
	}
	issue := store.Issue{
		RepoID:   repo.ID,
		Number:   job.Number,
		OpenedAt: job.OpenedAt,
		ClosedAt: deref(job.ClosedAt),
	}
	if err := h.store.UpsertIssue(ctx, issue); err != nil {
		return err
	}
	return h.refresh(ctx, repo.ID, []time.Time{issue.OpenedAt, issue.ClosedAt}, aggregate.KindPR)
}

// FullRepoAnalysis pulls the recent history of a repository from the API.
// Commit line stats are fetched by follow-up pushScan jobs.
func (h *Handlers) FullRepoAnalysis(ctx context.Context, env queue.Envelope) error {
	var job queue.RepoJob
	if err := env.Decode(&job); err != nil {
		return queue.Permanent(err)
	}
	if h.github == nil {
		return queue.Permanent(ErrGitHubUnavailable)
	}
	repo, err := h.ensureRepository(ctx, job.Repo)
	if err != nil {
		return err
	}

	days := job.Days
	if days <= 0 {
		days = h.cfg.AnalysisDays
	}
	now := h.now().UTC()
	window := aggregate.LastDays(now, days)
	since := window[0]

	commits, err := h.github.ListCommits(ctx, repo, since, now)
	if err != nil {
		return err
	}
	if err := h.store.UpsertCommits(ctx, commits); err != nil {
		return err
	}

	prs, err := h.github.ListPullRequests(ctx, repo, since)
	if err != nil {
		return err
	}
	for _, pr := range prs {
		reviews, err := h.github.ListReviews(ctx, repo, pr.Number)
		if err != nil {
			return err
		}
		for _, review := range reviews {
			if err := h.store.UpsertReview(ctx, review); err != nil {
				return err
			}
			if strings.EqualFold(review.Reviewer, pr.Author) {
				continue
			}
			if pr.FirstReviewAt.IsZero() || review.SubmittedAt.Before(pr.FirstReviewAt) {
				pr.FirstReviewAt = review.SubmittedAt
			}
		}
		if err := h.store.UpsertPullRequest(ctx, pr); err != nil {
			return err
		}
	}

	issues, err := h.github.ListIssues(ctx, repo, since)
	if err != nil {
		return err
	}
	for _, issue := range issues {
		if err := h.store.UpsertIssue(ctx, issue); err != nil {
			return err
		}
	}

	h.enqueueScans(ctx, job.Repo, commits)

	h.logger.Info("full repository analysis completed",
		zap.String("repo", repo.FullName),
		zap.Int("days", days),
		zap.Int("commits", len(commits)),
		zap.Int("pull_requests", len(prs)),
		zap.Int("issues", len(issues)),
	)
	return h.refresh(ctx, repo.ID, window, aggregate.KindAll)
}

// RepoFiles stores a file-count snapshot of the repository tree.
func (h *Handlers) RepoFiles(ctx context.Context, env queue.Envelope) error {
	var job queue.RepoFilesJob
	if err := env.Decode(&job); err != nil {
		return queue.Permanent(err)
	}
	if h.github == nil {
		return queue.Permanent(ErrGitHubUnavailable)
	}
	repo, err := h.ensureRepository(ctx, job.Repo)
	if err != nil {
		return err
	}
	snapshot, err := h.github.TreeSnapshot(ctx, repo, job.Ref)
	if err != nil {
		return err
	}
	return h.store.UpsertRepoSnapshot(ctx, snapshot)
}

// enqueueScans is best effort: commits without stats still count toward push activity.
func (h *Handlers) enqueueScans(ctx context.Context, ref queue.RepoRef, commits []store.Commit) {
	if h.enqueuer == nil {
		return
	}
	shas := make([]string, 0, len(commits))
	for _, commit := range commits {
		if !commit.StatsKnown {
			shas = append(shas, commit.SHA)
		}
	}
	for start := 0; start < len(shas); start += h.cfg.ScanBatch {
		end := min(start+h.cfg.ScanBatch, len(shas))
		if _, err := h.enqueuer.Enqueue(ctx, queue.QueuePushScan, queue.PushScanJob{Repo: ref, SHAs: shas[start:end]}); err != nil {
			h.logger.Warn("enqueue push scan failed", zap.String("repo", ref.FullName()), zap.Error(err))
		}
	}
}

func (h *Handlers) ensureRepository(ctx context.Context, ref queue.RepoRef) (store.Repository, error) {
	existing, err := h.store.GetRepository(ctx, ref.ID)
	switch {
	case err == nil && existing.Owner == ref.Owner && existing.Name == ref.Name:
		return existing, nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return store.Repository{}, err
	}
	repo := store.Repository{
		ID:            ref.ID,
		Owner:         ref.Owner,
		Name:          ref.Name,
		FullName:      ref.FullName(),
		DefaultBranch: existing.DefaultBranch,
		UpdatedAt:     h.now().UTC(),
	}
	if err := h.store.UpsertRepository(ctx, repo); err != nil {
		return store.Repository{}, err
	}
	return repo, nil
}

// refresh recomputes every distinct UTC day touched, then evaluates the repo's alerts.
// Evaluation failures are logged; the activity is already persisted and the next
// scheduled aggregation re-evaluates.
func (h *Handlers) refresh(ctx context.Context, repoID int64, touched []time.Time, kind aggregate.Kind) error {
	days := distinctDays(touched)
	if len(days) == 0 {
		return nil
	}
	if err := h.agg.RecomputeDays(ctx, repoID, days, kind); err != nil {
		return fmt.Errorf("recompute repo %d: %w", repoID, err)
	}
	if h.eval == nil {
		return nil
	}
	summary, err := h.eval.EvaluateRepo(ctx, repoID)
	if err != nil {
		h.logger.Warn("on-write alert evaluation failed", zap.Int64("repo_id", repoID), zap.Error(err))
		return nil
	}
	if summary.Triggered > 0 || summary.Resolved > 0 {
		h.logger.Info("alerts changed state",
			zap.Int64("repo_id", repoID),
			zap.Int("triggered", summary.Triggered),
			zap.Int("resolved", summary.Resolved),
		)
	}
	return nil
}

func distinctDays(times []time.Time) []time.Time {
	seen := make(map[string]struct{}, len(times))
	days := make([]time.Time, 0, len(times))
	for _, t := range times {
		if t.IsZero() {
			continue
		}
		day := store.DayStart(t)
		key := store.DayKey(day)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		days = append(days, day)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
