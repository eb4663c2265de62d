package webhook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cam3ron2/devpulse/internal/githubapi"
	"github.com/cam3ron2/devpulse/internal/queue"
	"github.com/google/go-github/v75/github"
	"go.uber.org/zap"
)

// ErrMissingRepository is returned for deliveries that carry no usable repository.
var ErrMissingRepository = errors.New("webhook payload has no repository")

const zeroSHA = "0000000000000000000000000000000000000000"

// Job is one follow-up queue job derived from a delivery.
type Job struct {
	Queue   string
	Payload any
}

// Enqueuer schedules follow-up jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, payload any) (queue.Envelope, error)
}

// Registrar is implemented by *queue.Set.
type Registrar interface {
	Handle(name string, handler queue.Handler)
}

// Fanout is the webhook queue handler.
type Fanout struct {
	enqueuer  Enqueuer
	scanBatch int
	logger    *zap.Logger
	now       func() time.Time
}

// NewFanout creates the handler. scanBatch bounds SHAs per pushScan job.
func NewFanout(enqueuer Enqueuer, scanBatch int, logger *zap.Logger) *Fanout {
	if scanBatch <= 0 {
		scanBatch = 50
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fanout{enqueuer: enqueuer, scanBatch: scanBatch, logger: logger, now: time.Now}
}

// Register installs the webhook handler.
func (f *Fanout) Register(set Registrar) {
	set.Handle(queue.QueueWebhook, f.Handle)
}

// Handle translates one delivery and enqueues its follow-up jobs.
// A retried delivery may enqueue some jobs twice; every downstream handler upserts.
func (f *Fanout) Handle(ctx context.Context, env queue.Envelope) error {
	var delivery queue.WebhookJob
	if err := env.Decode(&delivery); err != nil {
		return queue.Permanent(err)
	}
	jobs, err := f.Translate(delivery.Event, delivery.Body)
	if err != nil {
		return queue.Permanent(fmt.Errorf("translate %s delivery %s: %w", delivery.Event, delivery.DeliveryID, err))
	}
	if len(jobs) == 0 {
		f.logger.Debug("webhook delivery ignored", zap.String("event", delivery.Event), zap.String("delivery_id", delivery.DeliveryID))
		return nil
	}
	for _, job := range jobs {
		if _, err := f.enqueuer.Enqueue(ctx, job.Queue, job.Payload); err != nil {
			if errors.Is(err, queue.ErrInvalidPayload) {
				return queue.Permanent(err)
			}
			return err
		}
	}
	f.logger.Debug("webhook delivery fanned out",
		zap.String("event", delivery.Event),
		zap.String("delivery_id", delivery.DeliveryID),
		zap.Int("jobs", len(jobs)),
	)
	return nil
}

// Translate maps a delivery onto analysis jobs. Events without analysis value yield no jobs.
func (f *Fanout) Translate(event string, body []byte) ([]Job, error) {
	switch event {
	case "push", "pull_request", "pull_request_review", "issues", "installation", "installation_repositories", "repository":
	default:
		return nil, nil
	}
	parsed, err := github.ParseWebHook(event, body)
	if err != nil {
		return nil, err
	}

	switch e := parsed.(type) {
	case *github.PushEvent:
		return f.pushJobs(e)
	case *github.PullRequestEvent:
		return pullJobs(e.GetRepo(), e.GetPullRequest(), nil)
	case *github.PullRequestReviewEvent:
		if e.GetAction() != "submitted" {
			return pullJobs(e.GetRepo(), e.GetPullRequest(), nil)
		}
		return pullJobs(e.GetRepo(), e.GetPullRequest(), e.GetReview())
	case *github.IssuesEvent:
		return issueJobs(e.GetRepo(), e.GetIssue())
	case *github.InstallationEvent:
		if e.GetAction() != "created" {
			return nil, nil
		}
		return onboardJobs(e.Repositories)
	case *github.InstallationRepositoriesEvent:
		return onboardJobs(e.RepositoriesAdded)
	case *github.RepositoryEvent:
		if e.GetAction() != "created" {
			return nil, nil
		}
		return onboardJobs([]*github.Repository{e.GetRepo()})
	}
	return nil, nil
}

func (f *Fanout) pushJobs(e *github.PushEvent) ([]Job, error) {
	if e.GetDeleted() || e.GetAfter() == zeroSHA {
		return nil, nil
	}
	pushRepo := e.GetRepo()
	owner := pushRepo.GetOwner().GetLogin()
	if owner == "" {
		owner = pushRepo.GetOwner().GetName()
	}
	ref := queue.RepoRef{ID: pushRepo.GetID(), Owner: owner, Name: pushRepo.GetName()}
	if ref.Owner == "" || ref.Name == "" {
		ref.Owner, ref.Name, _ = strings.Cut(pushRepo.GetFullName(), "/")
	}
	if ref.ID <= 0 || ref.Owner == "" || ref.Name == "" {
		return nil, ErrMissingRepository
	}

	headSHA := e.GetAfter()
	if headSHA == "" {
		headSHA = e.GetHeadCommit().GetID()
	}
	if headSHA == "" {
		return nil, nil
	}

	pushedAt := pushRepo.GetPushedAt().Time
	if pushedAt.IsZero() {
		pushedAt = e.GetHeadCommit().GetTimestamp().Time
	}
	if pushedAt.IsZero() {
		pushedAt = f.now()
	}
	pusher := e.GetSender().GetLogin()
	if pusher == "" {
		pusher = e.GetPusher().GetName()
	}

	push := queue.PushJob{
		Repo:     ref,
		HeadSHA:  headSHA,
		Ref:      e.GetRef(),
		Pusher:   pusher,
		PushedAt: pushedAt.UTC(),
		Commits:  make([]queue.CommitRef, 0, len(e.Commits)),
	}
	shas := make([]string, 0, len(e.Commits))
	for _, commit := range e.Commits {
		sha := commit.GetID()
		if sha == "" {
			sha = commit.GetSHA()
		}
		if sha == "" {
			continue
		}
		timestamp := commit.GetTimestamp().Time
		if timestamp.IsZero() {
			timestamp = pushedAt
		}
		push.Commits = append(push.Commits, queue.CommitRef{
			SHA: sha,
			Author: githubapi.ResolveCommitActor(githubapi.CommitIdentity{
				AuthorLogin:    commit.GetAuthor().GetLogin(),
				CommitterLogin: commit.GetCommitter().GetLogin(),
				AuthorName:     commit.GetAuthor().GetName(),
				AuthorEmail:    commit.GetAuthor().GetEmail(),
				CommitterName:  commit.GetCommitter().GetName(),
				CommitterEmail: commit.GetCommitter().GetEmail(),
			}),
			Timestamp: timestamp.UTC(),
		})
		shas = append(shas, sha)
	}

	jobs := []Job{{Queue: queue.QueuePushAnalysis, Payload: push}}
	for start := 0; start < len(shas); start += f.scanBatch {
		end := min(start+f.scanBatch, len(shas))
		jobs = append(jobs, Job{Queue: queue.QueuePushScan, Payload: queue.PushScanJob{Repo: ref, SHAs: shas[start:end]}})
	}
	return jobs, nil
}

func pullJobs(repo *github.Repository, pr *github.PullRequest, review *github.PullRequestReview) ([]Job, error) {
	if pr == nil || pr.GetNumber() <= 0 {
		return nil, nil
	}
	ref, err := repoRef(repo)
	if err != nil {
		return nil, err
	}
	state := pr.GetState()
	if pr.GetMerged() || !pr.GetMergedAt().IsZero() {
		state = "merged"
	}
	job := queue.PullJob{
		Repo:      ref,
		Number:    pr.GetNumber(),
		Author:    pr.GetUser().GetLogin(),
		State:     state,
		OpenedAt:  pr.GetCreatedAt().UTC(),
		MergedAt:  timePtr(pr.GetMergedAt()),
		ClosedAt:  timePtr(pr.GetClosedAt()),
		UpdatedAt: pr.GetUpdatedAt().UTC(),
	}
	if review != nil && !review.GetSubmittedAt().IsZero() && !strings.EqualFold(review.GetState(), "pending") {
		job.Review = &queue.ReviewRef{
			ID:          review.GetID(),
			Reviewer:    review.GetUser().GetLogin(),
			State:       strings.ToLower(review.GetState()),
			SubmittedAt: review.GetSubmittedAt().UTC(),
		}
	}
	return []Job{{Queue: queue.QueuePullAnalysis, Payload: job}}, nil
}

func issueJobs(repo *github.Repository, issue *github.Issue) ([]Job, error) {
	if issue == nil || issue.IsPullRequest() || issue.GetNumber() <= 0 {
		return nil, nil
	}
	ref, err := repoRef(repo)
	if err != nil {
		return nil, err
	}
	return []Job{{Queue: queue.QueueIssuesAnalysis, Payload: queue.IssueJob{
		Repo:     ref,
		Number:   issue.GetNumber(),
		OpenedAt: issue.GetCreatedAt().UTC(),
		ClosedAt: timePtr(issue.GetClosedAt()),
	}}}, nil
}

func onboardJobs(repos []*github.Repository) ([]Job, error) {
	jobs := make([]Job, 0, 2*len(repos))
	for _, repo := range repos {
		ref, err := repoRef(repo)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs,
			Job{Queue: queue.QueueFullRepoAnalysis, Payload: queue.RepoJob{Repo: ref}},
			Job{Queue: queue.QueueRepoFiles, Payload: queue.RepoFilesJob{Repo: ref, Ref: repo.GetDefaultBranch()}},
		)
	}
	return jobs, nil
}

// repoRef falls back to full_name because installation payloads omit the owner object.
func repoRef(repo *github.Repository) (queue.RepoRef, error) {
	ref := queue.RepoRef{ID: repo.GetID(), Owner: repo.GetOwner().GetLogin(), Name: repo.GetName()}
	if ref.Owner == "" {
		ref.Owner, _, _ = strings.Cut(repo.GetFullName(), "/")
	}
	if ref.ID <= 0 || ref.Owner == "" || ref.Name == "" {
		return queue.RepoRef{}, ErrMissingRepository
	}
	return ref, nil
}

func timePtr(ts github.Timestamp) *time.Time {
	if ts.IsZero() {
		return nil
	}
	t := ts.UTC()
	return &t
}
