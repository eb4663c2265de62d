package queue

import (
	"encoding/json"
	"time"
)

// Queue names.
const (
	QueueWebhook          = "webhook"
	QueuePushAnalysis     = "pushAnalysis"
	QueuePullAnalysis     = "pullAnalysis"
	QueueIssuesAnalysis   = "issuesAnalysis"
	QueueFullRepoAnalysis = "fullRepoAnalysis"
	QueueRepoFiles        = "repoFiles"
	QueuePushScan         = "pushScan"
	QueueAlertMail        = "alertMail"
)

// Names lists every queue in consumption order.
var Names = []string{
	QueueWebhook,
	QueuePushAnalysis,
	QueuePullAnalysis,
	QueueIssuesAnalysis,
	QueueFullRepoAnalysis,
	QueueRepoFiles,
	QueuePushScan,
	QueueAlertMail,
}

// RepoRef identifies the repository a job is about.
type RepoRef struct {
	ID    int64  `json:"repo_id"`
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

// FullName returns owner/name.
func (r RepoRef) FullName() string {
	return r.Owner + "/" + r.Name
}

// WebhookJob is a verified provider delivery awaiting fan-out.
type WebhookJob struct {
	DeliveryID string          `json:"delivery_id"`
	Event      string          `json:"event"`
	Body       json.RawMessage `json:"body"`
}

// CommitRef is a commit as reported in a push payload.
type CommitRef struct {
	SHA       string    `json:"sha"`
	Author    string    `json:"author"`
	Timestamp time.Time `json:"timestamp"`
}

// PushJob records one push and the commits it carried.
type PushJob struct {
	Repo     RepoRef     `json:"repo"`
	HeadSHA  string      `json:"head_sha"`
	Ref      string      `json:"ref"`
	Pusher   string      `json:"pusher"`
	PushedAt time.Time   `json:"pushed_at"`
	Commits  []CommitRef `json:"commits"`
}

// PushScanJob fetches line stats for commits.
type PushScanJob struct {
	Repo RepoRef  `json:"repo"`
	SHAs []string `json:"shas"`
}

// ReviewRef is a submitted review carried by a review webhook.
type ReviewRef struct {
	ID          int64     `json:"id"`
	Reviewer    string    `json:"reviewer"`
	State       string    `json:"state"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// PullJob records a pull request observation and optionally one review.
type PullJob struct {
	Repo      RepoRef    `json:"repo"`
	Number    int        `json:"number"`
	Author    string     `json:"author"`
	State     string     `json:"state"`
	OpenedAt  time.Time  `json:"opened_at"`
	MergedAt  *time.Time `json:"merged_at,omitempty"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
	Review    *ReviewRef `json:"review,omitempty"`
}

// IssueJob records an issue observation.
type IssueJob struct {
	Repo     RepoRef    `json:"repo"`
	Number   int        `json:"number"`
	OpenedAt time.Time  `json:"opened_at"`
	ClosedAt *time.Time `json:"closed_at,omitempty"`
}

// RepoJob asks for a full history pull of a repository.
type RepoJob struct {
	Repo RepoRef `json:"repo"`
	Days int     `json:"days,omitempty"`
}

// RepoFilesJob asks for a tree snapshot at Ref.
type RepoFilesJob struct {
	Repo RepoRef `json:"repo"`
	Ref  string  `json:"ref,omitempty"`
}

// AlertMailJob is one rendered alert mail awaiting delivery.
type AlertMailJob struct {
	TriggerID int64  `json:"trigger_id"`
	To        string `json:"to"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

const repoSchema = `{
	"type": "object",
	"required": ["repo_id", "owner", "name"],
	"properties": {
		"repo_id": {"type": "integer", "minimum": 1},
		"owner": {"type": "string", "minLength": 1},
		"name": {"type": "string", "minLength": 1}
	}
}`

// DefaultSchemas holds the payload schema of every queue.
var DefaultSchemas = map[string]string{
	QueueWebhook: `{
		"type": "object",
		"required": ["delivery_id", "event", "body"],
		"properties": {
			"delivery_id": {"type": "string"},
			"event": {"type": "string", "minLength": 1},
			"body": {"type": "object"}
		}
	}`,
	QueuePushAnalysis: `{
		"type": "object",
		"required": ["repo", "head_sha", "pushed_at"],
		"properties": {
			"repo": ` + repoSchema + `,
			"head_sha": {"type": "string", "minLength": 1},
			"pushed_at": {"type": "string", "minLength": 1},
			"commits": {
				"type": "array",
				"items": {"type": "object", "required": ["sha"], "properties": {"sha": {"type": "string", "minLength": 1}}}
			}
		}
	}`,
	QueuePushScan: `{
		"type": "object",
		"required": ["repo", "shas"],
		"properties": {
			"repo": ` + repoSchema + `,
			"shas": {"type": "array", "items": {"type": "string", "minLength": 1}}
		}
	}`,
	QueuePullAnalysis: `{
		"type": "object",
		"required": ["repo", "number", "opened_at"],
		"properties": {
			"repo": ` + repoSchema + `,
			"number": {"type": "integer", "minimum": 1}
		}
	}`,
	QueueIssuesAnalysis: `{
		"type": "object",
		"required": ["repo", "number", "opened_at"],
		"properties": {
			"repo": ` + repoSchema + `,
			"number": {"type": "integer", "minimum": 1}
		}
	}`,
	QueueFullRepoAnalysis: `{
		"type": "object",
		"required": ["repo"],
		"properties": {
			"repo": ` + repoSchema + `,
			"days": {"type": "integer", "minimum": 0}
		}
	}`,
	QueueRepoFiles: `{
		"type": "object",
		"required": ["repo"],
		"properties": {
			"repo": ` + repoSchema + `,
			"ref": {"type": "string"}
		}
	}`,
	QueueAlertMail: `{
		"type": "object",
		"required": ["trigger_id", "to", "subject", "body"],
		"properties": {
			"trigger_id": {"type": "integer"},
			"to": {"type": "string", "minLength": 3},
			"subject": {"type": "string", "minLength": 1},
			"body": {"type": "string"}
		}
	}`,
}
