package store

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a keyed row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrTriggerExists is returned when an alert already has an open trigger.
	ErrTriggerExists = errors.New("alert already has an open trigger")
)

// DayLayout is the storage format of aggregate day keys.
const DayLayout = "2006-01-02"

// TriggerStatus is the lifecycle state of an alert trigger.
type TriggerStatus string

const (
	// TriggerActive marks a trigger whose condition still holds.
	TriggerActive TriggerStatus = "active"
	// TriggerAcknowledged marks an open trigger a user has seen.
	TriggerAcknowledged TriggerStatus = "acknowledged"
	// TriggerResolved marks a trigger whose condition stopped holding.
	TriggerResolved TriggerStatus = "resolved"
)

// Repository is a registered source repository.
type Repository struct {
	ID            int64
	Owner         string
	Name          string
	FullName      string
	DefaultBranch string
	UpdatedAt     time.Time
}

// Push is one branch push, keyed by (RepoID, HeadSHA).
type Push struct {
	RepoID      int64
	HeadSHA     string
	Ref         string
	Pusher      string
	CommitCount int
	PushedAt    time.Time
}

// Commit is one commit, keyed by (RepoID, SHA).
type Commit struct {
	RepoID       int64
	SHA          string
	Author       string
	CommittedAt  time.Time
	Additions    int
	Deletions    int
	FilesChanged int
	// StatsKnown is false for commits recorded from webhook payloads without line stats.
	StatsKnown bool
}

// PullRequest is the merged view of a pull request, keyed by (RepoID, Number).
type PullRequest struct {
	RepoID        int64
	Number        int
	Author        string
	State         string
	OpenedAt      time.Time
	MergedAt      time.Time
	ClosedAt      time.Time
	FirstReviewAt time.Time
	UpdatedAt     time.Time
}

// Review is one submitted pull request review, keyed by ID.
type Review struct {
	ID          int64
	RepoID      int64
	PRNumber    int
	Reviewer    string
	State       string
	SubmittedAt time.Time
}

// Issue is the merged view of an issue, keyed by (RepoID, Number).
type Issue struct {
	RepoID   int64
	Number   int
	OpenedAt time.Time
	ClosedAt time.Time
}

// DailyPushMetrics is the push-activity aggregate for one repo and UTC day.
type DailyPushMetrics struct {
	RepoID       int64
	Day          string
	Pushes       int
	Commits      int
	Additions    int
	Deletions    int
	Contributors int
}

// DailyPRMetrics is the PR-velocity aggregate for one repo and UTC day.
type DailyPRMetrics struct {
	RepoID              int64
	Day                 string
	PRsOpened           int
	PRsMerged           int
	PRsClosed           int
	AvgMergeHours       float64
	AvgFirstReviewHours float64
	// FirstReviews counts pull requests whose first review landed on Day.
	FirstReviews int
	IssuesOpened int
	IssuesClosed int
}

// ReviewerMetrics is the reviewer aggregate for one repo, UTC day and reviewer.
type ReviewerMetrics struct {
	RepoID           int64
	Day              string
	Reviewer         string
	Reviews          int
	Approvals        int
	ChangesRequested int
	AvgResponseHours float64
}

// RepoSnapshot records the file tree size of a repository at a ref.
type RepoSnapshot struct {
	RepoID     int64
	Ref        string
	FileCount  int
	TotalBytes int64
	TakenAt    time.Time
}

// AlertRule is a user-owned threshold rule over one repo metric.
type AlertRule struct {
	ID              int64
	UserID          string
	RepoID          int64
	Name            string
	Metric          string
	Operator        string
	Threshold       float64
	IsActive        bool
	CooldownMinutes int
	LastTriggeredAt time.Time
	TriggerCount    int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// AlertTrigger records one activation of an alert rule.
type AlertTrigger struct {
	ID                         int64
	AlertID                    int64
	TriggeredAt                time.Time
	ResolvedAt                 time.Time
	CurrentValue               float64
	ThresholdValue             float64
	NotificationSent           bool
	ResolutionNotificationSent bool
	Status                     TriggerStatus
	Metadata                   map[string]string
}

// Open reports whether the trigger has not been resolved.
func (t AlertTrigger) Open() bool {
	return t.Status == TriggerActive || t.Status == TriggerAcknowledged
}

// Notification is an in-app notification for one user.
type Notification struct {
	ID        int64
	UserID    string
	Kind      string
	Title     string
	Body      string
	CreatedAt time.Time
	ReadAt    time.Time
}

// DayStart truncates t to the start of its UTC day.
func DayStart(t time.Time) time.Time {
	utc := t.UTC()
	return time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
}

// DayKey formats the UTC day containing t.
func DayKey(t time.Time) string {
	return t.UTC().Format(DayLayout)
}
