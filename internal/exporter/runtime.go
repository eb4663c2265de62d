package exporter

import (
	"context"
	"time"

	"github.com/cam3ron2/devpulse/internal/alerting"
	"github.com/cam3ron2/devpulse/internal/leader"
	"github.com/cam3ron2/devpulse/internal/notify"
	"github.com/cam3ron2/devpulse/internal/queue"
	"github.com/cam3ron2/devpulse/internal/ratelimit"
	"github.com/cam3ron2/devpulse/internal/realtime"
	"github.com/cam3ron2/devpulse/internal/scheduler"
)

// QueueSource is implemented by *queue.Set.
type QueueSource interface {
	Stats() map[string]queue.QueueStats
	Depth(ctx context.Context, name string) (int64, error)
	DeadLetters(ctx context.Context, name string, limit int) ([]queue.DeadLetter, error)
}

// SchedulerSource is implemented by *scheduler.Scheduler.
type SchedulerSource interface {
	Stats() map[string]scheduler.TaskStats
}

// HubSource is implemented by *realtime.Hub.
type HubSource interface {
	Stats() realtime.HubStats
}

// LimiterSource is implemented by *ratelimit.Limiter.
type LimiterSource interface {
	Stats() ratelimit.Stats
}

// AlertSource is implemented by *alerting.Engine.
type AlertSource interface {
	Stats() alerting.Stats
}

// NotifySource is implemented by *notify.Dispatcher.
type NotifySource interface {
	Stats() notify.DispatcherStats
}

// GitHubSource reports how long outbound API calls stay blocked.
type GitHubSource interface {
	BlockedFor() time.Duration
}

// LeaderSource reports the role history of this instance.
type LeaderSource interface {
	LeaderStats() leader.Stats
}

// Sources are the runtime components exposed on /metrics. Nil sources are skipped.
type Sources struct {
	Queues     QueueSource
	QueueNames []string
	Scheduler  SchedulerSource
	Hub        HubSource
	Limiter    LimiterSource
	Alerts     AlertSource
	Notify     NotifySource
	GitHub     GitHubSource
	Leader     LeaderSource
}

// deadLetterSample bounds the dead-letter read done per scrape.
const deadLetterSample = 1000

// RuntimeReader samples the runtime components on each scrape.
type RuntimeReader struct {
	sources Sources
	timeout time.Duration
}

// NewRuntimeReader creates the reader. timeout bounds broker reads per scrape.
func NewRuntimeReader(sources Sources, timeout time.Duration) *RuntimeReader {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if len(sources.QueueNames) == 0 {
		sources.QueueNames = queue.Names
	}
	return &RuntimeReader{sources: sources, timeout: timeout}
}

// Snapshot implements SnapshotReader.
func (r *RuntimeReader) Snapshot() []Point {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	points := make([]Point, 0, 64)
	s := r.sources
	if s.Queues != nil {
		stats := s.Queues.Stats()
		for _, name := range s.QueueNames {
			labels := map[string]string{"queue": name}
			if depth, err := s.Queues.Depth(ctx, name); err == nil {
				points = append(points, Point{Name: "devpulse_queue_depth", Help: "Pending envelopes per queue.", Labels: labels, Value: float64(depth)})
			}
			if letters, err := s.Queues.DeadLetters(ctx, name, deadLetterSample); err == nil {
				points = append(points, Point{Name: "devpulse_queue_dead_letters", Help: "Dead letters per queue, capped at 1000.", Labels: labels, Value: float64(len(letters))})
			}
			qs := stats[name]
			points = append(points,
				counter("devpulse_queue_processed_total", "Envelopes handled successfully.", labels, float64(qs.Processed)),
				counter("devpulse_queue_failed_total", "Handler failures.", labels, float64(qs.Failed)),
				counter("devpulse_queue_retried_total", "Envelopes rescheduled for retry.", labels, float64(qs.Retried)),
				counter("devpulse_queue_dead_lettered_total", "Envelopes moved to the dead-letter set.", labels, float64(qs.DeadLettered)),
				counter("devpulse_queue_panics_total", "Recovered handler panics.", labels, float64(qs.Panics)),
				counter("devpulse_queue_duplicates_total", "Deliveries dropped by dedup.", labels, float64(qs.Duplicates)),
			)
		}
	}

	if s.Scheduler != nil {
		for name, ts := range s.Scheduler.Stats() {
			labels := map[string]string{"task": name}
			points = append(points,
				counter("devpulse_scheduler_runs_total", "Completed task runs.", labels, float64(ts.Runs)),
				counter("devpulse_scheduler_failures_total", "Failed task runs.", labels, float64(ts.Failures)),
				counter("devpulse_scheduler_skipped_total", "Runs skipped by overlap or lock.", labels, float64(ts.Skipped)),
				gauge("devpulse_scheduler_scheduled", "Whether the task ticker is active.", labels, boolValue(ts.Scheduled)),
			)
			if !ts.LastRun.IsZero() {
				points = append(points, gauge("devpulse_scheduler_last_run_timestamp_seconds", "Start time of the last run.", labels, float64(ts.LastRun.Unix())))
			}
		}
	}

	if s.Hub != nil {
		hs := s.Hub.Stats()
		points = append(points,
			gauge("devpulse_realtime_users", "Users with at least one open channel.", nil, float64(hs.Users)),
			gauge("devpulse_realtime_connections", "Open real-time channels.", nil, float64(hs.Connections)),
			counter("devpulse_realtime_published_total", "Messages delivered to channels.", nil, float64(hs.Published)),
			counter("devpulse_realtime_dropped_total", "Messages dropped for slow channels.", nil, float64(hs.Dropped)),
		)
	}

	if s.Limiter != nil {
		ls := s.Limiter.Stats()
		points = append(points,
			counter("devpulse_ratelimit_allowed_total", "Requests admitted by the limiter.", nil, float64(ls.Allowed)),
			counter("devpulse_ratelimit_denied_total", "Requests rejected by the limiter.", nil, float64(ls.Denied)),
			counter("devpulse_ratelimit_store_errors_total", "Counter store failures.", nil, float64(ls.StoreErrors)),
		)
	}

	if s.Alerts != nil {
		as := s.Alerts.Stats()
		points = append(points,
			counter("devpulse_alert_evaluations_total", "Rule evaluations.", nil, float64(as.Evaluations)),
			counter("devpulse_alert_triggered_total", "Triggers opened.", nil, float64(as.Triggered)),
			counter("devpulse_alert_resolved_total", "Triggers resolved.", nil, float64(as.Resolved)),
			counter("devpulse_alert_suppressed_total", "Triggers suppressed by cooldown.", nil, float64(as.Suppressed)),
			counter("devpulse_alert_delivery_failures_total", "Failed trigger deliveries.", nil, float64(as.DeliveryFailures)),
		)
	}

	if s.Notify != nil {
		ns := s.Notify.Stats()
		points = append(points,
			counter("devpulse_notify_dispatched_total", "Alert events dispatched.", nil, float64(ns.Dispatched)),
			counter("devpulse_notify_pushed_total", "Events pushed to real-time channels.", nil, float64(ns.Pushed)),
			counter("devpulse_notify_mail_queued_total", "Alert emails queued for delivery.", nil, float64(ns.MailQueued)),
			counter("devpulse_notify_mailed_total", "Emails sent.", nil, float64(ns.Mailed)),
			counter("devpulse_notify_mail_failures_total", "Email send failures.", nil, float64(ns.MailFailures)),
			counter("devpulse_notify_no_address_total", "Events for users without an email address.", nil, float64(ns.NoAddress)),
		)
	}

	if s.GitHub != nil {
		points = append(points, gauge("devpulse_github_blocked_seconds", "Seconds until GitHub API calls resume.", nil, s.GitHub.BlockedFor().Seconds()))
	}
	if s.Leader != nil {
		ls := s.Leader.LeaderStats()
		points = append(points,
			gauge("devpulse_leader", "1 when this instance holds the leader lease.", nil, boolValue(ls.Leader)),
			gauge("devpulse_leader_role_since_timestamp_seconds", "Time of the last role change.", nil, float64(ls.Since.Unix())),
			counter("devpulse_leader_promotions_total", "Times this instance became leader.", nil, float64(ls.Promotions)),
			counter("devpulse_leader_demotions_total", "Times this instance stepped down.", nil, float64(ls.Demotions)),
		)
	}
	return points
}

func gauge(name, help string, labels map[string]string, value float64) Point {
	return Point{Name: name, Help: help, Labels: labels, Value: value}
}

func counter(name, help string, labels map[string]string, value float64) Point {
	return Point{Name: name, Help: help, Labels: labels, Value: value, Counter: true}
}

func boolValue(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
