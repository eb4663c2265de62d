// Package notify turns alert events into in-app notifications, realtime pushes and mail.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cam3ron2/devpulse/internal/alerting"
	"github.com/cam3ron2/devpulse/internal/queue"
	"github.com/cam3ron2/devpulse/internal/realtime"
	"github.com/cam3ron2/devpulse/internal/store"
	"go.uber.org/zap"
)

// Notification kinds.
const (
	KindAlert         = "alert"
	KindAlertResolved = "alert_resolved"
)

// ErrMailFailed wraps mailer errors returned by SendAlertMail.
var ErrMailFailed = errors.New("alert mail delivery failed")

// Store persists in-app notifications.
type Store interface {
	CreateNotification(ctx context.Context, n store.Notification) (store.Notification, error)
}

// Publisher pushes events to a user's live connections.
type Publisher interface {
	Publish(userID string, event realtime.Event) int
}

// MailQueue persists alert mail for the alertMail workers.
type MailQueue interface {
	Enqueue(ctx context.Context, name string, payload any) (queue.Envelope, error)
}

// Registrar installs queue handlers. *queue.Set implements it.
type Registrar interface {
	Handle(name string, handler queue.Handler)
}

// Directory resolves user email addresses.
type Directory interface {
	Email(ctx context.Context, userID string) (string, bool)
}

// AlertPayload is the body delivered to the realtime and mail collaborators.
type AlertPayload struct {
	NotificationID int64     `json:"notificationId,omitempty"`
	AlertID        int64     `json:"alertId"`
	TriggerID      int64     `json:"triggerId"`
	AlertName      string    `json:"alertName"`
	RepoName       string    `json:"repoName"`
	Metric         string    `json:"metric"`
	CurrentValue   float64   `json:"currentValue"`
	Threshold      float64   `json:"threshold"`
	Operator       string    `json:"operator"`
	TriggeredAt    time.Time `json:"triggeredAt"`
	ResolvedAt     time.Time `json:"resolvedAt,omitzero"`
	DashboardLink  string    `json:"dashboardLink,omitempty"`
	UserEmail      string    `json:"userEmail,omitempty"`
}

// DispatcherStats are cumulative dispatch counters.
type DispatcherStats struct {
	Dispatched   uint64
	Pushed       uint64
	MailQueued   uint64
	Mailed       uint64
	MailFailures uint64
	NoAddress    uint64
}

// Dispatcher fans one alert event out to every delivery channel.
type Dispatcher struct {
	store     Store
	publisher Publisher
	mailer    Mailer
	mailQueue MailQueue
	directory Directory
	logger    *zap.Logger

	dispatched   atomic.Uint64
	pushed       atomic.Uint64
	mailQueued   atomic.Uint64
	mailed       atomic.Uint64
	mailFailures atomic.Uint64
	noAddress    atomic.Uint64
}

// NewDispatcher creates a dispatcher. publisher, mailer, mailQueue and directory may be nil.
// Without a mailQueue, mail is sent inline and failures are only logged.
func NewDispatcher(st Store, publisher Publisher, mailer Mailer, mailQueue MailQueue, directory Directory, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		store:     st,
		publisher: publisher,
		mailer:    mailer,
		mailQueue: mailQueue,
		directory: directory,
		logger:    logger,
	}
}

// NotifyAlert persists the notification, pushes it to the user's connections and queues the mail.
// Only a persistence failure is returned, and it happens before anything reaches the user, so a
// retried trigger never repeats the in-app or realtime leg. Mail retries on the alertMail queue.
func (d *Dispatcher) NotifyAlert(ctx context.Context, event alerting.Event) error {
	if strings.TrimSpace(event.UserID) == "" {
		return fmt.Errorf("alert event for trigger %d has no user", event.TriggerID)
	}
	d.dispatched.Add(1)

	kind := KindAlert
	if event.Resolved() {
		kind = KindAlertResolved
	}
	payload := AlertPayload{
		AlertID:       event.RuleID,
		TriggerID:     event.TriggerID,
		AlertName:     event.AlertName,
		RepoName:      event.RepoName,
		Metric:        event.Metric,
		CurrentValue:  event.CurrentValue,
		Threshold:     event.Threshold,
		Operator:      event.Operator,
		TriggeredAt:   event.TriggeredAt,
		ResolvedAt:    event.ResolvedAt,
		DashboardLink: event.DashboardLink,
	}
	if d.directory != nil {
		if email, ok := d.directory.Email(ctx, event.UserID); ok {
			payload.UserEmail = email
		}
	}
	subject, body := renderAlert(payload)

	if d.store != nil {
		stored, err := d.store.CreateNotification(ctx, store.Notification{
			UserID: event.UserID,
			Kind:   kind,
			Title:  subject,
			Body:   body,
		})
		if err != nil {
			return fmt.Errorf("persist %s notification: %w", kind, err)
		}
		payload.NotificationID = stored.ID
	}

	d.push(event.UserID, kind, payload)
	d.queueMail(ctx, payload, subject, body)
	return nil
}

// Register installs the alertMail handler.
func (d *Dispatcher) Register(set Registrar) {
	set.Handle(queue.QueueAlertMail, d.SendAlertMail)
}

// SendAlertMail delivers one queued alert mail. Errors are retried by the queue.
func (d *Dispatcher) SendAlertMail(ctx context.Context, env queue.Envelope) error {
	var job queue.AlertMailJob
	if err := env.Decode(&job); err != nil {
		return queue.Permanent(err)
	}
	return d.send(ctx, job)
}

func (d *Dispatcher) push(userID, kind string, payload AlertPayload) {
	if d.publisher == nil {
		return
	}
	eventType := realtime.EventAlert
	if kind == KindAlertResolved {
		eventType = realtime.EventAlertResolved
	}
	event, err := realtime.NewEvent(eventType, payload)
	if err != nil {
		d.logger.Warn("encode realtime alert failed", zap.Int64("trigger_id", payload.TriggerID), zap.Error(err))
		return
	}
	if delivered := d.publisher.Publish(userID, event); delivered > 0 {
		d.pushed.Add(uint64(delivered))
	}
}

func (d *Dispatcher) queueMail(ctx context.Context, payload AlertPayload, subject, body string) {
	if d.mailer == nil {
		return
	}
	if payload.UserEmail == "" {
		d.noAddress.Add(1)
		d.logger.Warn("alert mail skipped; user has no email address", zap.Int64("trigger_id", payload.TriggerID))
		return
	}
	job := queue.AlertMailJob{TriggerID: payload.TriggerID, To: payload.UserEmail, Subject: subject, Body: body}
	if d.mailQueue != nil {
		_, err := d.mailQueue.Enqueue(ctx, queue.QueueAlertMail, job)
		if err == nil {
			d.mailQueued.Add(1)
			return
		}
		d.logger.Warn("queue alert mail failed; sending inline", zap.Int64("trigger_id", payload.TriggerID), zap.Error(err))
	}
	if err := d.send(ctx, job); err != nil {
		d.logger.Warn("alert mail delivery failed", zap.Int64("trigger_id", payload.TriggerID), zap.Error(err))
	}
}

func (d *Dispatcher) send(ctx context.Context, job queue.AlertMailJob) error {
	if d.mailer == nil {
		return nil
	}
	if err := d.mailer.Send(ctx, Mail{To: job.To, Subject: job.Subject, Body: job.Body}); err != nil {
		d.mailFailures.Add(1)
		return fmt.Errorf("%w: trigger %d: %w", ErrMailFailed, job.TriggerID, err)
	}
	d.mailed.Add(1)
	return nil
}

// Stats returns dispatch counters.
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Dispatched:   d.dispatched.Load(),
		Pushed:       d.pushed.Load(),
		MailQueued:   d.mailQueued.Load(),
		Mailed:       d.mailed.Load(),
		MailFailures: d.mailFailures.Load(),
		NoAddress:    d.noAddress.Load(),
	}
}

func renderAlert(p AlertPayload) (string, string) {
	var subject string
	var b strings.Builder
	if p.ResolvedAt.IsZero() {
		subject = fmt.Sprintf("[devpulse] %s triggered on %s", p.AlertName, p.RepoName)
		fmt.Fprintf(&b, "Alert %q triggered for %s.\n\n", p.AlertName, p.RepoName)
	} else {
		subject = fmt.Sprintf("[devpulse] %s resolved on %s", p.AlertName, p.RepoName)
		fmt.Fprintf(&b, "Alert %q resolved for %s.\n\n", p.AlertName, p.RepoName)
	}
	fmt.Fprintf(&b, "Metric: %s\n", p.Metric)
	fmt.Fprintf(&b, "Current value: %s\n", formatValue(p.CurrentValue))
	fmt.Fprintf(&b, "Condition: %s %s %s\n", p.Metric, p.Operator, formatValue(p.Threshold))
	fmt.Fprintf(&b, "Triggered at: %s\n", p.TriggeredAt.UTC().Format(time.RFC3339))
	if !p.ResolvedAt.IsZero() {
		fmt.Fprintf(&b, "Resolved at: %s\n", p.ResolvedAt.UTC().Format(time.RFC3339))
	}
	if p.DashboardLink != "" {
		fmt.Fprintf(&b, "\n%s\n", p.DashboardLink)
	}
	return subject, b.String()
}

func formatValue(v float64) string {
	return strings.TrimSuffix(strings.TrimRight(fmt.Sprintf("%.2f", v), "0"), ".")
}
