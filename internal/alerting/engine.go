package alerting

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cam3ron2/devpulse/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Store is the persistence surface used by the engine.
type Store interface {
	CreateRule(ctx context.Context, rule store.AlertRule) (store.AlertRule, error)
	UpdateRule(ctx context.Context, rule store.AlertRule) error
	GetRule(ctx context.Context, id int64) (store.AlertRule, error)
	ListRules(ctx context.Context, filter store.RuleFilter) ([]store.AlertRule, error)
	OpenTrigger(ctx context.Context, trigger store.AlertTrigger) (store.AlertTrigger, error)
	GetLatestTrigger(ctx context.Context, alertID int64) (store.AlertTrigger, bool, error)
	GetTrigger(ctx context.Context, id int64) (store.AlertTrigger, error)
	ResolveTrigger(ctx context.Context, id int64, resolvedAt time.Time) error
	AcknowledgeTrigger(ctx context.Context, id int64) error
	MarkTriggerNotified(ctx context.Context, id int64) error
	MarkResolutionNotified(ctx context.Context, id int64) error
	ListUndeliveredTriggers(ctx context.Context, limit int) ([]store.AlertTrigger, error)
	DeleteResolvedTriggersBefore(ctx context.Context, cutoff time.Time) (int64, error)
	GetRepository(ctx context.Context, id int64) (store.Repository, error)
	ListDailyPush(ctx context.Context, repoID int64, fromDay, toDay string) ([]store.DailyPushMetrics, error)
	ListDailyPR(ctx context.Context, repoID int64, fromDay, toDay string) ([]store.DailyPRMetrics, error)
	ListReviewerMetrics(ctx context.Context, repoID int64, fromDay, toDay string) ([]store.ReviewerMetrics, error)
}

// Event describes one trigger or resolution to deliver.
type Event struct {
	RuleID        int64
	TriggerID     int64
	UserID        string
	AlertName     string
	RepoName      string
	Metric        string
	CurrentValue  float64
	Threshold     float64
	Operator      string
	TriggeredAt   time.Time
	ResolvedAt    time.Time
	DashboardLink string
}

// Resolved reports whether the event announces a resolution.
func (e Event) Resolved() bool {
	return !e.ResolvedAt.IsZero()
}

// Notifier delivers alert events. A returned error leaves the trigger undelivered.
type Notifier interface {
	NotifyAlert(ctx context.Context, event Event) error
}

// Config configures the engine.
type Config struct {
	MetricWindow     time.Duration
	DashboardBaseURL string
	Now              func() time.Time
}

// Stats are cumulative engine counters.
type Stats struct {
	Evaluations      uint64
	Triggered        uint64
	Resolved         uint64
	Suppressed       uint64
	DeliveryFailures uint64
}

// Summary reports the outcome of one evaluation pass.
type Summary struct {
	Rules     int
	Triggered int
	Resolved  int
	Errors    int
}

// Engine evaluates rules and applies the trigger state machine.
type Engine struct {
	store    Store
	notifier Notifier
	cfg      Config
	logger   *zap.Logger

	ruleLocks sync.Map

	evaluations      atomic.Uint64
	triggered        atomic.Uint64
	resolved         atomic.Uint64
	suppressed       atomic.Uint64
	deliveryFailures atomic.Uint64
}

// NewEngine creates an engine.
func NewEngine(st Store, notifier Notifier, cfg Config, logger *zap.Logger) *Engine {
	if cfg.MetricWindow <= 0 {
		cfg.MetricWindow = 7 * 24 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:    st,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
	}
}

// CreateRule validates and stores a new rule.
func (e *Engine) CreateRule(ctx context.Context, rule store.AlertRule) (store.AlertRule, error) {
	if err := ValidateRule(rule); err != nil {
		return store.AlertRule{}, err
	}
	return e.store.CreateRule(ctx, rule)
}

// UpdateRule validates and stores the user-editable fields of rule.
func (e *Engine) UpdateRule(ctx context.Context, rule store.AlertRule) error {
	if err := ValidateRule(rule); err != nil {
		return err
	}
	return e.store.UpdateRule(ctx, rule)
}

// EvaluateRepo evaluates every active rule of one repository against its current window.
func (e *Engine) EvaluateRepo(ctx context.Context, repoID int64) (Summary, error) {
	ctx, span := otel.Tracer("devpulse/alerting").Start(ctx, "alerting.evaluate_repo")
	defer span.End()
	span.SetAttributes(attribute.Int64("repo.id", repoID))

	rules, err := e.store.ListRules(ctx, store.RuleFilter{RepoID: repoID, ActiveOnly: true})
	if err != nil {
		return Summary{}, fmt.Errorf("list rules for repo %d: %w", repoID, err)
	}
	return e.evaluateRules(ctx, rules), nil
}

// EvaluateAll evaluates every active rule.
func (e *Engine) EvaluateAll(ctx context.Context) (Summary, error) {
	rules, err := e.store.ListRules(ctx, store.RuleFilter{ActiveOnly: true})
	if err != nil {
		return Summary{}, fmt.Errorf("list active rules: %w", err)
	}
	return e.evaluateRules(ctx, rules), nil
}

func (e *Engine) evaluateRules(ctx context.Context, rules []store.AlertRule) Summary {
	summary := Summary{Rules: len(rules)}
	windows := make(map[int64]Window)
	for _, rule := range rules {
		window, ok := windows[rule.RepoID]
		if !ok {
			loaded, err := e.loadWindow(ctx, rule.RepoID)
			if err != nil {
				summary.Errors++
				e.logger.Warn("load alert metric window failed", zap.Int64("repo_id", rule.RepoID), zap.Error(err))
				continue
			}
			window = loaded
			windows[rule.RepoID] = window
		}

		value, err := window.Value(rule.Metric)
		if err != nil {
			summary.Errors++
			e.logger.Warn("alert rule has unknown metric", zap.Int64("rule_id", rule.ID), zap.String("metric", rule.Metric))
			continue
		}
		decision, err := e.Evaluate(ctx, rule.ID, value)
		if err != nil {
			summary.Errors++
			e.logger.Warn("alert evaluation failed", zap.Int64("rule_id", rule.ID), zap.Error(err))
			continue
		}
		switch decision.Action {
		case ActionTrigger:
			summary.Triggered++
		case ActionResolve:
			summary.Resolved++
		}
	}
	return summary
}

// Evaluate applies value to one rule. Concurrent calls for the same rule are serialized.
func (e *Engine) Evaluate(ctx context.Context, ruleID int64, value float64) (Decision, error) {
	unlock := e.lockRule(ruleID)
	defer unlock()
	e.evaluations.Add(1)

	// Reload under the lock so lastTriggeredAt reflects the previous evaluation.
	rule, err := e.store.GetRule(ctx, ruleID)
	if err != nil {
		return Decision{}, fmt.Errorf("load rule %d: %w", ruleID, err)
	}
	latest, hasLatest, err := e.store.GetLatestTrigger(ctx, ruleID)
	if err != nil {
		return Decision{}, fmt.Errorf("load latest trigger for rule %d: %w", ruleID, err)
	}
	var latestPtr *store.AlertTrigger
	if hasLatest {
		latestPtr = &latest
	}

	now := e.cfg.Now()
	decision, err := Decide(rule, latestPtr, value, now)
	if err != nil {
		return Decision{}, err
	}

	switch decision.Action {
	case ActionTrigger:
		return e.trigger(ctx, rule, decision, now)
	case ActionResolve:
		return e.resolve(ctx, rule, latest, decision, now)
	default:
		if decision.Reason == ReasonCooldown {
			e.suppressed.Add(1)
		}
		return decision, nil
	}
}

func (e *Engine) trigger(ctx context.Context, rule store.AlertRule, decision Decision, now time.Time) (Decision, error) {
	created, err := e.store.OpenTrigger(ctx, store.AlertTrigger{
		AlertID:        rule.ID,
		TriggeredAt:    now,
		CurrentValue:   decision.Value,
		ThresholdValue: rule.Threshold,
		Status:         store.TriggerActive,
		Metadata: map[string]string{
			"metric":   rule.Metric,
			"operator": rule.Operator,
			"repo_id":  strconv.FormatInt(rule.RepoID, 10),
		},
	})
	if errors.Is(err, store.ErrTriggerExists) {
		// Another process won the race.
		return Decision{Action: ActionNone, Reason: ReasonTriggerExists, Value: decision.Value}, nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("open trigger for rule %d: %w", rule.ID, err)
	}
	e.triggered.Add(1)
	e.logger.Info("alert triggered",
		zap.Int64("rule_id", rule.ID),
		zap.Int64("trigger_id", created.ID),
		zap.String("metric", rule.Metric),
		zap.Float64("value", decision.Value),
		zap.String("operator", rule.Operator),
		zap.Float64("threshold", rule.Threshold),
	)

	e.deliver(ctx, e.event(ctx, rule, created))
	return decision, nil
}

func (e *Engine) resolve(ctx context.Context, rule store.AlertRule, open store.AlertTrigger, decision Decision, now time.Time) (Decision, error) {
	if err := e.store.ResolveTrigger(ctx, open.ID, now); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Decision{Action: ActionNone, Reason: ReasonHealthy, Value: decision.Value}, nil
		}
		return Decision{}, fmt.Errorf("resolve trigger %d: %w", open.ID, err)
	}
	e.resolved.Add(1)
	e.logger.Info("alert resolved",
		zap.Int64("rule_id", rule.ID),
		zap.Int64("trigger_id", open.ID),
		zap.Float64("value", decision.Value),
	)

	open.Status = store.TriggerResolved
	open.ResolvedAt = now
	event := e.event(ctx, rule, open)
	event.CurrentValue = decision.Value
	if open.NotificationSent {
		e.deliver(ctx, event)
	}
	// An undelivered trigger notification is retried first; the resolution follows it.
	return decision, nil
}

// deliver sends event and records the matching notified flag. Failures stay undelivered
// for RetryUndelivered and never roll back trigger state.
func (e *Engine) deliver(ctx context.Context, event Event) bool {
	if e.notifier == nil {
		return false
	}
	if err := e.notifier.NotifyAlert(ctx, event); err != nil {
		e.deliveryFailures.Add(1)
		e.logger.Warn("alert delivery failed",
			zap.Int64("trigger_id", event.TriggerID),
			zap.Bool("resolution", event.Resolved()),
			zap.Error(err),
		)
		return false
	}

	mark := e.store.MarkTriggerNotified
	if event.Resolved() {
		mark = e.store.MarkResolutionNotified
	}
	if err := mark(ctx, event.TriggerID); err != nil {
		e.logger.Warn("mark alert delivered failed", zap.Int64("trigger_id", event.TriggerID), zap.Error(err))
		return false
	}
	return true
}

// RetryUndelivered re-sends trigger and resolution notifications that have not been delivered.
func (e *Engine) RetryUndelivered(ctx context.Context, limit int) (int, error) {
	pending, err := e.store.ListUndeliveredTriggers(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list undelivered triggers: %w", err)
	}

	delivered := 0
	for _, candidate := range pending {
		delivered += e.retryTrigger(ctx, candidate.AlertID, candidate.ID)
	}
	return delivered, nil
}

func (e *Engine) retryTrigger(ctx context.Context, ruleID, triggerID int64) int {
	unlock := e.lockRule(ruleID)
	defer unlock()

	trigger, err := e.store.GetTrigger(ctx, triggerID)
	if err != nil {
		e.logger.Warn("reload undelivered trigger failed", zap.Int64("trigger_id", triggerID), zap.Error(err))
		return 0
	}
	rule, err := e.store.GetRule(ctx, ruleID)
	if err != nil {
		e.logger.Warn("load rule for undelivered trigger failed", zap.Int64("rule_id", ruleID), zap.Error(err))
		return 0
	}

	delivered := 0
	event := e.event(ctx, rule, trigger)
	if !trigger.NotificationSent {
		opening := event
		opening.ResolvedAt = time.Time{}
		if !e.deliver(ctx, opening) {
			return delivered
		}
		delivered++
	}
	if trigger.Status == store.TriggerResolved && !trigger.ResolutionNotificationSent {
		if e.deliver(ctx, event) {
			delivered++
		}
	}
	return delivered
}

// Acknowledge marks an active trigger as seen. The trigger stays open until it resolves.
func (e *Engine) Acknowledge(ctx context.Context, triggerID int64) error {
	if err := e.store.AcknowledgeTrigger(ctx, triggerID); err != nil {
		return fmt.Errorf("acknowledge trigger %d: %w", triggerID, err)
	}
	return nil
}

// Cleanup deletes resolved triggers older than retention.
func (e *Engine) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	deleted, err := e.store.DeleteResolvedTriggersBefore(ctx, e.cfg.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("cleanup triggers: %w", err)
	}
	return deleted, nil
}

// Stats returns cumulative counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Evaluations:      e.evaluations.Load(),
		Triggered:        e.triggered.Load(),
		Resolved:         e.resolved.Load(),
		Suppressed:       e.suppressed.Load(),
		DeliveryFailures: e.deliveryFailures.Load(),
	}
}

func (e *Engine) loadWindow(ctx context.Context, repoID int64) (Window, error) {
	days := int(e.cfg.MetricWindow / (24 * time.Hour))
	if days < 1 {
		days = 1
	}
	today := store.DayStart(e.cfg.Now())
	fromDay := store.DayKey(today.AddDate(0, 0, -(days - 1)))
	toDay := store.DayKey(today)

	push, err := e.store.ListDailyPush(ctx, repoID, fromDay, toDay)
	if err != nil {
		return Window{}, err
	}
	pr, err := e.store.ListDailyPR(ctx, repoID, fromDay, toDay)
	if err != nil {
		return Window{}, err
	}
	reviewers, err := e.store.ListReviewerMetrics(ctx, repoID, fromDay, toDay)
	if err != nil {
		return Window{}, err
	}
	return Window{Push: push, PR: pr, Reviewers: reviewers}, nil
}

func (e *Engine) event(ctx context.Context, rule store.AlertRule, trigger store.AlertTrigger) Event {
	repoName := "repo-" + strconv.FormatInt(rule.RepoID, 10)
	if repo, err := e.store.GetRepository(ctx, rule.RepoID); err == nil && repo.FullName != "" {
		repoName = repo.FullName
	}
	event := Event{
		RuleID:       rule.ID,
		TriggerID:    trigger.ID,
		UserID:       rule.UserID,
		AlertName:    rule.Name,
		RepoName:     repoName,
		Metric:       rule.Metric,
		CurrentValue: trigger.CurrentValue,
		Threshold:    trigger.ThresholdValue,
		Operator:     rule.Operator,
		TriggeredAt:  trigger.TriggeredAt,
		ResolvedAt:   trigger.ResolvedAt,
	}
	if base := strings.TrimRight(e.cfg.DashboardBaseURL, "/"); base != "" {
		event.DashboardLink = fmt.Sprintf("%s/repos/%s/alerts/%d", base, repoName, rule.ID)
	}
	return event
}

func (e *Engine) lockRule(ruleID int64) func() {
	value, _ := e.ruleLocks.LoadOrStore(ruleID, &sync.Mutex{})
	mu := value.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
