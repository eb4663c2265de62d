package alerting

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/cam3ron2/devpulse/internal/store"
	"go.uber.org/zap/zaptest"
)

var t0 = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type fakeNotifier struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (f *fakeNotifier) NotifyAlert(_ context.Context, event Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event)
	return nil
}

func (f *fakeNotifier) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeNotifier) snapshot() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Event(nil), f.events...)
}

type engineFixture struct {
	store    *store.SQLStore
	notifier *fakeNotifier
	engine   *Engine
	rule     store.AlertRule
	now      time.Time
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(ctx, store.Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "alerting.db")})
	if err != nil {
		t.Fatalf("Open() unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.UpsertRepository(ctx, store.Repository{ID: 7, Owner: "acme", Name: "api", FullName: "acme/api"}); err != nil {
		t.Fatalf("UpsertRepository() unexpected error: %v", err)
	}

	f := &engineFixture{store: st, notifier: &fakeNotifier{}, now: t0}
	f.engine = NewEngine(st, f.notifier, Config{
		DashboardBaseURL: "https://devpulse.example/",
		Now:              func() time.Time { return f.now },
	}, zaptest.NewLogger(t))

	rule, err := f.engine.CreateRule(ctx, store.AlertRule{
		UserID:          "u1",
		RepoID:          7,
		Name:            "merge rate dropped",
		Metric:          MetricMergeRate,
		Operator:        "<",
		Threshold:       70,
		IsActive:        true,
		CooldownMinutes: 60,
	})
	if err != nil {
		t.Fatalf("CreateRule() unexpected error: %v", err)
	}
	f.rule = rule
	return f
}

func (f *engineFixture) feed(t *testing.T, offsets []time.Duration, values []float64) []Decision {
	t.Helper()
	decisions := make([]Decision, 0, len(values))
	for i, value := range values {
		f.now = t0.Add(offsets[i])
		decision, err := f.engine.Evaluate(context.Background(), f.rule.ID, value)
		if err != nil {
			t.Fatalf("Evaluate(%v) unexpected error: %v", value, err)
		}
		decisions = append(decisions, decision)
	}
	return decisions
}

func (f *engineFixture) triggers(t *testing.T) []store.AlertTrigger {
	t.Helper()
	triggers, err := f.store.ListTriggers(context.Background(), f.rule.ID)
	if err != nil {
		t.Fatalf("ListTriggers() unexpected error: %v", err)
	}
	return triggers
}

// feedOffsets stay inside the 60 minute cooldown of the fixture rule.
var feedOffsets = []time.Duration{0, 5 * time.Minute, 10 * time.Minute}

func TestEngineSustainedBreachTriggersOnce(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t)
	decisions := f.feed(t, feedOffsets, []float64{65, 65, 65})

	wantActions := []Action{ActionTrigger, ActionNone, ActionNone}
	for i, decision := range decisions {
		if decision.Action != wantActions[i] {
			t.Fatalf("decision[%d] = %s, want %s", i, decision.Action, wantActions[i])
		}
	}
	triggers := f.triggers(t)
	if len(triggers) != 1 {
		t.Fatalf("triggers = %d, want 1", len(triggers))
	}
	if !triggers[0].NotificationSent || triggers[0].Status != store.TriggerActive {
		t.Fatalf("trigger = %+v", triggers[0])
	}
	if got := len(f.notifier.snapshot()); got != 1 {
		t.Fatalf("notifications = %d, want 1", got)
	}

	rule, err := f.store.GetRule(context.Background(), f.rule.ID)
	if err != nil {
		t.Fatalf("GetRule() unexpected error: %v", err)
	}
	if rule.TriggerCount != 1 || !rule.LastTriggeredAt.Equal(t0) {
		t.Fatalf("rule = %+v", rule)
	}
}

func TestEngineTriggerResolveTrigger(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t)
	decisions := f.feed(t, feedOffsets, []float64{65, 75, 65})

	wantActions := []Action{ActionTrigger, ActionResolve, ActionTrigger}
	for i, decision := range decisions {
		if decision.Action != wantActions[i] {
			t.Fatalf("decision[%d] = %s, want %s", i, decision.Action, wantActions[i])
		}
	}

	triggers := f.triggers(t)
	if len(triggers) != 2 {
		t.Fatalf("triggers = %d, want 2", len(triggers))
	}
	first, second := triggers[0], triggers[1]
	if first.Status != store.TriggerResolved || !first.ResolvedAt.Equal(t0.Add(feedOffsets[1])) {
		t.Fatalf("first trigger = %+v", first)
	}
	if !first.NotificationSent || !first.ResolutionNotificationSent {
		t.Fatalf("first trigger flags = %+v", first)
	}
	if second.Status != store.TriggerActive || !second.TriggeredAt.Equal(t0.Add(feedOffsets[2])) {
		t.Fatalf("second trigger = %+v", second)
	}

	var opened, resolvedEvents []Event
	for _, event := range f.notifier.snapshot() {
		if event.Resolved() {
			resolvedEvents = append(resolvedEvents, event)
			continue
		}
		opened = append(opened, event)
	}
	if len(opened) != 2 || opened[0].TriggerID == opened[1].TriggerID {
		t.Fatalf("trigger notifications = %+v", opened)
	}
	if len(resolvedEvents) != 1 || resolvedEvents[0].TriggerID != first.ID || resolvedEvents[0].CurrentValue != 75 {
		t.Fatalf("resolution notifications = %+v", resolvedEvents)
	}
	event := opened[0]
	if event.AlertName != "merge rate dropped" || event.RepoName != "acme/api" || event.Operator != "<" || event.Threshold != 70 {
		t.Fatalf("event = %+v", event)
	}
	if event.DashboardLink != "https://devpulse.example/repos/acme/api/alerts/"+strconv.FormatInt(f.rule.ID, 10) {
		t.Fatalf("dashboard link = %q", event.DashboardLink)
	}
}

func TestEngineCooldownGatesRetriggerWithoutHistory(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newEngineFixture(t)
	f.feed(t, feedOffsets[:2], []float64{65, 75})

	// Purging the resolved trigger leaves only lastTriggeredAt to go by.
	if _, err := f.store.DeleteResolvedTriggersBefore(ctx, t0.Add(time.Hour)); err != nil {
		t.Fatalf("DeleteResolvedTriggersBefore() unexpected error: %v", err)
	}
	decisions := f.feed(t, []time.Duration{20 * time.Minute, 61 * time.Minute}, []float64{65, 65})

	if decisions[0].Action != ActionNone || decisions[0].Reason != ReasonCooldown {
		t.Fatalf("decision[0] = %+v, want cooldown", decisions[0])
	}
	if decisions[1].Action != ActionTrigger {
		t.Fatalf("decision[1] = %+v, want trigger after cooldown", decisions[1])
	}
	if got := len(f.triggers(t)); got != 1 {
		t.Fatalf("triggers = %d, want 1", got)
	}
	if f.engine.Stats().Suppressed != 1 {
		t.Fatalf("Stats() = %+v", f.engine.Stats())
	}
}

func TestEngineInactiveRuleIsNoop(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t)
	rule := f.rule
	rule.IsActive = false
	if err := f.engine.UpdateRule(context.Background(), rule); err != nil {
		t.Fatalf("UpdateRule() unexpected error: %v", err)
	}

	decisions := f.feed(t, feedOffsets[:1], []float64{10})
	if decisions[0].Reason != ReasonInactive || len(f.triggers(t)) != 0 {
		t.Fatalf("inactive rule produced %+v", decisions[0])
	}
}

func TestEngineConcurrentEvaluationsOpenOneTrigger(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.engine.Evaluate(context.Background(), f.rule.ID, 65); err != nil {
				t.Errorf("Evaluate() unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := len(f.triggers(t)); got != 1 {
		t.Fatalf("triggers = %d, want 1", got)
	}
	if got := len(f.notifier.snapshot()); got != 1 {
		t.Fatalf("notifications = %d, want 1", got)
	}
}

func TestEngineDeliveryFailureKeepsTriggerAndRetries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newEngineFixture(t)
	f.notifier.setErr(errors.New("smtp down"))

	f.feed(t, feedOffsets[:2], []float64{65, 75})
	triggers := f.triggers(t)
	if len(triggers) != 1 || triggers[0].Status != store.TriggerResolved {
		t.Fatalf("triggers = %+v", triggers)
	}
	if triggers[0].NotificationSent || triggers[0].ResolutionNotificationSent {
		t.Fatalf("flags set despite failed delivery: %+v", triggers[0])
	}
	if f.engine.Stats().DeliveryFailures != 1 {
		t.Fatalf("Stats() = %+v", f.engine.Stats())
	}

	delivered, err := f.engine.RetryUndelivered(ctx, 10)
	if err != nil {
		t.Fatalf("RetryUndelivered() unexpected error: %v", err)
	}
	if delivered != 0 {
		t.Fatalf("RetryUndelivered() while failing = %d", delivered)
	}

	f.notifier.setErr(nil)
	delivered, err = f.engine.RetryUndelivered(ctx, 10)
	if err != nil {
		t.Fatalf("RetryUndelivered() unexpected error: %v", err)
	}
	if delivered != 2 {
		t.Fatalf("RetryUndelivered() = %d, want 2", delivered)
	}
	events := f.notifier.snapshot()
	if len(events) != 2 || events[0].Resolved() || !events[1].Resolved() {
		t.Fatalf("retried events = %+v", events)
	}

	pending, err := f.store.ListUndeliveredTriggers(ctx, 10)
	if err != nil {
		t.Fatalf("ListUndeliveredTriggers() unexpected error: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("undelivered after retry = %+v", pending)
	}
}

func TestEngineEvaluateRepoUsesAggregates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newEngineFixture(t)
	for _, row := range []store.DailyPRMetrics{
		{RepoID: 7, Day: "2026-03-08", PRsMerged: 1, PRsClosed: 3},
		{RepoID: 7, Day: "2026-03-10", PRsMerged: 1, PRsClosed: 0},
		{RepoID: 7, Day: "2026-02-01", PRsMerged: 50},
	} {
		if err := f.store.UpsertDailyPR(ctx, row); err != nil {
			t.Fatalf("UpsertDailyPR() unexpected error: %v", err)
		}
	}

	summary, err := f.engine.EvaluateRepo(ctx, 7)
	if err != nil {
		t.Fatalf("EvaluateRepo() unexpected error: %v", err)
	}
	if summary.Rules != 1 || summary.Triggered != 1 || summary.Errors != 0 {
		t.Fatalf("EvaluateRepo() = %+v", summary)
	}
	events := f.notifier.snapshot()
	if len(events) != 1 || events[0].CurrentValue != 40 {
		t.Fatalf("events = %+v, want merge rate 40", events)
	}

	summary, err = f.engine.EvaluateAll(ctx)
	if err != nil {
		t.Fatalf("EvaluateAll() unexpected error: %v", err)
	}
	if summary.Triggered != 0 || len(f.notifier.snapshot()) != 1 {
		t.Fatalf("EvaluateAll() re-notified: %+v", summary)
	}
}

func TestEngineAcknowledgeAndCleanup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newEngineFixture(t)
	f.feed(t, feedOffsets[:1], []float64{65})
	trigger := f.triggers(t)[0]

	if err := f.engine.Acknowledge(ctx, trigger.ID); err != nil {
		t.Fatalf("Acknowledge() unexpected error: %v", err)
	}
	if got := f.triggers(t)[0].Status; got != store.TriggerAcknowledged {
		t.Fatalf("status = %s, want acknowledged", got)
	}

	// Acknowledged triggers stay open until the metric recovers.
	decisions := f.feed(t, []time.Duration{90 * time.Minute}, []float64{65})
	if decisions[0].Reason != ReasonStillBreaching {
		t.Fatalf("decision = %+v", decisions[0])
	}
	f.feed(t, []time.Duration{2 * time.Hour}, []float64{80})

	f.now = t0.Add(48 * time.Hour)
	deleted, err := f.engine.Cleanup(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Cleanup() unexpected error: %v", err)
	}
	if deleted != 1 || len(f.triggers(t)) != 0 {
		t.Fatalf("Cleanup() deleted %d", deleted)
	}
}

func TestEngineCreateRuleValidates(t *testing.T) {
	t.Parallel()

	f := newEngineFixture(t)
	_, err := f.engine.CreateRule(context.Background(), store.AlertRule{UserID: "u1", RepoID: 7, Name: "x", Metric: "stars", Operator: "<"})
	if !errors.Is(err, ErrInvalidRule) {
		t.Fatalf("CreateRule() error = %v, want ErrInvalidRule", err)
	}
}
