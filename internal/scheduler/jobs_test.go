package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cam3ron2/devpulse/internal/aggregate"
	"github.com/cam3ron2/devpulse/internal/alerting"
	"github.com/cam3ron2/devpulse/internal/store"
	"go.uber.org/zap/zaptest"
)

type fakeRepoLister struct {
	repos []store.Repository
	err   error
}

func (f fakeRepoLister) ListRepositories(context.Context) ([]store.Repository, error) {
	return f.repos, f.err
}

type fakeAggregator struct {
	mu      sync.Mutex
	kinds   map[int64]aggregate.Kind
	failFor int64
}

func (f *fakeAggregator) RecentDays() []time.Time {
	today := store.DayStart(time.Now())
	return []time.Time{today.AddDate(0, 0, -1), today}
}

func (f *fakeAggregator) RecomputeDays(_ context.Context, repoID int64, days []time.Time, kind aggregate.Kind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if repoID == f.failFor {
		return errors.New("locked")
	}
	if len(days) != 2 {
		return errors.New("expected today and yesterday")
	}
	if f.kinds == nil {
		f.kinds = make(map[int64]aggregate.Kind)
	}
	f.kinds[repoID] = kind
	return nil
}

type fakeEvaluator struct {
	mu        sync.Mutex
	evaluated []int64
	retention time.Duration
	limit     int
}

func (f *fakeEvaluator) EvaluateRepo(_ context.Context, repoID int64) (alerting.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evaluated = append(f.evaluated, repoID)
	return alerting.Summary{Rules: 1, Triggered: 1}, nil
}

func (f *fakeEvaluator) RetryUndelivered(_ context.Context, limit int) (int, error) {
	f.limit = limit
	return 3, nil
}

func (f *fakeEvaluator) Cleanup(_ context.Context, retention time.Duration) (int64, error) {
	f.retention = retention
	return 4, nil
}

type fakeCleaner struct {
	readCutoff time.Time
	hardCutoff time.Time
	err        error
}

func (f *fakeCleaner) DeleteNotifications(_ context.Context, readCutoff, hardCutoff time.Time) (int64, error) {
	f.readCutoff = readCutoff
	f.hardCutoff = hardCutoff
	return 5, f.err
}

func TestAggregationTask(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name          string
		kind          aggregate.Kind
		failFor       int64
		wantErr       bool
		wantEvaluated []int64
	}{
		{name: "push", kind: aggregate.KindPush, wantEvaluated: []int64{1, 2}},
		{name: "pr", kind: aggregate.KindPR, wantEvaluated: []int64{1, 2}},
		{name: "failing_repo_does_not_stop_others", kind: aggregate.KindPush, failFor: 1, wantErr: true, wantEvaluated: []int64{2}},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			agg := &fakeAggregator{failFor: tc.failFor}
			eval := &fakeEvaluator{}
			repos := fakeRepoLister{repos: []store.Repository{{ID: 1}, {ID: 2}}}
			task := AggregationTask(TaskPushAggregation, time.Hour, tc.kind, repos, agg, eval, zaptest.NewLogger(t))

			err := task.Run(context.Background())
			if tc.wantErr != (err != nil) {
				t.Fatalf("Run() error = %v, wantErr %t", err, tc.wantErr)
			}
			if len(eval.evaluated) != len(tc.wantEvaluated) {
				t.Fatalf("evaluated = %v, want %v", eval.evaluated, tc.wantEvaluated)
			}
			for i, id := range tc.wantEvaluated {
				if eval.evaluated[i] != id || agg.kinds[id] != tc.kind {
					t.Fatalf("evaluated = %v kinds = %v", eval.evaluated, agg.kinds)
				}
			}
		})
	}

	task := AggregationTask(TaskPRAggregation, time.Hour, aggregate.KindPR, fakeRepoLister{err: errors.New("down")}, &fakeAggregator{}, nil, nil)
	if err := task.Run(context.Background()); err == nil {
		t.Fatalf("Run() with list failure expected error")
	}
}

func TestCleanupAndRetryTasks(t *testing.T) {
	t.Parallel()

	cleaner := &fakeCleaner{}
	before := time.Now().UTC()
	task := NotificationCleanupTask(24*time.Hour, cleaner, 30*24*time.Hour, 90*24*time.Hour, nil)
	if task.Name != TaskNotificationCleanup {
		t.Fatalf("Name = %s", task.Name)
	}
	if err := task.Run(context.Background()); err != nil {
		t.Fatalf("Run() unexpected error: %v", err)
	}
	if got := before.Sub(cleaner.readCutoff); got < 30*24*time.Hour || got > 30*24*time.Hour+time.Minute {
		t.Fatalf("read cutoff offset = %s", got)
	}
	if !cleaner.hardCutoff.Before(cleaner.readCutoff) {
		t.Fatalf("hard cutoff %s not before read cutoff %s", cleaner.hardCutoff, cleaner.readCutoff)
	}
	cleaner.err = errors.New("boom")
	if err := task.Run(context.Background()); err == nil {
		t.Fatalf("Run() expected error")
	}

	eval := &fakeEvaluator{}
	if err := TriggerCleanupTask(time.Hour, eval, 90*24*time.Hour, nil).Run(context.Background()); err != nil {
		t.Fatalf("trigger cleanup unexpected error: %v", err)
	}
	if eval.retention != 90*24*time.Hour {
		t.Fatalf("retention = %s", eval.retention)
	}
	if err := DeliveryRetryTask(time.Minute, eval, 0, nil).Run(context.Background()); err != nil {
		t.Fatalf("delivery retry unexpected error: %v", err)
	}
	if eval.limit != 100 {
		t.Fatalf("limit = %d", eval.limit)
	}
}
