package backfill

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/cam3ron2/devpulse/internal/aggregate"
	"github.com/cam3ron2/devpulse/internal/store"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeRepos struct {
	repos []store.Repository
	err   error
}

func (f *fakeRepos) ListRepositories(context.Context) ([]store.Repository, error) {
	return f.repos, f.err
}

type recompute struct {
	repoID int64
	days   []time.Time
	kind   aggregate.Kind
}

type fakeRecomputer struct {
	mu      sync.Mutex
	calls   []recompute
	failFor map[int64]error
	active  int
	peak    int
}

func (f *fakeRecomputer) RecomputeDays(_ context.Context, repoID int64, days []time.Time, kind aggregate.Kind) error {
	f.mu.Lock()
	f.active++
	if f.active > f.peak {
		f.peak = f.active
	}
	f.mu.Unlock()

	time.Sleep(5 * time.Millisecond)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.active--
	f.calls = append(f.calls, recompute{repoID: repoID, days: days, kind: kind})
	return f.failFor[repoID]
}

func (f *fakeRecomputer) repoIDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]int64, 0, len(f.calls))
	for _, call := range f.calls {
		ids = append(ids, call.repoID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func repos(ids ...int64) []store.Repository {
	out := make([]store.Repository, 0, len(ids))
	for _, id := range ids {
		out = append(out, store.Repository{ID: id, FullName: "acme/repo"})
	}
	return out
}

func fixedNow() time.Time {
	return time.Date(2026, 3, 10, 15, 4, 5, 0, time.UTC)
}

func TestRunnerRecomputesEveryRepo(t *testing.T) {
	t.Parallel()

	recomputer := &fakeRecomputer{}
	runner := NewRunner(Config{Concurrency: 2}, &fakeRepos{repos: repos(1, 2, 3, 4, 5)}, recomputer, nil, zaptest.NewLogger(t))
	runner.now = fixedNow

	result, err := runner.Run(context.Background(), 30)
	if err != nil {
		t.Fatalf("Run() unexpected error: %v", err)
	}
	if result.Repos != 5 || result.Recomputed != 5 || result.Days != 30 || result.Failed != 0 {
		t.Fatalf("Run() result = %+v", result)
	}
	if got, want := store.DayKey(result.WindowStart), "2026-02-09"; got != want {
		t.Fatalf("WindowStart = %s, want %s", got, want)
	}
	if got, want := store.DayKey(result.WindowEnd), "2026-03-10"; got != want {
		t.Fatalf("WindowEnd = %s, want %s", got, want)
	}
	if recomputer.peak > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", recomputer.peak)
	}
	for _, call := range recomputer.calls {
		if call.kind != aggregate.KindAll || len(call.days) != 30 {
			t.Fatalf("recompute call = repo %d kind %d days %d", call.repoID, call.kind, len(call.days))
		}
	}
}

func TestRunnerIsolatesRepoFailures(t *testing.T) {
	t.Parallel()

	boom := errors.New("db locked")
	recomputer := &fakeRecomputer{failFor: map[int64]error{2: boom}}
	runner := NewRunner(Config{Concurrency: 1}, &fakeRepos{repos: repos(1, 2, 3)}, recomputer, nil, nil)

	result, err := runner.Run(context.Background(), 2)
	if !errors.Is(err, boom) {
		t.Fatalf("Run() error = %v, want %v", err, boom)
	}
	if result.Failed != 1 || result.Recomputed != 2 {
		t.Fatalf("Run() result = %+v", result)
	}
	if got := recomputer.repoIDs(); len(got) != 3 {
		t.Fatalf("recomputed repos = %v, want all three attempted", got)
	}
}

func TestRunnerDedup(t *testing.T) {
	t.Parallel()

	locks := store.NewMemoryLocks()
	recomputer := &fakeRecomputer{failFor: map[int64]error{2: errors.New("transient")}}
	runner := NewRunner(Config{Concurrency: 4, DedupTTL: time.Hour}, &fakeRepos{repos: repos(1, 2)}, recomputer, locks, nil)
	runner.now = fixedNow

	if _, err := runner.Run(context.Background(), 7); err == nil {
		t.Fatalf("first Run() expected error for repo 2")
	}

	delete(recomputer.failFor, 2)
	result, err := runner.Run(context.Background(), 7)
	if err != nil {
		t.Fatalf("second Run() unexpected error: %v", err)
	}
	// Repo 1 already completed this window; repo 2 released its key on failure.
	if result.DedupSuppressed != 1 || result.Recomputed != 1 {
		t.Fatalf("second Run() result = %+v", result)
	}
	if got := recomputer.repoIDs(); len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 2 {
		t.Fatalf("recomputed repos = %v", got)
	}
}

func TestRunnerEdgeCases(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		repos   *fakeRepos
		days    int
		wantErr bool
		want    Result
	}{
		{name: "zero_days_is_noop", repos: &fakeRepos{repos: repos(1)}, days: 0},
		{name: "list_failure", repos: &fakeRepos{err: errors.New("no db")}, days: 3, wantErr: true},
		{name: "no_repos", repos: &fakeRepos{}, days: 1, want: Result{Days: 1}},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			runner := NewRunner(Config{}, tc.repos, &fakeRecomputer{}, nil, nil)
			runner.now = fixedNow
			result, err := runner.Run(context.Background(), tc.days)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("Run() expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Run() unexpected error: %v", err)
			}
			if result.Repos != tc.want.Repos || result.Days != tc.want.Days || result.Recomputed != tc.want.Recomputed {
				t.Fatalf("Run() result = %+v, want %+v", result, tc.want)
			}
		})
	}
}

func TestDedupKey(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	end := time.Date(2026, 3, 10, 1, 0, 0, 0, time.UTC)
	if got, want := DedupKey(42, start, end), "backfill:42:2026-03-01:2026-03-10"; got != want {
		t.Fatalf("DedupKey() = %q, want %q", got, want)
	}
}
