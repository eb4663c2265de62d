package app

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/cam3ron2/devpulse/internal/health"
	"github.com/cam3ron2/devpulse/internal/leader"
	"go.uber.org/zap/zaptest"
)

type recordedDuties struct {
	mu    sync.Mutex
	calls []string
}

func (d *recordedDuties) StartLeader(_ context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "scheduler_on")
}

func (d *recordedDuties) StopLeader() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "scheduler_off")
}

func (d *recordedDuties) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.calls)
}

func feed(transitions ...leader.Transition) <-chan leader.Transition {
	ch := make(chan leader.Transition, len(transitions))
	for _, transition := range transitions {
		ch <- transition
	}
	close(ch)
	return ch
}

func TestRoleManagerRun(t *testing.T) {
	t.Parallel()

	lease := errors.New("redis lease: i/o timeout")
	won := leader.Transition{Leader: true}
	lost := leader.Transition{Leader: false}

	testCases := []struct {
		name           string
		transitions    <-chan leader.Transition
		wantCalls      []string
		wantErr        error
		wantPromotions uint64
		wantDemotions  uint64
	}{
		{
			name:        "follower_never_runs_scheduler",
			transitions: feed(lost),
			wantCalls:   nil,
		},
		{
			name:           "single_leader_steps_down_on_exit",
			transitions:    feed(won),
			wantCalls:      []string{"scheduler_on", "scheduler_off"},
			wantPromotions: 1,
			wantDemotions:  1,
		},
		{
			name:           "failover_and_back",
			transitions:    feed(won, lost, won),
			wantCalls:      []string{"scheduler_on", "scheduler_off", "scheduler_on", "scheduler_off"},
			wantPromotions: 2,
			wantDemotions:  2,
		},
		{
			name:           "repeated_wins_start_once",
			transitions:    feed(won, won, won),
			wantCalls:      []string{"scheduler_on", "scheduler_off"},
			wantPromotions: 1,
			wantDemotions:  1,
		},
		{
			name:           "election_failure_demotes_and_returns",
			transitions:    feed(won, leader.Transition{Err: lease}, won),
			wantCalls:      []string{"scheduler_on", "scheduler_off"},
			wantErr:        lease,
			wantPromotions: 1,
			wantDemotions:  1,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			duties := &recordedDuties{}
			manager := NewRoleManager(duties, zaptest.NewLogger(t))
			err := manager.Run(context.Background(), tc.transitions)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("Run() error = %v, want %v", err, tc.wantErr)
			}
			if got := duties.Calls(); !slices.Equal(got, tc.wantCalls) {
				t.Fatalf("duties = %v, want %v", got, tc.wantCalls)
			}
			stats := manager.LeaderStats()
			if stats.Leader || manager.Role() != health.RoleFollower {
				t.Fatalf("manager still leading after Run: %+v", stats)
			}
			if stats.Promotions != tc.wantPromotions || stats.Demotions != tc.wantDemotions {
				t.Fatalf("LeaderStats() = %+v, want %d promotions and %d demotions", stats, tc.wantPromotions, tc.wantDemotions)
			}
		})
	}
}

func TestRoleManagerCancelStepsDown(t *testing.T) {
	t.Parallel()

	duties := &recordedDuties{}
	manager := NewRoleManager(duties, zaptest.NewLogger(t))
	promotedAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	manager.now = func() time.Time { return promotedAt }

	transitions := make(chan leader.Transition)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- manager.Run(ctx, transitions) }()

	transitions <- leader.Transition{Leader: true}
	waitFor(t, func() bool { return manager.Role() == health.RoleLeader })
	if since := manager.LeaderStats().Since; !since.Equal(promotedAt) {
		t.Fatalf("LeaderStats().Since = %s, want %s", since, promotedAt)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() unexpected error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Run() did not return after cancellation")
	}
	if got := duties.Calls(); !slices.Equal(got, []string{"scheduler_on", "scheduler_off"}) {
		t.Fatalf("duties = %v after cancellation", got)
	}
}
