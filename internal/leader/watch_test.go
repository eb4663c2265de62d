package leader

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func collect(transitions <-chan Transition) ([]bool, error) {
	roles := make([]bool, 0)
	var lastErr error
	for transition := range transitions {
		roles = append(roles, transition.Leader)
		if transition.Err != nil {
			lastErr = transition.Err
		}
	}
	return roles, lastErr
}

func TestWatch(t *testing.T) {
	t.Parallel()

	lostRedis := errors.New("renew lease: connection reset")

	testCases := []struct {
		name      string
		elector   func() Elector
		cancel    bool
		wantRoles []bool
		wantErr   error
	}{
		{
			name:      "no_elector_leads",
			elector:   func() Elector { return nil },
			cancel:    true,
			wantRoles: []bool{true},
		},
		{
			name:      "single_instance_follower",
			elector:   func() Elector { return SingleInstance{Leader: false} },
			cancel:    true,
			wantRoles: []bool{false},
		},
		{
			name: "lease_flapping_collapses_repeats",
			elector: func() Elector {
				return Manual{Events: closedEvents(true, true, false, false, true)}
			},
			wantRoles: []bool{true, false, true},
		},
		{
			name: "leader_losing_redis_is_demoted",
			elector: func() Elector {
				return Manual{Events: closedEvents(true), Err: lostRedis}
			},
			wantRoles: []bool{true, false},
			wantErr:   lostRedis,
		},
		{
			name: "follower_losing_redis_reports_failure",
			elector: func() Elector {
				return Manual{Events: closedEvents(false), Err: lostRedis}
			},
			wantRoles: []bool{false, false},
			wantErr:   lostRedis,
		},
		{
			name: "cancellation_is_not_a_failure",
			elector: func() Elector {
				return Manual{Events: closedEvents(true), Err: context.Canceled}
			},
			wantRoles: []bool{true},
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if tc.cancel {
				time.AfterFunc(30*time.Millisecond, cancel)
			}

			roles, err := collect(Watch(ctx, tc.elector(), zaptest.NewLogger(t)))
			if !slices.Equal(roles, tc.wantRoles) {
				t.Fatalf("Watch() roles = %v, want %v", roles, tc.wantRoles)
			}
			if !errors.Is(err, tc.wantErr) || (tc.wantErr == nil && err != nil) {
				t.Fatalf("Watch() error = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func closedEvents(events ...bool) <-chan bool {
	ch := make(chan bool, len(events))
	for _, event := range events {
		ch <- event
	}
	close(ch)
	return ch
}
