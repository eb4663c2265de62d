package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

var checkedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestProbeProviderCurrentStatus(t *testing.T) {
	t.Parallel()

	down := func(context.Context) error { return errors.New("connection refused") }
	up := func(context.Context) error { return nil }
	leader := func() Role { return RoleLeader }
	apiOpen := func() time.Duration { return 0 }

	testCases := []struct {
		name        string
		probes      Probes
		wantReady   bool
		wantMode    Mode
		wantState   map[string]State
		wantDetails map[string]string
	}{
		{
			name: "leader_all_up",
			probes: Probes{
				Role: leader, Database: up, Broker: up,
				Workers: func() int { return 4 }, Scheduler: func() bool { return true }, GitHubBlocked: apiOpen,
			},
			wantReady: true,
			wantMode:  ModeHealthy,
			wantState: map[string]State{"database": StateOK, "broker": StateOK, "workers": StateOK, "scheduler": StateOK, "github": StateOK},
			wantDetails: map[string]string{
				"workers": "4 running",
			},
		},
		{
			name: "rate_limited_github_only_degrades",
			probes: Probes{
				Role: leader, Workers: func() int { return 1 }, Scheduler: func() bool { return true },
				GitHubBlocked: func() time.Duration { return 90*time.Second + 400*time.Millisecond },
			},
			wantReady:   true,
			wantMode:    ModeDegraded,
			wantState:   map[string]State{"github": StateDegraded},
			wantDetails: map[string]string{"github": "rate limited for 1m30s"},
		},
		{
			name:        "single_instance_uses_local_broker",
			probes:      Probes{Workers: func() int { return 2 }, GitHubBlocked: apiOpen},
			wantReady:   true,
			wantMode:    ModeHealthy,
			wantState:   map[string]State{"broker": StateLocal, "scheduler": StateStandby},
			wantDetails: map[string]string{"broker": "in-process queues and locks"},
		},
		{
			name:        "missing_github_client_degrades",
			probes:      Probes{Workers: func() int { return 1 }},
			wantReady:   true,
			wantMode:    ModeDegraded,
			wantState:   map[string]State{"github": StateDegraded},
			wantDetails: map[string]string{"github": "no api client"},
		},
		{
			name:        "database_down",
			probes:      Probes{Database: down, GitHubBlocked: apiOpen},
			wantReady:   false,
			wantMode:    ModeUnhealthy,
			wantState:   map[string]State{"database": StateDown},
			wantDetails: map[string]string{"database": "connection refused"},
		},
		{
			name:      "redis_down",
			probes:    Probes{Broker: down, GitHubBlocked: apiOpen},
			wantReady: false,
			wantMode:  ModeUnhealthy,
			wantState: map[string]State{"broker": StateDown},
		},
		{
			name:        "workers_stopped",
			probes:      Probes{Workers: func() int { return 0 }, GitHubBlocked: apiOpen},
			wantReady:   false,
			wantMode:    ModeUnhealthy,
			wantState:   map[string]State{"workers": StateDown},
			wantDetails: map[string]string{"workers": "0 running"},
		},
		{
			name:        "leader_without_scheduled_tasks",
			probes:      Probes{Role: leader, Scheduler: func() bool { return false }, GitHubBlocked: apiOpen},
			wantReady:   false,
			wantMode:    ModeUnhealthy,
			wantState:   map[string]State{"scheduler": StateDown},
			wantDetails: map[string]string{"scheduler": "no task scheduled"},
		},
		{
			name: "follower_ignores_stopped_scheduler",
			probes: Probes{
				Role: func() Role { return RoleFollower }, Scheduler: func() bool { return false }, GitHubBlocked: apiOpen,
			},
			wantReady: true,
			wantMode:  ModeHealthy,
			wantState: map[string]State{"scheduler": StateStandby},
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			tc.probes.Now = func() time.Time { return checkedAt }
			status := NewProbeProvider(tc.probes).CurrentStatus(context.Background())
			if status.Ready != tc.wantReady {
				t.Fatalf("CurrentStatus().Ready = %t, want %t (%+v)", status.Ready, tc.wantReady, status.Components)
			}
			if status.Mode != tc.wantMode {
				t.Fatalf("CurrentStatus().Mode = %q, want %q", status.Mode, tc.wantMode)
			}
			if !status.CheckedAt.Equal(checkedAt) {
				t.Fatalf("CurrentStatus().CheckedAt = %s, want %s", status.CheckedAt, checkedAt)
			}
			for name, want := range tc.wantState {
				if got := status.Components[name].State; got != want {
					t.Fatalf("component %s state = %q, want %q", name, got, want)
				}
			}
			for name, want := range tc.wantDetails {
				if got := status.Components[name].Detail; got != want {
					t.Fatalf("component %s detail = %q, want %q", name, got, want)
				}
			}
		})
	}
}

func TestProbeProviderBoundsSlowPings(t *testing.T) {
	t.Parallel()

	slow := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	provider := NewProbeProvider(Probes{Database: slow, Timeout: 20 * time.Millisecond})

	start := time.Now()
	status := provider.CurrentStatus(context.Background())
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("CurrentStatus() took %s", elapsed)
	}
	if status.Ready {
		t.Fatalf("CurrentStatus().Ready = true with a hung database")
	}
}

type staticProvider struct {
	status Status
}

func (s *staticProvider) CurrentStatus(_ context.Context) Status {
	return s.status
}

func TestHandler(t *testing.T) {
	t.Parallel()

	healthy := Evaluate(RoleLeader, map[string]Component{
		"database": {State: StateOK, Required: true},
	}, checkedAt)
	degraded := Evaluate(RoleFollower, map[string]Component{
		"database": {State: StateOK, Required: true},
		"github":   {State: StateDegraded, Detail: "rate limited for 5m0s"},
	}, checkedAt)
	unhealthy := Evaluate(RoleFollower, map[string]Component{
		"broker": {State: StateDown, Required: true, Detail: "dial tcp: connection refused"},
	}, checkedAt)

	testCases := []struct {
		name       string
		status     Status
		path       string
		wantCode   int
		wantSubstr []string
	}{
		{
			name:       "livez_always_ok",
			status:     unhealthy,
			path:       "/livez",
			wantCode:   http.StatusOK,
			wantSubstr: []string{"ok"},
		},
		{
			name:       "readyz_healthy",
			status:     healthy,
			path:       "/readyz",
			wantCode:   http.StatusOK,
			wantSubstr: []string{"ready"},
		},
		{
			name:       "readyz_degraded_still_ready",
			status:     degraded,
			path:       "/readyz",
			wantCode:   http.StatusOK,
			wantSubstr: []string{"ready"},
		},
		{
			name:       "readyz_unhealthy",
			status:     unhealthy,
			path:       "/readyz",
			wantCode:   http.StatusServiceUnavailable,
			wantSubstr: []string{"not ready"},
		},
		{
			name:       "healthz_degraded_reports_detail",
			status:     degraded,
			path:       "/healthz",
			wantCode:   http.StatusOK,
			wantSubstr: []string{`"mode":"degraded"`, `"role":"follower"`, "rate limited for 5m0s"},
		},
		{
			name:       "healthz_unhealthy_is_unavailable",
			status:     unhealthy,
			path:       "/healthz",
			wantCode:   http.StatusServiceUnavailable,
			wantSubstr: []string{`"ready":false`, "connection refused"},
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			handler := NewHandler(&staticProvider{status: tc.status})
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tc.wantCode {
				t.Fatalf("status code = %d, want %d", rec.Code, tc.wantCode)
			}
			body := rec.Body.String()
			for _, substr := range tc.wantSubstr {
				if !strings.Contains(body, substr) {
					t.Fatalf("body %q missing %q", body, substr)
				}
			}

			if tc.path == "/healthz" {
				var parsed Status
				if err := json.Unmarshal(rec.Body.Bytes(), &parsed); err != nil {
					t.Fatalf("healthz body is not valid json: %v", err)
				}
				if parsed.Mode != tc.status.Mode {
					t.Fatalf("healthz mode = %q, want %q", parsed.Mode, tc.status.Mode)
				}
			}
		})
	}
}
