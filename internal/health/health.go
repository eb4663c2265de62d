// Package health reports whether a devpulse instance can take webhook and API traffic.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Role identifies the runtime role for readiness evaluation.
type Role string

const (
	// RoleLeader runs the scheduler and the initial backfill.
	RoleLeader Role = "leader"
	// RoleFollower only consumes queues.
	RoleFollower Role = "follower"
)

// Mode indicates high-level health mode.
type Mode string

const (
	ModeHealthy   Mode = "healthy"
	ModeDegraded  Mode = "degraded"
	ModeUnhealthy Mode = "unhealthy"
)

// State is the condition of one component.
type State string

const (
	StateOK       State = "ok"
	StateDegraded State = "degraded"
	StateDown     State = "down"
	// StateStandby marks a leader-only component on a follower.
	StateStandby State = "standby"
	// StateLocal marks a shared backend replaced by its in-process fallback.
	StateLocal State = "local"
)

// Component is the reported condition of one dependency.
type Component struct {
	State    State  `json:"state"`
	Required bool   `json:"required"`
	Detail   string `json:"detail,omitempty"`
}

// Status represents evaluated application health.
type Status struct {
	Role       Role                 `json:"role"`
	Mode       Mode                 `json:"mode"`
	Ready      bool                 `json:"ready"`
	Components map[string]Component `json:"components"`
	CheckedAt  time.Time            `json:"checkedAt"`
}

// Provider supplies current health status.
type Provider interface {
	CurrentStatus(ctx context.Context) Status
}

// Probes are the live checks behind a ProbeProvider.
type Probes struct {
	Role     func() Role
	Database func(ctx context.Context) error
	// Broker pings the shared Redis; nil means the in-process broker is used.
	Broker func(ctx context.Context) error
	// Workers returns the number of running queue workers.
	Workers   func() int
	Scheduler func() bool
	// GitHubBlocked reports how long API calls stay blocked; nil means no client.
	GitHubBlocked func() time.Duration
	Timeout       time.Duration
	Now           func() time.Time
}

// ProbeProvider evaluates Probes on every request.
type ProbeProvider struct {
	probes Probes
}

// NewProbeProvider creates a provider.
func NewProbeProvider(probes Probes) *ProbeProvider {
	if probes.Timeout <= 0 {
		probes.Timeout = 2 * time.Second
	}
	if probes.Now == nil {
		probes.Now = time.Now
	}
	return &ProbeProvider{probes: probes}
}

// CurrentStatus implements Provider.
func (p *ProbeProvider) CurrentStatus(ctx context.Context) Status {
	ctx, cancel := context.WithTimeout(ctx, p.probes.Timeout)
	defer cancel()

	role := RoleFollower
	if p.probes.Role != nil {
		role = p.probes.Role()
	}
	components := map[string]Component{
		"database":  pingComponent(ctx, p.probes.Database),
		"broker":    brokerComponent(ctx, p.probes.Broker),
		"workers":   workersComponent(p.probes.Workers),
		"scheduler": schedulerComponent(role, p.probes.Scheduler),
		// Webhook intake and the queues keep working without API access, so GitHub only degrades.
		"github": githubComponent(p.probes.GitHubBlocked),
	}
	return Evaluate(role, components, p.probes.Now().UTC())
}

// Evaluate derives readiness and mode: any required component down makes the instance
// unready, any other non-ok component degrades it.
func Evaluate(role Role, components map[string]Component, now time.Time) Status {
	ready := true
	degraded := false
	for _, component := range components {
		switch component.State {
		case StateOK, StateStandby, StateLocal:
		case StateDown:
			if component.Required {
				ready = false
			} else {
				degraded = true
			}
		default:
			degraded = true
		}
	}

	mode := ModeHealthy
	switch {
	case !ready:
		mode = ModeUnhealthy
	case degraded:
		mode = ModeDegraded
	}
	return Status{Role: role, Mode: mode, Ready: ready, Components: components, CheckedAt: now}
}

func pingComponent(ctx context.Context, ping func(context.Context) error) Component {
	if ping == nil {
		return Component{State: StateOK, Required: true}
	}
	if err := ping(ctx); err != nil {
		return Component{State: StateDown, Required: true, Detail: err.Error()}
	}
	return Component{State: StateOK, Required: true}
}

func brokerComponent(ctx context.Context, ping func(context.Context) error) Component {
	if ping == nil {
		return Component{State: StateLocal, Required: true, Detail: "in-process queues and locks"}
	}
	return pingComponent(ctx, ping)
}

func workersComponent(running func() int) Component {
	if running == nil {
		return Component{State: StateOK, Required: true}
	}
	count := running()
	detail := strconv.Itoa(count) + " running"
	if count <= 0 {
		return Component{State: StateDown, Required: true, Detail: detail}
	}
	return Component{State: StateOK, Required: true, Detail: detail}
}

func schedulerComponent(role Role, scheduled func() bool) Component {
	if role != RoleLeader {
		return Component{State: StateStandby}
	}
	if scheduled != nil && !scheduled() {
		return Component{State: StateDown, Required: true, Detail: "no task scheduled"}
	}
	return Component{State: StateOK, Required: true}
}

func githubComponent(blocked func() time.Duration) Component {
	if blocked == nil {
		return Component{State: StateDegraded, Detail: "no api client"}
	}
	if wait := blocked(); wait > 0 {
		return Component{State: StateDegraded, Detail: fmt.Sprintf("rate limited for %s", wait.Round(time.Second))}
	}
	return Component{State: StateOK}
}

// NewHandler serves /livez, /readyz and /healthz.
func NewHandler(provider Provider) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/livez", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		if provider.CurrentStatus(r.Context()).Ready {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := provider.CurrentStatus(r.Context())
		payload, err := json.Marshal(status)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"mode":"unhealthy","error":"marshal health status"}`))
			return
		}
		code := http.StatusOK
		if status.Mode == ModeUnhealthy {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(code)
		_, _ = w.Write(payload)
	})

	return mux
}
