package app

import (
	"context"
	"sync"
	"time"

	"github.com/cam3ron2/devpulse/internal/health"
	"github.com/cam3ron2/devpulse/internal/leader"
	"go.uber.org/zap"
)

// LeaderDuties are the responsibilities only the leader runs: the scheduler and the initial
// backfill. Queue workers run on every instance and are not role-bound.
type LeaderDuties interface {
	StartLeader(ctx context.Context)
	StopLeader()
}

// RoleManager applies leadership transitions to the leader duties and keeps the role history
// exposed on /metrics and /healthz.
type RoleManager struct {
	duties LeaderDuties
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	stats leader.Stats
}

// NewRoleManager creates a manager that starts as a follower.
func NewRoleManager(duties LeaderDuties, logger *zap.Logger) *RoleManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RoleManager{
		duties: duties,
		logger: logger,
		now:    time.Now,
		stats:  leader.Stats{Since: time.Now().UTC()},
	}
}

// Run applies transitions until ctx ends, the channel closes or the elector fails, whose error
// is returned. The leader duties are stopped before Run returns.
func (m *RoleManager) Run(ctx context.Context, transitions <-chan leader.Transition) error {
	defer m.demote("shutdown")

	for {
		select {
		case <-ctx.Done():
			return nil
		case transition, ok := <-transitions:
			if !ok {
				return nil
			}
			if transition.Err != nil {
				m.demote("election failed")
				return transition.Err
			}
			if transition.Leader {
				m.promote(ctx)
				continue
			}
			m.demote("lease lost")
		}
	}
}

// Role reports the current role for health evaluation.
func (m *RoleManager) Role() health.Role {
	if m.LeaderStats().Leader {
		return health.RoleLeader
	}
	return health.RoleFollower
}

// LeaderStats returns the role history.
func (m *RoleManager) LeaderStats() leader.Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *RoleManager) promote(ctx context.Context) {
	m.mu.Lock()
	if m.stats.Leader {
		m.mu.Unlock()
		return
	}
	m.stats.Leader = true
	m.stats.Since = m.now().UTC()
	m.stats.Promotions++
	m.mu.Unlock()

	m.logger.Info("promoted to leader")
	m.duties.StartLeader(ctx)
}

func (m *RoleManager) demote(reason string) {
	m.mu.Lock()
	if !m.stats.Leader {
		m.mu.Unlock()
		return
	}
	m.stats.Leader = false
	m.stats.Since = m.now().UTC()
	m.stats.Demotions++
	m.mu.Unlock()

	m.duties.StopLeader()
	m.logger.Info("stepped down to follower", zap.String("reason", reason))
}
