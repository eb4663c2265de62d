// Package leader decides which instance runs the scheduler and the initial backfill.
package leader

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Elector reports leadership changes for one instance through emit until ctx ends or the
// lease can no longer be tracked.
type Elector interface {
	Run(ctx context.Context, emit func(isLeader bool)) error
}

// Transition is one change of this instance's role.
type Transition struct {
	Leader bool
	// Err is set on the last transition when the elector failed. It always demotes.
	Err error
}

// Stats summarizes the role history of one process.
type Stats struct {
	Leader     bool
	Since      time.Time
	Promotions uint64
	Demotions  uint64
}

// Watch runs elector and returns its role changes, without repeats. The channel closes once the
// elector returns. A nil elector makes this process the leader.
func Watch(ctx context.Context, elector Elector, logger *zap.Logger) <-chan Transition {
	if logger == nil {
		logger = zap.NewNop()
	}
	if elector == nil {
		elector = SingleInstance{Leader: true}
	}
	transitions := make(chan Transition, 8)

	go func() {
		defer close(transitions)

		known, leading := false, false
		send := func(t Transition) {
			select {
			case transitions <- t:
			case <-ctx.Done():
			}
		}
		emit := func(isLeader bool) {
			if known && leading == isLeader {
				return
			}
			known, leading = true, isLeader
			logger.Info("leadership changed", zap.Bool("leader", isLeader))
			send(Transition{Leader: isLeader})
		}

		err := elector.Run(ctx, emit)
		if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		logger.Error("leader election stopped", zap.Bool("was_leader", leading), zap.Error(err))
		send(Transition{Leader: false, Err: err})
	}()

	return transitions
}

// SingleInstance is the elector used when leader election is disabled: the role never changes.
type SingleInstance struct {
	Leader bool
}

// Run emits the fixed role and waits for ctx.
func (e SingleInstance) Run(ctx context.Context, emit func(isLeader bool)) error {
	emit(e.Leader)
	<-ctx.Done()
	return nil
}

// Manual lets an operator or a test drive leadership. A closed Events channel ends the election
// with Err.
type Manual struct {
	Events <-chan bool
	Err    error
}

// Run forwards Events until the channel closes or ctx ends.
func (e Manual) Run(ctx context.Context, emit func(isLeader bool)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-e.Events:
			if !ok {
				return e.Err
			}
			emit(event)
		}
	}
}
