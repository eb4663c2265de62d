// Package scheduler runs named periodic jobs on independent tickers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cam3ron2/devpulse/internal/backfill"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var (
	// ErrUnknownTask is returned for a task name that was never registered.
	ErrUnknownTask = errors.New("unknown scheduler task")
	// ErrSkipped is returned by RunNow when the task could not take its lock.
	ErrSkipped = errors.New("scheduler task skipped")
)

// Task is one named periodic job.
type Task struct {
	Name       string
	Interval   time.Duration
	RunOnStart bool
	Run        func(ctx context.Context) error
}

// Locker guards a run across processes.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// Backfiller performs the one-shot historical recompute.
type Backfiller interface {
	Run(ctx context.Context, days int) (backfill.Result, error)
}

// Config controls scheduler behavior.
type Config struct {
	// Locker is optional; when set each run also holds scheduler:<name> for LockTTL.
	Locker     Locker
	LockTTL    time.Duration
	Backfiller Backfiller
}

// TaskStats are cumulative per-task counters.
type TaskStats struct {
	Interval  time.Duration
	Scheduled bool
	Running   bool
	Runs      uint64
	Failures  uint64
	Panics    uint64
	Skipped   uint64
	LastRun   time.Time
	LastError string
}

type task struct {
	Task

	runMu sync.Mutex

	// guarded by Scheduler.mu
	cancel context.CancelFunc
	done   chan struct{}
	stats  TaskStats
}

// Scheduler owns registered tasks and their ticker loops.
type Scheduler struct {
	config Config
	logger *zap.Logger

	mu    sync.Mutex
	tasks map[string]*task
}

// New creates a scheduler.
func New(config Config, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.LockTTL <= 0 {
		config.LockTTL = 10 * time.Minute
	}
	return &Scheduler{
		config: config,
		logger: logger,
		tasks:  make(map[string]*task),
	}
}

// Register adds a task. Registering an existing name replaces a stopped task.
func (s *Scheduler) Register(t Task) error {
	if t.Name == "" {
		return fmt.Errorf("scheduler task name is required")
	}
	if t.Interval <= 0 {
		return fmt.Errorf("scheduler task %s: interval must be > 0", t.Name)
	}
	if t.Run == nil {
		return fmt.Errorf("scheduler task %s: run func is required", t.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.tasks[t.Name]; ok && existing.cancel != nil {
		return fmt.Errorf("scheduler task %s is running", t.Name)
	}
	s.tasks[t.Name] = &task{Task: t, stats: TaskStats{Interval: t.Interval}}
	return nil
}

// Names returns registered task names in sorted order.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start begins the ticker loop of one task. Starting a running task is a no-op.
func (s *Scheduler) Start(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	if t.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})
	t.stats.Scheduled = true
	go s.loop(ctx, t, t.done)
	s.logger.Info("scheduler task started", zap.String("task", name), zap.Duration("interval", t.Interval))
	return nil
}

// Stop ends the ticker loop of one task and waits for an in-flight run to return.
func (s *Scheduler) Stop(name string) error {
	s.mu.Lock()
	t, ok := s.tasks[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	cancel, done := t.cancel, t.done
	t.cancel = nil
	t.done = nil
	t.stats.Scheduled = false
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	s.logger.Info("scheduler task stopped", zap.String("task", name))
	return nil
}

// StartAll starts every registered task.
func (s *Scheduler) StartAll() {
	for _, name := range s.Names() {
		_ = s.Start(name)
	}
}

// StopAll stops every task and waits for in-flight runs.
func (s *Scheduler) StopAll() {
	for _, name := range s.Names() {
		_ = s.Stop(name)
	}
}

// RunNow executes one task synchronously, honoring its overlap guard.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return s.execute(ctx, t)
}

// RunInitialBackfill recomputes the last days UTC days for every repository.
func (s *Scheduler) RunInitialBackfill(ctx context.Context, days int) (backfill.Result, error) {
	if s.config.Backfiller == nil {
		return backfill.Result{}, fmt.Errorf("scheduler has no backfiller")
	}
	if days <= 0 {
		days = 30
	}
	result, err := s.config.Backfiller.Run(ctx, days)
	if err != nil {
		return result, fmt.Errorf("initial backfill: %w", err)
	}
	return result, nil
}

// Stats returns counters for every task.
func (s *Scheduler) Stats() map[string]TaskStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]TaskStats, len(s.tasks))
	for name, t := range s.tasks {
		out[name] = t.stats
	}
	return out
}

func (s *Scheduler) loop(ctx context.Context, t *task, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	// Runs are detached from the loop context so Stop never cancels a job mid-flight.
	runCtx := context.WithoutCancel(ctx)
	if t.RunOnStart {
		s.tick(runCtx, t)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(runCtx, t)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, t *task) {
	err := s.execute(ctx, t)
	switch {
	case err == nil, errors.Is(err, ErrSkipped):
	default:
		s.logger.Warn("scheduler task failed", zap.String("task", t.Name), zap.Error(err))
	}
}

func (s *Scheduler) execute(ctx context.Context, t *task) (err error) {
	if !t.runMu.TryLock() {
		s.recordSkip(t, "previous run still executing")
		return ErrSkipped
	}
	defer t.runMu.Unlock()

	if s.config.Locker != nil {
		key := "scheduler:" + t.Name
		acquired, lockErr := s.config.Locker.Acquire(ctx, key, s.config.LockTTL)
		if lockErr != nil {
			// Without the lock another instance may be running this task.
			s.logger.Warn("scheduler lock unavailable", zap.String("task", t.Name), zap.Error(lockErr))
			s.recordSkip(t, "distributed lock unavailable")
			return fmt.Errorf("%w: acquire %s: %w", ErrSkipped, key, lockErr)
		}
		if !acquired {
			s.recordSkip(t, "held by another instance")
			return ErrSkipped
		}
		defer func() {
			if releaseErr := s.config.Locker.Release(context.WithoutCancel(ctx), key); releaseErr != nil {
				s.logger.Warn("release scheduler lock failed", zap.String("key", key), zap.Error(releaseErr))
			}
		}()
	}

	ctx, span := otel.Tracer("devpulse/scheduler").Start(ctx, "scheduler.run")
	span.SetAttributes(attribute.String("scheduler.task", t.Name))
	defer span.End()

	s.setRunning(t, true)
	started := time.Now()
	panicked := false
	defer func() {
		if recovered := recover(); recovered != nil {
			panicked = true
			err = fmt.Errorf("scheduler task %s panicked: %v", t.Name, recovered)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		s.finish(t, started, err, panicked)
	}()

	return t.Run(ctx)
}

func (s *Scheduler) recordSkip(t *task, reason string) {
	s.mu.Lock()
	t.stats.Skipped++
	s.mu.Unlock()
	s.logger.Debug("scheduler task skipped", zap.String("task", t.Name), zap.String("reason", reason))
}

func (s *Scheduler) setRunning(t *task, running bool) {
	s.mu.Lock()
	t.stats.Running = running
	s.mu.Unlock()
}

func (s *Scheduler) finish(t *task, started time.Time, err error, panicked bool) {
	s.mu.Lock()
	t.stats.Running = false
	t.stats.Runs++
	t.stats.LastRun = started
	t.stats.LastError = ""
	if err != nil {
		t.stats.Failures++
		t.stats.LastError = err.Error()
	}
	if panicked {
		t.stats.Panics++
	}
	s.mu.Unlock()

	if err == nil {
		s.logger.Debug("scheduler task completed", zap.String("task", t.Name), zap.Duration("duration", time.Since(started)))
	}
}
