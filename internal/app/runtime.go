package app

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cam3ron2/devpulse/internal/aggregate"
	"github.com/cam3ron2/devpulse/internal/alerting"
	"github.com/cam3ron2/devpulse/internal/analysis"
	"github.com/cam3ron2/devpulse/internal/auth"
	"github.com/cam3ron2/devpulse/internal/backfill"
	"github.com/cam3ron2/devpulse/internal/config"
	"github.com/cam3ron2/devpulse/internal/exporter"
	"github.com/cam3ron2/devpulse/internal/githubapi"
	"github.com/cam3ron2/devpulse/internal/health"
	"github.com/cam3ron2/devpulse/internal/leader"
	"github.com/cam3ron2/devpulse/internal/notify"
	"github.com/cam3ron2/devpulse/internal/queue"
	"github.com/cam3ron2/devpulse/internal/ratelimit"
	"github.com/cam3ron2/devpulse/internal/realtime"
	"github.com/cam3ron2/devpulse/internal/scheduler"
	"github.com/cam3ron2/devpulse/internal/store"
	"github.com/cam3ron2/devpulse/internal/webhook"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Options tune runtime construction.
type Options struct {
	Logger *zap.Logger
	// InitialRole is leader or follower when leader election is disabled. Empty means leader.
	InitialRole string
	// Elector overrides the configured leader election.
	Elector leader.Elector
	// GitHubTransport replaces the network transport under the GitHub client.
	GitHubTransport http.RoundTripper
}

// Runtime owns every component of one devpulse process and their lifecycle.
type Runtime struct {
	cfg      *config.Config
	logger   *zap.Logger
	identity string

	store      *store.SQLStore
	backends   runtimeBackends
	queues     *queue.Set
	hub        *realtime.Hub
	tokens     *auth.TokenService
	limiter    *ratelimit.Limiter
	engine     *alerting.Engine
	dispatcher *notify.Dispatcher
	scheduler  *scheduler.Scheduler
	githubRL   *githubapi.RateLimitTransport
	elector    leader.Elector
	roles      *RoleManager
	handler    http.Handler

	isLeader atomic.Bool
	// backfilled is set once an initial backfill ran to completion; later promotions skip it.
	backfilled   atomic.Bool
	backfillRuns atomic.Int64

	mu             sync.Mutex
	leaderActive   bool
	backfillCancel context.CancelFunc
	backfillDone   chan struct{}
}

// NewRuntime opens the stores and wires every component. Nothing runs until Run.
func NewRuntime(ctx context.Context, cfg *config.Config, opts Options) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	identity := instanceIdentity()

	st, err := store.Open(ctx, store.Config{
		Driver: cfg.Store.Driver,
		DSN:    cfg.Store.DSN,
		NodeID: snowflakeNode(identity),
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	backends, err := newRuntimeBackends(ctx, cfg, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	r := &Runtime{
		cfg:      cfg,
		logger:   logger,
		identity: identity,
		store:    st,
		backends: backends,
	}
	if err := r.wire(opts); err != nil {
		_ = r.Close()
		return nil, err
	}
	return r, nil
}

func (r *Runtime) wire(opts Options) error {
	cfg, logger := r.cfg, r.logger

	queueCfg := queueConfigFromConfig(cfg.Queue)
	queues, err := queue.NewSet(r.backends.broker, queueCfg, r.backends.locks, logger.Named("queue"))
	if err != nil {
		return fmt.Errorf("create queue set: %w", err)
	}
	r.queues = queues

	r.hub = realtime.NewHub(cfg.Realtime.SendBuffer, logger.Named("realtime"))
	r.tokens = auth.NewTokenService(cfg.Realtime.JWTSecret, cfg.Realtime.JWTIssuer, 0)

	var mailer notify.Mailer = notify.NewLogMailer(logger.Named("mail"))
	if strings.TrimSpace(cfg.Mail.SMTPAddr) != "" {
		smtpMailer, err := notify.NewSMTPMailer(notify.SMTPConfig{
			Addr:          cfg.Mail.SMTPAddr,
			From:          cfg.Mail.From,
			Username:      cfg.Mail.Username,
			Password:      cfg.Mail.Password,
			RatePerSecond: cfg.Mail.RatePerSecond,
			Burst:         cfg.Mail.Burst,
		})
		if err != nil {
			return fmt.Errorf("create smtp mailer: %w", err)
		}
		mailer = smtpMailer
	}
	emails := make(map[string]string, len(cfg.Users))
	for _, user := range cfg.Users {
		emails[user.ID] = user.Email
	}
	r.dispatcher = notify.NewDispatcher(r.store, r.hub, mailer, r.queues, notify.NewStaticDirectory(emails), logger.Named("notify"))
	r.dispatcher.Register(r.queues)
	r.engine = alerting.NewEngine(r.store, r.dispatcher, alerting.Config{
		MetricWindow:     cfg.Alerting.MetricWindow,
		DashboardBaseURL: cfg.Alerting.DashboardBaseURL,
	}, logger.Named("alerting"))

	agg := aggregate.New(r.store, logger.Named("aggregate"))

	r.githubRL = githubapi.NewRateLimitTransport(opts.GitHubTransport, githubapi.RateLimitPolicy{
		MinRemainingThreshold: cfg.GitHub.RateLimit.MinRemaining,
		MinResetBuffer:        cfg.GitHub.RateLimit.MinResetBuffer,
		SecondaryLimitBackoff: cfg.GitHub.RateLimit.SecondaryBackoff,
	})
	httpClient, err := githubapi.NewHTTPClient(githubapi.AuthConfig{
		AppID:          cfg.GitHub.AppID,
		InstallationID: cfg.GitHub.InstallationID,
		PrivateKeyPath: cfg.GitHub.PrivateKeyPath,
		Timeout:        cfg.GitHub.RequestTimeout,
		BaseTransport:  r.githubRL,
	})
	if err != nil {
		return fmt.Errorf("create github http client: %w", err)
	}
	restClient, err := githubapi.NewRESTClient(httpClient, cfg.GitHub.APIBaseURL)
	if err != nil {
		return fmt.Errorf("create github rest client: %w", err)
	}

	analysis.New(analysis.Config{AnalysisDays: cfg.GitHub.AnalysisDays}, r.store, githubapi.NewClient(restClient),
		agg, r.engine, r.queues, logger.Named("analysis")).Register(r.queues)
	webhook.NewFanout(r.queues, 0, logger.Named("webhook")).Register(r.queues)

	var schedulerLock scheduler.Locker
	if cfg.Scheduler.DistributedLock {
		schedulerLock = r.backends.locks
	}
	backfiller := backfill.NewRunner(backfill.Config{
		Concurrency: cfg.Scheduler.BackfillConcurrency,
		DedupTTL:    cfg.Scheduler.LockTTL,
	}, r.store, agg, r.backends.locks, logger.Named("backfill"))
	r.scheduler = scheduler.New(scheduler.Config{
		Locker:     schedulerLock,
		LockTTL:    cfg.Scheduler.LockTTL,
		Backfiller: backfiller,
	}, logger.Named("scheduler"))
	jobLogger := logger.Named("jobs")
	tasks := []scheduler.Task{
		scheduler.AggregationTask(scheduler.TaskPushAggregation, cfg.Scheduler.PushAggregationInterval, aggregate.KindPush, r.store, agg, r.engine, jobLogger),
		scheduler.AggregationTask(scheduler.TaskPRAggregation, cfg.Scheduler.PRAggregationInterval, aggregate.KindPR, r.store, agg, r.engine, jobLogger),
		scheduler.NotificationCleanupTask(cfg.Scheduler.NotificationCleanupInterval, r.store,
			cfg.Scheduler.NotificationReadRetention, cfg.Scheduler.NotificationRetention, jobLogger),
		scheduler.TriggerCleanupTask(cfg.Scheduler.TriggerCleanupInterval, r.engine, cfg.Scheduler.TriggerRetention, jobLogger),
		scheduler.DeliveryRetryTask(cfg.Scheduler.DeliveryRetryInterval, r.engine, 0, jobLogger),
	}
	for _, task := range tasks {
		if err := r.scheduler.Register(task); err != nil {
			return fmt.Errorf("register scheduler task: %w", err)
		}
	}

	r.elector = opts.Elector
	if r.elector == nil {
		r.elector, err = r.newElector(opts.InitialRole)
		if err != nil {
			return err
		}
	}
	r.roles = NewRoleManager(r, logger.Named("roles"))

	r.limiter = ratelimit.New(r.backends.counters, ratelimit.FailPolicy(cfg.RateLimit.FailPolicy), logger.Named("ratelimit"))
	r.handler = r.newHandler()
	return nil
}

func (r *Runtime) newElector(initialRole string) (leader.Elector, error) {
	if !r.cfg.LeaderElection.Enabled {
		return leader.SingleInstance{Leader: !strings.EqualFold(strings.TrimSpace(initialRole), "follower")}, nil
	}
	elector, err := leader.NewRedisLeaseElector(r.backends.redis, leader.RedisLeaseConfig{
		Key:           r.cfg.Store.Namespace + ":leader:" + r.cfg.LeaderElection.LeaseName,
		Identity:      r.identity,
		LeaseDuration: r.cfg.LeaderElection.LeaseDuration,
		RetryPeriod:   r.cfg.LeaderElection.RetryPeriod,
		Logger:        r.logger.Named("leader"),
	})
	if err != nil {
		return nil, fmt.Errorf("create leader elector: %w", err)
	}
	return elector, nil
}

func (r *Runtime) newHandler() http.Handler {
	cfg, logger := r.cfg, r.logger

	runtimeReader := exporter.NewRuntimeReader(exporter.Sources{
		Queues:    r.queues,
		Scheduler: r.scheduler,
		Hub:       r.hub,
		Limiter:   r.limiter,
		Alerts:    r.engine,
		Notify:    r.dispatcher,
		GitHub:    r.githubRL,
		Leader:    r.roles,
	}, 0)
	activityReader := exporter.NewActivityReader(r.store, exporter.CacheConfig{}, logger.Named("exporter"))

	probes := health.Probes{
		Role:          r.roles.Role,
		Database:      r.store.Ping,
		Workers:       r.queues.Running,
		Scheduler:     r.schedulerRunning,
		GitHubBlocked: r.githubRL.BlockedFor,
	}
	if r.backends.redis != nil {
		probes.Broker = func(ctx context.Context) error { return r.backends.redis.Ping(ctx).Err() }
	}

	analyzeRule := cfg.RateLimit.Rules["analysis"]
	return NewHTTPHandler(Routes{
		Metrics: exporter.NewOpenMetricsHandler(runtimeReader, activityReader),
		Health:  health.NewHandler(health.NewProbeProvider(probes)),
		Webhook: webhook.NewIntake(cfg.GitHub.WebhookSecret, r.queues, logger.Named("webhook")),
		Realtime: realtime.NewServer(r.hub, r.tokens, realtime.ServerConfig{
			KeepaliveInterval: cfg.Realtime.KeepaliveInterval,
			WriteTimeout:      cfg.Realtime.WriteTimeout,
		}, logger.Named("realtime")),
		Analyze:     NewAnalyzeHandler(r.store, r.queues, logger.Named("api")),
		Acknowledge: NewAcknowledgeHandler(r.store, r.engine, logger.Named("api")),
		APIAuth:     auth.Middleware(r.tokens, logger.Named("auth")),
		AnalyzeLimit: ratelimit.Middleware(r.limiter, ratelimit.Rule{
			Window:      analyzeRule.Window,
			MaxRequests: analyzeRule.MaxRequests,
			KeyPrefix:   analyzeRule.KeyPrefix,
			Message:     analyzeRule.Message,
		}, ratelimit.UserOrIP, logger.Named("ratelimit")),
	})
}

// Handler returns the combined HTTP handler.
func (r *Runtime) Handler() http.Handler {
	return r.handler
}

// Queues exposes the queue set.
func (r *Runtime) Queues() *queue.Set {
	return r.queues
}

// Store exposes the SQL store.
func (r *Runtime) Store() *store.SQLStore {
	return r.store
}

// Tokens exposes the token service.
func (r *Runtime) Tokens() *auth.TokenService {
	return r.tokens
}

// IsLeader reports whether this process currently holds leader responsibilities.
func (r *Runtime) IsLeader() bool {
	return r.isLeader.Load()
}

// Run starts the workers, follows leadership and serves HTTP until ctx ends or a component fails.
func (r *Runtime) Run(ctx context.Context) error {
	r.queues.Start(ctx)
	defer r.queues.Stop()

	server := &http.Server{
		Addr:              r.cfg.Server.ListenAddr,
		Handler:           r.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		transitions := leader.Watch(groupCtx, r.elector, r.logger.Named("leader"))
		if err := r.roles.Run(groupCtx, transitions); err != nil {
			return fmt.Errorf("leader election: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		r.logger.Info("http server starting", zap.String("addr", server.Addr), zap.String("instance", r.identity))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(groupCtx), r.cfg.Server.ShutdownTimeout)
		defer cancel()
		// Websocket connections are hijacked, so Shutdown does not wait for them.
		r.hub.Close()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		return nil
	})

	err := group.Wait()
	r.logger.Info("runtime stopped", zap.Error(err))
	return err
}

// StartLeader starts the scheduler and, unless an earlier term already finished it, the initial
// backfill. A backfill cut short by a step-down runs again on the next promotion.
func (r *Runtime) StartLeader(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.leaderActive {
		return
	}
	r.leaderActive = true
	r.isLeader.Store(true)
	r.scheduler.StartAll()
	r.logger.Info("leader responsibilities started", zap.Strings("tasks", r.scheduler.Names()))

	if r.backfilled.Load() {
		return
	}
	backfillCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.backfillCancel = cancel
	r.backfillDone = done
	go func() {
		defer close(done)
		r.backfillRuns.Add(1)
		result, err := r.scheduler.RunInitialBackfill(backfillCtx, r.cfg.Scheduler.BackfillDays)
		if err != nil {
			r.logger.Warn("initial backfill finished with errors", zap.Int("failed", result.Failed), zap.Error(err))
		}
		if backfillCtx.Err() == nil {
			r.backfilled.Store(true)
		}
	}()
}

// StopLeader cancels the backfill and stops the scheduler, waiting for in-flight runs.
func (r *Runtime) StopLeader() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.leaderActive {
		return
	}
	r.leaderActive = false
	r.isLeader.Store(false)
	if r.backfillCancel != nil {
		r.backfillCancel()
		<-r.backfillDone
		r.backfillCancel = nil
		r.backfillDone = nil
	}
	r.scheduler.StopAll()
	r.logger.Info("leader responsibilities stopped")
}

// Close releases the stores. Call it after Run returns.
func (r *Runtime) Close() error {
	var errs []error
	if r.hub != nil {
		r.hub.Close()
	}
	if r.backends.redis != nil {
		if err := r.backends.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (r *Runtime) schedulerRunning() bool {
	for _, stats := range r.scheduler.Stats() {
		if stats.Scheduled {
			return true
		}
	}
	return false
}

func instanceIdentity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "devpulse"
	}
	return host + "-" + uuid.NewString()[:8]
}

// snowflakeNode maps identity onto the 10-bit snowflake node space.
func snowflakeNode(identity string) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(identity))
	return int64(h.Sum32() % 1024)
}
