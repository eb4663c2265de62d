package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	validLogLevels    = []string{"debug", "info", "warn", "error"}
	validStoreDrivers = []string{"sqlite", "postgres"}
	validQueueBackend = []string{"memory", "redis"}
	validFailPolicies = []string{"open", "closed"}
)

// QueueNames lists every queue the service consumes.
var QueueNames = []string{
	"webhook",
	"pushAnalysis",
	"pullAnalysis",
	"issuesAnalysis",
	"fullRepoAnalysis",
	"repoFiles",
	"pushScan",
	"alertMail",
}

// Config is the root application configuration.
type Config struct {
	Server         ServerConfig
	Store          StoreConfig
	Queue          QueueConfig
	RateLimit      RateLimitConfig
	Scheduler      SchedulerConfig
	LeaderElection LeaderElectionConfig
	Alerting       AlertingConfig
	Realtime       RealtimeConfig
	GitHub         GitHubConfig
	Mail           MailConfig
	Users          []UserConfig
	Telemetry      TelemetryConfig
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	ListenAddr      string
	LogLevel        string
	ShutdownTimeout time.Duration
}

// StoreConfig configures the SQL activity store and the shared Redis instance.
type StoreConfig struct {
	Driver             string
	DSN                string
	RedisMode          string
	RedisAddr          string
	RedisMasterSet     string
	RedisSentinelAddrs []string
	RedisPassword      string
	RedisDB            int
	Namespace          string
}

// QueueConfig configures the work queue set.
type QueueConfig struct {
	Backend           string
	BlockTimeout      time.Duration
	VisibilityTimeout time.Duration
	PromoteInterval   time.Duration
	DedupTTL          time.Duration
	Queues            map[string]QueueSettings
}

// QueueSettings configures one named queue.
type QueueSettings struct {
	Concurrency    int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// RateLimitConfig configures the fixed-window limiter.
type RateLimitConfig struct {
	FailPolicy string
	Rules      map[string]RateLimitRule
}

// RateLimitRule configures one limiter rule.
type RateLimitRule struct {
	Window      time.Duration
	MaxRequests int
	KeyPrefix   string
	Message     string
}

// SchedulerConfig configures periodic jobs and the startup backfill.
type SchedulerConfig struct {
	PushAggregationInterval     time.Duration
	PRAggregationInterval       time.Duration
	NotificationCleanupInterval time.Duration
	TriggerCleanupInterval      time.Duration
	DeliveryRetryInterval       time.Duration
	BackfillDays                int
	BackfillConcurrency         int
	NotificationReadRetention   time.Duration
	NotificationRetention       time.Duration
	TriggerRetention            time.Duration
	DistributedLock             bool
	LockTTL                     time.Duration
}

// LeaderElectionConfig contains leader election settings.
type LeaderElectionConfig struct {
	Enabled       bool
	LeaseName     string
	LeaseDuration time.Duration
	RetryPeriod   time.Duration
}

// AlertingConfig configures the alert evaluation engine.
type AlertingConfig struct {
	MetricWindow     time.Duration
	DashboardBaseURL string
}

// RealtimeConfig configures the websocket channel.
type RealtimeConfig struct {
	JWTSecret         string
	JWTIssuer         string
	KeepaliveInterval time.Duration
	WriteTimeout      time.Duration
	SendBuffer        int
}

// GitHubConfig configures webhook verification and the analysis API client.
type GitHubConfig struct {
	APIBaseURL     string
	WebhookSecret  string
	AppID          int64
	InstallationID int64
	PrivateKeyPath string
	RequestTimeout time.Duration
	AnalysisDays   int
	RateLimit      GitHubRateLimitConfig
}

// GitHubRateLimitConfig configures GitHub API budget handling.
type GitHubRateLimitConfig struct {
	MinRemaining     int
	MinResetBuffer   time.Duration
	SecondaryBackoff time.Duration
}

// MailConfig configures the outbound SMTP mailer.
type MailConfig struct {
	SMTPAddr      string
	From          string
	Username      string
	Password      string
	RatePerSecond float64
	Burst         int
}

// UserConfig is one entry of the static user directory.
type UserConfig struct {
	ID    string `yaml:"id"`
	Email string `yaml:"email"`
}

// TelemetryConfig configures OpenTelemetry behavior.
type TelemetryConfig struct {
	OTELEnabled          bool
	OTELExporterEndpoint string
	OTELTraceMode        string
	OTELTraceSampleRatio float64
}

// Load reads configuration from YAML and validates the result.
func Load(reader io.Reader) (*Config, error) {
	return LoadWithEnv(reader, nil)
}

// LoadWithEnv reads configuration from YAML, overlays secrets from lookup and validates the result.
func LoadWithEnv(reader io.Reader, lookup func(string) (string, bool)) (*Config, error) {
	if reader == nil {
		return nil, fmt.Errorf("config reader is nil")
	}

	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)

	var raw rawConfig
	if err := decoder.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	cfg := raw.toConfig()
	applyEnv(cfg, lookup)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates configuration values.
func (c *Config) Validate() error {
	var errs []string

	if !slices.Contains(validLogLevels, c.Server.LogLevel) {
		errs = append(errs, "server.log_level must be one of debug|info|warn|error")
	}

	if !slices.Contains(validStoreDrivers, c.Store.Driver) {
		errs = append(errs, "store.driver must be sqlite or postgres")
	}
	if strings.TrimSpace(c.Store.DSN) == "" {
		errs = append(errs, "store.dsn is required")
	}
	if c.Store.RedisMode != "standalone" && c.Store.RedisMode != "sentinel" {
		errs = append(errs, "store.redis_mode must be standalone or sentinel")
	}
	if c.Store.RedisMode == "sentinel" && len(c.Store.RedisSentinelAddrs) == 0 {
		errs = append(errs, "store.redis_sentinel_addrs is required when store.redis_mode=sentinel")
	}

	if !slices.Contains(validQueueBackend, c.Queue.Backend) {
		errs = append(errs, "queue.backend must be memory or redis")
	}
	if c.Queue.Backend == "redis" && c.Store.RedisAddr == "" && c.Store.RedisMode == "standalone" {
		errs = append(errs, "store.redis_addr is required when queue.backend=redis")
	}
	queueNames := make([]string, 0, len(c.Queue.Queues))
	for name := range c.Queue.Queues {
		queueNames = append(queueNames, name)
	}
	sort.Strings(queueNames)
	for _, name := range queueNames {
		settings := c.Queue.Queues[name]
		prefix := "queue.queues." + name
		if !slices.Contains(QueueNames, name) {
			errs = append(errs, prefix+" is not a known queue")
			continue
		}
		if settings.Concurrency <= 0 {
			errs = append(errs, prefix+".concurrency must be > 0")
		}
		if settings.MaxAttempts <= 0 {
			errs = append(errs, prefix+".max_attempts must be > 0")
		}
		if settings.MaxBackoff > 0 && settings.MaxBackoff < settings.InitialBackoff {
			errs = append(errs, prefix+".max_backoff must be >= initial_backoff")
		}
	}

	if !slices.Contains(validFailPolicies, c.RateLimit.FailPolicy) {
		errs = append(errs, "rate_limit.fail_policy must be open or closed")
	}
	ruleNames := make([]string, 0, len(c.RateLimit.Rules))
	for name := range c.RateLimit.Rules {
		ruleNames = append(ruleNames, name)
	}
	sort.Strings(ruleNames)
	for _, name := range ruleNames {
		rule := c.RateLimit.Rules[name]
		prefix := "rate_limit.rules." + name
		if rule.Window <= 0 {
			errs = append(errs, prefix+".window must be > 0")
		}
		if rule.MaxRequests <= 0 {
			errs = append(errs, prefix+".max_requests must be > 0")
		}
	}

	if c.Scheduler.BackfillDays < 0 {
		errs = append(errs, "scheduler.backfill_days must be >= 0")
	}

	if strings.TrimSpace(c.Realtime.JWTSecret) == "" {
		errs = append(errs, "realtime.jwt_secret is required (set DEVPULSE_JWT_SECRET)")
	}

	if c.GitHub.AppID < 0 || c.GitHub.InstallationID < 0 {
		errs = append(errs, "github.app_id and github.installation_id must be >= 0")
	}
	if c.GitHub.AppID > 0 && strings.TrimSpace(c.GitHub.PrivateKeyPath) == "" {
		errs = append(errs, "github.private_key_path is required when github.app_id is set")
	}

	seenUsers := make(map[string]struct{}, len(c.Users))
	for i, user := range c.Users {
		if user.ID == "" {
			errs = append(errs, fmt.Sprintf("users[%d].id is required", i))
			continue
		}
		if _, ok := seenUsers[user.ID]; ok {
			errs = append(errs, "users contains duplicate id: "+user.ID)
		}
		seenUsers[user.ID] = struct{}{}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if lookup == nil {
		return
	}
	if value, ok := lookup("DEVPULSE_JWT_SECRET"); ok && value != "" {
		cfg.Realtime.JWTSecret = value
	}
	if value, ok := lookup("DEVPULSE_WEBHOOK_SECRET"); ok && value != "" {
		cfg.GitHub.WebhookSecret = value
	}
	if value, ok := lookup("DEVPULSE_DATABASE_DSN"); ok && value != "" {
		cfg.Store.DSN = value
	}
	if value, ok := lookup("DEVPULSE_REDIS_PASSWORD"); ok && value != "" {
		cfg.Store.RedisPassword = value
	}
	if value, ok := lookup("DEVPULSE_SMTP_PASSWORD"); ok && value != "" {
		cfg.Mail.Password = value
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "sqlite"
	}
	if cfg.Store.DSN == "" && cfg.Store.Driver == "sqlite" {
		cfg.Store.DSN = "devpulse.db"
	}
	if cfg.Store.RedisMode == "" {
		cfg.Store.RedisMode = "standalone"
	}
	if cfg.Store.Namespace == "" {
		cfg.Store.Namespace = "devpulse"
	}

	if cfg.Queue.Backend == "" {
		cfg.Queue.Backend = "memory"
	}
	if cfg.Queue.BlockTimeout <= 0 {
		cfg.Queue.BlockTimeout = 2 * time.Second
	}
	if cfg.Queue.VisibilityTimeout <= 0 {
		cfg.Queue.VisibilityTimeout = 5 * time.Minute
	}
	if cfg.Queue.PromoteInterval <= 0 {
		cfg.Queue.PromoteInterval = time.Second
	}
	if cfg.Queue.DedupTTL <= 0 {
		cfg.Queue.DedupTTL = 24 * time.Hour
	}
	if cfg.Queue.Queues == nil {
		cfg.Queue.Queues = make(map[string]QueueSettings, len(QueueNames))
	}
	for _, name := range QueueNames {
		settings := cfg.Queue.Queues[name]
		if settings.Concurrency == 0 {
			settings.Concurrency = defaultConcurrency(name)
		}
		if settings.MaxAttempts == 0 {
			settings.MaxAttempts = 5
		}
		if settings.InitialBackoff <= 0 {
			settings.InitialBackoff = 5 * time.Second
		}
		if settings.MaxBackoff <= 0 {
			settings.MaxBackoff = 10 * time.Minute
		}
		cfg.Queue.Queues[name] = settings
	}

	if cfg.RateLimit.FailPolicy == "" {
		cfg.RateLimit.FailPolicy = "open"
	}
	if cfg.RateLimit.Rules == nil {
		cfg.RateLimit.Rules = make(map[string]RateLimitRule)
	}
	if _, ok := cfg.RateLimit.Rules["analysis"]; !ok {
		cfg.RateLimit.Rules["analysis"] = RateLimitRule{
			Window:      time.Hour,
			MaxRequests: 10,
			KeyPrefix:   "rl:analysis",
			Message:     "too many analysis requests, try again later",
		}
	}

	if cfg.Scheduler.PushAggregationInterval <= 0 {
		cfg.Scheduler.PushAggregationInterval = time.Hour
	}
	if cfg.Scheduler.PRAggregationInterval <= 0 {
		cfg.Scheduler.PRAggregationInterval = 2 * time.Hour
	}
	if cfg.Scheduler.NotificationCleanupInterval <= 0 {
		cfg.Scheduler.NotificationCleanupInterval = 24 * time.Hour
	}
	if cfg.Scheduler.TriggerCleanupInterval <= 0 {
		cfg.Scheduler.TriggerCleanupInterval = 24 * time.Hour
	}
	if cfg.Scheduler.DeliveryRetryInterval <= 0 {
		cfg.Scheduler.DeliveryRetryInterval = 5 * time.Minute
	}
	if cfg.Scheduler.BackfillDays == 0 {
		cfg.Scheduler.BackfillDays = 30
	}
	if cfg.Scheduler.BackfillConcurrency <= 0 {
		cfg.Scheduler.BackfillConcurrency = 4
	}
	if cfg.Scheduler.NotificationReadRetention <= 0 {
		cfg.Scheduler.NotificationReadRetention = 30 * 24 * time.Hour
	}
	if cfg.Scheduler.NotificationRetention <= 0 {
		cfg.Scheduler.NotificationRetention = 90 * 24 * time.Hour
	}
	if cfg.Scheduler.TriggerRetention <= 0 {
		cfg.Scheduler.TriggerRetention = 90 * 24 * time.Hour
	}
	if cfg.Scheduler.LockTTL <= 0 {
		cfg.Scheduler.LockTTL = 30 * time.Minute
	}

	if cfg.LeaderElection.LeaseName == "" {
		cfg.LeaderElection.LeaseName = "scheduler"
	}
	if cfg.LeaderElection.LeaseDuration <= 0 {
		cfg.LeaderElection.LeaseDuration = 15 * time.Second
	}
	if cfg.LeaderElection.RetryPeriod <= 0 {
		cfg.LeaderElection.RetryPeriod = 5 * time.Second
	}

	if cfg.Alerting.MetricWindow <= 0 {
		cfg.Alerting.MetricWindow = 7 * 24 * time.Hour
	}

	if cfg.Realtime.JWTIssuer == "" {
		cfg.Realtime.JWTIssuer = "devpulse"
	}
	if cfg.Realtime.KeepaliveInterval <= 0 {
		cfg.Realtime.KeepaliveInterval = 25 * time.Second
	}
	if cfg.Realtime.WriteTimeout <= 0 {
		cfg.Realtime.WriteTimeout = 10 * time.Second
	}
	if cfg.Realtime.SendBuffer <= 0 {
		cfg.Realtime.SendBuffer = 32
	}

	if cfg.GitHub.RequestTimeout <= 0 {
		cfg.GitHub.RequestTimeout = 30 * time.Second
	}
	if cfg.GitHub.AnalysisDays <= 0 {
		cfg.GitHub.AnalysisDays = 30
	}
	if cfg.GitHub.RateLimit.MinRemaining <= 0 {
		cfg.GitHub.RateLimit.MinRemaining = 100
	}
	if cfg.GitHub.RateLimit.MinResetBuffer <= 0 {
		cfg.GitHub.RateLimit.MinResetBuffer = 10 * time.Second
	}
	if cfg.GitHub.RateLimit.SecondaryBackoff <= 0 {
		cfg.GitHub.RateLimit.SecondaryBackoff = time.Minute
	}

	if cfg.Mail.RatePerSecond <= 0 {
		cfg.Mail.RatePerSecond = 5
	}
	if cfg.Mail.Burst <= 0 {
		cfg.Mail.Burst = 10
	}

	if cfg.Telemetry.OTELTraceMode == "" {
		cfg.Telemetry.OTELTraceMode = "sampled"
	}
}

func defaultConcurrency(queue string) int {
	switch queue {
	case "webhook":
		return 8
	case "fullRepoAnalysis", "repoFiles", "alertMail":
		return 1
	default:
		return 4
	}
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil || value.Kind == 0 || strings.TrimSpace(value.Value) == "" {
		d.Duration = 0
		return nil
	}

	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}

	parsed, err := parseFlexibleDuration(raw)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func parseFlexibleDuration(raw string) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}

	if standard, err := time.ParseDuration(trimmed); err == nil {
		return standard, nil
	}

	if strings.HasSuffix(trimmed, "d") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "d"), 24)
	}
	if strings.HasSuffix(trimmed, "w") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "w"), 24*7)
	}

	return 0, fmt.Errorf("parse duration %q: invalid unit", raw)
}

func parseDurationWithMultiplier(numeric string, multiplierHours float64) (time.Duration, error) {
	value, err := strconv.ParseFloat(strings.TrimSpace(numeric), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration value %q: %w", numeric, err)
	}

	nanos := value * multiplierHours * float64(time.Hour)
	if nanos > math.MaxInt64 || nanos < math.MinInt64 {
		return 0, fmt.Errorf("parse duration value %q: out of range", numeric)
	}
	return time.Duration(nanos), nil
}

type rawConfig struct {
	Server         rawServer         `yaml:"server"`
	Store          rawStore          `yaml:"store"`
	Queue          rawQueue          `yaml:"queue"`
	RateLimit      rawRateLimit      `yaml:"rate_limit"`
	Scheduler      rawScheduler      `yaml:"scheduler"`
	LeaderElection rawLeaderElection `yaml:"leader_election"`
	Alerting       rawAlerting       `yaml:"alerting"`
	Realtime       rawRealtime       `yaml:"realtime"`
	GitHub         rawGitHub         `yaml:"github"`
	Mail           rawMail           `yaml:"mail"`
	Users          []UserConfig      `yaml:"users"`
	Telemetry      rawTelemetry      `yaml:"telemetry"`
}

type rawServer struct {
	ListenAddr      string   `yaml:"listen_addr"`
	LogLevel        string   `yaml:"log_level"`
	ShutdownTimeout duration `yaml:"shutdown_timeout"`
}

type rawStore struct {
	Driver             string   `yaml:"driver"`
	DSN                string   `yaml:"dsn"`
	RedisMode          string   `yaml:"redis_mode"`
	RedisAddr          string   `yaml:"redis_addr"`
	RedisMasterSet     string   `yaml:"redis_master_set"`
	RedisSentinelAddrs []string `yaml:"redis_sentinel_addrs"`
	RedisPassword      string   `yaml:"redis_password"`
	RedisDB            int      `yaml:"redis_db"`
	Namespace          string   `yaml:"namespace"`
}

type rawQueue struct {
	Backend           string                      `yaml:"backend"`
	BlockTimeout      duration                    `yaml:"block_timeout"`
	VisibilityTimeout duration                    `yaml:"visibility_timeout"`
	PromoteInterval   duration                    `yaml:"promote_interval"`
	DedupTTL          duration                    `yaml:"dedup_ttl"`
	Queues            map[string]rawQueueSettings `yaml:"queues"`
}

type rawQueueSettings struct {
	Concurrency    int      `yaml:"concurrency"`
	MaxAttempts    int      `yaml:"max_attempts"`
	InitialBackoff duration `yaml:"initial_backoff"`
	MaxBackoff     duration `yaml:"max_backoff"`
}

type rawRateLimit struct {
	FailPolicy string                      `yaml:"fail_policy"`
	Rules      map[string]rawRateLimitRule `yaml:"rules"`
}

type rawRateLimitRule struct {
	Window      duration `yaml:"window"`
	MaxRequests int      `yaml:"max_requests"`
	KeyPrefix   string   `yaml:"key_prefix"`
	Message     string   `yaml:"message"`
}

type rawScheduler struct {
	PushAggregationInterval     duration `yaml:"push_aggregation_interval"`
	PRAggregationInterval       duration `yaml:"pr_aggregation_interval"`
	NotificationCleanupInterval duration `yaml:"notification_cleanup_interval"`
	TriggerCleanupInterval      duration `yaml:"trigger_cleanup_interval"`
	DeliveryRetryInterval       duration `yaml:"delivery_retry_interval"`
	BackfillDays                int      `yaml:"backfill_days"`
	BackfillConcurrency         int      `yaml:"backfill_concurrency"`
	NotificationReadRetention   duration `yaml:"notification_read_retention"`
	NotificationRetention       duration `yaml:"notification_retention"`
	TriggerRetention            duration `yaml:"trigger_retention"`
	DistributedLock             bool     `yaml:"distributed_lock"`
	LockTTL                     duration `yaml:"lock_ttl"`
}

type rawLeaderElection struct {
	Enabled       bool     `yaml:"enabled"`
	LeaseName     string   `yaml:"lease_name"`
	LeaseDuration duration `yaml:"lease_duration"`
	RetryPeriod   duration `yaml:"retry_period"`
}

type rawAlerting struct {
	MetricWindow     duration `yaml:"metric_window"`
	DashboardBaseURL string   `yaml:"dashboard_base_url"`
}

type rawRealtime struct {
	JWTIssuer         string   `yaml:"jwt_issuer"`
	KeepaliveInterval duration `yaml:"keepalive_interval"`
	WriteTimeout      duration `yaml:"write_timeout"`
	SendBuffer        int      `yaml:"send_buffer"`
}

type rawGitHub struct {
	APIBaseURL     string             `yaml:"api_base_url"`
	AppID          int64              `yaml:"app_id"`
	InstallationID int64              `yaml:"installation_id"`
	PrivateKeyPath string             `yaml:"private_key_path"`
	RequestTimeout duration           `yaml:"request_timeout"`
	AnalysisDays   int                `yaml:"analysis_days"`
	RateLimit      rawGitHubRateLimit `yaml:"rate_limit"`
}

type rawGitHubRateLimit struct {
	MinRemaining     int      `yaml:"min_remaining"`
	MinResetBuffer   duration `yaml:"min_reset_buffer"`
	SecondaryBackoff duration `yaml:"secondary_backoff"`
}

type rawMail struct {
	SMTPAddr      string  `yaml:"smtp_addr"`
	From          string  `yaml:"from"`
	Username      string  `yaml:"username"`
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

type rawTelemetry struct {
	OTELEnabled          bool    `yaml:"otel_enabled"`
	OTELExporterEndpoint string  `yaml:"otel_exporter_otlp_endpoint"`
	OTELTraceMode        string  `yaml:"otel_trace_mode"`
	OTELTraceSampleRatio float64 `yaml:"otel_trace_sample_ratio"`
}

func (r rawConfig) toConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{
			ListenAddr:      r.Server.ListenAddr,
			LogLevel:        r.Server.LogLevel,
			ShutdownTimeout: r.Server.ShutdownTimeout.Duration,
		},
		Store: StoreConfig{
			Driver:             r.Store.Driver,
			DSN:                r.Store.DSN,
			RedisMode:          r.Store.RedisMode,
			RedisAddr:          r.Store.RedisAddr,
			RedisMasterSet:     r.Store.RedisMasterSet,
			RedisSentinelAddrs: r.Store.RedisSentinelAddrs,
			RedisPassword:      r.Store.RedisPassword,
			RedisDB:            r.Store.RedisDB,
			Namespace:          r.Store.Namespace,
		},
		Queue: QueueConfig{
			Backend:           r.Queue.Backend,
			BlockTimeout:      r.Queue.BlockTimeout.Duration,
			VisibilityTimeout: r.Queue.VisibilityTimeout.Duration,
			PromoteInterval:   r.Queue.PromoteInterval.Duration,
			DedupTTL:          r.Queue.DedupTTL.Duration,
			Queues:            make(map[string]QueueSettings, len(r.Queue.Queues)),
		},
		RateLimit: RateLimitConfig{
			FailPolicy: r.RateLimit.FailPolicy,
			Rules:      make(map[string]RateLimitRule, len(r.RateLimit.Rules)),
		},
		Scheduler: SchedulerConfig{
			PushAggregationInterval:     r.Scheduler.PushAggregationInterval.Duration,
			PRAggregationInterval:       r.Scheduler.PRAggregationInterval.Duration,
			NotificationCleanupInterval: r.Scheduler.NotificationCleanupInterval.Duration,
			TriggerCleanupInterval:      r.Scheduler.TriggerCleanupInterval.Duration,
			DeliveryRetryInterval:       r.Scheduler.DeliveryRetryInterval.Duration,
			BackfillDays:                r.Scheduler.BackfillDays,
			BackfillConcurrency:         r.Scheduler.BackfillConcurrency,
			NotificationReadRetention:   r.Scheduler.NotificationReadRetention.Duration,
			NotificationRetention:       r.Scheduler.NotificationRetention.Duration,
			TriggerRetention:            r.Scheduler.TriggerRetention.Duration,
			DistributedLock:             r.Scheduler.DistributedLock,
			LockTTL:                     r.Scheduler.LockTTL.Duration,
		},
		LeaderElection: LeaderElectionConfig{
			Enabled:       r.LeaderElection.Enabled,
			LeaseName:     r.LeaderElection.LeaseName,
			LeaseDuration: r.LeaderElection.LeaseDuration.Duration,
			RetryPeriod:   r.LeaderElection.RetryPeriod.Duration,
		},
		Alerting: AlertingConfig{
			MetricWindow:     r.Alerting.MetricWindow.Duration,
			DashboardBaseURL: r.Alerting.DashboardBaseURL,
		},
		Realtime: RealtimeConfig{
			JWTIssuer:         r.Realtime.JWTIssuer,
			KeepaliveInterval: r.Realtime.KeepaliveInterval.Duration,
			WriteTimeout:      r.Realtime.WriteTimeout.Duration,
			SendBuffer:        r.Realtime.SendBuffer,
		},
		GitHub: GitHubConfig{
			APIBaseURL:     r.GitHub.APIBaseURL,
			AppID:          r.GitHub.AppID,
			InstallationID: r.GitHub.InstallationID,
			PrivateKeyPath: r.GitHub.PrivateKeyPath,
			RequestTimeout: r.GitHub.RequestTimeout.Duration,
			AnalysisDays:   r.GitHub.AnalysisDays,
			RateLimit: GitHubRateLimitConfig{
				MinRemaining:     r.GitHub.RateLimit.MinRemaining,
				MinResetBuffer:   r.GitHub.RateLimit.MinResetBuffer.Duration,
				SecondaryBackoff: r.GitHub.RateLimit.SecondaryBackoff.Duration,
			},
		},
		Mail: MailConfig{
			SMTPAddr:      r.Mail.SMTPAddr,
			From:          r.Mail.From,
			Username:      r.Mail.Username,
			RatePerSecond: r.Mail.RatePerSecond,
			Burst:         r.Mail.Burst,
		},
		Users: append([]UserConfig(nil), r.Users...),
		Telemetry: TelemetryConfig{
			OTELEnabled:          r.Telemetry.OTELEnabled,
			OTELExporterEndpoint: r.Telemetry.OTELExporterEndpoint,
			OTELTraceMode:        r.Telemetry.OTELTraceMode,
			OTELTraceSampleRatio: r.Telemetry.OTELTraceSampleRatio,
		},
	}

	for name, settings := range r.Queue.Queues {
		cfg.Queue.Queues[name] = QueueSettings{
			Concurrency:    settings.Concurrency,
			MaxAttempts:    settings.MaxAttempts,
			InitialBackoff: settings.InitialBackoff.Duration,
			MaxBackoff:     settings.MaxBackoff.Duration,
		}
	}
	for name, rule := range r.RateLimit.Rules {
		cfg.RateLimit.Rules[name] = RateLimitRule{
			Window:      rule.Window.Duration,
			MaxRequests: rule.MaxRequests,
			KeyPrefix:   rule.KeyPrefix,
			Message:     rule.Message,
		}
	}

	return cfg
}
