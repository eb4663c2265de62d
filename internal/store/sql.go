package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgconn"
	// Registers the "pgx" database/sql driver.
	_ "github.com/jackc/pgx/v5/stdlib"
	// Registers the "sqlite" database/sql driver.
	_ "modernc.org/sqlite"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// Config configures the SQL store.
type Config struct {
	// Driver is sqlite or postgres.
	Driver string
	DSN    string
	// NodeID seeds the snowflake generator used for rule, trigger and notification ids.
	NodeID int64
}

// SQLStore persists raw activity, daily aggregates, alert rules, triggers and notifications.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	ids     *snowflake.Node
}

// Open connects to the configured database and applies the schema.
func Open(ctx context.Context, cfg Config) (*SQLStore, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("store dsn is required")
	}

	var (
		driverName string
		dsn        = cfg.DSN
		kind       dialect
	)
	switch driver {
	case "sqlite":
		driverName = "sqlite"
		kind = dialectSQLite
		if !strings.Contains(dsn, "_pragma") {
			separator := "?"
			if strings.Contains(dsn, "?") {
				separator = "&"
			}
			dsn += separator + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
		}
	case "postgres":
		driverName = "pgx"
		kind = dialectPostgres
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}

	nodeID := cfg.NodeID
	if nodeID <= 0 {
		nodeID = 1
	}
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("create id generator: %w", err)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if kind == dialectSQLite {
		db.SetMaxOpenConns(1)
	}

	store := &SQLStore{db: db, dialect: kind, ids: node}
	if err := store.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the database handle.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping verifies database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sql store is not initialized")
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for i, statement := range schema {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i, err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders into $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var builder strings.Builder
	builder.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			builder.WriteByte('$')
			builder.WriteString(strconv.Itoa(n))
			continue
		}
		builder.WriteRune(r)
	}
	return builder.String()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *SQLStore) txExec(ctx context.Context, tx *sql.Tx, query string, args ...any) (sql.Result, error) {
	return tx.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) nextID() int64 {
	return s.ids.Generate().Int64()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

type rowScanner interface {
	Scan(dest ...any) error
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS repositories (
		id BIGINT PRIMARY KEY,
		owner TEXT NOT NULL,
		name TEXT NOT NULL,
		full_name TEXT NOT NULL,
		default_branch TEXT NOT NULL DEFAULT '',
		updated_at BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS pushes (
		repo_id BIGINT NOT NULL,
		head_sha TEXT NOT NULL,
		ref TEXT NOT NULL,
		pusher TEXT NOT NULL,
		commit_count INTEGER NOT NULL,
		pushed_at BIGINT NOT NULL,
		PRIMARY KEY (repo_id, head_sha)
	)`,
	`CREATE INDEX IF NOT EXISTS pushes_repo_time ON pushes (repo_id, pushed_at)`,
	`CREATE TABLE IF NOT EXISTS commits (
		repo_id BIGINT NOT NULL,
		sha TEXT NOT NULL,
		author TEXT NOT NULL,
		committed_at BIGINT NOT NULL,
		additions INTEGER NOT NULL,
		deletions INTEGER NOT NULL,
		files_changed INTEGER NOT NULL,
		stats_known INTEGER NOT NULL,
		PRIMARY KEY (repo_id, sha)
	)`,
	`CREATE INDEX IF NOT EXISTS commits_repo_time ON commits (repo_id, committed_at)`,
	`CREATE TABLE IF NOT EXISTS pull_requests (
		repo_id BIGINT NOT NULL,
		number INTEGER NOT NULL,
		author TEXT NOT NULL,
		state TEXT NOT NULL,
		opened_at BIGINT NOT NULL,
		merged_at BIGINT NOT NULL,
		closed_at BIGINT NOT NULL,
		first_review_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		PRIMARY KEY (repo_id, number)
	)`,
	`CREATE TABLE IF NOT EXISTS reviews (
		id BIGINT PRIMARY KEY,
		repo_id BIGINT NOT NULL,
		pr_number INTEGER NOT NULL,
		reviewer TEXT NOT NULL,
		state TEXT NOT NULL,
		submitted_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS reviews_repo_time ON reviews (repo_id, submitted_at)`,
	`CREATE TABLE IF NOT EXISTS issues (
		repo_id BIGINT NOT NULL,
		number INTEGER NOT NULL,
		opened_at BIGINT NOT NULL,
		closed_at BIGINT NOT NULL,
		PRIMARY KEY (repo_id, number)
	)`,
	`CREATE TABLE IF NOT EXISTS daily_push_metrics (
		repo_id BIGINT NOT NULL,
		day TEXT NOT NULL,
		pushes INTEGER NOT NULL,
		commits INTEGER NOT NULL,
		additions INTEGER NOT NULL,
		deletions INTEGER NOT NULL,
		contributors INTEGER NOT NULL,
		PRIMARY KEY (repo_id, day)
	)`,
	`CREATE TABLE IF NOT EXISTS daily_pr_metrics (
		repo_id BIGINT NOT NULL,
		day TEXT NOT NULL,
		prs_opened INTEGER NOT NULL,
		prs_merged INTEGER NOT NULL,
		prs_closed INTEGER NOT NULL,
		avg_merge_hours DOUBLE PRECISION NOT NULL,
		avg_first_review_hours DOUBLE PRECISION NOT NULL,
		first_reviews INTEGER NOT NULL DEFAULT 0,
		issues_opened INTEGER NOT NULL,
		issues_closed INTEGER NOT NULL,
		PRIMARY KEY (repo_id, day)
	)`,
	`CREATE TABLE IF NOT EXISTS daily_reviewer_metrics (
		repo_id BIGINT NOT NULL,
		day TEXT NOT NULL,
		reviewer TEXT NOT NULL,
		reviews INTEGER NOT NULL,
		approvals INTEGER NOT NULL,
		changes_requested INTEGER NOT NULL,
		avg_response_hours DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (repo_id, day, reviewer)
	)`,
	`CREATE TABLE IF NOT EXISTS repo_snapshots (
		repo_id BIGINT NOT NULL,
		ref TEXT NOT NULL,
		file_count INTEGER NOT NULL,
		total_bytes BIGINT NOT NULL,
		taken_at BIGINT NOT NULL,
		PRIMARY KEY (repo_id, ref)
	)`,
	`CREATE TABLE IF NOT EXISTS alert_rules (
		id BIGINT PRIMARY KEY,
		user_id TEXT NOT NULL,
		repo_id BIGINT NOT NULL,
		name TEXT NOT NULL,
		metric TEXT NOT NULL,
		operator TEXT NOT NULL,
		threshold DOUBLE PRECISION NOT NULL,
		is_active INTEGER NOT NULL,
		cooldown_minutes INTEGER NOT NULL,
		last_triggered_at BIGINT NOT NULL,
		trigger_count INTEGER NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS alert_rules_repo ON alert_rules (repo_id)`,
	`CREATE TABLE IF NOT EXISTS alert_triggers (
		id BIGINT PRIMARY KEY,
		alert_id BIGINT NOT NULL REFERENCES alert_rules (id) ON DELETE CASCADE,
		triggered_at BIGINT NOT NULL,
		resolved_at BIGINT NOT NULL,
		current_value DOUBLE PRECISION NOT NULL,
		threshold_value DOUBLE PRECISION NOT NULL,
		notification_sent INTEGER NOT NULL,
		resolution_notification_sent INTEGER NOT NULL,
		status TEXT NOT NULL,
		metadata TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS alert_triggers_one_open ON alert_triggers (alert_id) WHERE status <> 'resolved'`,
	`CREATE INDEX IF NOT EXISTS alert_triggers_alert_time ON alert_triggers (alert_id, triggered_at)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id BIGINT PRIMARY KEY,
		user_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		title TEXT NOT NULL,
		body TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		read_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS notifications_user_time ON notifications (user_id, created_at)`,
}
