package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// RuleFilter narrows ListRules. Zero fields match everything.
type RuleFilter struct {
	RepoID     int64
	UserID     string
	ActiveOnly bool
}

const ruleColumns = `id, user_id, repo_id, name, metric, operator, threshold, is_active,
	cooldown_minutes, last_triggered_at, trigger_count, created_at, updated_at`

const triggerColumns = `id, alert_id, triggered_at, resolved_at, current_value, threshold_value,
	notification_sent, resolution_notification_sent, status, metadata`

// CreateRule assigns an id and persists rule.
func (s *SQLStore) CreateRule(ctx context.Context, rule AlertRule) (AlertRule, error) {
	now := time.Now().UTC()
	rule.ID = s.nextID()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = rule.CreatedAt
	_, err := s.exec(ctx, `
		INSERT INTO alert_rules (`+ruleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ID, rule.UserID, rule.RepoID, rule.Name, rule.Metric, rule.Operator, rule.Threshold,
		boolInt(rule.IsActive), rule.CooldownMinutes, toNanos(rule.LastTriggeredAt), rule.TriggerCount,
		toNanos(rule.CreatedAt), toNanos(rule.UpdatedAt),
	)
	if err != nil {
		return AlertRule{}, fmt.Errorf("create alert rule: %w", err)
	}
	return rule, nil
}

// UpdateRule applies the user-editable fields of rule.
func (s *SQLStore) UpdateRule(ctx context.Context, rule AlertRule) error {
	updatedAt := rule.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	result, err := s.exec(ctx, `
		UPDATE alert_rules SET
			name = ?, metric = ?, operator = ?, threshold = ?, is_active = ?, cooldown_minutes = ?, updated_at = ?
		WHERE id = ?`,
		rule.Name, rule.Metric, rule.Operator, rule.Threshold, boolInt(rule.IsActive), rule.CooldownMinutes,
		toNanos(updatedAt), rule.ID,
	)
	if err != nil {
		return fmt.Errorf("update alert rule %d: %w", rule.ID, err)
	}
	return requireAffected(result, rule.ID)
}

// GetRule returns one rule by id.
func (s *SQLStore) GetRule(ctx context.Context, id int64) (AlertRule, error) {
	rule, err := scanRule(s.queryRow(ctx, `SELECT `+ruleColumns+` FROM alert_rules WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return AlertRule{}, ErrNotFound
	}
	if err != nil {
		return AlertRule{}, fmt.Errorf("get alert rule %d: %w", id, err)
	}
	return rule, nil
}

// DeleteRule removes a rule together with its triggers.
func (s *SQLStore) DeleteRule(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.txExec(ctx, tx, `DELETE FROM alert_triggers WHERE alert_id = ?`, id); err != nil {
			return fmt.Errorf("delete triggers of rule %d: %w", id, err)
		}
		result, err := s.txExec(ctx, tx, `DELETE FROM alert_rules WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete alert rule %d: %w", id, err)
		}
		return requireAffected(result, id)
	})
}

// ListRules returns rules matching filter ordered by id.
func (s *SQLStore) ListRules(ctx context.Context, filter RuleFilter) ([]AlertRule, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.RepoID != 0 {
		clauses = append(clauses, "repo_id = ?")
		args = append(args, filter.RepoID)
	}
	if filter.UserID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.ActiveOnly {
		clauses = append(clauses, "is_active = 1")
	}
	query := `SELECT ` + ruleColumns + ` FROM alert_rules`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id"

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alert rules: %w", err)
	}
	defer rows.Close()

	var rules []AlertRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert rule: %w", err)
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// OpenTrigger persists a new active trigger and stamps the rule's lastTriggeredAt and triggerCount
// in one transaction. It returns ErrTriggerExists when the rule already has an open trigger.
func (s *SQLStore) OpenTrigger(ctx context.Context, trigger AlertTrigger) (AlertTrigger, error) {
	if trigger.TriggeredAt.IsZero() {
		return AlertTrigger{}, fmt.Errorf("trigger time is required")
	}
	metadata, err := encodeMetadata(trigger.Metadata)
	if err != nil {
		return AlertTrigger{}, err
	}
	trigger.ID = s.nextID()
	trigger.Status = TriggerActive
	trigger.ResolvedAt = time.Time{}
	trigger.NotificationSent = false
	trigger.ResolutionNotificationSent = false

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var open int
		if err := tx.QueryRowContext(ctx, s.rebind(
			`SELECT COUNT(*) FROM alert_triggers WHERE alert_id = ? AND status <> 'resolved'`), trigger.AlertID,
		).Scan(&open); err != nil {
			return fmt.Errorf("check open trigger: %w", err)
		}
		if open > 0 {
			return ErrTriggerExists
		}

		_, err := s.txExec(ctx, tx, `
			INSERT INTO alert_triggers (`+triggerColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			trigger.ID, trigger.AlertID, toNanos(trigger.TriggeredAt), int64(0), trigger.CurrentValue,
			trigger.ThresholdValue, 0, 0, string(TriggerActive), metadata,
		)
		if isUniqueViolation(err) {
			return ErrTriggerExists
		}
		if err != nil {
			return fmt.Errorf("insert trigger: %w", err)
		}

		result, err := s.txExec(ctx, tx, `
			UPDATE alert_rules SET last_triggered_at = ?, trigger_count = trigger_count + 1 WHERE id = ?`,
			toNanos(trigger.TriggeredAt), trigger.AlertID,
		)
		if err != nil {
			return fmt.Errorf("stamp alert rule: %w", err)
		}
		return requireAffected(result, trigger.AlertID)
	})
	if err != nil {
		return AlertTrigger{}, err
	}
	return trigger, nil
}

// GetLatestTrigger returns the rule's most recent trigger, if any. An open trigger is always
// the latest one because a rule never has two.
func (s *SQLStore) GetLatestTrigger(ctx context.Context, alertID int64) (AlertTrigger, bool, error) {
	trigger, err := scanTrigger(s.queryRow(ctx, `
		SELECT `+triggerColumns+` FROM alert_triggers
		WHERE alert_id = ?
		ORDER BY triggered_at DESC LIMIT 1`, alertID))
	if errors.Is(err, sql.ErrNoRows) {
		return AlertTrigger{}, false, nil
	}
	if err != nil {
		return AlertTrigger{}, false, fmt.Errorf("get latest trigger of rule %d: %w", alertID, err)
	}
	return trigger, true, nil
}

// GetTrigger returns one trigger by id.
func (s *SQLStore) GetTrigger(ctx context.Context, id int64) (AlertTrigger, error) {
	trigger, err := scanTrigger(s.queryRow(ctx, `SELECT `+triggerColumns+` FROM alert_triggers WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return AlertTrigger{}, ErrNotFound
	}
	if err != nil {
		return AlertTrigger{}, fmt.Errorf("get trigger %d: %w", id, err)
	}
	return trigger, nil
}

// ResolveTrigger moves an open trigger to resolved and stamps resolvedAt.
func (s *SQLStore) ResolveTrigger(ctx context.Context, id int64, resolvedAt time.Time) error {
	result, err := s.exec(ctx, `
		UPDATE alert_triggers SET status = 'resolved', resolved_at = ?
		WHERE id = ? AND status <> 'resolved'`, toNanos(resolvedAt), id)
	if err != nil {
		return fmt.Errorf("resolve trigger %d: %w", id, err)
	}
	return requireAffected(result, id)
}

// AcknowledgeTrigger moves an active trigger to acknowledged.
func (s *SQLStore) AcknowledgeTrigger(ctx context.Context, id int64) error {
	result, err := s.exec(ctx, `
		UPDATE alert_triggers SET status = 'acknowledged' WHERE id = ? AND status = 'active'`, id)
	if err != nil {
		return fmt.Errorf("acknowledge trigger %d: %w", id, err)
	}
	return requireAffected(result, id)
}

// MarkTriggerNotified records delivery of the trigger notification.
func (s *SQLStore) MarkTriggerNotified(ctx context.Context, id int64) error {
	if _, err := s.exec(ctx, `UPDATE alert_triggers SET notification_sent = 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("mark trigger %d notified: %w", id, err)
	}
	return nil
}

// MarkResolutionNotified records delivery of the resolution notification.
func (s *SQLStore) MarkResolutionNotified(ctx context.Context, id int64) error {
	if _, err := s.exec(ctx, `UPDATE alert_triggers SET resolution_notification_sent = 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("mark trigger %d resolution notified: %w", id, err)
	}
	return nil
}

// ListUndeliveredTriggers returns triggers whose trigger or resolution notification is still pending.
func (s *SQLStore) ListUndeliveredTriggers(ctx context.Context, limit int) ([]AlertTrigger, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.query(ctx, `
		SELECT `+triggerColumns+` FROM alert_triggers
		WHERE notification_sent = 0 OR (status = 'resolved' AND resolution_notification_sent = 0)
		ORDER BY triggered_at LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list undelivered triggers: %w", err)
	}
	return collectTriggers(rows)
}

// ListTriggers returns all triggers of a rule, oldest first.
func (s *SQLStore) ListTriggers(ctx context.Context, alertID int64) ([]AlertTrigger, error) {
	rows, err := s.query(ctx, `
		SELECT `+triggerColumns+` FROM alert_triggers WHERE alert_id = ? ORDER BY triggered_at, id`, alertID)
	if err != nil {
		return nil, fmt.Errorf("list triggers of rule %d: %w", alertID, err)
	}
	return collectTriggers(rows)
}

// DeleteResolvedTriggersBefore purges resolved triggers resolved before cutoff.
func (s *SQLStore) DeleteResolvedTriggersBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.exec(ctx, `
		DELETE FROM alert_triggers WHERE status = 'resolved' AND resolved_at < ?`, toNanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete resolved triggers: %w", err)
	}
	return result.RowsAffected()
}

// CreateNotification assigns an id and persists n.
func (s *SQLStore) CreateNotification(ctx context.Context, n Notification) (Notification, error) {
	n.ID = s.nextID()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx, `
		INSERT INTO notifications (id, user_id, kind, title, body, created_at, read_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.UserID, n.Kind, n.Title, n.Body, toNanos(n.CreatedAt), toNanos(n.ReadAt),
	)
	if err != nil {
		return Notification{}, fmt.Errorf("create notification: %w", err)
	}
	return n, nil
}

// ListNotifications returns a user's newest notifications.
func (s *SQLStore) ListNotifications(ctx context.Context, userID string, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.query(ctx, `
		SELECT id, user_id, kind, title, body, created_at, read_at
		FROM notifications WHERE user_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var (
			n                 Notification
			createdAt, readAt int64
		)
		if err := rows.Scan(&n.ID, &n.UserID, &n.Kind, &n.Title, &n.Body, &createdAt, &readAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.CreatedAt = fromNanos(createdAt)
		n.ReadAt = fromNanos(readAt)
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkNotificationRead stamps readAt on an unread notification.
func (s *SQLStore) MarkNotificationRead(ctx context.Context, id int64, readAt time.Time) error {
	result, err := s.exec(ctx, `UPDATE notifications SET read_at = ? WHERE id = ? AND read_at = 0`, toNanos(readAt), id)
	if err != nil {
		return fmt.Errorf("mark notification %d read: %w", id, err)
	}
	return requireAffected(result, id)
}

// DeleteNotifications removes read notifications created before readCutoff and any notification
// created before hardCutoff.
func (s *SQLStore) DeleteNotifications(ctx context.Context, readCutoff, hardCutoff time.Time) (int64, error) {
	result, err := s.exec(ctx, `
		DELETE FROM notifications
		WHERE (read_at <> 0 AND created_at < ?) OR created_at < ?`,
		toNanos(readCutoff), toNanos(hardCutoff))
	if err != nil {
		return 0, fmt.Errorf("delete notifications: %w", err)
	}
	return result.RowsAffected()
}

func requireAffected(result sql.Result, id int64) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for %d: %w", id, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanRule(row rowScanner) (AlertRule, error) {
	var (
		rule                              AlertRule
		active                            int64
		lastTriggered, created, updatedAt int64
	)
	if err := row.Scan(
		&rule.ID, &rule.UserID, &rule.RepoID, &rule.Name, &rule.Metric, &rule.Operator, &rule.Threshold,
		&active, &rule.CooldownMinutes, &lastTriggered, &rule.TriggerCount, &created, &updatedAt,
	); err != nil {
		return AlertRule{}, err
	}
	rule.IsActive = active != 0
	rule.LastTriggeredAt = fromNanos(lastTriggered)
	rule.CreatedAt = fromNanos(created)
	rule.UpdatedAt = fromNanos(updatedAt)
	return rule, nil
}

func scanTrigger(row rowScanner) (AlertTrigger, error) {
	var (
		trigger                 AlertTrigger
		triggeredAt, resolvedAt int64
		notified, resolvedSent  int64
		status, metadata        string
	)
	if err := row.Scan(
		&trigger.ID, &trigger.AlertID, &triggeredAt, &resolvedAt, &trigger.CurrentValue, &trigger.ThresholdValue,
		&notified, &resolvedSent, &status, &metadata,
	); err != nil {
		return AlertTrigger{}, err
	}
	trigger.TriggeredAt = fromNanos(triggeredAt)
	trigger.ResolvedAt = fromNanos(resolvedAt)
	trigger.NotificationSent = notified != 0
	trigger.ResolutionNotificationSent = resolvedSent != 0
	trigger.Status = TriggerStatus(status)
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &trigger.Metadata); err != nil {
			return AlertTrigger{}, fmt.Errorf("decode trigger metadata: %w", err)
		}
	}
	return trigger, nil
}

func collectTriggers(rows *sql.Rows) ([]AlertTrigger, error) {
	defer rows.Close()
	var out []AlertTrigger
	for rows.Next() {
		trigger, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trigger: %w", err)
		}
		out = append(out, trigger)
	}
	return out, rows.Err()
}

func encodeMetadata(metadata map[string]string) (string, error) {
	if len(metadata) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("encode trigger metadata: %w", err)
	}
	return string(raw), nil
}
