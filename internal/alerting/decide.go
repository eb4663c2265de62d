// Package alerting evaluates threshold rules against daily aggregates and drives the
// trigger lifecycle: idle, triggered (active or acknowledged), resolved.
package alerting

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/cam3ron2/devpulse/internal/store"
)

// ErrInvalidRule is returned when a rule fails validation.
var ErrInvalidRule = errors.New("invalid alert rule")

// Operators lists the supported comparison operators.
var Operators = []string{"<", ">", "<=", ">=", "=="}

// Action is what an evaluation asks the engine to do.
type Action int

const (
	// ActionNone leaves state unchanged.
	ActionNone Action = iota
	// ActionTrigger opens a new trigger.
	ActionTrigger
	// ActionResolve resolves the open trigger.
	ActionResolve
)

func (a Action) String() string {
	switch a {
	case ActionTrigger:
		return "trigger"
	case ActionResolve:
		return "resolve"
	default:
		return "none"
	}
}

// Reasons attached to decisions.
const (
	ReasonInactive       = "inactive"
	ReasonHealthy        = "healthy"
	ReasonCooldown       = "cooldown"
	ReasonStillBreaching = "still_breaching"
	ReasonBreach         = "breach"
	ReasonRecovered      = "recovered"
	ReasonTriggerExists  = "trigger_exists"
)

// Decision is the outcome of evaluating one value against one rule.
type Decision struct {
	Action Action
	Reason string
	Value  float64
}

// Compare applies op literally, without tolerance.
func Compare(value float64, op string, threshold float64) (bool, error) {
	switch op {
	case "<":
		return value < threshold, nil
	case ">":
		return value > threshold, nil
	case "<=":
		return value <= threshold, nil
	case ">=":
		return value >= threshold, nil
	case "==":
		return value == threshold, nil
	default:
		return false, fmt.Errorf("%w: unknown operator %q", ErrInvalidRule, op)
	}
}

// Decide is the trigger state machine. latest is the rule's most recent trigger, if any.
// Resolution is cooldown-exempt and re-arms the rule: a breach after a resolved trigger opens
// a new one at once. The cooldown since LastTriggeredAt only gates a breach when no resolved
// trigger backs that timestamp, for example after trigger cleanup.
func Decide(rule store.AlertRule, latest *store.AlertTrigger, value float64, now time.Time) (Decision, error) {
	if !rule.IsActive {
		return Decision{Action: ActionNone, Reason: ReasonInactive, Value: value}, nil
	}
	breaching, err := Compare(value, rule.Operator, rule.Threshold)
	if err != nil {
		return Decision{}, err
	}

	if latest != nil && latest.Open() {
		if breaching {
			return Decision{Action: ActionNone, Reason: ReasonStillBreaching, Value: value}, nil
		}
		return Decision{Action: ActionResolve, Reason: ReasonRecovered, Value: value}, nil
	}

	if !breaching {
		return Decision{Action: ActionNone, Reason: ReasonHealthy, Value: value}, nil
	}
	if !rearmed(rule, latest) && !rule.LastTriggeredAt.IsZero() && now.Sub(rule.LastTriggeredAt) < cooldown(rule) {
		return Decision{Action: ActionNone, Reason: ReasonCooldown, Value: value}, nil
	}
	return Decision{Action: ActionTrigger, Reason: ReasonBreach, Value: value}, nil
}

// rearmed reports whether latest was resolved after the rule last fired.
func rearmed(rule store.AlertRule, latest *store.AlertTrigger) bool {
	if latest == nil || latest.Status != store.TriggerResolved || latest.ResolvedAt.IsZero() {
		return false
	}
	return !latest.ResolvedAt.Before(rule.LastTriggeredAt)
}

// ValidateRule checks the user-editable fields of rule.
func ValidateRule(rule store.AlertRule) error {
	var problems []string
	if strings.TrimSpace(rule.Name) == "" {
		problems = append(problems, "name is required")
	}
	if strings.TrimSpace(rule.UserID) == "" {
		problems = append(problems, "user id is required")
	}
	if rule.RepoID <= 0 {
		problems = append(problems, "repo id is required")
	}
	if !slices.Contains(Metrics, rule.Metric) {
		problems = append(problems, fmt.Sprintf("unknown metric %q", rule.Metric))
	}
	if !slices.Contains(Operators, rule.Operator) {
		problems = append(problems, fmt.Sprintf("unknown operator %q", rule.Operator))
	}
	if math.IsNaN(rule.Threshold) || math.IsInf(rule.Threshold, 0) {
		problems = append(problems, "threshold must be finite")
	}
	if rule.CooldownMinutes < 0 {
		problems = append(problems, "cooldown minutes must be >= 0")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRule, strings.Join(problems, "; "))
	}
	return nil
}

func cooldown(rule store.AlertRule) time.Duration {
	return time.Duration(rule.CooldownMinutes) * time.Minute
}
