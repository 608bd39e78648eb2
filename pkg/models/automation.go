package models

import (
	"fmt"
	"time"
)

// TriggerKind distinguishes schedule-driven from event-driven rules.
type TriggerKind string

// Trigger kinds.
const (
	TriggerCron  TriggerKind = "cron"
	TriggerEvent TriggerKind = "event"
)

// TriggerKindValidator reports whether k is a known trigger kind.
func TriggerKindValidator(k TriggerKind) error {
	switch k {
	case TriggerCron, TriggerEvent:
		return nil
	default:
		return fmt.Errorf("invalid trigger kind: %q", k)
	}
}

// ActionType selects the connector used to execute a rule.
type ActionType string

// Automation action types.
const (
	ActionWebhook ActionType = "webhook"
	ActionCRM     ActionType = "crm"
	ActionEmail   ActionType = "email"
)

// ActionTypeValidator reports whether t is a known action type.
func ActionTypeValidator(t ActionType) error {
	switch t {
	case ActionWebhook, ActionCRM, ActionEmail:
		return nil
	default:
		return fmt.Errorf("invalid action type: %q", t)
	}
}

// AutomationRule fires an action on a cron schedule or on matching domain
// events. A rule may not refire before last_run_at + throttle_seconds.
type AutomationRule struct {
	ID              string      `db:"id" json:"id"`
	TenantID        string      `db:"tenant_id" json:"tenant_id"`
	BrandID         string      `db:"brand_id" json:"brand_id"`
	Name            string      `db:"name" json:"name"`
	TriggerKind     TriggerKind `db:"trigger_kind" json:"trigger_kind"`
	CronExpr        string      `db:"cron_expr" json:"cron_expr,omitempty"`
	EventType       string      `db:"event_type" json:"event_type,omitempty"`
	Condition       JSONMap     `db:"condition" json:"condition,omitempty"`
	ActionType      ActionType  `db:"action_type" json:"action_type"`
	ActionPayload   JSONMap     `db:"action_payload" json:"action_payload"`
	ThrottleSeconds int         `db:"throttle_seconds" json:"throttle_seconds"`
	MaxRetries      int         `db:"max_retries" json:"max_retries"`
	Active          bool        `db:"active" json:"active"`
	LastRunAt       *time.Time  `db:"last_run_at" json:"last_run_at,omitempty"`
	CreatedAt       time.Time   `db:"created_at" json:"created_at"`
}

// Throttled reports whether firing at now would violate the rule's
// throttle window.
func (r *AutomationRule) Throttled(now time.Time) bool {
	if r.LastRunAt == nil || r.ThrottleSeconds <= 0 {
		return false
	}
	return now.Sub(*r.LastRunAt) < time.Duration(r.ThrottleSeconds)*time.Second
}

// AutomationJobStatus is the lifecycle state of one rule execution.
type AutomationJobStatus string

// Automation job statuses. Skipped marks throttle or inactive-rule drops.
const (
	AutomationPending   AutomationJobStatus = "pending"
	AutomationRunning   AutomationJobStatus = "running"
	AutomationSucceeded AutomationJobStatus = "succeeded"
	AutomationFailed    AutomationJobStatus = "failed"
	AutomationCancelled AutomationJobStatus = "cancelled"
	AutomationSkipped   AutomationJobStatus = "skipped"
)

// AutomationJobStatusValidator reports whether s is a known status.
func AutomationJobStatusValidator(s AutomationJobStatus) error {
	switch s {
	case AutomationPending, AutomationRunning, AutomationSucceeded,
		AutomationFailed, AutomationCancelled, AutomationSkipped:
		return nil
	default:
		return fmt.Errorf("invalid automation job status: %q", s)
	}
}

// AutomationJob is one queued or executed firing of a rule.
type AutomationJob struct {
	ID            string              `db:"id" json:"id"`
	RuleID        string              `db:"rule_id" json:"rule_id"`
	TenantID      string              `db:"tenant_id" json:"tenant_id"`
	Status        AutomationJobStatus `db:"status" json:"status"`
	Attempts      int                 `db:"attempts" json:"attempts"`
	ScheduledFor  time.Time           `db:"scheduled_for" json:"scheduled_for"`
	Payload       JSONMap             `db:"payload" json:"payload,omitempty"`
	FailureReason *string             `db:"failure_reason" json:"failure_reason,omitempty"`
	ClaimedBy     *string             `db:"claimed_by" json:"claimed_by,omitempty"`
	StartedAt     *time.Time          `db:"started_at" json:"started_at,omitempty"`
	CompletedAt   *time.Time          `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt     time.Time           `db:"created_at" json:"created_at"`
}
