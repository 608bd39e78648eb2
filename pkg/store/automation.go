package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/chatmesh/chatmesh/pkg/models"
)

// AutomationStore owns automation rules and their jobs.
type AutomationStore struct {
	db *sqlx.DB
}

// NewAutomationStore creates an AutomationStore.
func NewAutomationStore(db *sqlx.DB) *AutomationStore {
	return &AutomationStore{db: db}
}

// CreateRule inserts a rule with its audit row.
func (s *AutomationStore) CreateRule(ctx context.Context, rule *models.AutomationRule, audit *models.AuditEntry) error {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	rule.CreatedAt = time.Now()
	return WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO automation_rules (id, tenant_id, brand_id, name, trigger_kind, cron_expr, event_type,
				condition, action_type, action_payload, throttle_seconds, max_retries, active, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			rule.ID, rule.TenantID, rule.BrandID, rule.Name, rule.TriggerKind, rule.CronExpr,
			rule.EventType, rule.Condition, rule.ActionType, rule.ActionPayload,
			rule.ThrottleSeconds, rule.MaxRetries, rule.Active, rule.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert rule: %w", err)
		}
		return insertAudit(ctx, tx, audit)
	})
}

// GetRule loads a rule scoped to its tenant.
func (s *AutomationStore) GetRule(ctx context.Context, tenantID, ruleID string) (*models.AutomationRule, error) {
	var r models.AutomationRule
	err := s.db.GetContext(ctx, &r,
		`SELECT * FROM automation_rules WHERE id = $1 AND tenant_id = $2`, ruleID, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load rule: %w", err)
	}
	return &r, nil
}

// GetRuleAny loads a rule without tenant scoping; used only by the worker,
// which re-derives the tenant from the job row it claimed.
func (s *AutomationStore) GetRuleAny(ctx context.Context, ruleID string) (*models.AutomationRule, error) {
	var r models.AutomationRule
	err := s.db.GetContext(ctx, &r, `SELECT * FROM automation_rules WHERE id = $1`, ruleID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load rule: %w", err)
	}
	return &r, nil
}

// SetRuleActive pauses or resumes a rule.
func (s *AutomationStore) SetRuleActive(ctx context.Context, tenantID, ruleID string, active bool, audit *models.AuditEntry) error {
	return WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE automation_rules SET active = $3 WHERE id = $1 AND tenant_id = $2`,
			ruleID, tenantID, active)
		if err != nil {
			return fmt.Errorf("failed to set rule active: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return insertAudit(ctx, tx, audit)
	})
}

// ActiveCronRules lists active cron-triggered rules for the scheduler.
func (s *AutomationStore) ActiveCronRules(ctx context.Context) ([]models.AutomationRule, error) {
	var out []models.AutomationRule
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM automation_rules WHERE trigger_kind = 'cron' AND active`)
	if err != nil {
		return nil, fmt.Errorf("failed to list cron rules: %w", err)
	}
	return out, nil
}

// ActiveEventRules lists active event-triggered rules matching an event type.
func (s *AutomationStore) ActiveEventRules(ctx context.Context, eventType string) ([]models.AutomationRule, error) {
	var out []models.AutomationRule
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM automation_rules WHERE trigger_kind = 'event' AND active AND event_type = $1`,
		eventType)
	if err != nil {
		return nil, fmt.Errorf("failed to list event rules: %w", err)
	}
	return out, nil
}

// EnqueueJob inserts a pending job. The unique (rule_id, scheduled_for)
// index makes the cron scheduler idempotent across replicas: a duplicate
// slot insert reports ErrAlreadyExists.
func (s *AutomationStore) EnqueueJob(ctx context.Context, job *models.AutomationJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.Status = models.AutomationPending
	job.CreatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO automation_jobs (id, rule_id, tenant_id, status, scheduled_for, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (rule_id, scheduled_for) DO NOTHING`,
		job.ID, job.RuleID, job.TenantID, job.Status, job.ScheduledFor, job.Payload, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to enqueue automation job: %w", err)
	}
	return nil
}

// ClaimNextJob claims the next due pending job, bounded per tenant: a job
// is skipped while its tenant already has maxPerTenant jobs running.
func (s *AutomationStore) ClaimNextJob(ctx context.Context, workerID string, maxPerTenant int) (*models.AutomationJob, error) {
	var job models.AutomationJob
	err := WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &job, `
			SELECT j.* FROM automation_jobs j
			WHERE j.status = 'pending' AND j.scheduled_for <= now()
			  AND (SELECT count(*) FROM automation_jobs r
			       WHERE r.tenant_id = j.tenant_id AND r.status = 'running') < $1
			ORDER BY j.scheduled_for ASC
			LIMIT 1
			FOR UPDATE OF j SKIP LOCKED`,
			maxPerTenant)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNoJobsAvailable
		}
		if err != nil {
			return fmt.Errorf("failed to query pending automation job: %w", err)
		}
		return tx.GetContext(ctx, &job, `
			UPDATE automation_jobs
			SET status = 'running', attempts = attempts + 1, claimed_by = $2, started_at = $3
			WHERE id = $1
			RETURNING *`,
			job.ID, workerID, time.Now())
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// FinishJob writes a terminal outcome. On success the rule's last_run_at
// advances in the same transaction; failures and skips leave it untouched
// so the throttle window is measured between successful runs.
func (s *AutomationStore) FinishJob(ctx context.Context, jobID, ruleID string, status models.AutomationJobStatus, failureReason string) error {
	return WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		now := time.Now()
		var reason *string
		if failureReason != "" {
			reason = &failureReason
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE automation_jobs SET status = $2, failure_reason = $3, completed_at = $4 WHERE id = $1`,
			jobID, status, reason, now)
		if err != nil {
			return fmt.Errorf("failed to finish automation job: %w", err)
		}
		if status == models.AutomationSucceeded {
			_, err = tx.ExecContext(ctx,
				`UPDATE automation_rules SET last_run_at = $2 WHERE id = $1`, ruleID, now)
			if err != nil {
				return fmt.Errorf("failed to update rule last_run_at: %w", err)
			}
		}
		return nil
	})
}

// RequeueJob returns a running job to pending with a later due time
// (transient connector failure with retry budget remaining).
func (s *AutomationStore) RequeueJob(ctx context.Context, jobID string, nextAttemptAt time.Time, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE automation_jobs
		SET status = 'pending', scheduled_for = $2, failure_reason = $3, claimed_by = NULL
		WHERE id = $1`,
		jobID, nextAttemptAt, reason)
	if err != nil {
		return fmt.Errorf("failed to requeue automation job: %w", err)
	}
	return nil
}

// QueueDepth counts pending jobs, exported as a gauge.
func (s *AutomationStore) QueueDepth(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n,
		`SELECT count(*) FROM automation_jobs WHERE status = 'pending'`); err != nil {
		return 0, fmt.Errorf("failed to count queue depth: %w", err)
	}
	return n, nil
}

// ListJobs returns a page of the tenant's automation jobs, newest first.
func (s *AutomationStore) ListJobs(ctx context.Context, tenantID string, page, pageSize int) ([]models.AutomationJob, int, error) {
	var total int
	if err := s.db.GetContext(ctx, &total,
		`SELECT count(*) FROM automation_jobs WHERE tenant_id = $1`, tenantID); err != nil {
		return nil, 0, fmt.Errorf("failed to count automation jobs: %w", err)
	}
	var out []models.AutomationJob
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM automation_jobs
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`,
		tenantID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list automation jobs: %w", err)
	}
	return out, total, nil
}
