package automation

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/chatmesh/chatmesh/pkg/config"
	"github.com/chatmesh/chatmesh/pkg/models"
	"github.com/chatmesh/chatmesh/pkg/store"
)

// Scheduler enqueues a job for every cron rule due in the current minute.
// Slots are truncated to the minute and the (rule_id, scheduled_for) unique
// index makes concurrent schedulers idempotent: whichever replica inserts
// first wins, the rest no-op.
type Scheduler struct {
	rules  *store.AutomationStore
	cron   *gronx.Gronx
	cfg    config.AutomationConfig
	logger *slog.Logger
}

// NewScheduler creates the scheduler.
func NewScheduler(rules *store.AutomationStore, cfg config.AutomationConfig, logger *slog.Logger) *Scheduler {
	return &Scheduler{rules: rules, cron: gronx.New(), cfg: cfg, logger: logger}
}

// Run ticks until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SchedulerTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	slot := now.Truncate(time.Minute)
	rules, err := s.rules.ActiveCronRules(ctx)
	if err != nil {
		s.logger.Error("Failed to list cron rules", "error", err)
		return
	}
	for i := range rules {
		rule := &rules[i]
		due, err := s.cron.IsDue(rule.CronExpr, slot)
		if err != nil {
			s.logger.Error("Unparseable cron expression", "rule_id", rule.ID, "expr", rule.CronExpr, "error", err)
			continue
		}
		if !due {
			continue
		}
		job := &models.AutomationJob{
			RuleID:       rule.ID,
			TenantID:     rule.TenantID,
			ScheduledFor: slot,
		}
		if err := s.rules.EnqueueJob(ctx, job); err != nil {
			s.logger.Error("Failed to enqueue scheduled job", "rule_id", rule.ID, "error", err)
			continue
		}
		s.logger.Info("Enqueued scheduled automation job", "rule_id", rule.ID, "slot", slot)
	}
}
