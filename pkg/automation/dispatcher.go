package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/chatmesh/chatmesh/pkg/config"
	"github.com/chatmesh/chatmesh/pkg/errkind"
	"github.com/chatmesh/chatmesh/pkg/metrics"
	"github.com/chatmesh/chatmesh/pkg/models"
	"github.com/chatmesh/chatmesh/pkg/store"
)

const queueDepthEvery = 30 * time.Second

// Dispatcher claims due automation jobs and executes them through the
// connector registry. Claims respect the per-tenant concurrency cap; the
// throttle window is re-checked at execution time because the rule may have
// fired between enqueue and claim.
type Dispatcher struct {
	rules      *store.AutomationStore
	connectors ConnectorRegistry
	name       string
	cfg        config.AutomationConfig
	logger     *slog.Logger
}

// NewDispatcher creates the dispatcher pool.
func NewDispatcher(rules *store.AutomationStore, connectors ConnectorRegistry, name string, cfg config.AutomationConfig, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{rules: rules, connectors: connectors, name: name, cfg: cfg, logger: logger}
}

// Run starts the workers and blocks until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) error {
	go d.reportQueueDepth(ctx)

	var wg sync.WaitGroup
	for i := 0; i < d.cfg.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-%d", d.name, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.loop(ctx, workerID)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (d *Dispatcher) loop(ctx context.Context, workerID string) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := d.rules.ClaimNextJob(ctx, workerID, d.cfg.MaxConcurrencyPerTenant)
		if errors.Is(err, store.ErrNoJobsAvailable) {
			d.sleep(ctx)
			continue
		}
		if err != nil {
			d.logger.Error("Failed to claim automation job", "worker", workerID, "error", err)
			d.sleep(ctx)
			continue
		}
		d.execute(ctx, job)
	}
}

func (d *Dispatcher) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(d.cfg.PollInterval):
	}
}

func (d *Dispatcher) execute(ctx context.Context, job *models.AutomationJob) {
	logger := d.logger.With("job_id", job.ID, "rule_id", job.RuleID, "tenant_id", job.TenantID)

	rule, err := d.rules.GetRuleAny(ctx, job.RuleID)
	if errors.Is(err, store.ErrNotFound) {
		d.finish(ctx, job, "", models.AutomationSkipped, "rule deleted", logger)
		return
	}
	if err != nil {
		logger.Error("Failed to load rule", "error", err)
		d.requeue(ctx, job, err.Error(), logger)
		return
	}

	// Pause and throttle are re-checked here: both can change between
	// enqueue and claim.
	if !rule.Active {
		d.finish(ctx, job, rule.ID, models.AutomationSkipped, "rule paused", logger)
		return
	}
	if rule.Throttled(time.Now()) {
		d.finish(ctx, job, rule.ID, models.AutomationSkipped, "throttled", logger)
		return
	}

	connector, err := d.connectors.Get(rule.ActionType)
	if err != nil {
		d.finish(ctx, job, rule.ID, models.AutomationFailed, err.Error(), logger)
		return
	}

	start := time.Now()
	execCtx, cancel := context.WithTimeout(ctx, d.cfg.ConnectorTimeout)
	err = connector.Execute(execCtx, rule, job)
	cancel()
	metrics.AutomationLatency.WithLabelValues(string(rule.ActionType)).Observe(time.Since(start).Seconds())

	if err == nil {
		d.finish(ctx, job, rule.ID, models.AutomationSucceeded, "", logger)
		logger.Info("Automation job succeeded", "action_type", rule.ActionType, "duration", time.Since(start))
		return
	}

	if errkind.Retryable(err) && job.Attempts <= rule.MaxRetries {
		logger.Warn("Connector failed, requeueing", "attempt", job.Attempts, "error", err)
		d.requeue(ctx, job, err.Error(), logger)
		return
	}
	logger.Error("Automation job failed", "attempt", job.Attempts, "error", err)
	d.finish(ctx, job, rule.ID, models.AutomationFailed, err.Error(), logger)
}

func (d *Dispatcher) finish(ctx context.Context, job *models.AutomationJob, ruleID string, status models.AutomationJobStatus, reason string, logger *slog.Logger) {
	metrics.AutomationJobs.WithLabelValues(string(status)).Inc()
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := d.rules.FinishJob(finishCtx, job.ID, ruleID, status, reason); err != nil {
		logger.Error("Failed to record job outcome", "status", status, "error", err)
	}
}

func (d *Dispatcher) requeue(ctx context.Context, job *models.AutomationJob, reason string, logger *slog.Logger) {
	metrics.AutomationJobs.WithLabelValues("requeued").Inc()
	requeueCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := d.rules.RequeueJob(requeueCtx, job.ID, time.Now().Add(retryBackoff(job.Attempts)), reason); err != nil {
		logger.Error("Failed to requeue job", "error", err)
	}
}

// retryBackoff is 30s doubled per attempt with ±25% jitter, capped at 10
// minutes, so a burst of failures does not retry in lockstep.
func retryBackoff(attempt int) time.Duration {
	d := 30 * time.Second
	for i := 1; i < attempt && d < 10*time.Minute; i++ {
		d *= 2
	}
	if d > 10*time.Minute {
		d = 10 * time.Minute
	}
	jitter := 1 + (rand.Float64()-0.5)/2
	return time.Duration(float64(d) * jitter)
}

func (d *Dispatcher) reportQueueDepth(ctx context.Context) {
	ticker := time.NewTicker(queueDepthEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.rules.QueueDepth(ctx)
			if err != nil {
				d.logger.Error("Failed to read queue depth", "error", err)
				continue
			}
			metrics.AutomationQueueDepth.Set(float64(n))
		}
	}
}
