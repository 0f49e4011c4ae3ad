package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/botbilling/internal/clock"
	entitlementdomain "github.com/smallbiznis/botbilling/internal/entitlement/domain"
	"github.com/smallbiznis/botbilling/internal/lock"
	obsmetrics "github.com/smallbiznis/botbilling/internal/observability/metrics"
	plandomain "github.com/smallbiznis/botbilling/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/botbilling/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobProcessPending        = "process_pending"
	JobRetryFailed           = "retry_failed"
	JobRecoverClaims         = "recover_claims"
	JobSubscriptionLifecycle = "subscription_lifecycle"
	JobCleanupEntitlements   = "cleanup_entitlements"
	JobCacheSweep            = "cache_sweep"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

// EventProcessor is the slice of the webhook processor the scheduler drives.
type EventProcessor interface {
	ProcessPendingEvents(ctx context.Context, limit int) (int, error)
	RetryFailedEvents(ctx context.Context, limit int) (int, error)
	RecoverStaleClaims(ctx context.Context) (int64, error)
}

type Params struct {
	fx.In

	Log             *zap.Logger
	GenID           *snowflake.Node
	Clock           clock.Clock
	Processor       EventProcessor
	SubscriptionSvc subscriptiondomain.Service
	EntitlementSvc  entitlementdomain.Service
	PlanSvc         plandomain.Service
	Lease           lock.Lease                   `optional:"true"`
	Metrics         *obsmetrics.SchedulerMetrics `optional:"true"`
	Config          Config                       `optional:"true"`
}

type Scheduler struct {
	log             *zap.Logger
	cfg             Config
	genID           *snowflake.Node
	clock           clock.Clock
	processor       EventProcessor
	subscriptionSvc subscriptiondomain.Service
	entitlementSvc  entitlementdomain.Service
	planSvc         plandomain.Service
	lease           lock.Lease
	metrics         *obsmetrics.SchedulerMetrics
}

type job struct {
	Name string
	Run  func(ctx context.Context) (int, error)
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Processor == nil || p.SubscriptionSvc == nil || p.EntitlementSvc == nil || p.PlanSvc == nil {
		return nil, ErrInvalidConfig
	}
	cfg := p.Config.withDefaults()
	if cfg.LeaseEnabled && p.Lease == nil {
		return nil, fmt.Errorf("%w: lease enabled without a lease backend", ErrInvalidConfig)
	}
	metrics := p.Metrics
	if metrics == nil {
		metrics = obsmetrics.Scheduler()
	}
	return &Scheduler{
		log:             p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:             cfg,
		genID:           p.GenID,
		clock:           p.Clock,
		processor:       p.Processor,
		subscriptionSvc: p.SubscriptionSvc,
		entitlementSvc:  p.EntitlementSvc,
		planSvc:         p.PlanSvc,
		lease:           p.Lease,
		metrics:         metrics,
	}, nil
}

func (s *Scheduler) jobs() []job {
	return []job{
		{JobRecoverClaims, s.RecoverClaimsJob},
		{JobProcessPending, s.ProcessPendingJob},
		{JobRetryFailed, s.RetryFailedJob},
		{JobSubscriptionLifecycle, s.SubscriptionLifecycleJob},
		{JobCleanupEntitlements, s.CleanupEntitlementsJob},
		{JobCacheSweep, s.CacheSweepJob},
	}
}

// runJob runs fn under the job timeout and, when leases are on, only on the replica
// holding the job's lease. A deadline is a soft timeout and is not returned.
func (s *Scheduler) runJob(parent context.Context, name string, fn func(ctx context.Context) (int, error)) error {
	if s.cfg.LeaseEnabled && s.lease != nil {
		waitStart := s.clock.Now()
		release, ok, err := s.lease.TryAcquire(parent, "scheduler:"+name, s.cfg.LeaseTTL)
		s.metrics.ObserveLockWait("lease", s.clock.Now().Sub(waitStart))
		if err != nil {
			s.metrics.IncJobError(name, err)
			return fmt.Errorf("%s: acquire lease: %w", name, err)
		}
		if !ok {
			s.metrics.IncBatchDeferred(name, obsmetrics.SchedulerBatchDeferredReasonLeaseHeld)
			s.log.Debug("job lease held elsewhere, skipping", zap.String("job", name))
			return nil
		}
		defer release()
	}

	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	s.metrics.IncJobRun(name)

	count, err := fn(ctx)
	run.AddProcessed(count)
	s.metrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		s.metrics.IncJobTimeout(name)
	}
	s.metrics.IncJobError(name, err)
	if isTimeout {
		s.logger(ctx).Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", s.cfg.JobTimeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce runs every enabled job once, in order, and joins their errors.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error
	for _, j := range s.jobs() {
		if !s.isJobEnabled(j.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, j.Name, j.Run))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)

	for {
		if runLag := s.clock.Now().Sub(nextRun); runLag > 0 {
			s.metrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if enabled == jobName {
			return true
		}
	}
	return false
}
