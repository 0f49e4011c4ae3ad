package scheduler

import (
	"context"
)

// ProcessPendingJob drains PENDING webhook events oldest first.
func (s *Scheduler) ProcessPendingJob(ctx context.Context) (int, error) {
	processed, err := s.processor.ProcessPendingEvents(ctx, s.cfg.BatchSize)
	s.metrics.AddBatchProcessed(JobProcessPending, "webhook_events", processed)
	return processed, err
}

// RetryFailedJob reprocesses ERROR events whose backoff has elapsed.
func (s *Scheduler) RetryFailedJob(ctx context.Context) (int, error) {
	processed, err := s.processor.RetryFailedEvents(ctx, s.cfg.BatchSize)
	s.metrics.AddBatchProcessed(JobRetryFailed, "webhook_events", processed)
	return processed, err
}

// RecoverClaimsJob runs first so events orphaned by a crashed worker rejoin this tick.
func (s *Scheduler) RecoverClaimsJob(ctx context.Context) (int, error) {
	released, err := s.processor.RecoverStaleClaims(ctx)
	s.metrics.AddBatchProcessed(JobRecoverClaims, "webhook_events", int(released))
	return int(released), err
}

func (s *Scheduler) SubscriptionLifecycleJob(ctx context.Context) (int, error) {
	result, err := s.subscriptionSvc.SweepLifecycle(ctx)
	s.metrics.AddBatchProcessed(JobSubscriptionLifecycle, "grace", result.EnteredGrace)
	s.metrics.AddBatchProcessed(JobSubscriptionLifecycle, "past_due", result.PastDue)
	s.metrics.AddBatchProcessed(JobSubscriptionLifecycle, "expired", result.Expired)
	if err != nil {
		s.logJobError(ctx, JobSubscriptionLifecycle, err)
	}
	return result.Total(), err
}

func (s *Scheduler) CleanupEntitlementsJob(ctx context.Context) (int, error) {
	revoked, err := s.entitlementSvc.CleanupExpiredEntitlements(ctx)
	s.metrics.AddBatchProcessed(JobCleanupEntitlements, "entitlements", revoked)
	return revoked, err
}

// CacheSweepJob evicts expired plan and product-mapping cache entries.
func (s *Scheduler) CacheSweepJob(ctx context.Context) (int, error) {
	evicted := s.planSvc.SweepCache()
	s.metrics.AddBatchProcessed(JobCacheSweep, "cache_entries", evicted)
	return evicted, nil
}
