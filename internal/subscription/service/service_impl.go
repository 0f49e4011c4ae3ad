package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/botbilling/internal/audit/domain"
	"github.com/smallbiznis/botbilling/internal/clock"
	"github.com/smallbiznis/botbilling/internal/config"
	entitlementdomain "github.com/smallbiznis/botbilling/internal/entitlement/domain"
	obsmetrics "github.com/smallbiznis/botbilling/internal/observability/metrics"
	plandomain "github.com/smallbiznis/botbilling/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/botbilling/internal/subscription/domain"
	pkgdb "github.com/smallbiznis/botbilling/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const sweepBatchSize = 100

type ServiceParam struct {
	fx.In

	DB             *gorm.DB
	Log            *zap.Logger
	GenID          *snowflake.Node
	Clock          clock.Clock
	Policy         *config.PolicyHolder
	EntitlementSvc entitlementdomain.Service
	AuditSvc       auditdomain.Service
	Repo           subscriptiondomain.Repository
	ObsMetrics     *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db             *gorm.DB
	log            *zap.Logger
	genID          *snowflake.Node
	clock          clock.Clock
	policy         *config.PolicyHolder
	entitlementSvc entitlementdomain.Service
	auditSvc       auditdomain.Service
	repo           subscriptiondomain.Repository
	obsMetrics     *obsmetrics.Metrics
}

func NewService(p ServiceParam) subscriptiondomain.Service {
	return &Service{
		db:             p.DB,
		log:            p.Log.Named("subscription.service"),
		genID:          p.GenID,
		clock:          p.Clock,
		policy:         p.Policy,
		entitlementSvc: p.EntitlementSvc,
		auditSvc:       p.AuditSvc,
		repo:           p.Repo,
		obsMetrics:     p.ObsMetrics,
	}
}

func (s *Service) Activate(ctx context.Context, req subscriptiondomain.ActivateRequest) (*subscriptiondomain.Subscription, error) {
	if req.UserID == 0 {
		return nil, subscriptiondomain.ErrInvalidUser
	}
	if req.PlanID == 0 {
		return nil, subscriptiondomain.ErrInvalidPlan
	}
	if req.ExpiresAt.IsZero() {
		return nil, subscriptiondomain.ErrInvalidExpiry
	}

	var result *subscriptiondomain.Subscription
	err := pkgdb.RunInTx(ctx, s.db, func(ctx context.Context) error {
		db := pkgdb.Conn(ctx, s.db)
		existing, err := s.repo.FindByUserID(ctx, db, req.UserID)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		var (
			before *subscriptiondomain.Subscription
			derive bool
		)
		subscription := existing
		if subscription == nil {
			subscription = &subscriptiondomain.Subscription{
				ID:        s.genID.Generate(),
				UserID:    req.UserID,
				CreatedAt: now,
			}
			derive = true
		} else {
			snapshot := *subscription
			before = &snapshot
			derive = subscription.PlanID != req.PlanID || entitlementsRevoked(subscription.Status)
		}

		subscription.PlanID = req.PlanID
		subscription.ExpiresAt = req.ExpiresAt.UTC()
		subscription.GraceUntil = nil
		if customerID := strings.TrimSpace(req.ExternalCustomerID); customerID != "" {
			subscription.ExternalCustomerID = &customerID
		}
		subscription.Metadata = mergeMetadata(subscription.Metadata, req.Metadata)
		if before == nil || before.Status != subscriptiondomain.StatusActive {
			subscription.StatusChangedAt = now
		}
		subscription.Status = subscriptiondomain.StatusActive
		subscription.UpdatedAt = now

		if before == nil {
			if err := s.repo.Insert(ctx, db, subscription); err != nil {
				if pkgdb.IsDuplicateKeyErr(err) {
					return subscriptiondomain.ErrConcurrentUpdate
				}
				return err
			}
		} else if err := s.update(ctx, db, subscription, before.Status); err != nil {
			return err
		}

		if derive {
			if _, err := s.entitlementSvc.CreateEntitlementsFromPlan(ctx, req.UserID, req.PlanID); err != nil {
				return err
			}
		}

		s.recordTransition(ctx, "subscription.activated", before, *subscription)
		result = subscription
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("subscription activated",
		zap.String("user_id", req.UserID.String()),
		zap.String("plan_id", req.PlanID.String()),
		zap.Time("expires_at", result.ExpiresAt),
	)
	return result, nil
}

// Renew never moves the expiry backwards, so a late renewal delivered after a newer one
// does not shorten the paid period.
func (s *Service) Renew(ctx context.Context, userID snowflake.ID, newExpiresAt time.Time) (*subscriptiondomain.Subscription, error) {
	if newExpiresAt.IsZero() {
		return nil, subscriptiondomain.ErrInvalidExpiry
	}

	var result *subscriptiondomain.Subscription
	err := pkgdb.RunInTx(ctx, s.db, func(ctx context.Context) error {
		db := pkgdb.Conn(ctx, s.db)
		subscription, err := s.repo.FindByUserID(ctx, db, userID)
		if err != nil {
			return err
		}
		if subscription == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}

		newExpiresAt = newExpiresAt.UTC()
		if subscription.Status == subscriptiondomain.StatusActive && !newExpiresAt.After(subscription.ExpiresAt) {
			result = subscription
			return nil
		}

		before := *subscription
		now := s.clock.Now()
		if newExpiresAt.After(subscription.ExpiresAt) {
			subscription.ExpiresAt = newExpiresAt
		}
		subscription.Status = subscriptiondomain.StatusActive
		subscription.GraceUntil = nil
		subscription.StatusChangedAt = now
		subscription.UpdatedAt = now
		if err := s.update(ctx, db, subscription, before.Status); err != nil {
			return err
		}

		if entitlementsRevoked(before.Status) {
			if _, err := s.entitlementSvc.CreateEntitlementsFromPlan(ctx, userID, subscription.PlanID); err != nil {
				return err
			}
		}
		s.recordTransition(ctx, "subscription.renewed", &before, *subscription)
		result = subscription
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) EnterGracePeriod(ctx context.Context, userID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return s.transition(ctx, userID, subscriptiondomain.StatusGrace, func(ctx context.Context, sub *subscriptiondomain.Subscription, now time.Time) error {
		graceUntil := now.Add(s.policy.Get().GracePeriod)
		sub.GraceUntil = &graceUntil
		return nil
	})
}

func (s *Service) Refund(ctx context.Context, userID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return s.transition(ctx, userID, subscriptiondomain.StatusRefunded, func(ctx context.Context, sub *subscriptiondomain.Subscription, now time.Time) error {
		_, err := s.entitlementSvc.RevokeEntitlements(ctx, userID, entitlementdomain.SourcePlanIncluded, "refund")
		return err
	})
}

func (s *Service) Chargeback(ctx context.Context, userID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return s.transition(ctx, userID, subscriptiondomain.StatusChargeback, func(ctx context.Context, sub *subscriptiondomain.Subscription, now time.Time) error {
		_, err := s.entitlementSvc.RevokeEntitlements(ctx, userID, "", "chargeback")
		return err
	})
}

// Cancel keeps every entitlement; access runs until expiresAt.
func (s *Service) Cancel(ctx context.Context, userID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return s.transition(ctx, userID, subscriptiondomain.StatusCanceled, nil)
}

func (s *Service) MarkPastDue(ctx context.Context, userID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return s.transition(ctx, userID, subscriptiondomain.StatusPastDue, nil)
}

func (s *Service) Expire(ctx context.Context, userID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return s.transition(ctx, userID, subscriptiondomain.StatusExpired, func(ctx context.Context, sub *subscriptiondomain.Subscription, now time.Time) error {
		_, err := s.entitlementSvc.RevokeEntitlements(ctx, userID, entitlementdomain.SourcePlanIncluded, "expired")
		return err
	})
}

func (s *Service) StartPendingConfirmation(ctx context.Context, userID, planID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	if userID == 0 {
		return nil, subscriptiondomain.ErrInvalidUser
	}
	if planID == 0 {
		return nil, subscriptiondomain.ErrInvalidPlan
	}

	var result *subscriptiondomain.Subscription
	err := pkgdb.RunInTx(ctx, s.db, func(ctx context.Context) error {
		db := pkgdb.Conn(ctx, s.db)
		existing, err := s.repo.FindByUserID(ctx, db, userID)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		if existing == nil {
			subscription := &subscriptiondomain.Subscription{
				ID:              s.genID.Generate(),
				UserID:          userID,
				PlanID:          planID,
				Status:          subscriptiondomain.StatusPendingConfirmation,
				ExpiresAt:       now,
				StatusChangedAt: now,
				CreatedAt:       now,
				UpdatedAt:       now,
			}
			if err := s.repo.Insert(ctx, db, subscription); err != nil {
				if pkgdb.IsDuplicateKeyErr(err) {
					return subscriptiondomain.ErrConcurrentUpdate
				}
				return err
			}
			s.recordTransition(ctx, "subscription.pending_confirmation", nil, *subscription)
			result = subscription
			return nil
		}

		if existing.Status == subscriptiondomain.StatusPendingConfirmation && existing.PlanID == planID {
			result = existing
			return nil
		}
		if existing.Status != subscriptiondomain.StatusPendingConfirmation &&
			!isTransitionAllowed(existing.Status, subscriptiondomain.StatusPendingConfirmation) {
			return fmt.Errorf("%w: %s -> %s", subscriptiondomain.ErrInvalidTransition, existing.Status, subscriptiondomain.StatusPendingConfirmation)
		}

		before := *existing
		existing.PlanID = planID
		existing.Status = subscriptiondomain.StatusPendingConfirmation
		existing.GraceUntil = nil
		existing.StatusChangedAt = now
		existing.UpdatedAt = now
		if err := s.update(ctx, db, existing, before.Status); err != nil {
			return err
		}
		s.recordTransition(ctx, "subscription.pending_confirmation", &before, *existing)
		result = existing
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SweepLifecycle moves subscriptions along the time-driven edges: ACTIVE to GRACE at
// expiry, GRACE to PAST_DUE at the grace deadline, PAST_DUE to EXPIRED after the
// retention window and CANCELED to EXPIRED at expiry.
func (s *Service) SweepLifecycle(ctx context.Context) (subscriptiondomain.SweepResult, error) {
	var result subscriptiondomain.SweepResult
	policy := s.policy.Get()
	now := s.clock.Now()

	phases := []struct {
		counter *int
		list    func(db *gorm.DB) ([]subscriptiondomain.Subscription, error)
		apply   func(ctx context.Context, userID snowflake.ID) (*subscriptiondomain.Subscription, error)
	}{
		{
			counter: &result.EnteredGrace,
			list: func(db *gorm.DB) ([]subscriptiondomain.Subscription, error) {
				return s.repo.ListExpiring(ctx, db, subscriptiondomain.StatusActive, now, sweepBatchSize)
			},
			apply: s.EnterGracePeriod,
		},
		{
			counter: &result.PastDue,
			list: func(db *gorm.DB) ([]subscriptiondomain.Subscription, error) {
				return s.repo.ListGraceEnded(ctx, db, now, sweepBatchSize)
			},
			apply: s.MarkPastDue,
		},
		{
			counter: &result.Expired,
			list: func(db *gorm.DB) ([]subscriptiondomain.Subscription, error) {
				return s.repo.ListStaleInStatus(ctx, db, subscriptiondomain.StatusPastDue, now.Add(-policy.PastDueRetention), sweepBatchSize)
			},
			apply: s.Expire,
		},
		{
			counter: &result.Expired,
			list: func(db *gorm.DB) ([]subscriptiondomain.Subscription, error) {
				return s.repo.ListExpiring(ctx, db, subscriptiondomain.StatusCanceled, now, sweepBatchSize)
			},
			apply: s.Expire,
		},
	}

	for _, phase := range phases {
		for {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			batch, err := phase.list(pkgdb.Conn(ctx, s.db))
			if err != nil {
				return result, err
			}
			moved := 0
			for _, sub := range batch {
				if _, err := phase.apply(ctx, sub.UserID); err != nil {
					if errors.Is(err, subscriptiondomain.ErrConcurrentUpdate) || errors.Is(err, subscriptiondomain.ErrInvalidTransition) {
						s.log.Info("lifecycle sweep skipped subscription", zap.String("user_id", sub.UserID.String()), zap.Error(err))
						continue
					}
					return result, err
				}
				moved++
			}
			*phase.counter += moved
			if len(batch) < sweepBatchSize || moved == 0 {
				break
			}
		}
	}

	if result.Total() > 0 {
		s.log.Info("subscription lifecycle sweep",
			zap.Int("entered_grace", result.EnteredGrace),
			zap.Int("past_due", result.PastDue),
			zap.Int("expired", result.Expired),
		)
	}
	return result, nil
}

func (s *Service) Get(ctx context.Context, userID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	subscription, err := s.repo.FindByUserID(ctx, pkgdb.Conn(ctx, s.db), userID)
	if err != nil {
		return nil, err
	}
	if subscription == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	return subscription, nil
}

// HasAccess grants access through a live subscription, otherwise through a valid promo
// entitlement for the bot.
func (s *Service) HasAccess(ctx context.Context, userID snowflake.ID, botType plandomain.BotType) (bool, error) {
	subscription, err := s.repo.FindByUserID(ctx, pkgdb.Conn(ctx, s.db), userID)
	if err != nil {
		return false, err
	}
	if subscription != nil && subscription.GrantsAccessAt(s.clock.Now()) {
		return true, nil
	}
	return s.entitlementSvc.HasValidPromoEntitlement(ctx, userID, botType)
}

type effectFunc func(ctx context.Context, sub *subscriptiondomain.Subscription, now time.Time) error

// transition applies one state machine edge. Repeating a transition the subscription
// already made is a no-op.
func (s *Service) transition(ctx context.Context, userID snowflake.ID, target subscriptiondomain.SubscriptionStatus, effect effectFunc) (*subscriptiondomain.Subscription, error) {
	var result *subscriptiondomain.Subscription
	err := pkgdb.RunInTx(ctx, s.db, func(ctx context.Context) error {
		db := pkgdb.Conn(ctx, s.db)
		subscription, err := s.repo.FindByUserID(ctx, db, userID)
		if err != nil {
			return err
		}
		if subscription == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}
		if subscription.Status == target {
			result = subscription
			return nil
		}
		if !isTransitionAllowed(subscription.Status, target) {
			return fmt.Errorf("%w: %s -> %s", subscriptiondomain.ErrInvalidTransition, subscription.Status, target)
		}

		before := *subscription
		now := s.clock.Now()
		subscription.Status = target
		subscription.StatusChangedAt = now
		subscription.UpdatedAt = now
		if target != subscriptiondomain.StatusGrace {
			subscription.GraceUntil = nil
		}
		if effect != nil {
			if err := effect(ctx, subscription, now); err != nil {
				return err
			}
		}
		if err := s.update(ctx, db, subscription, before.Status); err != nil {
			return err
		}

		s.recordTransition(ctx, "subscription."+strings.ToLower(string(target)), &before, *subscription)
		result = subscription
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("subscription transitioned",
		zap.String("user_id", userID.String()),
		zap.String("status", string(result.Status)),
	)
	return result, nil
}

func (s *Service) update(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription, expected subscriptiondomain.SubscriptionStatus) error {
	rows, err := s.repo.Update(ctx, db, subscription, expected)
	if err != nil {
		return err
	}
	if rows == 0 {
		return subscriptiondomain.ErrConcurrentUpdate
	}
	return nil
}

func (s *Service) recordTransition(ctx context.Context, action string, before *subscriptiondomain.Subscription, after subscriptiondomain.Subscription) {
	from := ""
	req := auditdomain.RecordRequest{
		ActorUserID: &after.UserID,
		Action:      action,
		EntityType:  auditdomain.EntitySubscription,
		EntityID:    after.ID.String(),
		After:       after,
		Metadata:    map[string]any{"to": string(after.Status)},
	}
	if before != nil {
		req.Before = *before
		from = string(before.Status)
		req.Metadata["from"] = from
	}
	_ = s.auditSvc.Record(ctx, req)
	s.obsMetrics.RecordSubscriptionTransition(ctx, from, string(after.Status))
}

// entitlementsRevoked reports statuses in which the plan-included grants are gone.
func entitlementsRevoked(status subscriptiondomain.SubscriptionStatus) bool {
	switch status {
	case subscriptiondomain.StatusPendingConfirmation,
		subscriptiondomain.StatusExpired,
		subscriptiondomain.StatusRefunded,
		subscriptiondomain.StatusChargeback:
		return true
	default:
		return false
	}
}

func isTransitionAllowed(current, target subscriptiondomain.SubscriptionStatus) bool {
	switch current {
	case subscriptiondomain.StatusActive:
		return target == subscriptiondomain.StatusGrace ||
			target == subscriptiondomain.StatusPastDue ||
			target == subscriptiondomain.StatusCanceled ||
			target == subscriptiondomain.StatusExpired ||
			target == subscriptiondomain.StatusRefunded ||
			target == subscriptiondomain.StatusChargeback
	case subscriptiondomain.StatusGrace:
		return target == subscriptiondomain.StatusPastDue ||
			target == subscriptiondomain.StatusCanceled ||
			target == subscriptiondomain.StatusExpired ||
			target == subscriptiondomain.StatusRefunded ||
			target == subscriptiondomain.StatusChargeback
	case subscriptiondomain.StatusPastDue:
		return target == subscriptiondomain.StatusCanceled ||
			target == subscriptiondomain.StatusExpired ||
			target == subscriptiondomain.StatusRefunded ||
			target == subscriptiondomain.StatusChargeback
	case subscriptiondomain.StatusCanceled:
		return target == subscriptiondomain.StatusExpired ||
			target == subscriptiondomain.StatusRefunded ||
			target == subscriptiondomain.StatusChargeback ||
			target == subscriptiondomain.StatusPendingConfirmation
	case subscriptiondomain.StatusPendingConfirmation:
		return target == subscriptiondomain.StatusCanceled ||
			target == subscriptiondomain.StatusExpired ||
			target == subscriptiondomain.StatusRefunded ||
			target == subscriptiondomain.StatusChargeback
	case subscriptiondomain.StatusExpired:
		return target == subscriptiondomain.StatusRefunded ||
			target == subscriptiondomain.StatusChargeback ||
			target == subscriptiondomain.StatusPendingConfirmation
	case subscriptiondomain.StatusRefunded:
		return target == subscriptiondomain.StatusChargeback ||
			target == subscriptiondomain.StatusPendingConfirmation
	default:
		return false
	}
}

func mergeMetadata(current datatypes.JSONMap, extra map[string]any) datatypes.JSONMap {
	if len(extra) == 0 {
		return current
	}
	merged := make(datatypes.JSONMap, len(current)+len(extra))
	for key, value := range current {
		merged[key] = value
	}
	for key, value := range extra {
		merged[key] = value
	}
	return merged
}
