package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	plandomain "github.com/smallbiznis/botbilling/internal/plan/domain"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	FindByUserID(ctx context.Context, db *gorm.DB, userID snowflake.ID) (*Subscription, error)
	// Update writes subscription only if its stored status still equals expected.
	Update(ctx context.Context, db *gorm.DB, subscription *Subscription, expected SubscriptionStatus) (int64, error)
	ListExpiring(ctx context.Context, db *gorm.DB, status SubscriptionStatus, before time.Time, limit int) ([]Subscription, error)
	ListGraceEnded(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]Subscription, error)
	ListStaleInStatus(ctx context.Context, db *gorm.DB, status SubscriptionStatus, changedBefore time.Time, limit int) ([]Subscription, error)
}

type ActivateRequest struct {
	UserID             snowflake.ID
	PlanID             snowflake.ID
	ExpiresAt          time.Time
	ExternalCustomerID string
	Metadata           map[string]any
}

// SweepResult counts the transitions made by one lifecycle sweep.
type SweepResult struct {
	EnteredGrace int `json:"entered_grace"`
	PastDue      int `json:"past_due"`
	Expired      int `json:"expired"`
}

func (r SweepResult) Total() int { return r.EnteredGrace + r.PastDue + r.Expired }

type Service interface {
	// Activate gets or creates the user's subscription and moves it to ACTIVE. Plan
	// entitlements are derived on creation, plan change, or when they were revoked.
	Activate(ctx context.Context, req ActivateRequest) (*Subscription, error)
	Renew(ctx context.Context, userID snowflake.ID, newExpiresAt time.Time) (*Subscription, error)
	EnterGracePeriod(ctx context.Context, userID snowflake.ID) (*Subscription, error)
	Refund(ctx context.Context, userID snowflake.ID) (*Subscription, error)
	Chargeback(ctx context.Context, userID snowflake.ID) (*Subscription, error)
	Cancel(ctx context.Context, userID snowflake.ID) (*Subscription, error)
	StartPendingConfirmation(ctx context.Context, userID, planID snowflake.ID) (*Subscription, error)
	MarkPastDue(ctx context.Context, userID snowflake.ID) (*Subscription, error)
	Expire(ctx context.Context, userID snowflake.ID) (*Subscription, error)
	SweepLifecycle(ctx context.Context) (SweepResult, error)
	Get(ctx context.Context, userID snowflake.ID) (*Subscription, error)
	HasAccess(ctx context.Context, userID snowflake.ID, botType plandomain.BotType) (bool, error)
}

var (
	ErrInvalidUser          = errors.New("invalid_user")
	ErrInvalidPlan          = errors.New("invalid_plan")
	ErrInvalidExpiry        = errors.New("invalid_expiry")
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrInvalidTransition    = errors.New("invalid_transition")
	ErrConcurrentUpdate     = errors.New("subscription_concurrent_update")
)
