package domain

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// PersistRequest carries an already-validated inbound event.
type PersistRequest struct {
	ExternalEventID string
	Provider        string
	RawType         string
	Payload         []byte
	Headers         map[string]string
	Signature       string
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, event *WebhookEvent) (bool, error)
	FindByExternalID(ctx context.Context, db *gorm.DB, externalEventID string) (*WebhookEvent, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, externalEventID string, at time.Time) (int64, error)
	MarkError(ctx context.Context, db *gorm.DB, externalEventID, message string, nextRetryAt *time.Time, at time.Time, onlyFrom ...ProcessingStatus) (int64, error)
	Claim(ctx context.Context, db *gorm.DB, externalEventID string, at time.Time) (int64, error)
	ListByStatus(ctx context.Context, db *gorm.DB, status ProcessingStatus, limit int) ([]WebhookEvent, error)
	ListRetryable(ctx context.Context, db *gorm.DB, now time.Time, maxAttempts, limit int) ([]WebhookEvent, error)
	ReleaseStale(ctx context.Context, db *gorm.DB, claimedBefore, at time.Time) (int64, error)
	ResetForReplay(ctx context.Context, db *gorm.DB, externalEventID string, at time.Time) (int64, error)
}

// Service is the idempotent event store.
type Service interface {
	Exists(ctx context.Context, externalEventID string) (bool, error)
	IsProcessed(ctx context.Context, externalEventID string) (bool, error)
	// Persist stores a new PENDING event, or returns the existing row untouched when the
	// id was seen before. created reports which of the two happened.
	Persist(ctx context.Context, req PersistRequest) (event *WebhookEvent, created bool, err error)
	UpdateStatus(ctx context.Context, externalEventID string, status ProcessingStatus, errorMessage string) error
	ListPending(ctx context.Context, limit int) ([]WebhookEvent, error)

	Get(ctx context.Context, externalEventID string) (*WebhookEvent, error)
	// Claim moves a PENDING or ERROR event to PROCESSING. ErrEventInFlight means another
	// worker owns it or it is already processed.
	Claim(ctx context.Context, externalEventID string) (*WebhookEvent, error)
	// FailClaimed records a failure only if the event is still PROCESSING, so a handler that
	// committed after its deadline is not overwritten.
	FailClaimed(ctx context.Context, externalEventID, errorMessage string) (bool, error)
	ListRetryable(ctx context.Context, limit int) ([]WebhookEvent, error)
	ReleaseStaleClaims(ctx context.Context) (int64, error)
	Replay(ctx context.Context, externalEventID string) error
}

var (
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrMissingEventID   = errors.New("missing_event_id")
	ErrMissingEventType = errors.New("missing_event_type")

	ErrEventNotFound = errors.New("webhook_event_not_found")
	ErrEventInFlight = errors.New("webhook_event_in_flight")
	ErrInvalidStatus = errors.New("invalid_processing_status")
	ErrNotReplayable = errors.New("webhook_event_not_replayable")
)

// IsValidation reports whether err means the inbound event was rejected before persistence.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidSignature) ||
		errors.Is(err, ErrInvalidPayload) ||
		errors.Is(err, ErrMissingEventID) ||
		errors.Is(err, ErrMissingEventType)
}
