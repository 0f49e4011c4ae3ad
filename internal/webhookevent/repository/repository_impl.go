package repository

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/botbilling/internal/webhookevent/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

// Insert relies on the unique external_event_id index; a concurrent duplicate is a no-op.
func (r *repo) Insert(ctx context.Context, db *gorm.DB, event *domain.WebhookEvent) (bool, error) {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "external_event_id"}},
			DoNothing: true,
		}).
		Create(event)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindByExternalID(ctx context.Context, db *gorm.DB, externalEventID string) (*domain.WebhookEvent, error) {
	var event domain.WebhookEvent
	err := db.WithContext(ctx).
		Where("external_event_id = ?", externalEventID).
		Take(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (r *repo) MarkProcessed(ctx context.Context, db *gorm.DB, externalEventID string, at time.Time) (int64, error) {
	result := db.WithContext(ctx).
		Model(&domain.WebhookEvent{}).
		Where("external_event_id = ?", externalEventID).
		Updates(map[string]any{
			"processing_status": domain.StatusProcessed,
			"processed_at":      at,
			"processing_error":  nil,
			"next_retry_at":     nil,
			"claimed_at":        nil,
			"updated_at":        at,
		})
	return result.RowsAffected, result.Error
}

func (r *repo) MarkError(ctx context.Context, db *gorm.DB, externalEventID, message string, nextRetryAt *time.Time, at time.Time, onlyFrom ...domain.ProcessingStatus) (int64, error) {
	stmt := db.WithContext(ctx).
		Model(&domain.WebhookEvent{}).
		Where("external_event_id = ?", externalEventID)
	if len(onlyFrom) > 0 {
		stmt = stmt.Where("processing_status IN ?", onlyFrom)
	}
	result := stmt.Updates(map[string]any{
		"processing_status": domain.StatusError,
		"processing_error":  message,
		"next_retry_at":     nextRetryAt,
		"claimed_at":        nil,
		"updated_at":        at,
	})
	return result.RowsAffected, result.Error
}

// Claim is a compare-and-swap on processing_status; RowsAffected tells the caller who won.
func (r *repo) Claim(ctx context.Context, db *gorm.DB, externalEventID string, at time.Time) (int64, error) {
	result := db.WithContext(ctx).
		Model(&domain.WebhookEvent{}).
		Where("external_event_id = ?", externalEventID).
		Where("processing_status IN ?", []domain.ProcessingStatus{domain.StatusPending, domain.StatusError}).
		Updates(map[string]any{
			"processing_status": domain.StatusProcessing,
			"attempts":          gorm.Expr("attempts + 1"),
			"claimed_at":        at,
			"updated_at":        at,
		})
	return result.RowsAffected, result.Error
}

func (r *repo) ListByStatus(ctx context.Context, db *gorm.DB, status domain.ProcessingStatus, limit int) ([]domain.WebhookEvent, error) {
	var events []domain.WebhookEvent
	stmt := db.WithContext(ctx).
		Where("processing_status = ?", status).
		Order("received_at asc, id asc")
	if limit > 0 {
		stmt = stmt.Limit(limit)
	}
	if err := stmt.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

func (r *repo) ListRetryable(ctx context.Context, db *gorm.DB, now time.Time, maxAttempts, limit int) ([]domain.WebhookEvent, error) {
	var events []domain.WebhookEvent
	stmt := db.WithContext(ctx).
		Where("processing_status = ?", domain.StatusError).
		Where("attempts < ?", maxAttempts).
		Where("next_retry_at IS NOT NULL AND next_retry_at <= ?", now).
		Order("next_retry_at asc, id asc")
	if limit > 0 {
		stmt = stmt.Limit(limit)
	}
	if err := stmt.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

func (r *repo) ReleaseStale(ctx context.Context, db *gorm.DB, claimedBefore, at time.Time) (int64, error) {
	result := db.WithContext(ctx).
		Model(&domain.WebhookEvent{}).
		Where("processing_status = ?", domain.StatusProcessing).
		Where("claimed_at < ?", claimedBefore).
		Updates(map[string]any{
			"processing_status": domain.StatusPending,
			"claimed_at":        nil,
			"updated_at":        at,
		})
	return result.RowsAffected, result.Error
}

func (r *repo) ResetForReplay(ctx context.Context, db *gorm.DB, externalEventID string, at time.Time) (int64, error) {
	result := db.WithContext(ctx).
		Model(&domain.WebhookEvent{}).
		Where("external_event_id = ?", externalEventID).
		Where("processing_status = ?", domain.StatusError).
		Updates(map[string]any{
			"processing_status": domain.StatusPending,
			"attempts":          0,
			"next_retry_at":     nil,
			"updated_at":        at,
		})
	return result.RowsAffected, result.Error
}
