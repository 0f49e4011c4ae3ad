package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// RecordRequest describes one audit entry. Before and After are marshaled to JSON.
type RecordRequest struct {
	ActorUserID *snowflake.ID
	Action      string
	EntityType  string
	EntityID    string
	Before      any
	After       any
	Metadata    map[string]any
}

type ListFilter struct {
	ActorUserID *snowflake.ID
	Action      string
	EntityType  string
	EntityID    string
	StartAt     *time.Time
	EndAt       *time.Time
	Limit       int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *AuditLogEntry) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]AuditLogEntry, error)
}

// Service is the audit sink. Record failures are logged and returned but must never
// roll back the caller's state change.
type Service interface {
	Record(ctx context.Context, req RecordRequest) error
	List(ctx context.Context, filter ListFilter) ([]AuditLogEntry, error)
}

var (
	ErrInvalidAction    = errors.New("invalid_action")
	ErrInvalidEntity    = errors.New("invalid_entity")
	ErrInvalidTimeRange = errors.New("invalid_time_range")
)
