package service

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/botbilling/internal/audit/domain"
	"github.com/smallbiznis/botbilling/internal/audit/masking"
	"github.com/smallbiznis/botbilling/internal/clock"
	obscontext "github.com/smallbiznis/botbilling/internal/observability/context"
	pkgdb "github.com/smallbiznis/botbilling/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  auditdomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  auditdomain.Repository
}

func NewService(p Params) auditdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("audit.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

// Record appends an entry. Inside an ambient transaction the insert runs on a savepoint,
// so a failed audit write never aborts the surrounding change.
func (s *Service) Record(ctx context.Context, req auditdomain.RecordRequest) error {
	action := strings.TrimSpace(req.Action)
	if action == "" {
		return auditdomain.ErrInvalidAction
	}
	entityType := strings.TrimSpace(req.EntityType)
	entityID := strings.TrimSpace(req.EntityID)
	if entityType == "" || entityID == "" {
		return auditdomain.ErrInvalidEntity
	}

	metadata := map[string]any{}
	for key, value := range req.Metadata {
		metadata[key] = value
	}
	if cid := obscontext.CorrelationIDFromContext(ctx); cid != "" {
		metadata["correlation_id"] = cid
	}
	if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
		metadata["request_id"] = requestID
	}

	entry := auditdomain.AuditLogEntry{
		ID:          s.genID.Generate(),
		ActorUserID: req.ActorUserID,
		Action:      action,
		EntityType:  entityType,
		EntityID:    entityID,
		Before:      s.snapshot(action, req.Before),
		After:       s.snapshot(action, req.After),
		Metadata:    datatypes.JSONMap(masking.MaskMetadata(metadata)),
		CreatedAt:   s.clock.Now(),
	}

	err := pkgdb.Isolated(ctx, s.db, func(tx *gorm.DB) error {
		return s.repo.Insert(ctx, tx, &entry)
	})
	if err != nil {
		s.log.Warn("failed to write audit log",
			zap.String("action", action),
			zap.String("entity_type", entityType),
			zap.String("entity_id", entityID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (s *Service) List(ctx context.Context, filter auditdomain.ListFilter) ([]auditdomain.AuditLogEntry, error) {
	if filter.StartAt != nil && filter.EndAt != nil && filter.StartAt.After(*filter.EndAt) {
		return nil, auditdomain.ErrInvalidTimeRange
	}
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 500
	}
	return s.repo.List(ctx, pkgdb.Conn(ctx, s.db), filter)
}

func (s *Service) snapshot(action string, value any) datatypes.JSON {
	if value == nil {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		s.log.Warn("audit snapshot not serializable", zap.String("action", action), zap.Error(err))
		return nil
	}
	if string(raw) == "null" {
		return nil
	}
	return datatypes.JSON(raw)
}
