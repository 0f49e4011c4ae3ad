package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/botbilling/internal/clock"
	"github.com/smallbiznis/botbilling/internal/config"
	"github.com/smallbiznis/botbilling/internal/webhookevent/domain"
	"github.com/smallbiznis/botbilling/internal/webhookevent/normalize"
	pkgdb "github.com/smallbiznis/botbilling/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const maxErrorLength = 2000

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Policy *config.PolicyHolder
	Repo   domain.Repository
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	clock  clock.Clock
	policy *config.PolicyHolder
	repo   domain.Repository
}

func NewService(p Params) domain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("webhookevent.service"),
		genID:  p.GenID,
		clock:  p.Clock,
		policy: p.Policy,
		repo:   p.Repo,
	}
}

func (s *Service) Exists(ctx context.Context, externalEventID string) (bool, error) {
	event, err := s.repo.FindByExternalID(ctx, pkgdb.Conn(ctx, s.db), strings.TrimSpace(externalEventID))
	if err != nil {
		return false, err
	}
	return event != nil, nil
}

func (s *Service) IsProcessed(ctx context.Context, externalEventID string) (bool, error) {
	event, err := s.repo.FindByExternalID(ctx, pkgdb.Conn(ctx, s.db), strings.TrimSpace(externalEventID))
	if err != nil {
		return false, err
	}
	return event != nil && event.ProcessingStatus == domain.StatusProcessed, nil
}

func (s *Service) Persist(ctx context.Context, req domain.PersistRequest) (*domain.WebhookEvent, bool, error) {
	externalEventID := strings.TrimSpace(req.ExternalEventID)
	if externalEventID == "" {
		return nil, false, domain.ErrMissingEventID
	}
	if !json.Valid(req.Payload) {
		return nil, false, domain.ErrInvalidPayload
	}

	headers := make(map[string]any, len(req.Headers))
	for key, value := range req.Headers {
		headers[key] = value
	}

	now := s.clock.Now()
	event := domain.WebhookEvent{
		ID:               s.genID.Generate(),
		ExternalEventID:  externalEventID,
		Provider:         strings.ToLower(strings.TrimSpace(req.Provider)),
		RawType:          strings.TrimSpace(req.RawType),
		NormalizedType:   normalize.EventType(req.RawType),
		RawPayload:       datatypes.JSON(req.Payload),
		RawHeaders:       datatypes.JSONMap(headers),
		Signature:        strings.TrimSpace(req.Signature),
		ProcessingStatus: domain.StatusPending,
		ReceivedAt:       now,
		UpdatedAt:        now,
	}

	db := pkgdb.Conn(ctx, s.db)
	created, err := s.repo.Insert(ctx, db, &event)
	if err != nil && !pkgdb.IsDuplicateKeyErr(err) {
		return nil, false, err
	}

	stored, err := s.repo.FindByExternalID(ctx, db, externalEventID)
	if err != nil {
		return nil, false, err
	}
	if stored == nil {
		return nil, false, domain.ErrEventNotFound
	}

	if created {
		s.log.Info("webhook event stored",
			zap.String("external_event_id", externalEventID),
			zap.String("provider", stored.Provider),
			zap.String("normalized_type", string(stored.NormalizedType)),
		)
	} else {
		s.log.Info("duplicate webhook event ignored",
			zap.String("external_event_id", externalEventID),
			zap.String("processing_status", string(stored.ProcessingStatus)),
		)
	}
	return stored, created, nil
}

// UpdateStatus records the outcome of a processing attempt. Only PROCESSED and ERROR are
// accepted; an ERROR schedules the next automatic retry from the attempt count.
func (s *Service) UpdateStatus(ctx context.Context, externalEventID string, status domain.ProcessingStatus, errorMessage string) error {
	externalEventID = strings.TrimSpace(externalEventID)
	now := s.clock.Now()
	db := pkgdb.Conn(ctx, s.db)

	var (
		rows int64
		err  error
	)
	switch status {
	case domain.StatusProcessed:
		rows, err = s.repo.MarkProcessed(ctx, db, externalEventID, now)
	case domain.StatusError:
		event, findErr := s.repo.FindByExternalID(ctx, db, externalEventID)
		if findErr != nil {
			return findErr
		}
		if event == nil {
			return domain.ErrEventNotFound
		}
		rows, err = s.repo.MarkError(ctx, db, externalEventID, truncate(errorMessage), s.nextRetryAt(event.Attempts), now)
	default:
		return fmt.Errorf("%w: %s", domain.ErrInvalidStatus, status)
	}
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrEventNotFound
	}
	return nil
}

func (s *Service) ListPending(ctx context.Context, limit int) ([]domain.WebhookEvent, error) {
	return s.repo.ListByStatus(ctx, pkgdb.Conn(ctx, s.db), domain.StatusPending, limit)
}

func (s *Service) Get(ctx context.Context, externalEventID string) (*domain.WebhookEvent, error) {
	event, err := s.repo.FindByExternalID(ctx, pkgdb.Conn(ctx, s.db), strings.TrimSpace(externalEventID))
	if err != nil {
		return nil, err
	}
	if event == nil {
		return nil, domain.ErrEventNotFound
	}
	return event, nil
}

func (s *Service) Claim(ctx context.Context, externalEventID string) (*domain.WebhookEvent, error) {
	externalEventID = strings.TrimSpace(externalEventID)
	db := pkgdb.Conn(ctx, s.db)

	rows, err := s.repo.Claim(ctx, db, externalEventID, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		event, err := s.repo.FindByExternalID(ctx, db, externalEventID)
		if err != nil {
			return nil, err
		}
		if event == nil {
			return nil, domain.ErrEventNotFound
		}
		return nil, domain.ErrEventInFlight
	}

	event, err := s.repo.FindByExternalID(ctx, db, externalEventID)
	if err != nil {
		return nil, err
	}
	if event == nil {
		return nil, domain.ErrEventNotFound
	}
	return event, nil
}

func (s *Service) FailClaimed(ctx context.Context, externalEventID, errorMessage string) (bool, error) {
	externalEventID = strings.TrimSpace(externalEventID)
	db := pkgdb.Conn(ctx, s.db)

	event, err := s.repo.FindByExternalID(ctx, db, externalEventID)
	if err != nil {
		return false, err
	}
	if event == nil {
		return false, domain.ErrEventNotFound
	}
	rows, err := s.repo.MarkError(ctx, db, externalEventID, truncate(errorMessage), s.nextRetryAt(event.Attempts), s.clock.Now(), domain.StatusProcessing)
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (s *Service) ListRetryable(ctx context.Context, limit int) ([]domain.WebhookEvent, error) {
	policy := s.policy.Get()
	return s.repo.ListRetryable(ctx, pkgdb.Conn(ctx, s.db), s.clock.Now(), policy.MaxAttempts, limit)
}

func (s *Service) ReleaseStaleClaims(ctx context.Context) (int64, error) {
	now := s.clock.Now()
	released, err := s.repo.ReleaseStale(ctx, pkgdb.Conn(ctx, s.db), now.Add(-s.policy.Get().StaleClaimAfter), now)
	if err != nil {
		return 0, err
	}
	if released > 0 {
		s.log.Warn("released stale webhook claims", zap.Int64("count", released))
	}
	return released, nil
}

// Replay returns an ERROR event to PENDING with a fresh attempt budget.
func (s *Service) Replay(ctx context.Context, externalEventID string) error {
	externalEventID = strings.TrimSpace(externalEventID)
	db := pkgdb.Conn(ctx, s.db)

	rows, err := s.repo.ResetForReplay(ctx, db, externalEventID, s.clock.Now())
	if err != nil {
		return err
	}
	if rows > 0 {
		s.log.Info("webhook event queued for replay", zap.String("external_event_id", externalEventID))
		return nil
	}
	event, err := s.repo.FindByExternalID(ctx, db, externalEventID)
	if err != nil {
		return err
	}
	if event == nil {
		return domain.ErrEventNotFound
	}
	return fmt.Errorf("%w: status %s", domain.ErrNotReplayable, event.ProcessingStatus)
}

// nextRetryAt returns nil once the attempt budget is spent; such events wait for Replay.
func (s *Service) nextRetryAt(attempts int) *time.Time {
	policy := s.policy.Get()
	if attempts >= policy.MaxAttempts {
		return nil
	}
	next := s.clock.Now().Add(policy.RetryDelay(attempts))
	return &next
}

func truncate(message string) string {
	message = strings.TrimSpace(message)
	if len(message) > maxErrorLength {
		return message[:maxErrorLength]
	}
	return message
}
