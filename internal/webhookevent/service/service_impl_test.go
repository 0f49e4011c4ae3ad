package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/botbilling/internal/clock"
	"github.com/smallbiznis/botbilling/internal/config"
	"github.com/smallbiznis/botbilling/internal/webhookevent/domain"
	"github.com/smallbiznis/botbilling/internal/webhookevent/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

var baseTime = time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)

func setupStore(t *testing.T) (*Service, *clock.FakeClock, *gorm.DB) {
	t.Helper()
	dsn := "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&domain.WebhookEvent{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fc := clock.NewFakeClock(baseTime)

	svc := NewService(Params{
		DB:     db,
		Log:    zaptest.NewLogger(t),
		GenID:  node,
		Clock:  fc,
		Policy: config.StaticPolicy(config.DefaultPolicy()),
		Repo:   repository.Provide(),
	}).(*Service)
	return svc, fc, db
}

func persistReq(id, rawType, payload string) domain.PersistRequest {
	return domain.PersistRequest{
		ExternalEventID: id,
		Provider:        "Kiwify",
		RawType:         rawType,
		Payload:         []byte(payload),
		Headers:         map[string]string{"X-Webhook-Id": id},
		Signature:       "abc",
	}
}

func TestPersistIsIdempotent(t *testing.T) {
	svc, fc, db := setupStore(t)
	ctx := context.Background()

	first, created, err := svc.Persist(ctx, persistReq("evt_1", "order.paid", `{"a":1}`))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, domain.PaymentConfirmed, first.NormalizedType)
	assert.Equal(t, domain.StatusPending, first.ProcessingStatus)
	assert.Equal(t, "kiwify", first.Provider)

	require.NoError(t, svc.UpdateStatus(ctx, "evt_1", domain.StatusProcessed, ""))
	fc.Advance(time.Minute)

	second, created, err := svc.Persist(ctx, persistReq("evt_1", "order.refunded", `{"a":2}`))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, domain.PaymentConfirmed, second.NormalizedType)
	assert.Equal(t, domain.StatusProcessed, second.ProcessingStatus)
	assert.JSONEq(t, `{"a":1}`, string(second.RawPayload))

	var count int64
	require.NoError(t, db.Model(&domain.WebhookEvent{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestPersistConcurrentDuplicatesStoreOneRow(t *testing.T) {
	svc, _, db := setupStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]snowflake.ID, 5)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			event, _, err := svc.Persist(ctx, persistReq("evt_race", "order.paid", `{}`))
			if err != nil {
				t.Errorf("persist: %v", err)
				return
			}
			ids[i] = event.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	var count int64
	require.NoError(t, db.Model(&domain.WebhookEvent{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestPersistRejectsInvalidInput(t *testing.T) {
	svc, _, _ := setupStore(t)

	_, _, err := svc.Persist(context.Background(), persistReq(" ", "order.paid", `{}`))
	assert.ErrorIs(t, err, domain.ErrMissingEventID)

	_, _, err = svc.Persist(context.Background(), persistReq("evt_bad", "order.paid", `{`))
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
	assert.True(t, domain.IsValidation(err))

	exists, err := svc.Exists(context.Background(), "evt_bad")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestUpdateStatus(t *testing.T) {
	svc, fc, _ := setupStore(t)
	ctx := context.Background()
	_, _, err := svc.Persist(ctx, persistReq("evt_2", "order.paid", `{}`))
	require.NoError(t, err)

	require.NoError(t, svc.UpdateStatus(ctx, "evt_2", domain.StatusError, "boom"))
	event, err := svc.Get(ctx, "evt_2")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, event.ProcessingStatus)
	require.NotNil(t, event.ProcessingError)
	assert.Equal(t, "boom", *event.ProcessingError)
	assert.Nil(t, event.ProcessedAt)

	processed, err := svc.IsProcessed(ctx, "evt_2")
	require.NoError(t, err)
	assert.False(t, processed)

	fc.Advance(time.Second)
	require.NoError(t, svc.UpdateStatus(ctx, "evt_2", domain.StatusProcessed, ""))
	event, err = svc.Get(ctx, "evt_2")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessed, event.ProcessingStatus)
	assert.Nil(t, event.ProcessingError)
	require.NotNil(t, event.ProcessedAt)
	assert.True(t, event.ProcessedAt.Equal(fc.Now()))

	assert.ErrorIs(t, svc.UpdateStatus(ctx, "evt_2", domain.StatusPending, ""), domain.ErrInvalidStatus)
	assert.ErrorIs(t, svc.UpdateStatus(ctx, "missing", domain.StatusProcessed, ""), domain.ErrEventNotFound)
}

func TestListPendingOrdersOldestFirst(t *testing.T) {
	svc, fc, _ := setupStore(t)
	ctx := context.Background()

	for _, id := range []string{"evt_a", "evt_b", "evt_c"} {
		_, _, err := svc.Persist(ctx, persistReq(id, "order.paid", `{}`))
		require.NoError(t, err)
		fc.Advance(time.Second)
	}
	require.NoError(t, svc.UpdateStatus(ctx, "evt_b", domain.StatusProcessed, ""))

	pending, err := svc.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "evt_a", pending[0].ExternalEventID)
	assert.Equal(t, "evt_c", pending[1].ExternalEventID)

	limited, err := svc.ListPending(ctx, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "evt_a", limited[0].ExternalEventID)
}

func TestClaimIsExclusive(t *testing.T) {
	svc, _, _ := setupStore(t)
	ctx := context.Background()
	_, _, err := svc.Persist(ctx, persistReq("evt_claim", "order.paid", `{}`))
	require.NoError(t, err)

	event, err := svc.Claim(ctx, "evt_claim")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, event.ProcessingStatus)
	assert.Equal(t, 1, event.Attempts)
	require.NotNil(t, event.ClaimedAt)

	_, err = svc.Claim(ctx, "evt_claim")
	assert.ErrorIs(t, err, domain.ErrEventInFlight)

	_, err = svc.Claim(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrEventNotFound)
}

func TestFailClaimedSchedulesBackoffAndRetry(t *testing.T) {
	svc, fc, _ := setupStore(t)
	ctx := context.Background()
	_, _, err := svc.Persist(ctx, persistReq("evt_retry", "order.paid", `{}`))
	require.NoError(t, err)

	_, err = svc.Claim(ctx, "evt_retry")
	require.NoError(t, err)
	failed, err := svc.FailClaimed(ctx, "evt_retry", "handler timeout")
	require.NoError(t, err)
	assert.True(t, failed)

	failedAgain, err := svc.FailClaimed(ctx, "evt_retry", "late")
	require.NoError(t, err)
	assert.False(t, failedAgain)

	event, err := svc.Get(ctx, "evt_retry")
	require.NoError(t, err)
	require.NotNil(t, event.NextRetryAt)
	assert.True(t, event.NextRetryAt.Equal(baseTime.Add(time.Minute)))

	retryable, err := svc.ListRetryable(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, retryable)

	fc.Advance(time.Minute)
	retryable, err = svc.ListRetryable(ctx, 10)
	require.NoError(t, err)
	require.Len(t, retryable, 1)

	event, err = svc.Claim(ctx, "evt_retry")
	require.NoError(t, err)
	assert.Equal(t, 2, event.Attempts)
}

func TestExhaustedEventsNeedReplay(t *testing.T) {
	svc, fc, _ := setupStore(t)
	svc.policy = config.StaticPolicy(func() config.Policy {
		p := config.DefaultPolicy()
		p.MaxAttempts = 1
		return p
	}())
	ctx := context.Background()
	_, _, err := svc.Persist(ctx, persistReq("evt_dead", "order.paid", `{}`))
	require.NoError(t, err)

	_, err = svc.Claim(ctx, "evt_dead")
	require.NoError(t, err)
	_, err = svc.FailClaimed(ctx, "evt_dead", "boom")
	require.NoError(t, err)

	fc.Advance(24 * time.Hour)
	retryable, err := svc.ListRetryable(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, retryable)

	require.NoError(t, svc.Replay(ctx, "evt_dead"))
	pending, err := svc.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 0, pending[0].Attempts)

	assert.ErrorIs(t, svc.Replay(ctx, "evt_dead"), domain.ErrNotReplayable)
	assert.ErrorIs(t, svc.Replay(ctx, "missing"), domain.ErrEventNotFound)
}

func TestReleaseStaleClaims(t *testing.T) {
	svc, fc, _ := setupStore(t)
	ctx := context.Background()
	_, _, err := svc.Persist(ctx, persistReq("evt_stale", "order.paid", `{}`))
	require.NoError(t, err)
	_, err = svc.Claim(ctx, "evt_stale")
	require.NoError(t, err)

	released, err := svc.ReleaseStaleClaims(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), released)

	fc.Advance(16 * time.Minute)
	released, err = svc.ReleaseStaleClaims(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), released)

	event, err := svc.Get(ctx, "evt_stale")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, event.ProcessingStatus)
}
