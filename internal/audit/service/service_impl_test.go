package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	auditdomain "github.com/smallbiznis/botbilling/internal/audit/domain"
	"github.com/smallbiznis/botbilling/internal/audit/repository"
	"github.com/smallbiznis/botbilling/internal/clock"
	obscontext "github.com/smallbiznis/botbilling/internal/observability/context"
	pkgdb "github.com/smallbiznis/botbilling/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

func setupService(t *testing.T, migrate bool) (*Service, *gorm.DB) {
	t.Helper()
	dsn := "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if migrate {
		require.NoError(t, db.AutoMigrate(&auditdomain.AuditLogEntry{}))
	}

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc := NewService(Params{
		DB:    db,
		Log:   zaptest.NewLogger(t),
		GenID: node,
		Clock: clock.NewFakeClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)),
		Repo:  repository.Provide(),
	}).(*Service)
	return svc, db
}

func TestRecordPersistsMaskedEntry(t *testing.T) {
	svc, _ := setupService(t, true)
	ctx := obscontext.WithCorrelationID(context.Background(), "cid-123")
	actor := snowflake.ID(42)

	err := svc.Record(ctx, auditdomain.RecordRequest{
		ActorUserID: &actor,
		Action:      "subscription.activated",
		EntityType:  auditdomain.EntitySubscription,
		EntityID:    "99",
		Before:      nil,
		After:       map[string]any{"status": "ACTIVE"},
		Metadata:    map[string]any{"signature": "deadbeefcafe", "event_type": "PAYMENT_CONFIRMED"},
	})
	require.NoError(t, err)

	entries, err := svc.List(context.Background(), auditdomain.ListFilter{EntityID: "99"})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	entry := entries[0]
	assert.Equal(t, "subscription.activated", entry.Action)
	assert.Equal(t, actor, *entry.ActorUserID)
	assert.Contains(t, []string{"", "null"}, string(entry.Before))
	assert.JSONEq(t, `{"status":"ACTIVE"}`, string(entry.After))
	assert.Equal(t, "****cafe", entry.Metadata["signature"])
	assert.Equal(t, "cid-123", entry.Metadata["correlation_id"])
}

func TestRecordValidatesInput(t *testing.T) {
	svc, _ := setupService(t, true)

	err := svc.Record(context.Background(), auditdomain.RecordRequest{EntityType: "x", EntityID: "1"})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidAction)

	err = svc.Record(context.Background(), auditdomain.RecordRequest{Action: "a"})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidEntity)
}

func TestRecordFailureDoesNotAbortOuterTransaction(t *testing.T) {
	svc, db := setupService(t, false)
	require.NoError(t, db.Exec(`CREATE TABLE ledger_rows (id INTEGER PRIMARY KEY, name TEXT)`).Error)

	err := pkgdb.RunInTx(context.Background(), db, func(ctx context.Context) error {
		if err := pkgdb.Conn(ctx, db).Exec(`INSERT INTO ledger_rows (id, name) VALUES (1, 'before')`).Error; err != nil {
			return err
		}
		recordErr := svc.Record(ctx, auditdomain.RecordRequest{
			Action:     "ledger_row.written",
			EntityType: "ledger_row",
			EntityID:   "1",
		})
		assert.Error(t, recordErr)
		return pkgdb.Conn(ctx, db).Exec(`INSERT INTO ledger_rows (id, name) VALUES (2, 'after')`).Error
	})
	require.NoError(t, err)

	var count int64
	require.NoError(t, db.Table("ledger_rows").Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestListRejectsInvertedRange(t *testing.T) {
	svc, _ := setupService(t, true)
	start := time.Now()
	end := start.Add(-time.Hour)

	_, err := svc.List(context.Background(), auditdomain.ListFilter{StartAt: &start, EndAt: &end})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidTimeRange)
}
