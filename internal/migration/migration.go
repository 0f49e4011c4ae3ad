package migration

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	auditdomain "github.com/smallbiznis/botbilling/internal/audit/domain"
	entitlementdomain "github.com/smallbiznis/botbilling/internal/entitlement/domain"
	paymentdomain "github.com/smallbiznis/botbilling/internal/payment/domain"
	plandomain "github.com/smallbiznis/botbilling/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/botbilling/internal/subscription/domain"
	userdomain "github.com/smallbiznis/botbilling/internal/user/domain"
	webhookdomain "github.com/smallbiznis/botbilling/internal/webhookevent/domain"
	"gorm.io/gorm"
)

// Models lists every persisted type. Dialects without SQL migrations build their schema
// from it.
func Models() []any {
	return []any{
		&userdomain.User{},
		&plandomain.Plan{},
		&plandomain.ProductMapping{},
		&webhookdomain.WebhookEvent{},
		&paymentdomain.Payment{},
		&subscriptiondomain.Subscription{},
		&entitlementdomain.Entitlement{},
		&auditdomain.AuditLogEntry{},
	}
}

// Migrate brings the schema up to date. Postgres runs the embedded SQL migrations;
// mysql and sqlite fall back to gorm AutoMigrate.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return errors.New("migration database handle is required")
	}

	switch conn.Dialector.Name() {
	case "postgres":
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	default:
		if err := conn.AutoMigrate(Models()...); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}
}

func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// migrator.Close would close the shared *sql.DB.

	return nil
}
