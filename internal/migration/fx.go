package migration

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/botbilling/internal/config"
	"github.com/smallbiznis/botbilling/internal/seed"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, policy *config.PolicyHolder, node *snowflake.Node, log *zap.Logger) error {
		if !cfg.MigrateOnStart {
			log.Info("schema migration skipped")
			return nil
		}
		if err := Migrate(conn); err != nil {
			return err
		}
		return seed.EnsureDefaultPlan(context.Background(), conn, node, policy.Get().DefaultPlanCode)
	}),
)
