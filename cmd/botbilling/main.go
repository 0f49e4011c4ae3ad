package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/botbilling/internal/audit"
	"github.com/smallbiznis/botbilling/internal/clock"
	"github.com/smallbiznis/botbilling/internal/config"
	"github.com/smallbiznis/botbilling/internal/entitlement"
	"github.com/smallbiznis/botbilling/internal/lock"
	"github.com/smallbiznis/botbilling/internal/migration"
	"github.com/smallbiznis/botbilling/internal/observability"
	"github.com/smallbiznis/botbilling/internal/payment"
	"github.com/smallbiznis/botbilling/internal/plan"
	"github.com/smallbiznis/botbilling/internal/processor"
	"github.com/smallbiznis/botbilling/internal/ratelimit"
	"github.com/smallbiznis/botbilling/internal/scheduler"
	"github.com/smallbiznis/botbilling/internal/server"
	"github.com/smallbiznis/botbilling/internal/subscription"
	"github.com/smallbiznis/botbilling/internal/user"
	"github.com/smallbiznis/botbilling/internal/webhookevent"
	"github.com/smallbiznis/botbilling/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		lock.Module,
		migration.Module,

		// Functional Domains
		audit.Module,
		user.Module,
		plan.Module,
		payment.Module,
		entitlement.Module,
		subscription.Module,
		webhookevent.Module,
		processor.Module,

		scheduler.Module,
		ratelimit.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
