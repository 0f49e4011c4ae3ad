package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/botbilling/internal/audit"
	"github.com/smallbiznis/botbilling/internal/clock"
	"github.com/smallbiznis/botbilling/internal/config"
	"github.com/smallbiznis/botbilling/internal/entitlement"
	"github.com/smallbiznis/botbilling/internal/lock"
	"github.com/smallbiznis/botbilling/internal/observability"
	"github.com/smallbiznis/botbilling/internal/payment"
	"github.com/smallbiznis/botbilling/internal/plan"
	"github.com/smallbiznis/botbilling/internal/processor"
	"github.com/smallbiznis/botbilling/internal/scheduler"
	"github.com/smallbiznis/botbilling/internal/subscription"
	"github.com/smallbiznis/botbilling/internal/user"
	"github.com/smallbiznis/botbilling/internal/webhookevent"
	"github.com/smallbiznis/botbilling/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		lock.Module,

		// Domain services required by the scheduler jobs
		audit.Module,
		user.Module,
		plan.Module,
		payment.Module,
		entitlement.Module,
		subscription.Module,
		webhookevent.Module,
		processor.Module,

		// No server module; this binary only drains and sweeps.
		fx.Decorate(forceScheduler),
		scheduler.Module,
	)
	app.Run()
}

func forceScheduler(cfg config.Config) config.Config {
	cfg.Scheduler.Enabled = true
	return cfg
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(2)
	if err != nil {
		panic(err)
	}
	return node
}
