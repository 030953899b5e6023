package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/stencilworks/tally/internal/audit"
	"github.com/stencilworks/tally/internal/authorization"
	"github.com/stencilworks/tally/internal/clock"
	"github.com/stencilworks/tally/internal/config"
	"github.com/stencilworks/tally/internal/ledger"
	"github.com/stencilworks/tally/internal/migration"
	"github.com/stencilworks/tally/internal/observability"
	"github.com/stencilworks/tally/internal/quota"
	"github.com/stencilworks/tally/internal/ratelimit"
	"github.com/stencilworks/tally/internal/scheduler"
	"github.com/stencilworks/tally/internal/seed"
	"github.com/stencilworks/tally/internal/server"
	"github.com/stencilworks/tally/internal/subscription"
	"github.com/stencilworks/tally/internal/webhook"
	"github.com/stencilworks/tally/pkg/db"
	"github.com/stencilworks/tally/pkg/log"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		log.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		seed.Module,

		ledger.Module,
		subscription.Module,
		quota.Module,
		ratelimit.Module,
		audit.Module,
		authorization.Module,
		webhook.Module,
		scheduler.Module,
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
