package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/insurecard/internal/alert"
	"github.com/smallbiznis/insurecard/internal/audit"
	"github.com/smallbiznis/insurecard/internal/clock"
	"github.com/smallbiznis/insurecard/internal/config"
	"github.com/smallbiznis/insurecard/internal/issuance"
	"github.com/smallbiznis/insurecard/internal/ledger"
	"github.com/smallbiznis/insurecard/internal/migration"
	"github.com/smallbiznis/insurecard/internal/observability"
	"github.com/smallbiznis/insurecard/internal/providers"
	"github.com/smallbiznis/insurecard/internal/ratelimit"
	"github.com/smallbiznis/insurecard/internal/scheduler"
	"github.com/smallbiznis/insurecard/internal/server"
	"github.com/smallbiznis/insurecard/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		ratelimit.Module,
		providers.Module,

		// Functional Domains
		ledger.Module,
		audit.Module,
		alert.Module,
		issuance.Module,
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
